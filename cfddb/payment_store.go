package cfddb

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrPaymentNotFound is returned when no payment matches the given
	// hash.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentExists is returned when inserting a payment whose hash is
	// already known.
	ErrPaymentExists = errors.New("payment already exists")

	// ErrPaymentFinal is returned when moving a payment out of a final
	// status.
	ErrPaymentFinal = errors.New("payment status is final")

	errInsertFailed = errors.New("insert did not affect any row")
)

// PaymentFlow is the direction of a payment relative to this node.
type PaymentFlow string

const (
	FlowInbound  PaymentFlow = "inbound"
	FlowOutbound PaymentFlow = "outbound"
)

// PaymentStatus is the status of a payment.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
	StatusExpired   PaymentStatus = "expired"
)

// PaymentInfo is a persisted payment.
type PaymentInfo struct {
	Hash     lntypes.Hash
	Preimage fn.Option[lntypes.Preimage]
	Secret   fn.Option[[32]byte]
	Flow     PaymentFlow
	Status   PaymentStatus
	Amount   fn.Option[lnwire.MilliSatoshi]
	Created  time.Time
	Updated  time.Time
	Expiry   fn.Option[time.Time]
}

// InsertPayment stores a new payment. The created and updated timestamps are
// taken from the store's clock when unset.
func (s *Store) InsertPayment(ctx context.Context, info *PaymentInfo) error {
	now := s.clock.Now()
	if info.Created.IsZero() {
		info.Created = now
	}
	if info.Updated.IsZero() {
		info.Updated = now
	}

	return s.execTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM payments WHERE payment_hash = ?`,
			info.Hash.String(),
		).Scan(&exists)
		if err != nil {
			return err
		}
		if exists != 0 {
			return fmt.Errorf("%w: %v", ErrPaymentExists, info.Hash)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO payments (
				payment_hash, preimage, secret, flow, status,
				amount_msat, created, updated, expiry
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			info.Hash.String(), preimageParam(info.Preimage),
			secretParam(info.Secret), string(info.Flow),
			string(info.Status), amountParam(info.Amount),
			info.Created.Unix(), info.Updated.Unix(),
			expiryParam(info.Expiry),
		)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		return expectOneRow(res, errInsertFailed)
	})
}

// UpdatePayment sets the status of the payment with the given hash. A
// preimage or secret is only written when provided, existing values are
// never cleared. Applying the same update twice yields the same record.
// Only pending payments change their status, ErrPaymentFinal is returned
// for any other.
func (s *Store) UpdatePayment(ctx context.Context, hash lntypes.Hash,
	status PaymentStatus, preimage fn.Option[lntypes.Preimage],
	secret fn.Option[[32]byte]) (*PaymentInfo, error) {

	var info *PaymentInfo
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payments
			SET status = ?, updated = ?,
				preimage = COALESCE(?, preimage),
				secret = COALESCE(?, secret)
			WHERE payment_hash = ? AND status IN (?, ?)`,
			string(status), s.clock.Now().Unix(),
			preimageParam(preimage), secretParam(secret),
			hash.String(), string(StatusPending), string(status),
		)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		err = expectOneRow(res, ErrPaymentNotFound)
		if errors.Is(err, ErrPaymentNotFound) {
			current, lerr := loadPayment(ctx, tx, hash)
			if lerr != nil {
				return lerr
			}

			return fmt.Errorf("%w: %v is %v", ErrPaymentFinal,
				hash, current.Status)
		}
		if err != nil {
			return err
		}

		info, err = loadPayment(ctx, tx, hash)

		return err
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

// LoadPayment returns the payment with the given hash.
func (s *Store) LoadPayment(ctx context.Context,
	hash lntypes.Hash) (*PaymentInfo, error) {

	return loadPayment(ctx, s.db, hash)
}

// LoadPayments returns all payments, newest first.
func (s *Store) LoadPayments(ctx context.Context) ([]*PaymentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_hash, preimage, secret, flow, status,
			amount_msat, created, updated, expiry
		FROM payments
		ORDER BY created DESC, payment_hash`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*PaymentInfo
	for rows.Next() {
		info, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}

		payments = append(payments, info)
	}

	return payments, rows.Err()
}

// ExpirePayments transitions every pending payment whose expiry lies before
// now to Expired and returns how many were changed.
func (s *Store) ExpirePayments(ctx context.Context,
	now time.Time) (int64, error) {

	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, updated = ?
		WHERE status = ? AND expiry IS NOT NULL AND expiry < ?`,
		string(StatusExpired), now.Unix(), string(StatusPending),
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire payments: %w", err)
	}

	return res.RowsAffected()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string,
		args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func loadPayment(ctx context.Context, q querier,
	hash lntypes.Hash) (*PaymentInfo, error) {

	row := q.QueryRowContext(ctx, `
		SELECT payment_hash, preimage, secret, flow, status,
			amount_msat, created, updated, expiry
		FROM payments
		WHERE payment_hash = ?`,
		hash.String(),
	)

	info, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrPaymentNotFound, hash)
	}

	return info, err
}

func scanPayment(row rowScanner) (*PaymentInfo, error) {
	var (
		hash, flow, status string
		preimage, secret   sql.NullString
		amount, expiry     sql.NullInt64
		created, updated   int64
	)

	err := row.Scan(
		&hash, &preimage, &secret, &flow, &status, &amount, &created,
		&updated, &expiry,
	)
	if err != nil {
		return nil, err
	}

	info := &PaymentInfo{
		Preimage: fn.None[lntypes.Preimage](),
		Secret:   fn.None[[32]byte](),
		Flow:     PaymentFlow(flow),
		Status:   PaymentStatus(status),
		Amount:   fn.None[lnwire.MilliSatoshi](),
		Created:  time.Unix(created, 0),
		Updated:  time.Unix(updated, 0),
		Expiry:   fn.None[time.Time](),
	}

	info.Hash, err = lntypes.MakeHashFromStr(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}

	if preimage.Valid {
		p, err := lntypes.MakePreimageFromStr(preimage.String)
		if err != nil {
			return nil, fmt.Errorf("invalid preimage: %w", err)
		}

		info.Preimage = fn.Some(p)
	}

	if secret.Valid {
		raw, err := hex.DecodeString(secret.String)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid payment secret %q",
				secret.String)
		}

		var s [32]byte
		copy(s[:], raw)
		info.Secret = fn.Some(s)
	}

	if amount.Valid {
		info.Amount = fn.Some(lnwire.MilliSatoshi(amount.Int64))
	}

	if expiry.Valid {
		info.Expiry = fn.Some(time.Unix(expiry.Int64, 0))
	}

	return info, nil
}

func preimageParam(p fn.Option[lntypes.Preimage]) sql.NullString {
	var v sql.NullString
	p.WhenSome(func(p lntypes.Preimage) {
		v = sql.NullString{String: p.String(), Valid: true}
	})

	return v
}

func secretParam(s fn.Option[[32]byte]) sql.NullString {
	var v sql.NullString
	s.WhenSome(func(s [32]byte) {
		v = sql.NullString{String: hex.EncodeToString(s[:]), Valid: true}
	})

	return v
}

func amountParam(a fn.Option[lnwire.MilliSatoshi]) sql.NullInt64 {
	var v sql.NullInt64
	a.WhenSome(func(a lnwire.MilliSatoshi) {
		v = sql.NullInt64{Int64: int64(a), Valid: true}
	})

	return v
}

func expiryParam(e fn.Option[time.Time]) sql.NullInt64 {
	var v sql.NullInt64
	e.WhenSome(func(e time.Time) {
		v = sql.NullInt64{Int64: e.Unix(), Valid: true}
	})

	return v
}

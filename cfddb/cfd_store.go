package cfddb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cfdlabs/cfdnode/calc"
	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

// A compile time check to ensure Store implements the cfd.Store interface.
var _ cfd.Store = (*Store)(nil)

// InsertCfd stores a new cfd in state Open and returns its row id.
func (s *Store) InsertCfd(ctx context.Context, c *cfd.Cfd) (int64, error) {
	now := s.clock.Now().Unix()

	var id int64
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO cfd (
				custom_output_id, contract_symbol, position,
				leverage, quantity, expiry, open_price,
				liquidation_price, margin, created, updated,
				state_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CustomOutputID, string(c.ContractSymbol),
			c.Position.String(), c.Leverage, c.Quantity,
			c.Expiry.Unix(), c.OpenPrice.String(),
			c.LiquidationPrice.String(), int64(c.Margin), now, now,
			cfd.StateOpen,
		)
		if err != nil {
			return fmt.Errorf("failed to insert cfd: %w", err)
		}

		if err := expectOneRow(res, errInsertFailed); err != nil {
			return err
		}

		id, err = res.LastInsertId()

		return err
	})
	if err != nil {
		return 0, err
	}

	log.Debugf("Stored cfd id=%d custom_output_id=%v", id,
		c.CustomOutputID)

	return id, nil
}

// UpdateCfd marks the open cfd with the given custom output id as Closed at
// closePrice.
func (s *Store) UpdateCfd(ctx context.Context, customOutputID string,
	closePrice decimal.Decimal) error {

	return s.setCfdState(
		ctx, customOutputID, cfd.StateClosed, fn.Some(closePrice),
	)
}

// MarkCfdFailed moves the open cfd with the given custom output id to
// Failed.
func (s *Store) MarkCfdFailed(ctx context.Context,
	customOutputID string) error {

	return s.setCfdState(
		ctx, customOutputID, cfd.StateFailed,
		fn.None[decimal.Decimal](),
	)
}

func (s *Store) setCfdState(ctx context.Context, customOutputID string,
	state cfd.State, closePrice fn.Option[decimal.Decimal]) error {

	var price sql.NullString
	closePrice.WhenSome(func(p decimal.Decimal) {
		price = sql.NullString{String: p.String(), Valid: true}
	})

	return s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cfd
			SET state_id = ?, updated = ?,
				close_price = COALESCE(?, close_price)
			WHERE custom_output_id = ? AND state_id = ?`,
			state, s.clock.Now().Unix(), price, customOutputID,
			cfd.StateOpen,
		)
		if err != nil {
			return fmt.Errorf("failed to update cfd: %w", err)
		}

		err = expectOneRow(res, cfd.ErrCfdNotFound)
		if err != nil {
			return fmt.Errorf("failed to mark cfd %v as %v: %w",
				customOutputID, state, err)
		}

		return nil
	})
}

// LoadCfds returns all cfds ordered by creation.
func (s *Store) LoadCfds(ctx context.Context) ([]cfd.Cfd, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, custom_output_id, contract_symbol, position,
			leverage, quantity, expiry, open_price, close_price,
			liquidation_price, margin, created, updated, state_id
		FROM cfd
		ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cfds: %w", err)
	}
	defer rows.Close()

	var cfds []cfd.Cfd
	for rows.Next() {
		c, err := scanCfd(rows)
		if err != nil {
			return nil, err
		}

		cfds = append(cfds, *c)
	}

	return cfds, rows.Err()
}

func scanCfd(rows *sql.Rows) (*cfd.Cfd, error) {
	var (
		c                                cfd.Cfd
		symbol, position                 string
		openPrice, liqPrice              string
		closePrice                       sql.NullString
		expiry, created, updated, margin int64
		state                            uint8
	)

	err := rows.Scan(
		&c.ID, &c.CustomOutputID, &symbol, &position, &c.Leverage,
		&c.Quantity, &expiry, &openPrice, &closePrice, &liqPrice,
		&margin, &created, &updated, &state,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cfd: %w", err)
	}

	c.ContractSymbol = cfd.ContractSymbol(symbol)
	c.Position, err = calc.ParsePosition(position)
	if err != nil {
		return nil, err
	}

	c.OpenPrice, err = decimal.NewFromString(openPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid open price: %w", err)
	}

	c.LiquidationPrice, err = decimal.NewFromString(liqPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid liquidation price: %w", err)
	}

	c.ClosePrice = fn.None[decimal.Decimal]()
	if closePrice.Valid {
		p, err := decimal.NewFromString(closePrice.String)
		if err != nil {
			return nil, fmt.Errorf("invalid close price: %w", err)
		}

		c.ClosePrice = fn.Some(p)
	}

	c.Margin = uint64(margin)
	c.Expiry = time.Unix(expiry, 0)
	c.Created = time.Unix(created, 0)
	c.Updated = time.Unix(updated, 0)
	c.State = cfd.State(state)

	return &c, nil
}

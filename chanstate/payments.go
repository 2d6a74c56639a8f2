package chanstate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

const (
	// DefaultInvoiceExpiry is the expiry of an invoice created without
	// one.
	DefaultInvoiceExpiry = time.Hour

	// DefaultFinalCltvDelta is the final CLTV delta of our invoices.
	DefaultFinalCltvDelta = 40

	// finalCltvSafety is added to the final CLTV delta of a payment to
	// absorb blocks found while it is in flight.
	finalCltvSafety = 3
)

var (
	// ErrNoRoute is returned when no usable channel leads to the payee.
	ErrNoRoute = errors.New("no route to destination")

	// ErrInvoiceNoAmount is returned when paying an invoice without an
	// amount.
	ErrInvoiceNoAmount = errors.New("invoice has no amount")

	// ErrInvoiceExpired is returned when paying an expired invoice.
	ErrInvoiceExpired = errors.New("invoice expired")
)

// Invoice is an invoice we created together with its secrets.
type Invoice struct {
	PaymentRequest string
	PaymentHash    lntypes.Hash
	Preimage       lntypes.Preimage
	PaymentAddr    [32]byte
	Amount         fn.Option[lnwire.MilliSatoshi]
	Expiry         time.Time
}

// CreateInvoice creates and signs an invoice payable to this node.
func (m *Manager) CreateInvoice(amt fn.Option[lnwire.MilliSatoshi],
	description string, expiry time.Duration) (*Invoice, error) {

	if expiry <= 0 {
		expiry = DefaultInvoiceExpiry
	}

	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, err
	}
	var addr [32]byte
	if _, err := rand.Read(addr[:]); err != nil {
		return nil, err
	}

	hash := preimage.Hash()
	now := m.cfg.Clock.Now()

	opts := []func(*zpay32.Invoice){
		zpay32.Description(description),
		zpay32.Expiry(expiry),
		zpay32.CLTVExpiry(DefaultFinalCltvDelta),
		zpay32.PaymentAddr(addr),
		zpay32.Features(lnwire.NewFeatureVector(
			lnwire.NewRawFeatureVector(
				lnwire.TLVOnionPayloadRequired,
				lnwire.PaymentAddrRequired,
			), lnwire.Features,
		)),
	}
	amt.WhenSome(func(a lnwire.MilliSatoshi) {
		opts = append(opts, zpay32.Amount(a))
	})

	inv, err := zpay32.NewInvoice(m.cfg.ChainParams, hash, now, opts...)
	if err != nil {
		return nil, err
	}

	payReq, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(
				m.cfg.NodeKey, chainhash.HashB(msg), true,
			), nil
		},
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Created invoice for hash %v", hash)

	return &Invoice{
		PaymentRequest: payReq,
		PaymentHash:    hash,
		Preimage:       preimage,
		PaymentAddr:    addr,
		Amount:         amt,
		Expiry:         now.Add(expiry),
	}, nil
}

// SendPayment pays an invoice over the channel with its destination. It
// returns once the HTLC is queued, the outcome is reported by events.
func (m *Manager) SendPayment(ctx context.Context,
	payReq string) (lntypes.Hash, error) {

	inv, err := zpay32.Decode(payReq, m.cfg.ChainParams)
	if err != nil {
		return lntypes.Hash{}, fmt.Errorf("invalid invoice: %w", err)
	}
	if inv.MilliSat == nil || *inv.MilliSat == 0 {
		return lntypes.Hash{}, ErrInvoiceNoAmount
	}
	if inv.PaymentHash == nil {
		return lntypes.Hash{}, errors.New("invoice has no payment hash")
	}
	if m.cfg.Clock.Now().After(inv.Timestamp.Add(inv.Expiry())) {
		return lntypes.Hash{}, ErrInvoiceExpired
	}

	hash := lntypes.Hash(*inv.PaymentHash)
	amt := *inv.MilliSat

	m.mu.Lock()
	defer m.mu.Unlock()

	var c *Channel
	for _, ch := range m.channels {
		if !ch.Peer.IsEqual(inv.Destination) || !m.usable(ch) {
			continue
		}
		if ch.localCommit.state.localBalance < amt {
			continue
		}
		c = ch
		break
	}
	if c == nil {
		return hash, fmt.Errorf("%w: %x", ErrNoRoute,
			inv.Destination.SerializeCompressed())
	}

	htlc := HTLC{
		ID:          c.nextLocalHtlcID,
		Amount:      amt,
		PaymentHash: hash,
		Expiry: m.bestHeight + uint32(inv.MinFinalCLTVExpiry()) +
			finalCltvSafety,
	}
	c.nextLocalHtlcID++

	log.Infof("Sending %v to %x over %v (hash=%v)", amt,
		c.Peer.SerializeCompressed(), c.ChanID, hash)

	done := m.submitLocal(ctx, c, []Update{{
		Kind: UpdateAddHTLC,
		HTLC: htlc,
	}})
	m.watchRound(done, func(err error) []Event {
		log.Errorf("Payment %v failed: %v", hash, err)
		return []Event{
			&PaymentPathFailed{PaymentHash: hash},
			&PaymentFailed{PaymentHash: hash},
		}
	})

	return hash, nil
}

// ClaimFunds settles every incoming HTLC paying the hash of preimage.
func (m *Manager) ClaimFunds(ctx context.Context,
	preimage lntypes.Preimage) error {

	return m.resolveIncoming(ctx, preimage.Hash(), func(h HTLC) Update {
		return Update{
			Kind:     UpdateSettleHTLC,
			HtlcID:   h.ID,
			Preimage: preimage,
		}
	})
}

// FailHTLC fails every incoming HTLC paying hash.
func (m *Manager) FailHTLC(ctx context.Context, hash lntypes.Hash) error {
	return m.resolveIncoming(ctx, hash, func(h HTLC) Update {
		return Update{
			Kind:   UpdateFailHTLC,
			HtlcID: h.ID,
		}
	})
}

// resolveIncoming queues one update per incoming HTLC paying hash.
func (m *Manager) resolveIncoming(ctx context.Context, hash lntypes.Hash,
	resolve func(HTLC) Update) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for _, c := range m.channels {
		if c.State != StateOpen {
			continue
		}

		var updates []Update
		for _, h := range c.localCommit.state.htlcs {
			if h.Incoming && h.PaymentHash == hash {
				updates = append(updates, resolve(h))
			}
		}
		if len(updates) == 0 {
			continue
		}
		found = true

		done := m.submitLocal(ctx, c, updates)
		chanID := c.ChanID
		m.watchRound(done, func(err error) []Event {
			log.Errorf("Unable to resolve htlcs of %v on %v: %v",
				hash, chanID, err)
			return nil
		})
	}

	if !found {
		return fmt.Errorf("%w: %v", errNoHTLC, hash)
	}

	return nil
}

// watchRound waits for a queued round in the background and publishes the
// events onFail returns if it fails.
func (m *Manager) watchRound(done <-chan error, onFail func(error) []Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case err := <-done:
			if err != nil {
				m.publish(context.Background(), onFail(err))
			}

		case <-m.quit:
		}
	}()
}

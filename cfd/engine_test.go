package cfd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cfdlabs/cfdnode/calc"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

type mockChannels struct {
	details chanstate.ChannelDetails
	found   bool
}

func (m *mockChannels) ChannelWithPeer(
	*btcec.PublicKey) (chanstate.ChannelDetails, bool) {

	return m.details, m.found
}

type addCall struct {
	scid               lnwire.ShortChannelID
	takerAmt, makerAmt lnwire.MilliSatoshi
}

type mockCustomOutputs struct {
	id        chanstate.CustomOutputID
	addErr    error
	removeErr error

	adds    []addCall
	payouts []lnwire.MilliSatoshi
}

func (m *mockCustomOutputs) AddCustomOutput(_ context.Context,
	scid lnwire.ShortChannelID, _ *btcec.PublicKey,
	takerAmt, makerAmt lnwire.MilliSatoshi, _ uint32,
	_ []byte) (chanstate.CustomOutputID, error) {

	if m.addErr != nil {
		return chanstate.CustomOutputID{}, m.addErr
	}
	m.adds = append(m.adds, addCall{scid, takerAmt, makerAmt})

	return m.id, nil
}

func (m *mockCustomOutputs) RemoveCustomOutput(_ context.Context,
	id chanstate.CustomOutputID, payout lnwire.MilliSatoshi) error {

	if m.removeErr != nil {
		return m.removeErr
	}
	if id != m.id {
		return fmt.Errorf("unknown custom output %x", id[:4])
	}
	m.payouts = append(m.payouts, payout)

	return nil
}

type mockStore struct {
	cfds []Cfd

	// insertFailures is the number of inserts that fail before one
	// succeeds.
	insertFailures int
	inserts        int
}

func (m *mockStore) InsertCfd(_ context.Context, c *Cfd) (int64, error) {
	m.inserts++
	if m.inserts <= m.insertFailures {
		return 0, errors.New("database is locked")
	}

	stored := *c
	stored.ID = int64(len(m.cfds) + 1)
	m.cfds = append(m.cfds, stored)

	return stored.ID, nil
}

func (m *mockStore) find(customOutputID string) (*Cfd, error) {
	for i := range m.cfds {
		if m.cfds[i].CustomOutputID == customOutputID {
			return &m.cfds[i], nil
		}
	}

	return nil, ErrCfdNotFound
}

func (m *mockStore) UpdateCfd(_ context.Context, customOutputID string,
	closePrice decimal.Decimal) error {

	c, err := m.find(customOutputID)
	if err != nil {
		return err
	}
	c.State = StateClosed
	c.ClosePrice = fn.Some(closePrice)

	return nil
}

func (m *mockStore) MarkCfdFailed(_ context.Context,
	customOutputID string) error {

	c, err := m.find(customOutputID)
	if err != nil {
		return err
	}
	c.State = StateFailed

	return nil
}

func (m *mockStore) LoadCfds(context.Context) ([]Cfd, error) {
	return append([]Cfd(nil), m.cfds...), nil
}

type engineHarness struct {
	engine   *Engine
	channels *mockChannels
	outputs  *mockCustomOutputs
	store    *mockStore
	metrics  *Metrics
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	makerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := &engineHarness{
		channels: &mockChannels{
			found: true,
			details: chanstate.ChannelDetails{
				Peer:  makerKey.PubKey(),
				State: chanstate.StateOpen,
				ShortChanID: fn.Some(lnwire.ShortChannelID{
					BlockHeight: 100,
					TxIndex:     1,
				}),
			},
		},
		outputs: &mockCustomOutputs{id: chanstate.CustomOutputID{1, 2, 3}},
		store:   &mockStore{},
		metrics: NewMetrics(),
	}
	h.engine = NewEngine(&EngineConfig{
		MakerKey:      makerKey.PubKey(),
		Channels:      h.channels,
		CustomOutputs: h.outputs,
		Store:         h.store,
		Clock:         clock.NewTestClock(testTime),
		Metrics:       h.metrics,
	})

	return h
}

func testOrder(pos Position) *Order {
	return &Order{
		Leverage:  2,
		Quantity:  100,
		Position:  pos,
		OpenPrice: decimal.NewFromInt(20000),
	}
}

// TestEngineOpenSettle opens a long position and settles it at the bid.
func TestEngineOpenSettle(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	order := testOrder(Long)
	c, err := h.engine.Open(ctx, order)
	require.NoError(t, err)

	takerMsat, err := calc.BtcToMsat(order.MarginTaker())
	require.NoError(t, err)
	makerMsat, err := calc.BtcToMsat(order.MarginMaker())
	require.NoError(t, err)

	require.Len(t, h.outputs.adds, 1)
	add := h.outputs.adds[0]
	require.EqualValues(t, 100, add.scid.BlockHeight)
	require.EqualValues(t, takerMsat, add.takerAmt)
	require.EqualValues(t, makerMsat, add.makerAmt)

	// The maker always posts the margin of a leverage one position.
	require.Equal(t, 2*takerMsat, makerMsat)

	require.Equal(t, StateOpen, c.State)
	require.EqualValues(t, 1, c.ID)
	require.Equal(t, BtcUsd, c.ContractSymbol)
	require.Equal(t, takerMsat, c.Margin)
	require.True(t, c.ClosePrice.IsNone())
	require.Equal(t, testTime.Add(DefaultCfdLifetime), c.Expiry)
	require.Equal(t,
		base64.StdEncoding.EncodeToString(h.outputs.id[:]),
		c.CustomOutputID,
	)
	require.Equal(t, float64(takerMsat),
		testutil.ToFloat64(h.metrics.lockedMargin))

	offer := quote.Offer{
		Bid: decimal.NewFromInt(21000),
		Ask: decimal.NewFromInt(21100),
	}
	settled, err := h.engine.Settle(ctx, c, offer)
	require.NoError(t, err)

	payout, err := TakerPayout(c, offer.Bid)
	require.NoError(t, err)
	require.Equal(t, []lnwire.MilliSatoshi{payout}, h.outputs.payouts)

	// A long gains when the price rises.
	require.Greater(t, uint64(payout), takerMsat)

	require.Equal(t, StateClosed, settled.State)
	require.True(t, settled.ClosePrice.IsSome())
	require.True(t, settled.ClosePrice.UnwrapOr(decimal.Zero).Equal(
		offer.Bid,
	))

	stored, err := h.engine.Cfd(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StateClosed, stored.State)
	require.Zero(t, testutil.ToFloat64(h.metrics.lockedMargin))

	// The caller's copy is not mutated and settling again is refused
	// once the stored copy is closed.
	require.Equal(t, StateOpen, c.State)
	_, err = h.engine.Settle(ctx, stored, offer)
	require.ErrorIs(t, err, ErrNotOpen)
}

// TestEngineSettleFailureKeepsOpen checks a failed removal leaves the
// position open so the settlement can be retried.
func TestEngineSettleFailureKeepsOpen(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	c, err := h.engine.Open(ctx, testOrder(Short))
	require.NoError(t, err)

	offer := quote.Offer{
		Bid: decimal.NewFromInt(19000),
		Ask: decimal.NewFromInt(19100),
	}

	errTimeout := errors.New("peer did not acknowledge")
	h.outputs.removeErr = errTimeout

	_, err = h.engine.Settle(ctx, c, offer)
	require.ErrorIs(t, err, errTimeout)

	stored, err := h.engine.Cfd(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StateOpen, stored.State)
	require.True(t, stored.ClosePrice.IsNone())
	require.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.failures.WithLabelValues("settle"),
	))

	h.outputs.removeErr = nil
	settled, err := h.engine.Settle(ctx, stored, offer)
	require.NoError(t, err)
	require.Equal(t, StateClosed, settled.State)

	// Shorts buy back at the ask.
	require.True(t, settled.ClosePrice.UnwrapOr(decimal.Zero).Equal(
		offer.Ask,
	))
}

// TestEngineOpenErrors checks the orders and channel states that refuse to
// open a position.
func TestEngineOpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(h *engineHarness, o *Order)
		err    error
	}{
		{
			name: "leverage 3",
			modify: func(_ *engineHarness, o *Order) {
				o.Leverage = 3
			},
			err: ErrUnsupportedLeverage,
		},
		{
			name: "zero quantity",
			modify: func(_ *engineHarness, o *Order) {
				o.Quantity = 0
			},
			err: calc.ErrInvalidAmount,
		},
		{
			name: "zero price",
			modify: func(_ *engineHarness, o *Order) {
				o.OpenPrice = decimal.Zero
			},
			err: calc.ErrInvalidPrice,
		},
		{
			name: "no maker channel",
			modify: func(h *engineHarness, _ *Order) {
				h.channels.found = false
			},
			err: ErrNoMakerChannel,
		},
		{
			name: "funding unconfirmed",
			modify: func(h *engineHarness, _ *Order) {
				h.channels.details.ShortChanID =
					fn.None[lnwire.ShortChannelID]()
			},
			err: ErrFundingUnconfirmed,
		},
		{
			name: "custom output rejected",
			modify: func(h *engineHarness, _ *Order) {
				h.outputs.addErr = chanstate.ErrInsufficientBalance
			},
			err: chanstate.ErrInsufficientBalance,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newEngineHarness(t)
			order := testOrder(Long)
			test.modify(h, order)

			_, err := h.engine.Open(context.Background(), order)
			require.ErrorIs(t, err, test.err)

			require.Empty(t, h.outputs.adds)
			require.Empty(t, h.store.cfds)
		})
	}
}

// TestEngineOpenStoreFailure checks a failed write of a new position is
// retried and, when it keeps failing, reported with the full custom output
// id.
func TestEngineOpenStoreFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h := newEngineHarness(t)
	outputID := base64.StdEncoding.EncodeToString(h.outputs.id[:])
	h.store.insertFailures = insertAttempts - 1

	c, err := h.engine.Open(ctx, testOrder(Long))
	require.NoError(t, err)
	require.Equal(t, insertAttempts, h.store.inserts)
	require.Equal(t, outputID, c.CustomOutputID)

	h = newEngineHarness(t)
	h.store.insertFailures = insertAttempts

	_, err = h.engine.Open(ctx, testOrder(Long))
	require.ErrorIs(t, err, ErrCfdNotStored)
	require.ErrorContains(t, err, outputID)
	require.Equal(t, insertAttempts, h.store.inserts)

	// The output was added to the channel all the same.
	require.Len(t, h.outputs.adds, 1)
	require.Empty(t, h.store.cfds)
	require.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.failures.WithLabelValues("persist"),
	))
}

func TestEngineInitAndMarkFailed(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	c, err := h.engine.Open(ctx, testOrder(Long))
	require.NoError(t, err)

	// A fresh engine over the same store picks up the locked margin.
	metrics := NewMetrics()
	restarted := NewEngine(&EngineConfig{
		MakerKey:      h.engine.cfg.MakerKey,
		Channels:      h.channels,
		CustomOutputs: h.outputs,
		Store:         h.store,
		Clock:         clock.NewTestClock(testTime),
		Metrics:       metrics,
	})
	require.NoError(t, restarted.Init(ctx))
	require.Equal(t, float64(c.Margin),
		testutil.ToFloat64(metrics.lockedMargin))

	require.NoError(t, restarted.MarkFailed(ctx, c))
	require.Zero(t, testutil.ToFloat64(metrics.lockedMargin))

	stored, err := restarted.Cfd(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, stored.State)

	_, err = restarted.Cfd(ctx, 42)
	require.ErrorIs(t, err, ErrCfdNotFound)
}

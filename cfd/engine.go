package cfd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cfdlabs/cfdnode/calc"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/shopspring/decimal"
)

const (
	// SettlementCltvExpiry is the expiry height put on custom outputs.
	// Positions are settled cooperatively, the output is never spent on
	// chain by its script.
	SettlementCltvExpiry = 40

	// DefaultCfdLifetime is how long a position runs before it expires.
	DefaultCfdLifetime = 7 * 24 * time.Hour

	// insertAttempts is how often a new position is written before it
	// is given up.
	insertAttempts = 3

	// insertRetryDelay is the pause between two writes of a position.
	insertRetryDelay = 100 * time.Millisecond
)

// settlementScript is a P2WSH placeholder locking the custom output.
var settlementScript, _ = hex.DecodeString(
	"0020e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
)

// Channels is the part of the channel layer the engine reads.
type Channels interface {
	ChannelWithPeer(peer *btcec.PublicKey) (chanstate.ChannelDetails, bool)
}

// CustomOutputs embeds and settles custom outputs.
type CustomOutputs interface {
	AddCustomOutput(ctx context.Context, scid lnwire.ShortChannelID,
		counterparty *btcec.PublicKey,
		takerAmt, makerAmt lnwire.MilliSatoshi, expiry uint32,
		script []byte) (chanstate.CustomOutputID, error)

	RemoveCustomOutput(ctx context.Context, id chanstate.CustomOutputID,
		payoutTaker lnwire.MilliSatoshi) error
}

// EngineConfig holds the dependencies of the Engine.
type EngineConfig struct {
	// MakerKey is the node key of the maker.
	MakerKey *btcec.PublicKey

	Channels      Channels
	CustomOutputs CustomOutputs
	Store         Store
	Clock         clock.Clock

	// Metrics is optional.
	Metrics *Metrics
}

// Engine opens and settles the taker's positions.
type Engine struct {
	cfg *EngineConfig

	// mu serializes operations on positions.
	mu sync.Mutex
}

// NewEngine creates a cfd engine.
func NewEngine(cfg *EngineConfig) *Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	return &Engine{cfg: cfg}
}

// Init loads the open positions into the metrics.
func (e *Engine) Init(ctx context.Context) error {
	cfds, err := e.cfg.Store.LoadCfds(ctx)
	if err != nil {
		return err
	}

	var locked uint64
	for _, c := range cfds {
		if c.State == StateOpen {
			locked += c.Margin
		}
	}
	e.cfg.Metrics.lockedMargin.Set(float64(locked))

	log.Infof("Loaded %d cfds, taker margin locked: %d msat", len(cfds),
		locked)

	return nil
}

// Cfds returns all positions.
func (e *Engine) Cfds(ctx context.Context) ([]Cfd, error) {
	return e.cfg.Store.LoadCfds(ctx)
}

// Cfd returns the position with the given row id.
func (e *Engine) Cfd(ctx context.Context, id int64) (*Cfd, error) {
	cfds, err := e.cfg.Store.LoadCfds(ctx)
	if err != nil {
		return nil, err
	}

	for i := range cfds {
		if cfds[i].ID == id {
			return &cfds[i], nil
		}
	}

	return nil, fmt.Errorf("%w: id %d", ErrCfdNotFound, id)
}

// Open embeds a new position into the channel with the maker and persists
// it.
func (e *Engine) Open(ctx context.Context, order *Order) (*Cfd, error) {
	if order.Leverage != 1 && order.Leverage != 2 {
		return nil, ErrUnsupportedLeverage
	}
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", calc.ErrInvalidAmount,
			order.Quantity)
	}
	if !order.OpenPrice.IsPositive() {
		return nil, calc.ErrInvalidPrice
	}
	if order.ContractSymbol == "" {
		order.ContractSymbol = BtcUsd
	}

	takerMsat, err := calc.BtcToMsat(order.MarginTaker())
	if err != nil {
		return nil, err
	}
	makerMsat, err := calc.BtcToMsat(order.MarginMaker())
	if err != nil {
		return nil, err
	}
	liquidation := order.LiquidationPrice()

	log.Infof("Opening cfd: position=%v leverage=%d quantity=%d "+
		"price=%v margin_taker=%d margin_maker=%d", order.Position,
		order.Leverage, order.Quantity, order.OpenPrice, takerMsat,
		makerMsat)

	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.cfg.Channels.ChannelWithPeer(e.cfg.MakerKey)
	if !ok {
		e.fail("open")
		return nil, ErrNoMakerChannel
	}
	scid, err := ch.ShortChanID.UnwrapOrErr(ErrFundingUnconfirmed)
	if err != nil {
		e.fail("open")
		return nil, err
	}

	id, err := e.cfg.CustomOutputs.AddCustomOutput(
		ctx, scid, e.cfg.MakerKey, lnwire.MilliSatoshi(takerMsat),
		lnwire.MilliSatoshi(makerMsat), SettlementCltvExpiry,
		settlementScript,
	)
	if err != nil {
		e.fail("open")
		return nil, fmt.Errorf("unable to add custom output: %w", err)
	}

	log.Infof("Added custom output %x to channel %v", id[:4], ch.ChanID)

	now := e.cfg.Clock.Now()
	c := &Cfd{
		CustomOutputID:   base64.StdEncoding.EncodeToString(id[:]),
		ContractSymbol:   order.ContractSymbol,
		Position:         order.Position,
		Leverage:         order.Leverage,
		Quantity:         order.Quantity,
		Expiry:           now.Add(DefaultCfdLifetime),
		OpenPrice:        order.OpenPrice,
		ClosePrice:       fn.None[decimal.Decimal](),
		LiquidationPrice: liquidation,
		Margin:           takerMsat,
		Created:          now,
		Updated:          now,
		State:            StateOpen,
	}

	c.ID, err = e.insertCfd(ctx, c)
	if err != nil {
		e.fail("persist")

		// The output lives in the channel now, the full id is all
		// that is left to settle it by hand.
		log.Errorf("Custom output %v in channel %v is not tracked: %v",
			c.CustomOutputID, ch.ChanID, err)

		return nil, fmt.Errorf("%w: custom output %v: %v",
			ErrCfdNotStored, c.CustomOutputID, err)
	}

	e.cfg.Metrics.opened.WithLabelValues(
		order.Position.String(), strconv.FormatInt(order.Leverage, 10),
	).Inc()
	e.cfg.Metrics.lockedMargin.Add(float64(takerMsat))

	return c, nil
}

// insertCfd writes a new position, retrying a failed write.
func (e *Engine) insertCfd(ctx context.Context, c *Cfd) (int64, error) {
	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		var id int64
		id, err = e.cfg.Store.InsertCfd(ctx, c)
		if err == nil {
			return id, nil
		}

		log.Warnf("Unable to store cfd for custom output %v "+
			"(attempt %d/%d): %v", c.CustomOutputID, attempt,
			insertAttempts, err)

		if attempt == insertAttempts {
			break
		}

		select {
		case <-time.After(insertRetryDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	return 0, err
}

// ClosePrice returns the price a position settles at: longs sell at the
// bid, shorts buy back at the ask.
func ClosePrice(pos Position, offer quote.Offer) decimal.Decimal {
	if pos == Long {
		return offer.Bid
	}

	return offer.Ask
}

// TakerPayout returns the taker's share of the custom output at
// closePrice in millisatoshis.
func TakerPayout(c *Cfd, closePrice decimal.Decimal) (lnwire.MilliSatoshi,
	error) {

	order := c.Order()
	btc, err := order.PayoutAt(closePrice)
	if err != nil {
		return 0, err
	}

	msat, err := calc.BtcToMsat(btc)
	if err != nil {
		return 0, err
	}

	return lnwire.MilliSatoshi(msat), nil
}

// Settle removes the custom output of an open position, paying the taker
// its share at the offer. The position stays Open if this fails, so the
// call can be retried.
func (e *Engine) Settle(ctx context.Context, c *Cfd,
	offer quote.Offer) (*Cfd, error) {

	if c.State != StateOpen {
		return nil, fmt.Errorf("%w: %v", ErrNotOpen, c.State)
	}

	raw, err := base64.StdEncoding.DecodeString(c.CustomOutputID)
	if err != nil || len(raw) != len(chanstate.CustomOutputID{}) {
		return nil, fmt.Errorf("malformed custom output id %q",
			c.CustomOutputID)
	}
	id := chanstate.CustomOutputID(raw)

	closePrice := ClosePrice(c.Position, offer)
	payout, err := TakerPayout(c, closePrice)
	if err != nil {
		return nil, err
	}

	log.Infof("Settling cfd %d at %v: taker payout %v", c.ID, closePrice,
		payout)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Returns once both sides revoked the commitment holding the output.
	err = e.cfg.CustomOutputs.RemoveCustomOutput(ctx, id, payout)
	if err != nil {
		e.fail("settle")
		return nil, fmt.Errorf("failed to settle cfd %d: %w", c.ID, err)
	}

	err = e.cfg.Store.UpdateCfd(ctx, c.CustomOutputID, closePrice)
	if err != nil {
		e.fail("persist")
		return nil, err
	}

	settled := *c
	settled.State = StateClosed
	settled.ClosePrice = fn.Some(closePrice)
	settled.Updated = e.cfg.Clock.Now()

	e.cfg.Metrics.settled.WithLabelValues(c.Position.String()).Inc()
	e.cfg.Metrics.lockedMargin.Sub(float64(c.Margin))

	log.Infof("Cfd %d settled", c.ID)

	return &settled, nil
}

// MarkFailed gives up on an open position whose custom output is gone.
func (e *Engine) MarkFailed(ctx context.Context, c *Cfd) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.cfg.Store.MarkCfdFailed(ctx, c.CustomOutputID); err != nil {
		return err
	}

	e.cfg.Metrics.lockedMargin.Sub(float64(c.Margin))
	log.Warnf("Cfd %d marked failed", c.ID)

	return nil
}

func (e *Engine) fail(op string) {
	e.cfg.Metrics.failures.WithLabelValues(op).Inc()
}

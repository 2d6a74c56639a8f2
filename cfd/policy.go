package cfd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cfdlabs/cfdnode/calc"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/shopspring/decimal"
)

// DefaultPriceTolerance is the relative price move a proposal may be off
// the maker's offer.
var DefaultPriceTolerance = decimal.New(1, -2)

// supportedLeverages are the leverages a position may be opened with.
var supportedLeverages = []int64{1, 2}

var (
	// ErrTermsMismatch is returned when the amounts of a proposed custom
	// output do not fit a position the maker trades.
	ErrTermsMismatch = errors.New("custom output does not match any " +
		"position terms")

	// ErrPayoutTooHigh is returned when the taker asks for more than its
	// position is worth at the current offer.
	ErrPayoutTooHigh = errors.New("taker payout exceeds position value " +
		"at current offer")

	// ErrPositionTooLarge is returned when a position exceeds the maker's
	// limit.
	ErrPositionTooLarge = errors.New("position exceeds maker limit")
)

// Offers yields the maker's current offer.
type Offers interface {
	Offer(ctx context.Context) (quote.Offer, error)
}

// OpenOffers records the offer each position of a taker was opened at.
type OpenOffers interface {
	InsertOpenOffer(ctx context.Context, customOutputID string,
		offer quote.Offer) error

	OpenOffer(ctx context.Context, customOutputID string) (quote.Offer,
		error)
}

// MakerPolicyConfig holds the dependencies of the MakerPolicy.
type MakerPolicyConfig struct {
	Offers Offers
	Book   OpenOffers

	// MaxQuantity bounds the contracts of one position. Zero disables
	// the bound.
	MaxQuantity int64

	// Tolerance defaults to DefaultPriceTolerance.
	Tolerance decimal.Decimal
}

// MakerPolicy vets the custom outputs a taker proposes against the maker's
// offer. An add must carry the margins of a supported leverage, a remove
// may not pay the taker more than the position is worth at the offer.
type MakerPolicy struct {
	cfg *MakerPolicyConfig
}

// NewMakerPolicy creates a maker policy.
func NewMakerPolicy(cfg *MakerPolicyConfig) *MakerPolicy {
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = DefaultPriceTolerance
	}

	return &MakerPolicy{cfg: cfg}
}

// CheckAdd accepts an output whose maker amount is the taker amount times
// a supported leverage, and records the offer it was opened at.
func (p *MakerPolicy) CheckAdd(ctx context.Context, _ *btcec.PublicKey,
	out chanstate.CustomOutput) error {

	if out.TakerAmount == 0 || out.MakerAmount == 0 {
		return fmt.Errorf("%w: taker %v maker %v", ErrTermsMismatch,
			out.TakerAmount, out.MakerAmount)
	}
	if _, ok := impliedLeverage(out); !ok {
		return fmt.Errorf("%w: taker %v maker %v", ErrTermsMismatch,
			out.TakerAmount, out.MakerAmount)
	}

	offer, err := p.cfg.Offers.Offer(ctx)
	if err != nil {
		return fmt.Errorf("no offer to price custom output: %w", err)
	}

	// The maker margin is posted unleveraged, it is the notional of the
	// position in BTC.
	if p.cfg.MaxQuantity > 0 {
		maxQty := decimal.NewFromInt(p.cfg.MaxQuantity).Mul(
			decimal.NewFromInt(1).Add(p.cfg.Tolerance),
		)
		qty := msatToBtc(out.MakerAmount).Mul(offer.Ask)
		if qty.GreaterThan(maxQty) {
			return fmt.Errorf("%w: %v contracts", ErrPositionTooLarge,
				qty.Round(0))
		}
	}

	id := base64.StdEncoding.EncodeToString(out.ID[:])
	if err := p.cfg.Book.InsertOpenOffer(ctx, id, offer); err != nil {
		return fmt.Errorf("unable to record offer of %v: %w", id, err)
	}

	log.Debugf("Accepting custom output %v at bid=%v ask=%v", id,
		offer.Bid, offer.Ask)

	return nil
}

// CheckRemove accepts a taker payout no larger than what a long or a short
// position opened at the recorded offer is worth at the current one.
func (p *MakerPolicy) CheckRemove(ctx context.Context, _ *btcec.PublicKey,
	out chanstate.CustomOutput, payoutTaker, _ lnwire.MilliSatoshi) error {

	id := base64.StdEncoding.EncodeToString(out.ID[:])
	opened, err := p.cfg.Book.OpenOffer(ctx, id)
	if err != nil {
		return fmt.Errorf("unknown open offer of %v: %w", id, err)
	}

	offer, err := p.cfg.Offers.Offer(ctx)
	if err != nil {
		return fmt.Errorf("no offer to price custom output: %w", err)
	}

	limit, err := MaxTakerPayout(out, opened, offer, p.cfg.Tolerance)
	if err != nil {
		return err
	}
	if payoutTaker > limit {
		return fmt.Errorf("%w: %v > %v", ErrPayoutTooHigh, payoutTaker,
			limit)
	}

	return nil
}

// MaxTakerPayout is the largest taker payout of out, opened at opened and
// closed at current, over both position sides. Prices are moved by
// tolerance in the taker's favor.
func MaxTakerPayout(out chanstate.CustomOutput, opened, current quote.Offer,
	tolerance decimal.Decimal) (lnwire.MilliSatoshi, error) {

	if opened.Bid.Sign() <= 0 || opened.Ask.Sign() <= 0 ||
		current.Bid.Sign() <= 0 || current.Ask.Sign() <= 0 {

		return 0, calc.ErrInvalidPrice
	}

	one := decimal.NewFromInt(1)
	down := one.Sub(tolerance)
	up := one.Add(tolerance)

	taker := decimal.NewFromInt(int64(out.TakerAmount))
	maker := decimal.NewFromInt(int64(out.MakerAmount))

	// A long opens at the ask and closes at the bid, the taker earns the
	// maker margin times the relative price rise.
	longRatio := opened.Ask.Mul(down).Div(current.Bid.Mul(up))
	long := taker.Add(maker.Mul(one.Sub(longRatio)))

	// A short opens at the bid and closes at the ask.
	shortRatio := opened.Bid.Mul(up).Div(current.Ask.Mul(down))
	short := taker.Add(maker.Mul(shortRatio.Sub(one)))

	payout := decimal.Max(long, short).Ceil()
	total := decimal.NewFromInt(int64(out.Total()))
	switch {
	case payout.Sign() < 0:
		payout = decimal.Zero
	case payout.GreaterThan(total):
		payout = total
	}

	return lnwire.MilliSatoshi(payout.IntPart()), nil
}

// impliedLeverage returns the supported leverage the amounts of out were
// computed with. Each margin is rounded to the satoshi.
func impliedLeverage(out chanstate.CustomOutput) (int64, bool) {
	for _, lev := range supportedLeverages {
		want := int64(out.TakerAmount) * lev
		diff := int64(out.MakerAmount) - want
		if diff < 0 {
			diff = -diff
		}
		if diff <= lev*calc.MsatsPerSat {
			return lev, true
		}
	}

	return 0, false
}

// msatToBtc converts millisatoshis to BTC.
func msatToBtc(amt lnwire.MilliSatoshi) decimal.Decimal {
	return calc.SatToBtc(uint64(amt) / calc.MsatsPerSat)
}

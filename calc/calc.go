// Package calc implements the fixed-point arithmetic of inverse BTC/USD
// contracts: margin, liquidation price and payout.
package calc

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Position is the side of a contract taken by the taker.
type Position uint8

const (
	// PositionLong profits when the price rises.
	PositionLong Position = iota

	// PositionShort profits when the price falls.
	PositionShort
)

// String returns the human readable name of the position.
func (p Position) String() string {
	switch p {
	case PositionLong:
		return "long"
	case PositionShort:
		return "short"
	default:
		return fmt.Sprintf("position(%d)", uint8(p))
	}
}

// ParsePosition parses the string form produced by Position.String.
func ParsePosition(s string) (Position, error) {
	switch s {
	case "long", "Long":
		return PositionLong, nil
	case "short", "Short":
		return PositionShort, nil
	default:
		return 0, fmt.Errorf("unknown position: %q", s)
	}
}

const (
	// BtcPrecision is the number of fraction digits all BTC denominated
	// amounts are rounded to.
	BtcPrecision = 8

	// SatsPerBtc is the number of satoshis in one bitcoin.
	SatsPerBtc = 100_000_000

	// MsatsPerSat is the number of millisatoshis in one satoshi.
	MsatsPerSat = 1000
)

var (
	// LiquidationCeiling is the liquidation price reported for a short
	// position at leverage 1, where the exact value would be infinite.
	LiquidationCeiling = decimal.NewFromInt(21_000_000)

	// ErrInvalidAmount is returned when a value cannot be represented as a
	// finite, non-negative channel amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPrice is returned when a price is zero or negative where a
	// division by it is required.
	ErrInvalidPrice = errors.New("price must be positive")

	one = decimal.NewFromInt(1)

	satsPerBtc = decimal.NewFromInt(SatsPerBtc)
)

// DecimalFromFloat converts f into a decimal, rejecting NaN and infinities.
func DecimalFromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v is not finite",
			ErrInvalidAmount, f)
	}

	return decimal.NewFromFloat(f), nil
}

// Margin returns the margin in BTC required to hold quantity contracts at
// price with the given leverage. It is zero when price or leverage is zero.
func Margin(price decimal.Decimal, quantity, leverage int64) decimal.Decimal {
	if price.IsZero() || leverage == 0 {
		return decimal.Zero
	}

	qty := decimal.NewFromInt(quantity)
	lev := decimal.NewFromInt(leverage)

	return qty.Div(price.Mul(lev)).Round(BtcPrecision)
}

// MarginTotal is the sum of the taker margin at the order leverage and the
// maker margin, which is always posted unleveraged.
func MarginTotal(price decimal.Decimal, quantity,
	leverage int64) decimal.Decimal {

	taker := Margin(price, quantity, leverage)
	maker := Margin(price, quantity, 1)

	return taker.Add(maker)
}

// LiquidationPriceLong returns price * leverage / (leverage + 1).
func LiquidationPriceLong(leverage int64,
	price decimal.Decimal) decimal.Decimal {

	lev := decimal.NewFromInt(leverage)

	return price.Mul(lev).Div(lev.Add(one))
}

// LiquidationPriceShort returns price * leverage / (leverage - 1). At
// leverage 1 the position can never be liquidated and LiquidationCeiling is
// returned instead.
func LiquidationPriceShort(leverage int64,
	price decimal.Decimal) decimal.Decimal {

	if leverage == 1 {
		return LiquidationCeiling
	}

	lev := decimal.NewFromInt(leverage)

	return price.Mul(lev).Div(lev.Sub(one))
}

// LiquidationPrice dispatches on the position side.
func LiquidationPrice(pos Position, leverage int64,
	price decimal.Decimal) decimal.Decimal {

	if pos == PositionShort {
		return LiquidationPriceShort(leverage, price)
	}

	return LiquidationPriceLong(leverage, price)
}

// PnL returns the uncapped profit of the taker in BTC when a position opened
// at openPrice is closed at closePrice.
func PnL(pos Position, quantity int64, openPrice,
	closePrice decimal.Decimal) (decimal.Decimal, error) {

	if openPrice.Sign() <= 0 || closePrice.Sign() <= 0 {
		return decimal.Zero, ErrInvalidPrice
	}

	qty := decimal.NewFromInt(quantity)
	pnl := qty.Div(openPrice).Sub(qty.Div(closePrice))
	if pos == PositionShort {
		pnl = pnl.Neg()
	}

	return pnl.Round(BtcPrecision), nil
}

// Payout returns the amount of BTC the taker receives when the position is
// closed at closePrice. The result is always within [0, MarginTotal].
func Payout(pos Position, leverage, quantity int64, openPrice,
	closePrice decimal.Decimal) (decimal.Decimal, error) {

	pnl, err := PnL(pos, quantity, openPrice, closePrice)
	if err != nil {
		return decimal.Zero, err
	}

	takerMargin := Margin(openPrice, quantity, leverage)
	total := MarginTotal(openPrice, quantity, leverage)

	payout := takerMargin.Add(pnl)
	switch {
	case payout.Sign() < 0:
		return decimal.Zero, nil

	case payout.GreaterThan(total):
		return total, nil
	}

	return payout, nil
}

// BtcToSat converts a BTC amount to satoshis, rounding half away from zero.
func BtcToSat(btc decimal.Decimal) (uint64, error) {
	sats := btc.Mul(satsPerBtc).Round(0)
	if sats.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative amount %v", ErrInvalidAmount,
			btc)
	}

	if sats.GreaterThan(decimal.NewFromInt(math.MaxInt64 / MsatsPerSat)) {
		return 0, fmt.Errorf("%w: %v BTC overflows", ErrInvalidAmount,
			btc)
	}

	return uint64(sats.IntPart()), nil
}

// BtcToMsat converts a BTC amount to millisatoshis via whole satoshis.
func BtcToMsat(btc decimal.Decimal) (uint64, error) {
	sats, err := BtcToSat(btc)
	if err != nil {
		return 0, err
	}

	return sats * MsatsPerSat, nil
}

// SatToBtc converts satoshis back into a BTC decimal.
func SatToBtc(sats uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(sats)).Div(satsPerBtc)
}

package calc

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()

	d, err := decimal.NewFromString(s)
	require.NoError(t, err)

	return d
}

// TestMargin checks the margin formula against hand computed values,
// including the degenerate zero inputs.
func TestMargin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		price    string
		quantity int64
		leverage int64
		expected string
	}{
		{
			name:     "leverage two",
			price:    "15587.625",
			quantity: 100,
			leverage: 2,
			expected: "0.00320767",
		},
		{
			name:     "unleveraged",
			price:    "15587.625",
			quantity: 100,
			leverage: 1,
			expected: "0.00641535",
		},
		{
			name:     "zero price",
			price:    "0",
			quantity: 100,
			leverage: 2,
			expected: "0",
		},
		{
			name:     "zero leverage",
			price:    "20000",
			quantity: 100,
			leverage: 0,
			expected: "0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Margin(dec(t, tc.price), tc.quantity, tc.leverage)
			require.True(
				t, dec(t, tc.expected).Equal(got),
				"expected %s, got %s", tc.expected, got,
			)
		})
	}
}

// TestMarginAdditive asserts that the total margin is the sum of the taker
// and the unleveraged maker margin for arbitrary inputs.
func TestMarginAdditive(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cents := rapid.Int64Range(1, 10_000_000_00).Draw(t, "cents")
		qty := rapid.Int64Range(0, 1_000_000).Draw(t, "quantity")
		lev := rapid.Int64Range(1, 100).Draw(t, "leverage")

		price := decimal.New(cents, -2)
		sum := Margin(price, qty, 1).Add(Margin(price, qty, lev))

		require.True(t, sum.Equal(MarginTotal(price, qty, lev)))
	})
}

// TestLiquidationOrdering asserts the long liquidation price is below and the
// short liquidation price above the entry price for every leverage above 1.
func TestLiquidationOrdering(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cents := rapid.Int64Range(1, 10_000_000_00).Draw(t, "cents")
		lev := rapid.Int64Range(2, 100).Draw(t, "leverage")

		price := decimal.New(cents, -2)
		long := LiquidationPriceLong(lev, price)
		short := LiquidationPriceShort(lev, price)

		require.True(t, long.LessThan(price))
		require.True(t, short.GreaterThan(price))
	})
}

// TestShortLiquidationCeiling makes sure an unleveraged short position maps
// to the fixed ceiling rather than dividing by zero.
func TestShortLiquidationCeiling(t *testing.T) {
	t.Parallel()

	got := LiquidationPriceShort(1, dec(t, "15587.625"))
	require.True(t, LiquidationCeiling.Equal(got))

	got = LiquidationPrice(PositionShort, 1, dec(t, "42000"))
	require.True(t, LiquidationCeiling.Equal(got))

	got = LiquidationPrice(PositionLong, 2, dec(t, "15587.625"))
	require.True(t, dec(t, "10391.75").Equal(got), got.String())
}

// TestPayoutRegression pins the payout of a known long position.
func TestPayoutRegression(t *testing.T) {
	t.Parallel()

	payout, err := Payout(
		PositionLong, 2, 100, dec(t, "15587.625"), dec(t, "16078.615"),
	)
	require.NoError(t, err)
	require.True(t, dec(t, "0.00340357").Equal(payout), payout.String())

	sats, err := BtcToSat(payout)
	require.NoError(t, err)
	require.EqualValues(t, 340_357, sats)

	// The price went up, so the long taker gains on top of the margin.
	require.True(t, payout.GreaterThan(
		Margin(dec(t, "15587.625"), 100, 2),
	))

	pnl, err := PnL(
		PositionShort, 100, dec(t, "15587.625"), dec(t, "16078.615"),
	)
	require.NoError(t, err)
	require.True(t, dec(t, "-0.0001959").Equal(pnl), pnl.String())
}

// TestPayoutBounds asserts the payout never leaves [0, total margin].
func TestPayoutBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		openCents := rapid.Int64Range(100, 10_000_000_00).Draw(t, "open")
		closeCents := rapid.Int64Range(1, 10_000_000_00).Draw(t, "close")
		qty := rapid.Int64Range(1, 1_000_000).Draw(t, "quantity")
		lev := rapid.Int64Range(1, 2).Draw(t, "leverage")
		pos := Position(rapid.IntRange(0, 1).Draw(t, "position"))

		open := decimal.New(openCents, -2)
		payout, err := Payout(
			pos, lev, qty, open, decimal.New(closeCents, -2),
		)
		require.NoError(t, err)

		require.True(t, payout.Sign() >= 0)
		require.True(
			t, payout.LessThanOrEqual(MarginTotal(open, qty, lev)),
		)
	})
}

// TestPayoutInvalidPrice rejects a zero closing price.
func TestPayoutInvalidPrice(t *testing.T) {
	t.Parallel()

	_, err := Payout(PositionLong, 2, 100, dec(t, "100"), decimal.Zero)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

// TestConversions covers the BTC to sat and msat conversions.
func TestConversions(t *testing.T) {
	t.Parallel()

	msat, err := BtcToMsat(dec(t, "0.00320767"))
	require.NoError(t, err)
	require.EqualValues(t, 320_767_000, msat)

	// Half a satoshi rounds away from zero.
	sats, err := BtcToSat(dec(t, "0.000000005"))
	require.NoError(t, err)
	require.EqualValues(t, 1, sats)

	_, err = BtcToSat(dec(t, "-0.1"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = BtcToSat(dec(t, "1e30"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = DecimalFromFloat(math.NaN())
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = DecimalFromFloat(math.Inf(1))
	require.ErrorIs(t, err, ErrInvalidAmount)

	require.True(t, dec(t, "0.0034").Equal(SatToBtc(340_000)))
}

func TestParsePosition(t *testing.T) {
	t.Parallel()

	for _, pos := range []Position{PositionLong, PositionShort} {
		parsed, err := ParsePosition(pos.String())
		require.NoError(t, err)
		require.Equal(t, pos, parsed)
	}

	_, err := ParsePosition("sideways")
	require.Error(t, err)
}

package cfd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cfdlabs/cfdnode/calc"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

// ContractSymbol identifies the traded instrument.
type ContractSymbol string

const (
	// BtcUsd is the inverse BTC/USD contract.
	BtcUsd ContractSymbol = "BtcUsd"
)

// Position is the side of the taker.
type Position = calc.Position

const (
	Long  = calc.PositionLong
	Short = calc.PositionShort
)

// State is the lifecycle state of a persisted Cfd. The numeric values are the
// ids of the cfd_state table.
type State uint8

const (
	// StateOpen means the custom output is committed in the channel.
	StateOpen State = 1

	// StateClosed means the custom output was removed and both parties
	// were paid out.
	StateClosed State = 2

	// StateFailed means the position could not be settled and was given
	// up on.
	StateFailed State = 3
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrCfdNotFound is returned when no cfd matches the lookup key.
	ErrCfdNotFound = errors.New("cfd not found")

	// ErrUnsupportedLeverage is returned for leverages other than 1 and 2.
	ErrUnsupportedLeverage = errors.New("only leverage x1 and x2 are " +
		"supported at the moment")

	// ErrNoMakerChannel is returned when no channel with the maker exists.
	ErrNoMakerChannel = errors.New("no open channel with maker found")

	// ErrFundingUnconfirmed is returned when the maker channel has no short
	// channel id yet.
	ErrFundingUnconfirmed = errors.New("cannot create custom output if " +
		"funding transaction has not yet been confirmed")

	// ErrNotOpen is returned when settling a cfd that is not open.
	ErrNotOpen = errors.New("cfd is not open")

	// ErrCfdNotStored is returned when a custom output was added to the
	// channel but the position could not be written.
	ErrCfdNotStored = errors.New("custom output added but cfd not stored")
)

// Order is a request by the taker to open a position.
type Order struct {
	Leverage       int64
	Quantity       int64
	ContractSymbol ContractSymbol
	Position       Position
	OpenPrice      decimal.Decimal
}

// MarginTaker returns the margin posted by the taker in BTC.
func (o *Order) MarginTaker() decimal.Decimal {
	return calc.Margin(o.OpenPrice, o.Quantity, o.Leverage)
}

// MarginMaker returns the margin posted by the maker in BTC.
func (o *Order) MarginMaker() decimal.Decimal {
	return calc.Margin(o.OpenPrice, o.Quantity, 1)
}

// MarginTotal returns the combined margin of both parties in BTC.
func (o *Order) MarginTotal() decimal.Decimal {
	return calc.MarginTotal(o.OpenPrice, o.Quantity, o.Leverage)
}

// LiquidationPrice returns the price at which the taker's margin is used
// up.
func (o *Order) LiquidationPrice() decimal.Decimal {
	return calc.LiquidationPrice(o.Position, o.Leverage, o.OpenPrice)
}

// PayoutAt returns the taker payout in BTC at closePrice.
func (o *Order) PayoutAt(closePrice decimal.Decimal) (decimal.Decimal,
	error) {

	return calc.Payout(
		o.Position, o.Leverage, o.Quantity, o.OpenPrice, closePrice,
	)
}

// Cfd is a persisted position embedded in a channel as a custom output.
type Cfd struct {
	ID int64

	// CustomOutputID is the base64 encoding of the 32 byte custom output
	// identifier. It is set at creation and never changes.
	CustomOutputID string

	ContractSymbol   ContractSymbol
	Position         Position
	Leverage         int64
	Quantity         int64
	Expiry           time.Time
	OpenPrice        decimal.Decimal
	ClosePrice       fn.Option[decimal.Decimal]
	LiquidationPrice decimal.Decimal

	// Margin is the taker margin in millisatoshis.
	Margin uint64

	Created time.Time
	Updated time.Time
	State   State
}

// Order derives the order the cfd was opened with.
func (c *Cfd) Order() Order {
	return Order{
		Leverage:       c.Leverage,
		Quantity:       c.Quantity,
		ContractSymbol: c.ContractSymbol,
		Position:       c.Position,
		OpenPrice:      c.OpenPrice,
	}
}

// Store is the persistence the engine needs for cfds.
type Store interface {
	// InsertCfd stores a new cfd and returns its row id.
	InsertCfd(ctx context.Context, c *Cfd) (int64, error)

	// UpdateCfd marks the cfd with the given custom output id as Closed
	// at closePrice.
	UpdateCfd(ctx context.Context, customOutputID string,
		closePrice decimal.Decimal) error

	// MarkCfdFailed moves an open cfd to Failed.
	MarkCfdFailed(ctx context.Context, customOutputID string) error

	// LoadCfds returns every cfd ever stored.
	LoadCfds(ctx context.Context) ([]Cfd, error)
}

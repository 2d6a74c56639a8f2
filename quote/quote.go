// Package quote provides BTC/USD prices: the maker follows the bitmex
// instrument feed and derives offers from it, the taker polls the maker's
// offer.
package quote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BitmexSymbol is the bitmex name of the BTC/USD perpetual.
const BitmexSymbol = "XBTUSD"

var (
	// ErrNoQuote is returned while no quote was received yet.
	ErrNoQuote = errors.New("no quotes found")

	// ErrUnknownSymbol is returned for quotes of other instruments.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Quote is the latest price of the instrument.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Index     decimal.Decimal
	Timestamp time.Time
}

// IsOlderThan reports whether the quote was taken more than d before now.
func (q *Quote) IsOlderThan(now time.Time, d time.Duration) bool {
	return q.Timestamp.Before(now.Add(-d))
}

// tableMessage is a data message of the bitmex realtime API.
type tableMessage struct {
	Table  string      `json:"table"`
	Action string      `json:"action"`
	Data   []quoteData `json:"data"`
}

// quoteData is a row of a bitmex instrument or quote table. Updates of the
// instrument table only carry the fields that changed.
type quoteData struct {
	Symbol    string           `json:"symbol"`
	BidPrice  *decimal.Decimal `json:"bidPrice"`
	AskPrice  *decimal.Decimal `json:"askPrice"`
	MarkPrice *decimal.Decimal `json:"markPrice"`
	Timestamp *time.Time       `json:"timestamp"`
}

// applyMessage merges a realtime API message into prev. It returns false
// for messages that are not table data, like the subscription response.
func applyMessage(prev Quote, text []byte) (Quote, bool, error) {
	var msg tableMessage
	if err := json.Unmarshal(text, &msg); err != nil {
		return prev, false, nil
	}
	if msg.Table == "" || len(msg.Data) == 0 {
		return prev, false, nil
	}

	updated := false
	for _, row := range msg.Data {
		if row.Symbol != BitmexSymbol {
			return prev, false, fmt.Errorf("%w: %q", ErrUnknownSymbol,
				row.Symbol)
		}

		prev.Symbol = row.Symbol
		if row.BidPrice != nil {
			prev.Bid = *row.BidPrice
			updated = true
		}
		if row.AskPrice != nil {
			prev.Ask = *row.AskPrice
			updated = true
		}
		if row.MarkPrice != nil {
			prev.Index = *row.MarkPrice
			updated = true
		}
		if row.Timestamp != nil {
			prev.Timestamp = *row.Timestamp
		}
	}

	return prev, updated, nil
}

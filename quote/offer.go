package quote

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// DefaultSpreadPerMille is the spread applied to offers unless configured.
const DefaultSpreadPerMille = 15

// ErrInvalidSpread is returned for a spread outside [0, 1000).
var ErrInvalidSpread = errors.New("spread must be within [0, 1000) per " +
	"mille")

// Offer is the price the maker trades at.
type Offer struct {
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Index decimal.Decimal
}

// offerJSON is the wire form of an Offer. Prices are JSON numbers.
type offerJSON struct {
	Bid   json.Number `json:"bid"`
	Ask   json.Number `json:"ask"`
	Index json.Number `json:"index"`
}

// MarshalJSON encodes the prices as numbers.
func (o Offer) MarshalJSON() ([]byte, error) {
	return json.Marshal(offerJSON{
		Bid:   json.Number(o.Bid.String()),
		Ask:   json.Number(o.Ask.String()),
		Index: json.Number(o.Index.String()),
	})
}

// UnmarshalJSON decodes prices given as numbers.
func (o *Offer) UnmarshalJSON(b []byte) error {
	var raw offerJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var err error
	if o.Bid, err = decimal.NewFromString(raw.Bid.String()); err != nil {
		return fmt.Errorf("invalid bid: %w", err)
	}
	if o.Ask, err = decimal.NewFromString(raw.Ask.String()); err != nil {
		return fmt.Errorf("invalid ask: %w", err)
	}
	if o.Index, err = decimal.NewFromString(raw.Index.String()); err != nil {
		return fmt.Errorf("invalid index: %w", err)
	}

	return nil
}

// Spread is the maker's markup in per mille. It is safe for concurrent
// use.
type Spread struct {
	perMille atomic.Int32
}

// NewSpread creates a spread of perMille.
func NewSpread(perMille int32) (*Spread, error) {
	s := &Spread{}
	if err := s.Set(perMille); err != nil {
		return nil, err
	}

	return s, nil
}

// Set changes the spread.
func (s *Spread) Set(perMille int32) error {
	if perMille < 0 || perMille >= 1000 {
		return fmt.Errorf("%w: %d", ErrInvalidSpread, perMille)
	}

	s.perMille.Store(perMille)
	log.Infof("Spread set to %d per mille", perMille)

	return nil
}

// PerMille returns the spread in per mille.
func (s *Spread) PerMille() int32 {
	return s.perMille.Load()
}

// Fraction returns the spread as a fraction of the price.
func (s *Spread) Fraction() decimal.Decimal {
	return decimal.New(int64(s.PerMille()), -3)
}

// NewOffer widens q by spread: the maker buys below the bid and sells above
// the ask.
func NewOffer(q Quote, spread decimal.Decimal) Offer {
	one := decimal.NewFromInt(1)

	return Offer{
		Bid:   q.Bid.Mul(one.Sub(spread)),
		Ask:   q.Ask.Mul(one.Add(spread)),
		Index: q.Index,
	}
}

package cfddb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/shopspring/decimal"
)

// ErrOpenOfferNotFound is returned when no offer was recorded for a custom
// output.
var ErrOpenOfferNotFound = errors.New("open offer not found")

// A compile time check to ensure Store implements the cfd.OpenOffers
// interface.
var _ cfd.OpenOffers = (*Store)(nil)

// InsertOpenOffer records the offer the custom output was accepted at. A
// repeated proposal of the same output keeps the first offer.
func (s *Store) InsertOpenOffer(ctx context.Context, customOutputID string,
	offer quote.Offer) error {

	return s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO open_offers (
				custom_output_id, bid, ask, index_price, created
			) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (custom_output_id) DO NOTHING`,
			customOutputID, offer.Bid.String(), offer.Ask.String(),
			offer.Index.String(), s.clock.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert open offer: %w", err)
		}

		return nil
	})
}

// OpenOffer returns the offer recorded for the custom output.
func (s *Store) OpenOffer(ctx context.Context,
	customOutputID string) (quote.Offer, error) {

	var bid, ask, index string
	err := s.db.QueryRowContext(ctx, `
		SELECT bid, ask, index_price
		FROM open_offers
		WHERE custom_output_id = ?`,
		customOutputID,
	).Scan(&bid, &ask, &index)
	if errors.Is(err, sql.ErrNoRows) {
		return quote.Offer{}, fmt.Errorf("%w: %v", ErrOpenOfferNotFound,
			customOutputID)
	}
	if err != nil {
		return quote.Offer{}, fmt.Errorf("failed to query open offer: "+
			"%w", err)
	}

	var offer quote.Offer
	if offer.Bid, err = decimal.NewFromString(bid); err != nil {
		return quote.Offer{}, fmt.Errorf("invalid bid: %w", err)
	}
	if offer.Ask, err = decimal.NewFromString(ask); err != nil {
		return quote.Offer{}, fmt.Errorf("invalid ask: %w", err)
	}
	if offer.Index, err = decimal.NewFromString(index); err != nil {
		return quote.Offer{}, fmt.Errorf("invalid index: %w", err)
	}

	return offer, nil
}

package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/cfdlabs/cfdnode/calc"
	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// errNoQuote is returned while the offer source has no price yet.
var errNoQuote = errors.New("no quote available")

func (s *Server) offer(w http.ResponseWriter, r *http.Request) error {
	offer, err := s.cfg.Offers.Offer(r.Context())
	if err != nil {
		return &Problem{
			Status: http.StatusNotFound,
			Title:  "No quotes found",
			Detail: err.Error(),
		}
	}

	writeJSON(w, http.StatusOK, offer)
	return nil
}

type spreadJSON struct {
	PerMille int32           `json:"per_mille"`
	Fraction decimal.Decimal `json:"fraction"`
}

func (s *Server) getSpread(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, spreadJSON{
		PerMille: s.cfg.Spread.PerMille(),
		Fraction: s.cfg.Spread.Fraction(),
	})
	return nil
}

func (s *Server) putSpread(w http.ResponseWriter, r *http.Request) error {
	perMille, err := strconv.ParseInt(mux.Vars(r)["per_mille"], 10, 32)
	if err != nil {
		return badRequest("Invalid spread", "%v", err)
	}

	if err := s.cfg.Spread.Set(int32(perMille)); err != nil {
		return err
	}

	return s.getSpread(w, r)
}

// faucet pays a fixed amount to the given address. Calls are rate
// limited.
func (s *Server) faucet(w http.ResponseWriter, r *http.Request) error {
	address := mux.Vars(r)["address"]
	if _, err := btcutil.DecodeAddress(address, s.cfg.ChainParams); err != nil {
		return badRequest("Invalid address", "Provided address %v was "+
			"not valid: %v", address, err)
	}

	if !s.cfg.FaucetLimiter.Allow() {
		return &Problem{
			Status: http.StatusTooManyRequests,
			Title:  "Faucet rate limited",
			Detail: "try again later",
		}
	}

	txid, err := s.cfg.Wallet.SendToAddress(
		r.Context(), address, s.cfg.FaucetAmount,
	)
	if err != nil {
		return err
	}

	log.Infof("Faucet paid %v to %v in %v", s.cfg.FaucetAmount, address,
		txid)

	writeJSON(w, http.StatusOK, txidResponse{Txid: txid.String()})
	return nil
}

type cfdJSON struct {
	ID               int64            `json:"id"`
	CustomOutputID   string           `json:"custom_output_id"`
	ContractSymbol   string           `json:"contract_symbol"`
	Position         string           `json:"position"`
	Leverage         int64            `json:"leverage"`
	Quantity         int64            `json:"quantity"`
	OpenPrice        decimal.Decimal  `json:"open_price"`
	ClosePrice       *decimal.Decimal `json:"close_price,omitempty"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price"`
	MarginMsat       uint64           `json:"margin_msat"`
	Expiry           int64            `json:"expiry"`
	Created          int64            `json:"created"`
	Updated          int64            `json:"updated"`
	State            string           `json:"state"`
}

func newCfdJSON(c *cfd.Cfd) cfdJSON {
	j := cfdJSON{
		ID:               c.ID,
		CustomOutputID:   c.CustomOutputID,
		ContractSymbol:   string(c.ContractSymbol),
		Position:         c.Position.String(),
		Leverage:         c.Leverage,
		Quantity:         c.Quantity,
		OpenPrice:        c.OpenPrice,
		LiquidationPrice: c.LiquidationPrice,
		MarginMsat:       c.Margin,
		Expiry:           c.Expiry.Unix(),
		Created:          c.Created.Unix(),
		Updated:          c.Updated.Unix(),
		State:            c.State.String(),
	}
	c.ClosePrice.WhenSome(func(p decimal.Decimal) {
		j.ClosePrice = &p
	})

	return j
}

func (s *Server) listCfds(w http.ResponseWriter, r *http.Request) error {
	cfds, err := s.cfg.Cfds.Cfds(r.Context())
	if err != nil {
		return err
	}

	resp := make([]cfdJSON, 0, len(cfds))
	for i := range cfds {
		resp = append(resp, newCfdJSON(&cfds[i]))
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}

type orderRequest struct {
	Position string `json:"position"`
	Leverage int64  `json:"leverage"`
	Quantity int64  `json:"quantity"`

	// OpenPrice defaults to the maker's current offer.
	OpenPrice *decimal.Decimal `json:"open_price,omitempty"`
}

// openPrice returns the price a new position opens at: longs buy at the
// ask, shorts sell at the bid.
func openPrice(pos calc.Position, offer quote.Offer) decimal.Decimal {
	if pos == cfd.Long {
		return offer.Ask
	}

	return offer.Bid
}

func (s *Server) openCfd(w http.ResponseWriter, r *http.Request) error {
	var req orderRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}

	pos, err := calc.ParsePosition(req.Position)
	if err != nil {
		return badRequest("Invalid position", "%v", err)
	}

	order := &cfd.Order{
		Leverage:       req.Leverage,
		Quantity:       req.Quantity,
		ContractSymbol: cfd.BtcUsd,
		Position:       pos,
	}

	ctx := r.Context()
	if req.OpenPrice != nil {
		order.OpenPrice = *req.OpenPrice
	} else {
		offer, err := s.cfg.Offers.Offer(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", errNoQuote, err)
		}
		order.OpenPrice = openPrice(pos, offer)
	}

	c, err := s.cfg.Cfds.Open(ctx, order)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusCreated, newCfdJSON(c))
	return nil
}

// settleCfd settles an open position at the maker's current offer.
func (s *Server) settleCfd(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return badRequest("Invalid cfd id", "%v", err)
	}

	ctx := r.Context()
	c, err := s.cfg.Cfds.Cfd(ctx, id)
	if err != nil {
		return err
	}

	offer, err := s.cfg.Offers.Offer(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errNoQuote, err)
	}

	settled, err := s.cfg.Cfds.Settle(ctx, c, offer)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, newCfdJSON(settled))
	return nil
}

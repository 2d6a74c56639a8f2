package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cfdlabs/cfdnode/calc"
	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/chainwallet"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/customoutput"
	"github.com/cfdlabs/cfdnode/peerconn"
	"github.com/cfdlabs/cfdnode/quote"
)

// Problem is the error document returned by every route.
type Problem struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Error returns the title and detail of the problem.
func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Title
	}

	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// badRequest creates a 400 problem.
func badRequest(title string, format string, args ...any) *Problem {
	return &Problem{
		Status: http.StatusBadRequest,
		Title:  title,
		Detail: fmt.Sprintf(format, args...),
	}
}

// statusCodes maps the errors of the lower layers to response codes. Errors
// not listed are internal errors.
var statusCodes = []struct {
	err    error
	status int
}{
	{chanstate.ErrChannelNotFound, http.StatusNotFound},
	{chanstate.ErrPendingChannelNotFound, http.StatusNotFound},
	{cfd.ErrCfdNotFound, http.StatusNotFound},
	{cfddb.ErrPaymentNotFound, http.StatusNotFound},

	{calc.ErrInvalidAmount, http.StatusBadRequest},
	{calc.ErrInvalidPrice, http.StatusBadRequest},
	{cfd.ErrUnsupportedLeverage, http.StatusBadRequest},
	{quote.ErrInvalidSpread, http.StatusBadRequest},
	{peerconn.ErrInvalidPeerInfo, http.StatusBadRequest},
	{chainwallet.ErrInvalidAddress, http.StatusBadRequest},
	{chainwallet.ErrDustOutput, http.StatusBadRequest},
	{chanstate.ErrInvalidChanSize, http.StatusBadRequest},
	{chanstate.ErrInvoiceNoAmount, http.StatusBadRequest},
	{chanstate.ErrInvoiceExpired, http.StatusBadRequest},

	{chainwallet.ErrInsufficientFunds, http.StatusConflict},
	{chanstate.ErrInsufficientBalance, http.StatusConflict},
	{chanstate.ErrPeerOffline, http.StatusConflict},
	{chanstate.ErrNoRoute, http.StatusConflict},
	{chanstate.ErrChannelBusy, http.StatusConflict},
	{chanstate.ErrChannelClosing, http.StatusConflict},
	{chanstate.ErrUpdateInFlight, http.StatusConflict},
	{cfd.ErrNoMakerChannel, http.StatusConflict},
	{cfd.ErrFundingUnconfirmed, http.StatusConflict},
	{cfd.ErrNotOpen, http.StatusConflict},
	{customoutput.ErrProposalPending, http.StatusConflict},
	{cfddb.ErrPaymentExists, http.StatusConflict},

	{errNoQuote, http.StatusServiceUnavailable},
	{peerconn.ErrHandshakeFailed, http.StatusBadGateway},
	{customoutput.ErrAckTimeout, http.StatusGatewayTimeout},
	{customoutput.ErrCommitTimeout, http.StatusGatewayTimeout},
}

// toProblem turns err into a problem titled title unless it already is one.
func toProblem(title string, err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}

	status := http.StatusInternalServerError
	for _, c := range statusCodes {
		if errors.Is(err, c.err) {
			status = c.status
			break
		}
	}

	return &Problem{
		Status: status,
		Title:  title,
		Detail: err.Error(),
	}
}

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Unable to write response: %v", err)
	}
}

// writeProblem encodes p as a problem document.
func writeProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)

	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Debugf("Unable to write problem: %v", err)
	}
}

// decodeBody decodes the JSON body of r into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return badRequest("Malformed request", "%v", err)
	}

	return nil
}

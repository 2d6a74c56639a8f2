package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/peerconn"
	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

func pubKeyHex(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

type nodeInfo struct {
	NodeID         string   `json:"node_id"`
	ListenAddr     string   `json:"listen_addr,omitempty"`
	Role           Role     `json:"role"`
	BlockHeight    uint32   `json:"block_height"`
	ConnectedPeers []string `json:"connected_peers"`
}

func (s *Server) info() nodeInfo {
	info := nodeInfo{
		NodeID:         pubKeyHex(s.cfg.Node.NodeKey()),
		Role:           s.cfg.Role,
		BlockHeight:    s.cfg.Node.BestHeight(),
		ConnectedPeers: []string{},
	}
	if addr := s.cfg.Peers.ListenAddr(); addr != nil {
		info.ListenAddr = addr.String()
	}
	for _, pub := range s.cfg.Peers.ConnectedPeers() {
		info.ConnectedPeers = append(info.ConnectedPeers, pubKeyHex(pub))
	}
	sort.Strings(info.ConnectedPeers)

	return info
}

func (s *Server) alive(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, s.info())
	return nil
}

func (s *Server) nodeInfo(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, s.info())
	return nil
}

type customOutputJSON struct {
	ID              string `json:"id"`
	TakerAmountMsat uint64 `json:"taker_amount_msat"`
	MakerAmountMsat uint64 `json:"maker_amount_msat"`
	Expiry          uint32 `json:"expiry"`
	LocalIsTaker    bool   `json:"local_is_taker"`
}

type channelJSON struct {
	ChannelID         string             `json:"channel_id"`
	Counterparty      string             `json:"counterparty"`
	State             string             `json:"state"`
	ShortChannelID    string             `json:"short_channel_id,omitempty"`
	FundingTxo        string             `json:"funding_txo"`
	CapacitySats      int64              `json:"capacity_sats"`
	LocalBalanceMsat  uint64             `json:"local_balance_msat"`
	RemoteBalanceMsat uint64             `json:"remote_balance_msat"`
	CommitHeight      uint64             `json:"commit_height"`
	NumHTLCs          int                `json:"num_htlcs"`
	IsOutbound        bool               `json:"is_outbound"`
	IsChannelReady    bool               `json:"is_channel_ready"`
	IsUsable          bool               `json:"is_usable"`
	CustomOutputs     []customOutputJSON `json:"custom_outputs"`
}

func newChannelJSON(d *chanstate.ChannelDetails) channelJSON {
	ch := channelJSON{
		ChannelID:         d.ChanID.String(),
		Counterparty:      pubKeyHex(d.Peer),
		State:             d.State.String(),
		FundingTxo:        d.FundingOutpoint.String(),
		CapacitySats:      int64(d.Capacity),
		LocalBalanceMsat:  uint64(d.LocalBalance),
		RemoteBalanceMsat: uint64(d.RemoteBalance),
		CommitHeight:      d.Height,
		NumHTLCs:          len(d.HTLCs),
		IsOutbound:        d.IsInitiator,
		IsChannelReady:    d.IsChannelReady,
		IsUsable:          d.IsUsable,
		CustomOutputs:     []customOutputJSON{},
	}
	d.ShortChanID.WhenSome(func(scid lnwire.ShortChannelID) {
		ch.ShortChannelID = scid.String()
	})

	for _, out := range d.CustomOutputs {
		ch.CustomOutputs = append(ch.CustomOutputs, customOutputJSON{
			ID: base64.StdEncoding.EncodeToString(
				out.ID[:],
			),
			TakerAmountMsat: uint64(out.TakerAmount),
			MakerAmountMsat: uint64(out.MakerAmount),
			Expiry:          out.Expiry,
			LocalIsTaker:    out.LocalIsTaker,
		})
	}

	return ch
}

func (s *Server) listChannels(w http.ResponseWriter, _ *http.Request) error {
	details := s.cfg.Node.ListChannels()

	channels := make([]channelJSON, 0, len(details))
	for i := range details {
		channels = append(channels, newChannelJSON(&details[i]))
	}

	log.Debugf("Listing %d channels", len(channels))

	writeJSON(w, http.StatusOK, channels)
	return nil
}

type openChannelRequest struct {
	Peer       string `json:"peer"`
	AmountSats int64  `json:"amount_sats"`
	PushMsat   uint64 `json:"push_msat,omitempty"`
}

type openChannelResponse struct {
	PendingChannelID string `json:"pending_channel_id"`
}

// openChannel connects to the peer and starts the channel negotiation. On
// a maker the call first waits for the wallet to hold the channel amount.
func (s *Server) openChannel(w http.ResponseWriter, r *http.Request) error {
	var req openChannelRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}

	info, err := peerconn.ParsePeerInfo(req.Peer)
	if err != nil {
		return err
	}
	if req.AmountSats <= 0 {
		return badRequest("Invalid channel amount", "amount_sats must "+
			"be positive, got %d", req.AmountSats)
	}
	capacity := btcutil.Amount(req.AmountSats)

	ctx := r.Context()
	if s.cfg.Role == RoleMaker {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.FundsTimeout)
		err := s.cfg.Wallet.WaitForFunds(waitCtx, capacity)
		cancel()
		if err != nil {
			return fmt.Errorf("wallet not funded: %w", err)
		}
	}

	if err := s.cfg.Peers.ConnectOutbound(ctx, info); err != nil {
		return err
	}

	pendingID, err := s.cfg.Node.OpenChannel(
		ctx, info.PubKey, capacity, lnwire.MilliSatoshi(req.PushMsat),
	)
	if err != nil {
		return err
	}

	log.Infof("Opening channel of %v with %v", capacity, info)

	writeJSON(w, http.StatusAccepted, openChannelResponse{
		PendingChannelID: hex.EncodeToString(pendingID[:]),
	})
	return nil
}

func (s *Server) closeChannel(w http.ResponseWriter, r *http.Request) error {
	raw, err := hex.DecodeString(mux.Vars(r)["id"])
	if err != nil {
		return badRequest("Invalid channel id", "%v", err)
	}
	var chanID lnwire.ChannelID
	copy(chanID[:], raw)

	force := false
	if f := r.URL.Query().Get("force"); f != "" {
		force, err = strconv.ParseBool(f)
		if err != nil {
			return badRequest("Invalid force flag", "%v", err)
		}
	}

	log.Infof("Closing channel %v (force=%v)", chanID, force)

	if err := s.cfg.Node.CloseChannel(r.Context(), chanID, force); err != nil {
		return err
	}

	w.WriteHeader(http.StatusAccepted)
	return nil
}

type balanceJSON struct {
	ConfirmedSats   int64 `json:"confirmed_sats"`
	UnconfirmedSats int64 `json:"unconfirmed_sats"`
	TotalSats       int64 `json:"total_sats"`
}

type transactionJSON struct {
	Txid        string `json:"txid"`
	AmountSats  int64  `json:"amount_sats"`
	FeeSats     int64  `json:"fee_sats"`
	BlockHeight uint32 `json:"block_height"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

type walletDetails struct {
	Address      string            `json:"address"`
	Balance      balanceJSON       `json:"balance"`
	NodeID       string            `json:"node_id"`
	Transactions []transactionJSON `json:"transactions"`
}

func (s *Server) walletDetails(w http.ResponseWriter, r *http.Request) error {
	addr, err := s.cfg.Wallet.GetUnusedAddress(r.Context())
	if err != nil {
		return err
	}

	balance := s.cfg.Wallet.GetBalance()
	details := walletDetails{
		Address: addr.EncodeAddress(),
		Balance: balanceJSON{
			ConfirmedSats:   int64(balance.Confirmed),
			UnconfirmedSats: int64(balance.Unconfirmed),
			TotalSats:       int64(balance.Total()),
		},
		NodeID:       pubKeyHex(s.cfg.Node.NodeKey()),
		Transactions: []transactionJSON{},
	}

	for _, tx := range s.cfg.Wallet.ListTransactions() {
		t := transactionJSON{
			Txid:        tx.Txid.String(),
			AmountSats:  int64(tx.Amount),
			FeeSats:     int64(tx.Fee),
			BlockHeight: tx.BlockHeight,
		}
		if !tx.Timestamp.IsZero() {
			t.Timestamp = tx.Timestamp.Unix()
		}
		details.Transactions = append(details.Transactions, t)
	}

	writeJSON(w, http.StatusOK, details)
	return nil
}

type sendRequest struct {
	Address    string `json:"address"`
	AmountSats int64  `json:"amount_sats"`
}

type txidResponse struct {
	Txid string `json:"txid"`
}

func (s *Server) sendCoins(w http.ResponseWriter, r *http.Request) error {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	if req.AmountSats <= 0 {
		return badRequest("Invalid amount", "amount_sats must be "+
			"positive, got %d", req.AmountSats)
	}

	txid, err := s.cfg.Wallet.SendToAddress(
		r.Context(), req.Address, btcutil.Amount(req.AmountSats),
	)
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, txidResponse{Txid: txid.String()})
	return nil
}

type invoiceRequest struct {
	AmountMsat  uint64 `json:"amount_msat"`
	Description string `json:"description"`
	ExpirySecs  int64  `json:"expiry_secs"`
}

type invoiceResponse struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Expiry      int64  `json:"expiry"`
}

// createInvoice creates an invoice and records it as a pending inbound
// payment.
func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) error {
	var req invoiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}
	if req.ExpirySecs < 0 {
		return badRequest("Invalid expiry", "expiry_secs must not be "+
			"negative, got %d", req.ExpirySecs)
	}

	amt := fn.None[lnwire.MilliSatoshi]()
	if req.AmountMsat > 0 {
		amt = fn.Some(lnwire.MilliSatoshi(req.AmountMsat))
	}

	inv, err := s.cfg.Node.CreateInvoice(
		amt, req.Description, time.Duration(req.ExpirySecs)*time.Second,
	)
	if err != nil {
		return err
	}

	err = s.cfg.Payments.InsertPayment(r.Context(), &cfddb.PaymentInfo{
		Hash:     inv.PaymentHash,
		Preimage: fn.Some(inv.Preimage),
		Secret:   fn.Some(inv.PaymentAddr),
		Flow:     cfddb.FlowInbound,
		Status:   cfddb.StatusPending,
		Amount:   inv.Amount,
		Expiry:   fn.Some(inv.Expiry),
	})
	if err != nil {
		return fmt.Errorf("unable to store invoice: %w", err)
	}

	writeJSON(w, http.StatusOK, invoiceResponse{
		Invoice:     inv.PaymentRequest,
		PaymentHash: inv.PaymentHash.String(),
		Expiry:      inv.Expiry.Unix(),
	})
	return nil
}

type payRequest struct {
	Invoice string `json:"invoice"`
}

type payResponse struct {
	PaymentHash string `json:"payment_hash"`
}

// payInvoice records an outbound pending payment and sends it. The outcome
// arrives later as an event that updates the record.
func (s *Server) payInvoice(w http.ResponseWriter, r *http.Request) error {
	var req payRequest
	if err := decodeBody(w, r, &req); err != nil {
		return err
	}

	inv, err := zpay32.Decode(req.Invoice, s.cfg.ChainParams)
	if err != nil {
		return badRequest("Invalid invoice", "%v", err)
	}
	if inv.PaymentHash == nil {
		return badRequest("Invalid invoice", "no payment hash")
	}
	hash := lntypes.Hash(*inv.PaymentHash)

	info := &cfddb.PaymentInfo{
		Hash:   hash,
		Flow:   cfddb.FlowOutbound,
		Status: cfddb.StatusPending,
		Secret: inv.PaymentAddr,
		Amount: fn.None[lnwire.MilliSatoshi](),
		Expiry: fn.Some(inv.Timestamp.Add(inv.Expiry())),
	}
	if inv.MilliSat != nil {
		info.Amount = fn.Some(*inv.MilliSat)
	}

	ctx := r.Context()
	if err := s.cfg.Payments.InsertPayment(ctx, info); err != nil {
		return err
	}

	if _, err := s.cfg.Node.SendPayment(ctx, req.Invoice); err != nil {
		_, uerr := s.cfg.Payments.UpdatePayment(
			ctx, hash, cfddb.StatusFailed,
			fn.None[lntypes.Preimage](), fn.None[[32]byte](),
		)
		if uerr != nil {
			log.Errorf("Unable to mark payment %v failed: %v", hash,
				uerr)
		}

		return err
	}

	writeJSON(w, http.StatusAccepted, payResponse{
		PaymentHash: hash.String(),
	})
	return nil
}

type paymentJSON struct {
	PaymentHash string  `json:"payment_hash"`
	Preimage    *string `json:"preimage,omitempty"`
	Flow        string  `json:"flow"`
	Status      string  `json:"status"`
	AmountMsat  *uint64 `json:"amount_msat,omitempty"`
	Created     int64   `json:"created"`
	Updated     int64   `json:"updated"`
	Expiry      *int64  `json:"expiry,omitempty"`
}

func newPaymentJSON(p *cfddb.PaymentInfo) paymentJSON {
	payment := paymentJSON{
		PaymentHash: p.Hash.String(),
		Flow:        string(p.Flow),
		Status:      string(p.Status),
		Created:     p.Created.Unix(),
		Updated:     p.Updated.Unix(),
	}
	p.Preimage.WhenSome(func(pre lntypes.Preimage) {
		s := pre.String()
		payment.Preimage = &s
	})
	p.Amount.WhenSome(func(a lnwire.MilliSatoshi) {
		msat := uint64(a)
		payment.AmountMsat = &msat
	})
	p.Expiry.WhenSome(func(t time.Time) {
		unix := t.Unix()
		payment.Expiry = &unix
	})

	return payment
}

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) error {
	payments, err := s.cfg.Payments.LoadPayments(r.Context())
	if err != nil {
		return err
	}

	resp := make([]paymentJSON, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, newPaymentJSON(p))
	}

	writeJSON(w, http.StatusOK, resp)
	return nil
}

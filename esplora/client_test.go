package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// fakeEsplora serves a small chain over the esplora routes.
type fakeEsplora struct {
	mu sync.Mutex

	tip       blockInfo
	blockTxs  map[string][]string
	txs       map[string]*wire.MsgTx
	status    map[string]TxStatus
	outspends map[string]outSpend
	fees      FeeEstimates
	broadcast []string
}

func newFakeEsplora() *fakeEsplora {
	return &fakeEsplora{
		blockTxs:  make(map[string][]string),
		txs:       make(map[string]*wire.MsgTx),
		status:    make(map[string]TxStatus),
		outspends: make(map[string]outSpend),
	}
}

func (f *fakeEsplora) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeEsplora) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /blocks/tip/hash", func(w http.ResponseWriter,
		_ *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprint(w, f.tip.ID)
	})
	mux.HandleFunc("GET /block/{hash}", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		f.writeJSON(w, f.tip)
	})
	mux.HandleFunc("GET /block/{hash}/txids", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		f.writeJSON(w, f.blockTxs[r.PathValue("hash")])
	})
	mux.HandleFunc("GET /tx/{txid}/status", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		status, ok := f.status[r.PathValue("txid")]
		if !ok {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}
		f.writeJSON(w, status)
	})
	mux.HandleFunc("GET /tx/{txid}/hex", func(w http.ResponseWriter,
		r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		tx, ok := f.txs[r.PathValue("txid")]
		if !ok {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}
		var buf bytes.Buffer
		_ = tx.Serialize(&buf)
		fmt.Fprint(w, hex.EncodeToString(buf.Bytes()))
	})
	mux.HandleFunc("GET /tx/{txid}/outspend/{vout}", func(
		w http.ResponseWriter, r *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		key := r.PathValue("txid") + ":" + r.PathValue("vout")
		f.writeJSON(w, f.outspends[key])
	})
	mux.HandleFunc("POST /tx", func(w http.ResponseWriter,
		r *http.Request) {

		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.broadcast = append(f.broadcast, string(body))
		f.mu.Unlock()
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("GET /fee-estimates", func(w http.ResponseWriter,
		_ *http.Request) {

		f.mu.Lock()
		defer f.mu.Unlock()
		f.writeJSON(w, f.fees)
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeEsplora) *Client {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	return NewClient(&ClientConfig{URL: srv.URL + "/"})
}

func testTx(lockTime uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(10_000, []byte{0x00, 0x14}))
	tx.LockTime = lockTime

	return tx
}

// TestGetBestBlock checks the tip is read from the tip block.
func TestGetBestBlock(t *testing.T) {
	t.Parallel()

	f := newFakeEsplora()
	hash := chainhash.Hash{9}
	f.tip = blockInfo{ID: hash.String(), Height: 812}

	height, tip, err := newTestClient(t, f).GetBestBlock(
		context.Background(),
	)
	require.NoError(t, err)
	require.EqualValues(t, 812, height)
	require.Equal(t, hash, tip)
}

// TestGetTxConfirmation checks unknown, unconfirmed and confirmed
// transactions.
func TestGetTxConfirmation(t *testing.T) {
	t.Parallel()

	f := newFakeEsplora()
	c := newTestClient(t, f)
	ctx := context.Background()

	confirmed := testTx(1).TxHash()
	pending := testTx(2).TxHash()
	block := chainhash.Hash{1, 2, 3}

	f.status[confirmed.String()] = TxStatus{
		Confirmed:   true,
		BlockHeight: 100,
		BlockHash:   block.String(),
	}
	f.status[pending.String()] = TxStatus{}
	f.blockTxs[block.String()] = []string{
		chainhash.Hash{}.String(), confirmed.String(),
	}

	conf, err := c.GetTxConfirmation(ctx, confirmed)
	require.NoError(t, err)
	require.True(t, conf.IsSome())
	conf.WhenSome(func(tc chanstate.TxConfirmation) {
		require.EqualValues(t, 100, tc.BlockHeight)
		require.Equal(t, block, tc.BlockHash)
		require.EqualValues(t, 1, tc.TxIndex)
	})

	conf, err = c.GetTxConfirmation(ctx, pending)
	require.NoError(t, err)
	require.True(t, conf.IsNone())

	conf, err = c.GetTxConfirmation(ctx, chainhash.Hash{0xff})
	require.NoError(t, err)
	require.True(t, conf.IsNone())
}

// TestGetOutSpend checks spent and unspent outputs.
func TestGetOutSpend(t *testing.T) {
	t.Parallel()

	f := newFakeEsplora()
	c := newTestClient(t, f)
	ctx := context.Background()

	funding := wire.OutPoint{Hash: chainhash.Hash{4}, Index: 0}
	other := wire.OutPoint{Hash: chainhash.Hash{5}, Index: 1}
	spender := testTx(3).TxHash()

	f.outspends[funding.Hash.String()+":0"] = outSpend{
		Spent: true,
		TxID:  spender.String(),
	}

	spend, err := c.GetOutSpend(ctx, funding)
	require.NoError(t, err)
	require.True(t, spend.IsSome())
	spend.WhenSome(func(s chanstate.OutSpend) {
		require.Equal(t, spender, s.Txid)
		require.True(t, s.Confirmation.IsNone())
	})

	spend, err = c.GetOutSpend(ctx, other)
	require.NoError(t, err)
	require.True(t, spend.IsNone())
}

// TestGetTransactionAndBroadcast checks transactions survive the hex
// encoding both ways.
func TestGetTransactionAndBroadcast(t *testing.T) {
	t.Parallel()

	f := newFakeEsplora()
	c := newTestClient(t, f)
	ctx := context.Background()

	tx := testTx(7)
	f.txs[tx.TxHash().String()] = tx

	got, err := c.GetTransaction(ctx, tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), got.TxHash())

	_, err = c.GetTransaction(ctx, chainhash.Hash{0xee})
	require.ErrorIs(t, err, ErrTxNotFound)

	require.NoError(t, c.BroadcastTx(ctx, tx))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	require.Equal(t, []string{hex.EncodeToString(buf.Bytes())}, f.broadcast)
}

// TestFeeEstimator checks target selection, the floor and the refresh.
func TestFeeEstimator(t *testing.T) {
	t.Parallel()

	f := newFakeEsplora()
	f.fees = FeeEstimates{"1": 20, "6": 8, "144": 0.5, "bogus": 3}

	tick := ticker.NewForce(time.Hour)
	est := NewFeeEstimator(&FeeEstimatorConfig{
		Source: newTestClient(t, f),
		Ticker: tick,
	})

	// Nothing is cached before the first refresh.
	rate, err := est.EstimateFee(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, DefaultFallbackFeePerKW, rate)

	require.NoError(t, est.Start())
	t.Cleanup(func() { require.NoError(t, est.Stop()) })

	tests := []struct {
		target uint32
		want   chainfee.SatPerKWeight
	}{
		{target: 1, want: 5000},
		{target: 3, want: 5000},
		{target: 6, want: 2000},
		{target: 100, want: 2000},
		{target: 1000, want: chainfee.FeePerKwFloor},
	}
	for _, test := range tests {
		rate, err := est.EstimateFee(context.Background(), test.target)
		require.NoError(t, err)
		require.Equal(t, test.want, rate, "target %d", test.target)
	}

	f.mu.Lock()
	f.fees = FeeEstimates{"2": 40}
	f.mu.Unlock()
	tick.Force <- time.Now()

	require.Eventually(t, func() bool {
		rate, _ := est.EstimateFee(context.Background(), 1)
		return rate == 10_000
	}, 5*time.Second, 10*time.Millisecond)
}

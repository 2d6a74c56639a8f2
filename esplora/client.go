// Package esplora is a client of the esplora REST API. It serves as the
// chain backend of the node: tip and confirmation queries for the channel
// layer, address history for the wallet, fee estimates and broadcast.
package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxRetries is the number of retries on transport errors.
	DefaultMaxRetries = 2
)

var (
	// ErrNotFound is returned when the API answers 404.
	ErrNotFound = errors.New("not found")

	// ErrTxNotFound is returned when a transaction cannot be found.
	ErrTxNotFound = errors.New("transaction not found")
)

// DefaultURLs are the public esplora instances per network.
var DefaultURLs = map[string]string{
	"mainnet": "https://blockstream.info/api",
	"testnet": "https://blockstream.info/testnet/api",
	"signet":  "https://mempool.space/signet/api",
	"regtest": "http://localhost:3002",
}

// ClientConfig holds the configuration of the esplora client.
type ClientConfig struct {
	// URL is the base URL of the API, e.g. http://localhost:3002.
	URL string

	// RequestTimeout is the timeout of one HTTP request.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries on transport errors. Answers
	// of the server are never retried.
	MaxRetries int
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxVin is a transaction input.
type TxVin struct {
	TxID    string  `json:"txid"`
	Vout    uint32  `json:"vout"`
	PrevOut *TxVout `json:"prevout,omitempty"`
}

// TxVout is a transaction output.
type TxVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// TxInfo is a transaction as returned by the address endpoints.
type TxInfo struct {
	TxID   string   `json:"txid"`
	Fee    int64    `json:"fee"`
	Vin    []TxVin  `json:"vin"`
	Vout   []TxVout `json:"vout"`
	Status TxStatus `json:"status"`
}

// UTXO is an unspent output of an address.
type UTXO struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status TxStatus `json:"status"`
	Value  int64    `json:"value"`
}

// outSpend is the spend status of an output.
type outSpend struct {
	Spent  bool     `json:"spent"`
	TxID   string   `json:"txid,omitempty"`
	Status TxStatus `json:"status,omitempty"`
}

// blockInfo is the part of a block header the client reads.
type blockInfo struct {
	ID     string `json:"id"`
	Height uint32 `json:"height"`
}

// FeeEstimates maps confirmation targets (as strings) to fee rates in
// sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client of the esplora API. It is safe for concurrent
// use.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client
}

// Compile time check that Client is a chain source of the channel layer.
var _ chanstate.ChainSource = (*Client)(nil)

// NewClient creates an esplora client.
func NewClient(cfg *ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// URL returns the base URL of the API.
func (c *Client) URL() string {
	return c.cfg.URL
}

// doRequest performs an HTTP request, retrying transport errors with a
// linear backoff.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("unable to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Debugf("Request %s %s failed (attempt %d): %v",
				method, path, i+1, err)

			lastErr = err
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method,
		path, c.cfg.MaxRetries+1, lastErr)
}

// do performs a request and returns the body of a 200 answer.
func (c *Client) do(ctx context.Context, method, path string,
	body []byte) ([]byte, error) {

	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)

	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s %s returned status %d: %s", method,
			path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

// getJSON performs a GET request and decodes the JSON answer into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unable to decode %s: %w", path, err)
	}

	return nil
}

// GetBestBlock returns the height and hash of the chain tip.
func (c *Client) GetBestBlock(ctx context.Context) (uint32, chainhash.Hash,
	error) {

	data, err := c.do(ctx, http.MethodGet, "/blocks/tip/hash", nil)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	// The height is read from the block itself, the tip may have moved
	// since the first request.
	var block blockInfo
	err = c.getJSON(ctx, "/block/"+strings.TrimSpace(string(data)), &block)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(block.ID)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	return block.Height, *hash, nil
}

// txIndex returns the position of txid in the block with the given hash.
func (c *Client) txIndex(ctx context.Context, blockHash string,
	txid string) (uint32, error) {

	var txids []string
	if err := c.getJSON(ctx, "/block/"+blockHash+"/txids", &txids); err != nil {
		return 0, err
	}

	for i, id := range txids {
		if id == txid {
			return uint32(i), nil
		}
	}

	return 0, fmt.Errorf("%w: %s not in block %s", ErrTxNotFound, txid,
		blockHash)
}

// confirmation converts a confirmed status of txid into its location.
func (c *Client) confirmation(ctx context.Context, txid string,
	status TxStatus) (chanstate.TxConfirmation, error) {

	hash, err := chainhash.NewHashFromStr(status.BlockHash)
	if err != nil {
		return chanstate.TxConfirmation{}, err
	}

	index, err := c.txIndex(ctx, status.BlockHash, txid)
	if err != nil {
		return chanstate.TxConfirmation{}, err
	}

	return chanstate.TxConfirmation{
		BlockHeight: status.BlockHeight,
		BlockHash:   *hash,
		TxIndex:     index,
	}, nil
}

// GetTxConfirmation returns where txid confirmed. Unknown and unconfirmed
// transactions give None.
func (c *Client) GetTxConfirmation(ctx context.Context,
	txid chainhash.Hash) (fn.Option[chanstate.TxConfirmation], error) {

	none := fn.None[chanstate.TxConfirmation]()

	var status TxStatus
	err := c.getJSON(ctx, "/tx/"+txid.String()+"/status", &status)
	switch {
	case errors.Is(err, ErrNotFound):
		return none, nil

	case err != nil:
		return none, err

	case !status.Confirmed:
		return none, nil
	}

	conf, err := c.confirmation(ctx, txid.String(), status)
	if err != nil {
		return none, err
	}

	return fn.Some(conf), nil
}

// GetOutSpend returns the spender of op, or None if op is unspent.
func (c *Client) GetOutSpend(ctx context.Context,
	op wire.OutPoint) (fn.Option[chanstate.OutSpend], error) {

	none := fn.None[chanstate.OutSpend]()

	var spend outSpend
	path := fmt.Sprintf("/tx/%v/outspend/%d", op.Hash, op.Index)
	if err := c.getJSON(ctx, path, &spend); err != nil {
		return none, err
	}
	if !spend.Spent {
		return none, nil
	}

	txid, err := chainhash.NewHashFromStr(spend.TxID)
	if err != nil {
		return none, err
	}

	result := chanstate.OutSpend{
		Txid:         *txid,
		Confirmation: fn.None[chanstate.TxConfirmation](),
	}
	if spend.Status.Confirmed {
		conf, err := c.confirmation(ctx, spend.TxID, spend.Status)
		if err != nil {
			return none, err
		}
		result.Confirmation = fn.Some(conf)
	}

	return fn.Some(result), nil
}

// GetTransaction fetches and decodes the transaction with the given id.
func (c *Client) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	data, err := c.do(ctx, http.MethodGet, "/tx/"+txid.String()+"/hex", nil)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("malformed tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to decode tx %v: %w", txid, err)
	}

	return tx, nil
}

// BroadcastTx publishes tx.
func (c *Client) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("unable to serialize tx: %w", err)
	}

	body := []byte(hex.EncodeToString(buf.Bytes()))
	data, err := c.do(ctx, http.MethodPost, "/tx", body)
	if err != nil {
		return fmt.Errorf("broadcast of %v failed: %w", tx.TxHash(), err)
	}

	log.Infof("Broadcast tx %s", strings.TrimSpace(string(data)))

	return nil
}

// AddressUTXOs returns the unspent outputs of address.
func (c *Client) AddressUTXOs(ctx context.Context,
	address string) ([]UTXO, error) {

	var utxos []UTXO
	err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos)
	if err != nil {
		return nil, err
	}

	return utxos, nil
}

// AddressTxs returns the transactions touching address, newest first.
func (c *Client) AddressTxs(ctx context.Context,
	address string) ([]TxInfo, error) {

	var txs []TxInfo
	if err := c.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}

	return txs, nil
}

// GetFeeEstimates returns the fee estimates of the server.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var estimates FeeEstimates
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return nil, err
	}

	return estimates, nil
}

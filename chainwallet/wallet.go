// Package chainwallet is the on-chain wallet of the node. It derives a
// BIP84 account from the aezeed seed, follows its addresses through the
// esplora backend, funds channels and sweeps, and derives the node and
// channel keys.
package chainwallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/esplora"
	"github.com/lightningnetwork/lnd/aezeed"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// DefaultGapLimit is the number of consecutive unused addresses after
	// which a branch scan stops.
	DefaultGapLimit = 20

	// DefaultConfTarget is the confirmation target of wallet sends.
	DefaultConfTarget = 6

	// fundsPollInterval is the pause between balance checks while
	// waiting for funds.
	fundsPollInterval = 5 * time.Second

	// minOutputValue is the smallest output the wallet creates.
	minOutputValue = btcutil.Amount(546)

	bip84Purpose = 84

	externalBranch = 0
	internalBranch = 1
)

var (
	// ErrInsufficientFunds is returned when the wallet cannot fund a
	// transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAddress is returned for addresses of another network or
	// malformed ones.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrDustOutput is returned for sends below the dust limit.
	ErrDustOutput = errors.New("amount below dust limit")
)

// Chain is the part of the chain backend the wallet uses.
type Chain interface {
	AddressUTXOs(ctx context.Context, address string) ([]esplora.UTXO,
		error)

	AddressTxs(ctx context.Context, address string) ([]esplora.TxInfo,
		error)

	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error
}

// FeeOracle estimates fee rates.
type FeeOracle interface {
	EstimateFee(ctx context.Context, target uint32) (chainfee.SatPerKWeight,
		error)
}

// Config holds the dependencies of the wallet.
type Config struct {
	Seed        *aezeed.CipherSeed
	ChainParams *chaincfg.Params
	Chain       Chain
	Fees        FeeOracle

	// GapLimit defaults to DefaultGapLimit.
	GapLimit uint32
}

// Balance is the value of the wallet's unspent outputs.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// Total returns the confirmed and unconfirmed value.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// Transaction is an on-chain transaction touching the wallet.
type Transaction struct {
	Txid chainhash.Hash

	// Amount is the net value received by the wallet. It is negative
	// for spends.
	Amount btcutil.Amount

	// Fee is set for transactions the wallet paid for.
	Fee btcutil.Amount

	// BlockHeight is zero while unconfirmed.
	BlockHeight uint32
	Timestamp   time.Time
}

type addrInfo struct {
	branch   uint32
	index    uint32
	pkScript []byte
}

type utxo struct {
	outpoint  wire.OutPoint
	value     btcutil.Amount
	pkScript  []byte
	confirmed bool
}

// HDWallet is a single account BIP84 wallet backed by esplora.
type HDWallet struct {
	cfg *Config

	branches [2]*hdkeychain.ExtendedKey
	keyRing  *KeyRing

	// syncMtx serializes scans.
	syncMtx sync.Mutex

	mu sync.Mutex

	addrs map[string]*addrInfo

	// derived are the addresses derived so far per branch.
	derived [2][]btcutil.Address

	// used is the index after the last used address per branch.
	used [2]uint32

	// issued is the index after the last address handed out per branch.
	issued [2]uint32

	utxos      []utxo
	txs        []Transaction
	locked     map[wire.OutPoint]struct{}
	lastHeight uint32
}

// Compile time check that the wallet follows the chain through Sync.
var _ chanstate.Confirmable = (*HDWallet)(nil)

// New derives the wallet and the key ring from the seed.
func New(cfg *Config) (*HDWallet, error) {
	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}

	master, err := hdkeychain.NewMaster(cfg.Seed.Entropy[:], cfg.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}

	account, err := deriveHardened(
		master, bip84Purpose, cfg.ChainParams.HDCoinType, 0,
	)
	if err != nil {
		return nil, err
	}

	w := &HDWallet{
		cfg:    cfg,
		addrs:  make(map[string]*addrInfo),
		locked: make(map[wire.OutPoint]struct{}),
	}
	for branch := range w.branches {
		w.branches[branch], err = account.Derive(uint32(branch))
		if err != nil {
			return nil, err
		}
	}

	w.keyRing, err = NewKeyRing(master, cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// KeyRing returns the key ring of the node and channel keys.
func (w *HDWallet) KeyRing() *KeyRing {
	return w.keyRing
}

// address returns the address at index of branch, deriving it if needed.
// Must hold w.mu.
func (w *HDWallet) address(branch, index uint32) (btcutil.Address, error) {
	for uint32(len(w.derived[branch])) <= index {
		next := uint32(len(w.derived[branch]))

		key, err := w.branches[branch].Derive(next)
		if err != nil {
			return nil, err
		}
		pub, err := key.ECPubKey()
		if err != nil {
			return nil, err
		}

		addr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()),
			w.cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}

		w.addrs[addr.EncodeAddress()] = &addrInfo{
			branch:   branch,
			index:    next,
			pkScript: pkScript,
		}
		w.derived[branch] = append(w.derived[branch], addr)
	}

	return w.derived[branch][index], nil
}

// privKey returns the key of a wallet address.
func (w *HDWallet) privKey(addr string) (*btcec.PrivateKey, bool) {
	w.mu.Lock()
	info, ok := w.addrs[addr]
	w.mu.Unlock()
	if !ok {
		return nil, false
	}

	key, err := w.branches[info.branch].Derive(info.index)
	if err != nil {
		return nil, false
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, false
	}

	return priv, true
}

// reserve hands out a fresh address of branch.
func (w *HDWallet) reserve(branch uint32) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	index := max(w.issued[branch], w.used[branch])
	addr, err := w.address(branch, index)
	if err != nil {
		return nil, err
	}
	w.issued[branch] = index + 1

	return addr, nil
}

// GetUnusedAddress returns the first receive address without history.
func (w *HDWallet) GetUnusedAddress(_ context.Context) (btcutil.Address,
	error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.address(externalBranch, w.used[externalBranch])
}

// NewDeliveryScript returns the script of a fresh receive address.
func (w *HDWallet) NewDeliveryScript(_ context.Context) ([]byte, error) {
	addr, err := w.reserve(externalBranch)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// scanResult is the state of one branch found by a scan.
type scanResult struct {
	used  uint32
	utxos []utxo
	txs   map[string]esplora.TxInfo
}

// scanBranch walks branch until GapLimit consecutive addresses without
// history follow the last used or issued one.
func (w *HDWallet) scanBranch(ctx context.Context,
	branch uint32) (*scanResult, error) {

	res := &scanResult{txs: make(map[string]esplora.TxInfo)}

	w.mu.Lock()
	issued := w.issued[branch]
	w.mu.Unlock()

	var gap uint32
	for index := uint32(0); gap < w.cfg.GapLimit || index < issued; index++ {
		w.mu.Lock()
		addr, err := w.address(branch, index)
		var pkScript []byte
		if err == nil {
			pkScript = w.addrs[addr.EncodeAddress()].pkScript
		}
		w.mu.Unlock()
		if err != nil {
			return nil, err
		}

		txs, err := w.cfg.Chain.AddressTxs(ctx, addr.EncodeAddress())
		if err != nil {
			return nil, err
		}
		if len(txs) == 0 {
			gap++
			continue
		}

		gap = 0
		res.used = index + 1
		for _, tx := range txs {
			res.txs[tx.TxID] = tx
		}

		utxos, err := w.cfg.Chain.AddressUTXOs(ctx, addr.EncodeAddress())
		if err != nil {
			return nil, err
		}
		for _, u := range utxos {
			hash, err := chainhash.NewHashFromStr(u.TxID)
			if err != nil {
				return nil, err
			}

			res.utxos = append(res.utxos, utxo{
				outpoint:  wire.OutPoint{Hash: *hash, Index: u.Vout},
				value:     btcutil.Amount(u.Value),
				pkScript:  pkScript,
				confirmed: u.Status.Confirmed,
			})
		}
	}

	return res, nil
}

// Sync rescans the addresses of the wallet.
func (w *HDWallet) Sync(ctx context.Context) error {
	w.syncMtx.Lock()
	defer w.syncMtx.Unlock()

	var (
		used  [2]uint32
		utxos []utxo
		txs   = make(map[string]esplora.TxInfo)
	)
	for _, branch := range []uint32{externalBranch, internalBranch} {
		res, err := w.scanBranch(ctx, branch)
		if err != nil {
			return fmt.Errorf("wallet scan failed: %w", err)
		}

		used[branch] = res.used
		utxos = append(utxos, res.utxos...)
		for id, tx := range res.txs {
			txs[id] = tx
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.used = used
	w.utxos = utxos
	w.txs = w.history(txs)

	// Locks of outputs the backend no longer reports are released.
	present := make(map[wire.OutPoint]struct{}, len(utxos))
	for _, u := range utxos {
		present[u.outpoint] = struct{}{}
	}
	for op := range w.locked {
		if _, ok := present[op]; !ok {
			delete(w.locked, op)
		}
	}

	log.Debugf("Wallet synced: %d utxos, %d transactions", len(utxos),
		len(w.txs))

	return nil
}

// history converts the raw transactions to wallet transactions, newest
// first. Must hold w.mu.
func (w *HDWallet) history(raw map[string]esplora.TxInfo) []Transaction {
	txs := make([]Transaction, 0, len(raw))
	for _, info := range raw {
		hash, err := chainhash.NewHashFromStr(info.TxID)
		if err != nil {
			continue
		}

		var (
			received, spent btcutil.Amount
			paid            bool
		)
		for _, out := range info.Vout {
			if _, ok := w.addrs[out.ScriptPubKeyAddr]; ok {
				received += btcutil.Amount(out.Value)
			}
		}
		for _, in := range info.Vin {
			if in.PrevOut == nil {
				continue
			}
			if _, ok := w.addrs[in.PrevOut.ScriptPubKeyAddr]; ok {
				spent += btcutil.Amount(in.PrevOut.Value)
				paid = true
			}
		}

		tx := Transaction{
			Txid:   *hash,
			Amount: received - spent,
		}
		if paid {
			tx.Fee = btcutil.Amount(info.Fee)
		}
		if info.Status.Confirmed {
			tx.BlockHeight = info.Status.BlockHeight
			tx.Timestamp = time.Unix(info.Status.BlockTime, 0)
		}
		txs = append(txs, tx)
	}

	sort.Slice(txs, func(i, j int) bool {
		hi, hj := txs[i].BlockHeight, txs[j].BlockHeight
		switch {
		case hi == 0 && hj != 0:
			return true
		case hj == 0 && hi != 0:
			return false
		case hi != hj:
			return hi > hj
		}

		return txs[i].Txid.String() < txs[j].Txid.String()
	})

	return txs
}

// GetBalance returns the balance found by the last sync.
func (w *HDWallet) GetBalance() Balance {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b Balance
	for _, u := range w.utxos {
		if u.confirmed {
			b.Confirmed += u.value
		} else {
			b.Unconfirmed += u.value
		}
	}

	return b
}

// ListTransactions returns the history found by the last sync.
func (w *HDWallet) ListTransactions() []Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]Transaction(nil), w.txs...)
}

// EstimateFee returns the fee rate for target.
func (w *HDWallet) EstimateFee(ctx context.Context,
	target uint32) (chainfee.SatPerKWeight, error) {

	return w.cfg.Fees.EstimateFee(ctx, target)
}

// BuildAndSign funds outputs from the wallet at feeRate and signs the
// transaction. Spent outputs are locked until a sync shows them gone.
func (w *HDWallet) BuildAndSign(_ context.Context, outputs []*wire.TxOut,
	feeRate chainfee.SatPerKWeight) (*wire.MsgTx, error) {

	w.mu.Lock()
	eligible := make([]utxo, 0, len(w.utxos))
	for _, u := range w.utxos {
		if _, ok := w.locked[u.outpoint]; !ok {
			eligible = append(eligible, u)
		}
	}
	w.mu.Unlock()

	// Confirmed outputs first, larger ones first.
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].confirmed != eligible[j].confirmed {
			return eligible[i].confirmed
		}

		return eligible[i].value > eligible[j].value
	})

	inputSource := func(target btcutil.Amount) (btcutil.Amount,
		[]*wire.TxIn, []btcutil.Amount, [][]byte, error) {

		var (
			total   btcutil.Amount
			inputs  []*wire.TxIn
			values  []btcutil.Amount
			scripts [][]byte
		)
		for _, u := range eligible {
			if total >= target {
				break
			}

			op := u.outpoint
			inputs = append(inputs, wire.NewTxIn(&op, nil, nil))
			values = append(values, u.value)
			scripts = append(scripts, u.pkScript)
			total += u.value
		}

		return total, inputs, values, scripts, nil
	}

	changeSource := &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			addr, err := w.reserve(internalBranch)
			if err != nil {
				return nil, err
			}

			return txscript.PayToAddrScript(addr)
		},
		ScriptSize: input.P2WPKHSize,
	}

	authored, err := txauthor.NewUnsignedTransaction(
		outputs, btcutil.Amount(feeRate.FeePerKVByte()), inputSource,
		changeSource,
	)
	var srcErr txauthor.InputSourceError
	if errors.As(err, &srcErr) {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	if err != nil {
		return nil, err
	}

	if authored.ChangeIndex >= 0 {
		authored.RandomizeChangePosition()
	}

	if err := authored.AddAllInputScripts(secretSource{w}); err != nil {
		return nil, fmt.Errorf("unable to sign: %w", err)
	}

	w.mu.Lock()
	for _, in := range authored.Tx.TxIn {
		w.locked[in.PreviousOutPoint] = struct{}{}
	}
	w.mu.Unlock()

	log.Debugf("Built tx %v spending %v with %d inputs",
		authored.Tx.TxHash(), authored.TotalInput, len(authored.Tx.TxIn))

	return authored.Tx, nil
}

// BroadcastTx publishes tx through the chain backend.
func (w *HDWallet) BroadcastTx(ctx context.Context, tx *wire.MsgTx) error {
	return w.cfg.Chain.BroadcastTx(ctx, tx)
}

// SendToAddress pays amt to address and returns the txid.
func (w *HDWallet) SendToAddress(ctx context.Context, address string,
	amt btcutil.Amount) (chainhash.Hash, error) {

	addr, err := btcutil.DecodeAddress(address, w.cfg.ChainParams)
	if err != nil || !addr.IsForNet(w.cfg.ChainParams) {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrInvalidAddress,
			address)
	}
	if amt < minOutputValue {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrDustOutput, amt)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return chainhash.Hash{}, err
	}

	feeRate, err := w.EstimateFee(ctx, DefaultConfTarget)
	if err != nil {
		return chainhash.Hash{}, err
	}

	tx, err := w.BuildAndSign(
		ctx, []*wire.TxOut{wire.NewTxOut(int64(amt), pkScript)}, feeRate,
	)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if err := w.BroadcastTx(ctx, tx); err != nil {
		return chainhash.Hash{}, err
	}

	log.Infof("Sent %v to %v in %v", amt, address, tx.TxHash())

	return tx.TxHash(), nil
}

// WaitForFunds syncs until the wallet holds at least amt or ctx is done.
func (w *HDWallet) WaitForFunds(ctx context.Context,
	amt btcutil.Amount) error {

	for {
		if err := w.Sync(ctx); err != nil {
			log.Warnf("Unable to sync wallet: %v", err)
		} else if w.GetBalance().Total() >= amt {
			return nil
		}

		log.Infof("Waiting for wallet balance of %v", amt)

		select {
		case <-time.After(fundsPollInterval):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrInsufficientFunds,
				ctx.Err())
		}
	}
}

// TransactionsConfirmed is part of chanstate.Confirmable.
func (w *HDWallet) TransactionsConfirmed(context.Context,
	[]chanstate.ConfirmedTx) {
}

// TransactionUnconfirmed is part of chanstate.Confirmable.
func (w *HDWallet) TransactionUnconfirmed(context.Context, chainhash.Hash) {}

// BestBlockUpdated rescans the wallet on every new tip.
func (w *HDWallet) BestBlockUpdated(ctx context.Context, height uint32,
	_ chainhash.Hash) {

	w.mu.Lock()
	changed := height != w.lastHeight
	w.lastHeight = height
	w.mu.Unlock()

	if !changed {
		return
	}

	if err := w.Sync(ctx); err != nil {
		log.Warnf("Wallet sync at height %d failed: %v", height, err)
	}
}

// GetRelevantTxids is part of chanstate.Confirmable. The wallet follows
// addresses, not transactions.
func (w *HDWallet) GetRelevantTxids() []chainhash.Hash {
	return nil
}

// secretSource exposes the wallet keys to the input signer.
type secretSource struct {
	w *HDWallet
}

func (s secretSource) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	key, ok := s.w.privKey(addr.EncodeAddress())
	if !ok {
		return nil, false, fmt.Errorf("no key for %v", addr)
	}

	return key, true, nil
}

func (s secretSource) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no script for %v", addr)
}

func (s secretSource) ChainParams() *chaincfg.Params {
	return s.w.cfg.ChainParams
}

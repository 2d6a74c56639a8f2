package chanstate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var testTime = time.Unix(1_700_000_000, 0)

// testKeyRing derives keys by hashing a seed with the key locator.
type testKeyRing struct {
	seed [32]byte
}

func (r *testKeyRing) DeriveKey(loc keychain.KeyLocator) (*btcec.PrivateKey,
	error) {

	var buf [40]byte
	copy(buf[:], r.seed[:])
	binary.BigEndian.PutUint32(buf[32:], uint32(loc.Family))
	binary.BigEndian.PutUint32(buf[36:], loc.Index)

	h := sha256.Sum256(buf[:])
	priv, _ := btcec.PrivKeyFromBytes(h[:])

	return priv, nil
}

// fakeChain is an in-memory chain shared by the nodes of a test.
type fakeChain struct {
	mu     sync.Mutex
	height uint32
	txs    map[chainhash.Hash]*wire.MsgTx
	confs  map[chainhash.Hash]TxConfirmation
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		height: 100,
		txs:    make(map[chainhash.Hash]*wire.MsgTx),
		confs:  make(map[chainhash.Hash]TxConfirmation),
	}
}

func blockHash(height uint32) chainhash.Hash {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], height)

	return chainhash.DoubleHashH(b[:])
}

func (f *fakeChain) GetBestBlock(context.Context) (uint32, chainhash.Hash,
	error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.height, blockHash(f.height), nil
}

func (f *fakeChain) GetTxConfirmation(_ context.Context,
	txid chainhash.Hash) (fn.Option[TxConfirmation], error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	conf, ok := f.confs[txid]
	if !ok {
		return fn.None[TxConfirmation](), nil
	}

	return fn.Some(conf), nil
}

func (f *fakeChain) GetOutSpend(_ context.Context,
	op wire.OutPoint) (fn.Option[OutSpend], error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	for txid, tx := range f.txs {
		for _, in := range tx.TxIn {
			if in.PreviousOutPoint != op {
				continue
			}

			spend := OutSpend{Txid: txid}
			if conf, ok := f.confs[txid]; ok {
				spend.Confirmation = fn.Some(conf)
			}

			return fn.Some(spend), nil
		}
	}

	return fn.None[OutSpend](), nil
}

func (f *fakeChain) GetTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	tx, ok := f.txs[txid]
	if !ok {
		return nil, ErrChannelNotFound
	}

	return tx, nil
}

func (f *fakeChain) BroadcastTx(_ context.Context, tx *wire.MsgTx) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txs[tx.TxHash()] = tx

	return nil
}

// mine adds a block confirming txids.
func (f *fakeChain) mine(txids ...chainhash.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.height++
	for i, txid := range txids {
		f.confs[txid] = TxConfirmation{
			BlockHeight: f.height,
			BlockHash:   blockHash(f.height),
			TxIndex:     uint32(i + 1),
		}
	}
}

// eventLog records published events.
type eventLog struct {
	events chan Event
}

func (l *eventLog) Publish(_ context.Context, ev Event) error {
	l.events <- ev
	return nil
}

// waitEvent returns the next event of type T, skipping others.
func waitEvent[T Event](t *testing.T, l *eventLog) T {
	t.Helper()

	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-l.events:
			if typed, ok := ev.(T); ok {
				return typed
			}

		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

// pipeMessenger delivers messages to the remote manager in order, after a
// round trip through the wire encoding.
type pipeMessenger struct {
	self  *btcec.PublicKey
	queue chan lnwire.Message
	quit  chan struct{}
}

func (p *pipeMessenger) SendMessage(_ context.Context, _ *btcec.PublicKey,
	msg lnwire.Message) error {

	var buf bytes.Buffer
	if _, err := lnwire.WriteMessage(&buf, msg, 0); err != nil {
		return err
	}
	decoded, err := lnwire.ReadMessage(&buf, 0)
	if err != nil {
		return err
	}

	select {
	case p.queue <- decoded:
		return nil
	case <-p.quit:
		return ErrManagerShuttingDown
	}
}

func (p *pipeMessenger) run(to *Manager) {
	for {
		select {
		case msg := <-p.queue:
			err := to.HandleMessage(context.Background(), p.self, msg)
			if err != nil {
				log.Debugf("Delivery of %v failed: %v",
					msg.MsgType(), err)
			}

		case <-p.quit:
			return
		}
	}
}

// testNode is one side of a test channel.
type testNode struct {
	mgr      *Manager
	pub      *btcec.PublicKey
	events   *eventLog
	ring     *testKeyRing
	dir      string
	invoices map[lntypes.Hash]lntypes.Preimage
	mu       sync.Mutex
}

func (n *testNode) lookup(_ context.Context,
	hash lntypes.Hash) fn.Option[lntypes.Preimage] {

	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.invoices[hash]
	if !ok {
		return fn.None[lntypes.Preimage]()
	}

	return fn.Some(p)
}

func deliveryScript(seed byte) []byte {
	var hash [20]byte
	hash[0] = seed
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(hash[:]).Script()

	return script
}

func newTestManager(t *testing.T, n *testNode, chain *fakeChain,
	messenger PeerMessenger) *Manager {

	t.Helper()

	store, err := OpenCheckpointStore(n.dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	nodeKey, err := n.ring.DeriveKey(keychain.KeyLocator{
		Family: keychain.KeyFamilyNodeKey,
	})
	require.NoError(t, err)

	mgr := NewManager(&Config{
		NodeKey:        nodeKey,
		KeyRing:        n.ring,
		ChainParams:    &chaincfg.RegressionNetParams,
		Messenger:      messenger,
		ChainSource:    chain,
		Events:         n.events,
		Checkpoints:    store,
		PreimageLookup: n.lookup,
		DeliveryScript: func(context.Context) ([]byte, error) {
			return deliveryScript(n.ring.seed[0]), nil
		},
		FeePerKw: chainfee.SatPerKWeight(253),
		Clock:    clock.NewTestClock(testTime),
	})
	require.NoError(t, mgr.Start())
	t.Cleanup(func() { mgr.Stop() })

	return mgr
}

func newTestNode(t *testing.T, seed byte) *testNode {
	ring := &testKeyRing{}
	ring.seed[0] = seed

	nodeKey, _ := ring.DeriveKey(keychain.KeyLocator{
		Family: keychain.KeyFamilyNodeKey,
	})

	return &testNode{
		pub:      nodeKey.PubKey(),
		events:   &eventLog{events: make(chan Event, 1000)},
		ring:     ring,
		dir:      t.TempDir(),
		invoices: make(map[lntypes.Hash]lntypes.Preimage),
	}
}

// testPair is two connected nodes. alice opens the channel.
type testPair struct {
	alice, bob *testNode
	chain      *fakeChain
	chanID     lnwire.ChannelID
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()

	alice, bob := newTestNode(t, 1), newTestNode(t, 2)
	chain := newFakeChain()

	quit := make(chan struct{})
	toBob := &pipeMessenger{
		self:  alice.pub,
		queue: make(chan lnwire.Message, 100),
		quit:  quit,
	}
	toAlice := &pipeMessenger{
		self:  bob.pub,
		queue: make(chan lnwire.Message, 100),
		quit:  quit,
	}

	alice.mgr = newTestManager(t, alice, chain, toBob)
	bob.mgr = newTestManager(t, bob, chain, toAlice)

	go toBob.run(bob.mgr)
	go toAlice.run(alice.mgr)
	t.Cleanup(func() { close(quit) })

	ctx := context.Background()
	alice.mgr.PeerOnline(ctx, bob.pub)
	bob.mgr.PeerOnline(ctx, alice.pub)

	return &testPair{alice: alice, bob: bob, chain: chain}
}

// openChannel opens a zero-conf channel from alice to bob.
func (p *testPair) openChannel(t *testing.T, capacity btcutil.Amount,
	push lnwire.MilliSatoshi) {

	t.Helper()
	ctx := context.Background()

	pendingID, err := p.alice.mgr.OpenChannel(ctx, p.bob.pub, capacity, push)
	require.NoError(t, err)

	req := waitEvent[*OpenChannelRequest](t, p.bob.events)
	require.Equal(t, pendingID, req.PendingChanID)
	require.Equal(t, capacity, req.Capacity)
	require.NoError(t, p.bob.mgr.AcceptInboundChannel(ctx, pendingID, true))

	ready := waitEvent[*FundingGenerationReady](t, p.alice.events)
	require.Equal(t, capacity, ready.Amount)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 7}, nil, nil))
	fundingTx.AddTxOut(wire.NewTxOut(int64(capacity), ready.OutputScript))
	require.NoError(t, p.alice.mgr.FundingTransactionGenerated(
		ctx, pendingID, fundingTx,
	))

	aliceReady := waitEvent[*ChannelReady](t, p.alice.events)
	bobReady := waitEvent[*ChannelReady](t, p.bob.events)
	require.Equal(t, aliceReady.ChanID, bobReady.ChanID)

	p.chanID = aliceReady.ChanID
}

func (p *testPair) details(t *testing.T, n *testNode) ChannelDetails {
	t.Helper()

	for _, d := range n.mgr.ListChannels() {
		if d.ChanID == p.chanID {
			return d
		}
	}
	t.Fatalf("channel %v not found", p.chanID)

	return ChannelDetails{}
}

// testCustomOutput returns a custom output with alice as taker, seen from
// alice and from bob.
func testCustomOutput(id byte, taker,
	maker lnwire.MilliSatoshi) (CustomOutput, CustomOutput) {

	script, _ := input.WitnessScriptHash([]byte{txscript.OP_TRUE})
	out := CustomOutput{
		TakerAmount:  taker,
		MakerAmount:  maker,
		Expiry:       140,
		Script:       script,
		LocalIsTaker: true,
	}
	out.ID[0] = id

	mirrored := out
	mirrored.LocalIsTaker = false

	return out, mirrored
}

// commitCustom runs a custom output round proposed by alice. aliceUpdate
// and bobUpdate are the same update from each side.
func (p *testPair) commitCustom(t *testing.T, aliceUpdate,
	bobUpdate Update) {

	t.Helper()
	ctx := context.Background()

	require.NoError(t, p.bob.mgr.ReceiveCustomOutputUpdate(
		p.chanID, p.alice.pub, bobUpdate,
	))

	done := make(chan error, 1)
	go func() {
		done <- p.alice.mgr.CommitCustomOutput(ctx, p.chanID, aliceUpdate)
	}()

	answer := waitEvent[*RemoteCustomOutputCommitSig](t, p.bob.events)
	require.NoError(t, p.bob.mgr.ValidateRevocation(
		p.chanID, answer.RevokeAndAck,
	))
	require.NoError(t, p.bob.mgr.ReleaseCustomOutputCommitSig(
		ctx, p.chanID, answer.RevokeAndAck,
		&lnwire.Custom{Type: 32770},
	))
	require.NoError(t, p.alice.mgr.ReceiveCustomOutputCommitSig(
		ctx, p.bob.pub, answer.CommitSig, answer.RevokeAndAck,
	))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("custom output round did not complete")
	}

	waitEvent[*CustomOutputCommitted](t, p.alice.events)
	waitEvent[*CustomOutputCommitted](t, p.bob.events)
}

// closingTxid returns the closing transaction id known by n.
func (p *testPair) closingTxid(t *testing.T, n *testNode) chainhash.Hash {
	t.Helper()

	n.mgr.mu.Lock()
	defer n.mgr.mu.Unlock()

	c, ok := n.mgr.channels[p.chanID]
	require.True(t, ok)

	txid, ok := c.closingTxid()
	require.True(t, ok)

	return txid
}

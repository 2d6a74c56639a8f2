package peerconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeRouter records what the connection manager hands to the channel and
// custom output layers.
type fakeRouter struct {
	mu     sync.Mutex
	usable bool
	ready  bool

	online   chan *btcec.PublicKey
	offline  chan *btcec.PublicKey
	messages chan lnwire.Message
	customs  chan *lnwire.Custom
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		usable:   true,
		online:   make(chan *btcec.PublicKey, 10),
		offline:  make(chan *btcec.PublicKey, 20),
		messages: make(chan lnwire.Message, 10),
		customs:  make(chan *lnwire.Custom, 10),
	}
}

func (r *fakeRouter) HandleMessage(_ context.Context, _ *btcec.PublicKey,
	msg lnwire.Message) error {

	r.messages <- msg
	return nil
}

func (r *fakeRouter) PeerOnline(_ context.Context, peer *btcec.PublicKey) {
	r.online <- peer
}

func (r *fakeRouter) PeerOffline(peer *btcec.PublicKey) {
	r.offline <- peer
}

func (r *fakeRouter) ChannelWithPeer(
	*btcec.PublicKey) (chanstate.ChannelDetails, bool) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ready {
		return chanstate.ChannelDetails{}, false
	}

	return chanstate.ChannelDetails{
		State:          chanstate.StateOpen,
		IsChannelReady: true,
		IsUsable:       r.usable,
	}, true
}

func (r *fakeRouter) setUsable(usable bool) {
	r.mu.Lock()
	r.ready = true
	r.usable = usable
	r.mu.Unlock()
}

// customRouter forwards custom messages into the fake router.
type customRouter struct {
	r *fakeRouter
}

func (c customRouter) HandleMessage(_ context.Context, _ *btcec.PublicKey,
	msg *lnwire.Custom) error {

	c.r.customs <- msg
	return nil
}

func (c customRouter) PeerOffline(*btcec.PublicKey) {}

type testNode struct {
	key    *btcec.PrivateKey
	router *fakeRouter
	mgr    *PeerConnManager
}

func newTestNode(t *testing.T, listen bool,
	opts ...func(*Config)) *testNode {

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	router := newFakeRouter()
	cfg := &Config{
		IdentityECDH:   &keychain.PrivKeyECDH{PrivKey: key},
		ChainNet:       wire.SimNet,
		Channels:       router,
		CustomMessages: customRouter{router},
	}
	if listen {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mgr := NewPeerConnManager(cfg)
	require.NoError(t, mgr.Start())
	t.Cleanup(func() { require.NoError(t, mgr.Stop()) })

	return &testNode{key: key, router: router, mgr: mgr}
}

func (n *testNode) info() PeerInfo {
	return PeerInfo{
		PubKey: n.key.PubKey(),
		Addr:   n.mgr.ListenAddr().String(),
	}
}

func waitPeer(t *testing.T, c chan *btcec.PublicKey) *btcec.PublicKey {
	t.Helper()

	select {
	case pub := <-c:
		return pub
	case <-time.After(testTimeout):
		t.Fatal("no peer notification")
		return nil
	}
}

// TestParsePeerInfo checks the pubkey@host:port form.
func TestParsePeerInfo(t *testing.T) {
	t.Parallel()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := key.PubKey()

	valid := PeerInfo{PubKey: pub, Addr: "127.0.0.1:9045"}
	parsed, err := ParsePeerInfo(valid.String())
	require.NoError(t, err)
	require.True(t, parsed.PubKey.IsEqual(pub))
	require.Equal(t, "127.0.0.1:9045", parsed.Addr)

	invalid := []string{
		"",
		"127.0.0.1:9045",
		"zz@127.0.0.1:9045",
		"02aa@127.0.0.1:9045",
		valid.String()[:66] + "@localhost",
	}
	for _, s := range invalid {
		_, err := ParsePeerInfo(s)
		require.ErrorIs(t, err, ErrInvalidPeerInfo, s)
	}
}

// TestConnectAndRoute checks sessions come up on both sides and messages
// reach their layer.
func TestConnectAndRoute(t *testing.T) {
	t.Parallel()

	maker := newTestNode(t, true)
	taker := newTestNode(t, false)

	ctx := context.Background()
	require.NoError(t, taker.mgr.ConnectOutbound(ctx, maker.info()))

	require.True(t, waitPeer(t, maker.router.online).IsEqual(
		taker.key.PubKey(),
	))
	require.True(t, waitPeer(t, taker.router.online).IsEqual(
		maker.key.PubKey(),
	))
	require.True(t, taker.mgr.IsConnected(maker.key.PubKey()))

	// Connecting again is a no-op.
	require.NoError(t, taker.mgr.ConnectOutbound(ctx, maker.info()))

	errMsg := &lnwire.Error{
		ChanID: lnwire.ChannelID{1},
		Data:   lnwire.ErrorData("test"),
	}
	require.NoError(t, taker.mgr.SendMessage(
		ctx, maker.key.PubKey(), errMsg,
	))
	custom := &lnwire.Custom{
		Type: lnwire.CustomTypeStart + 1,
		Data: []byte{1, 2, 3},
	}
	require.NoError(t, maker.mgr.SendMessage(
		ctx, taker.key.PubKey(), custom,
	))

	select {
	case msg := <-maker.router.messages:
		require.Equal(t, errMsg.ChanID, msg.(*lnwire.Error).ChanID)
	case <-time.After(testTimeout):
		t.Fatal("message not routed")
	}

	select {
	case msg := <-taker.router.customs:
		require.Equal(t, custom.Type, msg.Type)
		require.Equal(t, custom.Data, msg.Data)
	case <-time.After(testTimeout):
		t.Fatal("custom message not routed")
	}

	require.NoError(t, taker.mgr.Disconnect(maker.key.PubKey()))
	require.True(t, waitPeer(t, maker.router.offline).IsEqual(
		taker.key.PubKey(),
	))
	waitPeer(t, taker.router.offline)

	err := taker.mgr.SendMessage(ctx, maker.key.PubKey(), errMsg)
	require.ErrorIs(t, err, ErrPeerNotConnected)
}

// TestHandshakeFailed checks a dial with the wrong identity fails.
func TestHandshakeFailed(t *testing.T) {
	t.Parallel()

	maker := newTestNode(t, true)
	taker := newTestNode(t, false)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	info := maker.info()
	info.PubKey = other.PubKey()

	err = taker.mgr.ConnectOutbound(context.Background(), info)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.False(t, taker.mgr.IsConnected(other.PubKey()))
}

// TestInboundPeerFilter checks the listener drops sessions from peers the
// node does not expect.
func TestInboundPeerFilter(t *testing.T) {
	t.Parallel()

	expected := newTestNode(t, false)
	stranger := newTestNode(t, false)

	listener := newTestNode(t, true, func(cfg *Config) {
		cfg.AcceptPeer = OnlyPeer(expected.key.PubKey())
	})

	ctx := context.Background()
	err := stranger.mgr.ConnectOutbound(ctx, listener.info())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.False(t, listener.mgr.IsConnected(stranger.key.PubKey()))

	require.NoError(t, expected.mgr.ConnectOutbound(ctx, listener.info()))
	require.True(t, waitPeer(t, listener.router.online).IsEqual(
		expected.key.PubKey(),
	))
	require.Len(t, listener.mgr.ConnectedPeers(), 1)
}

// TestSupervisorReconnect checks the supervisor connects, drops a session
// whose channel is unusable and connects again.
func TestSupervisorReconnect(t *testing.T) {
	t.Parallel()

	maker := newTestNode(t, true)
	taker := newTestNode(t, false)

	tick := ticker.NewForce(time.Hour)
	sup := NewSupervisor(taker.mgr, maker.info(), tick)
	sup.minBackoff = 200 * time.Millisecond
	require.NoError(t, sup.Start())
	t.Cleanup(func() { require.NoError(t, sup.Stop()) })

	waitPeer(t, maker.router.online)

	taker.router.setUsable(false)
	tick.Force <- time.Now()

	// The stalled session is replaced by a new one.
	waitPeer(t, maker.router.online)
	taker.router.setUsable(true)

	require.Eventually(t, func() bool {
		return taker.mgr.IsConnected(maker.key.PubKey())
	}, testTimeout, 10*time.Millisecond)

	// A lost session is re-established after the backoff, without
	// waiting for a tick.
	lost := time.Now()
	require.NoError(t, maker.mgr.Disconnect(taker.key.PubKey()))
	waitPeer(t, maker.router.online)
	require.GreaterOrEqual(t, time.Since(lost), sup.minBackoff)
}

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	backoff := DefaultMinBackoff
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		backoff = nextBackoff(backoff, DefaultMaxBackoff)
		seen = append(seen, backoff)
	}

	require.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute,
		time.Minute, time.Minute,
	}, seen)
}

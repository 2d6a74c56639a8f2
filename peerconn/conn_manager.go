// Package peerconn manages the brontide sessions with the counterparty:
// the maker listens, the taker dials and keeps the connection alive.
// Messages are routed to the channel layer or, for custom types, to the
// custom output protocol.
package peerconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/brontide"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// DefaultConnectionTimeout bounds the dial and the handshake.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultPort is the default listen port of the maker.
	DefaultPort = 9045
)

var (
	// ErrPeerNotConnected signals there is no session with the peer.
	ErrPeerNotConnected = errors.New("peer is not connected")

	// ErrHandshakeFailed is returned when a session could not be
	// established with a dialed peer.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrServerShuttingDown indicates the manager is stopping.
	ErrServerShuttingDown = errors.New("server is shutting down")
)

// ChannelRouter receives the standard messages and the connectivity of
// peers.
type ChannelRouter interface {
	HandleMessage(ctx context.Context, peer *btcec.PublicKey,
		msg lnwire.Message) error

	PeerOnline(ctx context.Context, peer *btcec.PublicKey)

	PeerOffline(peer *btcec.PublicKey)

	ChannelWithPeer(peer *btcec.PublicKey) (chanstate.ChannelDetails, bool)
}

// CustomRouter receives the custom messages.
type CustomRouter interface {
	HandleMessage(ctx context.Context, peer *btcec.PublicKey,
		msg *lnwire.Custom) error

	PeerOffline(peer *btcec.PublicKey)
}

// Config holds the dependencies of the PeerConnManager.
type Config struct {
	// IdentityECDH authenticates our side of every session.
	IdentityECDH keychain.SingleKeyECDH

	// ListenAddr is the address to accept sessions on. Empty disables
	// the listener.
	ListenAddr string

	// AcceptPeer decides whether an inbound session from the given key
	// is kept once its handshake completed. Nil accepts every peer.
	AcceptPeer func(*btcec.PublicKey) (bool, error)

	// ChainNet is the network of the node.
	ChainNet wire.BitcoinNet

	// ConnectionTimeout defaults to DefaultConnectionTimeout.
	ConnectionTimeout time.Duration

	Channels ChannelRouter

	// CustomMessages may be nil until the custom output layer is built.
	CustomMessages CustomRouter
}

// PeerConnManager owns the sessions with the counterparties.
type PeerConnManager struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	listener *brontide.Listener

	mu         sync.RWMutex
	peersByPub map[string]*peer

	quit chan struct{}
	wg   sync.WaitGroup
}

// Compile time check that the manager delivers channel messages.
var _ chanstate.PeerMessenger = (*PeerConnManager)(nil)

// NewPeerConnManager creates a connection manager.
func NewPeerConnManager(cfg *Config) *PeerConnManager {
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}

	return &PeerConnManager{
		cfg:        cfg,
		peersByPub: make(map[string]*peer),
		quit:       make(chan struct{}),
	}
}

// SetChannelRouter installs the router of channel messages. It must be
// called before Start.
func (p *PeerConnManager) SetChannelRouter(r ChannelRouter) {
	p.cfg.Channels = r
}

// SetCustomRouter installs the router of custom messages. It must be
// called before Start.
func (p *PeerConnManager) SetCustomRouter(r CustomRouter) {
	p.cfg.CustomMessages = r
}

// Start opens the listener, if configured.
func (p *PeerConnManager) Start() error {
	if p.started.Swap(true) {
		return nil
	}

	if p.cfg.ListenAddr == "" {
		return nil
	}

	listener, err := brontide.NewListener(
		p.cfg.IdentityECDH, p.cfg.ListenAddr, p.shouldAccept,
	)
	if err != nil {
		return fmt.Errorf("unable to listen on %v: %w",
			p.cfg.ListenAddr, err)
	}
	p.listener = listener

	log.Infof("Listening for peers on %v", listener.Addr())

	p.wg.Add(1)
	go p.listenLoop()

	return nil
}

// Stop closes the listener and every session.
func (p *PeerConnManager) Stop() error {
	if p.stopped.Swap(true) {
		return nil
	}

	close(p.quit)
	if p.listener != nil {
		p.listener.Close()
	}

	p.mu.Lock()
	peers := make([]*peer, 0, len(p.peersByPub))
	for _, peer := range p.peersByPub {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	for _, peer := range peers {
		peer.disconnect(ErrServerShuttingDown)
	}

	p.wg.Wait()

	return nil
}

// ListenAddr returns the address of the listener, if any.
func (p *PeerConnManager) ListenAddr() net.Addr {
	if p.listener == nil {
		return nil
	}

	return p.listener.Addr()
}

func (p *PeerConnManager) listenLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
			}

			// Failed handshakes of the remote surface here.
			log.Debugf("Unable to accept connection: %v", err)
			continue
		}

		brontideConn, ok := conn.(*brontide.Conn)
		if !ok {
			log.Errorf("Unexpected conn type %T", conn)
			conn.Close()
			continue
		}

		log.Infof("New inbound connection from %v", conn.RemoteAddr())

		p.peerConnected(brontideConn, true)
	}
}

// shouldAccept is consulted by the listener for every completed inbound
// handshake.
func (p *PeerConnManager) shouldAccept(remote *btcec.PublicKey) (bool,
	error) {

	if p.cfg.AcceptPeer == nil {
		return true, nil
	}

	accept, err := p.cfg.AcceptPeer(remote)
	if err != nil {
		return false, err
	}
	if !accept {
		log.Infof("Rejecting inbound connection from %x",
			remote.SerializeCompressed())
	}

	return accept, nil
}

// OnlyPeer returns an AcceptPeer predicate that admits pub alone.
func OnlyPeer(pub *btcec.PublicKey) func(*btcec.PublicKey) (bool, error) {
	return func(remote *btcec.PublicKey) (bool, error) {
		return remote.IsEqual(pub), nil
	}
}

// shouldDropLocalConnection decides which of two simultaneous sessions
// survives: the one opened by the node with the smaller key.
func shouldDropLocalConnection(local, remote *btcec.PublicKey) bool {
	return bytes.Compare(
		local.SerializeCompressed(), remote.SerializeCompressed(),
	) > 0
}

// peerConnected registers a new session and starts its handlers. It
// returns nil if the session was dropped in favor of an existing one.
func (p *PeerConnManager) peerConnected(conn *brontide.Conn,
	inbound bool) *peer {

	newPeer := newPeer(conn, inbound)
	pubStr := string(newPeer.pubKey.SerializeCompressed())

	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		conn.Close()

		return nil
	}

	if existing, ok := p.peersByPub[pubStr]; ok {
		// Keep the existing session unless it was opened by the side
		// that loses the tie.
		localPub := p.cfg.IdentityECDH.PubKey()
		keepExisting := existing.inbound != inbound &&
			(inbound != shouldDropLocalConnection(
				localPub, newPeer.pubKey,
			))
		if keepExisting {
			p.mu.Unlock()

			log.Debugf("Already connected to %v, dropping new "+
				"connection", existing)
			conn.Close()

			return nil
		}

		delete(p.peersByPub, pubStr)
		p.mu.Unlock()

		existing.disconnect(errors.New("replaced by new connection"))
		existing.wg.Wait()

		p.mu.Lock()
	}
	p.peersByPub[pubStr] = newPeer
	p.mu.Unlock()

	newPeer.wg.Add(2)
	go newPeer.writeHandler()
	go newPeer.readHandler(p.routeMessage)

	p.wg.Add(1)
	go p.peerLifecycle(newPeer)

	return newPeer
}

// peerLifecycle sends our Init, reports the peer online once the remote
// Init arrived and offline when the session ends.
func (p *PeerConnManager) peerLifecycle(peer *peer) {
	defer p.wg.Done()

	initMsg := lnwire.NewInitMessage(
		lnwire.NewRawFeatureVector(), lnwire.NewRawFeatureVector(),
	)
	if err := peer.queueMessage(peer.ctx, initMsg); err != nil {
		peer.disconnect(err)
	}

	initTimeout := time.NewTimer(p.cfg.ConnectionTimeout)
	defer initTimeout.Stop()

	online := false
	select {
	case <-peer.active:
		online = true
		log.Infof("Peer %v is online", peer)
		p.cfg.Channels.PeerOnline(peer.ctx, peer.pubKey)

	case <-initTimeout.C:
		peer.disconnect(errors.New("no init message received"))

	case <-peer.quit:
	}

	<-peer.quit
	peer.wg.Wait()

	pubStr := string(peer.pubKey.SerializeCompressed())
	p.mu.Lock()
	current, ok := p.peersByPub[pubStr]
	replaced := ok && current != peer
	if current == peer {
		delete(p.peersByPub, pubStr)
	}
	p.mu.Unlock()

	// A replacing session reports the peer itself.
	if !online || replaced {
		return
	}

	log.Infof("Peer %v is offline", peer)

	p.cfg.Channels.PeerOffline(peer.pubKey)
	if p.cfg.CustomMessages != nil {
		p.cfg.CustomMessages.PeerOffline(peer.pubKey)
	}
}

// routeMessage hands an incoming message to its layer. Custom message
// types go to the custom output protocol.
func (p *PeerConnManager) routeMessage(peer *peer, msg lnwire.Message) {
	var err error
	switch msg := msg.(type) {
	case *lnwire.Custom:
		if p.cfg.CustomMessages == nil {
			log.Warnf("Dropping custom message %v from %v",
				msg.Type, peer)
			return
		}
		err = p.cfg.CustomMessages.HandleMessage(
			peer.ctx, peer.pubKey, msg,
		)

	default:
		err = p.cfg.Channels.HandleMessage(peer.ctx, peer.pubKey, msg)
	}

	if err != nil {
		log.Errorf("Unable to handle %v from %v: %v", msg.MsgType(),
			peer, err)
	}
}

// findPeer returns the session with pub.
func (p *PeerConnManager) findPeer(pub *btcec.PublicKey) (*peer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peer, ok := p.peersByPub[string(pub.SerializeCompressed())]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrPeerNotConnected,
			pub.SerializeCompressed())
	}

	return peer, nil
}

// IsConnected reports whether an established session with pub exists.
func (p *PeerConnManager) IsConnected(pub *btcec.PublicKey) bool {
	peer, err := p.findPeer(pub)
	if err != nil {
		return false
	}

	select {
	case <-peer.quit:
		return false
	default:
	}

	select {
	case <-peer.active:
		return true
	default:
		return false
	}
}

// ConnectedPeers returns the keys of all established sessions.
func (p *PeerConnManager) ConnectedPeers() []*btcec.PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peers := make([]*btcec.PublicKey, 0, len(p.peersByPub))
	for _, peer := range p.peersByPub {
		peers = append(peers, peer.pubKey)
	}

	return peers
}

// SendMessage queues msg for peer. It returns once the message is queued.
func (p *PeerConnManager) SendMessage(ctx context.Context,
	pub *btcec.PublicKey, msg lnwire.Message) error {

	peer, err := p.findPeer(pub)
	if err != nil {
		return err
	}

	return peer.queueMessage(ctx, msg)
}

// ConnectOutbound dials info and waits until the session is established.
// A dial or handshake that ends before the peer sent its Init is a failed
// handshake.
func (p *PeerConnManager) ConnectOutbound(ctx context.Context,
	info PeerInfo) error {

	if p.IsConnected(info.PubKey) {
		return nil
	}

	addr, err := info.netAddress(p.cfg.ChainNet)
	if err != nil {
		return fmt.Errorf("unable to resolve %v: %w", info.Addr, err)
	}

	log.Debugf("Connecting to %v", info)

	conn, err := brontide.Dial(
		p.cfg.IdentityECDH, addr, p.cfg.ConnectionTimeout,
		func(network, address string,
			timeout time.Duration) (net.Conn, error) {

			return net.DialTimeout(network, address, timeout)
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	peer := p.peerConnected(conn, false)
	if peer == nil {
		// An inbound session won the tie.
		if p.IsConnected(info.PubKey) {
			return nil
		}

		return fmt.Errorf("%w: session dropped", ErrHandshakeFailed)
	}

	timeout := time.NewTimer(p.cfg.ConnectionTimeout)
	defer timeout.Stop()

	select {
	case <-peer.active:
		return nil

	case <-peer.quit:
		return fmt.Errorf("%w: %v", ErrHandshakeFailed,
			peer.disconnectErr)

	case <-timeout.C:
		peer.disconnect(errors.New("init timeout"))
		return fmt.Errorf("%w: no init from peer", ErrHandshakeFailed)

	case <-ctx.Done():
		return ctx.Err()

	case <-p.quit:
		return ErrServerShuttingDown
	}
}

// Disconnect ends the session with pub.
func (p *PeerConnManager) Disconnect(pub *btcec.PublicKey) error {
	peer, err := p.findPeer(pub)
	if err != nil {
		return err
	}

	peer.disconnect(errors.New("disconnect requested"))

	return nil
}

// disconnected returns a channel closed when the session with pub ends.
// It is closed already if there is none.
func (p *PeerConnManager) disconnected(pub *btcec.PublicKey) <-chan struct{} {
	peer, err := p.findPeer(pub)
	if err != nil {
		closed := make(chan struct{})
		close(closed)

		return closed
	}

	return peer.quit
}

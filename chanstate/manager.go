package chanstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrChannelNotFound is returned when no channel matches an id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrManagerShuttingDown is returned when an operation is aborted by
	// shutdown.
	ErrManagerShuttingDown = errors.New("channel manager shutting down")
)

// peerKey is the map key of a peer.
type peerKey [btcec.PubKeyBytesLenCompressed]byte

func newPeerKey(pub *btcec.PublicKey) peerKey {
	var k peerKey
	copy(k[:], pub.SerializeCompressed())

	return k
}

// Config holds the dependencies of the Manager.
type Config struct {
	// NodeKey is the identity key of the node. It signs invoices.
	NodeKey *btcec.PrivateKey

	// KeyRing derives the per-channel keys.
	KeyRing KeyRing

	// ChainParams are the parameters of the active network.
	ChainParams *chaincfg.Params

	// Messenger delivers messages to peers.
	Messenger PeerMessenger

	// ChainSource is the chain backend.
	ChainSource ChainSource

	// Events receives the events of the channel layer.
	Events EventSink

	// Checkpoints persists channel state.
	Checkpoints *CheckpointStore

	// PreimageLookup resolves the preimages of our invoices.
	PreimageLookup PreimageLookup

	// DeliveryScript returns a wallet script for the proceeds of a
	// cooperative close.
	DeliveryScript func(ctx context.Context) ([]byte, error)

	// FeePerKw is the fee rate of new commitments.
	FeePerKw chainfee.SatPerKWeight

	// Clock is the time source.
	Clock clock.Clock
}

// queuedRound is a set of local updates waiting for the channel to become
// idle.
type queuedRound struct {
	updates []Update
	done    chan error
}

// Manager owns all channels and drives their state machines. Every
// exported method is safe for concurrent use. Events are published after
// the manager lock is released.
type Manager struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	mu sync.Mutex

	channels map[lnwire.ChannelID]*Channel
	pending  map[[32]byte]*Channel
	online   map[peerKey]bool
	queued   map[lnwire.ChannelID][]*queuedRound

	// remoteUpdates are the remote's updates not yet covered by its
	// commitment signature.
	remoteUpdates map[lnwire.ChannelID][]Update

	bestHeight uint32
	bestHash   chainhash.Hash

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a channel manager.
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg:           cfg,
		channels:      make(map[lnwire.ChannelID]*Channel),
		pending:       make(map[[32]byte]*Channel),
		online:        make(map[peerKey]bool),
		queued:        make(map[lnwire.ChannelID][]*queuedRound),
		remoteUpdates: make(map[lnwire.ChannelID][]Update),
		quit:          make(chan struct{}),
	}
}

// Start loads the channel checkpoints. A corrupt checkpoint is fatal.
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Channel manager starting")

	channels, err := m.cfg.Checkpoints.LoadChannels(m.cfg.KeyRing)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range channels {
		m.channels[c.ChanID] = c
		log.Infof("Loaded channel %v with %x: state=%v height=%d",
			c.ChanID, c.Peer.SerializeCompressed(), c.State,
			c.localCommit.state.height)
	}

	return nil
}

// Stop fails every waiter and stops the manager.
func (m *Manager) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Channel manager shutting down...")
	defer log.Debug("Channel manager shutdown complete")

	close(m.quit)

	m.mu.Lock()
	for _, c := range m.channels {
		c.failRound(ErrManagerShuttingDown)
	}
	for id, rounds := range m.queued {
		for _, q := range rounds {
			q.done <- ErrManagerShuttingDown
		}
		delete(m.queued, id)
	}
	m.mu.Unlock()

	m.wg.Wait()

	return nil
}

// NodeKey returns the identity public key of the node.
func (m *Manager) NodeKey() *btcec.PublicKey {
	return m.cfg.NodeKey.PubKey()
}

// publish hands events to the sink in order.
func (m *Manager) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := m.cfg.Events.Publish(ctx, ev); err != nil {
			log.Errorf("Unable to publish %v event: %v",
				ev.EventName(), err)
		}
	}
}

// send delivers msg to peer. Failures are logged, the message is resent
// when the peer reconnects if it belongs to a round in flight.
func (m *Manager) send(ctx context.Context, peer *btcec.PublicKey,
	msg lnwire.Message) {

	if err := m.cfg.Messenger.SendMessage(ctx, peer, msg); err != nil {
		log.Warnf("Unable to send %v to %x: %v", msg.MsgType(),
			peer.SerializeCompressed(), err)
	}
}

// checkpoint persists c. Must hold m.mu.
func (m *Manager) checkpoint(c *Channel) error {
	if c.State == StatePending {
		return nil
	}

	if err := m.cfg.Checkpoints.PutChannel(c); err != nil {
		return fmt.Errorf("%w %v: %v", ErrCheckpointFailed, c.ChanID,
			err)
	}

	return nil
}

// logCheckpoint persists c where no revocation depends on the write. A
// failure is logged, the in-memory state stays authoritative until the next
// successful write. Must hold m.mu.
func (m *Manager) logCheckpoint(c *Channel) {
	if err := m.checkpoint(c); err != nil {
		log.Errorf("Channel %v: %v", c.ChanID, err)
	}
}

// commitRevocation persists c after its local commitment advanced past
// prev. If the write fails the commitment is rolled back to prev, the
// revocation of prev must then never reach the peer. Must hold m.mu.
func (m *Manager) commitRevocation(c *Channel, prev *signedCommitment) error {
	if err := m.checkpoint(c); err != nil {
		c.localCommit = prev
		return err
	}

	return nil
}

// abortRound gives up on the round in flight after a local failure and
// tells the peer. Must hold m.mu.
func (m *Manager) abortRound(ctx context.Context, c *Channel,
	cause error) error {

	log.Errorf("Channel %v: aborting update round: %v", c.ChanID, cause)

	c.failRound(cause)
	m.sendError(ctx, c.Peer, c.ChanID, "update round aborted")

	return cause
}

// isOnline reports whether the peer is connected. Must hold m.mu.
func (m *Manager) isOnline(peer *btcec.PublicKey) bool {
	return m.online[newPeerKey(peer)]
}

// usable reports whether c can carry updates. Must hold m.mu.
func (m *Manager) usable(c *Channel) bool {
	return c.IsUsable() && m.isOnline(c.Peer)
}

// channel returns the channel with the given id. Must hold m.mu.
func (m *Manager) channel(id lnwire.ChannelID) (*Channel, error) {
	c, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrChannelNotFound, id)
	}

	return c, nil
}

// ListChannels returns a snapshot of all channels, including pending ones.
func (m *Manager) ListChannels() []ChannelDetails {
	m.mu.Lock()
	defer m.mu.Unlock()

	details := make([]ChannelDetails, 0, len(m.channels)+len(m.pending))
	for _, c := range m.pending {
		details = append(details, c.details())
	}
	for _, c := range m.channels {
		d := c.details()
		d.IsUsable = m.usable(c)
		details = append(details, d)
	}

	return details
}

// ChannelWithPeer returns the first open channel with peer.
func (m *Manager) ChannelWithPeer(peer *btcec.PublicKey) (ChannelDetails,
	bool) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.channels {
		if c.State != StateOpen || !c.Peer.IsEqual(peer) {
			continue
		}

		d := c.details()
		d.IsUsable = m.usable(c)

		return d, true
	}

	return ChannelDetails{}, false
}

// ChannelByShortID returns the channel with the given short channel id.
func (m *Manager) ChannelByShortID(scid lnwire.ShortChannelID) (
	ChannelDetails, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.channels {
		match := false
		c.ShortChanID.WhenSome(func(s lnwire.ShortChannelID) {
			match = s == scid
		})
		if !match {
			continue
		}

		d := c.details()
		d.IsUsable = m.usable(c)

		return d, nil
	}

	return ChannelDetails{}, fmt.Errorf("%w: scid %v", ErrChannelNotFound,
		scid)
}

// PeerOnline marks peer as connected and resends the messages of rounds in
// flight with it.
func (m *Manager) PeerOnline(ctx context.Context, peer *btcec.PublicKey) {
	m.mu.Lock()
	m.online[newPeerKey(peer)] = true

	var resend []lnwire.Message
	for _, c := range m.channels {
		if !c.Peer.IsEqual(peer) {
			continue
		}

		// Our ChannelReady may have been lost with the transport.
		if c.State == StateOpen && c.localReady && !c.remoteReady {
			if msg, err := m.channelReadyMsg(c); err == nil {
				resend = append(resend, msg)
			}
		}

		if c.round != nil {
			resend = append(resend, c.round.lastSent...)
		}
	}
	m.mu.Unlock()

	for _, msg := range resend {
		m.send(ctx, peer, msg)
	}

	m.mu.Lock()
	m.runAllQueued(ctx, peer)
	m.mu.Unlock()
}

// PeerOffline marks peer as disconnected. Negotiations that did not get
// past the proposal are dropped.
func (m *Manager) PeerOffline(peer *btcec.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.online, newPeerKey(peer))

	for id, c := range m.pending {
		if c.Peer.IsEqual(peer) {
			log.Infof("Dropping pending channel %x with offline "+
				"peer", id[:])
			delete(m.pending, id)
		}
	}
}

// IsPeerOnline reports whether peer is connected.
func (m *Manager) IsPeerOnline(peer *btcec.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isOnline(peer)
}

// HandleMessage processes a standard channel message from peer.
func (m *Manager) HandleMessage(ctx context.Context, peer *btcec.PublicKey,
	msg lnwire.Message) error {

	var (
		events []Event
		err    error
	)

	m.mu.Lock()
	switch msg := msg.(type) {
	case *lnwire.OpenChannel:
		events, err = m.handleOpenChannel(peer, msg)

	case *lnwire.AcceptChannel:
		events, err = m.handleAcceptChannel(peer, msg)

	case *lnwire.FundingCreated:
		events, err = m.handleFundingCreated(ctx, peer, msg)

	case *lnwire.FundingSigned:
		events, err = m.handleFundingSigned(ctx, peer, msg)

	case *lnwire.ChannelReady:
		events, err = m.handleChannelReady(ctx, peer, msg)

	case *lnwire.UpdateAddHTLC:
		err = m.handleRemoteUpdate(ctx, peer, msg.ChanID, Update{
			Kind: UpdateAddHTLC,
			HTLC: HTLC{
				ID:          msg.ID,
				Amount:      msg.Amount,
				PaymentHash: msg.PaymentHash,
				Expiry:      msg.Expiry,
			},
		})

	case *lnwire.UpdateFulfillHTLC:
		err = m.handleRemoteUpdate(ctx, peer, msg.ChanID, Update{
			Kind:     UpdateSettleHTLC,
			HtlcID:   msg.ID,
			Preimage: msg.PaymentPreimage,
		})

	case *lnwire.UpdateFailHTLC:
		err = m.handleRemoteUpdate(ctx, peer, msg.ChanID, Update{
			Kind:   UpdateFailHTLC,
			HtlcID: msg.ID,
		})

	case *lnwire.CommitSig:
		events, err = m.handleCommitSig(ctx, peer, msg)

	case *lnwire.RevokeAndAck:
		events, err = m.handleRevokeAndAck(ctx, peer, msg)

	case *lnwire.Shutdown:
		events, err = m.handleShutdown(ctx, peer, msg)

	case *lnwire.ClosingSigned:
		events, err = m.handleClosingSigned(ctx, peer, msg)

	case *lnwire.Error:
		m.handleError(peer, msg)

	case *lnwire.Warning:
		log.Warnf("Peer %x sent warning: %s",
			peer.SerializeCompressed(), msg.Data)

	default:
		log.Debugf("Ignoring %v from %x", msg.MsgType(),
			peer.SerializeCompressed())
	}
	m.mu.Unlock()

	m.publish(ctx, events)

	return err
}

// handleError drops a pending channel the peer gave up on.
func (m *Manager) handleError(peer *btcec.PublicKey, msg *lnwire.Error) {
	log.Errorf("Peer %x sent error for channel %v: %v",
		peer.SerializeCompressed(), msg.ChanID, msg.Error())

	delete(m.pending, msg.ChanID)

	// Our signature is out but nothing was revoked yet, the round can
	// still be dropped on both sides.
	c, ok := m.channels[msg.ChanID]
	if !ok || !c.Peer.IsEqual(peer) || c.round == nil {
		return
	}
	if c.round.localInitiated && c.round.stage == stageSigSent {
		c.failRound(fmt.Errorf("%w: %v", ErrRoundAborted, msg.Error()))
	}
}

// sendError tells peer that we gave up on a channel.
func (m *Manager) sendError(ctx context.Context, peer *btcec.PublicKey,
	chanID lnwire.ChannelID, reason string) {

	m.send(ctx, peer, &lnwire.Error{
		ChanID: chanID,
		Data:   lnwire.ErrorData(reason),
	})
}

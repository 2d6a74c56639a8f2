// Package customoutput runs the protocol that adds custom outputs to, and
// removes them from, the commitment transactions of a channel.
//
// The proposer sends ProposeCustomOutput and waits for AckCustomOutput. It
// then starts a commitment round carrying the update. The receiver holds its
// answer back until the application released it with
// ManualSendCommitmentSigned, which sends CustomOutputCommitSig. The
// proposer's final revocation completes the round.
package customoutput

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cfdlabs/cfdnode/cfdwire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// DefaultAckTimeout is how long a proposer waits for the ack.
	DefaultAckTimeout = 30 * time.Second

	// DefaultCommitTimeout is how long the signature exchange may take
	// once the proposal was acked.
	DefaultCommitTimeout = 60 * time.Second
)

var (
	// ErrProposalPending is returned when a channel already has an
	// outstanding proposal.
	ErrProposalPending = errors.New("custom output proposal pending")

	// ErrAckTimeout is returned when the peer did not answer a proposal
	// in time.
	ErrAckTimeout = errors.New("timeout waiting for custom output ack")

	// ErrCommitTimeout is returned when the signature exchange did not
	// complete in time. The channel is force closed.
	ErrCommitTimeout = errors.New("timeout committing custom output")

	// ErrWrongPeer is returned when the channel is not with the given
	// counterparty.
	ErrWrongPeer = errors.New("channel is not with counterparty")

	// ErrPeerOffline is returned when the peer disconnects during a
	// proposal.
	ErrPeerOffline = errors.New("peer went offline")

	// ErrInvalidAmount is returned for a custom output locking nothing.
	ErrInvalidAmount = errors.New("custom output amount must be positive")

	// ErrShuttingDown is returned when the controller stops.
	ErrShuttingDown = errors.New("custom output controller shutting down")
)

// ChannelManager is the part of the channel layer the controller drives.
type ChannelManager interface {
	ListChannels() []chanstate.ChannelDetails

	ChannelByShortID(scid lnwire.ShortChannelID) (chanstate.ChannelDetails,
		error)

	CommitCustomOutput(ctx context.Context, chanID lnwire.ChannelID,
		u chanstate.Update) error

	ReceiveCustomOutputUpdate(chanID lnwire.ChannelID,
		peer *btcec.PublicKey, u chanstate.Update) error

	AbandonCustomOutputUpdate(ctx context.Context,
		chanID lnwire.ChannelID)

	ValidateRevocation(chanID lnwire.ChannelID,
		rev *lnwire.RevokeAndAck) error

	ReleaseCustomOutputCommitSig(ctx context.Context,
		chanID lnwire.ChannelID, rev *lnwire.RevokeAndAck,
		msg lnwire.Message) error

	ReceiveCustomOutputCommitSig(ctx context.Context,
		peer *btcec.PublicKey, sig *lnwire.CommitSig,
		rev *lnwire.RevokeAndAck) error

	CloseChannel(ctx context.Context, chanID lnwire.ChannelID,
		force bool) error
}

// ProposalPolicy vets the peer's proposals before they are acked. The
// returned error is sent to the peer as the reject reason.
type ProposalPolicy interface {
	// CheckAdd vets a custom output the peer wants to add.
	CheckAdd(ctx context.Context, peer *btcec.PublicKey,
		out chanstate.CustomOutput) error

	// CheckRemove vets the payouts the peer wants to remove out with.
	CheckRemove(ctx context.Context, peer *btcec.PublicKey,
		out chanstate.CustomOutput,
		payoutTaker, payoutMaker lnwire.MilliSatoshi) error
}

// Config holds the dependencies of the Controller.
type Config struct {
	// NodeKey is our identity, sent along with commitment signatures.
	NodeKey *btcec.PublicKey

	Channels  ChannelManager
	Messenger chanstate.PeerMessenger
	Events    chanstate.EventSink

	// AckTimeout bounds the wait for the peer's ack.
	AckTimeout time.Duration

	// CommitTimeout bounds the signature exchange after the ack.
	CommitTimeout time.Duration

	// Policy vets the peer's proposals. Nil accepts every proposal the
	// channel can carry.
	Policy ProposalPolicy

	Clock clock.Clock
}

// proposal is a local proposal waiting for its ack.
type proposal struct {
	peer *btcec.PublicKey
	msg  *cfdwire.ProposeCustomOutput
	ack  chan error
}

// remoteProposal is a proposal of the peer we acked.
type remoteProposal struct {
	peer *btcec.PublicKey
	msg  *cfdwire.ProposeCustomOutput
}

// Controller runs the custom output protocol for all channels.
type Controller struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	mu sync.Mutex

	// local holds our outstanding proposal per channel.
	local map[lnwire.ChannelID]*proposal

	// remote holds the acked proposal of the peer per channel, until it
	// is committed or abandoned.
	remote map[lnwire.ChannelID]*remoteProposal

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewController creates a custom output controller.
func NewController(cfg *Config) *Controller {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.CommitTimeout == 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}

	return &Controller{
		cfg:    cfg,
		local:  make(map[lnwire.ChannelID]*proposal),
		remote: make(map[lnwire.ChannelID]*remoteProposal),
		quit:   make(chan struct{}),
	}
}

// SetPolicy installs the policy vetting the peer's proposals. It must be
// called before the first message is handled.
func (c *Controller) SetPolicy(p ProposalPolicy) {
	c.cfg.Policy = p
}

// Start starts the controller.
func (c *Controller) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Custom output controller starting")

	return nil
}

// Stop fails outstanding proposals and waits for background work.
func (c *Controller) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Custom output controller shutting down...")
	defer log.Debug("Custom output controller shutdown complete")

	close(c.quit)

	c.mu.Lock()
	for _, p := range c.local {
		select {
		case p.ack <- ErrShuttingDown:
		default:
		}
	}
	c.mu.Unlock()

	c.wg.Wait()

	return nil
}

// newOutputID returns a random id not used by any output of the channel.
func newOutputID(existing []chanstate.CustomOutput) (chanstate.CustomOutputID,
	error) {

	for {
		var id chanstate.CustomOutputID
		if _, err := rand.Read(id[:]); err != nil {
			return id, err
		}

		taken := false
		for _, out := range existing {
			if out.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id, nil
		}
	}
}

// AddCustomOutput embeds a new custom output in the channel with the given
// short channel id. We are the taker of the output. It returns once both
// parties irrevocably committed to it.
func (c *Controller) AddCustomOutput(ctx context.Context,
	scid lnwire.ShortChannelID, counterparty *btcec.PublicKey,
	takerAmt, makerAmt lnwire.MilliSatoshi, expiry uint32,
	script []byte) (chanstate.CustomOutputID, error) {

	var id chanstate.CustomOutputID

	if takerAmt+makerAmt == 0 {
		return id, ErrInvalidAmount
	}

	ch, err := c.cfg.Channels.ChannelByShortID(scid)
	if err != nil {
		return id, err
	}
	if !ch.Peer.IsEqual(counterparty) {
		return id, fmt.Errorf("%w: %v", ErrWrongPeer, ch.ChanID)
	}
	if !ch.IsUsable {
		return id, fmt.Errorf("%w: %v", chanstate.ErrChannelNotUsable,
			ch.ChanID)
	}

	id, err = newOutputID(ch.CustomOutputs)
	if err != nil {
		return id, err
	}

	out := chanstate.CustomOutput{
		ID:           id,
		TakerAmount:  takerAmt,
		MakerAmount:  makerAmt,
		Expiry:       expiry,
		Script:       script,
		LocalIsTaker: true,
	}

	log.Infof("Adding custom output %x to %v: taker=%v maker=%v "+
		"expiry=%d", id[:4], ch.ChanID, takerAmt, makerAmt, expiry)

	err = c.run(ctx, ch, &cfdwire.ProposeCustomOutput{
		ChanID:      ch.ChanID,
		OutputID:    id,
		Action:      cfdwire.ActionAdd,
		TakerAmount: takerAmt,
		MakerAmount: makerAmt,
		Expiry:      expiry,
		Script:      script,
	}, chanstate.Update{
		Kind:         chanstate.UpdateAddCustomOutput,
		CustomOutput: out,
	})

	return id, err
}

// RemoveCustomOutput removes a custom output paying the taker payoutTaker
// and the maker the rest.
func (c *Controller) RemoveCustomOutput(ctx context.Context,
	id chanstate.CustomOutputID, payoutTaker lnwire.MilliSatoshi) error {

	ch, out, err := c.findOutput(id)
	if err != nil {
		return err
	}
	if payoutTaker > out.Total() {
		return fmt.Errorf("%w: taker payout %v exceeds %v",
			chanstate.ErrPayoutMismatch, payoutTaker, out.Total())
	}

	return c.remove(ctx, ch, out, payoutTaker, out.Total()-payoutTaker)
}

// RemoveCustomOutputExplicit removes a custom output with both payouts
// given. They must add up to the amount the output locks.
func (c *Controller) RemoveCustomOutputExplicit(ctx context.Context,
	id chanstate.CustomOutputID,
	payoutTaker, payoutMaker lnwire.MilliSatoshi) error {

	ch, out, err := c.findOutput(id)
	if err != nil {
		return err
	}
	if payoutTaker+payoutMaker != out.Total() {
		return fmt.Errorf("%w: %v + %v != %v",
			chanstate.ErrPayoutMismatch, payoutTaker, payoutMaker,
			out.Total())
	}

	return c.remove(ctx, ch, out, payoutTaker, payoutMaker)
}

func (c *Controller) remove(ctx context.Context, ch chanstate.ChannelDetails,
	out chanstate.CustomOutput,
	payoutTaker, payoutMaker lnwire.MilliSatoshi) error {

	log.Infof("Removing custom output %x from %v: taker=%v maker=%v",
		out.ID[:4], ch.ChanID, payoutTaker, payoutMaker)

	return c.run(ctx, ch, &cfdwire.ProposeCustomOutput{
		ChanID:      ch.ChanID,
		OutputID:    out.ID,
		Action:      cfdwire.ActionRemove,
		TakerAmount: payoutTaker,
		MakerAmount: payoutMaker,
		Expiry:      out.Expiry,
		Script:      out.Script,
	}, chanstate.Update{
		Kind:         chanstate.UpdateRemoveCustomOutput,
		CustomOutput: out,
		TakerPayout:  payoutTaker,
		MakerPayout:  payoutMaker,
	})
}

// findOutput returns the channel holding the custom output id.
func (c *Controller) findOutput(id chanstate.CustomOutputID) (
	chanstate.ChannelDetails, chanstate.CustomOutput, error) {

	for _, ch := range c.cfg.Channels.ListChannels() {
		for _, out := range ch.CustomOutputs {
			if out.ID == id {
				return ch, out, nil
			}
		}
	}

	return chanstate.ChannelDetails{}, chanstate.CustomOutput{},
		fmt.Errorf("%w: %x", chanstate.ErrUnknownCustomOutput, id[:])
}

// run proposes msg, waits for the ack and commits u.
func (c *Controller) run(ctx context.Context, ch chanstate.ChannelDetails,
	msg *cfdwire.ProposeCustomOutput, u chanstate.Update) error {

	p := &proposal{
		peer: ch.Peer,
		msg:  msg,
		ack:  make(chan error, 1),
	}

	c.mu.Lock()
	if _, ok := c.local[ch.ChanID]; ok {
		c.mu.Unlock()
		return ErrProposalPending
	}
	if _, ok := c.remote[ch.ChanID]; ok {
		c.mu.Unlock()
		return ErrProposalPending
	}
	c.local[ch.ChanID] = p
	c.mu.Unlock()

	// The proposal stays registered until the round is over so that no
	// second proposal can start on the channel.
	defer func() {
		c.mu.Lock()
		if c.local[ch.ChanID] == p {
			delete(c.local, ch.ChanID)
		}
		c.mu.Unlock()
	}()

	if err := c.send(ctx, ch.Peer, msg); err != nil {
		return err
	}

	select {
	case err := <-p.ack:
		if err != nil {
			log.Infof("Custom output %x on %v abandoned: %v",
				msg.OutputID[:4], ch.ChanID, err)
			return err
		}

	case <-c.cfg.Clock.TickAfter(c.cfg.AckTimeout):
		log.Warnf("Custom output %x on %v: no ack after %v",
			msg.OutputID[:4], ch.ChanID, c.cfg.AckTimeout)
		return ErrAckTimeout

	case <-ctx.Done():
		return ctx.Err()

	case <-c.quit:
		return ErrShuttingDown
	}

	return c.commit(ctx, ch.ChanID, u)
}

// commit runs the commitment round of an acked proposal. A round that does
// not complete in time is settled on chain.
func (c *Controller) commit(ctx context.Context, chanID lnwire.ChannelID,
	u chanstate.Update) error {

	commitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.cfg.Channels.CommitCustomOutput(commitCtx, chanID, u)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Errorf("Committing custom output %x on %v failed: "+
				"%v", u.CustomOutput.ID[:4], chanID, err)
		}

		return err

	case <-c.cfg.Clock.TickAfter(c.cfg.CommitTimeout):

	case <-c.quit:
		return ErrShuttingDown
	}

	log.Errorf("Custom output %x on %v not committed after %v, force "+
		"closing", u.CustomOutput.ID[:4], chanID, c.cfg.CommitTimeout)

	if err := c.cfg.Channels.CloseChannel(ctx, chanID, true); err != nil {
		log.Errorf("Unable to force close %v: %v", chanID, err)
	}

	return ErrCommitTimeout
}

// send delivers a protocol message to peer.
func (c *Controller) send(ctx context.Context, peer *btcec.PublicKey,
	msg cfdwire.Message) error {

	custom, err := cfdwire.ToCustom(msg)
	if err != nil {
		return err
	}

	log.Tracef("Sending %T to %x", msg, peer.SerializeCompressed())

	return c.cfg.Messenger.SendMessage(ctx, peer, custom)
}

// HandleMessage processes a custom output protocol message from peer.
func (c *Controller) HandleMessage(ctx context.Context,
	peer *btcec.PublicKey, custom *lnwire.Custom) error {

	msg, err := cfdwire.FromCustom(custom)
	if err != nil {
		return err
	}

	switch msg := msg.(type) {
	case *cfdwire.ProposeCustomOutput:
		return c.handleProposal(ctx, peer, msg)

	case *cfdwire.AckCustomOutput:
		c.answer(peer, msg.ChanID, msg.OutputID, nil)
		return nil

	case *cfdwire.RejectCustomOutput:
		c.answer(peer, msg.ChanID, msg.OutputID, msg.Error())
		return nil

	case *cfdwire.CustomOutputCommitSig:
		if !msg.SenderKey.IsEqual(peer) {
			return fmt.Errorf("%w: commit sig from %x signed by "+
				"%x", ErrWrongPeer, peer.SerializeCompressed(),
				msg.SenderKey.SerializeCompressed())
		}

		return c.cfg.Channels.ReceiveCustomOutputCommitSig(
			ctx, peer, msg.CommitSig, msg.RevokeAndAck,
		)

	default:
		return fmt.Errorf("unexpected custom output message %T", msg)
	}
}

// answer delivers the peer's answer to our proposal.
func (c *Controller) answer(peer *btcec.PublicKey, chanID lnwire.ChannelID,
	id [32]byte, result error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.local[chanID]
	if !ok || p.msg.OutputID != id || !p.peer.IsEqual(peer) {
		log.Debugf("Ignoring answer for unknown proposal %x on %v",
			id[:4], chanID)
		return
	}

	select {
	case p.ack <- result:
	default:
	}
}

// handleProposal processes a proposal of the peer. Adds are handed to the
// application as RemoteAddCustomOutput events, removes are acked right away.
func (c *Controller) handleProposal(ctx context.Context,
	peer *btcec.PublicKey, msg *cfdwire.ProposeCustomOutput) error {

	c.mu.Lock()
	_, busy := c.local[msg.ChanID]
	c.mu.Unlock()

	// Both sides proposed at once, the proposal of the channel's
	// initiator wins. Ours is the one of the initiator if the peer did
	// not open the channel.
	if busy && c.weOpened(msg.ChanID) {
		return c.reject(ctx, peer, msg, ErrProposalPending)
	}

	switch msg.Action {
	case cfdwire.ActionAdd:
		log.Infof("Peer %x proposes custom output %x on %v",
			peer.SerializeCompressed(), msg.OutputID[:4],
			msg.ChanID)

		return c.cfg.Events.Publish(ctx, &RemoteAddCustomOutput{
			Peer:     peer,
			Proposal: msg,
		})

	case cfdwire.ActionRemove:
		return c.accept(ctx, peer, msg)

	default:
		return c.reject(ctx, peer, msg,
			fmt.Errorf("unknown action %v", msg.Action))
	}
}

// weOpened reports whether we are the initiator of the channel.
func (c *Controller) weOpened(chanID lnwire.ChannelID) bool {
	for _, ch := range c.cfg.Channels.ListChannels() {
		if ch.ChanID == chanID {
			return ch.IsInitiator
		}
	}

	return false
}

// ContinueRemoteAdd accepts an add proposed by the peer, which will be the
// taker of the output.
func (c *Controller) ContinueRemoteAdd(ctx context.Context,
	peer *btcec.PublicKey, msg *cfdwire.ProposeCustomOutput) error {

	if msg.Action != cfdwire.ActionAdd {
		return fmt.Errorf("proposal %x is a %v", msg.OutputID[:4],
			msg.Action)
	}

	return c.accept(ctx, peer, msg)
}

// accept registers the peer's proposal with the channel layer and acks it.
func (c *Controller) accept(ctx context.Context, peer *btcec.PublicKey,
	msg *cfdwire.ProposeCustomOutput) error {

	u, err := c.remoteUpdate(msg)
	if err != nil {
		return c.reject(ctx, peer, msg, err)
	}
	if err := c.checkPolicy(ctx, peer, u); err != nil {
		return c.reject(ctx, peer, msg, err)
	}

	c.mu.Lock()
	if _, ok := c.remote[msg.ChanID]; ok {
		c.mu.Unlock()
		return c.reject(ctx, peer, msg, ErrProposalPending)
	}
	c.remote[msg.ChanID] = &remoteProposal{peer: peer, msg: msg}
	c.mu.Unlock()

	err = c.cfg.Channels.ReceiveCustomOutputUpdate(msg.ChanID, peer, u)
	if err != nil {
		c.forgetRemote(msg.ChanID, msg)
		return c.reject(ctx, peer, msg, err)
	}

	if err := c.send(ctx, peer, &cfdwire.AckCustomOutput{
		ChanID:   msg.ChanID,
		OutputID: msg.OutputID,
	}); err != nil {
		c.cfg.Channels.AbandonCustomOutputUpdate(ctx, msg.ChanID)
		c.forgetRemote(msg.ChanID, msg)

		return err
	}

	log.Debugf("Acked %v of custom output %x on %v", msg.Action,
		msg.OutputID[:4], msg.ChanID)

	c.wg.Add(1)
	go c.expireRemote(msg)

	return nil
}

// remoteUpdate converts a proposal of the peer into an update seen from our
// side.
func (c *Controller) remoteUpdate(msg *cfdwire.ProposeCustomOutput) (
	chanstate.Update, error) {

	switch msg.Action {
	case cfdwire.ActionAdd:
		if msg.Total() == 0 {
			return chanstate.Update{}, ErrInvalidAmount
		}

		return chanstate.Update{
			Kind: chanstate.UpdateAddCustomOutput,
			CustomOutput: chanstate.CustomOutput{
				ID:          msg.OutputID,
				TakerAmount: msg.TakerAmount,
				MakerAmount: msg.MakerAmount,
				Expiry:      msg.Expiry,
				Script:      msg.Script,
			},
		}, nil

	case cfdwire.ActionRemove:
		_, out, err := c.findOutput(msg.OutputID)
		if err != nil {
			return chanstate.Update{}, err
		}

		return chanstate.Update{
			Kind:         chanstate.UpdateRemoveCustomOutput,
			CustomOutput: out,
			TakerPayout:  msg.TakerAmount,
			MakerPayout:  msg.MakerAmount,
		}, nil

	default:
		return chanstate.Update{}, fmt.Errorf("unknown action %v",
			msg.Action)
	}
}

// checkPolicy runs the configured policy over a proposal of the peer.
func (c *Controller) checkPolicy(ctx context.Context, peer *btcec.PublicKey,
	u chanstate.Update) error {

	if c.cfg.Policy == nil {
		return nil
	}

	if u.Kind == chanstate.UpdateAddCustomOutput {
		return c.cfg.Policy.CheckAdd(ctx, peer, u.CustomOutput)
	}

	return c.cfg.Policy.CheckRemove(
		ctx, peer, u.CustomOutput, u.TakerPayout, u.MakerPayout,
	)
}

// reject declines a proposal of the peer and returns cause.
func (c *Controller) reject(ctx context.Context, peer *btcec.PublicKey,
	msg *cfdwire.ProposeCustomOutput, cause error) error {

	log.Warnf("Rejecting custom output %x on %v: %v", msg.OutputID[:4],
		msg.ChanID, cause)

	err := c.send(ctx, peer, &cfdwire.RejectCustomOutput{
		ChanID:   msg.ChanID,
		OutputID: msg.OutputID,
		Reason:   []byte(cause.Error()),
	})
	if err != nil {
		log.Errorf("Unable to send reject: %v", err)
	}

	return cause
}

// expireRemote drops an acked proposal of the peer that was not signed
// within the commit timeout.
func (c *Controller) expireRemote(msg *cfdwire.ProposeCustomOutput) {
	defer c.wg.Done()

	select {
	case <-c.cfg.Clock.TickAfter(c.cfg.CommitTimeout):
	case <-c.quit:
		return
	}

	if !c.forgetRemote(msg.ChanID, msg) {
		return
	}

	log.Warnf("Custom output %x on %v not signed after %v, abandoning",
		msg.OutputID[:4], msg.ChanID, c.cfg.CommitTimeout)

	// A no-op if the peer's signature already arrived.
	c.cfg.Channels.AbandonCustomOutputUpdate(context.Background(),
		msg.ChanID)
}

// forgetRemote removes msg from the acked proposals. It returns false if
// it was not registered anymore.
func (c *Controller) forgetRemote(chanID lnwire.ChannelID,
	msg *cfdwire.ProposeCustomOutput) bool {

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.remote[chanID]
	if !ok || r.msg != msg {
		return false
	}
	delete(c.remote, chanID)

	return true
}

// ManualSendCommitmentSigned releases our answer to the peer's custom
// output round. The revocation must revoke our latest commitment.
func (c *Controller) ManualSendCommitmentSigned(ctx context.Context,
	remote *btcec.PublicKey, commitSig *lnwire.CommitSig,
	rev *lnwire.RevokeAndAck) error {

	if commitSig.ChanID != rev.ChanID {
		return fmt.Errorf("commit sig for %v with revocation for %v",
			commitSig.ChanID, rev.ChanID)
	}
	if err := c.cfg.Channels.ValidateRevocation(rev.ChanID, rev); err != nil {
		return err
	}

	custom, err := cfdwire.ToCustom(&cfdwire.CustomOutputCommitSig{
		CommitSig:    commitSig,
		RevokeAndAck: rev,
		SenderKey:    c.cfg.NodeKey,
	})
	if err != nil {
		return err
	}

	err = c.cfg.Channels.ReleaseCustomOutputCommitSig(
		ctx, rev.ChanID, rev, custom,
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.remote, rev.ChanID)
	c.mu.Unlock()

	log.Debugf("Sent custom output commitment signature to %x",
		remote.SerializeCompressed())

	return nil
}

// PeerOffline fails our proposals to peer that were not acked yet and
// drops the peer's proposals that were not signed yet.
func (c *Controller) PeerOffline(peer *btcec.PublicKey) {
	var abandoned []lnwire.ChannelID

	c.mu.Lock()
	for _, p := range c.local {
		if !p.peer.IsEqual(peer) {
			continue
		}

		select {
		case p.ack <- ErrPeerOffline:
		default:
		}
	}
	for chanID, r := range c.remote {
		if !r.peer.IsEqual(peer) {
			continue
		}

		abandoned = append(abandoned, chanID)
		delete(c.remote, chanID)
	}
	c.mu.Unlock()

	for _, chanID := range abandoned {
		c.cfg.Channels.AbandonCustomOutputUpdate(
			context.Background(), chanID,
		)
	}
}

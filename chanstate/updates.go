package chanstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// updateMessage returns the wire message announcing a local update, or nil
// for custom output updates which are announced by their own protocol.
func updateMessage(chanID lnwire.ChannelID, u *Update) lnwire.Message {
	switch u.Kind {
	case UpdateAddHTLC:
		return &lnwire.UpdateAddHTLC{
			ChanID:      chanID,
			ID:          u.HTLC.ID,
			Amount:      u.HTLC.Amount,
			PaymentHash: u.HTLC.PaymentHash,
			Expiry:      u.HTLC.Expiry,
		}

	case UpdateSettleHTLC:
		return &lnwire.UpdateFulfillHTLC{
			ChanID:          chanID,
			ID:              u.HtlcID,
			PaymentPreimage: u.Preimage,
		}

	case UpdateFailHTLC:
		return &lnwire.UpdateFailHTLC{
			ChanID: chanID,
			ID:     u.HtlcID,
			Reason: lnwire.OpaqueReason("unknown payment hash"),
		}
	}

	return nil
}

// submitLocal queues local updates on c and starts them right away if the
// channel is idle. The returned channel receives the outcome once the
// updates are irrevocably committed. Must hold m.mu.
func (m *Manager) submitLocal(ctx context.Context, c *Channel,
	updates []Update) <-chan error {

	done := make(chan error, 1)
	m.queued[c.ChanID] = append(m.queued[c.ChanID], &queuedRound{
		updates: updates,
		done:    done,
	})
	m.runQueued(ctx, c)

	return done
}

// runQueued starts the next queued local round if c is idle. Must hold m.mu.
func (m *Manager) runQueued(ctx context.Context, c *Channel) {
	queue := m.queued[c.ChanID]
	if len(queue) == 0 || c.round != nil ||
		len(m.remoteUpdates[c.ChanID]) > 0 || !m.isOnline(c.Peer) {

		return
	}

	next := queue[0]
	m.queued[c.ChanID] = queue[1:]
	if len(m.queued[c.ChanID]) == 0 {
		delete(m.queued, c.ChanID)
	}

	if err := m.startLocalRound(ctx, c, next.updates, next.done); err != nil {
		log.Errorf("Unable to start update round on %v: %v", c.ChanID,
			err)
		next.done <- err
	}
}

// runAllQueued starts queued rounds on every idle channel with peer. Must
// hold m.mu.
func (m *Manager) runAllQueued(ctx context.Context, peer *btcec.PublicKey) {
	for _, c := range m.channels {
		if c.Peer.IsEqual(peer) {
			m.runQueued(ctx, c)
		}
	}
}

// startLocalRound applies updates, signs the remote's next commitment and
// sends both. Must hold m.mu.
func (m *Manager) startLocalRound(ctx context.Context, c *Channel,
	updates []Update, done chan error) error {

	round, err := c.startRound(updates, true)
	if err != nil {
		return err
	}
	round.done = done

	sig, err := c.signRemoteCommitment(round.next, c.remoteNextPoint)
	if err != nil {
		c.failRound(err)
		return err
	}

	for i := range updates {
		if msg := updateMessage(c.ChanID, &updates[i]); msg != nil {
			round.lastSent = append(round.lastSent, msg)
		}
	}
	round.lastSent = append(round.lastSent, &lnwire.CommitSig{
		ChanID:    c.ChanID,
		CommitSig: sig,
	})
	round.stage = stageSigSent

	log.Debugf("Channel %v: sent %d update(s) for height %d", c.ChanID,
		len(updates), round.next.height)

	for _, msg := range round.lastSent {
		m.send(ctx, c.Peer, msg)
	}

	return nil
}

// handleRemoteUpdate records an update announced by the remote. Must hold
// m.mu.
func (m *Manager) handleRemoteUpdate(ctx context.Context,
	peer *btcec.PublicKey, chanID lnwire.ChannelID, u Update) error {

	c, err := m.channel(chanID)
	if err != nil {
		return err
	}
	if !c.Peer.IsEqual(peer) {
		return fmt.Errorf("%w: update for %v from foreign peer",
			ErrUnexpectedMessage, chanID)
	}

	if c.round != nil && c.round.localInitiated {
		// Both sides started a round at the same time. The channel
		// initiator's round wins, the other side retries its updates
		// afterwards.
		if c.round.stage != stageSigSent || c.IsInitiator {
			log.Debugf("Channel %v: ignoring concurrent remote %v",
				chanID, u.Kind)
			return nil
		}

		m.yieldLocalRound(c)
	}

	m.remoteUpdates[chanID] = append(m.remoteUpdates[chanID], u)

	return nil
}

// yieldLocalRound abandons our signed but unrevoked round in favor of the
// remote's, putting our updates back in front of the queue. Must hold m.mu.
func (m *Manager) yieldLocalRound(c *Channel) {
	round := c.round
	c.round = nil

	log.Debugf("Channel %v: yielding local round to remote", c.ChanID)

	if round.hasCustomOutput() {
		round.finish(ErrUpdateInFlight)
		return
	}

	m.queued[c.ChanID] = append([]*queuedRound{{
		updates: round.updates,
		done:    round.done,
	}}, m.queued[c.ChanID]...)
}

// handleCommitSig processes a commitment signature. It either opens a round
// answering the remote's updates, or completes our own round. Must hold
// m.mu.
func (m *Manager) handleCommitSig(ctx context.Context, peer *btcec.PublicKey,
	msg *lnwire.CommitSig) ([]Event, error) {

	c, err := m.channel(msg.ChanID)
	if err != nil {
		return nil, err
	}
	if !c.Peer.IsEqual(peer) {
		return nil, fmt.Errorf("%w: commit sig for %v from foreign "+
			"peer", ErrUnexpectedMessage, msg.ChanID)
	}

	switch {
	case c.round == nil:
		return m.answerRemoteRound(ctx, c, msg.CommitSig)

	case c.round.localInitiated && c.round.stage == stageRevReceived:
		return m.completeLocalRound(ctx, c, msg.CommitSig)

	// A signature for a round that lost a race.
	case c.round.localInitiated && c.round.stage == stageSigSent:
		log.Debugf("Channel %v: ignoring concurrent commit sig",
			c.ChanID)
		return nil, nil

	// A signature resent after a reconnect that we already answered.
	case !c.round.localInitiated:
		log.Debugf("Channel %v: ignoring repeated commit sig",
			c.ChanID)
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: commit sig in stage %d",
			ErrUnexpectedMessage, c.round.stage)
	}
}

// answerRemoteRound verifies the remote's signature over our next
// commitment, then revokes our current commitment and signs the remote's
// next one. Custom output rounds hold the answer back until it is released.
// Must hold m.mu.
func (m *Manager) answerRemoteRound(ctx context.Context, c *Channel,
	sig lnwire.Sig) ([]Event, error) {

	updates := m.remoteUpdates[c.ChanID]
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: commit sig without updates",
			ErrUnexpectedMessage)
	}
	delete(m.remoteUpdates, c.ChanID)

	round, err := c.startRound(updates, false)
	if err != nil {
		return nil, err
	}

	if err := c.verifyLocalCommitment(round.next, sig); err != nil {
		c.failRound(err)
		return m.protocolViolation(ctx, c, round, err)
	}

	ourSig, err := c.signRemoteCommitment(round.next, c.remoteNextPoint)
	if err != nil {
		c.failRound(err)
		return nil, err
	}

	if round.hasCustomOutput() {
		rev, err := c.pendingRevocation()
		if err != nil {
			c.failRound(err)
			return nil, err
		}

		round.pendingRev = rev
		round.pendingSig = sig
		round.stage = stageAwaitRelease

		return []Event{&RemoteCustomOutputCommitSig{
			ChanID: c.ChanID,
			Peer:   c.Peer,
			CommitSig: &lnwire.CommitSig{
				ChanID:    c.ChanID,
				CommitSig: ourSig,
			},
			RevokeAndAck: rev,
		}}, nil
	}

	prevCommit := c.localCommit
	rev, err := c.revokeLocal(round.next, sig)
	if err != nil {
		c.failRound(err)
		return nil, err
	}
	if err := m.commitRevocation(c, prevCommit); err != nil {
		return nil, m.abortRound(ctx, c, err)
	}
	round.stage = stageRevSent
	round.lastSent = []lnwire.Message{rev, &lnwire.CommitSig{
		ChanID:    c.ChanID,
		CommitSig: ourSig,
	}}

	for _, msg := range round.lastSent {
		m.send(ctx, c.Peer, msg)
	}

	return nil, nil
}

// completeLocalRound verifies the remote's signature over our next
// commitment and sends the final revocation. Must hold m.mu.
func (m *Manager) completeLocalRound(ctx context.Context, c *Channel,
	sig lnwire.Sig) ([]Event, error) {

	round := c.round
	if err := c.verifyLocalCommitment(round.next, sig); err != nil {
		return m.protocolViolation(ctx, c, round, err)
	}

	prevCommit := c.localCommit
	prev := prevCommit.state
	rev, err := c.revokeLocal(round.next, sig)
	if err != nil {
		return nil, err
	}
	if err := m.commitRevocation(c, prevCommit); err != nil {
		return nil, m.abortRound(ctx, c, err)
	}
	c.round = nil

	m.send(ctx, c.Peer, rev)

	log.Debugf("Channel %v: committed local round at height %d",
		c.ChanID, round.next.height)

	events := m.roundEvents(ctx, c, prev, round)
	round.finish(nil)
	m.runQueued(ctx, c)

	return events, nil
}

// handleRevokeAndAck processes a revocation: the first answer to our round,
// or the last message of the remote's round. Must hold m.mu.
func (m *Manager) handleRevokeAndAck(ctx context.Context,
	peer *btcec.PublicKey, msg *lnwire.RevokeAndAck) ([]Event, error) {

	c, err := m.channel(msg.ChanID)
	if err != nil {
		return nil, err
	}
	if !c.Peer.IsEqual(peer) || c.round == nil {
		return nil, fmt.Errorf("%w: revocation for %v",
			ErrUnexpectedMessage, msg.ChanID)
	}

	round := c.round
	switch {
	case round.localInitiated && round.stage == stageSigSent:
		if err := c.receiveRevocation(msg, round.next); err != nil {
			return m.protocolViolation(ctx, c, round, err)
		}
		round.stage = stageRevReceived
		round.lastSent = nil
		m.logCheckpoint(c)

		return nil, nil

	case !round.localInitiated && round.stage == stageRevSent:
		prev := c.remoteCommit
		if err := c.receiveRevocation(msg, round.next); err != nil {
			return m.protocolViolation(ctx, c, round, err)
		}
		c.round = nil
		m.logCheckpoint(c)

		log.Debugf("Channel %v: committed remote round at height %d",
			c.ChanID, round.next.height)

		events := m.roundEvents(ctx, c, prev, round)
		m.runQueued(ctx, c)

		return events, nil

	default:
		return nil, fmt.Errorf("%w: revocation in stage %d",
			ErrUnexpectedMessage, round.stage)
	}
}

// protocolViolation handles an invalid signature or stale revocation. A
// custom output round is settled on chain, any other round is failed.
// Must hold m.mu.
func (m *Manager) protocolViolation(ctx context.Context, c *Channel,
	round *updateRound, cause error) ([]Event, error) {

	log.Errorf("Channel %v: protocol violation: %v", c.ChanID, cause)

	if !round.hasCustomOutput() {
		c.failRound(cause)
		m.sendError(ctx, c.Peer, c.ChanID, cause.Error())

		return nil, cause
	}

	c.failRound(cause)
	events, err := m.forceClose(ctx, c, cause.Error())
	if err != nil {
		log.Errorf("Unable to force close %v: %v", c.ChanID, err)
	}

	return events, cause
}

// roundEvents returns the events of a committed round. prev is the state
// before the round. Must hold m.mu.
func (m *Manager) roundEvents(ctx context.Context, c *Channel,
	prev *commitment, round *updateRound) []Event {

	local := round.localInitiated

	var events []Event
	for _, u := range round.updates {
		switch u.Kind {
		case UpdateAddHTLC:
			if local {
				continue
			}

			hash := lntypes.Hash(u.HTLC.PaymentHash)
			preimage := fn.None[lntypes.Preimage]()
			if m.cfg.PreimageLookup != nil {
				preimage = m.cfg.PreimageLookup(ctx, hash)
			}
			events = append(events, &PaymentReceived{
				PaymentHash: hash,
				Amount:      u.HTLC.Amount,
				Preimage:    preimage,
			})

		case UpdateSettleHTLC:
			idx := prev.findHTLC(u.HtlcID, local)
			if idx == -1 {
				continue
			}
			htlc := prev.htlcs[idx]
			hash := lntypes.Hash(htlc.PaymentHash)

			if local {
				events = append(events, &PaymentClaimed{
					PaymentHash: hash,
					Amount:      htlc.Amount,
				})
				continue
			}
			events = append(events,
				&PaymentSent{
					PaymentHash: hash,
					Preimage:    lntypes.Preimage(u.Preimage),
				},
				&PaymentPathSuccessful{PaymentHash: hash},
			)

		case UpdateFailHTLC:
			idx := prev.findHTLC(u.HtlcID, local)
			if idx == -1 || local {
				continue
			}
			hash := lntypes.Hash(prev.htlcs[idx].PaymentHash)
			events = append(events,
				&PaymentPathFailed{PaymentHash: hash},
				&PaymentFailed{PaymentHash: hash},
			)

		case UpdateAddCustomOutput, UpdateRemoveCustomOutput:
			events = append(events, &CustomOutputCommitted{
				ChanID: c.ChanID,
				Update: u,
			})
		}
	}

	return events
}

// CommitCustomOutput runs a local update round carrying u, after the remote
// acked the proposal. It returns once the round is irrevocably committed.
func (m *Manager) CommitCustomOutput(ctx context.Context,
	chanID lnwire.ChannelID, u Update) error {

	if !u.isCustom() {
		return fmt.Errorf("%v is not a custom output update", u.Kind)
	}

	m.mu.Lock()
	c, err := m.channel(chanID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	// The remote registered the update when it acked, so this round must
	// go out before anything else.
	if c.round != nil || len(m.remoteUpdates[chanID]) > 0 {
		m.mu.Unlock()
		return ErrUpdateInFlight
	}

	done := make(chan error, 1)
	err = m.startLocalRound(ctx, c, []Update{u}, done)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err

	case <-ctx.Done():
		return ctx.Err()

	case <-m.quit:
		return ErrManagerShuttingDown
	}
}

// ReceiveCustomOutputUpdate records a custom output update proposed by the
// remote and acked by us. It fails if the channel is busy.
func (m *Manager) ReceiveCustomOutputUpdate(chanID lnwire.ChannelID,
	peer *btcec.PublicKey, u Update) error {

	if !u.isCustom() {
		return fmt.Errorf("%v is not a custom output update", u.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.channel(chanID)
	if err != nil {
		return err
	}
	if !c.Peer.IsEqual(peer) {
		return fmt.Errorf("%w: proposal for %v from foreign peer",
			ErrUnexpectedMessage, chanID)
	}
	if !m.usable(c) {
		return ErrChannelNotUsable
	}
	if c.round != nil || len(m.remoteUpdates[chanID]) > 0 {
		return ErrUpdateInFlight
	}

	// Validate against the current state right away so that a bad
	// proposal is rejected before it is acked.
	if _, err := c.localCommit.state.next([]Update{u}, false); err != nil {
		return err
	}

	m.remoteUpdates[chanID] = []Update{u}

	return nil
}

// AbandonCustomOutputUpdate drops a remote custom output update that was
// not signed yet.
func (m *Manager) AbandonCustomOutputUpdate(ctx context.Context,
	chanID lnwire.ChannelID) {

	m.mu.Lock()
	defer m.mu.Unlock()

	updates := m.remoteUpdates[chanID]
	if len(updates) == 0 || !updates[0].isCustom() {
		return
	}
	delete(m.remoteUpdates, chanID)

	if c, ok := m.channels[chanID]; ok {
		m.runQueued(ctx, c)
	}
}

// ValidateRevocation checks that rev revokes our current commitment on the
// channel, and that a custom output answer is waiting for it.
func (m *Manager) ValidateRevocation(chanID lnwire.ChannelID,
	rev *lnwire.RevokeAndAck) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.channel(chanID)
	if err != nil {
		return err
	}

	return m.validateRevocation(c, rev)
}

// validateRevocation implements ValidateRevocation. Must hold m.mu.
func (m *Manager) validateRevocation(c *Channel,
	rev *lnwire.RevokeAndAck) error {

	if c.round == nil || c.round.stage != stageAwaitRelease {
		return fmt.Errorf("%w: no answer pending on %v",
			ErrStaleRevocation, c.ChanID)
	}

	current, err := c.pendingRevocation()
	if err != nil {
		return err
	}
	if rev.Revocation != current.Revocation ||
		!rev.NextRevocationKey.IsEqual(current.NextRevocationKey) {

		return ErrStaleRevocation
	}

	return nil
}

// ReleaseCustomOutputCommitSig revokes our current commitment and hands out
// the answer held back for the remote's custom output round. msg is the
// wire message carrying it, it is sent to the peer and resent on
// reconnect.
func (m *Manager) ReleaseCustomOutputCommitSig(ctx context.Context,
	chanID lnwire.ChannelID, rev *lnwire.RevokeAndAck,
	msg lnwire.Message) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.channel(chanID)
	if err != nil {
		return err
	}
	if err := m.validateRevocation(c, rev); err != nil {
		return err
	}

	round := c.round
	prevCommit := c.localCommit
	if _, err := c.revokeLocal(round.next, round.pendingSig); err != nil {
		return err
	}
	if err := m.commitRevocation(c, prevCommit); err != nil {
		return m.abortRound(ctx, c, err)
	}
	round.stage = stageRevSent
	round.pendingRev = nil
	round.lastSent = []lnwire.Message{msg}

	m.send(ctx, c.Peer, msg)

	return nil
}

// ReceiveCustomOutputCommitSig processes the remote's answer to our custom
// output round: its revocation and its signature over our next commitment.
func (m *Manager) ReceiveCustomOutputCommitSig(ctx context.Context,
	peer *btcec.PublicKey, sig *lnwire.CommitSig,
	rev *lnwire.RevokeAndAck) error {

	if sig.ChanID != rev.ChanID {
		return fmt.Errorf("%w: commit sig and revocation for "+
			"different channels", ErrUnexpectedMessage)
	}

	events, err := m.handleCombined(ctx, peer, sig, rev)
	m.publish(ctx, events)

	return err
}

// handleCombined feeds a revocation and a commit sig through the regular
// handlers under one lock.
func (m *Manager) handleCombined(ctx context.Context, peer *btcec.PublicKey,
	sig *lnwire.CommitSig, rev *lnwire.RevokeAndAck) ([]Event, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.channel(sig.ChanID)
	if err != nil {
		return nil, err
	}
	if c.round == nil || !c.round.localInitiated ||
		!c.round.hasCustomOutput() {

		return nil, fmt.Errorf("%w: no custom output round on %v",
			ErrUnexpectedMessage, sig.ChanID)
	}

	// A repeated answer after reconnect.
	if c.round.stage == stageRevReceived {
		return m.handleCommitSig(ctx, peer, sig)
	}

	events, err := m.handleRevokeAndAck(ctx, peer, rev)
	if err != nil {
		return events, err
	}

	more, err := m.handleCommitSig(ctx, peer, sig)

	return append(events, more...), err
}

// errNoHTLC is returned when no HTLC matches a payment hash.
var errNoHTLC = errors.New("no matching htlc")

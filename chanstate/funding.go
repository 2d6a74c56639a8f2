package chanstate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/shachain"
)

const (
	// MinChanSize is the smallest channel we open or accept.
	MinChanSize btcutil.Amount = 20_000

	// MaxChanSize is the largest channel we open or accept.
	MaxChanSize btcutil.Amount = 16_777_215
)

var (
	// ErrPendingChannelNotFound is returned when no negotiation matches a
	// pending channel id.
	ErrPendingChannelNotFound = errors.New("pending channel not found")

	// ErrInvalidChanSize is returned for a capacity out of bounds.
	ErrInvalidChanSize = errors.New("invalid channel size")

	// ErrPeerOffline is returned when the peer of a new channel is not
	// connected.
	ErrPeerOffline = errors.New("peer offline")

	// ErrFundingMismatch is returned when a funding transaction does not
	// pay the channel output.
	ErrFundingMismatch = errors.New("funding transaction does not pay " +
		"the channel output")
)

// newPendingChannel creates a channel under negotiation with fresh keys.
// Must hold m.mu.
func (m *Manager) newPendingChannel(peer *btcec.PublicKey,
	pendingID [32]byte, capacity btcutil.Amount, push lnwire.MilliSatoshi,
	initiator bool) (*Channel, error) {

	if capacity < MinChanSize || capacity > MaxChanSize {
		return nil, fmt.Errorf("%w: %v not in [%v, %v]",
			ErrInvalidChanSize, capacity, MinChanSize, MaxChanSize)
	}
	if push > lnwire.NewMSatFromSatoshis(capacity) {
		return nil, fmt.Errorf("%w: push amount exceeds capacity",
			ErrInvalidChanSize)
	}

	index, err := m.cfg.Checkpoints.NextKeyIndex()
	if err != nil {
		return nil, err
	}
	keys, err := deriveChannelKeys(m.cfg.KeyRing, index)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		PendingChanID:     pendingID,
		State:             StatePending,
		IsInitiator:       initiator,
		Peer:              peer,
		Capacity:          capacity,
		PushAmount:        push,
		FeePerKw:          m.cfg.FeePerKw,
		keys:              keys,
		localCfg:          keys.config(DefaultCsvDelay, DefaultDustLimit),
		remoteRevocations: shachain.NewRevocationStore(),
	}
	m.pending[pendingID] = c

	return c, nil
}

// setRemoteConfig records the channel parameters announced by the peer.
func (c *Channel) setRemoteConfig(cfg *ChannelConfig,
	firstPoint *btcec.PublicKey) error {

	for _, key := range []*btcec.PublicKey{
		cfg.FundingKey, cfg.RevocationBasePoint, cfg.PaymentBasePoint,
		cfg.DelayBasePoint, cfg.HtlcBasePoint, firstPoint,
	} {
		if key == nil {
			return errors.New("missing channel key")
		}
	}

	c.remoteCfg = cfg
	c.remoteCurrentPoint = firstPoint

	return c.setFunding()
}

// OpenChannel starts the negotiation of a channel with peer. It returns the
// temporary id of the channel. The funding transaction is requested with a
// FundingGenerationReady event.
func (m *Manager) OpenChannel(ctx context.Context, peer *btcec.PublicKey,
	capacity btcutil.Amount, push lnwire.MilliSatoshi) ([32]byte, error) {

	var pendingID [32]byte
	if _, err := rand.Read(pendingID[:]); err != nil {
		return pendingID, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOnline(peer) {
		return pendingID, ErrPeerOffline
	}

	c, err := m.newPendingChannel(peer, pendingID, capacity, push, true)
	if err != nil {
		return pendingID, err
	}

	firstPoint, err := c.keys.commitPoint(0)
	if err != nil {
		delete(m.pending, pendingID)
		return pendingID, err
	}

	log.Infof("Opening channel %x with %x: capacity=%v push=%v",
		pendingID[:], peer.SerializeCompressed(), capacity, push)

	m.send(ctx, peer, &lnwire.OpenChannel{
		ChainHash:            *m.cfg.ChainParams.GenesisHash,
		PendingChannelID:     pendingID,
		FundingAmount:        capacity,
		PushAmount:           push,
		DustLimit:            c.localCfg.DustLimit,
		MaxValueInFlight:     lnwire.NewMSatFromSatoshis(capacity),
		ChannelReserve:       0,
		HtlcMinimum:          1,
		FeePerKiloWeight:     uint32(c.FeePerKw),
		CsvDelay:             c.localCfg.CsvDelay,
		MaxAcceptedHTLCs:     DefaultMaxAcceptedHTLCs,
		FundingKey:           c.localCfg.FundingKey,
		RevocationPoint:      c.localCfg.RevocationBasePoint,
		PaymentPoint:         c.localCfg.PaymentBasePoint,
		DelayedPaymentPoint:  c.localCfg.DelayBasePoint,
		HtlcPoint:            c.localCfg.HtlcBasePoint,
		FirstCommitmentPoint: firstPoint,
	})

	return pendingID, nil
}

// handleOpenChannel records a channel proposed by peer and asks the
// application whether to accept it. Must hold m.mu.
func (m *Manager) handleOpenChannel(peer *btcec.PublicKey,
	msg *lnwire.OpenChannel) ([]Event, error) {

	if !msg.ChainHash.IsEqual(m.cfg.ChainParams.GenesisHash) {
		return nil, fmt.Errorf("open channel for foreign chain %v",
			msg.ChainHash)
	}
	if _, ok := m.pending[msg.PendingChannelID]; ok {
		return nil, fmt.Errorf("duplicate pending channel %x",
			msg.PendingChannelID[:])
	}

	c, err := m.newPendingChannel(
		peer, msg.PendingChannelID, msg.FundingAmount, msg.PushAmount,
		false,
	)
	if err != nil {
		return nil, err
	}
	c.FeePerKw = feeRateFromWire(msg.FeePerKiloWeight)

	err = c.setRemoteConfig(&ChannelConfig{
		FundingKey:          msg.FundingKey,
		RevocationBasePoint: msg.RevocationPoint,
		PaymentBasePoint:    msg.PaymentPoint,
		DelayBasePoint:      msg.DelayedPaymentPoint,
		HtlcBasePoint:       msg.HtlcPoint,
		CsvDelay:            msg.CsvDelay,
		DustLimit:           msg.DustLimit,
	}, msg.FirstCommitmentPoint)
	if err != nil {
		delete(m.pending, msg.PendingChannelID)
		return nil, err
	}

	return []Event{&OpenChannelRequest{
		PendingChanID: msg.PendingChannelID,
		Peer:          peer,
		Capacity:      msg.FundingAmount,
		PushAmount:    msg.PushAmount,
	}}, nil
}

// AcceptInboundChannel accepts a channel announced by an OpenChannelRequest.
// A zero-conf channel is usable before its funding transaction confirms.
func (m *Manager) AcceptInboundChannel(ctx context.Context,
	pendingID [32]byte, zeroConf bool) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[pendingID]
	if !ok || c.IsInitiator {
		return fmt.Errorf("%w: %x", ErrPendingChannelNotFound,
			pendingID[:])
	}
	c.ZeroConf = zeroConf

	firstPoint, err := c.keys.commitPoint(0)
	if err != nil {
		return err
	}

	var minDepth uint32 = 1
	if zeroConf {
		minDepth = 0
	}

	m.send(ctx, c.Peer, &lnwire.AcceptChannel{
		PendingChannelID:     pendingID,
		DustLimit:            c.localCfg.DustLimit,
		MaxValueInFlight:     lnwire.NewMSatFromSatoshis(c.Capacity),
		ChannelReserve:       0,
		HtlcMinimum:          1,
		MinAcceptDepth:       minDepth,
		CsvDelay:             c.localCfg.CsvDelay,
		MaxAcceptedHTLCs:     DefaultMaxAcceptedHTLCs,
		FundingKey:           c.localCfg.FundingKey,
		RevocationPoint:      c.localCfg.RevocationBasePoint,
		PaymentPoint:         c.localCfg.PaymentBasePoint,
		DelayedPaymentPoint:  c.localCfg.DelayBasePoint,
		HtlcPoint:            c.localCfg.HtlcBasePoint,
		FirstCommitmentPoint: firstPoint,
	})

	return nil
}

// RejectInboundChannel declines a channel announced by an
// OpenChannelRequest.
func (m *Manager) RejectInboundChannel(ctx context.Context,
	pendingID [32]byte, reason string) error {

	return m.AbortPendingChannel(ctx, pendingID, reason)
}

// handleAcceptChannel records the peer's parameters and requests the
// funding transaction. Must hold m.mu.
func (m *Manager) handleAcceptChannel(peer *btcec.PublicKey,
	msg *lnwire.AcceptChannel) ([]Event, error) {

	c, ok := m.pending[msg.PendingChannelID]
	if !ok || !c.IsInitiator || !c.Peer.IsEqual(peer) {
		return nil, fmt.Errorf("%w: %x", ErrPendingChannelNotFound,
			msg.PendingChannelID[:])
	}

	c.ZeroConf = msg.MinAcceptDepth == 0
	err := c.setRemoteConfig(&ChannelConfig{
		FundingKey:          msg.FundingKey,
		RevocationBasePoint: msg.RevocationPoint,
		PaymentBasePoint:    msg.PaymentPoint,
		DelayBasePoint:      msg.DelayedPaymentPoint,
		HtlcBasePoint:       msg.HtlcPoint,
		CsvDelay:            msg.CsvDelay,
		DustLimit:           msg.DustLimit,
	}, msg.FirstCommitmentPoint)
	if err != nil {
		delete(m.pending, msg.PendingChannelID)
		return nil, err
	}

	return []Event{&FundingGenerationReady{
		PendingChanID: msg.PendingChannelID,
		Peer:          peer,
		Amount:        c.Capacity,
		OutputScript:  c.fundingOutput.PkScript,
	}}, nil
}

// FundingTransactionGenerated hands over the signed funding transaction of
// a channel we initiated. It is broadcast once the peer signed our first
// commitment.
func (m *Manager) FundingTransactionGenerated(ctx context.Context,
	pendingID [32]byte, tx *wire.MsgTx) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[pendingID]
	if !ok || !c.IsInitiator || c.fundingOutput == nil {
		return fmt.Errorf("%w: %x", ErrPendingChannelNotFound,
			pendingID[:])
	}

	idx := outputIndex(tx, c.fundingOutput.PkScript)
	if idx == -1 || tx.TxOut[idx].Value != c.fundingOutput.Value {
		return ErrFundingMismatch
	}

	c.FundingTx = tx
	c.FundingOutpoint = wire.OutPoint{
		Hash:  tx.TxHash(),
		Index: uint32(idx),
	}
	c.ChanID = chanIDFromOutpoint(c.FundingOutpoint)

	state := c.initialCommitment()
	sig, err := c.signRemoteCommitment(state, c.remoteCurrentPoint)
	if err != nil {
		return err
	}
	c.remoteCommit = state

	log.Infof("Funding transaction %v generated for channel %v",
		c.FundingOutpoint, c.ChanID)

	m.send(ctx, c.Peer, &lnwire.FundingCreated{
		PendingChannelID: pendingID,
		FundingPoint:     c.FundingOutpoint,
		CommitSig:        sig,
	})

	return nil
}

// AbortPendingChannel gives up on a channel under negotiation and tells the
// peer.
func (m *Manager) AbortPendingChannel(ctx context.Context, pendingID [32]byte,
	reason string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[pendingID]
	if !ok {
		return fmt.Errorf("%w: %x", ErrPendingChannelNotFound,
			pendingID[:])
	}
	delete(m.pending, pendingID)

	log.Infof("Aborting pending channel %x: %v", pendingID[:], reason)
	m.sendError(ctx, c.Peer, pendingID, reason)

	return nil
}

// handleFundingCreated verifies the initiator's signature over our first
// commitment and answers with ours. Must hold m.mu.
func (m *Manager) handleFundingCreated(ctx context.Context,
	peer *btcec.PublicKey, msg *lnwire.FundingCreated) ([]Event, error) {

	c, ok := m.pending[msg.PendingChannelID]
	if !ok || c.IsInitiator || !c.Peer.IsEqual(peer) {
		return nil, fmt.Errorf("%w: %x", ErrPendingChannelNotFound,
			msg.PendingChannelID[:])
	}

	c.FundingOutpoint = msg.FundingPoint
	c.ChanID = chanIDFromOutpoint(msg.FundingPoint)

	state := c.initialCommitment()
	if err := c.verifyLocalCommitment(state, msg.CommitSig); err != nil {
		delete(m.pending, msg.PendingChannelID)
		m.sendError(ctx, peer, msg.PendingChannelID, err.Error())

		return nil, err
	}

	sig, err := c.signRemoteCommitment(state, c.remoteCurrentPoint)
	if err != nil {
		return nil, err
	}

	c.localCommit = &signedCommitment{state: state, sig: msg.CommitSig}
	c.remoteCommit = state.copy()
	m.activate(c)

	m.send(ctx, peer, &lnwire.FundingSigned{
		ChanID:    c.ChanID,
		CommitSig: sig,
	})

	return m.maybeSendChannelReady(ctx, c)
}

// handleFundingSigned verifies the acceptor's signature over our first
// commitment and broadcasts the funding transaction. Must hold m.mu.
func (m *Manager) handleFundingSigned(ctx context.Context,
	peer *btcec.PublicKey, msg *lnwire.FundingSigned) ([]Event, error) {

	var c *Channel
	for _, pending := range m.pending {
		if pending.IsInitiator && pending.FundingTx != nil &&
			pending.ChanID == msg.ChanID &&
			pending.Peer.IsEqual(peer) {

			c = pending
			break
		}
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingChannelNotFound,
			msg.ChanID)
	}

	state := c.initialCommitment()
	if err := c.verifyLocalCommitment(state, msg.CommitSig); err != nil {
		delete(m.pending, c.PendingChanID)
		m.sendError(ctx, peer, c.ChanID, err.Error())

		return nil, err
	}

	c.localCommit = &signedCommitment{state: state, sig: msg.CommitSig}
	m.activate(c)

	if err := m.cfg.ChainSource.BroadcastTx(ctx, c.FundingTx); err != nil {
		// The sync loop notices if the funding never confirms, the
		// transaction can be rebroadcast from the checkpoint.
		log.Errorf("Unable to broadcast funding tx %v: %v",
			c.FundingOutpoint.Hash, err)
	}

	return m.maybeSendChannelReady(ctx, c)
}

// activate moves c from the pending set to the channel set. Must hold m.mu.
func (m *Manager) activate(c *Channel) {
	delete(m.pending, c.PendingChanID)
	c.State = StateOpen
	m.channels[c.ChanID] = c
	m.logCheckpoint(c)

	log.Infof("Channel %v with %x funded by %v", c.ChanID,
		c.Peer.SerializeCompressed(), c.FundingOutpoint)
}

// channelReadyMsg returns our ChannelReady message for c.
func (m *Manager) channelReadyMsg(c *Channel) (*lnwire.ChannelReady, error) {
	nextPoint, err := c.keys.commitPoint(1)
	if err != nil {
		return nil, err
	}

	return &lnwire.ChannelReady{
		ChanID:                 c.ChanID,
		NextPerCommitmentPoint: nextPoint,
	}, nil
}

// maybeSendChannelReady sends ChannelReady once the funding transaction is
// deep enough. Must hold m.mu.
func (m *Manager) maybeSendChannelReady(ctx context.Context,
	c *Channel) ([]Event, error) {

	if c.localReady || (!c.ZeroConf && c.ConfirmedHeight == 0) {
		return nil, nil
	}

	msg, err := m.channelReadyMsg(c)
	if err != nil {
		return nil, err
	}
	c.localReady = true
	m.logCheckpoint(c)

	m.send(ctx, c.Peer, msg)

	return m.readyEvents(ctx, c), nil
}

// handleChannelReady records the peer's first next commitment point. Must
// hold m.mu.
func (m *Manager) handleChannelReady(ctx context.Context,
	peer *btcec.PublicKey, msg *lnwire.ChannelReady) ([]Event, error) {

	c, err := m.channel(msg.ChanID)
	if err != nil {
		return nil, err
	}
	if !c.Peer.IsEqual(peer) || msg.NextPerCommitmentPoint == nil {
		return nil, fmt.Errorf("%w: channel ready for %v",
			ErrUnexpectedMessage, msg.ChanID)
	}
	if c.remoteReady {
		return nil, nil
	}

	c.remoteNextPoint = msg.NextPerCommitmentPoint
	c.remoteReady = true
	m.logCheckpoint(c)

	return m.readyEvents(ctx, c), nil
}

// readyEvents returns a ChannelReady event when c just became usable and
// starts any queued updates. Must hold m.mu.
func (m *Manager) readyEvents(ctx context.Context, c *Channel) []Event {
	if !c.IsChannelReady() {
		return nil
	}

	log.Infof("Channel %v is ready", c.ChanID)
	m.runQueued(ctx, c)

	return []Event{&ChannelReady{ChanID: c.ChanID, Peer: c.Peer}}
}

// feeRateFromWire converts a fee rate announced by a peer, enforcing the
// relay floor.
func feeRateFromWire(satPerKw uint32) chainfee.SatPerKWeight {
	rate := chainfee.SatPerKWeight(satPerKw)
	if rate < chainfee.FeePerKwFloor {
		rate = chainfee.FeePerKwFloor
	}

	return rate
}

package chanstate

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/shachain"
)

var (
	// ErrUpdateInFlight is returned when an update round is started while
	// another one has not completed yet.
	ErrUpdateInFlight = errors.New("commitment update already in flight")

	// ErrStaleRevocation is returned when a revocation does not reveal the
	// secret of the counterparty's current commitment.
	ErrStaleRevocation = errors.New("stale revocation")

	// ErrInvalidSignature is returned when a commitment signature does not
	// verify.
	ErrInvalidSignature = errors.New("invalid commitment signature")

	// ErrUnexpectedMessage is returned when a message arrives in a state
	// that does not expect it.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrChannelNotUsable is returned when an update is requested on a
	// channel that is not open and ready.
	ErrChannelNotUsable = errors.New("channel not usable")

	// ErrRoundAborted is returned to the initiator of a round the remote
	// gave up on.
	ErrRoundAborted = errors.New("update round aborted by peer")
)

// ChannelState is the lifecycle state of a channel.
type ChannelState uint8

const (
	// StatePending is a channel under negotiation whose funding is not
	// yet signed by both parties.
	StatePending ChannelState = iota

	// StateOpen is a funded channel.
	StateOpen

	// StateClosing is a channel with a cooperative close in progress or a
	// broadcast force close.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

// String returns a human readable channel state.
func (s ChannelState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// roundStage tracks the progress of an update round.
type roundStage uint8

const (
	// stageProposed means the updates are known to both sides but no
	// signature was exchanged yet.
	stageProposed roundStage = iota

	// stageSigSent means we initiated the round and sent our signature.
	stageSigSent

	// stageRevReceived means we initiated the round and received the
	// remote revocation, and wait for its signature.
	stageRevReceived

	// stageAwaitRelease means we answer a custom output round and hold
	// our revocation and signature until they are released.
	stageAwaitRelease

	// stageRevSent means we answered the round and wait for the final
	// revocation.
	stageRevSent
)

// updateRound is one in-flight commitment update.
type updateRound struct {
	localInitiated bool
	updates        []Update
	next           *commitment
	stage          roundStage

	// pendingRev and pendingSig are held while in stageAwaitRelease.
	pendingRev *lnwire.RevokeAndAck
	pendingSig lnwire.Sig

	// lastSent are the messages we sent last in this round, resent on
	// reconnect.
	lastSent []lnwire.Message

	// done receives the outcome of a round we initiated.
	done chan error
}

// hasCustomOutput returns true if one of the updates touches a custom
// output.
func (r *updateRound) hasCustomOutput() bool {
	for i := range r.updates {
		if r.updates[i].isCustom() {
			return true
		}
	}

	return false
}

// finish delivers the outcome of the round to its waiter, if any.
func (r *updateRound) finish(err error) {
	if r.done == nil {
		return
	}
	r.done <- err
	close(r.done)
	r.done = nil
}

// signedCommitment is our latest unrevoked commitment with the remote's
// signature over it.
type signedCommitment struct {
	state *commitment
	sig   lnwire.Sig
}

// Channel is a two-party payment channel. It is not safe for concurrent use,
// the Manager serializes all access.
type Channel struct {
	ChanID        lnwire.ChannelID
	PendingChanID [32]byte
	State         ChannelState

	// IsInitiator is true if we opened the channel.
	IsInitiator bool

	// ZeroConf is true if the channel is usable before the funding
	// transaction confirms.
	ZeroConf bool

	Peer        *btcec.PublicKey
	Capacity    btcutil.Amount
	PushAmount  lnwire.MilliSatoshi
	FeePerKw    chainfee.SatPerKWeight
	ShortChanID fn.Option[lnwire.ShortChannelID]

	FundingOutpoint wire.OutPoint

	// FundingTx is the signed funding transaction, only known by the
	// initiator.
	FundingTx *wire.MsgTx

	// ConfirmedHeight is the height the funding transaction confirmed
	// at, zero if unconfirmed.
	ConfirmedHeight uint32

	// ClosingTxid is the transaction that spent the funding output, if
	// known.
	ClosingTxid fn.Option[chainhash.Hash]

	localReady  bool
	remoteReady bool

	keys      *channelKeys
	localCfg  *ChannelConfig
	remoteCfg *ChannelConfig

	fundingWitnessScript []byte
	fundingOutput        *wire.TxOut

	localCommit  *signedCommitment
	remoteCommit *commitment

	remoteCurrentPoint *btcec.PublicKey
	remoteNextPoint    *btcec.PublicKey
	remoteRevocations  *shachain.RevocationStore

	nextLocalHtlcID uint64

	round *updateRound

	// localShutdown and remoteShutdown are the delivery scripts of a
	// cooperative close.
	localShutdown  []byte
	remoteShutdown []byte
}

// IsUsable returns true if the channel can carry updates.
func (c *Channel) IsUsable() bool {
	return c.State == StateOpen && c.localReady && c.remoteReady
}

// IsChannelReady returns true once both parties sent ChannelReady.
func (c *Channel) IsChannelReady() bool {
	return c.localReady && c.remoteReady
}

// setFunding computes the funding script from both funding keys.
func (c *Channel) setFunding() error {
	script, out, err := input.GenFundingPkScript(
		c.localCfg.FundingKey.SerializeCompressed(),
		c.remoteCfg.FundingKey.SerializeCompressed(),
		int64(c.Capacity),
	)
	if err != nil {
		return err
	}

	c.fundingWitnessScript = script
	c.fundingOutput = out

	return nil
}

// initialCommitment returns the state at height zero.
func (c *Channel) initialCommitment() *commitment {
	total := lnwire.NewMSatFromSatoshis(c.Capacity)
	state := &commitment{}
	if c.IsInitiator {
		state.localBalance = total - c.PushAmount
		state.remoteBalance = c.PushAmount
	} else {
		state.localBalance = c.PushAmount
		state.remoteBalance = total - c.PushAmount
	}

	return state
}

// localCommitTx builds our commitment transaction for state.
func (c *Channel) localCommitTx(state *commitment) (*wire.MsgTx, error) {
	point, err := c.keys.commitPoint(state.height)
	if err != nil {
		return nil, err
	}

	return buildCommitTx(&commitTxParams{
		fundingOutpoint:  c.FundingOutpoint,
		state:            state,
		ownerLocal:       true,
		ownerIsInitiator: c.IsInitiator,
		owner:            c.localCfg,
		other:            c.remoteCfg,
		point:            point,
		feePerKw:         c.FeePerKw,
	})
}

// remoteCommitTx builds the remote's commitment transaction for state at the
// given commitment point.
func (c *Channel) remoteCommitTx(state *commitment,
	point *btcec.PublicKey) (*wire.MsgTx, error) {

	return buildCommitTx(&commitTxParams{
		fundingOutpoint:  c.FundingOutpoint,
		state:            state,
		ownerLocal:       false,
		ownerIsInitiator: !c.IsInitiator,
		owner:            c.remoteCfg,
		other:            c.localCfg,
		point:            point,
		feePerKw:         c.FeePerKw,
	})
}

// signRemoteCommitment signs the remote commitment for state. The remote
// point is the current one for the initial commitment and the next one for
// every later state.
func (c *Channel) signRemoteCommitment(state *commitment,
	point *btcec.PublicKey) (lnwire.Sig, error) {

	tx, err := c.remoteCommitTx(state, point)
	if err != nil {
		return lnwire.Sig{}, err
	}

	return signFundingSpend(
		tx, c.fundingWitnessScript, c.fundingOutput, c.keys.funding,
	)
}

// verifyLocalCommitment checks the remote's signature over our commitment
// for state.
func (c *Channel) verifyLocalCommitment(state *commitment,
	sig lnwire.Sig) error {

	tx, err := c.localCommitTx(state)
	if err != nil {
		return err
	}

	return verifyFundingSpend(
		tx, c.fundingWitnessScript, c.fundingOutput, sig,
		c.remoteCfg.FundingKey,
	)
}

// signedLocalCommitTx returns our latest commitment with the funding
// witness, ready to broadcast.
func (c *Channel) signedLocalCommitTx() (*wire.MsgTx, error) {
	if c.localCommit == nil {
		return nil, fmt.Errorf("channel %v has no local commitment",
			c.ChanID)
	}

	tx, err := c.localCommitTx(c.localCommit.state)
	if err != nil {
		return nil, err
	}

	ourSig, err := signFundingSpend(
		tx, c.fundingWitnessScript, c.fundingOutput, c.keys.funding,
	)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness, err = fundingWitness(
		c.fundingWitnessScript, c.localCfg.FundingKey,
		c.remoteCfg.FundingKey, ourSig, c.localCommit.sig,
	)
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// startRound validates updates against the latest state and begins a
// round.
func (c *Channel) startRound(updates []Update,
	localInitiated bool) (*updateRound, error) {

	if !c.IsUsable() {
		return nil, fmt.Errorf("%w: %v is %v", ErrChannelNotUsable,
			c.ChanID, c.State)
	}
	if c.round != nil {
		return nil, ErrUpdateInFlight
	}

	next, err := c.localCommit.state.next(updates, localInitiated)
	if err != nil {
		return nil, err
	}

	c.round = &updateRound{
		localInitiated: localInitiated,
		updates:        updates,
		next:           next,
		stage:          stageProposed,
	}

	return c.round, nil
}

// revokeLocal reveals the secret of our current commitment and advances it
// to state, signed by the remote with sig.
func (c *Channel) revokeLocal(state *commitment,
	sig lnwire.Sig) (*lnwire.RevokeAndAck, error) {

	rev, err := c.pendingRevocation()
	if err != nil {
		return nil, err
	}

	c.localCommit = &signedCommitment{state: state, sig: sig}

	return rev, nil
}

// pendingRevocation builds the revocation of our current commitment without
// advancing it.
func (c *Channel) pendingRevocation() (*lnwire.RevokeAndAck, error) {
	height := c.localCommit.state.height
	secret, err := c.keys.commitSecret(height)
	if err != nil {
		return nil, err
	}
	nextPoint, err := c.keys.commitPoint(height + 2)
	if err != nil {
		return nil, err
	}

	rev := lnwire.NewRevokeAndAck()
	rev.ChanID = c.ChanID
	rev.Revocation = secret
	rev.NextRevocationKey = nextPoint

	return rev, nil
}

// checkRevocation verifies that rev reveals the secret of the remote's
// current commitment.
func (c *Channel) checkRevocation(rev *lnwire.RevokeAndAck) error {
	if rev.NextRevocationKey == nil {
		return fmt.Errorf("%w: missing next point", ErrStaleRevocation)
	}

	point := input.ComputeCommitmentPoint(rev.Revocation[:])
	if c.remoteCurrentPoint == nil ||
		!point.IsEqual(c.remoteCurrentPoint) {

		return ErrStaleRevocation
	}

	return nil
}

// receiveRevocation stores a verified revocation and rotates the remote
// commitment points.
func (c *Channel) receiveRevocation(rev *lnwire.RevokeAndAck,
	state *commitment) error {

	if err := c.checkRevocation(rev); err != nil {
		return err
	}

	secret := chainhash.Hash(rev.Revocation)
	if err := c.remoteRevocations.AddNextEntry(&secret); err != nil {
		return fmt.Errorf("unable to store revocation: %w", err)
	}

	c.remoteCurrentPoint = c.remoteNextPoint
	c.remoteNextPoint = rev.NextRevocationKey
	c.remoteCommit = state

	return nil
}

// abandonUnsignedRound drops a round for which no signature was exchanged.
// It returns true if a round was dropped.
func (c *Channel) abandonUnsignedRound(reason error) bool {
	if c.round == nil || c.round.stage != stageProposed {
		return false
	}

	c.round.finish(reason)
	c.round = nil

	return true
}

// failRound fails any round in flight.
func (c *Channel) failRound(reason error) {
	if c.round == nil {
		return
	}

	c.round.finish(reason)
	c.round = nil
}

// ChannelDetails is a snapshot of a channel.
type ChannelDetails struct {
	ChanID          lnwire.ChannelID
	Peer            *btcec.PublicKey
	State           ChannelState
	IsInitiator     bool
	IsUsable        bool
	IsChannelReady  bool
	ShortChanID     fn.Option[lnwire.ShortChannelID]
	FundingOutpoint wire.OutPoint
	Capacity        btcutil.Amount
	LocalBalance    lnwire.MilliSatoshi
	RemoteBalance   lnwire.MilliSatoshi
	Height          uint64
	HTLCs           []HTLC
	CustomOutputs   []CustomOutput
}

// details returns a snapshot of the channel.
func (c *Channel) details() ChannelDetails {
	d := ChannelDetails{
		ChanID:          c.ChanID,
		Peer:            c.Peer,
		State:           c.State,
		IsInitiator:     c.IsInitiator,
		IsUsable:        c.IsUsable(),
		IsChannelReady:  c.IsChannelReady(),
		ShortChanID:     c.ShortChanID,
		FundingOutpoint: c.FundingOutpoint,
		Capacity:        c.Capacity,
	}

	if c.localCommit != nil {
		state := c.localCommit.state.copy()
		d.LocalBalance = state.localBalance
		d.RemoteBalance = state.remoteBalance
		d.Height = state.height
		d.HTLCs = state.htlcs
		d.CustomOutputs = state.customOutputs
	}

	return d
}

// chanIDFromOutpoint derives the channel id from the funding outpoint: the
// txid with the output index xored into the last two bytes.
func chanIDFromOutpoint(op wire.OutPoint) lnwire.ChannelID {
	var cid lnwire.ChannelID
	copy(cid[:], op.Hash[:])
	cid[30] ^= byte(op.Index >> 8)
	cid[31] ^= byte(op.Index)

	return cid
}

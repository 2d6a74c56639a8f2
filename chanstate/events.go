package chanstate

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Event is emitted by the channel layer for the application to act on.
type Event interface {
	// EventName returns a short name of the event kind.
	EventName() string
}

// EventSink receives the events of the channel layer in order.
type EventSink interface {
	// Publish hands ev over. It may block until there is room.
	Publish(ctx context.Context, ev Event) error
}

// FundingGenerationReady asks the application to build and sign a funding
// transaction paying Amount to OutputScript.
type FundingGenerationReady struct {
	PendingChanID [32]byte
	Peer          *btcec.PublicKey
	Amount        btcutil.Amount
	OutputScript  []byte
}

// EventName returns the event name.
func (e *FundingGenerationReady) EventName() string {
	return "funding_generation_ready"
}

// OpenChannelRequest is emitted when a peer proposes a channel.
type OpenChannelRequest struct {
	PendingChanID [32]byte
	Peer          *btcec.PublicKey
	Capacity      btcutil.Amount
	PushAmount    lnwire.MilliSatoshi
}

// EventName returns the event name.
func (e *OpenChannelRequest) EventName() string {
	return "open_channel_request"
}

// ChannelReady is emitted once a channel becomes usable.
type ChannelReady struct {
	ChanID lnwire.ChannelID
	Peer   *btcec.PublicKey
}

// EventName returns the event name.
func (e *ChannelReady) EventName() string {
	return "channel_ready"
}

// ChannelClosed is emitted when a channel reaches a terminal state or a
// close was broadcast.
type ChannelClosed struct {
	ChanID lnwire.ChannelID
	Reason string
}

// EventName returns the event name.
func (e *ChannelClosed) EventName() string {
	return "channel_closed"
}

// PaymentReceived is emitted when an incoming HTLC is committed. Preimage
// is set if the payment hash belongs to one of our invoices.
type PaymentReceived struct {
	PaymentHash lntypes.Hash
	Amount      lnwire.MilliSatoshi
	Preimage    fn.Option[lntypes.Preimage]
}

// EventName returns the event name.
func (e *PaymentReceived) EventName() string {
	return "payment_received"
}

// PaymentClaimed is emitted when an incoming HTLC was settled.
type PaymentClaimed struct {
	PaymentHash lntypes.Hash
	Amount      lnwire.MilliSatoshi
}

// EventName returns the event name.
func (e *PaymentClaimed) EventName() string {
	return "payment_claimed"
}

// PaymentSent is emitted when an outgoing HTLC was settled by the remote.
type PaymentSent struct {
	PaymentHash lntypes.Hash
	Preimage    lntypes.Preimage
	FeePaid     lnwire.MilliSatoshi
}

// EventName returns the event name.
func (e *PaymentSent) EventName() string {
	return "payment_sent"
}

// PaymentPathSuccessful is emitted alongside PaymentSent for the path that
// carried the payment.
type PaymentPathSuccessful struct {
	PaymentHash lntypes.Hash
}

// EventName returns the event name.
func (e *PaymentPathSuccessful) EventName() string {
	return "payment_path_successful"
}

// PaymentPathFailed is emitted when an outgoing HTLC was failed back.
type PaymentPathFailed struct {
	PaymentHash lntypes.Hash
}

// EventName returns the event name.
func (e *PaymentPathFailed) EventName() string {
	return "payment_path_failed"
}

// PaymentFailed is emitted when no more attempts are made for a payment.
type PaymentFailed struct {
	PaymentHash lntypes.Hash
}

// EventName returns the event name.
func (e *PaymentFailed) EventName() string {
	return "payment_failed"
}

// SpendableOutputDescriptor describes an on-chain output we can sweep.
type SpendableOutputDescriptor struct {
	Outpoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// WitnessScript is set for P2WSH outputs.
	WitnessScript []byte

	// KeyLoc locates the base key that signs the output.
	KeyLoc keychain.KeyLocator

	// SingleTweak tweaks the base key, if set.
	SingleTweak []byte

	// CsvDelay is the relative delay of the output, zero if none.
	CsvDelay uint32
}

// SpendableOutputs is emitted when outputs of a closed channel can be
// swept to the wallet.
type SpendableOutputs struct {
	ChanID  lnwire.ChannelID
	Outputs []SpendableOutputDescriptor
}

// EventName returns the event name.
func (e *SpendableOutputs) EventName() string {
	return "spendable_outputs"
}

// RemoteCustomOutputCommitSig is emitted when the remote signed a
// commitment carrying a custom output update. Our answer is held back until
// it is released with ReleaseCustomOutputCommitSig.
type RemoteCustomOutputCommitSig struct {
	ChanID       lnwire.ChannelID
	Peer         *btcec.PublicKey
	CommitSig    *lnwire.CommitSig
	RevokeAndAck *lnwire.RevokeAndAck
}

// EventName returns the event name.
func (e *RemoteCustomOutputCommitSig) EventName() string {
	return "remote_custom_output_commit_sig"
}

// CustomOutputCommitted is emitted once a custom output update is
// irrevocably committed by both parties.
type CustomOutputCommitted struct {
	ChanID lnwire.ChannelID
	Update Update
}

// EventName returns the event name.
func (e *CustomOutputCommitted) EventName() string {
	return "custom_output_committed"
}

package cfdwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/tlv"
)

// Action tells whether a proposal adds or removes a custom output.
type Action uint8

const (
	// ActionAdd adds a new custom output to the commitment.
	ActionAdd Action = 0

	// ActionRemove removes a custom output, paying out both parties.
	ActionRemove Action = 1
)

// String returns the name of the action.
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

const (
	typeChanID      tlv.Type = 0
	typeOutputID    tlv.Type = 2
	typeAction      tlv.Type = 4
	typeTakerAmount tlv.Type = 6
	typeMakerAmount tlv.Type = 8
	typeExpiry      tlv.Type = 10
	typeScript      tlv.Type = 12
	typeReason      tlv.Type = 14
	typeCommitSig   tlv.Type = 16
	typeRevocation  tlv.Type = 18
	typeSenderKey   tlv.Type = 20
)

// ErrMissingField is returned when a mandatory field is absent while
// encoding.
var ErrMissingField = errors.New("missing mandatory field")

// ProposeCustomOutput asks the peer to add a custom output to, or remove one
// from, the commitment transactions of a channel. For an add the amounts are
// the amounts locked by each party, for a remove they are the payouts.
type ProposeCustomOutput struct {
	ChanID      lnwire.ChannelID
	OutputID    [32]byte
	Action      Action
	TakerAmount lnwire.MilliSatoshi
	MakerAmount lnwire.MilliSatoshi
	Expiry      uint32
	Script      []byte
}

// A compile time check to ensure ProposeCustomOutput implements Message.
var _ Message = (*ProposeCustomOutput)(nil)

// MsgType returns the message type.
func (m *ProposeCustomOutput) MsgType() lnwire.MessageType {
	return MsgProposeCustomOutput
}

// Encode writes the proposal as a TLV stream.
func (m *ProposeCustomOutput) Encode(w io.Writer) error {
	var (
		chanID = [32]byte(m.ChanID)
		action = uint8(m.Action)
		taker  = uint64(m.TakerAmount)
		maker  = uint64(m.MakerAmount)
		script = m.Script
	)
	if script == nil {
		script = []byte{}
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typeOutputID, &m.OutputID),
		tlv.MakePrimitiveRecord(typeAction, &action),
		tlv.MakePrimitiveRecord(typeTakerAmount, &taker),
		tlv.MakePrimitiveRecord(typeMakerAmount, &maker),
		tlv.MakePrimitiveRecord(typeExpiry, &m.Expiry),
		tlv.MakePrimitiveRecord(typeScript, &script),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a proposal from a TLV stream.
func (m *ProposeCustomOutput) Decode(r io.Reader) error {
	var (
		chanID       [32]byte
		action       uint8
		taker, maker uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typeOutputID, &m.OutputID),
		tlv.MakePrimitiveRecord(typeAction, &action),
		tlv.MakePrimitiveRecord(typeTakerAmount, &taker),
		tlv.MakePrimitiveRecord(typeMakerAmount, &maker),
		tlv.MakePrimitiveRecord(typeExpiry, &m.Expiry),
		tlv.MakePrimitiveRecord(typeScript, &m.Script),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	m.ChanID = lnwire.ChannelID(chanID)
	m.Action = Action(action)
	m.TakerAmount = lnwire.MilliSatoshi(taker)
	m.MakerAmount = lnwire.MilliSatoshi(maker)

	return nil
}

// Total returns the sum of both amounts.
func (m *ProposeCustomOutput) Total() lnwire.MilliSatoshi {
	return m.TakerAmount + m.MakerAmount
}

// AckCustomOutput accepts the proposal with the matching output id.
type AckCustomOutput struct {
	ChanID   lnwire.ChannelID
	OutputID [32]byte
}

// A compile time check to ensure AckCustomOutput implements Message.
var _ Message = (*AckCustomOutput)(nil)

// MsgType returns the message type.
func (m *AckCustomOutput) MsgType() lnwire.MessageType {
	return MsgAckCustomOutput
}

// Encode writes the ack as a TLV stream.
func (m *AckCustomOutput) Encode(w io.Writer) error {
	chanID := [32]byte(m.ChanID)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typeOutputID, &m.OutputID),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads an ack from a TLV stream.
func (m *AckCustomOutput) Decode(r io.Reader) error {
	var chanID [32]byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typeOutputID, &m.OutputID),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	m.ChanID = lnwire.ChannelID(chanID)

	return nil
}

// RejectCustomOutput declines the proposal with the matching output id.
type RejectCustomOutput struct {
	ChanID   lnwire.ChannelID
	OutputID [32]byte
	Reason   []byte
}

// A compile time check to ensure RejectCustomOutput implements Message.
var _ Message = (*RejectCustomOutput)(nil)

// MsgType returns the message type.
func (m *RejectCustomOutput) MsgType() lnwire.MessageType {
	return MsgRejectCustomOutput
}

// Encode writes the reject as a TLV stream.
func (m *RejectCustomOutput) Encode(w io.Writer) error {
	chanID := [32]byte(m.ChanID)
	reason := m.Reason
	if reason == nil {
		reason = []byte{}
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typeOutputID, &m.OutputID),
		tlv.MakePrimitiveRecord(typeReason, &reason),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a reject from a TLV stream.
func (m *RejectCustomOutput) Decode(r io.Reader) error {
	var chanID [32]byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typeOutputID, &m.OutputID),
		tlv.MakePrimitiveRecord(typeReason, &m.Reason),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	m.ChanID = lnwire.ChannelID(chanID)

	return nil
}

// Error returns the reason as an error.
func (m *RejectCustomOutput) Error() error {
	return fmt.Errorf("custom output %x rejected: %s", m.OutputID[:4],
		m.Reason)
}

// CustomOutputCommitSig is the response of the party receiving a custom
// output commitment signature: its own signature for the proposer's new
// commitment and the revocation of its previous commitment, tagged with the
// sender's node key.
type CustomOutputCommitSig struct {
	CommitSig    *lnwire.CommitSig
	RevokeAndAck *lnwire.RevokeAndAck
	SenderKey    *btcec.PublicKey
}

// A compile time check to ensure CustomOutputCommitSig implements Message.
var _ Message = (*CustomOutputCommitSig)(nil)

// MsgType returns the message type.
func (m *CustomOutputCommitSig) MsgType() lnwire.MessageType {
	return MsgCustomOutputCommitSig
}

// Encode writes the embedded standard messages and the sender key as a TLV
// stream.
func (m *CustomOutputCommitSig) Encode(w io.Writer) error {
	if m.CommitSig == nil || m.RevokeAndAck == nil || m.SenderKey == nil {
		return ErrMissingField
	}

	var sigBuf, revBuf bytes.Buffer
	if err := m.CommitSig.Encode(&sigBuf, 0); err != nil {
		return err
	}
	if err := m.RevokeAndAck.Encode(&revBuf, 0); err != nil {
		return err
	}

	sig := sigBuf.Bytes()
	rev := revBuf.Bytes()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCommitSig, &sig),
		tlv.MakePrimitiveRecord(typeRevocation, &rev),
		tlv.MakePrimitiveRecord(typeSenderKey, &m.SenderKey),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads the embedded messages and the sender key.
func (m *CustomOutputCommitSig) Decode(r io.Reader) error {
	var sig, rev []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeCommitSig, &sig),
		tlv.MakePrimitiveRecord(typeRevocation, &rev),
		tlv.MakePrimitiveRecord(typeSenderKey, &m.SenderKey),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}
	for _, typ := range []tlv.Type{
		typeCommitSig, typeRevocation, typeSenderKey,
	} {
		if _, ok := parsed[typ]; !ok {
			return fmt.Errorf("%w: tlv type %d", ErrMissingField,
				typ)
		}
	}

	m.CommitSig = &lnwire.CommitSig{}
	if err := m.CommitSig.Decode(bytes.NewReader(sig), 0); err != nil {
		return fmt.Errorf("invalid commit sig: %w", err)
	}

	m.RevokeAndAck = lnwire.NewRevokeAndAck()
	if err := m.RevokeAndAck.Decode(bytes.NewReader(rev), 0); err != nil {
		return fmt.Errorf("invalid revocation: %w", err)
	}

	return nil
}

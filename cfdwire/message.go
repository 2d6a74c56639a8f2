// Package cfdwire defines the peer messages of the custom output protocol.
// They travel as lnwire.Custom messages with types above
// lnwire.CustomTypeStart, their payload is a TLV stream.
package cfdwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/lnwire"
)

// The message types start at lnwire.CustomTypeStart.
const (
	// MsgProposeCustomOutput proposes adding or removing a custom output.
	MsgProposeCustomOutput lnwire.MessageType = 32768 + iota

	// MsgAckCustomOutput accepts a proposal.
	MsgAckCustomOutput

	// MsgCustomOutputCommitSig carries the countersignature of a custom
	// output commitment together with the revocation of the previous
	// one.
	MsgCustomOutputCommitSig

	// MsgRejectCustomOutput rejects a proposal.
	MsgRejectCustomOutput
)

// Message is a custom output protocol message.
type Message interface {
	// MsgType returns the custom message type.
	MsgType() lnwire.MessageType

	// Encode writes the TLV payload to w.
	Encode(w io.Writer) error

	// Decode reads the TLV payload from r.
	Decode(r io.Reader) error
}

// IsCustomOutputMsg returns true if the message type belongs to this
// protocol.
func IsCustomOutputMsg(t lnwire.MessageType) bool {
	return t >= MsgProposeCustomOutput && t <= MsgRejectCustomOutput
}

// makeEmptyMessage returns a zero message of the given type.
func makeEmptyMessage(t lnwire.MessageType) (Message, error) {
	switch t {
	case MsgProposeCustomOutput:
		return &ProposeCustomOutput{}, nil

	case MsgAckCustomOutput:
		return &AckCustomOutput{}, nil

	case MsgCustomOutputCommitSig:
		return &CustomOutputCommitSig{}, nil

	case MsgRejectCustomOutput:
		return &RejectCustomOutput{}, nil

	default:
		return nil, fmt.Errorf("unknown custom output message type %d",
			t)
	}
}

// ToCustom wraps msg into an lnwire.Custom ready to be sent to a peer.
func ToCustom(msg Message) (*lnwire.Custom, error) {
	var b bytes.Buffer
	if err := msg.Encode(&b); err != nil {
		return nil, fmt.Errorf("unable to encode %T: %w", msg, err)
	}

	return lnwire.NewCustom(msg.MsgType(), b.Bytes())
}

// FromCustom parses the payload of an lnwire.Custom message.
func FromCustom(c *lnwire.Custom) (Message, error) {
	msg, err := makeEmptyMessage(c.Type)
	if err != nil {
		return nil, err
	}

	if err := msg.Decode(bytes.NewReader(c.Data)); err != nil {
		return nil, fmt.Errorf("unable to decode %T: %w", msg, err)
	}

	return msg, nil
}

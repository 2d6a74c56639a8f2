package cfdwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

// roundTrip pushes msg through the lnwire framing the transport uses and
// returns what the receiving side parses.
func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()

	custom, err := ToCustom(msg)
	require.NoError(t, err)
	require.Equal(t, msg.MsgType(), custom.MsgType())

	var b bytes.Buffer
	_, err = lnwire.WriteMessage(&b, custom, 0)
	require.NoError(t, err)

	read, err := lnwire.ReadMessage(&b, 0)
	require.NoError(t, err)

	readCustom, ok := read.(*lnwire.Custom)
	require.True(t, ok, "expected custom message, got %T", read)
	require.True(t, IsCustomOutputMsg(readCustom.Type))

	parsed, err := FromCustom(readCustom)
	require.NoError(t, err)

	return parsed
}

// TestProposalFraming checks a proposal and its answers survive the wire.
func TestProposalFraming(t *testing.T) {
	t.Parallel()

	propose := &ProposeCustomOutput{
		ChanID:      lnwire.ChannelID{1, 2, 3},
		OutputID:    [32]byte{4, 5, 6},
		Action:      ActionRemove,
		TakerAmount: 340_357_000,
		MakerAmount: 621_945_000,
		Expiry:      40,
		Script:      []byte{0x00, 0x20, 0xe3, 0xb0},
	}
	require.Equal(t, propose, roundTrip(t, propose))
	require.EqualValues(t, 962_302_000, propose.Total())

	ack := &AckCustomOutput{
		ChanID:   lnwire.ChannelID{1},
		OutputID: [32]byte{2},
	}
	require.Equal(t, ack, roundTrip(t, ack))

	reject := &RejectCustomOutput{
		ChanID:   lnwire.ChannelID{1},
		OutputID: [32]byte{2},
		Reason:   []byte("proposal pending"),
	}
	parsed := roundTrip(t, reject)
	require.Equal(t, reject, parsed)
	require.ErrorContains(
		t, parsed.(*RejectCustomOutput).Error(), "proposal pending",
	)
}

// TestCommitSigFraming checks the embedded commit sig and revocation are
// carried intact with the sender key.
func TestCommitSigFraming(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	hash := chainhash.HashB([]byte("commitment"))
	sig, err := lnwire.NewSigFromSignature(ecdsa.Sign(priv, hash))
	require.NoError(t, err)

	chanID := lnwire.ChannelID{9}
	commitSig := &lnwire.CommitSig{
		ChanID:    chanID,
		CommitSig: sig,
	}

	rev := lnwire.NewRevokeAndAck()
	rev.ChanID = chanID
	rev.Revocation = [32]byte{7, 7, 7}
	rev.NextRevocationKey = priv.PubKey()

	msg := &CustomOutputCommitSig{
		CommitSig:    commitSig,
		RevokeAndAck: rev,
		SenderKey:    priv.PubKey(),
	}

	parsed, ok := roundTrip(t, msg).(*CustomOutputCommitSig)
	require.True(t, ok)
	require.GreaterOrEqual(
		t, uint16(MsgProposeCustomOutput), uint16(lnwire.CustomTypeStart),
	)

	require.Equal(t, chanID, parsed.CommitSig.ChanID)
	require.Empty(t, parsed.CommitSig.HtlcSigs)

	require.Equal(t, chanID, parsed.RevokeAndAck.ChanID)
	require.Equal(t, rev.Revocation, parsed.RevokeAndAck.Revocation)
	require.True(t, priv.PubKey().IsEqual(
		parsed.RevokeAndAck.NextRevocationKey,
	))
	require.True(t, priv.PubKey().IsEqual(parsed.SenderKey))

	wireSig, err := parsed.CommitSig.CommitSig.ToSignature()
	require.NoError(t, err)
	require.True(t, wireSig.Verify(hash, priv.PubKey()))

	// Every part is mandatory.
	_, err = ToCustom(&CustomOutputCommitSig{CommitSig: commitSig})
	require.ErrorIs(t, err, ErrMissingField)
}

// TestUnknownCustomType makes sure foreign custom messages are refused.
func TestUnknownCustomType(t *testing.T) {
	t.Parallel()

	custom, err := lnwire.NewCustom(MsgRejectCustomOutput+1, nil)
	require.NoError(t, err)
	require.False(t, IsCustomOutputMsg(custom.Type))

	_, err = FromCustom(custom)
	require.Error(t, err)
}

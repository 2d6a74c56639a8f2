package chanstate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/shachain"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeChanID          tlv.Type = 0
	typePendingChanID   tlv.Type = 1
	typeState           tlv.Type = 2
	typeFlags           tlv.Type = 3
	typePeer            tlv.Type = 4
	typeCapacity        tlv.Type = 5
	typePushAmount      tlv.Type = 6
	typeFeePerKw        tlv.Type = 7
	typeFundingOutpoint tlv.Type = 8
	typeShortChanID     tlv.Type = 9
	typeConfirmedHeight tlv.Type = 10
	typeClosingTxid     tlv.Type = 11
	typeKeyIndex        tlv.Type = 12
	typeLocalCfg        tlv.Type = 13
	typeRemoteCfg       tlv.Type = 14
	typeLocalCommit     tlv.Type = 15
	typeRemoteCommit    tlv.Type = 16
	typeRemoteCurrent   tlv.Type = 17
	typeRemoteNext      tlv.Type = 18
	typeRevocations     tlv.Type = 19
	typeNextHtlcID      tlv.Type = 20
	typeFundingTx       tlv.Type = 21
	typeLocalShutdown   tlv.Type = 22
	typeRemoteShutdown  tlv.Type = 23
)

const (
	flagInitiator uint8 = 1 << iota
	flagZeroConf
	flagLocalReady
	flagRemoteReady
)

// maxScriptSize bounds scripts read back from a checkpoint.
const maxScriptSize = 10_000

var byteOrder = binary.BigEndian

// errMissingRecord is returned when a mandatory checkpoint record is absent.
var errMissingRecord = errors.New("missing checkpoint record")

// encodeChannel serializes the persistent state of c.
func encodeChannel(w io.Writer, c *Channel) error {
	var (
		chanID   = [32]byte(c.ChanID)
		state    = uint8(c.State)
		capacity = uint64(c.Capacity)
		push     = uint64(c.PushAmount)
		feePerKw = uint64(c.FeePerKw)
		keyIndex = c.keys.index
		peer     = c.Peer
	)

	var flags uint8
	if c.IsInitiator {
		flags |= flagInitiator
	}
	if c.ZeroConf {
		flags |= flagZeroConf
	}
	if c.localReady {
		flags |= flagLocalReady
	}
	if c.remoteReady {
		flags |= flagRemoteReady
	}

	var outpoint, localCfg, remoteCfg, localCommit, remoteCommit,
		revocations bytes.Buffer

	if err := writeOutpoint(&outpoint, c.FundingOutpoint); err != nil {
		return err
	}
	if err := writeConfig(&localCfg, c.localCfg); err != nil {
		return err
	}
	if err := writeConfig(&remoteCfg, c.remoteCfg); err != nil {
		return err
	}
	err := writeCommitment(&localCommit, c.localCommit.state)
	if err != nil {
		return err
	}
	if err := writeSig(&localCommit, c.localCommit.sig); err != nil {
		return err
	}
	if err := writeCommitment(&remoteCommit, c.remoteCommit); err != nil {
		return err
	}
	if err := c.remoteRevocations.Encode(&revocations); err != nil {
		return err
	}

	var (
		outpointBytes     = outpoint.Bytes()
		localCfgBytes     = localCfg.Bytes()
		remoteCfgBytes    = remoteCfg.Bytes()
		localCommitBytes  = localCommit.Bytes()
		remoteCommitBytes = remoteCommit.Bytes()
		revocationBytes   = revocations.Bytes()
		confirmedHeight   = c.ConfirmedHeight
		nextHtlcID        = c.nextLocalHtlcID
	)

	// Records must be added in ascending type order.
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typePendingChanID, &c.PendingChanID),
		tlv.MakePrimitiveRecord(typeState, &state),
		tlv.MakePrimitiveRecord(typeFlags, &flags),
		tlv.MakePrimitiveRecord(typePeer, &peer),
		tlv.MakePrimitiveRecord(typeCapacity, &capacity),
		tlv.MakePrimitiveRecord(typePushAmount, &push),
		tlv.MakePrimitiveRecord(typeFeePerKw, &feePerKw),
		tlv.MakePrimitiveRecord(typeFundingOutpoint, &outpointBytes),
	}

	scid, hasScid := uint64(0), false
	c.ShortChanID.WhenSome(func(s lnwire.ShortChannelID) {
		scid, hasScid = s.ToUint64(), true
	})
	if hasScid {
		records = append(records,
			tlv.MakePrimitiveRecord(typeShortChanID, &scid),
		)
	}

	records = append(records, tlv.MakePrimitiveRecord(
		typeConfirmedHeight, &confirmedHeight,
	))

	var closingTxid [32]byte
	if c.ClosingTxid.IsSome() {
		closingTxid = c.ClosingTxid.UnwrapOr(chainhash.Hash{})
		records = append(records,
			tlv.MakePrimitiveRecord(typeClosingTxid, &closingTxid),
		)
	}

	records = append(records,
		tlv.MakePrimitiveRecord(typeKeyIndex, &keyIndex),
		tlv.MakePrimitiveRecord(typeLocalCfg, &localCfgBytes),
		tlv.MakePrimitiveRecord(typeRemoteCfg, &remoteCfgBytes),
		tlv.MakePrimitiveRecord(typeLocalCommit, &localCommitBytes),
		tlv.MakePrimitiveRecord(typeRemoteCommit, &remoteCommitBytes),
	)

	remoteCurrent, remoteNext := c.remoteCurrentPoint, c.remoteNextPoint
	if remoteCurrent != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			typeRemoteCurrent, &remoteCurrent,
		))
	}
	if remoteNext != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			typeRemoteNext, &remoteNext,
		))
	}

	records = append(records,
		tlv.MakePrimitiveRecord(typeRevocations, &revocationBytes),
		tlv.MakePrimitiveRecord(typeNextHtlcID, &nextHtlcID),
	)

	var fundingTx []byte
	if c.FundingTx != nil {
		var b bytes.Buffer
		if err := c.FundingTx.Serialize(&b); err != nil {
			return err
		}
		fundingTx = b.Bytes()
		records = append(records,
			tlv.MakePrimitiveRecord(typeFundingTx, &fundingTx),
		)
	}

	localShutdown, remoteShutdown := c.localShutdown, c.remoteShutdown
	if localShutdown != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			typeLocalShutdown, &localShutdown,
		))
	}
	if remoteShutdown != nil {
		records = append(records, tlv.MakePrimitiveRecord(
			typeRemoteShutdown, &remoteShutdown,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeChannel reads a channel written by encodeChannel. The private keys
// are derived again from ring.
func decodeChannel(r io.Reader, ring KeyRing) (*Channel, error) {
	var (
		chanID, pendingID, closingTxid           [32]byte
		state, flags                             uint8
		peer, remoteCurrent, remoteNext          *btcec.PublicKey
		capacity, push, feePerKw, scid, htlcID   uint64
		confirmedHeight, keyIndex                uint32
		outpoint, localCfg, remoteCfg            []byte
		localCommit, remoteCommit, revocations   []byte
		fundingTx, localShutdown, remoteShutdown []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeChanID, &chanID),
		tlv.MakePrimitiveRecord(typePendingChanID, &pendingID),
		tlv.MakePrimitiveRecord(typeState, &state),
		tlv.MakePrimitiveRecord(typeFlags, &flags),
		tlv.MakePrimitiveRecord(typePeer, &peer),
		tlv.MakePrimitiveRecord(typeCapacity, &capacity),
		tlv.MakePrimitiveRecord(typePushAmount, &push),
		tlv.MakePrimitiveRecord(typeFeePerKw, &feePerKw),
		tlv.MakePrimitiveRecord(typeFundingOutpoint, &outpoint),
		tlv.MakePrimitiveRecord(typeShortChanID, &scid),
		tlv.MakePrimitiveRecord(typeConfirmedHeight, &confirmedHeight),
		tlv.MakePrimitiveRecord(typeClosingTxid, &closingTxid),
		tlv.MakePrimitiveRecord(typeKeyIndex, &keyIndex),
		tlv.MakePrimitiveRecord(typeLocalCfg, &localCfg),
		tlv.MakePrimitiveRecord(typeRemoteCfg, &remoteCfg),
		tlv.MakePrimitiveRecord(typeLocalCommit, &localCommit),
		tlv.MakePrimitiveRecord(typeRemoteCommit, &remoteCommit),
		tlv.MakePrimitiveRecord(typeRemoteCurrent, &remoteCurrent),
		tlv.MakePrimitiveRecord(typeRemoteNext, &remoteNext),
		tlv.MakePrimitiveRecord(typeRevocations, &revocations),
		tlv.MakePrimitiveRecord(typeNextHtlcID, &htlcID),
		tlv.MakePrimitiveRecord(typeFundingTx, &fundingTx),
		tlv.MakePrimitiveRecord(typeLocalShutdown, &localShutdown),
		tlv.MakePrimitiveRecord(typeRemoteShutdown, &remoteShutdown),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}
	for _, typ := range []tlv.Type{
		typeChanID, typeState, typePeer, typeCapacity,
		typeFundingOutpoint, typeKeyIndex, typeLocalCfg, typeRemoteCfg,
		typeLocalCommit, typeRemoteCommit, typeRevocations,
	} {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: type %d", errMissingRecord,
				typ)
		}
	}

	c := &Channel{
		ChanID:             lnwire.ChannelID(chanID),
		PendingChanID:      pendingID,
		State:              ChannelState(state),
		IsInitiator:        flags&flagInitiator != 0,
		ZeroConf:           flags&flagZeroConf != 0,
		Peer:               peer,
		Capacity:           btcutil.Amount(capacity),
		PushAmount:         lnwire.MilliSatoshi(push),
		FeePerKw:           chainfee.SatPerKWeight(feePerKw),
		ConfirmedHeight:    confirmedHeight,
		localReady:         flags&flagLocalReady != 0,
		remoteReady:        flags&flagRemoteReady != 0,
		remoteCurrentPoint: remoteCurrent,
		remoteNextPoint:    remoteNext,
		nextLocalHtlcID:    htlcID,
		localShutdown:      localShutdown,
		remoteShutdown:     remoteShutdown,
	}

	if _, ok := parsed[typeShortChanID]; ok {
		c.ShortChanID = fn.Some(lnwire.NewShortChanIDFromInt(scid))
	}
	if _, ok := parsed[typeClosingTxid]; ok {
		c.ClosingTxid = fn.Some(chainhash.Hash(closingTxid))
	}

	c.FundingOutpoint, err = readOutpoint(bytes.NewReader(outpoint))
	if err != nil {
		return nil, err
	}

	if c.localCfg, err = readConfig(bytes.NewReader(localCfg)); err != nil {
		return nil, err
	}
	c.remoteCfg, err = readConfig(bytes.NewReader(remoteCfg))
	if err != nil {
		return nil, err
	}

	localReader := bytes.NewReader(localCommit)
	localState, err := readCommitment(localReader)
	if err != nil {
		return nil, err
	}
	localSig, err := readSig(localReader)
	if err != nil {
		return nil, err
	}
	c.localCommit = &signedCommitment{state: localState, sig: localSig}

	c.remoteCommit, err = readCommitment(bytes.NewReader(remoteCommit))
	if err != nil {
		return nil, err
	}

	c.remoteRevocations, err = shachain.NewRevocationStoreFromBytes(
		bytes.NewReader(revocations),
	)
	if err != nil {
		return nil, err
	}

	if len(fundingTx) > 0 {
		c.FundingTx = wire.NewMsgTx(2)
		err := c.FundingTx.Deserialize(bytes.NewReader(fundingTx))
		if err != nil {
			return nil, err
		}
	}

	if c.keys, err = deriveChannelKeys(ring, keyIndex); err != nil {
		return nil, err
	}
	if !c.keys.funding.PubKey().IsEqual(c.localCfg.FundingKey) {
		return nil, fmt.Errorf("funding key of channel %v does not "+
			"match the key ring", c.ChanID)
	}

	if err := c.setFunding(); err != nil {
		return nil, err
	}

	return c, nil
}

func writeOutpoint(w io.Writer, op wire.OutPoint) error {
	if _, err := w.Write(op.Hash[:]); err != nil {
		return err
	}

	return binary.Write(w, byteOrder, op.Index)
}

func readOutpoint(r io.Reader) (wire.OutPoint, error) {
	var op wire.OutPoint
	if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
		return op, err
	}
	err := binary.Read(r, byteOrder, &op.Index)

	return op, err
}

func writePubKey(w io.Writer, key *btcec.PublicKey) error {
	_, err := w.Write(key.SerializeCompressed())
	return err
}

func readPubKey(r io.Reader) (*btcec.PublicKey, error) {
	var b [btcec.PubKeyBytesLenCompressed]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(b[:])
}

func writeConfig(w io.Writer, cfg *ChannelConfig) error {
	for _, key := range []*btcec.PublicKey{
		cfg.FundingKey, cfg.RevocationBasePoint, cfg.PaymentBasePoint,
		cfg.DelayBasePoint, cfg.HtlcBasePoint,
	} {
		if err := writePubKey(w, key); err != nil {
			return err
		}
	}
	if err := binary.Write(w, byteOrder, cfg.CsvDelay); err != nil {
		return err
	}

	return binary.Write(w, byteOrder, int64(cfg.DustLimit))
}

func readConfig(r io.Reader) (*ChannelConfig, error) {
	cfg := &ChannelConfig{}
	for _, key := range []**btcec.PublicKey{
		&cfg.FundingKey, &cfg.RevocationBasePoint,
		&cfg.PaymentBasePoint, &cfg.DelayBasePoint, &cfg.HtlcBasePoint,
	} {
		var err error
		if *key, err = readPubKey(r); err != nil {
			return nil, err
		}
	}
	if err := binary.Read(r, byteOrder, &cfg.CsvDelay); err != nil {
		return nil, err
	}

	var dust int64
	if err := binary.Read(r, byteOrder, &dust); err != nil {
		return nil, err
	}
	cfg.DustLimit = btcutil.Amount(dust)

	return cfg, nil
}

func writeSig(w io.Writer, sig lnwire.Sig) error {
	parsed, err := sig.ToSignature()
	if err != nil {
		return err
	}

	return wire.WriteVarBytes(w, 0, parsed.Serialize())
}

func readSig(r io.Reader) (lnwire.Sig, error) {
	der, err := wire.ReadVarBytes(r, 0, 80, "sig")
	if err != nil {
		return lnwire.Sig{}, err
	}

	return lnwire.NewSigFromECDSARawSignature(der)
}

func writeCommitment(w io.Writer, c *commitment) error {
	for _, v := range []uint64{
		c.height, uint64(c.localBalance), uint64(c.remoteBalance),
		uint64(len(c.htlcs)),
	} {
		if err := binary.Write(w, byteOrder, v); err != nil {
			return err
		}
	}

	for _, htlc := range c.htlcs {
		var incoming uint8
		if htlc.Incoming {
			incoming = 1
		}
		for _, v := range []any{
			htlc.ID, incoming, uint64(htlc.Amount),
			htlc.PaymentHash, htlc.Expiry,
		} {
			if err := binary.Write(w, byteOrder, v); err != nil {
				return err
			}
		}
	}

	count := uint64(len(c.customOutputs))
	if err := binary.Write(w, byteOrder, count); err != nil {
		return err
	}
	for _, out := range c.customOutputs {
		var localIsTaker uint8
		if out.LocalIsTaker {
			localIsTaker = 1
		}
		for _, v := range []any{
			out.ID, uint64(out.TakerAmount), uint64(out.MakerAmount),
			out.Expiry, localIsTaker,
		} {
			if err := binary.Write(w, byteOrder, v); err != nil {
				return err
			}
		}
		if err := wire.WriteVarBytes(w, 0, out.Script); err != nil {
			return err
		}
	}

	return nil
}

func readCommitment(r io.Reader) (*commitment, error) {
	c := &commitment{}

	var local, remote, numHtlcs uint64
	for _, v := range []*uint64{&c.height, &local, &remote, &numHtlcs} {
		if err := binary.Read(r, byteOrder, v); err != nil {
			return nil, err
		}
	}
	c.localBalance = lnwire.MilliSatoshi(local)
	c.remoteBalance = lnwire.MilliSatoshi(remote)

	if numHtlcs > 2*DefaultMaxAcceptedHTLCs {
		return nil, fmt.Errorf("too many htlcs: %d", numHtlcs)
	}
	for i := uint64(0); i < numHtlcs; i++ {
		var (
			htlc     HTLC
			incoming uint8
			amt      uint64
		)
		for _, v := range []any{
			&htlc.ID, &incoming, &amt, &htlc.PaymentHash,
			&htlc.Expiry,
		} {
			if err := binary.Read(r, byteOrder, v); err != nil {
				return nil, err
			}
		}
		htlc.Incoming = incoming == 1
		htlc.Amount = lnwire.MilliSatoshi(amt)
		c.htlcs = append(c.htlcs, htlc)
	}

	var numOutputs uint64
	if err := binary.Read(r, byteOrder, &numOutputs); err != nil {
		return nil, err
	}
	if numOutputs > maxScriptSize {
		return nil, fmt.Errorf("too many custom outputs: %d",
			numOutputs)
	}
	for i := uint64(0); i < numOutputs; i++ {
		var (
			out          CustomOutput
			taker, maker uint64
			localIsTaker uint8
		)
		for _, v := range []any{
			&out.ID, &taker, &maker, &out.Expiry, &localIsTaker,
		} {
			if err := binary.Read(r, byteOrder, v); err != nil {
				return nil, err
			}
		}
		out.TakerAmount = lnwire.MilliSatoshi(taker)
		out.MakerAmount = lnwire.MilliSatoshi(maker)
		out.LocalIsTaker = localIsTaker == 1

		script, err := wire.ReadVarBytes(
			r, 0, maxScriptSize, "custom output script",
		)
		if err != nil {
			return nil, err
		}
		out.Script = script
		c.customOutputs = append(c.customOutputs, out)
	}

	return c, nil
}

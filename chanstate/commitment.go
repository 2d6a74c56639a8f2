package chanstate

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// commitWeight is the weight of a commitment transaction without any
	// HTLC or custom outputs.
	commitWeight = 724

	// extraOutputWeight is the weight added by each HTLC or custom output.
	extraOutputWeight = 172
)

var (
	// ErrInsufficientBalance is returned when an update would leave a
	// party with a negative balance.
	ErrInsufficientBalance = errors.New("insufficient channel balance")

	// ErrUnknownHTLC is returned when a settle or fail references an HTLC
	// that is not on the commitment.
	ErrUnknownHTLC = errors.New("unknown htlc")

	// ErrInvalidPreimage is returned when a preimage does not match the
	// payment hash of the HTLC it settles.
	ErrInvalidPreimage = errors.New("preimage does not match payment hash")

	// ErrDuplicateCustomOutput is returned when a custom output id is
	// already present on the commitment.
	ErrDuplicateCustomOutput = errors.New("custom output already exists")

	// ErrUnknownCustomOutput is returned when a custom output id is not
	// present on the commitment.
	ErrUnknownCustomOutput = errors.New("unknown custom output")

	// ErrPayoutMismatch is returned when the payouts of a removed custom
	// output do not add up to the amount it locks.
	ErrPayoutMismatch = errors.New("payouts do not sum to the custom " +
		"output total")
)

// CustomOutputID identifies a custom output within its channel.
type CustomOutputID [32]byte

// HTLC is a hash time locked output of a commitment.
type HTLC struct {
	// ID is assigned by the offering party, starting at zero.
	ID uint64

	// Incoming is true if the remote party offered the HTLC.
	Incoming bool

	Amount      lnwire.MilliSatoshi
	PaymentHash [32]byte
	Expiry      uint32
}

// CustomOutput is an output embedded in the commitment transactions that
// locks funds of both parties under an arbitrary script.
type CustomOutput struct {
	ID CustomOutputID

	// TakerAmount and MakerAmount are the funds each party locks.
	TakerAmount lnwire.MilliSatoshi
	MakerAmount lnwire.MilliSatoshi

	// Expiry is the absolute block height after which the output
	// settles on chain.
	Expiry uint32

	// Script is the output script of the custom output.
	Script []byte

	// LocalIsTaker is true if we are the taker of this output.
	LocalIsTaker bool
}

// Total is the amount locked by the output.
func (c *CustomOutput) Total() lnwire.MilliSatoshi {
	return c.TakerAmount + c.MakerAmount
}

// localAmount returns the part of the output contributed by us.
func (c *CustomOutput) localAmount() lnwire.MilliSatoshi {
	if c.LocalIsTaker {
		return c.TakerAmount
	}

	return c.MakerAmount
}

// remoteAmount returns the part of the output contributed by the remote.
func (c *CustomOutput) remoteAmount() lnwire.MilliSatoshi {
	return c.Total() - c.localAmount()
}

// UpdateKind is the kind of a commitment update.
type UpdateKind uint8

const (
	// UpdateAddHTLC offers a new HTLC.
	UpdateAddHTLC UpdateKind = iota

	// UpdateSettleHTLC settles a received HTLC with its preimage.
	UpdateSettleHTLC

	// UpdateFailHTLC fails a received HTLC.
	UpdateFailHTLC

	// UpdateAddCustomOutput adds a custom output.
	UpdateAddCustomOutput

	// UpdateRemoveCustomOutput removes a custom output and pays out both
	// parties.
	UpdateRemoveCustomOutput
)

// String returns a human readable name of the update kind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateAddHTLC:
		return "add_htlc"
	case UpdateSettleHTLC:
		return "settle_htlc"
	case UpdateFailHTLC:
		return "fail_htlc"
	case UpdateAddCustomOutput:
		return "add_custom_output"
	case UpdateRemoveCustomOutput:
		return "remove_custom_output"
	default:
		return fmt.Sprintf("update(%d)", uint8(k))
	}
}

// Update is a single change to the commitment, proposed by one party.
type Update struct {
	Kind UpdateKind

	// HTLC is set for UpdateAddHTLC.
	HTLC HTLC

	// HtlcID references the HTLC of a settle or fail.
	HtlcID uint64

	// Preimage is set for UpdateSettleHTLC.
	Preimage [32]byte

	// CustomOutput is set for UpdateAddCustomOutput. For a remove only
	// its ID is used.
	CustomOutput CustomOutput

	// TakerPayout and MakerPayout are set for UpdateRemoveCustomOutput.
	TakerPayout lnwire.MilliSatoshi
	MakerPayout lnwire.MilliSatoshi
}

// isCustom returns true if the update touches a custom output.
func (u *Update) isCustom() bool {
	return u.Kind == UpdateAddCustomOutput ||
		u.Kind == UpdateRemoveCustomOutput
}

// commitment is the state of both balances at one commitment height.
// Balances are from our point of view.
type commitment struct {
	height        uint64
	localBalance  lnwire.MilliSatoshi
	remoteBalance lnwire.MilliSatoshi
	htlcs         []HTLC
	customOutputs []CustomOutput
}

// copy returns a deep copy of the commitment.
func (c *commitment) copy() *commitment {
	cp := *c
	cp.htlcs = append([]HTLC(nil), c.htlcs...)
	cp.customOutputs = make([]CustomOutput, len(c.customOutputs))
	for i, out := range c.customOutputs {
		out.Script = append([]byte(nil), out.Script...)
		cp.customOutputs[i] = out
	}

	return &cp
}

// findHTLC returns the index of the HTLC with the given id and direction.
func (c *commitment) findHTLC(id uint64, incoming bool) int {
	for i, htlc := range c.htlcs {
		if htlc.ID == id && htlc.Incoming == incoming {
			return i
		}
	}

	return -1
}

// findCustomOutput returns the index of the custom output with the given id.
func (c *commitment) findCustomOutput(id CustomOutputID) int {
	for i, out := range c.customOutputs {
		if out.ID == id {
			return i
		}
	}

	return -1
}

// debit takes amt from the local or remote balance.
func (c *commitment) debit(local bool, amt lnwire.MilliSatoshi) error {
	bal := &c.remoteBalance
	if local {
		bal = &c.localBalance
	}
	if *bal < amt {
		return fmt.Errorf("%w: have %v, need %v",
			ErrInsufficientBalance, *bal, amt)
	}
	*bal -= amt

	return nil
}

// credit adds amt to the local or remote balance.
func (c *commitment) credit(local bool, amt lnwire.MilliSatoshi) {
	if local {
		c.localBalance += amt
	} else {
		c.remoteBalance += amt
	}
}

// apply applies a single update proposed by us (local) or by the remote
// party.
func (c *commitment) apply(u *Update, local bool) error {
	switch u.Kind {
	case UpdateAddHTLC:
		htlc := u.HTLC
		htlc.Incoming = !local
		if c.findHTLC(htlc.ID, htlc.Incoming) != -1 {
			return fmt.Errorf("duplicate htlc id %d", htlc.ID)
		}
		if err := c.debit(local, htlc.Amount); err != nil {
			return err
		}
		c.htlcs = append(c.htlcs, htlc)

	// Only the receiver of an HTLC settles or fails it.
	case UpdateSettleHTLC, UpdateFailHTLC:
		idx := c.findHTLC(u.HtlcID, local)
		if idx == -1 {
			return fmt.Errorf("%w: id=%d", ErrUnknownHTLC, u.HtlcID)
		}
		htlc := c.htlcs[idx]

		if u.Kind == UpdateSettleHTLC {
			if sha256.Sum256(u.Preimage[:]) != htlc.PaymentHash {
				return ErrInvalidPreimage
			}
			c.credit(local, htlc.Amount)
		} else {
			c.credit(!local, htlc.Amount)
		}
		c.htlcs = append(c.htlcs[:idx], c.htlcs[idx+1:]...)

	case UpdateAddCustomOutput:
		out := u.CustomOutput
		if c.findCustomOutput(out.ID) != -1 {
			return ErrDuplicateCustomOutput
		}
		if err := c.debit(true, out.localAmount()); err != nil {
			return err
		}
		if err := c.debit(false, out.remoteAmount()); err != nil {
			return err
		}
		c.customOutputs = append(c.customOutputs, out)

	case UpdateRemoveCustomOutput:
		idx := c.findCustomOutput(u.CustomOutput.ID)
		if idx == -1 {
			return ErrUnknownCustomOutput
		}
		out := c.customOutputs[idx]
		if u.TakerPayout+u.MakerPayout != out.Total() {
			return fmt.Errorf("%w: %v + %v != %v", ErrPayoutMismatch,
				u.TakerPayout, u.MakerPayout, out.Total())
		}

		c.credit(out.LocalIsTaker, u.TakerPayout)
		c.credit(!out.LocalIsTaker, u.MakerPayout)
		c.customOutputs = append(
			c.customOutputs[:idx], c.customOutputs[idx+1:]...,
		)

	default:
		return fmt.Errorf("unknown update kind %v", u.Kind)
	}

	return nil
}

// next applies the updates on a copy of the commitment and returns it at
// the next height.
func (c *commitment) next(updates []Update, local bool) (*commitment, error) {
	next := c.copy()
	for i := range updates {
		if err := next.apply(&updates[i], local); err != nil {
			return nil, fmt.Errorf("%v update: %w", updates[i].Kind,
				err)
		}
	}
	next.height++

	return next, nil
}

// commitFee returns the fee of a commitment with n extra outputs.
func commitFee(feePerKw chainfee.SatPerKWeight, n int) btcutil.Amount {
	weight := int64(commitWeight + extraOutputWeight*n)

	return btcutil.Amount(int64(feePerKw) * weight / 1000)
}

// htlcScript returns the witness script of an HTLC output: the receiver can
// spend with the preimage, the sender after the expiry height.
func htlcScript(senderKey, receiverKey *btcec.PublicKey, paymentHash [32]byte,
	expiry uint32) ([]byte, error) {

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash[:])
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(receiverKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(expiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// commitKeys are the keys of one commitment transaction.
type commitKeys struct {
	// toLocalKey is the delayed key of the commitment owner.
	toLocalKey *btcec.PublicKey

	// revocationKey can sweep the owner's output if the commitment is
	// revoked.
	revocationKey *btcec.PublicKey

	// toRemoteKey receives the balance of the non-owner.
	toRemoteKey *btcec.PublicKey
}

// deriveCommitKeys derives the keys of the commitment owned by owner, with
// other the counterparty, at the commitment point.
func deriveCommitKeys(owner, other *ChannelConfig,
	point *btcec.PublicKey) *commitKeys {

	return &commitKeys{
		toLocalKey: input.TweakPubKey(owner.DelayBasePoint, point),
		revocationKey: input.DeriveRevocationPubkey(
			other.RevocationBasePoint, point,
		),
		toRemoteKey: other.PaymentBasePoint,
	}
}

// commitTxParams holds everything needed to build one commitment
// transaction.
type commitTxParams struct {
	fundingOutpoint wire.OutPoint
	state           *commitment

	// ownerLocal is true when building our own commitment.
	ownerLocal bool

	// ownerIsInitiator is true if the owner opened the channel and pays
	// the fee.
	ownerIsInitiator bool

	owner, other *ChannelConfig
	point        *btcec.PublicKey
	feePerKw     chainfee.SatPerKWeight
}

// toLocalScript returns the witness script of the owner's delayed output.
func (p *commitTxParams) toLocalScript() ([]byte, error) {
	keys := deriveCommitKeys(p.owner, p.other, p.point)

	return input.CommitScriptToSelf(
		uint32(p.other.CsvDelay), keys.toLocalKey, keys.revocationKey,
	)
}

// buildCommitTx builds the commitment transaction described by params.
func buildCommitTx(p *commitTxParams) (*wire.MsgTx, error) {
	state := p.state
	keys := deriveCommitKeys(p.owner, p.other, p.point)

	ownerBalance, otherBalance := state.localBalance, state.remoteBalance
	if !p.ownerLocal {
		ownerBalance, otherBalance = otherBalance, ownerBalance
	}

	ownerAmt := ownerBalance.ToSatoshis()
	otherAmt := otherBalance.ToSatoshis()

	fee := commitFee(
		p.feePerKw, len(state.htlcs)+len(state.customOutputs),
	)
	if p.ownerIsInitiator {
		ownerAmt -= fee
	} else {
		otherAmt -= fee
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&p.fundingOutpoint, nil, nil))

	dust := p.owner.DustLimit
	if ownerAmt >= dust {
		script, err := p.toLocalScript()
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(ownerAmt), pkScript))
	}

	if otherAmt >= dust {
		pkScript, err := input.CommitScriptUnencumbered(keys.toRemoteKey)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(otherAmt), pkScript))
	}

	for _, htlc := range state.htlcs {
		amt := htlc.Amount.ToSatoshis()
		if amt < dust {
			continue
		}

		// The offering party is the sender of the HTLC.
		senderLocal := !htlc.Incoming
		sender, receiver := p.owner, p.other
		if senderLocal != p.ownerLocal {
			sender, receiver = receiver, sender
		}

		script, err := htlcScript(
			sender.HtlcBasePoint, receiver.HtlcBasePoint,
			htlc.PaymentHash, htlc.Expiry,
		)
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))
	}

	for _, out := range state.customOutputs {
		amt := out.Total().ToSatoshis()
		if amt < dust {
			continue
		}
		tx.AddTxOut(wire.NewTxOut(int64(amt), out.Script))
	}

	txsort.InPlaceSort(tx)

	return tx, nil
}

// fundingSigHash returns the sighash of the transaction spending the funding
// output in input 0.
func fundingSigHash(tx *wire.MsgTx, witnessScript []byte,
	fundingOut *wire.TxOut) ([]byte, error) {

	fetcher := txscript.NewCannedPrevOutputFetcher(
		fundingOut.PkScript, fundingOut.Value,
	)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)

	return txscript.CalcWitnessSigHash(
		witnessScript, hashCache, txscript.SigHashAll, tx, 0,
		fundingOut.Value,
	)
}

// signFundingSpend signs input 0 of tx with our funding key.
func signFundingSpend(tx *wire.MsgTx, witnessScript []byte,
	fundingOut *wire.TxOut, key *btcec.PrivateKey) (lnwire.Sig, error) {

	hash, err := fundingSigHash(tx, witnessScript, fundingOut)
	if err != nil {
		return lnwire.Sig{}, err
	}

	return lnwire.NewSigFromSignature(ecdsa.Sign(key, hash))
}

// verifyFundingSpend checks sig over input 0 of tx against key.
func verifyFundingSpend(tx *wire.MsgTx, witnessScript []byte,
	fundingOut *wire.TxOut, sig lnwire.Sig, key *btcec.PublicKey) error {

	hash, err := fundingSigHash(tx, witnessScript, fundingOut)
	if err != nil {
		return err
	}

	parsed, err := sig.ToSignature()
	if err != nil {
		return err
	}
	if !parsed.Verify(hash, key) {
		return ErrInvalidSignature
	}

	return nil
}

// fundingWitness returns the witness spending the funding output with both
// signatures.
func fundingWitness(witnessScript []byte, localKey, remoteKey *btcec.PublicKey,
	localSig, remoteSig lnwire.Sig) (wire.TxWitness, error) {

	ourSig, err := localSig.ToSignature()
	if err != nil {
		return nil, err
	}
	theirSig, err := remoteSig.ToSignature()
	if err != nil {
		return nil, err
	}

	return input.SpendMultiSig(
		witnessScript, localKey.SerializeCompressed(), ourSig,
		remoteKey.SerializeCompressed(), theirSig,
	), nil
}

// outputIndex returns the index of the first output of tx paying pkScript,
// or -1.
func outputIndex(tx *wire.MsgTx, pkScript []byte) int {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return i
		}
	}

	return -1
}

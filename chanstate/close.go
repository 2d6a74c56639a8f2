package chanstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

// closingTxWeight is the weight of a cooperative close with two outputs.
const closingTxWeight = 672

var (
	// ErrChannelBusy is returned when a cooperative close is requested
	// while updates are in flight or HTLCs are pending.
	ErrChannelBusy = errors.New("channel has updates in flight")

	// ErrChannelClosing is returned when a channel is already closing.
	ErrChannelClosing = errors.New("channel already closing")

	// ErrNoSpendableOutputs is returned when a sweep gets no inputs.
	ErrNoSpendableOutputs = errors.New("no spendable outputs")
)

// CloseChannel closes a channel. A channel still under negotiation is
// aborted. A forced close broadcasts our latest commitment, a cooperative
// close starts the shutdown negotiation.
func (m *Manager) CloseChannel(ctx context.Context, chanID lnwire.ChannelID,
	force bool) error {

	if _, ok := m.pendingChannel(chanID); ok {
		return m.AbortPendingChannel(ctx, chanID, "closed by user")
	}

	m.mu.Lock()
	c, err := m.channel(chanID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	var events []Event
	if force {
		events, err = m.forceClose(ctx, c, "force closed by user")
	} else {
		err = m.startShutdown(ctx, c)
	}
	m.mu.Unlock()

	m.publish(ctx, events)

	return err
}

// pendingChannel returns the channel under negotiation with the given id.
func (m *Manager) pendingChannel(id [32]byte) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pending[id]

	return c, ok
}

// forceClose broadcasts our latest commitment. Must hold m.mu.
func (m *Manager) forceClose(ctx context.Context, c *Channel,
	reason string) ([]Event, error) {

	if c.State == StateClosed {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosing, c.ChanID)
	}
	if c.State == StateClosing && c.ClosingTxid.IsSome() {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosing, c.ChanID)
	}

	tx, err := c.signedLocalCommitTx()
	if err != nil {
		return nil, err
	}

	log.Warnf("Force closing channel %v at height %d: %v", c.ChanID,
		c.localCommit.state.height, reason)

	m.terminate(c, ErrChannelClosing)
	c.ClosingTxid = fn.Some(tx.TxHash())
	m.logCheckpoint(c)

	if err := m.cfg.ChainSource.BroadcastTx(ctx, tx); err != nil {
		log.Errorf("Unable to broadcast commitment %v: %v",
			tx.TxHash(), err)
	}

	return []Event{&ChannelClosed{ChanID: c.ChanID, Reason: reason}}, nil
}

// terminate stops all updates on c and marks it closing. Must hold m.mu.
func (m *Manager) terminate(c *Channel, reason error) {
	c.State = StateClosing
	c.failRound(reason)
	delete(m.remoteUpdates, c.ChanID)

	for _, q := range m.queued[c.ChanID] {
		q.done <- reason
	}
	delete(m.queued, c.ChanID)
}

// startShutdown sends our Shutdown. Must hold m.mu.
func (m *Manager) startShutdown(ctx context.Context, c *Channel) error {
	if c.State != StateOpen {
		return fmt.Errorf("%w: %v is %v", ErrChannelClosing, c.ChanID,
			c.State)
	}
	if c.round != nil || len(m.queued[c.ChanID]) > 0 ||
		len(m.remoteUpdates[c.ChanID]) > 0 ||
		len(c.localCommit.state.htlcs) > 0 {

		return ErrChannelBusy
	}

	script, err := m.cfg.DeliveryScript(ctx)
	if err != nil {
		return err
	}

	c.State = StateClosing
	c.localShutdown = script
	m.logCheckpoint(c)

	m.send(ctx, c.Peer, &lnwire.Shutdown{
		ChannelID: c.ChanID,
		Address:   lnwire.DeliveryAddress(script),
	})

	return m.maybeProposeClose(ctx, c)
}

// handleShutdown records the remote's delivery script and answers with
// ours. Must hold m.mu.
func (m *Manager) handleShutdown(ctx context.Context, peer *btcec.PublicKey,
	msg *lnwire.Shutdown) ([]Event, error) {

	c, err := m.channel(msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !c.Peer.IsEqual(peer) || len(msg.Address) == 0 {
		return nil, fmt.Errorf("%w: shutdown for %v",
			ErrUnexpectedMessage, msg.ChannelID)
	}

	c.remoteShutdown = append([]byte(nil), msg.Address...)

	if c.localShutdown == nil {
		if c.round != nil || len(c.localCommit.state.htlcs) > 0 {
			m.sendError(ctx, peer, c.ChanID, ErrChannelBusy.Error())
			return nil, ErrChannelBusy
		}

		return nil, m.startShutdown(ctx, c)
	}

	m.logCheckpoint(c)

	return nil, m.maybeProposeClose(ctx, c)
}

// maybeProposeClose sends the first ClosingSigned once both delivery
// scripts are known. The channel initiator pays the fee and proposes.
// Must hold m.mu.
func (m *Manager) maybeProposeClose(ctx context.Context, c *Channel) error {
	if !c.IsInitiator || c.localShutdown == nil || c.remoteShutdown == nil {
		return nil
	}

	fee := btcutil.Amount(int64(c.FeePerKw) * closingTxWeight / 1000)
	tx, err := c.closingTx(fee)
	if err != nil {
		return err
	}
	sig, err := signFundingSpend(
		tx, c.fundingWitnessScript, c.fundingOutput, c.keys.funding,
	)
	if err != nil {
		return err
	}

	m.send(ctx, c.Peer, &lnwire.ClosingSigned{
		ChannelID:   c.ChanID,
		FeeSatoshis: fee,
		Signature:   sig,
	})

	return nil
}

// handleClosingSigned completes a cooperative close. Must hold m.mu.
func (m *Manager) handleClosingSigned(ctx context.Context,
	peer *btcec.PublicKey, msg *lnwire.ClosingSigned) ([]Event, error) {

	c, err := m.channel(msg.ChannelID)
	if err != nil {
		return nil, err
	}
	// A repeated signature after we already broadcast.
	if c.State == StateClosed {
		return nil, nil
	}
	if !c.Peer.IsEqual(peer) || c.State != StateClosing ||
		c.localShutdown == nil || c.remoteShutdown == nil {

		return nil, fmt.Errorf("%w: closing signed for %v",
			ErrUnexpectedMessage, msg.ChannelID)
	}

	tx, err := c.closingTx(msg.FeeSatoshis)
	if err != nil {
		return nil, err
	}
	err = verifyFundingSpend(
		tx, c.fundingWitnessScript, c.fundingOutput, msg.Signature,
		c.remoteCfg.FundingKey,
	)
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
		c.remoteCfg.FundingKey, ourSig, msg.Signature,
	)
	if err != nil {
		return nil, err
	}

	// The proposer gets our matching signature back.
	if !c.IsInitiator {
		m.send(ctx, peer, &lnwire.ClosingSigned{
			ChannelID:   c.ChanID,
			FeeSatoshis: msg.FeeSatoshis,
			Signature:   ourSig,
		})
	}

	if err := m.cfg.ChainSource.BroadcastTx(ctx, tx); err != nil {
		log.Errorf("Unable to broadcast closing tx %v: %v",
			tx.TxHash(), err)
	}

	m.terminate(c, ErrChannelClosing)
	c.State = StateClosed
	c.ClosingTxid = fn.Some(tx.TxHash())
	m.logCheckpoint(c)

	log.Infof("Channel %v cooperatively closed by %v", c.ChanID,
		tx.TxHash())

	return []Event{&ChannelClosed{
		ChanID: c.ChanID,
		Reason: "cooperative close",
	}}, nil
}

// closingTx builds the cooperative close transaction paying fee. Both sides
// build the same transaction.
func (c *Channel) closingTx(fee btcutil.Amount) (*wire.MsgTx, error) {
	state := c.localCommit.state

	ourAmt := state.localBalance.ToSatoshis()
	theirAmt := state.remoteBalance.ToSatoshis()
	if c.IsInitiator {
		ourAmt -= fee
	} else {
		theirAmt -= fee
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&c.FundingOutpoint, nil, nil))

	dust := DefaultDustLimit
	if ourAmt >= dust {
		tx.AddTxOut(wire.NewTxOut(int64(ourAmt), c.localShutdown))
	}
	if theirAmt >= dust {
		tx.AddTxOut(wire.NewTxOut(int64(theirAmt), c.remoteShutdown))
	}
	for _, out := range state.customOutputs {
		amt := out.Total().ToSatoshis()
		if amt >= dust {
			tx.AddTxOut(wire.NewTxOut(int64(amt), out.Script))
		}
	}
	if len(tx.TxOut) == 0 {
		return nil, errors.New("closing transaction has no outputs")
	}

	txsort.InPlaceSort(tx)

	return tx, nil
}

// spendableOutputs returns the outputs of closeTx we can sweep.
func (c *Channel) spendableOutputs(closeTx *wire.MsgTx) (
	[]SpendableOutputDescriptor, error) {

	txid := closeTx.TxHash()

	toRemote, err := input.CommitScriptUnencumbered(
		c.localCfg.PaymentBasePoint,
	)
	if err != nil {
		return nil, err
	}

	// Our delayed output only exists on our own latest commitment.
	point, err := c.keys.commitPoint(c.localCommit.state.height)
	if err != nil {
		return nil, err
	}
	toLocalScript, err := input.CommitScriptToSelf(
		uint32(c.remoteCfg.CsvDelay),
		input.TweakPubKey(c.localCfg.DelayBasePoint, point),
		input.DeriveRevocationPubkey(
			c.remoteCfg.RevocationBasePoint, point,
		),
	)
	if err != nil {
		return nil, err
	}
	toLocal, err := input.WitnessScriptHash(toLocalScript)
	if err != nil {
		return nil, err
	}

	var descs []SpendableOutputDescriptor
	for i, out := range closeTx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}

		switch {
		case bytes.Equal(out.PkScript, toRemote):
			descs = append(descs, SpendableOutputDescriptor{
				Outpoint: op,
				Value:    btcutil.Amount(out.Value),
				PkScript: out.PkScript,
				KeyLoc: keychain.KeyLocator{
					Family: keychain.KeyFamilyPaymentBase,
					Index:  c.keys.index,
				},
			})

		case bytes.Equal(out.PkScript, toLocal):
			descs = append(descs, SpendableOutputDescriptor{
				Outpoint:      op,
				Value:         btcutil.Amount(out.Value),
				PkScript:      out.PkScript,
				WitnessScript: toLocalScript,
				KeyLoc: keychain.KeyLocator{
					Family: keychain.KeyFamilyDelayBase,
					Index:  c.keys.index,
				},
				SingleTweak: input.SingleTweakBytes(
					point, c.localCfg.DelayBasePoint,
				),
				CsvDelay: uint32(c.remoteCfg.CsvDelay),
			})
		}
	}

	return descs, nil
}

// SweepSpendableOutputs builds and signs a transaction spending descs to
// destScript at the given fee rate.
func (m *Manager) SweepSpendableOutputs(descs []SpendableOutputDescriptor,
	destScript []byte, feeRate chainfee.SatPerKWeight) (*wire.MsgTx,
	error) {

	if len(descs) == 0 {
		return nil, ErrNoSpendableOutputs
	}

	tx := wire.NewMsgTx(2)

	var (
		estimator input.TxWeightEstimator
		total     btcutil.Amount
	)
	for _, desc := range descs {
		in := wire.NewTxIn(&desc.Outpoint, nil, nil)
		if desc.CsvDelay > 0 {
			in.Sequence = input.LockTimeToSequence(
				false, desc.CsvDelay,
			)
			estimator.AddWitnessInput(input.ToLocalTimeoutWitnessSize)
		} else {
			estimator.AddP2WKHInput()
		}
		tx.AddTxIn(in)
		total += desc.Value
	}
	estimator.AddOutput(destScript)

	fee := feeRate.FeeForWeight(estimator.Weight())
	if total-fee < DefaultDustLimit {
		return nil, fmt.Errorf("sweep of %v does not cover fee %v",
			total, fee)
	}
	tx.AddTxOut(wire.NewTxOut(int64(total-fee), destScript))

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(descs))
	for _, desc := range descs {
		prevOuts[desc.Outpoint] = wire.NewTxOut(
			int64(desc.Value), desc.PkScript,
		)
	}
	hashes := txscript.NewTxSigHashes(
		tx, txscript.NewMultiPrevOutFetcher(prevOuts),
	)

	for i, desc := range descs {
		key, err := m.cfg.KeyRing.DeriveKey(desc.KeyLoc)
		if err != nil {
			return nil, err
		}
		if len(desc.SingleTweak) > 0 {
			key = input.TweakPrivKey(key, desc.SingleTweak)
		}

		if len(desc.WitnessScript) == 0 {
			witness, err := txscript.WitnessSignature(
				tx, hashes, i, int64(desc.Value), desc.PkScript,
				txscript.SigHashAll, key, true,
			)
			if err != nil {
				return nil, err
			}
			tx.TxIn[i].Witness = witness

			continue
		}

		sig, err := txscript.RawTxInWitnessSignature(
			tx, hashes, i, int64(desc.Value), desc.WitnessScript,
			txscript.SigHashAll, key,
		)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].Witness = wire.TxWitness{
			sig, nil, desc.WitnessScript,
		}
	}

	return tx, nil
}

// closeConfirmed settles a channel whose closing transaction confirmed at
// height. Outputs we can sweep are announced once mature. It returns true
// once the channel is fully resolved. Must hold m.mu.
func (m *Manager) closeConfirmed(ctx context.Context, c *Channel,
	closeTx *wire.MsgTx, height uint32) ([]Event, bool, error) {

	descs, err := c.spendableOutputs(closeTx)
	if err != nil {
		return nil, false, err
	}

	for _, desc := range descs {
		if m.bestHeight+1 < height+desc.CsvDelay {
			log.Debugf("Channel %v: output %v matures at height %d",
				c.ChanID, desc.Outpoint, height+desc.CsvDelay)
			return nil, false, nil
		}
	}

	c.State = StateClosed
	m.logCheckpoint(c)

	log.Infof("Channel %v resolved on chain by %v", c.ChanID,
		closeTx.TxHash())

	if len(descs) == 0 {
		return nil, true, nil
	}

	return []Event{&SpendableOutputs{
		ChanID:  c.ChanID,
		Outputs: descs,
	}}, true, nil
}

// closingTxid returns the txid of the transaction closing c, if known.
func (c *Channel) closingTxid() (chainhash.Hash, bool) {
	var (
		txid chainhash.Hash
		ok   bool
	)
	c.ClosingTxid.WhenSome(func(h chainhash.Hash) {
		txid, ok = h, true
	})

	return txid, ok
}

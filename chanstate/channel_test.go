package chanstate

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

const (
	testCapacity btcutil.Amount      = 1_000_000
	testPush     lnwire.MilliSatoshi = 300_000_000
)

// TestOpenZeroConfChannel checks that both sides see the same usable
// channel once the funding flow completes.
func TestOpenZeroConfChannel(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	alice := p.details(t, p.alice)
	bob := p.details(t, p.bob)

	require.True(t, alice.IsUsable)
	require.True(t, bob.IsUsable)
	require.True(t, alice.IsInitiator)
	require.False(t, bob.IsInitiator)
	require.Equal(t, StateOpen, alice.State)
	require.True(t, alice.ShortChanID.IsNone())

	total := lnwire.NewMSatFromSatoshis(testCapacity)
	require.Equal(t, total-testPush, alice.LocalBalance)
	require.Equal(t, testPush, alice.RemoteBalance)
	require.Equal(t, testPush, bob.LocalBalance)
	require.Equal(t, alice.FundingOutpoint, bob.FundingOutpoint)
}

// TestFundingConfirmationAssignsShortChanID checks that a sync pass after
// the funding confirms assigns the short channel id.
func TestFundingConfirmationAssignsShortChanID(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	op := p.details(t, p.alice).FundingOutpoint
	p.chain.mine(op.Hash)

	ctx := context.Background()
	require.NoError(t, Sync(ctx, p.chain, p.alice.mgr))

	d := p.details(t, p.alice)
	var scid lnwire.ShortChannelID
	d.ShortChanID.WhenSome(func(s lnwire.ShortChannelID) { scid = s })
	require.Equal(t, uint32(101), scid.BlockHeight)
	require.Equal(t, uint16(op.Index), scid.TxPosition)

	found, err := p.alice.mgr.ChannelByShortID(scid)
	require.NoError(t, err)
	require.Equal(t, p.chanID, found.ChanID)
	require.Equal(t, uint32(101), p.alice.mgr.BestHeight())
}

// TestPaymentRoundTrip pays an invoice of bob from alice and claims it.
func TestPaymentRoundTrip(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	ctx := context.Background()
	amt := lnwire.MilliSatoshi(50_000_000)

	inv, err := p.bob.mgr.CreateInvoice(fn.Some(amt), "coffee", 0)
	require.NoError(t, err)
	p.bob.mu.Lock()
	p.bob.invoices[inv.PaymentHash] = inv.Preimage
	p.bob.mu.Unlock()

	hash, err := p.alice.mgr.SendPayment(ctx, inv.PaymentRequest)
	require.NoError(t, err)
	require.Equal(t, inv.PaymentHash, hash)

	received := waitEvent[*PaymentReceived](t, p.bob.events)
	require.Equal(t, amt, received.Amount)
	require.True(t, received.Preimage.IsSome())

	require.NoError(t, p.bob.mgr.ClaimFunds(ctx, inv.Preimage))

	sent := waitEvent[*PaymentSent](t, p.alice.events)
	require.Equal(t, hash, sent.PaymentHash)
	require.Equal(t, inv.Preimage, sent.Preimage)

	claimed := waitEvent[*PaymentClaimed](t, p.bob.events)
	require.Equal(t, amt, claimed.Amount)

	require.Eventually(t, func() bool {
		return p.details(t, p.bob).LocalBalance == testPush+amt
	}, testTimeout, 10_000_000)

	alice := p.details(t, p.alice)
	require.Empty(t, alice.HTLCs)
	require.Equal(t, testPush+amt, alice.RemoteBalance)
}

// TestFailUnknownPayment checks that a failed HTLC is reported to the
// sender.
func TestFailUnknownPayment(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	ctx := context.Background()
	inv, err := p.bob.mgr.CreateInvoice(
		fn.Some(lnwire.MilliSatoshi(10_000_000)), "", 0,
	)
	require.NoError(t, err)

	_, err = p.alice.mgr.SendPayment(ctx, inv.PaymentRequest)
	require.NoError(t, err)

	received := waitEvent[*PaymentReceived](t, p.bob.events)
	require.True(t, received.Preimage.IsNone())

	require.NoError(t, p.bob.mgr.FailHTLC(ctx, inv.PaymentHash))

	failed := waitEvent[*PaymentFailed](t, p.alice.events)
	require.Equal(t, inv.PaymentHash, failed.PaymentHash)

	require.ErrorIs(t, p.bob.mgr.FailHTLC(ctx, inv.PaymentHash), errNoHTLC)
}

// TestSendPaymentNoRoute checks that an invoice of an unknown node is
// rejected.
func TestSendPaymentNoRoute(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	// An invoice of alice herself has no channel leading to it.
	inv, err := p.alice.mgr.CreateInvoice(
		fn.Some(lnwire.MilliSatoshi(1000)), "", 0,
	)
	require.NoError(t, err)

	_, err = p.alice.mgr.SendPayment(
		context.Background(), inv.PaymentRequest,
	)
	require.ErrorIs(t, err, ErrNoRoute)
}

// TestCustomOutputAddRemove embeds a custom output and removes it with a
// split payout.
func TestCustomOutputAddRemove(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	aliceOut, bobOut := testCustomOutput(1, 100_000_000, 100_000_000)
	p.commitCustom(t,
		Update{Kind: UpdateAddCustomOutput, CustomOutput: aliceOut},
		Update{Kind: UpdateAddCustomOutput, CustomOutput: bobOut},
	)

	total := lnwire.NewMSatFromSatoshis(testCapacity)
	alice := p.details(t, p.alice)
	require.Len(t, alice.CustomOutputs, 1)
	require.Equal(t, total-testPush-100_000_000, alice.LocalBalance)
	require.Equal(t, uint64(1), alice.Height)

	require.Eventually(t, func() bool {
		return len(p.details(t, p.bob).CustomOutputs) == 1
	}, testTimeout, 10_000_000)
	require.Equal(t, testPush-100_000_000,
		p.details(t, p.bob).LocalBalance)

	// A duplicate proposal is rejected before it is acked.
	err := p.bob.mgr.ReceiveCustomOutputUpdate(p.chanID, p.alice.pub,
		Update{Kind: UpdateAddCustomOutput, CustomOutput: bobOut},
	)
	require.ErrorIs(t, err, ErrDuplicateCustomOutput)

	// Payouts that do not sum to the locked amount are rejected.
	err = p.bob.mgr.ReceiveCustomOutputUpdate(p.chanID, p.alice.pub,
		Update{
			Kind:         UpdateRemoveCustomOutput,
			CustomOutput: bobOut,
			TakerPayout:  150_000_000,
			MakerPayout:  100_000_000,
		},
	)
	require.ErrorIs(t, err, ErrPayoutMismatch)

	remove := func(out CustomOutput) Update {
		return Update{
			Kind:         UpdateRemoveCustomOutput,
			CustomOutput: out,
			TakerPayout:  150_000_000,
			MakerPayout:  50_000_000,
		}
	}
	p.commitCustom(t, remove(aliceOut), remove(bobOut))

	alice = p.details(t, p.alice)
	require.Empty(t, alice.CustomOutputs)
	require.Equal(t, total-testPush+50_000_000, alice.LocalBalance)

	require.Eventually(t, func() bool {
		return len(p.details(t, p.bob).CustomOutputs) == 0
	}, testTimeout, 10_000_000)
	require.Equal(t, testPush-50_000_000, p.details(t, p.bob).LocalBalance)
}

// TestStaleRevocationRejected checks that a revocation not matching the
// pending answer is rejected.
func TestStaleRevocationRejected(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	ctx := context.Background()
	aliceOut, bobOut := testCustomOutput(2, 10_000_000, 10_000_000)
	bobUpdate := Update{Kind: UpdateAddCustomOutput, CustomOutput: bobOut}

	// Nothing is pending yet.
	rev := lnwire.NewRevokeAndAck()
	rev.ChanID = p.chanID
	require.ErrorIs(t,
		p.bob.mgr.ValidateRevocation(p.chanID, rev), ErrStaleRevocation,
	)

	require.NoError(t, p.bob.mgr.ReceiveCustomOutputUpdate(
		p.chanID, p.alice.pub, bobUpdate,
	))
	require.ErrorIs(t, p.bob.mgr.ReceiveCustomOutputUpdate(
		p.chanID, p.alice.pub, bobUpdate,
	), ErrUpdateInFlight)

	go p.alice.mgr.CommitCustomOutput(ctx, p.chanID, Update{
		Kind:         UpdateAddCustomOutput,
		CustomOutput: aliceOut,
	})

	answer := waitEvent[*RemoteCustomOutputCommitSig](t, p.bob.events)

	stale := *answer.RevokeAndAck
	stale.Revocation[0] ^= 0xff
	require.ErrorIs(t,
		p.bob.mgr.ValidateRevocation(p.chanID, &stale),
		ErrStaleRevocation,
	)
	require.ErrorIs(t, p.bob.mgr.ReleaseCustomOutputCommitSig(
		ctx, p.chanID, &stale, &lnwire.Custom{Type: 32770},
	), ErrStaleRevocation)

	require.NoError(t,
		p.bob.mgr.ValidateRevocation(p.chanID, answer.RevokeAndAck),
	)
}

// TestFailedCheckpointWithholdsRevocation checks that a revocation is not
// handed out when the state it commits to could not be written, and that
// both sides drop the round.
func TestFailedCheckpointWithholdsRevocation(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	ctx := context.Background()
	aliceOut, bobOut := testCustomOutput(3, 10_000_000, 10_000_000)

	require.NoError(t, p.bob.mgr.cfg.Checkpoints.Close())

	require.NoError(t, p.bob.mgr.ReceiveCustomOutputUpdate(
		p.chanID, p.alice.pub,
		Update{Kind: UpdateAddCustomOutput, CustomOutput: bobOut},
	))

	done := make(chan error, 1)
	go func() {
		done <- p.alice.mgr.CommitCustomOutput(ctx, p.chanID, Update{
			Kind:         UpdateAddCustomOutput,
			CustomOutput: aliceOut,
		})
	}()

	answer := waitEvent[*RemoteCustomOutputCommitSig](t, p.bob.events)
	err := p.bob.mgr.ReleaseCustomOutputCommitSig(
		ctx, p.chanID, answer.RevokeAndAck, &lnwire.Custom{Type: 32770},
	)
	require.ErrorIs(t, err, ErrCheckpointFailed)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRoundAborted)
	case <-time.After(testTimeout):
		t.Fatal("alice's round was not aborted")
	}

	// bob still stands on the commitment he did not revoke.
	bob := p.details(t, p.bob)
	require.Zero(t, bob.Height)
	require.Empty(t, bob.CustomOutputs)
	require.Equal(t, testPush, bob.LocalBalance)

	alice := p.details(t, p.alice)
	require.Zero(t, alice.Height)
	require.Empty(t, alice.CustomOutputs)

	// The held back answer can not be released later.
	require.ErrorIs(t,
		p.bob.mgr.ValidateRevocation(p.chanID, answer.RevokeAndAck),
		ErrStaleRevocation,
	)
}

// TestForceCloseSweep force closes a channel and sweeps both sides'
// outputs with valid witnesses.
func TestForceCloseSweep(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	ctx := context.Background()
	alice := p.alice.mgr
	bob := p.bob.mgr

	p.chain.mine(p.details(t, p.alice).FundingOutpoint.Hash)
	require.NoError(t, Sync(ctx, p.chain, alice, NewChainMonitor(alice, p.chain)))

	require.NoError(t, alice.CloseChannel(ctx, p.chanID, true))
	closed := waitEvent[*ChannelClosed](t, p.alice.events)
	require.Equal(t, p.chanID, closed.ChanID)

	d := p.details(t, p.alice)
	require.Equal(t, StateClosing, d.State)

	closingTxid := p.closingTxid(t, p.alice)
	closeTx, err := p.chain.GetTransaction(ctx, closingTxid)
	require.NoError(t, err)

	// Bob notices the spend of the funding output.
	bobMonitor := NewChainMonitor(bob, p.chain)
	require.NoError(t, Sync(ctx, p.chain, bob, bobMonitor))
	waitEvent[*ChannelClosed](t, p.bob.events)

	p.chain.mine(closingTxid)
	require.NoError(t, Sync(ctx, p.chain, bob, bobMonitor))

	bobOutputs := waitEvent[*SpendableOutputs](t, p.bob.events)
	require.Len(t, bobOutputs.Outputs, 1)
	require.Zero(t, bobOutputs.Outputs[0].CsvDelay)
	verifySweep(t, bob, closeTx, bobOutputs.Outputs)

	// Alice's delayed output matures after the CSV delay.
	aliceMonitor := NewChainMonitor(alice, p.chain)
	require.NoError(t, Sync(ctx, p.chain, alice, aliceMonitor))
	require.Equal(t, StateClosing, p.details(t, p.alice).State)

	for i := 0; i < DefaultCsvDelay; i++ {
		p.chain.mine()
	}
	require.NoError(t, Sync(ctx, p.chain, alice, aliceMonitor))

	aliceOutputs := waitEvent[*SpendableOutputs](t, p.alice.events)
	require.Len(t, aliceOutputs.Outputs, 1)
	require.Equal(t, uint32(DefaultCsvDelay),
		aliceOutputs.Outputs[0].CsvDelay)
	verifySweep(t, alice, closeTx, aliceOutputs.Outputs)

	require.Equal(t, StateClosed, p.details(t, p.alice).State)
}

// verifySweep builds a sweep of descs and runs its inputs through the
// script engine.
func verifySweep(t *testing.T, m *Manager, closeTx *wire.MsgTx,
	descs []SpendableOutputDescriptor) {

	t.Helper()

	sweep, err := m.SweepSpendableOutputs(
		descs, deliveryScript(9), chainfee.FeePerKwFloor,
	)
	require.NoError(t, err)

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, desc := range descs {
		prevOuts.AddPrevOut(
			desc.Outpoint, closeTx.TxOut[desc.Outpoint.Index],
		)
	}
	hashes := txscript.NewTxSigHashes(sweep, prevOuts)

	for i, desc := range descs {
		prev := closeTx.TxOut[desc.Outpoint.Index]
		vm, err := txscript.NewEngine(
			prev.PkScript, sweep, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, prevOuts,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute())
	}
}

// TestCooperativeClose checks that a cooperative close pays both balances
// to the delivery scripts.
func TestCooperativeClose(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)

	ctx := context.Background()
	require.NoError(t, p.bob.mgr.CloseChannel(ctx, p.chanID, false))

	waitEvent[*ChannelClosed](t, p.alice.events)
	waitEvent[*ChannelClosed](t, p.bob.events)

	closingTxid := p.closingTxid(t, p.alice)
	tx, err := p.chain.GetTransaction(ctx, closingTxid)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)

	for _, out := range tx.TxOut {
		if string(out.PkScript) == string(deliveryScript(2)) {
			require.EqualValues(t, testPush.ToSatoshis(), out.Value)
		}
	}

	require.Equal(t, StateClosed, p.details(t, p.alice).State)
	require.Eventually(t, func() bool {
		return p.details(t, p.bob).State == StateClosed
	}, testTimeout, 10_000_000)
}

// TestCheckpointRestore checks that a restarted manager loads the channel
// from its checkpoint.
func TestCheckpointRestore(t *testing.T) {
	t.Parallel()

	p := newTestPair(t)
	p.openChannel(t, testCapacity, testPush)
	before := p.details(t, p.alice)

	// A fresh store written with the live channel restores it.
	store, err := OpenCheckpointStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	p.alice.mgr.mu.Lock()
	err = store.PutChannel(p.alice.mgr.channels[p.chanID])
	p.alice.mgr.mu.Unlock()
	require.NoError(t, err)

	channels, err := store.LoadChannels(p.alice.ring)
	require.NoError(t, err)
	require.Len(t, channels, 1)

	after := channels[0].details()
	require.Equal(t, before.ChanID, after.ChanID)
	require.Equal(t, before.LocalBalance, after.LocalBalance)
	require.Equal(t, before.RemoteBalance, after.RemoteBalance)
	require.Equal(t, before.FundingOutpoint, after.FundingOutpoint)
	require.True(t, before.Peer.IsEqual(after.Peer))
	require.True(t, after.IsChannelReady)
}

// TestCheckpointMissingVersusCorrupt checks that an empty store yields no
// channels while a damaged checkpoint is an error.
func TestCheckpointMissingVersusCorrupt(t *testing.T) {
	t.Parallel()

	ring := &testKeyRing{}
	store, err := OpenCheckpointStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	channels, err := store.LoadChannels(ring)
	require.NoError(t, err)
	require.Empty(t, channels)

	index, err := store.NextKeyIndex()
	require.NoError(t, err)
	require.Zero(t, index)
	index, err = store.NextKeyIndex()
	require.NoError(t, err)
	require.Equal(t, uint32(1), index)

	tests := []struct {
		name        string
		state       []byte
		marker      []byte
		validMarker bool
	}{
		{
			name:   "marker mismatch",
			state:  []byte{1, 2, 3},
			marker: make([]byte, 32),
		},
		{
			name:  "missing marker",
			state: []byte{1, 2, 3},
		},
		{
			name:        "undecodable state",
			state:       []byte{0xff, 0xff, 0xff, 0xff},
			validMarker: true,
		},
	}

	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			store, err := OpenCheckpointStore(t.TempDir())
			require.NoError(t, err)
			defer store.Close()

			marker := test.marker
			if test.validMarker {
				sum := sha256.Sum256(test.state)
				marker = sum[:]
			}

			err = kvdb.Update(store.db, func(tx kvdb.RwTx) error {
				root, err := tx.CreateTopLevelBucket(
					channelBucket,
				)
				if err != nil {
					return err
				}
				bucket, err := root.CreateBucketIfNotExists(
					[]byte{byte(i)},
				)
				if err != nil {
					return err
				}
				if err := bucket.Put(stateKey, test.state); err != nil {
					return err
				}
				if marker == nil {
					return nil
				}

				return bucket.Put(markerKey, marker)
			}, func() {})
			require.NoError(t, err)

			_, err = store.LoadChannels(ring)
			require.ErrorIs(t, err, ErrCorruptCheckpoint)
		})
	}
}

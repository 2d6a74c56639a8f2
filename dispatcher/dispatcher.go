// Package dispatcher consumes the events of the channel layer one at a
// time and reacts to them: funding channels, claiming payments, recording
// payment outcomes, sweeping closed channels and answering custom output
// rounds.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/cfdwire"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/customoutput"
	"github.com/go-co-op/gocron"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// DefaultExpirySweepInterval is how often pending payments are checked
	// for expiry.
	DefaultExpirySweepInterval = 60 * time.Second

	// fundingConfTarget is the confirmation target of funding
	// transactions.
	fundingConfTarget = 2

	// sweepConfTarget is the confirmation target of sweeps.
	sweepConfTarget = 6
)

// ChannelManager is the part of the channel layer the dispatcher drives.
type ChannelManager interface {
	FundingTransactionGenerated(ctx context.Context, pendingID [32]byte,
		tx *wire.MsgTx) error

	AbortPendingChannel(ctx context.Context, pendingID [32]byte,
		reason string) error

	AcceptInboundChannel(ctx context.Context, pendingID [32]byte,
		zeroConf bool) error

	ClaimFunds(ctx context.Context, preimage lntypes.Preimage) error

	FailHTLC(ctx context.Context, hash lntypes.Hash) error

	SweepSpendableOutputs(descs []chanstate.SpendableOutputDescriptor,
		destScript []byte, feeRate chainfee.SatPerKWeight) (*wire.MsgTx,
		error)
}

// CustomOutputs answers the custom output rounds of the peer.
type CustomOutputs interface {
	ContinueRemoteAdd(ctx context.Context, peer *btcec.PublicKey,
		msg *cfdwire.ProposeCustomOutput) error

	ManualSendCommitmentSigned(ctx context.Context,
		remote *btcec.PublicKey, commitSig *lnwire.CommitSig,
		rev *lnwire.RevokeAndAck) error
}

// PaymentStore records payment outcomes.
type PaymentStore interface {
	InsertPayment(ctx context.Context, info *cfddb.PaymentInfo) error

	UpdatePayment(ctx context.Context, hash lntypes.Hash,
		status cfddb.PaymentStatus,
		preimage fn.Option[lntypes.Preimage],
		secret fn.Option[[32]byte]) (*cfddb.PaymentInfo, error)

	ExpirePayments(ctx context.Context, now time.Time) (int64, error)
}

// Wallet funds channels and receives swept outputs.
type Wallet interface {
	EstimateFee(ctx context.Context,
		target uint32) (chainfee.SatPerKWeight, error)

	BuildAndSign(ctx context.Context, outputs []*wire.TxOut,
		feeRate chainfee.SatPerKWeight) (*wire.MsgTx, error)

	NewDeliveryScript(ctx context.Context) ([]byte, error)

	BroadcastTx(ctx context.Context, tx *wire.MsgTx) error
}

// Config holds the dependencies of the Dispatcher.
type Config struct {
	Queue         *EventQueue
	Channels      ChannelManager
	CustomOutputs CustomOutputs
	Payments      PaymentStore
	Wallet        Wallet
	Clock         clock.Clock

	// ExpirySweepInterval is the period of the payment expiry sweep.
	ExpirySweepInterval time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// Dispatcher handles the events of its queue in order, one at a time.
type Dispatcher struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	scheduler *gocron.Scheduler

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg *Config) *Dispatcher {
	if cfg.ExpirySweepInterval == 0 {
		cfg.ExpirySweepInterval = DefaultExpirySweepInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Queue)
	}

	return &Dispatcher{
		cfg:       cfg,
		scheduler: gocron.NewScheduler(time.UTC),
		quit:      make(chan struct{}),
	}
}

// Start launches the consumer and the expiry sweep.
func (d *Dispatcher) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	log.Infof("Event dispatcher starting, queue capacity %d",
		d.cfg.Queue.Cap())

	_, err := d.scheduler.Every(d.cfg.ExpirySweepInterval).
		SingletonMode().WaitForSchedule().Do(d.sweepExpired)
	if err != nil {
		return fmt.Errorf("unable to schedule expiry sweep: %w", err)
	}
	d.scheduler.StartAsync()

	d.wg.Add(1)
	go d.dispatchLoop()

	return nil
}

// Stop ends the consumer. Events still queued are dropped.
func (d *Dispatcher) Stop() error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Event dispatcher shutting down...")
	defer log.Debug("Event dispatcher shutdown complete")

	d.scheduler.Stop()
	d.cfg.Queue.Close()
	close(d.quit)
	d.wg.Wait()

	return nil
}

func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case ev := <-d.cfg.Queue.Events():
			d.dispatch(ctx, ev)

		case <-d.quit:
			return
		}
	}
}

// dispatch runs the handler of ev. Failures are logged and the event is
// dropped.
func (d *Dispatcher) dispatch(ctx context.Context, ev chanstate.Event) {
	log.Debugf("Handling %v", ev.EventName())

	if err := d.handle(ctx, ev); err != nil {
		log.Errorf("Failed to handle %v: %v", ev.EventName(), err)
		d.cfg.Metrics.failed.WithLabelValues(ev.EventName()).Inc()

		return
	}

	d.cfg.Metrics.handled.WithLabelValues(ev.EventName()).Inc()
}

func (d *Dispatcher) handle(ctx context.Context, ev chanstate.Event) error {
	switch ev := ev.(type) {
	case *chanstate.FundingGenerationReady:
		return d.fundChannel(ctx, ev)

	case *chanstate.OpenChannelRequest:
		log.Infof("Accepting channel of %v sat from %x", ev.Capacity,
			ev.Peer.SerializeCompressed())

		return d.cfg.Channels.AcceptInboundChannel(
			ctx, ev.PendingChanID, true,
		)

	case *chanstate.ChannelReady:
		log.Infof("Channel %v with %x is ready", ev.ChanID,
			ev.Peer.SerializeCompressed())

		return nil

	case *chanstate.ChannelClosed:
		log.Infof("Channel %v closed: %v", ev.ChanID, ev.Reason)

		return nil

	case *chanstate.PaymentReceived:
		return d.claimPayment(ctx, ev)

	case *chanstate.PaymentClaimed:
		return d.paymentClaimed(ctx, ev)

	case *chanstate.PaymentSent:
		log.Infof("Payment %v sent", ev.PaymentHash)

		return d.updatePayment(
			ctx, ev.PaymentHash, cfddb.StatusSucceeded,
			fn.Some(ev.Preimage),
		)

	case *chanstate.PaymentPathSuccessful:
		return d.updatePayment(
			ctx, ev.PaymentHash, cfddb.StatusSucceeded,
			fn.None[lntypes.Preimage](),
		)

	case *chanstate.PaymentPathFailed:
		return d.updatePayment(
			ctx, ev.PaymentHash, cfddb.StatusFailed,
			fn.None[lntypes.Preimage](),
		)

	case *chanstate.PaymentFailed:
		log.Warnf("Payment %v failed", ev.PaymentHash)

		return d.updatePayment(
			ctx, ev.PaymentHash, cfddb.StatusFailed,
			fn.None[lntypes.Preimage](),
		)

	case *chanstate.SpendableOutputs:
		return d.sweep(ctx, ev)

	case *customoutput.RemoteAddCustomOutput:
		return d.cfg.CustomOutputs.ContinueRemoteAdd(
			ctx, ev.Peer, ev.Proposal,
		)

	case *chanstate.RemoteCustomOutputCommitSig:
		return d.cfg.CustomOutputs.ManualSendCommitmentSigned(
			ctx, ev.Peer, ev.CommitSig, ev.RevokeAndAck,
		)

	case *chanstate.CustomOutputCommitted:
		log.Infof("Custom output %x %v committed on %v",
			ev.Update.CustomOutput.ID[:4], ev.Update.Kind,
			ev.ChanID)

		return nil

	default:
		log.Warnf("Ignoring unknown event %T", ev)

		return nil
	}
}

// fundChannel builds the funding transaction of a channel we opened. The
// channel is abandoned if the wallet cannot fund it.
func (d *Dispatcher) fundChannel(ctx context.Context,
	ev *chanstate.FundingGenerationReady) error {

	tx, err := d.buildFunding(ctx, ev)
	if err != nil {
		abortErr := d.cfg.Channels.AbortPendingChannel(
			ctx, ev.PendingChanID, "unable to fund channel",
		)
		if abortErr != nil {
			log.Errorf("Unable to abort pending channel %x: %v",
				ev.PendingChanID[:], abortErr)
		}

		return fmt.Errorf("funding failed: %w", err)
	}

	log.Infof("Funding transaction %v built for pending channel %x",
		tx.TxHash(), ev.PendingChanID[:])

	return d.cfg.Channels.FundingTransactionGenerated(
		ctx, ev.PendingChanID, tx,
	)
}

func (d *Dispatcher) buildFunding(ctx context.Context,
	ev *chanstate.FundingGenerationReady) (*wire.MsgTx, error) {

	feeRate, err := d.cfg.Wallet.EstimateFee(ctx, fundingConfTarget)
	if err != nil {
		return nil, err
	}

	return d.cfg.Wallet.BuildAndSign(ctx, []*wire.TxOut{{
		Value:    int64(ev.Amount),
		PkScript: ev.OutputScript,
	}}, feeRate)
}

// claimPayment settles an incoming payment to one of our invoices and
// fails foreign ones.
func (d *Dispatcher) claimPayment(ctx context.Context,
	ev *chanstate.PaymentReceived) error {

	if ev.Preimage.IsNone() {
		err := d.cfg.Channels.FailHTLC(ctx, ev.PaymentHash)
		if err != nil {
			log.Errorf("Unable to fail htlc %v: %v", ev.PaymentHash,
				err)
		}

		return fmt.Errorf("no invoice for payment %v", ev.PaymentHash)
	}
	preimage := ev.Preimage.UnsafeFromSome()

	log.Infof("Claiming payment %v of %v", ev.PaymentHash, ev.Amount)

	return d.cfg.Channels.ClaimFunds(ctx, preimage)
}

// paymentClaimed records a settled incoming payment, creating the record
// if the invoice was not ours.
func (d *Dispatcher) paymentClaimed(ctx context.Context,
	ev *chanstate.PaymentClaimed) error {

	_, err := d.cfg.Payments.UpdatePayment(
		ctx, ev.PaymentHash, cfddb.StatusSucceeded,
		fn.None[lntypes.Preimage](), fn.None[[32]byte](),
	)
	switch {
	case errors.Is(err, cfddb.ErrPaymentFinal):
		log.Warnf("Claimed payment already final: %v", err)
		return nil

	case !errors.Is(err, cfddb.ErrPaymentNotFound):
		return err
	}

	now := d.cfg.Clock.Now()

	return d.cfg.Payments.InsertPayment(ctx, &cfddb.PaymentInfo{
		Hash:    ev.PaymentHash,
		Flow:    cfddb.FlowInbound,
		Status:  cfddb.StatusSucceeded,
		Amount:  fn.Some(ev.Amount),
		Created: now,
		Updated: now,
	})
}

// updatePayment sets the status of a known payment. Unknown payments are
// logged and skipped.
func (d *Dispatcher) updatePayment(ctx context.Context, hash lntypes.Hash,
	status cfddb.PaymentStatus,
	preimage fn.Option[lntypes.Preimage]) error {

	_, err := d.cfg.Payments.UpdatePayment(
		ctx, hash, status, preimage, fn.None[[32]byte](),
	)
	switch {
	case errors.Is(err, cfddb.ErrPaymentNotFound):
		log.Warnf("Payment not found: %v", hash)
		return nil

	case errors.Is(err, cfddb.ErrPaymentFinal):
		log.Warnf("Not moving payment to %v: %v", status, err)
		return nil

	case err != nil:
		return err
	}

	log.Debugf("Payment %v is %v", hash, status)

	return nil
}

// sweep moves the outputs of a closed channel to the wallet.
func (d *Dispatcher) sweep(ctx context.Context,
	ev *chanstate.SpendableOutputs) error {

	dest, err := d.cfg.Wallet.NewDeliveryScript(ctx)
	if err != nil {
		return err
	}

	feeRate, err := d.cfg.Wallet.EstimateFee(ctx, sweepConfTarget)
	if err != nil {
		return err
	}

	tx, err := d.cfg.Channels.SweepSpendableOutputs(
		ev.Outputs, dest, feeRate,
	)
	if err != nil {
		return err
	}

	log.Infof("Sweeping %d output(s) of channel %v in %v",
		len(ev.Outputs), ev.ChanID, tx.TxHash())

	return d.cfg.Wallet.BroadcastTx(ctx, tx)
}

// sweepExpired marks pending payments past their expiry as Expired.
func (d *Dispatcher) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := d.cfg.Payments.ExpirePayments(ctx, d.cfg.Clock.Now())
	if err != nil {
		log.Errorf("Payment expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Infof("%d pending payment(s) expired", n)
		d.cfg.Metrics.expired.Add(float64(n))
	}
}

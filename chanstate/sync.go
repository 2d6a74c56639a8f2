package chanstate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
)

// ConfirmedTx is a relevant transaction found in the chain.
type ConfirmedTx struct {
	Txid chainhash.Hash
	TxConfirmation
}

// Confirmable is a component that follows the chain through Sync.
type Confirmable interface {
	// TransactionsConfirmed reports relevant transactions found in the
	// chain.
	TransactionsConfirmed(ctx context.Context, txs []ConfirmedTx)

	// TransactionUnconfirmed reports a relevant transaction that is not
	// in the chain (anymore).
	TransactionUnconfirmed(ctx context.Context, txid chainhash.Hash)

	// BestBlockUpdated reports the current tip.
	BestBlockUpdated(ctx context.Context, height uint32,
		hash chainhash.Hash)

	// GetRelevantTxids returns the transactions the component follows.
	GetRelevantTxids() []chainhash.Hash
}

// Sync applies the current state of the chain to every confirmable in one
// pass.
func Sync(ctx context.Context, source ChainSource,
	confirmables ...Confirmable) error {

	height, hash, err := source.GetBestBlock(ctx)
	if err != nil {
		return err
	}

	for _, c := range confirmables {
		var confirmed []ConfirmedTx
		for _, txid := range c.GetRelevantTxids() {
			conf, err := source.GetTxConfirmation(ctx, txid)
			if err != nil {
				return err
			}

			conf.WhenSome(func(tc TxConfirmation) {
				confirmed = append(confirmed, ConfirmedTx{
					Txid:           txid,
					TxConfirmation: tc,
				})
			})
			if conf.IsNone() {
				c.TransactionUnconfirmed(ctx, txid)
			}
		}

		if len(confirmed) > 0 {
			c.TransactionsConfirmed(ctx, confirmed)
		}
		c.BestBlockUpdated(ctx, height, hash)
	}

	log.Tracef("Synced to height %d (%v)", height, hash)

	return nil
}

// DefaultSyncInterval returns the chain sync interval of a network.
func DefaultSyncInterval(params *chaincfg.Params) time.Duration {
	switch params.Name {
	case chaincfg.MainNetParams.Name:
		return 300 * time.Second

	case chaincfg.TestNet3Params.Name:
		return 120 * time.Second

	case chaincfg.SigNetParams.Name:
		return 60 * time.Second

	default:
		return 30 * time.Second
	}
}

// Syncer runs Sync on every tick of its ticker. Failures are logged and
// retried on the next tick.
type Syncer struct {
	started atomic.Bool
	stopped atomic.Bool

	source       ChainSource
	confirmables []Confirmable
	ticker       ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates a Syncer.
func NewSyncer(source ChainSource, t ticker.Ticker,
	confirmables ...Confirmable) *Syncer {

	return &Syncer{
		source:       source,
		confirmables: confirmables,
		ticker:       t,
		quit:         make(chan struct{}),
	}
}

// SyncNow runs a single sync pass.
func (s *Syncer) SyncNow(ctx context.Context) error {
	return Sync(ctx, s.source, s.confirmables...)
}

// Start launches the sync loop.
func (s *Syncer) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("syncer already started")
	}

	s.ticker.Resume()

	s.wg.Add(1)
	go s.syncLoop()

	return nil
}

// Stop ends the sync loop.
func (s *Syncer) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.ticker.Stop()
	s.wg.Wait()

	return nil
}

func (s *Syncer) syncLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-s.ticker.Ticks():
			if err := s.SyncNow(ctx); err != nil {
				log.Errorf("Chain sync failed: %v", err)
			}

		case <-s.quit:
			return
		}
	}
}

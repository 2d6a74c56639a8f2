package esplora

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultFeeUpdateInterval is how often the cached estimates are
	// refreshed.
	DefaultFeeUpdateInterval = 5 * time.Minute

	// DefaultFallbackFeePerKW is used until the server gave an estimate.
	DefaultFallbackFeePerKW = chainfee.SatPerKWeight(12500)
)

// FeeSource returns the fee estimates of a chain backend.
type FeeSource interface {
	GetFeeEstimates(ctx context.Context) (FeeEstimates, error)
}

// FeeEstimatorConfig holds the configuration of the FeeEstimator.
type FeeEstimatorConfig struct {
	Source FeeSource

	// FallbackFeePerKW is returned while no estimate is cached.
	FallbackFeePerKW chainfee.SatPerKWeight

	// MinFeePerKW is the floor of every estimate.
	MinFeePerKW chainfee.SatPerKWeight

	// Ticker triggers the refreshes of the cache.
	Ticker ticker.Ticker
}

// FeeEstimator caches the fee estimates of an esplora server.
type FeeEstimator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *FeeEstimatorConfig

	mu sync.RWMutex

	// targets are the confirmation targets of the cached estimates in
	// ascending order.
	targets []uint32
	rates   map[uint32]chainfee.SatPerKWeight

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewFeeEstimator creates a fee estimator.
func NewFeeEstimator(cfg *FeeEstimatorConfig) *FeeEstimator {
	if cfg.FallbackFeePerKW == 0 {
		cfg.FallbackFeePerKW = DefaultFallbackFeePerKW
	}
	if cfg.MinFeePerKW == 0 {
		cfg.MinFeePerKW = chainfee.FeePerKwFloor
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultFeeUpdateInterval)
	}

	return &FeeEstimator{
		cfg:   cfg,
		rates: make(map[uint32]chainfee.SatPerKWeight),
		quit:  make(chan struct{}),
	}
}

// Start fills the cache and starts the refresh loop.
func (e *FeeEstimator) Start() error {
	if e.started.Swap(true) {
		return nil
	}

	log.Info("Starting fee estimator")

	if err := e.refresh(); err != nil {
		log.Warnf("Unable to fetch fee estimates: %v", err)
	}

	e.cfg.Ticker.Resume()

	e.wg.Add(1)
	go e.updateLoop()

	return nil
}

// Stop stops the refresh loop.
func (e *FeeEstimator) Stop() error {
	if e.stopped.Swap(true) {
		return nil
	}

	log.Info("Stopping fee estimator")

	close(e.quit)
	e.cfg.Ticker.Stop()
	e.wg.Wait()

	return nil
}

func (e *FeeEstimator) updateLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.cfg.Ticker.Ticks():
			if err := e.refresh(); err != nil {
				log.Debugf("Unable to refresh fee estimates: %v",
					err)
			}

		case <-e.quit:
			return
		}
	}
}

// refresh replaces the cache with the current estimates of the server.
func (e *FeeEstimator) refresh() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), DefaultRequestTimeout,
	)
	defer cancel()

	estimates, err := e.cfg.Source.GetFeeEstimates(ctx)
	if err != nil {
		return err
	}

	rates := make(map[uint32]chainfee.SatPerKWeight, len(estimates))
	targets := make([]uint32, 0, len(estimates))
	for key, satPerVByte := range estimates {
		target, err := strconv.ParseUint(key, 10, 32)
		if err != nil || satPerVByte <= 0 {
			continue
		}

		rate := satPerVByteToSatPerKW(satPerVByte)
		if rate < e.cfg.MinFeePerKW {
			rate = e.cfg.MinFeePerKW
		}

		rates[uint32(target)] = rate
		targets = append(targets, uint32(target))
	}
	if len(targets) == 0 {
		return fmt.Errorf("no usable fee estimates in %v", estimates)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i] < targets[j]
	})

	e.mu.Lock()
	e.targets = targets
	e.rates = rates
	e.mu.Unlock()

	log.Debugf("Fee estimates updated for %d targets", len(targets))

	return nil
}

// EstimateFee returns the fee rate to confirm within target blocks. The
// estimate of the largest cached target not above it is used, or of the
// smallest target if all are above.
func (e *FeeEstimator) EstimateFee(_ context.Context,
	target uint32) (chainfee.SatPerKWeight, error) {

	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.targets) == 0 {
		return e.cfg.FallbackFeePerKW, nil
	}

	chosen := e.targets[0]
	for _, t := range e.targets {
		if t > target {
			break
		}
		chosen = t
	}

	return e.rates[chosen], nil
}

// satPerVByteToSatPerKW converts a fee rate in sat/vB to sat/kw. One vbyte
// is four weight units.
func satPerVByteToSatPerKW(satPerVByte float64) chainfee.SatPerKWeight {
	return chainfee.SatPerKWeight(satPerVByte * 1000 / 4)
}

package cfdnode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/cfdlabs/cfdnode/build"
	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/chainwallet"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/customoutput"
	"github.com/cfdlabs/cfdnode/dispatcher"
	"github.com/cfdlabs/cfdnode/esplora"
	"github.com/cfdlabs/cfdnode/httpapi"
	"github.com/cfdlabs/cfdnode/peerconn"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	// commitmentConfTarget is the confirmation target of the fee rate of
	// new commitments.
	commitmentConfTarget = 6

	// startupSyncTimeout bounds the chain sync run before the API is
	// served.
	startupSyncTimeout = 2 * time.Minute
)

// server is the application context of a node. It owns every component
// and starts and stops them in dependency order.
type server struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	clock   clock.Clock
	nodeKey *btcec.PrivateKey

	chain  *esplora.Client
	fees   *esplora.FeeEstimator
	wallet *chainwallet.HDWallet

	store       *cfddb.Store
	checkpoints *chanstate.CheckpointStore

	queue      *dispatcher.EventQueue
	dispatcher *dispatcher.Dispatcher

	chanCfg  *chanstate.Config
	channels *chanstate.Manager
	monitor  *chanstate.ChainMonitor
	syncer   *chanstate.Syncer

	connMgr       *peerconn.PeerConnManager
	customOutputs *customoutput.Controller

	// supervisor keeps a taker connected to its maker.
	supervisor *peerconn.Supervisor

	// feed and spread produce the offer of a maker.
	feed   *quote.BitmexFeed
	spread *quote.Spread

	// engine runs the cfds of a taker.
	engine *cfd.Engine

	registry      *prometheus.Registry
	httpServer    *httpapi.Server
	healthMonitor *healthcheck.Monitor

	// critLog requests a shutdown when a critical error is logged.
	critLog *build.ShutdownLogger

	quit chan struct{}
}

// newServer builds all components of a node from cfg. Nothing is started
// and no network connections are made.
func newServer(cfg *Config, clk clock.Clock,
	requestShutdown func()) (*server, error) {

	s := &server{
		cfg:     cfg,
		clock:   clk,
		critLog: build.NewShutdownLogger(log, requestShutdown),
		quit:    make(chan struct{}),
	}

	// Keys first: the seed is created on the very first start and every
	// key of the node hangs off it.
	seed, err := chainwallet.LoadOrCreateSeed(cfg.networkDir, clk)
	if err != nil {
		return nil, fmt.Errorf("unable to load seed: %w", err)
	}

	s.chain = esplora.NewClient(&esplora.ClientConfig{
		URL: cfg.EsploraURL,
	})
	s.fees = esplora.NewFeeEstimator(&esplora.FeeEstimatorConfig{
		Source: s.chain,
	})

	s.wallet, err = chainwallet.New(&chainwallet.Config{
		Seed:        seed,
		ChainParams: cfg.ActiveNetParams,
		Chain:       s.chain,
		Fees:        s.fees,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create wallet: %w", err)
	}

	s.nodeKey, err = s.wallet.KeyRing().NodeKey()
	if err != nil {
		return nil, fmt.Errorf("unable to derive node key: %w", err)
	}

	s.store, err = cfddb.Open(
		filepath.Join(cfg.networkDir, cfddb.DefaultDBFileName), clk,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	s.checkpoints, err = chanstate.OpenCheckpointStore(cfg.networkDir)
	if err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("unable to open checkpoints: %w", err)
	}

	s.queue = dispatcher.NewEventQueue(cfg.QueueSize)

	connCfg := &peerconn.Config{
		IdentityECDH:      &keychain.PrivKeyECDH{PrivKey: s.nodeKey},
		ListenAddr:        cfg.Listen,
		ChainNet:          cfg.ActiveNetParams.Net,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}

	// A taker only talks to its maker.
	cfg.makerPeer.WhenSome(func(maker peerconn.PeerInfo) {
		connCfg.AcceptPeer = peerconn.OnlyPeer(maker.PubKey)
	})
	s.connMgr = peerconn.NewPeerConnManager(connCfg)

	s.chanCfg = &chanstate.Config{
		NodeKey:        s.nodeKey,
		KeyRing:        s.wallet.KeyRing(),
		ChainParams:    cfg.ActiveNetParams,
		Messenger:      s.connMgr,
		ChainSource:    s.chain,
		Events:         s.queue,
		Checkpoints:    s.checkpoints,
		PreimageLookup: s.lookupPreimage,
		DeliveryScript: s.wallet.NewDeliveryScript,
		FeePerKw:       esplora.DefaultFallbackFeePerKW,
		Clock:          clk,
	}
	s.channels = chanstate.NewManager(s.chanCfg)
	s.monitor = chanstate.NewChainMonitor(s.channels, s.chain)
	s.syncer = chanstate.NewSyncer(
		s.chain, ticker.New(cfg.SyncInterval), s.channels, s.monitor,
		s.wallet,
	)

	s.customOutputs = customoutput.NewController(&customoutput.Config{
		NodeKey:       s.nodeKey.PubKey(),
		Channels:      s.channels,
		Messenger:     s.connMgr,
		Events:        s.queue,
		AckTimeout:    cfg.AckTimeout,
		CommitTimeout: cfg.CommitTimeout,
		Clock:         clk,
	})

	// The connection manager is created first since every component
	// sends through it. The routers are attached once they exist.
	s.connMgr.SetChannelRouter(s.channels)
	s.connMgr.SetCustomRouter(s.customOutputs)

	dispatchMetrics := dispatcher.NewMetrics(s.queue)
	s.dispatcher = dispatcher.New(&dispatcher.Config{
		Queue:               s.queue,
		Channels:            s.channels,
		CustomOutputs:       s.customOutputs,
		Payments:            s.store,
		Wallet:              s.wallet,
		Clock:               clk,
		ExpirySweepInterval: cfg.ExpirySweepInterval,
		Metrics:             dispatchMetrics,
	})

	s.spread, err = quote.NewSpread(cfg.Spread)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	httpMetrics := httpapi.NewMetrics()
	apiCfg := &httpapi.Config{
		Role:         cfg.role,
		ListenAddr:   cfg.HTTPListen,
		ChainParams:  cfg.ActiveNetParams,
		Node:         s.channels,
		Peers:        s.connMgr,
		Wallet:       s.wallet,
		Payments:     s.store,
		Clock:        clk,
		Metrics:      httpMetrics,
		Spread:       s.spread,
		FaucetAmount: btcutil.Amount(cfg.FaucetAmount),
	}

	collectors := append(
		dispatchMetrics.Collectors(), httpMetrics.Collectors()...,
	)

	switch cfg.role {
	case httpapi.RoleMaker:
		s.feed = quote.NewBitmexFeed(cfg.BitmexURL)
		offers := &makerOffers{feed: s.feed, spread: s.spread}
		apiCfg.Offers = offers

		s.customOutputs.SetPolicy(cfd.NewMakerPolicy(
			&cfd.MakerPolicyConfig{
				Offers:      offers,
				Book:        s.store,
				MaxQuantity: cfg.MaxQuantity,
			},
		))

	case httpapi.RoleTaker:
		maker := cfg.makerPeer.UnwrapOr(peerconn.PeerInfo{})
		s.supervisor = peerconn.NewSupervisor(s.connMgr, maker, nil)

		cfdMetrics := cfd.NewMetrics()
		s.engine = cfd.NewEngine(&cfd.EngineConfig{
			MakerKey:      maker.PubKey,
			Channels:      s.channels,
			CustomOutputs: s.customOutputs,
			Store:         s.store,
			Clock:         clk,
			Metrics:       cfdMetrics,
		})
		collectors = append(collectors, cfdMetrics.Collectors()...)

		apiCfg.Offers = quote.NewOfferClient(cfg.MakerHTTP)
		apiCfg.Cfds = s.engine
	}

	s.registry, err = newRegistry(s, collectors)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	apiCfg.Gatherer = s.registry

	s.httpServer = httpapi.NewServer(apiCfg)

	if cfg.HealthChecks.Interval > 0 {
		chainCheck := healthcheck.NewObservation(
			"chain backend", s.checkChainBackend,
			cfg.HealthChecks.Interval, cfg.HealthChecks.Timeout,
			cfg.HealthChecks.Backoff, cfg.HealthChecks.Attempts,
		)
		s.healthMonitor = healthcheck.NewMonitor(&healthcheck.Config{
			Checks:   []*healthcheck.Observation{chainCheck},
			Shutdown: s.healthShutdown,
		})
	}

	return s, nil
}

// makerOffers derives the maker's offer from the latest bitmex quote.
type makerOffers struct {
	feed   *quote.BitmexFeed
	spread *quote.Spread
}

// Offer returns the current offer.
func (m *makerOffers) Offer(context.Context) (quote.Offer, error) {
	return m.feed.Offer(m.spread)
}

// lookupPreimage returns the preimage of one of our invoices.
func (s *server) lookupPreimage(ctx context.Context,
	hash lntypes.Hash) fn.Option[lntypes.Preimage] {

	info, err := s.store.LoadPayment(ctx, hash)
	if err != nil {
		if !errors.Is(err, cfddb.ErrPaymentNotFound) {
			log.Errorf("Unable to look up payment %v: %v", hash,
				err)
		}

		return fn.None[lntypes.Preimage]()
	}

	if info.Flow != cfddb.FlowInbound {
		return fn.None[lntypes.Preimage]()
	}

	return info.Preimage
}

// checkChainBackend fails if the chain backend cannot report its tip.
func (s *server) checkChainBackend() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.HealthChecks.Timeout,
	)
	defer cancel()

	_, _, err := s.chain.GetBestBlock(ctx)
	return err
}

// healthShutdown is called once a health check ran out of attempts.
func (s *server) healthShutdown(format string, params ...interface{}) {
	s.critLog.Criticalf("Health check failed: "+format, params...)
}

// Start starts all components. The chain is synced once before the peer
// listener and the API come up.
func (s *server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Starting %v node %x", s.cfg.role,
		s.nodeKey.PubKey().SerializeCompressed())

	if err := s.fees.Start(); err != nil {
		return err
	}

	// The fee estimator only knows the server's rates once it has been
	// started.
	feeRate, err := s.fees.EstimateFee(
		context.Background(), commitmentConfTarget,
	)
	if err == nil {
		s.chanCfg.FeePerKw = feeRate
	}

	if err := s.channels.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), startupSyncTimeout,
	)
	defer cancel()

	// The initial sync and the lookups of the persisted state do not
	// depend on each other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.syncer.SyncNow(gctx)
		if err != nil {
			log.Warnf("Initial chain sync failed: %v", err)
		}

		return nil
	})
	if s.engine != nil {
		g.Go(func() error {
			return s.engine.Init(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	startables := []interface{ Start() error }{
		s.syncer, s.dispatcher, s.customOutputs, s.connMgr,
	}
	if s.feed != nil {
		startables = append(startables, s.feed)
	}
	if s.supervisor != nil {
		startables = append(startables, s.supervisor)
	}
	startables = append(startables, s.httpServer)
	if s.healthMonitor != nil {
		startables = append(startables, s.healthMonitor)
	}

	for _, c := range startables {
		if err := c.Start(); err != nil {
			return err
		}
	}

	log.Infof("Node ready, HTTP API on %v", s.httpServer.Addr())

	return nil
}

// Stop stops all components in reverse order and closes the stores.
func (s *server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Stopping node")

	close(s.quit)

	stoppables := []interface{ Stop() error }{}
	if s.healthMonitor != nil {
		stoppables = append(stoppables, s.healthMonitor)
	}
	stoppables = append(stoppables, s.httpServer)
	if s.supervisor != nil {
		stoppables = append(stoppables, s.supervisor)
	}
	if s.feed != nil {
		stoppables = append(stoppables, s.feed)
	}
	stoppables = append(stoppables,
		s.connMgr, s.customOutputs, s.dispatcher, s.syncer, s.channels,
		s.fees,
	)

	for _, c := range stoppables {
		if err := c.Stop(); err != nil {
			log.Errorf("Error stopping %T: %v", c, err)
		}
	}

	s.closeStores()

	return nil
}

// closeStores closes the databases.
func (s *server) closeStores() {
	if err := s.checkpoints.Close(); err != nil {
		log.Errorf("Unable to close checkpoints: %v", err)
	}
	if err := s.store.Close(); err != nil {
		log.Errorf("Unable to close database: %v", err)
	}
}

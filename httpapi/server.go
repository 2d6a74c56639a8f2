// Package httpapi serves the operation boundary of a node over HTTP. The
// routes shared by both roles manage channels, payments and the on-chain
// wallet. A maker additionally publishes its offer and runs a faucet, a
// taker opens and settles cfds against the maker.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cfdlabs/cfdnode/cfd"
	"github.com/cfdlabs/cfdnode/cfddb"
	"github.com/cfdlabs/cfdnode/chainwallet"
	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/cfdlabs/cfdnode/peerconn"
	"github.com/cfdlabs/cfdnode/quote"
	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultListenAddr is the address the API listens on.
	DefaultListenAddr = "127.0.0.1:8000"

	// DefaultFaucetAmount is the amount paid out by the faucet.
	DefaultFaucetAmount = btcutil.Amount(10_000)

	// DefaultFundsTimeout bounds the wait for wallet funds before a
	// channel is opened.
	DefaultFundsTimeout = 600 * time.Second

	// readHeaderTimeout bounds reading the request headers.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout bounds the graceful shutdown of the server.
	shutdownTimeout = 5 * time.Second
)

// Role selects the routes served besides the common ones.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleMaker, RoleTaker:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q, expected maker or taker",
			s)
	}
}

// Node is the channel layer as seen by the API.
type Node interface {
	NodeKey() *btcec.PublicKey
	BestHeight() uint32
	ListChannels() []chanstate.ChannelDetails

	OpenChannel(ctx context.Context, peer *btcec.PublicKey,
		capacity btcutil.Amount, push lnwire.MilliSatoshi) ([32]byte,
		error)

	CloseChannel(ctx context.Context, chanID lnwire.ChannelID,
		force bool) error

	CreateInvoice(amt fn.Option[lnwire.MilliSatoshi], description string,
		expiry time.Duration) (*chanstate.Invoice, error)

	SendPayment(ctx context.Context, payReq string) (lntypes.Hash, error)
}

// Peers connects to counterparties.
type Peers interface {
	ConnectOutbound(ctx context.Context, info peerconn.PeerInfo) error
	ConnectedPeers() []*btcec.PublicKey
	ListenAddr() net.Addr
}

// Wallet is the on-chain wallet.
type Wallet interface {
	GetBalance() chainwallet.Balance
	GetUnusedAddress(ctx context.Context) (btcutil.Address, error)
	ListTransactions() []chainwallet.Transaction

	SendToAddress(ctx context.Context, address string,
		amt btcutil.Amount) (chainhash.Hash, error)

	WaitForFunds(ctx context.Context, amt btcutil.Amount) error
}

// PaymentStore persists the payments started over the API.
type PaymentStore interface {
	InsertPayment(ctx context.Context, info *cfddb.PaymentInfo) error

	UpdatePayment(ctx context.Context, hash lntypes.Hash,
		status cfddb.PaymentStatus, preimage fn.Option[lntypes.Preimage],
		secret fn.Option[[32]byte]) (*cfddb.PaymentInfo, error)

	LoadPayments(ctx context.Context) ([]*cfddb.PaymentInfo, error)
}

// OfferSource returns the maker's current offer.
type OfferSource interface {
	Offer(ctx context.Context) (quote.Offer, error)
}

// CfdEngine opens and settles cfds.
type CfdEngine interface {
	Cfds(ctx context.Context) ([]cfd.Cfd, error)
	Cfd(ctx context.Context, id int64) (*cfd.Cfd, error)
	Open(ctx context.Context, order *cfd.Order) (*cfd.Cfd, error)
	Settle(ctx context.Context, c *cfd.Cfd, offer quote.Offer) (*cfd.Cfd,
		error)
}

// Config holds the dependencies of the Server.
type Config struct {
	Role        Role
	ListenAddr  string
	ChainParams *chaincfg.Params

	Node     Node
	Peers    Peers
	Wallet   Wallet
	Payments PaymentStore
	Clock    clock.Clock

	// Offers is the bitmex feed on a maker and the maker API on a taker.
	Offers OfferSource

	// Gatherer is exposed on /metrics. Metrics of the API itself are
	// registered by the caller from Metrics.Collectors.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics

	// Spread is the maker's markup.
	Spread *quote.Spread

	// FaucetAmount is paid by the maker faucet. FaucetLimiter bounds the
	// faucet calls, a nil limiter allows one per minute.
	FaucetAmount  btcutil.Amount
	FaucetLimiter *rate.Limiter

	// FundsTimeout bounds the wait for wallet funds when opening a
	// channel on a maker.
	FundsTimeout time.Duration

	// Cfds is the taker's engine.
	Cfds CfdEngine
}

// Server is the HTTP API of a node.
type Server struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	router   *mux.Router
	listener net.Listener
	srv      *http.Server

	wg sync.WaitGroup
}

// NewServer creates the API and its routes.
func NewServer(cfg *Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.FaucetAmount == 0 {
		cfg.FaucetAmount = DefaultFaucetAmount
	}
	if cfg.FaucetLimiter == nil {
		cfg.FaucetLimiter = rate.NewLimiter(rate.Every(time.Minute), 1)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.FundsTimeout == 0 {
		cfg.FundsTimeout = DefaultFundsTimeout
	}

	s := &Server{cfg: cfg}
	s.router = s.newRouter()

	return s
}

// Handler returns the router of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves the API.
func (s *Server) Start() error {
	if s.started.Swap(true) {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %v: %w",
			s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	log.Infof("HTTP API (%v) listening on %v", s.cfg.Role,
		listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP API stopped: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if !s.started.Load() || s.stopped.Swap(true) || s.srv == nil {
		return nil
	}

	log.Info("HTTP API shutting down...")

	ctx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	err := s.srv.Shutdown(ctx)
	s.wg.Wait()

	return err
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// apiFunc is a route handler. A returned error is written as a problem.
type apiFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts h to a http.Handler.
func (s *Server) handle(title string, h apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		p := toProblem(title, err)
		if p.Status >= http.StatusInternalServerError {
			log.Errorf("%v %v: %v", r.Method, r.URL.Path, p)
		} else {
			log.Debugf("%v %v: %v", r.Method, r.URL.Path, p)
		}

		writeProblem(w, p)
	})
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	api := r.PathPrefix("/api").Subrouter()

	route := func(method, path, title string, h apiFunc) {
		api.Handle(path, s.handle(title, h)).Methods(method)
	}

	route(http.MethodGet, "/alive", "Node not alive", s.alive)
	route(http.MethodGet, "/node", "Failed to retrieve node info",
		s.nodeInfo)
	route(http.MethodGet, "/channels", "Failed to list channels",
		s.listChannels)
	route(http.MethodPost, "/channels", "Failed to open channel",
		s.openChannel)
	route(http.MethodDelete, "/channels/{id:[0-9a-fA-F]{64}}",
		"Failed to close channel", s.closeChannel)
	route(http.MethodGet, "/wallet", "Failed to retrieve wallet details",
		s.walletDetails)
	route(http.MethodPost, "/send", "Failed to send bitcoin to address",
		s.sendCoins)
	route(http.MethodPost, "/invoice", "Failed to create invoice",
		s.createInvoice)
	route(http.MethodPost, "/invoice/pay", "Failed to pay invoice",
		s.payInvoice)
	route(http.MethodGet, "/payments", "Failed to list payments",
		s.listPayments)

	switch s.cfg.Role {
	case RoleMaker:
		route(http.MethodGet, "/offer", "No quotes found", s.offer)
		route(http.MethodGet, "/spread", "Failed to get spread",
			s.getSpread)
		route(http.MethodPut, "/spread/{per_mille:-?[0-9]+}",
			"Cannot set the spread", s.putSpread)
		route(http.MethodGet, "/faucet/{address}",
			"Failed to fund address", s.faucet)

	case RoleTaker:
		route(http.MethodGet, "/offer", "No offer available", s.offer)
		route(http.MethodGet, "/cfds", "Failed to load cfds", s.listCfds)
		route(http.MethodPost, "/cfds", "Failed to open cfd", s.openCfd)
		route(http.MethodPost, "/cfds/{id:[0-9]+}/settle",
			"Failed to settle cfd", s.settleCfd)
	}

	r.Handle("/metrics", promhttp.HandlerFor(
		s.cfg.Gatherer, promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			writeProblem(w, &Problem{
				Status: http.StatusNotFound,
				Title:  "Not found",
				Detail: r.URL.Path,
			})
		},
	)
	r.MethodNotAllowedHandler = http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			writeProblem(w, &Problem{
				Status: http.StatusMethodNotAllowed,
				Title:  "Method not allowed",
				Detail: r.Method + " " + r.URL.Path,
			})
		},
	)

	return r
}

// instrument records the duration and status of every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.cfg.Clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		s.cfg.Metrics.requests.WithLabelValues(
			r.Method, path, strconv.Itoa(rec.status),
		).Inc()
		s.cfg.Metrics.duration.WithLabelValues(r.Method, path).Observe(
			s.cfg.Clock.Now().Sub(start).Seconds(),
		)

		log.Tracef("%v %v -> %d", r.Method, r.URL.Path, rec.status)
	})
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

package peerconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultSupervisorInterval is the pause between connection checks.
	DefaultSupervisorInterval = 5 * time.Second

	// DefaultMinBackoff is the pause before reconnecting after a session
	// ended. It doubles for every session that ends early, up to
	// DefaultMaxBackoff.
	DefaultMinBackoff = time.Second

	// DefaultMaxBackoff bounds the pause before reconnecting.
	DefaultMaxBackoff = time.Minute
)

// errChannelUnusable is the reason a stalled session is dropped.
var errChannelUnusable = errors.New("channel not usable")

// Supervisor keeps the session with one peer alive. It reconnects when
// the peer is absent and drops the session when the open channel with the
// peer stays unusable.
type Supervisor struct {
	started atomic.Bool
	stopped atomic.Bool

	peer    PeerInfo
	connMgr *PeerConnManager
	ticker  ticker.Ticker

	minBackoff time.Duration
	maxBackoff time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSupervisor creates a supervisor of peer. A nil ticker ticks every
// DefaultSupervisorInterval.
func NewSupervisor(connMgr *PeerConnManager, peer PeerInfo,
	t ticker.Ticker) *Supervisor {

	if t == nil {
		t = ticker.New(DefaultSupervisorInterval)
	}

	return &Supervisor{
		peer:       peer,
		connMgr:    connMgr,
		ticker:     t,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		quit:       make(chan struct{}),
	}
}

// Start launches the supervisor loop.
func (s *Supervisor) Start() error {
	if s.started.Swap(true) {
		return nil
	}

	log.Infof("Supervising connection to %v", s.peer)

	s.ticker.Resume()

	s.wg.Add(1)
	go s.superviseLoop()

	return nil
}

// Stop ends the supervisor loop.
func (s *Supervisor) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}

	close(s.quit)
	s.ticker.Stop()
	s.wg.Wait()

	return nil
}

// stalled reports whether the ready channel with the peer is unusable
// while the session is up.
func (s *Supervisor) stalled() bool {
	ch, ok := s.connMgr.cfg.Channels.ChannelWithPeer(s.peer.PubKey)

	return ok && ch.IsChannelReady && !ch.IsUsable
}

func (s *Supervisor) superviseLoop() {
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

	// The first attempt does not wait for a tick.
	retry := true
	backoff := s.minBackoff
	for {
		if retry {
			start := time.Now()
			retry = s.connect(ctx)
			if retry {
				// A session that held resets the backoff.
				if time.Since(start) > s.maxBackoff {
					backoff = s.minBackoff
				}

				log.Debugf("Reconnecting to %v in %v", s.peer,
					backoff)

				select {
				case <-time.After(backoff):
				case <-s.quit:
					return
				}

				backoff = nextBackoff(backoff, s.maxBackoff)
				continue
			}
		}

		select {
		case <-s.ticker.Ticks():
			if !s.connMgr.IsConnected(s.peer.PubKey) {
				retry = true
				continue
			}

			if s.stalled() {
				log.Warnf("Channel with %v is not usable, "+
					"reconnecting", s.peer)

				_ = s.connMgr.Disconnect(s.peer.PubKey)
				<-s.connMgr.disconnected(s.peer.PubKey)
				retry = true
			}

		case <-s.quit:
			return
		}
	}
}

// nextBackoff doubles backoff, clamped to maxBackoff.
func nextBackoff(backoff, maxBackoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > maxBackoff {
		return maxBackoff
	}

	return backoff
}

// connect establishes the session if needed and waits for it to end. It
// returns true if the session was established and ended, so the next
// attempt follows after the backoff, and false if the attempt failed.
func (s *Supervisor) connect(ctx context.Context) bool {
	err := s.connMgr.ConnectOutbound(ctx, s.peer)
	if err != nil {
		log.Warnf("Unable to connect to %v: %v", s.peer, err)
		return false
	}

	disconnected := s.connMgr.disconnected(s.peer.PubKey)
	for {
		select {
		case <-disconnected:
			log.Infof("Lost connection to %v", s.peer)
			return true

		case <-s.ticker.Ticks():
			if !s.stalled() {
				continue
			}

			log.Warnf("Channel with %v is not usable, reconnecting",
				s.peer)

			_ = s.connMgr.Disconnect(s.peer.PubKey)

		case <-s.quit:
			return false
		}
	}
}

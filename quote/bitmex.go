package quote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// BitmexMainnetURL is the realtime API of bitmex.
	BitmexMainnetURL = "wss://ws.bitmex.com/realtime"

	// BitmexTestnetURL is the realtime API of the bitmex testnet.
	BitmexTestnetURL = "wss://ws.testnet.bitmex.com/realtime"

	// reconnectDelay is the pause before redialing a failed feed.
	reconnectDelay = 5 * time.Second

	// handshakeTimeout bounds the websocket handshake.
	handshakeTimeout = 10 * time.Second
)

// subscribeMsg is sent after connecting.
type subscribeMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// BitmexFeed follows the XBTUSD instrument on the bitmex realtime API and
// keeps the latest quote.
type BitmexFeed struct {
	started atomic.Bool
	stopped atomic.Bool

	url    string
	dialer *websocket.Dialer

	mu     sync.RWMutex
	latest fn.Option[Quote]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBitmexFeed creates a feed reading from url.
func NewBitmexFeed(url string) *BitmexFeed {
	return &BitmexFeed{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		quit: make(chan struct{}),
	}
}

// Start connects the feed in the background.
func (f *BitmexFeed) Start() error {
	if !f.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Subscribing to %v instrument feed at %v", BitmexSymbol,
		f.url)

	f.wg.Add(1)
	go f.feedLoop()

	return nil
}

// Stop disconnects the feed.
func (f *BitmexFeed) Stop() error {
	if !f.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(f.quit)
	f.wg.Wait()

	return nil
}

// Latest returns the most recent quote.
func (f *BitmexFeed) Latest() (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.latest.UnwrapOrErr(ErrNoQuote)
}

// Offer returns the latest quote widened by spread.
func (f *BitmexFeed) Offer(spread *Spread) (Offer, error) {
	q, err := f.Latest()
	if err != nil {
		return Offer{}, err
	}

	return NewOffer(q, spread.Fraction()), nil
}

func (f *BitmexFeed) feedLoop() {
	defer f.wg.Done()

	for {
		err := f.follow()
		if err != nil {
			log.Errorf("Quote feed failed: %v", err)
		}

		select {
		case <-time.After(reconnectDelay):
		case <-f.quit:
			return
		}
	}
}

// follow reads quotes until the connection fails or the feed stops.
func (f *BitmexFeed) follow() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the reader on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-f.quit:
			conn.Close()
		case <-done:
		}
	}()

	err = conn.WriteJSON(subscribeMsg{
		Op:   "subscribe",
		Args: []string{"instrument:" + BitmexSymbol},
	})
	if err != nil {
		return err
	}

	for {
		_, text, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.quit:
				return nil
			default:
				return err
			}
		}

		log.Tracef("Received message from bitmex: %s", text)

		if err := f.apply(text); err != nil {
			log.Warnf("Skipping bitmex message: %v", err)
		}
	}
}

// apply merges a feed message into the latest quote.
func (f *BitmexFeed) apply(text []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.latest.UnwrapOr(Quote{})
	q, ok, err := applyMessage(prev, text)
	if err != nil || !ok {
		return err
	}
	f.latest = fn.Some(q)

	log.Debugf("Quote update for %v: bid=%v ask=%v index=%v at %v",
		q.Symbol, q.Bid, q.Ask, q.Index, q.Timestamp)

	return nil
}

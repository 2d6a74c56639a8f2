package peerconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/brontide"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// sendQueueSize is the number of messages buffered per peer.
	sendQueueSize = 100

	// writeTimeout bounds writing one message to the transport.
	writeTimeout = 10 * time.Second
)

// errPeerExiting is the reason of a disconnect on shutdown.
var errPeerExiting = errors.New("peer exiting")

// peer is one established brontide session with a counterparty.
type peer struct {
	conn    *brontide.Conn
	pubKey  *btcec.PublicKey
	inbound bool

	sendQueue chan lnwire.Message

	// active is closed once the remote Init arrived.
	active chan struct{}

	disconnectOnce sync.Once
	disconnectErr  error

	// quit is closed when the session ends.
	quit chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newPeer(conn *brontide.Conn, inbound bool) *peer {
	ctx, cancel := context.WithCancel(context.Background())

	return &peer{
		conn:      conn,
		pubKey:    conn.RemotePub(),
		inbound:   inbound,
		sendQueue: make(chan lnwire.Message, sendQueueSize),
		active:    make(chan struct{}),
		quit:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// String returns the pubkey and address of the peer.
func (p *peer) String() string {
	return fmt.Sprintf("%x@%s", p.pubKey.SerializeCompressed(),
		p.conn.RemoteAddr())
}

// disconnect closes the transport. Only the first reason is kept.
func (p *peer) disconnect(reason error) {
	p.disconnectOnce.Do(func() {
		log.Infof("Disconnecting %v, reason: %v", p, reason)

		p.disconnectErr = reason
		p.cancel()
		close(p.quit)
		p.conn.Close()
	})
}

// queueMessage hands msg to the write handler.
func (p *peer) queueMessage(ctx context.Context, msg lnwire.Message) error {
	select {
	case p.sendQueue <- msg:
		return nil

	case <-p.quit:
		return fmt.Errorf("%w: %x", ErrPeerNotConnected,
			p.pubKey.SerializeCompressed())

	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeMessage encodes msg and writes it to the transport.
func (p *peer) writeMessage(msg lnwire.Message) error {
	log.Tracef("Sending %v to %x: %v", msg.MsgType(),
		p.pubKey.SerializeCompressed(), spewMessage(msg))

	var buf bytes.Buffer
	if _, err := lnwire.WriteMessage(&buf, msg, 0); err != nil {
		return err
	}

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := p.conn.WriteMessage(buf.Bytes()); err != nil {
		return err
	}
	_, err := p.conn.Flush()

	return err
}

// writeHandler drains the send queue onto the transport.
func (p *peer) writeHandler() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.sendQueue:
			if err := p.writeMessage(msg); err != nil {
				p.disconnect(fmt.Errorf("write failed: %w", err))
				return
			}

		case <-p.quit:
			return
		}
	}
}

// readMessage reads and decodes the next message of the transport.
func (p *peer) readMessage() (lnwire.Message, error) {
	raw, err := p.conn.ReadNextMessage()
	if err != nil {
		return nil, err
	}

	msg, err := lnwire.ReadMessage(bytes.NewReader(raw), 0)
	if err != nil {
		return nil, err
	}

	log.Tracef("Received %v from %x: %v", msg.MsgType(),
		p.pubKey.SerializeCompressed(), spewMessage(msg))

	return msg, nil
}

// readHandler hands every message of the transport to route until the
// session ends.
func (p *peer) readHandler(route func(*peer, lnwire.Message)) {
	defer p.wg.Done()

	for {
		msg, err := p.readMessage()
		var unknown *lnwire.UnknownMessage
		switch {
		case errors.As(err, &unknown):
			log.Debugf("Ignoring unknown message from %v: %v", p,
				err)
			continue

		case err != nil:
			p.disconnect(fmt.Errorf("read failed: %w", err))
			return
		}

		switch msg := msg.(type) {
		case *lnwire.Init:
			select {
			case <-p.active:
			default:
				close(p.active)
			}

		case *lnwire.Ping:
			pong := lnwire.NewPong(make([]byte, msg.NumPongBytes))
			if err := p.queueMessage(p.ctx, pong); err != nil {
				return
			}

		case *lnwire.Pong:

		default:
			route(p, msg)
		}
	}
}

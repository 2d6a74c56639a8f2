package dispatcher

import (
	"context"
	"errors"

	"github.com/cfdlabs/cfdnode/chanstate"
	"github.com/lightningnetwork/lnd/queue"
)

// DefaultQueueSize is the capacity of the event queue unless configured.
const DefaultQueueSize = 100

// ErrQueueClosed is returned when publishing to a stopped queue.
var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is a bounded FIFO of events. Publish blocks while it is full.
type EventQueue struct {
	events   *queue.BackpressureQueue[chanstate.Event]
	capacity int

	quit chan struct{}
}

// A compile time check to ensure EventQueue is an event sink.
var _ chanstate.EventSink = (*EventQueue)(nil)

// NewEventQueue creates a queue holding up to size events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}

	// Events are never dropped, a full queue blocks the producer.
	neverDrop := func(int, chanstate.Event) bool { return false }

	return &EventQueue{
		events:   queue.NewBackpressureQueue(size, neverDrop),
		capacity: size,
		quit:     make(chan struct{}),
	}
}

// Publish appends ev, waiting for room if the queue is full.
func (q *EventQueue) Publish(ctx context.Context, ev chanstate.Event) error {
	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}

	if q.events.TryEnqueue(ev) {
		return nil
	}

	// The queue is full. Wait for room, the caller's context or Close.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := q.events.Enqueue(ctx, ev)
	select {
	case <-q.quit:
		if err != nil {
			return ErrQueueClosed
		}
	default:
	}

	return err
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return q.events.Len()
}

// Cap returns the capacity of the queue.
func (q *EventQueue) Cap() int {
	return q.capacity
}

// Events returns the receiving end of the queue.
func (q *EventQueue) Events() <-chan chanstate.Event {
	return q.events.ReceiveChan()
}

// Close wakes up blocked publishers and refuses new events. Queued events
// are kept.
func (q *EventQueue) Close() {
	close(q.quit)
}

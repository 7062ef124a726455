package room

import (
	"context"
	"errors"
	"sync"
)

// DefaultOutboxCapacity bounds a recipient's pending events.
const DefaultOutboxCapacity = 64

// ErrOutboxClosed is returned by Next once the outbox is closed and drained.
var ErrOutboxClosed = errors.New("room: outbox closed")

// Outbox is a fixed-size FIFO of pending events for one connection. Push never
// blocks: when the outbox is full the oldest event is discarded.
//
// All methods are safe for concurrent use.
type Outbox struct {
	mutex    sync.Mutex
	items    []Event
	head     int
	size     int
	dropped  uint64
	closed   bool
	notify   chan struct{}
	closedCh chan struct{}
}

// NewOutbox creates an outbox holding at most capacity events.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{
		items:    make([]Event, capacity),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends the event and reports whether an older event was discarded
// to make room. Pushing to a closed outbox is a no-op.
func (o *Outbox) Push(event Event) bool {
	o.mutex.Lock()
	if o.closed {
		o.mutex.Unlock()
		return false
	}
	dropped := false
	capacity := len(o.items)
	if o.size == capacity {
		o.items[o.head] = nil
		o.head = (o.head + 1) % capacity
		o.size--
		o.dropped++
		dropped = true
	}
	o.items[(o.head+o.size)%capacity] = event
	o.size++
	o.mutex.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is available, the outbox is closed and empty,
// or ctx ends.
func (o *Outbox) Next(ctx context.Context) (Event, error) {
	for {
		o.mutex.Lock()
		if o.size > 0 {
			event := o.items[o.head]
			o.items[o.head] = nil
			o.head = (o.head + 1) % len(o.items)
			o.size--
			o.mutex.Unlock()
			return event, nil
		}
		closed := o.closed
		o.mutex.Unlock()
		if closed {
			return nil, ErrOutboxClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.notify:
		case <-o.closedCh:
		}
	}
}

// Close stops accepting events. Pending events remain readable.
func (o *Outbox) Close() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.closedCh)
}

// Len reports the number of pending events.
func (o *Outbox) Len() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.size
}

// Dropped reports how many events were discarded because the outbox was full.
func (o *Outbox) Dropped() uint64 {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.dropped
}

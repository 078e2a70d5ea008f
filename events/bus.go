// Package events provides a bounded multi-consumer broadcast bus.
//
// Every published event is delivered to every currently subscribed consumer.
// A consumer that cannot keep up loses the OLDEST undelivered events rather
// than blocking publishers: publishing never blocks, and each dropped event
// increments the subscription's lag counter. This lossy-under-backpressure
// behavior is deliberate; real-time call events are only useful fresh.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the per-subscription buffer used when a non-positive
// size is requested.
const DefaultBufferSize = 64

// Bus is a broadcast channel fanning events of type T out to any number of
// subscribers. The zero value is not usable; create instances with NewBus.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	buffer int
	closed bool
}

// Subscription is one consumer's view of a Bus. Events arrive on C in
// publish order; Lagged reports how many events were dropped because the
// consumer fell behind.
type Subscription[T any] struct {
	// C delivers events. It is closed when the subscription is cancelled
	// or the bus shuts down.
	C <-chan T

	ch     chan T
	id     uint64
	bus    *Bus[T]
	lagged atomic.Uint64
	once   sync.Once
}

// NewBus creates a broadcast bus whose subscriptions buffer up to size
// events each. A non-positive size selects DefaultBufferSize.
func NewBus[T any](size int) *Bus[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		buffer: size,
	}
}

// Subscribe registers a new independent consumer. Each subscriber receives
// every event published after the call returns.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	sub := &Subscription[T]{C: ch, ch: ch, bus: b, id: b.nextID}
	b.nextID++

	if b.closed {
		close(ch)
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every current subscriber without blocking. When a
// subscriber's buffer is full the oldest buffered event is discarded to make
// room and the subscriber's lag counter is incremented.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Full: evict the oldest event, then retry once. The second
			// send can only fail if the consumer drained and refilled the
			// buffer concurrently, in which case the new event is the one
			// dropped; either way exactly one event is lost.
			select {
			case <-sub.ch:
				sub.lagged.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.lagged.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down, closing every subscription channel. Publish
// becomes a no-op afterwards.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bus.Close",
	}).Debug("Event bus closed")
}

// Cancel removes the subscription from its bus and closes its channel.
// It is safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}

// Lagged returns how many events this subscription has dropped because the
// consumer could not keep up.
func (s *Subscription[T]) Lagged() uint64 {
	return s.lagged.Load()
}

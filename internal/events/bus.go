// Package events fans status events out to dashboard subscribers and tracks
// agent activity.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/domain"
	"github.com/pinchtab/pinchtab/internal/logging"
)

// Subscription is one consumer of the bus. C is closed when the subscription
// ends, either by Close or because the consumer fell too far behind.
type Subscription struct {
	ID string
	C  <-chan domain.Event

	ch      chan domain.Event
	bus     *Bus
	dropped atomic.Bool
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Dropped reports whether the bus cut this subscriber off for being slow.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Bus delivers every published event to every subscriber in publish order.
// Publishing never blocks: a subscriber whose buffer is full is dropped.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	bufSize int
	closed  bool
	log     *logrus.Entry
}

// NewBus creates a bus with bufSize events of buffering per subscriber.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		bufSize: bufSize,
		log:     logging.NewLogger("events"),
	}
}

// Subscribe registers a consumer. The events returned by initial are queued
// ahead of any later publish; initial runs under the bus lock so nothing
// published concurrently can be missed or reordered around it.
func (b *Bus) Subscribe(initial func() []domain.Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first []domain.Event
	if initial != nil {
		first = initial()
	}
	ch := make(chan domain.Event, b.bufSize+len(first))
	for _, evt := range first {
		ch <- evt
	}

	sub := &Subscription{ID: uuid.New().String(), C: ch, ch: ch, bus: b}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	b.log.WithField("subscriber", sub.ID).Debug("subscriber registered")
	return sub
}

// Publish delivers evt to all subscribers without blocking.
func (b *Bus) Publish(evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// Buffer full, drop the subscriber
			b.log.WithField("subscriber", id).Warn("subscriber buffer full, disconnecting")
			sub.dropped.Store(true)
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends all subscriptions; later subscribers are closed immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
	b.log.WithField("subscriber", sub.ID).Debug("subscriber unregistered")
}

// Package events fans job updates out to connected push-channel
// subscribers. Delivery is at-most-once: the stream is a latency
// optimization, clients reconcile against full fetches.
package events

import (
	"log"
	"sync"

	"go.uber.org/atomic"

	"github.com/mkrull/boorud/internal/domain"
)

const subscriberBuffer = 64

// Broker fans updates out to subscribers. Publishing never blocks: a
// subscriber that cannot keep up has updates dropped, not queued.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Update
	nextID int

	dropped atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan domain.Update)}
}

// Subscribe registers a new subscriber and returns its update channel plus
// a cancel function. The channel is closed on cancel.
func (b *Broker) Subscribe() (<-chan domain.Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Update, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the update to every subscriber without blocking.
func (b *Broker) Publish(u domain.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			if n := b.dropped.Inc(); n%100 == 1 {
				log.Printf("events: dropped %d updates to slow subscribers", n)
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of updates dropped for slow subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

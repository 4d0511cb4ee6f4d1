package bus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	missed  atomic.Uint64
	removed bool
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Missed counts events dropped because this subscriber's buffer was full.
func (s *Subscription) Missed() uint64 {
	return s.missed.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is an in-process pub/sub bus with topic prefix matching. Delivery is
// at-most-once: a subscriber whose buffer is full misses the event, and the
// task store stays the source of truth.
type Bus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers for topics starting with topicPrefix; "" matches all.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.removed {
		return
	}
	sub.removed = true
	b.subs = slices.DeleteFunc(b.subs, func(s *Subscription) bool { return s == sub })
	close(sub.ch)
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.missed.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total of missed deliveries across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

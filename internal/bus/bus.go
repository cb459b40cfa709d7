// Package bus is the in-process event bus that carries scheduling events from
// the task manager to the gateway stream, the history recorder and the TUI.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Subscription is an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

// New creates a Bus whose subscriptions buffer defaultBufferSize events.
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a Bus with the given per-subscription buffer.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{subs: make(map[int]*Subscription), buffer: size}
}

// Subscribe creates a subscription for topics starting with topicPrefix. An
// empty prefix matches every topic. Slow consumers lose events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
// Publish is called from the regulator sweep, so it must never wait on a reader.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Package bus provides the process-wide typed event bus. Subsystems
// publish dotted event names (agent.text, cron.job-started,
// channel.message.received); the gateway and other consumers subscribe
// with per-subscriber buffers.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published bus event.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id         uint64
	ch         chan Event
	types      []string // empty subscribes to everything
	dropIfSlow bool
	dropped    atomic.Uint64
}

// C returns the subscriber's event channel. It is closed on unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the subscriber
// was slow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == eventType {
			return true
		}
		// Prefix subscriptions: "cron.*" matches "cron.job-started".
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, t[:len(t)-1]) {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers. The subscriber list is replaced
// wholesale on every mutation; publishers share a read lock so they
// never block each other, and unsubscribe closes channels only once all
// in-flight publishes have drained.
type Bus struct {
	mu     sync.RWMutex
	subs   atomic.Value // []*Subscription
	nextID atomic.Uint64
	seq    atomic.Uint64
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default().With("component", "bus"),
		now:    time.Now,
	}
	b.subs.Store([]*Subscription{})
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Buffer is the channel capacity; <= 0 uses DefaultBuffer.
	Buffer int
	// DropIfSlow discards the oldest queued event instead of blocking
	// publishers when the buffer is full. Without it, events that do
	// not fit are dropped on the floor (publishers never block).
	DropIfSlow bool
	// Types filters event names; empty receives everything. A name
	// ending in ".*" matches the whole prefix.
	Types []string
}

// Subscribe registers a subscriber.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id:         b.nextID.Add(1),
		ch:         make(chan Event, buffer),
		types:      opts.Types,
		dropIfSlow: opts.DropIfSlow,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.subs.Load().([]*Subscription)
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	b.subs.Store(append(next, sub))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.subs.Load().([]*Subscription)
	next := make([]*Subscription, 0, len(old))
	found := false
	for _, s := range old {
		if s.id == sub.id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if found {
		b.subs.Store(next)
		close(sub.ch)
	}
}

// Publish delivers an event to all matching subscribers. It never blocks.
func (b *Bus) Publish(eventType string, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Data:      data,
		Seq:       b.seq.Add(1),
		Timestamp: b.now(),
	}

	subs := b.subs.Load().([]*Subscription)
	for _, sub := range subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}

		if !sub.dropIfSlow {
			sub.dropped.Add(1)
			continue
		}

		// Make room by discarding the oldest queued event.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	return len(b.subs.Load().([]*Subscription))
}

// Package events fans out ingestion progress to in-process subscribers and
// optional external sinks. Delivery is best effort: a subscriber whose
// buffer is full misses the event and the drop is counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topic names.
const (
	TopicSessionUpdated = "session:updated"
	// TopicPageCommitted carries the per-page summary after counters commit.
	TopicPageCommitted = "session:page"

	ActionCreated = "created"
	ActionUpdated = "updated"

	KindOrganization = "organization"
)

// Topic returns "<kind>:<action>", e.g. "notice:created".
func Topic(kind, action string) string {
	return kind + ":" + action
}

// Event is one progress notification.
type Event struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	EntityRef string    `json:"entity_ref,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is the write side of the bus handed to pipeline components.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Sink receives every published event, e.g. for out-of-process observers.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus is an in-process topic fan-out.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	sinks   []Sink
	buffer  int
	dropped atomic.Int64
	log     *zap.Logger
}

// NewBus creates a Bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		sinks:  sinks,
		buffer: buffer,
		log:    zap.L().With(zap.String("component", "events")),
	}
}

// Subscribe registers a subscriber for topics. No topics means all topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		ch:  make(chan Event, b.buffer),
		bus: b,
	}
	if len(topics) > 0 {
		s.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to matching subscribers without blocking, then hands
// it to each sink. Sink errors are logged.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	for s := range b.subs {
		if !s.wants(ev.Event) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	for _, sink := range b.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			b.log.Warn("events: sink send failed",
				zap.String("event", ev.Event),
				zap.Error(err),
			)
		}
	}
}

// Dropped returns the number of deliveries dropped across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ch      chan Event
	topics  map[string]bool
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

func (s *Subscription) wants(topic string) bool {
	return s.topics == nil || s.topics[topic]
}

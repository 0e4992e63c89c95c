// Package bus carries typed events from sessions to control surfaces.
//
// Publishers never block. Each subscriber owns a bounded buffer; when it is
// full the bus applies the configured Policy: DropOldest evicts the oldest
// buffered event to make room, Reject refuses the new event for that
// subscriber and reports ErrBufferFull to the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrBufferFull is returned by Publish when at least one subscriber under
// the Reject policy could not accept the event.
var ErrBufferFull = errors.New("bus: subscriber buffer full")

// Policy decides what happens when a subscriber buffer is full.
type Policy string

const (
	DropOldest Policy = "drop_oldest"
	Reject     Policy = "reject"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case DropOldest, Reject:
		return Policy(s), nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown bus policy %q (want %q or %q)", s, DropOldest, Reject)
}

// DefaultBuffer is the per-subscriber capacity when none is configured.
const DefaultBuffer = 256

// Bus is a multi-producer, multi-consumer event fabric.
type Bus struct {
	buffer int
	policy Policy

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]*Subscription
	closed bool

	dropped metric.Int64Counter
}

// New creates a bus with the given per-subscriber buffer and policy.
func New(buffer int, policy Policy) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if policy == "" {
		policy = DropOldest
	}
	counter, _ := otel.Meter("github.com/joescharf/flock/internal/bus").
		Int64Counter("flock.bus.dropped", metric.WithDescription("events not delivered to a subscriber"))
	return &Bus{
		buffer:  buffer,
		policy:  policy,
		subs:    make(map[int]*Subscription),
		dropped: counter,
	}
}

// Policy returns the bus policy.
func (b *Bus) Policy() Policy { return b.policy }

// Subscription receives events from a Bus.
type Subscription struct {
	id      int
	bus     *Bus
	session string
	buffer  int
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// ForSession limits a subscription to events of one session.
func ForSession(id string) SubscribeOption {
	return func(s *Subscription) { s.session = id }
}

// WithBuffer overrides the bus buffer size for one subscriber.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) { s.buffer = n }
}

// Subscribe registers a new subscriber. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		buffer: b.buffer,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.buffer <= 0 {
		sub.buffer = b.buffer
	}
	sub.ch = make(chan Event, sub.buffer)
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// C returns the event channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns the number of events this subscriber lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		s.close()
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Publish stamps ev with a sequence number and time and delivers it to every
// matching subscriber without blocking.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	var rejected bool
	for _, sub := range b.subs {
		if sub.session != "" && sub.session != ev.SessionID {
			continue
		}
		if !b.deliver(sub, ev) {
			rejected = true
		}
	}
	if rejected {
		return ErrBufferFull
	}
	return nil
}

// deliver must be called with b.mu held, which makes the evict-then-send
// sequence atomic with respect to other publishers.
func (b *Bus) deliver(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
	}

	sub.dropped.Add(1)
	b.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("policy", string(b.policy))))
	if b.policy == Reject {
		return false
	}

	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	return true
}

// Close closes every subscription. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}

// Package events is the broadcast channel for conflict notifications. Every
// subscriber owns a buffered queue drained by its own goroutine, so a slow or
// failing subscriber never blocks the publisher or other subscribers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// Type identifies an event stream.
type Type string

const (
	ConflictDetected  Type = "conflict.detected"
	ConflictResolved  Type = "conflict.resolved"
	ConflictPresented Type = "conflict.presented"
	ConflictFinalized Type = "conflict.finalized"
	HandlerError      Type = "handler.error"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// Event is one notification. Conflict and Resolution are private copies.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	ConflictID string            `json:"conflictId,omitempty"`
	Collection string            `json:"collection,omitempty"`
	EntityID   string            `json:"entityId,omitempty"`
	Conflict   *types.Conflict   `json:"conflict,omitempty"`
	Resolution *types.Resolution `json:"resolution,omitempty"`
	Payload    any               `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// NewConflictEvent builds an event about c.
func NewConflictEvent(t Type, c *types.Conflict) Event {
	e := Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now()}
	if c != nil {
		e.Conflict = c.Clone()
		e.ConflictID = c.ConflictID
		e.Collection = c.Collection
		e.EntityID = c.EntityID
	}
	return e
}

// NewResolutionEvent builds an event about r resolving c.
func NewResolutionEvent(t Type, c *types.Conflict, r *types.Resolution) Event {
	e := NewConflictEvent(t, c)
	e.Resolution = r.Clone()
	if e.ConflictID == "" && r != nil {
		e.ConflictID = r.ConflictID
	}
	return e
}

// Handler processes one event.
type Handler func(ctx context.Context, e Event) error

// ErrorRecorder receives failing subscriber counts.
type ErrorRecorder interface {
	RecordHandlerError(eventType string)
}

type busOptions struct {
	bufferSize int
	logger     *logging.Logger
	recorder   ErrorRecorder
}

// Option configures a Bus.
type Option interface{ apply(*busOptions) }

type optionFn func(*busOptions)

func (f optionFn) apply(o *busOptions) { f(o) }

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return optionFn(func(o *busOptions) { o.bufferSize = n })
}

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return optionFn(func(o *busOptions) { o.logger = l })
}

// WithErrorRecorder reports failing subscribers to r.
func WithErrorRecorder(r ErrorRecorder) Option {
	return optionFn(func(o *busOptions) { o.recorder = r })
}

// Bus fans events out to subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	closed     bool
	bufferSize int
	logger     *logging.Logger
	recorder   ErrorRecorder
	wg         sync.WaitGroup
}

// NewBus creates a Bus.
func NewBus(opts ...Option) *Bus {
	cfg := &busOptions{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = DefaultBufferSize
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	return &Bus{
		subs:       make(map[string]*Subscription),
		bufferSize: cfg.bufferSize,
		logger:     cfg.logger.WithComponent("events"),
		recorder:   cfg.recorder,
	}
}

// Subscription is one registered handler.
type Subscription struct {
	id      string
	types   map[Type]struct{}
	handler Handler
	queue   chan Event
	bus     *Bus
	once    sync.Once
	pending atomic.Int64
	dropped atomic.Int64
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe stops delivery. Queued events are still handled.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Subscribe registers handler for the listed event types, or for every type
// when none are given. It returns nil after Close.
func (b *Bus) Subscribe(handler Handler, eventTypes ...Type) *Subscription {
	if handler == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		types:   make(map[Type]struct{}, len(eventTypes)),
		handler: handler,
		queue:   make(chan Event, b.bufferSize),
		bus:     b,
	}
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

// Publish enqueues e for every interested subscriber without blocking.
// Events for a full queue are dropped and counted.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		sub.pending.Add(1)
		select {
		case sub.queue <- e:
		default:
			sub.pending.Add(-1)
			sub.dropped.Add(1)
			b.logger.Warn("subscriber queue full, event dropped",
				slog.String("subscriber", sub.id), slog.String("event_type", string(e.Type)))
		}
	}
}

// Flush waits until every queued event has been handled or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bus) pending() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int64
	for _, sub := range b.subs {
		n += sub.pending.Load()
	}
	return n
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events and waits for queued events to be handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

func (b *Bus) run(sub *Subscription) {
	defer b.wg.Done()
	for e := range sub.queue {
		if err := b.deliver(sub, e); err != nil {
			b.reportFailure(sub, e, err)
		}
		sub.pending.Add(-1)
	}
}

// deliver calls the handler, converting a panic into an error.
func (b *Bus) deliver(sub *Subscription, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return sub.handler(context.Background(), e)
}

// reportFailure logs a failing handler and republishes it as a handler.error
// event. Failures while handling handler.error are only logged.
func (b *Bus) reportFailure(sub *Subscription, e Event, err error) {
	herr := syncErrors.NewHandlerError(sub.id, err).
		WithMetadata("event_type", string(e.Type)).
		WithMetadata("event_id", e.ID)
	b.logger.LogError(context.Background(), herr, "event handler failed")
	if b.recorder != nil {
		b.recorder.RecordHandlerError(string(e.Type))
	}
	if e.Type == HandlerError {
		return
	}
	b.Publish(Event{
		Type:       HandlerError,
		ConflictID: e.ConflictID,
		Collection: e.Collection,
		EntityID:   e.EntityID,
		Payload: map[string]any{
			"subscriber": sub.id,
			"eventType":  string(e.Type),
			"eventId":    e.ID,
		},
		Error: err.Error(),
	})
}

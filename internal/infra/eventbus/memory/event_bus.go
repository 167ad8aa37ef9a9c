// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent bus suitable for tests and single
// process deployments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
)

var _ events.EventBus = (*EventBus)(nil)

// ErrClosed is returned by operations on a bus that has been closed.
var ErrClosed = errors.New("memory event bus closed")

type subscription struct {
	id      uint64
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

func (s subscription) wants(t events.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus delivers envelopes synchronously to every subscribed handler
// registered for the envelope's type.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	closed bool
}

// NewEventBus creates an empty in-memory event bus.
func NewEventBus() *EventBus { return new(EventBus) }

// Subscribe registers handler for the given event types. An empty type list
// subscribes to every event. The subscription is removed when ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: types, handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return nil
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the envelope to matching handlers in subscription order,
// stopping at the first error. Handlers are copied before iteration so they
// may subscribe or publish themselves.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlers := make([]events.HandlerFunc, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(event.Type) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close drops every subscription. Later calls to Publish or Subscribe fail
// with ErrClosed.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

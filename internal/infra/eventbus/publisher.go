// Package eventbus adapts domain level event publishing to a concrete
// events.EventBus transport.
package eventbus

import (
	"context"
	"fmt"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements events.DomainEventPublisher on top of an
// EventBus. It wraps domain events in an envelope and forwards routing
// options to the transport unchanged.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher that distributes domain events
// through the provided event bus.
func NewDomainEventPublisher(eventBus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: eventBus}
}

// PublishDomainEvent wraps event in an envelope stamped with its occurrence
// time and publishes it.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	params := events.ApplyOptions(opts...)
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}

	if err := pub.eventBus.Publish(ctx, evt, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventType(), err)
	}
	return nil
}

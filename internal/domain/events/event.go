package events

import "time"

// DomainEvent is implemented by every event raised by the domain. It carries
// just enough information for the transport layer to route and order it.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType

	// OccurredAt records when the state change happened.
	OccurredAt() time.Time
}

// EventEnvelope wraps a DomainEvent with the transport level metadata used by
// an EventBus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business identifier
	// like a ProjectID that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data.
	Payload DomainEvent
}

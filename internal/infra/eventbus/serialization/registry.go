// Package serialization converts domain events to and from the JSON wire
// format carried by the event bus. Every message is a universal envelope
// holding the event type, the time it occurred and the encoded payload.
//
// Payload decoders are registered per event type. Types without a decoder
// are delivered as raw JSON so consumers can still route them.
package serialization

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
)

// DeserializeFunc converts an encoded payload back into a domain value.
type DeserializeFunc func(data []byte) (any, error)

var (
	mu                   sync.RWMutex
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterDeserializeFunc registers the payload decoder for an event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	mu.Lock()
	defer mu.Unlock()
	deserializerRegistry[eventType] = fn
}

// universalEnvelope is the wire representation of an event.
type universalEnvelope struct {
	Type       events.EventType  `json:"type"`
	Key        string            `json:"key,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
}

// ReceivedEvent is a DomainEvent reconstructed from the wire. Data holds the
// decoded payload, or json.RawMessage when no decoder is registered.
type ReceivedEvent struct {
	Type events.EventType
	At   time.Time
	Data any
}

func (e ReceivedEvent) EventType() events.EventType { return e.Type }
func (e ReceivedEvent) OccurredAt() time.Time       { return e.At }

// SerializeEventEnvelope encodes an envelope's payload into the universal
// wire format.
func SerializeEventEnvelope(evt events.EventEnvelope) ([]byte, error) {
	if evt.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", evt.Type)
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", evt.Type, err)
	}

	occurredAt := evt.Payload.OccurredAt()
	if occurredAt.IsZero() {
		occurredAt = evt.Timestamp
	}
	return json.Marshal(universalEnvelope{
		Type:       evt.Type,
		Key:        evt.Key,
		OccurredAt: occurredAt.UTC(),
		Headers:    evt.Headers,
		Payload:    payload,
	})
}

// DeserializeEventEnvelope decodes a wire message into an envelope whose
// payload is a ReceivedEvent.
func DeserializeEventEnvelope(data []byte) (events.EventEnvelope, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return events.EventEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return events.EventEnvelope{}, fmt.Errorf("envelope is missing an event type")
	}

	payload, err := DeserializePayload(env.Type, env.Payload)
	if err != nil {
		return events.EventEnvelope{}, err
	}

	return events.EventEnvelope{
		Type:      env.Type,
		Key:       env.Key,
		Headers:   env.Headers,
		Timestamp: env.OccurredAt,
		Payload:   ReceivedEvent{Type: env.Type, At: env.OccurredAt, Data: payload},
	}, nil
}

// DeserializePayload decodes a payload with the decoder registered for its
// event type.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	mu.RLock()
	fn, ok := deserializerRegistry[eventType]
	mu.RUnlock()
	if !ok {
		return json.RawMessage(data), nil
	}

	v, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize %s payload: %w", eventType, err)
	}
	return v, nil
}

package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
)

// mockEventBus is a manual mock implementation of events.EventBus.
type mockEventBus struct {
	publishFunc func(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error
}

func (m *mockEventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	return m.publishFunc(ctx, event, opts...)
}

func (m *mockEventBus) Subscribe(context.Context, []events.EventType, events.HandlerFunc) error {
	return nil
}

func (m *mockEventBus) Close() error { return nil }

type mockDomainEvent struct {
	eventType  events.EventType
	occurredAt time.Time
}

func (m *mockDomainEvent) EventType() events.EventType { return m.eventType }
func (m *mockDomainEvent) OccurredAt() time.Time       { return m.occurredAt }

func TestDomainEventPublisher_PublishDomainEvent(t *testing.T) {
	t.Parallel()

	event := &mockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	tests := []struct {
		name       string
		opts       []events.PublishOption
		publishErr error
		wantKey    string
		wantHeader map[string]string
		wantErr    bool
	}{
		{name: "no options"},
		{
			name:    "with key",
			opts:    []events.PublishOption{events.WithKey("project-1")},
			wantKey: "project-1",
		},
		{
			name:       "with key and headers",
			opts:       []events.PublishOption{events.WithKey("project-2"), events.WithHeaders(map[string]string{"actor": "alice"})},
			wantKey:    "project-2",
			wantHeader: map[string]string{"actor": "alice"},
		},
		{
			name:       "bus failure is wrapped",
			publishErr: errors.New("publish failed"),
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			bus := &mockEventBus{
				publishFunc: func(_ context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
					assert.Equal(t, event.EventType(), evt.Type)
					assert.Equal(t, event.OccurredAt(), evt.Timestamp)
					assert.Equal(t, event, evt.Payload)
					assert.Equal(t, tt.wantKey, evt.Key)
					assert.Equal(t, tt.wantHeader, evt.Headers)
					assert.Len(t, opts, len(tt.opts))
					return tt.publishErr
				},
			}

			err := NewDomainEventPublisher(bus).PublishDomainEvent(context.Background(), event, tt.opts...)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.publishErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

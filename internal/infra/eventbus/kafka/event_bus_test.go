package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/serialization"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

const testTopic = "onboarding-events"

type countingMetrics struct {
	mu                                          sync.Mutex
	published, consumed, publishErr, consumeErr int
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.inc(&m.published) }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)  { m.inc(&m.consumed) }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.inc(&m.publishErr) }
func (m *countingMetrics) IncConsumeError(context.Context, string)     { m.inc(&m.consumeErr) }

func (m *countingMetrics) inc(v *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*v++
}

func newTestBus(t *testing.T, producer sarama.SyncProducer, metrics EventBusMetrics) *EventBus {
	t.Helper()

	bus, err := NewEventBus(producer, nil, &Config{Topic: testTopic, ClientID: "test"},
		logger.Noop(), metrics, tracenoop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	bus.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return bus
}

func producerConfig() *sarama.Config {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func domainEnvelope(evt events.DomainEvent) events.EventEnvelope {
	return events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
}

func TestNewEventBus_Validation(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, producerConfig())
	tracer := tracenoop.NewTracerProvider().Tracer("test")

	_, err := NewEventBus(nil, nil, &Config{Topic: testTopic}, logger.Noop(), &countingMetrics{}, tracer)
	assert.Error(t, err)

	_, err = NewEventBus(producer, nil, &Config{Topic: testTopic}, logger.Noop(), nil, tracer)
	assert.Error(t, err)

	_, err = NewEventBus(producer, nil, &Config{}, logger.Noop(), &countingMetrics{}, tracer)
	assert.Error(t, err)

	require.NoError(t, producer.Close())
}

func TestEventBus_Publish(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, producerConfig())
	metrics := &countingMetrics{}
	bus := newTestBus(t, producer, metrics)

	projectID := uuid.New()
	evt := onboarding.NewStageChangedEvent(projectID, "WAITING_TARGET_CONFIRMATION", "WAITING_APPROVAL")

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		got, err := serialization.DeserializeEventEnvelope(val)
		if err != nil {
			return err
		}
		if got.Type != onboarding.EventTypeStageChanged {
			return errors.New("unexpected event type " + got.Type.String())
		}
		if got.Key != projectID.String() {
			return errors.New("key not carried in envelope")
		}
		return nil
	})

	err := bus.Publish(context.Background(), domainEnvelope(evt), events.WithKey(projectID.String()))
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	assert.Equal(t, 1, metrics.published)
	assert.Zero(t, metrics.publishErr)
}

func TestEventBus_Publish_NonCriticalFailsFast(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, producerConfig())
	metrics := &countingMetrics{}
	bus := newTestBus(t, producer, metrics)

	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	evt := onboarding.NewStageChangedEvent(uuid.New(), "A", "B")
	err := bus.Publish(context.Background(), domainEnvelope(evt))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	require.NoError(t, bus.Close())

	assert.Equal(t, 1, metrics.publishErr)
}

func TestEventBus_Publish_CriticalRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		failures      int
		wantErr       bool
		wantPublished int
	}{
		{name: "recovers after transient failures", failures: 2, wantPublished: 1},
		{name: "gives up after retry budget", failures: defaultPublishRetries + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			producer := mocks.NewSyncProducer(t, producerConfig())
			metrics := &countingMetrics{}
			bus := newTestBus(t, producer, metrics)

			for range tt.failures {
				producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
			}
			if !tt.wantErr {
				producer.ExpectSendMessageAndSucceed()
			}

			evt := onboarding.NewApprovalGrantedEvent(uuid.New(), false, "alice", "ok")
			err := bus.Publish(context.Background(), domainEnvelope(evt))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, bus.Close())

			assert.Equal(t, tt.failures, metrics.publishErr)
			assert.Equal(t, tt.wantPublished, metrics.published)
		})
	}
}

func TestEventBus_SubscribeWithoutConsumerGroup(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, producerConfig())
	bus := newTestBus(t, producer, &countingMetrics{})

	err := bus.Subscribe(context.Background(), nil, func(context.Context, events.EventEnvelope) error { return nil })
	assert.Error(t, err)
	require.NoError(t, bus.Close())
}

func TestNewEventBusMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewEventBusMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	m.IncMessagePublished(ctx, testTopic)
	m.IncMessageConsumed(ctx, testTopic)
	m.IncPublishError(ctx, testTopic)
	m.IncConsumeError(ctx, testTopic)
}

type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return testTopic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.msgs)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func encode(t *testing.T, evt events.DomainEvent, key string) []byte {
	t.Helper()
	env := domainEnvelope(evt)
	env.Key = key
	b, err := serialization.SerializeEventEnvelope(env)
	require.NoError(t, err)
	return b
}

func TestDomainEventHandler_ConsumeClaim(t *testing.T) {
	t.Parallel()

	projectID := uuid.New()
	key := []byte(projectID.String())
	msgs := []*sarama.ConsumerMessage{
		{Topic: testTopic, Offset: 0, Key: key, Value: encode(t, onboarding.NewInstallationCompletedEvent(projectID), "")},
		{Topic: testTopic, Offset: 1, Key: key, Value: encode(t, onboarding.NewStageChangedEvent(projectID, "A", "B"), "")},
		{Topic: testTopic, Offset: 2, Value: []byte("garbage")},
		{Topic: testTopic, Offset: 3, Key: key, Value: encode(t, onboarding.NewCompletionConfirmedEvent(projectID, "bob"), "")},
	}

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		claim.msgs <- m
	}
	close(claim.msgs)

	var received []events.EventEnvelope
	metrics := &countingMetrics{}
	h := &domainEventHandler{
		wanted: map[events.EventType]struct{}{
			onboarding.EventTypeInstallationCompleted: {},
			onboarding.EventTypeCompletionConfirmed:   {},
		},
		userHandler: func(_ context.Context, evt events.EventEnvelope) error {
			received = append(received, evt)
			if evt.Type == onboarding.EventTypeCompletionConfirmed {
				return errors.New("downstream unavailable")
			}
			return nil
		},
		logger:  logger.Noop(),
		tracer:  tracenoop.NewTracerProvider().Tracer("test"),
		metrics: metrics,
	}

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.Setup(sess))
	require.NoError(t, h.ConsumeClaim(sess, claim))
	require.NoError(t, h.Cleanup(sess))

	require.Len(t, received, 2)
	assert.Equal(t, projectID.String(), received[0].Key)

	payload, ok := received[0].Payload.(serialization.ReceivedEvent)
	require.True(t, ok)
	completed, ok := payload.Data.(onboarding.InstallationCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, projectID, completed.ProjectID)

	// Filtered and undecodable messages are skipped; a failed handler leaves its message unmarked.
	assert.Equal(t, []int64{0, 1, 2}, sess.marked)
	assert.GreaterOrEqual(t, sess.commits, 1)
	assert.Equal(t, 1, metrics.consumed)
	assert.Equal(t, 2, metrics.consumeErr)
}

func TestDomainEventHandler_AcceptsEverythingWithoutFilter(t *testing.T) {
	t.Parallel()

	h := &domainEventHandler{}
	assert.True(t, h.accepts(onboarding.EventTypeStageChanged))
	assert.True(t, h.accepts("Unregistered"))
}

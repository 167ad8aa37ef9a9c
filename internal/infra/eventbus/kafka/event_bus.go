// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/reliability"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/serialization"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// Topic carries every onboarding event. Messages are keyed by project ID
	// so one project's events stay ordered within a partition.
	Topic string

	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// PublishRetries bounds how often a critical event is resent after a
	// failed publish.
	PublishRetries uint64
}

const (
	defaultPublishRetries = 3
	commitInterval        = time.Second
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	topic          string
	publishRetries uint64
	newBackOff     func() backoff.BackOff

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus assembles a bus from an existing producer and consumer group.
// consumerGroup may be nil for publish-only buses.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka event bus")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	retries := cfg.PublishRetries
	if retries == 0 {
		retries = defaultPublishRetries
	}

	return &EventBus{
		producer:       producer,
		consumerGroup:  consumerGroup,
		topic:          cfg.Topic,
		publishRetries: retries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: logger.With(
			"component", "kafka_event_bus",
			"client_id", cfg.ClientID,
			"group_id", cfg.GroupID,
			"topic", cfg.Topic,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// Publish serializes the envelope and sends it to the onboarding topic.
// Critical events are retried with exponential backoff before the error is
// returned; all others fail on the first broker error.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	ctx, span := tracing.StartProducerSpan(ctx, b.topic, b.tracer)
	defer span.End()

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
	span.SetAttributes(
		attribute.String("event.type", event.Type.String()),
		attribute.String("event.key", event.Key),
	)

	msgBytes, err := serialization.SerializeEventEnvelope(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		b.metrics.IncPublishError(ctx, b.topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	send := func() error { return b.publishToTopic(ctx, event.Key, msgBytes) }
	if !reliability.IsCriticalEvent(event.Type) {
		err = send()
	} else {
		policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), b.publishRetries), ctx)
		err = backoff.Retry(send, policy)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		return err
	}

	span.SetStatus(codes.Ok, "published event")
	return nil
}

// publishToTopic handles the actual publishing of a message to the Kafka topic.
func (b *EventBus) publishToTopic(ctx context.Context, key string, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, b.topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", b.topic, err)
	}
	b.metrics.IncMessagePublished(ctx, b.topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"partition", partition,
		"offset", offset,
		"key", key,
	)

	return nil
}

// Subscribe registers a handler for the given event types and starts
// consuming the onboarding topic in a separate goroutine. An empty type list
// receives every event. Consumption stops when ctx is done.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(attribute.String("component", "kafka_event_bus")))
	defer span.End()

	if b.consumerGroup == nil {
		err := errors.New("event bus has no consumer group")
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscribe without consumer group")
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		wanted[et] = struct{}{}
	}

	cgHandler := &domainEventHandler{
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}
	go b.consumeLoop(ctx, cgHandler)

	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)
	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(ctx context.Context, h sarama.ConsumerGroupHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, []string{b.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) accepts(t events.EventType) bool {
	if len(h.wanted) == 0 {
		return true
	}
	_, ok := h.wanted[t]
	return ok
}

// ConsumeClaim processes messages from an assigned partition, deserializing
// them into envelopes and invoking the user handler. Messages that cannot be
// decoded or that no handler wants are marked and skipped. A message whose
// handler fails stays unmarked.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		if h.handleMessage(sess, msg, consumeLogger) && time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	sess.Commit()
	return nil
}

// handleMessage reports whether the message was marked.
func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	log *logger.Logger,
) bool {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evt, err := serialization.DeserializeEventEnvelope(msg.Value)
	if err != nil {
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode message")
		log.Error(msgCtx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
		sess.MarkMessage(msg, "")
		return true
	}
	if len(msg.Key) > 0 {
		evt.Key = string(msg.Key)
	}

	if !h.accepts(evt.Type) {
		sess.MarkMessage(msg, "")
		return true
	}

	log.Debug(msgCtx, "Received Kafka message",
		"offset", msg.Offset,
		"event_type", evt.Type,
		"key", evt.Key,
	)

	if err := h.userHandler(msgCtx, evt); err != nil {
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		log.Error(msgCtx, "Failed to handle message", "event_type", evt.Type, "error", err)
		return false
	}

	h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
	sess.MarkMessage(msg, "")
	return true
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		logger.Error(ctx, "Failed to close producer", "error", err)
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			logger.Error(ctx, "Failed to close consumer group", "error", err)
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		return err
	}

	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")
	return nil
}

// Package rabbitmq provides a RabbitMQ implementation of the event bus.
// Events are published to a topic exchange with the event type as routing
// key; subscribers bind a queue to the types they want.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/reliability"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/serialization"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

// EventBusMetrics tracks published and consumed messages per exchange.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Channel is the subset of *amqp.Channel used by the bus.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Config contains settings for connecting to RabbitMQ.
type Config struct {
	// URL is the AMQP connection string.
	URL string
	// Exchange is the durable topic exchange carrying every onboarding event.
	Exchange string
	// Queue names a durable queue shared by subscribers. When empty each
	// subscription gets its own exclusive, server-named queue.
	Queue string
	// ConsumerTag identifies this bus to the broker.
	ConsumerTag string
	// PublishRetries bounds how often a critical event is resent.
	PublishRetries uint64
}

const (
	defaultPublishRetries = 3
	exchangeKind          = "topic"
	allEventsKey          = "#"
	contentTypeJSON       = "application/json"
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus over a single AMQP channel.
type EventBus struct {
	ch   Channel
	conn io.Closer

	exchange       string
	queue          string
	consumerTag    string
	publishRetries uint64
	newBackOff     func() backoff.BackOff

	closeOnce sync.Once

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus declares the exchange on ch and assembles a bus. conn, when
// non-nil, is closed with the bus.
func NewEventBus(
	ch Channel,
	conn io.Closer,
	cfg *Config,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if ch == nil {
		return nil, errors.New("amqp channel is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required for rabbitmq event bus")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	retries := cfg.PublishRetries
	if retries == 0 {
		retries = defaultPublishRetries
	}

	return &EventBus{
		ch:             ch,
		conn:           conn,
		exchange:       cfg.Exchange,
		queue:          cfg.Queue,
		consumerTag:    cfg.ConsumerTag,
		publishRetries: retries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: log.With(
			"component", "rabbitmq_event_bus",
			"exchange", cfg.Exchange,
			"queue", cfg.Queue,
		),
		tracer:  tracer,
		metrics: metrics,
	}, nil
}

// Publish serializes the envelope and publishes it as a persistent message
// routed by event type. Critical events are retried with exponential backoff.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	routingKey := event.Type.String()
	ctx, span := startProducerSpan(ctx, b.exchange, routingKey, b.tracer)
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
	span.SetAttributes(attribute.String("event.key", event.Key))

	body, err := serialization.SerializeEventEnvelope(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		b.metrics.IncPublishError(ctx, b.exchange)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Type:         routingKey,
		Headers:      amqp.Table{},
		Body:         body,
	}
	injectTraceContext(ctx, msg.Headers)

	send := func() error { return b.publish(ctx, routingKey, msg) }
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

func (b *EventBus) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if err := b.ch.PublishWithContext(ctx, b.exchange, routingKey, false, false, msg); err != nil {
		b.metrics.IncPublishError(ctx, b.exchange)
		return fmt.Errorf("failed to publish to exchange %s: %w", b.exchange, err)
	}
	b.metrics.IncMessagePublished(ctx, b.exchange)
	b.logger.Debug(ctx, "Published message to RabbitMQ", "routing_key", routingKey)
	return nil
}

// Subscribe binds a queue to the requested event types and consumes it in a
// separate goroutine until ctx is done. An empty type list binds every event.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	q, err := b.declareQueue()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(eventTypes))
	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		keys = append(keys, et.String())
		wanted[et] = struct{}{}
	}
	if len(keys) == 0 {
		keys = append(keys, allEventsKey)
	}
	for _, key := range keys {
		if err := b.ch.QueueBind(q, key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q, key, err)
		}
	}

	deliveries, err := b.ch.Consume(q, b.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", q, err)
	}

	c := &consumer{
		queue:       q,
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger.With("operation", "consume", "queue", q),
		tracer:      b.tracer,
		metrics:     b.metrics,
	}
	go c.run(ctx, deliveries)

	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "queue", q)
	return nil
}

func (b *EventBus) declareQueue() (string, error) {
	var (
		q   amqp.Queue
		err error
	)
	if b.queue != "" {
		q, err = b.ch.QueueDeclare(b.queue, true, false, false, false, nil)
	} else {
		q, err = b.ch.QueueDeclare("", false, true, true, false, nil)
	}
	if err != nil {
		return "", fmt.Errorf("declare queue %q: %w", b.queue, err)
	}
	return q.Name, nil
}

// Close closes the channel and, when owned, the connection.
func (b *EventBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		var errs []error
		if cerr := b.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", cerr))
		}
		if b.conn != nil {
			if cerr := b.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close connection: %w", cerr))
			}
		}
		err = errors.Join(errs...)
		b.logger.Info(context.Background(), "Closed event bus")
	})
	return err
}

// consumer turns deliveries into envelopes for one subscription.
type consumer struct {
	queue       string
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (c *consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *consumer) accepts(t events.EventType) bool {
	if len(c.wanted) == 0 {
		return true
	}
	_, ok := c.wanted[t]
	return ok
}

// handle acknowledges decoded deliveries once the handler succeeds.
// Undecodable deliveries are dropped. A failed delivery is requeued once and
// dropped when it fails again after redelivery.
func (c *consumer) handle(ctx context.Context, d amqp.Delivery) {
	msgCtx := extractTraceContext(ctx, d.Headers)
	msgCtx, span := startConsumerSpan(msgCtx, d, c.tracer)
	defer span.End()

	evt, err := serialization.DeserializeEventEnvelope(d.Body)
	if err != nil {
		c.metrics.IncConsumeError(msgCtx, d.Exchange)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode message")
		c.logger.Error(msgCtx, "Dropping undecodable message", "delivery_tag", d.DeliveryTag, "error", err)
		c.settle(msgCtx, d.Nack(false, false))
		return
	}

	if !c.accepts(evt.Type) {
		c.settle(msgCtx, d.Ack(false))
		return
	}

	if err := c.userHandler(msgCtx, evt); err != nil {
		c.metrics.IncConsumeError(msgCtx, d.Exchange)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.logger.Error(msgCtx, "Failed to handle message",
			"event_type", evt.Type,
			"redelivered", d.Redelivered,
			"error", err,
		)
		c.settle(msgCtx, d.Nack(false, !d.Redelivered))
		return
	}

	c.metrics.IncMessageConsumed(msgCtx, d.Exchange)
	c.settle(msgCtx, d.Ack(false))
}

func (c *consumer) settle(ctx context.Context, err error) {
	if err != nil {
		c.logger.Error(ctx, "Failed to settle delivery", "error", err)
	}
}

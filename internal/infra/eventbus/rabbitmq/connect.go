package rabbitmq

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

// ConnectWithRetry dials RabbitMQ, opens a channel and builds the bus,
// retrying with exponential backoff for up to five minutes.
func ConnectWithRetry(cfg *Config, log *logger.Logger, metrics EventBusMetrics, tracer trace.Tracer) (*EventBus, error) {
	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return fmt.Errorf("dialing broker: %w", err)
		}

		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("opening channel: %w", err)
		}

		if bus, err = NewEventBus(ch, conn, cfg, log, metrics, tracer); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("creating event bus: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
	}
	return bus, nil
}

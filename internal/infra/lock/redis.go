// Package lock provides a Redis-backed lock that serializes onboarding
// actions on a project across API replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

// Config controls how long a lock lives and how long callers wait for it.
type Config struct {
	// KeyPrefix namespaces lock keys in a shared Redis database.
	KeyPrefix string
	// TTL bounds how long a lock survives a crashed holder.
	TTL time.Duration
	// Wait bounds how long Lock polls for a held lock.
	Wait time.Duration
	// RetryInterval is the delay between acquisition attempts.
	RetryInterval time.Duration
}

const (
	defaultKeyPrefix     = "onboarding:project-lock:"
	defaultTTL           = 30 * time.Second
	defaultWait          = 5 * time.Second
	defaultRetryInterval = 50 * time.Millisecond
	releaseTimeout       = 2 * time.Second
)

// releaseScript deletes the key only while it still holds the caller's token
// so an expired lock re-acquired by another replica is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements a single-instance Redis lock keyed by project ID.
type RedisLocker struct {
	client goredis.UniversalClient
	cfg    Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRedisLocker creates a locker. Zero config fields take defaults.
func NewRedisLocker(client goredis.UniversalClient, cfg Config, log *logger.Logger, tracer trace.Tracer) *RedisLocker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultWait
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &RedisLocker{
		client: client,
		cfg:    cfg,
		logger: log.With("component", "redis_project_lock"),
		tracer: tracer,
	}
}

func (l *RedisLocker) key(projectID uuid.UUID) string { return l.cfg.KeyPrefix + projectID.String() }

// Lock polls until it owns the project's key or the wait budget runs out.
// Running out of budget yields an error wrapping domain.ErrProjectLocked.
func (l *RedisLocker) Lock(ctx context.Context, projectID uuid.UUID) (func(), error) {
	key := l.key(projectID)
	ctx, span := l.tracer.Start(ctx, "redis_project_lock.lock",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("lock.key", key)),
	)
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.Wait)
	defer cancel()

	token := uuid.NewString()
	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		ok, err := l.client.SetNX(waitCtx, key, token, l.cfg.TTL).Result()
		if err != nil && waitCtx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock acquisition failed")
			return nil, fmt.Errorf("set lock %s: %w", key, err)
		}
		if ok {
			span.SetAttributes(attribute.Int("lock.attempts", attempts))
			return func() { l.release(key, token) }, nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			span.SetStatus(codes.Error, "lock wait exhausted")
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrProjectLocked, projectID, l.cfg.Wait)
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		l.logger.Warn(ctx, "failed to release project lock", "key", key, "error", err)
	}
}

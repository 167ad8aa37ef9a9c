package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/agent-onboarding/internal/api"
	"github.com/ahrav/agent-onboarding/internal/api/debug"
	"github.com/ahrav/agent-onboarding/internal/api/health"
	"github.com/ahrav/agent-onboarding/internal/api/mux"
	"github.com/ahrav/agent-onboarding/internal/api/routes"
	"github.com/ahrav/agent-onboarding/internal/app/onboarding"
	"github.com/ahrav/agent-onboarding/internal/config"
	"github.com/ahrav/agent-onboarding/internal/config/fileloader"
	"github.com/ahrav/agent-onboarding/internal/domain/events"
	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/kafka"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/memory"
	"github.com/ahrav/agent-onboarding/internal/infra/eventbus/rabbitmq"
	"github.com/ahrav/agent-onboarding/internal/infra/lock"
	"github.com/ahrav/agent-onboarding/internal/infra/storage"
	memstore "github.com/ahrav/agent-onboarding/internal/infra/storage/onboarding/memory"
	pgstore "github.com/ahrav/agent-onboarding/internal/infra/storage/onboarding/postgres"
	"github.com/ahrav/agent-onboarding/pkg/common"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
	"github.com/ahrav/agent-onboarding/pkg/common/otel"
)

var build = "develop"

const serviceType = "onboarding-api"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("ONBOARDING_CONFIG"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	metadata := map[string]string{
		"service":   cfg.Telemetry.ServiceName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	logr := logger.NewWithMetadata(os.Stdout, level, cfg.Telemetry.ServiceName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, logr, cfg, hostname); err != nil {
		logr.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing telemetry support")

	tracer, mp, teardown, err := startTelemetry(log, cfg, hostname)
	if err != nil {
		return err
	}
	defer teardown(ctx)

	// -------------------------------------------------------------------------
	// Project Store
	readiness := map[string]health.Checker{}

	var repo domain.ProjectRepository
	if cfg.DB.DSN == "" {
		log.Warn(ctx, "startup", "status", "no database configured, using in-memory project store")
		repo = memstore.NewProjectStore()
	} else {
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("parsing db config: %w", err)
		}
		poolCfg.MinConns = cfg.DB.MinConns
		poolCfg.MaxConns = cfg.DB.MaxConns
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("creating db pool: %w", err)
		}
		defer pool.Close()

		if cfg.DB.Migrate {
			log.Info(ctx, "startup", "status", "applying database migrations")
			if err := storage.Migrate(pool); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
		}

		repo = pgstore.NewProjectStore(pool, tracer)
		readiness["database"] = pool.Ping
	}

	// -------------------------------------------------------------------------
	// Project Locks
	var svcOpts []onboarding.Option
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		log.Info(ctx, "startup", "status", "using redis project locks", "addr", cfg.Redis.Addr)

		svcOpts = append(svcOpts, onboarding.WithProjectLocker(lock.NewRedisLocker(rdb, lock.Config{
			TTL:  cfg.Redis.LockTTL,
			Wait: cfg.Redis.LockWait,
		}, log, tracer)))
		readiness["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	log.Info(ctx, "startup", "status", "initializing event bus")

	bus, err := connectEventBus(cfg, log, mp, tracer)
	if err != nil {
		return err
	}
	defer bus.Close()

	// Record every published event at debug level so the local bus is
	// observable without a broker.
	subCtx, stopSubscribers := context.WithCancel(ctx)
	defer stopSubscribers()
	if err := subscribeEventLog(subCtx, bus, log, cfg); err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Onboarding Service
	overrides := new(config.RuleOverrides)
	if cfg.Onboarding.RulesFile != "" {
		if overrides, err = fileloader.NewFileLoader(cfg.Onboarding.RulesFile).Load(ctx); err != nil {
			return fmt.Errorf("loading provider rules: %w", err)
		}
	}
	ruleBook, err := overrides.RuleBook()
	if err != nil {
		return fmt.Errorf("building provider rules: %w", err)
	}

	svcMetrics, err := onboarding.NewServiceMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating service metrics: %w", err)
	}

	svcOpts = append(svcOpts,
		onboarding.WithRuleBook(ruleBook),
		onboarding.WithCompletionConfirmationDefault(
			overrides.CompletionConfirmation(cfg.Onboarding.RequireCompletionConfirmation),
		),
	)
	svc := onboarding.NewService(repo, eventbus.NewDomainEventPublisher(bus), log, svcMetrics, tracer, svcOpts...)

	// -------------------------------------------------------------------------
	// Start Debug Service
	if cfg.Web.DebugHost != "" {
		go func() {
			log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Web.DebugHost)

			if err := http.ListenAndServe(cfg.Web.DebugHost, debug.Mux()); err != nil {
				log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "msg", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	apiMetrics, err := api.NewAPIMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	cfgMux := mux.Config{
		Build:       build,
		Log:         log,
		Tracer:      tracer,
		Metrics:     apiMetrics,
		Service:     svc,
		ActorHeader: cfg.Web.ActorHeader,
		Readiness:   readiness,
	}

	opts := []func(*mux.Options){mux.WithCORS(cfg.Web.CORSAllowedOrigins)}
	if cfg.Web.RateLimit > 0 {
		opts = append(opts, mux.WithRateLimit(common.NewRateLimiter(cfg.Web.RateLimit, cfg.Web.RateBurst)))
	}

	webAPI := mux.WebAPI(cfgMux, routes.Routes(), opts...)

	apiServer := http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Web.APIHost, cfg.Web.APIPort),
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", apiServer.Addr)
		serverErrors <- apiServer.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(ctx); err != nil {
			_ = apiServer.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// startTelemetry exports traces and metrics over OTLP when an endpoint is
// configured and keeps them in process otherwise.
func startTelemetry(
	log *logger.Logger,
	cfg *config.Config,
	hostname string,
) (trace.Tracer, metric.MeterProvider, func(context.Context), error) {
	if cfg.Telemetry.ExporterEndpoint == "" {
		mp, err := otel.NewMeterProvider(cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating meter provider: %w", err)
		}
		return otel.Tracer(context.Background()), mp, func(context.Context) {}, nil
	}

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/debug":        {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("starting tracing: %w", err)
	}

	return traceProvider.Tracer(cfg.Telemetry.ServiceName), otel.GetMeterProvider(), teardown, nil
}

// connectEventBus returns a Kafka bus when brokers are configured, a
// RabbitMQ bus when an AMQP URL is configured and an in-process bus otherwise.
func connectEventBus(cfg *config.Config, log *logger.Logger, mp metric.MeterProvider, tracer trace.Tracer) (events.EventBus, error) {
	if len(cfg.Kafka.Brokers) == 0 && cfg.RabbitMQ.URL == "" {
		log.Warn(context.Background(), "startup", "status", "no broker configured, using in-memory event bus")
		return memory.NewEventBus(), nil
	}

	busMetrics, err := kafka.NewEventBusMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating event bus metrics: %w", err)
	}

	if cfg.RabbitMQ.URL != "" {
		bus, err := rabbitmq.ConnectWithRetry(&rabbitmq.Config{
			URL:            cfg.RabbitMQ.URL,
			Exchange:       cfg.RabbitMQ.Exchange,
			Queue:          cfg.RabbitMQ.Queue,
			ConsumerTag:    cfg.RabbitMQ.ConsumerTag,
			PublishRetries: cfg.RabbitMQ.PublishRetries,
		}, log, busMetrics, tracer)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		return bus, nil
	}

	bus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        cfg.Kafka.GroupID,
		ClientID:       cfg.Kafka.ClientID,
		PublishRetries: cfg.Kafka.PublishRetries,
	}, log, busMetrics, tracer)
	if err != nil {
		return nil, fmt.Errorf("connecting event bus: %w", err)
	}
	return bus, nil
}

// subscribeEventLog logs every event delivered by bus. Kafka buses without a
// consumer group only publish.
func subscribeEventLog(ctx context.Context, bus events.EventBus, log *logger.Logger, cfg *config.Config) error {
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.GroupID == "" {
		return nil
	}

	eventLog := log.With("component", "event_log")
	err := bus.Subscribe(ctx, nil, func(ctx context.Context, env events.EventEnvelope) error {
		eventLog.Debug(ctx, "domain event", "type", env.Type.String(), "key", env.Key)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subscribing event log: %w", err)
	}
	return nil
}

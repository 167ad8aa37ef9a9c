// Package config loads the onboarding service configuration. Settings come
// from defaults, an optional config file and ONBOARDING_ prefixed environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// ONBOARDING_WEB_API_PORT or ONBOARDING_KAFKA_BROKERS.
const EnvPrefix = "ONBOARDING"

// Config represents the top-level service configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Web        WebConfig        `mapstructure:"web"`
	DB         DBConfig         `mapstructure:"db"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Onboarding OnboardingConfig `mapstructure:"onboarding"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// WebConfig controls the HTTP server.
type WebConfig struct {
	APIHost string `mapstructure:"api_host"`
	APIPort string `mapstructure:"api_port" validate:"required"`
	// DebugHost serves pprof and expvar. Empty disables the debug listener.
	DebugHost          string        `mapstructure:"debug_host"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	// ActorHeader names the request header carrying the caller identity.
	ActorHeader string `mapstructure:"actor_header" validate:"required"`
	// RateLimit is the sustained requests per second accepted by the API.
	// Zero disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
}

// DBConfig configures the Postgres pool. An empty DSN selects the in-memory
// project store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MinConns int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gtefield=MinConns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// KafkaConfig configures the event bus. No brokers selects the in-memory bus.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic" validate:"required_with=Brokers"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
	PublishRetries uint64   `mapstructure:"publish_retries"`
}

// RabbitMQConfig configures the AMQP event bus. It is used when no Kafka
// brokers are configured and URL is set.
type RabbitMQConfig struct {
	URL            string `mapstructure:"url"`
	Exchange       string `mapstructure:"exchange" validate:"required_with=URL"`
	Queue          string `mapstructure:"queue"`
	ConsumerTag    string `mapstructure:"consumer_tag"`
	PublishRetries uint64 `mapstructure:"publish_retries"`
}

// RedisConfig configures the cross-replica project lock. An empty address
// keeps locking in process.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	LockWait time.Duration `mapstructure:"lock_wait" validate:"gt=0"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint keeps
// traces and metrics in process.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name" validate:"required"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	Probability      float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

// OnboardingConfig carries the domain policy settings.
type OnboardingConfig struct {
	// RulesFile points at an optional YAML file with provider rule overrides.
	RulesFile string `mapstructure:"rules_file"`
	// RequireCompletionConfirmation is the default completion gate for new
	// projects. A rules file may override it.
	RequireCompletionConfirmation bool `mapstructure:"require_completion_confirmation"`
}

var defaults = map[string]any{
	"log.level": "info",

	"web.api_host":             "0.0.0.0",
	"web.api_port":             "6000",
	"web.debug_host":           "",
	"web.read_timeout":         5 * time.Second,
	"web.write_timeout":        10 * time.Second,
	"web.idle_timeout":         120 * time.Second,
	"web.shutdown_timeout":     20 * time.Second,
	"web.cors_allowed_origins": []string{},
	"web.actor_header":         "X-Actor",
	"web.rate_limit":           0.0,
	"web.rate_burst":           0,

	"db.dsn":       "",
	"db.min_conns": 5,
	"db.max_conns": 25,
	"db.migrate":   true,

	"kafka.brokers":         []string{},
	"kafka.topic":           "onboarding-events",
	"kafka.group_id":        "onboarding-api",
	"kafka.client_id":       "onboarding-api",
	"kafka.publish_retries": 3,

	"rabbitmq.url":             "",
	"rabbitmq.exchange":        "onboarding.events",
	"rabbitmq.queue":           "",
	"rabbitmq.consumer_tag":    "onboarding-api",
	"rabbitmq.publish_retries": 3,

	"redis.addr":      "",
	"redis.password":  "",
	"redis.db":        0,
	"redis.lock_ttl":  30 * time.Second,
	"redis.lock_wait": 5 * time.Second,

	"telemetry.service_name":      "onboarding-api",
	"telemetry.exporter_endpoint": "",
	"telemetry.probability":       0.05,
	"telemetry.insecure":          true,

	"onboarding.rules_file":                      "",
	"onboarding.require_completion_confirmation": false,
}

// Load builds the configuration. path may name a YAML, JSON or TOML config
// file; an empty path reads only defaults and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.RabbitMQ.URL != "" {
		return nil, errors.New("invalid config: kafka brokers and rabbitmq url are mutually exclusive")
	}

	return &cfg, nil
}

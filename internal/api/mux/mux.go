// Package mux provides support to bind domain level routes
// to the application mux.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/agent-onboarding/internal/api"
	"github.com/ahrav/agent-onboarding/internal/api/health"
	"github.com/ahrav/agent-onboarding/internal/api/mid"
	"github.com/ahrav/agent-onboarding/internal/app/onboarding"
	"github.com/ahrav/agent-onboarding/pkg/common"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	corsOrigin  []string
	rateLimiter *common.RateLimiter
}

// WithCORS provides configuration options for CORS.
func WithCORS(origins []string) func(opts *Options) {
	return func(opts *Options) {
		opts.corsOrigin = origins
	}
}

// WithRateLimit limits the request rate across all application routes.
func WithRateLimit(limiter *common.RateLimiter) func(opts *Options) {
	return func(opts *Options) {
		opts.rateLimiter = limiter
	}
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build       string
	Log         *logger.Logger
	Tracer      trace.Tracer
	Metrics     api.APIMetrics
	Service     *onboarding.Service
	ActorHeader string
	Readiness   map[string]health.Checker
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) http.Handler {
	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	mw := []web.MidFunc{
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
		mid.Metrics(cfg.Metrics),
		mid.Errors(cfg.Log),
		mid.Panics(),
	}
	if opts.rateLimiter != nil {
		mw = append(mw, mid.RateLimit(opts.rateLimiter, cfg.Metrics))
	}
	mw = append(mw, mid.Actor(cfg.ActorHeader))

	app := web.NewApp(logger, cfg.Tracer, mw...)

	if len(opts.corsOrigin) > 0 {
		app.EnableCORS(opts.corsOrigin)
	}

	routeAdder.Add(app, cfg)

	return app
}

package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/ahrav/agent-onboarding/internal/api"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// Metrics records request counts and latencies per route.
func Metrics(metrics api.APIMetrics) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			start := time.Now()

			resp := next(ctx, r)

			metrics.IncRequestsTotal(ctx, r.Method, r.Pattern, statusOf(resp))
			metrics.ObserveRequestDuration(ctx, r.Method, r.Pattern, time.Since(start))

			return resp
		}

		return h
	}

	return m
}

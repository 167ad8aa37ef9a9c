package mid

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/ahrav/agent-onboarding/internal/api"
	"github.com/ahrav/agent-onboarding/internal/api/errs"
	"github.com/ahrav/agent-onboarding/pkg/common"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// RateLimit rejects requests beyond the limiter's rate with
// RESOURCE_EXHAUSTED and a Retry-After hint.
func RateLimit(limiter *common.RateLimiter, metrics api.APIMetrics) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			ok, retryAfter := limiter.Allow()
			if ok {
				return next(ctx, r)
			}

			metrics.IncRateLimited(ctx, r.Pattern)
			if w := web.GetWriter(ctx); w != nil && retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}

			return errs.Newf(errs.ResourceExhausted, "rate limit exceeded")
		}

		return h
	}

	return m
}

package mid

import (
	"context"
	"net/http"
	"strings"

	"github.com/ahrav/agent-onboarding/internal/app/onboarding"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// Actor copies the caller identity from header into the request context.
// Identity is asserted by an upstream gateway; requests without the header
// act as the service default.
func Actor(header string) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			if actor := strings.TrimSpace(r.Header.Get(header)); actor != "" {
				ctx = onboarding.WithActor(ctx, actor)
			}

			return next(ctx, r)
		}

		return h
	}

	return m
}

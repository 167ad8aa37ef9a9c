package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/agent-onboarding/internal/api/health"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		checks     map[string]health.Checker
		wantStatus int
		wantBody   string
	}{
		{
			name:       "liveness",
			path:       "/v1/liveness",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok","build":"test"}`,
		},
		{
			name:       "ready without checks",
			path:       "/v1/readiness",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready"}`,
		},
		{
			name: "ready when checks pass",
			path: "/v1/readiness",
			checks: map[string]health.Checker{
				"database": func(context.Context) error { return nil },
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready"}`,
		},
		{
			name: "not ready when a check fails",
			path: "/v1/readiness",
			checks: map[string]health.Checker{
				"database": func(context.Context) error { return errors.New("connection refused") },
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := web.NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer(""))
			health.Routes(app, health.Config{Build: "test", Log: logger.Noop(), Checks: tt.checks})

			rec := httptest.NewRecorder()
			app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

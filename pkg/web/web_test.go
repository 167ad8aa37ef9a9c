package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/agent-onboarding/pkg/web"
)

type echo struct {
	ID string `json:"id"`
}

func (e echo) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

type created struct{ echo }

func (created) HTTPStatus() int { return http.StatusCreated }

type failure struct{ msg string }

func (f failure) Error() string { return f.msg }

func (f failure) Encode() ([]byte, string, error) {
	return []byte(f.msg), "text/plain", nil
}

func newApp(mw ...web.MidFunc) *web.App {
	return web.NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer(""), mw...)
}

func TestAppHandlerFunc(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(name string) web.MidFunc {
		return func(next web.HandlerFunc) web.HandlerFunc {
			return func(ctx context.Context, r *http.Request) web.Encoder {
				order = append(order, name)
				return next(ctx, r)
			}
		}
	}

	app := newApp(mw("outer"), mw("inner"))
	app.HandlerFunc(http.MethodGet, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) web.Encoder {
		return echo{ID: web.Param(r, "id")}
	})
	app.HandlerFunc(http.MethodPost, "v1", "/items", func(ctx context.Context, r *http.Request) web.Encoder {
		return created{echo{ID: "new"}}
	})
	app.HandlerFunc(http.MethodDelete, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) web.Encoder {
		return nil
	})
	app.HandlerFunc(http.MethodPut, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) web.Encoder {
		return failure{msg: "boom"}
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "path param", method: http.MethodGet, path: "/v1/items/abc", wantStatus: http.StatusOK, wantBody: `{"id":"abc"}`},
		{name: "custom status", method: http.MethodPost, path: "/v1/items", wantStatus: http.StatusCreated, wantBody: `{"id":"new"}`},
		{name: "no content", method: http.MethodDelete, path: "/v1/items/abc", wantStatus: http.StatusNoContent},
		{name: "error defaults to 500", method: http.MethodPut, path: "/v1/items/abc", wantStatus: http.StatusInternalServerError, wantBody: "boom"},
		{name: "unknown route", method: http.MethodGet, path: "/v1/other", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

		assert.Equal(t, tt.wantStatus, rec.Code, tt.name)
		if tt.wantBody != "" {
			assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()), tt.name)
		}
	}

	assert.Equal(t, []string{"outer", "inner", "outer", "inner", "outer", "inner", "outer", "inner"}, order)
}

func TestAppHandlerFuncNoMid(t *testing.T) {
	t.Parallel()

	called := false
	app := newApp(func(next web.HandlerFunc) web.HandlerFunc {
		return func(ctx context.Context, r *http.Request) web.Encoder {
			called = true
			return next(ctx, r)
		}
	})
	app.HandlerFuncNoMid(http.MethodGet, "v1", "/liveness", func(ctx context.Context, r *http.Request) web.Encoder {
		return echo{ID: "ok"}
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/liveness", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
}

func TestEnableCORS(t *testing.T) {
	t.Parallel()

	app := newApp()
	app.EnableCORS([]string{"https://console.example.com"})
	app.HandlerFunc(http.MethodGet, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) web.Encoder {
		return echo{ID: web.Param(r, "id")}
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/items/1", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/items/1", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	type payload struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name       string
		body       string
		allowEmpty bool
		want       string
		wantErr    bool
	}{
		{name: "valid", body: `{"name":"a"}`, want: "a"},
		{name: "unknown field", body: `{"nope":1}`, wantErr: true},
		{name: "empty body rejected", body: "", wantErr: true},
		{name: "empty body allowed", body: "", allowEmpty: true},
		{name: "malformed", body: `{"name":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := web.Decode(r, &p, tt.allowEmpty)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
		})
	}
}

func TestRespondClientGone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := web.Respond(ctx, httptest.NewRecorder(), echo{ID: "x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()

	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestLiveness_AlwaysOK(t *testing.T) {
	t.Parallel()

	h := NewHandler(observability.NopLogger())
	h.AddCheck(NewHealthCheckFunc("broken", func(context.Context) error { return errors.New("down") }))

	rec, body := serve(t, h, PathLive)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTypeJSON, rec.Header().Get(HeaderContentType))
	assert.Equal(t, StatusOK, body.Status)
}

func TestReadiness_Lifecycle(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics("test", registry)
	h := NewHandler(observability.NopLogger(), WithMetrics(metrics))

	rec, body := serve(t, h, PathReady)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusStarting, body.Status)
	assert.False(t, h.Ready())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ready))

	h.MarkReady()
	rec, body = serve(t, h, PathReady)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusOK, body.Status)
	assert.True(t, h.Ready())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ready))

	h.SetDraining(true)
	rec, body = serve(t, h, PathReady)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, StatusDraining, body.Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ready))

	h.SetDraining(false)
	rec, _ = serve(t, h, PathReady)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness_FailingCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkErr error
		wantCode int
		wantBody string
	}{
		{name: "passing", wantCode: http.StatusOK, wantBody: StatusOK},
		{name: "failing", checkErr: errors.New("redis down"), wantCode: http.StatusServiceUnavailable, wantBody: StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(observability.NopLogger())
			h.AddCheck(NewHealthCheckFunc("ok", func(context.Context) error { return nil }))
			h.AddCheck(NewHealthCheckFunc("dep", func(context.Context) error { return tt.checkErr }))
			h.MarkReady()

			rec, body := serve(t, h, PathReady)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, body.Status)
			require.Len(t, body.Checks, 2)
			assert.Equal(t, StatusOK, body.Checks["ok"].Status)
			if tt.checkErr != nil {
				assert.Equal(t, StatusError, body.Checks["dep"].Status)
				assert.Equal(t, "redis down", body.Checks["dep"].Error)
			}
		})
	}
}

func TestHealth_ReportsVersionUptimeAndDetails(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int64
	now := func() time.Time {
		return start.Add(time.Duration(calls.Add(1)) * time.Minute)
	}

	h := NewHandler(observability.NopLogger(), WithVersion("1.2.3"), WithClock(now))
	h.AddCheck(NewBreakerHealthCheck("upstreams", statesOf(map[string]string{"a#0": "closed"})))

	rec, body := serve(t, h, PathHealth)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", body.Version)
	assert.NotEmpty(t, body.Uptime)
	require.Contains(t, body.Checks, "upstreams")
	assert.Equal(t, map[string]string{"a#0": "closed"}, body.Checks["upstreams"].Details)
}

func TestHandler_RemoveCheck(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil)
	h.AddCheck(NewHealthCheckFunc("a", func(context.Context) error { return errors.New("x") }))
	h.AddCheck(NewHealthCheckFunc("b", func(context.Context) error { return nil }))
	h.RemoveCheck("a")
	h.RemoveCheck("missing")

	status := h.runChecks(context.Background())
	assert.Equal(t, StatusOK, status.Status)
	assert.Len(t, status.Checks, 1)
}

func TestMetrics_RecordCheck(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics("test", registry)
	NewMetrics("test", registry)

	h := NewHandler(observability.NopLogger(), WithMetrics(metrics))
	h.AddCheck(NewHealthCheckFunc("dep", func(context.Context) error { return errors.New("down") }))
	h.runChecks(context.Background())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.checksTotal.WithLabelValues("dep", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.checkStatus.WithLabelValues("dep")))
}

package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{name: "default config", config: DefaultLogConfig()},
		{name: "empty level defaults to info", config: LogConfig{}},
		{name: "console format", config: LogConfig{Level: "debug", Format: "console"}},
		{name: "stderr output", config: LogConfig{Level: "warn", Output: "stderr"}},
		{name: "invalid level", config: LogConfig{Level: "loud"}, wantErr: true},
		{name: "invalid format", config: LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core))

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSessionID(ctx, "sess-1")
	ctx = ContextWithTraceID(ctx, "trace-1")

	logger.WithContext(ctx).Info("dispatched", String("target", "a"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "sess-1", fields["session_id"])
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "a", fields["target"])
	assert.NotContains(t, fields, "span_id")
}

func TestLogger_WithContextEmpty(t *testing.T) {
	t.Parallel()

	logger := NopLogger()
	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestContextAccessors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))
	assert.Empty(t, SessionIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(ctx))
	assert.Empty(t, SpanIDFromContext(ctx))

	ctx = ContextWithSpanID(ctx, "span-9")
	assert.Equal(t, "span-9", SpanIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, L())

	logger := NopLogger()
	SetGlobalLogger(logger)
	t.Cleanup(func() { SetGlobalLogger(nil) })

	assert.Same(t, logger, L())
}

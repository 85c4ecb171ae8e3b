package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/circuitbreaker"
)

func statesOf(in map[string]string) func() map[string]circuitbreaker.State {
	byName := map[string]circuitbreaker.State{
		"closed":    circuitbreaker.StateClosed,
		"open":      circuitbreaker.StateOpen,
		"half-open": circuitbreaker.StateHalfOpen,
	}
	return func() map[string]circuitbreaker.State {
		out := make(map[string]circuitbreaker.State, len(in))
		for k, v := range in {
			out[k] = byName[v]
		}
		return out
	}
}

func TestRedisHealthCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisHealthCheck("redis", client)
	assert.Equal(t, "redis", check.Name())
	assert.NoError(t, check.Check(context.Background()))

	mr.Close()
	assert.Error(t, check.Check(context.Background()))

	assert.Error(t, RedisHealthCheck("nil", nil).Check(context.Background()))
}

func TestBreakerHealthCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		states  map[string]string
		wantErr bool
	}{
		{name: "no targets", states: map[string]string{}},
		{name: "all closed", states: map[string]string{"a#0": "closed", "a#1": "closed"}},
		{name: "some open", states: map[string]string{"a#0": "open", "a#1": "half-open"}},
		{name: "all open", states: map[string]string{"a#0": "open", "b#0": "open"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			check := NewBreakerHealthCheck("upstreams", statesOf(tt.states))
			err := check.Check(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoTargetAvailable)
				assert.Contains(t, err.Error(), "a#0, b#0")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.states, check.Report())
		})
	}
}

func TestTimeoutHealthCheck(t *testing.T) {
	t.Parallel()

	slow := NewHealthCheckFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	check := NewTimeoutHealthCheck(slow, 10*time.Millisecond)
	assert.Equal(t, "slow", check.Name())

	err := check.Check(context.Background())
	require.Error(t, err)

	fast := NewTimeoutHealthCheck(NewHealthCheckFunc("fast", func(context.Context) error { return nil }), time.Second)
	assert.NoError(t, fast.Check(context.Background()))
	assert.Nil(t, fast.Report())
}

func TestCachedHealthCheck(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	failing := errors.New("down")
	inner := NewHealthCheckFunc("dep", func(context.Context) error {
		if calls.Add(1) == 1 {
			return failing
		}
		return nil
	})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	check := NewCachedHealthCheck(inner, time.Second)
	check.now = func() time.Time { return now }

	assert.ErrorIs(t, check.Check(context.Background()), failing)
	assert.ErrorIs(t, check.Check(context.Background()), failing)
	assert.Equal(t, int64(1), calls.Load())

	now = now.Add(2 * time.Second)
	assert.NoError(t, check.Check(context.Background()))
	assert.Equal(t, int64(2), calls.Load())
}

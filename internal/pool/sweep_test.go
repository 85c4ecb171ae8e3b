package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Sweep(t *testing.T) {
	t.Parallel()

	p, f, clock := newTestPool(t, Config{
		MaxConnections:       4,
		MinConnections:       2,
		IdleTimeout:          10 * time.Minute,
		HealthCheckFreshness: time.Minute,
	})
	ctx := context.Background()

	require.NoError(t, p.Warm(ctx))
	require.Equal(t, 2, f.count())

	// Fresh connections are left alone.
	res := p.Sweep(ctx)
	assert.Equal(t, SweepResult{}, res)
	assert.Zero(t, f.created[0].pings.Load())

	// Stale connections are probed; the failing one is replaced.
	clock.Advance(2 * time.Minute)
	f.created[0].pingErr.Store(errors.New("eof"))
	res = p.Sweep(ctx)
	assert.Equal(t, SweepResult{ProbeFailed: 1, Opened: 1}, res)
	assert.True(t, f.created[0].closed.Load())
	assert.False(t, f.created[1].closed.Load())
	assert.Equal(t, int64(2), p.Stats().Open)

	// A successful probe counts as activity.
	clock.Advance(30 * time.Second)
	res = p.Sweep(ctx)
	assert.Zero(t, res.ProbeFailed)
	assert.Equal(t, int32(1), f.created[1].pings.Load())

	// Idle past idle_timeout is evicted and refilled.
	clock.Advance(11 * time.Minute)
	res = p.Sweep(ctx)
	assert.Equal(t, 2, res.Evicted)
	assert.Equal(t, 2, res.Opened)
	assert.Equal(t, 5, f.count())
}

func TestPool_SweepAfterClose(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MaxConnections: 1, MinConnections: 1})
	require.NoError(t, p.Close())
	assert.Equal(t, SweepResult{}, p.Sweep(context.Background()))
}

func TestPool_StartHealthSweepStopsOnClose(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 2, MinConnections: 1})

	p.StartHealthSweep(context.Background(), time.Millisecond)
	require.Eventually(t, func() bool { return f.count() >= 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not wait for the sweep to stop")
	}
}

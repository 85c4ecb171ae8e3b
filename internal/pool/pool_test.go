package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

type fakeTransport struct {
	id      int
	pingErr atomic.Value
	pings   atomic.Int32
	closed  atomic.Bool
}

func (f *fakeTransport) Exchange(context.Context, *transport.Request) (*transport.RawResponse, error) {
	return &transport.RawResponse{Status: 200}, nil
}

func (f *fakeTransport) Ping(context.Context) error {
	f.pings.Add(1)
	if err, ok := f.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
	err     error
}

func (f *fakeFactory) Dial(context.Context) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tr := &fakeTransport{id: len(f.created)}
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *fakeFactory, *testClock) {
	t.Helper()

	f := &fakeFactory{}
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New("t1", cfg, f.Dial, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p, f, clock
}

func TestPool_ReusesIdleLIFO(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 3})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", a.TargetID)
	assert.NotEqual(t, a.ID, b.ID)

	p.Release(a)
	p.Release(b)

	got, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 2, f.count())

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Open)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, int64(1), stats.InUse)
	assert.Equal(t, uint64(2), stats.Created)
}

func TestPool_Exhausted(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MaxConnections: 1, PoolTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, util.ClassUpstream, util.ClassOf(err))

	p.Release(c)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c, c2)
}

func TestPool_WaiterGetsReleasedConnection(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 1, PoolTimeout: 2 * time.Second})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Connection, 1)
	go func() {
		c2, err := p.Acquire(ctx)
		if err == nil {
			got <- c2
		}
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	p.Release(c)

	select {
	case c2 := <-got:
		assert.Same(t, c, c2)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served")
	}
	assert.Equal(t, 1, f.count())
}

func TestPool_AcquireCancelled(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MaxConnections: 1, PoolTimeout: time.Minute})

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_ConnectFailure(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 1})
	f.err = errors.New("connection refused")

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrConnect)
	assert.Contains(t, err.Error(), "connection refused")

	// The slot was returned.
	f.err = nil
	_, err = p.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestPool_ReleaseClosesFailedAndExpired(t *testing.T) {
	t.Parallel()

	p, f, clock := newTestPool(t, Config{MaxConnections: 2, MaxLifetime: time.Minute})
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	a.MarkFailed()
	p.Release(a)
	assert.True(t, f.created[0].closed.Load())

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	p.Release(b)
	assert.True(t, f.created[1].closed.Load())

	stats := p.Stats()
	assert.Zero(t, stats.Open)
	assert.Zero(t, stats.Idle)
	assert.Equal(t, uint64(2), stats.Closed)
}

func TestPool_DoubleReleaseIgnored(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MaxConnections: 1})

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.Release()
	c.Release()

	assert.Equal(t, 1, p.Stats().Idle)
	assert.Zero(t, p.Stats().InUse)
}

func TestPool_IdleTimeoutOnAcquire(t *testing.T) {
	t.Parallel()

	p, f, clock := newTestPool(t, Config{MaxConnections: 1, IdleTimeout: time.Minute})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(c)

	clock.Advance(2 * time.Minute)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.True(t, f.created[0].closed.Load())
}

func TestPool_SuspectProbedBeforeReuse(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 1})
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	c.MarkSuspect()
	p.Release(c)

	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, c, c2)
	assert.Equal(t, Healthy, c2.Health())
	assert.Equal(t, int32(1), f.created[0].pings.Load())

	c2.MarkSuspect()
	f.created[0].pingErr.Store(errors.New("broken pipe"))
	p.Release(c2)

	c3, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, c3)
	assert.True(t, f.created[0].closed.Load())
}

func TestPool_Hooks(t *testing.T) {
	t.Parallel()

	var created, rejected atomic.Int32
	hooks := Hooks{
		AfterCreate: func(context.Context, *Connection) error {
			created.Add(1)
			return nil
		},
		BeforeAcquire: func(_ context.Context, c *Connection) error {
			if c.Transport.(*fakeTransport).id == 0 {
				rejected.Add(1)
				return errors.New("stale session")
			}
			return nil
		},
		AfterRelease: func(c *Connection) bool {
			return c.Transport.(*fakeTransport).id != 2
		},
	}

	p, f, _ := newTestPool(t, Config{MaxConnections: 2}, WithHooks(hooks))
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(first)

	// The idle connection is vetoed and a new one is opened.
	second, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(1), rejected.Load())

	third, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(third)
	assert.True(t, f.created[2].closed.Load())
	assert.Equal(t, int32(3), created.Load())
}

func TestPool_AfterCreateError(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 1}, WithHooks(Hooks{
		AfterCreate: func(context.Context, *Connection) error { return errors.New("initialize failed") },
	}))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, f.created[0].closed.Load())
	assert.Zero(t, p.Stats().Open)
}

func TestPool_Warm(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 4, MinConnections: 2})

	require.NoError(t, p.Warm(context.Background()))
	assert.Equal(t, 2, f.count())
	assert.Equal(t, 2, p.Stats().Idle)

	require.NoError(t, p.Warm(context.Background()))
	assert.Equal(t, 2, f.count())
}

func TestPool_Close(t *testing.T) {
	t.Parallel()

	p, f, _ := newTestPool(t, Config{MaxConnections: 2})
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, f.created[0].closed.Load())
	assert.False(t, f.created[1].closed.Load())

	p.Release(busy)
	assert.True(t, f.created[1].closed.Load())
	assert.Zero(t, p.Stats().Open)

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_CloseWakesWaiters(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPool(t, Config{MaxConnections: 1, PoolTimeout: time.Minute})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestPool_NeverExceedsMaxCheckedOut(t *testing.T) {
	t.Parallel()

	const maxConns = 3
	p, _, _ := newTestPool(t, Config{MaxConnections: maxConns, PoolTimeout: 5 * time.Second})

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					continue
				}
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				current.Add(-1)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(maxConns))
	assert.Zero(t, p.Stats().InUse)
}

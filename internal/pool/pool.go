package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Sentinel errors.
var (
	// ErrPoolExhausted is returned when no slot frees up within the pool
	// timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrConnect wraps failures to open a new connection.
	ErrConnect = errors.New("connect to upstream failed")
)

type classifiedError struct {
	err   error
	class util.ErrorClass
}

func (e *classifiedError) Error() string               { return e.err.Error() }
func (e *classifiedError) Unwrap() error               { return e.err }
func (e *classifiedError) ErrorClass() util.ErrorClass { return e.class }

// Close reasons.
const (
	reasonFailed      = "failed"
	reasonExpired     = "expired"
	reasonProbeFailed = "probe_failed"
	reasonRejected    = "rejected"
	reasonOverflow    = "overflow"
	reasonShutdown    = "shutdown"
)

// Factory opens a new transport to the pool's target.
type Factory func(ctx context.Context) (transport.Transport, error)

// Hooks customize connection handling. Every hook is optional.
type Hooks struct {
	// BeforeAcquire vets an idle connection before it is handed out. An
	// error closes the connection and the next one is tried.
	BeforeAcquire func(ctx context.Context, c *Connection) error

	// AfterCreate runs on every new connection. An error closes it and
	// fails the acquire.
	AfterCreate func(ctx context.Context, c *Connection) error

	// AfterRelease decides whether a released connection is kept. Returning
	// false closes it.
	AfterRelease func(c *Connection) bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// WithHooks sets the connection hooks.
func WithHooks(hooks Hooks) Option {
	return func(p *Pool) {
		p.hooks = hooks
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// Pool is a bounded set of connections to one target.
type Pool struct {
	target  string
	cfg     Config
	factory Factory
	hooks   Hooks
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	// sem holds one token per checked-out connection.
	sem  chan struct{}
	done chan struct{}

	mu     sync.Mutex
	idle   []*Connection
	closed bool

	open        atomic.Int64
	inUse       atomic.Int64
	waiting     atomic.Int64
	created     atomic.Uint64
	closedCount atomic.Uint64

	sweepWG   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a pool for target. No connection is opened until Acquire or
// Warm.
func New(target string, cfg Config, factory Factory, opts ...Option) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		target:  target,
		cfg:     cfg,
		factory: factory,
		logger:  observability.NopLogger(),
		now:     time.Now,
		sem:     make(chan struct{}, cfg.MaxConnections),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics("", nil)
	}
	p.logger = p.logger.With(observability.String("target", target))
	return p
}

// Target returns the target ID.
func (p *Pool) Target() string {
	return p.target
}

// Acquire returns an exclusive connection, reusing an idle one when
// possible. It waits up to the pool timeout for a free slot.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	start := p.now()
	defer p.metrics.observeAcquire(p.target, start)

	if err := p.acquireSlot(ctx); err != nil {
		p.metrics.acquireErrors.WithLabelValues(p.target, acquireErrorReason(err)).Inc()
		if errors.Is(err, ErrPoolExhausted) {
			p.logger.Warn("connection pool exhausted",
				observability.Int("max", p.cfg.MaxConnections),
				observability.Int64("waiting", p.waiting.Load()))
		}
		return nil, err
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		<-p.sem
		p.metrics.acquireErrors.WithLabelValues(p.target, acquireErrorReason(err)).Inc()
		return nil, err
	}

	conn.checkedOut.Store(true)
	p.inUse.Add(1)
	p.updateGauges()
	return conn, nil
}

func acquireErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "connect"
	}
}

func (p *Pool) acquireSlot(ctx context.Context) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	select {
	case p.sem <- struct{}{}:
		return nil
	default:
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	timer := time.NewTimer(p.cfg.PoolTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return &classifiedError{err: ErrPoolExhausted, class: util.ClassUpstream}
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
}

// checkout pops a usable idle connection or opens a new one. The caller
// holds a slot.
func (p *Pool) checkout(ctx context.Context) (*Connection, error) {
	for {
		c, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}

		if c.Health() == Failed {
			p.closeConn(c, reasonFailed)
			continue
		}
		if p.expired(c, p.now()) {
			p.closeConn(c, reasonExpired)
			continue
		}
		if c.Health() == Suspect {
			if err := p.probe(ctx, c); err != nil {
				continue
			}
		}
		if p.hooks.BeforeAcquire != nil {
			if err := p.hooks.BeforeAcquire(ctx, c); err != nil {
				p.logger.Debug("idle connection rejected", observability.Error(err))
				p.closeConn(c, reasonRejected)
				continue
			}
		}
		return c, nil
	}

	return p.openConn(ctx)
}

func (p *Pool) popIdle() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c, nil
}

func (p *Pool) openConn(ctx context.Context) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	tr, err := p.factory(dialCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("failed to open upstream connection", observability.Error(err))
		return nil, &classifiedError{
			err:   fmt.Errorf("%w: %s: %w", ErrConnect, p.target, err),
			class: util.ClassUpstream,
		}
	}

	c := newConnection(p, tr, p.now())
	p.open.Add(1)
	p.created.Add(1)
	p.metrics.createdTotal.WithLabelValues(p.target).Inc()

	if p.hooks.AfterCreate != nil {
		if err := p.hooks.AfterCreate(ctx, c); err != nil {
			p.closeConn(c, reasonRejected)
			return nil, fmt.Errorf("after create hook: %w", err)
		}
	}

	p.logger.Debug("opened upstream connection", observability.String("connection", c.ID))
	return c, nil
}

// Release returns c to the idle set, or closes it when it failed, expired,
// was refused by the AfterRelease hook, or the pool is closed. Releasing a
// connection twice is a no-op.
func (p *Pool) Release(c *Connection) {
	if c == nil || !c.checkedOut.CompareAndSwap(true, false) {
		return
	}
	p.inUse.Add(-1)
	defer func() { <-p.sem }()

	now := p.now()
	c.touch(now)

	reason := ""
	switch {
	case c.Health() == Failed:
		reason = reasonFailed
	case p.cfg.MaxLifetime > 0 && now.Sub(c.CreatedAt) >= p.cfg.MaxLifetime:
		reason = reasonExpired
	case p.hooks.AfterRelease != nil && !p.hooks.AfterRelease(c):
		reason = reasonRejected
	case p.open.Load() > int64(p.cfg.MaxConnections):
		reason = reasonOverflow
	}

	if reason == "" {
		p.mu.Lock()
		if !p.closed {
			p.idle = append(p.idle, c)
			p.mu.Unlock()
			p.updateGauges()
			return
		}
		p.mu.Unlock()
		reason = reasonShutdown
	}

	p.closeConn(c, reason)
	p.updateGauges()
}

// Warm opens connections until MinConnections are open. It returns the
// first error, keeping whatever was opened before it.
func (p *Pool) Warm(ctx context.Context) error {
	for p.open.Load() < int64(p.cfg.MinConnections) {
		if p.isClosed() {
			return ErrPoolClosed
		}
		c, err := p.openConn(ctx)
		if err != nil {
			return err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeConn(c, reasonShutdown)
			return ErrPoolClosed
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	p.updateGauges()
	return nil
}

func (p *Pool) expired(c *Connection, now time.Time) bool {
	if p.cfg.IdleTimeout > 0 && now.Sub(c.LastUsedAt()) >= p.cfg.IdleTimeout {
		return true
	}
	return p.cfg.MaxLifetime > 0 && now.Sub(c.CreatedAt) >= p.cfg.MaxLifetime
}

// probe pings c and closes it on failure.
func (p *Pool) probe(ctx context.Context, c *Connection) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	if err := c.Transport.Ping(probeCtx); err != nil {
		p.metrics.probesTotal.WithLabelValues(p.target, "failure").Inc()
		p.logger.Debug("connection probe failed",
			observability.String("connection", c.ID),
			observability.Error(err))
		c.MarkFailed()
		p.closeConn(c, reasonProbeFailed)
		return err
	}

	p.metrics.probesTotal.WithLabelValues(p.target, "success").Inc()
	c.markHealthy()
	c.lastCheckedAt.Store(p.now().UnixNano())
	return nil
}

func (p *Pool) closeConn(c *Connection, reason string) {
	p.open.Add(-1)
	p.closedCount.Add(1)
	p.metrics.closedTotal.WithLabelValues(p.target, reason).Inc()

	if err := c.Transport.Close(); err != nil {
		p.logger.Debug("error closing upstream connection",
			observability.String("connection", c.ID),
			observability.Error(err))
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	p.metrics.setGauges(p.target, idle, int(p.inUse.Load()))
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Open    int64
	Idle    int
	InUse   int64
	Waiting int64
	Created uint64
	Closed  uint64
	Max     int
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return Stats{
		Open:    p.open.Load(),
		Idle:    idle,
		InUse:   p.inUse.Load(),
		Waiting: p.waiting.Load(),
		Created: p.created.Load(),
		Closed:  p.closedCount.Load(),
		Max:     p.cfg.MaxConnections,
	}
}

// Close drains the idle set and rejects further acquires. Checked-out
// connections are closed when released. Close waits for the health sweep
// to stop.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		p.idle = nil
		p.mu.Unlock()

		close(p.done)

		for _, c := range idle {
			p.open.Add(-1)
			p.closedCount.Add(1)
			p.metrics.closedTotal.WithLabelValues(p.target, reasonShutdown).Inc()
			err = multierr.Append(err, c.Transport.Close())
		}
		p.sweepWG.Wait()
		p.updateGauges()

		p.logger.Debug("connection pool closed", observability.Int("drained", len(idle)))
	})
	return err
}

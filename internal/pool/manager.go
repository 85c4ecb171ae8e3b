package pool

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
)

// Manager keeps one pool per upstream target.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	logger  observability.Logger
	metrics *Metrics
	hooks   Hooks

	pools sync.Map
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger passed to every pool.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerMetrics sets the metrics shared by every pool.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithManagerHooks sets the hooks installed on every pool.
func WithManagerHooks(hooks Hooks) ManagerOption {
	return func(m *Manager) {
		m.hooks = hooks
	}
}

// NewManager creates a manager whose pools dial through dialer.
func NewManager(cfg Config, dialer transport.Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics("", nil)
	}
	return m
}

// Pool returns the pool for target, creating it on first use.
func (m *Manager) Pool(target transport.Target) *Pool {
	if v, ok := m.pools.Load(target.ID); ok {
		return v.(*Pool)
	}

	factory := func(ctx context.Context) (transport.Transport, error) {
		return m.dialer.Dial(ctx, target)
	}
	p := New(target.ID, m.cfg, factory,
		WithLogger(m.logger),
		WithMetrics(m.metrics),
		WithHooks(m.hooks))

	actual, loaded := m.pools.LoadOrStore(target.ID, p)
	if loaded {
		return actual.(*Pool)
	}
	m.logger.Debug("created connection pool", observability.String("target", target.ID))
	return p
}

// Get returns the pool for targetID, or nil.
func (m *Manager) Get(targetID string) *Pool {
	if v, ok := m.pools.Load(targetID); ok {
		return v.(*Pool)
	}
	return nil
}

func (m *Manager) each(fn func(*Pool)) {
	m.pools.Range(func(_, v any) bool {
		fn(v.(*Pool))
		return true
	})
}

// Warm warms every pool, collecting errors.
func (m *Manager) Warm(ctx context.Context) error {
	var err error
	m.each(func(p *Pool) {
		err = multierr.Append(err, p.Warm(ctx))
	})
	return err
}

// StartHealthSweep starts the sweep on every pool created so far.
func (m *Manager) StartHealthSweep(ctx context.Context) {
	m.each(func(p *Pool) {
		p.StartHealthSweep(ctx, 0)
	})
}

// Stats returns statistics for every pool.
func (m *Manager) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	m.each(func(p *Pool) {
		stats[p.Target()] = p.Stats()
	})
	return stats
}

// Targets returns the IDs of every pool, sorted.
func (m *Manager) Targets() []string {
	var ids []string
	m.each(func(p *Pool) {
		ids = append(ids, p.Target())
	})
	sort.Strings(ids)
	return ids
}

// Close closes every pool.
func (m *Manager) Close() error {
	var err error
	m.each(func(p *Pool) {
		err = multierr.Append(err, p.Close())
	})
	return err
}

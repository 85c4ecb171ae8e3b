package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/pool"
	"github.com/vyrodovalexey/mcpgw/internal/retry"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

// Failover backoff between targets.
const (
	failoverInitialBackoff = 10 * time.Millisecond
	failoverMaxBackoff     = 200 * time.Millisecond
)

// outcomeSuccess labels successful attempts in metrics.
const outcomeSuccess = "success"

// Upstream is a logical upstream served by one or more targets.
type Upstream struct {
	Name    string
	Targets []transport.Target
}

// Config configures a Manager.
type Config struct {
	Upstreams      []Upstream
	Pool           pool.Config
	CircuitBreaker circuitbreaker.Config

	// Timeout bounds each exchange until the reply headers arrive. Zero
	// disables it.
	Timeout time.Duration

	// MaxRetries caps failover to other targets. Zero allows one attempt
	// per target.
	MaxRetries int
}

// FromConfig builds a Config from the gateway configuration.
func FromConfig(c *config.Config) Config {
	out := Config{
		Pool:           pool.FromConfig(c.Pool),
		CircuitBreaker: circuitbreaker.FromConfig(c.CircuitBreaker),
		Timeout:        c.Dispatch.Timeout.Duration(),
		MaxRetries:     c.Dispatch.MaxRetries,
	}
	for _, u := range c.Upstreams {
		up := Upstream{Name: u.Name}
		for _, t := range u.Targets {
			up.Targets = append(up.Targets, transport.TargetFromConfig(t))
		}
		out.Upstreams = append(out.Upstreams, up)
	}
	return out
}

// Validate checks the configuration.
func (c Config) Validate() error {
	verr := util.NewValidationError("invalid upstream configuration")

	if len(c.Upstreams) == 0 {
		verr.AddField("upstreams", "at least one upstream is required")
	}
	names := make(map[string]bool, len(c.Upstreams))
	ids := make(map[string]bool)
	for i, u := range c.Upstreams {
		field := fmt.Sprintf("upstreams[%d]", i)
		if u.Name == "" || names[u.Name] {
			verr.AddField(field+".name", "must be unique and non-empty")
		}
		names[u.Name] = true
		if len(u.Targets) == 0 {
			verr.AddField(field+".targets", "at least one target is required")
		}
		for j, t := range u.Targets {
			if t.ID == "" || ids[t.ID] {
				verr.AddField(fmt.Sprintf("%s.targets[%d].id", field, j), "must be unique and non-empty")
			}
			ids[t.ID] = true
		}
	}
	if c.Timeout < 0 {
		verr.AddField("timeout", "must not be negative")
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		verr.AddField("circuit_breaker", err.Error())
	}
	if err := c.Pool.Validate(); err != nil {
		verr.AddField("pool", err.Error())
	}

	return verr.OrNil()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(m *Manager) {
		m.audit = logger
	}
}

// WithMetrics sets the dispatch metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithPoolMetrics sets the connection pool metrics.
func WithPoolMetrics(metrics *pool.Metrics) Option {
	return func(m *Manager) {
		m.poolMetrics = metrics
	}
}

// WithBreakerMetrics sets the circuit breaker metrics.
func WithBreakerMetrics(metrics *circuitbreaker.Metrics) Option {
	return func(m *Manager) {
		m.breakerMetrics = metrics
	}
}

// WithPoolHooks sets the connection pool hooks.
func WithPoolHooks(hooks pool.Hooks) Option {
	return func(m *Manager) {
		m.poolHooks = hooks
	}
}

// WithCodec sets the codec used to decode buffered replies.
func WithCodec(codec transport.Codec) Option {
	return func(m *Manager) {
		m.codec = codec
	}
}

type upstreamEntry struct {
	Upstream
	balancer *Balancer
}

// Manager dispatches requests to upstream targets.
type Manager struct {
	cfg       Config
	upstreams map[string]*upstreamEntry
	pools     *pool.Manager
	breakers  *circuitbreaker.Registry
	codec     transport.Codec

	logger         observability.Logger
	audit          audit.Logger
	metrics        *Metrics
	poolMetrics    *pool.Metrics
	breakerMetrics *circuitbreaker.Metrics
	poolHooks      pool.Hooks
}

// New creates a Manager. A pool and a breaker are created for every target
// up front; no connection is opened until Warm or the first dispatch.
func New(cfg Config, dialer transport.Dialer, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		upstreams: make(map[string]*upstreamEntry, len(cfg.Upstreams)),
		codec:     transport.JSONCodec{},
		logger:    observability.NopLogger(),
		audit:     audit.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics("", nil)
	}

	m.breakers = circuitbreaker.NewRegistry(
		cfg.CircuitBreaker.WithOnStateChange(m.onStateChange),
		m.logger,
		m.breakerMetrics,
	)

	poolOpts := []pool.ManagerOption{
		pool.WithManagerLogger(m.logger),
		pool.WithManagerHooks(m.poolHooks),
	}
	if m.poolMetrics != nil {
		poolOpts = append(poolOpts, pool.WithManagerMetrics(m.poolMetrics))
	}
	m.pools = pool.NewManager(cfg.Pool, dialer, poolOpts...)

	for _, u := range cfg.Upstreams {
		for _, t := range u.Targets {
			m.pools.Pool(t)
			m.breakers.GetOrCreate(t.ID)
		}
		m.upstreams[u.Name] = &upstreamEntry{
			Upstream: u,
			balancer: NewBalancer(u.Targets, m.targetAvailable),
		}
	}

	return m, nil
}

func (m *Manager) targetAvailable(targetID string) bool {
	cb := m.breakers.Get(targetID)
	return cb == nil || cb.Available()
}

func (m *Manager) onStateChange(name string, from, to circuitbreaker.State) {
	outcome := audit.OutcomeSuccess
	if to == circuitbreaker.StateOpen {
		outcome = audit.OutcomeFailure
	}
	m.audit.Log(context.Background(), audit.NewEvent(audit.EventCircuitStateChange, outcome).
		WithDetail("target", name).
		WithDetail("from", from.String()).
		WithDetail("to", to.String()))
}

// Has reports whether name is a configured upstream.
func (m *Manager) Has(name string) bool {
	_, ok := m.upstreams[name]
	return ok
}

// Upstreams returns the upstream names in configuration order.
func (m *Manager) Upstreams() []string {
	names := make([]string, 0, len(m.cfg.Upstreams))
	for _, u := range m.cfg.Upstreams {
		names = append(names, u.Name)
	}
	return names
}

// DefaultUpstream returns the first configured upstream.
func (m *Manager) DefaultUpstream() string {
	if len(m.cfg.Upstreams) == 0 {
		return ""
	}
	return m.cfg.Upstreams[0].Name
}

// Breakers returns the breaker registry.
func (m *Manager) Breakers() *circuitbreaker.Registry {
	return m.breakers
}

// Pools returns the pool manager.
func (m *Manager) Pools() *pool.Manager {
	return m.pools
}

// Warm opens the minimum number of connections on every target.
func (m *Manager) Warm(ctx context.Context) error {
	return m.pools.Warm(ctx)
}

// StartHealthSweep starts the pool health sweep on every target.
func (m *Manager) StartHealthSweep(ctx context.Context) {
	m.pools.StartHealthSweep(ctx)
}

// Close closes every pool. Streams still in flight release their
// connections into closed pools, which close them.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- m.pools.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch sends req to the named upstream and returns its reply. Targets
// are tried in round-robin order; on an upstream failure the next untried
// target is used while attempts remain. If every attempt fails and one of
// them produced a 5xx reply, that reply is returned without an error so
// the caller can mirror it.
func (m *Manager) Dispatch(ctx context.Context, name string, req *transport.Request) (*Response, error) {
	start := time.Now()

	up, ok := m.upstreams[name]
	if !ok {
		err := newDispatchError(KindNoTarget, "", fmt.Errorf("%w: %q", ErrUnknownUpstream, name))
		m.auditDispatch(ctx, name, nil, err, 0, start)
		return nil, err
	}

	tried := make(map[string]bool, len(up.Targets))
	maxAttempts := len(up.Targets)
	if m.cfg.MaxRetries > 0 && m.cfg.MaxRetries+1 < maxAttempts {
		maxAttempts = m.cfg.MaxRetries + 1
	}

	var (
		resp      *Response
		errorResp *Response
		attempts  int
	)
	attempt := func(int) error {
		attempts++
		r, err := m.attempt(ctx, up, req, tried)
		if err != nil {
			if r != nil {
				if errorResp != nil {
					_ = errorResp.Close()
				}
				errorResp = r
			}
			return err
		}
		resp = r
		return nil
	}

	var err error
	if maxAttempts <= 1 {
		err = attempt(0)
	} else {
		err = retry.Do(ctx, &retry.Config{
			MaxRetries:     maxAttempts - 1,
			InitialBackoff: failoverInitialBackoff,
			MaxBackoff:     failoverMaxBackoff,
			JitterFactor:   retry.DefaultJitterFactor,
		}, attempt, &retry.Options{
			ShouldRetry: func(err error) bool {
				return ctx.Err() == nil && attempts < maxAttempts &&
					shouldFailover(err) && up.balancer.Remaining(tried) > 0
			},
			OnRetry: func(n int, err error, backoff time.Duration) {
				m.metrics.failoversTotal.WithLabelValues(name).Inc()
				m.logger.WithContext(ctx).Debug("failing over to another target",
					observability.String("upstream", name),
					observability.Int("attempt", n),
					observability.Duration("backoff", backoff),
					observability.Error(err))
			},
		})
	}

	if err != nil {
		if errorResp != nil && ctx.Err() == nil {
			m.auditDispatch(ctx, name, errorResp, nil, attempts, start)
			return errorResp, nil
		}
		if errorResp != nil {
			_ = errorResp.Close()
		}
		err = asDispatchError(ctx, err)
		m.auditDispatch(ctx, name, nil, err, attempts, start)
		return nil, err
	}

	if errorResp != nil {
		_ = errorResp.Close()
	}
	m.auditDispatch(ctx, name, resp, nil, attempts, start)
	return resp, nil
}

// shouldFailover reports whether another target may succeed where this
// attempt failed. Attempts that found no candidate at all are final.
func shouldFailover(err error) bool {
	var de *DispatchError
	if !errors.As(err, &de) || de.Target == "" {
		return false
	}
	switch de.Kind {
	case KindUpstream, KindTimeout, KindCircuitOpen, KindPoolExhausted:
		return true
	default:
		return false
	}
}

// asDispatchError maps errors that did not come from an attempt, such as
// the caller's context ending during failover backoff.
func asDispatchError(ctx context.Context, err error) error {
	var de *DispatchError
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return newDispatchError(KindCancelled, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newDispatchError(KindTimeout, "", err)
	case ctx.Err() != nil:
		return newDispatchError(KindCancelled, "", err)
	default:
		return newDispatchError(KindInternal, "", err)
	}
}

// attempt dispatches to one target. The breaker is consulted before the
// pool so an open circuit never dials.
func (m *Manager) attempt(
	ctx context.Context,
	up *upstreamEntry,
	req *transport.Request,
	tried map[string]bool,
) (*Response, error) {
	target, ok := up.balancer.Next(tried)
	if !ok {
		if up.balancer.Remaining(tried) > 0 {
			return nil, newDispatchError(KindCircuitOpen, "", circuitbreaker.ErrCircuitOpen)
		}
		return nil, newDispatchError(KindNoTarget, "", fmt.Errorf("no untried target for %s", up.Name))
	}
	tried[target.ID] = true
	start := time.Now()
	logger := m.logger.WithContext(ctx).With(observability.String("target", target.ID))

	probe, err := m.breakers.GetOrCreate(target.ID).Allow()
	if err != nil {
		m.metrics.recordAttempt(target.ID, string(KindCircuitOpen), start)
		return nil, newDispatchError(KindCircuitOpen, target.ID, err)
	}

	p := m.pools.Pool(target)
	conn, err := p.Acquire(ctx)
	if err != nil {
		kind := acquireErrorKind(ctx, err)
		if kind == KindUpstream {
			probe.Failure()
		} else {
			probe.Cancel()
		}
		m.metrics.recordAttempt(target.ID, string(kind), start)
		return nil, newDispatchError(kind, target.ID, err)
	}

	exCtx, cancel := context.WithCancelCause(ctx)
	var timer *time.Timer
	if m.cfg.Timeout > 0 {
		timer = time.AfterFunc(m.cfg.Timeout, func() { cancel(errDispatchTimeout) })
	}
	raw, err := conn.Transport.Exchange(exCtx, req)
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		kind := exchangeErrorKind(ctx, exCtx, err)
		cancel(nil)
		conn.MarkFailed()
		p.Release(conn)
		if kind == KindCancelled {
			probe.Cancel()
		} else {
			probe.Failure()
			logger.Warn("upstream exchange failed", observability.Error(err))
		}
		m.metrics.recordAttempt(target.ID, string(kind), start)
		return nil, newDispatchError(kind, target.ID, err)
	}

	resp := &Response{
		Target:    target.ID,
		Status:    raw.Status,
		Kind:      raw.Kind,
		Headers:   raw.Headers,
		SessionID: raw.SessionID,
	}

	if raw.Status >= http.StatusInternalServerError {
		if raw.Stream != nil {
			_ = raw.Stream.Close()
		}
		resp.Kind = transport.ResponseBuffered
		resp.Body = raw.Body
		cancel(nil)
		p.Release(conn)
		probe.Failure()
		m.metrics.recordAttempt(target.ID, string(KindUpstream), start)
		return resp, newDispatchError(KindUpstream, target.ID,
			fmt.Errorf("%w: %d", ErrUpstreamStatus, raw.Status))
	}

	if raw.Kind == transport.ResponseStream && raw.Stream != nil {
		m.metrics.activeStreams.WithLabelValues(target.ID).Inc()
		resp.Stream = newReleasingStream(raw.Stream, func(healthy bool) {
			if !healthy {
				conn.MarkFailed()
			}
			p.Release(conn)
			cancel(nil)
			m.metrics.activeStreams.WithLabelValues(target.ID).Dec()
		})
		probe.Success()
		m.metrics.recordAttempt(target.ID, outcomeSuccess, start)
		return resp, nil
	}

	defer cancel(nil)
	resp.Kind = transport.ResponseBuffered
	resp.Body = raw.Body
	if raw.Status < http.StatusMultipleChoices && len(raw.Body) > 0 {
		msg, err := m.codec.Decode(raw.Body)
		if err != nil {
			conn.MarkFailed()
			p.Release(conn)
			probe.Failure()
			logger.Warn("undecodable upstream reply", observability.Error(err))
			m.metrics.recordAttempt(target.ID, string(KindUpstream), start)
			return nil, newDispatchError(KindUpstream, target.ID, err)
		}
		resp.Message = msg
	}

	p.Release(conn)
	probe.Success()
	m.metrics.recordAttempt(target.ID, outcomeSuccess, start)
	return resp, nil
}

func acquireErrorKind(ctx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, pool.ErrPoolClosed):
		return KindInternal
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return KindTimeout
	default:
		return KindUpstream
	}
}

// exchangeErrorKind separates a client abort from an upstream failure. The
// dispatch timeout and the caller's deadline both count as timeouts.
func exchangeErrorKind(parent, exCtx context.Context, err error) ErrorKind {
	if errors.Is(context.Cause(exCtx), errDispatchTimeout) {
		return KindTimeout
	}
	if parentErr := parent.Err(); parentErr != nil {
		if errors.Is(parentErr, context.DeadlineExceeded) {
			return KindTimeout
		}
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream
}

func (m *Manager) auditDispatch(
	ctx context.Context,
	upstream string,
	resp *Response,
	err error,
	attempts int,
	start time.Time,
) {
	outcome := audit.OutcomeSuccess
	e := audit.NewEvent(audit.EventUpstreamDispatch, outcome).
		WithDetail("upstream", upstream).
		WithDetail("attempts", strconv.Itoa(attempts)).
		WithDetail("duration_ms", strconv.FormatInt(time.Since(start).Milliseconds(), 10))

	switch {
	case err != nil:
		var de *DispatchError
		errors.As(err, &de)
		outcome = audit.OutcomeFailure
		if de != nil && de.Kind == KindCancelled {
			outcome = audit.OutcomeCancelled
		}
		if de != nil {
			e = e.WithDetail("kind", string(de.Kind)).WithDetail("target", de.Target)
		}
		e = e.WithDetail("error", err.Error())
	case resp != nil:
		if resp.Status >= http.StatusInternalServerError {
			outcome = audit.OutcomeFailure
		}
		e = e.WithDetail("target", resp.Target).
			WithDetail("status", strconv.Itoa(resp.Status)).
			WithDetail("response_kind", resp.Kind.String())
	}
	e.Outcome = outcome
	e.Success = outcome == audit.OutcomeSuccess

	m.audit.Log(ctx, e.
		WithSession(observability.SessionIDFromContext(ctx)).
		WithRequest(observability.RequestIDFromContext(ctx)))
}

// States returns the breaker state of every target.
func (m *Manager) States() map[string]circuitbreaker.State {
	return m.breakers.States()
}

// PoolStats returns the pool statistics of every target.
func (m *Manager) PoolStats() map[string]pool.Stats {
	return m.pools.Stats()
}

package policy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
)

// Default actions applied when no terminal rule matches.
const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"
)

// Default response values.
const (
	DefaultDenyStatus     = http.StatusForbidden
	DefaultDenyBody       = "Forbidden"
	DefaultRedirectStatus = http.StatusFound
)

// Config configures an Engine.
type Config struct {
	// DefaultAction is allow or deny. Empty means allow.
	DefaultAction string

	// DenyStatus is used by blocks without a status and by default deny.
	DenyStatus int

	// DenyBody is used by blocks without a body and by default deny.
	DenyBody string
}

func (c Config) normalized() (Config, error) {
	switch c.DefaultAction {
	case "":
		c.DefaultAction = DefaultAllow
	case DefaultAllow, DefaultDeny:
	default:
		return c, fmt.Errorf("%w: default action must be allow or deny", ErrInvalidRule)
	}
	if c.DenyStatus == 0 {
		c.DenyStatus = DefaultDenyStatus
	}
	if c.DenyBody == "" {
		c.DenyBody = DefaultDenyBody
	}
	return c, nil
}

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(e *Engine) {
		e.audit = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// Engine evaluates requests against the active rule snapshot.
type Engine struct {
	config   Config
	snapshot atomic.Pointer[Snapshot]
	logger   observability.Logger
	audit    audit.Logger
	metrics  *Metrics
}

// NewEngine compiles rules and creates an Engine.
func NewEngine(cfg Config, rules []Rule, opts ...Option) (*Engine, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	snap, err := Compile(rules)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config: cfg,
		logger: observability.NopLogger(),
		audit:  audit.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics("", nil)
	}

	e.snapshot.Store(snap)
	e.metrics.recordSnapshot(snap)
	return e, nil
}

// Reload compiles rules and swaps them in. On error the active snapshot is
// kept.
func (e *Engine) Reload(rules []Rule) error {
	snap, err := Compile(rules)
	if err != nil {
		e.metrics.reloadsTotal.WithLabelValues("error").Inc()
		e.logger.Error("policy reload rejected", observability.Error(err))
		return err
	}

	e.snapshot.Store(snap)
	e.metrics.reloadsTotal.WithLabelValues("success").Inc()
	e.metrics.recordSnapshot(snap)
	e.logger.Info("policy rules reloaded",
		observability.Uint64("version", snap.Version()),
		observability.Int("rules", snap.Len()))
	return nil
}

// Version returns the active snapshot version.
func (e *Engine) Version() uint64 {
	return e.snapshot.Load().Version()
}

// Snapshot returns the active snapshot.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Evaluate runs rc through the active snapshot. One snapshot is used for
// the whole evaluation. Evaluation stops early when ctx is done; callers
// check ctx.Err() before acting on the decision.
func (e *Engine) Evaluate(ctx context.Context, rc *reqctx.RequestContext) Decision {
	start := time.Now()
	snap := e.snapshot.Load()

	var ops []HeaderOp
	for i := range snap.rules {
		if ctx.Err() != nil {
			break
		}

		rule := &snap.rules[i]
		if !e.matches(ctx, rule, rc) {
			continue
		}

		for _, action := range rule.Actions {
			switch action.Kind {
			case ActionSetHeader:
				ops = append(ops, HeaderOp{Name: action.Header, Value: action.Value})
			case ActionRemoveHeader:
				ops = append(ops, HeaderOp{Remove: true, Name: action.Header})
			case ActionLog:
				e.logger.WithContext(ctx).Info("policy rule matched",
					observability.String("rule", rule.ID),
					observability.String("message", action.Message),
					observability.String("path", rc.Path))
			default:
				d := e.terminal(rule, action, ops, snap.Version())
				e.finish(ctx, rc, d, start)
				return d
			}
		}
	}

	d := e.fallthroughDecision(ops, snap.Version())
	e.finish(ctx, rc, d, start)
	return d
}

// matches evaluates the rule condition, recovering a panic as a non-match.
func (e *Engine) matches(ctx context.Context, rule *Rule, rc *reqctx.RequestContext) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			e.metrics.evaluationErrors.Inc()
			e.logger.WithContext(ctx).Error("policy condition panicked",
				observability.String("rule", rule.ID),
				observability.Any("panic", r))
		}
	}()
	return evaluate(&rule.Condition, rc)
}

func (e *Engine) terminal(rule *Rule, action Action, ops []HeaderOp, version uint64) Decision {
	d := Decision{
		HeaderOps: ops,
		RuleID:    rule.ID,
		Matched:   rule.Condition.String(),
		Version:   version,
	}

	switch action.Kind {
	case ActionBlock:
		d.Kind = DecisionBlock
		d.Status = action.Status
		if d.Status == 0 {
			d.Status = e.config.DenyStatus
		}
		d.Body = action.Body
		if d.Body == "" {
			d.Body = e.config.DenyBody
		}
	case ActionRedirect:
		d.Kind = DecisionRedirect
		d.Location = action.Location
		d.Status = action.Status
		if d.Status == 0 {
			d.Status = DefaultRedirectStatus
		}
	default:
		d.Kind = DecisionAllow
	}
	return d
}

func (e *Engine) fallthroughDecision(ops []HeaderOp, version uint64) Decision {
	if e.config.DefaultAction == DefaultDeny {
		return Decision{
			Kind:      DecisionBlock,
			Status:    e.config.DenyStatus,
			Body:      e.config.DenyBody,
			HeaderOps: ops,
			Default:   true,
			Version:   version,
		}
	}
	if len(ops) > 0 {
		return Decision{Kind: DecisionMutate, HeaderOps: ops, Default: true, Version: version}
	}
	return Decision{Kind: DecisionAllow, Default: true, Version: version}
}

// finish records metrics and audits terminal decisions. A default allow
// or a mutate is not audited.
func (e *Engine) finish(ctx context.Context, rc *reqctx.RequestContext, d Decision, start time.Time) {
	e.metrics.recordEvaluation(d.Kind, start)

	if d.Default && d.Kind != DecisionBlock {
		return
	}

	outcome := audit.OutcomeSuccess
	if d.Kind == DecisionBlock {
		outcome = audit.OutcomeDenied
	}

	ruleID := d.RuleID
	if d.Default {
		ruleID = "default"
	}

	event := audit.NewEvent(audit.EventPolicyEnforcement, outcome).
		WithSession(rc.SessionID).
		WithRequest(rc.RequestID).
		WithDetails(map[string]string{
			"rule_id":   ruleID,
			"condition": d.Matched,
			"decision":  d.Kind.String(),
			"method":    rc.Method,
			"path":      rc.Path,
			"identity":  rc.Identity(),
			"version":   strconv.FormatUint(d.Version, 10),
		})
	if d.Status != 0 {
		event = event.WithDetail("status", strconv.Itoa(d.Status))
	}
	if d.Location != "" {
		event = event.WithDetail("location", d.Location)
	}
	e.audit.Log(ctx, event)

	if d.Kind == DecisionBlock {
		e.logger.WithContext(ctx).Debug("policy blocked request",
			observability.String("rule", ruleID),
			observability.Int("status", d.Status),
			observability.String("path", rc.Path))
	}
}

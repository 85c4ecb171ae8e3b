package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/policy"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
	"github.com/vyrodovalexey/mcpgw/internal/session"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/upstream"
)

// DefaultEvaluationTimeout bounds policy evaluation when none is configured.
const DefaultEvaluationTimeout = 100 * time.Millisecond

// Rejection reasons.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonInvalidMessage = "invalid_message"
	ReasonPolicyBlock    = "policy_block"
	ReasonPolicyRedirect = "policy_redirect"
	ReasonPolicyTimeout  = "policy_timeout"
	ReasonCancelled      = "cancelled"
	ReasonStreamError    = "stream_error"
	ReasonInternal       = "internal"
)

// Authenticator validates credentials.
type Authenticator interface {
	Enabled() bool
	Authenticate(ctx context.Context, cred auth.Credential, sessionID string, info auth.RequestInfo) (*auth.AuthContext, error)
	Logout(sessionID string) int
}

// Limiter admits or rejects requests.
type Limiter interface {
	Check(ctx context.Context, rc *reqctx.RequestContext) error
}

// Evaluator evaluates policy rules.
type Evaluator interface {
	Evaluate(ctx context.Context, rc *reqctx.RequestContext) policy.Decision
}

// Dispatcher sends messages to upstreams.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, req *transport.Request) (*upstream.Response, error)
	Has(name string) bool
	DefaultUpstream() string
}

// Config configures a Pipeline.
type Config struct {
	// EvaluationTimeout bounds policy evaluation.
	EvaluationTimeout time.Duration

	// ForwardHeaders lists the client headers copied to upstreams. Empty
	// means transport.DefaultForwardHeaders.
	ForwardHeaders []string
}

// Envelope is one inbound request as seen by the pipeline.
type Envelope struct {
	Method        string
	Path          string
	Upstream      string
	Headers       http.Header
	SessionID     string
	ClientAddress string
	RequestID     string
	Body          []byte
}

// Option is a functional option for the Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the pipeline metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithGatewayMetrics sets the gateway-level request and stage metrics.
func WithGatewayMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.gatewayMetrics = metrics
	}
}

// WithTracer sets the tracer used for request and stage spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// WithAuditLogger sets the audit logger for outcomes no stage records.
func WithAuditLogger(logger audit.Logger) Option {
	return func(p *Pipeline) {
		p.audit = logger
	}
}

// WithSessionStore sets the store that records MCP session state.
func WithSessionStore(store session.Store) Option {
	return func(p *Pipeline) {
		p.sessions = store
	}
}

// WithCodec sets the codec used to decode client messages.
func WithCodec(codec transport.Codec) Option {
	return func(p *Pipeline) {
		p.codec = codec
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline composes the admission stages and dispatch.
type Pipeline struct {
	config     Config
	auth       Authenticator
	limiter    Limiter
	policy     Evaluator
	dispatcher Dispatcher
	headers    *transport.HeaderPolicy

	sessions       session.Store
	audit          audit.Logger
	codec          transport.Codec
	logger         observability.Logger
	metrics        *Metrics
	gatewayMetrics *observability.Metrics
	tracer         *observability.Tracer
	now            func() time.Time
}

// New creates a Pipeline. Every stage is required.
func New(
	cfg Config,
	authenticator Authenticator,
	limiter Limiter,
	evaluator Evaluator,
	dispatcher Dispatcher,
	opts ...Option,
) (*Pipeline, error) {
	switch {
	case authenticator == nil:
		return nil, errors.New("pipeline requires an authenticator")
	case limiter == nil:
		return nil, errors.New("pipeline requires a rate limiter")
	case evaluator == nil:
		return nil, errors.New("pipeline requires a policy evaluator")
	case dispatcher == nil:
		return nil, errors.New("pipeline requires a dispatcher")
	}

	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = DefaultEvaluationTimeout
	}

	p := &Pipeline{
		config:     cfg,
		auth:       authenticator,
		limiter:    limiter,
		policy:     evaluator,
		dispatcher: dispatcher,
		headers:    transport.NewHeaderPolicy(cfg.ForwardHeaders...),
		codec:      transport.JSONCodec{},
		audit:      audit.NewNoopLogger(),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.metrics == nil {
		p.metrics = NewMetrics("", nil)
	}

	return p, nil
}

// Process runs env through every stage. The returned Outcome is never nil.
// When Outcome.Response is set the caller must Close it.
func (p *Pipeline) Process(ctx context.Context, env *Envelope) *Outcome {
	rc := reqctx.New(env.Method, env.Path, env.Headers)
	rc.SessionID = env.SessionID
	rc.ClientAddress = env.ClientAddress
	rc.RequestID = env.RequestID
	rc.Body = env.Body
	rc.ReceivedAt = p.now()

	ctx = observability.ContextWithRequestID(ctx, env.RequestID)
	if env.SessionID != "" {
		ctx = observability.ContextWithSessionID(ctx, env.SessionID)
	}

	ctx, span := p.tracer.StartSpan(ctx, "pipeline.process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcpgw.upstream", env.Upstream),
			attribute.String("http.request.method", env.Method),
		),
	)

	out := p.process(ctx, rc, env)
	out.Upstream = env.Upstream

	span.SetAttributes(
		attribute.String("mcpgw.outcome.stage", string(out.Stage)),
		attribute.Int("http.response.status_code", out.Status),
	)
	observability.EndSpan(span, out.Err)

	if out.Rejected() {
		p.metrics.recordRejection(out.Stage, out.Reason)
		if !out.stageAudited() {
			p.auditRequest(ctx, rc, env.Upstream, out)
		}
	}
	return out
}

// auditRequest records a request that ended without an event from the
// stage that stopped it.
func (p *Pipeline) auditRequest(ctx context.Context, rc *reqctx.RequestContext, name string, out *Outcome) {
	outcome := audit.OutcomeFailure
	switch {
	case out.Cancelled():
		outcome = audit.OutcomeCancelled
	case out.Status >= http.StatusInternalServerError:
		outcome = audit.OutcomeError
	}

	e := audit.NewEvent(audit.EventRequest, outcome).
		WithSession(rc.SessionID).
		WithRequest(rc.RequestID).
		WithDetails(map[string]string{
			"stage":          string(out.Stage),
			"reason":         out.Reason,
			"status":         strconv.Itoa(out.Status),
			"method":         rc.Method,
			"path":           rc.Path,
			"upstream":       name,
			"client_address": rc.ClientAddress,
		})
	if out.Err != nil {
		e = e.WithDetail("error", out.Err.Error())
	}
	p.audit.Log(ctx, e)
}

// auditStream records a streamed reply that ended before the upstream
// finished it. The dispatch event was already written when the stream
// opened.
func (p *Pipeline) auditStream(ctx context.Context, env *Envelope, out *Outcome, events int, err error) {
	outcome, reason := audit.OutcomeFailure, ReasonStreamError
	if ctx.Err() != nil {
		outcome, reason = audit.OutcomeCancelled, ReasonCancelled
	}

	e := audit.NewEvent(audit.EventRequest, outcome).
		WithSession(env.SessionID).
		WithRequest(env.RequestID).
		WithDetails(map[string]string{
			"stage":    string(StageStream),
			"reason":   reason,
			"upstream": out.Upstream,
			"target":   out.Response.Target,
			"events":   strconv.Itoa(events),
		})
	if err != nil {
		e = e.WithDetail("error", err.Error())
	}
	p.audit.Log(ctx, e)
}

func (p *Pipeline) process(ctx context.Context, rc *reqctx.RequestContext, env *Envelope) *Outcome {
	if out := p.runStage(ctx, StageAuth, rc, p.authenticate); out != nil {
		return out
	}
	if out := p.runStage(ctx, StageRateLimit, rc, p.checkRateLimit); out != nil {
		return out
	}

	msg, err := p.codec.Decode(rc.Body)
	if err != nil {
		return &Outcome{
			Stage:  StageDecode,
			Status: http.StatusBadRequest,
			Err:    err,
			Reason: ReasonInvalidMessage,
		}
	}
	rc.RPCMethod = msg.Method

	var decision policy.Decision
	if out := p.runStage(ctx, StagePolicy, rc, func(ctx context.Context, rc *reqctx.RequestContext) *Outcome {
		var out *Outcome
		decision, out = p.evaluate(ctx, rc)
		return out
	}); out != nil {
		out.MessageID = msg.ID
		return out
	}

	var out *Outcome
	p.runStage(ctx, StageDispatch, rc, func(ctx context.Context, rc *reqctx.RequestContext) *Outcome {
		out = p.dispatch(ctx, rc, env.Upstream, msg, decision)
		return nil
	})
	out.Decision = &decision
	out.MessageID = msg.ID
	return out
}

// runStage wraps fn in a stage span and records its duration.
func (p *Pipeline) runStage(
	ctx context.Context,
	stage Stage,
	rc *reqctx.RequestContext,
	fn func(context.Context, *reqctx.RequestContext) *Outcome,
) *Outcome {
	start := time.Now()
	ctx, span := p.tracer.StartSpan(ctx, "pipeline."+string(stage),
		observability.StageAttributes(string(stage), rc.EndpointKey()))

	out := fn(ctx, rc)

	var err error
	if out != nil {
		err = out.Err
	}
	observability.EndSpan(span, err)
	if p.gatewayMetrics != nil {
		p.gatewayMetrics.ObserveStage(string(stage), time.Since(start))
	}
	return out
}

func (p *Pipeline) authenticate(ctx context.Context, rc *reqctx.RequestContext) *Outcome {
	cred := auth.CredentialFromHeader(rc.Headers)
	if cred.IsEmpty() && !p.auth.Enabled() {
		return nil
	}

	authCtx, err := p.auth.Authenticate(ctx, cred, rc.SessionID, auth.RequestInfo{
		ClientAddress: rc.ClientAddress,
		RequestID:     rc.RequestID,
		Method:        rc.Method,
		Path:          rc.Path,
	})
	if err != nil {
		return authOutcome(err)
	}

	if err := rc.AttachAuth(authCtx); err != nil {
		return &Outcome{Stage: StageAuth, Status: http.StatusInternalServerError, Err: err, Reason: ReasonInternal}
	}
	return nil
}

// authOutcome maps an authentication error to its response.
func authOutcome(err error) *Outcome {
	out := &Outcome{Stage: StageAuth, Err: err, Reason: string(auth.KindOf(err))}

	var authErr *auth.AuthError
	switch {
	case errors.As(err, &authErr) && authErr.Kind == auth.KindRateLimited:
		out.Status = http.StatusTooManyRequests
		out.RetryAfter = authErr.RetryAfter
	case errors.As(err, &authErr) && authErr.Kind == auth.KindVerifierUnavailable:
		out.Status = http.StatusServiceUnavailable
	case errors.As(err, &authErr):
		out.Status = http.StatusUnauthorized
	case errors.Is(err, context.Canceled):
		out.Status = StatusClientClosedRequest
		out.Reason = ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		out.Status = http.StatusServiceUnavailable
		out.Reason = string(auth.KindVerifierUnavailable)
	default:
		out.Status = http.StatusInternalServerError
		out.Reason = ReasonInternal
	}
	return out
}

func (p *Pipeline) checkRateLimit(ctx context.Context, rc *reqctx.RequestContext) *Outcome {
	err := p.limiter.Check(ctx, rc)
	if err == nil {
		return nil
	}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return &Outcome{
			Stage:      StageRateLimit,
			Status:     http.StatusTooManyRequests,
			Err:        err,
			Reason:     ReasonRateLimited,
			RetryAfter: exceeded.RetryAfter,
		}
	}
	if ctx.Err() != nil {
		return &Outcome{Stage: StageRateLimit, Status: StatusClientClosedRequest, Err: err, Reason: ReasonCancelled}
	}
	return &Outcome{Stage: StageRateLimit, Status: http.StatusInternalServerError, Err: err, Reason: ReasonInternal}
}

// evaluate runs the policy under the evaluation timeout. An evaluation cut
// short by the timeout fails closed.
func (p *Pipeline) evaluate(ctx context.Context, rc *reqctx.RequestContext) (policy.Decision, *Outcome) {
	evalCtx, cancel := context.WithTimeout(ctx, p.config.EvaluationTimeout)
	defer cancel()

	d := p.policy.Evaluate(evalCtx, rc)

	if err := ctx.Err(); err != nil {
		return d, &Outcome{Stage: StagePolicy, Status: StatusClientClosedRequest, Err: err, Reason: ReasonCancelled}
	}
	if err := evalCtx.Err(); err != nil {
		return d, &Outcome{Stage: StagePolicy, Status: http.StatusServiceUnavailable, Err: err, Reason: ReasonPolicyTimeout}
	}

	switch d.Kind {
	case policy.DecisionBlock:
		return d, &Outcome{Stage: StagePolicy, Status: d.Status, Decision: &d, Reason: ReasonPolicyBlock}
	case policy.DecisionRedirect:
		return d, &Outcome{Stage: StagePolicy, Status: d.Status, Decision: &d, Reason: ReasonPolicyRedirect}
	default:
		return d, nil
	}
}

func (p *Pipeline) dispatch(
	ctx context.Context,
	rc *reqctx.RequestContext,
	name string,
	msg *transport.Message,
	decision policy.Decision,
) *Outcome {
	headers := p.headers.Filter(rc.Headers)
	decision.ApplyHeaders(headers)
	observability.InjectTraceContext(ctx, headers)

	req := &transport.Request{
		Body:            rc.Body,
		SessionID:       rc.SessionID,
		ProtocolVersion: rc.Header(transport.HeaderProtocolVersion),
		Headers:         headers,
	}
	if msg.IsRequest() {
		req.ID = msg.ID
	}

	resp, err := p.dispatcher.Dispatch(ctx, name, req)
	if err != nil {
		return dispatchOutcome(err)
	}

	p.recordSession(ctx, rc, msg, resp)

	return &Outcome{Stage: StageDispatch, Status: resp.Status, Response: resp}
}

// dispatchOutcome maps a dispatch error to its response.
func dispatchOutcome(err error) *Outcome {
	out := &Outcome{Stage: StageDispatch, Err: err, Reason: string(upstream.KindOf(err))}

	var dispatchErr *upstream.DispatchError
	switch {
	case errors.Is(err, upstream.ErrUnknownUpstream):
		out.Status = http.StatusNotFound
	case errors.As(err, &dispatchErr) && dispatchErr.Unavailable():
		out.Status = http.StatusServiceUnavailable
	case upstream.KindOf(err) == upstream.KindTimeout:
		out.Status = http.StatusGatewayTimeout
	case upstream.KindOf(err) == upstream.KindCancelled:
		out.Status = StatusClientClosedRequest
	case upstream.KindOf(err) == upstream.KindUpstream:
		out.Status = http.StatusBadGateway
	default:
		out.Status = http.StatusInternalServerError
	}
	if out.Reason == "" {
		out.Reason = ReasonInternal
	}
	return out
}

// initializeParams is the subset of initialize params kept in the session.
type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// recordSession stores the negotiated state of the session the reply
// belongs to. Store failures are logged and never fail the request.
func (p *Pipeline) recordSession(
	ctx context.Context,
	rc *reqctx.RequestContext,
	msg *transport.Message,
	resp *upstream.Response,
) {
	if p.sessions == nil {
		return
	}

	id := resp.SessionID
	if id == "" {
		id = rc.SessionID
	}
	if id == "" {
		return
	}

	sess, err := p.sessions.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			p.metrics.recordSession("get", err)
			p.logger.WithContext(ctx).Warn("session lookup failed",
				observability.String("session_id", id),
				observability.Error(err))
			return
		}
		sess = &session.Session{ID: id}
	}

	if v := rc.Header(transport.HeaderProtocolVersion); v != "" {
		sess.ProtocolVersion = v
	}
	if msg.Method == "initialize" && len(msg.Params) > 0 {
		var params initializeParams
		if json.Unmarshal(msg.Params, &params) == nil {
			if params.ProtocolVersion != "" {
				sess.ProtocolVersion = params.ProtocolVersion
			}
			if len(params.Capabilities) > 0 {
				sess.Capabilities = params.Capabilities
			}
		}
	}

	sess.ResponseMode = session.ResponseModeBuffered
	if resp.Streaming() {
		sess.ResponseMode = session.ResponseModeStream
	}

	err = p.sessions.Update(ctx, sess)
	p.metrics.recordSession("update", err)
	if err != nil {
		p.logger.WithContext(ctx).Warn("session update failed",
			observability.String("session_id", id),
			observability.Error(err))
	}
}

// Logout authenticates env and ends its session: cached validations bound
// to the session are revoked and the stored session state is deleted.
func (p *Pipeline) Logout(ctx context.Context, env *Envelope) *Outcome {
	rc := reqctx.New(env.Method, env.Path, env.Headers)
	rc.SessionID = env.SessionID
	rc.ClientAddress = env.ClientAddress
	rc.RequestID = env.RequestID

	ctx = observability.ContextWithRequestID(ctx, env.RequestID)
	ctx = observability.ContextWithSessionID(ctx, env.SessionID)

	if out := p.runStage(ctx, StageAuth, rc, p.authenticate); out != nil {
		p.metrics.recordRejection(out.Stage, out.Reason)
		return out
	}

	revoked := p.auth.Logout(env.SessionID)

	if p.sessions != nil {
		err := p.sessions.Delete(ctx, env.SessionID)
		p.metrics.recordSession("delete", err)
		if err != nil {
			p.logger.WithContext(ctx).Warn("session delete failed",
				observability.String("session_id", env.SessionID),
				observability.Error(err))
		}
	}

	p.logger.WithContext(ctx).Info("session ended",
		observability.Int("revoked", revoked))

	return &Outcome{Stage: StageAuth, Status: http.StatusNoContent}
}

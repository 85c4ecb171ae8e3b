package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/mcpgw/internal/middleware"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
)

// JSON-RPC error code for requests the gateway refused.
const codeGatewayRejected = -32000

// upstreamParam is the route parameter naming the upstream.
const upstreamParam = "upstream"

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Handler serves the MCP endpoint. Requests to the base path go to the
// default upstream, requests to basePath/{name} to the named upstream.
type Handler struct {
	pipeline *Pipeline
	basePath string
	engine   *gin.Engine
}

// NewHandler creates a Handler for p mounted at basePath.
func NewHandler(p *Pipeline, basePath string) *Handler {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	h := &Handler{
		pipeline: p,
		basePath: strings.TrimSuffix(basePath, "/"),
	}

	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.HandleMethodNotAllowed = true
	h.engine = engine
	h.setupRoutes()

	return h
}

// setupRoutes registers the MCP routes on the gin engine.
func (h *Handler) setupRoutes() {
	base := h.basePath
	if base == "" {
		base = "/"
	}
	named := h.basePath + "/:" + upstreamParam

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		h.engine.Handle(method, base, h.handle)
		h.engine.Handle(method, named, h.handle)
	}

	h.engine.NoRoute(h.notFound)
	h.engine.NoMethod(h.methodNotAllowed)
}

// Engine returns the gin engine.
func (h *Handler) Engine() *gin.Engine {
	return h.engine
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

// upstream resolves the upstream a route addresses. An empty name selects
// the default upstream.
func (h *Handler) upstream(name string) (string, bool) {
	d := h.pipeline.dispatcher
	if name == "" {
		name = d.DefaultUpstream()
		return name, name != ""
	}
	return name, d.Has(name)
}

func (h *Handler) notFound(c *gin.Context) {
	writeRPCError(c.Writer, http.StatusNotFound, nil, codeGatewayRejected, "unknown upstream")
	h.record(c.Request.Method, "unknown", http.StatusNotFound, time.Now())
}

func (h *Handler) methodNotAllowed(c *gin.Context) {
	status := http.StatusMethodNotAllowed
	c.Header("Allow", http.MethodPost+", "+http.MethodDelete)
	writeRPCError(c.Writer, status, nil, transport.CodeInvalidRequest, http.StatusText(status))
	h.record(c.Request.Method, "unknown", status, time.Now())
}

func (h *Handler) handle(c *gin.Context) {
	start := time.Now()
	w, r := c.Writer, c.Request

	name, ok := h.upstream(c.Param(upstreamParam))
	if !ok {
		h.notFound(c)
		return
	}

	gm := h.pipeline.gatewayMetrics
	if gm != nil {
		gm.IncActive()
		defer gm.DecActive()
	}

	ctx := observability.ExtractTraceContext(r.Context(), r.Header)
	env := &Envelope{
		Method:        r.Method,
		Path:          r.URL.Path,
		Upstream:      name,
		Headers:       r.Header,
		SessionID:     r.Header.Get(transport.HeaderSessionID),
		ClientAddress: middleware.ClientIPFromRequest(r),
		RequestID:     observability.RequestIDFromContext(ctx),
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}

	var status int
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			status = http.StatusBadRequest
			if errors.Is(err, middleware.ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeRPCError(w, status, nil, transport.CodeInvalidRequest, http.StatusText(status))
			break
		}
		env.Body = body
		status = h.write(w, r, env, h.pipeline.Process(ctx, env))
	case http.MethodDelete:
		if env.SessionID == "" {
			status = http.StatusBadRequest
			writeRPCError(w, status, nil, transport.CodeInvalidRequest, "missing "+transport.HeaderSessionID+" header")
			break
		}
		status = h.write(w, r, env, h.pipeline.Logout(ctx, env))
	}

	h.record(r.Method, name, status, start)
}

func (h *Handler) record(method, endpoint string, status int, start time.Time) {
	if gm := h.pipeline.gatewayMetrics; gm != nil {
		gm.RecordRequest(method, endpoint, status, time.Since(start))
	}
}

// write renders out and returns the status sent.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, env *Envelope, out *Outcome) int {
	if out.Cancelled() {
		if out.Response != nil {
			_ = out.Response.Close()
		}
		return out.Status
	}

	if out.Response == nil {
		return h.writeRejection(w, out)
	}

	resp := out.Response
	defer func() { _ = resp.Close() }()

	if resp.SessionID != "" {
		w.Header().Set(transport.HeaderSessionID, resp.SessionID)
	}
	if resp.Streaming() {
		h.relay(w, r, env, out)
		return resp.Status
	}

	if len(resp.Body) == 0 {
		w.WriteHeader(resp.Status)
		return resp.Status
	}
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = middleware.ContentTypeJSON
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	return resp.Status
}

// relay copies a streamed reply to the client as server-sent events,
// flushing after every event. A stream cut short by the client or the
// upstream is audited.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, env *Envelope, out *Outcome) {
	resp := out.Response
	ctx := r.Context()
	logger := h.pipeline.logger.WithContext(ctx)

	h.pipeline.metrics.streams.Inc()
	defer h.pipeline.metrics.streams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.Status)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	events := 0
	for {
		data, err := resp.Stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("upstream stream ended with error",
					observability.String("upstream", out.Upstream),
					observability.String("target", resp.Target),
					observability.Int("events", events),
					observability.Error(err))
			}
			h.pipeline.auditStream(ctx, env, out, events, err)
			return
		}

		if err := transport.WriteEvent(w, "", data); err != nil {
			logger.Debug("client stream write failed", observability.Error(err))
			h.pipeline.auditStream(ctx, env, out, events, err)
			return
		}
		events++
		if flusher != nil {
			flusher.Flush()
		}
	}

	logger.Debug("stream relayed",
		observability.String("target", resp.Target),
		observability.Int("events", events))
}

func (h *Handler) writeRejection(w http.ResponseWriter, out *Outcome) int {
	switch {
	case out.Stage == StageAuth && out.Status == http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgw"`)
	case out.Status == http.StatusTooManyRequests:
		w.Header().Set("Retry-After", retryAfterSeconds(out.RetryAfter))
	}

	if out.Status == http.StatusNoContent {
		w.WriteHeader(out.Status)
		return out.Status
	}

	if d := out.Decision; d != nil && out.Stage == StagePolicy {
		if d.Location != "" {
			w.Header().Set("Location", d.Location)
			w.WriteHeader(out.Status)
			return out.Status
		}
		writeBody(w, out.Status, d.Body)
		return out.Status
	}

	code := codeGatewayRejected
	if out.Stage == StageDecode {
		code = transport.CodeParseError
	}
	writeRPCError(w, out.Status, out.MessageID, code, rejectionMessage(out))
	return out.Status
}

// rejectionMessage returns the client-facing message for out. Error
// details stay in the logs.
func rejectionMessage(out *Outcome) string {
	if out.Reason != "" {
		return strings.ReplaceAll(out.Reason, "_", " ")
	}
	return http.StatusText(out.Status)
}

// retryAfterSeconds rounds d up to whole seconds, never less than one.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// writeBody writes a policy body as JSON when it is JSON, as text otherwise.
func writeBody(w http.ResponseWriter, status int, body string) {
	if json.Valid([]byte(body)) {
		w.Header().Set("Content-Type", middleware.ContentTypeJSON)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeRPCError(w http.ResponseWriter, status int, id []byte, code int, message string) {
	body, err := json.Marshal(transport.NewErrorResponse(id, code, message))
	if err != nil {
		body = []byte(middleware.ErrInternalServerError)
	}
	w.Header().Set("Content-Type", middleware.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

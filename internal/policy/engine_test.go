package policy

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/auth"
)

type engineHarness struct {
	engine  *Engine
	sink    *audit.MemorySink
	audit   *audit.AsyncLogger
	metrics *Metrics
}

func newEngineHarness(t *testing.T, cfg Config, rules []Rule) *engineHarness {
	t.Helper()

	sink := audit.NewMemorySink()
	auditLogger, err := audit.NewAsyncLogger(audit.DefaultConfig(), sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLogger.Close() })

	metrics := NewMetrics("test", prometheus.NewRegistry())
	engine, err := NewEngine(cfg, rules, WithAuditLogger(auditLogger), WithMetrics(metrics))
	require.NoError(t, err)

	return &engineHarness{engine: engine, sink: sink, audit: auditLogger, metrics: metrics}
}

func (h *engineHarness) policyEvents(t *testing.T) []audit.Event {
	t.Helper()
	require.NoError(t, h.audit.Close())
	return h.sink.OfType(audit.EventPolicyEnforcement)
}

func adminOnlyRule() Rule {
	return Rule{
		ID:        "admin-only",
		Priority:  100,
		Enabled:   true,
		Condition: And(PathPrefix("/admin/"), Not(ScopeAny("admin"))),
		Actions:   []Action{Block(http.StatusForbidden, "admin scope required")},
	}
}

func TestEngine_AdminScenario(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, Config{}, []Rule{adminOnlyRule()})
	ctx := context.Background()

	rc := newRequest(t, http.MethodGet, "/admin/users", &auth.Claims{Subject: "bob", Scopes: []string{"read"}})
	d := h.engine.Evaluate(ctx, rc)

	assert.Equal(t, DecisionBlock, d.Kind)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Equal(t, "admin scope required", d.Body)
	assert.Equal(t, "admin-only", d.RuleID)
	assert.True(t, d.Terminal())

	admin := newRequest(t, http.MethodGet, "/admin/users", adminClaims())
	d = h.engine.Evaluate(ctx, admin)
	assert.Equal(t, DecisionAllow, d.Kind)
	assert.True(t, d.Default)

	events := h.policyEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, "admin-only", events[0].Detail["rule_id"])
	assert.Equal(t, `and(path.prefix("/admin/"), not(auth.scope.any[admin]))`, events[0].Detail["condition"])
	assert.Equal(t, "403", events[0].Detail["status"])
	assert.Equal(t, "bob", events[0].Detail["identity"])
}

func TestEngine_RulePrecedence(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{ID: "low", Priority: 1, Enabled: true, Condition: PathPrefix("/"), Actions: []Action{Block(451, "low")}},
		{ID: "high", Priority: 10, Enabled: true, Condition: PathPrefix("/mcp"), Actions: []Action{Block(418, "high")}},
	}
	h := newEngineHarness(t, Config{}, rules)

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodPost, "/mcp", nil))
	assert.Equal(t, "high", d.RuleID)
	assert.Equal(t, 418, d.Status)
	assert.Equal(t, []string{"high", "low"}, h.engine.Snapshot().RuleIDs())
}

func TestEngine_EqualPriorityOrdersByID(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{ID: "b", Priority: 5, Enabled: true, Condition: Always(), Actions: []Action{Block(0, "b")}},
		{ID: "a", Priority: 5, Enabled: true, Condition: Always(), Actions: []Action{Block(0, "a")}},
	}
	h := newEngineHarness(t, Config{}, rules)

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodPost, "/mcp", nil))
	assert.Equal(t, "a", d.RuleID)
	assert.Equal(t, DefaultDenyStatus, d.Status)
}

func TestEngine_MutateAccumulates(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{ID: "tag", Priority: 20, Enabled: true, Condition: Always(), Actions: []Action{
			SetHeader("X-Gateway", "mcpgw"), Log("tagged"),
		}},
		{ID: "strip", Priority: 10, Enabled: true, Condition: HeaderPresent("User-Agent"), Actions: []Action{
			RemoveHeader("User-Agent"),
		}},
		{ID: "disabled", Priority: 5, Enabled: false, Condition: Always(), Actions: []Action{Block(0, "")}},
	}
	h := newEngineHarness(t, Config{}, rules)

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodPost, "/mcp", nil))
	require.Equal(t, DecisionMutate, d.Kind)
	assert.Equal(t, []HeaderOp{
		{Name: "X-Gateway", Value: "mcpgw"},
		{Remove: true, Name: "User-Agent"},
	}, d.HeaderOps)

	h2 := http.Header{"User-Agent": {"x"}}
	d.ApplyHeaders(h2)
	assert.Equal(t, "mcpgw", h2.Get("X-Gateway"))
	assert.Empty(t, h2.Get("User-Agent"))

	assert.Empty(t, h.policyEvents(t))
}

func TestEngine_TerminalStopsActions(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{ID: "allow-health", Priority: 10, Enabled: true, Condition: PathExact("/health"), Actions: []Action{
			SetHeader("X-Before", "1"), Allow(), SetHeader("X-After", "1"),
		}},
		{ID: "deny-all", Priority: 1, Enabled: true, Condition: Always(), Actions: []Action{Block(0, "")}},
	}
	h := newEngineHarness(t, Config{}, rules)

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodGet, "/health", nil))
	assert.Equal(t, DecisionAllow, d.Kind)
	assert.False(t, d.Default)
	assert.Equal(t, []HeaderOp{{Name: "X-Before", Value: "1"}}, d.HeaderOps)

	events := h.policyEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, "allow", events[0].Detail["decision"])
}

func TestEngine_Redirect(t *testing.T) {
	t.Parallel()

	rules := []Rule{{
		ID: "moved", Priority: 1, Enabled: true,
		Condition: PathPrefix("/old"),
		Actions:   []Action{Redirect("https://example.com/new", 0)},
	}}
	h := newEngineHarness(t, Config{}, rules)

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodGet, "/old/x", nil))
	assert.Equal(t, DecisionRedirect, d.Kind)
	assert.Equal(t, http.StatusFound, d.Status)
	assert.Equal(t, "https://example.com/new", d.Location)
}

func TestEngine_DefaultDeny(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, Config{DefaultAction: DefaultDeny, DenyStatus: 401, DenyBody: "nope"}, nil)

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodGet, "/", nil))
	assert.Equal(t, DecisionBlock, d.Kind)
	assert.Equal(t, 401, d.Status)
	assert.Equal(t, "nope", d.Body)
	assert.True(t, d.Default)

	events := h.policyEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, "default", events[0].Detail["rule_id"])

	_, err := NewEngine(Config{DefaultAction: "maybe"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestEngine_PanicIsNonMatch(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, Config{}, nil)

	// Install a snapshot holding a condition Compile would reject.
	h.engine.snapshot.Store(&Snapshot{version: 1, rules: []Rule{
		{ID: "broken", Enabled: true, Condition: Condition{Kind: ConditionKind(77)}, Actions: []Action{Block(0, "")}},
	}})

	d := h.engine.Evaluate(context.Background(), newRequest(t, http.MethodGet, "/", nil))
	assert.Equal(t, DecisionAllow, d.Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.evaluationErrors))
}

func TestEngine_ReloadKeepsSnapshotOnError(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, Config{}, []Rule{adminOnlyRule()})
	v1 := h.engine.Version()

	err := h.engine.Reload([]Rule{{ID: "bad", Enabled: true, Condition: PathRegex("("), Actions: []Action{Allow()}}})
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Equal(t, v1, h.engine.Version())

	require.NoError(t, h.engine.Reload(nil))
	assert.Greater(t, h.engine.Version(), v1)
	assert.Zero(t, h.engine.Snapshot().Len())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.reloadsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.reloadsTotal.WithLabelValues("success")))
}

func TestEngine_CancelledContextStops(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, Config{}, []Rule{
		{ID: "block", Priority: 1, Enabled: true, Condition: Always(), Actions: []Action{Block(0, "")}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := h.engine.Evaluate(ctx, newRequest(t, http.MethodGet, "/", nil))
	assert.True(t, d.Default)
}

// generation builds a rule set where every decision carries its version
// tag in both a header op and the block body.
func generation(tag string) []Rule {
	return []Rule{
		{ID: "tag", Priority: 10, Enabled: true, Condition: Always(), Actions: []Action{SetHeader("X-Gen", tag)}},
		{ID: "block", Priority: 1, Enabled: true, Condition: Always(), Actions: []Action{Block(0, tag)}},
	}
}

func TestEngine_HotReloadAtomicity(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, Config{}, generation("A"))
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			tag := "A"
			if i%2 == 0 {
				tag = "B"
			}
			_ = h.engine.Reload(generation(tag))
		}
	}()

	var mixed sync.Map
	var readers sync.WaitGroup
	for r := 0; r < 8; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 500; i++ {
				d := h.engine.Evaluate(ctx, newRequest(t, http.MethodGet, "/", nil))
				if len(d.HeaderOps) != 1 || d.HeaderOps[0].Value != d.Body {
					mixed.Store(i, d)
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	wg.Wait()

	count := 0
	mixed.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count)
}

func TestCompile_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rules []Rule
	}{
		{name: "missing id", rules: []Rule{{Condition: Always(), Actions: []Action{Allow()}}}},
		{name: "duplicate id", rules: []Rule{
			{ID: "a", Condition: Always(), Actions: []Action{Allow()}},
			{ID: "a", Condition: Always(), Actions: []Action{Allow()}},
		}},
		{name: "no actions", rules: []Rule{{ID: "a", Condition: Always()}}},
		{name: "bad block status", rules: []Rule{{ID: "a", Condition: Always(), Actions: []Action{Block(200, "")}}}},
		{name: "redirect without location", rules: []Rule{{ID: "a", Condition: Always(), Actions: []Action{Redirect("", 0)}}}},
		{name: "set authorization", rules: []Rule{{ID: "a", Condition: Always(), Actions: []Action{SetHeader("authorization", "x")}}}},
		{name: "unknown action", rules: []Rule{{ID: "a", Condition: Always(), Actions: []Action{{Kind: ActionKind(9)}}}}},
		{name: "disabled rule still validated", rules: []Rule{{ID: "a", Condition: PathRegex("("), Actions: []Action{Allow()}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Compile(tt.rules)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestCompile_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	rules := []Rule{{ID: "a", Enabled: true, Condition: Methods("get"), Actions: []Action{Allow()}}}
	_, err := Compile(rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"get"}, rules[0].Condition.Method.Methods)
}

package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/mcpgw/internal/reqctx"
	"github.com/vyrodovalexey/mcpgw/internal/util"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingStore wraps a store and remembers the keys taken.
type recordingStore struct {
	store.Store
	mu   sync.Mutex
	keys []string
	err  error
}

func (s *recordingStore) Take(ctx context.Context, key string, limit store.Limit, now time.Time) (store.Result, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return store.Result{}, err
	}
	return s.Store.Take(ctx, key, limit, now)
}

func (s *recordingStore) taken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type limiterHarness struct {
	limiter *Limiter
	store   *recordingStore
	audit   *audit.AsyncLogger
	sink    *audit.MemorySink
	metrics *Metrics
}

func newLimiterHarness(t *testing.T, cfg Config) *limiterHarness {
	t.Helper()

	sink := audit.NewMemorySink()
	auditLogger, err := audit.NewAsyncLogger(audit.DefaultConfig(), sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLogger.Close() })

	rec := &recordingStore{Store: store.NewMemoryStore()}
	metrics := NewMetrics("test", prometheus.NewRegistry())

	l, err := New(cfg, rec,
		WithAuditLogger(auditLogger),
		WithMetrics(metrics),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)

	return &limiterHarness{limiter: l, store: rec, audit: auditLogger, sink: sink, metrics: metrics}
}

func (h *limiterHarness) events(t *testing.T) []audit.Event {
	t.Helper()
	require.NoError(t, h.audit.Close())
	return h.sink.OfType(audit.EventRateLimitExceeded)
}

func newRequest(session, addr, path string) *reqctx.RequestContext {
	rc := reqctx.New(http.MethodPost, path, nil)
	rc.SessionID = session
	rc.ClientAddress = addr
	rc.RequestID = "req-1"
	return rc
}

func allTiers(rpm, burst int) map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierGlobal:   {RequestsPerMinute: rpm, BurstSize: burst, Enabled: true},
		TierSession:  {RequestsPerMinute: rpm, BurstSize: burst, Enabled: true},
		TierIdentity: {RequestsPerMinute: rpm, BurstSize: burst, Enabled: true},
		TierEndpoint: {RequestsPerMinute: rpm, BurstSize: burst, Enabled: true},
	}
}

func TestLimiter_ChecksTiersInOrder(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: allTiers(60, 10)})
	rc := newRequest("s1", "10.0.0.1", "/mcp/42")

	require.NoError(t, h.limiter.Check(context.Background(), rc))

	assert.Equal(t, []string{
		"global",
		"session:s1",
		"identity:addr:10.0.0.1",
		"endpoint:POST /mcp/{id}",
	}, h.store.taken())
}

func TestLimiter_CustomOrder(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{
		Order: []Tier{TierEndpoint, TierGlobal},
		Tiers: allTiers(60, 10),
	})

	require.NoError(t, h.limiter.Check(context.Background(), newRequest("s1", "a", "/mcp")))
	assert.Equal(t, []string{"endpoint:POST /mcp", "global"}, h.store.taken())
}

// TestLimiter_ShortCircuit checks that an exhausted global tier stops
// evaluation before the identity-specific tiers are charged.
func TestLimiter_ShortCircuit(t *testing.T) {
	t.Parallel()

	tiers := allTiers(60, 10)
	tiers[TierGlobal] = TierConfig{RequestsPerMinute: 60, BurstSize: 1, Enabled: true}
	h := newLimiterHarness(t, Config{Tiers: tiers})

	require.NoError(t, h.limiter.Check(context.Background(), newRequest("s1", "a", "/mcp")))
	err := h.limiter.Check(context.Background(), newRequest("s1", "a", "/mcp"))

	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, TierGlobal, exceeded.Tier)
	assert.Equal(t, time.Second, exceeded.RetryAfter)
	assert.Equal(t, 60, exceeded.Limit)
	assert.Len(t, h.store.taken(), 5)
}

func TestLimiter_SkipsDisabledTiers(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierGlobal:   {RequestsPerMinute: 1, BurstSize: 1, Enabled: false},
		TierIdentity: {RequestsPerMinute: 60, BurstSize: 5, Enabled: true},
	}})

	for i := 0; i < 5; i++ {
		require.NoError(t, h.limiter.Check(context.Background(), newRequest("", "a", "/mcp")))
	}
	assert.Equal(t, "identity:addr:a", h.store.taken()[0])
	assert.Len(t, h.store.taken(), 5)
}

func TestLimiter_SessionTierNeedsSession(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierSession: {RequestsPerMinute: 1, BurstSize: 1, Enabled: true},
	}})

	for i := 0; i < 3; i++ {
		require.NoError(t, h.limiter.Check(context.Background(), newRequest("", "a", "/mcp")))
	}
	assert.Empty(t, h.store.taken())
}

func TestLimiter_IdentityUsesSubject(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierIdentity: {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
	}})

	alice := newRequest("", "10.0.0.1", "/mcp")
	require.NoError(t, alice.AttachAuth(auth.NewAuthContext(&auth.Claims{Subject: "alice"})))
	bob := newRequest("", "10.0.0.1", "/mcp")
	require.NoError(t, bob.AttachAuth(auth.NewAuthContext(&auth.Claims{Subject: "bob"})))

	require.NoError(t, h.limiter.Check(context.Background(), alice))
	require.NoError(t, h.limiter.Check(context.Background(), bob))
	assert.ErrorIs(t, h.limiter.Check(context.Background(), alice), ErrRateLimited)
}

// TestLimiter_FairnessAtBurstPlusOne sends burst+1 requests at one
// instant: exactly one is rejected and told to wait one interval.
func TestLimiter_FairnessAtBurstPlusOne(t *testing.T) {
	t.Parallel()

	const burst = 5
	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierEndpoint: {RequestsPerMinute: 120, BurstSize: burst, Enabled: true},
	}})

	var rejected []*ExceededError
	for i := 0; i < burst+1; i++ {
		err := h.limiter.Check(context.Background(), newRequest("s", "a", "/tools/call"))
		var exceeded *ExceededError
		if errors.As(err, &exceeded) {
			rejected = append(rejected, exceeded)
		}
	}

	require.Len(t, rejected, 1)
	assert.Equal(t, 500*time.Millisecond, rejected[0].RetryAfter)
	assert.Equal(t, "1", rejected[0].RetryAfterHeader())
}

// TestLimiter_SustainedOverload drives 1000 requests at an endpoint limited
// to 100 per minute.
func TestLimiter_SustainedOverload(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierEndpoint: {RequestsPerMinute: 100, BurstSize: 10, Enabled: true},
	}})

	rejected := 0
	for i := 0; i < 1000; i++ {
		err := h.limiter.Check(context.Background(), newRequest("s", "a", "/mcp"))
		if err != nil {
			var exceeded *ExceededError
			require.ErrorAs(t, err, &exceeded)
			require.Positive(t, exceeded.RetryAfter)
			rejected++
		}
	}

	assert.Equal(t, 990, rejected)
	stats := h.limiter.Stats()
	assert.Equal(t, uint64(10), stats.Allowed)
	assert.Equal(t, uint64(990), stats.Rejected)
	assert.InDelta(t, 1.0, stats.SuccessRate(), 0.001)

	assert.Equal(t, 990.0, testutil.ToFloat64(h.metrics.decisionsTotal.WithLabelValues("endpoint", resultRejected)))
	assert.Equal(t, 10.0, testutil.ToFloat64(h.metrics.decisionsTotal.WithLabelValues("endpoint", resultAllowed)))
	assert.Len(t, h.events(t), 990)
}

func TestLimiter_AuditEvent(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierSession: {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
	}})

	rc := newRequest("sess-9", "192.0.2.7", "/mcp")
	require.NoError(t, h.limiter.Check(context.Background(), rc))
	require.Error(t, h.limiter.Check(context.Background(), rc))

	events := h.events(t)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, audit.OutcomeDenied, e.Outcome)
	assert.Equal(t, "sess-9", e.SessionID)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "session", e.Detail["tier"])
	assert.Equal(t, "60", e.Detail["limit"])
	assert.Equal(t, "1000", e.Detail["retry_after_ms"])
	assert.Equal(t, "POST /mcp", e.Detail["endpoint"])
	assert.Equal(t, "192.0.2.7", e.Detail["client_address"])
}

func TestLimiter_StoreErrors(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: allTiers(60, 1)})
	h.store.err = errors.New("backend down")

	assert.NoError(t, h.limiter.Check(context.Background(), newRequest("s", "a", "/mcp")))
	assert.Equal(t, uint64(4), h.limiter.Stats().Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.decisionsTotal.WithLabelValues("global", resultError)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.store.err = context.Canceled
	assert.ErrorIs(t, h.limiter.Check(ctx, newRequest("s", "a", "/mcp")), context.Canceled)
}

// TestLimiter_LaterTierRejectionRefunds keeps one session from draining
// the global tier with requests its own tier rejects.
func TestLimiter_LaterTierRejectionRefunds(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierGlobal:  {RequestsPerMinute: 60, BurstSize: 3, Enabled: true},
		TierSession: {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
	}})
	ctx := context.Background()

	require.NoError(t, h.limiter.Check(ctx, newRequest("greedy", "a", "/mcp")))
	for i := 0; i < 10; i++ {
		var exceeded *ExceededError
		require.ErrorAs(t, h.limiter.Check(ctx, newRequest("greedy", "a", "/mcp")), &exceeded)
		assert.Equal(t, TierSession, exceeded.Tier)
	}

	require.NoError(t, h.limiter.Check(ctx, newRequest("s2", "b", "/mcp")))
	require.NoError(t, h.limiter.Check(ctx, newRequest("s3", "c", "/mcp")))

	var exceeded *ExceededError
	require.ErrorAs(t, h.limiter.Check(ctx, newRequest("s4", "d", "/mcp")), &exceeded)
	assert.Equal(t, TierGlobal, exceeded.Tier)
}

// cancellingStore cancels the request while a given key is being taken.
type cancellingStore struct {
	store.Store
	key    string
	cancel context.CancelFunc
}

func (s *cancellingStore) Take(ctx context.Context, key string, limit store.Limit, now time.Time) (store.Result, error) {
	if key == s.key {
		s.cancel()
		return store.Result{}, ctx.Err()
	}
	return s.Store.Take(ctx, key, limit, now)
}

func TestLimiter_CancellationRefunds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	st := &cancellingStore{Store: store.NewMemoryStore(), key: "session:s1", cancel: cancel}
	l, err := New(Config{Tiers: map[Tier]TierConfig{
		TierGlobal:  {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
		TierSession: {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
	}}, st, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	assert.ErrorIs(t, l.Check(ctx, newRequest("s1", "a", "/mcp")), context.Canceled)
	assert.NoError(t, l.Check(context.Background(), newRequest("", "a", "/mcp")))
}

func TestLimiter_UpdateConfig(t *testing.T) {
	t.Parallel()

	h := newLimiterHarness(t, Config{Tiers: map[Tier]TierConfig{
		TierGlobal: {RequestsPerMinute: 60, BurstSize: 1, Enabled: true},
	}})

	require.NoError(t, h.limiter.Check(context.Background(), newRequest("s", "a", "/mcp")))
	require.Error(t, h.limiter.Check(context.Background(), newRequest("s", "a", "/mcp")))

	require.NoError(t, h.limiter.UpdateConfig(Config{Tiers: map[Tier]TierConfig{
		TierGlobal: {RequestsPerMinute: 60, BurstSize: 1, Enabled: false},
	}}))
	assert.NoError(t, h.limiter.Check(context.Background(), newRequest("s", "a", "/mcp")))
	assert.Equal(t, DefaultOrder(), h.limiter.Config().Order)

	err := h.limiter.UpdateConfig(Config{Order: []Tier{"planet"}})
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "empty", config: Config{}},
		{name: "valid", config: Config{Tiers: allTiers(60, 5)}},
		{name: "unknown tier in order", config: Config{Order: []Tier{"galaxy"}}, wantErr: true},
		{name: "duplicate tier", config: Config{Order: []Tier{TierGlobal, TierGlobal}}, wantErr: true},
		{name: "unknown tier config", config: Config{Tiers: map[Tier]TierConfig{"x": {}}}, wantErr: true},
		{
			name:    "enabled without rate",
			config:  Config{Tiers: map[Tier]TierConfig{TierGlobal: {Enabled: true}}},
			wantErr: true,
		},
		{
			name:    "negative burst",
			config:  Config{Tiers: map[Tier]TierConfig{TierGlobal: {Enabled: true, RequestsPerMinute: 1, BurstSize: -1}}},
			wantErr: true,
		},
		{
			name:   "disabled without rate",
			config: Config{Tiers: map[Tier]TierConfig{TierGlobal: {Enabled: false}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestExceededError(t *testing.T) {
	t.Parallel()

	err := error(&ExceededError{Tier: TierIdentity, RetryAfter: 1500 * time.Millisecond, Limit: 10})

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, util.ClassAdmission, util.ClassOf(err))
	assert.Contains(t, err.Error(), "identity")

	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 2, exceeded.RetryAfterSeconds())
	assert.Equal(t, 1, (&ExceededError{}).RetryAfterSeconds())
}

func TestStats_SuccessRate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100.0, Stats{}.SuccessRate())
	assert.Equal(t, 75.0, Stats{Allowed: 3, Rejected: 1}.SuccessRate())
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.RateLimits.Identity = config.TierConfig{RequestsPerMinute: 600, BurstSize: 20, Enabled: true}
	cfg.RateLimits.Order = []string{"identity", "global"}

	got := FromConfig(cfg.RateLimits)

	assert.Equal(t, []Tier{TierIdentity, TierGlobal}, got.Order)
	assert.Equal(t, TierConfig{RequestsPerMinute: 600, BurstSize: 20, Enabled: true}, got.Tiers[TierIdentity])
	assert.False(t, got.Tiers[TierGlobal].Enabled)
	assert.NoError(t, got.Validate())
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		backend string
		want    interface{}
		wantErr bool
	}{
		{name: "memory", backend: config.BackendMemory, want: &store.MemoryStore{}},
		{name: "default", backend: "", want: &store.MemoryStore{}},
		{name: "redis", backend: config.BackendRedis, want: &store.RedisStore{}},
		{name: "unknown", backend: "etcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig().RateLimits
			cfg.Backend = tt.backend
			cfg.Redis.Address = mr.Addr()

			st, err := NewStore(context.Background(), cfg, NewMetrics("test", nil), nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			assert.IsType(t, tt.want, st)
		})
	}
}

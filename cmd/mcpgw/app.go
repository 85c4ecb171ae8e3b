package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/audit"
	"github.com/vyrodovalexey/mcpgw/internal/auth"
	"github.com/vyrodovalexey/mcpgw/internal/auth/jwt"
	"github.com/vyrodovalexey/mcpgw/internal/cache"
	"github.com/vyrodovalexey/mcpgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/health"
	"github.com/vyrodovalexey/mcpgw/internal/middleware"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
	"github.com/vyrodovalexey/mcpgw/internal/pipeline"
	"github.com/vyrodovalexey/mcpgw/internal/policy"
	"github.com/vyrodovalexey/mcpgw/internal/pool"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit"
	"github.com/vyrodovalexey/mcpgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/mcpgw/internal/session"
	gwtls "github.com/vyrodovalexey/mcpgw/internal/tls"
	"github.com/vyrodovalexey/mcpgw/internal/transport"
	"github.com/vyrodovalexey/mcpgw/internal/upstream"
)

// Health check timings for dependencies reached over the network.
const (
	dependencyCheckTimeout = 2 * time.Second
	dependencyCheckTTL     = 5 * time.Second
)

// hstsMaxAge is advertised on TLS listeners.
const hstsMaxAge = 365 * 24 * time.Hour

// pinger is implemented by stores that can report their backend's health.
type pinger interface {
	Ping(ctx context.Context) error
}

// application holds all application components.
type application struct {
	config   *config.Config
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	audit    audit.Logger
	sessions *session.CacheStore
	auth     *auth.Gateway
	limiter  *ratelimit.Limiter
	policy   *policy.Engine
	upstream *upstream.Manager
	pipeline *pipeline.Pipeline
	health   *health.Handler
	certs    *gwtls.FileProvider

	server        *http.Server
	metricsServer *http.Server
}

// initApplication builds every component from cfg. Components created
// before a failure are released.
func initApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (app *application, err error) {
	ns := cfg.Observability.Metrics.Namespace
	metrics := observability.NewMetrics(ns)
	metrics.SetBuildInfo(version, gitCommit, buildTime)
	reg := metrics.Registry()

	app = &application{config: cfg, logger: logger, metrics: metrics}
	defer func() {
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Listener.ShutdownTimeout.Duration())
			defer cancel()
			_ = app.close(shutdownCtx)
			app = nil
		}
	}()

	app.tracer, err = observability.NewTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Insecure:     cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return app, fmt.Errorf("tracer: %w", err)
	}

	app.audit, err = initAudit(cfg.Audit, ns, logger, metrics)
	if err != nil {
		return app, err
	}

	app.sessions, err = session.New(ctx, cfg.Session, logger, cache.WithMetrics(cache.NewMetrics(ns, reg)))
	if err != nil {
		return app, err
	}

	verifier, err := initVerifier(ctx, cfg.Auth, logger)
	if err != nil {
		return app, err
	}
	app.auth = auth.NewGateway(auth.FromConfig(cfg.Auth), verifier,
		auth.WithLogger(logger),
		auth.WithAuditLogger(app.audit),
		auth.WithMetrics(auth.NewMetrics(ns, reg)),
	)

	rlMetrics := ratelimit.NewMetrics(ns, reg)
	st, err := ratelimit.NewStore(ctx, cfg.RateLimits, rlMetrics, logger)
	if err != nil {
		return app, err
	}
	app.limiter, err = ratelimit.New(ratelimit.FromConfig(cfg.RateLimits), st,
		ratelimit.WithLogger(logger),
		ratelimit.WithAuditLogger(app.audit),
		ratelimit.WithMetrics(rlMetrics),
	)
	if err != nil {
		_ = st.Close()
		return app, fmt.Errorf("rate limiter: %w", err)
	}

	rules, err := policy.FromConfig(cfg.Rules)
	if err != nil {
		return app, err
	}
	app.policy, err = policy.NewEngine(policy.ConfigFrom(cfg.Policy), rules,
		policy.WithLogger(logger),
		policy.WithAuditLogger(app.audit),
		policy.WithMetrics(policy.NewMetrics(ns, reg)),
	)
	if err != nil {
		return app, fmt.Errorf("policy engine: %w", err)
	}

	dialer := transport.NewDialer(cfg.Pool.ConnectTimeout.Duration(), transport.WithDialerLogger(logger))
	app.upstream, err = upstream.New(upstream.FromConfig(cfg), dialer,
		upstream.WithLogger(logger),
		upstream.WithAuditLogger(app.audit),
		upstream.WithMetrics(upstream.NewMetrics(ns, reg)),
		upstream.WithPoolMetrics(pool.NewMetrics(ns, reg)),
		upstream.WithBreakerMetrics(circuitbreaker.NewMetrics(ns, reg)),
	)
	if err != nil {
		return app, fmt.Errorf("upstreams: %w", err)
	}

	app.pipeline, err = pipeline.New(
		pipeline.Config{EvaluationTimeout: cfg.Policy.EvaluationTimeout.Duration()},
		app.auth, app.limiter, app.policy, app.upstream,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(pipeline.NewMetrics(ns, reg)),
		pipeline.WithGatewayMetrics(metrics),
		pipeline.WithTracer(app.tracer),
		pipeline.WithSessionStore(app.sessions),
		pipeline.WithAuditLogger(app.audit),
	)
	if err != nil {
		return app, err
	}

	app.health = initHealth(app, st, ns)
	app.server = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           buildHandler(app, ns),
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout.Duration(),
	}
	if cfg.Listener.TLS.Enabled {
		if err := initTLS(ctx, app, ns); err != nil {
			return app, fmt.Errorf("listener tls: %w", err)
		}
	}
	if cfg.Observability.Metrics.Enabled {
		app.metricsServer = createMetricsServer(cfg.Observability.Metrics, metrics, app.health, logger)
	}

	return app, nil
}

// initAudit opens the audit sink. A disabled audit log discards events.
func initAudit(
	cfg config.AuditConfig,
	namespace string,
	logger observability.Logger,
	metrics *observability.Metrics,
) (audit.Logger, error) {
	if !cfg.Enabled {
		return audit.NewNoopLogger(), nil
	}

	sink, err := audit.NewWriterSink(cfg.Output, cfg.Format)
	if err != nil {
		return nil, err
	}
	l, err := audit.NewAsyncLogger(audit.FromConfig(cfg), sink,
		audit.WithLogger(logger),
		audit.WithMetrics(audit.NewMetrics(namespace, metrics.Registry())),
	)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("audit logger: %w", err)
	}
	return l, nil
}

// initVerifier builds the JWT verifier. Without a JWKS URL every presented
// credential is rejected, which only matters when auth is disabled and a
// client sends one anyway.
func initVerifier(ctx context.Context, cfg config.AuthConfig, logger observability.Logger) (auth.TokenVerifier, error) {
	if cfg.JWKSURL == "" {
		return auth.TokenVerifierFunc(func(context.Context, auth.Credential) (*auth.Claims, error) {
			return nil, auth.NewAuthError(auth.KindInvalidSignature, "no signing keys configured")
		}), nil
	}

	v, err := jwt.NewVerifier(ctx, jwt.FromConfig(cfg), jwt.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("jwt verifier: %w", err)
	}
	return v, nil
}

// initTLS loads the listener certificate and starts watching it for rotation.
func initTLS(ctx context.Context, app *application, namespace string) error {
	provider, err := gwtls.NewFileProvider(gwtls.FromConfig(app.config.Listener.TLS),
		gwtls.WithLogger(app.logger),
		gwtls.WithMetrics(gwtls.NewMetrics(namespace, app.metrics.Registry())),
	)
	if err != nil {
		return err
	}
	app.certs = provider

	if err := provider.Start(ctx); err != nil {
		return err
	}
	app.server.TLSConfig, err = gwtls.ServerConfig(provider)
	return err
}

// initHealth registers the readiness checks.
func initHealth(app *application, st store.Store, namespace string) *health.Handler {
	h := health.NewHandler(app.logger,
		health.WithMetrics(health.NewMetrics(namespace, app.metrics.Registry())),
		health.WithVersion(version),
	)
	h.AddCheck(health.NewBreakerHealthCheck("upstreams", app.upstream.States))

	if p, ok := st.(pinger); ok {
		check := health.NewHealthCheckFunc("rate_limit_store", p.Ping)
		h.AddCheck(health.NewCachedHealthCheck(
			health.NewTimeoutHealthCheck(check, dependencyCheckTimeout), dependencyCheckTTL))
	}
	return h
}

// buildHandler wraps the pipeline's gin engine in the middleware chain.
// Paths outside the listener path are answered by the engine's 404.
func buildHandler(app *application, namespace string) http.Handler {
	cfg := app.config.Listener
	mwMetrics := middleware.NewMetrics(namespace, app.metrics.Registry())

	headers := middleware.SecurityHeadersConfig{}
	if cfg.TLS.Enabled {
		headers.HSTSMaxAge = hstsMaxAge
	}

	return middleware.Chain(pipeline.NewHandler(app.pipeline, cfg.Path),
		middleware.Recovery(app.logger, mwMetrics),
		middleware.SecurityHeaders(headers),
		middleware.RequestID(),
		middleware.ClientIP(middleware.NewClientIPExtractor(cfg.TrustedProxies)),
		middleware.Logging(app.logger),
		middleware.BodyLimit(cfg.MaxBodyBytes, app.logger, mwMetrics),
	)
}

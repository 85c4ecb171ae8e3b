package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// runGateway starts the listeners, warms the upstream pools and blocks until
// a shutdown signal arrives.
func runGateway(ctx context.Context, app *application, configPath string, logger observability.Logger) {
	if app.metricsServer != nil {
		go runServer("metrics", app.metricsServer, logger)
	}
	go runServer("gateway", app.server, logger)

	go app.warm(ctx)

	watcher := startConfigWatcher(ctx, app, configPath, logger)
	waitForShutdown(app, watcher, logger)
}

// warm pre-establishes pooled connections, marks the gateway ready and
// starts the background health sweep. Targets that fail to warm are left
// to their breakers.
func (a *application) warm(ctx context.Context) {
	if err := a.upstream.Warm(ctx); err != nil {
		a.logger.Warn("upstream warm-up incomplete", observability.Error(err))
	}
	a.upstream.StartHealthSweep(ctx)
	a.health.MarkReady()
}

// waitForShutdown waits for a shutdown signal and performs graceful shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Listener.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown incomplete", observability.Error(err))
	}

	logger.Info("gateway stopped")
}

// shutdown drains the listener, then releases every component.
func (a *application) shutdown(ctx context.Context) error {
	if a.health != nil {
		a.health.SetDraining(true)
	}

	var errs error
	if a.server != nil {
		a.logger.Info("draining gateway listener")
		errs = multierr.Append(errs, a.server.Shutdown(ctx))
	}
	return multierr.Append(errs, a.close(ctx))
}

// close releases components in reverse dependency order. Nil components
// are skipped so a partially built application can be closed.
func (a *application) close(ctx context.Context) error {
	var errs error

	if a.upstream != nil {
		errs = multierr.Append(errs, a.upstream.Close(ctx))
	}
	if a.limiter != nil {
		errs = multierr.Append(errs, a.limiter.Close())
	}
	if a.sessions != nil {
		errs = multierr.Append(errs, a.sessions.Close())
	}
	// Flushed after every producer has stopped.
	if a.audit != nil {
		errs = multierr.Append(errs, a.audit.Close())
	}
	if a.metricsServer != nil {
		errs = multierr.Append(errs, a.metricsServer.Shutdown(ctx))
	}
	if a.certs != nil {
		errs = multierr.Append(errs, a.certs.Close())
	}
	if a.tracer != nil {
		errs = multierr.Append(errs, a.tracer.Shutdown(ctx))
	}

	return errs
}

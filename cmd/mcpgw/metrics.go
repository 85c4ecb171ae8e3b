package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/config"
	"github.com/vyrodovalexey/mcpgw/internal/health"
	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// createMetricsServer creates the HTTP server for metrics and health probes.
func createMetricsServer(
	cfg config.MetricsConfig,
	metrics *observability.Metrics,
	healthHandler *health.Handler,
	logger observability.Logger,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	healthHandler.Register(mux)

	logger.Info("metrics server configured",
		observability.String("address", cfg.Address),
		observability.String("metrics_path", cfg.Path),
	)

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runServer serves until the server is shut down. A server with a TLS
// config serves HTTPS using the certificates it provides.
func runServer(name string, server *http.Server, logger observability.Logger) {
	logger.Info("starting "+name+" server",
		observability.String("address", server.Addr),
		observability.Bool("tls", server.TLSConfig != nil),
	)

	var err error
	if server.TLSConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" server error", observability.Error(err))
	}
}

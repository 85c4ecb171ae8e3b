// Package tls terminates TLS on the gateway listener.
//
// A FileProvider loads the serving certificate and an optional client CA
// bundle from disk and reloads them when the files change. ServerConfig
// builds a crypto/tls configuration that reads the current certificate on
// every handshake, so rotated certificates take effect without a restart.
//
//	provider, err := tls.NewFileProvider(tls.FromConfig(cfg.Listener.TLS),
//		tls.WithLogger(logger), tls.WithMetrics(metrics))
//	if err != nil {
//		return err
//	}
//	if err := provider.Start(ctx); err != nil {
//		return err
//	}
//	server.TLSConfig, err = tls.ServerConfig(provider)
package tls

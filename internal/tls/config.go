package tls

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/vyrodovalexey/mcpgw/internal/config"
)

// DefaultReloadDebounce coalesces bursts of file events from a single rotation.
const DefaultReloadDebounce = 100 * time.Millisecond

// Config configures listener TLS.
type Config struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
	MinVersion        string
	CipherSuites      []string
	ReloadDebounce    time.Duration
}

// FromConfig converts the listener TLS section of the gateway config.
func FromConfig(c config.TLSConfig) Config {
	return Config{
		CertFile:          c.CertFile,
		KeyFile:           c.KeyFile,
		ClientCAFile:      c.ClientCAFile,
		RequireClientCert: c.RequireClientCert,
		MinVersion:        c.MinVersion,
		CipherSuites:      append([]string(nil), c.CipherSuites...),
		ReloadDebounce:    c.ReloadDebounce.Duration(),
	}
}

// Validate checks the configuration without touching the filesystem.
func (c Config) Validate() error {
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("%w: cert and key files are required", ErrConfigInvalid)
	}
	if c.RequireClientCert && c.ClientCAFile == "" {
		return fmt.Errorf("%w: client CA file is required for client certificates", ErrConfigInvalid)
	}
	if _, err := ParseVersion(c.MinVersion); err != nil {
		return err
	}
	if _, err := ParseCipherSuites(c.CipherSuites); err != nil {
		return err
	}
	return nil
}

func (c Config) debounce() time.Duration {
	if c.ReloadDebounce <= 0 {
		return DefaultReloadDebounce
	}
	return c.ReloadDebounce
}

// ServerConfig builds a server-side crypto/tls configuration backed by p.
// Certificates and the client CA pool are read from p on every handshake.
func ServerConfig(p *FileProvider) (*tls.Config, error) {
	version, err := ParseVersion(p.config.MinVersion)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(p.config.CipherSuites)
	if err != nil {
		return nil, err
	}

	base := &tls.Config{
		MinVersion:       version,
		CipherSuites:     suites,
		CurvePreferences: DefaultCurvePreferences(),
		NextProtos:       []string{"h2", "http/1.1"},
		GetCertificate:   p.GetCertificate,
	}

	if p.config.ClientCAFile == "" {
		return base, nil
	}

	clientAuth := tls.VerifyClientCertIfGiven
	if p.config.RequireClientCert {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	// GetConfigForClient picks up a reloaded CA pool on the next handshake.
	base.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		cfg := base.Clone()
		cfg.GetConfigForClient = nil
		cfg.ClientAuth = clientAuth
		cfg.ClientCAs = p.ClientCA()
		return cfg, nil
	}
	return base, nil
}

package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// cipherSuiteRegistry maps configurable TLS 1.2 suite names to their IDs.
// TLS 1.3 suites are fixed by crypto/tls.
var cipherSuiteRegistry = map[string]uint16{
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// DefaultSecureCipherSuites returns the default TLS 1.2 cipher suites.
func DefaultSecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// DefaultCurvePreferences returns the default ECDH curve preferences.
func DefaultCurvePreferences() []tls.CurveID {
	return []tls.CurveID{
		tls.X25519,
		tls.CurveP256,
		tls.CurveP384,
	}
}

// ParseCipherSuites parses cipher suite names. An empty list yields the defaults.
func ParseCipherSuites(names []string) ([]uint16, error) {
	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := cipherSuiteRegistry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCipherSuiteInvalid, name)
		}
		suites = append(suites, id)
	}

	if len(suites) == 0 {
		return DefaultSecureCipherSuites(), nil
	}
	return suites, nil
}

// ParseVersion parses a minimum TLS version name. Empty means TLS 1.2.
// Legacy versions are rejected.
func ParseVersion(name string) (uint16, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "TLS12", "1.2":
		return tls.VersionTLS12, nil
	case "TLS13", "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrTLSVersionInvalid, name)
	}
}

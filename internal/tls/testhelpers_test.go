package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type keyPair struct {
	certFile string
	keyFile  string
	certPEM  []byte
	keyPEM   []byte
}

// writeKeyPair writes a self-signed ECDSA certificate usable as server,
// client and CA certificate into dir under prefix.
func writeKeyPair(t *testing.T, dir, prefix, cn string, notAfter time.Time) keyPair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		DNSNames:              []string{"localhost"},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	kp := keyPair{
		certFile: filepath.Join(dir, prefix+".crt"),
		keyFile:  filepath.Join(dir, prefix+".key"),
		certPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:   pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
	require.NoError(t, os.WriteFile(kp.keyFile, kp.keyPEM, 0o600))
	require.NoError(t, os.WriteFile(kp.certFile, kp.certPEM, 0o600))
	return kp
}

func inAYear() time.Time {
	return time.Now().Add(365 * 24 * time.Hour)
}

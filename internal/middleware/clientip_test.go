package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPExtractor_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		trustedProxies []string
		remoteAddr     string
		xff            string
		expected       string
	}{
		{
			name:       "no trusted proxies uses RemoteAddr",
			remoteAddr: "192.168.1.1:12345",
			xff:        "10.0.0.1",
			expected:   "192.168.1.1",
		},
		{
			name:           "untrusted remote ignores XFF",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "192.168.1.1:12345",
			xff:            "1.2.3.4",
			expected:       "192.168.1.1",
		},
		{
			name:           "trusted remote returns rightmost untrusted",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:443",
			xff:            "6.6.6.6, 1.2.3.4, 10.0.0.9",
			expected:       "1.2.3.4",
		},
		{
			name:           "single trusted IP",
			trustedProxies: []string{"10.0.0.5"},
			remoteAddr:     "10.0.0.5:443",
			xff:            "1.2.3.4",
			expected:       "1.2.3.4",
		},
		{
			name:           "all hops trusted falls back to RemoteAddr",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:443",
			xff:            "10.0.0.7, 10.0.0.8",
			expected:       "10.0.0.5",
		},
		{
			name:           "trusted remote without XFF",
			trustedProxies: []string{"10.0.0.0/8"},
			remoteAddr:     "10.0.0.5:443",
			expected:       "10.0.0.5",
		},
		{
			name:           "invalid entries are skipped",
			trustedProxies: []string{"not-an-ip", "::1"},
			remoteAddr:     "[::1]:8080",
			xff:            "2001:db8::1",
			expected:       "2001:db8::1",
		},
		{
			name:       "RemoteAddr without port",
			remoteAddr: "192.168.1.1",
			expected:   "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := NewClientIPExtractor(tt.trustedProxies)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set(HeaderXForwardedFor, tt.xff)
			}

			assert.Equal(t, tt.expected, e.Extract(req))
		})
	}
}

func TestClientIP_Middleware(t *testing.T) {
	t.Parallel()

	var got string
	h := ClientIP(NewClientIPExtractor([]string{"10.0.0.0/8"}))(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got = ClientIPFromRequest(r)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:1000"
	req.Header.Set(HeaderXForwardedFor, "8.8.8.8")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "8.8.8.8", got)

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "172.16.0.1:99"
	assert.Equal(t, "172.16.0.1", ClientIPFromRequest(bare))
}

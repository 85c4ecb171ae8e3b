package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const secretToken = "eyJhbGciOiJSUzI1NiJ9.c2VjcmV0.c2lnbmF0dXJl"

func TestCredential_NeverFormatsRawToken(t *testing.T) {
	t.Parallel()

	cred := NewCredential(secretToken)

	formats := []string{"%v", "%+v", "%#v", "%s", "%q", "%x", "%d"}
	for _, f := range formats {
		out := fmt.Sprintf(f, cred)
		assert.NotContains(t, out, secretToken, f)
		assert.Contains(t, out, redacted, f)
	}

	wrapped := struct{ Token Credential }{Token: cred}
	assert.NotContains(t, fmt.Sprintf("%+v", wrapped), secretToken)

	b, err := json.Marshal(wrapped)
	require.NoError(t, err)
	assert.NotContains(t, string(b), secretToken)

	assert.Equal(t, secretToken, cred.Reveal())
}

func TestCredential_ZapFieldRedacted(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	zap.New(core).Info("attempt", zap.Any("credential", NewCredential(secretToken)), zap.Stringer("token", NewCredential(secretToken)))

	require.Equal(t, 1, logs.Len())
	for _, v := range logs.All()[0].ContextMap() {
		assert.NotContains(t, fmt.Sprint(v), secretToken)
	}
}

func TestCredentialFromHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "lower case scheme", header: "bearer abc", want: "abc"},
		{name: "trims", header: "Bearer   abc  ", want: "abc"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "scheme only", header: "Bearer ", want: ""},
		{name: "absent", header: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			cred := CredentialFromHeader(h)
			assert.Equal(t, tt.want, cred.Reveal())
			assert.Equal(t, tt.want == "", cred.IsEmpty())
		})
	}
}

func TestCredential_Hash(t *testing.T) {
	t.Parallel()

	a := NewCredential("token-a")
	b := NewCredential("token-b")

	assert.Len(t, a.Hash(), 64)
	assert.Equal(t, a.Hash(), NewCredential("token-a").Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.NotContains(t, a.Hash(), "token-a")
}

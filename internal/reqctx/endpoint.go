package reqctx

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// IDPlaceholder replaces identifier-like path segments.
const IDPlaceholder = "{id}"

// minOpaqueLength is the shortest segment treated as an opaque token.
const minOpaqueLength = 20

// minHexLength is the shortest all-hex segment treated as an identifier.
const minHexLength = 16

// EndpointKey derives the endpoint key for method and path. The path is
// NFC-normalized, empty segments are dropped and numeric, UUID, long hex
// and long opaque segments are replaced with IDPlaceholder.
func EndpointKey(method, path string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	return method + " " + NormalizePath(path)
}

// NormalizePath applies the segment normalization used by EndpointKey.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = norm.NFC.String(path)

	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		if isIdentifier(p) {
			p = IDPlaceholder
		}
		out = append(out, p)
	}
	return "/" + strings.Join(out, "/")
}

func isIdentifier(seg string) bool {
	if isDigits(seg) {
		return true
	}
	if len(seg) == 36 {
		if _, err := uuid.Parse(seg); err == nil {
			return true
		}
	}
	if len(seg) >= minHexLength && isHex(seg) {
		return true
	}
	return len(seg) >= minOpaqueLength && isOpaque(seg)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// isOpaque reports whether s looks like a generated token: URL-safe
// characters only with at least one digit.
func isOpaque(s string) bool {
	digit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}
	return digit
}

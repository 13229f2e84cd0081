package util

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens). Tokens show up in
	// error strings via downstream HTTP libraries.
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that leak in error strings, including api_key
	// query parameters on routing service URLs.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token)\b\s*[:=]\s*[^\s"'&]+`)
)

// RedactSecrets removes obvious secret-bearing substrings from error/log
// strings. Conservative on purpose: safe to call on any message, including
// upstream error bodies.
func RedactSecrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	return strings.TrimSpace(out)
}

package enrich

import (
	"fmt"
	"strings"

	"github.com/flathunt/pipeline/internal/util"
)

// HTTPError is a sanitized summary of a non-2xx response from a geocoding or
// routing service. Raw bodies are truncated and redacted before they can
// reach logs.
type HTTPError struct {
	Op         string
	StatusCode int
	Snippet    string
}

func (e *HTTPError) Error() string {
	parts := []string{fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)}
	if s := strings.TrimSpace(e.Snippet); s != "" {
		parts = append(parts, "body="+s)
	}
	return strings.Join(parts, " ")
}

// newHTTPError classifies the response: 429 and 5xx are transient and will
// be retried with backoff, everything else is terminal.
func newHTTPError(op string, statusCode int, body []byte) error {
	h := &HTTPError{
		Op:         op,
		StatusCode: statusCode,
		Snippet:    snippet(body),
	}
	if statusCode == 429 || statusCode >= 500 {
		return &TransientError{Err: h}
	}
	return h
}

func snippet(body []byte) string {
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := util.RedactSecrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s != "" && len(body) > max {
		s += "..."
	}
	return s
}

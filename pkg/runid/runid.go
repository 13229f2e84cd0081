// Package runid encodes one pipeline execution (queried location + start time)
// into the canonical key every stage uses to locate run artifacts.
package runid

import (
	"fmt"
	"strings"
	"time"
)

const timeLayout = "2006_01_02_15_04_05"

// RunID identifies a single pipeline run. Immutable once created: stages
// receive it by value and never regenerate it mid-run.
type RunID struct {
	Timestamp time.Time
	Location  string
}

// ParseError reports a malformed run key.
type ParseError struct {
	Key    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid run key %q: %s", e.Key, e.Reason)
}

// New creates the run identity for a pipeline invocation. The timestamp is
// truncated to whole seconds so Key round-trips exactly.
func New(locationQuery string, now time.Time) RunID {
	return RunID{
		Timestamp: now.Truncate(time.Second),
		Location:  locationQuery,
	}
}

// Key renders the identity as a directory-safe string:
// YYYY_MM_DD_HH_MM_SS_<sanitized location>.
func (r RunID) Key() string {
	return r.Timestamp.Format(timeLayout) + "_" + SanitizeLocation(r.Location)
}

// ParseKey recovers a run identity from its key form. The location comes back
// in sanitized form; re-keying the result reproduces the input exactly.
func ParseKey(key string) (RunID, error) {
	const tsLen = len(timeLayout)
	if len(key) < tsLen+2 || key[tsLen] != '_' {
		return RunID{}, &ParseError{Key: key, Reason: "want YYYY_MM_DD_HH_MM_SS_<location>"}
	}
	ts, err := time.Parse(timeLayout, key[:tsLen])
	if err != nil {
		return RunID{}, &ParseError{Key: key, Reason: "bad timestamp: " + err.Error()}
	}
	loc := key[tsLen+1:]
	if loc == "" {
		return RunID{}, &ParseError{Key: key, Reason: "empty location"}
	}
	if sanitized := SanitizeLocation(loc); sanitized != loc {
		return RunID{}, &ParseError{Key: key, Reason: fmt.Sprintf("location %q is not in sanitized form", loc)}
	}
	return RunID{Timestamp: ts, Location: loc}, nil
}

// polish maps the diacritics that occur in voivodeship and commune names.
var polish = strings.NewReplacer(
	"ą", "a", "ć", "c", "ę", "e", "ł", "l", "ń", "n",
	"ó", "o", "ś", "s", "ź", "z", "ż", "z",
	"Ą", "A", "Ć", "C", "Ę", "E", "Ł", "L", "Ń", "N",
	"Ó", "O", "Ś", "S", "Ź", "Z", "Ż", "Z",
)

// SanitizeLocation turns a human location query into an ASCII-safe path
// segment. Comma-separated administrative parts (commune, county,
// voivodeship) keep their order, joined by a double underscore.
func SanitizeLocation(query string) string {
	parts := strings.Split(query, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		s := sanitizePart(part)
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "__")
}

func sanitizePart(part string) string {
	s := polish.Replace(strings.TrimSpace(part))
	var b strings.Builder
	b.Grow(len(s))
	lastSep := false
	for _, r := range s {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_'
		if ok {
			b.WriteRune(r)
			lastSep = false
			continue
		}
		// Collapse every run of separators or non-ASCII into one underscore.
		// Underscores already present pass through, which keeps the function
		// idempotent on its own output.
		if !lastSep && b.Len() > 0 {
			b.WriteByte('_')
			lastSep = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// Package normalize maps raw scraped records into the shared listing schema
// and removes duplicates, both within a source and across sources.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/flathunt/pipeline/pkg/listing"
)

// DropReason says why a raw record produced no normalized listing.
type DropReason string

const (
	DropNone      DropReason = ""
	DropBadPrice  DropReason = "unparseable price"
	DropBadArea   DropReason = "unparseable area"
	DropDuplicate DropReason = "duplicate external id"
)

// Normalizer converts raw records one at a time, remembering seen
// (source, external_id) pairs for the duration of a run. Not safe for
// concurrent use; the cleaning stage is sequential.
type Normalizer struct {
	seen map[string]struct{}
}

func New() *Normalizer {
	return &Normalizer{seen: make(map[string]struct{})}
}

// Normalize returns the normalized listing, or nil with the reason it was
// dropped. A drop is a per-record outcome, never a pipeline failure.
func (n *Normalizer) Normalize(raw listing.Raw) (*listing.Normalized, DropReason) {
	key := string(raw.Source) + "\x00" + raw.ExternalID
	if _, dup := n.seen[key]; dup {
		return nil, DropDuplicate
	}

	price, ok := ParsePrice(raw.Fields["price"])
	if !ok {
		return nil, DropBadPrice
	}
	area, ok := ParseArea(raw.Fields["area"])
	if !ok {
		return nil, DropBadArea
	}

	n.seen[key] = struct{}{}

	out := &listing.Normalized{
		Source:      raw.Source,
		ExternalID:  raw.ExternalID,
		URL:         raw.URL,
		PriceZL:     price,
		AreaM2:      area,
		Rooms:       parseRooms(raw.Fields["rooms"]),
		AddressText: strings.TrimSpace(raw.Fields["address"]),
	}
	if ts, err := time.Parse(time.RFC3339, raw.Fields["scraped_at"]); err == nil {
		out.ScrapedAt = ts
	}
	return out, DropNone
}

// ParsePrice extracts a zloty amount from strings like "2 000 zł",
// "350000", or "2 500,50 zł". Non-breaking spaces show up in scraped text.
func ParsePrice(s string) (float64, bool) {
	return parseDecimal(s)
}

// ParseArea extracts square meters from strings like "40 m²" or "40,5 m2".
func ParseArea(s string) (float64, bool) {
	return parseDecimal(s)
}

// parseDecimal reads the first number in the string, treating spaces inside
// it as thousands separators and a comma as the decimal point. Parsing stops
// at the unit suffix so "40 m2" is 40, not 402.
func parseDecimal(s string) (float64, bool) {
	runes := []rune(s)
	var b strings.Builder
	seenDigit := false
	seenDot := false

loop:
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			seenDigit = true
		case (r == ',' || r == '.') && seenDigit && !seenDot:
			if i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9' {
				b.WriteByte('.')
				seenDot = true
			} else {
				break loop
			}
		case (r == ' ' || r == '\u00a0') && seenDigit && !seenDot:
			if i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9' {
				continue
			}
			break loop
		default:
			if seenDigit {
				break loop
			}
		}
	}

	if !seenDigit {
		return 0, false
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func parseRooms(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	if strings.Contains(s, "kawalerka") {
		return 1
	}
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
			continue
		}
		if digits.Len() > 0 {
			break
		}
	}
	v, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return v
}

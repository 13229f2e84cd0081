// Package listing defines the record types exchanged between pipeline stages.
package listing

import (
	"strings"
	"time"
)

// Source identifies the site a listing was harvested from.
type Source string

const (
	SourceOLX    Source = "olx.pl"
	SourceOtodom Source = "otodom.pl"
)

// Sources returns all known sources in stable pipeline order.
func Sources() []Source {
	return []Source{SourceOLX, SourceOtodom}
}

// ParseSource maps a raw source label to a known Source.
func ParseSource(raw string) (Source, bool) {
	switch Source(strings.TrimSpace(strings.ToLower(raw))) {
	case SourceOLX:
		return SourceOLX, true
	case SourceOtodom:
		return SourceOtodom, true
	}
	return "", false
}

// Raw is a single scraped offer exactly as the scraping stage produced it.
// Fields are kept as strings; parsing happens in the normalizer.
type Raw struct {
	Source     Source
	ExternalID string
	URL        string
	Fields     map[string]string
}

// Normalized is a Raw record mapped into the shared listing schema.
// Latitude/Longitude start unset and are filled by enrichment.
type Normalized struct {
	Source      Source
	ExternalID  string
	URL         string
	PriceZL     float64
	AreaM2      float64
	Rooms       int
	Latitude    *float64
	Longitude   *float64
	AddressText string
	ScrapedAt   time.Time
}

// Combined is a row of the merged cross-source table.
//
// Sources holds one entry for an unmerged row and two for a row merged from a
// cross-source duplicate pair.
type Combined struct {
	Sources     []Source
	ExternalID  string
	URL         string
	PriceZL     float64
	AreaM2      float64
	Rooms       int
	Latitude    *float64
	Longitude   *float64
	AddressText string
	ScrapedAt   time.Time

	TravelTimeMinutes *float64
	IsUserOffer       bool

	// NeedsReview marks rows kept unmerged because cross-source matching was
	// ambiguous.
	NeedsReview bool
}

// CanonicalAddress case-folds an address and collapses internal whitespace.
// Both cross-source duplicate matching and enrichment cache fingerprints key
// on this form.
func CanonicalAddress(addr string) string {
	return strings.Join(strings.Fields(strings.ToLower(addr)), " ")
}

// PrimarySource returns the first contributing source of a combined row.
func (c Combined) PrimarySource() Source {
	if len(c.Sources) == 0 {
		return ""
	}
	return c.Sources[0]
}

// SourceLabel renders the contributing sources as a stable CSV cell value.
func (c Combined) SourceLabel() string {
	parts := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, "+")
}

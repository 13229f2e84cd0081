package normalize

import (
	"math"

	"github.com/flathunt/pipeline/pkg/listing"
)

// MergeOutcome tags the result of cross-source duplicate matching for one
// listing, so reporting can distinguish confident merges from rows flagged
// for manual review.
type MergeOutcome int

const (
	Unmerged MergeOutcome = iota
	Merged
	Ambiguous
)

func (o MergeOutcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unmerged"
	}
}

// Tolerances bound what counts as the same physical offer posted on both
// sites. Defaults are policy, not a correctness guarantee.
type Tolerances struct {
	PricePct float64
	AreaM2   float64
}

func DefaultTolerances() Tolerances {
	return Tolerances{PricePct: 1.0, AreaM2: 1.0}
}

// MergeStats counts cross-source matching outcomes for diagnostics.
type MergeStats struct {
	Merged    int
	Ambiguous int
}

// MergeAcrossSources pairs OLX and Otodom listings that look like the same
// physical offer: canonical address equal, price within PricePct percent,
// area within AreaM2 square meters. An OLX listing with exactly one match is
// merged into a single combined row carrying both sources; more than one
// candidate is ambiguous and every involved row is kept, flagged for review.
//
// Output order is stable: OLX rows in scrape order, then remaining Otodom
// rows in scrape order.
func MergeAcrossSources(olx, otodom []listing.Normalized, tol Tolerances) ([]listing.Combined, MergeStats) {
	var stats MergeStats
	consumed := make([]bool, len(otodom))
	flagged := make([]bool, len(otodom))
	out := make([]listing.Combined, 0, len(olx)+len(otodom))

	for _, a := range olx {
		var candidates []int
		for j, b := range otodom {
			if !consumed[j] && sameOffer(a, b, tol) {
				candidates = append(candidates, j)
			}
		}

		switch len(candidates) {
		case 1:
			j := candidates[0]
			consumed[j] = true
			stats.Merged++
			out = append(out, mergePair(a, otodom[j]))
		case 0:
			out = append(out, toCombined(a, false))
		default:
			stats.Ambiguous++
			for _, j := range candidates {
				flagged[j] = true
			}
			out = append(out, toCombined(a, true))
		}
	}

	for j, b := range otodom {
		if consumed[j] {
			continue
		}
		out = append(out, toCombined(b, flagged[j]))
	}
	return out, stats
}

func sameOffer(a, b listing.Normalized, tol Tolerances) bool {
	addrA := listing.CanonicalAddress(a.AddressText)
	if addrA == "" || addrA != listing.CanonicalAddress(b.AddressText) {
		return false
	}
	ref := math.Max(a.PriceZL, b.PriceZL)
	if ref <= 0 || math.Abs(a.PriceZL-b.PriceZL) > ref*tol.PricePct/100 {
		return false
	}
	return math.Abs(a.AreaM2-b.AreaM2) <= tol.AreaM2
}

func mergePair(a, b listing.Normalized) listing.Combined {
	row := toCombined(a, false)
	row.Sources = append(row.Sources, b.Source)
	// Keep the OLX copy's fields; fill gaps from the Otodom copy.
	if row.Rooms == 0 {
		row.Rooms = b.Rooms
	}
	if row.AddressText == "" {
		row.AddressText = b.AddressText
	}
	return row
}

func toCombined(n listing.Normalized, needsReview bool) listing.Combined {
	return listing.Combined{
		Sources:     []listing.Source{n.Source},
		ExternalID:  n.ExternalID,
		URL:         n.URL,
		PriceZL:     n.PriceZL,
		AreaM2:      n.AreaM2,
		Rooms:       n.Rooms,
		Latitude:    n.Latitude,
		Longitude:   n.Longitude,
		AddressText: n.AddressText,
		ScrapedAt:   n.ScrapedAt,
		NeedsReview: needsReview,
	}
}

// Package combine merges normalized per-source datasets into the single
// validated table consumed by enrichment, model training and the dashboard.
package combine

import (
	"strconv"
	"time"

	"github.com/flathunt/pipeline/internal/normalize"
	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/flathunt/pipeline/pkg/runid"
	"github.com/flathunt/pipeline/pkg/schema"
)

// Table is the combined dataset. Rows keep stable order: OLX before Otodom,
// scrape order within a source.
type Table struct {
	Run      runid.RunID
	Contract schema.Contract
	Rows     []listing.Combined
}

// Combine merges the per-source normalized listings, applying the
// cross-source duplicate heuristic, and validates the result against the
// contract. A *schema.Violation return is fatal for the run.
func Combine(
	run runid.RunID,
	bySource map[listing.Source][]listing.Normalized,
	tol normalize.Tolerances,
	contract schema.Contract,
) (*Table, normalize.MergeStats, error) {
	rows, stats := normalize.MergeAcrossSources(bySource[listing.SourceOLX], bySource[listing.SourceOtodom], tol)

	t := &Table{Run: run, Contract: contract, Rows: rows}
	if err := t.Validate(); err != nil {
		return nil, stats, err
	}
	return t, stats, nil
}

// Validate re-checks the rendered table against the contract. Called at
// combine time and again before the table is persisted, since enrichment
// fills optional columns in between.
func (t *Table) Validate() error {
	header, rows := t.Render()
	return t.Contract.Validate(t.Run.Key(), header, rows)
}

// Header returns the CSV column order, which follows the contract.
func (t *Table) Header() []string {
	cols := make([]string, 0, len(t.Contract.Fields))
	for _, f := range t.Contract.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// Render produces the tabular string form used for validation and CSV
// output. Unset optional values render as empty cells.
func (t *Table) Render() ([]string, [][]string) {
	header := t.Header()
	rows := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rows = append(rows, renderRow(header, row))
	}
	return header, rows
}

func renderRow(header []string, row listing.Combined) []string {
	out := make([]string, 0, len(header))
	for _, col := range header {
		out = append(out, renderCell(col, row))
	}
	return out
}

func renderCell(col string, row listing.Combined) string {
	switch col {
	case "source":
		return row.SourceLabel()
	case "external_id":
		return row.ExternalID
	case "url":
		return row.URL
	case "price":
		return formatFloat(row.PriceZL)
	case "area_m2":
		return formatFloat(row.AreaM2)
	case "rooms":
		if row.Rooms == 0 {
			return ""
		}
		return strconv.Itoa(row.Rooms)
	case "latitude":
		return formatFloatPtr(row.Latitude)
	case "longitude":
		return formatFloatPtr(row.Longitude)
	case "address_text":
		return row.AddressText
	case "scraped_at":
		if row.ScrapedAt.IsZero() {
			return ""
		}
		return row.ScrapedAt.Format(time.RFC3339)
	case "travel_time_minutes":
		return formatFloatPtr(row.TravelTimeMinutes)
	case "is_user_offer":
		return strconv.FormatBool(row.IsUserOffer)
	case "needs_review":
		return strconv.FormatBool(row.NeedsReview)
	}
	return ""
}

func formatFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

package pipeline_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flathunt/pipeline/internal/enrich"
	"github.com/flathunt/pipeline/internal/enrich/cache"
	"github.com/flathunt/pipeline/internal/enrich/enrichtest"
	"github.com/flathunt/pipeline/internal/model"
	"github.com/flathunt/pipeline/internal/pipeline"
	"github.com/flathunt/pipeline/internal/store"
	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/flathunt/pipeline/pkg/runid"
	"github.com/flathunt/pipeline/pkg/schema"
)

type scriptedScraper struct {
	rows map[listing.Source][]listing.Raw
	errs map[listing.Source]error
}

func (s *scriptedScraper) Scrape(_ context.Context, _ runid.RunID, src listing.Source) ([]listing.Raw, error) {
	if err := s.errs[src]; err != nil {
		return nil, err
	}
	return s.rows[src], nil
}

type countingTrainer struct {
	calls atomic.Int64
	err   error
}

func (t *countingTrainer) Fit(ctx context.Context, req model.TrainRequest) (model.Handle, error) {
	t.calls.Add(1)
	if t.err != nil {
		return model.Handle{}, t.err
	}
	return model.Baseline{}.Fit(ctx, req)
}

func rawRow(src listing.Source, id, price, area, address string) listing.Raw {
	return listing.Raw{
		Source:     src,
		ExternalID: id,
		URL:        "https://" + string(src) + "/oferta/" + id,
		Fields: map[string]string{
			"price":      price,
			"area":       area,
			"rooms":      "2",
			"address":    address,
			"scraped_at": "2026-08-25T10:00:00Z",
		},
	}
}

type testRig struct {
	store    *store.Store
	geocoder *enrichtest.Geocoder
	router   *enrichtest.Router
	cache    *cache.Cache
	trainer  *countingTrainer
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	return &testRig{
		store:    store.New(t.TempDir()),
		geocoder: &enrichtest.Geocoder{Fallback: enrich.Coordinates{Lat: 51.107, Lon: 17.038}},
		router:   &enrichtest.Router{Minutes: 25},
		cache:    cache.New(cache.NewMemoryStore(), 0, 25),
		trainer:  &countingTrainer{},
	}
}

func (r *testRig) orchestrator(scraper pipeline.Scraper, opts pipeline.Options) *pipeline.Orchestrator {
	client := enrich.NewClient(r.geocoder, r.router, r.cache, enrich.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	return pipeline.NewOrchestrator(r.store, scraper, client, r.cache, r.trainer, opts)
}

func TestRunMergesAcrossSourcesAndEnriches(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	scraper := &scriptedScraper{rows: map[listing.Source][]listing.Raw{
		listing.SourceOLX: {
			rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
		},
		listing.SourceOtodom: {
			rawRow(listing.SourceOtodom, "oto-1", "2 010 zł", "40,2 m²", "ul. Prosta 5, Wrocław"),
		},
	}}

	dest := enrich.Coordinates{Lat: 51.110, Lon: 17.060}
	orch := rig.orchestrator(scraper, pipeline.Options{Destination: &dest})

	res, err := orch.Run(context.Background(), "Wrocław, dolnośląskie", time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	diag := res.Diagnostics
	if diag.FinalStage != pipeline.StageReady {
		t.Fatalf("expected ready, got %s", diag.FinalStage)
	}
	if diag.RawRecords != 2 || diag.DroppedRecords != 0 || diag.MergedRows != 1 {
		t.Fatalf("unexpected cleaning counters: %+v", diag)
	}
	if len(res.Table.Rows) != 1 {
		t.Fatalf("expected one combined row, got %d", len(res.Table.Rows))
	}

	row := res.Table.Rows[0]
	if row.SourceLabel() != "olx.pl+otodom.pl" {
		t.Fatalf("expected merged source label, got %q", row.SourceLabel())
	}
	if row.TravelTimeMinutes == nil || *row.TravelTimeMinutes != 25 {
		t.Fatalf("expected travel time 25, got %v", row.TravelTimeMinutes)
	}
	if diag.GeocodedRows != 1 || diag.TravelTimedRows != 1 {
		t.Fatalf("unexpected enrichment counters: %+v", diag)
	}

	if res.Model.Path == "" {
		t.Fatal("expected a model artifact handle")
	}
	if rig.trainer.calls.Load() != 1 {
		t.Fatalf("expected one training call, got %d", rig.trainer.calls.Load())
	}
	for _, path := range []string{res.CombinedPath, rig.store.DiagnosticsPath(res.Run), res.Model.Path} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected artifact %s: %v", path, err)
		}
	}
}

func TestRunDropsUnparseableAndDuplicateRecords(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	scraper := &scriptedScraper{rows: map[listing.Source][]listing.Raw{
		listing.SourceOLX: {
			rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
			rawRow(listing.SourceOLX, "olx-2", "zapytaj o cenę", "35 m²", "ul. Krótka 1, Wrocław"),
			rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
		},
	}}

	orch := rig.orchestrator(scraper, pipeline.Options{})
	res, err := orch.Run(context.Background(), "Wrocław", time.Now())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	diag := res.Diagnostics
	if diag.DroppedRecords != 1 {
		t.Fatalf("expected 1 dropped record, got %d", diag.DroppedRecords)
	}
	if diag.DuplicateDrops != 1 {
		t.Fatalf("expected 1 duplicate drop, got %d", diag.DuplicateDrops)
	}
	if len(res.Table.Rows) != 1 {
		t.Fatalf("dropped records must not reach the combined table: %d rows", len(res.Table.Rows))
	}
}

func TestRunToleratesOneFailedSource(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	scraper := &scriptedScraper{
		rows: map[listing.Source][]listing.Raw{
			listing.SourceOLX: {
				rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
			},
		},
		errs: map[listing.Source]error{
			listing.SourceOtodom: errors.New("portal down"),
		},
	}

	orch := rig.orchestrator(scraper, pipeline.Options{})
	res, err := orch.Run(context.Background(), "Wrocław", time.Now())
	if err != nil {
		t.Fatalf("one failed source must degrade, not abort: %v", err)
	}
	if res.Diagnostics.FinalStage != pipeline.StageReady {
		t.Fatalf("expected ready, got %s", res.Diagnostics.FinalStage)
	}
	if len(res.Diagnostics.MissingSources) != 1 || res.Diagnostics.MissingSources[0] != "otodom.pl" {
		t.Fatalf("expected otodom.pl reported missing, got %v", res.Diagnostics.MissingSources)
	}
}

func TestRunFailsWithoutAnyRawData(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	orch := rig.orchestrator(nil, pipeline.Options{})

	_, err := orch.Run(context.Background(), "Wrocław", time.Now())
	if !errors.Is(err, store.ErrNoRawData) {
		t.Fatalf("expected ErrNoRawData, got %v", err)
	}
}

func TestRunResumesFromRawFiles(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	run := runid.New("Wrocław", now)
	rows := []listing.Raw{
		rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
	}
	if err := rig.store.SaveRaw(run, listing.SourceOLX, rows); err != nil {
		t.Fatalf("seed raw file: %v", err)
	}

	orch := rig.orchestrator(nil, pipeline.Options{})
	res, err := orch.Run(context.Background(), "Wrocław", now)
	if err != nil {
		t.Fatalf("resume run failed: %v", err)
	}
	if res.Run.Key() != run.Key() {
		t.Fatalf("resume must target the same run dir: %s vs %s", res.Run.Key(), run.Key())
	}
	if res.Diagnostics.RawRecords != 1 || len(res.Table.Rows) != 1 {
		t.Fatalf("raw file not picked up: %+v", res.Diagnostics)
	}
}

func TestRunSchemaViolationAbortsBeforeTraining(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	scraper := &scriptedScraper{rows: map[listing.Source][]listing.Raw{
		listing.SourceOLX: {
			rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
		},
	}}

	contract := schema.Default()
	contract.Fields = append(contract.Fields, schema.Field{
		Name: "district", Type: schema.TypeString, Required: true,
	})
	orch := rig.orchestrator(scraper, pipeline.Options{Contract: contract})

	res, err := orch.Run(context.Background(), "Wrocław", time.Now())
	var violation *schema.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
	if res == nil || res.Diagnostics.FinalStage != pipeline.StageFailed {
		t.Fatalf("expected failed terminal state, got %+v", res)
	}
	if res.Diagnostics.SchemaViolation == "" {
		t.Fatal("expected the violation recorded in diagnostics")
	}
	if rig.trainer.calls.Load() != 0 {
		t.Fatalf("training must not run after a violation, got %d calls", rig.trainer.calls.Load())
	}
	if rig.geocoder.Calls() != 0 {
		t.Fatalf("enrichment must not run after a violation, got %d calls", rig.geocoder.Calls())
	}
	if _, statErr := os.Stat(rig.store.DiagnosticsPath(res.Run)); statErr != nil {
		t.Fatalf("failed runs must still persist diagnostics: %v", statErr)
	}
}

func TestRunTrainingFailureDegrades(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	rig.trainer.err = errors.New("trainer unavailable")
	scraper := &scriptedScraper{rows: map[listing.Source][]listing.Raw{
		listing.SourceOLX: {
			rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
		},
	}}

	orch := rig.orchestrator(scraper, pipeline.Options{})
	res, err := orch.Run(context.Background(), "Wrocław", time.Now())
	if err != nil {
		t.Fatalf("training failure must degrade, not abort: %v", err)
	}
	if res.Diagnostics.FinalStage != pipeline.StageReady {
		t.Fatalf("expected ready, got %s", res.Diagnostics.FinalStage)
	}
	if res.Diagnostics.TrainingError == "" {
		t.Fatal("expected training error recorded in diagnostics")
	}
	if res.Model.Path != "" {
		t.Fatalf("expected empty model handle, got %+v", res.Model)
	}
}

func TestRunCancelledEnrichmentKeepsUnsetFields(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	scraper := &scriptedScraper{rows: map[listing.Source][]listing.Raw{
		listing.SourceOLX: {
			rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław"),
			rawRow(listing.SourceOLX, "olx-2", "2 500 zł", "52 m²", "ul. Krótka 1, Wrocław"),
		},
	}}

	dest := enrich.Coordinates{Lat: 51.110, Lon: 17.060}
	orch := rig.orchestrator(scraper, pipeline.Options{Destination: &dest})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := orch.Run(ctx, "Wrocław", time.Now())
	if err != nil {
		t.Fatalf("cancelled enrichment must degrade, not abort: %v", err)
	}

	diag := res.Diagnostics
	if diag.EnrichmentTimeouts != 2 {
		t.Fatalf("expected both listings abandoned, got %+v", diag)
	}
	if rig.geocoder.Calls() != 0 {
		t.Fatalf("cancelled context must not reach the geocoder, got %d calls", rig.geocoder.Calls())
	}
	for i, row := range res.Table.Rows {
		if row.Latitude != nil || row.TravelTimeMinutes != nil {
			t.Fatalf("abandoned row %d must keep unset fields: %+v", i, row)
		}
	}
	if diag.FinalStage != pipeline.StageReady {
		t.Fatalf("expected ready, got %s", diag.FinalStage)
	}
}

func TestRunReusesCacheAcrossRuns(t *testing.T) {
	t.Parallel()

	rig := newRig(t)
	raw := rawRow(listing.SourceOLX, "olx-1", "2 000 zł", "40 m²", "ul. Prosta 5, Wrocław")
	scraper := &scriptedScraper{rows: map[listing.Source][]listing.Raw{
		listing.SourceOLX: {raw},
	}}

	dest := enrich.Coordinates{Lat: 51.110, Lon: 17.060}
	orch := rig.orchestrator(scraper, pipeline.Options{Destination: &dest})

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if _, err := orch.Run(context.Background(), "Wrocław", base); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	geocodeCalls := rig.geocoder.Calls()

	res, err := orch.Run(context.Background(), "Wrocław", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if rig.geocoder.Calls() != geocodeCalls {
		t.Fatalf("second run must be served from cache, calls went %d -> %d", geocodeCalls, rig.geocoder.Calls())
	}
	if res.Diagnostics.CacheHits == 0 {
		t.Fatalf("expected cache hits reported, got %+v", res.Diagnostics)
	}
}

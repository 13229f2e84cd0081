// Package pipeline sequences the harvest stages, threads the run identity
// through every artifact, and applies the partial-failure policy: per-record
// and per-call failures degrade the output, only a schema violation aborts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flathunt/pipeline/internal/combine"
	"github.com/flathunt/pipeline/internal/enrich"
	"github.com/flathunt/pipeline/internal/enrich/cache"
	"github.com/flathunt/pipeline/internal/log"
	"github.com/flathunt/pipeline/internal/model"
	"github.com/flathunt/pipeline/internal/normalize"
	"github.com/flathunt/pipeline/internal/pipeline/worker"
	"github.com/flathunt/pipeline/internal/store"
	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/flathunt/pipeline/pkg/runid"
	"github.com/flathunt/pipeline/pkg/schema"
)

// Stage names one step of the run state machine.
type Stage string

const (
	StageScraping      Stage = "scraping"
	StageCleaning      Stage = "cleaning"
	StageCombining     Stage = "combining"
	StageEnriching     Stage = "enriching"
	StageModelTraining Stage = "model_training"
	StageReady         Stage = "ready"
	// StageFailed is terminal and reachable from combining only: a malformed
	// combined table would corrupt every later stage.
	StageFailed Stage = "failed"
)

// Scraper is the external collaborator producing raw listings per source.
// A nil scraper means the run resumes from raw files already on disk.
type Scraper interface {
	Scrape(ctx context.Context, run runid.RunID, source listing.Source) ([]listing.Raw, error)
}

// Options configures one orchestrator instance.
type Options struct {
	Workers    int
	Deadline   time.Duration
	Tolerances normalize.Tolerances
	Contract   schema.Contract

	// Destination, when set, is the travel-time target for every listing.
	Destination *enrich.Coordinates

	Features []string
	Target   string
}

// Result is what StageReady exposes to the dashboard collaborator:
// the enriched table, the model handle, and the diagnostics counters.
// All referenced artifacts are read-only once the run completes.
type Result struct {
	Run          runid.RunID
	Table        *combine.Table
	CombinedPath string
	Model        model.Handle
	Diagnostics  Diagnostics
}

// Orchestrator drives one pipeline execution. Each invocation of Run gets a
// fresh RunID; prior runs' artifacts are never touched, so re-runs and
// historical comparison are always safe.
type Orchestrator struct {
	store    *store.Store
	scraper  Scraper
	enricher *enrich.Client
	cache    *cache.Cache
	trainer  model.Trainer
	opts     Options
}

func NewOrchestrator(
	st *store.Store,
	scraper Scraper,
	enricher *enrich.Client,
	c *cache.Cache,
	trainer model.Trainer,
	opts Options,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if len(opts.Contract.Fields) == 0 {
		opts.Contract = schema.Default()
	}
	if opts.Tolerances == (normalize.Tolerances{}) {
		opts.Tolerances = normalize.DefaultTolerances()
	}
	return &Orchestrator{
		store:    st,
		scraper:  scraper,
		enricher: enricher,
		cache:    c,
		trainer:  trainer,
		opts:     opts,
	}
}

// Run executes the full pipeline for one location query. The returned Result
// is valid whenever the run reached StageReady, even if degraded; the
// diagnostics say how degraded.
func (o *Orchestrator) Run(ctx context.Context, locationQuery string, now time.Time) (*Result, error) {
	run := runid.New(locationQuery, now)
	logger := log.WithRun(run.Key())
	diag := Diagnostics{RunKey: run.Key()}

	if o.cache != nil {
		loaded, err := o.cache.Load(ctx)
		if err != nil {
			// A cold cache only costs extra calls.
			logger.WithError(err).Warn("enrichment cache unavailable, starting cold")
		} else {
			logger.WithField("entries", loaded).Debug("enrichment cache loaded")
		}
	}

	// Scraping.
	diag.FinalStage = StageScraping
	if err := o.scrape(ctx, run, logger); err != nil {
		return nil, err
	}

	// Cleaning.
	diag.FinalStage = StageCleaning
	bySource, err := o.clean(run, &diag, logger)
	if err != nil {
		return nil, err
	}

	// Combining. The one fatal stage.
	diag.FinalStage = StageCombining
	table, stats, err := combine.Combine(run, bySource, o.opts.Tolerances, o.opts.Contract)
	if err != nil {
		var violation *schema.Violation
		if errors.As(err, &violation) {
			diag.FinalStage = StageFailed
			diag.SchemaViolation = violation.Error()
			logger.WithError(violation).Error("combined table rejected, aborting run")
			if wErr := o.store.WriteDiagnostics(run, diag); wErr != nil {
				logger.WithError(wErr).Warn("could not persist diagnostics for failed run")
			}
			return &Result{Run: run, Diagnostics: diag}, err
		}
		return nil, err
	}
	diag.MergedRows = stats.Merged
	diag.AmbiguousMerges = stats.Ambiguous
	diag.CombinedRows = len(table.Rows)
	logger.WithField("rows", len(table.Rows)).Info("combined table validated")

	// Enriching. Degraded results pass through; the deadline bounds the
	// whole stage and abandoned listings keep unset fields.
	diag.FinalStage = StageEnriching
	o.enrichTable(ctx, table, &diag, logger)

	if err := o.persistCombined(run, table, logger); err != nil {
		return nil, err
	}

	// ModelTraining.
	diag.FinalStage = StageModelTraining
	handle := o.train(ctx, run, table, &diag, logger)

	diag.FinalStage = StageReady
	if err := o.store.WriteDiagnostics(run, diag); err != nil {
		logger.WithError(err).Warn("could not persist diagnostics")
	}
	logger.WithFields(map[string]any{
		"dropped":             diag.DroppedRecords,
		"duplicates":          diag.DuplicateDrops,
		"merged":              diag.MergedRows,
		"enrichment_failures": diag.EnrichmentFailures,
	}).Info("run ready")

	return &Result{
		Run:          run,
		Table:        table,
		CombinedPath: o.store.CombinedPath(run),
		Model:        handle,
		Diagnostics:  diag,
	}, nil
}

func (o *Orchestrator) scrape(ctx context.Context, run runid.RunID, logger log.Logger) error {
	if o.scraper == nil {
		logger.Debug("no scraper configured, resuming from raw files")
		return nil
	}
	for _, source := range listing.Sources() {
		rows, err := o.scraper.Scrape(ctx, run, source)
		if err != nil {
			// One failed source degrades the run; the cleaning stage
			// tolerates a missing raw file.
			logger.WithError(err).WithField("source", source).Warn("scrape failed for source")
			continue
		}
		if err := o.store.SaveRaw(run, source, rows); err != nil {
			return fmt.Errorf("persist raw %s listings: %w", source, err)
		}
		logger.WithFields(map[string]any{"source": source, "rows": len(rows)}).Info("raw listings stored")
	}
	return nil
}

func (o *Orchestrator) clean(run runid.RunID, diag *Diagnostics, logger log.Logger) (map[listing.Source][]listing.Normalized, error) {
	bySource := make(map[listing.Source][]listing.Normalized)
	norm := normalize.New()
	found := 0

	for _, source := range listing.Sources() {
		rows, ok, err := o.store.LoadRaw(run, source)
		if err != nil {
			return nil, err
		}
		if !ok {
			diag.MissingSources = append(diag.MissingSources, string(source))
			logger.WithField("source", source).Warn("raw file missing, skipping source")
			continue
		}
		found++
		diag.RawRecords += len(rows)

		for _, raw := range rows {
			n, reason := norm.Normalize(raw)
			switch reason {
			case normalize.DropNone:
				bySource[source] = append(bySource[source], *n)
			case normalize.DropDuplicate:
				diag.DuplicateDrops++
			default:
				diag.DroppedRecords++
				logger.WithFields(map[string]any{
					"source": source,
					"id":     raw.ExternalID,
					"reason": reason,
				}).Debug("record dropped")
			}
		}
	}

	if found == 0 {
		return nil, fmt.Errorf("%w %s", store.ErrNoRawData, run.Key())
	}
	return bySource, nil
}

func (o *Orchestrator) enrichTable(ctx context.Context, table *combine.Table, diag *Diagnostics, logger log.Logger) {
	if o.enricher == nil {
		logger.Debug("no enrichment client configured, skipping stage")
		return
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if o.opts.Deadline > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, o.opts.Deadline)
		defer cancel()
	}

	idx := make([]int, len(table.Rows))
	for i := range idx {
		idx[i] = i
	}

	before := o.enricher.Stats()
	results := worker.ProcessAll(stageCtx, idx, func(ctx context.Context, i int) (listing.Combined, error) {
		return o.enrichRow(ctx, table.Rows[i])
	}, o.opts.Workers)

	for i, res := range results {
		// Abandoned listings (deadline, cancellation) keep their original
		// unset fields.
		if res.Err != nil && (errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(res.Err, context.Canceled)) {
			diag.EnrichmentTimeouts++
			continue
		}
		// A partially enriched row (coordinates resolved, route failed) is
		// still worth keeping.
		table.Rows[i] = res.Output
		if res.Err != nil {
			diag.EnrichmentFailures++
		}
		if res.Output.Latitude != nil {
			diag.GeocodedRows++
		}
		if res.Output.TravelTimeMinutes != nil {
			diag.TravelTimedRows++
		}
	}

	after := o.enricher.Stats()
	diag.CacheHits = after.CacheHits - before.CacheHits
	diag.CacheMisses = after.Resolved - before.Resolved + after.Failed - before.Failed

	if o.cache != nil {
		if err := o.cache.Flush(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("enrichment cache flush failed")
		}
	}
	logger.WithFields(map[string]any{
		"geocoded":  diag.GeocodedRows,
		"routed":    diag.TravelTimedRows,
		"failures":  diag.EnrichmentFailures,
		"timeouts":  diag.EnrichmentTimeouts,
		"cache_hit": diag.CacheHits,
	}).Info("enrichment finished")
}

// enrichRow resolves coordinates and then the travel time for one listing.
// A resolution failure returns the row unchanged with the error; the caller
// records it and the listing keeps unset fields.
func (o *Orchestrator) enrichRow(ctx context.Context, row listing.Combined) (listing.Combined, error) {
	if row.Latitude == nil || row.Longitude == nil {
		if row.AddressText == "" {
			return row, nil
		}
		coords, err := o.enricher.ResolveGeocode(ctx, row.AddressText)
		if err != nil {
			return row, err
		}
		row.Latitude = &coords.Lat
		row.Longitude = &coords.Lon
	}

	if o.opts.Destination != nil && row.TravelTimeMinutes == nil {
		minutes, err := o.enricher.ResolveTravelTime(ctx,
			enrich.Coordinates{Lat: *row.Latitude, Lon: *row.Longitude},
			*o.opts.Destination,
		)
		if err != nil {
			// Coordinates resolved; only the travel time is missing.
			return row, err
		}
		row.TravelTimeMinutes = &minutes
	}
	return row, nil
}

func (o *Orchestrator) persistCombined(run runid.RunID, table *combine.Table, logger log.Logger) error {
	header, rows := table.Render()
	if err := o.store.WriteCombined(run, header, rows); err != nil {
		return fmt.Errorf("persist combined table: %w", err)
	}
	logger.WithField("path", o.store.CombinedPath(run)).Info("combined table written")
	return nil
}

func (o *Orchestrator) train(ctx context.Context, run runid.RunID, table *combine.Table, diag *Diagnostics, logger log.Logger) model.Handle {
	if o.trainer == nil {
		return model.Handle{}
	}
	handle, err := o.trainer.Fit(ctx, model.TrainRequest{
		Table:        table,
		Features:     o.opts.Features,
		Target:       o.opts.Target,
		ArtifactPath: o.store.ModelPath(run),
	})
	if err != nil {
		// Training failure degrades the run: the dashboard still gets the
		// enriched table.
		diag.TrainingError = err.Error()
		logger.WithError(err).Warn("model training failed")
		return model.Handle{}
	}
	logger.WithFields(map[string]any{"path": handle.Path, "mae": handle.ValidationMAE}).Info("model trained")
	return handle
}

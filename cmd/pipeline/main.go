package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flathunt/pipeline/internal/config"
	"github.com/flathunt/pipeline/internal/enrich"
	"github.com/flathunt/pipeline/internal/enrich/cache"
	"github.com/flathunt/pipeline/internal/log"
	"github.com/flathunt/pipeline/internal/model"
	"github.com/flathunt/pipeline/internal/normalize"
	"github.com/flathunt/pipeline/internal/pipeline"
	"github.com/flathunt/pipeline/internal/store"
	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/flathunt/pipeline/pkg/runid"
	"github.com/flathunt/pipeline/pkg/schema"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "run":
		os.Exit(runPipeline(ctx, os.Args[2:]))
	case "list-runs":
		os.Exit(listRuns(os.Args[2:]))
	case "cache-prune":
		os.Exit(cachePrune(ctx, os.Args[2:]))
	case "predict":
		os.Exit(predict(os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

// rawFlags collects repeated -raw source=path pairs.
type rawFlags map[listing.Source]string

func (r rawFlags) String() string {
	parts := make([]string, 0, len(r))
	for src, path := range r {
		parts = append(parts, string(src)+"="+path)
	}
	return strings.Join(parts, ",")
}

func (r rawFlags) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want source=path, got %q", v)
	}
	src, ok := listing.ParseSource(name)
	if !ok {
		return fmt.Errorf("unknown source %q", name)
	}
	r[src] = path
	return nil
}

// fileScraper feeds pre-harvested raw CSV files into the pipeline as if a
// live scraper had produced them.
type fileScraper struct {
	paths rawFlags
}

func (s *fileScraper) Scrape(_ context.Context, _ runid.RunID, src listing.Source) ([]listing.Raw, error) {
	path, ok := s.paths[src]
	if !ok {
		return nil, fmt.Errorf("no raw file provided for %s", src)
	}
	return store.ReadRawFile(path, src)
}

func runPipeline(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Optional YAML config file (env: FLATHUNT_*)")
	location := fs.String("location", "", "Location query the run harvests, e.g. \"Wrocław, dolnośląskie\"")
	raws := rawFlags{}
	fs.Var(raws, "raw", "Raw listings CSV as source=path (repeatable, e.g. olx.pl=olx.csv)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *location == "" {
		_, _ = fmt.Fprintln(os.Stderr, "run requires --location")
		return 2
	}
	if len(raws) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "run requires at least one --raw source=path")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return 2
	}
	logger := log.Init(cfg.Environment, cfg.LogLevel)

	contract := schema.Default()
	if cfg.Pipeline.SchemaPath != "" {
		f, err := os.Open(cfg.Pipeline.SchemaPath)
		if err != nil {
			logger.WithError(err).Error("could not open schema contract")
			return 2
		}
		contract, err = schema.Load(f)
		_ = f.Close()
		if err != nil {
			logger.WithError(err).Error("could not parse schema contract")
			return 2
		}
	}

	dbStore, err := cache.OpenDB(cache.DBConfig{
		Driver: cfg.Cache.Driver,
		Path:   cfg.Cache.Path,
		DSN:    cfg.Cache.DSN,
	})
	if err != nil {
		logger.WithError(err).Error("could not open enrichment cache")
		return 1
	}
	enrichCache := cache.New(dbStore, cfg.Cache.TTL, cfg.Cache.FlushEvery)

	geocoder := enrich.NewNominatimGeocoder(enrich.NominatimConfig{
		BaseURL:        cfg.Enrich.GeocoderBaseURL,
		UserAgent:      cfg.Enrich.UserAgent,
		RequestTimeout: cfg.Enrich.RequestTimeout,
	})
	router := enrich.NewOSRMRouter(enrich.OSRMConfig{
		BaseURL:        cfg.Enrich.RouterBaseURL,
		UserAgent:      cfg.Enrich.UserAgent,
		RequestTimeout: cfg.Enrich.RequestTimeout,
	})
	client := enrich.NewClient(geocoder, router, enrichCache, enrich.Options{
		MaxAttempts:       cfg.Enrich.MaxAttempts,
		BackoffInitial:    cfg.Enrich.BackoffInitial,
		BackoffMax:        cfg.Enrich.BackoffMax,
		BackoffJitterFrac: 0.2,
		RateLimitRPS:      cfg.Enrich.RateLimitRPS,
		RateBurst:         cfg.Enrich.RateBurst,
	})

	dest, err := parseDestination(cfg.Enrich.Destination)
	if err != nil {
		logger.WithError(err).Error("invalid enrich.destination")
		return 2
	}

	orch := pipeline.NewOrchestrator(
		store.New(cfg.DataDir),
		&fileScraper{paths: raws},
		client,
		enrichCache,
		model.Baseline{},
		pipeline.Options{
			Workers:  cfg.Pipeline.Workers,
			Deadline: cfg.Pipeline.RunDeadline,
			Tolerances: normalize.Tolerances{
				PricePct: cfg.Normalize.PriceTolerancePct,
				AreaM2:   cfg.Normalize.AreaToleranceM2,
			},
			Contract:    contract,
			Destination: dest,
			Features:    cfg.Model.Features,
			Target:      cfg.Model.Target,
		},
	)

	res, err := orch.Run(ctx, *location, time.Now())
	if err != nil {
		logger.WithError(err).Error("run failed")
		return 1
	}
	fmt.Printf("run %s ready: %d rows -> %s\n", res.Run.Key(), len(res.Table.Rows), res.CombinedPath)
	if res.Model.Path != "" {
		fmt.Printf("model: %s (validation MAE %.2f)\n", res.Model.Path, res.Model.ValidationMAE)
	}
	return 0
}

func listRuns(args []string) int {
	fs := flag.NewFlagSet("list-runs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return 2
	}

	runs, err := store.New(cfg.DataDir).ListRuns()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "list runs: %s\n", err)
		return 1
	}
	for _, run := range runs {
		fmt.Println(run.Key())
	}
	return 0
}

func cachePrune(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cache-prune", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "", "Optional YAML config file")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Remove cache entries resolved longer ago than this")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return 2
	}

	dbStore, err := cache.OpenDB(cache.DBConfig{
		Driver: cfg.Cache.Driver,
		Path:   cfg.Cache.Path,
		DSN:    cfg.Cache.DSN,
	})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "open cache: %s\n", err)
		return 1
	}
	removed, err := dbStore.Invalidate(ctx, time.Now().Add(-*olderThan))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "prune cache: %s\n", err)
		return 1
	}
	fmt.Printf("removed %d cache entries\n", removed)
	return 0
}

func predict(args []string) int {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	artifact := fs.String("model", "", "Path to a model artifact produced by a run")
	area := fs.Float64("area", 0, "Apartment area in square meters")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *artifact == "" || *area <= 0 {
		_, _ = fmt.Fprintln(os.Stderr, "predict requires --model and a positive --area")
		return 2
	}

	price, err := model.Predict(*artifact, *area)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "predict: %s\n", err)
		return 1
	}
	fmt.Printf("%.0f zł\n", price)
	return 0
}

func parseDestination(s string) (*enrich.Coordinates, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("want \"lat,lon\", got %q", s)
	}
	lat, latErr := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if latErr != nil || lonErr != nil {
		return nil, fmt.Errorf("want \"lat,lon\", got %q", s)
	}
	return &enrich.Coordinates{Lat: lat, Lon: lon}, nil
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `pipeline: apartment listing harvest pipeline

Usage:
  pipeline <command> [flags]

Commands:
  run          Execute a full harvest run over pre-scraped raw CSV files
  list-runs    Print run keys present in the data directory, oldest first
  cache-prune  Remove stale entries from the enrichment cache
  predict      Apply a run's model artifact to an area value

Examples:
  pipeline run --location "Wrocław, dolnośląskie" --raw olx.pl=olx.csv --raw otodom.pl=otodom.csv
  pipeline cache-prune --older-than 720h
  pipeline predict --model data/2026_08_25_12_00_00_Wroclaw__dolnoslaskie/model.json --area 48

Configuration is read from an optional YAML file (--config) and FLATHUNT_*
environment variables; a .env file in the working directory is honored.

`)
}

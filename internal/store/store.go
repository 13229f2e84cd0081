// Package store persists per-run pipeline artifacts. Every run owns one
// directory named after its run key; files inside it are written once and
// never mutated, so historical runs stay comparable.
package store

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/flathunt/pipeline/pkg/runid"
)

// ErrNoRawData reports that neither source produced a raw file for the run.
var ErrNoRawData = errors.New("no raw listing files found for run")

// Store lays out run artifacts under a base data directory.
type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// RunDir returns the directory owned by a run.
func (s *Store) RunDir(run runid.RunID) string {
	return filepath.Join(s.baseDir, run.Key())
}

func (s *Store) rawPath(run runid.RunID, source listing.Source) string {
	return filepath.Join(s.RunDir(run), string(source)+".csv")
}

// CombinedPath is where the validated combined table lands.
func (s *Store) CombinedPath(run runid.RunID) string {
	return filepath.Join(s.RunDir(run), "combined.csv")
}

// DiagnosticsPath is where the end-of-run report lands.
func (s *Store) DiagnosticsPath(run runid.RunID) string {
	return filepath.Join(s.RunDir(run), "diagnostics.json")
}

// ModelPath is where the trained model artifact lands.
func (s *Store) ModelPath(run runid.RunID) string {
	return filepath.Join(s.RunDir(run), "model.json")
}

// SaveRaw writes one source's raw listings as a CSV file in the run
// directory. The header is external_id, url, then the sorted union of raw
// field names so reruns produce byte-stable files.
func (s *Store) SaveRaw(run runid.RunID, source listing.Source, rows []listing.Raw) error {
	if err := os.MkdirAll(s.RunDir(run), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	fieldSet := map[string]struct{}{}
	for _, r := range rows {
		for k := range r.Fields {
			fieldSet[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	f, err := os.Create(s.rawPath(run, source))
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	w := csv.NewWriter(f)
	header := append([]string{"external_id", "url"}, fields...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, r.ExternalID, r.URL)
		for _, k := range fields {
			rec = append(rec, r.Fields[k])
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// LoadRaw reads one source's raw file back. A missing file returns
// (nil, false, nil): one absent source is tolerated and the caller decides
// whether the run can proceed.
func (s *Store) LoadRaw(run runid.RunID, source listing.Source) ([]listing.Raw, bool, error) {
	f, err := os.Open(s.rawPath(run, source))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = f.Close()
	}()

	rows, err := readRawCSV(f, source)
	if err != nil {
		return nil, true, fmt.Errorf("read %s: %w", s.rawPath(run, source), err)
	}
	return rows, true, nil
}

func readRawCSV(r io.Reader, source listing.Source) ([]listing.Raw, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 || header[0] != "external_id" || header[1] != "url" {
		return nil, fmt.Errorf("unexpected raw header %v", header)
	}

	var out []listing.Raw
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		raw := listing.Raw{
			Source: source,
			Fields: make(map[string]string, len(header)-2),
		}
		if len(rec) > 0 {
			raw.ExternalID = rec[0]
		}
		if len(rec) > 1 {
			raw.URL = rec[1]
		}
		for i := 2; i < len(header) && i < len(rec); i++ {
			if rec[i] != "" {
				raw.Fields[header[i]] = rec[i]
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

// ReadRawFile parses a raw listings CSV from an arbitrary path, for importing
// scrape output produced outside the pipeline.
func ReadRawFile(path string, source listing.Source) ([]listing.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	rows, err := readRawCSV(f, source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// WriteCombined persists the validated combined table.
func (s *Store) WriteCombined(run runid.RunID, header []string, rows [][]string) error {
	if err := os.MkdirAll(s.RunDir(run), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.Create(s.CombinedPath(run))
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// WriteDiagnostics persists the end-of-run report as indented JSON.
func (s *Store) WriteDiagnostics(run runid.RunID, report any) error {
	if err := os.MkdirAll(s.RunDir(run), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.DiagnosticsPath(run), append(b, '\n'), 0o644)
}

// ListRuns returns the run keys present under the base directory, oldest
// first. Entries that do not parse as run keys are skipped.
func (s *Store) ListRuns() ([]runid.RunID, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var runs []runid.RunID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := runid.ParseKey(e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

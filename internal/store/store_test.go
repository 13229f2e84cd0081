package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flathunt/pipeline/internal/store"
	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/flathunt/pipeline/pkg/runid"
)

func testRun() runid.RunID {
	return runid.New("Katowice", time.Date(2024, 3, 17, 21, 45, 9, 0, time.UTC))
}

func TestSaveLoadRawRoundTrip(t *testing.T) {
	t.Parallel()

	s := store.New(t.TempDir())
	run := testRun()

	in := []listing.Raw{
		{
			Source:     listing.SourceOLX,
			ExternalID: "1",
			URL:        "https://olx.pl/oferta/1",
			Fields:     map[string]string{"price": "2000 zł", "area": "40 m²"},
		},
		{
			Source:     listing.SourceOLX,
			ExternalID: "2",
			URL:        "https://olx.pl/oferta/2",
			Fields:     map[string]string{"price": "3100 zł"},
		},
	}

	if err := s.SaveRaw(run, listing.SourceOLX, in); err != nil {
		t.Fatalf("SaveRaw: %v", err)
	}

	out, ok, err := s.LoadRaw(run, listing.SourceOLX)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if !ok {
		t.Fatal("expected raw file to exist")
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	if out[0].ExternalID != "1" || out[0].Fields["price"] != "2000 zł" || out[0].Fields["area"] != "40 m²" {
		t.Fatalf("unexpected row[0]: %#v", out[0])
	}
	if _, present := out[1].Fields["area"]; present {
		t.Fatalf("empty cell should not produce a field: %#v", out[1].Fields)
	}
}

func TestLoadRawMissingFile(t *testing.T) {
	t.Parallel()

	s := store.New(t.TempDir())
	rows, ok, err := s.LoadRaw(testRun(), listing.SourceOtodom)
	if err != nil {
		t.Fatalf("LoadRaw: %v", err)
	}
	if ok || rows != nil {
		t.Fatalf("expected missing file, got ok=%t rows=%v", ok, rows)
	}
}

func TestRunDirLayout(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	s := store.New(base)
	run := testRun()

	if err := s.WriteCombined(run, []string{"source", "price"}, [][]string{{"olx.pl", "2000"}}); err != nil {
		t.Fatalf("WriteCombined: %v", err)
	}
	if err := s.WriteDiagnostics(run, map[string]int{"dropped_records": 1}); err != nil {
		t.Fatalf("WriteDiagnostics: %v", err)
	}

	wantDir := filepath.Join(base, "2024_03_17_21_45_09_Katowice")
	for _, name := range []string{"combined.csv", "diagnostics.json"} {
		if _, err := os.Stat(filepath.Join(wantDir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	s := store.New(base)

	early := runid.New("Katowice", time.Date(2024, 3, 16, 8, 0, 0, 0, time.UTC))
	late := runid.New("Katowice", time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC))
	for _, run := range []runid.RunID{late, early} {
		if err := s.SaveRaw(run, listing.SourceOLX, nil); err != nil {
			t.Fatalf("SaveRaw: %v", err)
		}
	}
	// Stray directory that is not a run key.
	if err := os.Mkdir(filepath.Join(base, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if !runs[0].Timestamp.Equal(early.Timestamp) || !runs[1].Timestamp.Equal(late.Timestamp) {
		t.Fatalf("runs not sorted oldest first: %v", runs)
	}
}

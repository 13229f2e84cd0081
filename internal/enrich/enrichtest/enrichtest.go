// Package enrichtest provides scripted geocoder/router doubles and minimal
// HTTP mock services for exercising the enrichment stack without the real
// external endpoints.
package enrichtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/flathunt/pipeline/internal/enrich"
)

// Geocoder is a scripted enrich.Geocoder that counts calls.
type Geocoder struct {
	mu    sync.Mutex
	calls int

	// FailFirst makes the first N calls fail transiently.
	FailFirst int
	// Err, when set, is returned on every call (after FailFirst is spent).
	Err error
	// Coords is returned on success, keyed by address; Fallback covers the rest.
	Coords   map[string]enrich.Coordinates
	Fallback enrich.Coordinates
}

func (g *Geocoder) Geocode(_ context.Context, address string) (enrich.Coordinates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.FailFirst {
		return enrich.Coordinates{}, &enrich.TransientError{Err: fmt.Errorf("scripted failure %d", g.calls)}
	}
	if g.Err != nil {
		return enrich.Coordinates{}, g.Err
	}
	if c, ok := g.Coords[address]; ok {
		return c, nil
	}
	return g.Fallback, nil
}

func (g *Geocoder) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Router is a scripted enrich.Router that counts calls.
type Router struct {
	mu    sync.Mutex
	calls int

	FailFirst int
	Err       error
	Minutes   float64
}

func (r *Router) TravelTime(context.Context, enrich.Coordinates, enrich.Coordinates) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.FailFirst {
		return 0, &enrich.TransientError{Err: fmt.Errorf("scripted failure %d", r.calls)}
	}
	if r.Err != nil {
		return 0, r.Err
	}
	return r.Minutes, nil
}

func (r *Router) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// NominatimHandler serves a minimal /search endpoint. Addresses present in
// Known resolve; everything else gets an empty result set.
type NominatimHandler struct {
	mu    sync.Mutex
	calls int

	Known map[string][2]float64
	// FailStatus, when nonzero, is returned for the first FailFirst calls.
	FailStatus int
	FailFirst  int
}

func (h *NominatimHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *NominatimHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.calls++
	failing := h.FailStatus != 0 && h.calls <= h.FailFirst
	h.mu.Unlock()

	if failing {
		http.Error(w, "upstream unavailable", h.FailStatus)
		return
	}

	q := r.URL.Query().Get("q")
	type place struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	out := []place{}
	if coords, ok := h.Known[q]; ok {
		out = append(out, place{
			Lat: fmt.Sprintf("%f", coords[0]),
			Lon: fmt.Sprintf("%f", coords[1]),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// OSRMHandler serves a minimal /route/v1/driving endpoint returning a fixed
// duration, or NoRoute when NoRoute is set.
type OSRMHandler struct {
	mu    sync.Mutex
	calls int

	DurationSeconds float64
	NoRoute         bool
}

func (h *OSRMHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *OSRMHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if h.NoRoute {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "NoRoute", "routes": []any{}})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": "Ok",
		"routes": []map[string]any{
			{"duration": h.DurationSeconds},
		},
	})
}

package enrich

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// NominatimGeocoder resolves addresses against a Nominatim-compatible
// endpoint. Nominatim's usage policy requires an identifying User-Agent and
// caps clients at one request per second; the shared rate limiter in the
// enrichment client is sized accordingly.
type NominatimGeocoder struct {
	client *resty.Client
}

// NominatimConfig configures the geocoder HTTP client.
type NominatimConfig struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
}

func NewNominatimGeocoder(cfg NominatimConfig) *NominatimGeocoder {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", cfg.UserAgent).
		SetTimeout(cfg.RequestTimeout)
	return &NominatimGeocoder{client: client}
}

type nominatimPlace struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves a free-form address. An empty result set is
// ErrGeoNotFound; HTTP 429/5xx responses come back as transient errors.
func (g *NominatimGeocoder) Geocode(ctx context.Context, address string) (Coordinates, error) {
	var places []nominatimPlace
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":      address,
			"format": "jsonv2",
			"limit":  "1",
		}).
		SetResult(&places).
		Get("/search")
	if err != nil {
		return Coordinates{}, &TransientError{Err: fmt.Errorf("geocode %q: %w", address, err)}
	}
	if resp.IsError() {
		return Coordinates{}, newHTTPError("geocode", resp.StatusCode(), resp.Body())
	}
	if len(places) == 0 {
		return Coordinates{}, fmt.Errorf("geocode %q: %w", address, ErrGeoNotFound)
	}

	lat, latErr := strconv.ParseFloat(places[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(places[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		return Coordinates{}, fmt.Errorf("geocode %q: malformed coordinates %q,%q", address, places[0].Lat, places[0].Lon)
	}
	return Coordinates{Lat: lat, Lon: lon}, nil
}

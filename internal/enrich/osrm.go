package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// OSRMRouter computes driving times against an OSRM-compatible routing
// endpoint.
type OSRMRouter struct {
	client *resty.Client
}

// OSRMConfig configures the router HTTP client.
type OSRMConfig struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
}

func NewOSRMRouter(cfg OSRMConfig) *OSRMRouter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", cfg.UserAgent).
		SetTimeout(cfg.RequestTimeout)
	return &OSRMRouter{client: client}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"` // seconds
	} `json:"routes"`
}

// TravelTime returns the fastest driving duration in minutes. OSRM's NoRoute
// answer maps to ErrRouteNotFound; 429/5xx responses are transient.
func (r *OSRMRouter) TravelTime(ctx context.Context, origin, dest Coordinates) (float64, error) {
	// OSRM wants lon,lat pairs.
	path := fmt.Sprintf("/route/v1/driving/%f,%f;%f,%f", origin.Lon, origin.Lat, dest.Lon, dest.Lat)

	var out osrmResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("overview", "false").
		SetResult(&out).
		Get(path)
	if err != nil {
		return 0, &TransientError{Err: fmt.Errorf("route: %w", err)}
	}
	if resp.IsError() {
		return 0, newHTTPError("route", resp.StatusCode(), resp.Body())
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("route %f,%f -> %f,%f: %w", origin.Lat, origin.Lon, dest.Lat, dest.Lon, ErrRouteNotFound)
	}
	return out.Routes[0].Duration / 60, nil
}

// Package enrich resolves geocoding and travel-time metadata for combined
// listings, consulting a durable cache and respecting the external services'
// rate limits.
package enrich

import (
	"context"
	"errors"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64
	Lon float64
}

// ErrGeoNotFound means the geocoder answered but knows no such address.
// Not retryable: the listing proceeds with unset coordinates.
var ErrGeoNotFound = errors.New("address not found")

// ErrRouteNotFound means the router answered but found no route between the
// points. Not retryable.
var ErrRouteNotFound = errors.New("no route between points")

// Geocoder resolves a free-form address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Coordinates, error)
}

// Router computes a travel time in minutes between two points.
type Router interface {
	TravelTime(ctx context.Context, origin, dest Coordinates) (float64, error)
}

// TransientError marks an upstream failure as retryable: timeouts, 5xx
// responses and rate-limit rejections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

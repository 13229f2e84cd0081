package enrich

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/flathunt/pipeline/internal/enrich/cache"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// Options tunes the retry and admission-control policy. The token bucket is
// shared by every worker, so concurrency raises throughput without exceeding
// the external service's quota.
type Options struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffJitterFrac float64

	// RateLimitRPS caps outbound calls across all workers. <=0 disables.
	RateLimitRPS float64
	RateBurst    int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Stats counts resolutions for end-of-run reporting. Updated atomically by
// concurrent workers.
type Stats struct {
	CacheHits int64
	Resolved  int64
	Failed    int64
}

// Client is the enrichment entry point: cache first, then a rate-limited,
// retried call to the external service, then write-through to the cache.
type Client struct {
	geocoder Geocoder
	router   Router
	cache    *cache.Cache
	limiter  *rate.Limiter
	opts     Options

	flights *xsync.MapOf[string, *flight]

	cacheHits atomic.Int64
	resolved  atomic.Int64
	failed    atomic.Int64
}

func NewClient(geocoder Geocoder, router Router, c *cache.Cache, opts Options) *Client {
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateBurst)
	}
	return &Client{
		geocoder: geocoder,
		router:   router,
		cache:    c,
		limiter:  limiter,
		opts:     opts,
		flights:  xsync.NewMapOf[string, *flight](),
	}
}

// Stats returns a snapshot of the resolution counters.
func (c *Client) Stats() Stats {
	return Stats{
		CacheHits: c.cacheHits.Load(),
		Resolved:  c.resolved.Load(),
		Failed:    c.failed.Load(),
	}
}

// ResolveGeocode returns coordinates for an address. A cache hit costs no
// network call; concurrent requests for the same fingerprint share one
// outbound call.
func (c *Client) ResolveGeocode(ctx context.Context, address string) (Coordinates, error) {
	fp := cache.FingerprintAddress(address)
	if e, ok := c.cache.Get(fp); ok && e.Latitude != nil && e.Longitude != nil {
		c.cacheHits.Add(1)
		return Coordinates{Lat: *e.Latitude, Lon: *e.Longitude}, nil
	}

	entry, err := c.resolveOnce(ctx, fp, func(ctx context.Context) (cache.Entry, error) {
		coords, err := c.geocoder.Geocode(ctx, address)
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{Fingerprint: fp, Latitude: &coords.Lat, Longitude: &coords.Lon}, nil
	})
	if err != nil {
		c.failed.Add(1)
		return Coordinates{}, err
	}
	c.resolved.Add(1)
	return Coordinates{Lat: *entry.Latitude, Lon: *entry.Longitude}, nil
}

// ResolveTravelTime returns minutes between two points, keyed by rounded
// coordinates so nearby origins share cache entries.
func (c *Client) ResolveTravelTime(ctx context.Context, origin, dest Coordinates) (float64, error) {
	fp := cache.FingerprintRoute(origin.Lat, origin.Lon, dest.Lat, dest.Lon)
	if e, ok := c.cache.Get(fp); ok && e.TravelTimeMinutes != nil {
		c.cacheHits.Add(1)
		return *e.TravelTimeMinutes, nil
	}

	entry, err := c.resolveOnce(ctx, fp, func(ctx context.Context) (cache.Entry, error) {
		minutes, err := c.router.TravelTime(ctx, origin, dest)
		if err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{Fingerprint: fp, TravelTimeMinutes: &minutes}, nil
	})
	if err != nil {
		c.failed.Add(1)
		return 0, err
	}
	c.resolved.Add(1)
	return *entry.TravelTimeMinutes, nil
}

type flight struct {
	done  chan struct{}
	entry cache.Entry
	err   error
}

// resolveOnce serializes concurrent resolutions of one fingerprint: the
// first caller performs the rate-limited call, later callers wait for its
// result instead of issuing duplicates.
func (c *Client) resolveOnce(
	ctx context.Context,
	fp string,
	call func(context.Context) (cache.Entry, error),
) (cache.Entry, error) {
	f, inFlight := c.flights.LoadOrStore(fp, &flight{done: make(chan struct{})})
	if inFlight {
		select {
		case <-f.done:
			return f.entry, f.err
		case <-ctx.Done():
			return cache.Entry{}, ctx.Err()
		}
	}
	defer c.flights.Delete(fp)

	// Double check: a previous flight may have landed between the cache miss
	// and winning this flight slot.
	if e, ok := c.cache.Get(fp); ok {
		f.entry = e
		close(f.done)
		return e, nil
	}

	f.entry, f.err = c.withRetry(ctx, call)
	if f.err == nil {
		// The resolved value is good even if the durable write fails; the
		// entry stays in memory and the next flush retries.
		_ = c.cache.Put(ctx, f.entry)
	}
	close(f.done)
	return f.entry, f.err
}

// withRetry is the transient-failure policy: wait for a rate-limit token,
// call, and on a transient error back off exponentially up to MaxAttempts.
func (c *Client) withRetry(ctx context.Context, call func(context.Context) (cache.Entry, error)) (cache.Entry, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cache.Entry{}, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return cache.Entry{}, err
			}
		}

		entry, err := call(ctx)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return cache.Entry{}, ctx.Err()
		}
		if !isTransient(err) {
			return cache.Entry{}, err
		}
		lastErr = err

		if attempt == c.opts.MaxAttempts-1 {
			break
		}
		t := time.NewTimer(c.backoffSleep(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return cache.Entry{}, ctx.Err()
		}
	}
	return cache.Entry{}, lastErr
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func (c *Client) backoffSleep(attempt int) time.Duration {
	sleep := c.opts.BackoffInitial
	for i := 0; i < attempt && sleep < c.opts.BackoffMax; i++ {
		sleep *= 2
		if sleep > c.opts.BackoffMax {
			sleep = c.opts.BackoffMax
			break
		}
	}
	if c.opts.BackoffJitterFrac <= 0 {
		return sleep
	}
	j := 1 + (rand.Float64()*2-1)*c.opts.BackoffJitterFrac
	return time.Duration(float64(sleep) * j)
}

// Package cache is the durable fingerprint-keyed store of resolved geocode
// and travel-time results. It is shared by all enrichment workers and
// survives across runs, so an address resolved once is never paid for again.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flathunt/pipeline/pkg/listing"
	"github.com/puzpuzpuz/xsync/v3"
)

// Entry is one resolved fingerprint. Geocode entries carry coordinates,
// route entries carry a travel time; ResolvedAt drives TTL staleness.
type Entry struct {
	Fingerprint       string
	Latitude          *float64
	Longitude         *float64
	TravelTimeMinutes *float64
	ResolvedAt        time.Time
}

// Store is the durable backend behind the in-memory map.
type Store interface {
	LoadAll(ctx context.Context) ([]Entry, error)
	Upsert(ctx context.Context, entries []Entry) error
}

// FingerprintAddress keys a geocode lookup: case-folded, whitespace-collapsed
// address text.
func FingerprintAddress(address string) string {
	return "addr:" + listing.CanonicalAddress(address)
}

// FingerprintRoute keys a travel-time lookup. Coordinates are rounded to four
// decimal places (~11 m) so nearby origins share an entry.
func FingerprintRoute(originLat, originLon, destLat, destLon float64) string {
	return fmt.Sprintf("route:%.4f,%.4f->%.4f,%.4f", originLat, originLon, destLat, destLon)
}

// Cache fronts the durable store with a concurrent map. Reads are lock-free;
// writes go through the map's per-key atomic upsert and are flushed to the
// store every flushEvery writes and on Flush.
type Cache struct {
	entries    *xsync.MapOf[string, Entry]
	store      Store
	ttl        time.Duration
	flushEvery int

	mu     sync.Mutex
	dirty  []Entry
	writes int
}

// New builds an empty cache over the given durable store. ttl of zero means
// entries never go stale. flushEvery bounds how many resolutions can be lost
// on a crash.
func New(store Store, ttl time.Duration, flushEvery int) *Cache {
	if flushEvery <= 0 {
		flushEvery = 25
	}
	return &Cache{
		entries:    xsync.NewMapOf[string, Entry](),
		store:      store,
		ttl:        ttl,
		flushEvery: flushEvery,
	}
}

// Load populates the in-memory map from the durable store. Called once at
// orchestrator start; stale entries are skipped so they get re-resolved.
func (c *Cache) Load(ctx context.Context) (int, error) {
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load enrichment cache: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if c.stale(e) {
			continue
		}
		c.entries.Store(e.Fingerprint, e)
		loaded++
	}
	return loaded, nil
}

// Get returns the cached entry for a fingerprint, if present and fresh.
func (c *Cache) Get(fingerprint string) (Entry, bool) {
	e, ok := c.entries.Load(fingerprint)
	if !ok || c.stale(e) {
		return Entry{}, false
	}
	return e, true
}

// Put writes through: the entry becomes visible to other workers immediately
// and is queued for the next durable flush.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	if e.ResolvedAt.IsZero() {
		e.ResolvedAt = time.Now()
	}
	c.entries.Store(e.Fingerprint, e)

	c.mu.Lock()
	c.dirty = append(c.dirty, e)
	c.writes++
	shouldFlush := c.writes%c.flushEvery == 0
	c.mu.Unlock()

	if shouldFlush {
		return c.Flush(ctx)
	}
	return nil
}

// Flush persists pending writes. Also called at orchestrator end.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.dirty
	c.dirty = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := c.store.Upsert(ctx, pending); err != nil {
		// Put the batch back so a later flush can retry.
		c.mu.Lock()
		c.dirty = append(pending, c.dirty...)
		c.mu.Unlock()
		return fmt.Errorf("flush enrichment cache: %w", err)
	}
	return nil
}

// Size reports the number of in-memory entries.
func (c *Cache) Size() int {
	return c.entries.Size()
}

func (c *Cache) stale(e Entry) bool {
	return c.ttl > 0 && time.Since(e.ResolvedAt) > c.ttl
}

// MemoryStore is a Store with no durability, for tests and cache-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	byKey   map[string]Entry
	upserts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]Entry)}
}

func (m *MemoryStore) LoadAll(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.byKey))
	for _, e := range m.byKey {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.byKey[e.Fingerprint] = e
	}
	m.upserts++
	return nil
}

// UpsertCalls reports how many flush batches reached the store.
func (m *MemoryStore) UpsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

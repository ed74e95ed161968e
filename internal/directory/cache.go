package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the full licensee dataset. *Client satisfies this.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]Record, error)
}

// entry is one immutable dataset generation. It is replaced wholesale on
// every successful refresh, never mutated in place.
type entry struct {
	records   []Record
	fetchedAt time.Time
}

// Cache is a read-through TTL cache over the upstream dataset with
// serve-stale-on-error semantics: a failed refresh falls back to the last
// known-good dataset. Only a cold cache propagates fetch errors. Concurrent
// refreshes are coalesced, so an expiring dataset under load costs exactly
// one upstream fetch.
type Cache struct {
	fetcher   Fetcher
	snapshots *SnapshotStore // optional cross-restart fallback
	logger    *slog.Logger

	mu    sync.RWMutex
	entry *entry
	ttl   time.Duration

	group singleflight.Group

	// now is swappable for deterministic TTL tests.
	now func() time.Time

	// Metric hooks, set by the server during wiring. May be nil.
	OnHit   func()
	OnMiss  func()
	OnStale func()
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithSnapshotStore enables the Redis-backed last-known-good fallback.
func WithSnapshotStore(s *SnapshotStore) CacheOption {
	return func(c *Cache) { c.snapshots = s }
}

// WithCacheLogger sets the logger for refresh diagnostics.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a dataset cache with the given TTL.
func NewCache(fetcher Fetcher, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetTTL updates the freshness window. Applied on config hot reload; takes
// effect on the next Get.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Get returns the current dataset, refreshing from upstream when the cached
// generation is older than the TTL. The returned slice is shared; callers
// must not mutate it.
func (c *Cache) Get(ctx context.Context) ([]Record, error) {
	c.mu.RLock()
	e, ttl := c.entry, c.ttl
	c.mu.RUnlock()

	if e != nil && c.now().Sub(e.fetchedAt) < ttl {
		if c.OnHit != nil {
			c.OnHit()
		}
		return e.records, nil
	}

	if c.OnMiss != nil {
		c.OnMiss()
	}
	return c.refresh(ctx, e)
}

// refresh fetches a new dataset, coalescing concurrent callers into a single
// upstream call. On failure it degrades to the stale entry, then to the
// persisted snapshot, and only then propagates the error.
func (c *Cache) refresh(ctx context.Context, stale *entry) ([]Record, error) {
	v, err, _ := c.group.Do("dataset", func() (any, error) {
		records, err := c.fetcher.FetchAll(ctx)
		if err != nil {
			return nil, err
		}
		fresh := &entry{records: records, fetchedAt: c.now()}
		c.mu.Lock()
		c.entry = fresh
		c.mu.Unlock()

		c.persist(fresh)
		return records, nil
	})
	if err == nil {
		return v.([]Record), nil
	}

	// The coalesced fetch may have raced a successful one; re-check before
	// falling back.
	c.mu.RLock()
	e := c.entry
	c.mu.RUnlock()
	if e != nil && (stale == nil || e.fetchedAt.After(stale.fetchedAt)) {
		stale = e
	}

	if stale != nil {
		if c.OnStale != nil {
			c.OnStale()
		}
		c.logger.Warn("refresh failed, serving stale dataset",
			"error", err, "fetched_at", stale.fetchedAt, "records", len(stale.records))
		return stale.records, nil
	}

	if snap := c.loadSnapshot(ctx); snap != nil {
		if c.OnStale != nil {
			c.OnStale()
		}
		c.logger.Warn("refresh failed on cold cache, adopting persisted snapshot",
			"error", err, "fetched_at", snap.fetchedAt, "records", len(snap.records))
		return snap.records, nil
	}

	return nil, err
}

// persist writes the fresh dataset to the snapshot store, best-effort. Runs
// with its own timeout so a slow Redis cannot hold up the serving path.
func (c *Cache) persist(e *entry) {
	if c.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.snapshots.Save(ctx, e.records, e.fetchedAt); err != nil {
		c.logger.Warn("dataset snapshot save failed", "error", err)
	}
}

// loadSnapshot fetches the persisted last-known-good dataset and adopts it
// as the current (stale) entry. Returns nil when no snapshot is available.
func (c *Cache) loadSnapshot(ctx context.Context) *entry {
	if c.snapshots == nil {
		return nil
	}
	snap, err := c.snapshots.Load(ctx)
	if err != nil {
		if err != ErrNoSnapshot {
			c.logger.Warn("dataset snapshot load failed", "error", err)
		}
		return nil
	}

	e := &entry{records: snap.Records, fetchedAt: snap.FetchedAt}
	c.mu.Lock()
	if c.entry == nil {
		c.entry = e
	} else {
		e = c.entry
	}
	c.mu.Unlock()
	return e
}

// Probe implements the deep readiness check: healthy when a dataset is
// available, fetching one if the cache is cold.
func (c *Cache) Probe(ctx context.Context) error {
	c.mu.RLock()
	populated := c.entry != nil
	c.mu.RUnlock()
	if populated {
		return nil
	}
	_, err := c.Get(ctx)
	return err
}

// FetchedAt returns the timestamp of the current dataset generation, or the
// zero time when the cache is cold.
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return time.Time{}
	}
	return c.entry.fetchedAt
}

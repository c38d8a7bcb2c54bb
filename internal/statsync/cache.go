package statsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/observability"
	"github.com/campuspulse/backend/internal/platform/logger"
)

const DefaultCacheTTL = 30 * time.Second

// RefreshFunc rebuilds the snapshot for one entity.
type RefreshFunc func(ctx context.Context, entityID string) (domain.Snapshot, error)

type cacheEntry struct {
	snap      domain.Snapshot
	fetchedAt time.Time
}

// Cache holds recently computed snapshots with stale-while-revalidate
// semantics: within the TTL reads are pure cache hits; after it the stale
// snapshot is served immediately while exactly one background refresh runs
// per entity.
type Cache struct {
	log     *logger.Logger
	metrics *observability.Metrics
	ttl     time.Duration
	refresh RefreshFunc

	mu      sync.Mutex
	entries map[string]cacheEntry
	sf      singleflight.Group

	now func() time.Time // test hook
}

func NewCache(log *logger.Logger, m *observability.Metrics, ttl time.Duration, refresh RefreshFunc) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		log:     log.With("component", "AggregateCache"),
		metrics: m,
		ttl:     ttl,
		refresh: refresh,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the snapshot for an entity. A fresh entry is returned as-is; a
// stale entry is returned immediately with a coalesced async refresh behind
// it; a miss refreshes synchronously.
func (c *Cache) Get(ctx context.Context, entityID string) (domain.Snapshot, bool) {
	c.mu.Lock()
	entry, ok := c.entries[entityID]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.metrics.RecordCacheLookup("hit")
		return entry.snap, true
	}
	if ok {
		c.metrics.RecordCacheLookup("stale")
		go c.refreshOne(context.WithoutCancel(ctx), entityID)
		return entry.snap, true
	}

	c.metrics.RecordCacheLookup("miss")
	snap, err := c.refreshOne(ctx, entityID)
	if err != nil {
		return domain.Snapshot{}, false
	}
	return snap, true
}

// Peek returns the cached snapshot without triggering any refresh.
func (c *Cache) Peek(entityID string) (domain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[entityID]
	return entry.snap, ok
}

// Put stores a freshly computed snapshot, resetting its TTL.
func (c *Cache) Put(snap domain.Snapshot) {
	c.mu.Lock()
	c.entries[snap.EntityID] = cacheEntry{snap: snap, fetchedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops the entry so the next Get refreshes.
func (c *Cache) Invalidate(entityID string) {
	c.mu.Lock()
	delete(c.entries, entityID)
	c.mu.Unlock()
}

func (c *Cache) refreshOne(ctx context.Context, entityID string) (domain.Snapshot, error) {
	v, err, _ := c.sf.Do(entityID, func() (any, error) {
		// a straggler entering after an earlier flight finished sees the
		// renewed entry and must not rebuild again
		c.mu.Lock()
		entry, ok := c.entries[entityID]
		c.mu.Unlock()
		if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.snap, nil
		}
		snap, err := c.refresh(ctx, entityID)
		if err != nil {
			c.log.Warn("cache refresh failed; keeping stale entry",
				"entityId", entityID, "error", err)
			return domain.Snapshot{}, err
		}
		c.Put(snap)
		return snap, nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

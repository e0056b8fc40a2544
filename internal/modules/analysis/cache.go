package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/riskengine/internal/domain"
)

// DefaultTTL is how long a cached analysis stays valid. Expiry is checked
// on read; a background vacuum reclaims the rest.
const DefaultTTL = 24 * time.Hour

type cacheEntry struct {
	result    *domain.RiskAnalysisResult
	expiresAt time.Time
}

// ResultCache is a fingerprint-keyed cache for analysis results. Concurrent
// requests for the same fingerprint collapse into a single computation. An
// optional snapshot store behind the memory layer carries results across
// restarts; its failures are logged and never surface to callers.
type ResultCache struct {
	ttl       time.Duration
	snapshots *SnapshotStore // may be nil
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewResultCache creates a cache with the given TTL. Pass a nil snapshot
// store for memory-only operation; ttl <= 0 selects DefaultTTL.
func NewResultCache(ttl time.Duration, snapshots *SnapshotStore, log zerolog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{
		ttl:       ttl,
		snapshots: snapshots,
		log:       log.With().Str("component", "result_cache").Logger(),
		now:       time.Now,
		entries:   make(map[string]cacheEntry),
	}
}

// GetOrCompute returns the cached result for fingerprint, or runs compute
// to produce one. Concurrent callers with the same fingerprint share one
// compute invocation. Errors from compute are returned to every waiter and
// nothing is cached.
func (c *ResultCache) GetOrCompute(ctx context.Context, fingerprint string, compute func(context.Context) (*domain.RiskAnalysisResult, error)) (*domain.RiskAnalysisResult, bool, error) {
	if result := c.lookup(fingerprint); result != nil {
		return result, true, nil
	}

	hit := false
	value, err, _ := c.group.Do(fingerprint, func() (any, error) {
		// A racing caller may have filled the slot while we queued.
		if result := c.lookup(fingerprint); result != nil {
			hit = true
			return result, nil
		}
		if result := c.lookupSnapshot(ctx, fingerprint); result != nil {
			hit = true
			c.store(result)
			return result, nil
		}

		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(result)
		c.storeSnapshot(ctx, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value.(*domain.RiskAnalysisResult), hit, nil
}

// Get returns the cached result for fingerprint, if present and fresh.
func (c *ResultCache) Get(ctx context.Context, fingerprint string) *domain.RiskAnalysisResult {
	if result := c.lookup(fingerprint); result != nil {
		return result
	}
	if result := c.lookupSnapshot(ctx, fingerprint); result != nil {
		c.store(result)
		return result
	}
	return nil
}

// Invalidate drops one fingerprint, or every entry when fingerprint is
// empty. Returns the number of memory entries removed.
func (c *ResultCache) Invalidate(ctx context.Context, fingerprint string) int {
	c.mu.Lock()
	var removed int
	if fingerprint == "" {
		removed = len(c.entries)
		c.entries = make(map[string]cacheEntry)
	} else if _, ok := c.entries[fingerprint]; ok {
		delete(c.entries, fingerprint)
		removed = 1
	}
	c.mu.Unlock()

	if c.snapshots != nil {
		if err := c.snapshots.Delete(ctx, fingerprint); err != nil {
			c.log.Warn().Err(err).Msg("Snapshot invalidation failed")
		}
	}
	return removed
}

// Vacuum drops expired entries from memory and the snapshot store.
func (c *ResultCache) Vacuum(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for fingerprint, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, fingerprint)
			removed++
		}
	}
	c.mu.Unlock()

	if c.snapshots != nil {
		dropped, err := c.snapshots.Vacuum(ctx, now)
		if err != nil {
			c.log.Warn().Err(err).Msg("Snapshot vacuum failed")
		} else if dropped > 0 {
			c.log.Debug().Int64("dropped", dropped).Msg("Vacuumed expired snapshots")
		}
	}
	return removed
}

// Len reports the number of live memory entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ResultCache) lookup(fingerprint string) *domain.RiskAnalysisResult {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		// Recheck under the write lock; a writer may have refreshed it.
		if current, ok := c.entries[fingerprint]; ok && !c.now().Before(current.expiresAt) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return nil
	}
	return entry.result
}

func (c *ResultCache) store(result *domain.RiskAnalysisResult) {
	c.mu.Lock()
	c.entries[result.Fingerprint] = cacheEntry{
		result:    result,
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
}

func (c *ResultCache) lookupSnapshot(ctx context.Context, fingerprint string) *domain.RiskAnalysisResult {
	if c.snapshots == nil {
		return nil
	}
	result, err := c.snapshots.Get(ctx, fingerprint, c.now())
	if err != nil {
		c.log.Warn().Err(err).Msg("Snapshot read failed")
		return nil
	}
	return result
}

func (c *ResultCache) storeSnapshot(ctx context.Context, result *domain.RiskAnalysisResult) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.Put(ctx, result, c.now().Add(c.ttl)); err != nil {
		c.log.Warn().Err(err).Msg("Snapshot write failed")
	}
}

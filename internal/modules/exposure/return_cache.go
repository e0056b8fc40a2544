package exposure

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/riskengine/internal/marketdata"
)

// ReturnCache is a read-through cache of return series keyed by
// (ticker, window). It is owned by an Estimator instance and injected at
// construction - deliberately not a package-level singleton, so concurrent
// requests with different providers or windows never share hidden state.
type ReturnCache struct {
	provider marketdata.Provider
	mu       sync.RWMutex
	entries  map[string][]marketdata.Return
}

// NewReturnCache creates a read-through return cache over provider.
func NewReturnCache(provider marketdata.Provider) *ReturnCache {
	return &ReturnCache{
		provider: provider,
		entries:  make(map[string][]marketdata.Return),
	}
}

func cacheKey(ticker string, start, end time.Time) string {
	return ticker + "|" + start.UTC().Format("2006-01-02") + "|" + end.UTC().Format("2006-01-02")
}

// Get returns the cached series for (ticker, window), fetching it from the
// provider on a miss. The provider call happens outside the lock; a lost
// race costs one redundant fetch, never a deadlock over I/O.
func (c *ReturnCache) Get(ctx context.Context, ticker string, start, end time.Time) ([]marketdata.Return, error) {
	key := cacheKey(ticker, start, end)

	c.mu.RLock()
	series, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return series, nil
	}

	series, err := c.provider.Returns(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = series
	c.mu.Unlock()
	return series, nil
}

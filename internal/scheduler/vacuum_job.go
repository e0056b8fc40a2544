package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CacheVacuumer is the slice of the analysis service the vacuum job needs.
type CacheVacuumer interface {
	Vacuum(ctx context.Context) int
}

// CacheVacuumJob sweeps expired analysis results out of the cache and the
// snapshot store. Expiry is otherwise only checked on read, so without the
// sweep a cache full of one-off fingerprints would grow unbounded.
type CacheVacuumJob struct {
	cache   CacheVacuumer
	timeout time.Duration
	log     zerolog.Logger
}

// NewCacheVacuumJob creates the vacuum job.
func NewCacheVacuumJob(cache CacheVacuumer, log zerolog.Logger) *CacheVacuumJob {
	return &CacheVacuumJob{
		cache:   cache,
		timeout: time.Minute,
		log:     log.With().Str("component", "cache_vacuum").Logger(),
	}
}

// Name implements Job.
func (j *CacheVacuumJob) Name() string {
	return "cache_vacuum"
}

// Run implements Job.
func (j *CacheVacuumJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	removed := j.cache.Vacuum(ctx)
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Swept expired cache entries")
	}
	return nil
}

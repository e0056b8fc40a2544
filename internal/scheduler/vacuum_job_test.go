package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeVacuumer struct {
	calls   int
	removed int
}

func (f *fakeVacuumer) Vacuum(_ context.Context) int {
	f.calls++
	return f.removed
}

func TestCacheVacuumJob_Run(t *testing.T) {
	cache := &fakeVacuumer{removed: 3}
	job := NewCacheVacuumJob(cache, zerolog.Nop())

	assert.Equal(t, "cache_vacuum", job.Name())
	assert.NoError(t, job.Run())
	assert.Equal(t, 1, cache.calls)
}

func TestScheduler_RunNowExecutesJob(t *testing.T) {
	cache := &fakeVacuumer{}
	job := NewCacheVacuumJob(cache, zerolog.Nop())

	s := New(zerolog.Nop())
	assert.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, cache.calls)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", NewCacheVacuumJob(&fakeVacuumer{}, zerolog.Nop()))
	assert.Error(t, err)
}

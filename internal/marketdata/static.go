package marketdata

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aristath/riskengine/internal/domain"
)

// Static is an in-memory Provider backed by fixed series. Used in tests and
// offline runs.
type Static struct {
	Series map[string][]Return
	Closes map[string]float64

	// FetchCount counts Returns calls, letting tests assert that cache
	// layers collapsed duplicate work.
	FetchCount atomic.Int64
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{
		Series: make(map[string][]Return),
		Closes: make(map[string]float64),
	}
}

// SetDailyReturns installs a return series for ticker, one value per
// consecutive weekday starting at start.
func (s *Static) SetDailyReturns(ticker string, start time.Time, values []float64) {
	series := make([]Return, 0, len(values))
	day := start
	for _, v := range values {
		for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
		}
		series = append(series, Return{Date: day, Value: v})
		day = day.AddDate(0, 0, 1)
	}
	s.Series[ticker] = series
}

// Returns implements Provider.
func (s *Static) Returns(_ context.Context, ticker string, start, end time.Time) ([]Return, error) {
	s.FetchCount.Add(1)
	series, ok := s.Series[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: ticker %s", domain.ErrDataUnavailable, ticker)
	}
	var out []Return
	for _, r := range series {
		if r.Date.Before(start) || r.Date.After(end) {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: ticker %s has no data in range", domain.ErrDataUnavailable, ticker)
	}
	return out, nil
}

// LatestClose implements Provider.
func (s *Static) LatestClose(_ context.Context, ticker string, _ time.Time) (float64, error) {
	price, ok := s.Closes[ticker]
	if !ok {
		return 0, fmt.Errorf("%w: no close for ticker %s", domain.ErrDataUnavailable, ticker)
	}
	return price, nil
}

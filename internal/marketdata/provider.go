// Package marketdata provides access to historical price and return series.
// The engine only ever pulls by ticker and date range; where the data comes
// from (HTTP feed, flat files, a test fixture) is the provider's business.
package marketdata

import (
	"context"
	"time"
)

// Return is one period's simple return for a ticker.
type Return struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Provider supplies historical return series and valuation prices.
// Implementations must fail with domain.ErrDataUnavailable (wrapped) when a
// ticker has no data in the requested range - never silently zero-fill.
type Provider interface {
	// Returns fetches the ordered daily simple-return series for ticker
	// over [start, end].
	Returns(ctx context.Context, ticker string, start, end time.Time) ([]Return, error)

	// LatestClose fetches the most recent closing price at or before asOf,
	// used to value share-quantified holdings.
	LatestClose(ctx context.Context, ticker string, asOf time.Time) (float64, error)
}

// AlignByDate intersects multiple return series on their common dates and
// returns one aligned value slice per input series, in input order. Dates
// are compared at day granularity in UTC.
func AlignByDate(series ...[]Return) [][]float64 {
	if len(series) == 0 {
		return nil
	}

	dayKey := func(t time.Time) string { return t.UTC().Format("2006-01-02") }

	// Count how many series each date appears in.
	counts := make(map[string]int)
	for _, s := range series {
		for _, r := range s {
			counts[dayKey(r.Date)]++
		}
	}

	// Walk the first series in order, keeping dates present everywhere.
	valuesAt := make([]map[string]float64, len(series))
	for i, s := range series {
		valuesAt[i] = make(map[string]float64, len(s))
		for _, r := range s {
			valuesAt[i][dayKey(r.Date)] = r.Value
		}
	}

	aligned := make([][]float64, len(series))
	for _, r := range series[0] {
		key := dayKey(r.Date)
		if counts[key] != len(series) {
			continue
		}
		for i := range series {
			aligned[i] = append(aligned[i], valuesAt[i][key])
		}
		// Guard against duplicate dates in the first series.
		counts[key] = -1
	}
	return aligned
}

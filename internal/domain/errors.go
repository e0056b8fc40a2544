package domain

import "errors"

// Error taxonomy. Callers branch with errors.Is; everything else wraps one
// of these with context via fmt.Errorf("...: %w", ...).
var (
	// ErrDataInsufficient marks missing or too-short price history for a
	// ticker or factor proxy over the analysis window. Not retried, always
	// surfaced to the caller.
	ErrDataInsufficient = errors.New("insufficient historical data")

	// ErrConfiguration marks a malformed holding, proxy set or limit set.
	// Never retried, always surfaced.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDataUnavailable is the market-data provider boundary error: the
	// ticker has no data in the requested range.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrCache marks a cache backend failure. Recovered locally by falling
	// back to direct computation; logged, never surfaced to the caller.
	ErrCache = errors.New("cache backend error")
)

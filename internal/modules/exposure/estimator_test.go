package exposure

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/marketdata"
)

var testWindow = domain.Window{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
}

// pseudoReturns generates a deterministic return series from a seed, small
// enough to look like daily returns.
func pseudoReturns(seed int64, n int) []float64 {
	state := uint64(seed)*2862933555777941757 + 3037000493
	out := make([]float64, n)
	for i := range out {
		state = state*2862933555777941757 + 3037000493
		// Map to roughly [-2%, +2%].
		out[i] = (float64(state%4001) - 2000) / 100000
	}
	return out
}

func buildProvider(n int) (*marketdata.Static, []float64, []float64) {
	provider := marketdata.NewStatic()
	start := testWindow.Start

	f1 := pseudoReturns(1, n)
	noise := pseudoReturns(2, n)
	f2 := make([]float64, n)
	for i := range f2 {
		// Correlated second factor: joint OLS must not double count.
		f2[i] = 0.5*f1[i] + 0.5*noise[i]
	}

	provider.SetDailyReturns("SPY", start, f1)
	provider.SetDailyReturns("MTUM", start, f2)
	return provider, f1, f2
}

func TestEstimateBetas_RecoversJointCoefficients(t *testing.T) {
	const n = 150
	provider, f1, f2 := buildProvider(n)

	// Exact linear combination: y = 0.001 + 1.2*f1 - 0.3*f2.
	y := make([]float64, n)
	for i := range y {
		y[i] = 0.001 + 1.2*f1[i] - 0.3*f2[i]
	}
	provider.SetDailyReturns("AAPL", testWindow.Start, y)

	proxySet := domain.FactorProxySet{
		Factors: map[string]string{"market": "SPY", "momentum": "MTUM"},
	}
	estimator := NewEstimator(NewReturnCache(provider), zerolog.Nop())

	row, err := estimator.EstimateBetas(context.Background(), "AAPL", testWindow, proxySet)
	require.NoError(t, err)

	assert.InDelta(t, 1.2, row.Betas["market"], 1e-8)
	assert.InDelta(t, -0.3, row.Betas["momentum"], 1e-8)
	assert.InDelta(t, 0.0, row.ResidualVariance, 1e-12, "noise-free fit has zero residual variance")
	assert.GreaterOrEqual(t, row.Observations, MinObservations)
}

func TestEstimateBetas_ShortHistoryIsDataInsufficient(t *testing.T) {
	provider := marketdata.NewStatic()
	provider.SetDailyReturns("SPY", testWindow.Start, pseudoReturns(1, 100))
	provider.SetDailyReturns("AAPL", testWindow.Start, pseudoReturns(3, 20))

	proxySet := domain.FactorProxySet{Factors: map[string]string{"market": "SPY"}}
	estimator := NewEstimator(NewReturnCache(provider), zerolog.Nop())

	_, err := estimator.EstimateBetas(context.Background(), "AAPL", testWindow, proxySet)
	assert.ErrorIs(t, err, domain.ErrDataInsufficient)
}

func TestEstimateBetas_MissingTickerIsDataInsufficient(t *testing.T) {
	provider := marketdata.NewStatic()
	provider.SetDailyReturns("SPY", testWindow.Start, pseudoReturns(1, 100))

	proxySet := domain.FactorProxySet{Factors: map[string]string{"market": "SPY"}}
	estimator := NewEstimator(NewReturnCache(provider), zerolog.Nop())

	_, err := estimator.EstimateBetas(context.Background(), "GHOST", testWindow, proxySet)
	assert.ErrorIs(t, err, domain.ErrDataInsufficient)
}

func TestReturnCache_ProxyHistoryFetchedOnce(t *testing.T) {
	const n = 150
	provider, f1, _ := buildProvider(n)

	// Three holdings regressed against the same proxies.
	for _, seed := range []struct {
		ticker string
		beta   float64
	}{{"AAPL", 1.2}, {"MSFT", 0.9}, {"JNJ", 0.6}} {
		y := make([]float64, n)
		for i := range y {
			y[i] = seed.beta * f1[i]
		}
		provider.SetDailyReturns(seed.ticker, testWindow.Start, y)
	}

	proxySet := domain.FactorProxySet{
		Factors: map[string]string{"market": "SPY", "momentum": "MTUM"},
	}
	estimator := NewEstimator(NewReturnCache(provider), zerolog.Nop())

	for _, ticker := range []string{"AAPL", "MSFT", "JNJ"} {
		_, err := estimator.EstimateBetas(context.Background(), ticker, testWindow, proxySet)
		require.NoError(t, err)
	}

	// 3 holdings + 2 proxies: each series hits the provider exactly once.
	assert.Equal(t, int64(5), provider.FetchCount.Load())
}

func TestEstimateBetas_ResultCachedPerTickerWindowProxySet(t *testing.T) {
	const n = 150
	provider, f1, _ := buildProvider(n)
	y := make([]float64, n)
	for i := range y {
		y[i] = f1[i]
	}
	provider.SetDailyReturns("AAPL", testWindow.Start, y)

	proxySet := domain.FactorProxySet{Factors: map[string]string{"market": "SPY"}}
	estimator := NewEstimator(NewReturnCache(provider), zerolog.Nop())

	_, err := estimator.EstimateBetas(context.Background(), "AAPL", testWindow, proxySet)
	require.NoError(t, err)
	fetches := provider.FetchCount.Load()

	_, err = estimator.EstimateBetas(context.Background(), "AAPL", testWindow, proxySet)
	require.NoError(t, err)
	assert.Equal(t, fetches, provider.FetchCount.Load(), "second call must be served from the beta cache")
}

func TestFactorCovariance_Symmetric(t *testing.T) {
	provider, _, _ := buildProvider(150)
	proxySet := domain.FactorProxySet{
		Factors: map[string]string{"market": "SPY", "momentum": "MTUM"},
	}
	estimator := NewEstimator(NewReturnCache(provider), zerolog.Nop())

	cov, names, err := estimator.FactorCovariance(context.Background(), testWindow, proxySet)
	require.NoError(t, err)
	require.Equal(t, []string{"market", "momentum"}, names)

	assert.Greater(t, cov.At(0, 0), 0.0)
	assert.Greater(t, cov.At(1, 1), 0.0)
	assert.Equal(t, cov.At(0, 1), cov.At(1, 0))
	// f2 = 0.5*f1 + noise, so the factors are positively correlated.
	assert.Greater(t, cov.At(0, 1), 0.0)
}

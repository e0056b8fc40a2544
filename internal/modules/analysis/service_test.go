package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/events"
	"github.com/aristath/riskengine/internal/marketdata"
	"github.com/aristath/riskengine/internal/modules/aggregation"
	"github.com/aristath/riskengine/internal/modules/decomposition"
	"github.com/aristath/riskengine/internal/modules/exposure"
	"github.com/aristath/riskengine/internal/modules/limits"
	"github.com/aristath/riskengine/internal/modules/optimization"
)

const seriesLength = 150

// pseudoSeries generates a deterministic daily return series in roughly
// [-2%, +2%] from a seed.
func pseudoSeries(seed int64, n int) []float64 {
	state := uint64(seed)*2862933555777941757 + 3037000493
	out := make([]float64, n)
	for i := range out {
		state = state*2862933555777941757 + 3037000493
		out[i] = (float64(state%4001) - 2000) / 100000
	}
	return out
}

// newTestService wires the full pipeline over a static provider with a
// two-asset universe: AAPL tracks the market factor at beta 1.2, SGOV is a
// near-riskless cash proxy with a small positive carry.
func newTestService(t *testing.T) (*Service, *marketdata.Static, *events.Bus) {
	t.Helper()

	provider := marketdata.NewStatic()
	market := pseudoSeries(1, seriesLength)
	for i := range market {
		market[i] += 0.003 // positive drift keeps expected returns ordered
	}

	aapl := make([]float64, seriesLength)
	sgov := make([]float64, seriesLength)
	for i := range market {
		aapl[i] = 1.2 * market[i]
		sgov[i] = 0.0001
	}
	provider.SetDailyReturns("SPY", testWindow().Start, market)
	provider.SetDailyReturns("AAPL", testWindow().Start, aapl)
	provider.SetDailyReturns("SGOV", testWindow().Start, sgov)

	returns := exposure.NewReturnCache(provider)
	engine := decomposition.NewEngine(zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())

	svc := NewService(Deps{
		Aggregator: aggregation.New(provider, zerolog.Nop()),
		Estimator:  exposure.NewEstimator(returns, zerolog.Nop()),
		Returns:    returns,
		Engine:     engine,
		Optimizer:  optimization.New(engine, zerolog.Nop()),
		Cache:      NewResultCache(time.Hour, nil, zerolog.Nop()),
		Bus:        bus,
	}, zerolog.Nop())
	return svc, provider, bus
}

func testWindow() domain.Window {
	return domain.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func testPortfolio() domain.Portfolio {
	return domain.Portfolio{
		Holdings: []domain.Holding{
			domain.NewEquityDollars("AAPL", 6000),
			domain.NewCash("USD", 4000),
		},
		Window: testWindow(),
	}
}

func testProxySet() domain.FactorProxySet {
	return domain.FactorProxySet{
		Factors:     map[string]string{"market": "SPY"},
		CashProxies: map[string]string{"USD": "SGOV"},
	}
}

func TestAnalyze_EndToEnd(t *testing.T) {
	svc, _, _ := newTestService(t)
	limitSet := domain.RiskLimitSet{MaxHoldingWeight: domain.Float(0.5)}

	result, err := svc.Analyze(context.Background(), testPortfolio(), testProxySet(), limitSet)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, result.Weights["AAPL"], 1e-9)
	assert.InDelta(t, 0.4, result.Weights["SGOV"], 1e-9)
	assert.InDelta(t, 10000, result.TotalValue, 1e-6)

	// Portfolio market beta: 0.6*1.2 + 0.4*~0.
	assert.InDelta(t, 0.72, result.FactorBetas["market"], 1e-3)
	assert.Greater(t, result.AnnualizedVolatility, 0.0)
	assert.InDelta(t, result.TotalVariance, result.FactorVariance+result.IdiosyncraticVariance, 1e-12)

	require.Len(t, result.Verdicts, 1)
	verdict := result.Verdicts[0]
	assert.Equal(t, limits.RuleMaxHoldingWeight, verdict.RuleName)
	assert.Equal(t, domain.StatusFail, verdict.Status)
	assert.Equal(t, "AAPL", verdict.Detail)
	assert.InDelta(t, 0.6, verdict.CurrentValue, 1e-9)
	assert.InDelta(t, 0.5, verdict.LimitValue, 1e-9)

	assert.NotEmpty(t, result.Fingerprint)
	assert.False(t, result.ComputedAt.IsZero())
}

func TestAnalyze_SecondCallServedFromCache(t *testing.T) {
	svc, _, bus := newTestService(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	_, err := svc.Analyze(context.Background(), testPortfolio(), testProxySet(), domain.RiskLimitSet{})
	require.NoError(t, err)
	_, err = svc.Analyze(context.Background(), testPortfolio(), testProxySet(), domain.RiskLimitSet{})
	require.NoError(t, err)

	var hits []bool
	for len(ch) > 0 {
		event := <-ch
		if event.Type == events.TypeAnalysisCompleted {
			hits = append(hits, event.Payload["cache_hit"].(bool))
		}
	}
	assert.Equal(t, []bool{false, true}, hits)
}

func TestAnalyze_InvalidateForcesRecompute(t *testing.T) {
	svc, _, bus := newTestService(t)
	ctx := context.Background()

	_, err := svc.Analyze(ctx, testPortfolio(), testProxySet(), domain.RiskLimitSet{})
	require.NoError(t, err)

	assert.Equal(t, 1, svc.Invalidate(ctx, ""))

	ch, cancel := bus.Subscribe()
	defer cancel()
	_, err = svc.Analyze(ctx, testPortfolio(), testProxySet(), domain.RiskLimitSet{})
	require.NoError(t, err)

	for len(ch) > 0 {
		event := <-ch
		if event.Type == events.TypeAnalysisCompleted {
			assert.False(t, event.Payload["cache_hit"].(bool), "invalidated entry must be recomputed")
		}
	}
}

func TestAnalyze_ChangedLimitsChangeFingerprint(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	loose, err := svc.Analyze(ctx, testPortfolio(), testProxySet(), domain.RiskLimitSet{})
	require.NoError(t, err)
	tight, err := svc.Analyze(ctx, testPortfolio(), testProxySet(), domain.RiskLimitSet{MaxHoldingWeight: domain.Float(0.5)})
	require.NoError(t, err)

	assert.NotEqual(t, loose.Fingerprint, tight.Fingerprint)
	assert.Empty(t, loose.Verdicts)
	assert.NotEmpty(t, tight.Verdicts)
}

func TestAnalyze_MissingSeriesFailsWithEvent(t *testing.T) {
	svc, _, bus := newTestService(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	// CHF has no cash proxy and no return series, so it passes through
	// aggregation and dies in exposure estimation.
	portfolio := domain.Portfolio{
		Holdings: []domain.Holding{
			domain.NewEquityDollars("AAPL", 6000),
			domain.NewCash("CHF", 4000),
		},
		Window: testWindow(),
	}

	_, err := svc.Analyze(context.Background(), portfolio, testProxySet(), domain.RiskLimitSet{})
	assert.ErrorIs(t, err, domain.ErrDataInsufficient)

	var failed bool
	for len(ch) > 0 {
		if (<-ch).Type == events.TypeAnalysisFailed {
			failed = true
		}
	}
	assert.True(t, failed, "a failed run must publish analysis.failed")
}

func TestAnalyze_InputValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Analyze(ctx, domain.Portfolio{Window: testWindow()}, testProxySet(), domain.RiskLimitSet{})
	assert.ErrorIs(t, err, domain.ErrConfiguration, "empty portfolio")

	_, err = svc.Analyze(ctx, testPortfolio(), domain.FactorProxySet{}, domain.RiskLimitSet{})
	assert.ErrorIs(t, err, domain.ErrConfiguration, "empty proxy set")

	inverted := testPortfolio()
	inverted.Window.Start, inverted.Window.End = inverted.Window.End, inverted.Window.Start
	_, err = svc.Analyze(ctx, inverted, testProxySet(), domain.RiskLimitSet{})
	assert.ErrorIs(t, err, domain.ErrConfiguration, "inverted window")
}

func TestScore_DelegatesToScorer(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.Analyze(context.Background(), testPortfolio(), testProxySet(), domain.RiskLimitSet{})
	require.NoError(t, err)

	scored := svc.Score(result)
	require.NotNil(t, scored)
	assert.GreaterOrEqual(t, scored.Score, 0.0)
	assert.LessOrEqual(t, scored.Score, 100.0)
	assert.NotEmpty(t, scored.Category)
}

func TestOptimize_MinVarianceEndToEnd(t *testing.T) {
	svc, _, bus := newTestService(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	result, err := svc.Optimize(context.Background(), testPortfolio(), optimization.MinVariance, testProxySet(), domain.RiskLimitSet{}, optimization.Options{})
	require.NoError(t, err)
	require.Equal(t, optimization.Feasible, result.Status, "reason: %s", result.Reason)

	// The near-riskless proxy dominates the minimum-variance solution.
	assert.Greater(t, result.Weights["SGOV"], result.Weights["AAPL"])

	var completed bool
	for len(ch) > 0 {
		if (<-ch).Type == events.TypeOptimizerCompleted {
			completed = true
		}
	}
	assert.True(t, completed)
}

func TestOptimize_MaxReturnUsesHistoricalMeans(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.Optimize(context.Background(), testPortfolio(), optimization.MaxReturn, testProxySet(), domain.RiskLimitSet{}, optimization.Options{})
	require.NoError(t, err)
	require.Equal(t, optimization.Feasible, result.Status, "reason: %s", result.Reason)

	// The drifting market factor gives AAPL a far higher historical mean
	// than the cash proxy's carry.
	assert.Greater(t, result.Weights["AAPL"], 0.9)
	assert.Greater(t, result.ExpectedReturn, 0.0)
}

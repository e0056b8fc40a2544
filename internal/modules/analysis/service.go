// Package analysis wires the pipeline modules into the engine facade and
// caches finished results by input fingerprint.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/events"
	"github.com/aristath/riskengine/internal/modules/aggregation"
	"github.com/aristath/riskengine/internal/modules/decomposition"
	"github.com/aristath/riskengine/internal/modules/exposure"
	"github.com/aristath/riskengine/internal/modules/limits"
	"github.com/aristath/riskengine/internal/modules/optimization"
	"github.com/aristath/riskengine/internal/modules/scoring"
)

// Service runs the full pipeline: aggregation, exposure estimation,
// variance decomposition, limit checks. Results are cached by fingerprint;
// identical concurrent requests share one computation.
type Service struct {
	aggregator *aggregation.Service
	estimator  *exposure.Estimator
	returns    *exposure.ReturnCache
	engine     *decomposition.Engine
	optimizer  *optimization.Optimizer
	cache      *ResultCache
	bus        *events.Bus
	log        zerolog.Logger
	now        func() time.Time
}

// Deps are the collaborators the facade is assembled from.
type Deps struct {
	Aggregator *aggregation.Service
	Estimator  *exposure.Estimator
	Returns    *exposure.ReturnCache
	Engine     *decomposition.Engine
	Optimizer  *optimization.Optimizer
	Cache      *ResultCache
	Bus        *events.Bus
}

// NewService creates the engine facade.
func NewService(deps Deps, log zerolog.Logger) *Service {
	return &Service{
		aggregator: deps.Aggregator,
		estimator:  deps.Estimator,
		returns:    deps.Returns,
		engine:     deps.Engine,
		optimizer:  deps.Optimizer,
		cache:      deps.Cache,
		bus:        deps.Bus,
		log:        log.With().Str("component", "analysis").Logger(),
		now:        time.Now,
	}
}

// Analyze runs (or retrieves) the risk analysis for a portfolio. The result
// is immutable; changed inputs produce a new fingerprint and a fresh run
// rather than an update.
func (s *Service) Analyze(ctx context.Context, portfolio domain.Portfolio, proxySet domain.FactorProxySet, limitSet domain.RiskLimitSet) (*domain.RiskAnalysisResult, error) {
	if err := validateInputs(portfolio, proxySet, limitSet); err != nil {
		return nil, err
	}

	agg, err := s.aggregator.Normalize(ctx, portfolio.Holdings, proxySet, portfolio.Window.End)
	if err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(agg.Resolved, portfolio.Window, proxySet, limitSet)
	s.bus.Publish(events.TypeAnalysisStarted, map[string]any{"fingerprint": fingerprint})

	result, hit, err := s.cache.GetOrCompute(ctx, fingerprint, func(ctx context.Context) (*domain.RiskAnalysisResult, error) {
		return s.compute(ctx, fingerprint, portfolio.Window, agg, proxySet, limitSet)
	})
	if err != nil {
		s.bus.Publish(events.TypeAnalysisFailed, map[string]any{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return nil, err
	}

	s.bus.Publish(events.TypeAnalysisCompleted, map[string]any{
		"fingerprint": fingerprint,
		"cache_hit":   hit,
	})
	s.log.Info().
		Str("fingerprint", fingerprint).
		Bool("cache_hit", hit).
		Float64("annualized_volatility", result.AnnualizedVolatility).
		Msg("Analysis completed")
	return result, nil
}

// Score derives the bounded risk score from an analysis result.
func (s *Service) Score(result *domain.RiskAnalysisResult) *domain.RiskScoreResult {
	return scoring.Score(result)
}

// Optimize reweights the analyzed universe toward the requested objective
// under the limit set. Solves are never cached; the solver is not
// deterministic enough to promise byte-identical reruns.
func (s *Service) Optimize(ctx context.Context, portfolio domain.Portfolio, objective optimization.Objective, proxySet domain.FactorProxySet, limitSet domain.RiskLimitSet, opts optimization.Options) (*optimization.Result, error) {
	if err := validateInputs(portfolio, proxySet, limitSet); err != nil {
		return nil, err
	}

	agg, err := s.aggregator.Normalize(ctx, portfolio.Holdings, proxySet, portfolio.Window.End)
	if err != nil {
		return nil, err
	}

	model, err := s.buildModel(ctx, portfolio.Window, agg, proxySet, objective)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.TypeOptimizerStarted, map[string]any{
		"objective": string(objective),
		"universe":  len(model.Tickers),
	})

	result, err := s.optimizer.Optimize(ctx, model, objective, limitSet, opts)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.TypeOptimizerCompleted, map[string]any{
		"objective": string(objective),
		"status":    string(result.Status),
	})
	return result, nil
}

// Invalidate drops one cached result, or all of them when fingerprint is
// empty, and reports how many memory entries were removed.
func (s *Service) Invalidate(ctx context.Context, fingerprint string) int {
	removed := s.cache.Invalidate(ctx, fingerprint)
	s.bus.Publish(events.TypeCacheInvalidated, map[string]any{
		"fingerprint": fingerprint,
		"removed":     removed,
	})
	return removed
}

// Vacuum sweeps expired cache entries. Called by the scheduler.
func (s *Service) Vacuum(ctx context.Context) int {
	return s.cache.Vacuum(ctx)
}

// compute is the uncached pipeline body.
func (s *Service) compute(ctx context.Context, fingerprint string, window domain.Window, agg *aggregation.Aggregate, proxySet domain.FactorProxySet, limitSet domain.RiskLimitSet) (*domain.RiskAnalysisResult, error) {
	betaRows := make(map[string]exposure.BetaRow, len(agg.Tickers))
	for _, ticker := range agg.Tickers {
		row, err := s.estimator.EstimateBetas(ctx, ticker, window, proxySet)
		if err != nil {
			return nil, fmt.Errorf("estimating betas for %s: %w", ticker, err)
		}
		betaRows[ticker] = row
	}

	factorCov, factors, err := s.estimator.FactorCovariance(ctx, window, proxySet)
	if err != nil {
		return nil, err
	}

	decomp, err := s.engine.Decompose(decomposition.Input{
		Tickers:   agg.Tickers,
		Weights:   agg.Weights,
		BetaRows:  betaRows,
		FactorCov: factorCov,
		Factors:   factors,
	})
	if err != nil {
		return nil, err
	}

	verdicts := limits.Check(decomp, agg.Weights, limitSet)

	return &domain.RiskAnalysisResult{
		Fingerprint:           fingerprint,
		ComputedAt:            s.now().UTC(),
		Window:                window,
		Weights:               agg.Weights,
		TotalValue:            agg.TotalValue,
		TotalVariance:         decomp.TotalVariance,
		FactorVariance:        decomp.FactorVariance,
		IdiosyncraticVariance: decomp.IdiosyncraticVariance,
		AnnualizedVolatility:  decomp.AnnualizedVolatility,
		FactorBetas:           decomp.PortfolioBetas,
		HoldingContributions:  decomp.HoldingContributions,
		FactorContributions:   decomp.FactorContributions,
		FactorNames:           decomp.Factors,
		FactorCorrelation:     decomp.FactorCorrelation,
		Verdicts:              verdicts,
	}, nil
}

// buildModel assembles the optimizer's inputs from the aggregated universe.
// Expected returns (MaxReturn only) are annualized mean historical returns
// over the analysis window.
func (s *Service) buildModel(ctx context.Context, window domain.Window, agg *aggregation.Aggregate, proxySet domain.FactorProxySet, objective optimization.Objective) (optimization.Model, error) {
	betaRows := make(map[string]exposure.BetaRow, len(agg.Tickers))
	for _, ticker := range agg.Tickers {
		row, err := s.estimator.EstimateBetas(ctx, ticker, window, proxySet)
		if err != nil {
			return optimization.Model{}, fmt.Errorf("estimating betas for %s: %w", ticker, err)
		}
		betaRows[ticker] = row
	}

	factorCov, factors, err := s.estimator.FactorCovariance(ctx, window, proxySet)
	if err != nil {
		return optimization.Model{}, err
	}

	model := optimization.Model{
		Tickers:   agg.Tickers,
		BetaRows:  betaRows,
		FactorCov: factorCov,
		Factors:   factors,
	}

	if objective == optimization.MaxReturn {
		expected := make(map[string]float64, len(agg.Tickers))
		for _, ticker := range agg.Tickers {
			series, err := s.returns.Get(ctx, ticker, window.Start, window.End)
			if err != nil {
				return optimization.Model{}, fmt.Errorf("loading returns for %s: %w", ticker, err)
			}
			values := make([]float64, len(series))
			for i, r := range series {
				values[i] = r.Value
			}
			expected[ticker] = stat.Mean(values, nil) * decomposition.TradingDaysPerYear
		}
		model.ExpectedReturns = expected
	}

	return model, nil
}

func validateInputs(portfolio domain.Portfolio, proxySet domain.FactorProxySet, limitSet domain.RiskLimitSet) error {
	if len(portfolio.Holdings) == 0 {
		return fmt.Errorf("%w: portfolio has no holdings", domain.ErrConfiguration)
	}
	if !portfolio.Window.Start.Before(portfolio.Window.End) {
		return fmt.Errorf("%w: window start %s is not before end %s",
			domain.ErrConfiguration, portfolio.Window.Start.Format("2006-01-02"), portfolio.Window.End.Format("2006-01-02"))
	}
	if len(proxySet.Factors) == 0 {
		return fmt.Errorf("%w: factor proxy set is empty", domain.ErrConfiguration)
	}
	return limitSet.Validate()
}

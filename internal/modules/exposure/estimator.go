// Package exposure estimates per-holding factor betas by regressing holding
// returns against factor proxy returns over the analysis window.
package exposure

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/marketdata"
)

// MinObservations is the minimum number of aligned return observations
// required for a regression. Below this the estimate is noise.
const MinObservations = 60

// BetaRow holds the regression output for one ticker: one beta per factor
// (keyed by factor name) plus the residual (idiosyncratic) return variance.
//
// Betas come from a single joint multivariate OLS of the ticker's returns
// against all factor proxy returns simultaneously, with an intercept.
// Independent per-factor regressions would double-count variance shared by
// correlated proxies; the joint fit attributes it once. ResidualVariance is
// the OLS residual variance with degrees-of-freedom correction.
type BetaRow struct {
	Ticker           string             `json:"ticker"`
	Betas            map[string]float64 `json:"betas"`
	ResidualVariance float64            `json:"residual_variance"`
	Observations     int                `json:"observations"`
}

// Estimator computes factor exposures. Proxy return series are served from
// an injected read-through cache so the per-holding regression loop fetches
// each proxy's history once per window.
type Estimator struct {
	returns *ReturnCache
	log     zerolog.Logger

	mu   sync.RWMutex
	rows map[string]BetaRow // ticker|window|proxy-set identity
}

// NewEstimator creates a factor exposure estimator.
func NewEstimator(returns *ReturnCache, log zerolog.Logger) *Estimator {
	return &Estimator{
		returns: returns,
		log:     log.With().Str("component", "exposure").Logger(),
		rows:    make(map[string]BetaRow),
	}
}

// EstimateBetas regresses ticker's returns on the proxy set's factor returns
// over window and returns the beta row. Results are cached per
// (ticker, window, proxy-set identity).
func (e *Estimator) EstimateBetas(ctx context.Context, ticker string, window domain.Window, proxySet domain.FactorProxySet) (BetaRow, error) {
	key := ticker + "|" + window.Identity() + "|" + proxySet.Identity()

	e.mu.RLock()
	row, ok := e.rows[key]
	e.mu.RUnlock()
	if ok {
		return row, nil
	}

	row, err := e.regress(ctx, ticker, window, proxySet)
	if err != nil {
		return BetaRow{}, err
	}

	e.mu.Lock()
	e.rows[key] = row
	e.mu.Unlock()
	return row, nil
}

func (e *Estimator) regress(ctx context.Context, ticker string, window domain.Window, proxySet domain.FactorProxySet) (BetaRow, error) {
	factorNames := proxySet.FactorNames()

	// Holding series first, then each proxy in factor order.
	series := make([][]marketdata.Return, 0, len(factorNames)+1)
	holdingReturns, err := e.returns.Get(ctx, ticker, window.Start, window.End)
	if err != nil {
		return BetaRow{}, fmt.Errorf("%w: no return history for %s: %v", domain.ErrDataInsufficient, ticker, err)
	}
	series = append(series, holdingReturns)

	for _, name := range factorNames {
		proxy := proxySet.Factors[name]
		proxyReturns, err := e.returns.Get(ctx, proxy, window.Start, window.End)
		if err != nil {
			return BetaRow{}, fmt.Errorf("%w: no return history for factor %s proxy %s: %v", domain.ErrDataInsufficient, name, proxy, err)
		}
		series = append(series, proxyReturns)
	}

	aligned := marketdata.AlignByDate(series...)
	n := len(aligned[0])
	k := len(factorNames)
	if n < MinObservations {
		return BetaRow{}, fmt.Errorf("%w: %s has %d aligned observations, need %d", domain.ErrDataInsufficient, ticker, n, MinObservations)
	}

	// Joint OLS with intercept: y = alpha + X*beta + eps, solved as a
	// least-squares problem via QR.
	y := mat.NewVecDense(n, aligned[0])
	x := mat.NewDense(n, k+1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1.0)
		for j := 0; j < k; j++ {
			x.Set(i, j+1, aligned[j+1][i])
		}
	}

	var coef mat.VecDense
	if err := coef.SolveVec(x, y); err != nil {
		return BetaRow{}, fmt.Errorf("%w: regression for %s is singular: %v", domain.ErrDataInsufficient, ticker, err)
	}

	// Residual variance with degrees-of-freedom correction.
	var fitted mat.VecDense
	fitted.MulVec(x, &coef)
	residuals := make([]float64, n)
	for i := 0; i < n; i++ {
		residuals[i] = y.AtVec(i) - fitted.AtVec(i)
	}
	dof := n - k - 1
	if dof < 1 {
		return BetaRow{}, fmt.Errorf("%w: %s regression has no residual degrees of freedom", domain.ErrDataInsufficient, ticker)
	}
	residualVariance := stat.Variance(residuals, nil) * float64(n-1) / float64(dof)

	row := BetaRow{
		Ticker:           ticker,
		Betas:            make(map[string]float64, k),
		ResidualVariance: residualVariance,
		Observations:     n,
	}
	for j, name := range factorNames {
		row.Betas[name] = coef.AtVec(j + 1)
	}

	// A NaN or Inf beta must never reach a result.
	for name, beta := range row.Betas {
		if math.IsNaN(beta) || math.IsInf(beta, 0) {
			return BetaRow{}, fmt.Errorf("%w: %s beta on %s is not finite", domain.ErrDataInsufficient, ticker, name)
		}
	}
	if math.IsNaN(residualVariance) || math.IsInf(residualVariance, 0) || residualVariance < 0 {
		return BetaRow{}, fmt.Errorf("%w: %s residual variance is not finite", domain.ErrDataInsufficient, ticker)
	}

	e.log.Debug().
		Str("ticker", ticker).
		Int("observations", n).
		Int("factors", k).
		Msg("Estimated factor betas")

	return row, nil
}

// FactorCovariance estimates the factor covariance matrix from the proxy
// return series over window. Row/column order matches
// proxySet.FactorNames(). Covariances are pairwise over aligned dates.
func (e *Estimator) FactorCovariance(ctx context.Context, window domain.Window, proxySet domain.FactorProxySet) (*mat.SymDense, []string, error) {
	factorNames := proxySet.FactorNames()
	k := len(factorNames)

	series := make([][]marketdata.Return, 0, k)
	for _, name := range factorNames {
		proxy := proxySet.Factors[name]
		proxyReturns, err := e.returns.Get(ctx, proxy, window.Start, window.End)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: no return history for factor %s proxy %s: %v", domain.ErrDataInsufficient, name, proxy, err)
		}
		series = append(series, proxyReturns)
	}

	aligned := marketdata.AlignByDate(series...)
	if len(aligned) == 0 || len(aligned[0]) < MinObservations {
		n := 0
		if len(aligned) > 0 {
			n = len(aligned[0])
		}
		return nil, nil, fmt.Errorf("%w: factor proxies share %d aligned observations, need %d", domain.ErrDataInsufficient, n, MinObservations)
	}

	cov := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			c := stat.Covariance(aligned[i], aligned[j], nil)
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, nil, fmt.Errorf("%w: covariance of %s and %s is not finite", domain.ErrDataInsufficient, factorNames[i], factorNames[j])
			}
			cov.SetSym(i, j, c)
		}
	}

	return cov, factorNames, nil
}

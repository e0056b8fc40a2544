// Package decomposition combines holding weights, factor betas and the
// factor covariance matrix into total portfolio variance, split into
// factor-attributable and idiosyncratic components, and allocates that
// variance back to holdings and factors via Euler allocation.
package decomposition

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/exposure"
)

// TradingDaysPerYear annualizes daily variance.
const TradingDaysPerYear = 252

// Input is the assembled model for one decomposition run. Tickers fixes the
// ordering of Weights and BetaRows in all matrices.
type Input struct {
	Tickers   []string
	Weights   map[string]float64
	BetaRows  map[string]exposure.BetaRow
	FactorCov *mat.SymDense
	Factors   []string // row/column order of FactorCov
}

// Decomposition is the full variance decomposition of a portfolio.
// Variances are in daily units; AnnualizedVolatility is sqrt(total * 252).
type Decomposition struct {
	TotalVariance         float64
	FactorVariance        float64
	IdiosyncraticVariance float64
	AnnualizedVolatility  float64

	// PortfolioBetas is the weight-sum of per-holding betas per factor.
	PortfolioBetas map[string]float64

	// Euler allocations. HoldingContributions sums to TotalVariance;
	// FactorContributions plus IdiosyncraticVariance sums to TotalVariance.
	HoldingContributions []domain.RiskContribution
	FactorContributions  []domain.RiskContribution

	// FactorCorrelation is derived from the factor covariance matrix,
	// ordered like Factors.
	Factors           []string
	FactorCorrelation [][]float64
}

// Engine performs variance decomposition.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a variance decomposition engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "decomposition").Logger()}
}

// Decompose computes the portfolio variance split:
//
//	factor variance        = w' B Σf B' w
//	idiosyncratic variance = Σ w_i² σ²_i   (independent residuals)
//	total variance         = factor + idiosyncratic
//
// A degenerate all-zero-weight portfolio yields zero variance, not an error.
// Any NaN/Inf intermediate fails loudly rather than reaching a result.
func (e *Engine) Decompose(in Input) (*Decomposition, error) {
	n := len(in.Tickers)
	k := len(in.Factors)

	if n == 0 {
		return e.emptyDecomposition(in), nil
	}
	if in.FactorCov == nil || in.FactorCov.SymmetricDim() != k {
		return nil, fmt.Errorf("%w: factor covariance dimension mismatch", domain.ErrConfiguration)
	}

	// Weight vector and beta matrix in ticker order.
	w := mat.NewVecDense(n, nil)
	b := mat.NewDense(n, k, nil)
	residVars := make([]float64, n)
	for i, ticker := range in.Tickers {
		w.SetVec(i, in.Weights[ticker])
		row, ok := in.BetaRows[ticker]
		if !ok {
			return nil, fmt.Errorf("%w: no beta row for %s", domain.ErrConfiguration, ticker)
		}
		for j, factor := range in.Factors {
			b.Set(i, j, row.Betas[factor])
		}
		residVars[i] = row.ResidualVariance
	}

	// Portfolio factor betas: B' w.
	pb := mat.NewVecDense(k, nil)
	pb.MulVec(b.T(), w)

	// Factor variance: pb' Σf pb.
	sigmaPb := mat.NewVecDense(k, nil)
	sigmaPb.MulVec(in.FactorCov, pb)
	factorVariance := mat.Dot(pb, sigmaPb)

	// Idiosyncratic variance: Σ w_i² σ²_i.
	var idioVariance float64
	for i := 0; i < n; i++ {
		idioVariance += w.AtVec(i) * w.AtVec(i) * residVars[i]
	}

	totalVariance := factorVariance + idioVariance
	if !isFinite(totalVariance) || !isFinite(factorVariance) || !isFinite(idioVariance) {
		return nil, fmt.Errorf("%w: variance decomposition produced a non-finite value", domain.ErrDataInsufficient)
	}

	d := &Decomposition{
		TotalVariance:         totalVariance,
		FactorVariance:        factorVariance,
		IdiosyncraticVariance: idioVariance,
		AnnualizedVolatility:  math.Sqrt(math.Max(totalVariance, 0) * TradingDaysPerYear),
		PortfolioBetas:        make(map[string]float64, k),
		Factors:               in.Factors,
	}
	for j, factor := range in.Factors {
		d.PortfolioBetas[factor] = pb.AtVec(j)
	}

	if err := e.allocate(d, in, w, b, pb, sigmaPb, residVars); err != nil {
		return nil, err
	}

	d.FactorCorrelation = correlationFromCovariance(in.FactorCov)

	e.log.Debug().
		Int("holdings", n).
		Int("factors", k).
		Float64("annualized_volatility", d.AnnualizedVolatility).
		Msg("Decomposed portfolio variance")

	return d, nil
}

func (e *Engine) emptyDecomposition(in Input) *Decomposition {
	return &Decomposition{
		PortfolioBetas: make(map[string]float64),
		Factors:        in.Factors,
		FactorCorrelation: func() [][]float64 {
			if in.FactorCov == nil {
				return nil
			}
			return correlationFromCovariance(in.FactorCov)
		}(),
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// correlationFromCovariance converts a covariance matrix to a correlation
// matrix, guarding zero-variance factors.
func correlationFromCovariance(cov *mat.SymDense) [][]float64 {
	k := cov.SymmetricDim()
	corr := make([][]float64, k)
	for i := 0; i < k; i++ {
		corr[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			denom := math.Sqrt(cov.At(i, i) * cov.At(j, j))
			if denom == 0 {
				if i == j {
					corr[i][j] = 1.0
				}
				continue
			}
			corr[i][j] = cov.At(i, j) / denom
		}
	}
	return corr
}

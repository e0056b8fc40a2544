package decomposition

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskengine/internal/domain"
)

// allocate computes the Euler allocation of total variance.
//
// Variance is homogeneous of degree two in the weights, so
// w_i * (Σ_total w)_i over the full holdings covariance
// Σ_total = B Σf B' + diag(σ²) sums exactly to total variance. The same
// identity allocates factor variance to factors through the portfolio beta
// vector: β_k * (Σf β)_k sums to factor variance, which together with the
// idiosyncratic term covers the total. These are exact round trips, not
// approximations; tests assert them at 1e-9 relative tolerance.
func (e *Engine) allocate(d *Decomposition, in Input, w *mat.VecDense, b *mat.Dense, pb, sigmaPb *mat.VecDense, residVars []float64) error {
	n := len(in.Tickers)

	// Marginal variance per holding: (B Σf B' w + diag(σ²) w)_i.
	// B Σf B' w = B * (Σf * (B' w)) = B * sigmaPb, computed without
	// materializing the n×n covariance.
	marginal := mat.NewVecDense(n, nil)
	marginal.MulVec(b, sigmaPb)
	for i := 0; i < n; i++ {
		marginal.SetVec(i, marginal.AtVec(i)+residVars[i]*w.AtVec(i))
	}

	var holdingSum float64
	d.HoldingContributions = make([]domain.RiskContribution, 0, n)
	for i, ticker := range in.Tickers {
		contribution := w.AtVec(i) * marginal.AtVec(i)
		holdingSum += contribution
		d.HoldingContributions = append(d.HoldingContributions, domain.RiskContribution{
			Name:     ticker,
			Variance: contribution,
			Share:    share(contribution, d.TotalVariance),
		})
	}

	d.FactorContributions = make([]domain.RiskContribution, 0, len(in.Factors))
	for j, factor := range in.Factors {
		contribution := pb.AtVec(j) * sigmaPb.AtVec(j)
		d.FactorContributions = append(d.FactorContributions, domain.RiskContribution{
			Name:     factor,
			Variance: contribution,
			Share:    share(contribution, d.TotalVariance),
		})
	}

	// Euler identity sanity check; a violation here means the linear
	// algebra above is wrong, not that the inputs are bad.
	if d.TotalVariance > 0 && relDiff(holdingSum, d.TotalVariance) > 1e-9 {
		return fmt.Errorf("%w: Euler allocation mismatch: holdings sum %.*e vs total %.*e",
			domain.ErrDataInsufficient, 15, holdingSum, 15, d.TotalVariance)
	}

	return nil
}

func share(contribution, total float64) float64 {
	if total == 0 {
		return 0
	}
	return contribution / total
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d / b
}

// Package optimization searches for reweighted portfolios that minimize
// variance or maximize expected return while honoring the risk limit set as
// hard constraints. Non-convergence is modeled as data, not as an error:
// every solve terminates with a tagged Feasible / Infeasible /
// DidNotConverge result inside a bounded iteration and time budget.
package optimization

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/decomposition"
	"github.com/aristath/riskengine/internal/modules/exposure"
	"github.com/aristath/riskengine/internal/modules/limits"
)

// Objective selects what the optimizer minimizes or maximizes.
type Objective string

const (
	// MinVariance minimizes w'Σw.
	MinVariance Objective = "MIN_VARIANCE"
	// MaxReturn maximizes μ'w.
	MaxReturn Objective = "MAX_RETURN"
)

// Status tags the outcome of a solve.
type Status string

const (
	// Feasible: the returned weights satisfy every configured limit.
	Feasible Status = "FEASIBLE"
	// Infeasible: no weight vector in the given universe satisfies the
	// limits; Weights (if present) is the best violating candidate and is
	// not authoritative.
	Infeasible Status = "INFEASIBLE"
	// DidNotConverge: the solver exhausted its iteration or time budget.
	// Weights (if present) is the best candidate found and is not
	// authoritative.
	DidNotConverge Status = "DID_NOT_CONVERGE"
)

// Penalty method constants, matching the magnitudes that work well for
// weight-scale problems.
const (
	penaltyWeight        = 1000.0
	defaultIterations    = 500
	defaultLowerBound    = 0.0
	defaultUpperBound    = 1.0
	weightSumTolerance   = 1e-4
	feasibilityTolerance = 1e-9

	// constraintMargin shrinks every limit inside the penalty objective so
	// the solver settles strictly inside the feasible region. Penalty
	// equilibria sit on the violating side of the boundary they are pushed
	// against; validation against the unshrunk limits is strict.
	constraintMargin = 0.01
)

// Model is the assembled risk model the optimizer searches over. It is the
// same model the analysis pipeline computes: betas, factor covariance and
// residual variances per holding, all in the fixed Tickers order.
type Model struct {
	Tickers   []string
	BetaRows  map[string]exposure.BetaRow
	FactorCov *mat.SymDense
	Factors   []string

	// ExpectedReturns is the annualized expected return per ticker.
	// Required for MaxReturn, ignored for MinVariance.
	ExpectedReturns map[string]float64
}

// Options are caller-supplied box constraints and budgets.
type Options struct {
	// LowerBound / UpperBound are per-holding weight bounds. The defaults
	// (0, 1) encode no-short, no-leverage.
	LowerBound *float64
	UpperBound *float64
	// MaxIterations bounds the solver's major iterations (default 500).
	MaxIterations int
	// Timeout bounds wall-clock solve time; the context deadline is also
	// honored. On expiry the result is DidNotConverge, never a partial
	// answer presented as feasible.
	Timeout time.Duration
}

// Result is the tagged outcome of one solve.
type Result struct {
	Status         Status                     `json:"status"`
	Weights        map[string]float64         `json:"weights,omitempty"`
	ExpectedReturn float64                    `json:"expected_return"`
	Volatility     float64                    `json:"volatility"`
	Violations     []domain.ComplianceVerdict `json:"violations,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
}

// Optimizer runs constrained portfolio solves.
type Optimizer struct {
	engine *decomposition.Engine
	log    zerolog.Logger
}

// New creates an optimizer that validates candidates through engine.
func New(engine *decomposition.Engine, log zerolog.Logger) *Optimizer {
	return &Optimizer{
		engine: engine,
		log:    log.With().Str("component", "optimizer").Logger(),
	}
}

// Optimize solves the constrained problem and always terminates with a
// tagged result. It returns an error only for malformed inputs
// (ErrConfiguration), never for solver outcomes.
func (o *Optimizer) Optimize(ctx context.Context, model Model, objective Objective, limitSet domain.RiskLimitSet, opts Options) (*Result, error) {
	n := len(model.Tickers)
	if n == 0 {
		return nil, fmt.Errorf("%w: optimizer universe is empty", domain.ErrConfiguration)
	}
	if err := limitSet.Validate(); err != nil {
		return nil, err
	}
	if objective != MinVariance && objective != MaxReturn {
		return nil, fmt.Errorf("%w: unknown objective %q", domain.ErrConfiguration, objective)
	}

	lower := defaultLowerBound
	if opts.LowerBound != nil {
		lower = *opts.LowerBound
	}
	upper := defaultUpperBound
	if opts.UpperBound != nil {
		upper = *opts.UpperBound
	}
	if limitSet.MaxHoldingWeight != nil && *limitSet.MaxHoldingWeight < upper {
		upper = *limitSet.MaxHoldingWeight
	}
	if lower > upper {
		return nil, fmt.Errorf("%w: lower bound %.4f above upper bound %.4f", domain.ErrConfiguration, lower, upper)
	}

	// Provable infeasibility: even at the upper bound everywhere the
	// weights cannot reach 1.
	if upper*float64(n) < 1-feasibilityTolerance {
		return &Result{
			Status: Infeasible,
			Reason: fmt.Sprintf("upper bound %.4f across %d holdings cannot sum to 1", upper, n),
		}, nil
	}
	if lower*float64(n) > 1+feasibilityTolerance {
		return &Result{
			Status: Infeasible,
			Reason: fmt.Sprintf("lower bound %.4f across %d holdings forces the sum above 1", lower, n),
		}, nil
	}

	mu := make([]float64, n)
	if objective == MaxReturn {
		for i, ticker := range model.Tickers {
			ret, ok := model.ExpectedReturns[ticker]
			if !ok {
				return nil, fmt.Errorf("%w: missing expected return for %s", domain.ErrConfiguration, ticker)
			}
			mu[i] = ret
		}
	}

	problem := o.buildProblem(model, objective, limitSet, mu, lower, upper)

	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
	}
	if settings.MajorIterations <= 0 {
		settings.MajorIterations = defaultIterations
	}
	settings.Runtime = solveBudget(ctx, opts.Timeout)

	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	solution, converged := o.minimize(problem, initial, settings)
	if ctx.Err() != nil {
		converged = false
	}

	weights := o.finalize(solution, model.Tickers, lower, upper)
	validated, violations := o.validate(weights, model, limitSet)

	result := &Result{
		Weights:    weights,
		Violations: violations,
	}
	if validated != nil {
		result.Volatility = validated.AnnualizedVolatility
	}
	for i, ticker := range model.Tickers {
		result.ExpectedReturn += mu[i] * weights[ticker]
	}

	switch {
	case !converged:
		result.Status = DidNotConverge
		result.Reason = "solver exhausted its iteration or time budget; weights are the best candidate found and are not authoritative"
	case len(violations) > 0:
		// A converged solve that still violates a hard limit means the
		// constraint set has no room in this universe.
		result.Status = Infeasible
		result.Reason = "converged candidate violates configured limits; no feasible vector found in this universe"
	default:
		result.Status = Feasible
	}

	o.log.Info().
		Str("objective", string(objective)).
		Str("status", string(result.Status)).
		Int("universe", n).
		Float64("volatility", result.Volatility).
		Msg("Optimizer finished")

	return result, nil
}

// buildProblem assembles the penalty-method objective. Derivatives are left
// to gonum's finite differencing.
func (o *Optimizer) buildProblem(model Model, objective Objective, limitSet domain.RiskLimitSet, mu []float64, lower, upper float64) optimize.Problem {
	n := len(model.Tickers)
	k := len(model.Factors)

	b := mat.NewDense(n, k, nil)
	residVars := make([]float64, n)
	for i, ticker := range model.Tickers {
		row := model.BetaRows[ticker]
		for j, factor := range model.Factors {
			b.Set(i, j, row.Betas[factor])
		}
		residVars[i] = row.ResidualVariance
	}

	variance := func(x []float64) float64 {
		w := mat.NewVecDense(n, x)
		pb := mat.NewVecDense(k, nil)
		pb.MulVec(b.T(), w)
		sigmaPb := mat.NewVecDense(k, nil)
		sigmaPb.MulVec(model.FactorCov, pb)
		v := mat.Dot(pb, sigmaPb)
		for i := 0; i < n; i++ {
			v += x[i] * x[i] * residVars[i]
		}
		return v
	}

	factorShares := func(x []float64, total float64) []float64 {
		if total <= 0 {
			return make([]float64, k)
		}
		w := mat.NewVecDense(n, x)
		pb := mat.NewVecDense(k, nil)
		pb.MulVec(b.T(), w)
		sigmaPb := mat.NewVecDense(k, nil)
		sigmaPb.MulVec(model.FactorCov, pb)
		shares := make([]float64, k)
		for j := 0; j < k; j++ {
			shares[j] = pb.AtVec(j) * sigmaPb.AtVec(j) / total
		}
		return shares
	}

	objective0 := func(x []float64) float64 {
		xProj := projectToBounds(x, lower, upper)

		dailyVariance := variance(xProj)

		var obj float64
		switch objective {
		case MinVariance:
			obj = dailyVariance
		case MaxReturn:
			for i := 0; i < n; i++ {
				obj -= mu[i] * xProj[i]
			}
		}

		var sum float64
		for i := 0; i < n; i++ {
			sum += xProj[i]
		}
		obj += penaltyWeight * (sum - 1.0) * (sum - 1.0)

		if limitSet.MaxVolatility != nil {
			volCap := *limitSet.MaxVolatility * (1 - constraintMargin)
			maxDaily := volCap * volCap / decomposition.TradingDaysPerYear
			if excess := dailyVariance - maxDaily; excess > 0 {
				// Rescale from daily variance units before squaring.
				scaled := excess * decomposition.TradingDaysPerYear
				obj += penaltyWeight * scaled * scaled
			}
		}

		if limitSet.MaxFactorShare != nil {
			shareCap := *limitSet.MaxFactorShare * (1 - constraintMargin)
			for _, s := range factorShares(xProj, dailyVariance) {
				if excess := s - shareCap; excess > 0 {
					obj += penaltyWeight * excess * excess
				}
			}
		}

		if limitSet.MaxFactorLoss != nil {
			lossCap := *limitSet.MaxFactorLoss * (1 - constraintMargin)
			w := mat.NewVecDense(n, xProj)
			pb := mat.NewVecDense(k, nil)
			pb.MulVec(b.T(), w)
			sigmaPb := mat.NewVecDense(k, nil)
			sigmaPb.MulVec(model.FactorCov, pb)
			for j := 0; j < k; j++ {
				contribution := pb.AtVec(j) * sigmaPb.AtVec(j)
				if contribution <= 0 {
					continue
				}
				loss := limits.FactorLossZ * math.Sqrt(contribution*decomposition.TradingDaysPerYear)
				if excess := loss - lossCap; excess > 0 {
					obj += penaltyWeight * excess * excess
				}
			}
		}

		return obj
	}

	return optimize.Problem{
		Func: objective0,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, objective0, x, nil)
		},
	}
}

// minimize tries BFGS with finite-difference gradients, falling back to
// Nelder-Mead.
func (o *Optimizer) minimize(problem optimize.Problem, initial []float64, settings *optimize.Settings) ([]float64, bool) {
	success := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.GradientThreshold:   true,
		optimize.FunctionConvergence: true,
	}

	best := initial
	result, err := optimize.Minimize(problem, initial, settings, &optimize.BFGS{})
	if err == nil && result != nil {
		best = result.X
		if success[result.Status] {
			return best, true
		}
	}

	result, err = optimize.Minimize(problem, initial, settings, &optimize.NelderMead{})
	if err == nil && result != nil {
		best = result.X
		if success[result.Status] {
			return best, true
		}
		o.log.Warn().Str("status", result.Status.String()).Msg("Solver did not converge")
	} else if err != nil {
		o.log.Warn().Err(err).Msg("Solver failed")
	}

	return best, false
}

// finalize projects the raw solution to bounds, normalizes to sum 1, and
// redistributes any normalization overshoot back under the upper bound.
// Normalization after projection can push a capped weight above its cap;
// the clamp/redistribute loop moves that excess to holdings with headroom.
func (o *Optimizer) finalize(x []float64, tickers []string, lower, upper float64) map[string]float64 {
	xProj := projectToBounds(x, lower, upper)
	n := len(xProj)

	var sum float64
	for _, v := range xProj {
		sum += v
	}
	if sum > weightSumTolerance {
		for i := range xProj {
			xProj[i] /= sum
		}
	}

	for iter := 0; iter < n; iter++ {
		var excess float64
		var headroom float64
		for i := range xProj {
			if xProj[i] > upper {
				excess += xProj[i] - upper
				xProj[i] = upper
			} else {
				headroom += upper - xProj[i]
			}
		}
		if excess <= feasibilityTolerance || headroom <= 0 {
			break
		}
		for i := range xProj {
			if xProj[i] < upper {
				xProj[i] += excess * (upper - xProj[i]) / headroom
			}
		}
	}

	weights := make(map[string]float64, len(tickers))
	for i, ticker := range tickers {
		weights[ticker] = xProj[i]
	}
	return weights
}

// validate recomputes the candidate's risk through the decomposition engine
// and checks it against the real limit set. The penalty solution is never
// trusted on its own.
func (o *Optimizer) validate(weights map[string]float64, model Model, limitSet domain.RiskLimitSet) (*decomposition.Decomposition, []domain.ComplianceVerdict) {
	d, err := o.engine.Decompose(decomposition.Input{
		Tickers:   model.Tickers,
		Weights:   weights,
		BetaRows:  model.BetaRows,
		FactorCov: model.FactorCov,
		Factors:   model.Factors,
	})
	if err != nil {
		o.log.Error().Err(err).Msg("Candidate validation failed")
		return nil, []domain.ComplianceVerdict{{
			RuleName: "validation",
			Status:   domain.StatusFail,
			Detail:   err.Error(),
		}}
	}

	var violations []domain.ComplianceVerdict
	for _, v := range limits.Check(d, weights, limitSet) {
		if v.Status == domain.StatusFail {
			violations = append(violations, v)
		}
	}
	return d, violations
}

func projectToBounds(x []float64, lower, upper float64) []float64 {
	proj := make([]float64, len(x))
	for i := range x {
		proj[i] = math.Max(lower, math.Min(upper, x[i]))
	}
	return proj
}

// solveBudget resolves the effective wall-clock budget from the explicit
// timeout and the context deadline, whichever is tighter.
func solveBudget(ctx context.Context, timeout time.Duration) time.Duration {
	budget := timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if budget == 0 || remaining < budget {
			budget = remaining
		}
	}
	if budget < 0 {
		budget = time.Nanosecond
	}
	return budget
}

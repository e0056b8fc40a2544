// Package limits compares computed risk metrics against a configurable
// limit set. The checker is pure: no state, no side effects, no logging.
package limits

import (
	"math"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/decomposition"
)

// Rule names, one per RiskLimitSet threshold.
const (
	RuleMaxVolatility    = "max_volatility"
	RuleMaxHoldingWeight = "max_holding_weight"
	RuleMaxFactorShare   = "max_factor_share"
	RuleMaxFactorLoss    = "max_factor_loss"
)

// FactorLossZ is the z-score for the per-factor loss rule: the 99% one-sided
// quantile of a normal factor return.
const FactorLossZ = 2.33

// Check evaluates every configured limit and returns one verdict per rule.
// Unconfigured limits produce no verdict at all - absence is not a PASS.
// Status is FAIL iff the current value strictly exceeds the limit; there is
// no tolerance band.
func Check(d *decomposition.Decomposition, weights map[string]float64, limitSet domain.RiskLimitSet) []domain.ComplianceVerdict {
	var verdicts []domain.ComplianceVerdict

	if limitSet.MaxVolatility != nil {
		verdicts = append(verdicts, verdict(RuleMaxVolatility, d.AnnualizedVolatility, *limitSet.MaxVolatility, ""))
	}

	if limitSet.MaxHoldingWeight != nil {
		current, worst := largestAbsWeight(weights)
		verdicts = append(verdicts, verdict(RuleMaxHoldingWeight, current, *limitSet.MaxHoldingWeight, worst))
	}

	if limitSet.MaxFactorShare != nil {
		current, worst := largestFactorShare(d)
		verdicts = append(verdicts, verdict(RuleMaxFactorShare, current, *limitSet.MaxFactorShare, worst))
	}

	if limitSet.MaxFactorLoss != nil {
		current, worst := largestFactorLoss(d)
		verdicts = append(verdicts, verdict(RuleMaxFactorLoss, current, *limitSet.MaxFactorLoss, worst))
	}

	return verdicts
}

func verdict(rule string, current, limit float64, detail string) domain.ComplianceVerdict {
	status := domain.StatusPass
	if current > limit {
		status = domain.StatusFail
	}
	return domain.ComplianceVerdict{
		RuleName:     rule,
		CurrentValue: current,
		LimitValue:   limit,
		Status:       status,
		Detail:       detail,
	}
}

// largestAbsWeight finds the largest single-holding weight by magnitude, so
// a -0.7 short breaches a 0.5 cap just as a 0.7 long does.
func largestAbsWeight(weights map[string]float64) (float64, string) {
	var largest float64
	var ticker string
	for t, w := range weights {
		if a := math.Abs(w); a > largest {
			largest = a
			ticker = t
		}
	}
	return largest, ticker
}

// largestFactorShare finds the largest single-factor share of total
// variance.
func largestFactorShare(d *decomposition.Decomposition) (float64, string) {
	var largest float64
	var factor string
	for _, c := range d.FactorContributions {
		if c.Share > largest {
			largest = c.Share
			factor = c.Name
		}
	}
	return largest, factor
}

// largestFactorLoss estimates, per factor, the 99% annual loss driven by
// that factor alone (FactorLossZ times the annualized volatility of the
// factor's variance contribution) and returns the worst one.
func largestFactorLoss(d *decomposition.Decomposition) (float64, string) {
	var largest float64
	var factor string
	for _, c := range d.FactorContributions {
		if c.Variance <= 0 {
			continue
		}
		loss := FactorLossZ * math.Sqrt(c.Variance*decomposition.TradingDaysPerYear)
		if loss > largest {
			largest = loss
			factor = c.Name
		}
	}
	return largest, factor
}

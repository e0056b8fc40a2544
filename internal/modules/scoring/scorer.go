// Package scoring maps a risk analysis into a single bounded 0-100 score
// with sub-scores, a discrete category and recommendation strings. Higher
// scores mean more risk. The scorer is deterministic: the same analysis
// always produces the same score.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/limits"
)

// Scoring curve and weighting constants.
const (
	// TargetVolatility is the annualized volatility at which the
	// volatility sub-score sits at the middle of its range.
	TargetVolatility = 0.15

	// Sub-score combination weights. Must sum to 1.
	WeightVolatility          = 0.35
	WeightConcentration       = 0.25
	WeightFactorConcentration = 0.25
	WeightCompliance          = 0.15

	// Each compliance violation costs this many points, capped at 100.
	ViolationPenalty = 25.0

	// Category band thresholds on the overall score.
	BandLow      = 25.0
	BandModerate = 50.0
	BandHigh     = 75.0
)

// Sub-score names, used as keys in RiskScoreResult.SubScores.
const (
	SubScoreVolatility          = "volatility"
	SubScoreConcentration       = "concentration"
	SubScoreFactorConcentration = "factor_concentration"
	SubScoreCompliance          = "compliance"
)

// Score derives a RiskScoreResult from an analysis result. It is presentation
// logic over already-computed metrics and performs no new analytics.
func Score(result *domain.RiskAnalysisResult) *domain.RiskScoreResult {
	volScore := scoreVolatility(result.AnnualizedVolatility)
	concScore := scoreConcentration(largestWeight(result.Weights))
	factorScore := scoreFactorConcentration(largestShare(result.FactorContributions))
	complianceScore := scoreCompliance(countFailures(result.Verdicts))

	overall := volScore*WeightVolatility +
		concScore*WeightConcentration +
		factorScore*WeightFactorConcentration +
		complianceScore*WeightCompliance

	subScores := map[string]float64{
		SubScoreVolatility:          round1(volScore),
		SubScoreConcentration:       round1(concScore),
		SubScoreFactorConcentration: round1(factorScore),
		SubScoreCompliance:          round1(complianceScore),
	}

	return &domain.RiskScoreResult{
		Score:           round1(overall),
		SubScores:       subScores,
		Category:        categorize(overall),
		Recommendations: recommend(subScores, result.Verdicts),
	}
}

// scoreVolatility maps annualized volatility through a saturating curve:
// 0 at zero volatility, 50 at the target, approaching 100 asymptotically.
// Monotonic by construction.
func scoreVolatility(vol float64) float64 {
	if vol <= 0 {
		return 0
	}
	return 100 * (1 - math.Exp(-math.Ln2*vol/TargetVolatility))
}

// scoreConcentration maps the largest single-holding weight linearly into
// [0,100], clamped. A fully concentrated portfolio scores 100.
func scoreConcentration(maxWeight float64) float64 {
	return clamp(maxWeight*100, 0, 100)
}

// scoreFactorConcentration maps the largest single-factor variance share
// linearly into [0,100], clamped.
func scoreFactorConcentration(maxShare float64) float64 {
	return clamp(maxShare*100, 0, 100)
}

// scoreCompliance charges a flat penalty per failed rule.
func scoreCompliance(failures int) float64 {
	return clamp(float64(failures)*ViolationPenalty, 0, 100)
}

func categorize(score float64) domain.RiskCategory {
	switch {
	case score < BandLow:
		return domain.RiskLow
	case score < BandModerate:
		return domain.RiskModerate
	case score < BandHigh:
		return domain.RiskHigh
	default:
		return domain.RiskVeryHigh
	}
}

// recommend selects template strings from a fixed rule table: one for the
// worst sub-score, one per failed compliance rule.
func recommend(subScores map[string]float64, verdicts []domain.ComplianceVerdict) []string {
	var recommendations []string

	worst := worstSubScore(subScores)
	switch worst {
	case SubScoreVolatility:
		recommendations = append(recommendations,
			"Portfolio volatility is the dominant risk driver; consider shifting weight toward lower-volatility holdings.")
	case SubScoreConcentration:
		recommendations = append(recommendations,
			"A single holding dominates the portfolio; consider spreading its weight across additional positions.")
	case SubScoreFactorConcentration:
		recommendations = append(recommendations,
			"One risk factor drives most of the portfolio variance; consider diversifying across factor exposures.")
	case SubScoreCompliance:
		recommendations = append(recommendations,
			"Configured risk limits are being breached; address the failing rules below before adding risk.")
	}

	for _, v := range verdicts {
		if v.Status != domain.StatusFail {
			continue
		}
		switch v.RuleName {
		case limits.RuleMaxVolatility:
			recommendations = append(recommendations, fmt.Sprintf(
				"Annualized volatility %.1f%% exceeds the %.1f%% limit.", v.CurrentValue*100, v.LimitValue*100))
		case limits.RuleMaxHoldingWeight:
			recommendations = append(recommendations, fmt.Sprintf(
				"Holding %s at %.1f%% of the portfolio exceeds the %.1f%% single-holding limit.",
				v.Detail, v.CurrentValue*100, v.LimitValue*100))
		case limits.RuleMaxFactorShare:
			recommendations = append(recommendations, fmt.Sprintf(
				"Factor %s drives %.1f%% of portfolio variance, above the %.1f%% limit.",
				v.Detail, v.CurrentValue*100, v.LimitValue*100))
		case limits.RuleMaxFactorLoss:
			recommendations = append(recommendations, fmt.Sprintf(
				"Estimated %s-driven loss of %.1f%% exceeds the %.1f%% limit.",
				v.Detail, v.CurrentValue*100, v.LimitValue*100))
		}
	}

	return recommendations
}

// worstSubScore returns the highest-risk sub-score name, ties broken
// alphabetically for determinism.
func worstSubScore(subScores map[string]float64) string {
	names := make([]string, 0, len(subScores))
	for name := range subScores {
		names = append(names, name)
	}
	sort.Strings(names)

	var worst string
	var worstValue = math.Inf(-1)
	for _, name := range names {
		if subScores[name] > worstValue {
			worst = name
			worstValue = subScores[name]
		}
	}
	return worst
}

func largestWeight(weights map[string]float64) float64 {
	var largest float64
	for _, w := range weights {
		if a := math.Abs(w); a > largest {
			largest = a
		}
	}
	return largest
}

func largestShare(contributions []domain.RiskContribution) float64 {
	var largest float64
	for _, c := range contributions {
		if c.Share > largest {
			largest = c.Share
		}
	}
	return largest
}

func countFailures(verdicts []domain.ComplianceVerdict) int {
	var failures int
	for _, v := range verdicts {
		if v.Status == domain.StatusFail {
			failures++
		}
	}
	return failures
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

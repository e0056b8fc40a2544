package scoring

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/limits"
)

func analysisResult(vol, maxWeight, maxFactorShare float64, verdicts []domain.ComplianceVerdict) *domain.RiskAnalysisResult {
	return &domain.RiskAnalysisResult{
		AnnualizedVolatility: vol,
		Weights:              map[string]float64{"AAPL": maxWeight, "OTHER": 1 - maxWeight},
		FactorContributions: []domain.RiskContribution{
			{Name: "market", Share: maxFactorShare},
		},
		Verdicts: verdicts,
	}
}

func TestScore_BoundedAndDeterministic(t *testing.T) {
	result := analysisResult(0.22, 0.6, 0.7, []domain.ComplianceVerdict{
		{RuleName: limits.RuleMaxHoldingWeight, CurrentValue: 0.6, LimitValue: 0.5, Status: domain.StatusFail, Detail: "AAPL"},
	})

	first := Score(result)
	second := Score(result)

	require.NotNil(t, first)
	assert.GreaterOrEqual(t, first.Score, 0.0)
	assert.LessOrEqual(t, first.Score, 100.0)
	assert.Equal(t, first, second, "scoring must be deterministic")
}

func TestScore_VolatilityCurveMonotonic(t *testing.T) {
	previous := -1.0
	for _, vol := range []float64{0, 0.05, 0.10, 0.15, 0.30, 0.60, 2.0} {
		score := scoreVolatility(vol)
		assert.Greater(t, score, previous, "volatility score must be strictly increasing, vol=%f", vol)
		assert.LessOrEqual(t, score, 100.0)
		previous = score
	}
	// 50 points exactly at the target.
	assert.InDelta(t, 50.0, scoreVolatility(TargetVolatility), 1e-9)
}

func TestScore_CategoryBands(t *testing.T) {
	tests := []struct {
		score    float64
		category domain.RiskCategory
	}{
		{0, domain.RiskLow},
		{24.9, domain.RiskLow},
		{25, domain.RiskModerate},
		{49.9, domain.RiskModerate},
		{50, domain.RiskHigh},
		{74.9, domain.RiskHigh},
		{75, domain.RiskVeryHigh},
		{100, domain.RiskVeryHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.category, categorize(tt.score), "score %.1f", tt.score)
	}
}

func TestScore_LowRiskPortfolio(t *testing.T) {
	result := analysisResult(0.04, 0.1, 0.2, nil)
	scored := Score(result)
	assert.Equal(t, domain.RiskLow, scored.Category)
	assert.Zero(t, scored.SubScores[SubScoreCompliance])
}

func TestScore_ViolationsRaiseComplianceSubScore(t *testing.T) {
	clean := Score(analysisResult(0.15, 0.3, 0.5, nil))
	dirty := Score(analysisResult(0.15, 0.3, 0.5, []domain.ComplianceVerdict{
		{RuleName: limits.RuleMaxVolatility, Status: domain.StatusFail},
		{RuleName: limits.RuleMaxHoldingWeight, Status: domain.StatusFail, Detail: "AAPL"},
	}))

	assert.Greater(t, dirty.SubScores[SubScoreCompliance], clean.SubScores[SubScoreCompliance])
	assert.Greater(t, dirty.Score, clean.Score)
	assert.InDelta(t, 2*ViolationPenalty, dirty.SubScores[SubScoreCompliance], 1e-9)
}

func TestScore_RecommendationsNameFailedRules(t *testing.T) {
	result := analysisResult(0.15, 0.6, 0.5, []domain.ComplianceVerdict{
		{
			RuleName:     limits.RuleMaxHoldingWeight,
			CurrentValue: 0.6,
			LimitValue:   0.5,
			Status:       domain.StatusFail,
			Detail:       "AAPL",
		},
	})

	scored := Score(result)
	require.NotEmpty(t, scored.Recommendations)

	var mentionsHolding bool
	for _, r := range scored.Recommendations {
		if strings.Contains(r, "AAPL") && strings.Contains(r, "60.0%") && strings.Contains(r, "50.0%") {
			mentionsHolding = true
		}
	}
	assert.True(t, mentionsHolding, "a recommendation must name the breached holding limit: %v", scored.Recommendations)
}

func TestScore_PassingVerdictsProduceNoRuleRecommendations(t *testing.T) {
	result := analysisResult(0.05, 0.2, 0.3, []domain.ComplianceVerdict{
		{RuleName: limits.RuleMaxVolatility, CurrentValue: 0.05, LimitValue: 0.5, Status: domain.StatusPass},
	})

	scored := Score(result)
	// Only the worst-sub-score template remains.
	assert.Len(t, scored.Recommendations, 1)
}

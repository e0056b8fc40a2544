package domain

import "time"

// ComplianceStatus is the verdict of a single limit check.
type ComplianceStatus string

const (
	StatusPass ComplianceStatus = "PASS"
	StatusFail ComplianceStatus = "FAIL"
)

// ComplianceVerdict is the outcome of checking one configured limit.
// Unconfigured limits never produce a verdict.
type ComplianceVerdict struct {
	RuleName     string           `json:"rule_name"`
	CurrentValue float64          `json:"current_value"`
	LimitValue   float64          `json:"limit_value"`
	Status       ComplianceStatus `json:"status"`
	Detail       string           `json:"detail,omitempty"` // worst offender (ticker/factor), if any
}

// RiskContribution is the Euler allocation of total variance to one holding
// or one factor, in raw variance units and as a share of total variance.
type RiskContribution struct {
	Name     string  `json:"name"`
	Variance float64 `json:"variance"`
	Share    float64 `json:"share"`
}

// RiskAnalysisResult is the immutable snapshot produced by one pipeline run.
// It is cached by fingerprint and superseded, never mutated, when inputs
// change.
type RiskAnalysisResult struct {
	Fingerprint string    `json:"fingerprint" msgpack:"fingerprint"`
	ComputedAt  time.Time `json:"computed_at" msgpack:"computed_at"`
	Window      Window    `json:"window" msgpack:"window"`

	// Normalized post-substitution weights, proxy tickers included.
	Weights    map[string]float64 `json:"weights" msgpack:"weights"`
	TotalValue float64            `json:"total_value" msgpack:"total_value"`

	// Variance decomposition (daily units) and annualized volatility.
	TotalVariance         float64 `json:"total_variance" msgpack:"total_variance"`
	FactorVariance        float64 `json:"factor_variance" msgpack:"factor_variance"`
	IdiosyncraticVariance float64 `json:"idiosyncratic_variance" msgpack:"idiosyncratic_variance"`
	AnnualizedVolatility  float64 `json:"annualized_volatility" msgpack:"annualized_volatility"`

	// Portfolio-level aggregated beta per factor (weight-sum of holding betas).
	FactorBetas map[string]float64 `json:"factor_betas" msgpack:"factor_betas"`

	// Euler allocations. Holding contributions sum to TotalVariance; factor
	// contributions plus IdiosyncraticVariance sum to TotalVariance.
	HoldingContributions []RiskContribution `json:"holding_contributions" msgpack:"holding_contributions"`
	FactorContributions  []RiskContribution `json:"factor_contributions" msgpack:"factor_contributions"`

	// Factor correlation matrix, row/column order matching FactorNames.
	FactorNames       []string    `json:"factor_names" msgpack:"factor_names"`
	FactorCorrelation [][]float64 `json:"factor_correlation" msgpack:"factor_correlation"`

	Verdicts []ComplianceVerdict `json:"verdicts" msgpack:"verdicts"`
}

// RiskCategory is the discrete banding of the overall risk score.
type RiskCategory string

const (
	RiskLow      RiskCategory = "LOW"
	RiskModerate RiskCategory = "MODERATE"
	RiskHigh     RiskCategory = "HIGH"
	RiskVeryHigh RiskCategory = "VERY_HIGH"
)

// RiskScoreResult is derived deterministically from a RiskAnalysisResult.
// Higher scores mean more risk.
type RiskScoreResult struct {
	Score           float64            `json:"score"` // 0-100
	SubScores       map[string]float64 `json:"sub_scores"`
	Category        RiskCategory       `json:"category"`
	Recommendations []string           `json:"recommendations"`
}

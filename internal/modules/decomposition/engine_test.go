package decomposition

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskengine/internal/modules/exposure"
)

func newEngine() *Engine { return NewEngine(zerolog.Nop()) }

func betaRow(ticker string, residVar float64, betas map[string]float64) exposure.BetaRow {
	return exposure.BetaRow{Ticker: ticker, Betas: betas, ResidualVariance: residVar}
}

// twoAssetInput: AAPL beta 1.2 / SGOV beta 0, one market factor with daily
// variance 0.0001, matching the worked example from the product docs.
func twoAssetInput() Input {
	return Input{
		Tickers: []string{"AAPL", "SGOV"},
		Weights: map[string]float64{"AAPL": 0.6, "SGOV": 0.4},
		BetaRows: map[string]exposure.BetaRow{
			"AAPL": betaRow("AAPL", 0.00005, map[string]float64{"market": 1.2}),
			"SGOV": betaRow("SGOV", 0.0000001, map[string]float64{"market": 0.0}),
		},
		FactorCov: mat.NewSymDense(1, []float64{0.0001}),
		Factors:   []string{"market"},
	}
}

func TestDecompose_WorkedExample(t *testing.T) {
	d, err := newEngine().Decompose(twoAssetInput())
	require.NoError(t, err)

	// Portfolio market beta = 0.6*1.2 + 0.4*0.0 = 0.72.
	assert.InDelta(t, 0.72, d.PortfolioBetas["market"], 1e-12)

	// Factor variance = 0.72² * 0.0001.
	assert.InDelta(t, 0.72*0.72*0.0001, d.FactorVariance, 1e-15)

	// Idio variance = 0.36*0.00005 + 0.16*0.0000001.
	assert.InDelta(t, 0.36*0.00005+0.16*0.0000001, d.IdiosyncraticVariance, 1e-15)
}

func TestDecompose_VarianceSplitIdentity(t *testing.T) {
	d, err := newEngine().Decompose(twoAssetInput())
	require.NoError(t, err)

	sum := d.FactorVariance + d.IdiosyncraticVariance
	assert.InEpsilon(t, d.TotalVariance, sum, 1e-9,
		"factor + idiosyncratic must equal total variance")
}

func TestDecompose_EulerHoldingRoundTrip(t *testing.T) {
	in := Input{
		Tickers: []string{"AAPL", "MSFT", "JNJ"},
		Weights: map[string]float64{"AAPL": 0.5, "MSFT": 0.3, "JNJ": 0.2},
		BetaRows: map[string]exposure.BetaRow{
			"AAPL": betaRow("AAPL", 0.00004, map[string]float64{"market": 1.2, "value": -0.2}),
			"MSFT": betaRow("MSFT", 0.00003, map[string]float64{"market": 1.1, "value": 0.1}),
			"JNJ":  betaRow("JNJ", 0.00002, map[string]float64{"market": 0.6, "value": 0.5}),
		},
		FactorCov: mat.NewSymDense(2, []float64{
			0.0001, 0.00002,
			0.00002, 0.00008,
		}),
		Factors: []string{"market", "value"},
	}

	d, err := newEngine().Decompose(in)
	require.NoError(t, err)

	var holdingSum float64
	for _, c := range d.HoldingContributions {
		holdingSum += c.Variance
	}
	assert.InEpsilon(t, d.TotalVariance, holdingSum, 1e-9,
		"holding contributions must sum to total variance")

	var factorSum float64
	for _, c := range d.FactorContributions {
		factorSum += c.Variance
	}
	assert.InEpsilon(t, d.TotalVariance, factorSum+d.IdiosyncraticVariance, 1e-9,
		"factor contributions plus idiosyncratic must sum to total variance")

	var shareSum float64
	for _, c := range d.HoldingContributions {
		shareSum += c.Share
	}
	assert.InDelta(t, 1.0, shareSum, 1e-9)
}

func TestDecompose_SingleHoldingNoDiversification(t *testing.T) {
	in := Input{
		Tickers: []string{"AAPL"},
		Weights: map[string]float64{"AAPL": 1.0},
		BetaRows: map[string]exposure.BetaRow{
			"AAPL": betaRow("AAPL", 0.00005, map[string]float64{"market": 1.2}),
		},
		FactorCov: mat.NewSymDense(1, []float64{0.0001}),
		Factors:   []string{"market"},
	}

	d, err := newEngine().Decompose(in)
	require.NoError(t, err)

	assert.InDelta(t, 0.00005, d.IdiosyncraticVariance, 1e-15,
		"100%% weight keeps the holding's full residual variance")
	assert.InDelta(t, 1.2*1.2*0.0001, d.FactorVariance, 1e-15,
		"factor variance is beta-weighted factor variance")
}

func TestDecompose_ZeroWeightsYieldZeroVariance(t *testing.T) {
	in := twoAssetInput()
	in.Weights = map[string]float64{"AAPL": 0, "SGOV": 0}

	d, err := newEngine().Decompose(in)
	require.NoError(t, err)
	assert.Zero(t, d.TotalVariance)
	assert.Zero(t, d.AnnualizedVolatility)
}

func TestDecompose_EmptyPortfolio(t *testing.T) {
	d, err := newEngine().Decompose(Input{Factors: []string{"market"}})
	require.NoError(t, err)
	assert.Zero(t, d.TotalVariance)
}

func TestDecompose_NaNBetaFailsLoudly(t *testing.T) {
	in := twoAssetInput()
	in.BetaRows["AAPL"] = betaRow("AAPL", 0.00005, map[string]float64{"market": math.NaN()})

	_, err := newEngine().Decompose(in)
	assert.Error(t, err)
}

func TestDecompose_AnnualizedVolatility(t *testing.T) {
	d, err := newEngine().Decompose(twoAssetInput())
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(d.TotalVariance*TradingDaysPerYear), d.AnnualizedVolatility, 1e-15)
}

func TestCorrelationFromCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{
		0.04, 0.01,
		0.01, 0.01,
	})
	corr := correlationFromCovariance(cov)

	assert.InDelta(t, 1.0, corr[0][0], 1e-12)
	assert.InDelta(t, 1.0, corr[1][1], 1e-12)
	assert.InDelta(t, 0.01/(0.2*0.1), corr[0][1], 1e-12)
	assert.Equal(t, corr[0][1], corr[1][0])
}

// Package aggregation converts raw holdings into normalized portfolio
// weights, substituting cash currencies with their analysis proxies.
package aggregation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/marketdata"
)

// DollarTolerance is the maximum allowed drift between total dollar value
// before and after cash proxy substitution (one cent).
const DollarTolerance = 0.01

// WeightSumTolerance is the floating point tolerance on the weight-sum
// invariant after normalization.
const WeightSumTolerance = 1e-9

// Aggregate is the output of holding normalization.
type Aggregate struct {
	// Weights maps post-substitution tickers to portfolio weights.
	Weights map[string]float64
	// Tickers is the weight map's key set in deterministic (sorted) order.
	Tickers []string
	// Resolved lists every holding in resolved dollar-exposure form,
	// merged by ticker, cash proxies applied.
	Resolved []domain.ResolvedHolding
	// TotalValue is the portfolio's total dollar value.
	TotalValue float64
	// Unmapped lists cash currencies that had no proxy entry and passed
	// through under their currency code.
	Unmapped []string
}

// Service is the portfolio aggregator.
type Service struct {
	provider marketdata.Provider
	log      zerolog.Logger
}

// New creates a portfolio aggregator.
func New(provider marketdata.Provider, log zerolog.Logger) *Service {
	return &Service{
		provider: provider,
		log:      log.With().Str("component", "aggregation").Logger(),
	}
}

// Normalize resolves raw holdings to dollar exposures, applies the cash
// proxy mapping and produces normalized weights.
//
// Contract: total dollar value before and after cash substitution matches
// within one cent (the mapping changes what is held, never how much). A cash
// currency without a proxy entry passes through under its currency code and
// is logged as unmapped - not an error. A non-cash ticker appearing twice
// with conflicting quantity types is a configuration error.
func (s *Service) Normalize(ctx context.Context, holdings []domain.Holding, proxySet domain.FactorProxySet, valuationDate time.Time) (*Aggregate, error) {
	if err := validateDuplicates(holdings); err != nil {
		return nil, err
	}

	type exposure struct {
		dollars  float64
		fromCash bool
	}
	exposures := make(map[string]*exposure)
	var unmapped []string
	var preSubstitutionCash, postSubstitutionCash float64

	add := func(ticker string, dollars float64, fromCash bool) {
		e, ok := exposures[ticker]
		if !ok {
			e = &exposure{}
			exposures[ticker] = e
		}
		e.dollars += dollars
		e.fromCash = e.fromCash || fromCash
	}

	for _, h := range holdings {
		if err := h.Validate(); err != nil {
			return nil, err
		}

		switch h.Kind {
		case domain.HoldingCash:
			dollars := *h.Dollars
			preSubstitutionCash += dollars
			proxy, ok := proxySet.CashProxies[h.Currency]
			if !ok {
				proxy = h.Currency
				unmapped = append(unmapped, h.Currency)
				s.log.Warn().
					Str("currency", h.Currency).
					Float64("dollars", dollars).
					Msg("Cash currency has no proxy mapping, passing through unmapped")
			}
			postSubstitutionCash += dollars
			add(proxy, dollars, true)

		case domain.HoldingEquity:
			dollars, err := s.resolveEquity(ctx, h, valuationDate)
			if err != nil {
				return nil, err
			}
			add(h.Ticker, dollars, false)
		}
	}

	if diff := math.Abs(preSubstitutionCash - postSubstitutionCash); diff > DollarTolerance {
		return nil, fmt.Errorf("%w: cash substitution changed total value by $%.4f", domain.ErrConfiguration, diff)
	}

	var total float64
	for _, e := range exposures {
		total += e.dollars
	}

	agg := &Aggregate{
		Weights:    make(map[string]float64, len(exposures)),
		TotalValue: total,
		Unmapped:   unmapped,
	}

	tickers := make([]string, 0, len(exposures))
	for ticker := range exposures {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	agg.Tickers = tickers

	for _, ticker := range tickers {
		e := exposures[ticker]
		agg.Resolved = append(agg.Resolved, domain.ResolvedHolding{Ticker: ticker, Dollars: e.dollars})
		if total != 0 {
			agg.Weights[ticker] = e.dollars / total
		}
	}

	if total != 0 {
		var sum float64
		for _, w := range agg.Weights {
			sum += w
		}
		if math.Abs(sum-1.0) > WeightSumTolerance {
			return nil, fmt.Errorf("%w: weights sum to %.12f after normalization", domain.ErrConfiguration, sum)
		}
	}

	s.log.Debug().
		Int("holdings", len(holdings)).
		Int("tickers", len(tickers)).
		Float64("total_value", total).
		Msg("Normalized portfolio")

	return agg, nil
}

// resolveEquity turns an equity holding into a dollar exposure, pricing
// share-quantified holdings at the latest close before the valuation date.
func (s *Service) resolveEquity(ctx context.Context, h domain.Holding, valuationDate time.Time) (float64, error) {
	if h.Dollars != nil {
		return *h.Dollars, nil
	}
	price, err := s.provider.LatestClose(ctx, h.Ticker, valuationDate)
	if err != nil {
		return 0, fmt.Errorf("failed to value %s: %w", h.Ticker, err)
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: bad close price %f for %s", domain.ErrDataInsufficient, price, h.Ticker)
	}
	return *h.Shares * price, nil
}

// validateDuplicates rejects a non-cash ticker that appears with conflicting
// quantity types (shares in one holding, dollars in another). Duplicates of
// the same type merge.
func validateDuplicates(holdings []domain.Holding) error {
	type seen struct{ shares, dollars bool }
	byTicker := make(map[string]*seen)
	for _, h := range holdings {
		if h.Kind != domain.HoldingEquity {
			continue
		}
		s, ok := byTicker[h.Ticker]
		if !ok {
			s = &seen{}
			byTicker[h.Ticker] = s
		}
		s.shares = s.shares || h.Shares != nil
		s.dollars = s.dollars || h.Dollars != nil
		if s.shares && s.dollars {
			return fmt.Errorf("%w: ticker %s appears with conflicting quantity types", domain.ErrConfiguration, h.Ticker)
		}
	}
	return nil
}

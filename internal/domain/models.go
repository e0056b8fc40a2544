// Package domain provides the core types of the risk engine: holdings,
// portfolios, factor proxy sets, risk limits and analysis results.
// The package is pure - no infrastructure dependencies.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// HoldingKind discriminates the holding variant.
type HoldingKind string

const (
	// HoldingEquity is a tradable instrument position, sized in shares or dollars.
	HoldingEquity HoldingKind = "EQUITY"
	// HoldingCash is a cash-currency position, always sized in dollars.
	HoldingCash HoldingKind = "CASH"
)

// Holding is a tagged variant: either an equity position or a cash position.
// The variant is resolved once at ingestion; downstream components only ever
// see the resolved dollar-exposure form (ResolvedHolding).
type Holding struct {
	Kind   HoldingKind `json:"kind"`
	Ticker string      `json:"ticker"`

	// Equity sizing. Exactly one of Shares / Dollars must be set.
	Shares  *float64 `json:"shares,omitempty"`
	Dollars *float64 `json:"dollars,omitempty"`

	// Cash currency code (e.g. "USD"). Only meaningful for HoldingCash.
	Currency string `json:"currency,omitempty"`
}

// Validate checks structural invariants of a single holding.
func (h Holding) Validate() error {
	switch h.Kind {
	case HoldingEquity:
		if h.Ticker == "" {
			return fmt.Errorf("%w: equity holding without ticker", ErrConfiguration)
		}
		if (h.Shares == nil) == (h.Dollars == nil) {
			return fmt.Errorf("%w: holding %s must set exactly one of shares or dollars", ErrConfiguration, h.Ticker)
		}
	case HoldingCash:
		if h.Currency == "" {
			return fmt.Errorf("%w: cash holding without currency", ErrConfiguration)
		}
		if h.Dollars == nil {
			return fmt.Errorf("%w: cash holding %s without dollar amount", ErrConfiguration, h.Currency)
		}
		if *h.Dollars < 0 {
			return fmt.Errorf("%w: cash holding %s has negative amount", ErrConfiguration, h.Currency)
		}
	default:
		return fmt.Errorf("%w: unknown holding kind %q", ErrConfiguration, h.Kind)
	}
	return nil
}

// NewEquityShares creates an equity holding sized in shares.
func NewEquityShares(ticker string, shares float64) Holding {
	return Holding{Kind: HoldingEquity, Ticker: ticker, Shares: &shares}
}

// NewEquityDollars creates an equity holding sized in dollars.
func NewEquityDollars(ticker string, dollars float64) Holding {
	return Holding{Kind: HoldingEquity, Ticker: ticker, Dollars: &dollars}
}

// NewCash creates a cash holding in the given currency.
func NewCash(currency string, dollars float64) Holding {
	return Holding{Kind: HoldingCash, Ticker: "CUR:" + currency, Currency: currency, Dollars: &dollars}
}

// ResolvedHolding is a holding after ingestion: one ticker, one dollar
// exposure. Cash holdings carry the proxy ticker when a mapping exists.
type ResolvedHolding struct {
	Ticker  string  `json:"ticker"`
	Dollars float64 `json:"dollars"`
}

// Window is the analysis window for return history.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Identity returns a stable string form used in fingerprints and cache keys.
func (w Window) Identity() string {
	return w.Start.UTC().Format("2006-01-02") + ":" + w.End.UTC().Format("2006-01-02")
}

// Portfolio is an order-irrelevant set of holdings plus the analysis window.
type Portfolio struct {
	Holdings []Holding `json:"holdings"`
	Window   Window    `json:"window"`
}

// FactorProxySet maps abstract factor names to the tickers whose returns
// stand in for them, plus cash currency -> cash-equivalent proxy tickers.
type FactorProxySet struct {
	Factors     map[string]string `json:"factors"`      // factor name -> proxy ticker
	CashProxies map[string]string `json:"cash_proxies"` // currency code -> proxy ticker
}

// FactorNames returns the factor names in deterministic (sorted) order.
// All matrix code in the engine relies on this ordering.
func (fps FactorProxySet) FactorNames() []string {
	names := make([]string, 0, len(fps.Factors))
	for name := range fps.Factors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity returns a stable string form of the proxy set for fingerprints.
func (fps FactorProxySet) Identity() string {
	parts := make([]string, 0, len(fps.Factors)+len(fps.CashProxies))
	for name, ticker := range fps.Factors {
		parts = append(parts, "f:"+name+"="+ticker)
	}
	for currency, ticker := range fps.CashProxies {
		parts = append(parts, "c:"+currency+"="+ticker)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Validate checks that the proxy set is usable.
func (fps FactorProxySet) Validate() error {
	if len(fps.Factors) == 0 {
		return fmt.Errorf("%w: proxy set has no factors", ErrConfiguration)
	}
	for name, ticker := range fps.Factors {
		if ticker == "" {
			return fmt.Errorf("%w: factor %q has empty proxy ticker", ErrConfiguration, name)
		}
	}
	return nil
}

// RiskLimitSet holds the configurable risk thresholds. Every threshold is
// independently optional; a nil threshold is never checked and produces no
// compliance verdict.
type RiskLimitSet struct {
	MaxVolatility    *float64 `json:"max_volatility,omitempty"`     // annualized portfolio volatility cap
	MaxHoldingWeight *float64 `json:"max_holding_weight,omitempty"` // single-holding weight cap
	MaxFactorShare   *float64 `json:"max_factor_share,omitempty"`   // single-factor variance share cap
	MaxFactorLoss    *float64 `json:"max_factor_loss,omitempty"`    // per-factor 99% annual loss cap
}

// Identity returns a stable string form of the limit set for fingerprints.
func (rls RiskLimitSet) Identity() string {
	format := func(name string, v *float64) string {
		if v == nil {
			return name + "=-"
		}
		return fmt.Sprintf("%s=%.10g", name, *v)
	}
	return strings.Join([]string{
		format("vol", rls.MaxVolatility),
		format("hw", rls.MaxHoldingWeight),
		format("fs", rls.MaxFactorShare),
		format("fl", rls.MaxFactorLoss),
	}, ",")
}

// Validate rejects limit values that can never be satisfied or make no sense.
func (rls RiskLimitSet) Validate() error {
	check := func(name string, v *float64) error {
		if v != nil && (*v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: limit %s must be a positive finite number", ErrConfiguration, name)
		}
		return nil
	}
	for _, c := range []struct {
		name string
		v    *float64
	}{
		{"max_volatility", rls.MaxVolatility},
		{"max_holding_weight", rls.MaxHoldingWeight},
		{"max_factor_share", rls.MaxFactorShare},
		{"max_factor_loss", rls.MaxFactorLoss},
	} {
		if err := check(c.name, c.v); err != nil {
			return err
		}
	}
	return nil
}

// Float is a convenience for building optional limit values.
func Float(v float64) *float64 { return &v }

package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/riskengine/internal/domain"
)

// Fingerprint derives the deterministic cache key for one pipeline run from
// everything that can change its output: the resolved holdings, the analysis
// window, the proxy set and the limit set. Holdings are sorted and dollar
// amounts rounded to cents so equivalent inputs hash identically regardless
// of ordering or sub-cent float noise.
func Fingerprint(resolved []domain.ResolvedHolding, window domain.Window, proxySet domain.FactorProxySet, limitSet domain.RiskLimitSet) string {
	parts := make([]string, 0, len(resolved))
	for _, h := range resolved {
		parts = append(parts, fmt.Sprintf("%s=%.2f", h.Ticker, h.Dollars))
	}
	sort.Strings(parts)

	keyData := strings.Join([]string{
		strings.Join(parts, ","),
		window.Identity(),
		proxySet.Identity(),
		limitSet.Identity(),
	}, "|")

	h := sha256.Sum256([]byte(keyData))
	return hex.EncodeToString(h[:16])
}

// Package ticker canonicalizes instrument tickers arriving from
// heterogeneous sources: broker responses, scraped feeds, and config files.
package ticker

import "strings"

// aliases maps legacy or feed-specific tickers to their canonical form.
// TPAY traded as TRAY for a period and some feeds still report it.
var aliases = map[string]string{
	"TRAY": "TPAY",
}

// Normalize canonicalizes a ticker: trims whitespace, strips one trailing
// "@" (the broker's OTC marker), upper-cases, and applies the alias
// table. Every map keyed by ticker uses this form, so lookups from
// config, feeds and broker data all land on the same key. An empty
// result means the ticker is missing and should be skipped by callers.
func Normalize(t string) string {
	t = strings.TrimSpace(t)
	t = strings.TrimSuffix(t, "@")
	if t == "" {
		return ""
	}
	t = strings.ToUpper(t)
	if alias, ok := aliases[t]; ok {
		return alias
	}
	return t
}

// Equal reports whether two tickers refer to the same instrument after
// normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

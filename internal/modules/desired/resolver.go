// Package desired converts an account's high-level allocation strategy
// into a concrete normalized percentage vector over tickers.
package desired

import (
	"sort"

	"github.com/rs/zerolog"

	"tbalancer/internal/config"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
)

// AUMEntry is a fund's net asset value in its reporting currency.
type AUMEntry struct {
	Amount   float64
	Currency string
}

// MarketData carries the per-tick market inputs the dynamic modes need.
// Maps are keyed by normalized ticker; missing entries simply drop the
// ticker from the mode's universe.
type MarketData struct {
	MarketCap map[string]float64 // RUB
	AUM       map[string]AUMEntry
	FXRates   map[string]float64 // currency code -> RUB per unit
	Shares    map[string]int64
}

// AUMInRub converts a ticker's AUM to roubles using the FX table.
// RUB passes through; an unknown currency rate drops the entry.
func (m MarketData) AUMInRub(t string) (float64, bool) {
	entry, ok := m.AUM[t]
	if !ok || entry.Amount <= 0 {
		return 0, false
	}
	if entry.Currency == "" || entry.Currency == "RUB" {
		return entry.Amount, true
	}
	rate, ok := m.FXRates[entry.Currency]
	if !ok || rate <= 0 {
		return 0, false
	}
	return entry.Amount * rate, true
}

// Resolver resolves desired modes into normalized desired wallets.
type Resolver struct {
	log zerolog.Logger
}

// NewResolver creates a new desired-mode resolver.
func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{
		log: log.With().Str("service", "desired_resolver").Logger(),
	}
}

// Resolve produces a normalized desired wallet for the account.
// The universe is the account's configured desired_wallet keys; for
// mode "default" it also includes wallet positions without a weight.
// An empty result means "do nothing this tick".
func (r *Resolver) Resolve(acc config.Account, w portfolio.Wallet, md MarketData) portfolio.DesiredWallet {
	configured := normalizeKeys(acc.DesiredWallet)

	var resolved portfolio.DesiredWallet
	switch acc.DesiredMode {
	case config.ModeManual:
		resolved = configured
	case config.ModeDefault:
		resolved = r.resolveDefault(configured, w)
	case config.ModeMarketcap:
		resolved = r.resolveMarketcap(configured, md)
	case config.ModeAUM:
		resolved = r.resolveAUM(configured, md)
	case config.ModeDecorrelation:
		resolved = r.resolveDecorrelation(configured, md)
	case config.ModeMarketcapAUM:
		resolved = meanOf(
			Normalize(r.resolveMarketcap(configured, md)),
			Normalize(r.resolveAUM(configured, md)),
		)
	case config.ModeAUMDecorrelation:
		resolved = meanOf(
			Normalize(r.resolveAUM(configured, md)),
			Normalize(r.resolveDecorrelation(configured, md)),
		)
	case config.ModeDecorrelationMarketcap:
		resolved = r.resolveDecorrelationMarketcap(configured, md)
	default:
		r.log.Warn().Str("mode", acc.DesiredMode).Msg("Unknown desired mode, using manual weights")
		resolved = configured
	}

	out := Normalize(resolved)
	if len(out) == 0 {
		r.log.Warn().Str("mode", acc.DesiredMode).Msg("Desired mode resolved to an empty allocation")
	}
	return out
}

// resolveDefault keeps configured weights and assigns every unweighted
// wallet position an equal share of the remaining percentage.
func (r *Resolver) resolveDefault(configured portfolio.DesiredWallet, w portfolio.Wallet) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet, len(configured))
	sum := 0.0
	for t, pct := range configured {
		out[t] = pct
		sum += pct
	}

	var missing []string
	for i := range w {
		if w[i].IsCurrency() {
			continue
		}
		t := ticker.Normalize(w[i].Base)
		if t == "" {
			continue
		}
		if _, ok := out[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return out
	}

	remainder := 100 - sum
	if remainder < 0 {
		remainder = 0
	}
	share := remainder / float64(len(missing))
	sort.Strings(missing)
	for _, t := range missing {
		out[t] = share
	}
	return out
}

func (r *Resolver) resolveMarketcap(configured portfolio.DesiredWallet, md MarketData) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet)
	for t := range configured {
		if cap, ok := md.MarketCap[t]; ok && cap > 0 {
			out[t] = cap
		}
	}
	return out
}

func (r *Resolver) resolveAUM(configured portfolio.DesiredWallet, md MarketData) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet)
	for t := range configured {
		if aum, ok := md.AUMInRub(t); ok {
			out[t] = aum
		}
	}
	return out
}

// resolveDecorrelation weights tickers by how far market cap exceeds
// net assets. When no ticker is overvalued the mode degrades to equal
// weighting over the configured universe.
func (r *Resolver) resolveDecorrelation(configured portfolio.DesiredWallet, md MarketData) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet)
	for t := range configured {
		cap, capOK := md.MarketCap[t]
		aum, aumOK := md.AUMInRub(t)
		if !capOK || !aumOK {
			continue
		}
		if diff := cap - aum; diff > 0 {
			out[t] = diff
		}
	}

	if len(out) == 0 {
		r.log.Debug().Msg("No positively decorrelated tickers, falling back to equal weighting")
		for t := range configured {
			out[t] = 1
		}
	}
	return out
}

// resolveDecorrelationMarketcap filters the universe to positively
// decorrelated tickers, then re-weights that subset by market cap.
func (r *Resolver) resolveDecorrelationMarketcap(configured portfolio.DesiredWallet, md MarketData) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet)
	for t := range configured {
		cap, capOK := md.MarketCap[t]
		aum, aumOK := md.AUMInRub(t)
		if !capOK || !aumOK || cap-aum <= 0 {
			continue
		}
		out[t] = cap
	}
	return out
}

// meanOf averages two normalized weight maps over the union of their
// tickers. Result is renormalized by the caller.
func meanOf(a, b portfolio.DesiredWallet) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet, len(a)+len(b))
	for t, v := range a {
		out[t] = v / 2
	}
	for t, v := range b {
		out[t] += v / 2
	}
	return out
}

// normalizeKeys rewrites a config map onto normalized tickers,
// dropping empty keys.
func normalizeKeys(in map[string]float64) portfolio.DesiredWallet {
	out := make(portfolio.DesiredWallet, len(in))
	for t, pct := range in {
		n := ticker.Normalize(t)
		if n == "" {
			continue
		}
		out[n] = pct
	}
	return out
}

// Package margin applies the leverage layer of the balancer: expanding
// rouble targets by the configured multiplier and capping individual
// instrument targets by the margin limit.
package margin

import (
	"github.com/rs/zerolog"

	"tbalancer/internal/config"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
)

// Info summarizes margin usage of a computed plan.
type Info struct {
	TotalMarginUsed float64 `json:"total_margin_used"`
	WithinLimits    bool    `json:"within_limits"`
}

// Layer converts normalized desired percentages into per-ticker rouble
// target values, applying leverage expansion and per-instrument caps.
type Layer struct {
	cfg config.MarginConfig
	log zerolog.Logger
}

// NewLayer creates a margin layer for one account.
func NewLayer(cfg config.MarginConfig, log zerolog.Logger) *Layer {
	return &Layer{
		cfg: cfg,
		log: log.With().Str("service", "margin").Logger(),
	}
}

// Apply computes target rouble values for each desired ticker. Cash is
// never a target: a desired cash share stays an unleveraged reserve and
// only shrinks the funds the securities may draw on.
//
// With margin trading disabled the targets are simply percent shares of
// the portfolio value. Enabled, the baseline is multiplied by the
// leverage multiplier and each target is capped per the configured
// strategy; capped excess is redistributed across uncapped targets so
// the total stays as close to the leveraged baseline as the caps allow.
func (l *Layer) Apply(desired portfolio.DesiredWallet, totalValue float64) (map[string]float64, Info) {
	targets := make(map[string]float64, len(desired))

	baseline := totalValue
	if l.cfg.Enabled {
		baseline = totalValue * l.cfg.Multiplier
	}
	cashReserve := 0.0
	for t, pct := range desired {
		if ticker.Equal(t, portfolio.CashTicker) {
			cashReserve = totalValue * pct / 100
			continue
		}
		targets[t] = baseline * pct / 100
	}

	if !l.cfg.Enabled {
		return targets, Info{WithinLimits: true}
	}

	if l.cfg.MaxMarginSize > 0 {
		l.capTargets(targets)
	}

	used := 0.0
	for _, v := range targets {
		used += v
	}
	marginUsed := used - (totalValue - cashReserve)
	if marginUsed < 0 {
		marginUsed = 0
	}

	// MaxMarginSize is primarily the per-instrument cap applied in
	// capTargets; the same knob bounds aggregate margin use here.
	info := Info{
		TotalMarginUsed: marginUsed,
		WithinLimits:    l.cfg.MaxMarginSize <= 0 || marginUsed <= l.cfg.MaxMarginSize,
	}
	if !info.WithinLimits {
		l.log.Warn().
			Float64("margin_used", marginUsed).
			Float64("max_margin_size", l.cfg.MaxMarginSize).
			Msg("Plan exceeds margin limit")
	}
	return targets, info
}

// capTargets clamps overflowing targets and redistributes the clamped
// excess proportionally among targets still under the cap. Iterates
// because redistribution can push another target over the limit.
func (l *Layer) capTargets(targets map[string]float64) {
	capped := make(map[string]bool, len(targets))

	for range targets {
		excess := 0.0
		for t, v := range targets {
			if capped[t] {
				continue
			}
			over := v - l.cfg.MaxMarginSize
			if over <= 0 {
				continue
			}
			if l.cfg.BalancingStrategy == config.MarginStrategyKeepIfSmall && over <= l.cfg.FreeThreshold {
				// Overflow within the free threshold is tolerated.
				continue
			}
			targets[t] = l.cfg.MaxMarginSize
			capped[t] = true
			excess += over
			l.log.Debug().
				Str("ticker", t).
				Float64("excess", over).
				Msg("Target clamped to margin limit")
		}
		if excess == 0 {
			return
		}

		// Redistribute among uncapped targets, weighted by size.
		uncappedSum := 0.0
		for t, v := range targets {
			if !capped[t] {
				uncappedSum += v
			}
		}
		if uncappedSum <= 0 {
			return
		}
		for t, v := range targets {
			if !capped[t] {
				targets[t] = v + excess*v/uncappedSum
			}
		}
	}
}

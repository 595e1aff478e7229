package engine

import (
	"math"
	"sort"

	"tbalancer/internal/config"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
)

// SellDecision is one planned partial liquidation.
type SellDecision struct {
	SellLots   int64   `json:"sell_lots"`
	SellAmount float64 `json:"sell_amount"`
}

// SellPlan maps seller ticker to its decision.
type SellPlan map[string]SellDecision

// TotalProceeds sums the planned sale amounts.
func (p SellPlan) TotalProceeds() float64 {
	total := 0.0
	for _, d := range p {
		total += d.SellAmount
	}
	return total
}

// planSells decides which positions to partially liquidate so that the
// required purchases of non-marginal instruments can settle against
// cash. requiredFunds maps target ticker to the rouble amount it needs;
// freeCash may be negative on a margin account, which only deepens the
// deficit. The function is pure: same inputs, same plan.
func planSells(
	w portfolio.Wallet,
	requiredFunds map[string]float64,
	freeCash float64,
	mode string,
) SellPlan {
	plan := make(SellPlan)
	if mode == config.SellModeNone || len(requiredFunds) == 0 {
		return plan
	}

	required := 0.0
	for _, v := range requiredFunds {
		required += v
	}
	deficit := required - freeCash
	if deficit <= 0 {
		return plan
	}

	targets := make(map[string]bool, len(requiredFunds))
	for t := range requiredFunds {
		targets[t] = true
	}

	switch mode {
	case config.SellModeOnlyPositive:
		planOnlyPositiveSells(plan, w, targets, deficit)
	case config.SellModeEqualPercent:
		planEqualPercentSells(plan, w, targets, deficit)
	}
	return plan
}

// sellCandidate pairs a position with its precomputed priority key.
type sellCandidate struct {
	pos          *portfolio.Position
	profitAmount float64
}

// planOnlyPositiveSells picks only positions trading above their FIFO
// cost basis, largest total profit first, each absorbing as much of the
// remaining deficit as its value allows.
func planOnlyPositiveSells(plan SellPlan, w portfolio.Wallet, targets map[string]bool, deficit float64) {
	var candidates []sellCandidate
	for i := range w {
		p := &w[i]
		if !sellable(p, targets) {
			continue
		}
		profit, ok := p.ProfitPerUnit()
		if !ok || profit <= 0 {
			continue
		}
		if *p.PriceNumber <= 0 || p.Amount == 0 {
			continue
		}
		candidates = append(candidates, sellCandidate{
			pos:          p,
			profitAmount: profit * p.Amount,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].profitAmount != candidates[j].profitAmount {
			return candidates[i].profitAmount > candidates[j].profitAmount
		}
		return candidates[i].pos.Base < candidates[j].pos.Base
	})

	remaining := deficit
	for _, c := range candidates {
		if remaining <= 0 {
			return
		}
		available := 0.0
		if c.pos.TotalPriceNumber != nil {
			available = *c.pos.TotalPriceNumber
		}
		want := math.Min(remaining, available)
		if want <= 0 {
			continue
		}
		if d, ok := sizeSell(c.pos, want); ok {
			plan[ticker.Normalize(c.pos.Base)] = d
			remaining -= d.SellAmount
		}
	}
}

// planEqualPercentSells spreads the deficit across every candidate in
// proportion to its current value.
func planEqualPercentSells(plan SellPlan, w portfolio.Wallet, targets map[string]bool, deficit float64) {
	var candidates []*portfolio.Position
	candidateSum := 0.0
	for i := range w {
		p := &w[i]
		if !sellable(p, targets) {
			continue
		}
		if p.TotalPriceNumber == nil || *p.TotalPriceNumber <= 0 {
			continue
		}
		candidates = append(candidates, p)
		candidateSum += *p.TotalPriceNumber
	}
	if candidateSum <= 0 {
		return
	}

	for _, p := range candidates {
		want := deficit * *p.TotalPriceNumber / candidateSum
		if d, ok := sizeSell(p, want); ok {
			plan[ticker.Normalize(p.Base)] = d
		}
	}
}

// sellable filters out cash, the buy targets themselves, and positions
// whose lots cannot be priced.
func sellable(p *portfolio.Position, targets map[string]bool) bool {
	if p.IsCurrency() {
		return false
	}
	if targets[ticker.Normalize(p.Base)] {
		return false
	}
	if p.LotPriceNumber == nil || *p.LotPriceNumber <= 0 {
		return false
	}
	return true
}

// sizeSell converts a desired sale value into whole lots, rounding up
// so the proceeds cover the requested value, clamped to holdings.
func sizeSell(p *portfolio.Position, desiredValue float64) (SellDecision, bool) {
	lotPrice := *p.LotPriceNumber

	lots := int64(math.Ceil(desiredValue / lotPrice))
	if maxLots := p.CurrentLots(); lots > maxLots {
		lots = maxLots
	}
	if lots <= 0 {
		return SellDecision{}, false
	}
	return SellDecision{
		SellLots:   lots,
		SellAmount: float64(lots) * lotPrice,
	}, true
}

package engine

import (
	"math"
	"sort"

	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
)

// sizePosition computes the lot-level trade for one position against
// its target rouble value. Rounding is toward zero in both directions
// so a single step never overshoots the target.
func sizePosition(p *portfolio.Position, targetValue float64) {
	p.DesiredAmountNumber = targetValue

	if p.TotalPriceNumber != nil {
		p.BeforeDiffNumber = targetValue - *p.TotalPriceNumber
	} else {
		p.BeforeDiffNumber = targetValue
	}

	if p.LotPriceNumber == nil || *p.LotPriceNumber <= 0 {
		// Cannot size lots without a positive lot price.
		p.ToBuyLots = 0
		p.ToBuyNumber = 0
		return
	}
	lotPrice := *p.LotPriceNumber

	desiredLotsFractional := targetValue / lotPrice
	if math.IsNaN(desiredLotsFractional) || math.IsInf(desiredLotsFractional, 0) {
		p.ToBuyLots = 0
		p.ToBuyNumber = 0
		return
	}

	p.CanBuyBeforeTargetLots = int64(math.Trunc(desiredLotsFractional))
	p.DesiredLots = p.CanBuyBeforeTargetLots

	p.ToBuyLots = p.CanBuyBeforeTargetLots - p.CurrentLots()
	p.ToBuyNumber = float64(p.ToBuyLots) * lotPrice
}

// suppressSmallBuy zeroes a positive trade below the rebalance
// threshold. Sells are never suppressed. The comparison is strict
// less-than: a trade exactly at the threshold stands.
func suppressSmallBuy(p *portfolio.Position, minBuyRebalancePercent, totalValue float64) {
	if p.ToBuyNumber <= 0 {
		return
	}
	threshold := minBuyRebalancePercent * totalValue / 100
	if p.ToBuyNumber < threshold {
		p.ToBuyLots = 0
		p.ToBuyNumber = 0
	}
}

// synthesizePosition builds a zero-amount position for a desired ticker
// the wallet does not hold yet. Lot size comes from the catalog and the
// price from the last-price lookup; without both the ticker cannot be
// traded and ok is false.
func synthesizePosition(t string, catalog portfolio.Catalog, lastPrices map[string]float64) (portfolio.Position, bool) {
	inst, ok := catalog.Find(t)
	if !ok {
		return portfolio.Position{}, false
	}
	price, ok := lastPrices[ticker.Normalize(t)]
	if !ok || price <= 0 {
		return portfolio.Position{}, false
	}

	lotSize := inst.LotSize
	if lotSize < 1 {
		lotSize = 1
	}
	lotPrice := price * float64(lotSize)
	total := 0.0

	return portfolio.Position{
		Base:             ticker.Normalize(t),
		Quote:            inst.Currency,
		Figi:             inst.Figi,
		LotSize:          lotSize,
		Amount:           0,
		PriceNumber:      &price,
		LotPriceNumber:   &lotPrice,
		TotalPriceNumber: &total,
	}, true
}

// sortedTickers returns map keys in deterministic order.
func sortedTickers(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for t := range m {
		keys = append(keys, t)
	}
	sort.Strings(keys)
	return keys
}

// Package engine is the balancing decision core: given a valuated
// wallet and a normalized desired allocation it produces a lot-level
// trade plan. The engine is pure per pass; it never places orders and
// never fails on data-quality problems, reporting them in the Result
// instead.
package engine

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/internal/config"
	"tbalancer/internal/modules/margin"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
)

// Result is the structured outcome of one balancing pass.
type Result struct {
	AccountID           string                  `json:"account_id"`
	ModeUsed            string                  `json:"mode_used"`
	TotalPortfolioValue float64                 `json:"total_portfolio_value"`
	FinalPercents       portfolio.DesiredWallet `json:"final_percents"`
	Margin              *margin.Info            `json:"margin,omitempty"`
	Underfunded         bool                    `json:"underfunded"`
	SkippedTickers      []string                `json:"skipped_tickers,omitempty"`
	ComputedAt          time.Time               `json:"computed_at"`
}

// Order is one lot-level instruction extracted from a balanced wallet.
type Order struct {
	Base      string `json:"base"`
	Figi      string `json:"figi"`
	Lots      int64  `json:"lots"`
	Direction string `json:"direction"` // "buy" or "sell"
}

// Engine runs the balancing pass for one account.
type Engine struct {
	valuator *portfolio.Valuator
	log      zerolog.Logger
}

// New creates a balancing engine.
func New(log zerolog.Logger) *Engine {
	return &Engine{
		valuator: portfolio.NewValuator(log),
		log:      log.With().Str("service", "engine").Logger(),
	}
}

// Balance computes the trade plan for an account. The input wallet is
// not mutated; the returned wallet carries per-position ToBuyLots and
// ToBuyNumber. Desired percentages must already be normalized; an
// empty desired map yields an empty plan.
func (e *Engine) Balance(
	acc config.Account,
	wallet portfolio.Wallet,
	desired portfolio.DesiredWallet,
	catalog portfolio.Catalog,
	lastPrices map[string]float64,
) (portfolio.Wallet, *Result) {
	w := wallet.Clone()
	e.valuator.Valuate(w)

	result := &Result{
		AccountID:     acc.ID,
		ModeUsed:      acc.DesiredMode,
		FinalPercents: desired,
		ComputedAt:    time.Now().UTC(),
	}

	totalValue := portfolio.TotalValue(w)
	result.TotalPortfolioValue = totalValue
	if totalValue <= 0 || len(desired) == 0 {
		return w, result
	}

	marginLayer := margin.NewLayer(acc.MarginTrading, e.log)
	targets, marginInfo := marginLayer.Apply(desired, totalValue)
	if acc.MarginTrading.Enabled {
		result.Margin = &marginInfo
	}

	// First sizing pass over every desired ticker. Cash is implicit:
	// it is a constraint, not a tradable target.
	for _, t := range sortedTickers(targets) {
		idx := w.FindByBase(t)
		if idx >= 0 && w[idx].IsCurrency() {
			continue
		}
		if idx < 0 {
			pos, ok := synthesizePosition(t, catalog, lastPrices)
			if !ok {
				e.log.Warn().Str("ticker", t).Msg("Desired ticker has no instrument or price, skipping")
				result.SkippedTickers = append(result.SkippedTickers, t)
				continue
			}
			w = append(w, pos)
			idx = len(w) - 1
		}

		sizePosition(&w[idx], targets[t])
		suppressSmallBuy(&w[idx], acc.BuyRequiresSell.MinBuyRebalancePercent, totalValue)
	}

	if acc.BuyRequiresSell.Enabled && acc.BuyRequiresSell.Mode != config.SellModeNone {
		e.applyBuyRequiresSell(acc, w, targets, totalValue, result)
	}

	return w, result
}

// applyBuyRequiresSell funds purchases of configured non-marginal
// instruments by planning partial liquidations, then re-clamps target
// buys to the cash the plan actually raises.
func (e *Engine) applyBuyRequiresSell(
	acc config.Account,
	w portfolio.Wallet,
	targets map[string]float64,
	totalValue float64,
	result *Result,
) {
	threshold := acc.BuyRequiresSell.MinBuyRebalancePercent * totalValue / 100

	requiredFunds := make(map[string]float64)
	for _, raw := range acc.BuyRequiresSell.Instruments {
		t := ticker.Normalize(raw)
		idx := w.FindByBase(t)
		if idx < 0 {
			continue
		}
		need := w[idx].ToBuyNumber
		if need <= 0 {
			continue
		}
		// Strict less-than: a requirement exactly at the threshold
		// still triggers the planner.
		if need < threshold {
			continue
		}
		requiredFunds[t] = need
	}
	if len(requiredFunds) == 0 {
		return
	}

	freeCash := w.FreeCash()
	plan := planSells(w, requiredFunds, freeCash, acc.BuyRequiresSell.Mode)

	for t, d := range plan {
		idx := w.FindByBase(t)
		if idx < 0 {
			continue
		}
		// The planner's decision overrides whatever the sizing pass
		// produced for this seller.
		w[idx].ToBuyLots = -d.SellLots
		w[idx].ToBuyNumber = -d.SellAmount
	}

	requiredSum := 0.0
	for _, v := range requiredFunds {
		requiredSum += v
	}
	available := freeCash + plan.TotalProceeds()
	if available+1e-9 >= requiredSum {
		return
	}

	// Not enough proceeds portfolio-wide: scale the target buys down
	// to what the raised cash can actually settle.
	result.Underfunded = true
	remaining := available
	for _, t := range sortedTickers(requiredFunds) {
		idx := w.FindByBase(t)
		if idx < 0 || w[idx].LotPriceNumber == nil || *w[idx].LotPriceNumber <= 0 {
			continue
		}
		lotPrice := *w[idx].LotPriceNumber
		affordable := int64(math.Floor(remaining / lotPrice))
		if affordable < 0 {
			affordable = 0
		}
		if affordable < w[idx].ToBuyLots {
			w[idx].ToBuyLots = affordable
			w[idx].ToBuyNumber = float64(affordable) * lotPrice
		}
		remaining -= w[idx].ToBuyNumber
	}

	e.log.Warn().
		Str("account", acc.ID).
		Float64("required", requiredSum).
		Float64("available", available).
		Msg("Buy-requires-sell could not fully fund required purchases")
}

// Orders extracts the non-zero trades from a balanced wallet, sells
// first so their proceeds settle before the buys are placed.
func Orders(w portfolio.Wallet) []Order {
	var sells, buys []Order
	for i := range w {
		p := &w[i]
		if p.IsCurrency() || p.ToBuyLots == 0 {
			continue
		}
		if p.ToBuyLots < 0 {
			sells = append(sells, Order{Base: p.Base, Figi: p.Figi, Lots: -p.ToBuyLots, Direction: "sell"})
		} else {
			buys = append(buys, Order{Base: p.Base, Figi: p.Figi, Lots: p.ToBuyLots, Direction: "buy"})
		}
	}
	return append(sells, buys...)
}

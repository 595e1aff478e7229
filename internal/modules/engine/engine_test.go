package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbalancer/internal/config"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/pkg/logger"
)

func newEngine() *Engine {
	return New(logger.New(logger.Config{Level: "error"}))
}

func fptr(f float64) *float64 { return &f }

// position builds a RUB-quoted security position with consistent
// price mirrors.
func position(base string, amount float64, lotSize int64, price float64) portfolio.Position {
	lotPrice := price * float64(lotSize)
	total := price * amount
	return portfolio.Position{
		Base:             base,
		Quote:            "RUB",
		Figi:             "FIGI_" + base,
		LotSize:          lotSize,
		Amount:           amount,
		PriceNumber:      fptr(price),
		LotPriceNumber:   fptr(lotPrice),
		TotalPriceNumber: fptr(total),
	}
}

func cash(amount float64) portfolio.Position {
	return portfolio.Position{Base: "RUB", Quote: "RUB", Amount: amount, LotSize: 1}
}

func TestBalanceTrivialManual(t *testing.T) {
	// Empty TRUR position, 10k cash, 100% desired: buy 100 lots.
	e := newEngine()
	w := portfolio.Wallet{
		position("TRUR", 0, 1, 100),
		cash(10_000),
	}
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}

	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"TRUR": 100}, nil, nil)

	idx := out.FindByBase("TRUR")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, int64(100), out[idx].ToBuyLots)
	assert.InDelta(t, 10_000, out[idx].ToBuyNumber, 1e-9)
	assert.InDelta(t, 10_000, result.TotalPortfolioValue, 1e-9)
	assert.False(t, result.Underfunded)
}

func TestBalanceRebalanceThresholdSuppression(t *testing.T) {
	// TRUR's 110 RUB buy is below the 2% threshold (220) and is dropped.
	e := newEngine()
	w := portfolio.Wallet{
		position("TRUR", 0, 1, 100),
		position("TMOS", 10, 1, 100),
		cash(10_000),
	}
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			MinBuyRebalancePercent: 2,
		},
	}

	out, _ := e.Balance(acc, w, portfolio.DesiredWallet{"TMOS": 99, "TRUR": 1}, nil, nil)

	idx := out.FindByBase("TRUR")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, int64(0), out[idx].ToBuyLots)
	assert.InDelta(t, 0, out[idx].ToBuyNumber, 1e-9)
}

func TestBalanceThresholdBoundaryNotSuppressed(t *testing.T) {
	// toBuyNumber exactly equal to the threshold must survive.
	e := newEngine()
	w := portfolio.Wallet{
		position("TRUR", 0, 1, 100),
		cash(10_000),
	}
	// Total 10000, threshold 2% = 200. Desired 2% of 10000 = 200 = 2 lots.
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			MinBuyRebalancePercent: 2,
		},
	}

	out, _ := e.Balance(acc, w, portfolio.DesiredWallet{"TRUR": 2, "RUB": 98}, nil, nil)

	idx := out.FindByBase("TRUR")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, int64(2), out[idx].ToBuyLots)
}

func TestBalanceSellsNotSuppressed(t *testing.T) {
	e := newEngine()
	w := portfolio.Wallet{
		position("TMOS", 100, 1, 100), // 10k held
		cash(0),
	}
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			MinBuyRebalancePercent: 50, // would suppress any buy
		},
	}

	// Target 99% cash forces a large TMOS sell; threshold must not apply.
	out, _ := e.Balance(acc, w, portfolio.DesiredWallet{"TMOS": 1, "RUB": 99}, nil, nil)

	idx := out.FindByBase("TMOS")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, int64(-99), out[idx].ToBuyLots)
}

func TestBalanceBuyRequiresSellOnlyPositive(t *testing.T) {
	// TMON needs 500 RUB; no cash; TPAY is in profit and covers it.
	e := newEngine()
	tpay := position("TPAY", 10, 1, 100)
	tpay.AveragePositionPriceFifoNumber = fptr(90)
	w := portfolio.Wallet{
		position("TMON", 0, 1, 100),
		tpay,
		cash(0),
	}
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			Enabled:     true,
			Instruments: []string{"TMON"},
			Mode:        config.SellModeOnlyPositive,
		},
	}

	// Total 1000; 50% TMON = 500 buy.
	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"TMON": 50, "TPAY": 50}, nil, nil)

	tmonIdx := out.FindByBase("TMON")
	tpayIdx := out.FindByBase("TPAY")
	require.GreaterOrEqual(t, tmonIdx, 0)
	require.GreaterOrEqual(t, tpayIdx, 0)

	assert.Equal(t, int64(5), out[tmonIdx].ToBuyLots)
	assert.Equal(t, int64(-5), out[tpayIdx].ToBuyLots)
	assert.InDelta(t, -500, out[tpayIdx].ToBuyNumber, 1e-9)
	assert.False(t, result.Underfunded)
}

func TestBalanceBuyRequiresSellInsufficient(t *testing.T) {
	// TPAY holds only 1 unit (100 RUB sellable) against a 500 RUB need.
	e := newEngine()
	tpay := position("TPAY", 1, 1, 100)
	tpay.AveragePositionPriceFifoNumber = fptr(90)
	w := portfolio.Wallet{
		position("TMON", 0, 1, 100),
		tpay,
		cash(0),
	}
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			Enabled:     true,
			Instruments: []string{"TMON"},
			Mode:        config.SellModeOnlyPositive,
		},
	}

	// Drive a 500 RUB TMON requirement against a 100 RUB portfolio.
	desired := portfolio.DesiredWallet{"TMON": 500, "TPAY": 0}
	out, result := e.Balance(acc, w, desired, nil, nil)

	tmonIdx := out.FindByBase("TMON")
	tpayIdx := out.FindByBase("TPAY")

	assert.Equal(t, int64(-1), out[tpayIdx].ToBuyLots)
	assert.InDelta(t, -100, out[tpayIdx].ToBuyNumber, 1e-9)
	// Only 100 RUB raised: one affordable lot.
	assert.Equal(t, int64(1), out[tmonIdx].ToBuyLots)
	assert.True(t, result.Underfunded)
}

func TestBalanceBuyRequiresSellSufficientCashNoSells(t *testing.T) {
	e := newEngine()
	tpay := position("TPAY", 10, 1, 100)
	tpay.AveragePositionPriceFifoNumber = fptr(50)
	w := portfolio.Wallet{
		position("TMON", 0, 1, 100),
		tpay,
		cash(5000),
	}
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			Enabled:     true,
			Instruments: []string{"TMON"},
			Mode:        config.SellModeOnlyPositive,
		},
	}

	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"TMON": 20, "TPAY": 20, "RUB": 60}, nil, nil)

	tpayIdx := out.FindByBase("TPAY")
	// Free cash covers the buy; the profitable position is left alone.
	assert.GreaterOrEqual(t, out[tpayIdx].ToBuyLots, int64(0))
	assert.False(t, result.Underfunded)
}

func TestBalanceEqualInPercentsSell(t *testing.T) {
	e := newEngine()
	w := portfolio.Wallet{
		position("TMON", 0, 1, 100),
		position("TMOS", 30, 1, 100), // 3000
		position("TGLD", 10, 1, 100), // 1000
		cash(0),
	}
	acc := config.Account{
		ID:          "a",
		DesiredMode: config.ModeManual,
		BuyRequiresSell: config.BuyRequiresSellConfig{
			Enabled:     true,
			Instruments: []string{"TMON"},
			Mode:        config.SellModeEqualPercent,
		},
	}

	// Total 4000; 10% TMON = 400 needed, split 3:1 across TMOS and TGLD.
	out, _ := e.Balance(acc, w, portfolio.DesiredWallet{"TMON": 10, "TMOS": 67.5, "TGLD": 22.5}, nil, nil)

	tmosIdx := out.FindByBase("TMOS")
	tgldIdx := out.FindByBase("TGLD")
	assert.Equal(t, int64(-3), out[tmosIdx].ToBuyLots) // ceil(300/100)
	assert.Equal(t, int64(-1), out[tgldIdx].ToBuyLots) // ceil(100/100)
}

func TestPlannerIdempotent(t *testing.T) {
	tpay := position("TPAY", 10, 1, 100)
	tpay.AveragePositionPriceFifoNumber = fptr(90)
	tgld := position("TGLD", 5, 1, 200)
	tgld.AveragePositionPriceFifoNumber = fptr(100)
	w := portfolio.Wallet{tpay, tgld, cash(0)}

	required := map[string]float64{"TMON": 700}

	a := planSells(w, required, 0, config.SellModeOnlyPositive)
	b := planSells(w, required, 0, config.SellModeOnlyPositive)
	assert.Equal(t, a, b)
}

func TestPlannerNegativeFreeCashDeepensDeficit(t *testing.T) {
	tpay := position("TPAY", 100, 1, 100)
	tpay.AveragePositionPriceFifoNumber = fptr(50)
	w := portfolio.Wallet{tpay, cash(-500)}

	plan := planSells(w, map[string]float64{"TMON": 500}, -500, config.SellModeOnlyPositive)

	require.Contains(t, plan, "TPAY")
	// Deficit is 500 - (-500) = 1000.
	assert.Equal(t, int64(10), plan["TPAY"].SellLots)
	assert.InDelta(t, 1000, plan["TPAY"].SellAmount, 1e-9)
}

func TestPlannerProfitPriority(t *testing.T) {
	// Larger total profit is liquidated first.
	small := position("AAAA", 10, 1, 100)
	small.AveragePositionPriceFifoNumber = fptr(99) // profit 10
	big := position("ZZZZ", 10, 1, 100)
	big.AveragePositionPriceFifoNumber = fptr(50) // profit 500
	w := portfolio.Wallet{small, big, cash(0)}

	plan := planSells(w, map[string]float64{"TMON": 300}, 0, config.SellModeOnlyPositive)

	require.Contains(t, plan, "ZZZZ")
	assert.Equal(t, int64(3), plan["ZZZZ"].SellLots)
	assert.NotContains(t, plan, "AAAA")
}

func TestPlannerExcludesLossMakersAndMissingBasis(t *testing.T) {
	loss := position("LOSS", 10, 1, 100)
	loss.AveragePositionPriceFifoNumber = fptr(150)
	noBasis := position("NOBS", 10, 1, 100)
	w := portfolio.Wallet{loss, noBasis, cash(0)}

	plan := planSells(w, map[string]float64{"TMON": 500}, 0, config.SellModeOnlyPositive)
	assert.Empty(t, plan)
}

func TestPlannerNeverSellsMoreThanHeld(t *testing.T) {
	tpay := position("TPAY", 7, 2, 100) // 3 whole lots
	tpay.AveragePositionPriceFifoNumber = fptr(10)
	w := portfolio.Wallet{tpay, cash(0)}

	plan := planSells(w, map[string]float64{"TMON": 10_000}, 0, config.SellModeOnlyPositive)

	require.Contains(t, plan, "TPAY")
	assert.LessOrEqual(t, plan["TPAY"].SellLots*2, int64(7))
}

func TestBalanceMonotonicity(t *testing.T) {
	// Raising a ticker's held value can only lower its buy size.
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	desired := portfolio.DesiredWallet{"TMOS": 50, "RUB": 50}

	lots := func(amount float64) int64 {
		w := portfolio.Wallet{position("TMOS", amount, 1, 100), cash(10_000)}
		out, _ := e.Balance(acc, w, desired, nil, nil)
		return out[out.FindByBase("TMOS")].ToBuyLots
	}

	prev := lots(0)
	for _, amount := range []float64{10, 20, 50, 100} {
		cur := lots(amount)
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestBalanceLotIntegralityAndNoOvershoot(t *testing.T) {
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	w := portfolio.Wallet{
		position("TMOS", 3, 7, 321.5),
		position("TRUR", 11, 3, 57.25),
		cash(100_000),
	}

	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"TMOS": 40, "TRUR": 35, "RUB": 25}, nil, nil)

	for i := range out {
		p := &out[i]
		if p.IsCurrency() || p.LotPriceNumber == nil {
			continue
		}
		assert.InDelta(t, float64(p.ToBuyLots)**p.LotPriceNumber, p.ToBuyNumber, 1e-9)
		if p.ToBuyLots > 0 {
			bought := float64(p.CurrentLots()+p.ToBuyLots) * *p.LotPriceNumber
			assert.LessOrEqual(t, bought, p.DesiredAmountNumber+1e-9)
		}
		if p.ToBuyLots < 0 {
			assert.LessOrEqual(t, float64(-p.ToBuyLots)*float64(p.LotSize), p.Amount)
		}
	}
	assert.Greater(t, result.TotalPortfolioValue, 0.0)
}

func TestBalanceSynthesizesFromCatalog(t *testing.T) {
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	w := portfolio.Wallet{cash(10_000)}
	catalog := portfolio.Catalog{
		"TGLD": {Ticker: "TGLD", Figi: "BBG00TGLD", LotSize: 10, Currency: "RUB"},
	}
	lastPrices := map[string]float64{"TGLD": 8}

	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"TGLD": 100}, catalog, lastPrices)

	idx := out.FindByBase("TGLD")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "BBG00TGLD", out[idx].Figi)
	// 10000 / 80 per lot = 125 lots.
	assert.Equal(t, int64(125), out[idx].ToBuyLots)
	assert.Empty(t, result.SkippedTickers)
}

func TestBalanceSynthesizesLowercaseDesiredTicker(t *testing.T) {
	// Config tickers arrive in any case; the catalog and price map are
	// keyed upper-case. The instrument must still be found.
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	w := portfolio.Wallet{cash(10_000)}
	catalog := portfolio.Catalog{
		"TGLD": {Ticker: "TGLD", Figi: "BBG00TGLD", LotSize: 10, Currency: "RUB"},
	}
	lastPrices := map[string]float64{"TGLD": 8}

	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"tgld": 100}, catalog, lastPrices)

	assert.Empty(t, result.SkippedTickers)
	idx := out.FindByBase("TGLD")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, int64(125), out[idx].ToBuyLots)
}

func TestBalanceSkipsUnknownInstrument(t *testing.T) {
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	w := portfolio.Wallet{cash(10_000)}

	out, result := e.Balance(acc, w, portfolio.DesiredWallet{"NOPE": 100}, portfolio.Catalog{}, nil)

	assert.Equal(t, []string{"NOPE"}, result.SkippedTickers)
	assert.Equal(t, -1, out.FindByBase("NOPE"))
}

func TestBalanceSkipsZeroLotPrice(t *testing.T) {
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	broken := portfolio.Position{
		Base: "BRKN", Quote: "RUB", LotSize: 1, Amount: 10,
		PriceNumber:      fptr(0),
		LotPriceNumber:   fptr(0),
		TotalPriceNumber: fptr(0),
	}
	w := portfolio.Wallet{broken, cash(1000)}

	out, _ := e.Balance(acc, w, portfolio.DesiredWallet{"BRKN": 100}, nil, nil)

	idx := out.FindByBase("BRKN")
	assert.Equal(t, int64(0), out[idx].ToBuyLots)
	assert.InDelta(t, 0, out[idx].ToBuyNumber, 1e-9)
}

func TestBalanceDoesNotMutateInput(t *testing.T) {
	e := newEngine()
	acc := config.Account{ID: "a", DesiredMode: config.ModeManual}
	w := portfolio.Wallet{position("TMOS", 5, 1, 100), cash(1000)}

	_, _ = e.Balance(acc, w, portfolio.DesiredWallet{"TMOS": 100}, nil, nil)

	assert.Equal(t, int64(0), w[0].ToBuyLots)
	assert.InDelta(t, 0, w[0].ToBuyNumber, 1e-9)
}

func TestOrdersSellsFirst(t *testing.T) {
	w := portfolio.Wallet{
		{Base: "BUY1", Quote: "RUB", Figi: "F1", ToBuyLots: 3},
		{Base: "SELL1", Quote: "RUB", Figi: "F2", ToBuyLots: -2},
		{Base: "FLAT", Quote: "RUB", Figi: "F3", ToBuyLots: 0},
		{Base: "RUB", Quote: "RUB", ToBuyLots: 5}, // cash is never traded
	}

	orders := Orders(w)

	require.Len(t, orders, 2)
	assert.Equal(t, "sell", orders[0].Direction)
	assert.Equal(t, int64(2), orders[0].Lots)
	assert.Equal(t, "buy", orders[1].Direction)
	assert.Equal(t, int64(3), orders[1].Lots)
}

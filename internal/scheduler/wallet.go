package scheduler

import (
	"strings"

	"github.com/rs/zerolog"

	"tbalancer/internal/clients/tinvest"
	"tbalancer/internal/config"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
	"tbalancer/pkg/money"
)

// buildCatalog indexes broker instruments by normalized ticker and by
// FIGI. Later entries never overwrite earlier ones: the broker lists
// the primary listing first.
func buildCatalog(instruments []tinvest.Instrument) (portfolio.Catalog, map[string]portfolio.Instrument) {
	catalog := make(portfolio.Catalog, len(instruments))
	byFigi := make(map[string]portfolio.Instrument, len(instruments))

	for _, src := range instruments {
		inst := portfolio.Instrument{
			Ticker:        ticker.Normalize(src.Ticker),
			Figi:          src.Figi,
			UID:           src.UID,
			LotSize:       src.Lot,
			Currency:      strings.ToUpper(src.Currency),
			ClassCode:     src.ClassCode,
			Exchange:      src.Exchange,
			TradingStatus: src.TradingStatus,
		}
		if _, exists := catalog[inst.Ticker]; !exists {
			catalog[inst.Ticker] = inst
		}
		if _, exists := byFigi[inst.Figi]; !exists {
			byFigi[inst.Figi] = inst
		}
	}
	return catalog, byFigi
}

// buildWallet converts broker portfolio positions into a wallet. All
// currency positions collapse into the single cash position; security
// positions missing from the catalog are dropped with a warning since
// they cannot be traded anyway.
func buildWallet(acc config.Account, positions []tinvest.PortfolioPosition, byFigi map[string]portfolio.Instrument, log zerolog.Logger) portfolio.Wallet {
	nonMarginal := make(map[string]bool, len(acc.BuyRequiresSell.Instruments))
	for _, t := range acc.BuyRequiresSell.Instruments {
		nonMarginal[ticker.Normalize(t)] = true
	}

	var w portfolio.Wallet
	cash := 0.0

	for _, src := range positions {
		amount := 0.0
		if src.Quantity != nil {
			amount = src.Quantity.Float()
		}

		if src.InstrumentType == "currency" {
			// Foreign currency counts at its rouble price; the RUB
			// position itself has price 1 (or none at all).
			rate := 1.0
			if src.CurrentPrice != nil && src.CurrentPrice.Float() > 0 {
				rate = src.CurrentPrice.Float()
			}
			cash += amount * rate
			continue
		}

		inst, ok := byFigi[src.Figi]
		if !ok {
			log.Warn().Str("figi", src.Figi).Msg("Position not in instrument catalog, dropping")
			continue
		}

		pos := portfolio.Position{
			Base:     inst.Ticker,
			Quote:    inst.Currency,
			Figi:     src.Figi,
			LotSize:  inst.LotSize,
			Amount:   amount,
			Price:    src.CurrentPrice,
			IsMargin: !nonMarginal[inst.Ticker],
		}
		if src.AveragePositionPriceFifo != nil {
			fifo := src.AveragePositionPriceFifo.Float()
			pos.AveragePositionPriceFifoNumber = &fifo
		}
		w = append(w, pos)
	}

	// Exactly one cash position, even when the broker reports none.
	w = append(w, portfolio.Position{
		Base:    portfolio.CashTicker,
		Quote:   portfolio.CashTicker,
		LotSize: 1,
		Amount:  cash,
		Price:   &money.Value{Units: 1},
	})
	return w
}

// buildLastPrices maps last prices from FIGI space to ticker space.
func buildLastPrices(prices []tinvest.LastPrice, byFigi map[string]portfolio.Instrument) map[string]float64 {
	out := make(map[string]float64, len(prices))
	for _, lp := range prices {
		inst, ok := byFigi[lp.Figi]
		if !ok || lp.Price == nil {
			continue
		}
		if v := lp.Price.Float(); v > 0 {
			out[inst.Ticker] = v
		}
	}
	return out
}

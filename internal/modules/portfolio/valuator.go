package portfolio

import (
	"github.com/rs/zerolog"
)

// Valuator fills the float64 price mirrors on a wallet and computes
// portfolio totals. Positions without usable price data keep their
// mirrors absent so downstream sizing can exclude them.
type Valuator struct {
	log zerolog.Logger
}

// NewValuator creates a new portfolio valuator.
func NewValuator(log zerolog.Logger) *Valuator {
	return &Valuator{
		log: log.With().Str("service", "valuator").Logger(),
	}
}

// Valuate populates PriceNumber, LotPriceNumber and TotalPriceNumber
// for every position that has enough data, in place.
func (v *Valuator) Valuate(w Wallet) {
	for i := range w {
		v.valuatePosition(&w[i])
	}
}

func (v *Valuator) valuatePosition(p *Position) {
	if p.IsCurrency() {
		// Cash is its own unit of account: price 1, value == amount.
		one := 1.0
		total := p.Amount
		if p.PriceNumber == nil {
			p.PriceNumber = &one
		}
		if p.LotPriceNumber == nil {
			p.LotPriceNumber = &one
		}
		if p.TotalPriceNumber == nil {
			p.TotalPriceNumber = &total
		}
		return
	}

	if p.PriceNumber == nil && p.Price != nil {
		f := p.Price.Float()
		p.PriceNumber = &f
	}

	if p.LotPriceNumber == nil {
		switch {
		case p.LotPrice != nil:
			f := p.LotPrice.Float()
			p.LotPriceNumber = &f
		case p.PriceNumber != nil && p.LotSize > 0:
			f := *p.PriceNumber * float64(p.LotSize)
			p.LotPriceNumber = &f
		}
	}

	if p.TotalPriceNumber == nil {
		switch {
		case p.TotalPrice != nil:
			f := p.TotalPrice.Float()
			p.TotalPriceNumber = &f
		case p.PriceNumber != nil:
			f := *p.PriceNumber * p.Amount
			p.TotalPriceNumber = &f
		}
	}

	if p.PriceNumber == nil {
		v.log.Debug().Str("base", p.Base).Msg("Position has no usable price data")
	}
}

// TotalValue sums TotalPriceNumber over all positions, cash included.
// Positions without a value contribute nothing.
func TotalValue(w Wallet) float64 {
	total := 0.0
	for i := range w {
		if w[i].TotalPriceNumber != nil {
			total += *w[i].TotalPriceNumber
		}
	}
	return total
}

// SecuritiesShares returns each non-cash position's share of the
// securities-only value, in percent. Used by read-only telemetry.
func SecuritiesShares(w Wallet) map[string]float64 {
	total := 0.0
	for i := range w {
		if !w[i].IsCurrency() && w[i].TotalPriceNumber != nil {
			total += *w[i].TotalPriceNumber
		}
	}

	shares := make(map[string]float64)
	if total <= 0 {
		return shares
	}
	for i := range w {
		if !w[i].IsCurrency() && w[i].TotalPriceNumber != nil {
			shares[w[i].Base] = *w[i].TotalPriceNumber / total * 100
		}
	}
	return shares
}

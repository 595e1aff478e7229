package portfolio

import (
	"math"

	"tbalancer/internal/ticker"
	"tbalancer/pkg/money"
)

// Position represents one instrument held (or desired) in an account.
//
// Price fields come in two forms: the broker's fixed-point values and
// float64 mirrors computed by the valuator. The float mirrors are
// pointers because price data can be missing, and downstream sizing
// must distinguish "no price" from a zero price.
type Position struct {
	Base    string `json:"base"`  // ticker of the held asset
	Quote   string `json:"quote"` // currency the asset trades in
	Figi    string `json:"figi"`
	LotSize int64  `json:"lot_size"`

	// Amount is in units, not lots. Fractional for currency positions.
	Amount float64 `json:"amount"`

	Price      *money.Value `json:"price,omitempty"`
	LotPrice   *money.Value `json:"lot_price,omitempty"`
	TotalPrice *money.Value `json:"total_price,omitempty"`

	PriceNumber      *float64 `json:"price_number,omitempty"`
	LotPriceNumber   *float64 `json:"lot_price_number,omitempty"`
	TotalPriceNumber *float64 `json:"total_price_number,omitempty"`

	// Cost basis per unit, used for profit detection when selecting
	// sell candidates. Missing when the broker has no FIFO data.
	AveragePositionPriceFifoNumber *float64 `json:"average_position_price_fifo_number,omitempty"`

	IsMargin bool `json:"is_margin"`

	// Fields computed during a balancing pass.
	DesiredAmountNumber    float64 `json:"desired_amount_number"`
	BeforeDiffNumber       float64 `json:"before_diff_number"`
	DesiredLots            int64   `json:"desired_lots"`
	CanBuyBeforeTargetLots int64   `json:"can_buy_before_target_lots"`
	ToBuyLots              int64   `json:"to_buy_lots"`
	ToBuyNumber            float64 `json:"to_buy_number"`
}

// IsCurrency reports whether the position is a cash position
// (base and quote are the same currency).
func (p *Position) IsCurrency() bool {
	return ticker.Equal(p.Base, p.Quote)
}

// CurrentLots returns the number of whole lots currently held.
func (p *Position) CurrentLots() int64 {
	if p.LotSize <= 0 {
		return 0
	}
	return int64(math.Floor(p.Amount / float64(p.LotSize)))
}

// ProfitPerUnit returns price minus FIFO cost basis, or false when
// either side is missing.
func (p *Position) ProfitPerUnit() (float64, bool) {
	if p.PriceNumber == nil || p.AveragePositionPriceFifoNumber == nil {
		return 0, false
	}
	return *p.PriceNumber - *p.AveragePositionPriceFifoNumber, true
}

// Wallet is the ordered set of positions in one account. It contains at
// most one position per base ticker and exactly one cash position.
type Wallet []Position

// CashTicker is the account currency. A desired-wallet entry under this
// ticker is a cash reserve, never a tradable or leverageable target.
const CashTicker = "RUB"

// FindByBase returns the index of the position with the given base
// ticker, or -1 when absent. Tickers are compared normalized.
func (w Wallet) FindByBase(base string) int {
	for i := range w {
		if ticker.Equal(w[i].Base, base) {
			return i
		}
	}
	return -1
}

// CashIndex returns the index of the cash position, or -1.
func (w Wallet) CashIndex() int {
	for i := range w {
		if w[i].IsCurrency() {
			return i
		}
	}
	return -1
}

// FreeCash returns the amount held in the cash position. A wallet
// without a cash position has zero free cash.
func (w Wallet) FreeCash() float64 {
	if i := w.CashIndex(); i >= 0 {
		return w[i].Amount
	}
	return 0
}

// Clone returns a deep-enough copy for one balancing pass: the slice
// and every position are copied; pointer fields are shared because the
// engine never mutates them.
func (w Wallet) Clone() Wallet {
	out := make(Wallet, len(w))
	copy(out, w)
	return out
}

// DesiredWallet maps ticker to allocation percentage. Normalized when
// the values sum to 100 within tolerance.
type DesiredWallet map[string]float64

// Instrument is catalog metadata for one tradable instrument.
type Instrument struct {
	Ticker        string `json:"ticker"`
	Figi          string `json:"figi"`
	UID           string `json:"uid"`
	LotSize       int64  `json:"lot"`
	Currency      string `json:"currency"`
	ClassCode     string `json:"class_code"`
	Exchange      string `json:"exchange"`
	TradingStatus string `json:"trading_status"`
}

// Catalog maps normalized ticker to instrument metadata. Loaded once
// per tick and treated as an immutable snapshot.
type Catalog map[string]Instrument

// Find looks up an instrument by ticker, normalizing first.
func (c Catalog) Find(t string) (Instrument, bool) {
	inst, ok := c[ticker.Normalize(t)]
	return inst, ok
}

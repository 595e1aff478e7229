package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbalancer/internal/clients/tinvest"
	"tbalancer/internal/config"
	"tbalancer/internal/exchange"
	"tbalancer/pkg/logger"
	"tbalancer/pkg/money"
)

type postedOrder struct {
	accountID string
	figi      string
	lots      int64
	direction string
}

type fakeBroker struct {
	accounts    []tinvest.Account
	positions   []tinvest.PortfolioPosition
	instruments []tinvest.Instrument
	prices      []tinvest.LastPrice

	portfolioCalls int
	orders         []postedOrder
}

func (f *fakeBroker) GetAccounts(ctx context.Context) ([]tinvest.Account, error) {
	return f.accounts, nil
}

func (f *fakeBroker) GetPortfolio(ctx context.Context, accountID string) ([]tinvest.PortfolioPosition, error) {
	f.portfolioCalls++
	return f.positions, nil
}

func (f *fakeBroker) GetInstruments(ctx context.Context) ([]tinvest.Instrument, error) {
	return f.instruments, nil
}

func (f *fakeBroker) GetLastPrices(ctx context.Context, figis []string) ([]tinvest.LastPrice, error) {
	return f.prices, nil
}

func (f *fakeBroker) PostOrder(ctx context.Context, accountID, figi string, lots int64, direction string) (*tinvest.OrderResult, error) {
	f.orders = append(f.orders, postedOrder{accountID: accountID, figi: figi, lots: lots, direction: direction})
	return &tinvest.OrderResult{OrderID: "o1"}, nil
}

type fixedOracle struct{ state exchange.State }

func (o fixedOracle) State(ctx context.Context) exchange.State { return o.state }

func price(units int64) *money.Value { return &money.Value{Units: units} }

// newBroker sets up one account holding 10 000 RUB cash and an empty
// TRUR position priced at 10 RUB per 10-unit lot.
func newBroker() *fakeBroker {
	return &fakeBroker{
		accounts: []tinvest.Account{{ID: "real-acc-0"}, {ID: "real-acc-1"}},
		positions: []tinvest.PortfolioPosition{
			{Figi: "RUB000UTSTOM", InstrumentType: "currency", Quantity: &money.Value{Units: 10000}},
		},
		instruments: []tinvest.Instrument{
			{Ticker: "TRUR", Figi: "F-TRUR", Lot: 10, Currency: "rub"},
		},
		prices: []tinvest.LastPrice{
			{Figi: "F-TRUR", Price: price(1)},
		},
	}
}

func account() config.Account {
	return config.Account{
		ID:            "acc-1",
		AccountID:     "INDEX:1",
		DesiredMode:   config.ModeManual,
		DesiredWallet: map[string]float64{"TRUR": 100},
		ClosureBehavior: config.ClosureBehavior{
			Mode: config.ClosureSkipIteration,
		},
	}
}

func testRunner(t *testing.T, acc config.Account, broker *fakeBroker, state exchange.State) *Runner {
	t.Helper()
	return NewRunner(acc, broker, fixedOracle{state: state}, nil, logger.New(logger.Config{Level: "error"}))
}

func TestRunOncePlacesBuyOrders(t *testing.T) {
	broker := newBroker()
	r := testRunner(t, account(), broker, exchange.StateOpen)

	require.NoError(t, r.RunOnce(context.Background()))

	// 10 000 RUB into 10 RUB lots.
	require.Len(t, broker.orders, 1)
	o := broker.orders[0]
	assert.Equal(t, "real-acc-1", o.accountID)
	assert.Equal(t, "F-TRUR", o.figi)
	assert.Equal(t, int64(1000), o.lots)
	assert.Equal(t, "buy", o.direction)
}

func TestRunOnceSkipsWhenClosed(t *testing.T) {
	broker := newBroker()
	r := testRunner(t, account(), broker, exchange.StateClosed)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Zero(t, broker.portfolioCalls)
	assert.Empty(t, broker.orders)
}

func TestRunOnceUnknownStateCountsAsClosed(t *testing.T) {
	broker := newBroker()
	r := testRunner(t, account(), broker, exchange.StateUnknown)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Zero(t, broker.portfolioCalls)
}

func TestRunOnceUpdateResultWithholdsOrders(t *testing.T) {
	acc := account()
	acc.ClosureBehavior.Mode = config.ClosureUpdateIterationResult

	broker := newBroker()
	r := testRunner(t, acc, broker, exchange.StateClosed)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 1, broker.portfolioCalls)
	assert.Empty(t, broker.orders)
}

func TestRunOnceForceOrdersTradesWhileClosed(t *testing.T) {
	acc := account()
	acc.ClosureBehavior.Mode = config.ClosureForceOrders

	broker := newBroker()
	r := testRunner(t, acc, broker, exchange.StateClosed)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Len(t, broker.orders, 1)
}

func TestResolveAccountIDByIndexIsCached(t *testing.T) {
	broker := newBroker()
	r := testRunner(t, account(), broker, exchange.StateOpen)

	id, err := r.resolveAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "real-acc-1", id)

	broker.accounts = nil // further lookups would now fail
	id, err = r.resolveAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "real-acc-1", id)
}

func TestResolveAccountIDIndexOutOfRange(t *testing.T) {
	acc := account()
	acc.AccountID = "INDEX:5"

	r := testRunner(t, acc, newBroker(), exchange.StateOpen)
	_, err := r.resolveAccountID(context.Background())
	assert.Error(t, err)
}

func TestResolveAccountIDLiteral(t *testing.T) {
	acc := account()
	acc.AccountID = "broker-acc-42"

	r := testRunner(t, acc, newBroker(), exchange.StateOpen)
	id, err := r.resolveAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "broker-acc-42", id)
}

func TestBuildWalletCollapsesCurrencies(t *testing.T) {
	broker := newBroker()
	broker.positions = append(broker.positions,
		tinvest.PortfolioPosition{Figi: "USD000UTSTOM", InstrumentType: "currency", Quantity: &money.Value{Units: 500}, CurrentPrice: price(80)},
		tinvest.PortfolioPosition{Figi: "F-TRUR", InstrumentType: "etf", Quantity: &money.Value{Units: 30}},
		tinvest.PortfolioPosition{Figi: "F-UNKNOWN", InstrumentType: "etf", Quantity: &money.Value{Units: 7}},
	)

	_, byFigi := buildCatalog(broker.instruments)
	w := buildWallet(account(), broker.positions, byFigi, logger.New(logger.Config{Level: "error"}))

	// TRUR, plus exactly one cash position; the unknown FIGI is dropped.
	require.Len(t, w, 2)
	assert.Equal(t, "TRUR", w[0].Base)
	assert.InDelta(t, 30, w[0].Amount, 1e-9)

	// 10 000 RUB plus 500 USD at 80 RUB each.
	cashIdx := w.CashIndex()
	require.GreaterOrEqual(t, cashIdx, 0)
	assert.InDelta(t, 50000, w[cashIdx].Amount, 1e-9)
}

func TestBuildCatalogNormalizesAndKeepsFirst(t *testing.T) {
	catalog, _ := buildCatalog([]tinvest.Instrument{
		{Ticker: "TRAY", Figi: "F-OLD", Lot: 10, Currency: "rub"},
		{Ticker: "TPAY", Figi: "F-NEW", Lot: 10, Currency: "rub"},
	})

	inst, ok := catalog.Find("TPAY")
	require.True(t, ok)
	// TRAY normalizes to TPAY and was listed first.
	assert.Equal(t, "F-OLD", inst.Figi)
	assert.Equal(t, "RUB", inst.Currency)
}

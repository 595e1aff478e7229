package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/internal/clients/tinvest"
	"tbalancer/internal/config"
	"tbalancer/internal/exchange"
	"tbalancer/internal/modules/desired"
	"tbalancer/internal/modules/engine"
	"tbalancer/internal/modules/metrics"
	"tbalancer/internal/modules/portfolio"
	"tbalancer/internal/ticker"
)

// BrokerAPI is the slice of the broker client an account loop needs.
type BrokerAPI interface {
	GetAccounts(ctx context.Context) ([]tinvest.Account, error)
	GetPortfolio(ctx context.Context, accountID string) ([]tinvest.PortfolioPosition, error)
	GetInstruments(ctx context.Context) ([]tinvest.Instrument, error)
	GetLastPrices(ctx context.Context, figis []string) ([]tinvest.LastPrice, error)
	PostOrder(ctx context.Context, accountID, figi string, lots int64, direction string) (*tinvest.OrderResult, error)
}

// VenueOracle reports the current exchange state.
type VenueOracle interface {
	State(ctx context.Context) exchange.State
}

// Runner drives the balancing loop for one account: gate on the
// exchange state, fetch the portfolio, resolve the desired allocation,
// run the engine, submit orders, sleep, repeat. Each account gets its
// own Runner and goroutine; runners share nothing but the store.
type Runner struct {
	acc      config.Account
	broker   BrokerAPI
	oracle   VenueOracle
	resolver *desired.Resolver
	engine   *engine.Engine
	store    *metrics.Store
	log      zerolog.Logger

	accountID string
}

// NewRunner creates a runner for one account. store may be nil when
// results should not be persisted.
func NewRunner(acc config.Account, broker BrokerAPI, oracle VenueOracle, store *metrics.Store, log zerolog.Logger) *Runner {
	l := log.With().Str("account", acc.ID).Logger()
	return &Runner{
		acc:      acc,
		broker:   broker,
		oracle:   oracle,
		resolver: desired.NewResolver(l),
		engine:   engine.New(l),
		store:    store,
		log:      l,
	}
}

// Loop runs iterations until the context is cancelled. Iteration
// failures are logged and the loop keeps going; a broken tick must not
// kill the account.
func (r *Runner) Loop(ctx context.Context) {
	interval := time.Duration(r.acc.BalanceIntervalMs) * time.Millisecond
	r.log.Info().Dur("interval", interval).Msg("Account loop started")

	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.log.Error().Err(err).Msg("Balancing iteration failed")
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("Account loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce performs a single balancing iteration.
func (r *Runner) RunOnce(ctx context.Context) error {
	state := r.oracle.State(ctx)
	decision := exchange.Decide(state, r.acc.ClosureBehavior)
	if !decision.Compute {
		r.log.Info().Str("exchange_state", state.String()).Msg("Exchange closed, skipping iteration")
		return nil
	}
	if state != exchange.StateOpen && decision.PlaceOrders {
		r.log.Warn().Str("exchange_state", state.String()).Msg("Placing orders against a closed exchange")
	}

	accountID, err := r.resolveAccountID(ctx)
	if err != nil {
		return err
	}

	positions, err := r.broker.GetPortfolio(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to fetch portfolio: %w", err)
	}
	instruments, err := r.broker.GetInstruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch instruments: %w", err)
	}

	catalog, byFigi := buildCatalog(instruments)
	wallet := buildWallet(r.acc, positions, byFigi, r.log)

	figis := r.priceFigis(wallet, catalog)
	var lastPrices map[string]float64
	if len(figis) > 0 {
		prices, err := r.broker.GetLastPrices(ctx, figis)
		if err != nil {
			return fmt.Errorf("failed to fetch last prices: %w", err)
		}
		lastPrices = buildLastPrices(prices, byFigi)
	}

	desiredWallet := r.resolver.Resolve(r.acc, wallet, r.marketData())
	balanced, result := r.engine.Balance(r.acc, wallet, desiredWallet, catalog, lastPrices)

	if r.store != nil {
		if err := r.store.SaveResult(r.acc.ID, result.ComputedAt, result); err != nil {
			r.log.Error().Err(err).Msg("Failed to persist iteration result")
		}
	}

	if !decision.PlaceOrders {
		r.log.Info().Msg("Iteration result recorded, orders withheld")
		return nil
	}
	return r.placeOrders(ctx, accountID, engine.Orders(balanced))
}

// resolveAccountID turns the configured account selector into a real
// brokerage account ID, once.
func (r *Runner) resolveAccountID(ctx context.Context) (string, error) {
	if r.accountID != "" {
		return r.accountID, nil
	}

	sel, err := r.acc.ResolveAccountID()
	if err != nil {
		return "", err
	}
	if !sel.ByIndex {
		r.accountID = sel.Literal
		return r.accountID, nil
	}

	accounts, err := r.broker.GetAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list accounts: %w", err)
	}
	if sel.Index >= len(accounts) {
		return "", fmt.Errorf("account index %d out of range, broker reports %d accounts", sel.Index, len(accounts))
	}

	r.accountID = accounts[sel.Index].ID
	r.log.Info().Str("account_id", r.accountID).Int("index", sel.Index).Msg("Resolved account by index")
	return r.accountID, nil
}

// priceFigis collects the FIGIs whose last prices the iteration needs:
// every held security plus every desired ticker.
func (r *Runner) priceFigis(w portfolio.Wallet, catalog portfolio.Catalog) []string {
	seen := make(map[string]bool)
	var figis []string
	add := func(figi string) {
		if figi != "" && !seen[figi] {
			seen[figi] = true
			figis = append(figis, figi)
		}
	}

	for i := range w {
		if !w[i].IsCurrency() {
			add(w[i].Figi)
		}
	}
	for t := range r.acc.DesiredWallet {
		if inst, ok := catalog.Find(t); ok {
			add(inst.Figi)
		}
	}
	sort.Strings(figis)
	return figis
}

// marketData assembles resolver inputs from the latest collected fund
// metrics. With no store (or no data yet) the dynamic modes see an
// empty universe and fall back per their own rules.
func (r *Runner) marketData() desired.MarketData {
	md := desired.MarketData{
		MarketCap: map[string]float64{},
		AUM:       map[string]desired.AUMEntry{},
		Shares:    map[string]int64{},
		FXRates:   map[string]float64{},
	}
	if r.store == nil {
		return md
	}

	tickers := make([]string, 0, len(r.acc.DesiredWallet))
	for t := range r.acc.DesiredWallet {
		tickers = append(tickers, ticker.Normalize(t))
	}

	snaps, err := r.store.LatestSnapshots(tickers)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to load fund metrics, dynamic modes degrade")
		return md
	}
	for t, snap := range snaps {
		if snap.MarketCap > 0 {
			md.MarketCap[t] = snap.MarketCap
		}
		if snap.AUM > 0 {
			md.AUM[t] = desired.AUMEntry{Amount: snap.AUM, Currency: "RUB"}
		}
		if snap.SharesCount > 0 {
			md.Shares[t] = snap.SharesCount
		}
	}
	return md
}

// placeOrders submits the plan sequentially, sells first (Orders
// already sorts them). A failed order is logged and skipped, never
// retried; the pause between orders is the broker-friendliness knob.
func (r *Runner) placeOrders(ctx context.Context, accountID string, orders []engine.Order) error {
	pause := time.Duration(r.acc.SleepBetweenMs) * time.Millisecond

	for i, o := range orders {
		if o.Figi == "" {
			r.log.Warn().Str("ticker", o.Base).Msg("Order without FIGI, skipping")
			continue
		}

		if _, err := r.broker.PostOrder(ctx, accountID, o.Figi, o.Lots, o.Direction); err != nil {
			r.log.Error().
				Err(err).
				Str("ticker", o.Base).
				Int64("lots", o.Lots).
				Str("direction", o.Direction).
				Msg("Order failed")
		}

		if i < len(orders)-1 && pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return nil
}

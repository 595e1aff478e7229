package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/internal/clients/feeds"
	"tbalancer/internal/clients/tinvest"
	"tbalancer/internal/ticker"
)

// BrokerAPI is the slice of the broker client the collector needs.
type BrokerAPI interface {
	GetInstruments(ctx context.Context) ([]tinvest.Instrument, error)
	GetLastPrices(ctx context.Context, figis []string) ([]tinvest.LastPrice, error)
}

// FeedsAPI fetches fund statistics from the management company.
type FeedsAPI interface {
	GetFundStats(ctx context.Context, ticker string) (*feeds.FundStats, error)
}

// Collector periodically gathers fund statistics for the tickers the
// daemon balances: shares outstanding and net asset value from the
// fund feeds, last price from the broker. Each run writes a JSON
// snapshot per ticker plus a database row, and appends the day's close
// to the price history.
type Collector struct {
	broker  BrokerAPI
	feeds   FeedsAPI
	store   *Store
	history *HistoryDB
	tickers []string
	outDir  string
	now     func() time.Time
	log     zerolog.Logger
}

// NewCollector creates a collector for the given fund tickers.
func NewCollector(broker BrokerAPI, feedsAPI FeedsAPI, store *Store, history *HistoryDB, tickers []string, outDir string, log zerolog.Logger) *Collector {
	normalized := make([]string, 0, len(tickers))
	seen := make(map[string]bool)
	for _, t := range tickers {
		n := ticker.Normalize(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		normalized = append(normalized, n)
	}

	return &Collector{
		broker:  broker,
		feeds:   feedsAPI,
		store:   store,
		history: history,
		tickers: normalized,
		outDir:  outDir,
		now:     time.Now,
		log:     log.With().Str("component", "metrics_collector").Logger(),
	}
}

// Name implements the scheduler job interface.
func (c *Collector) Name() string {
	return "fund_metrics"
}

// Run collects metrics for all configured tickers. A failure for one
// ticker is logged and skipped; the run fails only when nothing at all
// could be collected.
func (c *Collector) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	instruments, err := c.broker.GetInstruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch instruments: %w", err)
	}

	byTicker := make(map[string]tinvest.Instrument, len(instruments))
	for _, inst := range instruments {
		byTicker[ticker.Normalize(inst.Ticker)] = inst
	}

	var figis []string
	for _, t := range c.tickers {
		if inst, ok := byTicker[t]; ok {
			figis = append(figis, inst.Figi)
		}
	}

	prices := make(map[string]float64)
	if len(figis) > 0 {
		lastPrices, err := c.broker.GetLastPrices(ctx, figis)
		if err != nil {
			return fmt.Errorf("failed to fetch last prices: %w", err)
		}
		for _, lp := range lastPrices {
			if lp.Price != nil {
				prices[lp.Figi] = lp.Price.Float()
			}
		}
	}

	collected := 0
	for _, t := range c.tickers {
		if err := c.collectOne(ctx, t, byTicker, prices); err != nil {
			c.log.Warn().Err(err).Str("ticker", t).Msg("Skipping ticker")
			continue
		}
		collected++
	}

	c.log.Info().Int("collected", collected).Int("total", len(c.tickers)).Msg("Metrics collection finished")
	if collected == 0 && len(c.tickers) > 0 {
		return fmt.Errorf("no metrics collected for any of %d tickers", len(c.tickers))
	}
	return nil
}

func (c *Collector) collectOne(ctx context.Context, t string, byTicker map[string]tinvest.Instrument, prices map[string]float64) error {
	inst, ok := byTicker[t]
	if !ok {
		return fmt.Errorf("instrument not found in catalog")
	}

	price, ok := prices[inst.Figi]
	if !ok || price <= 0 {
		return fmt.Errorf("no last price")
	}

	stats, err := c.feeds.GetFundStats(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to fetch fund stats: %w", err)
	}

	snap := FundSnapshot{
		Ticker:          t,
		CollectedAt:     c.now(),
		SharesCount:     stats.SharesCount,
		Price:           price,
		AUM:             stats.AUM,
		Figi:            inst.Figi,
		UID:             inst.UID,
		SharesSearchURL: fmt.Sprintf("https://www.tbank.ru/invest/etfs/%s/", t),
	}
	snap.MarketCap = float64(stats.SharesCount) * price
	if stats.AUM > 0 {
		snap.DecorrelationPct = (snap.MarketCap - stats.AUM) / stats.AUM * 100
	}

	if err := c.writeJSON(snap); err != nil {
		return err
	}
	if err := c.store.SaveSnapshot(snap); err != nil {
		return err
	}
	if err := c.history.RecordClose(t, inst.Figi, snap.CollectedAt, price); err != nil {
		return err
	}

	c.log.Debug().
		Str("ticker", t).
		Float64("market_cap", snap.MarketCap).
		Float64("aum", snap.AUM).
		Float64("decorrelation_pct", snap.DecorrelationPct).
		Msg("Collected fund metrics")
	return nil
}

// writeJSON writes the per-ticker snapshot file, replacing the
// previous one atomically.
func (c *Collector) writeJSON(snap FundSnapshot) error {
	if err := os.MkdirAll(c.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(c.outDir, snap.Ticker+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/internal/clients/feeds"
	"tbalancer/internal/clients/tinvest"
	"tbalancer/internal/config"
	"tbalancer/internal/exchange"
	"tbalancer/internal/modules/metrics"
	"tbalancer/internal/scheduler"
	"tbalancer/internal/server"
	"tbalancer/internal/ticker"
	"tbalancer/pkg/logger"
)

const feedsBaseURL = "https://t-capital-funds.ru"

func main() {
	configPath := flag.String("config", "CONFIG.json", "path to the account configuration file")
	runOnce := flag.Bool("run-once", false, "run one balancing iteration per account and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger config lives in the config itself; bootstrap one.
		boot := logger.New(logger.Config{Level: "info", Pretty: true})
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	log.Info().Int("accounts", len(cfg.Accounts)).Msg("Starting balancer")

	store, err := metrics.NewStore(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	history, err := metrics.NewHistoryDB(cfg.HistoryDBPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer history.Close()

	// One broker client per account: tokens differ.
	brokers := make([]*tinvest.Client, len(cfg.Accounts))
	for i, acc := range cfg.Accounts {
		token, err := acc.ResolveToken()
		if err != nil {
			log.Fatal().Err(err).Str("account", acc.ID).Msg("Failed to resolve token")
		}
		brokers[i] = tinvest.NewClient(cfg.APIBaseURL, token, log)
	}

	if *runOnce {
		runAllOnce(cfg, brokers, store, log)
		return
	}

	// Metrics collection shares the first account's broker client;
	// catalog and price data are token-independent.
	feedsClient := feeds.NewClient(feedsBaseURL, log)
	collector := metrics.NewCollector(
		brokers[0], feedsClient, store, history,
		fundTickers(cfg), cfg.MetricsDir, log,
	)

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.MetricsCronSpec, collector); err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics job")
	}
	sched.Start()
	defer sched.Stop()

	// Dynamic desired modes need metrics before the first iteration.
	if err := sched.RunNow(collector); err != nil {
		log.Warn().Err(err).Msg("Initial metrics collection failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i, acc := range cfg.Accounts {
		oracle := exchange.NewOracle(brokers[i], acc.Exchange, log)
		runner := scheduler.NewRunner(acc, brokers[i], oracle, store, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Loop(ctx)
		}()
	}

	srv := server.New(cfg, store, history, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	wg.Wait()
	log.Info().Msg("Balancer stopped")
}

// runAllOnce executes a single iteration per account, sequentially, and
// exits. Used for cron-style deployments and smoke tests.
func runAllOnce(cfg *config.Config, brokers []*tinvest.Client, store *metrics.Store, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	failed := false
	for i, acc := range cfg.Accounts {
		oracle := exchange.NewOracle(brokers[i], acc.Exchange, log)
		runner := scheduler.NewRunner(acc, brokers[i], oracle, store, log)
		if err := runner.RunOnce(ctx); err != nil {
			log.Error().Err(err).Str("account", acc.ID).Msg("Iteration failed")
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// fundTickers collects every distinct ticker named across account
// allocations, for the metrics collector.
func fundTickers(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var tickers []string
	for _, acc := range cfg.Accounts {
		for t := range acc.DesiredWallet {
			n := ticker.Normalize(t)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			tickers = append(tickers, n)
		}
	}
	return tickers
}

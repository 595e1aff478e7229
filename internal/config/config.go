package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Desired-mode identifiers accepted in CONFIG.json.
const (
	ModeManual                 = "manual"
	ModeDefault                = "default"
	ModeMarketcap              = "marketcap"
	ModeAUM                    = "aum"
	ModeDecorrelation          = "decorrelation"
	ModeMarketcapAUM           = "marketcap_aum"
	ModeAUMDecorrelation       = "aum_decorrelation"
	ModeDecorrelationMarketcap = "decorrelation_marketcap"
)

// Margin balancing strategies.
const (
	MarginStrategyKeepIfSmall = "keep_if_small"
	MarginStrategyRemove      = "remove"
)

// Buy-requires-sell modes.
const (
	SellModeOnlyPositive = "only_positive_positions_sell"
	SellModeEqualPercent = "equal_in_percents"
	SellModeNone         = "none"
)

// Exchange closure behaviors.
const (
	ClosureSkipIteration         = "skip_iteration"
	ClosureUpdateIterationResult = "update_iteration_result"
	ClosureForceOrders           = "force_orders"
)

// MarginConfig controls the leverage layer of the balancer.
type MarginConfig struct {
	Enabled           bool    `json:"enabled"`
	Multiplier        float64 `json:"multiplier"`
	FreeThreshold     float64 `json:"free_threshold"`
	MaxMarginSize     float64 `json:"max_margin_size"`
	BalancingStrategy string  `json:"balancing_strategy"`
}

// BuyRequiresSellConfig controls funding purchases of non-marginal
// instruments by partially liquidating other positions.
type BuyRequiresSellConfig struct {
	Enabled                bool     `json:"enabled"`
	Instruments            []string `json:"instruments"`
	Mode                   string   `json:"mode"`
	MinBuyRebalancePercent float64  `json:"min_buy_rebalance_percent"`
}

// ClosureBehavior selects what an account loop does when the exchange
// is closed.
type ClosureBehavior struct {
	Mode string `json:"mode"`
}

// Account is one balancing task: one brokerage account with its own
// desired allocation and timing.
type Account struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Token             string                `json:"t_invest_token"`
	AccountID         string                `json:"account_id"`
	DesiredWallet     map[string]float64    `json:"desired_wallet"`
	DesiredMode       string                `json:"desired_mode"`
	BalanceIntervalMs int64                 `json:"balance_interval"`
	SleepBetweenMs    int64                 `json:"sleep_between_orders"`
	Exchange          string                `json:"exchange"`
	MarginTrading     MarginConfig          `json:"margin_trading"`
	BuyRequiresSell   BuyRequiresSellConfig `json:"buy_requires_total_marginal_sell"`
	ClosureBehavior   ClosureBehavior       `json:"exchange_closure_behavior"`
}

// Config is the full daemon configuration: the account list from
// CONFIG.json plus process-level settings from the environment.
type Config struct {
	Accounts []Account `json:"accounts"`

	Port            int
	LogLevel        string
	LogPretty       bool
	DatabasePath    string
	HistoryDBPath   string
	MetricsDir      string
	APIBaseURL      string
	MetricsCronSpec string
}

var envTokenPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// Load reads CONFIG.json from the given path and process settings from
// the environment. A missing or invalid config is a startup failure.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{
		Port:            getEnvAsInt("PORT", 8081),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogPretty:       getEnvAsBool("LOG_PRETTY", true),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/balancer.db"),
		HistoryDBPath:   getEnv("HISTORY_DB_PATH", "./data/history.db"),
		MetricsDir:      getEnv("METRICS_DIR", "./etf_metrics"),
		APIBaseURL:      getEnv("TINVEST_API_URL", "https://invest-public-api.tinkoff.ru/rest"),
		MetricsCronSpec: getEnv("METRICS_CRON", "0 0 */4 * * *"),
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range cfg.Accounts {
		applyDefaults(&cfg.Accounts[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills unset account fields with safe defaults.
func applyDefaults(a *Account) {
	if a.DesiredMode == "" {
		a.DesiredMode = ModeManual
	}
	if a.BalanceIntervalMs <= 0 {
		a.BalanceIntervalMs = 60_000
	}
	if a.SleepBetweenMs < 0 {
		a.SleepBetweenMs = 0
	}
	if a.Exchange == "" {
		a.Exchange = "MOEX"
	}
	if a.MarginTrading.Multiplier == 0 {
		a.MarginTrading.Multiplier = 1
	}
	if a.MarginTrading.BalancingStrategy == "" {
		a.MarginTrading.BalancingStrategy = MarginStrategyKeepIfSmall
	}
	if a.BuyRequiresSell.Mode == "" {
		a.BuyRequiresSell.Mode = SellModeNone
	}
	if a.ClosureBehavior.Mode == "" {
		a.ClosureBehavior.Mode = ClosureSkipIteration
	}
}

// Validate checks the loaded configuration. Any failure here is fatal
// at startup (exit non-zero).
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("config has no accounts")
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %d: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("account %q: duplicate id", a.ID)
		}
		seen[a.ID] = true

		if a.Token == "" {
			return fmt.Errorf("account %q: t_invest_token is required", a.ID)
		}
		if !validMode(a.DesiredMode) {
			return fmt.Errorf("account %q: unknown desired_mode %q", a.ID, a.DesiredMode)
		}
		for t, pct := range a.DesiredWallet {
			if pct < 0 {
				return fmt.Errorf("account %q: negative weight for %s", a.ID, t)
			}
		}
		if a.MarginTrading.Enabled {
			if a.MarginTrading.Multiplier < 1 || a.MarginTrading.Multiplier > 4 {
				return fmt.Errorf("account %q: margin multiplier must be in [1,4]", a.ID)
			}
			switch a.MarginTrading.BalancingStrategy {
			case MarginStrategyKeepIfSmall, MarginStrategyRemove:
			default:
				return fmt.Errorf("account %q: unknown margin balancing_strategy %q", a.ID, a.MarginTrading.BalancingStrategy)
			}
		}
		switch a.BuyRequiresSell.Mode {
		case SellModeOnlyPositive, SellModeEqualPercent, SellModeNone:
		default:
			return fmt.Errorf("account %q: unknown buy_requires_total_marginal_sell mode %q", a.ID, a.BuyRequiresSell.Mode)
		}
		if a.BuyRequiresSell.MinBuyRebalancePercent < 0 {
			return fmt.Errorf("account %q: min_buy_rebalance_percent must be non-negative", a.ID)
		}
		switch a.ClosureBehavior.Mode {
		case ClosureSkipIteration, ClosureUpdateIterationResult, ClosureForceOrders:
		default:
			return fmt.Errorf("account %q: unknown exchange_closure_behavior mode %q", a.ID, a.ClosureBehavior.Mode)
		}
	}

	return nil
}

func validMode(mode string) bool {
	switch mode {
	case ModeManual, ModeDefault, ModeMarketcap, ModeAUM, ModeDecorrelation,
		ModeMarketcapAUM, ModeAUMDecorrelation, ModeDecorrelationMarketcap:
		return true
	}
	return false
}

// ResolveToken expands a literal "${NAME}" token value against the
// environment. Literal tokens pass through unchanged.
func (a Account) ResolveToken() (string, error) {
	m := envTokenPattern.FindStringSubmatch(a.Token)
	if m == nil {
		return a.Token, nil
	}
	value := os.Getenv(m[1])
	if value == "" {
		return "", fmt.Errorf("environment variable %s is not set", m[1])
	}
	return value, nil
}

// AccountSelector describes how account_id selects a brokerage account:
// a literal identifier, or an index into the broker's account list
// (written as "INDEX:n" or as a bare integer).
type AccountSelector struct {
	ByIndex bool
	Index   int
	Literal string
}

// ResolveAccountID parses the account_id field into a selector.
func (a Account) ResolveAccountID() (AccountSelector, error) {
	raw := strings.TrimSpace(a.AccountID)
	if raw == "" {
		return AccountSelector{}, fmt.Errorf("account %q: account_id is required", a.ID)
	}

	if rest, ok := strings.CutPrefix(raw, "INDEX:"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return AccountSelector{}, fmt.Errorf("account %q: invalid account index %q", a.ID, rest)
		}
		return AccountSelector{ByIndex: true, Index: n}, nil
	}

	if n, err := strconv.Atoi(raw); err == nil {
		return AccountSelector{ByIndex: true, Index: n}, nil
	}

	return AccountSelector{Literal: raw}, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

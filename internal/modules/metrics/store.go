// Package metrics persists balancing results and fund statistics, and
// collects fresh fund metrics on a schedule.
package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store is the main application database.
type Store struct {
	conn *sql.DB
	path string
}

// NewStore opens (and if needed creates) the main database.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps the status server readable while account loops write.
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	s := &Store{conn: conn, path: dbPath}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS balance_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			computed_at TIMESTAMP NOT NULL,
			result_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_results_account
			ON balance_results(account_id, computed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS fund_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			collected_at TIMESTAMP NOT NULL,
			shares_count INTEGER,
			price REAL,
			market_cap REAL,
			aum REAL,
			decorrelation_pct REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fund_metrics_ticker
			ON fund_metrics(ticker, collected_at DESC)`,
	}

	for _, stmt := range schema {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// SaveResult persists one balancing iteration result as JSON.
func (s *Store) SaveResult(accountID string, computedAt time.Time, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = s.conn.Exec(
		`INSERT INTO balance_results (account_id, computed_at, result_json) VALUES (?, ?, ?)`,
		accountID, computedAt.UTC(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// LatestResult returns the most recent result JSON for an account, or
// sql.ErrNoRows when none exists.
func (s *Store) LatestResult(accountID string) (string, time.Time, error) {
	var data string
	var at time.Time
	err := s.conn.QueryRow(
		`SELECT result_json, computed_at FROM balance_results
		 WHERE account_id = ? ORDER BY computed_at DESC LIMIT 1`,
		accountID,
	).Scan(&data, &at)
	if err != nil {
		return "", time.Time{}, err
	}
	return data, at, nil
}

// FundSnapshot is one collected set of fund statistics.
type FundSnapshot struct {
	Ticker           string    `json:"symbol"`
	CollectedAt      time.Time `json:"timestamp"`
	SharesCount      int64     `json:"sharesCount"`
	Price            float64   `json:"price"`
	MarketCap        float64   `json:"marketCap"`
	AUM              float64   `json:"aum"`
	DecorrelationPct float64   `json:"decorrelationPct"`
	Figi             string    `json:"figi,omitempty"`
	UID              string    `json:"uid,omitempty"`
	SharesSearchURL  string    `json:"sharesSearchUrl,omitempty"`
}

// SaveSnapshot persists one fund metrics snapshot.
func (s *Store) SaveSnapshot(snap FundSnapshot) error {
	_, err := s.conn.Exec(
		`INSERT INTO fund_metrics
			(ticker, collected_at, shares_count, price, market_cap, aum, decorrelation_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Ticker, snap.CollectedAt.UTC(), snap.SharesCount,
		snap.Price, snap.MarketCap, snap.AUM, snap.DecorrelationPct,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent metrics for a ticker, or
// sql.ErrNoRows when the ticker was never collected.
func (s *Store) LatestSnapshot(ticker string) (*FundSnapshot, error) {
	var snap FundSnapshot
	err := s.conn.QueryRow(
		`SELECT ticker, collected_at, shares_count, price, market_cap, aum, decorrelation_pct
		 FROM fund_metrics WHERE ticker = ? ORDER BY collected_at DESC LIMIT 1`,
		ticker,
	).Scan(&snap.Ticker, &snap.CollectedAt, &snap.SharesCount,
		&snap.Price, &snap.MarketCap, &snap.AUM, &snap.DecorrelationPct)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// LatestSnapshots returns the latest snapshot per ticker for the given
// tickers. Tickers with no data are absent from the map.
func (s *Store) LatestSnapshots(tickers []string) (map[string]FundSnapshot, error) {
	out := make(map[string]FundSnapshot, len(tickers))
	for _, t := range tickers {
		snap, err := s.LatestSnapshot(t)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[t] = *snap
	}
	return out, nil
}

package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
)

// HistoryDB stores daily closing prices per instrument. It lives in a
// separate file from the main store so long price history can be
// rotated or shipped independently.
type HistoryDB struct {
	conn *sql.DB
	log  zerolog.Logger
}

// NewHistoryDB opens (and if needed creates) the price history database.
func NewHistoryDB(dbPath string, log zerolog.Logger) (*HistoryDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	h := &HistoryDB{
		conn: conn,
		log:  log.With().Str("component", "history_db").Logger(),
	}
	if err := h.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return h, nil
}

// Close closes the history database.
func (h *HistoryDB) Close() error {
	return h.conn.Close()
}

func (h *HistoryDB) migrate() error {
	_, err := h.conn.Exec(`
		CREATE TABLE IF NOT EXISTS daily_closes (
			ticker TEXT NOT NULL,
			figi TEXT NOT NULL,
			date TEXT NOT NULL,
			close_price REAL NOT NULL,
			PRIMARY KEY (ticker, date)
		)`)
	if err != nil {
		return fmt.Errorf("failed to run history migration: %w", err)
	}
	return nil
}

// RecordClose upserts the close price for a ticker on a given day.
// One row per ticker per day; a later write for the same day wins.
func (h *HistoryDB) RecordClose(ticker, figi string, day time.Time, price float64) error {
	date := day.UTC().Format("2006-01-02")
	_, err := h.conn.Exec(`
		INSERT INTO daily_closes (ticker, figi, date, close_price)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ticker, date) DO UPDATE SET close_price = excluded.close_price`,
		ticker, figi, date, price,
	)
	if err != nil {
		return fmt.Errorf("failed to record close: %w", err)
	}
	return nil
}

// RecentCloses returns up to limit daily closes for a ticker, oldest
// first, ready for indicator calculations.
func (h *HistoryDB) RecentCloses(ticker string, limit int) ([]float64, error) {
	rows, err := h.conn.Query(`
		SELECT close_price FROM (
			SELECT date, close_price FROM daily_closes
			WHERE ticker = ? ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC`,
		ticker, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query closes: %w", err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan close: %w", err)
		}
		closes = append(closes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closes: %w", err)
	}
	return closes, nil
}

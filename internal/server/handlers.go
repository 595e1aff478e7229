package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tbalancer/internal/ticker"
	"tbalancer/pkg/formulas"
)

const rsiPeriod = 14

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "tbalancer",
	})
}

// accountView is the public shape of a configured account. Tokens and
// other credentials never leave the process.
type accountView struct {
	ID                string  `json:"id"`
	Name              string  `json:"name,omitempty"`
	DesiredMode       string  `json:"desired_mode"`
	Exchange          string  `json:"exchange,omitempty"`
	BalanceIntervalMs int64   `json:"balance_interval"`
	MarginEnabled     bool    `json:"margin_enabled"`
	MarginMultiplier  float64 `json:"margin_multiplier,omitempty"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	views := make([]accountView, 0, len(s.cfg.Accounts))
	for _, acc := range s.cfg.Accounts {
		v := accountView{
			ID:                acc.ID,
			Name:              acc.Name,
			DesiredMode:       acc.DesiredMode,
			Exchange:          acc.Exchange,
			BalanceIntervalMs: acc.BalanceIntervalMs,
			MarginEnabled:     acc.MarginTrading.Enabled,
		}
		if acc.MarginTrading.Enabled {
			v.MarginMultiplier = acc.MarginTrading.Multiplier
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": views})
}

func (s *Server) handleAccountResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found := false
	for _, acc := range s.cfg.Accounts {
		if acc.ID == id {
			found = true
			break
		}
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "unknown account")
		return
	}

	data, at, err := s.store.LatestResult(id)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, "no result yet")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("account", id).Msg("Failed to load result")
		s.writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":  id,
		"computed_at": at,
		"result":      json.RawMessage(data),
	})
}

func (s *Server) handleFundMetrics(w http.ResponseWriter, r *http.Request) {
	t := ticker.Normalize(chi.URLParam(r, "ticker"))

	snap, err := s.store.LatestSnapshot(t)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, http.StatusNotFound, "no metrics for ticker")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("ticker", t).Msg("Failed to load metrics")
		s.writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	response := map[string]interface{}{
		"metrics": snap,
	}

	// Indicators are best-effort extras on top of the snapshot.
	period := rsiPeriod
	if raw := r.URL.Query().Get("rsi_period"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			period = n
		}
	}
	if closes, err := s.history.RecentCloses(t, period*10); err == nil {
		if rsi := formulas.RSI(closes, period); rsi != nil {
			response["rsi"] = *rsi
		}
		if returns := formulas.Returns(closes); len(returns) > 0 {
			response["annualized_volatility"] = formulas.AnnualizedVolatility(returns)
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "running",
		"accounts": len(s.cfg.Accounts),
		"memory": map[string]interface{}{
			"alloc_mb": m.Alloc / 1024 / 1024,
			"sys_mb":   m.Sys / 1024 / 1024,
			"num_gc":   m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

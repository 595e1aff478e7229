// Package feeds fetches fund statistics (net asset value, shares
// outstanding) from the management company's public endpoints. Feed
// data is best-effort: malformed or missing responses degrade to
// absent entries, never to a failed tick.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/internal/ticker"
	"tbalancer/pkg/money"
)

// FundStats is one fund's scraped statistics.
type FundStats struct {
	Ticker      string
	AUM         float64
	AUMCurrency string
	SharesCount int64
}

// Client scrapes fund statistic feeds.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new feeds client.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "feeds").Logger(),
	}
}

// fundResponse is the JSON shape of the fund statistics endpoint.
// Money fields arrive as display strings, not numbers.
type fundResponse struct {
	Payload struct {
		AUM         string `json:"totalNetAssetValue"`
		SharesCount *int64 `json:"sharesCount"`
	} `json:"payload"`
}

// GetFundStats fetches statistics for one fund ticker.
func (c *Client) GetFundStats(ctx context.Context, t string) (*FundStats, error) {
	t = ticker.Normalize(t)
	if t == "" {
		return nil, fmt.Errorf("empty ticker")
	}

	url := fmt.Sprintf("%s/api/funds/%s", c.baseURL, t)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	stats := &FundStats{Ticker: t}

	var resp fundResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Payload.AUM != "" {
		if amount, currency, perr := money.ParseAmount(resp.Payload.AUM); perr == nil {
			stats.AUM = amount
			stats.AUMCurrency = currency
		}
		if resp.Payload.SharesCount != nil {
			stats.SharesCount = *resp.Payload.SharesCount
		}
	} else {
		// Some funds only expose an HTML page; scrape it.
		c.scrapeHTML(string(body), stats)
	}

	if stats.AUM <= 0 && stats.SharesCount <= 0 {
		return nil, fmt.Errorf("no usable data in feed for %s", t)
	}
	return stats, nil
}

var (
	aumPattern    = regexp.MustCompile(`(?i)(?:СЧА|стоимость чистых активов)[^0-9€$]*([0-9][0-9  .,]*(?:руб|₽|\$|€)?)`)
	sharesPattern = regexp.MustCompile(`(?i)(?:паёв|паев|число паев в обращении)[^0-9]*([0-9][0-9  ]*)`)
)

// scrapeHTML pulls AUM and shares count out of a fund's HTML page.
func (c *Client) scrapeHTML(page string, stats *FundStats) {
	if m := aumPattern.FindStringSubmatch(page); m != nil {
		if amount, currency, err := money.ParseAmount(m[1]); err == nil {
			stats.AUM = amount
			stats.AUMCurrency = currency
		}
	}
	if m := sharesPattern.FindStringSubmatch(page); m != nil {
		if amount, _, err := money.ParseAmount(m[1]); err == nil {
			stats.SharesCount = int64(amount)
		}
	}
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

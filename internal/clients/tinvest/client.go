// Package tinvest is a client for the T-Invest public REST API. It
// mirrors the gRPC-gateway surface: every call is a POST to
// /tinkoff.public.invest.api.contract.v1.<Service>/<Method>.
package tinvest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tbalancer/pkg/money"
)

const requestTimeout = 30 * time.Second

// Client for the T-Invest REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new broker API client for one account token.
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: requestTimeout,
		},
		log: log.With().Str("client", "tinvest").Logger(),
	}
}

// post makes one authorized POST and decodes the response into out.
func (c *Client) post(ctx context.Context, method string, request, out interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/tinkoff.public.invest.api.contract.v1." + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &APIError{Kind: KindTimeout, Message: err.Error()}
		}
		return &APIError{Kind: KindUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Kind:    classifyStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Account is one brokerage account available to the token.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type accountsResponse struct {
	Accounts []Account `json:"accounts"`
}

// GetAccounts lists accounts available to the token.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	var resp accountsResponse
	err := c.callWithRetry(ctx, "UsersService/GetAccounts", struct{}{}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// PortfolioPosition is one position as reported by the broker.
type PortfolioPosition struct {
	Figi                     string       `json:"figi"`
	InstrumentType           string       `json:"instrumentType"`
	Quantity                 *money.Value `json:"quantity"`
	CurrentPrice             *money.Value `json:"currentPrice"`
	AveragePositionPriceFifo *money.Value `json:"averagePositionPriceFifo"`
	QuantityLots             *money.Value `json:"quantityLots"`
}

type portfolioResponse struct {
	Positions []PortfolioPosition `json:"positions"`
}

// GetPortfolio returns current positions for an account.
func (c *Client) GetPortfolio(ctx context.Context, accountID string) ([]PortfolioPosition, error) {
	req := map[string]string{"accountId": accountID}
	var resp portfolioResponse
	if err := c.callWithRetry(ctx, "OperationsService/GetPortfolio", req, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// Instrument is catalog metadata for a tradable instrument.
type Instrument struct {
	Ticker        string `json:"ticker"`
	Figi          string `json:"figi"`
	UID           string `json:"uid"`
	Lot           int64  `json:"lot"`
	Currency      string `json:"currency"`
	ClassCode     string `json:"classCode"`
	Exchange      string `json:"exchange"`
	TradingStatus string `json:"tradingStatus"`
}

type instrumentsResponse struct {
	Instruments []Instrument `json:"instruments"`
}

// instrumentServices lists the catalog endpoints the balancer unions:
// ETFs, shares, bonds and currencies are all balanceable.
var instrumentServices = []string{
	"InstrumentsService/Etfs",
	"InstrumentsService/Shares",
	"InstrumentsService/Bonds",
	"InstrumentsService/Currencies",
}

// GetInstruments fetches the full instrument catalog.
func (c *Client) GetInstruments(ctx context.Context) ([]Instrument, error) {
	req := map[string]string{"instrumentStatus": "INSTRUMENT_STATUS_BASE"}

	var all []Instrument
	for _, svc := range instrumentServices {
		var resp instrumentsResponse
		if err := c.callWithRetry(ctx, svc, req, &resp); err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", svc, err)
		}
		all = append(all, resp.Instruments...)
	}
	return all, nil
}

// LastPrice is a last trade price for one instrument.
type LastPrice struct {
	Figi  string       `json:"figi"`
	Price *money.Value `json:"price"`
}

type lastPricesResponse struct {
	LastPrices []LastPrice `json:"lastPrices"`
}

// GetLastPrices fetches last prices for the given FIGIs.
func (c *Client) GetLastPrices(ctx context.Context, figis []string) ([]LastPrice, error) {
	req := map[string][]string{"figi": figis}
	var resp lastPricesResponse
	if err := c.callWithRetry(ctx, "MarketDataService/GetLastPrices", req, &resp); err != nil {
		return nil, err
	}
	return resp.LastPrices, nil
}

// OrderResult is the broker's acknowledgement of a posted order.
type OrderResult struct {
	OrderID       string `json:"orderId"`
	ExecutionCode string `json:"executionReportStatus"`
}

// PostOrder places a market order for the given number of lots.
// Direction is "buy" or "sell".
func (c *Client) PostOrder(ctx context.Context, accountID, figi string, lots int64, direction string) (*OrderResult, error) {
	dir := "ORDER_DIRECTION_BUY"
	if direction == "sell" {
		dir = "ORDER_DIRECTION_SELL"
	}
	req := map[string]interface{}{
		"accountId": accountID,
		"figi":      figi,
		"quantity":  lots,
		"direction": dir,
		"orderType": "ORDER_TYPE_MARKET",
	}

	var resp OrderResult
	// Orders are never retried: a timeout may still have executed.
	if err := c.post(ctx, "OrdersService/PostOrder", req, &resp); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("figi", figi).
		Int64("lots", lots).
		Str("direction", direction).
		Str("order_id", resp.OrderID).
		Msg("Order placed")
	return &resp, nil
}

// TradingDay is one day in an exchange trading schedule.
type TradingDay struct {
	Date         time.Time `json:"date"`
	IsTradingDay bool      `json:"isTradingDay"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
}

// TradingSchedule is the schedule of one exchange.
type TradingSchedule struct {
	Exchange string       `json:"exchange"`
	Days     []TradingDay `json:"days"`
}

type schedulesResponse struct {
	Exchanges []TradingSchedule `json:"exchanges"`
}

// GetTradingSchedules fetches the trading schedule for an exchange.
func (c *Client) GetTradingSchedules(ctx context.Context, exchange string, from, to time.Time) ([]TradingSchedule, error) {
	req := map[string]string{
		"exchange": exchange,
		"from":     from.Format(time.RFC3339),
		"to":       to.Format(time.RFC3339),
	}
	var resp schedulesResponse
	if err := c.callWithRetry(ctx, "InstrumentsService/TradingSchedules", req, &resp); err != nil {
		return nil, err
	}
	return resp.Exchanges, nil
}

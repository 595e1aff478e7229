package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbalancer/pkg/logger"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, logger.New(logger.Config{Level: "error"}))
}

func TestGetFundStatsJSON(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/funds/TPAY", r.URL.Path)
		w.Write([]byte(`{"payload":{"totalNetAssetValue":"620 766 703,45 руб","sharesCount":87000000}}`))
	})

	stats, err := c.GetFundStats(context.Background(), "TRAY@")
	require.NoError(t, err)
	assert.Equal(t, "TPAY", stats.Ticker)
	assert.InDelta(t, 620766703.45, stats.AUM, 1e-6)
	assert.Equal(t, "RUB", stats.AUMCurrency)
	assert.Equal(t, int64(87000000), stats.SharesCount)
}

func TestGetFundStatsHTMLFallback(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<div>СЧА фонда: 1 234 567,89 руб</div>
			<div>Число паев в обращении: 42 000 000</div>
		</body></html>`))
	})

	stats, err := c.GetFundStats(context.Background(), "TMON")
	require.NoError(t, err)
	assert.InDelta(t, 1234567.89, stats.AUM, 1e-6)
	assert.Equal(t, int64(42000000), stats.SharesCount)
}

func TestGetFundStatsMalformed(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>maintenance</body></html>`))
	})

	_, err := c.GetFundStats(context.Background(), "TPAY")
	assert.Error(t, err)
}

func TestGetFundStatsServerError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetFundStats(context.Background(), "TPAY")
	assert.Error(t, err)
}

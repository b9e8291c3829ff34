package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/lightning"
	"github.com/elnosh/fiatnuts/mint/rates"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *mint.Mint) {
	env := map[string]string{
		"MINT_FIAT_BACKEND_UNITS":   "usd,eur",
		"FIAT_BACKEND_MINT_FEE_USD": "1",
		"FIAT_BACKEND_MELT_FEE_USD": "1",
	}
	fiatConfig, err := mint.LoadFiatConfig(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	require.NoError(t, err)

	source := rates.NewFakeSource()
	source.SetPrice("usd", decimal.NewFromInt(50000))

	m, err := mint.LoadMint(mint.Config{
		MintPath:          t.TempDir(),
		LogLevel:          mint.Disable,
		Fiat:              fiatConfig,
		LightningBackends: map[string]lightning.Client{mint.FakeBackend: &lightning.FakeBackend{}},
		RateSource:        source,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	server, err := SetupServer(m, "127.0.0.1:0")
	require.NoError(t, err)
	return server, m
}

func settleMint(t *testing.T, m *mint.Mint, amount int64) {
	ctx := context.Background()
	quote, err := m.RequestMintQuote(ctx, cashu.BOLT11_METHOD, "usd", amount)
	require.NoError(t, err)
	_, err = m.GetMintQuoteState(ctx, cashu.BOLT11_METHOD, quote.Id)
	require.NoError(t, err)
}

func get(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestAccountingSummaryHandler(t *testing.T) {
	server, m := newTestServer(t)
	settleMint(t, m, 10000)
	settleMint(t, m, 500)

	w := get(t, server, "/accounting/summary")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response SummaryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.Summaries, 1)
	usd := response.Summaries["usd"]
	assert.Equal(t, int64(10500), usd.Minted)
	assert.Equal(t, int64(105), usd.MintFees)
	assert.Equal(t, int64(2), usd.MintCount)
	assert.Equal(t, int64(10500), usd.Net)

	w = get(t, server, "/accounting/summary?unit=eur")
	require.Equal(t, http.StatusOK, w.Code)
	var eurResponse SummaryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eurResponse))
	assert.Empty(t, eurResponse.Summaries)

	// entries are stamped with the current time
	yesterday := time.Now().UTC().Add(-48 * time.Hour).Format(dateLayout)
	w = get(t, server, "/accounting/summary?end="+yesterday)
	require.Equal(t, http.StatusOK, w.Code)
	var pastResponse SummaryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pastResponse))
	assert.Empty(t, pastResponse.Summaries)
}

func TestAccountingEntriesHandler(t *testing.T) {
	server, m := newTestServer(t)
	for i := 1; i <= 3; i++ {
		settleMint(t, m, int64(i*1000))
	}

	w := get(t, server, "/accounting/entries?limit=2&operation=mint")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response EntriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.Entries, 2)
	assert.Equal(t, 2, response.Limit)
	assert.Equal(t, int64(3000), response.Entries[0].Amount)
	assert.Equal(t, fiat.Mint, response.Entries[0].Operation)
	assert.True(t, response.Entries[0].Rate.Equal(decimal.NewFromInt(50000)))

	w = get(t, server, "/accounting/entries?operation=melt")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Empty(t, response.Entries)
	assert.Equal(t, 50, response.Limit)
}

func TestAccountingBadRequests(t *testing.T) {
	server, _ := newTestServer(t)

	paths := []string{
		"/accounting/summary?start=05-10-2024",
		"/accounting/summary?start=2024-05-10&end=2024-05-09",
		"/accounting/entries?operation=swap",
		"/accounting/entries?limit=ten",
		"/accounting/entries?offset=-1",
	}
	for _, path := range paths {
		w := get(t, server, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)

		var errRes cashu.Error
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errRes), path)
		assert.NotEmpty(t, errRes.Detail, path)
	}

	w := get(t, server, "/accounting/summary?start=2024-05-10&end=2024-05-09")
	var errRes cashu.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errRes))
	assert.Equal(t, cashu.InvalidDateRangeErrCode, errRes.Code)
}

func TestNoCrossOriginAccess(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/accounting/entries", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	// preflight requests are not answered
	req = httptest.NewRequest(http.MethodOptions, "/accounting/entries", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w = httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRatesHandler(t *testing.T) {
	server, _ := newTestServer(t)

	w := get(t, server, "/rates")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var response RatesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.Rates, 2)
	assert.Equal(t, "usd", response.Rates[0].Unit)
	assert.Equal(t, "50000", response.Rates[0].Rate)
	// no eur quote upstream and no cross rate to bridge with
	assert.Equal(t, "eur", response.Rates[1].Unit)
	assert.NotEmpty(t, response.Rates[1].Error)
}

func TestParseDateRange(t *testing.T) {
	start, end, err := ParseDateRange("2024-05-10", "2024-05-12")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), *start)
	assert.Equal(t, time.Date(2024, 5, 12, 23, 59, 59, 0, time.UTC), *end)

	start, end, err = ParseDateRange("", "2024-05-12T10:00:00Z")
	require.NoError(t, err)
	assert.Nil(t, start)
	assert.Equal(t, time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC), *end)

	// a single day is a valid range
	_, _, err = ParseDateRange("2024-05-10", "2024-05-10")
	assert.NoError(t, err)

	_, _, err = ParseDateRange("2024-05-11", "2024-05-10")
	assert.ErrorIs(t, err, cashu.InvalidDateRangeErr)

	_, _, err = ParseDateRange("yesterday", "")
	assert.Error(t, err)
}

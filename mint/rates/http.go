package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultPriceAPI = "https://api.coingecko.com/api/v3"
	DefaultForexAPI = "https://api.frankfurter.app"

	breakerErrorThreshold   = 3
	breakerSuccessThreshold = 1
	breakerTimeout          = 30 * time.Second
)

type HTTPConfig struct {
	// base URL of a CoinGecko compatible simple/price API
	PriceAPI string
	// base URL of a Frankfurter compatible forex API
	ForexAPI string
	// requests allowed per second to the upstreams
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// HTTPSource quotes bitcoin prices from a CoinGecko style API and
// fiat cross rates from a Frankfurter style forex API.
type HTTPSource struct {
	priceAPI *url.URL
	forexAPI *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *breaker.Breaker
}

func NewHTTPSource(config HTTPConfig) (*HTTPSource, error) {
	if len(config.PriceAPI) == 0 {
		config.PriceAPI = DefaultPriceAPI
	}
	if len(config.ForexAPI) == 0 {
		config.ForexAPI = DefaultForexAPI
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 1
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	priceAPI, err := url.Parse(config.PriceAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid price api url: %v", err)
	}
	forexAPI, err := url.Parse(config.ForexAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid forex api url: %v", err)
	}

	return &HTTPSource{
		priceAPI: priceAPI,
		forexAPI: forexAPI,
		client:   &http.Client{Timeout: config.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		breaker:  breaker.New(breakerErrorThreshold, breakerSuccessThreshold, breakerTimeout),
	}, nil
}

// BTCPrice implements Source.
// GET /simple/price?ids=bitcoin&vs_currencies=usd
func (s *HTTPSource) BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToLower(currency)

	u := s.priceAPI.JoinPath("simple", "price")
	query := u.Query()
	query.Set("ids", "bitcoin")
	query.Set("vs_currencies", currency)
	u.RawQuery = query.Encode()

	var response map[string]map[string]decimal.Decimal
	if err := s.get(ctx, u, &response); err != nil {
		return decimal.Decimal{}, err
	}

	price, ok := response["bitcoin"][currency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrCurrencyNotSupported, currency)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: btc/%v = %v", ErrMalformedRate, currency, price)
	}

	return price, nil
}

// CrossRate implements Source.
// GET /latest?from=CZK&to=USD
func (s *HTTPSource) CrossRate(ctx context.Context, currency, anchor string) (decimal.Decimal, error) {
	from := strings.ToUpper(currency)
	to := strings.ToUpper(anchor)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	u := s.forexAPI.JoinPath("latest")
	query := u.Query()
	query.Set("from", from)
	query.Set("to", to)
	u.RawQuery = query.Encode()

	var response struct {
		Amount decimal.Decimal            `json:"amount"`
		Base   string                     `json:"base"`
		Rates  map[string]decimal.Decimal `json:"rates"`
	}
	if err := s.get(ctx, u, &response); err != nil {
		return decimal.Decimal{}, err
	}

	crossRate, ok := response.Rates[to]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %v/%v", ErrCurrencyNotSupported, from, to)
	}
	if !crossRate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %v/%v = %v", ErrMalformedRate, from, to, crossRate)
	}
	// quotes are per response.Amount units of the base currency
	if response.Amount.IsPositive() && !response.Amount.Equal(decimal.NewFromInt(1)) {
		crossRate = crossRate.DivRound(response.Amount, bridgePrecision)
	}

	return crossRate, nil
}

// get issues a GET request and decodes the json body into v.
// A 404 or 422 from the upstream means the currency is not supported
// and does not count as a failure for the breaker.
func (s *HTTPSource) get(ctx context.Context, u *url.URL, v any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	notSupported := false
	err := s.breaker.Run(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			notSupported = true
			return nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("unexpected status %d from %v: %s", resp.StatusCode, u.Host, body)
		}

		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedRate, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if notSupported {
		return fmt.Errorf("%w: %v", ErrCurrencyNotSupported, u.Query().Encode())
	}

	return nil
}

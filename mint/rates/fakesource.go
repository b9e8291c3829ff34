package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// FakeSource is an in-memory Source used for testing and
// running the mint without network access.
type FakeSource struct {
	mu         sync.Mutex
	prices     map[string]decimal.Decimal
	crossRates map[string]decimal.Decimal
	failures   map[string]error
	gate       chan struct{}
	priceCalls map[string]int
	crossCalls map[string]int
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		prices:     make(map[string]decimal.Decimal),
		crossRates: make(map[string]decimal.Decimal),
		failures:   make(map[string]error),
		priceCalls: make(map[string]int),
		crossCalls: make(map[string]int),
	}
}

func (fs *FakeSource) SetPrice(currency string, price decimal.Decimal) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	currency = strings.ToLower(currency)
	fs.prices[currency] = price
	delete(fs.failures, currency)
}

func (fs *FakeSource) SetCrossRate(currency, anchor string, crossRate decimal.Decimal) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.crossRates[crossKey(currency, anchor)] = crossRate
}

// SetError makes BTCPrice for currency fail with err.
func (fs *FakeSource) SetError(currency string, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.failures[strings.ToLower(currency)] = err
}

// Hold blocks every BTCPrice call until the returned
// release func is called.
func (fs *FakeSource) Hold() (release func()) {
	gate := make(chan struct{})
	fs.mu.Lock()
	fs.gate = gate
	fs.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			fs.mu.Lock()
			fs.gate = nil
			fs.mu.Unlock()
			close(gate)
		})
	}
}

// PriceCalls returns how many times BTCPrice was called for currency.
func (fs *FakeSource) PriceCalls(currency string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.priceCalls[strings.ToLower(currency)]
}

// CrossCalls returns how many times CrossRate was called for the pair.
func (fs *FakeSource) CrossCalls(currency, anchor string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.crossCalls[crossKey(currency, anchor)]
}

func (fs *FakeSource) BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToLower(currency)

	fs.mu.Lock()
	fs.priceCalls[currency]++
	gate := fs.gate
	fs.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return decimal.Decimal{}, ctx.Err()
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err, ok := fs.failures[currency]; ok {
		return decimal.Decimal{}, err
	}
	price, ok := fs.prices[currency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrCurrencyNotSupported, currency)
	}
	return price, nil
}

func (fs *FakeSource) CrossRate(ctx context.Context, currency, anchor string) (decimal.Decimal, error) {
	key := crossKey(currency, anchor)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.crossCalls[key]++

	crossRate, ok := fs.crossRates[key]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrCurrencyNotSupported, key)
	}
	return crossRate, nil
}

func crossKey(currency, anchor string) string {
	return strings.ToLower(currency) + "/" + strings.ToLower(anchor)
}

// ErrFakeTransient can be passed to SetError to simulate
// a network failure.
var ErrFakeTransient = errors.New("fake source: upstream unavailable")

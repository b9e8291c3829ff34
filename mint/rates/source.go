// Package rates prices bitcoin in the fiat units the mint supports.
// It holds the upstream rate source adapters and the cache that sits
// in front of them.
package rates

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrCurrencyNotSupported is returned by a Source when it cannot quote
// a currency at all, as opposed to a transient failure.
var ErrCurrencyNotSupported = errors.New("currency not supported by rate source")

// ErrMalformedRate is returned when the upstream answered with a
// missing, zero or negative price.
var ErrMalformedRate = errors.New("malformed rate from rate source")

// Source is the upstream price feed.
type Source interface {
	// BTCPrice returns the price of one bitcoin in the major
	// denomination of currency (e.g 50000 for usd).
	BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error)

	// CrossRate returns how many units of anchor one unit
	// of currency is worth.
	CrossRate(ctx context.Context, currency, anchor string) (decimal.Decimal, error)
}

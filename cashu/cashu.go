// Package cashu contains the core structs and errors
// shared by the mint's fiat settlement components.
package cashu

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	BOLT11_METHOD = "bolt11"

	SatCode = "sat"
)

var (
	ErrInvalidUnit   = errors.New("invalid unit")
	ErrDuplicateUnit = errors.New("duplicate unit")
)

// Unit is a currency the mint can denominate ecash in.
// Decimals is the number of minor-unit digits (2 for cents).
type Unit struct {
	Code       string `json:"code"`
	Decimals   uint8  `json:"decimals"`
	FiatBacked bool   `json:"fiat_backed"`
}

// Sat is the Bitcoin-native unit every Lightning settlement happens in.
var Sat = Unit{Code: SatCode, Decimals: 0, FiatBacked: false}

func (unit Unit) String() string {
	return unit.Code
}

// UnitRegistry is the immutable table of supported units.
// It is built once at startup and only read afterwards.
type UnitRegistry struct {
	units map[string]Unit
}

// NewUnitRegistry builds a registry from the given units.
// The sat unit is always present.
func NewUnitRegistry(units ...Unit) (*UnitRegistry, error) {
	registry := &UnitRegistry{units: map[string]Unit{SatCode: Sat}}

	for _, unit := range units {
		code := NormalizeUnitCode(unit.Code)
		if len(code) == 0 {
			return nil, ErrInvalidUnit
		}
		if code == SatCode {
			if unit.FiatBacked {
				return nil, fmt.Errorf("%w: sat cannot be fiat backed", ErrInvalidUnit)
			}
			continue
		}
		if _, ok := registry.units[code]; ok {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateUnit, code)
		}
		unit.Code = code
		registry.units[code] = unit
	}

	return registry, nil
}

// Get returns the unit for code, if registered.
func (r *UnitRegistry) Get(code string) (Unit, bool) {
	unit, ok := r.units[NormalizeUnitCode(code)]
	return unit, ok
}

// Fiat returns the unit for code if it is registered and fiat backed.
func (r *UnitRegistry) Fiat(code string) (Unit, error) {
	unit, ok := r.Get(code)
	if !ok || !unit.FiatBacked {
		return Unit{}, fmt.Errorf("%w: %v", UnitNotSupportedErr, code)
	}
	return unit, nil
}

// FiatUnits returns the fiat backed units sorted by code.
func (r *UnitRegistry) FiatUnits() []Unit {
	units := make([]Unit, 0, len(r.units))
	for _, unit := range r.units {
		if unit.FiatBacked {
			units = append(units, unit)
		}
	}
	sort.Slice(units, func(i, j int) bool {
		return units[i].Code < units[j].Code
	})
	return units
}

// Units returns all registered units sorted by code.
func (r *UnitRegistry) Units() []Unit {
	units := make([]Unit, 0, len(r.units))
	for _, unit := range r.units {
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool {
		return units[i].Code < units[j].Code
	})
	return units
}

func NormalizeUnitCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

type CashuErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// AsError finds the first Error in err's chain, whether
// it was wrapped as a value or as a pointer.
func AsError(err error) (Error, bool) {
	var cashuErr Error
	if errors.As(err, &cashuErr) {
		return cashuErr, true
	}
	var cashuErrPtr *Error
	if errors.As(err, &cashuErrPtr) && cashuErrPtr != nil {
		return *cashuErrPtr, true
	}
	return Error{}, false
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode               CashuErrCode = 1
	LightningBackendErrCode CashuErrCode = 2
	LedgerErrCode           CashuErrCode = 3

	UnitErrCode          CashuErrCode = 11005
	AmountLimitExceeded  CashuErrCode = 11006
	PaymentMethodErrCode CashuErrCode = 11007

	InvalidAmountErrCode    CashuErrCode = 11010
	FeeExceedsAmountErrCode CashuErrCode = 11011
	RateUnavailableErrCode  CashuErrCode = 11012
	InvalidDateRangeErrCode CashuErrCode = 11013

	MeltQuotePendingErrCode     CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode CashuErrCode = 20006
	MeltQuoteErrCode            CashuErrCode = 20009
)

var (
	StandardErr                  = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr                 = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	InvalidAmountErr             = Error{Detail: "invalid amount", Code: InvalidAmountErrCode}
	AmountTooLargeErr            = Error{Detail: "amount exceeds maximum allowed", Code: AmountLimitExceeded}
	FeeExceedsAmountErr          = Error{Detail: "fee exceeds amount", Code: FeeExceedsAmountErrCode}
	RateUnavailableErr           = Error{Detail: "exchange rate unavailable", Code: RateUnavailableErrCode}
	InvalidDateRangeErr          = Error{Detail: "end date is before start date", Code: InvalidDateRangeErrCode}
	LedgerErr                    = Error{Detail: "could not record settlement in ledger", Code: LedgerErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePending                 = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid         = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	InvoiceAmountExceedsQuote    = Error{Detail: "invoice amount is greater than quote payout", Code: MeltQuoteErrCode}
	AmountlessInvoiceErr         = Error{Detail: "amountless invoices are not supported", Code: MeltQuoteErrCode}
	MeltQuoteExpiredErr          = Error{Detail: "quote has expired", Code: MeltQuoteErrCode}
	RateChangedErr               = Error{Detail: "exchange rate has changed, request a new quote", Code: MeltQuoteErrCode}
	PaymentFailedErr             = Error{Detail: "lightning payment failed", Code: MeltQuoteErrCode}
)

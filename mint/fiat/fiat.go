// Package fiat converts amounts denominated in fiat units into the
// satoshi amounts the mint settles over Lightning.
package fiat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint/rates"
	"github.com/shopspring/decimal"
)

const DefaultMaxAmount int64 = 1_000_000_000_000

type Operation string

const (
	Mint Operation = "mint"
	Melt Operation = "melt"
)

func (op Operation) Valid() bool {
	return op == Mint || op == Melt
}

func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("invalid operation '%v'. Must be one of mint, melt", s)
	}
	return op, nil
}

// FeeSchedule holds the fee percentages charged for a unit.
// 1 means 1%.
type FeeSchedule struct {
	MintFeePct decimal.Decimal `json:"mint_fee_pct"`
	MeltFeePct decimal.Decimal `json:"melt_fee_pct"`
}

func (fs FeeSchedule) pct(op Operation) decimal.Decimal {
	if op == Mint {
		return fs.MintFeePct
	}
	return fs.MeltFeePct
}

// ConversionResult is the priced outcome of a mint or melt. Amount and
// FeeAmount are in the minor denomination of Unit.
type ConversionResult struct {
	Unit      string          `json:"unit"`
	Operation Operation       `json:"operation"`
	Amount    int64           `json:"amount"`
	Rate      decimal.Decimal `json:"exchange_rate"`
	FeePct    decimal.Decimal `json:"fee_pct"`
	FeeAmount int64           `json:"fee_amount"`
	SatAmount uint64          `json:"sat_amount"`
}

type RateProvider interface {
	GetRate(ctx context.Context, unit string) (rates.RateEntry, error)
}

type Engine struct {
	registry  *cashu.UnitRegistry
	fees      map[string]FeeSchedule
	rates     RateProvider
	maxAmount int64
}

func NewEngine(
	registry *cashu.UnitRegistry,
	fees map[string]FeeSchedule,
	rateProvider RateProvider,
	maxAmount int64,
) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("unit registry cannot be nil")
	}
	if rateProvider == nil {
		return nil, errors.New("rate provider cannot be nil")
	}
	if maxAmount <= 0 {
		maxAmount = DefaultMaxAmount
	}

	schedules := make(map[string]FeeSchedule, len(fees))
	for code, schedule := range fees {
		code = cashu.NormalizeUnitCode(code)
		if _, err := registry.Fiat(code); err != nil {
			return nil, fmt.Errorf("fee schedule for unit '%v': %w", code, err)
		}
		if schedule.MintFeePct.IsNegative() || schedule.MeltFeePct.IsNegative() {
			return nil, fmt.Errorf("fee percentages for unit '%v' cannot be negative", code)
		}
		schedules[code] = schedule
	}

	return &Engine{
		registry:  registry,
		fees:      schedules,
		rates:     rateProvider,
		maxAmount: maxAmount,
	}, nil
}

// Fees returns the fee schedule for unit. Units without
// a configured schedule charge no fees.
func (e *Engine) Fees(unit string) FeeSchedule {
	return e.fees[cashu.NormalizeUnitCode(unit)]
}

func (e *Engine) MaxAmount() int64 {
	return e.maxAmount
}

// PriceMint prices a request to mint amount (minor units) of unit.
// The fee is added on top and the satoshi amount is rounded up.
func (e *Engine) PriceMint(ctx context.Context, unit string, amount int64) (ConversionResult, error) {
	return e.price(ctx, Mint, unit, amount)
}

// PriceMelt prices a request to melt amount (minor units) of unit.
// The fee is taken out of the amount and the satoshi payout is rounded down.
func (e *Engine) PriceMelt(ctx context.Context, unit string, amount int64) (ConversionResult, error) {
	return e.price(ctx, Melt, unit, amount)
}

func (e *Engine) price(ctx context.Context, op Operation, unitCode string, amount int64) (ConversionResult, error) {
	unit, err := e.registry.Fiat(unitCode)
	if err != nil {
		return ConversionResult{}, err
	}

	if amount < 0 {
		return ConversionResult{}, fmt.Errorf("%w: %v", cashu.InvalidAmountErr, amount)
	}
	if amount > e.maxAmount {
		return ConversionResult{}, fmt.Errorf("%w: %v > %v", cashu.AmountTooLargeErr, amount, e.maxAmount)
	}

	entry, err := e.rates.GetRate(ctx, unit.Code)
	if err != nil {
		if errors.Is(err, cashu.RateUnavailableErr) || errors.Is(err, cashu.UnitNotSupportedErr) {
			return ConversionResult{}, err
		}
		return ConversionResult{}, fmt.Errorf("%w: %v", cashu.RateUnavailableErr, err)
	}
	if !entry.Rate.IsPositive() {
		return ConversionResult{}, fmt.Errorf("%w: non positive rate %v", cashu.RateUnavailableErr, entry.Rate)
	}

	feePct := e.Fees(unit.Code).pct(op)
	amountDec := decimal.NewFromInt(amount)
	feeDec := ceilQuo(amountDec.Mul(feePct), decimal.NewFromInt(100))

	var (
		net       decimal.Decimal
		satAmount decimal.Decimal
	)
	if op == Mint {
		if feeDec.GreaterThan(decimal.NewFromInt(math.MaxInt64 - amount)) {
			return ConversionResult{}, fmt.Errorf("%w: fee %v on %v", cashu.AmountTooLargeErr, feeDec, amount)
		}
		net = amountDec.Add(feeDec)
		satAmount = ceilQuo(toSatNumerator(net), scaledRate(entry.Rate, unit))
	} else {
		net = amountDec.Sub(feeDec)
		if net.IsNegative() {
			return ConversionResult{}, fmt.Errorf("%w: fee %v on %v %v",
				cashu.FeeExceedsAmountErr, feeDec, amount, unit.Code)
		}
		satAmount = floorQuo(toSatNumerator(net), scaledRate(entry.Rate, unit))
	}

	sats := satAmount.BigInt()
	if !sats.IsUint64() {
		return ConversionResult{}, fmt.Errorf("%w: %v sats", cashu.AmountTooLargeErr, satAmount)
	}

	return ConversionResult{
		Unit:      unit.Code,
		Operation: op,
		Amount:    amount,
		Rate:      entry.Rate,
		FeePct:    feePct,
		FeeAmount: feeDec.IntPart(),
		SatAmount: sats.Uint64(),
	}, nil
}

// SatToFiat expresses sats in minor units of unit at rate, rounding up.
// Used to show Lightning fee reserves in the quote's unit.
func (e *Engine) SatToFiat(unitCode string, sats uint64, rate decimal.Decimal) (int64, error) {
	unit, err := e.registry.Fiat(unitCode)
	if err != nil {
		return 0, err
	}
	if !rate.IsPositive() {
		return 0, fmt.Errorf("%w: non positive rate %v", cashu.RateUnavailableErr, rate)
	}

	satsDec := decimal.NewFromBigInt(new(big.Int).SetUint64(sats), 0)
	minor := ceilQuo(satsDec.Mul(scaledRate(rate, unit)), decimal.NewFromInt(btcutil.SatoshiPerBitcoin))
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %v sats", cashu.AmountTooLargeErr, sats)
	}
	return minor.IntPart(), nil
}

// price of one bitcoin in minor units
func scaledRate(rate decimal.Decimal, unit cashu.Unit) decimal.Decimal {
	return rate.Shift(int32(unit.Decimals))
}

func toSatNumerator(minor decimal.Decimal) decimal.Decimal {
	return minor.Mul(decimal.NewFromInt(btcutil.SatoshiPerBitcoin))
}

// floorQuo and ceilQuo assume non-negative operands.
func floorQuo(d, d2 decimal.Decimal) decimal.Decimal {
	q, _ := d.QuoRem(d2, 0)
	return q
}

func ceilQuo(d, d2 decimal.Decimal) decimal.Decimal {
	q, r := d.QuoRem(d2, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

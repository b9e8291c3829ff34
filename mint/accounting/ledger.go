// Package accounting keeps the append-only record of every settled fiat
// conversion and answers reconciliation queries over it.
package accounting

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/storage"
)

var ErrSettlementNotConfirmed = errors.New("settlement was not confirmed")

// Settlement is the outcome of the Lightning payment that
// moved the sats for a conversion.
type Settlement struct {
	Confirmed bool
	// payment hash of the settled payment
	Reference string
}

type Ledger struct {
	db     storage.MintDB
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(db storage.MintDB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ledger{db: db, logger: logger, now: time.Now}
}

// Record persists the conversion as a new ledger entry. It must be called
// once per confirmed settlement; identical conversions are distinct entries.
func (l *Ledger) Record(conversion fiat.ConversionResult, settlement Settlement) (storage.LedgerEntry, error) {
	if !settlement.Confirmed {
		return storage.LedgerEntry{}, ErrSettlementNotConfirmed
	}
	if !conversion.Operation.Valid() {
		return storage.LedgerEntry{}, fmt.Errorf("%w: invalid operation '%v'", cashu.LedgerErr, conversion.Operation)
	}

	entry, err := l.db.RecordLedgerEntry(storage.LedgerEntry{
		ConversionResult: conversion,
		Reference:        settlement.Reference,
		CreatedAt:        l.now(),
	})
	if err != nil {
		// sats already moved so this leaves a gap to reconcile by hand
		l.logger.Error("could not record settled conversion in ledger",
			slog.String("unit", conversion.Unit),
			slog.String("operation", string(conversion.Operation)),
			slog.Int64("amount", conversion.Amount),
			slog.Int64("fee_amount", conversion.FeeAmount),
			slog.Uint64("sat_amount", conversion.SatAmount),
			slog.String("exchange_rate", conversion.Rate.String()),
			slog.String("reference", settlement.Reference),
			slog.Any("error", err),
		)
		return storage.LedgerEntry{}, fmt.Errorf("%w: %v", cashu.LedgerErr, err)
	}

	l.logger.Debug("recorded ledger entry",
		slog.Int64("id", entry.Id),
		slog.String("unit", entry.Unit),
		slog.String("operation", string(entry.Operation)),
		slog.Int64("amount", entry.Amount),
		slog.Uint64("sat_amount", entry.SatAmount),
	)

	return entry, nil
}

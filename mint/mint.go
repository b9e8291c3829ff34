package mint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut04"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut05"
	"github.com/elnosh/fiatnuts/mint/accounting"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/lightning"
	"github.com/elnosh/fiatnuts/mint/rates"
	"github.com/elnosh/fiatnuts/mint/storage"
	"github.com/elnosh/fiatnuts/mint/storage/sqlite"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	QuoteExpiryMins = 10

	defaultMeltTimeout = time.Minute
)

type Mint struct {
	db          storage.MintDB
	units       *cashu.UnitRegistry
	rates       *rates.Cache
	rateTTL     time.Duration
	engine      *fiat.Engine
	ledger      *accounting.Ledger
	router      *BackendRouter
	logger      *slog.Logger
	meltTimeout time.Duration
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		var err error
		path, err = mintPath()
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		db.Close()
		return nil, err
	}

	mint, err := newMint(db, config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return mint, nil
}

func newMint(db storage.MintDB, config Config, logger *slog.Logger) (*Mint, error) {
	registry, err := config.Fiat.Registry()
	if err != nil {
		return nil, fmt.Errorf("invalid units: %v", err)
	}
	fiatUnits := config.Fiat.FiatUnitCodes()

	if config.RateSource == nil {
		return nil, errors.New("rate source cannot be nil")
	}
	cache, err := rates.NewCache(
		config.RateSource,
		fiatUnits,
		config.Fiat.Anchor,
		rates.WithTTL(config.Fiat.RateTTL),
		rates.WithFetchTimeout(config.Fiat.FetchTimeout),
		rates.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	engine, err := fiat.NewEngine(registry, config.Fiat.Fees, cache, config.Fiat.MaxAmount)
	if err != nil {
		return nil, err
	}

	router, err := NewBackendRouter(
		config.LightningBackends,
		config.Fiat.SatBackend,
		config.Fiat.FiatBackend,
		fiatUnits,
	)
	if err != nil {
		return nil, err
	}

	mint := &Mint{
		db:      db,
		units:   registry,
		rates:   cache,
		rateTTL: config.Fiat.RateTTL,
		engine:  engine,
		ledger:  accounting.NewLedger(db, logger),
		router:  router,
		logger:  logger,
	}
	if mint.rateTTL <= 0 {
		mint.rateTTL = rates.DefaultTTL
	}
	mint.meltTimeout = defaultMeltTimeout
	if config.MeltTimeout != nil {
		mint.meltTimeout = *config.MeltTimeout
	}

	for _, route := range router.Routes() {
		mint.logInfof("unit '%v' settles through lightning backend '%v'", route.Unit, route.Backend)
	}

	return mint, nil
}

// mintPath returns the mint's path
// at $HOME/.fiatnuts/mint
func mintPath() (string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	path := filepath.Join(homedir, ".fiatnuts", "mint")
	if err := os.MkdirAll(path, 0700); err != nil {
		return "", err
	}
	return path, nil
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, error) {
	if logLevel == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}

	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
			source.Function = filepath.Base(source.Function)
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	level := slog.LevelInfo
	if logLevel == Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})
	return slog.New(handler), nil
}

// RequestMintQuote prices amount of unit and returns an unpaid quote
// holding the Lightning invoice the user has to pay.
func (m *Mint) RequestMintQuote(ctx context.Context, method, unit string, amount int64) (storage.MintQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	conversion, err := m.engine.PriceMint(ctx, unit, amount)
	if err != nil {
		return storage.MintQuote{}, err
	}
	if conversion.SatAmount == 0 {
		return storage.MintQuote{}, fmt.Errorf("%w: %v %v is less than 1 sat", cashu.InvalidAmountErr, amount, unit)
	}

	backend, client, err := m.router.Route(conversion.Unit)
	if err != nil {
		return storage.MintQuote{}, err
	}

	invoice, err := client.CreateInvoice(conversion.SatAmount)
	if err != nil {
		errmsg := fmt.Sprintf("could not generate invoice from backend '%v': %v", backend, err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}

	quote := storage.MintQuote{
		Id:             uuid.NewString(),
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.PaymentHash,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
		Conversion:     conversion,
	}
	if err := m.db.SaveMintQuote(quote); err != nil {
		errmsg := fmt.Sprintf("error saving mint quote to db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	m.logInfof("created mint quote '%v' for %v %v (fee %v) at rate %v: %v sats",
		quote.Id, conversion.Amount, conversion.Unit, conversion.FeeAmount, conversion.Rate, conversion.SatAmount)

	return quote, nil
}

// GetMintQuoteState returns the state of a mint quote. The first call
// that observes the invoice settled marks the quote paid and records
// the conversion in the ledger.
func (m *Mint) GetMintQuoteState(ctx context.Context, method, quoteId string) (storage.MintQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.getMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, err
	}
	if quote.State != nut04.Unpaid {
		return quote, nil
	}

	backend, client, err := m.router.Route(quote.Conversion.Unit)
	if err != nil {
		return storage.MintQuote{}, err
	}
	invoice, err := client.InvoiceStatus(quote.PaymentHash)
	if err != nil {
		errmsg := fmt.Sprintf("error getting invoice status from backend '%v': %v", backend, err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
	}
	if !invoice.Settled {
		return quote, nil
	}

	if err := m.db.UpdateMintQuoteState(quote.Id, nut04.Unpaid, nut04.Paid); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			// a concurrent request saw the payment first and recorded it
			return m.getMintQuote(quote.Id)
		}
		errmsg := fmt.Sprintf("error updating mint quote state in db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	quote.State = nut04.Paid
	m.logInfof("mint quote '%v' is PAID", quote.Id)

	settlement := accounting.Settlement{Confirmed: true, Reference: quote.PaymentHash}
	if _, err := m.ledger.Record(quote.Conversion, settlement); err != nil {
		return quote, err
	}

	return quote, nil
}

func (m *Mint) getMintQuote(quoteId string) (storage.MintQuote, error) {
	quote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		errmsg := fmt.Sprintf("error getting mint quote from db: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	return quote, nil
}

// RequestMeltQuote prices redeeming amount of unit for a Lightning payout.
// The Lightning fee reserve comes out of the payout, so the invoice paid
// with the quote can be at most SatAmount - FeeReserve.
func (m *Mint) RequestMeltQuote(ctx context.Context, method, unit string, amount int64) (storage.MeltQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	conversion, err := m.engine.PriceMelt(ctx, unit, amount)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	_, client, err := m.router.Route(conversion.Unit)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	feeReserve := client.FeeReserve(conversion.SatAmount)
	if conversion.SatAmount <= feeReserve {
		return storage.MeltQuote{}, fmt.Errorf("%w: payout of %v sats does not cover fee reserve of %v sats",
			cashu.FeeExceedsAmountErr, conversion.SatAmount, feeReserve)
	}

	quote := storage.MeltQuote{
		Id:         uuid.NewString(),
		FeeReserve: feeReserve,
		State:      nut05.Unpaid,
		Expiry:     uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
		Conversion: conversion,
	}
	if err := m.db.SaveMeltQuote(quote); err != nil {
		errmsg := fmt.Sprintf("error saving melt quote to db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}

	m.logInfof("created melt quote '%v' for %v %v (fee %v) at rate %v: payout of %v sats with fee reserve of %v",
		quote.Id, conversion.Amount, conversion.Unit, conversion.FeeAmount, conversion.Rate, conversion.SatAmount, feeReserve)

	return quote, nil
}

// FeeReserveFiat expresses the quote's Lightning fee reserve in its unit.
func (m *Mint) FeeReserveFiat(quote storage.MeltQuote) (int64, error) {
	return m.engine.SatToFiat(quote.Conversion.Unit, quote.FeeReserve, quote.Conversion.Rate)
}

// MeltTokens pays request with the payout of the melt quote.
// A failed payment puts the quote back to unpaid so it can be
// used again, a payment in flight leaves it pending.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId, request string) (storage.MeltQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	switch quote.State {
	case nut05.Pending:
		return storage.MeltQuote{}, cashu.QuotePending
	case nut05.Paid:
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	}
	if uint64(time.Now().Unix()) > quote.Expiry {
		return storage.MeltQuote{}, cashu.MeltQuoteExpiredErr
	}

	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("invalid invoice: %v", err), cashu.MeltQuoteErrCode)
	}
	if bolt11.MSatoshi <= 0 {
		return storage.MeltQuote{}, cashu.AmountlessInvoiceErr
	}
	invoiceSats := uint64((bolt11.MSatoshi + 999) / 1000)
	payable := quote.Conversion.SatAmount - quote.FeeReserve
	if invoiceSats > payable {
		return storage.MeltQuote{}, fmt.Errorf("%w: invoice is for %v sats but quote pays out at most %v",
			cashu.InvoiceAmountExceedsQuote, invoiceSats, payable)
	}

	// the quote's sat payout must still be covered at the current rate
	current, err := m.engine.PriceMelt(ctx, quote.Conversion.Unit, quote.Conversion.Amount)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if current.SatAmount < invoiceSats+quote.FeeReserve {
		m.logInfof("rejecting melt for quote '%v': payout at current rate %v is %v sats, invoice needs %v",
			quote.Id, current.Rate, current.SatAmount, invoiceSats+quote.FeeReserve)
		return storage.MeltQuote{}, cashu.RateChangedErr
	}

	backend, client, err := m.router.Route(quote.Conversion.Unit)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	if err := m.db.SetMeltQuotePending(quote.Id, request, bolt11.PaymentHash); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return storage.MeltQuote{}, cashu.QuotePending
		}
		errmsg := fmt.Sprintf("error updating melt quote state in db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	quote.State = nut05.Pending
	quote.InvoiceRequest = request
	quote.PaymentHash = bolt11.PaymentHash

	ctx, cancel := context.WithTimeout(ctx, m.meltTimeout)
	defer cancel()

	m.logInfof("attempting to pay invoice '%v' of %v sats for melt quote '%v' through backend '%v'",
		bolt11.PaymentHash, invoiceSats, quote.Id, backend)

	payment, err := client.SendPayment(ctx, request, quote.FeeReserve)
	if err != nil {
		m.logErrorf("error sending payment for melt quote '%v': %v", quote.Id, err)
		if payment.PaymentStatus == lightning.Succeeded {
			payment.PaymentStatus = lightning.Pending
		}
	}

	return m.settleMelt(quote, payment)
}

// CheckMeltQuoteState returns the state of a melt quote. A pending quote
// is settled here once the backend knows the outcome of its payment.
func (m *Mint) CheckMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	quote, err := m.getMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	if quote.State != nut05.Pending {
		return quote, nil
	}

	backend, client, err := m.router.Route(quote.Conversion.Unit)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	payment, err := client.OutgoingPaymentStatus(ctx, quote.PaymentHash)
	if err != nil {
		if errors.Is(err, lightning.OutgoingPaymentNotFound) {
			// the payment never reached the backend
			payment = lightning.PaymentStatus{PaymentStatus: lightning.Failed}
		} else {
			errmsg := fmt.Sprintf("error getting payment status from backend '%v': %v", backend, err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.LightningBackendErrCode)
		}
	}

	return m.settleMelt(quote, payment)
}

// settleMelt applies the outcome of a payment to a pending melt quote.
func (m *Mint) settleMelt(quote storage.MeltQuote, payment lightning.PaymentStatus) (storage.MeltQuote, error) {
	switch payment.PaymentStatus {
	case lightning.Succeeded:
		if err := m.db.UpdateMeltQuote(quote.Id, payment.Preimage, nut05.Pending, nut05.Paid); err != nil {
			if errors.Is(err, storage.ErrStateConflict) {
				return m.getMeltQuote(quote.Id)
			}
			// the sats are gone so the quote must not go back to unpaid
			m.logErrorf("could not mark melt quote '%v' as PAID after payment %v: %v", quote.Id, quote.PaymentHash, err)
			errmsg := fmt.Sprintf("error updating melt quote state in db: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		quote.State = nut05.Paid
		quote.Preimage = payment.Preimage
		m.logInfof("melt quote '%v' is PAID", quote.Id)

		settlement := accounting.Settlement{Confirmed: true, Reference: quote.PaymentHash}
		if _, err := m.ledger.Record(quote.Conversion, settlement); err != nil {
			return quote, err
		}
		return quote, nil

	case lightning.Failed:
		if err := m.db.UpdateMeltQuote(quote.Id, "", nut05.Pending, nut05.Unpaid); err != nil {
			if errors.Is(err, storage.ErrStateConflict) {
				return m.getMeltQuote(quote.Id)
			}
			errmsg := fmt.Sprintf("error updating melt quote state in db: %v", err)
			return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
		}
		m.logInfof("payment for melt quote '%v' failed. Quote is UNPAID again", quote.Id)
		return storage.MeltQuote{}, cashu.PaymentFailedErr

	default:
		m.logInfof("payment for melt quote '%v' is pending", quote.Id)
		return quote, nil
	}
}

func (m *Mint) getMeltQuote(quoteId string) (storage.MeltQuote, error) {
	quote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		errmsg := fmt.Sprintf("error getting melt quote from db: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(errmsg, cashu.DBErrCode)
	}
	return quote, nil
}

func (m *Mint) AccountingSummary(unit string, start, end *time.Time) (map[string]accounting.Summary, error) {
	return m.ledger.Summarize(unit, start, end)
}

func (m *Mint) AccountingEntries(filter storage.LedgerFilter) ([]storage.LedgerEntry, error) {
	return m.ledger.ListEntries(filter)
}

type RateInfo struct {
	Unit      string    `json:"unit"`
	Rate      string    `json:"rate"`
	Source    string    `json:"source"`
	Anchor    string    `json:"anchor,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
	Error     string    `json:"error,omitempty"`
}

// Rates reports the current rate of every fiat unit and the anchor.
// It tolerates stale entries and never fails as a whole.
func (m *Mint) Rates(ctx context.Context) []RateInfo {
	codes := []string{m.rates.Anchor()}
	for _, unit := range m.units.FiatUnits() {
		if unit.Code != m.rates.Anchor() {
			codes = append(codes, unit.Code)
		}
	}

	infos := make([]RateInfo, 0, len(codes))
	for _, code := range codes {
		entry, err := m.rates.GetRateAllowStale(ctx, code)
		if err != nil {
			m.logDebugf("no rate to report for '%v': %v", code, err)
			infos = append(infos, RateInfo{Unit: code, Error: err.Error()})
			continue
		}
		infos = append(infos, RateInfo{
			Unit:      entry.Unit,
			Rate:      entry.Rate.String(),
			Source:    entry.Source.String(),
			Anchor:    entry.Anchor,
			FetchedAt: entry.FetchedAt,
			Stale:     time.Since(entry.FetchedAt) >= m.rateTTL,
		})
	}
	return infos
}

func (m *Mint) Routes() []Route {
	return m.router.Routes()
}

func (m *Mint) Shutdown() {
	m.db.Close()
}

func (m *Mint) logInfof(format string, args ...any) {
	m.log(slog.LevelInfo, format, args...)
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.log(slog.LevelError, format, args...)
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.log(slog.LevelDebug, format, args...)
}

// log keeps the caller of the helper as the record's source.
func (m *Mint) log(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !m.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(ctx, record)
}

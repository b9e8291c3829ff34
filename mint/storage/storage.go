package storage

import (
	"errors"
	"time"

	"github.com/elnosh/fiatnuts/cashu/nuts/nut04"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut05"
	"github.com/elnosh/fiatnuts/mint/fiat"
)

// ErrStateConflict is returned by conditional quote updates when the
// quote is no longer in the expected state.
var ErrStateConflict = errors.New("quote is not in the expected state")

type MintDB interface {
	SaveMintQuote(MintQuote) error
	GetMintQuote(string) (MintQuote, error)
	// UpdateMintQuoteState moves the quote from one state to another.
	// Only one concurrent caller can win a given transition.
	UpdateMintQuoteState(quoteId string, from, to nut04.State) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(string) (MeltQuote, error)
	// SetMeltQuotePending attaches the invoice being paid to an
	// unpaid melt quote and marks it pending.
	SetMeltQuotePending(quoteId, request, paymentHash string) error
	UpdateMeltQuote(quoteId, preimage string, from, to nut05.State) error

	// RecordLedgerEntry appends an entry to the ledger. The entry is either
	// fully persisted and returned with its id and timestamp, or not at all.
	RecordLedgerEntry(LedgerEntry) (LedgerEntry, error)
	LedgerEntries(LedgerFilter) ([]LedgerEntry, error)
	LedgerTotals(LedgerFilter) ([]LedgerTotal, error)

	Close()
}

type MintQuote struct {
	Id             string
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
	// priced at quote creation and recorded as is once paid
	Conversion fiat.ConversionResult
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	// fee reserve for the lightning payment, in sats
	FeeReserve uint64
	State      nut05.State
	Expiry     uint64
	Preimage   string
	Conversion fiat.ConversionResult
}

type LedgerEntry struct {
	Id int64 `json:"id"`
	fiat.ConversionResult
	// payment hash of the settled lightning payment
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerFilter selects ledger entries. Zero values match everything.
// Start and End are inclusive.
type LedgerFilter struct {
	Unit      string
	Operation fiat.Operation
	Start     *time.Time
	End       *time.Time
	Limit     int
	Offset    int
}

// LedgerTotal aggregates the entries for one unit and operation.
type LedgerTotal struct {
	Unit      string
	Operation fiat.Operation
	Amount    int64
	FeeAmount int64
	SatAmount uint64
	Count     int64
}

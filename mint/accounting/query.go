package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/storage"
)

const (
	DefaultEntriesLimit = 50
	MaxEntriesLimit     = 1000
)

// Summary aggregates the ledger entries of one unit. Amounts
// are in the unit's minor denomination.
type Summary struct {
	Unit      string `json:"unit"`
	Minted    int64  `json:"minted"`
	Melted    int64  `json:"melted"`
	Net       int64  `json:"net"`
	MintFees  int64  `json:"mint_fees"`
	MeltFees  int64  `json:"melt_fees"`
	TotalFees int64  `json:"total_fees"`
	MintCount int64  `json:"mint_count"`
	MeltCount int64  `json:"melt_count"`
	SatsIn    uint64 `json:"sats_in"`
	SatsOut   uint64 `json:"sats_out"`
}

// Summarize groups the entries matching the filters by unit. An empty
// unit or nil bound matches every entry; bounds are inclusive.
func (l *Ledger) Summarize(unit string, start, end *time.Time) (map[string]Summary, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	totals, err := l.db.LedgerTotals(storage.LedgerFilter{
		Unit:  cashu.NormalizeUnitCode(unit),
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, fmt.Errorf("could not read ledger totals: %w", err)
	}

	summaries := make(map[string]Summary)
	for _, total := range totals {
		summary := summaries[total.Unit]
		summary.Unit = total.Unit

		switch total.Operation {
		case fiat.Mint:
			summary.Minted += total.Amount
			summary.MintFees += total.FeeAmount
			summary.MintCount += total.Count
			summary.SatsIn += total.SatAmount
		case fiat.Melt:
			summary.Melted += total.Amount
			summary.MeltFees += total.FeeAmount
			summary.MeltCount += total.Count
			summary.SatsOut += total.SatAmount
		}

		summary.Net = summary.Minted - summary.Melted
		summary.TotalFees = summary.MintFees + summary.MeltFees
		summaries[total.Unit] = summary
	}

	return summaries, nil
}

// ListEntries returns the entries matching filter, newest first.
func (l *Ledger) ListEntries(filter storage.LedgerFilter) ([]storage.LedgerEntry, error) {
	if err := validateRange(filter.Start, filter.End); err != nil {
		return nil, err
	}
	if len(filter.Operation) > 0 && !filter.Operation.Valid() {
		return nil, fmt.Errorf("invalid operation '%v'. Must be one of mint, melt", filter.Operation)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, errors.New("limit and offset cannot be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultEntriesLimit
	}
	if filter.Limit > MaxEntriesLimit {
		filter.Limit = MaxEntriesLimit
	}
	filter.Unit = cashu.NormalizeUnitCode(filter.Unit)

	entries, err := l.db.LedgerEntries(filter)
	if err != nil {
		return nil, fmt.Errorf("could not read ledger entries: %w", err)
	}
	return entries, nil
}

func validateRange(start, end *time.Time) error {
	if start != nil && end != nil && end.Before(*start) {
		return fmt.Errorf("%w: %v < %v", cashu.InvalidDateRangeErr,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

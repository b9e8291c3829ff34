package accounting

import (
	"testing"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLedger(t *testing.T, ledger *Ledger, base time.Time) {
	t.Helper()
	records := []struct {
		conversion fiat.ConversionResult
		at         time.Time
	}{
		{conversion("usd", fiat.Mint, 10000, 100, 202000), base},
		{conversion("usd", fiat.Melt, 10000, 100, 198000), base.Add(2 * time.Hour)},
		{conversion("usd", fiat.Mint, 500, 5, 10100), base.Add(24 * time.Hour)},
		{conversion("eur", fiat.Mint, 2000, 10, 43000), base.Add(26 * time.Hour)},
		{conversion("eur", fiat.Melt, 700, 4, 14900), base.Add(72 * time.Hour)},
	}

	for _, record := range records {
		at := record.at
		ledger.now = func() time.Time { return at }
		_, err := ledger.Record(record.conversion, confirmed)
		require.NoError(t, err)
	}
	ledger.now = time.Now
}

func TestSummarize(t *testing.T) {
	ledger := newTestLedger(t)
	base := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	seedLedger(t, ledger, base)

	summaries, err := ledger.Summarize("", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]Summary{
		"usd": {
			Unit: "usd", Minted: 10500, Melted: 10000, Net: 500,
			MintFees: 105, MeltFees: 100, TotalFees: 205,
			MintCount: 2, MeltCount: 1,
			SatsIn: 212100, SatsOut: 198000,
		},
		"eur": {
			Unit: "eur", Minted: 2000, Melted: 700, Net: 1300,
			MintFees: 10, MeltFees: 4, TotalFees: 14,
			MintCount: 1, MeltCount: 1,
			SatsIn: 43000, SatsOut: 14900,
		},
	}, summaries)

	// inclusive bounds
	start := base.Add(2 * time.Hour)
	end := base.Add(26 * time.Hour)
	summaries, err = ledger.Summarize("", &start, &end)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summaries["usd"].MintCount)
	assert.Equal(t, int64(1), summaries["usd"].MeltCount)
	assert.Equal(t, int64(1), summaries["eur"].MintCount)
	assert.Equal(t, int64(0), summaries["eur"].MeltCount)

	summaries, err = ledger.Summarize("EUR", nil, &end)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(2000), summaries["eur"].Minted)

	summaries, err = ledger.Summarize("gbp", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestListEntries(t *testing.T) {
	ledger := newTestLedger(t)
	base := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	seedLedger(t, ledger, base)

	entries, err := ledger.ListEntries(storage.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i-1].Id, entries[i].Id, "entries are not newest first")
	}
	assert.Equal(t, base.Add(72*time.Hour).Unix(), entries[0].CreatedAt.Unix())

	entries, err = ledger.ListEntries(storage.LedgerFilter{Unit: "usd", Operation: fiat.Mint})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, "usd", entry.Unit)
		assert.Equal(t, fiat.Mint, entry.Operation)
	}

	entries, err = ledger.ListEntries(storage.LedgerFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(500), entries[0].Amount)
	assert.Equal(t, int64(10000), entries[1].Amount)
}

func TestQueriesAreRepeatable(t *testing.T) {
	ledger := newTestLedger(t)
	seedLedger(t, ledger, time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC))

	filter := storage.LedgerFilter{Unit: "usd", Limit: 10}
	first, err := ledger.ListEntries(filter)
	require.NoError(t, err)
	second, err := ledger.ListEntries(filter)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	firstSummary, err := ledger.Summarize("", nil, nil)
	require.NoError(t, err)
	secondSummary, err := ledger.Summarize("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, firstSummary, secondSummary)
}

func TestInvalidQueries(t *testing.T) {
	ledger := newTestLedger(t)

	start := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Second)

	_, err := ledger.Summarize("", &start, &end)
	assert.ErrorIs(t, err, cashu.InvalidDateRangeErr)

	_, err = ledger.ListEntries(storage.LedgerFilter{Start: &start, End: &end})
	assert.ErrorIs(t, err, cashu.InvalidDateRangeErr)

	_, err = ledger.ListEntries(storage.LedgerFilter{Operation: fiat.Operation("swap")})
	assert.Error(t, err)

	_, err = ledger.ListEntries(storage.LedgerFilter{Limit: -1})
	assert.Error(t, err)

	// equal bounds are a valid range
	_, err = ledger.Summarize("", &start, &start)
	assert.NoError(t, err)
}

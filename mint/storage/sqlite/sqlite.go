package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/elnosh/fiatnuts/cashu/nuts/nut04"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut05"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db  *sql.DB
	now func() time.Time
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error running migrations: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db, now: time.Now}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (sqlite *SQLiteDB) Close() {
	sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	conversion := mintQuote.Conversion
	_, err := sqlite.db.Exec(`
		INSERT INTO mint_quotes
		(id, payment_request, payment_hash, state, expiry, unit, amount, exchange_rate, fee_pct, fee_amount, sat_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.State.String(),
		mintQuote.Expiry,
		conversion.Unit,
		conversion.Amount,
		conversion.Rate.String(),
		conversion.FeePct.String(),
		conversion.FeeAmount,
		conversion.SatAmount,
	)

	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(`
		SELECT id, payment_request, payment_hash, state, expiry, unit, amount, exchange_rate, fee_pct, fee_amount, sat_amount
		FROM mint_quotes WHERE id = ?`, quoteId)

	var mintQuote storage.MintQuote
	var state, rate, feePct string
	conversion := &mintQuote.Conversion

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&state,
		&mintQuote.Expiry,
		&conversion.Unit,
		&conversion.Amount,
		&rate,
		&feePct,
		&conversion.FeeAmount,
		&conversion.SatAmount,
	)
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)
	conversion.Operation = fiat.Mint
	if err := parseDecimals(conversion, rate, feePct); err != nil {
		return storage.MintQuote{}, err
	}

	return mintQuote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("mint quote was not updated: %w", storage.ErrStateConflict)
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	conversion := meltQuote.Conversion
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, fee_reserve, state, expiry, preimage, unit, amount, exchange_rate, fee_pct, fee_amount, sat_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		conversion.Unit,
		conversion.Amount,
		conversion.Rate.String(),
		conversion.FeePct.String(),
		conversion.FeeAmount,
		conversion.SatAmount,
	)

	return err
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(`
		SELECT id, request, payment_hash, fee_reserve, state, expiry, preimage, unit, amount, exchange_rate, fee_pct, fee_amount, sat_amount
		FROM melt_quotes WHERE id = ?`, quoteId)

	var meltQuote storage.MeltQuote
	var state, rate, feePct string
	conversion := &meltQuote.Conversion

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
		&conversion.Unit,
		&conversion.Amount,
		&rate,
		&feePct,
		&conversion.FeeAmount,
		&conversion.SatAmount,
	)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)
	conversion.Operation = fiat.Melt
	if err := parseDecimals(conversion, rate, feePct); err != nil {
		return storage.MeltQuote{}, err
	}

	return meltQuote, nil
}

func (sqlite *SQLiteDB) SetMeltQuotePending(quoteId, request, paymentHash string) error {
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, request = ?, payment_hash = ? WHERE id = ? AND state = ?",
		nut05.Pending.String(), request, paymentHash, quoteId, nut05.Unpaid.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("melt quote was not updated: %w", storage.ErrStateConflict)
	}
	return nil
}

func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId, preimage string, from, to nut05.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ? AND state = ?",
		to.String(), preimage, quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("melt quote was not updated: %w", storage.ErrStateConflict)
	}
	return nil
}

func (sqlite *SQLiteDB) RecordLedgerEntry(entry storage.LedgerEntry) (storage.LedgerEntry, error) {
	if !entry.Operation.Valid() {
		return storage.LedgerEntry{}, fmt.Errorf("invalid operation '%v'", entry.Operation)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = sqlite.now()
	}
	entry.CreatedAt = entry.CreatedAt.Truncate(time.Second)

	ctx := context.Background()
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.LedgerEntry{}, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO fiat_accounting
		(unit, amount, operation, exchange_rate, sat_amount, fee_pct, fee_amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Unit,
		entry.Amount,
		string(entry.Operation),
		entry.Rate.String(),
		entry.SatAmount,
		entry.FeePct.String(),
		entry.FeeAmount,
		entry.Reference,
		entry.CreatedAt.Unix(),
	)
	if err != nil {
		tx.Rollback()
		return storage.LedgerEntry{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		tx.Rollback()
		return storage.LedgerEntry{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.LedgerEntry{}, err
	}
	entry.Id = id

	return entry, nil
}

func (sqlite *SQLiteDB) LedgerEntries(filter storage.LedgerFilter) ([]storage.LedgerEntry, error) {
	where, args := filterClause(filter)
	query := `SELECT id, unit, amount, operation, exchange_rate, sat_amount, fee_pct, fee_amount, reference, created_at
		FROM fiat_accounting` + where + ` ORDER BY id DESC`

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []storage.LedgerEntry{}
	for rows.Next() {
		var entry storage.LedgerEntry
		var operation, rate, feePct string
		var createdAt int64

		err := rows.Scan(
			&entry.Id,
			&entry.Unit,
			&entry.Amount,
			&operation,
			&rate,
			&entry.SatAmount,
			&feePct,
			&entry.FeeAmount,
			&entry.Reference,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}

		entry.Operation = fiat.Operation(operation)
		entry.CreatedAt = time.Unix(createdAt, 0)
		if err := parseDecimals(&entry.ConversionResult, rate, feePct); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (sqlite *SQLiteDB) LedgerTotals(filter storage.LedgerFilter) ([]storage.LedgerTotal, error) {
	where, args := filterClause(filter)
	query := `SELECT unit, operation, SUM(amount), SUM(fee_amount), SUM(sat_amount), COUNT(*)
		FROM fiat_accounting` + where + ` GROUP BY unit, operation ORDER BY unit, operation`

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := []storage.LedgerTotal{}
	for rows.Next() {
		var total storage.LedgerTotal
		var operation string

		err := rows.Scan(
			&total.Unit,
			&operation,
			&total.Amount,
			&total.FeeAmount,
			&total.SatAmount,
			&total.Count,
		)
		if err != nil {
			return nil, err
		}
		total.Operation = fiat.Operation(operation)
		totals = append(totals, total)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return totals, nil
}

func filterClause(filter storage.LedgerFilter) (string, []any) {
	var conditions []string
	var args []any

	if len(filter.Unit) > 0 {
		conditions = append(conditions, "unit = ?")
		args = append(args, filter.Unit)
	}
	if len(filter.Operation) > 0 {
		conditions = append(conditions, "operation = ?")
		args = append(args, string(filter.Operation))
	}
	if filter.Start != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Start.Unix())
	}
	if filter.End != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.End.Unix())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func parseDecimals(conversion *fiat.ConversionResult, rate, feePct string) error {
	var err error
	conversion.Rate, err = decimal.NewFromString(rate)
	if err != nil {
		return fmt.Errorf("invalid exchange rate '%v': %v", rate, err)
	}
	conversion.FeePct, err = decimal.NewFromString(feePct)
	if err != nil {
		return fmt.Errorf("invalid fee pct '%v': %v", feePct, err)
	}
	return nil
}

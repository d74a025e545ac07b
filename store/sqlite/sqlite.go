/*
Package sqlite provides a SQLite-backed implementation of store.Repository.

PURPOSE:
  Persists pawn transactions, their payments and extensions, the audit
  log and admin credentials. Wrapped in a store.Backend it is the desk's
  reference collaborator. In production the same schema maps onto
  PostgreSQL with minor dialect differences.

KEY TABLES:
  transactions:  Loan header, stored status and last computed balances
  payments:      Child rows; reversal flags live on the row (is_voided)
  extensions:    Child rows; cancellation flags live on the row
  audit_entries: Append-only log, keyed by related_id
  admins:        bcrypt hashes of admin PINs

APPEND-ONLY AUDIT:
  audit_entries is never updated or deleted. Every committed action
  writes its rows in the same database transaction as the data change.

INDEXES:
  - idx_payments_transaction / idx_extensions_transaction: owner lookups
  - idx_audit_related_created: newest-first audit page (hot path)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Update runs inside a database
  transaction under the write lock so check-then-apply is atomic.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  repo, err := sqlite.New("./data/pawn.db")
  if err != nil {
      log.Fatal(err)
  }
  defer repo.Close()

  backend := store.NewBackend(repo, store.Rules{Calendar: cal}, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - store/store.go: rules applied on top of the repository
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/pawn-desk/action"
	"github.com/warp/pawn-desk/pawn"
	"github.com/warp/pawn-desk/store"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements store.Repository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ store.Repository = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		loan_amount TEXT NOT NULL DEFAULT '0',
		monthly_interest_amount TEXT NOT NULL DEFAULT '0',
		maturity_date TEXT,
		principal_balance TEXT NOT NULL DEFAULT '0',
		interest_balance TEXT NOT NULL DEFAULT '0',
		overdue_fee TEXT NOT NULL DEFAULT '0',
		current_balance TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		payment_amount TEXT NOT NULL,
		payment_date TEXT,
		created_at TEXT,
		is_voided INTEGER NOT NULL DEFAULT 0,
		reversal_reason TEXT,
		reversed_at TEXT,
		created_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_transaction
		ON payments(transaction_id);

	CREATE TABLE IF NOT EXISTS extensions (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		extension_months INTEGER NOT NULL DEFAULT 1,
		extension_fee TEXT NOT NULL DEFAULT '0',
		extension_date TEXT,
		created_at TEXT,
		previous_maturity_date TEXT,
		new_maturity_date TEXT,
		is_cancelled INTEGER NOT NULL DEFAULT 0,
		cancellation_reason TEXT,
		created_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_extensions_transaction
		ON extensions(transaction_id);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		related_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		action_summary TEXT NOT NULL DEFAULT '',
		previous_value TEXT,
		new_value TEXT,
		details TEXT,
		user_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_related_created
		ON audit_entries(related_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS admins (
		id TEXT PRIMARY KEY,
		pin_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS (desk.Reader)
// =============================================================================

// Transaction returns the loan with its payments and extensions.
func (s *Store) Transaction(ctx context.Context, id string) (pawn.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTransaction(ctx, s.db, id)
}

func (s *Store) Payments(ctx context.Context, transactionID string) ([]pawn.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := exists(ctx, s.db, transactionID); err != nil {
		return nil, err
	}
	return loadPayments(ctx, s.db, transactionID)
}

func (s *Store) Extensions(ctx context.Context, transactionID string) ([]pawn.Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := exists(ctx, s.db, transactionID); err != nil {
		return nil, err
	}
	return loadExtensions(ctx, s.db, transactionID)
}

// AuditEntries returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) AuditEntries(ctx context.Context, transactionID string, limit int) ([]pawn.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, related_id, action_type, action_summary, previous_value, new_value,
		       details, user_id, created_at
		FROM audit_entries
		WHERE related_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []pawn.AuditEntry{}
	for rows.Next() {
		var (
			e                        pawn.AuditEntry
			prev, next, details, uid sql.NullString
			createdAt                string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ActionType, &e.ActionSummary,
			&prev, &next, &details, &uid, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.PreviousValue = prev.String
		e.NewValue = next.String
		e.Details = details.String
		e.ActorID = uid.String
		e.CreatedAt = pawn.ParseTimestamp(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Owner returns the transaction a payment, extension or transaction id belongs to.
func (s *Store) Owner(ctx context.Context, kind action.Kind, targetID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	switch kind {
	case action.KindPaymentReversal:
		query = "SELECT transaction_id FROM payments WHERE id = ?"
	case action.KindExtensionCancellation:
		query = "SELECT transaction_id FROM extensions WHERE id = ?"
	case action.KindTransactionVoid:
		query = "SELECT id FROM transactions WHERE id = ?"
	default:
		return "", fmt.Errorf("action kind %q: %w", kind, pawn.ErrNotFound)
	}

	var txID string
	err := s.db.QueryRowContext(ctx, query, targetID).Scan(&txID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s target %s: %w", kind, targetID, pawn.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up owner: %w", err)
	}
	return txID, nil
}

// AdminPINs returns bcrypt hashes keyed by admin id.
func (s *Store) AdminPINs(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, pin_hash FROM admins")
	if err != nil {
		return nil, fmt.Errorf("failed to query admins: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan admin: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

// Update runs fn against the current snapshot inside a database
// transaction and persists its Change. Nothing is written if fn fails.
func (s *Store) Update(ctx context.Context, transactionID string, fn func(pawn.Transaction) (store.Change, error)) (store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Change{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx, err := loadTransaction(ctx, sqlTx, transactionID)
	if err != nil {
		return store.Change{}, err
	}
	change, err := fn(tx)
	if err != nil {
		return store.Change{}, err
	}
	if err := saveTransaction(ctx, sqlTx, change.Transaction); err != nil {
		return store.Change{}, err
	}
	if err := appendAudit(ctx, sqlTx, change.Audit); err != nil {
		return store.Change{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return store.Change{}, fmt.Errorf("failed to commit: %w", err)
	}
	return change, nil
}

// PutTransaction inserts or replaces tx with its payments and extensions.
func (s *Store) PutTransaction(ctx context.Context, tx pawn.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := saveTransaction(ctx, sqlTx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// AppendAudit writes audit rows.
func (s *Store) AppendAudit(ctx context.Context, entries ...pawn.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entries)
}

// PutAdmin registers or updates an admin with a bcrypt PIN hash.
func (s *Store) PutAdmin(ctx context.Context, id, pinHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (id, pin_hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pin_hash = excluded.pin_hash
	`, id, pinHash, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save admin: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_entries", "payments", "extensions", "transactions", "admins"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

func exists(ctx context.Context, q queryer, id string) error {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions WHERE id = ?", id).Scan(&n); err != nil {
		return fmt.Errorf("failed to query transaction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", id, pawn.ErrNotFound)
	}
	return nil
}

func loadTransaction(ctx context.Context, q queryer, id string) (pawn.Transaction, error) {
	query := `
		SELECT id, status, loan_amount, monthly_interest_amount, maturity_date,
		       principal_balance, interest_balance, overdue_fee, current_balance
		FROM transactions
		WHERE id = ?
	`
	var (
		tx                                    pawn.Transaction
		status                                string
		loan, monthly                         string
		maturity                              sql.NullString
		principal, interest, overdue, current string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&tx.ID, &status, &loan, &monthly, &maturity,
		&principal, &interest, &overdue, &current,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pawn.Transaction{}, fmt.Errorf("transaction %s: %w", id, pawn.ErrNotFound)
	}
	if err != nil {
		return pawn.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.StoredStatus = pawn.Status(status)
	tx.LoanAmount = parseDecimal(loan)
	tx.MonthlyInterestAmount = parseDecimal(monthly)
	tx.MaturityDate = pawn.ParseTimestamp(maturity.String)
	tx.Balances = pawn.Balances{
		Principal:  parseDecimal(principal),
		Interest:   parseDecimal(interest),
		OverdueFee: parseDecimal(overdue),
		Current:    parseDecimal(current),
	}

	if tx.Payments, err = loadPayments(ctx, q, id); err != nil {
		return pawn.Transaction{}, err
	}
	if tx.Extensions, err = loadExtensions(ctx, q, id); err != nil {
		return pawn.Transaction{}, err
	}
	return tx, nil
}

func loadPayments(ctx context.Context, q queryer, txID string) ([]pawn.Payment, error) {
	query := `
		SELECT id, transaction_id, payment_amount, payment_date, created_at,
		       is_voided, reversal_reason, reversed_at, created_by
		FROM payments
		WHERE transaction_id = ?
		ORDER BY rowid ASC
	`
	rows, err := q.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := []pawn.Payment{}
	for rows.Next() {
		var (
			p                                          pawn.Payment
			amount                                     string
			paymentDate, createdAt, reason, reversedAt sql.NullString
			createdBy                                  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TransactionID, &amount, &paymentDate, &createdAt,
			&p.IsReversed, &reason, &reversedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = parseDecimal(amount)
		p.PaymentDate = pawn.ParseTimestamp(paymentDate.String)
		p.CreatedAt = pawn.ParseTimestamp(createdAt.String)
		p.ReversalReason = reason.String
		p.ReversedAt = pawn.ParseTimestamp(reversedAt.String)
		p.CreatedBy = createdBy.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func loadExtensions(ctx context.Context, q queryer, txID string) ([]pawn.Extension, error) {
	query := `
		SELECT id, transaction_id, extension_months, extension_fee, extension_date, created_at,
		       previous_maturity_date, new_maturity_date, is_cancelled, cancellation_reason, created_by
		FROM extensions
		WHERE transaction_id = ?
		ORDER BY rowid ASC
	`
	rows, err := q.QueryContext(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to query extensions: %w", err)
	}
	defer rows.Close()

	extensions := []pawn.Extension{}
	for rows.Next() {
		var (
			e                              pawn.Extension
			fee                            string
			extDate, createdAt, prev, next sql.NullString
			reason, createdBy              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Months, &fee, &extDate, &createdAt,
			&prev, &next, &e.IsCancelled, &reason, &createdBy); err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		e.Fee = parseDecimal(fee)
		e.ExtensionDate = pawn.ParseTimestamp(extDate.String)
		e.CreatedAt = pawn.ParseTimestamp(createdAt.String)
		e.PreviousMaturityDate = pawn.ParseTimestamp(prev.String)
		e.NewMaturityDate = pawn.ParseTimestamp(next.String)
		e.CancellationReason = reason.String
		e.CreatedBy = createdBy.String
		extensions = append(extensions, e)
	}
	return extensions, rows.Err()
}

func saveTransaction(ctx context.Context, q queryer, tx pawn.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, status, loan_amount, monthly_interest_amount, maturity_date,
		 principal_balance, interest_balance, overdue_fee, current_balance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			loan_amount = excluded.loan_amount,
			monthly_interest_amount = excluded.monthly_interest_amount,
			maturity_date = excluded.maturity_date,
			principal_balance = excluded.principal_balance,
			interest_balance = excluded.interest_balance,
			overdue_fee = excluded.overdue_fee,
			current_balance = excluded.current_balance,
			updated_at = excluded.updated_at
	`,
		tx.ID, string(tx.StoredStatus), tx.LoanAmount.String(), tx.MonthlyInterestAmount.String(),
		nullTime(tx.MaturityDate),
		tx.Balances.Principal.String(), tx.Balances.Interest.String(),
		tx.Balances.OverdueFee.String(), tx.Balances.Current.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	for _, p := range tx.Payments {
		_, err := q.ExecContext(ctx, `
			INSERT INTO payments
			(id, transaction_id, payment_amount, payment_date, created_at,
			 is_voided, reversal_reason, reversed_at, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				is_voided = excluded.is_voided,
				reversal_reason = excluded.reversal_reason,
				reversed_at = excluded.reversed_at
		`,
			p.ID, tx.ID, p.Amount.String(), nullTime(p.PaymentDate), nullTime(p.CreatedAt),
			p.IsReversed, nullString(p.ReversalReason), nullTime(p.ReversedAt), nullString(p.CreatedBy),
		)
		if err != nil {
			return fmt.Errorf("failed to save payment %s: %w", p.ID, err)
		}
	}

	for _, e := range tx.Extensions {
		_, err := q.ExecContext(ctx, `
			INSERT INTO extensions
			(id, transaction_id, extension_months, extension_fee, extension_date, created_at,
			 previous_maturity_date, new_maturity_date, is_cancelled, cancellation_reason, created_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				is_cancelled = excluded.is_cancelled,
				cancellation_reason = excluded.cancellation_reason
		`,
			e.ID, tx.ID, e.Months, e.Fee.String(), nullTime(e.ExtensionDate), nullTime(e.CreatedAt),
			nullTime(e.PreviousMaturityDate), nullTime(e.NewMaturityDate),
			e.IsCancelled, nullString(e.CancellationReason), nullString(e.CreatedBy),
		)
		if err != nil {
			return fmt.Errorf("failed to save extension %s: %w", e.ID, err)
		}
	}
	return nil
}

func appendAudit(ctx context.Context, q queryer, entries []pawn.AuditEntry) error {
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = pawn.At(time.Now().UTC())
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO audit_entries
			(id, related_id, action_type, action_summary, previous_value, new_value,
			 details, user_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.TransactionID, e.ActionType, e.ActionSummary,
			nullString(e.PreviousValue), nullString(e.NewValue), nullString(e.Details),
			nullString(e.ActorID), created.Time.UTC().Format(timeLayout),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("audit entry %s: %w", e.ID, pawn.ErrConflict)
			}
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(ts pawn.Timestamp) sql.NullString {
	if ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.Time.UTC().Format(timeLayout), Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

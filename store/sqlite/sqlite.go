/*
Package sqlite provides a SQLite-backed implementation of loyalty.TxStore.

PURPOSE:
  Persists customer accounts and the transaction log. The same SQL runs on
  PostgreSQL with minor dialect changes.

KEY TABLES:
  customers:    One row per (business, customer). Carries the denormalized
                points/bonus balance and a version counter.
  transactions: Append-only log of purchases and redemptions.

CONDITIONAL UPDATE:
  UPDATE customers SET ..., version = version + 1
   WHERE business_id = ? AND id = ? AND version = ?
  Zero affected rows on an existing customer means another writer won:
  ErrConcurrentModification.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on transactions table
  - No DELETE statements on transactions table

INDEXES:
  - UNIQUE (business_id, cpf), UNIQUE (business_id, code): identifier lookups
  - idx_transactions_idempotency: one commit per idempotency key
  - idx_transactions_business_created: log scans ordered by time

CONCURRENCY:
  The pool holds a single connection, so ":memory:" databases are shared and
  writers serialize in database/sql. Lock waits inside SQLite are bounded by
  _busy_timeout; SQLITE_BUSY surfaces as ErrConcurrentModification so the
  engine's bounded retry handles it.

  Trade-off: every call, reads included, queues for that one connection, so
  a slow transaction on one customer delays operations on all others. SQLite
  admits one writer at a time anyway; per-customer independence holds at the
  row level (version checks), not at the connection level. A server store
  with a real pool removes the queueing.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := loyalty.NewEngine(store)

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout is fixed-width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// Option configures New.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout bounds how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		dbPath, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Customer accounts (denormalized balance + optimistic version)
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		cpf TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		bonus_balance TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (business_id, cpf),
		UNIQUE (business_id, code)
	);

	CREATE INDEX IF NOT EXISTS idx_customers_business_name
		ON customers(business_id, name);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('purchase', 'redemption')),
		amount TEXT NOT NULL,
		points_delta INTEGER NOT NULL,
		bonus_delta TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(business_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Log scans by business, newest first (hot path for history screens)
	CREATE INDEX IF NOT EXISTS idx_transactions_business_created
		ON transactions(business_id, created_at);

	-- Per-customer replay for reconciliation
	CREATE INDEX IF NOT EXISTS idx_transactions_customer
		ON transactions(business_id, customer_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Store on top of a querier, so the same code
// serves direct calls and calls inside WithTx.
type queries struct {
	q querier
}

// =============================================================================
// ACCOUNT STORE (loyalty.AccountStore interface)
// =============================================================================

const customerColumns = `id, business_id, cpf, code, name, phone, points, bonus_balance, version, created_at, updated_at`

// GetCustomerByIdentifier matches CPF or code within a business.
func (s queries) GetCustomerByIdentifier(ctx context.Context, businessID, identifier string) (*loyalty.Customer, error) {
	customers, err := s.queryCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE business_id = ? AND (cpf = ? OR code = ?)
		LIMIT 2
	`, businessID, identifier, identifier)
	if err != nil {
		return nil, err
	}
	switch len(customers) {
	case 0:
		return nil, loyalty.ErrCustomerNotFound
	case 1:
		return &customers[0], nil
	default:
		return nil, loyalty.ErrAmbiguousIdentifier
	}
}

// GetCustomer returns a customer by id within a business.
func (s queries) GetCustomer(ctx context.Context, businessID, customerID string) (*loyalty.Customer, error) {
	customers, err := s.queryCustomers(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE business_id = ? AND id = ?
	`, businessID, customerID)
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, loyalty.ErrCustomerNotFound
	}
	return &customers[0], nil
}

// InsertCustomer adds a new customer row.
func (s queries) InsertCustomer(ctx context.Context, c loyalty.Customer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO customers
		(id, business_id, cpf, code, name, phone, points, bonus_balance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.BusinessID,
		c.CPF,
		c.Code,
		c.Name,
		c.Phone,
		c.Points,
		c.BonusBalance.String(),
		c.Version,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "customers.code") {
				return loyalty.ErrDuplicateCode
			}
			return loyalty.ErrDuplicateCustomer
		}
		return mapError(fmt.Errorf("failed to insert customer: %w", err))
	}
	return nil
}

// UpdateBalance writes the new balance if the row still has the expected version.
func (s queries) UpdateBalance(ctx context.Context, u loyalty.BalanceUpdate) error {
	if u.Points < 0 || u.BonusBalance.IsNegative() {
		return loyalty.ErrNegativeBalance
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE customers
		SET points = ?, bonus_balance = ?, version = version + 1, updated_at = ?
		WHERE business_id = ? AND id = ? AND version = ?
	`,
		u.Points,
		u.BonusBalance.String(),
		formatTime(u.UpdatedAt),
		u.BusinessID,
		u.CustomerID,
		u.ExpectedVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update balance: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var count int
	err = s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM customers WHERE business_id = ? AND id = ?",
		u.BusinessID, u.CustomerID,
	).Scan(&count)
	if err != nil {
		return mapError(fmt.Errorf("failed to check customer: %w", err))
	}
	if count == 0 {
		return loyalty.ErrCustomerNotFound
	}
	return loyalty.ErrConcurrentModification
}

// ListCustomers returns customers ordered by name.
func (s queries) ListCustomers(ctx context.Context, businessID string, filter loyalty.CustomerFilter) ([]loyalty.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE business_id = ?`
	args := []any{businessID}

	if search := strings.TrimSpace(filter.Search); search != "" {
		query += ` AND (LOWER(name) LIKE ? ESCAPE '\' OR cpf LIKE ? ESCAPE '\' OR code LIKE ? ESCAPE '\')`
		pattern := "%" + escapeLike(search) + "%"
		args = append(args, strings.ToLower(pattern), pattern, pattern)
	}

	query += ` ORDER BY name ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryCustomers(ctx, query, args...)
}

// BusinessIDs returns every business that owns a customer.
func (s queries) BusinessIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT DISTINCT business_id FROM customers ORDER BY business_id")
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query businesses: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan business id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s queries) queryCustomers(ctx context.Context, query string, args ...any) ([]loyalty.Customer, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query customers: %w", err))
	}
	defer rows.Close()

	var customers []loyalty.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func scanCustomer(rows *sql.Rows) (loyalty.Customer, error) {
	var (
		c         loyalty.Customer
		bonus     string
		createdAt string
		updatedAt string
	)

	err := rows.Scan(
		&c.ID, &c.BusinessID, &c.CPF, &c.Code, &c.Name, &c.Phone,
		&c.Points, &bonus, &c.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("failed to scan customer: %w", err)
	}

	if c.BonusBalance, err = decimal.NewFromString(bonus); err != nil {
		return c, fmt.Errorf("customer %s: invalid bonus balance %q: %w", c.ID, bonus, err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// =============================================================================
// TRANSACTION LOG (loyalty.TransactionLog interface)
// =============================================================================

// Append adds a transaction to the ledger.
func (s queries) Append(ctx context.Context, tx loyalty.Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, business_id, customer_id, tx_type, amount, points_delta, bonus_delta, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.BusinessID,
		tx.CustomerID,
		string(tx.Type),
		tx.Amount.String(),
		tx.PointsDelta,
		tx.BonusDelta.String(),
		nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
}

// ListTransactions scans a business's log.
func (s queries) ListTransactions(ctx context.Context, businessID string, filter loyalty.TransactionFilter, order loyalty.Order) ([]loyalty.Transaction, error) {
	query := `
		SELECT id, business_id, customer_id, tx_type, amount, points_delta, bonus_delta, idempotency_key, created_at
		FROM transactions
		WHERE business_id = ?`
	args := []any{businessID}

	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	if filter.Type != "" {
		query += ` AND tx_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += ` AND created_at < ?`
		args = append(args, formatTime(*filter.To))
	}

	if order == loyalty.OrderNewestFirst {
		query += ` ORDER BY created_at DESC, rowid DESC`
	} else {
		query += ` ORDER BY created_at ASC, rowid ASC`
	}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var transactions []loyalty.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (loyalty.Transaction, error) {
	var (
		tx             loyalty.Transaction
		txType         string
		amount         string
		bonusDelta     string
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.BusinessID, &tx.CustomerID, &txType,
		&amount, &tx.PointsDelta, &bonusDelta, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = loyalty.TransactionType(txType)
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %s: invalid amount %q: %w", tx.ID, amount, err)
	}
	if tx.BonusDelta, err = decimal.NewFromString(bonusDelta); err != nil {
		return tx, fmt.Errorf("transaction %s: invalid bonus delta %q: %w", tx.ID, bonusDelta, err)
	}
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapError turns SQLite lock contention into a retryable conflict.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", loyalty.ErrConcurrentModification, err)
	}
	return err
}

// Compile-time check that Store implements loyalty.TxStore.
var _ loyalty.TxStore = (*Store)(nil)

/*
store.go - Persistence contracts for accounts and the transaction log

PURPOSE:
  Defines the interface between the ledger engine and the database.
  The engine is storage-agnostic as long as the store provides an atomic
  conditional update per customer row and an append-only log.

KEY INTERFACES:
  AccountStore:   Customer records (lookup, insert, conditional update)
  TransactionLog: Append-only log (append, filtered scan)
  TxStore:        Both, plus WithTx for all-or-nothing commits

CONDITIONAL UPDATE:
  UpdateBalance applies only when the stored Version equals
  BalanceUpdate.ExpectedVersion, and bumps Version on success. A mismatch
  returns ErrConcurrentModification; the engine then re-reads and
  re-validates against the fresh row.

APPEND-ONLY CONTRACT:
  TransactionLog has no Update or Delete. An Append with an idempotency key
  already used in the same business returns ErrDuplicateIdempotencyKey.

ATOMIC COMMIT:
  The engine always calls UpdateBalance and Append inside one WithTx, so a
  log entry is never visible without the balance change it describes.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - loyalty/store/memory.go: In-memory for testing
*/
package loyalty

import "context"

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// AccountStore persists customer records, scoped by business.
type AccountStore interface {
	// GetCustomerByIdentifier matches identifier against CPF or code.
	// Returns ErrCustomerNotFound when nothing matches.
	GetCustomerByIdentifier(ctx context.Context, businessID, identifier string) (*Customer, error)

	// GetCustomer returns ErrCustomerNotFound for unknown ids or foreign businesses.
	GetCustomer(ctx context.Context, businessID, customerID string) (*Customer, error)

	// InsertCustomer returns ErrDuplicateCustomer (CPF taken) or
	// ErrDuplicateCode (code taken).
	InsertCustomer(ctx context.Context, c Customer) error

	// UpdateBalance is the only write to Points/BonusBalance.
	UpdateBalance(ctx context.Context, u BalanceUpdate) error

	// ListCustomers returns customers ordered by name.
	ListCustomers(ctx context.Context, businessID string, filter CustomerFilter) ([]Customer, error)

	// BusinessIDs returns every business that owns at least one customer.
	BusinessIDs(ctx context.Context) ([]string, error)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

// TransactionLog is append-only. No Update, no Delete.
type TransactionLog interface {
	Append(ctx context.Context, tx Transaction) error

	ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, order Order) ([]Transaction, error)
}

// Store is everything a ledger operation touches.
type Store interface {
	AccountStore
	TransactionLog
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

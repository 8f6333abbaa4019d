/*
Package loyalty provides the ledger engine for merchant loyalty programs.

PURPOSE:
  Tracks a merchant's customers, accrues points and monetary bonus from
  purchases, and allows controlled redemption of that bonus. Every balance
  change is a single atomic transition of one customer row plus one
  immutable entry in the transaction log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Customer: One account per (business, customer), holding points and bonus
  - Transaction: An immutable log entry describing one purchase or redemption
  - Filters/Order: Read-side options used by the presentation layer

SCOPING:
  Every lookup and mutation takes a businessID explicitly. There is no
  ambient "current merchant" and no cross-merchant visibility.

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, rounded to 2 places
  2. Immutability: Transactions are appended, never edited
  3. Denormalized balance: Customer.Points/BonusBalance are a cache of the
     log, changed only by RecordPurchase and RecordRedemption
  4. Optimistic concurrency: Customer.Version guards every balance write

SEE ALSO:
  - policy.go: Accrual and redemption arithmetic
  - engine.go: The operations that mutate balances
  - store.go: Persistence contracts
*/
package loyalty

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CUSTOMER ACCOUNT
// =============================================================================

// Customer is a loyalty account scoped to one business.
//
// INVARIANTS:
//   - Points >= 0 and BonusBalance >= 0
//   - (BusinessID, CPF) and (BusinessID, Code) are unique
//   - Version increases by one on every committed balance update
type Customer struct {
	ID           string
	BusinessID   string
	CPF          string
	Code         string
	Name         string
	Phone        string
	Points       int64
	BonusBalance decimal.Decimal
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewCustomer carries the caller-supplied profile for account creation.
type NewCustomer struct {
	Name  string
	Phone string
	CPF   string
}

// =============================================================================
// TRANSACTION - Immutable log entry
// =============================================================================

type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"   // Points (and maybe bonus) accrued
	TxRedemption TransactionType = "redemption" // Bonus withdrawn, points consumed
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t == TxPurchase || t == TxRedemption
}

// Transaction records one balance change.
// Amount is always positive; direction is carried by Type and the deltas.
type Transaction struct {
	ID             string
	BusinessID     string
	CustomerID     string
	Type           TransactionType
	Amount         decimal.Decimal
	PointsDelta    int64
	BonusDelta     decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// PurchaseResult is informational output for receipts and notifications.
type PurchaseResult struct {
	Customer        Customer
	Transaction     Transaction
	PointsEarned    int64
	BonusAwarded    decimal.Decimal
	NewPoints       int64
	NewBonusBalance decimal.Decimal
	CustomerCreated bool
}

// RedemptionResult is informational output for withdrawal receipts.
type RedemptionResult struct {
	Customer        Customer
	Transaction     Transaction
	PointsDeducted  int64
	NewPoints       int64
	NewBonusBalance decimal.Decimal
}

// =============================================================================
// STORE INPUTS
// =============================================================================

// BalanceUpdate is a conditional write: it applies only if the stored row
// still has ExpectedVersion.
type BalanceUpdate struct {
	BusinessID      string
	CustomerID      string
	ExpectedVersion int64
	Points          int64
	BonusBalance    decimal.Decimal
	UpdatedAt       time.Time
}

// CustomerFilter narrows customer listings. Search matches the name
// (case-insensitive), the CPF or the code.
type CustomerFilter struct {
	Search string
	Limit  int
}

// TransactionFilter narrows log scans. Zero values mean "no filter".
type TransactionFilter struct {
	CustomerID string
	Type       TransactionType
	From       *time.Time // inclusive
	To         *time.Time // exclusive
	Limit      int
}

// Order controls the CreatedAt ordering of log scans.
type Order string

const (
	OrderNewestFirst Order = "desc"
	OrderOldestFirst Order = "asc"
)

// =============================================================================
// HELPERS
// =============================================================================

var identifierReplacer = strings.NewReplacer(".", "", "-", "", "/", "", " ", "")

// NormalizeIdentifier strips the punctuation POS operators type in CPFs
// ("123.456.789-09") so that masked and unmasked input resolve alike.
func NormalizeIdentifier(identifier string) string {
	return identifierReplacer.Replace(strings.TrimSpace(identifier))
}

// Round2 rounds a currency value to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ValidateAmount rejects non-positive amounts and amounts finer than cents.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &InvalidAmountError{Amount: amount, Reason: "must be greater than zero"}
	}
	if !amount.Equal(Round2(amount)) {
		return &InvalidAmountError{Amount: amount, Reason: "must have at most 2 decimal places"}
	}
	return nil
}

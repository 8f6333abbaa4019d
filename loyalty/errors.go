/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is on the sentinels; structured errors carry
  the context an operator needs (current balances, attempts, store op).

ERROR CATEGORIES:
  1. Client errors - InvalidAmount, InvalidCustomer (never retried)
  2. Lookup outcomes - CustomerNotFound (caller may create the customer)
  3. Business rules - InsufficientPoints, InsufficientBalance (never retried)
  4. Races - ConcurrentModification (safe to retry, bounded)
  5. Collaborator failures - StoreUnavailable (fatal for the operation)

ATOMICITY:
  Every error leaves the account untouched. The engine never applies part
  of an update, so no compensating action exists for any of these.

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package loyalty

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("loyalty: invalid amount")

	// ErrInvalidCustomer is returned when a new customer's profile is incomplete.
	ErrInvalidCustomer = errors.New("loyalty: invalid customer")

	// ErrCustomerNotFound is a recognized outcome, not a failure: the purchase
	// flow uses it to decide whether to create the customer.
	ErrCustomerNotFound = errors.New("loyalty: customer not found")

	// ErrAmbiguousIdentifier means an identifier matched a CPF of one customer
	// and the code of another. Creation rules prevent this; stores report it.
	ErrAmbiguousIdentifier = errors.New("loyalty: identifier matches more than one customer")

	// ErrDuplicateCustomer is returned when the CPF is already registered
	// (as a CPF or as a code) within the business.
	ErrDuplicateCustomer = errors.New("loyalty: customer already exists")

	// ErrDuplicateCode is returned by stores when a generated code was taken
	// between generation and insert. The engine regenerates on it.
	ErrDuplicateCode = errors.New("loyalty: customer code already taken")

	// ErrCodeSpaceExhausted is returned when no free code was found.
	ErrCodeSpaceExhausted = errors.New("loyalty: could not generate a unique customer code")

	// ErrDuplicateIdempotencyKey is returned when an operation with the same
	// idempotency key was already committed. Expected for client retries.
	ErrDuplicateIdempotencyKey = errors.New("loyalty: duplicate idempotency key")

	// ErrInsufficientPoints is returned when a redemption costs more points than held.
	ErrInsufficientPoints = errors.New("loyalty: insufficient points")

	// ErrInsufficientBalance is returned when a redemption exceeds the bonus balance.
	ErrInsufficientBalance = errors.New("loyalty: insufficient bonus balance")

	// ErrNegativeBalance is returned by stores asked to persist a negative balance.
	ErrNegativeBalance = errors.New("loyalty: balance would become negative")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("loyalty: concurrent modification detected")

	// ErrStoreUnavailable is matched by every collaborator failure.
	ErrStoreUnavailable = errors.New("loyalty: store unavailable")

	// ErrInvalidPolicy is returned for non-positive policy constants.
	ErrInvalidPolicy = errors.New("loyalty: invalid policy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAmountError describes why an amount was rejected.
type InvalidAmountError struct {
	Amount decimal.Decimal
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %s: %s", e.Amount.String(), e.Reason)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// InsufficientPointsError carries the balances the operator shows the customer.
type InsufficientPointsError struct {
	CustomerID   string
	Available    int64
	Requested    int64
	BonusBalance decimal.Decimal
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// InsufficientBalanceError carries the balances the operator shows the customer.
type InsufficientBalanceError struct {
	CustomerID string
	Available  decimal.Decimal
	Requested  decimal.Decimal
	Points     int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient bonus balance: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ConflictError is returned once the bounded retry budget is spent.
type ConflictError struct {
	BusinessID string
	CustomerID string
	Attempts   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("customer %s: still conflicting after %d attempts", e.CustomerID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// StoreError wraps a collaborator failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes every StoreError match ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input
// or a business-rule rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCustomer) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateCustomer) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing customer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound)
}

// Outcome classifies an operation result into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCustomer):
		return "invalid"
	case errors.Is(err, ErrCustomerNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrDuplicateCustomer), errors.Is(err, ErrDuplicateIdempotencyKey):
		return "duplicate"
	case errors.Is(err, ErrCodeSpaceExhausted):
		return "code_space_exhausted"
	case errors.Is(err, ErrNegativeBalance):
		return "invariant_violation"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

// isLedgerError reports whether err is one of the package's own outcomes,
// which must pass through the engine unwrapped.
func isLedgerError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInvalidCustomer, ErrCustomerNotFound, ErrAmbiguousIdentifier,
		ErrDuplicateCustomer, ErrDuplicateCode, ErrCodeSpaceExhausted, ErrDuplicateIdempotencyKey,
		ErrInsufficientPoints, ErrInsufficientBalance, ErrNegativeBalance,
		ErrConcurrentModification, ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

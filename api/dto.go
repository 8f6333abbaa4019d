/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Currency values leave the API as strings with exactly two decimals
  ("10.00"). Amounts are accepted as JSON numbers or strings; both are parsed
  with shopspring/decimal so 19.99 never passes through float64.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/types.go: Domain types
*/
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

// CustomerDTO represents a customer account in API responses.
type CustomerDTO struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"business_id"`
	CPF          string    `json:"cpf"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Points       int64     `json:"points"`
	BonusBalance string    `json:"bonus_balance"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateCustomerRequest is the request body for creating a customer.
type CreateCustomerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	CPF   string `json:"cpf"`
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// PurchaseRequest records a purchase for the customer behind Identifier.
// When Identifier is unknown and Name is set, the customer is registered
// with Identifier as CPF and the purchase is recorded in the same commit.
type PurchaseRequest struct {
	Identifier     string          `json:"identifier"`
	Amount         json.RawMessage `json:"amount"`
	Name           string          `json:"name,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// RedemptionRequest withdraws bonus currency.
type RedemptionRequest struct {
	Identifier     string          `json:"identifier"`
	Amount         json.RawMessage `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// TransactionDTO represents a log entry in API responses.
type TransactionDTO struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id"`
	Type           string    `json:"type"`
	Amount         string    `json:"amount"`
	PointsDelta    int64     `json:"points_delta"`
	BonusDelta     string    `json:"bonus_delta"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Customer is set on history listings.
	Customer *CustomerSummaryDTO `json:"customer,omitempty"`
}

// CustomerSummaryDTO identifies the customer next to a history entry.
type CustomerSummaryDTO struct {
	Name string `json:"name"`
	CPF  string `json:"cpf"`
	Code string `json:"code"`
}

// PurchaseResponse is returned by POST /purchases.
type PurchaseResponse struct {
	Customer        CustomerDTO    `json:"customer"`
	Transaction     TransactionDTO `json:"transaction"`
	PointsEarned    int64          `json:"points_earned"`
	BonusAwarded    string         `json:"bonus_awarded"`
	NewPoints       int64          `json:"new_points"`
	NewBonusBalance string         `json:"new_bonus_balance"`
	CustomerCreated bool           `json:"customer_created"`
}

// RedemptionResponse is returned by POST /redemptions.
type RedemptionResponse struct {
	Customer        CustomerDTO    `json:"customer"`
	Transaction     TransactionDTO `json:"transaction"`
	PointsDeducted  int64          `json:"points_deducted"`
	NewPoints       int64          `json:"new_points"`
	NewBonusBalance string         `json:"new_bonus_balance"`
}

// ReconcileDTO reports whether an account matches its transaction log.
type ReconcileDTO struct {
	CustomerID    string `json:"customer_id"`
	Transactions  int    `json:"transactions"`
	LedgerPoints  int64  `json:"ledger_points"`
	LedgerBonus   string `json:"ledger_bonus"`
	AccountPoints int64  `json:"account_points"`
	AccountBonus  string `json:"account_bonus"`
	PointsDrift   int64  `json:"points_drift"`
	BonusDrift    string `json:"bonus_drift"`
	Consistent    bool   `json:"consistent"`
}

// =============================================================================
// MISC
// =============================================================================

// BalancesDTO accompanies insufficient-funds errors so the operator can
// show the customer what is available.
type BalancesDTO struct {
	Points          int64  `json:"points"`
	BonusBalance    string `json:"bonus_balance"`
	RequestedPoints int64  `json:"requested_points,omitempty"`
	RequestedAmount string `json:"requested_amount,omitempty"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toCustomerDTO(c loyalty.Customer) CustomerDTO {
	return CustomerDTO{
		ID:           c.ID,
		BusinessID:   c.BusinessID,
		CPF:          c.CPF,
		Code:         c.Code,
		Name:         c.Name,
		Phone:        c.Phone,
		Points:       c.Points,
		BonusBalance: money(c.BonusBalance),
		Version:      c.Version,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toTransactionDTO(tx loyalty.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             tx.ID,
		CustomerID:     tx.CustomerID,
		Type:           string(tx.Type),
		Amount:         money(tx.Amount),
		PointsDelta:    tx.PointsDelta,
		BonusDelta:     money(tx.BonusDelta),
		IdempotencyKey: tx.IdempotencyKey,
		CreatedAt:      tx.CreatedAt,
	}
}

func toPurchaseResponse(r *loyalty.PurchaseResult) PurchaseResponse {
	return PurchaseResponse{
		Customer:        toCustomerDTO(r.Customer),
		Transaction:     toTransactionDTO(r.Transaction),
		PointsEarned:    r.PointsEarned,
		BonusAwarded:    money(r.BonusAwarded),
		NewPoints:       r.NewPoints,
		NewBonusBalance: money(r.NewBonusBalance),
		CustomerCreated: r.CustomerCreated,
	}
}

func toRedemptionResponse(r *loyalty.RedemptionResult) RedemptionResponse {
	return RedemptionResponse{
		Customer:        toCustomerDTO(r.Customer),
		Transaction:     toTransactionDTO(r.Transaction),
		PointsDeducted:  r.PointsDeducted,
		NewPoints:       r.NewPoints,
		NewBonusBalance: money(r.NewBonusBalance),
	}
}

func toReconcileDTO(r *loyalty.ReconcileReport) ReconcileDTO {
	return ReconcileDTO{
		CustomerID:    r.CustomerID,
		Transactions:  r.Transactions,
		LedgerPoints:  r.LedgerPoints,
		LedgerBonus:   money(r.LedgerBonus),
		AccountPoints: r.AccountPoints,
		AccountBonus:  money(r.AccountBonus),
		PointsDrift:   r.PointsDrift,
		BonusDrift:    money(r.BonusDrift),
		Consistent:    r.Consistent(),
	}
}

// parseAmount accepts 19.99 or "19.99".
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Zero, fmt.Errorf("%w: amount is required", loyalty.ErrInvalidAmount)
	}
	s = strings.Trim(s, `"`)
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", loyalty.ErrInvalidAmount, s)
	}
	return amount, nil
}

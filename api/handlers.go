/*
handlers.go - HTTP API handlers for the loyalty ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every balance change to loyalty.Engine.

ENDPOINTS (all under /api/businesses/{businessID}):
  Customers:
    GET    /customers                         List / search customers
    POST   /customers                         Register customer
    GET    /customers/{identifier}            Resolve by CPF or code
    GET    /customers/{identifier}/reconcile  Replay log against balance

  Ledger:
    POST   /purchases                         Record purchase (may register)
    POST   /redemptions                       Withdraw bonus
    GET    /transactions                      Transaction history

  Scenarios:
    POST   /scenarios/load                    Seed demo customers

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate amount (before any lookup)
  3. Resolve the identifier
  4. Call the engine
  5. Serialize response or map the error

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid amount, invalid customer data, bad query
  - 404: Customer not found
  - 409: Duplicate customer / request, ambiguous identifier, conflict
  - 422: Insufficient points or bonus (details carry the balances)
  - 503: Store unavailable, customer code space exhausted
  - 500: Balance invariant violated, internal errors

SECURITY NOTE:
  No authentication. The business id in the path is trusted; put the service
  behind the POS gateway that owns sessions.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *loyalty.Engine
	Logger *zap.Logger
	Store  Pinger

	// EnableScenarios exposes the demo seeding endpoints.
	EnableScenarios bool
}

// NewHandler creates a new handler over engine.
func NewHandler(engine *loyalty.Engine, store Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Engine: engine, Store: store, Logger: logger}
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness and store reachability.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns the business's customers ordered by name.
// GET /api/businesses/{businessID}/customers?search=&limit=
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "Invalid limit", err)
		return
	}

	customers, err := h.Engine.ListCustomers(r.Context(), businessID(r), loyalty.CustomerFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer registers a customer with zero balances.
// POST /api/businesses/{businessID}/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	c, err := h.Engine.CreateCustomer(r.Context(), businessID(r), loyalty.NewCustomer{
		Name:  req.Name,
		Phone: req.Phone,
		CPF:   req.CPF,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(*c))
}

// GetCustomer resolves a CPF or code.
// GET /api/businesses/{businessID}/customers/{identifier}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.ResolveCustomer(r.Context(), businessID(r), chi.URLParam(r, "identifier"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// ReconcileCustomer replays the customer's log against the stored balance.
// GET /api/businesses/{businessID}/customers/{identifier}/reconcile
func (h *Handler) ReconcileCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	biz := businessID(r)

	c, err := h.Engine.ResolveCustomer(ctx, biz, chi.URLParam(r, "identifier"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	report, err := h.Engine.Reconcile(ctx, biz, c.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(report))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// RecordPurchase accrues points. An unknown identifier with a name registers
// the customer in the same commit; without a name it is a 404.
// POST /api/businesses/{businessID}/purchases
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	biz := businessID(r)

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}
	amount, err := h.validAmount(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	opts := idempotency(req.IdempotencyKey)

	c, err := h.Engine.ResolveCustomer(ctx, biz, req.Identifier)
	if errors.Is(err, loyalty.ErrCustomerNotFound) && strings.TrimSpace(req.Name) != "" {
		result, err := h.Engine.CreateCustomerAndPurchase(ctx, biz, loyalty.NewCustomer{
			Name:  req.Name,
			Phone: req.Phone,
			CPF:   req.Identifier,
		}, amount, opts...)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPurchaseResponse(result))
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	result, err := h.Engine.RecordPurchase(ctx, biz, c.ID, amount, opts...)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseResponse(result))
}

// RecordRedemption withdraws bonus currency.
// POST /api/businesses/{businessID}/redemptions
func (h *Handler) RecordRedemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	biz := businessID(r)

	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}
	amount, err := h.validAmount(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	c, err := h.Engine.ResolveCustomer(ctx, biz, req.Identifier)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	result, err := h.Engine.RecordRedemption(ctx, biz, c.ID, amount, idempotency(req.IdempotencyKey)...)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRedemptionResponse(result))
}

// ListTransactions returns the business's log.
// GET /api/businesses/{businessID}/transactions?type=&customer_id=&from=&to=&order=&limit=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := loyalty.TransactionFilter{CustomerID: q.Get("customer_id")}
	if t := q.Get("type"); t != "" {
		filter.Type = loyalty.TransactionType(t)
		if !filter.Type.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_query", "type must be purchase or redemption", nil)
			return
		}
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "Invalid from", err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "Invalid to", err)
		return
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "Invalid limit", err)
		return
	}

	order := loyalty.OrderNewestFirst
	switch q.Get("order") {
	case "", string(loyalty.OrderNewestFirst):
	case string(loyalty.OrderOldestFirst):
		order = loyalty.OrderOldestFirst
	default:
		writeError(w, http.StatusBadRequest, "invalid_query", "order must be asc or desc", nil)
		return
	}

	txs, err := h.Engine.ListTransactions(r.Context(), businessID(r), filter, order)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	summaries, err := h.customerSummaries(r.Context(), businessID(r), txs)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
		dtos[i].Customer = summaries[tx.CustomerID]
	}
	writeJSON(w, http.StatusOK, dtos)
}

// customerSummaries looks up each distinct customer in txs once.
func (h *Handler) customerSummaries(ctx context.Context, biz string, txs []loyalty.Transaction) (map[string]*CustomerSummaryDTO, error) {
	summaries := make(map[string]*CustomerSummaryDTO)
	for _, tx := range txs {
		if _, seen := summaries[tx.CustomerID]; seen {
			continue
		}
		c, err := h.Engine.GetCustomer(ctx, biz, tx.CustomerID)
		if errors.Is(err, loyalty.ErrCustomerNotFound) {
			summaries[tx.CustomerID] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries[tx.CustomerID] = &CustomerSummaryDTO{Name: c.Name, CPF: c.CPF, Code: c.Code}
	}
	return summaries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func businessID(r *http.Request) string {
	return chi.URLParam(r, "businessID")
}

func idempotency(key string) []loyalty.OperationOption {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return []loyalty.OperationOption{loyalty.WithIdempotencyKey(key)}
}

func (h *Handler) validAmount(raw json.RawMessage) (decimal.Decimal, error) {
	amount, err := parseAmount(raw)
	if err != nil {
		return amount, err
	}
	return amount, h.Engine.Policy().CheckAmount(amount)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates (midnight UTC).
func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return &t, nil
}

// writeLedgerError maps engine errors to HTTP responses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ipe *loyalty.InsufficientPointsError
		ibe *loyalty.InsufficientBalanceError
	)

	switch {
	case errors.As(err, &ipe):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Not enough points for this redemption",
			Code:  "insufficient_points",
			Details: BalancesDTO{
				Points:          ipe.Available,
				BonusBalance:    money(ipe.BonusBalance),
				RequestedPoints: ipe.Requested,
			},
		})
	case errors.As(err, &ibe):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Not enough bonus balance for this redemption",
			Code:  "insufficient_balance",
			Details: BalancesDTO{
				Points:          ibe.Points,
				BonusBalance:    money(ibe.Available),
				RequestedAmount: money(ibe.Requested),
			},
		})
	case errors.Is(err, loyalty.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", "Invalid amount", err)
	case errors.Is(err, loyalty.ErrInvalidCustomer):
		writeError(w, http.StatusBadRequest, "invalid_customer", "Invalid customer", err)
	case errors.Is(err, loyalty.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, "customer_not_found", "Customer not found", nil)
	case errors.Is(err, loyalty.ErrAmbiguousIdentifier):
		writeError(w, http.StatusConflict, "ambiguous_identifier", "Identifier matches more than one customer", nil)
	case errors.Is(err, loyalty.ErrDuplicateCustomer):
		writeError(w, http.StatusConflict, "duplicate_customer", "Customer already exists", err)
	case errors.Is(err, loyalty.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "duplicate_request", "Request was already applied", nil)
	case loyalty.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Customer was modified concurrently, try again",
			Code:      "conflict",
			Retryable: true,
		})
	case errors.Is(err, loyalty.ErrCodeSpaceExhausted):
		h.Logger.Error("customer code space exhausted", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "code_space_exhausted", "No free customer code, raise CUSTOMER_CODE_LENGTH", nil)
	case errors.Is(err, loyalty.ErrNegativeBalance):
		h.Logger.Error("balance invariant violated", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "invariant_violation", "Balance invariant violated", nil)
	case errors.Is(err, loyalty.ErrStoreUnavailable):
		h.Logger.Error("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "Store unavailable",
			Code:      "store_unavailable",
			Retryable: true,
		})
	default:
		h.Logger.Error("unhandled ledger error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

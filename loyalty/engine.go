/*
engine.go - The ledger engine

PURPOSE:
  Implements the only operations allowed to change a customer's points and
  bonus balance, plus the lookups the point-of-sale flow needs around them.

OPERATIONS:
  ResolveCustomer:           CPF or code -> customer (read-only)
  CreateCustomer:            New account with a generated code, zero balances
  RecordPurchase:            Accrue points and tier bonus
  RecordRedemption:          Withdraw bonus, consume points
  CreateCustomerAndPurchase: Create + first purchase in one store transaction

CONCURRENCY:
  Each balance change is an optimistic read-modify-write:
    1. Read the customer (snapshot with Version)
    2. Validate and compute against that snapshot
    3. WithTx { UpdateBalance(expected Version); Append(transaction) }
  If another operator committed in between, step 3 fails with
  ErrConcurrentModification and the whole cycle runs again on the fresh row,
  so validation always sees the winner's balance. The cycle runs at most
  MaxAttempts times, then a *ConflictError is returned. Operations on
  different customers never wait on each other.

ATOMICITY:
  The balance write and the log append commit together or not at all.
  Any error leaves the account exactly as it was.

SEE ALSO:
  - policy.go: The arithmetic
  - store.go: The persistence contract
  - reconcile.go: Log replay against the denormalized balances
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 10 * time.Millisecond
)

// Operation names a ledger operation for logs and metrics.
type Operation string

const (
	OpCreateCustomer    Operation = "create_customer"
	OpPurchase          Operation = "purchase"
	OpRedemption        Operation = "redemption"
	OpCreateAndPurchase Operation = "create_and_purchase"
	OpReconcile         Operation = "reconcile"
)

// =============================================================================
// RECORDER - Metrics hook
// =============================================================================

// Recorder receives operation telemetry. metrics.Metrics implements it.
type Recorder interface {
	ObserveOperation(op Operation, outcome string, elapsed time.Duration)
	ObserveConflict(op Operation)
	ObservePurchase(pointsEarned int64, bonusAwarded decimal.Decimal)
	ObserveRedemption(pointsDeducted int64, amount decimal.Decimal)
	ObserveDrift()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ObserveOperation(Operation, string, time.Duration) {}
func (NopRecorder) ObserveConflict(Operation)                         {}
func (NopRecorder) ObservePurchase(int64, decimal.Decimal)            {}
func (NopRecorder) ObserveRedemption(int64, decimal.Decimal)          {}
func (NopRecorder) ObserveDrift()                                     {}

// =============================================================================
// ENGINE
// =============================================================================

// Engine applies purchases and redemptions to customer accounts.
type Engine struct {
	store        TxStore
	codes        CodeGenerator
	policy       Policy
	maxAttempts  int
	retryBackoff time.Duration
	logger       *zap.Logger
	recorder     Recorder
	now          func() time.Time
	newID        func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

func WithCodeGenerator(g CodeGenerator) Option { return func(e *Engine) { e.codes = g } }

// WithMaxAttempts bounds how many times a conflicting operation is tried.
func WithMaxAttempts(n int) Option { return func(e *Engine) { e.maxAttempts = n } }

// WithRetryBackoff sets the base wait between conflicting attempts.
// Attempt n waits n*d plus up to d of jitter.
func WithRetryBackoff(d time.Duration) Option { return func(e *Engine) { e.retryBackoff = d } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine builds an engine over store. Without WithCodeGenerator a
// RandomCodeGenerator of DefaultCodeLength digits is used.
func NewEngine(store TxStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:        store,
		policy:       DefaultPolicy(),
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
		logger:       zap.NewNop(),
		recorder:     NopRecorder{},
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.codes == nil {
		e.codes = NewRandomCodeGenerator(store, DefaultCodeLength)
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.recorder == nil {
		e.recorder = NopRecorder{}
	}
	return e, nil
}

// Policy returns the program constants in effect.
func (e *Engine) Policy() Policy { return e.policy }

// OperationOption configures a single ledger call.
type OperationOption func(*operationOptions)

type operationOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey rejects the call with ErrDuplicateIdempotencyKey if the
// same key was already committed in the business. Nothing is applied then.
func WithIdempotencyKey(key string) OperationOption {
	return func(o *operationOptions) { o.idempotencyKey = strings.TrimSpace(key) }
}

func collectOptions(opts []OperationOption) operationOptions {
	var o operationOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// LOOKUPS
// =============================================================================

// ResolveCustomer finds the customer whose CPF or code equals identifier.
// ErrCustomerNotFound is an expected outcome, not a failure.
func (e *Engine) ResolveCustomer(ctx context.Context, businessID, identifier string) (*Customer, error) {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return nil, ErrCustomerNotFound
	}
	c, err := e.store.GetCustomerByIdentifier(ctx, businessID, id)
	if err != nil {
		return nil, storeErr("get customer by identifier", err)
	}
	return c, nil
}

// GetCustomer returns a customer by id within businessID.
func (e *Engine) GetCustomer(ctx context.Context, businessID, customerID string) (*Customer, error) {
	c, err := e.store.GetCustomer(ctx, businessID, customerID)
	if err != nil {
		return nil, storeErr("get customer", err)
	}
	return c, nil
}

// ListCustomers returns the business's customers ordered by name.
func (e *Engine) ListCustomers(ctx context.Context, businessID string, filter CustomerFilter) ([]Customer, error) {
	customers, err := e.store.ListCustomers(ctx, businessID, filter)
	if err != nil {
		return nil, storeErr("list customers", err)
	}
	return customers, nil
}

// ListTransactions scans the business's log.
func (e *Engine) ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, order Order) ([]Transaction, error) {
	txs, err := e.store.ListTransactions(ctx, businessID, filter, order)
	if err != nil {
		return nil, storeErr("list transactions", err)
	}
	return txs, nil
}

// BusinessIDs lists every business that has at least one customer.
func (e *Engine) BusinessIDs(ctx context.Context) ([]string, error) {
	ids, err := e.store.BusinessIDs(ctx)
	if err != nil {
		return nil, storeErr("list businesses", err)
	}
	return ids, nil
}

// =============================================================================
// CUSTOMER CREATION
// =============================================================================

// CreateCustomer registers a customer with zero balances and a fresh code.
func (e *Engine) CreateCustomer(ctx context.Context, businessID string, nc NewCustomer) (*Customer, error) {
	start := time.Now()
	c, err := e.prepareCustomer(ctx, businessID, nc)
	if err == nil {
		c, err = e.insertCustomer(ctx, c, func(s Store, c Customer) error {
			return s.InsertCustomer(ctx, c)
		})
	}
	e.finish(OpCreateCustomer, businessID, c.ID, start, err)
	if err != nil {
		return nil, err
	}
	e.logger.Info("customer created",
		zap.String("business_id", businessID),
		zap.String("customer_id", c.ID),
		zap.String("code", c.Code),
	)
	return &c, nil
}

// CreateCustomerAndPurchase creates a customer and records their first
// purchase in one store transaction: either both exist afterwards or neither.
func (e *Engine) CreateCustomerAndPurchase(ctx context.Context, businessID string, nc NewCustomer, amount decimal.Decimal, opts ...OperationOption) (*PurchaseResult, error) {
	start := time.Now()
	o := collectOptions(opts)

	var (
		result *PurchaseResult
		c      Customer
	)
	acc, err := e.policy.Accrue(0, decimal.Zero, amount)
	if err == nil {
		c, err = e.prepareCustomer(ctx, businessID, nc)
	}
	if err == nil {
		var tx Transaction
		c, err = e.insertCustomer(ctx, c, func(s Store, c Customer) error {
			if err := s.InsertCustomer(ctx, c); err != nil {
				return err
			}
			tx = e.newTransaction(c, TxPurchase, amount, acc.PointsEarned, acc.BonusAwarded, o)
			return e.write(ctx, s, c, acc.NewPoints, acc.NewBonusBalance, tx)
		})
		if err == nil {
			result = &PurchaseResult{
				Customer:        applied(c, acc.NewPoints, acc.NewBonusBalance, tx.CreatedAt),
				Transaction:     tx,
				PointsEarned:    acc.PointsEarned,
				BonusAwarded:    acc.BonusAwarded,
				NewPoints:       acc.NewPoints,
				NewBonusBalance: acc.NewBonusBalance,
				CustomerCreated: true,
			}
		}
	}

	e.finish(OpCreateAndPurchase, businessID, c.ID, start, err)
	if err != nil {
		return nil, err
	}
	e.recorder.ObservePurchase(result.PointsEarned, result.BonusAwarded)
	e.logPurchase(result)
	return result, nil
}

func (e *Engine) prepareCustomer(ctx context.Context, businessID string, nc NewCustomer) (Customer, error) {
	name := strings.TrimSpace(nc.Name)
	phone := strings.TrimSpace(nc.Phone)
	cpf := NormalizeIdentifier(nc.CPF)
	switch {
	case strings.TrimSpace(businessID) == "":
		return Customer{}, fmt.Errorf("%w: business id is required", ErrInvalidCustomer)
	case cpf == "":
		return Customer{}, fmt.Errorf("%w: cpf is required", ErrInvalidCustomer)
	case name == "":
		return Customer{}, fmt.Errorf("%w: name is required", ErrInvalidCustomer)
	case phone == "":
		return Customer{}, fmt.Errorf("%w: phone is required", ErrInvalidCustomer)
	}

	// The CPF must not already resolve, as a CPF or as someone's code.
	_, err := e.store.GetCustomerByIdentifier(ctx, businessID, cpf)
	switch {
	case err == nil, errors.Is(err, ErrAmbiguousIdentifier):
		return Customer{}, fmt.Errorf("%w: cpf %s", ErrDuplicateCustomer, cpf)
	case !errors.Is(err, ErrCustomerNotFound):
		return Customer{}, storeErr("check cpf", err)
	}

	now := e.now()
	return Customer{
		ID:           e.newID(),
		BusinessID:   businessID,
		CPF:          cpf,
		Name:         name,
		Phone:        phone,
		BonusBalance: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// insertCustomer assigns a code and runs write in a store transaction,
// drawing a new code when a concurrent creator took it first.
func (e *Engine) insertCustomer(ctx context.Context, c Customer, write func(Store, Customer) error) (Customer, error) {
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		code, err := e.codes.NextCode(ctx, c.BusinessID)
		if err != nil {
			return c, storeErr("generate code", err)
		}
		c.Code = code

		err = e.store.WithTx(ctx, func(s Store) error { return write(s, c) })
		if errors.Is(err, ErrDuplicateCode) {
			e.logger.Debug("customer code taken, regenerating",
				zap.String("business_id", c.BusinessID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return c, storeErr("insert customer", err)
		}
		return c, nil
	}
	return c, ErrCodeSpaceExhausted
}

// =============================================================================
// PURCHASE
// =============================================================================

// RecordPurchase accrues points for a purchase and awards bonus for every
// tier crossed.
func (e *Engine) RecordPurchase(ctx context.Context, businessID, customerID string, amount decimal.Decimal, opts ...OperationOption) (*PurchaseResult, error) {
	start := time.Now()
	o := collectOptions(opts)

	var result *PurchaseResult
	err := e.policy.CheckAmount(amount)
	if err == nil {
		err = e.retry(ctx, OpPurchase, businessID, customerID, func() error {
			c, err := e.GetCustomer(ctx, businessID, customerID)
			if err != nil {
				return err
			}
			acc, err := e.policy.Accrue(c.Points, c.BonusBalance, amount)
			if err != nil {
				return err
			}
			tx := e.newTransaction(*c, TxPurchase, amount, acc.PointsEarned, acc.BonusAwarded, o)
			if err := e.commit(ctx, *c, acc.NewPoints, acc.NewBonusBalance, tx); err != nil {
				return err
			}
			result = &PurchaseResult{
				Customer:        applied(*c, acc.NewPoints, acc.NewBonusBalance, tx.CreatedAt),
				Transaction:     tx,
				PointsEarned:    acc.PointsEarned,
				BonusAwarded:    acc.BonusAwarded,
				NewPoints:       acc.NewPoints,
				NewBonusBalance: acc.NewBonusBalance,
			}
			return nil
		})
	}

	e.finish(OpPurchase, businessID, customerID, start, err)
	if err != nil {
		return nil, err
	}
	e.recorder.ObservePurchase(result.PointsEarned, result.BonusAwarded)
	e.logPurchase(result)
	return result, nil
}

func (e *Engine) logPurchase(r *PurchaseResult) {
	e.logger.Info("purchase recorded",
		zap.String("business_id", r.Customer.BusinessID),
		zap.String("customer_id", r.Customer.ID),
		zap.String("transaction_id", r.Transaction.ID),
		zap.String("amount", r.Transaction.Amount.StringFixed(2)),
		zap.Int64("points_earned", r.PointsEarned),
		zap.String("bonus_awarded", r.BonusAwarded.StringFixed(2)),
		zap.Bool("customer_created", r.CustomerCreated),
	)
}

// =============================================================================
// REDEMPTION
// =============================================================================

// RecordRedemption withdraws amount from the bonus balance and consumes its
// point cost. Both checks run against the snapshot that is written.
func (e *Engine) RecordRedemption(ctx context.Context, businessID, customerID string, amount decimal.Decimal, opts ...OperationOption) (*RedemptionResult, error) {
	start := time.Now()
	o := collectOptions(opts)

	var result *RedemptionResult
	err := e.policy.CheckAmount(amount)
	if err == nil {
		err = e.retry(ctx, OpRedemption, businessID, customerID, func() error {
			c, err := e.GetCustomer(ctx, businessID, customerID)
			if err != nil {
				return err
			}
			red, err := e.policy.Redeem(*c, amount)
			if err != nil {
				return err
			}
			tx := e.newTransaction(*c, TxRedemption, amount, -red.PointsDeducted, amount.Neg(), o)
			if err := e.commit(ctx, *c, red.NewPoints, red.NewBonusBalance, tx); err != nil {
				return err
			}
			result = &RedemptionResult{
				Customer:        applied(*c, red.NewPoints, red.NewBonusBalance, tx.CreatedAt),
				Transaction:     tx,
				PointsDeducted:  red.PointsDeducted,
				NewPoints:       red.NewPoints,
				NewBonusBalance: red.NewBonusBalance,
			}
			return nil
		})
	}

	e.finish(OpRedemption, businessID, customerID, start, err)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveRedemption(result.PointsDeducted, amount)
	e.logger.Info("redemption recorded",
		zap.String("business_id", businessID),
		zap.String("customer_id", customerID),
		zap.String("transaction_id", result.Transaction.ID),
		zap.String("amount", amount.StringFixed(2)),
		zap.Int64("points_deducted", result.PointsDeducted),
		zap.String("bonus_balance", result.NewBonusBalance.StringFixed(2)),
	)
	return result, nil
}

// =============================================================================
// COMMIT & RETRY
// =============================================================================

func (e *Engine) newTransaction(c Customer, typ TransactionType, amount decimal.Decimal, points int64, bonus decimal.Decimal, o operationOptions) Transaction {
	return Transaction{
		ID:             e.newID(),
		BusinessID:     c.BusinessID,
		CustomerID:     c.ID,
		Type:           typ,
		Amount:         amount,
		PointsDelta:    points,
		BonusDelta:     bonus,
		IdempotencyKey: o.idempotencyKey,
		CreatedAt:      e.now(),
	}
}

// commit writes the new balance conditioned on c.Version and appends tx,
// atomically.
func (e *Engine) commit(ctx context.Context, c Customer, points int64, bonus decimal.Decimal, tx Transaction) error {
	err := e.store.WithTx(ctx, func(s Store) error {
		return e.write(ctx, s, c, points, bonus, tx)
	})
	if err != nil {
		return storeErr("commit "+string(tx.Type), err)
	}
	return nil
}

func (e *Engine) write(ctx context.Context, s Store, c Customer, points int64, bonus decimal.Decimal, tx Transaction) error {
	err := s.UpdateBalance(ctx, BalanceUpdate{
		BusinessID:      c.BusinessID,
		CustomerID:      c.ID,
		ExpectedVersion: c.Version,
		Points:          points,
		BonusBalance:    bonus,
		UpdatedAt:       tx.CreatedAt,
	})
	if err != nil {
		return err
	}
	return s.Append(ctx, tx)
}

func applied(c Customer, points int64, bonus decimal.Decimal, at time.Time) Customer {
	c.Points = points
	c.BonusBalance = bonus
	c.Version++
	c.UpdatedAt = at
	return c
}

// retry runs fn until it stops reporting ErrConcurrentModification or the
// attempt budget is spent. fn must re-read all state it validates.
func (e *Engine) retry(ctx context.Context, op Operation, businessID, customerID string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		e.recorder.ObserveConflict(op)
		e.logger.Warn("concurrent modification",
			zap.String("operation", string(op)),
			zap.String("business_id", businessID),
			zap.String("customer_id", customerID),
			zap.Int("attempt", attempt),
		)
		if attempt >= e.maxAttempts {
			return &ConflictError{BusinessID: businessID, CustomerID: customerID, Attempts: attempt}
		}
		if err := e.wait(ctx, attempt); err != nil {
			return err
		}
	}
}

func (e *Engine) wait(ctx context.Context, attempt int) error {
	if e.retryBackoff <= 0 {
		return ctx.Err()
	}
	d := e.retryBackoff*time.Duration(attempt) + rand.N(e.retryBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) finish(op Operation, businessID, customerID string, start time.Time, err error) {
	e.recorder.ObserveOperation(op, Outcome(err), time.Since(start))
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.String("business_id", businessID),
		zap.String("customer_id", customerID),
		zap.String("outcome", Outcome(err)),
		zap.Error(err),
	}
	if errors.Is(err, ErrStoreUnavailable) {
		e.logger.Error("ledger operation failed", fields...)
		return
	}
	e.logger.Info("ledger operation rejected", fields...)
}

// storeErr passes ledger outcomes and context errors through and wraps
// everything else as a StoreError.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLedgerError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

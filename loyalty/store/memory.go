// Package store provides in-memory loyalty.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	customers    map[string]loyalty.Customer // by id
	transactions map[string][]loyalty.Transaction
	idempotency  map[idempotencyKey]bool
}

type idempotencyKey struct {
	BusinessID string
	Key        string
}

func NewMemory() *Memory {
	return &Memory{
		customers:    make(map[string]loyalty.Customer),
		transactions: make(map[string][]loyalty.Transaction),
		idempotency:  make(map[idempotencyKey]bool),
	}
}

func (m *Memory) GetCustomerByIdentifier(_ context.Context, businessID, identifier string) (*loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getByIdentifierLocked(businessID, identifier)
}

func (m *Memory) getByIdentifierLocked(businessID, identifier string) (*loyalty.Customer, error) {
	var found *loyalty.Customer
	for _, c := range m.customers {
		if c.BusinessID != businessID || (c.CPF != identifier && c.Code != identifier) {
			continue
		}
		if found != nil {
			return nil, loyalty.ErrAmbiguousIdentifier
		}
		c := c
		found = &c
	}
	if found == nil {
		return nil, loyalty.ErrCustomerNotFound
	}
	return found, nil
}

func (m *Memory) GetCustomer(_ context.Context, businessID, customerID string) (*loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(businessID, customerID)
}

func (m *Memory) getLocked(businessID, customerID string) (*loyalty.Customer, error) {
	c, ok := m.customers[customerID]
	if !ok || c.BusinessID != businessID {
		return nil, loyalty.ErrCustomerNotFound
	}
	return &c, nil
}

func (m *Memory) InsertCustomer(_ context.Context, c loyalty.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(c)
}

func (m *Memory) insertLocked(c loyalty.Customer) error {
	if _, ok := m.customers[c.ID]; ok {
		return fmt.Errorf("customer id %s already exists", c.ID)
	}
	for _, other := range m.customers {
		if other.BusinessID != c.BusinessID {
			continue
		}
		if other.CPF == c.CPF {
			return loyalty.ErrDuplicateCustomer
		}
		if other.Code == c.Code {
			return loyalty.ErrDuplicateCode
		}
	}
	m.customers[c.ID] = c
	return nil
}

// UpdateBalance applies u only if the stored version matches.
func (m *Memory) UpdateBalance(_ context.Context, u loyalty.BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(u)
}

func (m *Memory) updateLocked(u loyalty.BalanceUpdate) error {
	if u.Points < 0 || u.BonusBalance.IsNegative() {
		return loyalty.ErrNegativeBalance
	}
	c, ok := m.customers[u.CustomerID]
	if !ok || c.BusinessID != u.BusinessID {
		return loyalty.ErrCustomerNotFound
	}
	if c.Version != u.ExpectedVersion {
		return loyalty.ErrConcurrentModification
	}
	c.Points = u.Points
	c.BonusBalance = u.BonusBalance
	c.Version++
	c.UpdatedAt = u.UpdatedAt
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) ListCustomers(_ context.Context, businessID string, filter loyalty.CustomerFilter) ([]loyalty.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCustomersLocked(businessID, filter), nil
}

func (m *Memory) listCustomersLocked(businessID string, filter loyalty.CustomerFilter) []loyalty.Customer {
	search := strings.TrimSpace(filter.Search)
	lower := strings.ToLower(search)
	var result []loyalty.Customer
	for _, c := range m.customers {
		if c.BusinessID != businessID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Name), lower) &&
			!strings.Contains(c.CPF, search) &&
			!strings.Contains(c.Code, search) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (m *Memory) BusinessIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.businessIDsLocked(), nil
}

func (m *Memory) businessIDsLocked() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, c := range m.customers {
		if !seen[c.BusinessID] {
			seen[c.BusinessID] = true
			ids = append(ids, c.BusinessID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx loyalty.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx loyalty.Transaction) error {
	if tx.IdempotencyKey != "" {
		k := idempotencyKey{BusinessID: tx.BusinessID, Key: tx.IdempotencyKey}
		if m.idempotency[k] {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		m.idempotency[k] = true
	}
	// Appends arrive in commit order, so the slice stays sorted by CreatedAt
	// unless clocks disagree; ListTransactions sorts stably anyway.
	m.transactions[tx.BusinessID] = append(m.transactions[tx.BusinessID], tx)
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, businessID string, filter loyalty.TransactionFilter, order loyalty.Order) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(businessID, filter, order), nil
}

func (m *Memory) listLocked(businessID string, filter loyalty.TransactionFilter, order loyalty.Order) []loyalty.Transaction {
	var result []loyalty.Transaction
	for _, tx := range m.transactions[businessID] {
		if filter.CustomerID != "" && tx.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !tx.CreatedAt.Before(*filter.To) {
			continue
		}
		result = append(result, tx)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if order == loyalty.OrderNewestFirst {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	customers    map[string]loyalty.Customer
	transactions map[string][]loyalty.Transaction
	idempotency  map[idempotencyKey]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		customers:    make(map[string]loyalty.Customer, len(tm.customers)),
		transactions: make(map[string][]loyalty.Transaction, len(tm.transactions)),
		idempotency:  make(map[idempotencyKey]bool, len(tm.idempotency)),
	}
	for k, v := range tm.customers {
		s.customers[k] = v
	}
	for k, v := range tm.transactions {
		s.transactions[k] = append([]loyalty.Transaction(nil), v...)
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.customers = s.customers
	tm.transactions = s.transactions
	tm.idempotency = s.idempotency
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (v *txMemoryView) GetCustomerByIdentifier(_ context.Context, businessID, identifier string) (*loyalty.Customer, error) {
	return v.parent.getByIdentifierLocked(businessID, identifier)
}

func (v *txMemoryView) GetCustomer(_ context.Context, businessID, customerID string) (*loyalty.Customer, error) {
	return v.parent.getLocked(businessID, customerID)
}

func (v *txMemoryView) InsertCustomer(_ context.Context, c loyalty.Customer) error {
	return v.parent.insertLocked(c)
}

func (v *txMemoryView) UpdateBalance(_ context.Context, u loyalty.BalanceUpdate) error {
	return v.parent.updateLocked(u)
}

func (v *txMemoryView) ListCustomers(_ context.Context, businessID string, filter loyalty.CustomerFilter) ([]loyalty.Customer, error) {
	return v.parent.listCustomersLocked(businessID, filter), nil
}

func (v *txMemoryView) BusinessIDs(_ context.Context) ([]string, error) {
	return v.parent.businessIDsLocked(), nil
}

func (v *txMemoryView) Append(_ context.Context, tx loyalty.Transaction) error {
	return v.parent.appendLocked(tx)
}

func (v *txMemoryView) ListTransactions(_ context.Context, businessID string, filter loyalty.TransactionFilter, order loyalty.Order) ([]loyalty.Transaction, error) {
	return v.parent.listLocked(businessID, filter, order), nil
}

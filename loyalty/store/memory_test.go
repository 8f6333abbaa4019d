package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

func testCustomer(id, cpf, code string) loyalty.Customer {
	now := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	return loyalty.Customer{
		ID:           id,
		BusinessID:   "biz-1",
		CPF:          cpf,
		Code:         code,
		Name:         "Customer " + id,
		BonusBalance: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemory_InsertCustomer_Uniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertCustomer(ctx, testCustomer("c1", "111", "000001")))

	assert.ErrorIs(t, m.InsertCustomer(ctx, testCustomer("c2", "111", "000002")), loyalty.ErrDuplicateCustomer)
	assert.ErrorIs(t, m.InsertCustomer(ctx, testCustomer("c3", "333", "000001")), loyalty.ErrDuplicateCode)

	other := testCustomer("c4", "111", "000001")
	other.BusinessID = "biz-2"
	assert.NoError(t, m.InsertCustomer(ctx, other))
}

func TestMemory_GetCustomerByIdentifier_Ambiguous(t *testing.T) {
	// GIVEN: One customer's code equals another's CPF
	// THEN: Lookup refuses to pick one

	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertCustomer(ctx, testCustomer("c1", "424242", "000001")))
	require.NoError(t, m.InsertCustomer(ctx, testCustomer("c2", "999", "424242")))

	_, err := m.GetCustomerByIdentifier(ctx, "biz-1", "424242")
	assert.ErrorIs(t, err, loyalty.ErrAmbiguousIdentifier)
}

func TestMemory_UpdateBalance_VersionCheck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertCustomer(ctx, testCustomer("c1", "111", "000001")))

	update := loyalty.BalanceUpdate{BusinessID: "biz-1", CustomerID: "c1", ExpectedVersion: 0, Points: 10, BonusBalance: decimal.Zero}
	require.NoError(t, m.UpdateBalance(ctx, update))

	// Stale version
	assert.ErrorIs(t, m.UpdateBalance(ctx, update), loyalty.ErrConcurrentModification)

	update.ExpectedVersion = 1
	update.Points = -1
	assert.ErrorIs(t, m.UpdateBalance(ctx, update), loyalty.ErrNegativeBalance)

	update.CustomerID = "missing"
	update.Points = 1
	assert.ErrorIs(t, m.UpdateBalance(ctx, update), loyalty.ErrCustomerNotFound)

	c, err := m.GetCustomer(ctx, "biz-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.Points)
	assert.Equal(t, int64(1), c.Version)
}

func TestTxMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts, updates and appends, then fails
	// THEN: None of its writes survive

	ctx := context.Background()
	tm := NewTxMemory()
	require.NoError(t, tm.InsertCustomer(ctx, testCustomer("c1", "111", "000001")))

	boom := errors.New("boom")
	err := tm.WithTx(ctx, func(s loyalty.Store) error {
		require.NoError(t, s.InsertCustomer(ctx, testCustomer("c2", "222", "000002")))
		require.NoError(t, s.UpdateBalance(ctx, loyalty.BalanceUpdate{
			BusinessID: "biz-1", CustomerID: "c1", Points: 50, BonusBalance: decimal.Zero,
		}))
		require.NoError(t, s.Append(ctx, loyalty.Transaction{
			ID: "t1", BusinessID: "biz-1", CustomerID: "c1", Type: loyalty.TxPurchase, IdempotencyKey: "k1",
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = tm.GetCustomer(ctx, "biz-1", "c2")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)

	c1, err := tm.GetCustomer(ctx, "biz-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c1.Points)
	assert.Equal(t, int64(0), c1.Version)

	txs, err := tm.ListTransactions(ctx, "biz-1", loyalty.TransactionFilter{}, loyalty.OrderNewestFirst)
	require.NoError(t, err)
	assert.Empty(t, txs)

	// The idempotency key is free again.
	assert.NoError(t, tm.Append(ctx, loyalty.Transaction{ID: "t2", BusinessID: "biz-1", CustomerID: "c1", IdempotencyKey: "k1"}))
}

func TestTxMemory_WithTx_Commits(t *testing.T) {
	ctx := context.Background()
	tm := NewTxMemory()
	require.NoError(t, tm.InsertCustomer(ctx, testCustomer("c1", "111", "000001")))

	err := tm.WithTx(ctx, func(s loyalty.Store) error {
		c, err := s.GetCustomerByIdentifier(ctx, "biz-1", "000001")
		if err != nil {
			return err
		}
		return s.UpdateBalance(ctx, loyalty.BalanceUpdate{
			BusinessID: "biz-1", CustomerID: c.ID, ExpectedVersion: c.Version, Points: 5, BonusBalance: decimal.Zero,
		})
	})
	require.NoError(t, err)

	c1, err := tm.GetCustomer(ctx, "biz-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), c1.Points)

	ids, err := tm.BusinessIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"biz-1"}, ids)
}

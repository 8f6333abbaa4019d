package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func customer(id, cpf, code, name string) loyalty.Customer {
	return loyalty.Customer{
		ID:           id,
		BusinessID:   "biz-1",
		CPF:          cpf,
		Code:         code,
		Name:         name,
		Phone:        "11 98888-0000",
		BonusBalance: decimal.Zero,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func purchase(id, customerID string, at time.Time, points int64) loyalty.Transaction {
	return loyalty.Transaction{
		ID:          id,
		BusinessID:  "biz-1",
		CustomerID:  customerID,
		Type:        loyalty.TxPurchase,
		Amount:      decimal.NewFromInt(points),
		PointsDelta: points,
		BonusDelta:  decimal.Zero,
		CreatedAt:   at,
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestStore_InsertAndResolve(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertCustomer(ctx, customer("c1", "12345678901", "042137", "Maria")))

	byCPF, err := store.GetCustomerByIdentifier(ctx, "biz-1", "12345678901")
	require.NoError(t, err)
	assert.Equal(t, "c1", byCPF.ID)
	assert.Equal(t, "Maria", byCPF.Name)
	assert.True(t, byCPF.CreatedAt.Equal(t0))

	byCode, err := store.GetCustomerByIdentifier(ctx, "biz-1", "042137")
	require.NoError(t, err)
	assert.Equal(t, "c1", byCode.ID)

	_, err = store.GetCustomerByIdentifier(ctx, "biz-2", "042137")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)

	_, err = store.GetCustomer(ctx, "biz-1", "nope")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

func TestStore_InsertCustomer_UniqueConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertCustomer(ctx, customer("c1", "111", "000001", "A")))

	err := store.InsertCustomer(ctx, customer("c2", "111", "000002", "B"))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateCustomer)

	err = store.InsertCustomer(ctx, customer("c3", "333", "000001", "C"))
	assert.ErrorIs(t, err, loyalty.ErrDuplicateCode)
}

func TestStore_GetCustomerByIdentifier_Ambiguous(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertCustomer(ctx, customer("c1", "424242", "000001", "A")))
	require.NoError(t, store.InsertCustomer(ctx, customer("c2", "999", "424242", "B")))

	_, err := store.GetCustomerByIdentifier(ctx, "biz-1", "424242")
	assert.ErrorIs(t, err, loyalty.ErrAmbiguousIdentifier)
}

func TestStore_UpdateBalance_Conditional(t *testing.T) {
	// GIVEN: A customer at version 0
	// WHEN: Two writers both expect version 0
	// THEN: The first wins, the second gets ErrConcurrentModification

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertCustomer(ctx, customer("c1", "111", "000001", "A")))

	first := loyalty.BalanceUpdate{
		BusinessID: "biz-1", CustomerID: "c1", ExpectedVersion: 0,
		Points: 600, BonusBalance: decimal.RequireFromString("10.00"), UpdatedAt: t0.Add(time.Minute),
	}
	require.NoError(t, store.UpdateBalance(ctx, first))

	second := first
	second.Points = 50
	assert.ErrorIs(t, store.UpdateBalance(ctx, second), loyalty.ErrConcurrentModification)

	missing := first
	missing.CustomerID = "c404"
	assert.ErrorIs(t, store.UpdateBalance(ctx, missing), loyalty.ErrCustomerNotFound)

	negative := first
	negative.ExpectedVersion = 1
	negative.BonusBalance = decimal.RequireFromString("-0.01")
	assert.ErrorIs(t, store.UpdateBalance(ctx, negative), loyalty.ErrNegativeBalance)

	c, err := store.GetCustomer(ctx, "biz-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), c.Points)
	assert.Equal(t, "10.00", c.BonusBalance.StringFixed(2))
	assert.Equal(t, int64(1), c.Version)
	assert.True(t, c.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestStore_ListCustomers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertCustomer(ctx, customer("c1", "111", "000001", "Carla")))
	require.NoError(t, store.InsertCustomer(ctx, customer("c2", "222", "000002", "Bruno")))
	require.NoError(t, store.InsertCustomer(ctx, customer("c3", "333", "100_00", "Ana")))

	all, err := store.ListCustomers(ctx, "biz-1", loyalty.CustomerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"Ana", "Bruno", "Carla"}, []string{all[0].Name, all[1].Name, all[2].Name})

	byName, err := store.ListCustomers(ctx, "biz-1", loyalty.CustomerFilter{Search: "bru"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "c2", byName[0].ID)

	byCPF, err := store.ListCustomers(ctx, "biz-1", loyalty.CustomerFilter{Search: "33"})
	require.NoError(t, err)
	require.Len(t, byCPF, 1)
	assert.Equal(t, "c3", byCPF[0].ID)

	// Underscore is literal, not a LIKE wildcard.
	literal, err := store.ListCustomers(ctx, "biz-1", loyalty.CustomerFilter{Search: "0_0"})
	require.NoError(t, err)
	require.Len(t, literal, 1)
	assert.Equal(t, "c3", literal[0].ID)

	limited, err := store.ListCustomers(ctx, "biz-1", loyalty.CustomerFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	ids, err := store.BusinessIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"biz-1"}, ids)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func TestStore_Append_IdempotencyKeyUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := purchase("t1", "c1", t0, 10)
	tx.IdempotencyKey = "pos-7"
	require.NoError(t, store.Append(ctx, tx))

	dup := purchase("t2", "c1", t0, 10)
	dup.IdempotencyKey = "pos-7"
	assert.ErrorIs(t, store.Append(ctx, dup), loyalty.ErrDuplicateIdempotencyKey)

	// Keys are per business; empty keys never collide.
	other := purchase("t3", "c9", t0, 10)
	other.BusinessID = "biz-2"
	other.IdempotencyKey = "pos-7"
	assert.NoError(t, store.Append(ctx, other))
	assert.NoError(t, store.Append(ctx, purchase("t4", "c1", t0, 1)))
	assert.NoError(t, store.Append(ctx, purchase("t5", "c1", t0, 1)))
}

func TestStore_ListTransactions_FiltersAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	redemption := loyalty.Transaction{
		ID: "t2", BusinessID: "biz-1", CustomerID: "c1", Type: loyalty.TxRedemption,
		Amount: decimal.RequireFromString("1.50"), PointsDelta: -75,
		BonusDelta: decimal.RequireFromString("-1.50"), CreatedAt: t0.Add(2 * time.Hour),
	}
	require.NoError(t, store.Append(ctx, purchase("t1", "c1", t0.Add(time.Hour), 600)))
	require.NoError(t, store.Append(ctx, redemption))
	require.NoError(t, store.Append(ctx, purchase("t3", "c2", t0.Add(3*time.Hour), 20)))

	newest, err := store.ListTransactions(ctx, "biz-1", loyalty.TransactionFilter{}, loyalty.OrderNewestFirst)
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, "t3", newest[0].ID)
	assert.Equal(t, "t1", newest[2].ID)

	oldest, err := store.ListTransactions(ctx, "biz-1", loyalty.TransactionFilter{CustomerID: "c1"}, loyalty.OrderOldestFirst)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "t1", oldest[0].ID)
	assert.Equal(t, "-1.5", oldest[1].BonusDelta.String())
	assert.Equal(t, "1.50", oldest[1].Amount.StringFixed(2))
	assert.Equal(t, loyalty.TxRedemption, oldest[1].Type)

	from, to := t0.Add(2*time.Hour), t0.Add(3*time.Hour)
	window, err := store.ListTransactions(ctx, "biz-1", loyalty.TransactionFilter{From: &from, To: &to}, loyalty.OrderNewestFirst)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "t2", window[0].ID)

	purchases, err := store.ListTransactions(ctx, "biz-1", loyalty.TransactionFilter{Type: loyalty.TxPurchase, Limit: 1}, loyalty.OrderNewestFirst)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, "t3", purchases[0].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBack(t *testing.T) {
	// GIVEN: A transaction that inserts a customer and then hits a
	//        duplicate idempotency key
	// THEN: The customer insert is rolled back too

	store := newTestStore(t)
	ctx := context.Background()
	tx := purchase("t1", "c0", t0, 1)
	tx.IdempotencyKey = "k"
	require.NoError(t, store.Append(ctx, tx))

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		if err := s.InsertCustomer(ctx, customer("c1", "111", "000001", "A")); err != nil {
			return err
		}
		dup := purchase("t2", "c1", t0, 10)
		dup.IdempotencyKey = "k"
		return s.Append(ctx, dup)
	})
	require.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)

	_, err = store.GetCustomer(ctx, "biz-1", "c1")
	assert.ErrorIs(t, err, loyalty.ErrCustomerNotFound)
}

func TestStore_WithTx_PropagatesCallerError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s loyalty.Store) error {
		require.NoError(t, s.InsertCustomer(ctx, customer("c1", "111", "000001", "A")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	customers, err := store.ListCustomers(ctx, "biz-1", loyalty.CustomerFilter{})
	require.NoError(t, err)
	assert.Empty(t, customers)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngineOnSQLite_PurchaseRedeemReconcile(t *testing.T) {
	store := newTestStore(t)
	engine, err := loyalty.NewEngine(store)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := engine.CreateCustomerAndPurchase(ctx, "biz-1",
		loyalty.NewCustomer{Name: "Maria", Phone: "1", CPF: "123.456.789-01"},
		decimal.RequireFromString("600.00"))
	require.NoError(t, err)

	red, err := engine.RecordRedemption(ctx, "biz-1", res.Customer.ID, decimal.RequireFromString("5.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(350), red.NewPoints)

	c, err := engine.ResolveCustomer(ctx, "biz-1", "12345678901")
	require.NoError(t, err)
	assert.Equal(t, int64(350), c.Points)
	assert.Equal(t, "5.00", c.BonusBalance.StringFixed(2))

	report, err := engine.Reconcile(ctx, "biz-1", c.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Transactions)
}

func TestEngineOnSQLite_ConcurrentPurchases(t *testing.T) {
	store := newTestStore(t)
	engine, err := loyalty.NewEngine(store, loyalty.WithMaxAttempts(50), loyalty.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	c, err := engine.CreateCustomer(ctx, "biz-1", loyalty.NewCustomer{Name: "Maria", Phone: "1", CPF: "111"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RecordPurchase(ctx, "biz-1", c.ID, decimal.RequireFromString("50.00"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := engine.GetCustomer(ctx, "biz-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), stored.Points)
	assert.Equal(t, "10.00", stored.BonusBalance.StringFixed(2))
}

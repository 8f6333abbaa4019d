package api

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
	"github.com/warp/loyalty-engine/loyalty/store"
)

type auditCounter struct {
	mu     sync.Mutex
	ok     int
	failed int
}

func (a *auditCounter) ObserveAudit(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.failed++
		return
	}
	a.ok++
}

func (a *auditCounter) runs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ok + a.failed
}

func TestAuditScheduler_RunOnce_FindsDrift(t *testing.T) {
	// GIVEN: Two businesses, one account edited around the engine
	// WHEN: Running a sweep
	// THEN: Every customer is checked and exactly one drift is reported

	ctx := context.Background()
	mem := store.NewTxMemory()
	engine, err := loyalty.NewEngine(mem)
	require.NoError(t, err)

	var tampered *loyalty.PurchaseResult
	for i, biz := range []string{"biz-1", "biz-2"} {
		for _, cpf := range []string{"111", "222"} {
			res, err := engine.CreateCustomerAndPurchase(ctx, biz,
				loyalty.NewCustomer{Name: "C" + cpf, Phone: "1", CPF: cpf},
				decimal.NewFromInt(int64(100*(i+1))))
			require.NoError(t, err)
			tampered = res
		}
	}
	c := tampered.Customer
	require.NoError(t, mem.UpdateBalance(ctx, loyalty.BalanceUpdate{
		BusinessID:      c.BusinessID,
		CustomerID:      c.ID,
		ExpectedVersion: c.Version,
		Points:          c.Points + 1,
		BonusBalance:    c.BonusBalance,
		UpdatedAt:       time.Now(),
	}))

	counter := &auditCounter{}
	scheduler := NewAuditScheduler(engine, time.Hour, nil)
	scheduler.Observer = counter

	summary, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, AuditSummary{Businesses: 2, Customers: 4, Drifted: 1}, summary)
	assert.Equal(t, 1, counter.ok)
}

// failingBusinesses breaks the business listing.
type failingBusinesses struct {
	*store.TxMemory
}

func (failingBusinesses) BusinessIDs(context.Context) ([]string, error) {
	return nil, errors.New("database is closed")
}

func TestAuditScheduler_RunOnce_StoreFailure(t *testing.T) {
	engine, err := loyalty.NewEngine(failingBusinesses{TxMemory: store.NewTxMemory()})
	require.NoError(t, err)

	counter := &auditCounter{}
	scheduler := NewAuditScheduler(engine, time.Hour, nil)
	scheduler.Observer = counter

	_, err = scheduler.RunOnce(context.Background())
	assert.ErrorIs(t, err, loyalty.ErrStoreUnavailable)
	assert.Equal(t, 1, counter.failed)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	engine, err := loyalty.NewEngine(store.NewTxMemory())
	require.NoError(t, err)

	counter := &auditCounter{}
	scheduler := NewAuditScheduler(engine, 10*time.Millisecond, nil)
	scheduler.Observer = counter

	scheduler.Start()
	scheduler.Start() // no second goroutine
	require.Eventually(t, func() bool { return counter.runs() >= 2 }, 2*time.Second, 5*time.Millisecond)
	scheduler.Stop()
	scheduler.Stop()

	after := counter.runs()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, counter.runs(), "no sweeps after Stop")
}

func TestAuditScheduler_DisabledWithZeroInterval(t *testing.T) {
	engine, err := loyalty.NewEngine(store.NewTxMemory())
	require.NoError(t, err)

	counter := &auditCounter{}
	scheduler := NewAuditScheduler(engine, 0, nil)
	scheduler.Observer = counter

	scheduler.Start()
	time.Sleep(20 * time.Millisecond)
	scheduler.Stop()
	assert.Equal(t, 0, counter.runs())
}

/*
reconcile.go - Replaying the log against the denormalized balances

PURPOSE:
  Customer.Points and Customer.BonusBalance are a cache kept for read speed.
  The transaction log is the audit trail. Reconcile replays a customer's log
  and reports any difference between the two.

READ-ONLY:
  Reconcile never repairs. Drift means something wrote around the engine
  (manual SQL, a restored backup) and needs an operator.

CONSISTENT SNAPSHOT:
  The account and its log are read inside one store transaction so a
  concurrent purchase cannot show up as drift.
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReconcileReport compares replayed log totals with the account fields.
type ReconcileReport struct {
	BusinessID    string
	CustomerID    string
	Transactions  int
	LedgerPoints  int64
	LedgerBonus   decimal.Decimal
	AccountPoints int64
	AccountBonus  decimal.Decimal
	PointsDrift   int64           // account - ledger
	BonusDrift    decimal.Decimal // account - ledger
}

// Consistent reports whether the account matches its log.
func (r ReconcileReport) Consistent() bool {
	return r.PointsDrift == 0 && r.BonusDrift.IsZero()
}

// Reconcile replays the customer's transaction log oldest-first.
func (e *Engine) Reconcile(ctx context.Context, businessID, customerID string) (*ReconcileReport, error) {
	start := time.Now()
	var report *ReconcileReport
	err := e.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCustomer(ctx, businessID, customerID)
		if err != nil {
			return err
		}
		txs, err := s.ListTransactions(ctx, businessID, TransactionFilter{CustomerID: customerID}, OrderOldestFirst)
		if err != nil {
			return err
		}
		report = replay(*c, txs)
		return nil
	})
	err = storeErr("reconcile", err)
	e.finish(OpReconcile, businessID, customerID, start, err)
	if err != nil {
		return nil, err
	}
	if !report.Consistent() {
		e.recorder.ObserveDrift()
		e.logger.Error("balance drift detected",
			zap.String("business_id", businessID),
			zap.String("customer_id", customerID),
			zap.Int64("points_drift", report.PointsDrift),
			zap.String("bonus_drift", report.BonusDrift.StringFixed(2)),
		)
	}
	return report, nil
}

func replay(c Customer, txs []Transaction) *ReconcileReport {
	r := &ReconcileReport{
		BusinessID:    c.BusinessID,
		CustomerID:    c.ID,
		Transactions:  len(txs),
		LedgerBonus:   decimal.Zero,
		AccountPoints: c.Points,
		AccountBonus:  c.BonusBalance,
	}
	for _, tx := range txs {
		r.LedgerPoints += tx.PointsDelta
		r.LedgerBonus = r.LedgerBonus.Add(tx.BonusDelta)
	}
	r.LedgerBonus = Round2(r.LedgerBonus)
	r.PointsDrift = r.AccountPoints - r.LedgerPoints
	r.BonusDrift = Round2(r.AccountBonus.Sub(r.LedgerBonus))
	return r
}

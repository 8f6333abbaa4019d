package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestMetrics_LedgerCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation(loyalty.OpPurchase, "ok", 3*time.Millisecond)
	m.ObserveOperation(loyalty.OpPurchase, "ok", 5*time.Millisecond)
	m.ObserveOperation(loyalty.OpRedemption, "insufficient_points", time.Millisecond)
	m.ObserveConflict(loyalty.OpRedemption)
	m.ObservePurchase(600, decimal.NewFromInt(10))
	m.ObserveRedemption(250, decimal.RequireFromString("5.00"))
	m.ObserveDrift()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("purchase", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("redemption", "insufficient_points")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("redemption")))
	assert.Equal(t, 600.0, testutil.ToFloat64(m.pointsAccrued))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.pointsRedeemed))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.bonusAwarded))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.bonusRedeemed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drift))
}

func TestMetrics_RequestsAndAudits(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("POST", "/api/businesses/{businessID}/purchases", 201, 2*time.Millisecond)
	m.ObserveRequest("GET", "", 404, time.Millisecond)
	m.ObserveAudit(nil)
	m.ObserveAudit(errors.New("db closed"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "/api/businesses/{businessID}/purchases", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditRuns.WithLabelValues("error")))
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) }, "duplicate registration must fail loudly")
}

// Package metrics exposes ledger and HTTP health signals to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Metrics implements loyalty.Recorder and records HTTP request telemetry.
type Metrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	conflicts       *prometheus.CounterVec
	pointsAccrued   prometheus.Counter
	pointsRedeemed  prometheus.Counter
	bonusAwarded    prometheus.Counter
	bonusRedeemed   prometheus.Counter
	drift           prometheus.Counter
	auditRuns       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on registerer.
// A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_ledger_operations_total",
			Help: "Ledger operations by type and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loyalty_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency including retries.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_ledger_conflicts_total",
			Help: "Optimistic concurrency conflicts by operation.",
		}, []string{"operation"}),
		pointsAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_points_accrued_total",
			Help: "Points credited by purchases.",
		}),
		pointsRedeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_points_redeemed_total",
			Help: "Points consumed by redemptions.",
		}),
		bonusAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_bonus_awarded_total",
			Help: "Bonus currency awarded for crossed tiers.",
		}),
		bonusRedeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_bonus_redeemed_total",
			Help: "Bonus currency withdrawn by redemptions.",
		}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_reconcile_drift_total",
			Help: "Accounts whose balance disagreed with their transaction log.",
		}),
		auditRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_audit_runs_total",
			Help: "Background reconciliation sweeps by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loyalty_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registerer.MustRegister(
		m.operations,
		m.duration,
		m.conflicts,
		m.pointsAccrued,
		m.pointsRedeemed,
		m.bonusAwarded,
		m.bonusRedeemed,
		m.drift,
		m.auditRuns,
		m.requests,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) ObserveOperation(op loyalty.Operation, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(string(op), outcome).Inc()
	m.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveConflict(op loyalty.Operation) {
	m.conflicts.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) ObservePurchase(pointsEarned int64, bonusAwarded decimal.Decimal) {
	m.pointsAccrued.Add(float64(pointsEarned))
	m.bonusAwarded.Add(bonusAwarded.InexactFloat64())
}

func (m *Metrics) ObserveRedemption(pointsDeducted int64, amount decimal.Decimal) {
	m.pointsRedeemed.Add(float64(pointsDeducted))
	m.bonusRedeemed.Add(amount.InexactFloat64())
}

func (m *Metrics) ObserveDrift() {
	m.drift.Inc()
}

// ObserveAudit counts one background reconciliation sweep.
func (m *Metrics) ObserveAudit(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.auditRuns.WithLabelValues(result).Inc()
}

// ObserveRequest records one HTTP request. route is the chi route pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

var _ loyalty.Recorder = (*Metrics)(nil)

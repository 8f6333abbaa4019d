/*
scheduler.go - Periodic balance audit

PURPOSE:
  Every AuditInterval, replays every customer's transaction log against the
  stored balance and reports drift. Drift is logged and counted; nothing is
  repaired.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps business by business, customer by customer
  - A failing customer is logged and skipped; the sweep continues
  - Each sweep is bounded by the interval so a slow store cannot stack sweeps

USAGE:
  scheduler := NewAuditScheduler(engine, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/reconcile.go: The per-customer replay
  - handlers.go: ReconcileCustomer endpoint (on demand)
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
	"go.uber.org/zap"
)

// AuditObserver counts completed sweeps. metrics.Metrics implements it.
type AuditObserver interface {
	ObserveAudit(err error)
}

// AuditSummary describes one sweep.
type AuditSummary struct {
	Businesses int
	Customers  int
	Drifted    int
	Failed     int
}

// AuditScheduler runs Reconcile over every customer on a timer.
type AuditScheduler struct {
	Engine   *loyalty.Engine
	Interval time.Duration
	Logger   *zap.Logger
	Observer AuditObserver

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewAuditScheduler creates a new scheduler. An interval <= 0 disables it.
func NewAuditScheduler(engine *loyalty.Engine, interval time.Duration, logger *zap.Logger) *AuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditScheduler{
		Engine:   engine,
		Interval: interval,
		Logger:   logger,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Logger.Info("audit scheduler disabled")
		return
	}
	if s.running {
		return
	}

	s.stop = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("audit scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.running = false
	s.Logger.Info("audit scheduler stopped")
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.Interval)
			go func() {
				select {
				case <-s.stop:
					cancel()
				case <-ctx.Done():
				}
			}()
			s.RunOnce(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// RunOnce performs a single sweep. The returned error joins every
// per-customer failure; the summary is valid either way.
func (s *AuditScheduler) RunOnce(ctx context.Context) (AuditSummary, error) {
	var summary AuditSummary
	start := time.Now()

	businesses, err := s.Engine.BusinessIDs(ctx)
	if err != nil {
		s.observe(err)
		s.Logger.Error("audit: listing businesses failed", zap.Error(err))
		return summary, err
	}

	var errs []error
	for _, biz := range businesses {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Businesses++

		customers, err := s.Engine.ListCustomers(ctx, biz, loyalty.CustomerFilter{})
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("business %s: %w", biz, err))
			s.Logger.Error("audit: listing customers failed", zap.String("business_id", biz), zap.Error(err))
			continue
		}

		for _, c := range customers {
			report, err := s.Engine.Reconcile(ctx, biz, c.ID)
			if err != nil {
				summary.Failed++
				errs = append(errs, fmt.Errorf("customer %s/%s: %w", biz, c.ID, err))
				continue
			}
			summary.Customers++
			if !report.Consistent() {
				summary.Drifted++
			}
		}
	}

	err = errors.Join(errs...)
	s.observe(err)
	s.Logger.Info("audit sweep completed",
		zap.Int("businesses", summary.Businesses),
		zap.Int("customers", summary.Customers),
		zap.Int("drifted", summary.Drifted),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, err
}

func (s *AuditScheduler) observe(err error) {
	if s.Observer != nil {
		s.Observer.ObserveAudit(err)
	}
}

// Package reconcile resolves purchases whose provider outcome is unknown and
// repairs work left behind by a crashed process.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
)

// Purchases is the orchestrator API used by the worker.
type Purchases interface {
	Get(ctx context.Context, id string) (purchase.Request, error)
	ListByState(ctx context.Context, state purchase.State, olderThan time.Time, limit int) ([]purchase.Request, error)
	MarkPending(ctx context.Context, id string, reason string) (purchase.Request, error)
	Abandon(ctx context.Context, id string) (purchase.Request, error)
	Resolve(ctx context.Context, id string, outcome provider.Outcome) (purchase.Request, error)
}

// Reservations is the ledger API used to settle expired holds.
type Reservations interface {
	ListExpiredReservations(ctx context.Context, limit int) ([]ledger.Reservation, error)
	Commit(ctx context.Context, token ledger.ReservationToken) error
	Release(ctx context.Context, token ledger.ReservationToken) error
}

// StatusChecker queries the provider for a submitted purchase.
type StatusChecker interface {
	Status(ctx context.Context, idempotencyKey string, providerRef string) provider.Outcome
}

// Recorder observes sweep results.
type Recorder interface {
	SweepCompleted(report Report)
}

// Config tunes the worker. SubmittedGrace must exceed the provider submit
// timeout so a live call is never mistaken for a crashed one.
type Config struct {
	Interval       time.Duration
	Grace          time.Duration
	SubmittedGrace time.Duration
	BatchSize      int
	Concurrency    int
}

// Report counts what one sweep did.
type Report struct {
	MarkedPending int
	Abandoned     int
	Succeeded     int
	Failed        int
	StillPending  int
	Exhausted     int
	Committed     int
	Released      int
	Errors        int
}

// Worker runs reconciliation sweeps.
type Worker struct {
	purchases    Purchases
	reservations Reservations
	status       StatusChecker
	config       Config
	logger       *zap.Logger
	recorder     Recorder
	now          func() time.Time
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(worker *Worker) {
		if logger != nil {
			worker.logger = logger
		}
	}
}

// WithRecorder attaches a sweep observer.
func WithRecorder(recorder Recorder) Option {
	return func(worker *Worker) {
		worker.recorder = recorder
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(worker *Worker) {
		if now != nil {
			worker.now = now
		}
	}
}

// NewWorker validates cfg and wires a Worker.
func NewWorker(purchases Purchases, reservations Reservations, status StatusChecker, cfg Config, options ...Option) (*Worker, error) {
	if purchases == nil || reservations == nil || status == nil {
		return nil, errors.New("reconcile: purchases, reservations and status checker are required")
	}
	if cfg.Interval <= 0 || cfg.Grace <= 0 || cfg.SubmittedGrace <= 0 {
		return nil, fmt.Errorf("reconcile: interval, grace and submitted grace must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	worker := &Worker{
		purchases:    purchases,
		reservations: reservations,
		status:       status,
		config:       cfg,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(worker)
		}
	}
	return worker, nil
}

// Run sweeps every interval until ctx is cancelled.
func (worker *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(worker.config.Interval)
	defer ticker.Stop()
	worker.logger.Info("reconciliation worker started", zap.Duration("interval", worker.config.Interval))
	for {
		select {
		case <-ctx.Done():
			worker.logger.Info("reconciliation worker stopped")
			return nil
		case <-ticker.C:
			if _, err := worker.Sweep(ctx); err != nil && ctx.Err() == nil {
				worker.logger.Error("reconciliation sweep", zap.Error(err))
			}
		}
	}
}

// Sweep runs one reconciliation pass. Failures of single purchases are
// counted and joined into the returned error; the pass continues.
func (worker *Worker) Sweep(ctx context.Context) (Report, error) {
	tally := &tally{}
	now := worker.now().UTC()

	worker.markStaleSubmitted(ctx, now.Add(-worker.config.SubmittedGrace), tally)
	worker.abandonStale(ctx, purchase.StateQuoted, now.Add(-worker.config.Grace), tally)
	worker.abandonStale(ctx, purchase.StateReserved, now.Add(-worker.config.Grace), tally)
	worker.resolvePending(ctx, now.Add(-worker.config.Grace), tally)
	worker.settleExpired(ctx, tally)

	report, err := tally.result()
	if worker.recorder != nil {
		worker.recorder.SweepCompleted(report)
	}
	worker.logger.Info("reconciliation sweep",
		zap.Int("marked_pending", report.MarkedPending),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("still_pending", report.StillPending),
		zap.Int("exhausted", report.Exhausted),
		zap.Int("committed", report.Committed),
		zap.Int("released", report.Released),
		zap.Int("errors", report.Errors),
	)
	return report, err
}

func (worker *Worker) markStaleSubmitted(ctx context.Context, olderThan time.Time, tally *tally) {
	requests, err := worker.purchases.ListByState(ctx, purchase.StateSubmitted, olderThan, worker.config.BatchSize)
	if err != nil {
		tally.fail(err)
		return
	}
	for _, request := range requests {
		if _, err := worker.purchases.MarkPending(ctx, request.ID, "no outcome recorded after submission"); err != nil {
			tally.fail(fmt.Errorf("mark pending %s: %w", request.ID, err))
			continue
		}
		tally.add(func(report *Report) { report.MarkedPending++ })
	}
}

func (worker *Worker) abandonStale(ctx context.Context, state purchase.State, olderThan time.Time, tally *tally) {
	requests, err := worker.purchases.ListByState(ctx, state, olderThan, worker.config.BatchSize)
	if err != nil {
		tally.fail(err)
		return
	}
	for _, request := range requests {
		if _, err := worker.purchases.Abandon(ctx, request.ID); err != nil {
			tally.fail(fmt.Errorf("abandon %s: %w", request.ID, err))
			continue
		}
		tally.add(func(report *Report) { report.Abandoned++ })
	}
}

func (worker *Worker) resolvePending(ctx context.Context, olderThan time.Time, tally *tally) {
	requests, err := worker.purchases.ListByState(ctx, purchase.StatePendingReconcile, olderThan, worker.config.BatchSize)
	if err != nil {
		tally.fail(err)
		return
	}
	group, groupContext := errgroup.WithContext(ctx)
	group.SetLimit(worker.config.Concurrency)
	for _, request := range requests {
		if request.NeedsReview {
			continue
		}
		request := request
		group.Go(func() error {
			outcome := worker.status.Status(groupContext, request.IdempotencyKey, request.ProviderRef)
			resolved, err := worker.purchases.Resolve(groupContext, request.ID, outcome)
			switch {
			case errors.Is(err, purchase.ErrReconciliationExhausted):
				worker.logger.Error("purchase needs manual review",
					zap.String("purchase_id", request.ID),
					zap.String("account_id", request.AccountID.String()),
					zap.Int("attempts", resolved.ReconcileAttempts),
					zap.Error(err),
				)
				tally.add(func(report *Report) { report.Exhausted++ })
			case err != nil:
				tally.fail(fmt.Errorf("resolve %s: %w", request.ID, err))
			case resolved.State == purchase.StateSucceeded:
				tally.add(func(report *Report) { report.Succeeded++ })
			case resolved.State == purchase.StateFailed:
				tally.add(func(report *Report) { report.Failed++ })
			default:
				tally.add(func(report *Report) { report.StillPending++ })
			}
			return nil
		})
	}
	_ = group.Wait()
}

// settleExpired closes held reservations whose purchase already finished.
// Holds of unfinished purchases stay untouched regardless of age.
func (worker *Worker) settleExpired(ctx context.Context, tally *tally) {
	reservations, err := worker.reservations.ListExpiredReservations(ctx, worker.config.BatchSize)
	if err != nil {
		tally.fail(err)
		return
	}
	for _, reservation := range reservations {
		if reservation.PurchaseRef == "" {
			continue
		}
		request, err := worker.purchases.Get(ctx, reservation.PurchaseRef)
		if errors.Is(err, purchase.ErrUnknownPurchase) {
			worker.logger.Warn("held reservation without purchase",
				zap.String("reservation_token", reservation.Token.String()),
				zap.String("purchase_ref", reservation.PurchaseRef),
			)
			continue
		}
		if err != nil {
			tally.fail(err)
			continue
		}
		switch request.State {
		case purchase.StateSucceeded:
			if err := worker.reservations.Commit(ctx, reservation.Token); err != nil {
				tally.fail(fmt.Errorf("commit %s: %w", reservation.Token.String(), err))
				continue
			}
			tally.add(func(report *Report) { report.Committed++ })
		case purchase.StateFailed:
			if err := worker.reservations.Release(ctx, reservation.Token); err != nil {
				tally.fail(fmt.Errorf("release %s: %w", reservation.Token.String(), err))
				continue
			}
			tally.add(func(report *Report) { report.Released++ })
		}
	}
}

type tally struct {
	mutex  sync.Mutex
	report Report
	errs   []error
}

func (tally *tally) add(update func(report *Report)) {
	tally.mutex.Lock()
	defer tally.mutex.Unlock()
	update(&tally.report)
}

func (tally *tally) fail(err error) {
	tally.mutex.Lock()
	defer tally.mutex.Unlock()
	tally.report.Errors++
	tally.errs = append(tally.errs, err)
}

func (tally *tally) result() (Report, error) {
	tally.mutex.Lock()
	defer tally.mutex.Unlock()
	return tally.report, errors.Join(tally.errs...)
}

// Package reaper reconciles runs whose holders went silent. Its one job is
// choosing the safe side of the money question when a worker vanished:
//
//   - a valid receipt exists: the work finished and the cost is known, so
//     roll forward and settle at the receipt's value;
//   - no receipt and a reservation is held: the work cannot be proven, so
//     roll back, release the reservation and charge the minimum fee;
//   - anything else: escalate to audit rather than guess.
//
// Multiple reaper replicas may sweep concurrently. AcquireRecovery makes
// each run's resolution a version race like any other transition; losers
// skip and the run is resolved exactly once.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/alert"
	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/observability"
	"github.com/ghilp934/Decisionproof/receipt"
	"github.com/ghilp934/Decisionproof/run"
)

// sweepBatch bounds how many runs one sweep pass pulls per listing.
const sweepBatch = 100

// Reaper periodically resolves expired-lease and stale runs.
type Reaper struct {
	runs     run.Store
	budgets  run.BudgetStore
	receipts receipt.Store
	enforcer *meter.Enforcer
	notifier alert.Notifier

	cfg     settle.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	usdMicrosPerDC int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures the Reaper.
type Option func(*Reaper)

// WithConfig replaces the default timing configuration.
func WithConfig(cfg settle.Config) Option {
	return func(r *Reaper) { r.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithNotifier sets the alert notifier for audit escalations.
func WithNotifier(n alert.Notifier) Option {
	return func(r *Reaper) { r.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithUSDMicrosPerDC sets the cost-to-credits conversion rate.
func WithUSDMicrosPerDC(n int64) Option {
	return func(r *Reaper) { r.usdMicrosPerDC = n }
}

// New creates a Reaper.
func New(runs run.Store, budgets run.BudgetStore, receipts receipt.Store, enforcer *meter.Enforcer, opts ...Option) *Reaper {
	r := &Reaper{
		runs:           runs,
		budgets:        budgets,
		receipts:       receipts,
		enforcer:       enforcer,
		notifier:       &alert.SlogNotifier{},
		cfg:            settle.DefaultConfig(),
		logger:         slog.Default(),
		metrics:        observability.NewMetrics(),
		now:            time.Now,
		usdMicrosPerDC: 10_000,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep goroutine. It returns immediately.
func (rp *Reaper) Start(_ context.Context) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return nil
	}
	rp.running = true
	rp.stopCh = make(chan struct{})

	rp.wg.Add(1)
	go rp.loop()
	return nil
}

// Stop halts sweeping and waits for the current pass to finish.
func (rp *Reaper) Stop(ctx context.Context) error {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return nil
	}
	rp.running = false
	rp.mu.Unlock()

	close(rp.stopCh)

	done := make(chan struct{})
	go func() {
		rp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rp *Reaper) loop() {
	defer rp.wg.Done()

	for {
		select {
		case <-rp.stopCh:
			return
		case <-time.After(rp.jitteredInterval()):
			ctx, cancel := context.WithTimeout(context.Background(), rp.cfg.SweepInterval)
			rp.Sweep(ctx)
			cancel()
		}
	}
}

// jitteredInterval spreads replica sweeps so they do not stampede the
// store in lockstep.
func (rp *Reaper) jitteredInterval() time.Duration {
	base := rp.cfg.SweepInterval
	if rp.cfg.SweepJitter <= 0 {
		return base
	}
	spread := rp.cfg.SweepJitter * float64(base)
	return base + time.Duration((rand.Float64()*2-1)*spread)
}

// Sweep runs one reconciliation pass: expired leases first, then the
// age sweep for runs that never obtained a lease at all.
func (rp *Reaper) Sweep(ctx context.Context) {
	now := rp.now()

	seen := make(map[string]bool)

	expired, err := rp.runs.ListExpiredLeases(ctx, now, sweepBatch)
	if err != nil {
		rp.logger.Error("list expired leases failed", "error", err)
	}
	for _, r := range expired {
		seen[r.ID.String()] = true
		rp.resolve(ctx, r)
	}

	stale, err := rp.runs.ListStaleRuns(ctx, now.Add(-rp.cfg.StaleRunAge), sweepBatch)
	if err != nil {
		rp.logger.Error("list stale runs failed", "error", err)
	}
	for _, r := range stale {
		if seen[r.ID.String()] {
			continue
		}
		rp.resolve(ctx, r)
	}
}

// resolve decides one run's fate. Every branch goes through AcquireRecovery
// first so a late write from the original holder cannot land afterwards.
func (rp *Reaper) resolve(ctx context.Context, r *run.Run) {
	logger := rp.logger.With("run_id", r.ID, "tenant_id", r.TenantID, "status", r.Status)

	recovered, err := rp.runs.AcquireRecovery(ctx, r.ID, r.Version)
	if err != nil {
		if errors.Is(err, settle.ErrConflict) {
			// The run moved since we listed it; the holder came back or
			// another replica owns the recovery. Leave it for next sweep.
			return
		}
		logger.Error("acquire recovery failed", "error", err)
		return
	}

	rec, err := rp.receipts.Head(ctx, receipt.RefForRun(r.ID))
	switch {
	case err == nil:
		if rec.Validate(recovered.ReservationUSDMicros) {
			rp.rollForward(ctx, recovered, rec, logger)
			return
		}
		logger.Warn("receipt failed validation",
			"receipt_cost_usd_micros", rec.ActualCostUSDMicros,
			"reservation_usd_micros", recovered.ReservationUSDMicros)
		rp.escalate(ctx, recovered, "receipt failed validation", logger)

	case errors.Is(err, settle.ErrReceiptNotFound):
		if recovered.ReservationUSDMicros > 0 {
			rp.rollBack(ctx, recovered, logger)
			return
		}
		rp.escalate(ctx, recovered, "no receipt and no reservation", logger)

	case errors.Is(err, settle.ErrReceiptInvalid):
		rp.escalate(ctx, recovered, "receipt unreadable", logger)

	default:
		// Transient receipt store failure: no decision this sweep.
		logger.Error("receipt lookup failed", "error", err)
	}
}

// rollForward settles the run at the receipt's cost. The worker finished
// the work; it just never got to write the settlement.
func (rp *Reaper) rollForward(ctx context.Context, r *run.Run, rec *receipt.Receipt, logger *slog.Logger) {
	settled, err := rp.runs.ResolveRun(ctx, r.ID, r.Version, run.StatusSettled, &rec.ActualCostUSDMicros, rec.Ref)
	if err != nil {
		if !errors.Is(err, settle.ErrConflict) {
			logger.Error("roll-forward failed", "error", err)
		}
		return
	}
	rp.metrics.Resolved(ctx, "roll_forward")

	if excess := settled.ReservationUSDMicros - rec.ActualCostUSDMicros; excess > 0 {
		if err := rp.budgets.CreditBudget(ctx, settled.TenantID, excess); err != nil {
			logger.Error("reservation release failed", "excess_usd_micros", excess, "error", err)
		}
	}
	rp.recordUsage(ctx, settled, rec.ActualCostUSDMicros, meter.OutcomeSuccess, logger)

	logger.Info("run rolled forward from receipt",
		"cost_usd_micros", rec.ActualCostUSDMicros)
}

// rollBack releases the reservation minus the minimum fee. Without a
// receipt the work cannot be proven, and charging more than the minimum
// would bill for results that may not exist.
func (rp *Reaper) rollBack(ctx context.Context, r *run.Run, logger *slog.Logger) {
	fee := r.MinimumFeeUSDMicros
	if fee > r.ReservationUSDMicros {
		fee = r.ReservationUSDMicros
	}

	resolved, err := rp.runs.ResolveRun(ctx, r.ID, r.Version, run.StatusRolledBack, &fee, "")
	if err != nil {
		if !errors.Is(err, settle.ErrConflict) {
			logger.Error("roll-back failed", "error", err)
		}
		return
	}
	rp.metrics.Resolved(ctx, "roll_back")

	if refund := resolved.ReservationUSDMicros - fee; refund > 0 {
		if err := rp.budgets.CreditBudget(ctx, resolved.TenantID, refund); err != nil {
			logger.Error("reservation refund failed", "refund_usd_micros", refund, "error", err)
		}
	}
	rp.recordUsage(ctx, resolved, fee, meter.OutcomeRolledBack, logger)

	logger.Info("run rolled back", "minimum_fee_usd_micros", fee)
}

// escalate parks the run for manual review and pages.
func (rp *Reaper) escalate(ctx context.Context, r *run.Run, reason string, logger *slog.Logger) {
	if _, err := rp.runs.ResolveRun(ctx, r.ID, r.Version, run.StatusAuditRequired, nil, ""); err != nil {
		if !errors.Is(err, settle.ErrConflict) {
			logger.Error("audit escalation failed", "error", err)
		}
		return
	}
	rp.metrics.Resolved(ctx, "audit")

	rp.notifier.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Summary:  "run requires manual audit",
		RunID:    r.ID,
		TenantID: r.TenantID,
		Fields: map[string]any{
			"reason":                 reason,
			"reservation_usd_micros": r.ReservationUSDMicros,
		},
		At: rp.now(),
	})
	logger.Error("run escalated to audit", "reason", reason)
}

// recordUsage mirrors the worker path's usage recording; the shared dedup
// marker keeps double counting out when both paths run.
func (rp *Reaper) recordUsage(ctx context.Context, r *run.Run, costMicros int64, outcome meter.Outcome, logger *slog.Logger) {
	if rp.enforcer == nil {
		return
	}
	dc := (costMicros + rp.usdMicrosPerDC - 1) / rp.usdMicrosPerDC
	if _, err := rp.enforcer.RecordUsage(ctx, r.TenantID, r.ID, dc, outcome, rp.enforcer.Cycle()); err != nil {
		logger.Error("usage recording failed", "error", err)
	}
}

// Package gate performs admission: rate and quota checks, idempotent run
// creation with budget reservation, and handoff to the queue.
//
// Admission order is deliberate. The rate check runs before any money
// moves; the budget debit and the run insert commit atomically; the
// enqueue happens last, after the run row durably exists. A run that was
// admitted but never enqueued is rolled back by the gate itself; if even
// that fails, the row stays reserved and the reconciliation age sweep
// rolls it back. Either way the reservation is released exactly once.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/run"
)

// AdmitRequest is one admission attempt.
type AdmitRequest struct {
	TenantID       id.TenantID
	IdempotencyKey string

	// ReservationUSDMicros is the caller-declared cost ceiling, debited
	// from the tenant budget on admission.
	ReservationUSDMicros int64

	// MinimumFeeUSDMicros is charged if the run later rolls back without
	// a result.
	MinimumFeeUSDMicros int64

	// Limits are the tenant's admission limits; zero values are unlimited.
	Limits meter.Limits

	// TraceID correlates the run with the admission request. Generated
	// when empty.
	TraceID id.TraceID
}

// AdmitResult is the outcome of an admission attempt. Exactly one of
// Rejection or Run is set; Duplicate marks an idempotency key replay
// resolved to the original run.
type AdmitResult struct {
	Run       *run.Run
	Duplicate bool
	Rejection *meter.Rejection
}

// Gate admits runs against the run store, budget store, enforcer and queue.
type Gate struct {
	runs     run.Store
	budgets  run.BudgetStore
	queue    queue.Queue
	enforcer *meter.Enforcer
	logger   *slog.Logger
}

// Option configures the Gate.
type Option func(*Gate)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a Gate.
func New(runs run.Store, budgets run.BudgetStore, q queue.Queue, enforcer *meter.Enforcer, opts ...Option) *Gate {
	g := &Gate{
		runs:     runs,
		budgets:  budgets,
		queue:    q,
		enforcer: enforcer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit runs the full admission sequence. A returned error is either a
// billing-level sentinel (ErrBudgetInsufficient, ErrTenantNotFound) or a
// transient infrastructure failure; limit rejections arrive in the result,
// not the error.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("settle/gate: idempotency key required")
	}

	// Rate and quota first: a limited tenant must not touch the budget.
	// The RPM increment this performs is never rolled back, even when a
	// later step fails.
	rej, err := g.enforcer.Check(ctx, req.TenantID, req.Limits)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return &AdmitResult{Rejection: rej}, nil
	}

	// Fast path for replays: no debit, no insert.
	if existing, err := g.runs.FindRunByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey); err == nil {
		return &AdmitResult{Run: existing, Duplicate: true}, nil
	} else if !errors.Is(err, settle.ErrRunNotFound) {
		return nil, err
	}

	traceID := req.TraceID
	if traceID.IsNil() {
		traceID = id.NewTraceID()
	}

	r := &run.Run{
		ID:                   id.NewRunID(),
		TenantID:             req.TenantID,
		IdempotencyKey:       req.IdempotencyKey,
		ReservationUSDMicros: req.ReservationUSDMicros,
		MinimumFeeUSDMicros:  req.MinimumFeeUSDMicros,
		TraceID:              traceID,
	}

	if err := g.runs.CreateRun(ctx, r); err != nil {
		if errors.Is(err, settle.ErrDuplicateRun) {
			// Lost the insert race; the winner's row is the answer.
			winner, findErr := g.runs.FindRunByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if findErr != nil {
				return nil, fmt.Errorf("settle/gate: resolve duplicate: %w", findErr)
			}
			return &AdmitResult{Run: winner, Duplicate: true}, nil
		}
		return nil, err
	}

	msg := &queue.Message{
		ID:       id.NewMessageID(),
		RunID:    r.ID,
		TenantID: r.TenantID,
		TraceID:  r.TraceID,
	}
	if err := g.queue.Enqueue(ctx, msg); err != nil {
		g.releaseFailedAdmission(ctx, r)
		return nil, fmt.Errorf("settle/gate: enqueue run %s: %w", r.ID, err)
	}

	g.logger.Info("run admitted",
		"run_id", r.ID,
		"tenant_id", r.TenantID,
		"reservation_usd_micros", r.ReservationUSDMicros,
		"trace_id", r.TraceID,
	)
	return &AdmitResult{Run: r}, nil
}

// releaseFailedAdmission unwinds a run that was inserted but never enqueued.
// The refund is tied to the terminal transition: only the actor that rolls
// the run back may credit the reservation, so the gate and the
// reconciliation sweep can never both release the same money. No work was
// consumed, so no minimum fee applies.
func (g *Gate) releaseFailedAdmission(ctx context.Context, r *run.Run) {
	zero := int64(0)
	if _, err := g.runs.ResolveRun(ctx, r.ID, r.Version, run.StatusRolledBack, &zero, ""); err != nil {
		// The row stays reserved; the age sweep owns both the roll-back
		// and the refund.
		g.logger.Warn("failed admission left for reconciliation",
			"run_id", r.ID, "tenant_id", r.TenantID, "error", err)
		return
	}
	if r.ReservationUSDMicros > 0 {
		if err := g.budgets.CreditBudget(ctx, r.TenantID, r.ReservationUSDMicros); err != nil {
			g.logger.Error("credit after failed enqueue",
				"run_id", r.ID, "tenant_id", r.TenantID, "error", err)
		}
	}
}

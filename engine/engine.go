// Package engine runs the worker side of settlement: receive a message,
// win the claim, execute the job body under a heartbeated lease, write the
// receipt, settle the run, record usage, ack.
//
// The receipt upload is the point of no return. Before it, a crash costs
// nothing but the minimum fee; after it, the actual cost is durable and
// every path to settlement (this worker or a reconciliation sweep) writes
// the same value.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/backoff"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/lease"
	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/observability"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/receipt"
	"github.com/ghilp934/Decisionproof/run"
)

// JobResult is what a job body produces: the result payload and what it
// actually cost.
type JobResult struct {
	CostUSDMicros int64
	Body          []byte

	// Unprocessable marks a run that executed fully but whose input could
	// not be acted on. The run still settles and still bills; only the
	// usage outcome differs.
	Unprocessable bool
}

// JobRunner executes the job body for a claimed run. The context is
// cancelled with cause ErrLeaseLost if the lease is lost mid-execution; a
// runner that keeps going afterwards wastes work but cannot corrupt
// billing, because every write after cancellation loses its CAS.
type JobRunner interface {
	Run(ctx context.Context, r *run.Run) (*JobResult, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, r *run.Run) (*JobResult, error)

func (f JobRunnerFunc) Run(ctx context.Context, r *run.Run) (*JobResult, error) {
	return f(ctx, r)
}

// Engine manages a set of concurrent consumer goroutines.
type Engine struct {
	runs     run.Store
	budgets  run.BudgetStore
	queue    queue.Queue
	receipts receipt.Store
	enforcer *meter.Enforcer
	runner   JobRunner

	cfg      settle.Config
	workerID id.WorkerID
	logger   *slog.Logger
	metrics  *observability.Metrics
	throttle *rate.Limiter
	retry    backoff.Strategy

	// usdMicrosPerDC converts settled cost to Decision Credits for usage
	// recording, rounding up.
	usdMicrosPerDC int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures the Engine.
type Option func(*Engine)

// WithConfig replaces the default timing configuration.
func WithConfig(cfg settle.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithThrottle caps the receive rate across all consumer goroutines.
func WithThrottle(perSecond float64, burst int) Option {
	return func(e *Engine) { e.throttle = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithReceiveBackoff sets the delay strategy applied between failed
// receive attempts. Defaults to jittered exponential backoff.
func WithReceiveBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.retry = b }
}

// WithUSDMicrosPerDC sets the cost-to-credits conversion rate.
// Defaults to 10000 (one DC per cent).
func WithUSDMicrosPerDC(n int64) Option {
	return func(e *Engine) { e.usdMicrosPerDC = n }
}

// New creates an Engine.
func New(runs run.Store, budgets run.BudgetStore, q queue.Queue, receipts receipt.Store, enforcer *meter.Enforcer, runner JobRunner, opts ...Option) *Engine {
	e := &Engine{
		runs:           runs,
		budgets:        budgets,
		queue:          q,
		receipts:       receipts,
		enforcer:       enforcer,
		runner:         runner,
		cfg:            settle.DefaultConfig(),
		workerID:       id.NewWorkerID(),
		logger:         slog.Default(),
		metrics:        observability.NewMetrics(),
		retry:          backoff.DefaultStrategy(),
		usdMicrosPerDC: 10_000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkerID returns the engine's unique worker identifier.
func (e *Engine) WorkerID() id.WorkerID { return e.workerID }

// Start launches the consumer goroutines. It returns immediately.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.logger.Info("engine starting",
		slog.String("worker_id", e.workerID.String()),
		slog.Int("concurrency", e.cfg.Concurrency),
	)

	for range e.cfg.Concurrency {
		e.wg.Add(1)
		go e.receiveLoop()
	}
	return nil
}

// Stop signals all consumers to stop and waits for them to finish, bounded
// by the context deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("engine stopping", slog.String("worker_id", e.workerID.String()))
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped gracefully")
		return nil
	case <-ctx.Done():
		e.logger.Warn("engine shutdown timed out")
		return ctx.Err()
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.stopCh
		cancel()
	}()

	attempt := 0
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.throttle != nil {
			if err := e.throttle.Wait(ctx); err != nil {
				return
			}
		}

		deliveries, err := e.queue.Receive(ctx, 1, e.cfg.InitialLease, e.cfg.ReceiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			attempt++
			delay := e.retry.Delay(attempt)
			e.logger.Error("receive failed", "error", err,
				"attempt", attempt, "retry_in", delay)
			select {
			case <-e.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		for _, d := range deliveries {
			e.process(ctx, d)
		}
	}
}

// process handles one delivery end to end.
func (e *Engine) process(ctx context.Context, d *queue.Delivery) {
	logger := e.logger.With("run_id", d.RunID, "message_id", d.ID, "attempt", d.Attempt)

	r, err := e.runs.GetRun(ctx, d.RunID)
	if err != nil {
		if errors.Is(err, settle.ErrRunNotFound) {
			// Nothing to execute; drop the orphaned message.
			logger.Warn("message references unknown run, dropping")
			e.ack(ctx, d, logger)
			return
		}
		logger.Error("load run failed", "error", err)
		return
	}

	if r.Status.Terminal() {
		// Redelivery of finished work. The run store already has the
		// outcome; just retire the message.
		e.ack(ctx, d, logger)
		return
	}

	token := uuid.NewString()
	claimed, err := e.runs.ClaimRun(ctx, r.ID, r.Version, token, e.cfg.InitialLease)
	if err != nil {
		if errors.Is(err, settle.ErrConflict) {
			// Someone else owns this run. Their claim, their settlement;
			// our copy of the message is done.
			e.metrics.ClaimLost(ctx)
			e.ack(ctx, d, logger)
			return
		}
		logger.Error("claim failed", "error", err)
		return
	}
	e.metrics.ClaimWon(ctx)
	claimedAt := time.Now()

	processing, err := e.runs.MarkProcessing(ctx, r.ID, claimed.Version, token)
	if err != nil {
		// Lease already lost or store down; leave the message to expire
		// and the run to the reconciliation sweep.
		logger.Error("mark processing failed", "error", err)
		return
	}

	renewer := lease.NewRenewer(e.runs, e.queue, processing, d.ID, d.ReceiptHandle,
		e.cfg.HeartbeatInterval, e.cfg.LeaseExtension, e.logger)
	renewer.Start()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-renewer.Lost():
			cancelRun(settle.ErrLeaseLost)
		case <-runCtx.Done():
		}
	}()

	result, runErr := e.runner.Run(runCtx, processing)
	cancelRun(nil)

	if runErr != nil {
		renewer.Stop()
		select {
		case <-renewer.Lost():
			// Another actor owns the run now; write nothing.
			logger.Warn("lease lost during execution", "error", runErr)
			return
		default:
		}
		// Failed before any receipt existed: retire the message and let
		// the reconciliation sweep roll the run back for the minimum fee.
		logger.Error("job execution failed", "error", runErr)
		e.ack(ctx, d, logger)
		return
	}

	// Receipt upload, the point of no return for cost.
	ref := receipt.RefForRun(r.ID)
	rec := &receipt.Receipt{
		Ref:                 ref,
		RunID:               r.ID,
		ActualCostUSDMicros: result.CostUSDMicros,
		SHA256:              receipt.DigestBody(result.Body),
	}
	if err := e.receipts.Put(ctx, rec, result.Body); err != nil {
		// No receipt, no settlement. Abandon; the lease will expire and
		// the run rolls back.
		renewer.Stop()
		logger.Error("receipt upload failed", "error", err)
		return
	}

	renewer.Stop()

	select {
	case <-renewer.Lost():
		// Recovery owns the run and the durable receipt fixes the cost it
		// will settle at. Our settlement CAS can only miss; skip it.
		logger.Warn("lease lost before settlement, deferring to recovery")
		e.ack(ctx, d, logger)
		return
	default:
	}

	settled, err := e.runs.SettleRun(ctx, r.ID, renewer.Version(), token, result.CostUSDMicros, ref)
	if err != nil {
		if errors.Is(err, settle.ErrConflict) {
			// Recovery beat us to the row. The receipt is durable, so
			// whoever resolves the run settles at the same cost. Discard
			// our outcome and retire the message.
			logger.Warn("settlement lost compare-and-swap, deferring to recovery")
			e.ack(ctx, d, logger)
			return
		}
		logger.Error("settlement failed", "error", err)
		return
	}
	e.metrics.Settled(ctx, time.Since(claimedAt))

	// Release the unspent part of the reservation.
	if excess := settled.ReservationUSDMicros - result.CostUSDMicros; excess > 0 && e.budgets != nil {
		if err := e.budgets.CreditBudget(ctx, settled.TenantID, excess); err != nil {
			logger.Error("reservation release failed",
				"excess_usd_micros", excess, "error", err)
		}
	}

	outcome := meter.OutcomeSuccess
	if result.Unprocessable {
		outcome = meter.OutcomeUnprocessable
	}
	e.recordUsage(ctx, settled, outcome, logger)
	e.ack(ctx, d, logger)

	logger.Info("run settled",
		"cost_usd_micros", result.CostUSDMicros,
		"outcome", string(outcome),
		"version", settled.Version,
	)
}

// recordUsage converts the settled cost to Decision Credits and records it,
// idempotently per run.
func (e *Engine) recordUsage(ctx context.Context, r *run.Run, outcome meter.Outcome, logger *slog.Logger) {
	if r.ActualCostUSDMicros == nil || e.enforcer == nil {
		return
	}
	dc := (*r.ActualCostUSDMicros + e.usdMicrosPerDC - 1) / e.usdMicrosPerDC
	if _, err := e.enforcer.RecordUsage(ctx, r.TenantID, r.ID, dc, outcome, e.enforcer.Cycle()); err != nil {
		// Usage lags until a redelivery or reconciliation records it; the
		// dedup marker makes retries safe.
		logger.Error("usage recording failed", "error", err)
	}
}

func (e *Engine) ack(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	if err := e.queue.Ack(ctx, d.ID, d.ReceiptHandle); err != nil {
		if !errors.Is(err, settle.ErrMessageNotFound) {
			logger.Warn("ack failed", "error", err)
		}
	}
}

package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/backoff"
	"github.com/ghilp934/Decisionproof/engine"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/receipt"
	"github.com/ghilp934/Decisionproof/run"
	"github.com/ghilp934/Decisionproof/store/memory"
)

func testConfig() settle.Config {
	cfg := settle.DefaultConfig()
	cfg.Concurrency = 2
	cfg.InitialLease = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.LeaseExtension = 2 * time.Second
	cfg.ReceiveWait = 50 * time.Millisecond
	return cfg
}

func admitRun(t *testing.T, ctx context.Context, store *memory.Store, tenant id.TenantID, key string, reservation int64) *run.Run {
	t.Helper()
	r := &run.Run{
		ID:                   id.NewRunID(),
		TenantID:             tenant,
		IdempotencyKey:       key,
		ReservationUSDMicros: reservation,
		MinimumFeeUSDMicros:  50_000,
	}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.Enqueue(ctx, &queue.Message{ID: id.NewMessageID(), RunID: r.ID, TenantID: tenant}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestEngineSettlesRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	enforcer := meter.NewEnforcer(store)

	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)
	r := admitRun(t, ctx, store, tenant, "happy", 8_000_000)

	runner := engine.JobRunnerFunc(func(ctx context.Context, r *run.Run) (*engine.JobResult, error) {
		return &engine.JobResult{CostUSDMicros: 6_500_000, Body: []byte(`{"answer":42}`)}, nil
	})

	e := engine.New(store, store, store, store, enforcer, runner, engine.WithConfig(testConfig()))
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := store.GetRun(ctx, r.ID)
		return err == nil && got.Status == run.StatusSettled
	})

	got, _ := store.GetRun(ctx, r.ID)
	if got.ActualCostUSDMicros == nil || *got.ActualCostUSDMicros != 6_500_000 {
		t.Fatalf("cost = %v, want 6500000", got.ActualCostUSDMicros)
	}
	if got.ResultRef == "" {
		t.Error("result ref not recorded")
	}

	// Receipt is durable and carries the same cost.
	rec, err := store.Head(ctx, got.ResultRef)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if rec.ActualCostUSDMicros != 6_500_000 {
		t.Errorf("receipt cost = %d, want 6500000", rec.ActualCostUSDMicros)
	}

	// Unspent reservation released: 10.00 - 8.00 + 1.50 = 3.50.
	waitFor(t, 2*time.Second, func() bool {
		balance, _ := store.GetBudget(ctx, tenant)
		return balance == 3_500_000
	})

	// 6.50 USD at 10000 micros per DC = 650 DC of usage.
	waitFor(t, 2*time.Second, func() bool {
		used, _ := store.Get(ctx, "settle:dc:"+tenant.String()+":"+enforcer.Cycle())
		return used == 650
	})

	// The message is gone: no redelivery ever.
	ds, _ := store.Receive(ctx, 10, time.Minute, 0)
	if len(ds) != 0 {
		t.Errorf("messages after settlement = %d, want 0", len(ds))
	}
}

func TestEngineDuplicateDeliverySettlesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	enforcer := meter.NewEnforcer(store)

	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)
	r := admitRun(t, ctx, store, tenant, "dup", 2_000_000)

	// A second copy of the message, as an at-least-once queue may deliver.
	if err := store.Enqueue(ctx, &queue.Message{ID: id.NewMessageID(), RunID: r.ID, TenantID: tenant}); err != nil {
		t.Fatalf("Enqueue dup: %v", err)
	}

	var executions atomic.Int64
	runner := engine.JobRunnerFunc(func(ctx context.Context, r *run.Run) (*engine.JobResult, error) {
		executions.Add(1)
		return &engine.JobResult{CostUSDMicros: 1_000_000, Body: []byte("ok")}, nil
	})

	e := engine.New(store, store, store, store, enforcer, runner, engine.WithConfig(testConfig()))
	e.Start(ctx)
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := store.GetRun(ctx, r.ID)
		return err == nil && got.Status == run.StatusSettled
	})
	// Let the second delivery drain through the claim conflict path.
	waitFor(t, 5*time.Second, func() bool {
		ds, _ := store.Receive(ctx, 10, time.Minute, 0)
		return len(ds) == 0
	})

	if n := executions.Load(); n != 1 {
		t.Errorf("executions = %d, want exactly 1", n)
	}

	got, _ := store.GetRun(ctx, r.ID)
	if got.ActualCostUSDMicros == nil || *got.ActualCostUSDMicros != 1_000_000 {
		t.Errorf("cost = %v, want 1000000 recorded once", got.ActualCostUSDMicros)
	}

	used, _ := store.Get(ctx, "settle:dc:"+tenant.String()+":"+enforcer.Cycle())
	if used != 100 {
		t.Errorf("usage = %d DC, want 100", used)
	}
}

// blipQueue fails the first few receives, simulating a transient broker
// outage, then delegates to the backing store.
type blipQueue struct {
	*memory.Store
	failures atomic.Int64
}

func (q *blipQueue) Receive(ctx context.Context, max int, visibility, wait time.Duration) ([]*queue.Delivery, error) {
	if q.failures.Add(-1) >= 0 {
		return nil, errors.New("broker unavailable")
	}
	return q.Store.Receive(ctx, max, visibility, wait)
}

func TestEngineReceiveBackoffRecovers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	enforcer := meter.NewEnforcer(store)

	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)
	r := admitRun(t, ctx, store, tenant, "blip", 2_000_000)

	q := &blipQueue{Store: store}
	q.failures.Store(3)

	runner := engine.JobRunnerFunc(func(ctx context.Context, r *run.Run) (*engine.JobResult, error) {
		return &engine.JobResult{CostUSDMicros: 1_000_000, Body: []byte("ok")}, nil
	})

	e := engine.New(store, store, q, store, enforcer, runner,
		engine.WithConfig(testConfig()),
		engine.WithReceiveBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	e.Start(ctx)
	defer e.Stop(ctx)

	// The consumers ride out the outage and settle once receives recover.
	waitFor(t, 5*time.Second, func() bool {
		got, err := store.GetRun(ctx, r.ID)
		return err == nil && got.Status == run.StatusSettled
	})
	if q.failures.Load() >= 0 {
		t.Error("queue never recovered, settlement happened without a receive")
	}
}

func TestEngineDefersToRecoveryWhenLeaseSeized(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	enforcer := meter.NewEnforcer(store)

	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)
	r := admitRun(t, ctx, store, tenant, "seized", 8_000_000)

	runner := engine.JobRunnerFunc(func(ctx context.Context, cur *run.Run) (*engine.JobResult, error) {
		// Reconciliation seizes the run mid-execution, fencing this worker.
		for {
			latest, err := store.GetRun(context.Background(), cur.ID)
			if err != nil {
				return nil, err
			}
			if _, err := store.AcquireRecovery(context.Background(), cur.ID, latest.Version); err == nil {
				break
			}
		}
		// Wait for the next heartbeat to notice the lost lease, then hand
		// the finished result back anyway.
		<-ctx.Done()
		return &engine.JobResult{CostUSDMicros: 3_000_000, Body: []byte("late")}, nil
	})

	e := engine.New(store, store, store, store, enforcer, runner, engine.WithConfig(testConfig()))
	e.Start(ctx)
	defer e.Stop(ctx)

	// The receipt upload is the worker's last observable write before it
	// defers to recovery; an empty Receive alone can't distinguish a retired
	// message from one that is merely in flight.
	waitFor(t, 5*time.Second, func() bool {
		_, err := store.Head(ctx, receipt.RefForRun(r.ID))
		return err == nil
	})

	got, _ := store.GetRun(ctx, r.ID)
	if got.Status.Terminal() {
		t.Fatalf("status = %q, want non-terminal: the outcome belongs to recovery", got.Status)
	}
	if got.ActualCostUSDMicros != nil {
		t.Errorf("cost = %d written by a fenced worker", *got.ActualCostUSDMicros)
	}

	// The receipt is durable, so recovery rolls forward at the same cost.
	rec, err := store.Head(ctx, receipt.RefForRun(r.ID))
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if rec.ActualCostUSDMicros != 3_000_000 {
		t.Errorf("receipt cost = %d, want 3000000", rec.ActualCostUSDMicros)
	}
}

func TestEngineUnprocessableRunBills(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	enforcer := meter.NewEnforcer(store)

	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)
	r := admitRun(t, ctx, store, tenant, "bad-input", 2_000_000)

	runner := engine.JobRunnerFunc(func(ctx context.Context, r *run.Run) (*engine.JobResult, error) {
		return &engine.JobResult{
			CostUSDMicros: 1_000_000,
			Body:          []byte(`{"error":"document is empty"}`),
			Unprocessable: true,
		}, nil
	})

	e := engine.New(store, store, store, store, enforcer, runner, engine.WithConfig(testConfig()))
	e.Start(ctx)
	defer e.Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := store.GetRun(ctx, r.ID)
		return err == nil && got.Status == run.StatusSettled
	})

	// The platform did the work, so the run settles and bills even though
	// the input could not be acted on.
	waitFor(t, 2*time.Second, func() bool {
		used, _ := store.Get(ctx, "settle:dc:"+tenant.String()+":"+enforcer.Cycle())
		return used == 100
	})
}

func TestEngineHandlerErrorLeavesRunForRecovery(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)
	r := admitRun(t, ctx, store, tenant, "boom", 2_000_000)

	runner := engine.JobRunnerFunc(func(ctx context.Context, r *run.Run) (*engine.JobResult, error) {
		return nil, errors.New("model backend unavailable")
	})

	e := engine.New(store, store, store, store, nil, runner, engine.WithConfig(testConfig()))
	e.Start(ctx)
	defer e.Stop(ctx)

	// The run is claimed and executed, then abandoned in processing.
	waitFor(t, 5*time.Second, func() bool {
		got, err := store.GetRun(ctx, r.ID)
		return err == nil && got.Status == run.StatusProcessing
	})
	// The message is retired without settlement.
	waitFor(t, 5*time.Second, func() bool {
		ds, _ := store.Receive(ctx, 10, time.Minute, 0)
		return len(ds) == 0
	})

	got, _ := store.GetRun(ctx, r.ID)
	if got.Status.Terminal() {
		t.Fatalf("status = %q, want non-terminal for recovery", got.Status)
	}
	if got.ActualCostUSDMicros != nil {
		t.Errorf("cost recorded on failed execution: %d", *got.ActualCostUSDMicros)
	}
	if _, err := store.Head(ctx, "runs/"+r.ID.String()+"/result"); !errors.Is(err, settle.ErrReceiptNotFound) {
		t.Errorf("receipt exists for failed execution")
	}
}

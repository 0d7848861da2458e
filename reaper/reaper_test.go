package reaper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/alert"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/reaper"
	"github.com/ghilp934/Decisionproof/receipt"
	"github.com/ghilp934/Decisionproof/run"
	"github.com/ghilp934/Decisionproof/store/memory"
)

type fixture struct {
	store    *memory.Store
	enforcer *meter.Enforcer
	notifier *alert.CaptureNotifier
	reaper   *reaper.Reaper
	clock    *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Now()
	clock := &now
	tick := func() time.Time { return *clock }

	store := memory.New(memory.WithClock(tick))
	enforcer := meter.NewEnforcer(store, meter.WithClock(tick))
	notifier := &alert.CaptureNotifier{}
	rp := reaper.New(store, store, store, enforcer,
		reaper.WithNotifier(notifier),
		reaper.WithClock(tick),
	)
	return &fixture{store: store, enforcer: enforcer, notifier: notifier, reaper: rp, clock: clock}
}

// crashedRun sets up a run claimed and marked processing by a worker that
// then disappeared, leaving an expired lease behind.
func (f *fixture) crashedRun(t *testing.T, ctx context.Context, reservation, minFee int64) *run.Run {
	t.Helper()
	tenant := id.NewTenantID()
	f.store.SetBudget(ctx, tenant, reservation)

	r := &run.Run{
		ID:                   id.NewRunID(),
		TenantID:             tenant,
		IdempotencyKey:       "crash-" + id.NewRunID().String(),
		ReservationUSDMicros: reservation,
		MinimumFeeUSDMicros:  minFee,
	}
	if err := f.store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	claimed, err := f.store.ClaimRun(ctx, r.ID, 1, "dead-worker-token", time.Minute)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	if _, err := f.store.MarkProcessing(ctx, r.ID, claimed.Version, "dead-worker-token"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	*f.clock = f.clock.Add(5 * time.Minute)
	return r
}

func TestSweepRollsForwardFromReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The worker reserved $8.00, finished the job, uploaded the $6.50
	// receipt, then died before writing the settlement.
	r := f.crashedRun(t, ctx, 8_000_000, 50_000)
	body := []byte(`{"answer":42}`)
	if err := f.store.Put(ctx, &receipt.Receipt{
		Ref:                 receipt.RefForRun(r.ID),
		RunID:               r.ID,
		ActualCostUSDMicros: 6_500_000,
		SHA256:              receipt.DigestBody(body),
	}, body); err != nil {
		t.Fatalf("Put receipt: %v", err)
	}

	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusSettled {
		t.Fatalf("status = %q, want settled", got.Status)
	}
	if got.ActualCostUSDMicros == nil || *got.ActualCostUSDMicros != 6_500_000 {
		t.Fatalf("cost = %v, want the receipt's 6500000", got.ActualCostUSDMicros)
	}

	// $1.50 of the reservation comes back.
	balance, _ := f.store.GetBudget(ctx, r.TenantID)
	if balance != 1_500_000 {
		t.Errorf("balance = %d, want 1500000", balance)
	}

	// Billed as a success: 650 DC.
	used, _ := f.store.Get(ctx, "settle:dc:"+r.TenantID.String()+":"+f.enforcer.Cycle())
	if used != 650 {
		t.Errorf("usage = %d DC, want 650", used)
	}

	if len(f.notifier.Alerts()) != 0 {
		t.Errorf("roll-forward raised %d alerts, want 0", len(f.notifier.Alerts()))
	}
}

func TestSweepRollsBackWithoutReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r := f.crashedRun(t, ctx, 8_000_000, 50_000)

	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusRolledBack {
		t.Fatalf("status = %q, want rolled_back", got.Status)
	}
	if got.ActualCostUSDMicros == nil || *got.ActualCostUSDMicros != 50_000 {
		t.Fatalf("cost = %v, want minimum fee 50000", got.ActualCostUSDMicros)
	}

	// Reservation minus the fee returns to the tenant.
	balance, _ := f.store.GetBudget(ctx, r.TenantID)
	if balance != 7_950_000 {
		t.Errorf("balance = %d, want 7950000", balance)
	}

	// A rolled-back run never bills quota usage.
	used, _ := f.store.Get(ctx, "settle:dc:"+r.TenantID.String()+":"+f.enforcer.Cycle())
	if used != 0 {
		t.Errorf("usage = %d DC, want 0", used)
	}
}

func TestSweepEscalatesImplausibleReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Receipt claims more than the reservation authorized.
	r := f.crashedRun(t, ctx, 1_000_000, 50_000)
	if err := f.store.Put(ctx, &receipt.Receipt{
		Ref:                 receipt.RefForRun(r.ID),
		RunID:               r.ID,
		ActualCostUSDMicros: 9_000_000,
	}, []byte("x")); err != nil {
		t.Fatalf("Put receipt: %v", err)
	}

	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusAuditRequired {
		t.Fatalf("status = %q, want audit_required", got.Status)
	}
	if got.ActualCostUSDMicros != nil {
		t.Errorf("cost = %d, want none pending audit", *got.ActualCostUSDMicros)
	}

	// Money stays held until a human decides.
	balance, _ := f.store.GetBudget(ctx, r.TenantID)
	if balance != 0 {
		t.Errorf("balance = %d, want 0 while under audit", balance)
	}

	alerts := f.notifier.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != alert.SeverityCritical {
		t.Errorf("severity = %q, want critical", alerts[0].Severity)
	}
	if alerts[0].RunID != r.ID {
		t.Errorf("alert run = %s, want %s", alerts[0].RunID, r.ID)
	}
}

func TestSweepEscalatesWithoutReceiptOrReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// No receipt to prove the work and no reservation to refund: there is
	// no safe automatic resolution.
	r := f.crashedRun(t, ctx, 0, 0)

	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusAuditRequired {
		t.Fatalf("status = %q, want audit_required", got.Status)
	}

	alerts := f.notifier.Alerts()
	if len(alerts) != 1 || alerts[0].Severity != alert.SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical", alerts)
	}
}

func TestSweepFencesOutLateWorkerWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r := f.crashedRun(t, ctx, 2_000_000, 50_000)
	before, _ := f.store.GetRun(ctx, r.ID)

	f.reaper.Sweep(ctx)

	// The "dead" worker wakes up and tries to settle with its old lease.
	_, err := f.store.SettleRun(ctx, r.ID, before.Version, "dead-worker-token", 1_000_000, "late")
	if !errors.Is(err, settle.ErrConflict) {
		t.Fatalf("late settle err = %v, want ErrConflict", err)
	}

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusRolledBack {
		t.Errorf("status = %q, want rolled_back to stand", got.Status)
	}
	if *got.ActualCostUSDMicros != 50_000 {
		t.Errorf("cost = %d, want the minimum fee to stand", *got.ActualCostUSDMicros)
	}
}

func TestSweepAgeCatchesNeverEnqueuedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Admitted but never enqueued: reserved, no lease at all.
	tenant := id.NewTenantID()
	f.store.SetBudget(ctx, tenant, 5_000_000)
	r := &run.Run{
		ID:                   id.NewRunID(),
		TenantID:             tenant,
		IdempotencyKey:       "orphan",
		ReservationUSDMicros: 3_000_000,
		MinimumFeeUSDMicros:  50_000,
	}
	if err := f.store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	*f.clock = f.clock.Add(time.Hour)
	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusRolledBack {
		t.Fatalf("status = %q, want rolled_back", got.Status)
	}
	balance, _ := f.store.GetBudget(ctx, tenant)
	if balance != 4_950_000 {
		t.Errorf("balance = %d, want 4950000", balance)
	}
}

func TestSweepSkipsHealthyLeases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tenant := id.NewTenantID()
	f.store.SetBudget(ctx, tenant, 5_000_000)
	r := &run.Run{
		ID:                   id.NewRunID(),
		TenantID:             tenant,
		IdempotencyKey:       "alive",
		ReservationUSDMicros: 1_000_000,
	}
	f.store.CreateRun(ctx, r)
	f.store.ClaimRun(ctx, r.ID, 1, "live-token", time.Hour)

	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusClaimed {
		t.Errorf("status = %q, want claimed untouched", got.Status)
	}
	if got.LeaseToken != "live-token" {
		t.Errorf("lease token disturbed: %q", got.LeaseToken)
	}
}

func TestSweepResolutionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r := f.crashedRun(t, ctx, 2_000_000, 50_000)

	f.reaper.Sweep(ctx)
	f.reaper.Sweep(ctx)
	f.reaper.Sweep(ctx)

	got, _ := f.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusRolledBack {
		t.Fatalf("status = %q, want rolled_back", got.Status)
	}

	// One refund, not three.
	balance, _ := f.store.GetBudget(ctx, r.TenantID)
	if balance != 1_950_000 {
		t.Errorf("balance = %d, want exactly one refund (1950000)", balance)
	}
}

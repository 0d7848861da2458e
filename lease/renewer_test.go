package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/lease"
	"github.com/ghilp934/Decisionproof/queue"
	"github.com/ghilp934/Decisionproof/run"
	"github.com/ghilp934/Decisionproof/store/memory"
)

func claimedRun(t *testing.T, ctx context.Context, store *memory.Store) (*run.Run, *queue.Delivery) {
	t.Helper()
	tenant := id.NewTenantID()
	store.SetBudget(ctx, tenant, 10_000_000)

	r := &run.Run{
		ID:                   id.NewRunID(),
		TenantID:             tenant,
		IdempotencyKey:       "hb",
		ReservationUSDMicros: 1_000_000,
	}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.Enqueue(ctx, &queue.Message{ID: id.NewMessageID(), RunID: r.ID, TenantID: tenant}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ds, err := store.Receive(ctx, 1, time.Second, 0)
	if err != nil || len(ds) != 1 {
		t.Fatalf("Receive: %v (%d deliveries)", err, len(ds))
	}

	claimed, err := store.ClaimRun(ctx, r.ID, 1, "hb-token", time.Second)
	if err != nil {
		t.Fatalf("ClaimRun: %v", err)
	}
	return claimed, ds[0]
}

func TestRenewerExtendsLeaseAndVisibility(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	claimed, d := claimedRun(t, ctx, store)

	rn := lease.NewRenewer(store, store, claimed, d.ID, d.ReceiptHandle,
		20*time.Millisecond, time.Second, nil)
	rn.Start()
	defer rn.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rn.Version() > claimed.Version {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rn.Version() <= claimed.Version {
		t.Fatal("no heartbeat landed")
	}

	got, _ := store.GetRun(ctx, claimed.ID)
	if !got.LeaseExpiresAt.After(*claimed.LeaseExpiresAt) {
		t.Error("lease expiry did not advance")
	}
	if got.LeaseToken != "hb-token" {
		t.Errorf("lease token changed: %q", got.LeaseToken)
	}

	// The message stayed invisible the whole time.
	ds, _ := store.Receive(ctx, 10, time.Second, 0)
	if len(ds) != 0 {
		t.Errorf("message redelivered under active heartbeat")
	}
}

func TestRenewerClosesLostOnRecovery(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	claimed, d := claimedRun(t, ctx, store)

	rn := lease.NewRenewer(store, store, claimed, d.ID, d.ReceiptHandle,
		20*time.Millisecond, time.Second, nil)
	rn.Start()
	defer rn.Stop()

	// Wait for at least one heartbeat, then seize the run out from under
	// the holder.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rn.Version() == claimed.Version {
		time.Sleep(10 * time.Millisecond)
	}
	// Heartbeats race the seizure, so retry on version conflicts.
	seized := false
	for time.Now().Before(deadline) {
		if _, err := store.AcquireRecovery(ctx, claimed.ID, rn.Version()); err == nil {
			seized = true
			break
		}
	}
	if !seized {
		t.Fatal("could not seize the lease")
	}

	select {
	case <-rn.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("Lost not closed after recovery seized the lease")
	}
}

func TestRenewerStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	claimed, d := claimedRun(t, ctx, store)

	rn := lease.NewRenewer(store, store, claimed, d.ID, d.ReceiptHandle,
		20*time.Millisecond, time.Second, nil)
	rn.Start()

	rn.Stop()
	rn.Stop()

	// After Stop, the lease stops moving.
	v := rn.Version()
	time.Sleep(100 * time.Millisecond)
	if rn.Version() != v {
		t.Error("heartbeats continued after Stop")
	}
}

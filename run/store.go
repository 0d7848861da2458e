package run

import (
	"context"
	"time"

	"github.com/ghilp934/Decisionproof/id"
)

// Store defines the persistence contract for runs. Every mutation is a
// conditional update: it succeeds only when the stored row still matches
// the expected prior state, and each accepted mutation increments Version.
// A CAS miss returns settle.ErrConflict; callers must not retry a lost CAS
// with stale state. The outcome belongs to whoever won, or to the reaper.
type Store interface {
	// CreateRun atomically debits the reservation from the tenant budget
	// and inserts the run in reserved state. The (tenant_id,
	// idempotency_key) pair is enforced unique at the storage layer; a
	// second insert within the retention window returns
	// settle.ErrDuplicateRun, and the caller re-resolves the winner.
	// Insufficient budget returns settle.ErrBudgetInsufficient with no row
	// created.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// FindRunByIdempotencyKey returns the run created for the given
	// (tenant, idempotency key) pair, or settle.ErrRunNotFound.
	FindRunByIdempotencyKey(ctx context.Context, tenantID id.TenantID, key string) (*Run, error)

	// ClaimRun transitions reserved→claimed, conditioned on expectedVersion
	// and reserved status. It installs the caller's fresh leaseToken, sets
	// the lease expiry to now+leaseTTL, and increments Version. This is the
	// single gate against double execution: exactly one of N concurrent
	// claim attempts succeeds.
	ClaimRun(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, leaseTTL time.Duration) (*Run, error)

	// MarkProcessing transitions claimed→processing under the same lease.
	MarkProcessing(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string) (*Run, error)

	// ExtendLease pushes the lease expiry to now+extension, conditioned on
	// (expectedVersion, leaseToken) and a non-terminal status. This is the
	// heartbeat CAS; a miss means the lease is lost and the holder must
	// stop renewing immediately.
	ExtendLease(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, extension time.Duration) (*Run, error)

	// SettleRun transitions processing→settled, recording the actual cost
	// exactly once, conditioned on (expectedVersion, leaseToken). The cost
	// column is immutable after this write.
	SettleRun(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, costMicros int64, resultRef string) (*Run, error)

	// AcquireRecovery takes ownership of the recovery decision for a
	// non-terminal run: it increments Version and clears the lease token so
	// that no late heartbeat or settlement from the previous holder can
	// land, and so that competing reaper replicas race on Version like
	// everyone else. The lease expiry is set to now rather than cleared;
	// an acquired run whose resolution fails stays in ListExpiredLeases
	// until some sweep resolves it.
	AcquireRecovery(ctx context.Context, runID id.RunID, expectedVersion int64) (*Run, error)

	// ResolveRun performs the reaper's terminal transition to settled,
	// rolled_back, or audit_required. costMicros is the receipt cost on
	// roll-forward, the minimum fee on roll-back, and nil on audit
	// escalation. Conditioned on expectedVersion; terminal rows always miss.
	ResolveRun(ctx context.Context, runID id.RunID, expectedVersion int64, status Status, costMicros *int64, resultRef string) (*Run, error)

	// ListExpiredLeases returns non-terminal runs whose lease expired at or
	// before now, oldest expiry first.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Run, error)

	// ListStaleRuns is the age sweep: non-terminal runs not updated since
	// olderThan, regardless of lease state. It catches runs that never
	// obtained a lease at all (for example when the enqueue after admission
	// failed).
	ListStaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error)
}

// BudgetStore manages tenant budget balances. The postgres backend keeps
// budgets in the same database as runs so CreateRun can debit and insert
// in one transaction.
type BudgetStore interface {
	// SetBudget creates or replaces the tenant's budget balance.
	SetBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error

	// GetBudget returns the tenant's remaining budget, or
	// settle.ErrTenantNotFound.
	GetBudget(ctx context.Context, tenantID id.TenantID) (int64, error)

	// DebitBudget conditionally deducts funds from the tenant: it succeeds
	// only when the remaining balance covers the amount, and returns
	// settle.ErrBudgetInsufficient otherwise. CreateRun applies the same
	// conditional debit inside its transaction; this standalone form exists
	// for adjustments made outside run admission.
	DebitBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error

	// CreditBudget returns funds to the tenant, used when a reservation is
	// released on roll-back or when admission fails after the debit.
	CreditBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error
}

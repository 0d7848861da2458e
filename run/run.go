package run

import (
	"time"

	"github.com/ghilp934/Decisionproof/id"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	// StatusReserved means the gate admitted the run and holds a budget
	// reservation; no worker owns it yet.
	StatusReserved Status = "reserved"
	// StatusClaimed means a worker won the claim CAS and holds the lease.
	StatusClaimed Status = "claimed"
	// StatusProcessing means the job body is executing under an active lease.
	StatusProcessing Status = "processing"
	// StatusSettled means the actual cost has been recorded. Terminal.
	StatusSettled Status = "settled"
	// StatusRolledBack means the reservation was released and a minimum fee
	// charged. Terminal.
	StatusRolledBack Status = "rolled_back"
	// StatusAuditRequired means no safe automatic resolution existed and the
	// run awaits manual review. Terminal.
	StatusAuditRequired Status = "audit_required"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusRolledBack, StatusAuditRequired:
		return true
	default:
		return false
	}
}

// Run is one billable unit of work. Runs are append-only: they are created
// once by the gate and then mutated exclusively through conditional updates
// keyed on Version (and, while leased, LeaseToken). They are never deleted.
type Run struct {
	ID             id.RunID    `json:"id"`
	TenantID       id.TenantID `json:"tenant_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Status         Status      `json:"status"`

	// ReservationUSDMicros is the pre-authorized upper bound on the charge,
	// debited from the tenant budget at admission.
	ReservationUSDMicros int64 `json:"reservation_usd_micros"`

	// MinimumFeeUSDMicros is charged when the run rolls back without a
	// result, compensating for queue and compute resources consumed.
	MinimumFeeUSDMicros int64 `json:"minimum_fee_usd_micros"`

	// ActualCostUSDMicros is nil until settlement and is written exactly
	// once; it never changes afterwards.
	ActualCostUSDMicros *int64 `json:"actual_cost_usd_micros,omitempty"`

	// LeaseToken is opaque and regenerated on every successful claim.
	// At most one holder of a valid, unexpired token exists at any instant.
	LeaseToken     string     `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Version strictly increases on every accepted transition and is the
	// sole CAS discriminant: two concurrent conditional updates against the
	// same version can never both succeed.
	Version int64 `json:"version"`

	// ResultRef points at the settlement receipt object, empty until the
	// job completes.
	ResultRef string `json:"result_ref,omitempty"`

	// TraceID correlates the run with its admission request.
	TraceID id.TraceID `json:"trace_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// LeaseValid reports whether the run carries an unexpired lease at the
// given instant.
func (r *Run) LeaseValid(now time.Time) bool {
	return r.LeaseToken != "" && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// Settled reports whether the actual cost has been recorded.
func (r *Run) Settled() bool {
	return r.ActualCostUSDMicros != nil
}

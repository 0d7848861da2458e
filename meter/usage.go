package meter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ghilp934/Decisionproof/id"
)

// Outcome classifies how a run finished, for billability purposes.
type Outcome string

const (
	// OutcomeSuccess is a run that completed and produced a result.
	OutcomeSuccess Outcome = "success"

	// OutcomeUnprocessable is a run the platform fully executed but whose
	// input could not be acted on. The work was done, so it bills.
	OutcomeUnprocessable Outcome = "unprocessable"

	// OutcomeClientError covers malformed, unauthorized, conflicting and
	// rate-limited requests rejected before any work happened.
	OutcomeClientError Outcome = "client_error"

	// OutcomePlatformError covers failures on our side. The tenant is
	// never billed for our outage.
	OutcomePlatformError Outcome = "platform_error"

	// OutcomeRolledBack is a run resolved by reconciliation without a
	// receipt. The minimum fee is charged through settlement, not here.
	OutcomeRolledBack Outcome = "rolled_back"
)

// Billable reports whether usage for this outcome counts against the
// tenant's quota.
func (o Outcome) Billable() bool {
	switch o {
	case OutcomeSuccess, OutcomeUnprocessable:
		return true
	default:
		return false
	}
}

// RecordUsage adds dcAmount to the tenant's consumption for the cycle,
// exactly once per run. A non-billable outcome still plants the dedup
// marker so a later redelivery cannot flip the decision. Returns whether
// this call was the one that recorded.
func (e *Enforcer) RecordUsage(ctx context.Context, tenantID id.TenantID, runID id.RunID, dcAmount int64, outcome Outcome, cycle string) (bool, error) {
	dedupKey := usageDedupKey(tenantID.String(), runID.String())
	created, err := e.counters.SetNX(ctx, dedupKey, string(outcome), e.usageRetention)
	if err != nil {
		return false, fmt.Errorf("settle/meter: usage dedup: %w", err)
	}
	if !created {
		return false, nil
	}

	if !outcome.Billable() || dcAmount <= 0 {
		return true, nil
	}

	key := usageKey(tenantID.String(), cycle)
	if _, err := e.counters.IncrBy(ctx, key, dcAmount, e.usageRetention); err != nil {
		// Withdraw the marker so a retry can record the consumption; a
		// marker without the increment would silently drop billable usage.
		if delErr := e.counters.Del(ctx, dedupKey); delErr != nil {
			e.logger.Error("usage dedup marker stuck after failed increment",
				"tenant_id", tenantID, "run_id", runID, "error", delErr)
		}
		return false, fmt.Errorf("settle/meter: usage increment: %w", err)
	}
	return true, nil
}

// ApplyGraceOnce marks the tenant's grace overage consumed for the cycle.
// Returns true the first time in the cycle, false on every later call.
func (e *Enforcer) ApplyGraceOnce(ctx context.Context, tenantID id.TenantID, cycle string, amountDC int64) (bool, error) {
	created, err := e.counters.SetNX(ctx,
		graceKey(tenantID.String(), cycle),
		strconv.FormatInt(amountDC, 10),
		e.usageRetention,
	)
	if err != nil {
		return false, fmt.Errorf("settle/meter: grace marker: %w", err)
	}
	return created, nil
}

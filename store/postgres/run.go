package postgres

import (
	"context"
	"fmt"
	"time"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/run"
)

const runColumns = `id, tenant_id, idempotency_key, status,
	reservation_usd_micros, minimum_fee_usd_micros, actual_cost_usd_micros,
	lease_token, lease_expires_at, version, result_ref, trace_id,
	created_at, updated_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var r run.Run
	err := row.Scan(
		&r.ID, &r.TenantID, &r.IdempotencyKey, &r.Status,
		&r.ReservationUSDMicros, &r.MinimumFeeUSDMicros, &r.ActualCostUSDMicros,
		&r.LeaseToken, &r.LeaseExpiresAt, &r.Version, &r.ResultRef, &r.TraceID,
		&r.CreatedAt, &r.UpdatedAt, &r.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun debits the reservation and inserts the run in one transaction.
// The unique (tenant_id, idempotency_key) constraint makes the storage layer
// the idempotency authority: concurrent duplicates serialize on the index,
// one insert wins, the rest get ErrDuplicateRun.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settle/postgres: create run begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if r.ReservationUSDMicros > 0 {
		ct, err := tx.Exec(ctx, `
			UPDATE settle_budgets
			SET balance_usd_micros = balance_usd_micros - $2, updated_at = NOW()
			WHERE tenant_id = $1 AND balance_usd_micros >= $2`,
			r.TenantID, r.ReservationUSDMicros,
		)
		if err != nil {
			return fmt.Errorf("settle/postgres: debit budget: %w", err)
		}
		if ct.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM settle_budgets WHERE tenant_id = $1)`,
				r.TenantID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("settle/postgres: check tenant: %w", err)
			}
			if !exists {
				return settle.ErrTenantNotFound
			}
			return settle.ErrBudgetInsufficient
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO settle_runs (
			id, tenant_id, idempotency_key, status,
			reservation_usd_micros, minimum_fee_usd_micros, trace_id
		) VALUES ($1, $2, $3, 'reserved', $4, $5, $6)
		RETURNING `+runColumns,
		r.ID, r.TenantID, r.IdempotencyKey,
		r.ReservationUSDMicros, r.MinimumFeeUSDMicros, r.TraceID,
	)
	created, err := scanRun(row)
	if err != nil {
		if isDuplicateKey(err) {
			return settle.ErrDuplicateRun
		}
		return fmt.Errorf("settle/postgres: insert run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settle/postgres: create run commit: %w", err)
	}

	*r = *created
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM settle_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, settle.ErrRunNotFound
		}
		return nil, fmt.Errorf("settle/postgres: get run: %w", err)
	}
	return r, nil
}

// FindRunByIdempotencyKey returns the run holding the (tenant, key) pair.
func (s *Store) FindRunByIdempotencyKey(ctx context.Context, tenantID id.TenantID, key string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM settle_runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, settle.ErrRunNotFound
		}
		return nil, fmt.Errorf("settle/postgres: find run by key: %w", err)
	}
	return r, nil
}

// casMiss distinguishes a missing row from a lost compare-and-swap.
func (s *Store) casMiss(ctx context.Context, runID id.RunID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM settle_runs WHERE id = $1)`, runID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("settle/postgres: cas check: %w", err)
	}
	if !exists {
		return settle.ErrRunNotFound
	}
	return settle.ErrConflict
}

// ClaimRun transitions reserved→claimed with a conditional UPDATE. The WHERE
// clause carries the whole protocol: exactly one of N racing claims matches
// (id, version, 'reserved') and the rest update zero rows.
func (s *Store) ClaimRun(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, leaseTTL time.Duration) (*run.Run, error) {
	expiresAt := time.Now().UTC().Add(leaseTTL)
	row := s.pool.QueryRow(ctx, `
		UPDATE settle_runs
		SET status = 'claimed', lease_token = $3, lease_expires_at = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'reserved'
		RETURNING `+runColumns,
		runID, expectedVersion, leaseToken, expiresAt,
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.casMiss(ctx, runID)
		}
		return nil, fmt.Errorf("settle/postgres: claim run: %w", err)
	}
	return r, nil
}

// MarkProcessing transitions claimed→processing under the same lease.
func (s *Store) MarkProcessing(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE settle_runs
		SET status = 'processing', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND lease_token = $3 AND status = 'claimed'
		RETURNING `+runColumns,
		runID, expectedVersion, leaseToken,
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.casMiss(ctx, runID)
		}
		return nil, fmt.Errorf("settle/postgres: mark processing: %w", err)
	}
	return r, nil
}

// ExtendLease is the heartbeat CAS.
func (s *Store) ExtendLease(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, extension time.Duration) (*run.Run, error) {
	expiresAt := time.Now().UTC().Add(extension)
	row := s.pool.QueryRow(ctx, `
		UPDATE settle_runs
		SET lease_expires_at = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND lease_token = $3
			AND status IN ('claimed', 'processing')
		RETURNING `+runColumns,
		runID, expectedVersion, leaseToken, expiresAt,
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.casMiss(ctx, runID)
		}
		return nil, fmt.Errorf("settle/postgres: extend lease: %w", err)
	}
	return r, nil
}

// SettleRun records the actual cost exactly once. The guard on a NULL cost
// column is redundant with the status check but keeps the cost immutable
// even if a status transition were ever added.
func (s *Store) SettleRun(ctx context.Context, runID id.RunID, expectedVersion int64, leaseToken string, costMicros int64, resultRef string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE settle_runs
		SET status = 'settled', actual_cost_usd_micros = $4, result_ref = $5,
			lease_token = '', lease_expires_at = NULL,
			settled_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND lease_token = $3
			AND status = 'processing' AND actual_cost_usd_micros IS NULL
		RETURNING `+runColumns,
		runID, expectedVersion, leaseToken, costMicros, resultRef,
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.casMiss(ctx, runID)
		}
		return nil, fmt.Errorf("settle/postgres: settle run: %w", err)
	}
	return r, nil
}

// AcquireRecovery bumps the version and clears the lease, fencing out any
// late write from the previous holder.
func (s *Store) AcquireRecovery(ctx context.Context, runID id.RunID, expectedVersion int64) (*run.Run, error) {
	// The lease stays expired, not NULL: an acquired run whose resolution
	// fails mid-flight must remain visible to the expired-lease scan.
	row := s.pool.QueryRow(ctx, `
		UPDATE settle_runs
		SET lease_token = '', lease_expires_at = NOW(),
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
			AND status IN ('reserved', 'claimed', 'processing')
		RETURNING `+runColumns,
		runID, expectedVersion,
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.casMiss(ctx, runID)
		}
		return nil, fmt.Errorf("settle/postgres: acquire recovery: %w", err)
	}
	return r, nil
}

// ResolveRun performs the reaper's terminal transition.
func (s *Store) ResolveRun(ctx context.Context, runID id.RunID, expectedVersion int64, status run.Status, costMicros *int64, resultRef string) (*run.Run, error) {
	var settledAt *time.Time
	if status == run.StatusSettled || status == run.StatusRolledBack {
		now := time.Now().UTC()
		settledAt = &now
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE settle_runs
		SET status = $3,
			actual_cost_usd_micros = COALESCE($4, actual_cost_usd_micros),
			result_ref = CASE WHEN $5 = '' THEN result_ref ELSE $5 END,
			settled_at = COALESCE($6, settled_at),
			lease_token = '', lease_expires_at = NULL,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
			AND status IN ('reserved', 'claimed', 'processing')
		RETURNING `+runColumns,
		runID, expectedVersion, status, costMicros, resultRef, settledAt,
	)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.casMiss(ctx, runID)
		}
		return nil, fmt.Errorf("settle/postgres: resolve run: %w", err)
	}
	return r, nil
}

// ListExpiredLeases returns non-terminal runs whose lease expired at or
// before now, oldest expiry first.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*run.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM settle_runs
		WHERE status IN ('reserved', 'claimed', 'processing')
			AND lease_expires_at <= $1
		ORDER BY lease_expires_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("settle/postgres: list expired leases: %w", err)
	}
	return collectRuns(rows)
}

// ListStaleRuns returns non-terminal runs not updated since olderThan,
// regardless of lease state.
func (s *Store) ListStaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]*run.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM settle_runs
		WHERE status IN ('reserved', 'claimed', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("settle/postgres: list stale runs: %w", err)
	}
	return collectRuns(rows)
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	settle "github.com/ghilp934/Decisionproof"
	"github.com/ghilp934/Decisionproof/id"
	"github.com/ghilp934/Decisionproof/run"
)

func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("settle/postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settle/postgres: iterate runs: %w", err)
	}
	return out, nil
}

// SetBudget creates or replaces the tenant's budget balance.
func (s *Store) SetBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settle_budgets (tenant_id, balance_usd_micros)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id)
		DO UPDATE SET balance_usd_micros = $2, updated_at = NOW()`,
		tenantID, usdMicros,
	)
	if err != nil {
		return fmt.Errorf("settle/postgres: set budget: %w", err)
	}
	return nil
}

// GetBudget returns the tenant's remaining budget.
func (s *Store) GetBudget(ctx context.Context, tenantID id.TenantID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance_usd_micros FROM settle_budgets WHERE tenant_id = $1`,
		tenantID,
	).Scan(&balance)
	if err != nil {
		if isNoRows(err) {
			return 0, settle.ErrTenantNotFound
		}
		return 0, fmt.Errorf("settle/postgres: get budget: %w", err)
	}
	return balance, nil
}

// DebitBudget conditionally deducts funds; the WHERE clause makes the
// balance check and the deduction one atomic statement.
func (s *Store) DebitBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE settle_budgets
		SET balance_usd_micros = balance_usd_micros - $2, updated_at = NOW()
		WHERE tenant_id = $1 AND balance_usd_micros >= $2`,
		tenantID, usdMicros,
	)
	if err != nil {
		return fmt.Errorf("settle/postgres: debit budget: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM settle_budgets WHERE tenant_id = $1)`,
			tenantID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("settle/postgres: debit budget: %w", err)
		}
		if !exists {
			return settle.ErrTenantNotFound
		}
		return settle.ErrBudgetInsufficient
	}
	return nil
}

// CreditBudget returns funds to the tenant.
func (s *Store) CreditBudget(ctx context.Context, tenantID id.TenantID, usdMicros int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE settle_budgets
		SET balance_usd_micros = balance_usd_micros + $2, updated_at = NOW()
		WHERE tenant_id = $1`,
		tenantID, usdMicros,
	)
	if err != nil {
		return fmt.Errorf("settle/postgres: credit budget: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return settle.ErrTenantNotFound
	}
	return nil
}

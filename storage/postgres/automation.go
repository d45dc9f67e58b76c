package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/solcopilot/autopilot/internal/types"
)

const automationColumns = `
	id, owner_address, kind, status, source_mint, dest_mint, amount_per_cycle,
	frequency_seconds, next_execution_at, total_cycles, cycles_executed,
	max_slippage_bps, trigger_price, last_executed_at, vault_address, deployment_tx,
	needs_reconciliation, created_at, updated_at`

func scanAutomation(row pgx.Row) (*types.Automation, error) {
	var a types.Automation
	err := row.Scan(
		&a.ID,
		&a.OwnerAddress,
		&a.Kind,
		&a.Status,
		&a.SourceMint,
		&a.DestMint,
		&a.AmountPerCycle,
		&a.FrequencySeconds,
		&a.NextExecutionAt,
		&a.TotalCycles,
		&a.CyclesExecuted,
		&a.MaxSlippageBps,
		&a.TriggerPrice,
		&a.LastExecutedAt,
		&a.VaultAddress,
		&a.DeploymentTx,
		&a.NeedsReconciliation,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresBackend) CreateAutomation(ctx context.Context, a types.Automation) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	query := `
		INSERT INTO automations (
			id, owner_address, kind, status, source_mint, dest_mint, amount_per_cycle,
			frequency_seconds, next_execution_at, total_cycles, cycles_executed,
			max_slippage_bps, trigger_price, last_executed_at, vault_address, deployment_tx,
			needs_reconciliation, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := p.pool.Exec(ctx, query,
		a.ID,
		a.OwnerAddress,
		a.Kind,
		a.Status,
		a.SourceMint,
		a.DestMint,
		a.AmountPerCycle,
		a.FrequencySeconds,
		a.NextExecutionAt,
		a.TotalCycles,
		a.CyclesExecuted,
		a.MaxSlippageBps,
		a.TriggerPrice,
		a.LastExecutedAt,
		a.VaultAddress,
		a.DeploymentTx,
		a.NeedsReconciliation,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert automation: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`
	a, err := scanAutomation(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("automation not found with ID: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return a, nil
}

func (p *PostgresBackend) GetAutomationsByOwner(ctx context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `SELECT ` + automationColumns + ` FROM automations WHERE owner_address = $1`
	args := []any{owner}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAutomations(rows)
}

func (p *PostgresBackend) GetDueAutomations(ctx context.Context, now time.Time) ([]types.Automation, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `SELECT ` + automationColumns + `
		FROM automations
		WHERE status = 'active'
		AND needs_reconciliation = FALSE
		AND next_execution_at IS NOT NULL
		AND next_execution_at <= $1
		ORDER BY next_execution_at`

	rows, err := p.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAutomations(rows)
}

func (p *PostgresBackend) GetTriggerAutomations(ctx context.Context) ([]types.Automation, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `SELECT ` + automationColumns + `
		FROM automations
		WHERE status = 'active'
		AND needs_reconciliation = FALSE
		AND frequency_seconds = 0`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAutomations(rows)
}

func (p *PostgresBackend) UpdateAutomation(ctx context.Context, a *types.Automation) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	return p.updateAutomation(ctx, p.pool, a)
}

func (p *PostgresBackend) UpdateAutomationTx(ctx context.Context, dbTx pgx.Tx, a *types.Automation) error {
	return p.updateAutomation(ctx, dbTx, a)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *PostgresBackend) updateAutomation(ctx context.Context, q execer, a *types.Automation) error {
	query := `
		UPDATE automations
		SET status = $2,
			next_execution_at = $3,
			cycles_executed = $4,
			last_executed_at = $5,
			vault_address = $6,
			deployment_tx = $7,
			needs_reconciliation = $8,
			updated_at = $9
		WHERE id = $1`

	tag, err := q.Exec(ctx, query,
		a.ID,
		a.Status,
		a.NextExecutionAt,
		a.CyclesExecuted,
		a.LastExecutedAt,
		a.VaultAddress,
		a.DeploymentTx,
		a.NeedsReconciliation,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation not found with ID: %s", a.ID)
	}
	return nil
}

func collectAutomations(rows pgx.Rows) ([]types.Automation, error) {
	var automations []types.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, *a)
	}
	return automations, rows.Err()
}

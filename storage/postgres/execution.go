package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solcopilot/autopilot/internal/types"
)

func (p *PostgresBackend) CreateExecutionRecord(ctx context.Context, record types.ExecutionRecord) (uuid.UUID, error) {
	if p.pool == nil {
		return uuid.Nil, fmt.Errorf("database pool is nil")
	}
	return p.createExecutionRecord(ctx, p.pool, record)
}

func (p *PostgresBackend) CreateExecutionRecordTx(ctx context.Context, dbTx pgx.Tx, record types.ExecutionRecord) (uuid.UUID, error) {
	return p.createExecutionRecord(ctx, dbTx, record)
}

type rowQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *PostgresBackend) createExecutionRecord(ctx context.Context, q rowQueryer, record types.ExecutionRecord) (uuid.UUID, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	query := `
		INSERT INTO execution_records (
			id, automation_id, executed_at, input_amount, output_amount,
			tx_signature, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id uuid.UUID
	err := q.QueryRow(ctx, query,
		record.ID,
		record.AutomationID,
		record.ExecutedAt,
		record.InputAmount,
		record.OutputAmount,
		record.TxSignature,
		record.Status,
		record.ErrorMessage,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert execution record: %w", err)
	}
	return id, nil
}

func (p *PostgresBackend) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status types.ExecutionStatus, txSignature, errorMessage string) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE execution_records
		SET status = $2, tx_signature = $3, error_message = $4
		WHERE id = $1`,
		id, status, txSignature, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update execution record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution record not found with ID: %s", id)
	}
	return nil
}

func (p *PostgresBackend) GetExecutionHistory(ctx context.Context, automationID uuid.UUID, take, skip int) ([]types.ExecutionRecord, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `
		SELECT id, automation_id, executed_at, input_amount, output_amount,
			tx_signature, status, error_message
		FROM execution_records
		WHERE automation_id = $1
		ORDER BY executed_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := p.pool.Query(ctx, query, automationID, take, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.ExecutionRecord
	for rows.Next() {
		var r types.ExecutionRecord
		err := rows.Scan(
			&r.ID,
			&r.AutomationID,
			&r.ExecutedAt,
			&r.InputAmount,
			&r.OutputAmount,
			&r.TxSignature,
			&r.Status,
			&r.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (p *PostgresBackend) CountExecutions(ctx context.Context, automationID uuid.UUID, status types.ExecutionStatus) (int64, error) {
	if p.pool == nil {
		return 0, fmt.Errorf("database pool is nil")
	}

	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM execution_records WHERE automation_id = $1 AND status = $2`,
		automationID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/solcopilot/autopilot/internal/types"
)

const sessionKeyColumns = `
	id, owner_address, name, public_key, max_amount_per_tx, max_total_amount,
	spent_amount, reserved_amount, allowed_programs, expires_at, active, created_at`

func scanSessionKey(row pgx.Row) (*types.SessionKey, error) {
	var key types.SessionKey
	err := row.Scan(
		&key.ID,
		&key.OwnerAddress,
		&key.Name,
		&key.PublicKey,
		&key.MaxAmountPerTx,
		&key.MaxTotalAmount,
		&key.SpentAmount,
		&key.ReservedAmount,
		&key.AllowedPrograms,
		&key.ExpiresAt,
		&key.Active,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (p *PostgresBackend) CreateSessionKey(ctx context.Context, key types.SessionKey) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	query := `
		INSERT INTO session_keys (
			id, owner_address, name, public_key, max_amount_per_tx, max_total_amount,
			spent_amount, reserved_amount, allowed_programs, expires_at, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := p.pool.Exec(ctx, query,
		key.ID,
		key.OwnerAddress,
		key.Name,
		key.PublicKey,
		key.MaxAmountPerTx,
		key.MaxTotalAmount,
		key.SpentAmount,
		key.ReservedAmount,
		key.AllowedPrograms,
		key.ExpiresAt,
		key.Active,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session key: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetSessionKey(ctx context.Context, id uuid.UUID) (*types.SessionKey, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `SELECT ` + sessionKeyColumns + ` FROM session_keys WHERE id = $1`
	key, err := scanSessionKey(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session key not found with ID: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session key: %w", err)
	}
	return key, nil
}

func (p *PostgresBackend) GetSessionKeysByOwner(ctx context.Context, owner string) ([]types.SessionKey, error) {
	if p.pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	query := `SELECT ` + sessionKeyColumns + ` FROM session_keys WHERE owner_address = $1 ORDER BY created_at DESC`
	rows, err := p.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []types.SessionKey
	for rows.Next() {
		key, err := scanSessionKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// ReserveSessionKeySpend is a guarded increment: the reservation lands only
// when the key is still active, unexpired and within its lifetime cap at the
// moment the row is updated, so concurrent writers from other processes can
// never over-reserve.
func (p *PostgresBackend) ReserveSessionKeySpend(ctx context.Context, id uuid.UUID, amount uint64, now time.Time) (bool, error) {
	if p.pool == nil {
		return false, fmt.Errorf("database pool is nil")
	}

	query := `
		UPDATE session_keys
		SET reserved_amount = reserved_amount + $2
		WHERE id = $1
		AND active
		AND expires_at > $3
		AND spent_amount + reserved_amount + $2 <= max_total_amount`

	tag, err := p.pool.Exec(ctx, query, id, amount, now)
	if err != nil {
		return false, fmt.Errorf("failed to reserve session key spend: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) SettleSessionKeySpend(ctx context.Context, id uuid.UUID, amount uint64, commit bool) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	query := `
		UPDATE session_keys
		SET reserved_amount = reserved_amount - $2
		WHERE id = $1 AND reserved_amount >= $2`
	if commit {
		query = `
			UPDATE session_keys
			SET reserved_amount = reserved_amount - $2, spent_amount = spent_amount + $2
			WHERE id = $1 AND reserved_amount >= $2`
	}

	tag, err := p.pool.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to settle session key spend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no reservation of %d held for session key %s", amount, id)
	}
	return nil
}

func (p *PostgresBackend) RevokeSessionKey(ctx context.Context, id uuid.UUID) error {
	if p.pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	tag, err := p.pool.Exec(ctx, `UPDATE session_keys SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke session key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session key not found with ID: %s", id)
	}
	return nil
}

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solcopilot/autopilot/internal/types"
)

type DatabaseStorage interface {
	Close() error

	CreateAutomation(ctx context.Context, a types.Automation) error
	GetAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, error)
	GetAutomationsByOwner(ctx context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error)
	GetDueAutomations(ctx context.Context, now time.Time) ([]types.Automation, error)
	GetTriggerAutomations(ctx context.Context) ([]types.Automation, error)
	UpdateAutomation(ctx context.Context, a *types.Automation) error
	UpdateAutomationTx(ctx context.Context, dbTx pgx.Tx, a *types.Automation) error

	CreateSessionKey(ctx context.Context, key types.SessionKey) error
	GetSessionKey(ctx context.Context, id uuid.UUID) (*types.SessionKey, error)
	GetSessionKeysByOwner(ctx context.Context, owner string) ([]types.SessionKey, error)
	ReserveSessionKeySpend(ctx context.Context, id uuid.UUID, amount uint64, now time.Time) (bool, error)
	SettleSessionKeySpend(ctx context.Context, id uuid.UUID, amount uint64, commit bool) error
	RevokeSessionKey(ctx context.Context, id uuid.UUID) error

	CreateExecutionRecord(ctx context.Context, record types.ExecutionRecord) (uuid.UUID, error)
	CreateExecutionRecordTx(ctx context.Context, dbTx pgx.Tx, record types.ExecutionRecord) (uuid.UUID, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status types.ExecutionStatus, txSignature, errorMessage string) error
	GetExecutionHistory(ctx context.Context, automationID uuid.UUID, take, skip int) ([]types.ExecutionRecord, error)
	CountExecutions(ctx context.Context, automationID uuid.UUID, status types.ExecutionStatus) (int64, error)

	Pool() *pgxpool.Pool
}

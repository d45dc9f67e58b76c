package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/types"
)

var (
	ErrNotFound = errors.New("automation not found")
	// ErrInvalidTransition is returned for a lifecycle operation that is not
	// legal from the automation's current state.
	ErrInvalidTransition = errors.New("invalid automation transition")
	// ErrStateConflict is returned for a stale or duplicate execution record.
	// The caller logs and discards; nothing is retried.
	ErrStateConflict = errors.New("stale or duplicate execution record")
	// ErrDeploymentUnconfirmed is returned when activation is attempted
	// before the vault init transaction is confirmed on-chain.
	ErrDeploymentUnconfirmed = errors.New("vault deployment is not confirmed")
)

// Store persists automations. The registry is the single authority on state
// transitions; the store applies them.
type Store interface {
	CreateAutomation(ctx context.Context, a types.Automation) error
	GetAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, error)
	GetAutomationsByOwner(ctx context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error)
	GetDueAutomations(ctx context.Context, now time.Time) ([]types.Automation, error)
	GetTriggerAutomations(ctx context.Context) ([]types.Automation, error)
	UpdateAutomation(ctx context.Context, a *types.Automation) error
}

// Registry owns the automation entity lifecycle:
//
//	pending_deployment -> active <-> paused
//	active|paused      -> cancelled
//	active             -> completed (bounded automations only)
//
// completed and cancelled are final.
type Registry struct {
	store  Store
	logger logrus.FieldLogger
}

func New(store Store, logger logrus.FieldLogger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Create registers a new automation in pending_deployment. It stays there
// until the owning vault's init transaction is confirmed on-chain.
func (r *Registry) Create(ctx context.Context, a types.Automation, now time.Time) (*types.Automation, error) {
	if err := a.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid automation: %w", err)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = types.StatusPendingDeployment
	a.CyclesExecuted = 0
	a.NextExecutionAt = nil
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := r.store.CreateAutomation(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to persist automation: %w", err)
	}
	return &a, nil
}

// ConfirmDeployment activates a pending automation once its vault init
// transaction has been confirmed. confirmed reflects the submission
// collaborator's verdict on the deployment transaction.
func (r *Registry) ConfirmDeployment(ctx context.Context, id uuid.UUID, vaultAddress, deploymentTx string, confirmed bool, now time.Time) (*types.Automation, error) {
	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.StatusPendingDeployment {
		return nil, fmt.Errorf("cannot confirm deployment from %s: %w", a.Status, ErrInvalidTransition)
	}
	if !confirmed || vaultAddress == "" {
		return nil, ErrDeploymentUnconfirmed
	}

	a.VaultAddress = vaultAddress
	a.DeploymentTx = deploymentTx
	a.Status = types.StatusActive
	if a.TimeBased() {
		next := now.Add(time.Duration(a.FrequencySeconds) * time.Second)
		a.NextExecutionAt = &next
	}
	return r.update(ctx, a, now)
}

// Pause suspends an active automation.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID, now time.Time) (*types.Automation, error) {
	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.StatusActive {
		return nil, fmt.Errorf("cannot pause from %s: %w", a.Status, ErrInvalidTransition)
	}
	a.Status = types.StatusPaused
	return r.update(ctx, a, now)
}

// Resume reactivates a paused automation. The schedule restarts relative to
// now so a long pause does not produce a burst of catch-up executions.
func (r *Registry) Resume(ctx context.Context, id uuid.UUID, now time.Time) (*types.Automation, error) {
	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.StatusPaused {
		return nil, fmt.Errorf("cannot resume from %s: %w", a.Status, ErrInvalidTransition)
	}
	a.Status = types.StatusActive
	if a.TimeBased() {
		next := now.Add(time.Duration(a.FrequencySeconds) * time.Second)
		a.NextExecutionAt = &next
	}
	return r.update(ctx, a, now)
}

// Cancel terminates an automation from any non-terminal state.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (*types.Automation, error) {
	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, fmt.Errorf("cannot cancel from %s: %w", a.Status, ErrInvalidTransition)
	}
	a.Status = types.StatusCancelled
	a.NextExecutionAt = nil
	return r.update(ctx, a, now)
}

// RecordExecution applies the outcome of one execution cycle. Scheduling is
// anchored to the actual execution time, not the previously scheduled slot,
// so delays never compound into drift. Records for terminal automations and
// records at or before the last executed timestamp are rejected with
// ErrStateConflict: the registry, not the dispatcher, is the authority on
// current state.
func (r *Registry) RecordExecution(ctx context.Context, id uuid.UUID, success bool, executedAt, now time.Time) (*types.Automation, error) {
	a, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, fmt.Errorf("automation is %s: %w", a.Status, ErrStateConflict)
	}
	if a.Status == types.StatusPendingDeployment {
		return nil, fmt.Errorf("automation has not been deployed: %w", ErrStateConflict)
	}
	if a.LastExecutedAt != nil && !executedAt.After(*a.LastExecutedAt) {
		return nil, fmt.Errorf("execution at %s already recorded: %w", executedAt, ErrStateConflict)
	}

	if !success {
		// The cycle did not happen on-chain; the automation is left
		// unchanged and will be retried on its existing schedule.
		return a, nil
	}

	if a.Bounded() && a.CyclesExecuted >= a.TotalCycles {
		return nil, fmt.Errorf("cycle bound already reached: %w", ErrStateConflict)
	}

	executed := executedAt
	a.CyclesExecuted++
	a.LastExecutedAt = &executed

	if a.Bounded() && a.CyclesExecuted == a.TotalCycles {
		a.Status = types.StatusCompleted
		a.NextExecutionAt = nil
	} else if a.Status == types.StatusActive && a.TimeBased() {
		next := executedAt.Add(time.Duration(a.FrequencySeconds) * time.Second)
		a.NextExecutionAt = &next
	} else {
		a.NextExecutionAt = nil
	}
	return r.update(ctx, a, now)
}

// FlagForReconciliation marks an automation whose last submission ended in
// an unknown confirmation state. It is not a transition; the automation
// keeps its status and its ledger reservation until an operator resolves it.
func (r *Registry) FlagForReconciliation(ctx context.Context, id uuid.UUID, now time.Time) error {
	a, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	a.NeedsReconciliation = true
	_, err = r.update(ctx, a, now)
	return err
}

// Get returns the automation's current state.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*types.Automation, error) {
	return r.get(ctx, id)
}

// ListByOwner returns the owner's automations, optionally filtered by status.
func (r *Registry) ListByOwner(ctx context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error) {
	return r.store.GetAutomationsByOwner(ctx, owner, status)
}

// Due returns active time-based automations whose next execution is at or
// before now. Automations flagged for reconciliation are never selected: an
// unresolved outcome means the previous cycle may still land, and running
// another one on top of it could execute twice.
func (r *Registry) Due(ctx context.Context, now time.Time) ([]types.Automation, error) {
	return r.store.GetDueAutomations(ctx, now)
}

// TriggerCandidates returns active trigger-based automations, which are
// selected by condition rather than by timestamp. Flagged automations are
// excluded here as well.
func (r *Registry) TriggerCandidates(ctx context.Context) ([]types.Automation, error) {
	return r.store.GetTriggerAutomations(ctx)
}

func (r *Registry) get(ctx context.Context, id uuid.UUID) (*types.Automation, error) {
	a, err := r.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

func (r *Registry) update(ctx context.Context, a *types.Automation, now time.Time) (*types.Automation, error) {
	a.UpdatedAt = now
	if err := r.store.UpdateAutomation(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to persist automation: %w", err)
	}
	return a, nil
}

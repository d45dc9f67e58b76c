package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solcopilot/autopilot/internal/types"
)

const (
	testOwner = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	testUSDC  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testSOL   = "So11111111111111111111111111111111111111112"
	testVault = "7Y9dViWk6qjfrXpMmhg6wvZ8kfFKPJt5hSnbJ1mXeDdF"
)

type fakeStore struct {
	mu          sync.Mutex
	automations map[uuid.UUID]types.Automation
}

func newFakeStore() *fakeStore {
	return &fakeStore{automations: make(map[uuid.UUID]types.Automation)}
}

func (s *fakeStore) CreateAutomation(_ context.Context, a types.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[a.ID] = a
	return nil
}

func (s *fakeStore) GetAutomation(_ context.Context, id uuid.UUID) (*types.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *fakeStore) GetAutomationsByOwner(_ context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Automation
	for _, a := range s.automations {
		if a.OwnerAddress != owner {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) GetDueAutomations(_ context.Context, now time.Time) ([]types.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Automation
	for _, a := range s.automations {
		if a.Status == types.StatusActive && a.NextExecutionAt != nil && !a.NextExecutionAt.After(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetTriggerAutomations(_ context.Context) ([]types.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Automation
	for _, a := range s.automations {
		if a.Status == types.StatusActive && a.FrequencySeconds == 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateAutomation(_ context.Context, a *types.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[a.ID] = *a
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *types.Automation, time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(newFakeStore(), logrus.New())
	a, err := r.Create(context.Background(), types.Automation{
		OwnerAddress:     testOwner,
		Kind:             types.KindDCA,
		SourceMint:       testUSDC,
		DestMint:         testSOL,
		AmountPerCycle:   100_000_000,
		FrequencySeconds: 604800, // weekly
		TotalCycles:      4,
		MaxSlippageBps:   50,
	}, now)
	require.NoError(t, err)
	return r, a, now
}

func activate(t *testing.T, r *Registry, id uuid.UUID, now time.Time) *types.Automation {
	t.Helper()
	a, err := r.ConfirmDeployment(context.Background(), id, testVault, "sig123", true, now)
	require.NoError(t, err)
	return a
}

func TestCreateStartsPendingDeployment(t *testing.T) {
	_, a, _ := newTestRegistry(t)

	assert.Equal(t, types.StatusPendingDeployment, a.Status)
	assert.Nil(t, a.NextExecutionAt)
	assert.Equal(t, uint16(0), a.CyclesExecuted)
}

func TestCreateRejectsInvalid(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(newFakeStore(), logrus.New())

	tests := []struct {
		name   string
		mutate func(*types.Automation)
	}{
		{"same source and dest", func(a *types.Automation) { a.DestMint = a.SourceMint }},
		{"zero amount", func(a *types.Automation) { a.AmountPerCycle = 0 }},
		{"negative frequency", func(a *types.Automation) { a.FrequencySeconds = -60 }},
		{"unknown kind", func(a *types.Automation) { a.Kind = "lottery" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := types.Automation{
				OwnerAddress:     testOwner,
				Kind:             types.KindDCA,
				SourceMint:       testUSDC,
				DestMint:         testSOL,
				AmountPerCycle:   100,
				FrequencySeconds: 3600,
			}
			tt.mutate(&a)
			_, err := r.Create(context.Background(), a, now)
			require.Error(t, err)
		})
	}
}

func TestConfirmDeploymentActivates(t *testing.T) {
	r, a, now := newTestRegistry(t)

	activated := activate(t, r, a.ID, now)
	assert.Equal(t, types.StatusActive, activated.Status)
	assert.Equal(t, testVault, activated.VaultAddress)
	require.NotNil(t, activated.NextExecutionAt)
	assert.Equal(t, now.Add(604800*time.Second), *activated.NextExecutionAt)
}

func TestConfirmDeploymentRequiresConfirmation(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.ConfirmDeployment(ctx, a.ID, testVault, "sig123", false, now)
	assert.ErrorIs(t, err, ErrDeploymentUnconfirmed)

	// The automation must still be waiting, not active or broken.
	current, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDeployment, current.Status)

	// Confirming twice is a transition error, not a deployment error.
	activate(t, r, a.ID, now)
	_, err = r.ConfirmDeployment(ctx, a.ID, testVault, "sig123", true, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseResumeCycle(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activate(t, r, a.ID, now)

	paused, err := r.Pause(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)

	// Pausing a paused automation is rejected.
	_, err = r.Pause(ctx, a.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	later := now.Add(48 * time.Hour)
	resumed, err := r.Resume(ctx, a.ID, later)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, resumed.Status)
	// The schedule restarts from the resume time.
	require.NotNil(t, resumed.NextExecutionAt)
	assert.Equal(t, later.Add(604800*time.Second), *resumed.NextExecutionAt)
}

func TestResumeRequiresPaused(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Resume(ctx, a.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	activate(t, r, a.ID, now)
	_, err = r.Resume(ctx, a.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	ctx := context.Background()

	// pending_deployment -> cancelled
	r, a, now := newTestRegistry(t)
	cancelled, err := r.Cancel(ctx, a.ID, now)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NextExecutionAt)

	// cancelled is final
	_, err = r.Cancel(ctx, a.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.Pause(ctx, a.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.Resume(ctx, a.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// paused -> cancelled
	r, a, now = newTestRegistry(t)
	activate(t, r, a.ID, now)
	_, err = r.Pause(ctx, a.ID, now)
	require.NoError(t, err)
	_, err = r.Cancel(ctx, a.ID, now)
	require.NoError(t, err)
}

func TestWeeklyBoundedRunToCompletion(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activate(t, r, a.ID, now)

	// Four weekly cycles; each execution lands a little late, and the next
	// slot is anchored to the actual execution time.
	executedAt := now
	for cycle := 1; cycle <= 4; cycle++ {
		executedAt = executedAt.Add(604800*time.Second + 3*time.Minute)
		updated, err := r.RecordExecution(ctx, a.ID, true, executedAt, executedAt)
		require.NoError(t, err)
		assert.Equal(t, uint16(cycle), updated.CyclesExecuted)

		if cycle < 4 {
			assert.Equal(t, types.StatusActive, updated.Status)
			require.NotNil(t, updated.NextExecutionAt)
			assert.Equal(t, executedAt.Add(604800*time.Second), *updated.NextExecutionAt)
		} else {
			assert.Equal(t, types.StatusCompleted, updated.Status)
			assert.Nil(t, updated.NextExecutionAt)
		}
	}

	// Nothing moves a completed automation.
	_, err := r.RecordExecution(ctx, a.ID, true, executedAt.Add(time.Hour), executedAt.Add(time.Hour))
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = r.Pause(ctx, a.ID, executedAt)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecordExecutionRejectsDuplicates(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activate(t, r, a.ID, now)

	executedAt := now.Add(604800 * time.Second)
	_, err := r.RecordExecution(ctx, a.ID, true, executedAt, executedAt)
	require.NoError(t, err)

	// Same timestamp again: a duplicate delivery, not a new cycle.
	_, err = r.RecordExecution(ctx, a.ID, true, executedAt, executedAt)
	assert.ErrorIs(t, err, ErrStateConflict)

	// An earlier timestamp is stale.
	_, err = r.RecordExecution(ctx, a.ID, true, executedAt.Add(-time.Minute), executedAt)
	assert.ErrorIs(t, err, ErrStateConflict)

	current, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), current.CyclesExecuted)
}

func TestRecordExecutionAfterCancelIsConflict(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activate(t, r, a.ID, now)

	_, err := r.Cancel(ctx, a.ID, now)
	require.NoError(t, err)

	// The execution finished after the user cancelled; the record is
	// discarded rather than resurrecting the automation.
	_, err = r.RecordExecution(ctx, a.ID, true, now.Add(time.Minute), now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestRecordExecutionFailureLeavesStateUntouched(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activated := activate(t, r, a.ID, now)
	scheduled := *activated.NextExecutionAt

	updated, err := r.RecordExecution(ctx, a.ID, false, now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), updated.CyclesExecuted)
	assert.Equal(t, types.StatusActive, updated.Status)
	require.NotNil(t, updated.NextExecutionAt)
	assert.Equal(t, scheduled, *updated.NextExecutionAt)
}

func TestTriggerBasedNeverScheduled(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(newFakeStore(), logrus.New())
	ctx := context.Background()

	a, err := r.Create(ctx, types.Automation{
		OwnerAddress:   testOwner,
		Kind:           types.KindStopLoss,
		SourceMint:     testSOL,
		DestMint:       testUSDC,
		AmountPerCycle: 1_000_000_000,
		TriggerPrice:   decimal.RequireFromString("95.5"),
	}, now)
	require.NoError(t, err)

	activated := activate(t, r, a.ID, now)
	assert.Nil(t, activated.NextExecutionAt)

	// Firing the trigger records the cycle without inventing a schedule.
	updated, err := r.RecordExecution(ctx, a.ID, true, now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, updated.NextExecutionAt)
	assert.Equal(t, types.StatusActive, updated.Status)

	candidates, err := r.TriggerCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, a.ID, candidates[0].ID)

	due, err := r.Due(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDueSelection(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activate(t, r, a.ID, now)

	due, err := r.Due(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = r.Due(ctx, now.Add(604800*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, a.ID, due[0].ID)
}

func TestFlagForReconciliation(t *testing.T) {
	r, a, now := newTestRegistry(t)
	ctx := context.Background()
	activate(t, r, a.ID, now)

	require.NoError(t, r.FlagForReconciliation(ctx, a.ID, now))

	current, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, current.NeedsReconciliation)
	assert.Equal(t, types.StatusActive, current.Status)
}

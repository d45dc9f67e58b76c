package service

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solcopilot/autopilot/internal/chain"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/registry"
	"github.com/solcopilot/autopilot/internal/types"
	"github.com/solcopilot/autopilot/internal/vault"
	"github.com/solcopilot/autopilot/storage"
)

// fakeDB panics on anything the test does not stub.
type fakeDB struct {
	storage.DatabaseStorage
}

func newAutomationService(t *testing.T, chainClient *fakeChain) (*AutomationService, *registry.Registry) {
	t.Helper()
	logger := logrus.New()
	reg := registry.New(newMemAutomationStore(), logger)
	notifier := notify.New(nil, "", logger)

	svc, err := NewAutomationService(&fakeDB{}, reg, chainClient, notifier, logger)
	require.NoError(t, err)
	return svc, reg
}

func dcaRequest() types.AutomationCreateRequest {
	return types.AutomationCreateRequest{
		OwnerAddress:     testOwner,
		Kind:             types.KindDCA,
		SourceMint:       testUSDC,
		DestMint:         testSOL,
		AmountPerCycle:   25_000_000,
		FrequencySeconds: 86400,
		TotalCycles:      30,
		MaxSlippageBps:   50,
	}
}

// activeVaultAccount builds raw account data whose status byte reads active.
func activeVaultAccount() []byte {
	return make([]byte, 8+32*3+8+8+2+2+8+8+8+8+1+1)
}

func TestCreateAutomationReturnsDeploymentInstruction(t *testing.T) {
	svc, _ := newAutomationService(t, &fakeChain{})
	ctx := context.Background()

	a, instruction, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)

	assert.Equal(t, types.StatusPendingDeployment, a.Status)
	assert.Equal(t, vault.DCAVaultProgramID, instruction.ProgramID)
	assert.Equal(t, a.VaultAddress, instruction.VaultAddress)
	assert.NotEmpty(t, instruction.VaultAddress)

	data, err := base64.StdEncoding.DecodeString(instruction.Data)
	require.NoError(t, err)
	params, err := vault.DecodeInitializeVault(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000_000), params.AmountPerCycle)
	assert.Equal(t, int64(86400), params.FrequencySeconds)
	assert.Equal(t, uint32(30), params.TotalCycles)
}

func TestCreateAutomationSameInputsSameVault(t *testing.T) {
	svc, _ := newAutomationService(t, &fakeChain{})
	ctx := context.Background()

	a1, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)
	a2, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)

	assert.Equal(t, a1.VaultAddress, a2.VaultAddress)
	assert.NotEqual(t, a1.ID, a2.ID)
}

func TestCreateAutomationRejectsBadTriggerPrice(t *testing.T) {
	svc, _ := newAutomationService(t, &fakeChain{})

	req := dcaRequest()
	req.Kind = types.KindStopLoss
	req.FrequencySeconds = 0
	req.TriggerPrice = "not a number"

	_, _, err := svc.CreateAutomation(context.Background(), req)
	assert.ErrorContains(t, err, "invalid trigger price")
}

func TestConfirmDeploymentActivates(t *testing.T) {
	chainClient := &fakeChain{outcome: chain.OutcomeConfirmed, accountData: activeVaultAccount()}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)

	activated, err := svc.ConfirmDeployment(ctx, a.ID, testSig)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, activated.Status)
	assert.Equal(t, testSig, activated.DeploymentTx)
	require.NotNil(t, activated.NextExecutionAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *activated.NextExecutionAt, time.Minute)
}

func TestConfirmDeploymentRequiresVaultAccount(t *testing.T) {
	// The transaction confirmed but the vault account is nowhere to be found.
	chainClient := &fakeChain{outcome: chain.OutcomeConfirmed, accountData: nil}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)

	_, err = svc.ConfirmDeployment(ctx, a.ID, testSig)
	assert.ErrorIs(t, err, registry.ErrDeploymentUnconfirmed)

	unchanged, err := svc.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDeployment, unchanged.Status)
}

func TestConfirmDeploymentFailedTransaction(t *testing.T) {
	chainClient := &fakeChain{outcome: chain.OutcomeFailed, conErr: nil}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)

	_, err = svc.ConfirmDeployment(ctx, a.ID, testSig)
	assert.ErrorIs(t, err, registry.ErrDeploymentUnconfirmed)
}

func TestPauseResumeThroughService(t *testing.T) {
	chainClient := &fakeChain{outcome: chain.OutcomeConfirmed, accountData: activeVaultAccount(), blockhash: "testhash"}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)
	_, err = svc.ConfirmDeployment(ctx, a.ID, testSig)
	require.NoError(t, err)

	paused, pauseInstr, err := svc.PauseAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)
	assertVaultOp(t, pauseInstr.Data, vault.OpPauseVault)
	assert.Equal(t, paused.VaultAddress, pauseInstr.VaultAddress)
	assert.Equal(t, "testhash", pauseInstr.RecentBlockhash)

	resumed, resumeInstr, err := svc.ResumeAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, resumed.Status)
	assertVaultOp(t, resumeInstr.Data, vault.OpResumeVault)
}

func TestCancelReturnsCloseInstruction(t *testing.T) {
	chainClient := &fakeChain{outcome: chain.OutcomeConfirmed, accountData: activeVaultAccount(), blockhash: "testhash"}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)
	_, err = svc.ConfirmDeployment(ctx, a.ID, testSig)
	require.NoError(t, err)

	cancelled, instruction, err := svc.CancelAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assertVaultOp(t, instruction.Data, vault.OpCloseVault)
}

func TestBuildDepositInstruction(t *testing.T) {
	chainClient := &fakeChain{outcome: chain.OutcomeConfirmed, accountData: activeVaultAccount(), blockhash: "testhash", balance: 5_000_000}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)
	_, err = svc.ConfirmDeployment(ctx, a.ID, testSig)
	require.NoError(t, err)

	instruction, err := svc.BuildDepositInstruction(ctx, a.ID, 750_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), instruction.VaultBalance)
	assert.Equal(t, a.VaultAddress, instruction.VaultAddress)

	data, err := base64.StdEncoding.DecodeString(instruction.Data)
	require.NoError(t, err)
	amount, err := vault.DecodeDeposit(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(750_000_000), amount)

	_, err = svc.BuildDepositInstruction(ctx, a.ID, 0)
	assert.ErrorContains(t, err, "must be positive")
}

func TestBuildDepositRejectsTerminalAutomation(t *testing.T) {
	chainClient := &fakeChain{outcome: chain.OutcomeConfirmed, accountData: activeVaultAccount(), blockhash: "testhash"}
	svc, _ := newAutomationService(t, chainClient)
	ctx := context.Background()

	a, _, err := svc.CreateAutomation(ctx, dcaRequest())
	require.NoError(t, err)
	_, err = svc.ConfirmDeployment(ctx, a.ID, testSig)
	require.NoError(t, err)
	_, _, err = svc.CancelAutomation(ctx, a.ID)
	require.NoError(t, err)

	_, err = svc.BuildDepositInstruction(ctx, a.ID, 100)
	assert.ErrorContains(t, err, "cancelled")
}

func assertVaultOp(t *testing.T, encoded string, want vault.Op) {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	op, err := vault.DecodeOp(data)
	require.NoError(t, err)
	assert.Equal(t, want, op)
}

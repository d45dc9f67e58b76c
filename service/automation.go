package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/chain"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/registry"
	"github.com/solcopilot/autopilot/internal/types"
	"github.com/solcopilot/autopilot/internal/vault"
	"github.com/solcopilot/autopilot/storage"
)

// DeploymentInstruction is everything the owner's wallet needs to build and
// sign the vault init transaction.
type DeploymentInstruction struct {
	ProgramID    string `json:"program_id"`
	VaultAddress string `json:"vault_address"`
	Bump         uint8  `json:"bump"`
	Data         string `json:"data"` // base64 instruction data
}

// VaultInstruction is an unsigned vault program instruction for the owner's
// wallet to sign and submit alongside a lifecycle transition. The registry
// state changes immediately; the on-chain vault follows once the owner
// submits this.
type VaultInstruction struct {
	ProgramID       string `json:"program_id"`
	VaultAddress    string `json:"vault_address"`
	Data            string `json:"data"` // base64 instruction data
	RecentBlockhash string `json:"recent_blockhash"`
}

// DepositInstruction tops up the vault escrow, reporting the balance the
// deposit lands on.
type DepositInstruction struct {
	VaultInstruction
	VaultBalance uint64 `json:"vault_balance"`
}

type Automation interface {
	CreateAutomation(ctx context.Context, req types.AutomationCreateRequest) (*types.Automation, *DeploymentInstruction, error)
	ConfirmDeployment(ctx context.Context, id uuid.UUID, txSignature string) (*types.Automation, error)
	PauseAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, *VaultInstruction, error)
	ResumeAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, *VaultInstruction, error)
	CancelAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, *VaultInstruction, error)
	BuildDepositInstruction(ctx context.Context, id uuid.UUID, amount uint64) (*DepositInstruction, error)
	GetAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, error)
	ListAutomations(ctx context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error)
	GetExecutionHistory(ctx context.Context, id uuid.UUID) ([]types.ExecutionRecord, error)
}

var _ Automation = (*AutomationService)(nil)

// AutomationService fronts the registry for the API: it derives the vault
// address, prepares the deployment instruction for the owner to sign, and
// verifies the deployment transaction before activation.
type AutomationService struct {
	db       storage.DatabaseStorage
	registry *registry.Registry
	chain    ChainClient
	notifier *notify.Notifier
	logger   *logrus.Logger
}

func NewAutomationService(db storage.DatabaseStorage, reg *registry.Registry, chainClient ChainClient, notifier *notify.Notifier, logger *logrus.Logger) (*AutomationService, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	return &AutomationService{
		db:       db,
		registry: reg,
		chain:    chainClient,
		notifier: notifier,
		logger:   logger,
	}, nil
}

func (s *AutomationService) CreateAutomation(ctx context.Context, req types.AutomationCreateRequest) (*types.Automation, *DeploymentInstruction, error) {
	now := time.Now()

	triggerPrice := decimal.Zero
	if req.TriggerPrice != "" {
		parsed, err := decimal.NewFromString(req.TriggerPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid trigger price %q: %w", req.TriggerPrice, err)
		}
		triggerPrice = parsed
	}

	vaultAddr, bump, err := vault.DeriveVaultAddress(req.OwnerAddress, req.SourceMint, req.DestMint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive vault address: %w", err)
	}

	data, err := vault.EncodeInitializeVault(vault.InitializeVaultParams{
		AmountPerCycle:   req.AmountPerCycle,
		FrequencySeconds: req.FrequencySeconds,
		TotalCycles:      uint32(req.TotalCycles),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode init instruction: %w", err)
	}

	a, err := s.registry.Create(ctx, types.Automation{
		OwnerAddress:     req.OwnerAddress,
		Kind:             req.Kind,
		SourceMint:       req.SourceMint,
		DestMint:         req.DestMint,
		AmountPerCycle:   req.AmountPerCycle,
		FrequencySeconds: req.FrequencySeconds,
		TotalCycles:      req.TotalCycles,
		MaxSlippageBps:   req.MaxSlippageBps,
		TriggerPrice:     triggerPrice,
		VaultAddress:     vaultAddr.String(),
	}, now)
	if err != nil {
		return nil, nil, err
	}

	return a, &DeploymentInstruction{
		ProgramID:    vault.DCAVaultProgramID,
		VaultAddress: vaultAddr.String(),
		Bump:         bump,
		Data:         base64.StdEncoding.EncodeToString(data),
	}, nil
}

// ConfirmDeployment verifies the signed vault init transaction on-chain and
// activates the automation. An unconfirmed or failed deployment leaves it in
// pending_deployment.
func (s *AutomationService) ConfirmDeployment(ctx context.Context, id uuid.UUID, txSignature string) (*types.Automation, error) {
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	outcome, err := s.chain.ConfirmTransaction(ctx, txSignature)
	if err != nil && outcome != chain.OutcomeConfirmed {
		s.logger.WithError(err).WithField("automation_id", id).Warn("deployment confirmation inconclusive")
	}

	confirmed := outcome == chain.OutcomeConfirmed
	if confirmed {
		// A confirmed signature alone is not enough: the vault account must
		// exist and parse before any execution is scheduled against it.
		data, err := s.chain.GetAccountInfo(ctx, a.VaultAddress)
		if err != nil || data == nil {
			s.logger.WithError(err).WithField("vault", a.VaultAddress).Warn("vault account not found after deployment")
			confirmed = false
		} else if state, err := vault.DecodeAccountState(data); err != nil {
			s.logger.WithError(err).WithField("vault", a.VaultAddress).Warn("vault account data is malformed")
			confirmed = false
		} else if state.Status != vault.AccountStatusActive {
			s.logger.WithField("vault", a.VaultAddress).Warn("vault account deployed in a non-active state")
			confirmed = false
		}
	}
	activated, err := s.registry.ConfirmDeployment(ctx, id, a.VaultAddress, txSignature, confirmed, time.Now())
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// PauseAutomation suspends scheduling and hands back the pause_vault
// instruction so the owner can freeze the on-chain vault as well.
func (s *AutomationService) PauseAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, *VaultInstruction, error) {
	data, err := vault.EncodePauseVault()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode pause instruction: %w", err)
	}
	a, err := s.registry.Pause(ctx, id, time.Now())
	if err != nil {
		return nil, nil, err
	}
	instruction, err := s.vaultInstruction(ctx, a.VaultAddress, data)
	if err != nil {
		return nil, nil, err
	}
	return a, instruction, nil
}

func (s *AutomationService) ResumeAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, *VaultInstruction, error) {
	data, err := vault.EncodeResumeVault()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode resume instruction: %w", err)
	}
	a, err := s.registry.Resume(ctx, id, time.Now())
	if err != nil {
		return nil, nil, err
	}
	instruction, err := s.vaultInstruction(ctx, a.VaultAddress, data)
	if err != nil {
		return nil, nil, err
	}
	return a, instruction, nil
}

// CancelAutomation terminates the automation and hands back the close_vault
// instruction that reclaims the escrow.
func (s *AutomationService) CancelAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, *VaultInstruction, error) {
	data, err := vault.EncodeCloseVault()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode close instruction: %w", err)
	}
	a, err := s.registry.Cancel(ctx, id, time.Now())
	if err != nil {
		return nil, nil, err
	}
	instruction, err := s.vaultInstruction(ctx, a.VaultAddress, data)
	if err != nil {
		return nil, nil, err
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind:         notify.EventExecutionFailed,
		OwnerAddress: a.OwnerAddress,
		AutomationID: a.ID,
		Message:      "automation cancelled",
	})
	return a, instruction, nil
}

// BuildDepositInstruction prepares a vault escrow top-up for the owner to
// sign, along with the escrow's current lamport balance.
func (s *AutomationService) BuildDepositInstruction(ctx context.Context, id uuid.UUID, amount uint64) (*DepositInstruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	a, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, fmt.Errorf("cannot deposit into a %s automation", a.Status)
	}

	data, err := vault.EncodeDeposit(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deposit instruction: %w", err)
	}
	instruction, err := s.vaultInstruction(ctx, a.VaultAddress, data)
	if err != nil {
		return nil, err
	}
	balance, err := s.chain.GetBalance(ctx, a.VaultAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vault balance: %w", err)
	}
	return &DepositInstruction{VaultInstruction: *instruction, VaultBalance: balance}, nil
}

func (s *AutomationService) vaultInstruction(ctx context.Context, vaultAddress string, data []byte) (*VaultInstruction, error) {
	blockhash, err := s.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent blockhash: %w", err)
	}
	return &VaultInstruction{
		ProgramID:       vault.DCAVaultProgramID,
		VaultAddress:    vaultAddress,
		Data:            base64.StdEncoding.EncodeToString(data),
		RecentBlockhash: blockhash,
	}, nil
}

func (s *AutomationService) GetAutomation(ctx context.Context, id uuid.UUID) (*types.Automation, error) {
	return s.registry.Get(ctx, id)
}

func (s *AutomationService) ListAutomations(ctx context.Context, owner string, status types.AutomationStatus) ([]types.Automation, error) {
	return s.registry.ListByOwner(ctx, owner, status)
}

func (s *AutomationService) GetExecutionHistory(ctx context.Context, id uuid.UUID) ([]types.ExecutionRecord, error) {
	// take the last 30 records and skip the first 0
	history, err := s.db.GetExecutionHistory(ctx, id, 30, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution history: %w", err)
	}
	return history, nil
}

package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AutomationKind string

const (
	KindDCA           AutomationKind = "dca"
	KindRecurringSwap AutomationKind = "recurring_swap"
	KindRebalance     AutomationKind = "rebalance"
	KindStopLoss      AutomationKind = "stop_loss"
	KindTakeProfit    AutomationKind = "take_profit"
)

type AutomationStatus string

const (
	StatusPendingDeployment AutomationStatus = "pending_deployment"
	StatusActive            AutomationStatus = "active"
	StatusPaused            AutomationStatus = "paused"
	StatusCompleted         AutomationStatus = "completed"
	StatusCancelled         AutomationStatus = "cancelled"
)

// Automation is one recurring or conditional strategy owned by a user. Amounts
// are in the source asset's smallest units. FrequencySeconds == 0 means the
// automation is trigger-based and is never scheduled by timestamp.
type Automation struct {
	ID                  uuid.UUID        `json:"id"`
	OwnerAddress        string           `json:"owner_address"`
	Kind                AutomationKind   `json:"kind"`
	Status              AutomationStatus `json:"status"`
	SourceMint          string           `json:"source_mint"`
	DestMint            string           `json:"dest_mint"`
	AmountPerCycle      uint64           `json:"amount_per_cycle"`
	FrequencySeconds    int64            `json:"frequency_seconds"`
	NextExecutionAt     *time.Time       `json:"next_execution_at,omitempty"`
	TotalCycles         uint16           `json:"total_cycles"`
	CyclesExecuted      uint16           `json:"cycles_executed"`
	MaxSlippageBps      int              `json:"max_slippage_bps"`
	TriggerPrice        decimal.Decimal  `json:"trigger_price,omitempty"`
	LastExecutedAt      *time.Time       `json:"last_executed_at,omitempty"`
	VaultAddress        string           `json:"vault_address,omitempty"`
	DeploymentTx        string           `json:"deployment_tx,omitempty"`
	NeedsReconciliation bool             `json:"needs_reconciliation"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// TimeBased reports whether the automation is scheduled by interval rather
// than by an external trigger condition.
func (a *Automation) TimeBased() bool {
	return a.FrequencySeconds > 0
}

// Bounded reports whether the automation has a fixed cycle count.
func (a *Automation) Bounded() bool {
	return a.TotalCycles > 0
}

// Terminal reports whether the automation can no longer be mutated.
func (a *Automation) Terminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusCancelled
}

func (a *Automation) IsValid() error {
	if a.OwnerAddress == "" {
		return fmt.Errorf("owner address is required")
	}
	if a.SourceMint == a.DestMint {
		return fmt.Errorf("source and destination assets must differ")
	}
	if a.AmountPerCycle == 0 {
		return fmt.Errorf("amount per cycle must be positive")
	}
	if a.FrequencySeconds < 0 {
		return fmt.Errorf("frequency cannot be negative")
	}
	switch a.Kind {
	case KindDCA, KindRecurringSwap, KindRebalance:
	case KindStopLoss, KindTakeProfit:
		if a.FrequencySeconds != 0 {
			return fmt.Errorf("%s automations are trigger-based and cannot have a frequency", a.Kind)
		}
		if !a.TriggerPrice.IsPositive() {
			return fmt.Errorf("%s automations require a positive trigger price", a.Kind)
		}
	default:
		return fmt.Errorf("unknown automation kind: %s", a.Kind)
	}
	return nil
}

// TriggerFired reports whether the current price satisfies the automation's
// trigger condition. Time-based automations never fire on price.
func (a *Automation) TriggerFired(price decimal.Decimal) bool {
	switch a.Kind {
	case KindStopLoss:
		return price.LessThanOrEqual(a.TriggerPrice)
	case KindTakeProfit:
		return price.GreaterThanOrEqual(a.TriggerPrice)
	default:
		return false
	}
}

// AutomationCreateRequest is the API payload for creating an automation.
type AutomationCreateRequest struct {
	OwnerAddress     string         `json:"owner_address" validate:"required"`
	Kind             AutomationKind `json:"kind" validate:"required"`
	SourceMint       string         `json:"source_mint" validate:"required"`
	DestMint         string         `json:"dest_mint" validate:"required"`
	AmountPerCycle   uint64         `json:"amount_per_cycle" validate:"required,gt=0"`
	FrequencySeconds int64          `json:"frequency_seconds" validate:"gte=0"`
	TotalCycles      uint16         `json:"total_cycles"`
	MaxSlippageBps   int            `json:"max_slippage_bps" validate:"gte=0,lte=10000"`
	TriggerPrice     string         `json:"trigger_price,omitempty"`
}

package types

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	// ExecutionUnknown marks a submission whose confirmation could not be
	// established within the polling budget. It is never promoted to success
	// or failure automatically; the automation is flagged for manual
	// reconciliation instead.
	ExecutionUnknown ExecutionStatus = "unknown"
)

// ExecutionRecord is the per-cycle audit trail of an automation.
type ExecutionRecord struct {
	ID           uuid.UUID       `json:"id"`
	AutomationID uuid.UUID       `json:"automation_id"`
	ExecutedAt   time.Time       `json:"executed_at"`
	InputAmount  uint64          `json:"input_amount"`
	OutputAmount uint64          `json:"output_amount,omitempty"`
	TxSignature  string          `json:"tx_signature,omitempty"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ExecutionTrigger records why an automation was dispatched this cycle.
type ExecutionTrigger struct {
	AutomationID uuid.UUID `json:"automation_id"`
	SessionKeyID uuid.UUID `json:"session_key_id"`
	DueAt        time.Time `json:"due_at"`
}

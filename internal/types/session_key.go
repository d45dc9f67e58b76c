package types

import (
	"time"

	"github.com/google/uuid"
)

// SessionKey is a delegated signing capability with enforced spending limits,
// distinct from the user's primary wallet key. SpentAmount only ever grows;
// ReservedAmount is held by in-flight executions and is either committed into
// SpentAmount or released, exactly once.
type SessionKey struct {
	ID              uuid.UUID `json:"id"`
	OwnerAddress    string    `json:"owner_address"`
	Name            string    `json:"name"`
	PublicKey       string    `json:"public_key"`
	MaxAmountPerTx  uint64    `json:"max_amount_per_tx"`
	MaxTotalAmount  uint64    `json:"max_total_amount"`
	SpentAmount     uint64    `json:"spent_amount"`
	ReservedAmount  uint64    `json:"reserved_amount"`
	AllowedPrograms []string  `json:"allowed_programs"`
	ExpiresAt       time.Time `json:"expires_at"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Remaining returns the lifetime allowance not yet spent or reserved.
func (k *SessionKey) Remaining() uint64 {
	used := k.SpentAmount + k.ReservedAmount
	if used >= k.MaxTotalAmount {
		return 0
	}
	return k.MaxTotalAmount - used
}

// SessionKeyCreateRequest is the API payload for creating a session key.
type SessionKeyCreateRequest struct {
	OwnerAddress    string   `json:"owner_address" validate:"required"`
	Name            string   `json:"name" validate:"required,min=1,max=100"`
	MaxAmountPerTx  uint64   `json:"max_amount_per_tx" validate:"required,gt=0"`
	MaxTotalAmount  uint64   `json:"max_total_amount" validate:"required,gt=0"`
	ExpiresInDays   int      `json:"expires_in_days" validate:"required,gte=1,lte=365"`
	AllowedPrograms []string `json:"allowed_programs" validate:"required,min=1"`
}

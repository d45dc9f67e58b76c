package vault

import (
	"encoding/binary"
	"fmt"
)

// On-chain vault status byte values.
const (
	AccountStatusActive    uint8 = 0
	AccountStatusPaused    uint8 = 1
	AccountStatusCompleted uint8 = 2
	AccountStatusCancelled uint8 = 3
)

const accountDataLen = 8 + 32*3 + 8 + 8 + 2 + 2 + 8 + 8 + 8 + 8 + 1 + 1

// AccountState is the deserialized on-chain vault account.
type AccountState struct {
	Owner            Address
	SourceMint       Address
	DestMint         Address
	AmountPerCycle   uint64
	FrequencySeconds int64
	TotalCycles      uint16
	ExecutedCycles   uint16
	TotalDeposited   uint64
	TotalReceived    uint64
	LastExecution    int64
	NextExecution    int64
	Status           uint8
	Bump             uint8
}

// DecodeAccountState parses raw vault account data. The first 8 bytes are the
// account discriminator and are skipped.
func DecodeAccountState(data []byte) (AccountState, error) {
	var s AccountState
	if len(data) < accountDataLen {
		return s, fmt.Errorf("vault account data is %d bytes, want at least %d", len(data), accountDataLen)
	}
	body := data[8:]
	copy(s.Owner[:], body[0:32])
	copy(s.SourceMint[:], body[32:64])
	copy(s.DestMint[:], body[64:96])
	s.AmountPerCycle = binary.LittleEndian.Uint64(body[96:104])
	s.FrequencySeconds = int64(binary.LittleEndian.Uint64(body[104:112]))
	s.TotalCycles = binary.LittleEndian.Uint16(body[112:114])
	s.ExecutedCycles = binary.LittleEndian.Uint16(body[114:116])
	s.TotalDeposited = binary.LittleEndian.Uint64(body[116:124])
	s.TotalReceived = binary.LittleEndian.Uint64(body[124:132])
	s.LastExecution = int64(binary.LittleEndian.Uint64(body[132:140]))
	s.NextExecution = int64(binary.LittleEndian.Uint64(body[140:148]))
	s.Status = body[148]
	s.Bump = body[149]
	return s, nil
}

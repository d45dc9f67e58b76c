package vault

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Op names an instruction of the dca-vault program. The discriminator for
// each op is derived from this single table, so the encoder can never drift
// from the on-chain instruction set without the name itself changing.
type Op string

const (
	OpInitializeVault Op = "initialize_vault"
	OpDeposit         Op = "deposit"
	OpExecuteDCA      Op = "execute_dca"
	OpPauseVault      Op = "pause_vault"
	OpResumeVault     Op = "resume_vault"
	OpCloseVault      Op = "close_vault"
)

// ErrEncodingOverflow is returned when a numeric field is outside the range
// of its wire representation. Values are never silently truncated.
var ErrEncodingOverflow = errors.New("instruction field out of range")

var errUnknownOp = errors.New("unknown instruction op")

// Ops is the full instruction set of the vault program.
var Ops = []Op{OpInitializeVault, OpDeposit, OpExecuteDCA, OpPauseVault, OpResumeVault, OpCloseVault}

// Discriminator returns the 8-byte instruction tag: the leading bytes of
// sha256("global:<op>"), the derivation the on-chain program uses.
func Discriminator(op Op) ([8]byte, error) {
	var d [8]byte
	known := false
	for _, o := range Ops {
		if o == op {
			known = true
			break
		}
	}
	if !known {
		return d, fmt.Errorf("%q: %w", op, errUnknownOp)
	}
	sum := sha256.Sum256([]byte("global:" + string(op)))
	copy(d[:], sum[:8])
	return d, nil
}

// InitializeVaultParams are the arguments of initialize_vault. TotalCycles is
// widened to uint32 at the API boundary; the wire format is a u16 and values
// above math.MaxUint16 are rejected.
type InitializeVaultParams struct {
	AmountPerCycle   uint64
	FrequencySeconds int64
	TotalCycles      uint32
}

// EncodeInitializeVault serializes the init instruction: 8-byte discriminator,
// u64 amount, i64 frequency, u16 total cycles, all little-endian.
func EncodeInitializeVault(p InitializeVaultParams) ([]byte, error) {
	if p.TotalCycles > math.MaxUint16 {
		return nil, fmt.Errorf("total cycles %d exceeds u16: %w", p.TotalCycles, ErrEncodingOverflow)
	}
	if p.FrequencySeconds < 0 {
		return nil, fmt.Errorf("frequency %d is negative: %w", p.FrequencySeconds, ErrEncodingOverflow)
	}
	buf, err := discriminatorPrefix(OpInitializeVault, 8+8+2)
	if err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint64(buf, p.AmountPerCycle)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.FrequencySeconds))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.TotalCycles))
	return buf, nil
}

// DecodeInitializeVault is the inverse of EncodeInitializeVault.
func DecodeInitializeVault(data []byte) (InitializeVaultParams, error) {
	var p InitializeVaultParams
	body, err := checkDiscriminator(OpInitializeVault, data, 8+8+2)
	if err != nil {
		return p, err
	}
	p.AmountPerCycle = binary.LittleEndian.Uint64(body[0:8])
	p.FrequencySeconds = int64(binary.LittleEndian.Uint64(body[8:16]))
	p.TotalCycles = uint32(binary.LittleEndian.Uint16(body[16:18]))
	return p, nil
}

// EncodeDeposit serializes a vault escrow top-up of amount base units.
func EncodeDeposit(amount uint64) ([]byte, error) {
	return encodeU64Op(OpDeposit, amount)
}

func DecodeDeposit(data []byte) (uint64, error) {
	return decodeU64Op(OpDeposit, data)
}

// EncodeExecuteDCA serializes an execute instruction with its slippage floor.
func EncodeExecuteDCA(minAmountOut uint64) ([]byte, error) {
	return encodeU64Op(OpExecuteDCA, minAmountOut)
}

func DecodeExecuteDCA(data []byte) (uint64, error) {
	return decodeU64Op(OpExecuteDCA, data)
}

// EncodePauseVault serializes the argument-less pause instruction.
func EncodePauseVault() ([]byte, error) {
	return discriminatorPrefix(OpPauseVault, 0)
}

// EncodeResumeVault serializes the argument-less resume instruction.
func EncodeResumeVault() ([]byte, error) {
	return discriminatorPrefix(OpResumeVault, 0)
}

// EncodeCloseVault serializes the argument-less close instruction.
func EncodeCloseVault() ([]byte, error) {
	return discriminatorPrefix(OpCloseVault, 0)
}

// DecodeOp identifies which instruction a payload encodes.
func DecodeOp(data []byte) (Op, error) {
	if len(data) < 8 {
		return "", fmt.Errorf("payload too short for discriminator")
	}
	for _, op := range Ops {
		d, err := Discriminator(op)
		if err != nil {
			return "", err
		}
		if [8]byte(data[:8]) == d {
			return op, nil
		}
	}
	return "", errUnknownOp
}

func encodeU64Op(op Op, v uint64) ([]byte, error) {
	buf, err := discriminatorPrefix(op, 8)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint64(buf, v), nil
}

func decodeU64Op(op Op, data []byte) (uint64, error) {
	body, err := checkDiscriminator(op, data, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(body), nil
}

func discriminatorPrefix(op Op, bodyLen int) ([]byte, error) {
	d, err := Discriminator(op)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 8+bodyLen)
	return append(buf, d[:]...), nil
}

func checkDiscriminator(op Op, data []byte, bodyLen int) ([]byte, error) {
	if len(data) != 8+bodyLen {
		return nil, fmt.Errorf("%s payload is %d bytes, want %d", op, len(data), 8+bodyLen)
	}
	d, err := Discriminator(op)
	if err != nil {
		return nil, err
	}
	if [8]byte(data[:8]) != d {
		return nil, fmt.Errorf("payload does not carry the %s discriminator", op)
	}
	return data[8:], nil
}

package vault

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeVaultRoundTrip(t *testing.T) {
	params := InitializeVaultParams{
		AmountPerCycle:   100_000_000,
		FrequencySeconds: 604800,
		TotalCycles:      4,
	}

	data, err := EncodeInitializeVault(params)
	require.NoError(t, err)
	require.Len(t, data, 8+8+8+2)

	decoded, err := DecodeInitializeVault(data)
	require.NoError(t, err)
	assert.Equal(t, params, decoded)

	op, err := DecodeOp(data)
	require.NoError(t, err)
	assert.Equal(t, OpInitializeVault, op)
}

func TestInitializeVaultOverflow(t *testing.T) {
	_, err := EncodeInitializeVault(InitializeVaultParams{
		AmountPerCycle:   1,
		FrequencySeconds: 60,
		TotalCycles:      math.MaxUint16 + 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodingOverflow)

	_, err = EncodeInitializeVault(InitializeVaultParams{
		AmountPerCycle:   1,
		FrequencySeconds: -1,
		TotalCycles:      1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodingOverflow)
}

func TestExecuteDCARoundTrip(t *testing.T) {
	data, err := EncodeExecuteDCA(42_000_000)
	require.NoError(t, err)

	minOut, err := DecodeExecuteDCA(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42_000_000), minOut)

	// An execute payload must not decode as a deposit.
	_, err = DecodeDeposit(data)
	require.Error(t, err)
}

func TestDepositRoundTrip(t *testing.T) {
	data, err := EncodeDeposit(500)
	require.NoError(t, err)

	amount, err := DecodeDeposit(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), amount)
}

func TestArgumentlessOps(t *testing.T) {
	encoders := map[Op]func() ([]byte, error){
		OpPauseVault:  EncodePauseVault,
		OpResumeVault: EncodeResumeVault,
		OpCloseVault:  EncodeCloseVault,
	}
	for op, encode := range encoders {
		data, err := encode()
		require.NoError(t, err)
		require.Len(t, data, 8)

		decoded, err := DecodeOp(data)
		require.NoError(t, err)
		assert.Equal(t, op, decoded)
	}
}

func TestDiscriminatorsUnique(t *testing.T) {
	seen := make(map[[8]byte]Op)
	for _, op := range Ops {
		d, err := Discriminator(op)
		require.NoError(t, err)
		if prev, ok := seen[d]; ok {
			t.Fatalf("discriminator collision between %s and %s", prev, op)
		}
		seen[d] = op
	}
}

func TestDecodeOpRejectsGarbage(t *testing.T) {
	_, err := DecodeOp([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = DecodeOp(make([]byte, 16))
	require.Error(t, err)
}

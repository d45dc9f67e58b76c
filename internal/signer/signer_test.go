package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeyVault struct {
	mu   sync.Mutex
	keys map[uuid.UUID]ed25519.PrivateKey
}

func newMemKeyVault() *memKeyVault {
	return &memKeyVault{keys: make(map[uuid.UUID]ed25519.PrivateKey)}
}

func (v *memKeyVault) Store(_ context.Context, keyID uuid.UUID, priv ed25519.PrivateKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = priv
	return nil
}

func (v *memKeyVault) Load(_ context.Context, keyID uuid.UUID) (ed25519.PrivateKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.keys[keyID], nil
}

func (v *memKeyVault) Delete(_ context.Context, keyID uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.keys, keyID)
	return nil
}

func TestSessionSignerSignsVerifiably(t *testing.T) {
	ctx := context.Background()
	s := NewSessionSigner(nil, logrus.New())
	keyID := uuid.New()

	pubB58, err := s.Generate(ctx, keyID)
	require.NoError(t, err)
	require.NotEmpty(t, pubB58)

	message := []byte("unsigned transaction bytes")
	signed, err := s.SignTransaction(ctx, keyID, base64.StdEncoding.EncodeToString(message))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(signed)
	require.NoError(t, err)
	require.Greater(t, len(raw), ed25519.SignatureSize)

	signature := raw[:ed25519.SignatureSize]
	payload := raw[ed25519.SignatureSize:]
	assert.Equal(t, message, payload)

	pub := ed25519.PublicKey(base58.Decode(pubB58))
	assert.True(t, ed25519.Verify(pub, payload, signature))
}

func TestSessionSignerUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := NewSessionSigner(nil, logrus.New())

	_, err := s.SignTransaction(ctx, uuid.New(), base64.StdEncoding.EncodeToString([]byte("x")))
	assert.ErrorIs(t, err, ErrUnknownSessionKey)

	_, err = s.PublicKey(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownSessionKey)
}

func TestSessionSignerForget(t *testing.T) {
	ctx := context.Background()
	vault := newMemKeyVault()
	s := NewSessionSigner(vault, logrus.New())
	keyID := uuid.New()

	_, err := s.Generate(ctx, keyID)
	require.NoError(t, err)

	s.Forget(ctx, keyID)
	_, err = s.SignTransaction(ctx, keyID, base64.StdEncoding.EncodeToString([]byte("x")))
	assert.ErrorIs(t, err, ErrUnknownSessionKey)
	assert.Empty(t, vault.keys)
}

func TestSessionSignerLoadsMaterialFromVault(t *testing.T) {
	ctx := context.Background()
	vault := newMemKeyVault()
	keyID := uuid.New()

	// One process generates, another signs.
	producer := NewSessionSigner(vault, logrus.New())
	pubB58, err := producer.Generate(ctx, keyID)
	require.NoError(t, err)

	consumer := NewSessionSigner(vault, logrus.New())
	loaded, err := consumer.PublicKey(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, pubB58, loaded)
}

func TestApprovalConstructors(t *testing.T) {
	human := HumanApproval()
	assert.Equal(t, ModeHuman, human.Mode)
	assert.Equal(t, uuid.Nil, human.SessionKeyID)

	keyID := uuid.New()
	session := SessionKeyApproval(keyID)
	assert.Equal(t, ModeSessionKey, session.Mode)
	assert.Equal(t, keyID, session.SessionKeyID)
}

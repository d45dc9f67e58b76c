package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyVault persists session signing material so the API process that
// generates a key and the worker process that signs with it share state.
type KeyVault interface {
	Store(ctx context.Context, keyID uuid.UUID, priv ed25519.PrivateKey) error
	// Load returns nil with no error when the material does not exist.
	Load(ctx context.Context, keyID uuid.UUID) (ed25519.PrivateKey, error)
	Delete(ctx context.Context, keyID uuid.UUID) error
}

// RedisKeyVault keeps signing material in redis. Material lives until the key
// is revoked; revocation deletes it for every process at once.
type RedisKeyVault struct {
	client *redis.Client
}

func NewRedisKeyVault(client *redis.Client) *RedisKeyVault {
	return &RedisKeyVault{client: client}
}

var _ KeyVault = (*RedisKeyVault)(nil)

func materialKey(keyID uuid.UUID) string {
	return fmt.Sprintf("signer:material:%s", keyID)
}

func (v *RedisKeyVault) Store(ctx context.Context, keyID uuid.UUID, priv ed25519.PrivateKey) error {
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := v.client.Set(ctx, materialKey(keyID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("failed to store signing material: %w", err)
	}
	return nil
}

func (v *RedisKeyVault) Load(ctx context.Context, keyID uuid.UUID) (ed25519.PrivateKey, error) {
	raw, err := v.client.Get(ctx, materialKey(keyID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing material: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt signing material: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("corrupt signing material: unexpected length %d", len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}

func (v *RedisKeyVault) Delete(ctx context.Context, keyID uuid.UUID) error {
	if err := v.client.Del(ctx, materialKey(keyID)).Err(); err != nil {
		return fmt.Errorf("failed to delete signing material: %w", err)
	}
	return nil
}

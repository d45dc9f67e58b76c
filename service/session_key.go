package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/ledger"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/signer"
	"github.com/solcopilot/autopilot/internal/types"
	"github.com/solcopilot/autopilot/internal/vault"
	"github.com/solcopilot/autopilot/storage"
)

type SessionKeys interface {
	CreateSessionKey(ctx context.Context, req types.SessionKeyCreateRequest) (*types.SessionKey, error)
	GetSessionKey(ctx context.Context, id uuid.UUID) (*types.SessionKey, error)
	ListSessionKeys(ctx context.Context, owner string) ([]types.SessionKey, error)
	RevokeSessionKey(ctx context.Context, id uuid.UUID) error
}

var _ SessionKeys = (*SessionKeyService)(nil)

// SessionKeyService manages delegated signing keys: keypair generation,
// policy registration in the ledger, and one-way revocation.
type SessionKeyService struct {
	db       storage.DatabaseStorage
	ledger   *ledger.Ledger
	signer   *signer.SessionSigner
	notifier *notify.Notifier
	logger   *logrus.Logger
}

func NewSessionKeyService(db storage.DatabaseStorage, led *ledger.Ledger, sessionSigner *signer.SessionSigner, notifier *notify.Notifier, logger *logrus.Logger) (*SessionKeyService, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	return &SessionKeyService{
		db:       db,
		ledger:   led,
		signer:   sessionSigner,
		notifier: notifier,
		logger:   logger,
	}, nil
}

func (s *SessionKeyService) CreateSessionKey(ctx context.Context, req types.SessionKeyCreateRequest) (*types.SessionKey, error) {
	now := time.Now()
	keyID := uuid.New()

	publicKey, err := s.signer.Generate(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing material: %w", err)
	}

	// The on-chain session account is derived from the owner and the fresh
	// public key; deriving it here validates both identifiers early.
	if _, _, err := vault.DeriveSessionKeyAddress(req.OwnerAddress, publicKey); err != nil {
		s.signer.Forget(ctx, keyID)
		return nil, fmt.Errorf("failed to derive session account: %w", err)
	}

	key, err := s.ledger.Create(ctx, types.SessionKey{
		ID:              keyID,
		OwnerAddress:    req.OwnerAddress,
		Name:            req.Name,
		PublicKey:       publicKey,
		MaxAmountPerTx:  req.MaxAmountPerTx,
		MaxTotalAmount:  req.MaxTotalAmount,
		AllowedPrograms: req.AllowedPrograms,
		ExpiresAt:       now.AddDate(0, 0, req.ExpiresInDays),
	}, now)
	if err != nil {
		s.signer.Forget(ctx, keyID)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_key_id": key.ID,
		"owner":          key.OwnerAddress,
		"expires_at":     key.ExpiresAt,
	}).Info("session key created")
	return key, nil
}

func (s *SessionKeyService) GetSessionKey(ctx context.Context, id uuid.UUID) (*types.SessionKey, error) {
	return s.ledger.Get(ctx, id)
}

func (s *SessionKeyService) ListSessionKeys(ctx context.Context, owner string) ([]types.SessionKey, error) {
	keys, err := s.db.GetSessionKeysByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}
	return keys, nil
}

// RevokeSessionKey permanently deactivates the key and drops its signing
// material. There is no way to reactivate a revoked key.
func (s *SessionKeyService) RevokeSessionKey(ctx context.Context, id uuid.UUID) error {
	key, err := s.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ledger.Revoke(ctx, id); err != nil {
		return err
	}
	s.signer.Forget(ctx, id)

	s.notifier.Notify(ctx, notify.Event{
		Kind:         notify.EventSessionKeyRevoked,
		OwnerAddress: key.OwnerAddress,
		SessionKeyID: id,
		Message:      fmt.Sprintf("session key %q revoked", key.Name),
	})
	return nil
}

package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSessionKey = errors.New("no signing material for session key")
	// ErrUserRejected means the owner explicitly declined the approval
	// request. The execution fails definitively; nothing is retried.
	ErrUserRejected = errors.New("user rejected the transaction")
	// ErrAwaitingUserApproval means the owner did not respond within the
	// approval window. The caller decides whether to re-request or fail.
	ErrAwaitingUserApproval = errors.New("timed out waiting for user approval")
)

// ApprovalMode selects who authorizes a transaction before submission.
type ApprovalMode string

const (
	// ModeHuman routes the transaction to the owner's wallet for an
	// interactive signature.
	ModeHuman ApprovalMode = "human"
	// ModeSessionKey signs locally with a delegated session key, bounded by
	// the ledger's spending policy.
	ModeSessionKey ApprovalMode = "session_key"
)

// Approval is the authorization decision attached to an execution. Exactly
// one mode applies; SessionKeyID is only meaningful for ModeSessionKey.
type Approval struct {
	Mode         ApprovalMode `json:"mode"`
	SessionKeyID uuid.UUID    `json:"session_key_id,omitempty"`
}

func HumanApproval() Approval {
	return Approval{Mode: ModeHuman}
}

func SessionKeyApproval(keyID uuid.UUID) Approval {
	return Approval{Mode: ModeSessionKey, SessionKeyID: keyID}
}

// SessionSigner holds the ed25519 signing material for active session keys
// and signs transactions without user interaction. With a KeyVault attached
// the material survives restarts and is shared across processes; the local
// map is a cache in front of it.
type SessionSigner struct {
	vault  KeyVault
	logger logrus.FieldLogger

	mu   sync.RWMutex
	keys map[uuid.UUID]ed25519.PrivateKey
}

func NewSessionSigner(vault KeyVault, logger logrus.FieldLogger) *SessionSigner {
	return &SessionSigner{
		vault:  vault,
		logger: logger.WithField("service", "signer"),
		keys:   make(map[uuid.UUID]ed25519.PrivateKey),
	}
}

// Generate creates a fresh keypair for a session key and returns the public
// key in base58. The private half never leaves the signer and its vault.
func (s *SessionSigner) Generate(ctx context.Context, keyID uuid.UUID) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate session keypair: %w", err)
	}

	if s.vault != nil {
		if err := s.vault.Store(ctx, keyID, priv); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.keys[keyID] = priv
	s.mu.Unlock()

	return base58.Encode(pub), nil
}

// Forget drops the signing material for a revoked session key everywhere.
func (s *SessionSigner) Forget(ctx context.Context, keyID uuid.UUID) {
	s.mu.Lock()
	delete(s.keys, keyID)
	s.mu.Unlock()

	if s.vault != nil {
		if err := s.vault.Delete(ctx, keyID); err != nil {
			s.logger.WithError(err).WithField("session_key_id", keyID).Error("failed to delete signing material")
		}
	}
}

// PublicKey returns the base58 public key for a registered session key.
func (s *SessionSigner) PublicKey(ctx context.Context, keyID uuid.UUID) (string, error) {
	priv, err := s.material(ctx, keyID)
	if err != nil {
		return "", err
	}
	return base58.Encode(priv.Public().(ed25519.PublicKey)), nil
}

// SignTransaction signs a base64-encoded transaction with the session key
// and returns the signed transaction, signature first.
func (s *SessionSigner) SignTransaction(ctx context.Context, keyID uuid.UUID, txBase64 string) (string, error) {
	priv, err := s.material(ctx, keyID)
	if err != nil {
		return "", err
	}

	message, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	signature := ed25519.Sign(priv, message)
	signed := make([]byte, 0, len(signature)+len(message))
	signed = append(signed, signature...)
	signed = append(signed, message...)

	s.logger.WithField("session_key_id", keyID).Debug("signed transaction")
	return base64.StdEncoding.EncodeToString(signed), nil
}

func (s *SessionSigner) material(ctx context.Context, keyID uuid.UUID) (ed25519.PrivateKey, error) {
	s.mu.RLock()
	priv, ok := s.keys[keyID]
	s.mu.RUnlock()
	if ok {
		return priv, nil
	}

	if s.vault != nil {
		loaded, err := s.vault.Load(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			s.mu.Lock()
			s.keys[keyID] = loaded
			s.mu.Unlock()
			return loaded, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSessionKey, keyID)
}

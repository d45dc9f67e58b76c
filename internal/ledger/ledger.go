package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/types"
)

// Authorization rejection reasons, in the order they are evaluated.
var (
	ErrNotFound             = errors.New("session key not found")
	ErrRevoked              = errors.New("session key is revoked")
	ErrExpired              = errors.New("session key has expired")
	ErrNotPermitted         = errors.New("program is not in the allowed list")
	ErrExceedsPerTxLimit    = errors.New("amount exceeds per-transaction limit")
	ErrExceedsLifetimeLimit = errors.New("amount exceeds lifetime spending limit")

	ErrInvalidPolicy = errors.New("invalid session key policy")

	errSettled = errors.New("reservation already settled")
)

// Store persists session key state. The store is the single source of truth:
// several processes run a Ledger over the same rows, so reservations go
// through a guarded increment rather than a read-modify-write.
type Store interface {
	CreateSessionKey(ctx context.Context, key types.SessionKey) error
	GetSessionKey(ctx context.Context, id uuid.UUID) (*types.SessionKey, error)
	GetSessionKeysByOwner(ctx context.Context, owner string) ([]types.SessionKey, error)
	// ReserveSessionKeySpend adds amount to the key's reserved total only if
	// the key is active, unexpired and the lifetime cap still covers it. It
	// reports false, without error, when the guard does not hold.
	ReserveSessionKeySpend(ctx context.Context, id uuid.UUID, amount uint64, now time.Time) (bool, error)
	// SettleSessionKeySpend removes amount from the reserved total and, when
	// commit is true, adds it to the spent total.
	SettleSessionKeySpend(ctx context.Context, id uuid.UUID, amount uint64, commit bool) error
	RevokeSessionKey(ctx context.Context, id uuid.UUID) error
}

// Ledger owns session key spending limits. Every operation reads the key's
// current row; nothing is cached, so a revoke or a spend issued by another
// process is visible on the very next authorization attempt. A per-key mutex
// serializes callers in this process and the store's guarded reserve settles
// races with other processes.
type Ledger struct {
	store  Store
	logger logrus.FieldLogger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(store Store, logger logrus.FieldLogger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// Evaluate runs the five policy checks in order against a snapshot of the
// key. It has no side effects; Authorize is the mutating entry point.
func Evaluate(key *types.SessionKey, programID string, amount uint64, now time.Time) error {
	if !key.Active {
		return ErrRevoked
	}
	if !now.Before(key.ExpiresAt) {
		return ErrExpired
	}
	if !slices.Contains(key.AllowedPrograms, programID) {
		return ErrNotPermitted
	}
	if amount > key.MaxAmountPerTx {
		return ErrExceedsPerTxLimit
	}
	if key.SpentAmount+key.ReservedAmount+amount > key.MaxTotalAmount {
		return ErrExceedsLifetimeLimit
	}
	return nil
}

// Create validates and persists a new session key with zero spend.
func (l *Ledger) Create(ctx context.Context, key types.SessionKey, now time.Time) (*types.SessionKey, error) {
	if key.MaxTotalAmount == 0 {
		return nil, fmt.Errorf("lifetime cap must be positive: %w", ErrInvalidPolicy)
	}
	if key.MaxAmountPerTx == 0 || key.MaxAmountPerTx > key.MaxTotalAmount {
		return nil, fmt.Errorf("per-tx cap must be positive and not exceed the lifetime cap: %w", ErrInvalidPolicy)
	}
	if !key.ExpiresAt.After(now) {
		return nil, fmt.Errorf("expiry must be in the future: %w", ErrInvalidPolicy)
	}
	if len(key.AllowedPrograms) == 0 {
		return nil, fmt.Errorf("at least one allowed program is required: %w", ErrInvalidPolicy)
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.SpentAmount = 0
	key.ReservedAmount = 0
	key.Active = true
	key.CreatedAt = now

	if err := l.store.CreateSessionKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to persist session key: %w", err)
	}
	return &key, nil
}

// Get returns the key's current state from the store.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*types.SessionKey, error) {
	key, err := l.store.GetSessionKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return key, nil
}

// Revoke permanently deactivates a key. There is no way back: no API ever
// sets the active flag again under the same identity.
func (l *Ledger) Revoke(ctx context.Context, id uuid.UUID) error {
	lock := l.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := l.store.GetSessionKey(ctx, id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := l.store.RevokeSessionKey(ctx, id); err != nil {
		return fmt.Errorf("failed to revoke session key: %w", err)
	}
	return nil
}

// Authorize runs the policy checks and, on success, atomically reserves the
// amount against the lifetime cap. The checks run against a fresh read of
// the row and the reservation itself is guarded by the store, so neither a
// revoke nor a competing spend from another process can slip past. The
// caller must settle the returned reservation exactly once, with Commit
// after a confirmed execution or Release after a definitive failure.
func (l *Ledger) Authorize(ctx context.Context, id uuid.UUID, programID string, amount uint64, now time.Time) (*Reservation, error) {
	lock := l.keyLock(id)
	lock.Lock()
	defer lock.Unlock()

	key, err := l.store.GetSessionKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := Evaluate(key, programID, amount, now); err != nil {
		return nil, err
	}

	ok, err := l.store.ReserveSessionKeySpend(ctx, id, amount, now)
	if err != nil {
		return nil, fmt.Errorf("failed to persist reservation: %w", err)
	}
	if !ok {
		// Another process moved the row between the read and the reserve.
		// Re-read so the rejection names the current reason.
		current, err := l.store.GetSessionKey(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := Evaluate(current, programID, amount, now); err != nil {
			return nil, err
		}
		return nil, ErrExceedsLifetimeLimit
	}

	return &Reservation{ledger: l, KeyID: id, Amount: amount}, nil
}

func (l *Ledger) keyLock(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	return lock
}

// Reservation is an amount held against a session key's lifetime cap while
// an execution is in flight.
type Reservation struct {
	ledger *Ledger

	mu      sync.Mutex
	settled bool

	KeyID  uuid.UUID
	Amount uint64
}

// Commit converts the reservation into committed spend.
func (r *Reservation) Commit(ctx context.Context) error {
	return r.settle(ctx, true)
}

// Release returns the reserved amount to the key's remaining allowance.
func (r *Reservation) Release(ctx context.Context) error {
	return r.settle(ctx, false)
}

func (r *Reservation) settle(ctx context.Context, commit bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return errSettled
	}
	if err := r.ledger.store.SettleSessionKeySpend(ctx, r.KeyID, r.Amount, commit); err != nil {
		return fmt.Errorf("failed to persist spend update: %w", err)
	}
	r.settled = true
	return nil
}

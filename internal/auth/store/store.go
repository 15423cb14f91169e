package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite, postgres)
// implement this. Sub-repositories are reached through methods so a Tx-scoped
// Store cannot start a nested transaction by accident.
type Store interface {
	Subjects() Subjects
	RefreshHandles() RefreshHandles
	SigningKeys() SigningKeys

	ApplyMigrations(ctx context.Context) error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Subjects interface {
	GetSubjectByID(ctx context.Context, id string) (domain.Subject, error)

	// GetSubjectByUsername resolves a principal name during login.
	GetSubjectByUsername(ctx context.Context, username string) (domain.Subject, error)

	// CreateSubject inserts a subject (id is provided by the caller via ULID).
	// A duplicate username returns ErrAlreadyExists.
	CreateSubject(ctx context.Context, s domain.Subject) error

	UpdatePasswordHash(ctx context.Context, id, newHash string) error

	// SetLockedUntil writes the durable lock. A nil until clears it.
	SetLockedUntil(ctx context.Context, id string, until *time.Time) error

	// IsEmpty returns true if there are no subjects.
	IsEmpty(ctx context.Context) (bool, error)
}

type RefreshHandles interface {
	CreateRefreshHandle(ctx context.Context, h domain.RefreshHandle) error

	// GetRefreshHandleByHash returns the handle by its secret fingerprint,
	// revoked or not.
	GetRefreshHandleByHash(ctx context.Context, hash string) (domain.RefreshHandle, error)

	// RevokeRefreshHandle flips revoked from false to true. It reports false
	// when the handle was already revoked by someone else.
	RevokeRefreshHandle(ctx context.Context, id, reason string, at time.Time) (bool, error)

	// ListActiveRefreshHandles returns unrevoked, unexpired handles of a
	// subject, oldest first.
	ListActiveRefreshHandles(ctx context.Context, subjectID string, now time.Time) ([]domain.RefreshHandle, error)

	// RevokeAllRefreshHandles revokes every unrevoked handle of a subject.
	RevokeAllRefreshHandles(ctx context.Context, subjectID, reason string, at time.Time) (int64, error)

	// DeleteStaleRefreshHandles removes handles that expired or were revoked
	// before cutoff.
	DeleteStaleRefreshHandles(ctx context.Context, cutoff time.Time) (int64, error)
}

type SigningKeys interface {
	// CreateSigningKey stores a new signing key with encrypted private key material.
	CreateSigningKey(ctx context.Context, key domain.SigningKey) error

	// ListSigningKeys returns every stored key, oldest first.
	ListSigningKeys(ctx context.Context) ([]domain.SigningKey, error)

	// RetireActiveSigningKeys sets retired_at on every active key and
	// returns how many were retired.
	RetireActiveSigningKeys(ctx context.Context, at time.Time) (int64, error)

	// DeleteRetiredSigningKeys removes keys retired before cutoff.
	DeleteRetiredSigningKeys(ctx context.Context, cutoff time.Time) (int64, error)
}

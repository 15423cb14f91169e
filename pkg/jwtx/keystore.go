package jwtx

import (
	"context"
	"time"
)

// SigningKeyRecord is the persisted form of a KeyPair. The private key is a
// PKCS8 PEM sealed by a KeySealer; jwtx never sees storage types directly.
type SigningKeyRecord struct {
	ID                  string
	Kid                 string
	Algorithm           string
	PrivateKeyEncrypted []byte
	CreatedAt           time.Time
	RetiredAt           *time.Time
}

// KeyStore is the durable home of signing keys.
type KeyStore interface {
	// LoadSigningKeys returns every retained key, active and retired.
	LoadSigningKeys(ctx context.Context) ([]SigningKeyRecord, error)

	// SaveRotation marks every active key retired at retiredAt and inserts
	// next, atomically. Keys written by other instances sharing the store
	// are retired too.
	SaveRotation(ctx context.Context, next SigningKeyRecord, retiredAt time.Time) error

	// DeleteRetiredBefore removes keys retired before cutoff.
	DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeySealer encrypts private key material at rest.
type KeySealer interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

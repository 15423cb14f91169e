package domain

import "time"

// SigningKey is the persisted form of a JWT signing key. The private key is
// an AES-256-GCM sealed PKCS8 PEM.
type SigningKey struct {
	ID                  string // ULID
	Kid                 string // key id published in JWKS
	Algorithm           string // RS256, ES256 or EdDSA
	PrivateKeyEncrypted []byte
	CreatedAt           time.Time
	RetiredAt           *time.Time // nil while active
}

// IsActive reports whether the key is the signing key.
func (k *SigningKey) IsActive() bool {
	return k.RetiredAt == nil
}

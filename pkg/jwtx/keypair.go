package jwtx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
)

// Supported JWT signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
	AlgorithmEdDSA = "EdDSA"
)

// DefaultRSABits is the modulus size used for generated RS256 keys.
const DefaultRSABits = 3072

var (
	ErrKeyGeneration        = errors.New("jwtx: key generation failed")
	ErrUnsupportedAlgorithm = errors.New("jwtx: unsupported algorithm")
)

// KeyPair is one signing key: a private key plus the metadata published in
// JWKS. A KeyPair is never mutated after construction; retirement produces a
// copy with RetiredAt set.
type KeyPair struct {
	KID       string
	Algorithm string
	CreatedAt time.Time
	RetiredAt *time.Time

	key    crypto.Signer
	method jwt.SigningMethod
}

// SigningMethod maps an algorithm name to its jwt signing method.
func SigningMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case AlgorithmRS256:
		return jwt.SigningMethodRS256, nil
	case AlgorithmES256:
		return jwt.SigningMethodES256, nil
	case AlgorithmEdDSA:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("%w %q (supported: RS256, ES256, EdDSA)", ErrUnsupportedAlgorithm, alg)
	}
}

// NewKeyPair wraps an existing private key. The key type must match alg.
func NewKeyPair(kid, alg string, key crypto.Signer, createdAt time.Time) (*KeyPair, error) {
	if kid == "" {
		return nil, errors.New("jwtx: kid is required")
	}
	method, err := SigningMethod(alg)
	if err != nil {
		return nil, err
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if alg != AlgorithmRS256 {
			return nil, fmt.Errorf("jwtx: RSA key cannot sign %s", alg)
		}
	case *ecdsa.PrivateKey:
		if alg != AlgorithmES256 || k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("jwtx: ECDSA key cannot sign %s", alg)
		}
	case ed25519.PrivateKey:
		if alg != AlgorithmEdDSA {
			return nil, fmt.Errorf("jwtx: Ed25519 key cannot sign %s", alg)
		}
	default:
		return nil, fmt.Errorf("jwtx: unsupported key type %T", key)
	}

	return &KeyPair{
		KID:       kid,
		Algorithm: alg,
		CreatedAt: createdAt.UTC(),
		key:       key,
		method:    method,
	}, nil
}

// GenerateKeyPair creates fresh key material for alg. Failures wrap
// ErrKeyGeneration.
func GenerateKeyPair(kid, alg string, rsaBits int, now time.Time) (*KeyPair, error) {
	var (
		key crypto.Signer
		err error
	)
	switch alg {
	case AlgorithmRS256:
		if rsaBits == 0 {
			rsaBits = DefaultRSABits
		}
		key, err = cryptox.GenerateRSAKey(rsaBits)
	case AlgorithmES256:
		key, err = cryptox.GenerateP256Key()
	case AlgorithmEdDSA:
		key, err = cryptox.GenerateEd25519Key()
	default:
		_, err = SigningMethod(alg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	return NewKeyPair(kid, alg, key, now)
}

// Sign serialises claims into a compact JWS with this key's kid in the header.
func (k *KeyPair) Sign(claims Claims) (string, error) {
	t := jwt.NewWithClaims(k.method, claims)
	t.Header["kid"] = k.KID
	return t.SignedString(k.key)
}

// Public returns the verification half of the pair.
func (k *KeyPair) Public() crypto.PublicKey { return k.key.Public() }

// PrivateKey exposes the signing key for persistence.
func (k *KeyPair) PrivateKey() crypto.Signer { return k.key }

// Active reports whether the key has not been retired.
func (k *KeyPair) Active() bool { return k.RetiredAt == nil }

// JWK returns the public JWK for publication.
func (k *KeyPair) JWK() JWK {
	switch pub := k.key.Public().(type) {
	case *rsa.PublicKey:
		return NewRSAJWK(k.KID, "sig", k.Algorithm, pub)
	case *ecdsa.PublicKey:
		return NewES256JWK(k.KID, "sig", k.Algorithm, pub)
	case ed25519.PublicKey:
		return NewEd25519JWK(k.KID, "sig", k.Algorithm, pub)
	default:
		return JWK{Kid: k.KID, Alg: k.Algorithm, Use: "sig"}
	}
}

// Info summarises the key without exposing material.
func (k *KeyPair) Info() KeyInfo {
	return KeyInfo{
		KID:       k.KID,
		Algorithm: k.Algorithm,
		CreatedAt: k.CreatedAt,
		RetiredAt: k.RetiredAt,
		Active:    k.Active(),
	}
}

func (k *KeyPair) retired(at time.Time) *KeyPair {
	cp := *k
	at = at.UTC()
	cp.RetiredAt = &at
	return &cp
}

// KeyInfo is the public description of a key used for admin listings.
type KeyInfo struct {
	KID       string     `json:"kid"`
	Algorithm string     `json:"alg"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
	Active    bool       `json:"active"`
}

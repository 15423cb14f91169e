package jwtx

import (
	"crypto"
	"sync"
)

// KeySet is a verification-only view built from a published JWKS. Relying
// services (and tests) use it to check tokens the way an external verifier
// would, without access to private material.
type KeySet struct {
	mu   sync.RWMutex
	jwks JWKS
	pub  map[string]keySetEntry
}

type keySetEntry struct {
	alg string
	key crypto.PublicKey
}

// NewKeySet returns an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{pub: make(map[string]keySetEntry)}
}

// VerificationKey implements KeyResolver.
func (k *KeySet) VerificationKey(kid string) (string, crypto.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if e, ok := k.pub[kid]; ok {
		return e.alg, e.key, nil
	}
	return "", nil, ErrNoKey
}

// PublicJWKS returns the JWKS the set was built from.
func (k *KeySet) PublicJWKS() JWKS {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.jwks
}

// IsReady returns true if the KeySet has at least one key loaded.
func (k *KeySet) IsReady() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.pub) > 0
}

// ResetFromJWKS replaces all keys. Either every entry parses or the set is
// left untouched.
func (k *KeySet) ResetFromJWKS(jwks JWKS) error {
	next := make(map[string]keySetEntry, len(jwks.Keys))
	for _, j := range jwks.Keys {
		if _, err := SigningMethod(j.Alg); err != nil {
			return err
		}
		pub, err := j.PublicKey()
		if err != nil {
			return err
		}
		next[j.Kid] = keySetEntry{alg: j.Alg, key: pub}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.pub = next
	k.jwks = jwks
	return nil
}

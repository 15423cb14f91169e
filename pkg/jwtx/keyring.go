package jwtx

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/idx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// DefaultKeyRetention is how long a retired key stays published.
const DefaultKeyRetention = 24 * time.Hour

// DefaultMissReloadInterval bounds how often an unknown kid may trigger a
// reload from the store.
const DefaultMissReloadInterval = 5 * time.Second

const missReloadTimeout = 2 * time.Second

var ErrNoKey = errors.New("jwtx: key not found")

// KeyRingOptions configures a KeyRing.
type KeyRingOptions struct {
	// Algorithm for newly generated keys. Loaded keys keep their own.
	// Defaults to RS256.
	Algorithm string

	// RSABits for RS256 keys. Defaults to DefaultRSABits.
	RSABits int

	// Store persists keys. Nil keeps keys in memory only.
	Store KeyStore

	// Sealer encrypts private keys before they reach Store. Required with Store.
	Sealer KeySealer

	// Retention is how long retired keys remain verifiable. It is raised to
	// at least AccessTTL + 1m so no unexpired token loses its key.
	Retention time.Duration

	// AccessTTL is the lifetime of tokens signed by the ring.
	AccessTTL time.Duration

	// MissReloadInterval is the minimum gap between reloads caused by
	// lookups of unknown kids. Defaults to DefaultMissReloadInterval.
	MissReloadInterval time.Duration

	// KIDPrefix is prepended to generated key ids. Defaults to "gk".
	KIDPrefix string

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o *KeyRingOptions) normalize() {
	if o.Algorithm == "" {
		o.Algorithm = AlgorithmRS256
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = DefaultAccessTokenTTL
	}
	if o.Retention <= 0 {
		o.Retention = DefaultKeyRetention
	}
	if floor := o.AccessTTL + time.Minute; o.Retention < floor {
		o.Retention = floor
	}
	if o.MissReloadInterval <= 0 {
		o.MissReloadInterval = DefaultMissReloadInterval
	}
	if o.KIDPrefix == "" {
		o.KIDPrefix = "gk"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// keySnapshot is immutable once published.
type keySnapshot struct {
	current *KeyPair
	keys    []*KeyPair // oldest first
	byKID   map[string]*KeyPair
}

func newSnapshot(keys []*KeyPair) *keySnapshot {
	s := &keySnapshot{keys: keys, byKID: make(map[string]*KeyPair, len(keys))}
	for _, k := range keys {
		s.byKID[k.KID] = k
		if k.Active() && (s.current == nil || k.CreatedAt.After(s.current.CreatedAt)) {
			s.current = k
		}
	}
	return s
}

// KeyRing owns the signing keys of the service. Exactly one key is active
// and used for signing; retired keys stay available for verification until
// pruned. Readers never block: they load an immutable snapshot. Rotation and
// pruning are serialised by mu.
type KeyRing struct {
	opts KeyRingOptions
	mu   sync.Mutex
	snap atomic.Pointer[keySnapshot]

	// lastReload is the unix nano time of the last load from the store.
	lastReload atomic.Int64
}

// NewKeyRing loads persisted keys from opts.Store, or generates the first
// key when none exist.
func NewKeyRing(ctx context.Context, opts KeyRingOptions) (*KeyRing, error) {
	opts.normalize()
	if _, err := SigningMethod(opts.Algorithm); err != nil {
		return nil, err
	}
	if opts.Store != nil && opts.Sealer == nil {
		return nil, errors.New("jwtx: Sealer is required with a persistent Store")
	}

	r := &KeyRing{opts: opts}
	r.snap.Store(newSnapshot(nil))

	if opts.Store != nil {
		if err := r.reloadLocked(ctx); err != nil {
			return nil, err
		}
	}

	if r.snap.Load().current == nil {
		if _, err := r.Rotate(ctx); err != nil {
			return nil, err
		}
	}

	slogx.FromContext(ctx).Info("key ring ready",
		slog.String("kid", r.Current().KID),
		slog.String("alg", r.Current().Algorithm),
		slog.Int("keys", len(r.snap.Load().keys)),
		slog.Bool("persistent", opts.Store != nil),
	)
	return r, nil
}

// Rotate generates a new active key and retires the previous one. The new
// key is persisted (when a store is configured) before it becomes visible.
// Key generation failures wrap ErrKeyGeneration and are not retried.
func (r *KeyRing) Rotate(ctx context.Context) (KeyInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	kid, err := r.newKID()
	if err != nil {
		return KeyInfo{}, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	next, err := GenerateKeyPair(kid, r.opts.Algorithm, r.opts.RSABits, now)
	if err != nil {
		return KeyInfo{}, err
	}

	old := r.snap.Load()
	retiredKID := ""
	if old.current != nil {
		retiredKID = old.current.KID
	}

	if r.opts.Store != nil {
		rec, err := r.sealRecord(next)
		if err != nil {
			return KeyInfo{}, err
		}
		if err := r.opts.Store.SaveRotation(ctx, rec, now); err != nil {
			return KeyInfo{}, fmt.Errorf("jwtx: failed to persist rotation: %w", err)
		}
	}

	keys := make([]*KeyPair, 0, len(old.keys)+1)
	for _, k := range old.keys {
		if k.Active() {
			k = k.retired(now)
		}
		keys = append(keys, k)
	}
	keys = append(keys, next)
	r.snap.Store(newSnapshot(keys))

	if r.opts.Store != nil {
		// Pick up keys other instances rotated in since the last load.
		if err := r.reloadLocked(ctx); err != nil {
			slogx.FromContext(ctx).Warn("signing keys not reloaded after rotation", slog.Any("error", err))
		}
	}

	slogx.FromContext(ctx).Info("signing key rotated",
		slog.String("kid", next.KID),
		slog.String("retired_kid", retiredKID),
		slog.String("alg", next.Algorithm),
	)
	return next.Info(), nil
}

// Current returns the active signing key.
func (r *KeyRing) Current() *KeyPair {
	return r.snap.Load().current
}

// MaterialFor returns the key (active or retired) with the given kid. With a
// store, an unknown kid triggers a throttled reload so keys rotated in by
// another instance become visible.
func (r *KeyRing) MaterialFor(kid string) (*KeyPair, error) {
	if k, ok := r.snap.Load().byKID[kid]; ok {
		return k, nil
	}
	if r.reloadOnMiss() {
		if k, ok := r.snap.Load().byKID[kid]; ok {
			return k, nil
		}
	}
	return nil, ErrNoKey
}

// Reload replaces the ring's view with the keys held by the store. Keys
// already in memory are not decrypted again. Without a store it does nothing.
func (r *KeyRing) Reload(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

func (r *KeyRing) reloadLocked(ctx context.Context) error {
	records, err := r.opts.Store.LoadSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("jwtx: failed to load keys: %w", err)
	}
	r.lastReload.Store(r.opts.Now().UnixNano())
	if len(records) == 0 {
		return nil
	}

	old := r.snap.Load()
	keys := make([]*KeyPair, 0, len(records))
	for _, rec := range records {
		kp, ok := old.byKID[rec.Kid]
		switch {
		case !ok:
			kp, err = r.openRecord(rec)
			if err != nil {
				return fmt.Errorf("jwtx: failed to load key %s: %w", rec.Kid, err)
			}
		case rec.RetiredAt != nil && kp.Active():
			kp = kp.retired(*rec.RetiredAt)
		}
		keys = append(keys, kp)
	}
	slices.SortFunc(keys, func(a, b *KeyPair) int { return a.CreatedAt.Compare(b.CreatedAt) })
	r.snap.Store(newSnapshot(keys))
	return nil
}

// reloadOnMiss reloads at most once per MissReloadInterval, so forged kids
// cannot turn every verification into a store query.
func (r *KeyRing) reloadOnMiss() bool {
	if r.opts.Store == nil {
		return false
	}
	now := r.opts.Now().UnixNano()
	last := r.lastReload.Load()
	if now-last < int64(r.opts.MissReloadInterval) {
		return false
	}
	if !r.lastReload.CompareAndSwap(last, now) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), missReloadTimeout)
	defer cancel()
	if err := r.Reload(ctx); err != nil {
		slog.Default().Warn("signing key reload failed", slog.Any("error", err))
		return false
	}
	return true
}

// VerificationKey implements KeyResolver.
func (r *KeyRing) VerificationKey(kid string) (string, crypto.PublicKey, error) {
	k, err := r.MaterialFor(kid)
	if err != nil {
		return "", nil, err
	}
	return k.Algorithm, k.Public(), nil
}

// Sign signs claims with the active key.
func (r *KeyRing) Sign(claims Claims) (string, error) {
	cur := r.Current()
	if cur == nil {
		return "", ErrNoKey
	}
	return cur.Sign(claims)
}

// PublicKeySet returns every retained key as a JWKS, oldest first.
func (r *KeyRing) PublicKeySet() JWKS {
	s := r.snap.Load()
	set := JWKS{Keys: make([]JWK, 0, len(s.keys))}
	for _, k := range s.keys {
		set.Keys = append(set.Keys, k.JWK())
	}
	return set
}

// Keys describes every retained key, oldest first.
func (r *KeyRing) Keys() []KeyInfo {
	s := r.snap.Load()
	out := make([]KeyInfo, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.Info())
	}
	return out
}

// IsReady reports whether a signing key is available.
func (r *KeyRing) IsReady() bool {
	return r.Current() != nil
}

// Retention is the effective retired-key retention window.
func (r *KeyRing) Retention() time.Duration {
	return r.opts.Retention
}

// Prune drops keys retired longer than the retention window ago and returns
// how many were removed from the ring.
func (r *KeyRing) Prune(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.Now().Add(-r.opts.Retention)

	if r.opts.Store != nil {
		if _, err := r.opts.Store.DeleteRetiredBefore(ctx, cutoff); err != nil {
			return 0, fmt.Errorf("jwtx: failed to prune keys: %w", err)
		}
	}

	old := r.snap.Load()
	keep := make([]*KeyPair, 0, len(old.keys))
	for _, k := range old.keys {
		if k.RetiredAt != nil && k.RetiredAt.Before(cutoff) {
			continue
		}
		keep = append(keep, k)
	}

	removed := len(old.keys) - len(keep)
	if removed > 0 {
		r.snap.Store(newSnapshot(keep))
		slogx.FromContext(ctx).Info("pruned retired signing keys", slog.Int("count", removed))
	}
	return removed, nil
}

func (r *KeyRing) newKID() (string, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}
	return r.opts.KIDPrefix + "-" + token, nil
}

func (r *KeyRing) sealRecord(k *KeyPair) (SigningKeyRecord, error) {
	pemData, err := cryptox.MarshalPrivateKeyPEM(k.PrivateKey())
	if err != nil {
		return SigningKeyRecord{}, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	sealed, err := r.opts.Sealer.Encrypt(pemData)
	if err != nil {
		return SigningKeyRecord{}, fmt.Errorf("jwtx: failed to encrypt key: %w", err)
	}
	return SigningKeyRecord{
		ID:                  idx.New().String(),
		Kid:                 k.KID,
		Algorithm:           k.Algorithm,
		PrivateKeyEncrypted: sealed,
		CreatedAt:           k.CreatedAt,
	}, nil
}

func (r *KeyRing) openRecord(rec SigningKeyRecord) (*KeyPair, error) {
	pemData, err := r.opts.Sealer.Decrypt(rec.PrivateKeyEncrypted)
	if err != nil {
		return nil, err
	}
	key, err := cryptox.ParsePrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	kp, err := NewKeyPair(rec.Kid, rec.Algorithm, key, rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if rec.RetiredAt != nil {
		kp = kp.retired(*rec.RetiredAt)
	}
	return kp, nil
}

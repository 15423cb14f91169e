package jwtx_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

// memKeyStore is an in-memory jwtx.KeyStore.
type memKeyStore struct {
	mu      sync.Mutex
	records []jwtx.SigningKeyRecord
	failing error
}

func (s *memKeyStore) LoadSigningKeys(context.Context) ([]jwtx.SigningKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records), nil
}

func (s *memKeyStore) SaveRotation(_ context.Context, next jwtx.SigningKeyRecord, retiredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return s.failing
	}
	for i := range s.records {
		if s.records[i].RetiredAt == nil {
			at := retiredAt
			s.records[i].RetiredAt = &at
		}
	}
	s.records = append(s.records, next)
	return nil
}

func (s *memKeyStore) DeleteRetiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(r jwtx.SigningKeyRecord) bool {
		return r.RetiredAt != nil && r.RetiredAt.Before(cutoff)
	})
	return int64(before - len(s.records)), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newRing(t *testing.T, opts jwtx.KeyRingOptions) *jwtx.KeyRing {
	t.Helper()
	if opts.Algorithm == "" {
		opts.Algorithm = jwtx.AlgorithmES256
	}
	ring, err := jwtx.NewKeyRing(t.Context(), opts)
	require.NoError(t, err)
	return ring
}

func TestKeyRing_StartsWithOneActiveKey(t *testing.T) {
	ring := newRing(t, jwtx.KeyRingOptions{})

	require.True(t, ring.IsReady())
	require.Len(t, ring.Keys(), 1)
	require.True(t, ring.Current().Active())
	require.Len(t, ring.PublicKeySet().Keys, 1)
}

func TestKeyRing_DefaultsToRS256(t *testing.T) {
	ring := newRing(t, jwtx.KeyRingOptions{Algorithm: jwtx.AlgorithmRS256, RSABits: 2048})
	require.Equal(t, jwtx.AlgorithmRS256, ring.Current().Algorithm)
	require.Equal(t, "RSA", ring.PublicKeySet().Keys[0].Kty)

	_, err := jwtx.NewKeyRing(t.Context(), jwtx.KeyRingOptions{Algorithm: "HS256"})
	require.ErrorIs(t, err, jwtx.ErrUnsupportedAlgorithm)
}

func TestKeyRing_RetiredKeyStillVerifies(t *testing.T) {
	clk := newClock()
	ring := newRing(t, jwtx.KeyRingOptions{Now: clk.Now})

	k1 := ring.Current()
	token, err := ring.Sign(jwtx.NewAccessClaims("alice", "s1", "user", 15*time.Minute, "gk", nil, clk.Now()))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	info, err := ring.Rotate(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, k1.KID, info.KID)
	require.True(t, info.Active)

	k2 := ring.Current()
	require.Equal(t, info.KID, k2.KID)

	// K1 stays resolvable and is now retired.
	got, err := ring.MaterialFor(k1.KID)
	require.NoError(t, err)
	require.False(t, got.Active())
	require.Equal(t, clk.Now(), *got.RetiredAt)

	// The original snapshot entry was not mutated.
	require.True(t, k1.Active())

	claims, err := jwtx.NewVerifier(ring, jwtx.VerifyOptions{Now: clk.Now}).Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)

	kids := make([]string, 0, 2)
	for _, k := range ring.PublicKeySet().Keys {
		kids = append(kids, k.Kid)
	}
	require.ElementsMatch(t, []string{k1.KID, k2.KID}, kids)
}

func TestKeyRing_MaterialForUnknownKid(t *testing.T) {
	ring := newRing(t, jwtx.KeyRingOptions{})

	_, err := ring.MaterialFor("nope")
	require.ErrorIs(t, err, jwtx.ErrNoKey)
}

func TestKeyRing_ExactlyOneActiveAfterManyRotations(t *testing.T) {
	ring := newRing(t, jwtx.KeyRingOptions{Algorithm: jwtx.AlgorithmEdDSA})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ring.Rotate(context.Background())
			require.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Readers must always see a signing key.
			require.NotNil(t, ring.Current())
			_ = ring.PublicKeySet()
		}()
	}
	wg.Wait()

	active := 0
	for _, k := range ring.Keys() {
		if k.Active {
			active++
		}
	}
	require.Equal(t, 1, active)
	require.Len(t, ring.Keys(), 9)
}

func TestKeyRing_Prune(t *testing.T) {
	clk := newClock()
	ring := newRing(t, jwtx.KeyRingOptions{Now: clk.Now, Retention: time.Hour, AccessTTL: 15 * time.Minute})
	k1 := ring.Current().KID

	_, err := ring.Rotate(t.Context())
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	removed, err := ring.Prune(t.Context())
	require.NoError(t, err)
	require.Zero(t, removed, "still inside the retention window")

	clk.Advance(31 * time.Minute)
	removed, err = ring.Prune(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = ring.MaterialFor(k1)
	require.ErrorIs(t, err, jwtx.ErrNoKey)
	require.Len(t, ring.PublicKeySet().Keys, 1)
	require.True(t, ring.IsReady())
}

func TestKeyRing_RetentionCoversAccessTTL(t *testing.T) {
	ring := newRing(t, jwtx.KeyRingOptions{Retention: time.Minute, AccessTTL: time.Hour})
	require.Equal(t, time.Hour+time.Minute, ring.Retention())

	ring = newRing(t, jwtx.KeyRingOptions{})
	require.Equal(t, jwtx.DefaultKeyRetention, ring.Retention())
}

func TestKeyRing_PersistsAndReloads(t *testing.T) {
	store := &memKeyStore{}
	sealer, err := cryptox.NewKeyEncryptor([]byte("master"))
	require.NoError(t, err)

	clk := newClock()
	opts := jwtx.KeyRingOptions{Store: store, Sealer: sealer, Now: clk.Now}

	ring := newRing(t, opts)
	first := ring.Current().KID
	token, err := ring.Sign(jwtx.NewAccessClaims("bob", "s", "user", time.Minute, "gk", nil, clk.Now()))
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = ring.Rotate(t.Context())
	require.NoError(t, err)
	second := ring.Current().KID

	require.Len(t, store.records, 2)
	require.NotNil(t, store.records[0].RetiredAt)
	require.Nil(t, store.records[1].RetiredAt)
	require.NotContains(t, string(store.records[0].PrivateKeyEncrypted), "PRIVATE KEY")

	reloaded := newRing(t, opts)
	require.Equal(t, second, reloaded.Current().KID)
	require.Len(t, reloaded.Keys(), 2)

	old, err := reloaded.MaterialFor(first)
	require.NoError(t, err)
	require.False(t, old.Active())

	_, err = jwtx.NewVerifier(reloaded, jwtx.VerifyOptions{Now: clk.Now}).Verify(token)
	require.NoError(t, err)

	_, err = jwtx.NewKeyRing(t.Context(), jwtx.KeyRingOptions{Store: store})
	require.Error(t, err, "a store without a sealer is rejected")
}

func TestKeyRing_FailedPersistLeavesRingUnchanged(t *testing.T) {
	store := &memKeyStore{}
	sealer, err := cryptox.NewKeyEncryptor([]byte("master"))
	require.NoError(t, err)

	ring := newRing(t, jwtx.KeyRingOptions{Store: store, Sealer: sealer})
	before := ring.Current().KID

	store.failing = errors.New("disk full")
	_, err = ring.Rotate(t.Context())
	require.Error(t, err)
	require.Equal(t, before, ring.Current().KID)
	require.Len(t, ring.Keys(), 1)
}

func TestKeyRing_KeyGenerationFailure(t *testing.T) {
	_, err := jwtx.NewKeyRing(t.Context(), jwtx.KeyRingOptions{Algorithm: jwtx.AlgorithmRS256, RSABits: 512})
	require.ErrorIs(t, err, jwtx.ErrKeyGeneration)
}

func TestKeyRing_SharedStoreStaysInSync(t *testing.T) {
	store := &memKeyStore{}
	sealer, err := cryptox.NewKeyEncryptor([]byte("master"))
	require.NoError(t, err)

	clk := newClock()
	opts := jwtx.KeyRingOptions{Store: store, Sealer: sealer, Now: clk.Now}
	a := newRing(t, opts)
	b := newRing(t, opts)
	require.Equal(t, a.Current().KID, b.Current().KID)

	clk.Advance(time.Second)
	rotated, err := a.Rotate(t.Context())
	require.NoError(t, err)
	token, err := a.Sign(jwtx.NewAccessClaims("bob", "s", "user", time.Minute, "gk", nil, clk.Now()))
	require.NoError(t, err)

	t.Run("unknown kid lookups are throttled", func(t *testing.T) {
		_, err := b.MaterialFor(rotated.KID)
		require.ErrorIs(t, err, jwtx.ErrNoKey)
	})

	t.Run("unknown kid reloads from the store", func(t *testing.T) {
		clk.Advance(jwtx.DefaultMissReloadInterval)
		_, err := jwtx.NewVerifier(b, jwtx.VerifyOptions{Now: clk.Now}).Verify(token)
		require.NoError(t, err)
		require.Equal(t, rotated.KID, b.Current().KID)
		require.Len(t, b.PublicKeySet().Keys, 2)
	})

	t.Run("rotation retires keys written by another instance", func(t *testing.T) {
		clk.Advance(time.Second)
		_, err := a.Rotate(t.Context())
		require.NoError(t, err)

		// b still believes the previous key is active.
		clk.Advance(time.Second)
		next, err := b.Rotate(t.Context())
		require.NoError(t, err)
		require.Equal(t, next.KID, b.Current().KID)
		require.Len(t, b.Keys(), 4)

		active := 0
		for _, rec := range store.records {
			if rec.RetiredAt == nil {
				active++
				require.Equal(t, next.KID, rec.Kid)
			}
		}
		require.Equal(t, 1, active)

		require.NoError(t, a.Reload(t.Context()))
		require.Equal(t, next.KID, a.Current().KID)
		require.Len(t, a.Keys(), 4)
	})
}

func TestKeyRing_ReloadWithoutStore(t *testing.T) {
	ring := newRing(t, jwtx.KeyRingOptions{})
	before := ring.Current().KID
	require.NoError(t, ring.Reload(t.Context()))
	require.Equal(t, before, ring.Current().KID)

	_, err := ring.MaterialFor("missing")
	require.ErrorIs(t, err, jwtx.ErrNoKey)
}

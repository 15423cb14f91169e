package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/redisx"
)

const (
	testIssuer    = "https://gatekeeper.test"
	testAccessTTL = 30 * time.Second
)

var testAudience = []string{"gatekeeper-test"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type failingSigner struct{}

func (failingSigner) Sign(jwtx.Claims) (string, error) {
	return "", errors.New("signer unavailable")
}

// fixture wires every service against a file-backed SQLite store and an
// in-process Redis.
type fixture struct {
	ctx    context.Context
	clock  *fakeClock
	store  store.Store
	mr     *miniredis.Miniredis
	redis  redis.UniversalClient
	keys   *jwtx.KeyRing
	audit  *audit.Recorder
	hasher *cryptox.Argon2Hasher

	subjects *SubjectService
	issuer   *TokenIssuer
	ledger   *RevocationLedger
	limiter  *WindowLimiter
	guard    *AttemptGuard
	rotator  *RefreshRotator
	auth     *Authenticator
	verifier *AccessVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewStore(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, st.ApplyMigrations(ctx))
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rc, err := redisx.NewClient(redisx.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	clk := newFakeClock()
	keys, err := jwtx.NewKeyRing(ctx, jwtx.KeyRingOptions{
		Algorithm: jwtx.AlgorithmEdDSA,
		AccessTTL: testAccessTTL,
		Now:       clk.Now,
	})
	require.NoError(t, err)

	rec := &audit.Recorder{}
	hasher := &cryptox.Argon2Hasher{Memory: 1024, Iterations: 1, Parallelism: 1}
	ks := redisx.NewKeyspace("gk-test")

	f := &fixture{
		ctx:    ctx,
		clock:  clk,
		store:  st,
		mr:     mr,
		redis:  rc,
		keys:   keys,
		audit:  rec,
		hasher: hasher,
	}

	f.subjects = &SubjectService{Store: st, Hasher: hasher, Now: clk.Now}
	f.issuer = &TokenIssuer{
		Store:      st,
		Signer:     keys,
		Audit:      rec,
		Issuer:     testIssuer,
		Audience:   testAudience,
		AccessTTL:  testAccessTTL,
		RefreshTTL: time.Hour,
		Now:        clk.Now,
	}
	f.ledger = &RevocationLedger{Redis: rc, Keys: ks, Now: clk.Now}
	f.limiter = &WindowLimiter{Redis: rc, Keys: ks, Now: clk.Now}
	f.guard = &AttemptGuard{Redis: rc, Keys: ks, Store: st, Audit: rec, Now: clk.Now}
	f.rotator = &RefreshRotator{
		Store:   st,
		Issuer:  f.issuer,
		Ledger:  f.ledger,
		Limiter: f.limiter,
		Audit:   rec,
		Now:     clk.Now,
	}
	f.auth = &Authenticator{
		Store:   st,
		Hasher:  hasher,
		Guard:   f.guard,
		Limiter: f.limiter,
		Issuer:  f.issuer,
		Audit:   rec,
		Now:     clk.Now,
	}
	f.verifier = &AccessVerifier{
		Verifier: jwtx.NewVerifier(keys, jwtx.VerifyOptions{
			Issuer:   testIssuer,
			Audience: testAudience,
			Now:      clk.Now,
		}),
		Ledger: f.ledger,
	}
	return f
}

func (f *fixture) createSubject(t *testing.T, username, password string, role domain.Role) domain.Subject {
	t.Helper()
	s, err := f.subjects.CreateSubject(f.ctx, username, password, role)
	require.NoError(t, err)
	return s
}

func (f *fixture) handle(t *testing.T, secret string) domain.RefreshHandle {
	t.Helper()
	h, err := f.store.RefreshHandles().GetRefreshHandleByHash(f.ctx, cryptox.FingerprintToken(secret))
	require.NoError(t, err)
	return h
}

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) Config {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.LogFormat = "text"
	cfg.LogLevel = "error"
	cfg.Database.File = filepath.Join(dir, "auth.db")
	cfg.PepperFile = filepath.Join(dir, "pepper")
	cfg.Keys.MasterKey = "test-master-key"
	cfg.Redis.Addrs = []string{mr.Addr()}
	cfg.Keys.Algorithm = jwtx.AlgorithmES256
	cfg.Bootstrap.AdminUsername = "root"
	cfg.Bootstrap.AdminPassword = "bootstrap-secret"
	return cfg
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Database.Driver = "oracle"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestNew_WiresCredentialFlows(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	app, err := New(testConfig(t, mr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.close() })

	ctx := context.Background()

	bundle, err := app.Authenticator().Login(ctx, service.LoginRequest{
		Username: "root",
		Password: "bootstrap-secret",
		Origin:   "192.0.2.1",
	})
	require.NoError(t, err)

	claims, err := app.Verifier().Verify(ctx, bundle.AccessToken)
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin.String(), claims.Role)

	rotated, err := app.Rotator().Refresh(ctx, service.RefreshRequest{
		Secret: bundle.RefreshToken,
		Origin: "192.0.2.1",
	})
	require.NoError(t, err)
	require.NotEqual(t, bundle.RefreshToken, rotated.RefreshToken)

	require.NoError(t, app.Rotator().Logout(ctx, service.LogoutRequest{
		RefreshSecret: rotated.RefreshToken,
		AccessToken:   rotated.AccessToken,
	}))
	_, err = app.Verifier().Verify(ctx, rotated.AccessToken)
	require.ErrorIs(t, err, service.ErrInvalidCredential)

	// The bootstrap admin can use the operational surface.
	fresh, err := app.Authenticator().Login(ctx, service.LoginRequest{
		Username: "root",
		Password: "bootstrap-secret",
		Origin:   "192.0.2.1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+fresh.AccessToken)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_ToleratesUnreachableRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Abuse defences fail open; the durable store still decides.
	_, err = app.Authenticator().Login(ctx, service.LoginRequest{
		Username: "root",
		Password: "bootstrap-secret",
		Origin:   "192.0.2.1",
	})
	require.NoError(t, err)
}

func TestNew_BootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	first, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, first.close())

	cfg.Bootstrap.AdminPassword = "ignored-on-second-start"
	second, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.close() })
	require.Len(t, second.keys.Keys(), 1)

	_, err = second.Authenticator().Login(context.Background(), service.LoginRequest{
		Username: "root",
		Password: "bootstrap-secret",
		Origin:   "192.0.2.1",
	})
	require.NoError(t, err)
}

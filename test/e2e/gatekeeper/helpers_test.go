//go:build e2e

package gatekeeper_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/app"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

/*
 * End-to-end tests run the service in-process against real Redis and
 * Postgres containers. Run with: go test -tags e2e ./test/e2e/...
 */

const (
	redisImage    = "redis:7-alpine"
	postgresImage = "postgres:16-alpine"

	adminUsername = "root"
	adminPassword = "Admin123!"
	testOrigin    = "198.51.100.7"
	masterKey     = "e2e-master-key"
)

// backends are the containers one test shares between application instances.
type backends struct {
	redisAddr   string
	postgresDSN string
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest) (string, func(port string) string) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mapped := func(port string) string {
		p, err := container.MappedPort(ctx, port)
		require.NoError(t, err)
		return p.Port()
	}
	return host, mapped
}

// setupBackends starts Redis and Postgres for a single test.
func setupBackends(t *testing.T) backends {
	t.Helper()

	redisHost, redisPort := startContainer(t, testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	})

	pgHost, pgPort := startContainer(t, testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "gatekeeper",
			"POSTGRES_PASSWORD": "gatekeeper",
			"POSTGRES_DB":       "gatekeeper",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	})

	return backends{
		redisAddr: fmt.Sprintf("%s:%s", redisHost, redisPort("6379/tcp")),
		postgresDSN: fmt.Sprintf("postgres://gatekeeper:gatekeeper@%s:%s/gatekeeper?sslmode=disable",
			pgHost, pgPort("5432/tcp")),
	}
}

// config builds an application config pointing at b. dir holds the pepper,
// which must be shared by instances that verify each other's hashes.
func (b backends) config(dir string) app.Config {
	cfg := app.DefaultConfig()
	cfg.Env = "test"
	cfg.LogFormat = "text"
	cfg.LogLevel = "warn"
	cfg.PepperFile = filepath.Join(dir, "pepper")
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = b.postgresDSN
	cfg.Redis.Addrs = []string{b.redisAddr}
	cfg.Redis.KeyPrefix = "gk-e2e"
	cfg.Keys.Algorithm = jwtx.AlgorithmEdDSA
	cfg.Keys.MasterKey = masterKey
	cfg.Bootstrap.AdminUsername = adminUsername
	cfg.Bootstrap.AdminPassword = adminPassword
	return cfg
}

// startApp creates an application and shuts it down with the test.
func startApp(t *testing.T, cfg app.Config) *app.Application {
	t.Helper()
	application, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Shutdown() })
	return application
}

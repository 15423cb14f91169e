package http

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/redisx"
)

const readyzPingTimeout = time.Second

// HealthChecks reports per-dependency status in readiness responses.
type HealthChecks struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
	Signer   string `json:"signer"`
}

// HealthResponse is the body of /livez and /readyz.
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *HealthChecks `json:"checks,omitempty"`
}

// LivezHandler always answers 200 while the process is serving.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).String(),
			Version: version,
		})
	}
}

// ReadyzHandler checks the durable store, the fast store and the signer.
// An unreachable Redis degrades the status but keeps the instance ready:
// every Redis-backed defence fails open.
func ReadyzHandler(
	startTime time.Time,
	version string,
	st store.Store,
	rc redis.UniversalClient,
	keys *jwtx.KeyRing,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := &HealthChecks{
			Database: "ok",
			Redis:    "ok",
			Signer:   "ok",
		}
		overallStatus := "ok"
		statusCode := http.StatusOK

		if err := st.Ping(r.Context()); err != nil {
			checks.Database = "error: " + err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		if !keys.IsReady() {
			checks.Signer = "error: no signing key"
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		if err := redisx.Ping(r.Context(), rc, readyzPingTimeout); err != nil {
			checks.Redis = "error: " + err.Error()
			overallStatus = "degraded"
		}

		httpx.WriteJSON(w, statusCode, HealthResponse{
			Status:  overallStatus,
			Uptime:  time.Since(startTime).String(),
			Version: version,
			Checks:  checks,
		})
	}
}

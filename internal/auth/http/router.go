package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// Router serves the credential endpoints, key discovery, health, metrics and
// a few administrative actions.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	keys         *jwtx.KeyRing
	verifier     httpx.TokenVerifier
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store    store.Store
	redis    redis.UniversalClient
	metrics  *obs.Metrics
	gatherer prometheus.Gatherer

	Authenticator      *service.Authenticator
	KeyRotationService *service.KeyRotationService
	RefreshRotator     *service.RefreshRotator

	// AdminLimit and PublicLimit override the httpx profiles.
	AdminLimit  httpx.RateLimitConfig
	PublicLimit httpx.RateLimitConfig
}

func NewRouter(
	keys *jwtx.KeyRing,
	verifier httpx.TokenVerifier,
	buildVersion string,
	st store.Store,
	rc redis.UniversalClient,
	metrics *obs.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		keys:         keys,
		verifier:     verifier,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		redis:        rc,
		metrics:      metrics,
		gatherer:     gatherer,
		logger:       logger,
		AdminLimit:   httpx.AdminLimit,
		PublicLimit:  httpx.PublicLimit,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerWellKnown()
	r.registerAuth()
	r.registerSystem()
	r.registerAdmin()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

// handle registers h under pattern with request metrics labelled by route.
func (r *Router) handle(pattern, route string, h http.Handler, mws ...httpx.Middleware) {
	r.Mux.Handle(pattern, r.metrics.Instrument(route, httpx.Chain(h, mws...)))
}

func (r *Router) registerWellKnown() {
	r.handle("GET /.well-known/jwks.json", "jwks", JWKSHandler(r.keys),
		httpx.RateLimitByIP(r.PublicLimit),
	)
}

func (r *Router) registerAuth() {
	if r.Authenticator == nil && r.RefreshRotator == nil {
		return
	}
	public := httpx.RateLimitByIP(r.PublicLimit)

	token := &TokenHandler{Authenticator: r.Authenticator, RefreshRotator: r.RefreshRotator}
	r.handle("POST /v1/auth/token", "auth_token", token, public)

	if r.RefreshRotator != nil {
		revoke := &RevokeHandler{RefreshRotator: r.RefreshRotator}
		r.handle("POST /v1/auth/revoke", "auth_revoke", revoke, public)
	}
}

func (r *Router) registerSystem() {
	r.handle("GET /livez", "livez", LivezHandler(r.startTime, r.buildVersion))
	r.handle("GET /readyz", "readyz", ReadyzHandler(r.startTime, r.buildVersion, r.store, r.redis, r.keys))

	if r.gatherer != nil {
		r.Mux.Handle("GET /metrics", obs.Handler(r.gatherer))
	}
}

func (r *Router) registerAdmin() {
	// One limiter is shared by every admin route.
	admin := []httpx.Middleware{
		httpx.AuthnMiddleware(r.verifier),
		httpx.RequireRole(domain.RoleAdmin.String()),
		httpx.RateLimitBySubject(r.AdminLimit),
	}

	if r.KeyRotationService != nil {
		h := &KeyRotationHandler{KeyRotationService: r.KeyRotationService}
		r.handle("POST /v1/admin/keys/rotate", "admin_keys_rotate", http.HandlerFunc(h.HandleRotate), admin...)
		r.handle("GET /v1/admin/keys", "admin_keys_list", http.HandlerFunc(h.HandleListKeys), admin...)
	}

	if r.RefreshRotator != nil {
		h := &SessionsHandler{RefreshRotator: r.RefreshRotator}
		r.handle("POST /v1/admin/subjects/{id}/sessions/revoke", "admin_sessions_revoke", h, admin...)
	}
}

package http

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// TokenHandler serves POST /v1/auth/token. It accepts
// application/x-www-form-urlencoded bodies with grant_type "password" or
// "refresh_token" and answers with a token bundle.
type TokenHandler struct {
	Authenticator  *service.Authenticator
	RefreshRotator *service.RefreshRotator
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		httpx.WriteError(w, http.StatusUnsupportedMediaType, "invalid_request", "content type must be application/x-www-form-urlencoded")
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		h.handlePasswordGrant(w, r, r.PostForm)
	case "refresh_token":
		h.handleRefreshGrant(w, r, r.PostForm)
	default:
		httpx.WriteError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be password or refresh_token")
	}
}

func (h *TokenHandler) handlePasswordGrant(w http.ResponseWriter, r *http.Request, form url.Values) {
	if h.Authenticator == nil {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported_grant_type", "password grant is disabled")
		return
	}

	username := strings.TrimSpace(form.Get("username"))
	password := form.Get("password")
	if username == "" || password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	bundle, err := h.Authenticator.Login(r.Context(), service.LoginRequest{
		Username:          username,
		Password:          password,
		DeviceFingerprint: strings.TrimSpace(form.Get("device_id")),
		UserAgent:         r.UserAgent(),
		Origin:            httpx.IPKeyExtractor(r),
	})
	if err != nil {
		writeGrantError(w, r, "password grant failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bundle)
}

func (h *TokenHandler) handleRefreshGrant(w http.ResponseWriter, r *http.Request, form url.Values) {
	if h.RefreshRotator == nil {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported_grant_type", "refresh grant is disabled")
		return
	}

	secret := strings.TrimSpace(form.Get("refresh_token"))
	if secret == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	bundle, err := h.RefreshRotator.Refresh(r.Context(), service.RefreshRequest{
		Secret:            secret,
		DeviceFingerprint: strings.TrimSpace(form.Get("device_id")),
		UserAgent:         r.UserAgent(),
		Origin:            httpx.IPKeyExtractor(r),
	})
	if err != nil {
		writeGrantError(w, r, "refresh grant failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bundle)
}

// writeGrantError maps service outcomes to responses. Credential failures
// share one body so callers cannot tell them apart.
func writeGrantError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	case errors.Is(err, service.ErrAccountLocked):
		httpx.WriteError(w, http.StatusTooManyRequests, "account_locked", "too many failed attempts")
	case errors.Is(err, service.ErrInvalidCredential),
		errors.Is(err, service.ErrExpired),
		errors.Is(err, service.ErrBindingMismatch):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_grant", "the credentials are invalid or expired")
	default:
		slogx.FromContext(r.Context()).Error(msg, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
	}
}

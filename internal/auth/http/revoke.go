package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// RevokeHandler serves POST /v1/auth/revoke, which logs a session out. The
// form field "token" carries the refresh secret. A bearer access token, when
// present, is denylisted as well. Unknown or already revoked secrets answer
// 200 so the endpoint cannot be used to scan for live secrets.
type RevokeHandler struct {
	RefreshRotator *service.RefreshRotator
}

func (h *RevokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if ct := r.Header.Get("Content-Type"); ct != "" &&
		!strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		httpx.WriteError(w, http.StatusUnsupportedMediaType, "invalid_request", "content type must be application/x-www-form-urlencoded")
		return
	}
	if err := r.ParseForm(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	access, _ := httpx.BearerToken(r)

	err := h.RefreshRotator.Logout(ctx, service.LogoutRequest{
		RefreshSecret: token,
		AccessToken:   access,
	})
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidCredential):
		log.Warn("revoke of unknown refresh token")
	default:
		log.Error("revoke failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not revoke token")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, struct{}{})
}

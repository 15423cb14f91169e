package http

import (
	"net/http"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// KeyRotationHandler serves the signing key administration endpoints.
type KeyRotationHandler struct {
	KeyRotationService *service.KeyRotationService
}

// HandleRotate handles POST /v1/admin/keys/rotate. The previous key is
// retired and stays published for verification.
func (h *KeyRotationHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := ""
	if c, ok := httpx.ClaimsFromContext(ctx); ok {
		actor = c.Subject
	}

	resp, err := h.KeyRotationService.Rotate(ctx, actor)
	if err != nil {
		slogx.FromContext(ctx).Error("key rotation request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "key rotation failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleListKeys handles GET /v1/admin/keys.
func (h *KeyRotationHandler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.KeyRotationService.ListSigningKeys())
}

package http

import (
	"errors"
	"net/http"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/service"
	"github.com/aussiebroadwan/gatekeeper/pkg/httpx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

type RevokeSessionsResponse struct {
	SubjectID string `json:"subject_id"`
	Revoked   int64  `json:"revoked"`
}

// SessionsHandler serves POST /v1/admin/subjects/{id}/sessions/revoke, which
// ends every refresh session of a subject. Outstanding access tokens expire
// on their own.
type SessionsHandler struct {
	RefreshRotator *service.RefreshRotator
}

func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID := r.PathValue("id")
	actor := ""
	if c, ok := httpx.ClaimsFromContext(ctx); ok {
		actor = c.Subject
	}

	n, err := h.RefreshRotator.RevokeAll(ctx, subjectID, actor)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredential) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "subject id is required")
			return
		}
		slogx.FromContext(ctx).Error("revoke sessions failed", "err", err, "subject_id", subjectID)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not revoke sessions")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, RevokeSessionsResponse{SubjectID: subjectID, Revoked: n})
}

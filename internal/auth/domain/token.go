package domain

import "time"

// TokenBundle is what issuance and rotation return. RefreshToken is the
// plaintext secret and is only ever available here.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	SessionID    string `json:"session_id,omitempty"`
}

// Revocation reasons recorded on refresh handles.
const (
	RevokeReasonRotated      = "rotated"
	RevokeReasonExpired      = "expired"
	RevokeReasonLogout       = "logout"
	RevokeReasonSessionLimit = "session_limit_exceeded"
	RevokeReasonRevokedAll   = "revoked_all"
)

// RefreshHandle is the stored record of a refresh secret. Only the SHA-256
// fingerprint of the secret is kept. Revoked is terminal.
type RefreshHandle struct {
	ID                string
	SubjectID         string
	SessionID         string // stable across rotations
	TokenHash         string
	DeviceFingerprint string
	UserAgent         string
	Origin            string
	ExpiresAt         time.Time
	Revoked           bool
	RevokeReason      string
	RevokedAt         *time.Time
	CreatedAt         time.Time
}

// IsExpired reports whether the handle is at or past its expiry.
func (h *RefreshHandle) IsExpired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// BindingMatches reports whether the presented device binding is the one
// the handle was issued to.
func (h *RefreshHandle) BindingMatches(deviceFingerprint, userAgent string) bool {
	return h.DeviceFingerprint == deviceFingerprint && h.UserAgent == userAgent
}

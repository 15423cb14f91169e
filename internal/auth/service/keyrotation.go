package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// KeyRotationService rotates the signing key on demand or on a schedule and
// reports each rotation.
type KeyRotationService struct {
	Keys    *jwtx.KeyRing
	Audit   audit.Sink
	Metrics *obs.Metrics

	// RotateAfter triggers RotateIfDue once the active key is this old.
	// Zero disables scheduled rotation.
	RotateAfter time.Duration
	Now         func() time.Time
}

// RotateKeyResponse represents the result of a key rotation operation.
type RotateKeyResponse struct {
	NewKey jwtx.KeyInfo   `json:"new_key"`
	Keys   []jwtx.KeyInfo `json:"keys"`
}

// Rotate generates a new active key and retires the previous one. Key
// generation failures wrap jwtx.ErrKeyGeneration and are not retried.
func (s *KeyRotationService) Rotate(ctx context.Context, actor string) (*RotateKeyResponse, error) {
	l := slogx.FromContext(ctx)

	info, err := s.Keys.Rotate(ctx)
	if err != nil {
		l.Error("signing key rotation failed", slog.Any("error", err))
		return nil, err
	}

	s.Metrics.KeyRotated()
	l.Info("signing key rotated", slog.String("kid", info.KID), slog.String("alg", info.Algorithm), slog.String("actor", actor))
	audit.Emitter{Sink: s.Audit, Now: s.Now}.Emit(ctx, audit.Event{
		Type:    audit.KeyRotated,
		Success: true,
		Metadata: map[string]string{
			"kid":   info.KID,
			"alg":   info.Algorithm,
			"actor": actor,
		},
	})

	return &RotateKeyResponse{NewKey: info, Keys: s.Keys.Keys()}, nil
}

// RotateIfDue rotates when the active key is older than RotateAfter.
func (s *KeyRotationService) RotateIfDue(ctx context.Context) (bool, error) {
	if s.RotateAfter <= 0 {
		return false, nil
	}
	current := s.Keys.Current()
	if current == nil || clock(s.Now).now().Sub(current.CreatedAt) < s.RotateAfter {
		return false, nil
	}
	if _, err := s.Rotate(ctx, "scheduler"); err != nil {
		return false, err
	}
	return true, nil
}

// ListSigningKeys returns every retained key with its status.
func (s *KeyRotationService) ListSigningKeys() []jwtx.KeyInfo {
	return s.Keys.Keys()
}

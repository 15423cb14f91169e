package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// Refresh outcomes reported to metrics.
const (
	refreshRotated  = "rotated"
	refreshInvalid  = "invalid"
	refreshMismatch = "binding_mismatch"
	refreshReplay   = "replay"
	refreshExpired  = "expired"
	refreshLimited  = "rate_limited"
)

// Refresh rate limit defaults, per origin.
const (
	DefaultRefreshLimit  = 60
	DefaultRefreshWindow = time.Minute
)

type RefreshRequest struct {
	Secret            string
	DeviceFingerprint string
	UserAgent         string
	Origin            string
}

type LogoutRequest struct {
	RefreshSecret string
	AccessToken   string

	// CallingSubjectID, when set, must own the handle.
	CallingSubjectID string
}

// RefreshRotator exchanges refresh handles single-use and ends sessions.
type RefreshRotator struct {
	Store   store.Store
	Issuer  *TokenIssuer
	Ledger  *RevocationLedger
	Limiter *WindowLimiter
	Audit   audit.Sink
	Metrics *obs.Metrics

	RefreshLimit  int
	RefreshWindow time.Duration
	Now           func() time.Time
}

// Refresh consumes the handle behind req.Secret and returns a replacement
// bundle for the same session. Exactly one caller can consume a handle.
func (s *RefreshRotator) Refresh(ctx context.Context, req RefreshRequest) (*domain.TokenBundle, error) {
	l := slogx.FromContext(ctx)
	em := audit.Emitter{Sink: s.Audit, Now: s.Now}
	now := clock(s.Now).now()

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		s.Metrics.Refresh(refreshInvalid)
		return nil, ErrInvalidCredential
	}

	if s.Limiter != nil && req.Origin != "" {
		if err := s.Limiter.Check(ctx, "refresh:"+req.Origin, s.refreshLimit(), s.refreshWindow()); err != nil {
			s.Metrics.Refresh(refreshLimited)
			return nil, err
		}
	}

	h, err := s.Store.RefreshHandles().GetRefreshHandleByHash(ctx, cryptox.FingerprintToken(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.Metrics.Refresh(refreshInvalid)
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	// A changed binding suggests a stolen secret. The handle is left alone so
	// forged headers cannot be used to kill someone else's session.
	if !h.BindingMatches(req.DeviceFingerprint, req.UserAgent) {
		s.Metrics.Refresh(refreshMismatch)
		l.Warn("refresh binding mismatch",
			slog.String("subject_id", h.SubjectID),
			slog.String("session_id", h.SessionID),
			slog.String("origin", req.Origin),
		)
		em.Emit(ctx, audit.Event{
			Type:      audit.RefreshBindingMismatch,
			SubjectID: h.SubjectID,
			SessionID: h.SessionID,
			Origin:    req.Origin,
			Reason:    "device fingerprint or user agent changed",
		})
		return nil, ErrBindingMismatch
	}

	if h.Revoked {
		s.Metrics.Refresh(refreshReplay)
		l.Warn("refresh handle replayed",
			slog.String("subject_id", h.SubjectID),
			slog.String("session_id", h.SessionID),
			slog.String("revoke_reason", h.RevokeReason),
		)
		em.Emit(ctx, audit.Event{
			Type:      audit.RefreshReplay,
			SubjectID: h.SubjectID,
			SessionID: h.SessionID,
			Origin:    req.Origin,
			Reason:    h.RevokeReason,
		})
		return nil, ErrInvalidCredential
	}

	if h.IsExpired(now) {
		s.Metrics.Refresh(refreshExpired)
		if _, err := s.Store.RefreshHandles().RevokeRefreshHandle(ctx, h.ID, domain.RevokeReasonExpired, now); err != nil {
			l.Error("failed to revoke expired refresh handle", slog.Any("error", err))
		}
		return nil, ErrExpired
	}

	origin := req.Origin
	if origin == "" {
		origin = h.Origin
	}

	var (
		bundle  *domain.TokenBundle
		evicted []domain.RefreshHandle
	)
	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		won, err := tx.RefreshHandles().RevokeRefreshHandle(ctx, h.ID, domain.RevokeReasonRotated, now)
		if err != nil {
			return err
		}
		if !won {
			return ErrInvalidCredential
		}

		subject, err := tx.Subjects().GetSubjectByID(ctx, h.SubjectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidCredential
			}
			return err
		}

		bundle, evicted, err = s.Issuer.issueTx(ctx, tx, IssueRequest{
			SubjectID:         subject.ID,
			Role:              subject.Role,
			DeviceFingerprint: h.DeviceFingerprint,
			UserAgent:         h.UserAgent,
			Origin:            origin,
			SessionID:         h.SessionID,
		}, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			s.Metrics.Refresh(refreshReplay)
		}
		return nil, err
	}

	s.Metrics.Refresh(refreshRotated)
	em.Emit(ctx, audit.Event{
		Type:      audit.RefreshRotated,
		SubjectID: h.SubjectID,
		SessionID: h.SessionID,
		Origin:    origin,
		Success:   true,
	})
	s.Issuer.reportEvictions(ctx, evicted)
	return bundle, nil
}

func (s *RefreshRotator) refreshLimit() int {
	if s.RefreshLimit <= 0 {
		return DefaultRefreshLimit
	}
	return s.RefreshLimit
}

func (s *RefreshRotator) refreshWindow() time.Duration {
	if s.RefreshWindow <= 0 {
		return DefaultRefreshWindow
	}
	return s.RefreshWindow
}

// Logout denylists the access token and revokes the refresh handle. Logging
// out an already revoked handle succeeds.
func (s *RefreshRotator) Logout(ctx context.Context, req LogoutRequest) error {
	l := slogx.FromContext(ctx)

	if req.AccessToken != "" && s.Ledger != nil {
		if err := s.Ledger.Deny(ctx, req.AccessToken); err != nil {
			l.Warn("access token not denylisted during logout", slog.Any("error", err))
		}
	}

	secret := strings.TrimSpace(req.RefreshSecret)
	if secret == "" {
		return ErrInvalidCredential
	}
	h, err := s.Store.RefreshHandles().GetRefreshHandleByHash(ctx, cryptox.FingerprintToken(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredential
		}
		return err
	}

	if req.CallingSubjectID != "" && req.CallingSubjectID != h.SubjectID {
		l.Warn("logout attempted on a session owned by another subject",
			slog.String("caller", req.CallingSubjectID),
			slog.String("session_id", h.SessionID),
		)
		return ErrUnauthorized
	}

	if h.Revoked {
		return nil
	}
	if _, err := s.Store.RefreshHandles().RevokeRefreshHandle(ctx, h.ID, domain.RevokeReasonLogout, clock(s.Now).now()); err != nil {
		return err
	}
	return nil
}

// RevokeAll ends every session of a subject, for example after a password
// reset or by an administrator.
func (s *RefreshRotator) RevokeAll(ctx context.Context, subjectID, actor string) (int64, error) {
	if strings.TrimSpace(subjectID) == "" {
		return 0, ErrInvalidCredential
	}
	n, err := s.Store.RefreshHandles().RevokeAllRefreshHandles(ctx, subjectID, domain.RevokeReasonRevokedAll, clock(s.Now).now())
	if err != nil {
		return 0, err
	}

	audit.Emitter{Sink: s.Audit, Now: s.Now}.Emit(ctx, audit.Event{
		Type:      audit.AdminRevokeAll,
		SubjectID: subjectID,
		Success:   true,
		Metadata: map[string]string{
			"actor":   actor,
			"revoked": strconv.FormatInt(n, 10),
		},
	})
	return n, nil
}

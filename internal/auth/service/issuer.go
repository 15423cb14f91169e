package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/idx"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

const (
	DefaultMaxSessions = 5
	TokenTypeBearer    = "Bearer"
)

// AccessSigner signs access claims with the active key. *jwtx.KeyRing
// implements it.
type AccessSigner interface {
	Sign(claims jwtx.Claims) (string, error)
}

// IssueRequest describes who a bundle is for and which device it is bound to.
type IssueRequest struct {
	SubjectID         string
	Role              domain.Role
	DeviceFingerprint string
	UserAgent         string
	Origin            string

	// SessionID continues an existing session. Empty starts a new one.
	SessionID string
}

// TokenIssuer mints access tokens and refresh handles, evicting the oldest
// sessions of a subject beyond MaxSessions.
//
// Concurrent issuances for one subject may briefly overshoot the cap; each
// transaction only sees the handles committed before it started.
type TokenIssuer struct {
	Store       store.Store
	Signer      AccessSigner
	Audit       audit.Sink
	Metrics     *obs.Metrics
	Issuer      string
	Audience    []string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	MaxSessions int
	Now         func() time.Time
}

func (s *TokenIssuer) accessTTL() time.Duration {
	if s.AccessTTL <= 0 {
		return jwtx.DefaultAccessTokenTTL
	}
	return s.AccessTTL
}

func (s *TokenIssuer) refreshTTL() time.Duration {
	if s.RefreshTTL <= 0 {
		return jwtx.DefaultRefreshTokenTTL
	}
	return s.RefreshTTL
}

func (s *TokenIssuer) maxSessions() int {
	if s.MaxSessions <= 0 {
		return DefaultMaxSessions
	}
	return s.MaxSessions
}

// Issue creates a new access token and refresh handle for the subject.
func (s *TokenIssuer) Issue(ctx context.Context, req IssueRequest) (*domain.TokenBundle, error) {
	if strings.TrimSpace(req.SubjectID) == "" || !req.Role.Valid() {
		return nil, ErrInvalidCredential
	}
	now := clock(s.Now).now()

	var (
		bundle  *domain.TokenBundle
		evicted []domain.RefreshHandle
	)
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		bundle, evicted, err = s.issueTx(ctx, tx, req, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.reportEvictions(ctx, evicted)
	return bundle, nil
}

// issueTx enforces the session cap and writes the new handle inside tx.
// Evicted handles are returned so events go out only after commit.
func (s *TokenIssuer) issueTx(
	ctx context.Context,
	tx store.Tx,
	req IssueRequest,
	now time.Time,
) (*domain.TokenBundle, []domain.RefreshHandle, error) {
	evicted, err := s.enforceSessionCap(ctx, tx, req.SubjectID, now)
	if err != nil {
		return nil, nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = idx.New().String()
	}

	claims := jwtx.NewAccessClaims(req.SubjectID, sessionID, req.Role.String(), s.accessTTL(), s.Issuer, s.Audience, now)
	accessToken, err := s.Signer.Sign(claims)
	if err != nil {
		return nil, nil, fmt.Errorf("sign access token: %w", err)
	}

	secret, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, nil, fmt.Errorf("generate refresh secret: %w", err)
	}

	handle := domain.RefreshHandle{
		ID:                idx.New().String(),
		SubjectID:         req.SubjectID,
		SessionID:         sessionID,
		TokenHash:         cryptox.FingerprintToken(secret),
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         req.UserAgent,
		Origin:            req.Origin,
		ExpiresAt:         now.Add(s.refreshTTL()),
		CreatedAt:         now,
	}
	if err := tx.RefreshHandles().CreateRefreshHandle(ctx, handle); err != nil {
		return nil, nil, err
	}

	return &domain.TokenBundle{
		AccessToken:  accessToken,
		RefreshToken: secret,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL() / time.Second),
		SessionID:    sessionID,
	}, evicted, nil
}

// enforceSessionCap revokes the oldest active handles until one more fits.
func (s *TokenIssuer) enforceSessionCap(
	ctx context.Context,
	tx store.Tx,
	subjectID string,
	now time.Time,
) ([]domain.RefreshHandle, error) {
	active, err := tx.RefreshHandles().ListActiveRefreshHandles(ctx, subjectID, now)
	if err != nil {
		return nil, err
	}

	var evicted []domain.RefreshHandle
	for i := 0; len(active)-i >= s.maxSessions(); i++ {
		h := active[i]
		won, err := tx.RefreshHandles().RevokeRefreshHandle(ctx, h.ID, domain.RevokeReasonSessionLimit, now)
		if err != nil {
			return nil, err
		}
		if won {
			evicted = append(evicted, h)
		}
	}
	return evicted, nil
}

func (s *TokenIssuer) reportEvictions(ctx context.Context, evicted []domain.RefreshHandle) {
	s.Metrics.Issued()
	if len(evicted) == 0 {
		return
	}

	l := slogx.FromContext(ctx)
	em := audit.Emitter{Sink: s.Audit, Now: s.Now}
	for _, h := range evicted {
		s.Metrics.SessionEvicted()
		l.Info("session evicted by session cap",
			slog.String("subject_id", h.SubjectID),
			slog.String("session_id", h.SessionID),
		)
		em.Emit(ctx, audit.Event{
			Type:      audit.SessionEvicted,
			SubjectID: h.SubjectID,
			SessionID: h.SessionID,
			Origin:    h.Origin,
			Success:   true,
			Reason:    domain.RevokeReasonSessionLimit,
		})
	}
}

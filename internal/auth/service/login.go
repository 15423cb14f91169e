package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// Login rate limit defaults, per origin.
const (
	DefaultLoginLimit  = 30
	DefaultLoginWindow = time.Minute
)

type LoginRequest struct {
	Username          string
	Password          string
	DeviceFingerprint string
	UserAgent         string
	Origin            string
}

// Authenticator runs a password login through the abuse defences and issues
// a bundle on success.
type Authenticator struct {
	Store   store.Store
	Hasher  PasswordHasher
	Guard   *AttemptGuard
	Limiter *WindowLimiter
	Issuer  *TokenIssuer
	Audit   audit.Sink
	Metrics *obs.Metrics

	LoginLimit  int
	LoginWindow time.Duration
	Now         func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// Login verifies the password of req.Username.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*domain.TokenBundle, error) {
	principal := strings.TrimSpace(req.Username)
	l := slogx.FromContext(ctx).With(slog.String("principal", principal), slog.String("origin", req.Origin))
	em := audit.Emitter{Sink: a.Audit, Now: a.Now}

	fail := func(subjectID, reason string, err error) (*domain.TokenBundle, error) {
		a.Metrics.Login(reason)
		em.Emit(ctx, audit.Event{
			Type:      audit.LoginFailure,
			SubjectID: subjectID,
			Principal: principal,
			Origin:    req.Origin,
			Reason:    reason,
		})
		return nil, err
	}

	if principal == "" || req.Password == "" {
		return fail("", "invalid_request", ErrInvalidCredential)
	}

	if a.Limiter != nil && req.Origin != "" {
		if err := a.Limiter.Check(ctx, "login:"+req.Origin, a.loginLimit(), a.loginWindow()); err != nil {
			return fail("", "rate_limited", err)
		}
	}

	if err := a.Guard.OriginBlocked(ctx, req.Origin); err != nil {
		return fail("", "origin_blocked", err)
	}
	if err := a.Guard.EnsureNotLocked(ctx, principal); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return fail("", "locked", err)
		}
		return nil, err
	}

	subject, err := a.Store.Subjects().GetSubjectByUsername(ctx, principal)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// Spend the same work as a real check so unknown names do not answer faster.
		_ = a.Hasher.Verify(req.Password, a.dummy())
		if err := a.Guard.OnFailure(ctx, principal, req.Origin, nil); err != nil {
			return fail("", "locked", err)
		}
		return fail("", "unknown_principal", ErrInvalidCredential)
	}

	if err := a.Hasher.Verify(req.Password, subject.PasswordHash); err != nil {
		l.Info("password verification failed")
		if err := a.Guard.OnFailure(ctx, principal, req.Origin, &subject); err != nil {
			return fail(subject.ID, "locked", err)
		}
		return fail(subject.ID, "bad_password", ErrInvalidCredential)
	}

	a.Guard.OnSuccess(ctx, principal, req.Origin, &subject)

	bundle, err := a.Issuer.Issue(ctx, IssueRequest{
		SubjectID:         subject.ID,
		Role:              subject.Role,
		DeviceFingerprint: req.DeviceFingerprint,
		UserAgent:         req.UserAgent,
		Origin:            req.Origin,
	})
	if err != nil {
		return nil, err
	}

	a.Metrics.Login("success")
	em.Emit(ctx, audit.Event{
		Type:      audit.LoginSuccess,
		SubjectID: subject.ID,
		Principal: principal,
		SessionID: bundle.SessionID,
		Origin:    req.Origin,
		Success:   true,
	})
	return bundle, nil
}

func (a *Authenticator) loginLimit() int {
	if a.LoginLimit <= 0 {
		return DefaultLoginLimit
	}
	return a.LoginLimit
}

func (a *Authenticator) loginWindow() time.Duration {
	if a.LoginWindow <= 0 {
		return DefaultLoginWindow
	}
	return a.LoginWindow
}

func (a *Authenticator) dummy() string {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = a.Hasher.Hash("gatekeeper-dummy-password")
	})
	return a.dummyHash
}

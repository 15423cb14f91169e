package service

import (
	"context"
	"log/slog"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// BootstrapResult describes the administrator created on first start.
type BootstrapResult struct {
	Subject domain.Subject

	// Password is set only when it was generated.
	Password string
}

// BootstrapService seeds the first administrator into an empty store.
type BootstrapService struct {
	Subjects *SubjectService
}

// EnsureAdmin creates an admin subject when no subjects exist. An empty
// password is replaced by a generated one, returned exactly once. It
// returns nil when the store already has subjects.
func (s *BootstrapService) EnsureAdmin(ctx context.Context, username, password string) (*BootstrapResult, error) {
	l := slogx.FromContext(ctx)

	empty, err := s.Subjects.Store.Subjects().IsEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if !empty {
		return nil, nil
	}

	generated := ""
	if password == "" {
		password, err = cryptox.GeneratePassword()
		if err != nil {
			return nil, err
		}
		generated = password
	}

	subject, err := s.Subjects.CreateSubject(ctx, username, password, domain.RoleAdmin)
	if err != nil {
		l.Error("failed to create bootstrap admin", slog.Any("error", err))
		return nil, err
	}

	l.Info("bootstrap admin created", slog.String("subject_id", subject.ID), slog.String("username", subject.Username))
	return &BootstrapResult{Subject: subject, Password: generated}, nil
}

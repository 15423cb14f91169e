package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/pkg/idx"
)

var ErrInvalidSubject = errors.New("invalid_subject")

// SubjectService manages the accounts that can log in.
type SubjectService struct {
	Store  store.Store
	Hasher PasswordHasher
	Now    func() time.Time
}

// CreateSubject hashes password and stores a new subject.
func (s *SubjectService) CreateSubject(
	ctx context.Context,
	username, password string,
	role domain.Role,
) (domain.Subject, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" || !role.Valid() {
		return domain.Subject{}, ErrInvalidSubject
	}

	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return domain.Subject{}, fmt.Errorf("hash password: %w", err)
	}

	now := clock(s.Now).now()
	subject := domain.Subject{
		ID:           idx.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.Subjects().CreateSubject(ctx, subject); err != nil {
		return domain.Subject{}, err
	}
	return subject, nil
}

// GetSubjectByID fetches a subject by id.
func (s *SubjectService) GetSubjectByID(ctx context.Context, id string) (domain.Subject, error) {
	return s.Store.Subjects().GetSubjectByID(ctx, id)
}

// SetPassword replaces the subject's password hash.
func (s *SubjectService) SetPassword(ctx context.Context, id, password string) error {
	if password == "" {
		return ErrInvalidSubject
	}
	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.Store.Subjects().UpdatePasswordHash(ctx, id, hash)
}

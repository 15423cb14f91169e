package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
)

func TestSubjectService(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	s, err := f.subjects.CreateSubject(f.ctx, "  alice ", "correct horse", domain.RoleUser)
	require.NoError(t, err)
	require.Equal(t, "alice", s.Username)
	require.NotEqual(t, "correct horse", s.PasswordHash)
	require.NoError(t, f.hasher.Verify("correct horse", s.PasswordHash))

	_, err = f.subjects.CreateSubject(f.ctx, "alice", "other", domain.RoleUser)
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	for _, tc := range []struct {
		name, username, password string
		role                     domain.Role
	}{
		{"empty username", " ", "pw", domain.RoleUser},
		{"empty password", "bob", "", domain.RoleUser},
		{"unknown role", "bob", "pw", domain.Role(0)},
	} {
		_, err := f.subjects.CreateSubject(f.ctx, tc.username, tc.password, tc.role)
		require.ErrorIs(t, err, ErrInvalidSubject, tc.name)
	}

	require.NoError(t, f.subjects.SetPassword(f.ctx, s.ID, "battery staple"))
	got, err := f.subjects.GetSubjectByID(f.ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, f.hasher.Verify("battery staple", got.PasswordHash))
	require.ErrorIs(t, f.subjects.SetPassword(f.ctx, s.ID, ""), ErrInvalidSubject)

	_, err = login(f, "alice", "battery staple", "192.0.2.20")
	require.NoError(t, err)
}

func TestBootstrapService_EnsureAdmin(t *testing.T) {
	t.Parallel()

	t.Run("generates a password for an empty store", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		svc := &BootstrapService{Subjects: f.subjects}

		res, err := svc.EnsureAdmin(f.ctx, "admin", "")
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Equal(t, domain.RoleAdmin, res.Subject.Role)
		require.NotEmpty(t, res.Password)

		_, err = login(f, "admin", res.Password, "192.0.2.21")
		require.NoError(t, err)

		again, err := svc.EnsureAdmin(f.ctx, "admin", "")
		require.NoError(t, err)
		require.Nil(t, again)
	})

	t.Run("keeps a configured password", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		svc := &BootstrapService{Subjects: f.subjects}

		res, err := svc.EnsureAdmin(f.ctx, "root", "configured-secret")
		require.NoError(t, err)
		require.Empty(t, res.Password)
		require.NoError(t, f.hasher.Verify("configured-secret", res.Subject.PasswordHash))
	})

	t.Run("skips a populated store", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.createSubject(t, "alice", "correct horse", domain.RoleUser)
		svc := &BootstrapService{Subjects: f.subjects}

		res, err := svc.EnsureAdmin(f.ctx, "admin", "")
		require.NoError(t, err)
		require.Nil(t, res)
	})
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
)

func newMock(t *testing.T) (store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return FromDB(db), mock
}

func TestRevokeRefreshHandleUsesNumberedPlaceholders(t *testing.T) {
	st, mock := newMock(t)
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec(`UPDATE refresh_handles\s+SET revoked = 1, revoke_reason = \$1, revoked_at = \$2\s+WHERE id = \$3 AND revoked = 0`).
		WithArgs(domain.RevokeReasonRotated, at.UnixNano(), "h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE refresh_handles`).
		WithArgs(domain.RevokeReasonRotated, at.UnixNano(), "h1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := st.RefreshHandles().RevokeRefreshHandle(context.Background(), "h1", domain.RevokeReasonRotated, at)
	require.NoError(t, err)
	require.True(t, won)

	won, err = st.RefreshHandles().RevokeRefreshHandle(context.Background(), "h1", domain.RevokeReasonRotated, at)
	require.NoError(t, err)
	require.False(t, won)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubjectByUsername(t *testing.T) {
	st, mock := newMock(t)
	created := time.Unix(1700000000, 0).UTC()
	locked := created.Add(30 * time.Minute)

	rows := sqlmock.NewRows([]string{"id", "username", "password_hash", "role", "locked_until", "created_at", "updated_at"}).
		AddRow("s1", "alice", "hash", "user", locked.UnixNano(), created.UnixNano(), created.UnixNano())
	mock.ExpectQuery(`SELECT .* FROM subjects WHERE username = \$1`).WithArgs("alice").WillReturnRows(rows)
	mock.ExpectQuery(`SELECT .* FROM subjects WHERE username = \$1`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	s, err := st.Subjects().GetSubjectByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "s1", s.ID)
	require.Equal(t, domain.RoleUser, s.Role)
	require.NotNil(t, s.LockedUntil)
	require.True(t, s.LockedUntil.Equal(locked))

	_, err = st.Subjects().GetSubjectByUsername(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubjectUniqueViolation(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO subjects`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, Message: "duplicate key value"})

	err := st.Subjects().CreateSubject(context.Background(), domain.Subject{
		ID: "s1", Username: "alice", PasswordHash: "hash", Role: domain.RoleAdmin,
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	st, mock := newMock(t)
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE signing_keys SET retired_at = \$1 WHERE retired_at IS NULL`).
		WithArgs(at.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO signing_keys`).
		WithArgs("id2", "k2", "RS256", []byte("sealed"), at.UnixNano(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE signing_keys`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO signing_keys`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	rotate := func() error {
		return st.WithTx(context.Background(), func(tx store.Tx) error {
			if _, err := tx.SigningKeys().RetireActiveSigningKeys(context.Background(), at); err != nil {
				return err
			}
			return tx.SigningKeys().CreateSigningKey(context.Background(), domain.SigningKey{
				ID: "id2", Kid: "k2", Algorithm: "RS256", PrivateKeyEncrypted: []byte("sealed"), CreatedAt: at,
			})
		})
	}

	require.NoError(t, rotate())
	require.ErrorIs(t, rotate(), store.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMigrations(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return nil
	}
	require.NoError(t, ApplyMigrations(context.Background(), db))

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	require.EqualError(t, FromDB(db).ApplyMigrations(context.Background()), "boom")
}

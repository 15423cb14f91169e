package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
)

type subjectsRepo struct {
	c conn
}

const subjectColumns = `id, username, password_hash, role, locked_until, created_at, updated_at`

func (r *subjectsRepo) GetSubjectByID(ctx context.Context, id string) (domain.Subject, error) {
	row := r.c.queryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)
	return r.scan(row)
}

func (r *subjectsRepo) GetSubjectByUsername(ctx context.Context, username string) (domain.Subject, error) {
	row := r.c.queryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE username = ?`, username)
	return r.scan(row)
}

func (r *subjectsRepo) CreateSubject(ctx context.Context, s domain.Subject) error {
	if !s.Role.Valid() {
		return domain.ErrUnknownRole
	}
	_, err := r.c.exec(ctx, `
		INSERT INTO subjects (id, username, password_hash, role, locked_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Username, s.PasswordHash, s.Role.String(), toNullNanos(s.LockedUntil),
		toNanos(s.CreatedAt), toNanos(s.UpdatedAt),
	)
	return err
}

func (r *subjectsRepo) UpdatePasswordHash(ctx context.Context, id, newHash string) error {
	res, err := r.c.exec(ctx,
		`UPDATE subjects SET password_hash = ?, updated_at = ? WHERE id = ?`,
		newHash, toNanos(time.Now()), id,
	)
	return requireRow(res, err)
}

func (r *subjectsRepo) SetLockedUntil(ctx context.Context, id string, until *time.Time) error {
	res, err := r.c.exec(ctx,
		`UPDATE subjects SET locked_until = ?, updated_at = ? WHERE id = ?`,
		toNullNanos(until), toNanos(time.Now()), id,
	)
	return requireRow(res, err)
}

func (r *subjectsRepo) IsEmpty(ctx context.Context) (bool, error) {
	var n int64
	if err := r.c.queryRow(ctx, `SELECT COUNT(*) FROM subjects`).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

func (r *subjectsRepo) scan(row *sql.Row) (domain.Subject, error) {
	var (
		s           domain.Subject
		role        string
		lockedUntil sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&s.ID, &s.Username, &s.PasswordHash, &role, &lockedUntil, &createdAt, &updatedAt)
	if err != nil {
		return domain.Subject{}, r.c.d.mapError(err)
	}
	s.Role, err = domain.ParseRole(role)
	if err != nil {
		return domain.Subject{}, fmt.Errorf("subject %s: %w", s.ID, err)
	}
	s.LockedUntil = fromNullNanos(lockedUntil)
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updatedAt)
	return s, nil
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
)

type refreshHandlesRepo struct {
	c conn
}

const refreshHandleColumns = `id, subject_id, session_id, token_hash, device_fingerprint, user_agent, origin,
	expires_at, revoked, revoke_reason, revoked_at, created_at`

func (r *refreshHandlesRepo) CreateRefreshHandle(ctx context.Context, h domain.RefreshHandle) error {
	_, err := r.c.exec(ctx, `
		INSERT INTO refresh_handles (`+refreshHandleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SubjectID, h.SessionID, h.TokenHash, h.DeviceFingerprint, h.UserAgent, h.Origin,
		toNanos(h.ExpiresAt), boolToInt(h.Revoked), h.RevokeReason, toNullNanos(h.RevokedAt), toNanos(h.CreatedAt),
	)
	return err
}

func (r *refreshHandlesRepo) GetRefreshHandleByHash(ctx context.Context, hash string) (domain.RefreshHandle, error) {
	row := r.c.queryRow(ctx, `SELECT `+refreshHandleColumns+` FROM refresh_handles WHERE token_hash = ?`, hash)
	h, err := scanRefreshHandle(row)
	if err != nil {
		return domain.RefreshHandle{}, r.c.d.mapError(err)
	}
	return h, nil
}

func (r *refreshHandlesRepo) RevokeRefreshHandle(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := r.c.exec(ctx, `
		UPDATE refresh_handles
		SET revoked = 1, revoke_reason = ?, revoked_at = ?
		WHERE id = ? AND revoked = 0`,
		reason, toNanos(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *refreshHandlesRepo) ListActiveRefreshHandles(
	ctx context.Context,
	subjectID string,
	now time.Time,
) ([]domain.RefreshHandle, error) {
	rows, err := r.c.query(ctx, `
		SELECT `+refreshHandleColumns+`
		FROM refresh_handles
		WHERE subject_id = ? AND revoked = 0 AND expires_at > ?
		ORDER BY created_at ASC, id ASC`,
		subjectID, toNanos(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RefreshHandle
	for rows.Next() {
		h, err := scanRefreshHandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *refreshHandlesRepo) RevokeAllRefreshHandles(
	ctx context.Context,
	subjectID, reason string,
	at time.Time,
) (int64, error) {
	res, err := r.c.exec(ctx, `
		UPDATE refresh_handles
		SET revoked = 1, revoke_reason = ?, revoked_at = ?
		WHERE subject_id = ? AND revoked = 0`,
		reason, toNanos(at), subjectID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *refreshHandlesRepo) DeleteStaleRefreshHandles(ctx context.Context, cutoff time.Time) (int64, error) {
	c := toNanos(cutoff)
	res, err := r.c.exec(ctx, `
		DELETE FROM refresh_handles
		WHERE expires_at < ? OR (revoked = 1 AND revoked_at < ?)`,
		c, c,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRefreshHandle(s scanner) (domain.RefreshHandle, error) {
	var (
		h         domain.RefreshHandle
		expiresAt int64
		revoked   int64
		revokedAt sql.NullInt64
		createdAt int64
	)
	if err := s.Scan(
		&h.ID, &h.SubjectID, &h.SessionID, &h.TokenHash, &h.DeviceFingerprint, &h.UserAgent, &h.Origin,
		&expiresAt, &revoked, &h.RevokeReason, &revokedAt, &createdAt,
	); err != nil {
		return domain.RefreshHandle{}, err
	}
	h.ExpiresAt = fromNanos(expiresAt)
	h.Revoked = revoked != 0
	h.RevokedAt = fromNullNanos(revokedAt)
	h.CreatedAt = fromNanos(createdAt)
	return h, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

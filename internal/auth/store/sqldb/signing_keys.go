package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
)

type signingKeysRepo struct {
	c conn
}

func (r *signingKeysRepo) CreateSigningKey(ctx context.Context, key domain.SigningKey) error {
	_, err := r.c.exec(ctx, `
		INSERT INTO signing_keys (id, kid, algorithm, private_key_encrypted, created_at, retired_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.Kid, key.Algorithm, key.PrivateKeyEncrypted, toNanos(key.CreatedAt), toNullNanos(key.RetiredAt),
	)
	return err
}

func (r *signingKeysRepo) ListSigningKeys(ctx context.Context) ([]domain.SigningKey, error) {
	rows, err := r.c.query(ctx, `
		SELECT id, kid, algorithm, private_key_encrypted, created_at, retired_at
		FROM signing_keys
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		var (
			k         domain.SigningKey
			createdAt int64
			retiredAt sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.Kid, &k.Algorithm, &k.PrivateKeyEncrypted, &createdAt, &retiredAt); err != nil {
			return nil, err
		}
		k.CreatedAt = fromNanos(createdAt)
		k.RetiredAt = fromNullNanos(retiredAt)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *signingKeysRepo) RetireActiveSigningKeys(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.c.exec(ctx,
		`UPDATE signing_keys SET retired_at = ? WHERE retired_at IS NULL`,
		toNanos(at),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *signingKeysRepo) DeleteRetiredSigningKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.c.exec(ctx,
		`DELETE FROM signing_keys WHERE retired_at IS NOT NULL AND retired_at < ?`,
		toNanos(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// KeyStoreAdapter adapts the store.Store interface to the jwtx.KeyStore
// interface so jwtx never depends on domain or store types.
type KeyStoreAdapter struct {
	store Store
}

var _ jwtx.KeyStore = (*KeyStoreAdapter)(nil)

func NewKeyStoreAdapter(store Store) *KeyStoreAdapter {
	return &KeyStoreAdapter{store: store}
}

func (a *KeyStoreAdapter) LoadSigningKeys(ctx context.Context) ([]jwtx.SigningKeyRecord, error) {
	keys, err := a.store.SigningKeys().ListSigningKeys(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]jwtx.SigningKeyRecord, len(keys))
	for i, key := range keys {
		records[i] = jwtx.SigningKeyRecord{
			ID:                  key.ID,
			Kid:                 key.Kid,
			Algorithm:           key.Algorithm,
			PrivateKeyEncrypted: key.PrivateKeyEncrypted,
			CreatedAt:           key.CreatedAt,
			RetiredAt:           key.RetiredAt,
		}
	}
	return records, nil
}

// SaveRotation retires whatever the store holds as active, which may be a
// key another instance created, and inserts next in the same transaction.
func (a *KeyStoreAdapter) SaveRotation(
	ctx context.Context,
	next jwtx.SigningKeyRecord,
	retiredAt time.Time,
) error {
	return a.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.SigningKeys().RetireActiveSigningKeys(ctx, retiredAt); err != nil {
			return err
		}
		return tx.SigningKeys().CreateSigningKey(ctx, domain.SigningKey{
			ID:                  next.ID,
			Kid:                 next.Kid,
			Algorithm:           next.Algorithm,
			PrivateKeyEncrypted: next.PrivateKeyEncrypted,
			CreatedAt:           next.CreatedAt,
			RetiredAt:           next.RetiredAt,
		})
	})
}

func (a *KeyStoreAdapter) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return a.store.SigningKeys().DeleteRetiredSigningKeys(ctx, cutoff)
}

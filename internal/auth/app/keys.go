package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/pkg/cryptox"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// InitKeyRing builds the signing key ring for the configured storage mode.
//
// Storage modes:
//   - "ephemeral": one key is generated on startup and held only in memory.
//     Every outstanding token becomes unverifiable when the process restarts.
//   - "persistent": keys live in the database, private halves sealed with
//     the master key. Tokens survive restarts and retired keys stay
//     published until their retention lapses.
func InitKeyRing(ctx context.Context, cfg Config, db store.Store, logger *slog.Logger) (*jwtx.KeyRing, error) {
	opts := jwtx.KeyRingOptions{
		Algorithm: cfg.Keys.Algorithm,
		RSABits:   cfg.Keys.RSABits,
		Retention: cfg.Keys.Retention,
		AccessTTL: cfg.Tokens.AccessTTL,
	}

	switch cfg.Keys.StorageMode {
	case "persistent":
		material, ephemeral, err := cryptox.LoadMasterKey(cfg.Keys.MasterKeyPath, cfg.Keys.MasterKey)
		if err != nil {
			return nil, err
		}
		if ephemeral {
			logger.Warn("no master key configured; persisted signing keys will be unreadable after a restart",
				"hint", "set AUTH_MASTER_KEY_PATH or AUTH_MASTER_KEY",
			)
		}
		sealer, err := cryptox.NewKeyEncryptor(material)
		if err != nil {
			return nil, err
		}

		opts.Store = store.NewKeyStoreAdapter(db)
		opts.Sealer = sealer
		logger.Info("initializing persistent key ring",
			"algorithm", cfg.Keys.Algorithm,
			"retention", cfg.Keys.Retention,
		)

	default:
		logger.Info("initializing ephemeral key ring", "algorithm", cfg.Keys.Algorithm)
		logger.Warn("tokens issued by this instance will not verify after a restart")
	}

	ring, err := jwtx.NewKeyRing(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key ring: %w", err)
	}
	return ring, nil
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
	"github.com/aussiebroadwan/gatekeeper/pkg/redisx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// RevocationLedger denylists access tokens by jti until they would have
// expired anyway.
type RevocationLedger struct {
	Redis     redis.UniversalClient
	Keys      redisx.Keyspace
	OpTimeout time.Duration
	Metrics   *obs.Metrics
	Now       func() time.Time
}

// Deny records the token's jti. Tokens without a usable jti or exp are
// ignored. The signature is not checked.
func (l *RevocationLedger) Deny(ctx context.Context, accessToken string) error {
	claims, err := jwtx.ParseUnverified(accessToken)
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}

	ttl := claims.ExpiresAt.Time.Sub(clock(l.Now).now())
	if ttl < time.Second {
		ttl = time.Second
	}

	opCtx, cancel := redisx.WithOpTimeout(ctx, l.OpTimeout)
	defer cancel()
	if err := l.Redis.Set(opCtx, l.Keys.Deny(claims.ID), 1, ttl).Err(); err != nil {
		l.Metrics.FailOpen("ledger", "deny")
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	l.Metrics.Denied()
	return nil
}

// IsDenied reports whether jti was denylisted. An unreachable fast store
// reads as not denied.
func (l *RevocationLedger) IsDenied(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}

	opCtx, cancel := redisx.WithOpTimeout(ctx, l.OpTimeout)
	defer cancel()
	n, err := l.Redis.Exists(opCtx, l.Keys.Deny(jti)).Result()
	if err != nil {
		l.Metrics.FailOpen("ledger", "exists")
		slogx.FromContext(ctx).Warn("denylist check failed open", slog.Any("error", err))
		return false
	}
	return n > 0
}

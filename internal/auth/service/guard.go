package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/audit"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/domain"
	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/redisx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// Attempt guard defaults.
const (
	DefaultMaxPrincipalFailures = 5
	DefaultMaxOriginFailures    = 20
	DefaultAttemptWindow        = 15 * time.Minute
	DefaultLockDuration         = 30 * time.Minute
)

type AttemptGuardConfig struct {
	// MaxPrincipalFailures locks a principal once reached.
	MaxPrincipalFailures int

	// MaxOriginFailures blocks an origin once exceeded.
	MaxOriginFailures int

	// AttemptWindow is the lifetime of a failure counter, set on its first hit.
	AttemptWindow time.Duration

	LockDuration time.Duration
}

func (c AttemptGuardConfig) withDefaults() AttemptGuardConfig {
	if c.MaxPrincipalFailures <= 0 {
		c.MaxPrincipalFailures = DefaultMaxPrincipalFailures
	}
	if c.MaxOriginFailures <= 0 {
		c.MaxOriginFailures = DefaultMaxOriginFailures
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	return c
}

// AttemptGuard counts failed authentications per principal and per origin
// and locks principals that cross the threshold. Counters and the fast lock
// flag live in Redis; the durable lock lives on the subject row.
//
// Redis failures never lock anyone out: they are logged, counted and read
// as "nothing recorded", leaving only the durable checks.
type AttemptGuard struct {
	Redis     redis.UniversalClient
	Keys      redisx.Keyspace
	Store     store.Store
	Audit     audit.Sink
	Metrics   *obs.Metrics
	Config    AttemptGuardConfig
	OpTimeout time.Duration
	Now       func() time.Time
}

// EnsureNotLocked refuses principals under a fast or durable lock. Exempt
// roles always pass. A durable lock that has lapsed is cleared.
func (g *AttemptGuard) EnsureNotLocked(ctx context.Context, principal string) error {
	l := slogx.FromContext(ctx)
	now := clock(g.Now).now()

	subject, err := g.Store.Subjects().GetSubjectByUsername(ctx, principal)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if found && subject.Role.IsExempt() {
		return nil
	}

	if g.fastLocked(ctx, principal) {
		return &LockoutError{Scope: LockoutPrincipal}
	}

	if found && subject.LockedUntil != nil {
		if subject.IsLocked(now) {
			return &LockoutError{Scope: LockoutPrincipal, Until: *subject.LockedUntil}
		}
		if err := g.Store.Subjects().SetLockedUntil(ctx, subject.ID, nil); err != nil {
			l.Error("failed to clear lapsed lock", slog.String("subject_id", subject.ID), slog.Any("error", err))
		}
	}
	return nil
}

// OriginBlocked refuses origins whose failure count exceeds the origin
// threshold.
func (g *AttemptGuard) OriginBlocked(ctx context.Context, origin string) error {
	if origin == "" {
		return nil
	}
	cfg := g.Config.withDefaults()

	opCtx, cancel := redisx.WithOpTimeout(ctx, g.OpTimeout)
	defer cancel()
	n, err := g.Redis.Get(opCtx, g.Keys.OriginAttempts(origin)).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.failOpen(ctx, "get", err)
		}
		return nil
	}
	if n > int64(cfg.MaxOriginFailures) {
		return &LockoutError{Scope: LockoutOrigin}
	}
	return nil
}

// OnFailure records a failed attempt. subject is nil for unknown principals.
// It returns a *LockoutError when this failure trips the origin or
// principal threshold.
func (g *AttemptGuard) OnFailure(ctx context.Context, principal, origin string, subject *domain.Subject) error {
	l := slogx.FromContext(ctx)
	cfg := g.Config.withDefaults()
	em := audit.Emitter{Sink: g.Audit, Now: g.Now}
	now := clock(g.Now).now()

	var originCount, principalCount int64
	if origin != "" {
		originCount = g.incr(ctx, g.Keys.OriginAttempts(origin), cfg.AttemptWindow)
	}
	if principal != "" {
		principalCount = g.incr(ctx, g.Keys.PrincipalAttempts(principal), cfg.AttemptWindow)
	}

	if originCount > int64(cfg.MaxOriginFailures) {
		g.Metrics.Lockout(string(LockoutOrigin))
		l.Warn("origin blocked after repeated failures", slog.String("origin", origin), slog.Int64("failures", originCount))
		em.Emit(ctx, audit.Event{
			Type:      audit.OriginBlocked,
			Principal: principal,
			Origin:    origin,
			Reason:    "origin failure threshold exceeded",
		})
		return &LockoutError{Scope: LockoutOrigin}
	}

	exempt := subject != nil && subject.Role.IsExempt()
	if exempt || principalCount < int64(cfg.MaxPrincipalFailures) {
		return nil
	}

	until := now.Add(cfg.LockDuration)
	opCtx, cancel := redisx.WithOpTimeout(ctx, g.OpTimeout)
	err := g.Redis.Set(opCtx, g.Keys.Lock(principal), 1, cfg.LockDuration).Err()
	cancel()
	if err != nil {
		g.failOpen(ctx, "lock", err)
	}

	ev := audit.Event{
		Type:      audit.AccountLocked,
		Principal: principal,
		Origin:    origin,
		Reason:    "principal failure threshold reached",
		Metadata:  map[string]string{"locked_until": until.Format(time.RFC3339)},
	}
	if subject != nil {
		ev.SubjectID = subject.ID
		if err := g.Store.Subjects().SetLockedUntil(ctx, subject.ID, &until); err != nil {
			l.Error("failed to persist lock", slog.String("subject_id", subject.ID), slog.Any("error", err))
		}
	}

	g.Metrics.Lockout(string(LockoutPrincipal))
	l.Warn("principal locked after repeated failures", slog.String("principal", principal), slog.Time("until", until))
	em.Emit(ctx, ev)
	return &LockoutError{Scope: LockoutPrincipal, Until: until}
}

// OnSuccess clears both counters and both lock representations.
func (g *AttemptGuard) OnSuccess(ctx context.Context, principal, origin string, subject *domain.Subject) {
	opCtx, cancel := redisx.WithOpTimeout(ctx, g.OpTimeout)
	defer cancel()

	// One DEL per key: the keys may hash to different cluster slots.
	_, err := g.Redis.Pipelined(opCtx, func(p redis.Pipeliner) error {
		if principal != "" {
			p.Del(opCtx, g.Keys.PrincipalAttempts(principal))
			p.Del(opCtx, g.Keys.Lock(principal))
		}
		if origin != "" {
			p.Del(opCtx, g.Keys.OriginAttempts(origin))
		}
		return nil
	})
	if err != nil {
		g.failOpen(ctx, "reset", err)
	}

	// The caller's copy of subject may predate the lock, so clear regardless.
	if subject != nil {
		if err := g.Store.Subjects().SetLockedUntil(ctx, subject.ID, nil); err != nil {
			slogx.FromContext(ctx).Error("failed to clear lock", slog.String("subject_id", subject.ID), slog.Any("error", err))
		}
	}
}

// fastLocked reports the Redis lock flag; failures read as unlocked.
func (g *AttemptGuard) fastLocked(ctx context.Context, principal string) bool {
	opCtx, cancel := redisx.WithOpTimeout(ctx, g.OpTimeout)
	defer cancel()
	n, err := g.Redis.Exists(opCtx, g.Keys.Lock(principal)).Result()
	if err != nil {
		g.failOpen(ctx, "exists", err)
		return false
	}
	return n > 0
}

// incr bumps a counter, starting its window on the first hit. Failures
// read as zero.
func (g *AttemptGuard) incr(ctx context.Context, key string, window time.Duration) int64 {
	opCtx, cancel := redisx.WithOpTimeout(ctx, g.OpTimeout)
	defer cancel()

	n, err := g.Redis.Incr(opCtx, key).Result()
	if err != nil {
		g.failOpen(ctx, "incr", err)
		return 0
	}
	if n == 1 {
		if err := g.Redis.Expire(opCtx, key, window).Err(); err != nil {
			g.failOpen(ctx, "expire", err)
		}
	}
	return n
}

func (g *AttemptGuard) failOpen(ctx context.Context, op string, err error) {
	g.Metrics.FailOpen("guard", op)
	slogx.FromContext(ctx).Warn("attempt guard failed open", slog.String("op", op), slog.Any("error", err))
}

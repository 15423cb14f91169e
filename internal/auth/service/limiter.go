package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/redisx"
	"github.com/aussiebroadwan/gatekeeper/pkg/slogx"
)

// windowTTLBuffer keeps a window key alive slightly past its last entry.
const windowTTLBuffer = time.Second

// KEYS[1] window set
// ARGV[1] exclusive prune bound "(<ms>"
// ARGV[2] limit
// ARGV[3] score (now, ms)
// ARGV[4] member
// ARGV[5] ttl ms
const slidingWindowScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`

var slidingWindowLua = redis.NewScript(slidingWindowScript)

// WindowLimiter is a sliding-window rate limiter over Redis sorted sets.
// Prune, count and add run in one script, so the window is exact per key.
type WindowLimiter struct {
	Redis     redis.UniversalClient
	Keys      redisx.Keyspace
	OpTimeout time.Duration
	Metrics   *obs.Metrics
	Now       func() time.Time
}

// Check admits one request for key or returns ErrRateLimited when
// maxRequests were already admitted within window. A non-positive limit or
// window disables limiting. An unreachable fast store admits the request.
func (l *WindowLimiter) Check(ctx context.Context, key string, maxRequests int, window time.Duration) error {
	if key == "" || maxRequests <= 0 || window <= 0 {
		return nil
	}

	now := clock(l.Now).now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	opCtx, cancel := redisx.WithOpTimeout(ctx, l.OpTimeout)
	defer cancel()
	admitted, err := slidingWindowLua.Run(opCtx, l.Redis,
		[]string{l.Keys.Window(key)},
		"("+strconv.FormatInt(nowMs-window.Milliseconds(), 10),
		maxRequests,
		nowMs,
		member,
		(window + windowTTLBuffer).Milliseconds(),
	).Int()
	if err != nil {
		l.Metrics.FailOpen("limiter", "check")
		slogx.FromContext(ctx).Warn("rate limiter failed open",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return nil
	}
	if admitted == 0 {
		l.Metrics.RateLimited()
		return ErrRateLimited
	}
	return nil
}

// Reset clears a window. Errors are only logged.
func (l *WindowLimiter) Reset(ctx context.Context, key string) {
	if key == "" {
		return
	}
	opCtx, cancel := redisx.WithOpTimeout(ctx, l.OpTimeout)
	defer cancel()
	if err := l.Redis.Del(opCtx, l.Keys.Window(key)).Err(); err != nil {
		slogx.FromContext(ctx).Debug("rate limiter reset failed", slog.String("key", key), slog.Any("error", err))
	}
}

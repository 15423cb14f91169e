package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindowLimiter_Check(t *testing.T) {
	t.Parallel()

	t.Run("admits up to the limit", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, f.limiter.Check(f.ctx, "k", 3, time.Minute))
		}
		require.ErrorIs(t, f.limiter.Check(f.ctx, "k", 3, time.Minute), ErrRateLimited)
		require.NoError(t, f.limiter.Check(f.ctx, "other", 3, time.Minute))

		ttl := f.mr.TTL("gk-test:rl:k")
		require.Greater(t, ttl, time.Minute)
		require.LessOrEqual(t, ttl, time.Minute+windowTTLBuffer)
	})

	t.Run("window slides", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.limiter.Check(f.ctx, "k", 3, time.Minute))
		require.NoError(t, f.limiter.Check(f.ctx, "k", 3, time.Minute))
		f.clock.Advance(30 * time.Second)
		require.NoError(t, f.limiter.Check(f.ctx, "k", 3, time.Minute))
		require.ErrorIs(t, f.limiter.Check(f.ctx, "k", 3, time.Minute), ErrRateLimited)

		// The first two entries leave the window, the third stays.
		f.clock.Advance(31 * time.Second)
		require.NoError(t, f.limiter.Check(f.ctx, "k", 3, time.Minute))
		require.NoError(t, f.limiter.Check(f.ctx, "k", 3, time.Minute))
		require.ErrorIs(t, f.limiter.Check(f.ctx, "k", 3, time.Minute), ErrRateLimited)
	})

	t.Run("rejected requests are not counted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.limiter.Check(f.ctx, "k", 1, time.Minute))
		for i := 0; i < 5; i++ {
			require.ErrorIs(t, f.limiter.Check(f.ctx, "k", 1, time.Minute), ErrRateLimited)
		}
		members, err := f.mr.ZMembers("gk-test:rl:k")
		require.NoError(t, err)
		require.Len(t, members, 1)
	})

	t.Run("reset clears the window", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		require.NoError(t, f.limiter.Check(f.ctx, "k", 1, time.Minute))
		require.ErrorIs(t, f.limiter.Check(f.ctx, "k", 1, time.Minute), ErrRateLimited)
		f.limiter.Reset(f.ctx, "k")
		require.NoError(t, f.limiter.Check(f.ctx, "k", 1, time.Minute))
	})

	t.Run("non-positive limits disable limiting", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		for i := 0; i < 10; i++ {
			require.NoError(t, f.limiter.Check(f.ctx, "k", 0, time.Minute))
			require.NoError(t, f.limiter.Check(f.ctx, "k", 1, 0))
		}
		require.False(t, f.mr.Exists("gk-test:rl:k"))
	})

	t.Run("fails open", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.mr.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, f.limiter.Check(f.ctx, "k", 1, time.Minute))
		}
	})
}

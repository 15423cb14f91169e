package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/store"
	"github.com/aussiebroadwan/gatekeeper/internal/obs"
	"github.com/aussiebroadwan/gatekeeper/pkg/jwtx"
)

// DefaultHandleGrace keeps revoked and expired handles around long enough for
// replays of them to be reported as replays.
const DefaultHandleGrace = 24 * time.Hour

// HousekeepingService periodically deletes stale refresh handles, prunes
// retired signing keys and performs scheduled key rotation.
type HousekeepingService struct {
	Store    store.Store
	Keys     *jwtx.KeyRing
	Rotation *KeyRotationService
	Metrics  *obs.Metrics
	Logger   *slog.Logger
	Interval time.Duration

	// HandleGrace is how long revoked or expired handles are retained.
	HandleGrace time.Duration
	Now         func() time.Time

	// Internal channels for lifecycle management
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(st store.Store, keys *jwtx.KeyRing, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HousekeepingService{
		Store:       st,
		Keys:        keys,
		Logger:      logger,
		Interval:    interval,
		HandleGrace: DefaultHandleGrace,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs cleanup.
// Call Stop() to gracefully shutdown the worker.
func (s *HousekeepingService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker.
// Blocks until the worker has finished any in-progress cleanup. Repeated
// calls, and calls without Start, return immediately.
func (s *HousekeepingService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if !s.started.Load() {
			return
		}
		<-s.doneCh
		s.Logger.Info("housekeeping service stopped")
	})
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce performs one cleanup pass. Each step is independent; a failure in
// one does not stop the others.
func (s *HousekeepingService) RunOnce(ctx context.Context) {
	now := clock(s.Now).now()
	grace := s.HandleGrace
	if grace <= 0 {
		grace = DefaultHandleGrace
	}

	if s.Store != nil {
		n, err := s.Store.RefreshHandles().DeleteStaleRefreshHandles(ctx, now.Add(-grace))
		if err != nil {
			s.Logger.Error("failed to delete stale refresh handles", "error", err)
		} else {
			s.Metrics.HousekeepingRemoved("refresh_handles", n)
			s.Logger.Debug("deleted stale refresh handles", "count", n)
		}
	}

	if s.Keys != nil {
		// Other instances sharing the store may have rotated.
		if err := s.Keys.Reload(ctx); err != nil {
			s.Logger.Error("failed to reload signing keys", "error", err)
		}

		n, err := s.Keys.Prune(ctx)
		if err != nil {
			s.Logger.Error("failed to prune retired signing keys", "error", err)
		} else {
			s.Metrics.HousekeepingRemoved("signing_keys", int64(n))
			s.Logger.Debug("pruned retired signing keys", "count", n)
		}
	}

	if s.Rotation != nil {
		if rotated, err := s.Rotation.RotateIfDue(ctx); err != nil {
			s.Logger.Error("scheduled key rotation failed", "error", err)
		} else if rotated {
			s.Logger.Info("scheduled key rotation completed")
		}
	}
}

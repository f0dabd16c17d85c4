package main

import (
	"context"
	"log/slog"
	"time"
)

const (
	postRetentionHours = 48
	activeUserDays     = 7
)

// runPostRetention deletes posts older than the retention window once an
// hour. Errors are logged and the next tick proceeds.
func (s *Server) runPostRetention(ctx context.Context) {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			deleted, err := s.store.CleanupOldPosts(ctx, postRetentionHours)
			if err != nil {
				slog.Warn("failed to cleanup old posts", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("cleaned up old posts", "deleted", deleted, "hours", postRetentionHours)
			}
		}
	}
}

// runFollowReconciler periodically re-checks the follow sets of recently
// active users against the appview and prunes everything else.
func (s *Server) runFollowReconciler(ctx context.Context) {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.reconcileActiveUsers(ctx); err != nil {
				slog.Warn("follow reconciliation failed", "error", err)
			}
			if err := s.cleanupInactiveFollows(ctx); err != nil {
				slog.Warn("inactive follow cleanup failed", "error", err)
			}
		}
	}
}

func (s *Server) reconcileActiveUsers(ctx context.Context) error {
	active, err := s.store.GetActiveUsers(ctx, activeUserDays)
	if err != nil {
		return err
	}

	slog.Info("reconciling follows for active users", "count", len(active))

	for _, did := range active {
		if err := s.reconcileUser(ctx, did); err != nil {
			slog.Warn("failed to reconcile follows", "did", did, "error", err)
			continue
		}

		if err := s.store.UpdateFollowSync(ctx, did); err != nil {
			slog.Warn("failed to stamp follow sync", "did", did, "error", err)
		}
	}

	return nil
}

func (s *Server) reconcileUser(ctx context.Context, did string) error {
	targets, err := s.backfiller.CurrentFollowTargets(ctx, did)
	if err != nil {
		return err
	}

	return s.store.SyncFollowsForUser(ctx, did, targets)
}

// cleanupInactiveFollows drops the follow sets of users who haven't requested
// the feed within the active window. Their next request backfills from
// scratch.
func (s *Server) cleanupInactiveFollows(ctx context.Context) error {
	followers, err := s.store.DistinctFollowers(ctx)
	if err != nil {
		return err
	}

	active, err := s.store.GetActiveUsers(ctx, activeUserDays)
	if err != nil {
		return err
	}

	activeSet := make(map[string]bool, len(active))
	for _, did := range active {
		activeSet[did] = true
	}

	var deleted int64
	for _, did := range followers {
		if activeSet[did] {
			continue
		}

		n, err := s.store.DeleteFollowsForUser(ctx, did)
		if err != nil {
			slog.Warn("failed to delete follows for inactive user", "did", did, "error", err)
			continue
		}
		deleted += n
	}

	if deleted > 0 {
		slog.Info("cleaned up follows from inactive users", "deleted", deleted)
	}

	return nil
}

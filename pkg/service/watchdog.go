package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

// ExpireStale force-fails every unit that has been in flight longer than maxAge.
// Expired units go through the regular reconciliation path, so they block their
// workflow and are eligible for RetryUnit. It returns the number of units failed.
func (s *WorkflowService) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, errors.New("maximum in-flight age must be positive")
	}
	stale, err := s.store.ListStaleUnits(s.now().Add(-maxAge))
	if err != nil {
		return 0, errors.Wrap(err, "failed to list stale units")
	}
	expired := 0
	for _, su := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		out, err := s.OnNotification(ctx, su.RootID, models.Notification{
			ContinuationRef: su.ContinuationRef,
			Outcome:         models.Failed{Error: fmt.Sprintf("no completion received within %s", maxAge)},
		})
		if err != nil {
			s.logger.Errorf("Failed to expire unit %s of workflow %s: %v", su.StableID, su.RootID, err)
			continue
		}
		if out.Applied {
			expired++
			s.logger.Warnf("Expired unit %s of workflow %s, in flight since %s", su.StableID, su.RootID, su.StartedAt.Format(time.RFC3339))
		}
	}
	return expired, nil
}

// RunWatchdog calls ExpireStale every interval until ctx is cancelled. A
// non-positive interval falls back to DefaultWatchdogInterval.
func (s *WorkflowService) RunWatchdog(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		s.logger.Warnf("Watchdog interval %s is not positive, using %s", interval, DefaultWatchdogInterval)
		interval = DefaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx, maxAge); err != nil && ctx.Err() == nil {
				s.logger.Errorf("Watchdog pass failed: %v", err)
			}
		}
	}
}

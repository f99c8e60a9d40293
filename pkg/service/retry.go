package service

import (
	"context"
	"fmt"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

// RetryUnit re-submits a single FAILED unit. Siblings and successors are left
// untouched. If the submission fails nothing is written. A backend that hands
// back the failed attempt's ref is refused, since late notifications of that
// attempt would then resolve the retry.
func (s *WorkflowService) RetryUnit(ctx context.Context, rootID, stableID string) (DispatchResult, error) {
	var result DispatchResult
	err := s.withRecord(rootID, func(tx storage.Store, rec models.WorkflowRecord) error {
		i := rec.UnitByStableID(stableID)
		if i < 0 {
			return errors.Wrapf(storage.ErrNotFound, "unit %s of workflow %s", stableID, rootID)
		}
		unit := rec.Units[i]
		if unit.Status != models.FailedUnitStatus {
			return errors.WithMessagef(ErrNotRetryable, "unit %s is %s", stableID, unit.Status)
		}

		result = DispatchResult{StableID: unit.StableID, Sequence: unit.Sequence, ParallelGroup: unit.ParallelGroup}
		ref, err := s.submit(ctx, rec, unit)
		if err != nil {
			return errors.WithMessagef(err, "retry of unit %s", stableID)
		}
		if unit.ContinuationRef != nil && ref == *unit.ContinuationRef {
			return errors.WithMessagef(ErrContinuationRefReused, "retry of unit %s got ref %s", stableID, ref)
		}
		result.Dispatched = true
		result.ContinuationRef = ref

		after := rec.Clone()
		u := &after.Units[i]
		now := s.now()
		u.Status = models.InFlightUnitStatus
		u.ContinuationRef = &ref
		u.StartedAt = &now
		u.CompletedAt = nil
		u.ResultSummary = ""
		u.Attempts++
		if len(after.FailedUnits()) == 0 {
			after.Status = models.RunningWorkflowStatus
		}
		if err := s.persist(tx, rec, after); err != nil {
			return err
		}
		if err := tx.SaveLog(models.ExecutionLog{
			RootID:   rootID,
			StableID: stableID,
			Kind:     models.RetryLogKind,
			Status:   string(u.Status),
			Message:  fmt.Sprintf("attempt %d", u.Attempts),
			LoggedAt: now,
		}); err != nil {
			return errors.Wrap(err, "failed to save execution log")
		}
		s.logger.Infof("Retried unit %s of workflow %s (attempt %d)", stableID, rootID, u.Attempts)
		return nil
	})
	if err != nil {
		return DispatchResult{}, err
	}
	return result, nil
}

package service

import (
	"context"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

// Reconciliation reports what a notification did to its workflow.
type Reconciliation struct {
	Applied          bool                  `json:"applied"` // false for duplicates, stale refs and progress payloads
	TriggerNextPhase bool                  `json:"trigger_next_phase"`
	NextPhase        int                   `json:"next_phase,omitempty"`
	Status           models.WorkflowStatus `json:"status"`
}

// OnNotification matches a backend notification to a unit by continuation ref
// within one record and resolves it. Re-deliveries, unknown refs and
// notifications for units that are no longer in flight are no-ops.
func (s *WorkflowService) OnNotification(ctx context.Context, rootID string, n models.Notification) (Reconciliation, error) {
	if n.Outcome == nil {
		return Reconciliation{}, errors.WithMessage(ErrInvalidRequest, "notification without outcome")
	}
	var out Reconciliation
	err := s.withRecord(rootID, func(tx storage.Store, rec models.WorkflowRecord) error {
		out.Status = rec.Status
		i := rec.UnitByContinuationRef(n.ContinuationRef)
		if i < 0 {
			s.logger.Warnf("Discarding notification for workflow %s: no unit bound to continuation ref %s", rootID, n.ContinuationRef)
			return nil
		}
		unit := rec.Units[i]

		if progress, ok := n.Outcome.(models.Intermediate); ok {
			return tx.SaveLog(models.ExecutionLog{
				RootID:   rootID,
				StableID: unit.StableID,
				Kind:     models.ProgressLogKind,
				Status:   string(unit.Status),
				Message:  models.TruncateSummary(progress.Text),
				LoggedAt: s.now(),
			})
		}
		if unit.Status != models.InFlightUnitStatus {
			s.logger.Infof("Discarding duplicate notification for unit %s of workflow %s (status %s)", unit.StableID, rootID, unit.Status)
			return nil
		}

		after := rec.Clone()
		u := &after.Units[i]
		now := s.now()
		u.CompletedAt = &now
		switch o := n.Outcome.(type) {
		case models.Completed:
			u.Status = models.CompletedUnitStatus
			u.ResultSummary = models.TruncateSummary(o.Result)
			after.CompletedUnits++
		case models.Failed:
			u.Status = models.FailedUnitStatus
			u.ResultSummary = models.TruncateSummary(o.Error)
		default:
			return errors.Errorf("unsupported outcome %T", n.Outcome)
		}

		resolvePhase(&after, u.ParallelGroup, &out)
		out.Applied = true
		out.Status = after.Status

		if err := s.persist(tx, rec, after); err != nil {
			return err
		}
		if err := tx.SaveLog(models.ExecutionLog{
			RootID:   rootID,
			StableID: u.StableID,
			Kind:     models.ResolvedLogKind,
			Status:   string(u.Status),
			Message:  u.ResultSummary,
			LoggedAt: now,
		}); err != nil {
			return errors.Wrap(err, "failed to save execution log")
		}
		s.logger.Infof("Unit %s of workflow %s resolved as %s (%d/%d completed, workflow %s)",
			u.StableID, rootID, u.Status, after.CompletedUnits, after.TotalUnits, after.Status)
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	return out, nil
}

// resolvePhase updates the record status once every unit of group is resolved.
func resolvePhase(rec *models.WorkflowRecord, group int, out *Reconciliation) {
	failed := false
	for _, i := range rec.GroupUnits(group) {
		u := rec.Units[i]
		if !u.Resolved() {
			return
		}
		if u.Status == models.FailedUnitStatus {
			failed = true
		}
	}
	if failed {
		rec.Status = models.BlockedWorkflowStatus
		return
	}
	if rec.CompletedUnits == rec.TotalUnits {
		rec.Status = models.DoneWorkflowStatus
		return
	}
	if !rec.IsDecomposedParent {
		return
	}
	if next, ok := GetNextPhase(*rec); ok {
		out.TriggerNextPhase = true
		out.NextPhase = next
	}
}

// HandleNotification reconciles a notification and dispatches the next phase
// when it resolved the current one. Dispatch failures are logged, not returned:
// the notification itself was processed and the phase can be resumed with Advance.
func (s *WorkflowService) HandleNotification(ctx context.Context, rootID string, n models.Notification) (Reconciliation, error) {
	out, err := s.OnNotification(ctx, rootID, n)
	if err != nil || !out.TriggerNextPhase {
		return out, err
	}
	results, err := s.DispatchPhase(ctx, rootID, out.NextPhase)
	if err != nil {
		s.logger.Errorf("Failed to dispatch phase %d of workflow %s: %v", out.NextPhase, rootID, err)
		return out, nil
	}
	for _, r := range results {
		if r.Err != nil {
			s.logger.Warnf("Unit %s of workflow %s left pending: %v", r.StableID, rootID, r.Err)
		}
	}
	if view, err := s.GetWorkflow(ctx, rootID); err == nil {
		out.Status = view.Status
	}
	return out, nil
}

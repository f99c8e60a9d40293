package service

import (
	"reflect"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

// checkStableFields rejects any change to identifiers or DAG shape between two
// versions of the same record. Only continuation refs and status fields may move.
func checkStableFields(before, after models.WorkflowRecord) error {
	if before.RootID != after.RootID {
		return errors.WithMessagef(ErrStableIdentifierMutation, "root id %s changed to %s", before.RootID, after.RootID)
	}
	if before.IsDecomposedParent != after.IsDecomposedParent {
		return errors.WithMessagef(ErrStableIdentifierMutation, "record %s changed its decomposition flag", before.RootID)
	}
	if len(before.Units) != len(after.Units) {
		return errors.WithMessagef(ErrStableIdentifierMutation, "record %s changed from %d to %d units", before.RootID, len(before.Units), len(after.Units))
	}
	for i := range before.Units {
		b, a := before.Units[i], after.Units[i]
		if b.StableID != a.StableID || b.RootID != a.RootID {
			return errors.WithMessagef(ErrStableIdentifierMutation, "unit %s changed its stable id to %s", b.StableID, a.StableID)
		}
		if b.Sequence != a.Sequence || b.ParallelGroup != a.ParallelGroup {
			return errors.WithMessagef(ErrStableIdentifierMutation, "unit %s changed its position in the workflow", b.StableID)
		}
		if !reflect.DeepEqual(b.SuccessorStableID, a.SuccessorStableID) {
			return errors.WithMessagef(ErrStableIdentifierMutation, "unit %s changed its successor", b.StableID)
		}
	}
	return nil
}

// persist is the single write path for an existing record. It validates the
// stable fields and the counters before touching storage, then writes only the
// units that changed. Any write bumps the record's UpdatedAt.
func (s *WorkflowService) persist(tx storage.Store, before, after models.WorkflowRecord) error {
	if err := checkStableFields(before, after); err != nil {
		return err
	}
	if err := after.CheckInvariants(); err != nil {
		return errors.Wrap(ErrInvariantViolation, err.Error())
	}
	changed := before.Status != after.Status || before.CompletedUnits != after.CompletedUnits || before.TotalUnits != after.TotalUnits
	for i := range after.Units {
		if reflect.DeepEqual(before.Units[i], after.Units[i]) {
			continue
		}
		if err := tx.UpdateUnit(after.Units[i]); err != nil {
			return errors.Wrapf(err, "failed to update unit %s", after.Units[i].StableID)
		}
		changed = true
	}
	if changed {
		after.UpdatedAt = s.now()
		if err := tx.UpdateRecord(after); err != nil {
			return errors.Wrapf(err, "failed to update workflow %s", after.RootID)
		}
	}
	return nil
}

package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

// ValidateDecomposition checks that the parallel groups partition the declared
// units exactly once and that phases follow sequence order.
func ValidateDecomposition(dec models.Decomposition) error {
	if len(dec.Units) == 0 {
		return errors.WithMessage(ErrInvalidDecomposition, "no units")
	}
	if len(dec.ParallelGroups) == 0 {
		return errors.WithMessage(ErrInvalidDecomposition, "no parallel groups")
	}

	declared := make(map[int]models.PlannedUnit, len(dec.Units))
	for _, u := range dec.Units {
		if u.Sequence <= 0 {
			return errors.WithMessagef(ErrInvalidDecomposition, "unit %q has non-positive sequence %d", u.Title, u.Sequence)
		}
		if _, dup := declared[u.Sequence]; dup {
			return errors.WithMessagef(ErrInvalidDecomposition, "sequence %d declared twice", u.Sequence)
		}
		if strings.TrimSpace(u.Description) == "" && strings.TrimSpace(u.Title) == "" {
			return errors.WithMessagef(ErrInvalidDecomposition, "unit %d has neither title nor description", u.Sequence)
		}
		declared[u.Sequence] = u
	}

	groupOf := make(map[int]int, len(dec.Units))
	for g, group := range dec.ParallelGroups {
		if len(group) == 0 {
			return errors.WithMessagef(ErrInvalidDecomposition, "parallel group %d is empty", g)
		}
		for _, seq := range group {
			if _, ok := declared[seq]; !ok {
				return errors.WithMessagef(ErrInvalidDecomposition, "parallel group %d references undeclared sequence %d", g, seq)
			}
			if prev, dup := groupOf[seq]; dup {
				return errors.WithMessagef(ErrInvalidDecomposition, "sequence %d appears in groups %d and %d", seq, prev, g)
			}
			groupOf[seq] = g
		}
	}
	if len(dec.ParallelGroups[0]) != 1 {
		return errors.WithMessagef(ErrInvalidDecomposition, "group 0 is sequential and must hold exactly one unit, got %d", len(dec.ParallelGroups[0]))
	}

	for seq, u := range declared {
		g, ok := groupOf[seq]
		if !ok {
			return errors.WithMessagef(ErrInvalidDecomposition, "sequence %d is not in any parallel group", seq)
		}
		if u.ParallelGroup != g {
			return errors.WithMessagef(ErrInvalidDecomposition, "unit %d declares group %d but is listed in group %d", seq, u.ParallelGroup, g)
		}
	}

	// Phases run in ascending group order, so groups must not decrease with sequence.
	ordered := make([]models.PlannedUnit, 0, len(dec.Units))
	ordered = append(ordered, dec.Units...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].ParallelGroup < ordered[i-1].ParallelGroup {
			return errors.WithMessagef(ErrInvalidDecomposition, "sequence %d (group %d) precedes sequence %d (group %d)",
				ordered[i-1].Sequence, ordered[i-1].ParallelGroup, ordered[i].Sequence, ordered[i].ParallelGroup)
		}
	}
	return nil
}

// newWorkflowRecord builds an unsaved record with freshly allocated stable ids.
// Units keep declaration order; successors are linked by sequence.
func newWorkflowRecord(rootID, requestText, reasoning string, planned []models.PlannedUnit, decomposed bool, ts time.Time) models.WorkflowRecord {
	rec := models.WorkflowRecord{
		RootID:             rootID,
		RequestText:        requestText,
		Reasoning:          reasoning,
		IsDecomposedParent: decomposed,
		Status:             models.PendingWorkflowStatus,
		TotalUnits:         len(planned),
		CreatedAt:          ts,
		UpdatedAt:          ts,
		Units:              make([]models.SubUnit, len(planned)),
	}
	for i, p := range planned {
		rec.Units[i] = models.SubUnit{
			StableID:      uuid.NewString(),
			RootID:        rootID,
			Sequence:      p.Sequence,
			ParallelGroup: p.ParallelGroup,
			Title:         p.Title,
			Description:   p.Description,
			TestIntent:    p.TestIntent,
			Status:        models.PendingUnitStatus,
		}
	}

	ordered := make([]int, len(rec.Units))
	for i := range ordered {
		ordered[i] = i
	}
	sort.Slice(ordered, func(a, b int) bool { return rec.Units[ordered[a]].Sequence < rec.Units[ordered[b]].Sequence })
	for k := 0; k < len(ordered)-1; k++ {
		next := rec.Units[ordered[k+1]].StableID
		rec.Units[ordered[k]].SuccessorStableID = &next
	}
	return rec
}

// BuildWorkflow validates a decomposition and persists it, with all of its units,
// as a decomposed workflow record in one transaction.
func (s *WorkflowService) BuildWorkflow(ctx context.Context, rootID, requestText string, dec models.Decomposition) (models.WorkflowRecord, error) {
	if err := ValidateDecomposition(dec); err != nil {
		return models.WorkflowRecord{}, err
	}
	rec := newWorkflowRecord(rootID, requestText, dec.Reasoning, dec.Units, true, s.now())
	if err := s.create(rec); err != nil {
		return models.WorkflowRecord{}, err
	}
	s.logger.Infof("Built workflow %s with %d units in %d phases", rootID, rec.TotalUnits, len(dec.ParallelGroups))
	return rec, nil
}

// buildSingle persists a request that is executed as one unit.
func (s *WorkflowService) buildSingle(rootID, requestText, reasoning string) (models.WorkflowRecord, error) {
	rec := newWorkflowRecord(rootID, requestText, reasoning, []models.PlannedUnit{{
		Sequence:    1,
		Title:       firstLine(requestText),
		Description: requestText,
	}}, false, s.now())
	if err := s.create(rec); err != nil {
		return models.WorkflowRecord{}, err
	}
	s.logger.Infof("Created single-unit workflow %s", rootID)
	return rec, nil
}

func (s *WorkflowService) create(rec models.WorkflowRecord) error {
	if err := rec.CheckInvariants(); err != nil {
		return errors.Wrap(ErrInvariantViolation, err.Error())
	}
	return s.withTx(func(tx storage.Store) error {
		if err := tx.CreateRecord(rec); err != nil {
			return errors.Wrapf(err, "failed to create workflow %s", rec.RootID)
		}
		return nil
	})
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if runes := []rune(line); len(runes) > 80 {
		line = strings.TrimSpace(string(runes[:80]))
	}
	return line
}

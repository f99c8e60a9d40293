package service

import (
	"context"
	"strings"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DispatchResult is the per-unit outcome of a submission to the backend.
type DispatchResult struct {
	StableID        string `json:"stable_id"`
	Sequence        int    `json:"sequence"`
	ParallelGroup   int    `json:"parallel_group"`
	Dispatched      bool   `json:"dispatched"`
	Error           string `json:"error,omitempty"`
	ContinuationRef string `json:"-"`
	Err             error  `json:"-"`
}

// GetNextPhase returns the parallel group of the first pending unit in sequence
// order; ok is false once nothing is left to dispatch.
func GetNextPhase(rec models.WorkflowRecord) (group int, ok bool) {
	for _, u := range rec.OrderedUnits() {
		if u.Status == models.PendingUnitStatus {
			return u.ParallelGroup, true
		}
	}
	return 0, false
}

// DispatchPhase submits every pending unit of the given group. An empty result
// means there was nothing to dispatch. Submission failures leave the unit PENDING
// and are reported in its DispatchResult; successful siblings are kept.
func (s *WorkflowService) DispatchPhase(ctx context.Context, rootID string, group int) ([]DispatchResult, error) {
	return s.dispatch(ctx, rootID, group, true)
}

// Advance dispatches the next pending phase, if any.
func (s *WorkflowService) Advance(ctx context.Context, rootID string) ([]DispatchResult, error) {
	rec, err := s.store.GetRecord(rootID)
	if err != nil {
		return nil, errors.Wrapf(err, "workflow %s", rootID)
	}
	if !rec.IsDecomposedParent {
		return nil, errors.WithMessagef(ErrNotDecomposed, "workflow %s", rootID)
	}
	group, ok := GetNextPhase(rec)
	if !ok {
		return []DispatchResult{}, nil
	}
	return s.DispatchPhase(ctx, rootID, group)
}

func (s *WorkflowService) dispatch(ctx context.Context, rootID string, group int, requireDecomposed bool) ([]DispatchResult, error) {
	results := []DispatchResult{}
	// The record stays locked while submitting so that a callback racing the
	// submission observes the committed continuation ref.
	err := s.withRecord(rootID, func(tx storage.Store, rec models.WorkflowRecord) error {
		if requireDecomposed && !rec.IsDecomposedParent {
			return errors.WithMessagef(ErrNotDecomposed, "workflow %s", rootID)
		}
		if err := checkPhaseReady(rec, group); err != nil {
			return err
		}

		var selected []int
		for i, u := range rec.Units {
			if u.ParallelGroup == group && u.Status == models.PendingUnitStatus {
				selected = append(selected, i)
			}
		}
		if len(selected) == 0 {
			return nil
		}

		results = s.submitUnits(ctx, rec, selected)

		after := rec.Clone()
		now := s.now()
		dispatched := 0
		for k, i := range selected {
			r := results[k]
			if r.Err != nil {
				s.logger.Errorf("Failed to dispatch unit %s of workflow %s: %v", r.StableID, rootID, r.Err)
				continue
			}
			u := &after.Units[i]
			ref := r.ContinuationRef
			started := now
			u.Status = models.InFlightUnitStatus
			u.StartedAt = &started
			u.ContinuationRef = &ref
			u.Attempts++
			dispatched++
		}
		if dispatched > 0 && len(after.FailedUnits()) == 0 {
			after.Status = models.RunningWorkflowStatus
		}
		if err := s.persist(tx, rec, after); err != nil {
			s.logger.Errorf("Dispatched %d units of workflow %s but failed to record them: %v", dispatched, rootID, err)
			return err
		}
		s.logger.Infof("Dispatched %d/%d units of phase %d for workflow %s", dispatched, len(selected), group, rootID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// checkPhaseReady refuses to dispatch a group while any earlier group is not completed.
func checkPhaseReady(rec models.WorkflowRecord, group int) error {
	for _, u := range rec.Units {
		if u.ParallelGroup < group && u.Status != models.CompletedUnitStatus {
			return errors.WithMessagef(ErrPhaseNotReady, "unit %s of phase %d is %s", u.StableID, u.ParallelGroup, u.Status)
		}
	}
	return nil
}

// submitUnits submits the selected units concurrently. Results are index-aligned
// with selected.
func (s *WorkflowService) submitUnits(ctx context.Context, rec models.WorkflowRecord, selected []int) []DispatchResult {
	results := make([]DispatchResult, len(selected))
	var g errgroup.Group
	g.SetLimit(s.dispatchConcurrency)
	for k, i := range selected {
		u := rec.Units[i]
		g.Go(func() error {
			r := DispatchResult{StableID: u.StableID, Sequence: u.Sequence, ParallelGroup: u.ParallelGroup}
			ref, err := s.submit(ctx, rec, u)
			if err != nil {
				r.Err = err
				r.Error = err.Error()
			} else {
				r.Dispatched = true
				r.ContinuationRef = ref
			}
			results[k] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// submit performs one bounded backend call. A timeout is a failure, never a
// silent success.
func (s *WorkflowService) submit(ctx context.Context, rec models.WorkflowRecord, u models.SubUnit) (string, error) {
	if s.backend == nil {
		return "", errors.New("no execution backend configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()

	ref, err := s.backend.Submit(ctx, Submission{
		Prompt:          unitPrompt(rec, u),
		ContinuationRef: u.ContinuationRef,
		CallbackURL:     s.callbackURL(rec.RootID),
	})
	if err != nil {
		return "", errors.Wrapf(err, "submit unit %s", u.StableID)
	}
	if ref == "" {
		return "", errors.Errorf("backend returned an empty continuation ref for unit %s", u.StableID)
	}
	return ref, nil
}

func unitPrompt(rec models.WorkflowRecord, u models.SubUnit) string {
	if !rec.IsDecomposedParent {
		return u.Description
	}
	var b strings.Builder
	b.WriteString(u.Title)
	if u.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(u.Description)
	}
	if u.TestIntent != "" {
		b.WriteString("\n\nVerify: ")
		b.WriteString(u.TestIntent)
	}
	return b.String()
}

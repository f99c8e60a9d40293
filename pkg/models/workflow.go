package models

import (
	"fmt"
	"sort"
	"time"
)

type WorkflowStatus string

const (
	PendingWorkflowStatus WorkflowStatus = "PENDING"
	RunningWorkflowStatus WorkflowStatus = "RUNNING"
	BlockedWorkflowStatus WorkflowStatus = "BLOCKED"
	DoneWorkflowStatus    WorkflowStatus = "DONE"
)

// WorkflowRecord is the root document for one request and all of its sub-units.
type WorkflowRecord struct {
	RootID             string         `json:"root_id" db:"root_id"`                           // Stable identifier of the originating request
	RequestText        string         `json:"request_text" db:"request_text"`                 // Original natural-language request
	Reasoning          string         `json:"reasoning,omitempty" db:"reasoning"`             // Classifier reasoning captured at intake
	IsDecomposedParent bool           `json:"is_decomposed_parent" db:"is_decomposed_parent"` // Set once the request was broken down
	Status             WorkflowStatus `json:"status" db:"status"`                             // "PENDING", "RUNNING", "BLOCKED", "DONE"
	TotalUnits         int            `json:"total_units" db:"total_units"`                   // Number of sub-units
	CompletedUnits     int            `json:"completed_units" db:"completed_units"`           // Number of sub-units in COMPLETED
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`                     // Creation timestamp
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`                     // Last update timestamp
	Units              []SubUnit      `json:"units,omitempty"`                                // Sub-units in declaration order (populated at runtime)
}

// Clone returns a deep copy so callers can mutate a record without aliasing units.
func (r WorkflowRecord) Clone() WorkflowRecord {
	out := r
	if r.Units != nil {
		out.Units = make([]SubUnit, len(r.Units))
		for i, u := range r.Units {
			out.Units[i] = u.Clone()
		}
	}
	return out
}

// UnitByStableID returns the index of the unit with the given stable id, or -1.
func (r *WorkflowRecord) UnitByStableID(stableID string) int {
	for i := range r.Units {
		if r.Units[i].StableID == stableID {
			return i
		}
	}
	return -1
}

// UnitByContinuationRef returns the index of the unit currently bound to ref, or -1.
// Continuation refs are only unique within a single record.
func (r *WorkflowRecord) UnitByContinuationRef(ref string) int {
	if ref == "" {
		return -1
	}
	for i := range r.Units {
		if r.Units[i].ContinuationRef != nil && *r.Units[i].ContinuationRef == ref {
			return i
		}
	}
	return -1
}

// CountCompleted counts units in COMPLETED.
func (r *WorkflowRecord) CountCompleted() int {
	n := 0
	for _, u := range r.Units {
		if u.Status == CompletedUnitStatus {
			n++
		}
	}
	return n
}

// FailedUnits returns the stable ids of all units in FAILED, ordered by sequence.
func (r *WorkflowRecord) FailedUnits() []string {
	var ids []string
	for _, u := range r.OrderedUnits() {
		if u.Status == FailedUnitStatus {
			ids = append(ids, u.StableID)
		}
	}
	return ids
}

// OrderedUnits returns a copy of the units sorted by ascending sequence.
func (r *WorkflowRecord) OrderedUnits() []SubUnit {
	out := make([]SubUnit, len(r.Units))
	copy(out, r.Units)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// GroupUnits returns the indexes of all units belonging to the parallel group.
func (r *WorkflowRecord) GroupUnits(group int) []int {
	var idx []int
	for i := range r.Units {
		if r.Units[i].ParallelGroup == group {
			idx = append(idx, i)
		}
	}
	return idx
}

// CheckInvariants verifies the counters against the unit statuses.
func (r *WorkflowRecord) CheckInvariants() error {
	if r.TotalUnits != len(r.Units) {
		return fmt.Errorf("record %s: total units %d does not match %d units", r.RootID, r.TotalUnits, len(r.Units))
	}
	if completed := r.CountCompleted(); r.CompletedUnits != completed {
		return fmt.Errorf("record %s: completed units %d does not match %d completed units", r.RootID, r.CompletedUnits, completed)
	}
	if r.CompletedUnits > r.TotalUnits {
		return fmt.Errorf("record %s: completed units %d exceeds total %d", r.RootID, r.CompletedUnits, r.TotalUnits)
	}
	return nil
}

package models

import "time"

// UnitView is the externally visible projection of a SubUnit.
type UnitView struct {
	StableID          string     `json:"stable_id"`
	Sequence          int        `json:"sequence"`
	ParallelGroup     int        `json:"parallel_group"`
	Title             string     `json:"title"`
	Status            UnitStatus `json:"status"`
	Attempts          int        `json:"attempts"`
	SuccessorStableID string     `json:"successor_stable_id,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ResultSummary     string     `json:"result_summary,omitempty"`
}

// WorkflowView is the read-only status projection of a record.
type WorkflowView struct {
	RootID         string         `json:"root_id"`
	Status         WorkflowStatus `json:"status"`
	IsDecomposed   bool           `json:"is_decomposed"`
	TotalUnits     int            `json:"total_units"`
	CompletedUnits int            `json:"completed_units"`
	BlockedOn      []string       `json:"blocked_on,omitempty"`
	Units          []UnitView     `json:"units"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (r WorkflowRecord) View() WorkflowView {
	v := WorkflowView{
		RootID:         r.RootID,
		Status:         r.Status,
		IsDecomposed:   r.IsDecomposedParent,
		TotalUnits:     r.TotalUnits,
		CompletedUnits: r.CompletedUnits,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Units:          make([]UnitView, 0, len(r.Units)),
	}
	if r.Status == BlockedWorkflowStatus {
		v.BlockedOn = r.FailedUnits()
	}
	for _, u := range r.OrderedUnits() {
		uv := UnitView{
			StableID:      u.StableID,
			Sequence:      u.Sequence,
			ParallelGroup: u.ParallelGroup,
			Title:         u.Title,
			Status:        u.Status,
			Attempts:      u.Attempts,
			StartedAt:     u.StartedAt,
			CompletedAt:   u.CompletedAt,
			ResultSummary: u.ResultSummary,
		}
		if u.SuccessorStableID != nil {
			uv.SuccessorStableID = *u.SuccessorStableID
		}
		v.Units = append(v.Units, uv)
	}
	return v
}

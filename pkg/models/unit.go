package models

import (
	"time"
	"unicode/utf8"
)

type UnitStatus string

const (
	PendingUnitStatus   UnitStatus = "PENDING"
	InFlightUnitStatus  UnitStatus = "IN_FLIGHT"
	CompletedUnitStatus UnitStatus = "COMPLETED"
	FailedUnitStatus    UnitStatus = "FAILED"
)

// MaxResultSummaryLength bounds the result text kept on a unit.
const MaxResultSummaryLength = 2000

// SubUnit is one node of a decomposed workflow.
type SubUnit struct {
	StableID          string     `json:"stable_id" db:"stable_id"`                               // Write-once identifier exposed to consumers
	RootID            string     `json:"root_id" db:"root_id"`                                   // Owning workflow record
	Sequence          int        `json:"sequence" db:"sequence"`                                 // 1-based declaration position
	ParallelGroup     int        `json:"parallel_group" db:"parallel_group"`                     // Phase the unit is dispatched in
	Title             string     `json:"title" db:"title"`                                       // Short title
	Description       string     `json:"description" db:"description"`                           // Prompt sent to the execution backend
	TestIntent        string     `json:"test_intent,omitempty" db:"test_intent"`                 // How the result should be verified
	ContinuationRef   *string    `json:"-" db:"continuation_ref"`                                // Rotating backend identifier, never exposed
	SuccessorStableID *string    `json:"successor_stable_id,omitempty" db:"successor_stable_id"` // Next unit by sequence (display only)
	Status            UnitStatus `json:"status" db:"status"`                                     // "PENDING", "IN_FLIGHT", "COMPLETED", "FAILED"
	Attempts          int        `json:"attempts" db:"attempts"`                                 // Number of submissions to the backend
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`                   // Nullable start time
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`               // Nullable end time
	ResultSummary     string     `json:"result_summary,omitempty" db:"result_summary"`           // Bounded result or error text
}

// Clone copies the unit including its pointer fields.
func (u SubUnit) Clone() SubUnit {
	out := u
	if u.ContinuationRef != nil {
		ref := *u.ContinuationRef
		out.ContinuationRef = &ref
	}
	if u.SuccessorStableID != nil {
		id := *u.SuccessorStableID
		out.SuccessorStableID = &id
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		out.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Resolved reports whether the unit reached COMPLETED or FAILED.
func (u SubUnit) Resolved() bool {
	return u.Status == CompletedUnitStatus || u.Status == FailedUnitStatus
}

// TruncateSummary bounds s to MaxResultSummaryLength bytes without splitting a
// rune. Invalid UTF-8 is cut at most utf8.UTFMax bytes short of the limit.
func TruncateSummary(s string) string {
	if len(s) <= MaxResultSummaryLength {
		return s
	}
	cut := MaxResultSummaryLength
	for back := 0; back < utf8.UTFMax && cut > 0 && !utf8.RuneStart(s[cut]); back++ {
		cut--
	}
	if !utf8.RuneStart(s[cut]) {
		cut = MaxResultSummaryLength
	}
	return s[:cut]
}

package models

import "time"

type LogKind string

const (
	ProgressLogKind LogKind = "PROGRESS"
	ResolvedLogKind LogKind = "RESOLVED"
	RetryLogKind    LogKind = "RETRY"
)

// ExecutionLog tracks the history of unit executions for auditing.
type ExecutionLog struct {
	ID       int64     `json:"id" db:"id"`                     // Auto-incremented log ID
	RootID   string    `json:"root_id" db:"root_id"`           // Owning workflow record
	StableID string    `json:"stable_id" db:"stable_id"`       // Unit being logged
	Kind     LogKind   `json:"kind" db:"kind"`                 // What happened
	Status   string    `json:"status" db:"status"`             // Unit status at this point
	Message  string    `json:"message,omitempty" db:"message"` // Details (progress text, error or result)
	LoggedAt time.Time `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}

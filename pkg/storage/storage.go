package storage

import (
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotInTx       = errors.New("operation requires a transaction")
)

// StaleUnit identifies an in-flight unit that exceeded its allowed age.
type StaleUnit struct {
	RootID          string    `db:"root_id"`
	StableID        string    `db:"stable_id"`
	ContinuationRef string    `db:"continuation_ref"`
	StartedAt       time.Time `db:"started_at"`
}

// Store defines the storage operations for TaskFlow.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow record operations
	CreateRecord(r models.WorkflowRecord) error // inserts the record and all of its units
	GetRecord(rootID string) (models.WorkflowRecord, error)
	LockRecord(rootID string) (models.WorkflowRecord, error) // holds the record until Commit/Rollback
	UpdateRecord(r models.WorkflowRecord) error              // status and counters only
	ListRecords() ([]models.WorkflowRecord, error)

	// Unit operations; stable columns (stable id, root, sequence, group) are never written
	UpdateUnit(u models.SubUnit) error
	ListStaleUnits(startedBefore time.Time) ([]StaleUnit, error)

	// Audit log
	SaveLog(l models.ExecutionLog) error
	ListLogs(rootID string) ([]models.ExecutionLog, error)
}

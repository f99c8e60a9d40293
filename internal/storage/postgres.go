package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const recordColumns = `root_id, request_text, reasoning, is_decomposed_parent, status,
	total_units, completed_units, created_at, updated_at`

const unitColumns = `stable_id, root_id, sequence, parallel_group, title, description, test_intent,
	continuation_ref, successor_stable_id, status, attempts, started_at, completed_at, result_summary`

// positionedUnit carries a unit's index in the declared unit list, which is the
// order units are read back in.
type positionedUnit struct {
	models.SubUnit
	Position int `db:"position"`
}

// CreateRecord inserts the record and every unit. Callers run it inside a
// transaction so that either all units exist or none do.
func (s *PostgresStore) CreateRecord(r models.WorkflowRecord) error {
	_, err := s.db.NamedExec(`INSERT INTO workflow_records (`+recordColumns+`)
		VALUES (:root_id, :request_text, :reasoning, :is_decomposed_parent, :status,
		:total_units, :completed_units, :created_at, :updated_at)`, r)
	if err != nil {
		return wrapWriteErr(err, "insert record %s", r.RootID)
	}
	for i, u := range r.Units {
		_, err := s.db.NamedExec(`INSERT INTO sub_units (`+unitColumns+`, position)
			VALUES (:stable_id, :root_id, :sequence, :parallel_group, :title, :description, :test_intent,
			:continuation_ref, :successor_stable_id, :status, :attempts, :started_at, :completed_at, :result_summary,
			:position)`, positionedUnit{SubUnit: u, Position: i})
		if err != nil {
			return wrapWriteErr(err, "insert unit %s", u.StableID)
		}
	}
	return nil
}

func (s *PostgresStore) GetRecord(rootID string) (models.WorkflowRecord, error) {
	return s.loadRecord(rootID, false)
}

// LockRecord reads the record with a row lock held until the transaction ends.
func (s *PostgresStore) LockRecord(rootID string) (models.WorkflowRecord, error) {
	if _, ok := s.db.(*sqlx.Tx); !ok {
		return models.WorkflowRecord{}, storage.ErrNotInTx
	}
	return s.loadRecord(rootID, true)
}

func (s *PostgresStore) loadRecord(rootID string, forUpdate bool) (models.WorkflowRecord, error) {
	query := "SELECT " + recordColumns + " FROM workflow_records WHERE root_id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	var rec models.WorkflowRecord
	err := s.db.Get(&rec, query, rootID)
	if err == sql.ErrNoRows {
		return models.WorkflowRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRecord{}, errors.Wrapf(err, "get record %s", rootID)
	}

	rec.Units = []models.SubUnit{}
	err = s.db.Select(&rec.Units, "SELECT "+unitColumns+" FROM sub_units WHERE root_id = $1 ORDER BY position", rootID)
	if err != nil {
		return models.WorkflowRecord{}, errors.Wrapf(err, "get units of record %s", rootID)
	}
	return rec, nil
}

// UpdateRecord writes the mutable record columns; root_id is only used as the key.
// A zero UpdatedAt is stamped with the database clock.
func (s *PostgresStore) UpdateRecord(r models.WorkflowRecord) error {
	var updatedAt *time.Time
	if !r.UpdatedAt.IsZero() {
		updatedAt = &r.UpdatedAt
	}
	res, err := s.db.Exec(`UPDATE workflow_records
		SET status = $1, total_units = $2, completed_units = $3,
		updated_at = COALESCE($4::timestamptz, CURRENT_TIMESTAMP)
		WHERE root_id = $5`,
		r.Status, r.TotalUnits, r.CompletedUnits, updatedAt, r.RootID)
	if err != nil {
		return errors.Wrapf(err, "update record %s", r.RootID)
	}
	return expectOneRow(res, "record "+r.RootID)
}

// UpdateUnit writes the mutable unit columns, matching on the stable id.
func (s *PostgresStore) UpdateUnit(u models.SubUnit) error {
	res, err := s.db.Exec(`UPDATE sub_units
		SET continuation_ref = $1, status = $2, attempts = $3, started_at = $4,
		completed_at = $5, result_summary = $6
		WHERE stable_id = $7 AND root_id = $8`,
		u.ContinuationRef, u.Status, u.Attempts, u.StartedAt, u.CompletedAt, u.ResultSummary,
		u.StableID, u.RootID)
	if err != nil {
		return errors.Wrapf(err, "update unit %s", u.StableID)
	}
	return expectOneRow(res, "unit "+u.StableID)
}

func (s *PostgresStore) ListRecords() ([]models.WorkflowRecord, error) {
	records := []models.WorkflowRecord{}
	err := s.db.Select(&records, "SELECT "+recordColumns+" FROM workflow_records ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	units := []models.SubUnit{}
	err = s.db.Select(&units, "SELECT "+unitColumns+" FROM sub_units ORDER BY root_id, position")
	if err != nil {
		return nil, errors.Wrap(err, "list units")
	}
	byRoot := make(map[string][]models.SubUnit, len(records))
	for _, u := range units {
		byRoot[u.RootID] = append(byRoot[u.RootID], u)
	}
	for i := range records {
		records[i].Units = byRoot[records[i].RootID]
		if records[i].Units == nil {
			records[i].Units = []models.SubUnit{}
		}
	}
	return records, nil
}

func (s *PostgresStore) ListStaleUnits(startedBefore time.Time) ([]storage.StaleUnit, error) {
	stale := []storage.StaleUnit{}
	err := s.db.Select(&stale, `SELECT root_id, stable_id, continuation_ref, started_at
		FROM sub_units
		WHERE status = $1 AND continuation_ref IS NOT NULL AND started_at < $2
		ORDER BY started_at`, models.InFlightUnitStatus, startedBefore)
	if err != nil {
		return nil, errors.Wrap(err, "list stale units")
	}
	return stale, nil
}

func (s *PostgresStore) SaveLog(l models.ExecutionLog) error {
	_, err := s.db.Exec(`INSERT INTO execution_logs (root_id, stable_id, kind, status, message, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.RootID, l.StableID, l.Kind, l.Status, l.Message, l.LoggedAt)
	return err
}

func (s *PostgresStore) ListLogs(rootID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.Select(&logs, `SELECT id, root_id, stable_id, kind, status, message, logged_at
		FROM execution_logs WHERE root_id = $1 ORDER BY id`, rootID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(storage.ErrNotFound, what)
	}
	return nil
}

func wrapWriteErr(err error, format string, args ...interface{}) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.Wrapf(storage.ErrAlreadyExists, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

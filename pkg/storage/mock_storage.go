package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/pkg/errors"
)

// memoryDB is the shared state behind every mockStore handle.
type memoryDB struct {
	mu        sync.Mutex
	records   map[string]models.WorkflowRecord
	logs      []models.ExecutionLog
	nextLogID int64
	locks     map[string]*sync.Mutex // one per record, never shared across records
}

// mockStore implements Store in memory. Handles returned by Begin buffer their
// writes and apply them on Commit; LockRecord holds a per-record mutex until the
// transaction ends, which mirrors SELECT ... FOR UPDATE.
type mockStore struct {
	db       *memoryDB
	tx       bool
	finished bool
	held     map[string]*sync.Mutex
	staged   map[string]models.WorkflowRecord
	created  map[string]bool
	logs     []models.ExecutionLog
}

func NewMockStore() Store {
	return &mockStore{db: &memoryDB{
		records: make(map[string]models.WorkflowRecord),
		locks:   make(map[string]*sync.Mutex),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	if m.tx {
		return nil, errors.New("nested transactions are not supported")
	}
	return &mockStore{
		db:      m.db,
		tx:      true,
		held:    make(map[string]*sync.Mutex),
		staged:  make(map[string]models.WorkflowRecord),
		created: make(map[string]bool),
	}, nil
}

func (m *mockStore) Commit() error {
	if !m.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.finished {
		return errors.New("transaction already finished")
	}
	m.db.mu.Lock()
	for id := range m.created {
		if _, exists := m.db.records[id]; exists {
			m.db.mu.Unlock()
			m.release()
			return errors.Wrapf(ErrAlreadyExists, "record %s", id)
		}
	}
	for id, rec := range m.staged {
		m.db.records[id] = rec.Clone()
	}
	for _, l := range m.logs {
		m.db.nextLogID++
		l.ID = m.db.nextLogID
		m.db.logs = append(m.db.logs, l)
	}
	m.db.mu.Unlock()
	m.release()
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.finished {
		return errors.New("transaction already finished")
	}
	m.release()
	return nil
}

func (m *mockStore) release() {
	m.finished = true
	for id, l := range m.held {
		l.Unlock()
		delete(m.held, id)
	}
	m.staged = nil
	m.logs = nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) checkOpen() error {
	if m.finished {
		return errors.New("transaction already finished")
	}
	return nil
}

func (m *mockStore) CreateRecord(r models.WorkflowRecord) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if !m.tx {
		m.db.mu.Lock()
		defer m.db.mu.Unlock()
		if _, exists := m.db.records[r.RootID]; exists {
			return errors.Wrapf(ErrAlreadyExists, "record %s", r.RootID)
		}
		m.db.records[r.RootID] = r.Clone()
		return nil
	}
	if _, exists := m.staged[r.RootID]; exists {
		return errors.Wrapf(ErrAlreadyExists, "record %s", r.RootID)
	}
	m.db.mu.Lock()
	_, exists := m.db.records[r.RootID]
	m.db.mu.Unlock()
	if exists {
		return errors.Wrapf(ErrAlreadyExists, "record %s", r.RootID)
	}
	m.staged[r.RootID] = r.Clone()
	m.created[r.RootID] = true
	return nil
}

func (m *mockStore) GetRecord(rootID string) (models.WorkflowRecord, error) {
	if err := m.checkOpen(); err != nil {
		return models.WorkflowRecord{}, err
	}
	if m.tx {
		if rec, ok := m.staged[rootID]; ok {
			return rec.Clone(), nil
		}
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	rec, ok := m.db.records[rootID]
	if !ok {
		return models.WorkflowRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *mockStore) LockRecord(rootID string) (models.WorkflowRecord, error) {
	if !m.tx {
		return models.WorkflowRecord{}, ErrNotInTx
	}
	if err := m.checkOpen(); err != nil {
		return models.WorkflowRecord{}, err
	}
	if _, held := m.held[rootID]; !held && !m.created[rootID] {
		m.db.mu.Lock()
		if _, ok := m.db.records[rootID]; !ok {
			m.db.mu.Unlock()
			return models.WorkflowRecord{}, ErrNotFound
		}
		l, ok := m.db.locks[rootID]
		if !ok {
			l = &sync.Mutex{}
			m.db.locks[rootID] = l
		}
		m.db.mu.Unlock()
		l.Lock()
		m.held[rootID] = l
	}
	rec, err := m.GetRecord(rootID)
	if err != nil {
		return models.WorkflowRecord{}, err
	}
	m.staged[rootID] = rec.Clone()
	return rec, nil
}

// mutate applies fn to the current version of a record, staged or committed.
func (m *mockStore) mutate(rootID string, fn func(rec *models.WorkflowRecord) error) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.tx {
		rec, ok := m.staged[rootID]
		if !ok {
			loaded, err := m.GetRecord(rootID)
			if err != nil {
				return err
			}
			rec = loaded
		}
		if err := fn(&rec); err != nil {
			return err
		}
		m.staged[rootID] = rec
		return nil
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	rec, ok := m.db.records[rootID]
	if !ok {
		return ErrNotFound
	}
	rec = rec.Clone()
	if err := fn(&rec); err != nil {
		return err
	}
	m.db.records[rootID] = rec
	return nil
}

func (m *mockStore) UpdateRecord(r models.WorkflowRecord) error {
	return m.mutate(r.RootID, func(rec *models.WorkflowRecord) error {
		rec.Status = r.Status
		rec.TotalUnits = r.TotalUnits
		rec.CompletedUnits = r.CompletedUnits
		rec.UpdatedAt = r.UpdatedAt
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = time.Now()
		}
		return nil
	})
}

func (m *mockStore) UpdateUnit(u models.SubUnit) error {
	return m.mutate(u.RootID, func(rec *models.WorkflowRecord) error {
		i := rec.UnitByStableID(u.StableID)
		if i < 0 {
			return errors.Wrapf(ErrNotFound, "unit %s", u.StableID)
		}
		cur := &rec.Units[i]
		c := u.Clone()
		cur.ContinuationRef = c.ContinuationRef
		cur.Status = c.Status
		cur.Attempts = c.Attempts
		cur.StartedAt = c.StartedAt
		cur.CompletedAt = c.CompletedAt
		cur.ResultSummary = c.ResultSummary
		return nil
	})
}

func (m *mockStore) ListRecords() ([]models.WorkflowRecord, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	records := make([]models.WorkflowRecord, 0, len(m.db.records))
	for _, rec := range m.db.records {
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

func (m *mockStore) ListStaleUnits(startedBefore time.Time) ([]StaleUnit, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var stale []StaleUnit
	for _, rec := range m.db.records {
		for _, u := range rec.Units {
			if u.Status != models.InFlightUnitStatus || u.StartedAt == nil || u.ContinuationRef == nil {
				continue
			}
			if u.StartedAt.Before(startedBefore) {
				stale = append(stale, StaleUnit{
					RootID:          rec.RootID,
					StableID:        u.StableID,
					ContinuationRef: *u.ContinuationRef,
					StartedAt:       *u.StartedAt,
				})
			}
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].StartedAt.Before(stale[j].StartedAt) })
	return stale, nil
}

func (m *mockStore) SaveLog(l models.ExecutionLog) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.tx {
		m.logs = append(m.logs, l)
		return nil
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.nextLogID++
	l.ID = m.db.nextLogID
	m.db.logs = append(m.db.logs, l)
	return nil
}

func (m *mockStore) ListLogs(rootID string) ([]models.ExecutionLog, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var logs []models.ExecutionLog
	for _, l := range m.db.logs {
		if l.RootID == rootID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

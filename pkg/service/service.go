package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultClassifyTimeout     = 15 * time.Second
	DefaultDecomposeTimeout    = 60 * time.Second
	DefaultSubmitTimeout       = 30 * time.Second
	DefaultDispatchConcurrency = 4
	DefaultWatchdogInterval    = time.Minute

	maxRootIDLength = 128
)

var (
	ErrNotRetryable             = errors.New("unit is not in FAILED status")
	ErrNotDecomposed            = errors.New("workflow record is not a decomposed parent")
	ErrPhaseNotReady            = errors.New("an earlier phase is not completed")
	ErrInvalidDecomposition     = errors.New("invalid decomposition")
	ErrStableIdentifierMutation = errors.New("stable identifiers are write-once")
	ErrInvariantViolation       = errors.New("workflow record invariant violated")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrContinuationRefReused    = errors.New("backend reused the continuation ref of the failed attempt")
)

// Option configures a WorkflowService.
type Option func(*WorkflowService)

func WithCallbackBaseURL(url string) Option {
	return func(s *WorkflowService) { s.callbackBaseURL = strings.TrimRight(url, "/") }
}

func WithClassifyTimeout(d time.Duration) Option {
	return func(s *WorkflowService) { s.classifyTimeout = d }
}

func WithDecomposeTimeout(d time.Duration) Option {
	return func(s *WorkflowService) { s.decomposeTimeout = d }
}

func WithSubmitTimeout(d time.Duration) Option {
	return func(s *WorkflowService) { s.submitTimeout = d }
}

func WithDispatchConcurrency(n int) Option {
	return func(s *WorkflowService) { s.dispatchConcurrency = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *WorkflowService) { s.now = now }
}

// WorkflowService orchestrates decomposed requests: it builds workflow records,
// dispatches their phases to the execution backend and reconciles the backend's
// notifications. All dependencies are passed in; the service keeps no mutable
// shared state besides its configuration.
type WorkflowService struct {
	store      storage.Store
	classifier Classifier
	backend    Backend
	logger     Logger

	callbackBaseURL     string
	classifyTimeout     time.Duration
	decomposeTimeout    time.Duration
	submitTimeout       time.Duration
	dispatchConcurrency int
	now                 func() time.Time
}

func NewWorkflowService(store storage.Store, classifier Classifier, backend Backend, logger Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		store:               store,
		classifier:          classifier,
		backend:             backend,
		logger:              logger,
		classifyTimeout:     DefaultClassifyTimeout,
		decomposeTimeout:    DefaultDecomposeTimeout,
		submitTimeout:       DefaultSubmitTimeout,
		dispatchConcurrency: DefaultDispatchConcurrency,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatchConcurrency <= 0 {
		s.dispatchConcurrency = DefaultDispatchConcurrency
	}
	return s
}

// Request is an inbound natural-language work request.
type Request struct {
	RootID             string `json:"root_id,omitempty"`
	Text               string `json:"text"`
	PlanningTranscript string `json:"planning_transcript,omitempty"`
}

// SubmitResult reports what intake did with a request.
type SubmitResult struct {
	Workflow   models.WorkflowView `json:"workflow"`
	Dispatched []DispatchResult    `json:"dispatched"`
}

// SubmitRequest classifies the request, persists it as a decomposed workflow or a
// single unit, and dispatches the first phase.
func (s *WorkflowService) SubmitRequest(ctx context.Context, req Request) (SubmitResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return SubmitResult{}, errors.WithMessage(ErrInvalidRequest, "request text cannot be empty")
	}
	rootID := req.RootID
	if rootID == "" {
		rootID = uuid.NewString()
	}
	if len(rootID) > maxRootIDLength {
		return SubmitResult{}, errors.WithMessagef(ErrInvalidRequest, "root id too long (max %d characters)", maxRootIDLength)
	}

	verdict := s.shouldDecompose(ctx, text)

	var (
		record models.WorkflowRecord
		err    error
	)
	if verdict.Decompose {
		transcript := req.PlanningTranscript
		if strings.TrimSpace(transcript) == "" {
			transcript = text
		}
		dec, ok := s.decompose(ctx, transcript, text)
		if ok {
			if dec.Reasoning == "" {
				dec.Reasoning = verdict.Reasoning
			}
			record, err = s.BuildWorkflow(ctx, rootID, text, dec)
			if errors.Is(err, ErrInvalidDecomposition) {
				s.logger.Warnf("Rejected decomposition for request %s, executing as a single unit: %v", rootID, err)
				ok = false
			} else if err != nil {
				return SubmitResult{}, err
			}
		}
		if !ok {
			verdict.Decompose = false
		}
	}
	if !verdict.Decompose {
		record, err = s.buildSingle(rootID, text, verdict.Reasoning)
		if err != nil {
			return SubmitResult{}, err
		}
	}

	group, ok := GetNextPhase(record)
	if !ok {
		return SubmitResult{Workflow: record.View()}, nil
	}
	results, err := s.dispatch(ctx, rootID, group, record.IsDecomposedParent)
	if err != nil {
		return SubmitResult{}, err
	}
	view, err := s.GetWorkflow(ctx, rootID)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Workflow: view, Dispatched: results}, nil
}

// GetWorkflow returns the status projection of a record.
func (s *WorkflowService) GetWorkflow(ctx context.Context, rootID string) (models.WorkflowView, error) {
	rec, err := s.store.GetRecord(rootID)
	if err != nil {
		return models.WorkflowView{}, errors.Wrapf(err, "failed to get workflow %s", rootID)
	}
	return rec.View(), nil
}

func (s *WorkflowService) ListWorkflows(ctx context.Context) ([]models.WorkflowView, error) {
	records, err := s.store.ListRecords()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	views := make([]models.WorkflowView, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.View())
	}
	return views, nil
}

// ExecutionLogs returns the audit trail of a record.
func (s *WorkflowService) ExecutionLogs(ctx context.Context, rootID string) ([]models.ExecutionLog, error) {
	if _, err := s.store.GetRecord(rootID); err != nil {
		return nil, errors.Wrapf(err, "failed to get workflow %s", rootID)
	}
	return s.store.ListLogs(rootID)
}

// withTx runs fn in a transaction, committing on success and rolling back on error.
func (s *WorkflowService) withTx(fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// withRecord locks the record for the duration of fn.
func (s *WorkflowService) withRecord(rootID string, fn func(tx storage.Store, rec models.WorkflowRecord) error) error {
	return s.withTx(func(tx storage.Store) error {
		rec, err := tx.LockRecord(rootID)
		if err != nil {
			return errors.Wrapf(err, "workflow %s", rootID)
		}
		return fn(tx, rec)
	})
}

func (s *WorkflowService) callbackURL(rootID string) string {
	return s.callbackBaseURL + "/callbacks/" + rootID
}

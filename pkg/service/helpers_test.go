package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

// fakeBackend hands out a fresh continuation ref on every call.
type fakeBackend struct {
	mu          sync.Mutex
	calls       int
	submissions []service.Submission
	failing     map[string]bool // prompts containing one of these titles fail
	hook        func(s service.Submission)
	reuseRefs   bool // continuations get the ref they were submitted with
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failing: make(map[string]bool)}
}

func (b *fakeBackend) Submit(ctx context.Context, s service.Submission) (string, error) {
	if b.hook != nil {
		b.hook(s)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submissions = append(b.submissions, s)
	for title, fail := range b.failing {
		if fail && strings.Contains(s.Prompt, title) {
			return "", errors.Errorf("backend unavailable for %s", title)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.reuseRefs && s.ContinuationRef != nil {
		return *s.ContinuationRef, nil
	}
	b.calls++
	return fmt.Sprintf("ref-%d", b.calls), nil
}

func (b *fakeBackend) setFailing(title string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[title] = fail
}

func (b *fakeBackend) submitted() []service.Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]service.Submission, len(b.submissions))
	copy(out, b.submissions)
	return out
}

type fakeClassifier struct {
	verdict       models.Verdict
	verdictErr    error
	decomposition models.Decomposition
	decomposeErr  error

	mu          sync.Mutex
	transcripts []string
}

func (c *fakeClassifier) ShouldDecompose(ctx context.Context, text string) (models.Verdict, error) {
	return c.verdict, c.verdictErr
}

func (c *fakeClassifier) Decompose(ctx context.Context, planningTranscript, originalText string) (models.Decomposition, error) {
	c.mu.Lock()
	c.transcripts = append(c.transcripts, planningTranscript)
	c.mu.Unlock()
	return c.decomposition, c.decomposeErr
}

// fixedClock is a controllable time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *service.WorkflowService
	store   storage.Store
	backend *fakeBackend
	clock   *fixedClock
}

func newTestEnv(t *testing.T, classifier service.Classifier, opts ...service.Option) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storage.NewMockStore(), classifier, opts...)
}

func newTestEnvWithStore(t *testing.T, store storage.Store, classifier service.Classifier, opts ...service.Option) *testEnv {
	t.Helper()
	backend := newFakeBackend()
	clock := newFixedClock()
	opts = append([]service.Option{
		service.WithCallbackBaseURL("http://taskflow.test/"),
		service.WithClock(clock.Now),
	}, opts...)
	return &testEnv{
		svc:     service.NewWorkflowService(store, classifier, backend, logger{}, opts...),
		store:   store,
		backend: backend,
		clock:   clock,
	}
}

// planned builds a decomposition from group sizes, numbering sequences in order
// and titling each unit "unit-<sequence>".
func planned(groupSizes ...int) models.Decomposition {
	dec := models.Decomposition{Decompose: true, Reasoning: "split by layer"}
	seq := 1
	for g, size := range groupSizes {
		var group []int
		for i := 0; i < size; i++ {
			dec.Units = append(dec.Units, models.PlannedUnit{
				Sequence:      seq,
				Title:         fmt.Sprintf("unit-%d", seq),
				Description:   fmt.Sprintf("do step %d", seq),
				TestIntent:    fmt.Sprintf("step %d works", seq),
				ParallelGroup: g,
			})
			group = append(group, seq)
			seq++
		}
		dec.ParallelGroups = append(dec.ParallelGroups, group)
	}
	return dec
}

func (e *testEnv) build(t *testing.T, rootID string, dec models.Decomposition) models.WorkflowRecord {
	t.Helper()
	rec, err := e.svc.BuildWorkflow(context.Background(), rootID, "build the thing", dec)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) record(t *testing.T, rootID string) models.WorkflowRecord {
	t.Helper()
	rec, err := e.store.GetRecord(rootID)
	require.NoError(t, err)
	return rec
}

// unit returns the unit with the given sequence.
func (e *testEnv) unit(t *testing.T, rootID string, seq int) models.SubUnit {
	t.Helper()
	rec := e.record(t, rootID)
	for _, u := range rec.Units {
		if u.Sequence == seq {
			return u
		}
	}
	t.Fatalf("no unit with sequence %d in %s", seq, rootID)
	return models.SubUnit{}
}

func (e *testEnv) refOf(t *testing.T, rootID string, seq int) string {
	t.Helper()
	u := e.unit(t, rootID, seq)
	require.NotNil(t, u.ContinuationRef, "unit %d has no continuation ref", seq)
	return *u.ContinuationRef
}

func (e *testEnv) complete(t *testing.T, rootID string, seq int) service.Reconciliation {
	t.Helper()
	out, err := e.svc.OnNotification(context.Background(), rootID, models.Notification{
		ContinuationRef: e.refOf(t, rootID, seq),
		Outcome:         models.Completed{Result: fmt.Sprintf("unit %d done", seq)},
	})
	require.NoError(t, err)
	return out
}

func (e *testEnv) fail(t *testing.T, rootID string, seq int) service.Reconciliation {
	t.Helper()
	out, err := e.svc.OnNotification(context.Background(), rootID, models.Notification{
		ContinuationRef: e.refOf(t, rootID, seq),
		Outcome:         models.Failed{Error: fmt.Sprintf("unit %d broke", seq)},
	})
	require.NoError(t, err)
	return out
}

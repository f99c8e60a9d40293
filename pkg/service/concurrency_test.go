package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentNotificationsOnOneRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.build(t, "root-1", planned(1, 8))
	_, err := env.svc.DispatchPhase(ctx, "root-1", 0)
	require.NoError(t, err)
	env.complete(t, "root-1", 1)
	_, err = env.svc.DispatchPhase(ctx, "root-1", 1)
	require.NoError(t, err)

	var refs []string
	for seq := 2; seq <= 9; seq++ {
		refs = append(refs, env.refOf(t, "root-1", seq))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		triggers int
	)
	// Every notification is delivered twice to exercise duplicate handling.
	for _, ref := range append(refs, refs...) {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			out, err := env.svc.OnNotification(ctx, "root-1", models.Notification{
				ContinuationRef: ref,
				Outcome:         models.Completed{Result: "ok"},
			})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if out.Applied {
				applied++
			}
			if out.TriggerNextPhase {
				triggers++
			}
		}(ref)
	}
	wg.Wait()

	assert.Equal(t, 8, applied)
	assert.Zero(t, triggers)
	rec := env.record(t, "root-1")
	assert.Equal(t, 9, rec.CompletedUnits)
	assert.Equal(t, models.DoneWorkflowStatus, rec.Status)
	require.NoError(t, rec.CheckInvariants())

	logs, err := env.svc.ExecutionLogs(ctx, "root-1")
	require.NoError(t, err)
	resolved := 0
	for _, l := range logs {
		if l.Kind == models.ResolvedLogKind {
			resolved++
		}
	}
	assert.Equal(t, 9, resolved)
}

func TestRecordsDoNotShareLocks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.build(t, "root-a", planned(1))
	env.build(t, "root-b", planned(1))

	entered := make(chan struct{})
	release := make(chan struct{})
	env.backend.hook = func(s service.Submission) {
		if strings.HasSuffix(s.CallbackURL, "/root-a") {
			close(entered)
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.DispatchPhase(ctx, "root-a", 0)
		done <- err
	}()
	<-entered

	// root-a is locked for the duration of its submission; root-b proceeds.
	results, err := env.svc.DispatchPhase(ctx, "root-b", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Dispatched)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatch of root-a did not finish")
	}
	assert.Equal(t, models.InFlightUnitStatus, env.unit(t, "root-a", 1).Status)
}

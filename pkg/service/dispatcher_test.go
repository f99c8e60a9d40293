package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNextPhase(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.build(t, "root-1", planned(1, 2, 1))

	group, ok := service.GetNextPhase(rec)
	require.True(t, ok)
	assert.Equal(t, 0, group)

	for i := range rec.Units {
		if rec.Units[i].ParallelGroup == 0 {
			rec.Units[i].Status = models.CompletedUnitStatus
		}
	}
	group, ok = service.GetNextPhase(rec)
	require.True(t, ok)
	assert.Equal(t, 1, group)

	for i := range rec.Units {
		rec.Units[i].Status = models.CompletedUnitStatus
	}
	_, ok = service.GetNextPhase(rec)
	assert.False(t, ok)
}

func TestDispatchPhase(t *testing.T) {
	ctx := context.Background()

	t.Run("first phase", func(t *testing.T) {
		env := newTestEnv(t, nil)
		before := env.build(t, "root-1", planned(1, 2))

		results, err := env.svc.DispatchPhase(ctx, "root-1", 0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Dispatched)
		assert.Equal(t, 1, results[0].Sequence)

		rec := env.record(t, "root-1")
		assert.Equal(t, models.RunningWorkflowStatus, rec.Status)
		u := env.unit(t, "root-1", 1)
		assert.Equal(t, models.InFlightUnitStatus, u.Status)
		assert.Equal(t, 1, u.Attempts)
		require.NotNil(t, u.StartedAt)
		assert.Equal(t, env.clock.Now(), *u.StartedAt)
		assert.Equal(t, "ref-1", env.refOf(t, "root-1", 1))
		assert.Equal(t, models.PendingUnitStatus, env.unit(t, "root-1", 2).Status)

		subs := env.backend.submitted()
		require.Len(t, subs, 1)
		assert.Equal(t, "http://taskflow.test/callbacks/root-1", subs[0].CallbackURL)
		assert.Nil(t, subs[0].ContinuationRef)
		assert.Contains(t, subs[0].Prompt, "unit-1")
		assert.Contains(t, subs[0].Prompt, "do step 1")
		assert.Contains(t, subs[0].Prompt, "Verify: step 1 works")

		for i, bu := range before.Units {
			assert.Equal(t, bu.StableID, rec.Units[i].StableID)
		}
	})

	t.Run("nothing pending", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.build(t, "root-1", planned(1, 2))
		_, err := env.svc.DispatchPhase(ctx, "root-1", 0)
		require.NoError(t, err)

		results, err := env.svc.DispatchPhase(ctx, "root-1", 0)
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Len(t, env.backend.submitted(), 1)
	})

	t.Run("earlier phase not completed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.build(t, "root-1", planned(1, 2))

		_, err := env.svc.DispatchPhase(ctx, "root-1", 1)
		assert.ErrorIs(t, err, service.ErrPhaseNotReady)
		assert.Empty(t, env.backend.submitted())
		assert.Equal(t, models.PendingWorkflowStatus, env.record(t, "root-1").Status)
	})

	t.Run("unknown root", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.svc.DispatchPhase(ctx, "missing", 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("single unit record", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.svc.SubmitRequest(ctx, service.Request{RootID: "root-1", Text: "fix the typo"})
		require.NoError(t, err)

		_, err = env.svc.DispatchPhase(ctx, "root-1", 0)
		assert.ErrorIs(t, err, service.ErrNotDecomposed)
	})

	t.Run("partial submission failure", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.build(t, "root-1", planned(1, 3))
		_, err := env.svc.DispatchPhase(ctx, "root-1", 0)
		require.NoError(t, err)
		env.complete(t, "root-1", 1)

		env.backend.setFailing("unit-3", true)
		results, err := env.svc.DispatchPhase(ctx, "root-1", 1)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for _, r := range results {
			if r.Sequence == 3 {
				assert.False(t, r.Dispatched)
				assert.Contains(t, r.Error, "backend unavailable")
			} else {
				assert.True(t, r.Dispatched)
			}
		}
		assert.Equal(t, models.InFlightUnitStatus, env.unit(t, "root-1", 2).Status)
		assert.Equal(t, models.PendingUnitStatus, env.unit(t, "root-1", 3).Status)
		assert.Equal(t, 0, env.unit(t, "root-1", 3).Attempts)
		assert.Equal(t, models.InFlightUnitStatus, env.unit(t, "root-1", 4).Status)

		env.backend.setFailing("unit-3", false)
		results, err = env.svc.Advance(ctx, "root-1")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 3, results[0].Sequence)
		assert.Equal(t, models.InFlightUnitStatus, env.unit(t, "root-1", 3).Status)
	})

	t.Run("bounded concurrency", func(t *testing.T) {
		env := newTestEnv(t, nil, service.WithDispatchConcurrency(2))
		var current, peak atomic.Int32
		env.backend.hook = func(s service.Submission) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		}
		env.build(t, "root-1", planned(1, 5))
		_, err := env.svc.DispatchPhase(ctx, "root-1", 0)
		require.NoError(t, err)
		env.complete(t, "root-1", 1)

		results, err := env.svc.DispatchPhase(ctx, "root-1", 1)
		require.NoError(t, err)
		assert.Len(t, results, 5)
		assert.LessOrEqual(t, peak.Load(), int32(2))
	})

	t.Run("submission timeout", func(t *testing.T) {
		env := newTestEnv(t, nil, service.WithSubmitTimeout(5*time.Millisecond))
		env.backend.hook = func(s service.Submission) { time.Sleep(20 * time.Millisecond) }
		env.build(t, "root-1", planned(1))

		results, err := env.svc.DispatchPhase(ctx, "root-1", 0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.False(t, results[0].Dispatched)
		assert.Equal(t, models.PendingUnitStatus, env.unit(t, "root-1", 1).Status)
	})
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.build(t, "root-1", planned(1, 1))

	results, err := env.svc.Advance(ctx, "root-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ParallelGroup)

	results, err = env.svc.Advance(ctx, "root-1")
	assert.ErrorIs(t, err, service.ErrPhaseNotReady)
	assert.Nil(t, results)

	env.complete(t, "root-1", 1)
	results, err = env.svc.Advance(ctx, "root-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].ParallelGroup)

	env.complete(t, "root-1", 2)
	results, err = env.svc.Advance(ctx, "root-1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestWritesStampUpdatedAtFromClock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.build(t, "root-1", planned(1, 2))
	created := env.record(t, "root-1").UpdatedAt
	assert.True(t, env.clock.Now().Equal(created))

	env.clock.Advance(time.Minute)
	_, err := env.svc.DispatchPhase(ctx, "root-1", 0)
	require.NoError(t, err)
	assert.True(t, env.clock.Now().Equal(env.record(t, "root-1").UpdatedAt))

	env.clock.Advance(time.Minute)
	env.complete(t, "root-1", 1)
	assert.True(t, env.clock.Now().Equal(env.record(t, "root-1").UpdatedAt))

	// Only units change here: the record stays RUNNING with the same counters.
	env.clock.Advance(time.Minute)
	_, err = env.svc.DispatchPhase(ctx, "root-1", 1)
	require.NoError(t, err)
	rec := env.record(t, "root-1")
	assert.Equal(t, models.RunningWorkflowStatus, rec.Status)
	assert.True(t, env.clock.Now().Equal(rec.UpdatedAt))
	assert.True(t, rec.UpdatedAt.After(created))
}

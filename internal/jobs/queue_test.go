package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startQueue runs the pool in the background and returns a stopper that
// blocks until every worker exits.
func startQueue(t *testing.T, q *Queue, workers int) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Start(ctx, workers)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitState(t *testing.T, q *Queue, jobID string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := q.Get(jobID); ok && j.State == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, _ := q.Get(jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, want, j)
	return nil
}

func TestEnqueueRunSucceed(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)
	q.Register("echo", func(ctx context.Context, j *Job) (json.RawMessage, error) {
		return j.Payload, nil
	})
	stop := startQueue(t, q, 2)
	defer stop()

	j, err := q.Enqueue("echo", "plan_1", "", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, StateQueued, j.State)

	got := waitState(t, q, j.JobID, StateSucceeded)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt)
}

func TestHandlerErrorFailsJob(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)
	q.Register("boom", func(ctx context.Context, j *Job) (json.RawMessage, error) {
		return nil, errors.New("portal on fire")
	})
	stop := startQueue(t, q, 1)
	defer stop()

	j, err := q.Enqueue("boom", "", "", nil)
	require.NoError(t, err)
	got := waitState(t, q, j.JobID, StateFailed)
	assert.Equal(t, "portal on fire", got.Error)
}

func TestUnknownKindFails(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)
	stop := startQueue(t, q, 1)
	defer stop()

	j, err := q.Enqueue("nobody-home", "", "", nil)
	require.NoError(t, err)
	got := waitState(t, q, j.JobID, StateFailed)
	assert.Contains(t, got.Error, "no handler registered")
}

func TestCancelQueuedJob(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)
	// No workers started: the job stays queued.
	j, err := q.Enqueue("echo", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(j.JobID))
	got, ok := q.Get(j.JobID)
	require.True(t, ok)
	assert.Equal(t, StateCanceled, got.State)

	assert.Error(t, q.Cancel(j.JobID), "terminal jobs cannot cancel twice")
}

func TestCancelRunningJobCooperatively(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)

	started := make(chan struct{})
	q.Register("slow", func(ctx context.Context, j *Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	stop := startQueue(t, q, 1)
	defer stop()

	j, err := q.Enqueue("slow", "", "", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Cancel(j.JobID))
	got := waitState(t, q, j.JobID, StateCanceled)
	assert.Equal(t, "canceled while running", got.Error)
}

func TestPerPlanSerialization(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)

	var mu sync.Mutex
	active := 0
	maxActive := 0
	q.Register("plan-work", func(ctx context.Context, j *Job) (json.RawMessage, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	})
	stop := startQueue(t, q, 4)
	defer stop()

	var ids []string
	for i := 0; i < 3; i++ {
		j, enqErr := q.Enqueue("plan-work", "plan_shared", "", nil)
		require.NoError(t, enqErr)
		ids = append(ids, j.JobID)
	}
	for _, id := range ids {
		waitState(t, q, id, StateSucceeded)
	}
	assert.Equal(t, 1, maxActive, "same-plan jobs never overlap")
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	q1, err := NewQueue(dir)
	require.NoError(t, err)

	started := make(chan struct{})
	q1.Register("wedge", func(ctx context.Context, j *Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, errors.New("wedged")
	})
	stop := startQueue(t, q1, 1)

	running, err := q1.Enqueue("wedge", "", "", nil)
	require.NoError(t, err)
	<-started
	queued, err := q1.Enqueue("wedge", "", "", nil)
	require.NoError(t, err)

	// Simulate the crash: tear the pool down while job one is mid-flight.
	stop()

	q2, err := NewQueue(dir)
	require.NoError(t, err)

	gotQueued, ok := q2.Get(queued.JobID)
	require.True(t, ok)
	assert.Equal(t, StateQueued, gotQueued.State, "queued job survives the restart")

	gotRunning, ok := q2.Get(running.JobID)
	require.True(t, ok)
	// Depending on shutdown timing the first job either finished FAILED or
	// was still RUNNING in the log and is failed on replay.
	assert.Equal(t, StateFailed, gotRunning.State)

	// The surviving job runs to completion on the new queue.
	q2.Register("wedge", func(ctx context.Context, j *Job) (json.RawMessage, error) {
		return nil, nil
	})
	stop2 := startQueue(t, q2, 1)
	defer stop2()
	waitState(t, q2, queued.JobID, StateSucceeded)
}

func TestListOrderedOldestFirst(t *testing.T) {
	q, err := NewQueue(t.TempDir())
	require.NoError(t, err)
	a, err := q.Enqueue("k", "", "", nil)
	require.NoError(t, err)
	b, err := q.Enqueue("k", "", "", nil)
	require.NoError(t, err)

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.JobID, list[0].JobID)
	assert.Equal(t, b.JobID, list[1].JobID)
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"caebridge/internal/logging"
	"caebridge/internal/metrics"
	"caebridge/internal/persist"
)

// Handler executes one job kind. The context is canceled when the job is
// canceled or the queue shuts down; handlers must stop between items.
type Handler func(ctx context.Context, job *Job) (result json.RawMessage, err error)

// Queue is the persistent FIFO job queue with a bounded worker pool.
type Queue struct {
	mu       sync.Mutex
	log      *persist.AppendLog
	jobs     map[string]*Job
	order    []string // FIFO over queued job ids
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc
	locks    *planLocks
	wake     chan struct{}
	lg       interface {
		Infow(string, ...any)
		Warnw(string, ...any)
		Errorw(string, ...any)
	}
}

// NewQueue replays jobs/jobs.jsonl under root. Jobs found RUNNING were
// interrupted by a crash and are failed; QUEUED jobs stay queued and run
// once Start is called.
func NewQueue(root string) (*Queue, error) {
	path := filepath.Join(root, "jobs", "jobs.jsonl")
	events, err := persist.ReadLines[event](path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("replay job log: %w", err)
	}

	q := &Queue{
		jobs:     make(map[string]*Job),
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
		locks:    newPlanLocks(),
		wake:     make(chan struct{}, 1),
		lg:       logging.Get(logging.CategoryJobs),
	}
	for _, ev := range events {
		if ev.Job != nil {
			q.jobs[ev.Job.JobID] = ev.Job.clone()
			continue
		}
		if j, ok := q.jobs[ev.JobID]; ok {
			// Replay tolerates a torn final write.
			if applyErr := j.apply(ev); applyErr != nil {
				q.lg.Warnw("job log replay skipped event", "job_id", ev.JobID, "error", applyErr)
			}
		}
	}

	q.log, err = persist.NewAppendLog(path)
	if err != nil {
		return nil, err
	}

	// Recover: interrupted RUNNING jobs fail, surviving QUEUED jobs re-enter
	// the FIFO in creation order.
	pending := make([]*Job, 0)
	for _, j := range q.jobs {
		switch j.State {
		case StateRunning:
			now := time.Now().UTC()
			j.State = StateFailed
			j.Error = "interrupted by restart"
			j.EndedAt = &now
			if err := q.log.Append(event{JobID: j.JobID, TS: now, State: StateFailed, Error: j.Error}); err != nil {
				return nil, err
			}
		case StateQueued:
			pending = append(pending, j)
		}
	}
	sortJobs(pending)
	for _, j := range pending {
		q.order = append(q.order, j.JobID)
	}
	return q, nil
}

// Register binds a job kind to its handler. Kinds without a handler fail at
// execution time, not at enqueue.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue persists and queues a new job.
func (q *Queue) Enqueue(kind, planID, packID string, payload json.RawMessage) (*Job, error) {
	j := newJob(kind, planID, packID, payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.log.Append(event{JobID: j.JobID, TS: j.CreatedAt, State: StateQueued, Job: j}); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	q.jobs[j.JobID] = j
	q.order = append(q.order, j.JobID)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j.clone(), nil
}

// Get returns a snapshot of one job.
func (q *Queue) Get(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// List returns snapshots of all jobs, oldest first.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.clone())
	}
	sortJobs(out)
	return out
}

// Cancel requests cancellation. A queued job cancels immediately; a running
// job gets its context canceled and finishes cooperatively.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	switch j.State {
	case StateQueued:
		return q.transitionLocked(j, StateCanceled, "canceled before start", nil)
	case StateRunning:
		if cancel, live := q.cancels[jobID]; live {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("job %s already %s", jobID, j.State)
	}
}

func (q *Queue) transitionLocked(j *Job, to State, errMsg string, result json.RawMessage) error {
	ev := event{JobID: j.JobID, TS: time.Now().UTC(), State: to, Error: errMsg, Result: result}
	if err := j.apply(ev); err != nil {
		return err
	}
	return q.log.Append(ev)
}

// Start runs the worker pool until ctx is canceled. Workers pull jobs FIFO;
// jobs sharing a plan_id are serialized by a per-plan mutex.
func (q *Queue) Start(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				j := q.next()
				if j == nil {
					// The wake signal is best-effort (capacity 1), so idle
					// workers also poll.
					select {
					case <-ctx.Done():
						return nil
					case <-q.wake:
					case <-time.After(250 * time.Millisecond):
					}
					continue
				}
				q.execute(ctx, j)
			}
		})
	}
	return g.Wait()
}

// next pops the oldest queued job, marking it RUNNING, or returns nil.
func (q *Queue) next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		j, ok := q.jobs[id]
		if !ok || j.State != StateQueued {
			continue
		}
		if err := q.transitionLocked(j, StateRunning, "", nil); err != nil {
			q.lg.Errorw("job start transition failed", "job_id", id, "error", err)
			continue
		}
		return j
	}
	return nil
}

func (q *Queue) execute(ctx context.Context, j *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancels[j.JobID] = cancel
	handler := q.handlers[j.Kind]
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancels, j.JobID)
		q.mu.Unlock()
	}()

	if j.PlanID != "" {
		l := q.locks.lockFor(j.PlanID)
		l.Lock()
		defer l.Unlock()
	}

	var result json.RawMessage
	var err error
	started := time.Now()
	if handler == nil {
		err = fmt.Errorf("no handler registered for kind %q", j.Kind)
	} else {
		result, err = handler(jobCtx, j)
	}
	metrics.JobDuration.WithLabelValues(j.Kind).Observe(time.Since(started).Seconds())

	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case err == nil:
		err = q.transitionLocked(j, StateSucceeded, "", result)
	case jobCtx.Err() != nil && ctx.Err() == nil:
		// Canceled individually, not by shutdown.
		err = q.transitionLocked(j, StateCanceled, "canceled while running", result)
	default:
		err = q.transitionLocked(j, StateFailed, err.Error(), result)
	}
	if err != nil {
		q.lg.Errorw("job finish transition failed", "job_id", j.JobID, "error", err)
	}
}

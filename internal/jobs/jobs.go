// Package jobs is the persistent background queue for long-running work,
// primarily plan apply. State changes are append-only events in
// jobs/jobs.jsonl; replaying the log at startup reconstructs the queue, so a
// crash never loses a queued job.
package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the job lifecycle. QUEUED -> RUNNING -> {SUCCEEDED, FAILED,
// CANCELED}; CANCELED is also reachable straight from QUEUED.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCanceled  State = "CANCELED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Job is one unit of background work.
type Job struct {
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	PlanID    string          `json:"plan_id,omitempty"`
	PackID    string          `json:"pack_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	State     State           `json:"state"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// event is one append-only log line. Enqueue events carry the full job;
// transitions carry only the delta.
type event struct {
	JobID  string          `json:"job_id"`
	TS     time.Time       `json:"ts"`
	State  State           `json:"state"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Job    *Job            `json:"job,omitempty"`
}

func newJob(kind, planID, packID string, payload json.RawMessage) *Job {
	return &Job{
		JobID:     "job_" + uuid.NewString(),
		Kind:      kind,
		PlanID:    planID,
		PackID:    packID,
		Payload:   payload,
		State:     StateQueued,
		CreatedAt: time.Now().UTC(),
	}
}

func (j *Job) clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (j *Job) apply(ev event) error {
	switch ev.State {
	case StateRunning:
		if j.State != StateQueued {
			return fmt.Errorf("job %s: cannot run from %s", j.JobID, j.State)
		}
		ts := ev.TS
		j.StartedAt = &ts
	case StateSucceeded, StateFailed:
		if j.State != StateRunning {
			return fmt.Errorf("job %s: cannot finish from %s", j.JobID, j.State)
		}
		ts := ev.TS
		j.EndedAt = &ts
	case StateCanceled:
		if j.State.Terminal() {
			return fmt.Errorf("job %s: already %s", j.JobID, j.State)
		}
		ts := ev.TS
		j.EndedAt = &ts
	default:
		return fmt.Errorf("job %s: unknown transition to %s", j.JobID, ev.State)
	}
	j.State = ev.State
	j.Error = ev.Error
	if ev.Result != nil {
		j.Result = ev.Result
	}
	return nil
}

// sortJobs orders by creation time, oldest first, id as tiebreaker.
func sortJobs(list []*Job) {
	sort.Slice(list, func(i, k int) bool {
		if list[i].CreatedAt.Equal(list[k].CreatedAt) {
			return list[i].JobID < list[k].JobID
		}
		return list[i].CreatedAt.Before(list[k].CreatedAt)
	})
}

// planLocks serializes jobs that touch the same plan.
type planLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPlanLocks() *planLocks {
	return &planLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *planLocks) lockFor(planID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[planID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[planID] = l
	}
	return l
}

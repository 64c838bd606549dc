// Package run models a HeadfulRun: an operator-visible browser session with
// a strict state machine, an append-only timeline, and a derived risk level.
package run

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"caebridge/internal/autoerr"
	"caebridge/internal/logging"
	"caebridge/internal/persist"
)

// State is the lifecycle position of a run.
type State string

const (
	StateCreated        State = "CREATED"
	StateBrowserStarted State = "BROWSER_STARTED"
	StateAuthenticated  State = "AUTHENTICATED"
	StateReady          State = "READY"
	StateExecuting      State = "EXECUTING"
	StateClosed         State = "CLOSED"
	StateFailed         State = "FAILED"
)

// transitions lists the legal forward edges. FAILED is reachable from any
// state and CLOSED from any non-terminal state.
var transitions = map[State][]State{
	StateCreated:        {StateBrowserStarted},
	StateBrowserStarted: {StateAuthenticated},
	StateAuthenticated:  {StateReady},
	StateReady:          {StateExecuting},
	StateExecuting:      {StateReady},
}

// EventTag classifies a timeline entry.
type EventTag string

const (
	TagRunStarted EventTag = "RUN_STARTED"
	TagInfo       EventTag = "INFO"
	TagSuccess    EventTag = "SUCCESS"
	TagAction     EventTag = "ACTION"
	TagWarning    EventTag = "WARNING"
	TagError      EventTag = "ERROR"
	TagRunClosed  EventTag = "RUN_CLOSED"
)

// RiskLevel is derived from the timeline on every write.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TimelineEvent is one append-only timeline entry.
type TimelineEvent struct {
	Seq     int64             `json:"seq"`
	TS      time.Time         `json:"ts"`
	Tag     EventTag          `json:"tag"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Run is one headful session. All mutation goes through the run mutex; a
// separate action slot admits a single execute_action at a time.
type Run struct {
	mu sync.Mutex

	RunID            string   `json:"run_id"`
	PlatformKey      string   `json:"platform_key"`
	TenantID         string   `json:"tenant_id"`
	StorageStatePath string   `json:"storage_state_path"`
	AllowedDomains   []string `json:"allowed_domains"`

	state        State
	timeline     []TimelineEvent
	risk         RiskLevel
	warnLimit    int
	manifestPath string
}

// Status is the atomically-published snapshot consumers read.
type Status struct {
	RunID       string          `json:"run_id"`
	PlatformKey string          `json:"platform_key"`
	TenantID    string          `json:"tenant_id"`
	State       State           `json:"state"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Timeline    []TimelineEvent `json:"timeline"`
}

// New creates a run in CREATED. warnLimit is the medium-risk threshold for
// WARNING/ACTION events.
func New(root, platformKey, tenantID string, allowedDomains []string, warnLimit int) *Run {
	id := "run_" + uuid.NewString()
	r := &Run{
		RunID:            id,
		PlatformKey:      platformKey,
		TenantID:         tenantID,
		StorageStatePath: filepath.Join(root, "storage_state", platformKey+"_"+tenantID+".json"),
		AllowedDomains:   allowedDomains,
		state:            StateCreated,
		risk:             RiskLow,
		warnLimit:        warnLimit,
		manifestPath:     filepath.Join(root, "runs", id, "run_manifest.json"),
	}
	r.appendLocked(TagRunStarted, "run created", nil)
	return r
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transition moves the run along a legal edge. CLOSED and FAILED are
// reachable from anywhere; anything else must follow the machine.
func (r *Run) Transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Run) transitionLocked(to State) error {
	from := r.state
	switch to {
	case StateFailed:
		// always legal
	case StateClosed:
		if from == StateClosed {
			return fmt.Errorf("run %s already closed", r.RunID)
		}
	default:
		legal := false
		for _, next := range transitions[from] {
			if next == to {
				legal = true
				break
			}
		}
		if !legal {
			return fmt.Errorf("illegal transition %s -> %s for run %s", from, to, r.RunID)
		}
	}
	r.state = to
	tag := TagInfo
	switch to {
	case StateFailed:
		tag = TagError
	case StateClosed:
		tag = TagRunClosed
	case StateReady, StateAuthenticated:
		tag = TagSuccess
	}
	r.appendLocked(tag, fmt.Sprintf("state %s -> %s", from, to), nil)
	return nil
}

// BeginAction admits one execute_action; only READY accepts it.
func (r *Run) BeginAction() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReady {
		return autoerr.Policy(autoerr.CodePolicyRejected,
			fmt.Sprintf("run %s cannot execute actions in state %s", r.RunID, r.state))
	}
	return r.transitionLocked(StateExecuting)
}

// EndAction releases the action slot: back to READY, or FAILED on a
// terminal error.
func (r *Run) EndAction(actionErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateExecuting {
		return fmt.Errorf("run %s is not executing", r.RunID)
	}
	if actionErr != nil {
		r.appendLocked(TagError, actionErr.Error(), nil)
		return r.transitionLocked(StateFailed)
	}
	return r.transitionLocked(StateReady)
}

// Append writes a timeline event and recomputes risk.
func (r *Run) Append(tag EventTag, message string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(tag, message, fields)
}

func (r *Run) appendLocked(tag EventTag, message string, fields map[string]string) {
	r.timeline = append(r.timeline, TimelineEvent{
		Seq:     int64(len(r.timeline) + 1),
		TS:      time.Now().UTC(),
		Tag:     tag,
		Message: message,
		Fields:  fields,
	})
	r.risk = r.computeRiskLocked()
	if err := persist.SaveJSON(r.manifestPath, r.statusLocked()); err != nil {
		logging.Get(logging.CategoryRun).Warnw("manifest write failed",
			"run_id", r.RunID, "error", err)
	}
}

func (r *Run) computeRiskLocked() RiskLevel {
	warnings := 0
	for _, ev := range r.timeline {
		switch ev.Tag {
		case TagError:
			return RiskHigh
		case TagWarning, TagAction:
			warnings++
		}
	}
	if warnings > r.warnLimit {
		return RiskMedium
	}
	return RiskLow
}

func (r *Run) statusLocked() Status {
	return Status{
		RunID:       r.RunID,
		PlatformKey: r.PlatformKey,
		TenantID:    r.TenantID,
		State:       r.state,
		RiskLevel:   r.risk,
		Timeline:    append([]TimelineEvent(nil), r.timeline...),
	}
}

// Snapshot returns a copy of the run status.
func (r *Run) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

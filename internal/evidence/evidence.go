// Package evidence owns everything a run leaves behind: the append-only
// trace, the artifact files, and the manifest that indexes them. Sensitive
// values never reach disk unredacted.
package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"caebridge/internal/logging"
	"caebridge/internal/persist"
	"caebridge/internal/textnorm"
)

// Kind classifies a stored artifact.
type Kind string

const (
	KindDOMSnapshot  Kind = "dom_snapshot"
	KindHTMLFull     Kind = "html_full"
	KindScreenshot   Kind = "screenshot"
	KindFormSnapshot Kind = "form_snapshot"
	KindLog          Kind = "log"
)

// Artifact is one manifest entry.
type Artifact struct {
	Kind         Kind   `json:"kind"`
	RelativePath string `json:"relative_path"`
	SHA256       string `json:"sha256"`
	SizeBytes    int64  `json:"size_bytes"`
}

// EventType is the closed trace vocabulary. Adding a value is an external
// contract change.
type EventType string

const (
	EvRunStarted           EventType = "run_started"
	EvRunFinished          EventType = "run_finished"
	EvObservationCaptured  EventType = "observation_captured"
	EvProposalReceived     EventType = "proposal_received"
	EvProposalAccepted     EventType = "proposal_accepted"
	EvProposalRejected     EventType = "proposal_rejected"
	EvActionCompiled       EventType = "action_compiled"
	EvPreconditionsChecked EventType = "preconditions_checked"
	EvActionStarted        EventType = "action_started"
	EvActionExecuted       EventType = "action_executed"
	EvPostconditionsChecked EventType = "postconditions_checked"
	EvAssertChecked        EventType = "assert_checked"
	EvRetryScheduled       EventType = "retry_scheduled"
	EvBackoffApplied       EventType = "backoff_applied"
	EvRecoveryStarted      EventType = "recovery_started"
	EvRecoveryFinished     EventType = "recovery_finished"
	EvPolicyHalt           EventType = "policy_halt"
	EvEvidenceCaptured     EventType = "evidence_captured"
	EvErrorRaised          EventType = "error_raised"
	EvInspectionStarted    EventType = "inspection_started"
	EvInspectionFinished   EventType = "inspection_finished"
)

// TraceEvent is one line of trace.jsonl.
type TraceEvent struct {
	RunID                string         `json:"run_id"`
	Seq                  int64          `json:"seq"`
	TSUTC                time.Time      `json:"ts_utc"`
	EventType            EventType      `json:"event_type"`
	StepID               string         `json:"step_id,omitempty"`
	StateSignatureBefore string         `json:"state_signature_before,omitempty"`
	StateSignatureAfter  string         `json:"state_signature_after,omitempty"`
	ActionSpec           string         `json:"action_spec,omitempty"`
	Result               string         `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
	EvidenceRefs         []string       `json:"evidence_refs,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// criticalActions trigger full HTML + screenshot persistence.
var criticalActions = map[string]bool{
	"submit": true, "upload": true, "confirm": true, "payment": true,
	"delete": true, "send": true, "sign": true, "finalize": true,
}

// IsCritical reports whether an action name forces full evidence capture.
func IsCritical(action string) bool {
	return criticalActions[textnorm.Normalize(action)]
}

// Recorder collects a single run's evidence under runs/<run_id>/.
type Recorder struct {
	mu        sync.Mutex
	runID     string
	dir       string
	seq       int64
	trace     *persist.AppendLog
	artifacts []Artifact
	redact    bool
}

// NewRecorder opens the evidence tree for a run. With redact set, HTML and
// DOM artifacts pass through the redactor before hitting disk.
func NewRecorder(root, runID string, redact bool) (*Recorder, error) {
	dir := filepath.Join(root, "runs", runID)
	for _, sub := range []string{"evidence/dom", "evidence/html", "evidence/shots"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create evidence dirs: %w", err)
		}
	}
	trace, err := persist.NewAppendLog(filepath.Join(dir, "trace.jsonl"))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		runID:  runID,
		dir:    dir,
		trace:  trace,
		redact: redact,
	}, nil
}

// Dir returns the run's root directory.
func (r *Recorder) Dir() string { return r.dir }

// Emit appends one trace event, assigning the monotonic gap-free seq.
func (r *Recorder) Emit(ev TraceEvent) (TraceEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.RunID = r.runID
	ev.Seq = r.seq
	ev.TSUTC = time.Now().UTC()
	if err := r.trace.Append(ev); err != nil {
		return ev, fmt.Errorf("append trace: %w", err)
	}
	return ev, nil
}

// saveArtifact writes content, hashes it and registers the manifest entry.
func (r *Recorder) saveArtifact(kind Kind, rel string, content []byte) (Artifact, error) {
	if r.redact && (kind == KindHTMLFull || kind == KindDOMSnapshot || kind == KindFormSnapshot) {
		content = Redact(content)
	}
	abs := filepath.Join(r.dir, rel)
	if err := persist.WriteFileAtomic(abs, content, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write %s: %w", rel, err)
	}
	a := Artifact{
		Kind:         kind,
		RelativePath: rel,
		SHA256:       textnorm.SHA256Hex(content),
		SizeBytes:    int64(len(content)),
	}
	r.mu.Lock()
	r.artifacts = append(r.artifacts, a)
	r.mu.Unlock()

	_, err := r.Emit(TraceEvent{
		EventType:    EvEvidenceCaptured,
		EvidenceRefs: []string{rel},
		Metadata:     map[string]any{"kind": string(kind), "sha256": a.SHA256},
	})
	return a, err
}

// SaveDOM stores a partial DOM snapshot for a step phase (before/after).
func (r *Recorder) SaveDOM(step int, phase string, dom []byte) (Artifact, error) {
	return r.saveArtifact(KindDOMSnapshot,
		filepath.Join("evidence", "dom", fmt.Sprintf("step_%d_%s.json", step, phase)), dom)
}

// SaveHTML stores a full page capture; reserved for failures and critical
// actions.
func (r *Recorder) SaveHTML(step int, html []byte) (Artifact, error) {
	return r.saveArtifact(KindHTMLFull,
		filepath.Join("evidence", "html", fmt.Sprintf("step_%d_full.html", step)), html)
}

// SaveScreenshot stores a PNG plus a sibling .sha256 file.
func (r *Recorder) SaveScreenshot(step int, phase string, png []byte) (Artifact, error) {
	rel := filepath.Join("evidence", "shots", fmt.Sprintf("step_%d_%s.png", step, phase))
	a, err := r.saveArtifact(KindScreenshot, rel, png)
	if err != nil {
		return a, err
	}
	sum := []byte(a.SHA256 + "\n")
	if err := persist.WriteFileAtomic(filepath.Join(r.dir, rel+".sha256"), sum, 0o644); err != nil {
		return a, err
	}
	return a, nil
}

// SaveFormSnapshot stores the filled form state ahead of a submit.
func (r *Recorder) SaveFormSnapshot(step int, form []byte) (Artifact, error) {
	return r.saveArtifact(KindFormSnapshot,
		filepath.Join("evidence", "dom", fmt.Sprintf("step_%d_form.json", step)), form)
}

// SaveLog stores the per-item human-readable log.
func (r *Recorder) SaveLog(name string, content []byte) (Artifact, error) {
	return r.saveArtifact(KindLog, name, content)
}

// Artifacts returns a copy of the manifest entries so far.
func (r *Recorder) Artifacts() []Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Artifact(nil), r.artifacts...)
}

// WriteManifest seals evidence_manifest.json for the run.
func (r *Recorder) WriteManifest() error {
	r.mu.Lock()
	arts := append([]Artifact(nil), r.artifacts...)
	r.mu.Unlock()
	if err := persist.SaveJSON(filepath.Join(r.dir, "evidence_manifest.json"), arts); err != nil {
		return err
	}
	logging.Get(logging.CategoryEvidence).Infow("evidence manifest written",
		"run_id", r.runID, "artifacts", len(arts))
	return nil
}

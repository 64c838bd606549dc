// Package metrics exposes Prometheus counters for the automation pipeline
// and writes the per-run metrics artifact consumed by the summary endpoint.
package metrics

import (
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"caebridge/internal/persist"
	"caebridge/internal/plan"
)

var (
	// UploadsTotal counts gated uploads by outcome: submitted, failed, skipped.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caebridge_uploads_total",
		Help: "Gated portal uploads by outcome.",
	}, []string{"outcome"})

	// PlansBuilt counts sealed plans.
	PlansBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caebridge_plans_built_total",
		Help: "Execution plans built and sealed.",
	})

	// MatchDecisions counts matching decisions by policy outcome.
	MatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caebridge_match_decisions_total",
		Help: "Policy decisions produced during plan builds.",
	}, []string{"decision"})

	// RunsStarted counts headful runs by platform.
	RunsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caebridge_runs_started_total",
		Help: "Headful portal runs started.",
	}, []string{"platform"})

	// JobDuration observes background job wall time by kind.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caebridge_job_duration_seconds",
		Help:    "Background job duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})
)

// RunMetrics is the per-run artifact at runs/<run_id>/metrics.json.
type RunMetrics struct {
	RunID           string         `json:"run_id"`
	PlanID          string         `json:"plan_id,omitempty"`
	TotalItems      int            `json:"total_items"`
	DecisionsCount  map[string]int `json:"decisions_count"`
	SourceBreakdown map[string]int `json:"source_breakdown"`
	Submitted       int            `json:"submitted"`
	Failed          int            `json:"failed"`
	Skipped         int            `json:"skipped"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// FromPlan pre-fills the decision and source breakdowns from plan items.
func FromPlan(runID string, p *plan.Plan) *RunMetrics {
	rm := &RunMetrics{
		RunID:           runID,
		PlanID:          p.PlanID,
		TotalItems:      len(p.Items),
		DecisionsCount:  make(map[string]int),
		SourceBreakdown: make(map[string]int),
		StartedAt:       time.Now().UTC(),
	}
	for _, it := range p.Items {
		rm.DecisionsCount[string(it.Evaluation.Decision)]++
		if it.Source != "" {
			rm.SourceBreakdown[it.Source]++
		}
	}
	return rm
}

// CountOutcome records one upload outcome in both the artifact and the
// Prometheus counter.
func (rm *RunMetrics) CountOutcome(outcome string) {
	switch outcome {
	case "submitted":
		rm.Submitted++
	case "failed":
		rm.Failed++
	case "skipped":
		rm.Skipped++
	}
	UploadsTotal.WithLabelValues(outcome).Inc()
}

// Write finalizes the artifact under root/runs/<run_id>/metrics.json.
func (rm *RunMetrics) Write(root string) error {
	rm.FinishedAt = time.Now().UTC()
	return persist.SaveJSON(filepath.Join(root, "runs", rm.RunID, "metrics.json"), rm)
}

// ObservePlan feeds the plan-level counters after a successful seal.
func ObservePlan(p *plan.Plan) {
	PlansBuilt.Inc()
	for _, it := range p.Items {
		MatchDecisions.WithLabelValues(string(it.Evaluation.Decision)).Inc()
	}
}

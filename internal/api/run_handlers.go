package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"caebridge/internal/apply"
	"caebridge/internal/jobs"
	"caebridge/internal/metrics"
	"caebridge/internal/persist"
	"caebridge/internal/repository"
	"caebridge/internal/run"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Runs.List())
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	live, ok := s.Runs.Get(runID)
	if !ok {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "run not found: " + runID})
		return
	}
	s.respond(w, http.StatusOK, live.Snapshot())
}

// handleRunMetrics serves the per-run metrics artifact written at the end of
// an apply session.
func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	var rm metrics.RunMetrics
	path := filepath.Join(s.Cfg.DataDir, "runs", runID, "metrics.json")
	if err := persist.LoadJSON(path, &rm); err != nil {
		if os.IsNotExist(err) {
			s.fail(w, repository.ErrNotFound{ID: runID})
			return
		}
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, rm)
}

func (s *Server) handleCloseRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	s.closeSession(runID)
	if err := s.Runs.Close(runID); err != nil {
		s.fail(w, err)
		return
	}
	live, _ := s.Runs.Get(runID)
	s.respond(w, http.StatusOK, live.Snapshot())
}

// handleMetricsSummary aggregates every per-run artifact on disk.
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		Runs       int `json:"runs"`
		TotalItems int `json:"total_items"`
		Submitted  int `json:"submitted"`
		Failed     int `json:"failed"`
		Skipped    int `json:"skipped"`
	}
	var out summary
	entries, err := os.ReadDir(filepath.Join(s.Cfg.DataDir, "runs"))
	if err != nil && !os.IsNotExist(err) {
		s.fail(w, err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var rm metrics.RunMetrics
		if err := persist.LoadJSON(filepath.Join(s.Cfg.DataDir, "runs", e.Name(), "metrics.json"), &rm); err != nil {
			continue
		}
		out.Runs++
		out.TotalItems += rm.TotalItems
		out.Submitted += rm.Submitted
		out.Failed += rm.Failed
		out.Skipped += rm.Skipped
	}
	s.respond(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is a local desktop shell; same-origin enforcement is not useful.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRunEvents streams the run timeline over a websocket: a snapshot of
// existing events first, then new events as they land, until the run closes
// or the client hangs up.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	live, ok := s.Runs.Get(runID)
	if !ok {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "run not found: " + runID})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer ws.Close()

	sent := int64(0)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := live.Snapshot()
		for _, ev := range snap.Timeline {
			if ev.Seq <= sent {
				continue
			}
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
			sent = ev.Seq
		}
		if snap.State == run.StateClosed || snap.State == run.StateFailed {
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.State)))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleApplyPlan runs a gated apply synchronously. The real-uploader intent
// must arrive both in config-gated environment and as an explicit header.
func (s *Server) handleApplyPlan(w http.ResponseWriter, r *http.Request) {
	var req apply.Request
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid apply request: "+err.Error())
		return
	}
	if planID := mux.Vars(r)["plan_id"]; planID != "" {
		req.PlanID = planID
	}
	req.RealUploader = r.Header.Get("X-USE-REAL-UPLOADER") == "1"
	if req.ClientRequestID == "" {
		req.ClientRequestID = r.Header.Get("X-Client-Request-Id")
	}

	summary, err := s.Apply.Execute(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, summary)
}

// applyJobPayload is the queued form of an apply request.
type applyJobPayload struct {
	apply.Request
	RealUploader bool `json:"real_uploader"`
}

// handleEnqueueApply queues an apply job instead of blocking the caller.
// The gate still runs before anything queues, so a doomed request fails fast.
func (s *Server) handleEnqueueApply(w http.ResponseWriter, r *http.Request) {
	var req apply.Request
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid apply request: "+err.Error())
		return
	}
	req.RealUploader = r.Header.Get("X-USE-REAL-UPLOADER") == "1"
	if req.ClientRequestID == "" {
		req.ClientRequestID = r.Header.Get("X-Client-Request-Id")
	}

	if _, _, err := s.Apply.Gate(req); err != nil {
		s.fail(w, err)
		return
	}

	payload, err := json.Marshal(applyJobPayload{Request: req, RealUploader: req.RealUploader})
	if err != nil {
		s.fail(w, err)
		return
	}
	job, err := s.Queue.Enqueue(apply.JobKind, req.PlanID, req.PackID, payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Queue.List())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, ok := s.Queue.Get(jobID)
	if !ok {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "job not found: " + jobID})
		return
	}
	s.respond(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if err := s.Queue.Cancel(jobID); err != nil {
		s.fail(w, fmt.Errorf("cancel job: %w", err))
		return
	}
	job, _ := s.Queue.Get(jobID)
	s.respond(w, http.StatusOK, job)
}

// RegisterApplyJobHandler binds the apply job kind to the service. Called
// once at boot, before the queue starts.
func RegisterApplyJobHandler(queue *jobs.Queue, svc *apply.Service) {
	queue.Register(apply.JobKind, func(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
		var payload applyJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode apply payload: %w", err)
		}
		payload.Request.RealUploader = payload.RealUploader
		summary, err := svc.Execute(ctx, payload.Request)
		if err != nil {
			return nil, err
		}
		return json.Marshal(summary)
	})
}

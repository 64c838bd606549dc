// Package api exposes the REST and websocket surface. Handlers are thin:
// they decode, call a store or service, and map errors through the shared
// taxonomy (409 conflicts, 404 missing ids, 422 policy and execution
// failures, 400 malformed input).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"caebridge/internal/apply"
	"caebridge/internal/autoerr"
	"caebridge/internal/config"
	"caebridge/internal/history"
	"caebridge/internal/jobs"
	"caebridge/internal/learning"
	"caebridge/internal/logging"
	"caebridge/internal/plan"
	"caebridge/internal/portal"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
	"caebridge/internal/run"
)

// Server bundles every subsystem behind the HTTP surface.
type Server struct {
	Cfg      *config.Config
	Catalogs *config.Catalogs
	Repo     *repository.Store
	Rules    *rules.Store
	Hints    *learning.Store
	History  *history.Store
	Plans    *plan.Store
	Builder  *plan.Builder
	Runs     *run.Manager
	Queue    *jobs.Queue
	Apply    *apply.Service

	// Connect builds portal sessions for interactive runs; swappable in tests.
	Connect portal.Factory

	sessMu   sync.Mutex
	sessions map[string]*liveSession

	log *zap.SugaredLogger
}

// NewServer wires the router dependencies.
func NewServer(cfg *config.Config, cats *config.Catalogs, repo *repository.Store,
	ruleStore *rules.Store, hints *learning.Store, hist *history.Store,
	plans *plan.Store, builder *plan.Builder, runs *run.Manager,
	queue *jobs.Queue, applySvc *apply.Service) *Server {
	return &Server{
		Cfg:      cfg,
		Catalogs: cats,
		Repo:     repo,
		Rules:    ruleStore,
		Hints:    hints,
		History:  hist,
		Plans:    plans,
		Builder:  builder,
		Runs:     runs,
		Queue:    queue,
		Apply:    applySvc,
		Connect:  portal.New,
		sessions: make(map[string]*liveSession),
		log:      logging.Get(logging.CategoryAPI),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Repository: document types.
	api.HandleFunc("/repository/types", s.handleListTypes).Methods(http.MethodGet)
	api.HandleFunc("/repository/types", s.handleCreateType).Methods(http.MethodPost)
	api.HandleFunc("/repository/types/{type_id}", s.handleGetType).Methods(http.MethodGet)
	api.HandleFunc("/repository/types/{type_id}", s.handleUpdateType).Methods(http.MethodPut)
	api.HandleFunc("/repository/types/{type_id}", s.handleDeleteType).Methods(http.MethodDelete)
	api.HandleFunc("/repository/types/{type_id}/toggle", s.handleToggleType).Methods(http.MethodPost)
	api.HandleFunc("/repository/types/{type_id}/duplicate", s.handleDuplicateType).Methods(http.MethodPost)
	api.HandleFunc("/repository/types/{type_id}/expected", s.handleExpectedPeriods).Methods(http.MethodGet)

	// Repository: document instances.
	api.HandleFunc("/repository/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/repository/documents", s.handleUploadDocument).Methods(http.MethodPost)
	api.HandleFunc("/repository/documents/pending", s.handlePendingDocuments).Methods(http.MethodGet)
	api.HandleFunc("/repository/documents/{doc_id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/repository/documents/{doc_id}", s.handleUpdateDocument).Methods(http.MethodPatch)
	api.HandleFunc("/repository/documents/{doc_id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/repository/documents/{doc_id}/file", s.handleOpenDocument).Methods(http.MethodGet)
	api.HandleFunc("/repository/documents/{doc_id}/file", s.handleReplacePDF).Methods(http.MethodPut)
	api.HandleFunc("/repository/documents/{doc_id}/override", s.handleSetOverride).
		Methods(http.MethodPut, http.MethodPost)

	// Repository settings.
	api.HandleFunc("/repository/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/repository/settings", s.handlePutSettings).Methods(http.MethodPut)

	// Submission rules.
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handlePutRule).Methods(http.MethodPut)

	// Plans and decision packs.
	api.HandleFunc("/plans/preview", s.handlePreviewPlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/build", s.handleBuildPlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{plan_id}", s.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/plans/{plan_id}/decision_packs", s.handleApplyPack).Methods(http.MethodPost)
	api.HandleFunc("/plans/{plan_id}/apply", s.handleApplyPlan).Methods(http.MethodPost)
	api.HandleFunc("/presets", s.handleListPresets).Methods(http.MethodGet)
	api.HandleFunc("/presets", s.handleSavePresets).Methods(http.MethodPut)

	// Learning hints.
	api.HandleFunc("/learning/hints", s.handleListHints).Methods(http.MethodGet)
	api.HandleFunc("/learning/hints/{hint_id}/disable", s.handleDisableHint).Methods(http.MethodPost)

	// History.
	api.HandleFunc("/history/archive", s.handleArchiveHistory).Methods(http.MethodPost)

	// Runs.
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/start", s.handleStartRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}", s.handleRunStatus).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/execute_action", s.handleExecuteAction).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}/metrics", s.handleRunMetrics).Methods(http.MethodGet)
	api.HandleFunc("/runs/{run_id}/close", s.handleCloseRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{run_id}/events", s.handleRunEvents).Methods(http.MethodGet)

	// Metrics summary.
	api.HandleFunc("/metrics/summary", s.handleMetricsSummary).Methods(http.MethodGet)

	// Background jobs.
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.handleEnqueueApply).Methods(http.MethodPost)
	api.HandleFunc("/jobs/apply", s.handleEnqueueApply).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{job_id}/cancel", s.handleCancelJob).Methods(http.MethodPost)

	// Published paths consumed by the external UI and tooling. Same
	// handlers, stable names.
	api.HandleFunc("/repository/types/{type_id}/toggle_active", s.handleToggleType).Methods(http.MethodPost)
	api.HandleFunc("/repository/docs", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/repository/docs/upload", s.handleUploadDocument).Methods(http.MethodPost)
	api.HandleFunc("/repository/docs/pending", s.handlePendingDocuments).Methods(http.MethodGet)
	api.HandleFunc("/repository/docs/{doc_id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/repository/docs/{doc_id}", s.handleUpdateDocument).
		Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/repository/docs/{doc_id}", s.handleDeleteDocument).Methods(http.MethodDelete)
	api.HandleFunc("/repository/docs/{doc_id}/pdf", s.handleOpenDocument).Methods(http.MethodGet)
	api.HandleFunc("/repository/docs/{doc_id}/pdf", s.handleReplacePDF).Methods(http.MethodPut)
	api.HandleFunc("/repository/docs/{doc_id}/override", s.handleSetOverride).
		Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/plan/build_readonly", s.handlePreviewPlan).Methods(http.MethodPost)
	api.HandleFunc("/plan/build_auto_upload_plan", s.handleBuildPlan).Methods(http.MethodPost)
	api.HandleFunc("/plan/apply", s.handleApplyPlan).Methods(http.MethodPost)
	api.HandleFunc("/plan/{plan_id}/decision_packs", s.handleApplyPack).Methods(http.MethodPost)

	// HeadfulRun control sits at the root, next to /health.
	r.HandleFunc("/runs/start", s.handleStartRun).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/execute_action", s.handleExecuteAction).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/status", s.handleRunStatus).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/close", s.handleCloseRun).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respond writes a JSON body with the given status.
func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warnw("response encode failed", "error", err)
	}
}

// fail maps an error to its HTTP status and serializes the taxonomy payload.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var notFound repository.ErrNotFound
	if errors.As(err, &notFound) {
		s.respond(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	var conflict repository.ErrConflict
	if errors.As(err, &conflict) {
		s.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	var ae *autoerr.Error
	if errors.As(err, &ae) {
		s.respond(w, autoerr.HTTPStatus(ae), ae)
		return
	}
	s.log.Errorw("internal error", "error", err)
	s.respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// badRequest reports malformed input.
func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.respond(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

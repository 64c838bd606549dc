package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"caebridge/internal/autoerr"
	"caebridge/internal/evidence"
	"caebridge/internal/matching"
	"caebridge/internal/portal"
	"caebridge/internal/run"
)

// liveSession pairs a registered run with its open portal connection.
type liveSession struct {
	conn portal.Connector
	rec  *evidence.Recorder
}

type startRunRequest struct {
	PlatformKey string `json:"platform_key"`
	TenantID    string `json:"tenant_id"`
}

// handleStartRun opens an interactive portal session: browser up, logged in,
// lock on the (platform, tenant) storage state. Navigation happens through
// execute_action so the operator watches each step land on the timeline.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid start request: "+err.Error())
		return
	}
	platform, ok := s.Catalogs.PlatformByKey(req.PlatformKey)
	if !ok {
		s.badRequest(w, "unknown platform "+req.PlatformKey)
		return
	}
	cred, ok := s.Catalogs.CredentialFor(platform.Key)
	if !ok {
		s.fail(w, autoerr.External(autoerr.CodeExternalLoginFailed,
			"no credential configured for platform "+platform.Key))
		return
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}

	live, err := s.Runs.Start(platform.Key, tenant, platform.AllowedDomains)
	if err != nil {
		s.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	rec, err := evidence.NewRecorder(s.Cfg.DataDir, live.RunID, true)
	if err != nil {
		_ = s.Runs.Close(live.RunID)
		s.fail(w, err)
		return
	}

	conn, err := s.Connect(portal.Deps{
		Platform:         platform,
		Credential:       cred,
		Browser:          s.Cfg.Browser,
		StorageStatePath: live.StorageStatePath,
		Recorder:         rec,
	})
	if err != nil {
		_ = s.Runs.Close(live.RunID)
		s.fail(w, err)
		return
	}
	_ = live.Transition(run.StateBrowserStarted)

	if err := conn.Login(r.Context()); err != nil {
		live.Append(run.TagError, "login failed: "+err.Error(), nil)
		_ = live.Transition(run.StateFailed)
		_ = conn.Close()
		_ = s.Runs.Close(live.RunID)
		s.fail(w, err)
		return
	}
	_ = live.Transition(run.StateAuthenticated)

	s.sessMu.Lock()
	s.sessions[live.RunID] = &liveSession{conn: conn, rec: rec}
	s.sessMu.Unlock()
	s.respond(w, http.StatusCreated, live.Snapshot())
}

type executeActionRequest struct {
	Action     string `json:"action"`
	CoordLabel string `json:"coord_label,omitempty"`
	MaxPages   int    `json:"max_pages,omitempty"`
}

type executeActionResponse struct {
	Run          run.Status                    `json:"run"`
	PendingItems []matching.PendingRequirement `json:"pending_items,omitempty"`
}

// handleExecuteAction drives one step of a live session. Only READY runs
// admit actions (the first navigation is admitted from AUTHENTICATED).
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	live, ok := s.Runs.Get(runID)
	if !ok {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "run not found: " + runID})
		return
	}
	s.sessMu.Lock()
	sess := s.sessions[runID]
	s.sessMu.Unlock()
	if sess == nil {
		s.fail(w, autoerr.Policy(autoerr.CodePolicyRejected,
			"run "+runID+" has no live session"))
		return
	}

	var req executeActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid action request: "+err.Error())
		return
	}

	resp := executeActionResponse{}
	switch req.Action {
	case "navigate_pending":
		if live.State() == run.StateAuthenticated {
			live.Append(run.TagAction, "navigate_pending", map[string]string{"coord": req.CoordLabel})
			if err := navigatePending(r, sess, req); err != nil {
				live.Append(run.TagError, err.Error(), nil)
				_ = live.Transition(run.StateFailed)
				s.fail(w, err)
				return
			}
			_ = live.Transition(run.StateReady)
			break
		}
		if err := live.BeginAction(); err != nil {
			s.fail(w, err)
			return
		}
		live.Append(run.TagAction, "navigate_pending", map[string]string{"coord": req.CoordLabel})
		err := navigatePending(r, sess, req)
		_ = live.EndAction(err)
		if err != nil {
			s.fail(w, err)
			return
		}
	case "extract_pending":
		if err := live.BeginAction(); err != nil {
			s.fail(w, err)
			return
		}
		live.Append(run.TagAction, "extract_pending", nil)
		rows, err := sess.conn.ExtractPending(r.Context(), req.MaxPages)
		_ = live.EndAction(err)
		if err != nil {
			s.fail(w, err)
			return
		}
		resp.PendingItems = rows
	default:
		s.badRequest(w, "unknown action "+req.Action)
		return
	}

	resp.Run = live.Snapshot()
	s.respond(w, http.StatusOK, resp)
}

func navigatePending(r *http.Request, sess *liveSession, req executeActionRequest) error {
	return sess.conn.NavigateToPending(r.Context(), req.CoordLabel)
}

// closeSession tears down the live connection of a run, if any.
func (s *Server) closeSession(runID string) {
	s.sessMu.Lock()
	sess := s.sessions[runID]
	delete(s.sessions, runID)
	s.sessMu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.conn.Close(); err != nil {
		s.log.Warnw("session close failed", "run_id", runID, "error", err)
	}
	if err := sess.rec.WriteManifest(); err != nil {
		s.log.Warnw("evidence manifest write failed", "run_id", runID, "error", err)
	}
}

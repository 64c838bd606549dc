package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"caebridge/internal/matching"
	"caebridge/internal/metrics"
	"caebridge/internal/plan"
	"caebridge/internal/portal"
	"caebridge/internal/rules"
)

// buildPlanRequest builds either from supplied pending rows (offline) or by
// scraping the live portal when none are given.
type buildPlanRequest struct {
	plan.BuildInput
	PendingItems []matching.PendingRequirement `json:"pending_items,omitempty"`
}

// handlePreviewPlan runs the matcher without sealing anything; the result is
// a report, not an executable plan.
func (s *Server) handlePreviewPlan(w http.ResponseWriter, r *http.Request) {
	var req buildPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid build request: "+err.Error())
		return
	}
	if req.PlatformKey == "" {
		s.badRequest(w, "platform_key required")
		return
	}
	pendings := req.PendingItems
	if len(pendings) == 0 {
		scraped, err := s.scrapePending(r, req)
		if err != nil {
			s.fail(w, err)
			return
		}
		pendings = scraped
	}
	s.respond(w, http.StatusOK, s.Builder.Build(req.BuildInput, pendings))
}

func (s *Server) handleBuildPlan(w http.ResponseWriter, r *http.Request) {
	var req buildPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, "invalid build request: "+err.Error())
		return
	}
	if req.PlatformKey == "" {
		s.badRequest(w, "platform_key required")
		return
	}

	pendings := req.PendingItems
	if len(pendings) == 0 {
		scraped, err := s.scrapePending(r, req)
		if err != nil {
			s.fail(w, err)
			return
		}
		pendings = scraped
	}

	p := s.Builder.Build(req.BuildInput, pendings)
	if err := s.Plans.Seal(p); err != nil {
		s.fail(w, err)
		return
	}
	metrics.ObservePlan(p)
	s.respond(w, http.StatusCreated, p)
}

// scrapePending opens a portal session just long enough to read the grid.
func (s *Server) scrapePending(r *http.Request, req buildPlanRequest) ([]matching.PendingRequirement, error) {
	platform, ok := s.Catalogs.PlatformByKey(req.PlatformKey)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", req.PlatformKey)
	}
	cred, _ := s.Catalogs.CredentialFor(platform.Key)

	conn, err := s.Connect(portal.Deps{
		Platform:   platform,
		Credential: cred,
		Browser:    s.Cfg.Browser,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx := r.Context()
	if err := conn.Login(ctx); err != nil {
		return nil, err
	}
	if err := conn.NavigateToPending(ctx, req.CoordLabel); err != nil {
		return nil, err
	}
	return conn.ExtractPending(ctx, req.MaxPages)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.Plans.Get(mux.Vars(r)["plan_id"], r.URL.Query().Get("pack_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

// handleApplyPack stores a decision pack and returns the derived plan.
func (s *Server) handleApplyPack(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["plan_id"]
	var pack plan.DecisionPack
	if err := decodeJSON(r, &pack); err != nil {
		s.badRequest(w, "invalid decision pack: "+err.Error())
		return
	}
	pack.PlanID = planID

	sealed, err := s.Plans.Get(planID, "")
	if err != nil {
		s.fail(w, err)
		return
	}
	presets, err := s.Plans.LoadPresets()
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Plans.SavePack(&pack); err != nil {
		s.fail(w, err)
		return
	}

	applier := &plan.Applier{Repo: s.Repo, Hints: s.Hints, Store: s.Plans}
	derived, err := applier.Apply(sealed, &pack, presets)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, derived)
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.Plans.LoadPresets()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, presets)
}

func (s *Server) handleSavePresets(w http.ResponseWriter, r *http.Request) {
	var presets []plan.Preset
	if err := decodeJSON(r, &presets); err != nil {
		s.badRequest(w, "invalid presets: "+err.Error())
		return
	}
	if err := s.Plans.SavePresets(presets); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, presets)
}

func (s *Server) handleListHints(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Hints.List())
}

func (s *Server) handleDisableHint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.badRequest(w, "invalid disable request: "+err.Error())
			return
		}
	}
	hintID := mux.Vars(r)["hint_id"]
	if err := s.Hints.Disable(hintID, body.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"hint_id": hintID, "status": "disabled"})
}

func (s *Server) handleArchiveHistory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OlderThan string `json:"older_than"` // YYYY-MM-DD
	}
	if err := decodeJSON(r, &body); err != nil {
		s.badRequest(w, "invalid archive request: "+err.Error())
		return
	}
	cutoff, err := time.Parse("2006-01-02", body.OlderThan)
	if err != nil {
		s.badRequest(w, "older_than must be YYYY-MM-DD")
		return
	}
	moved, err := s.History.Archive(cutoff)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"archived": moved})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Rules.List())
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.SubmissionRule
	if err := decodeJSON(r, &rule); err != nil {
		s.badRequest(w, "invalid rule: "+err.Error())
		return
	}
	if err := s.Rules.Put(&rule); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, rule)
}

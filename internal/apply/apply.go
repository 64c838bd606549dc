// Package apply executes the AUTO_UPLOAD items of a sealed plan against the
// live portal. It is the only code path that submits anything, and it is
// gated: every guard must pass before a browser is even started.
package apply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"caebridge/internal/autoerr"
	"caebridge/internal/config"
	"caebridge/internal/evidence"
	"caebridge/internal/history"
	"caebridge/internal/logging"
	"caebridge/internal/metrics"
	"caebridge/internal/plan"
	"caebridge/internal/policy"
	"caebridge/internal/portal"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
	"caebridge/internal/run"
)

// JobKind identifies queued apply jobs.
const JobKind = "apply"

// Request is one gated apply invocation.
type Request struct {
	PlanID string `json:"plan_id"`
	PackID string `json:"pack_id,omitempty"`
	// ItemIDs restricts execution to a subset; empty means every AUTO_UPLOAD
	// item in the plan.
	ItemIDs    []string `json:"item_ids,omitempty"`
	MaxUploads int      `json:"max_uploads"`

	// RealUploader mirrors the X-USE-REAL-UPLOADER header.
	RealUploader     bool    `json:"-"`
	ClientRequestID  string  `json:"client_request_id,omitempty"`
	RateLimitSeconds float64 `json:"rate_limit_seconds,omitempty"`
	StopOnFirstError *bool   `json:"stop_on_first_error,omitempty"`
}

func (r Request) stopOnFirstError() bool {
	if r.StopOnFirstError == nil {
		return true
	}
	return *r.StopOnFirstError
}

// ItemOutcome is the per-item apply result.
type ItemOutcome struct {
	ItemID   string `json:"item_id"`
	Outcome  string `json:"outcome"` // submitted | failed | skipped
	Reason   string `json:"reason,omitempty"`
	RecordID string `json:"history_record_id,omitempty"`
}

// Summary is the apply result.
type Summary struct {
	RunID   string        `json:"run_id"`
	PlanID  string        `json:"plan_id"`
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
	Items   []ItemOutcome `json:"items"`
}

type idemEntry struct {
	summary *Summary
	expires time.Time
}

// Service orchestrates gated uploads.
type Service struct {
	Cfg      *config.Config
	Catalogs *config.Catalogs
	Repo     *repository.Store
	Rules    *rules.Store
	History  *history.Store
	Plans    *plan.Store
	Runs     *run.Manager

	// Connect is swappable for tests; defaults to portal.New.
	Connect func(portal.Deps) (portal.Connector, error)

	mu   sync.Mutex
	idem map[string]idemEntry
	log  *zap.SugaredLogger
}

// NewService wires the apply orchestrator.
func NewService(cfg *config.Config, cats *config.Catalogs, repo *repository.Store,
	ruleStore *rules.Store, hist *history.Store, plans *plan.Store, runs *run.Manager) *Service {
	return &Service{
		Cfg:      cfg,
		Catalogs: cats,
		Repo:     repo,
		Rules:    ruleStore,
		History:  hist,
		Plans:    plans,
		Runs:     runs,
		Connect:  portal.New,
		idem:     make(map[string]idemEntry),
		log:      logging.Get(logging.CategoryApply),
	}
}

// Gate validates every precondition of a real upload without touching a
// browser. It returns the plan and the resolved item set on success.
func (s *Service) Gate(req Request) (*plan.Plan, []*plan.Item, error) {
	if s.Cfg.Environment != "development" {
		return nil, nil, autoerr.Pre(autoerr.CodePreGateRejected,
			"real uploads are only allowed in the development environment")
	}
	if !req.RealUploader {
		return nil, nil, autoerr.Pre(autoerr.CodePreGateRejected,
			"X-USE-REAL-UPLOADER header absent")
	}
	hardCap := s.Cfg.Apply.MaxUploadsHardCap
	if req.MaxUploads <= 0 {
		return nil, nil, autoerr.Pre(autoerr.CodePreGateRejected,
			"max_uploads must be a positive number")
	}
	if req.MaxUploads > hardCap {
		return nil, nil, autoerr.Pre(autoerr.CodePreGateRejected,
			fmt.Sprintf("max_uploads %d exceeds the hard cap %d", req.MaxUploads, hardCap))
	}

	p, err := s.Plans.Get(req.PlanID, req.PackID)
	if err != nil {
		return nil, nil, err
	}

	var items []*plan.Item
	if len(req.ItemIDs) == 0 {
		for i := range p.Items {
			if p.Items[i].Evaluation.Decision == policy.AutoUpload {
				items = append(items, &p.Items[i])
			}
		}
	} else {
		for _, id := range req.ItemIDs {
			it, ok := p.Item(id)
			if !ok {
				return nil, nil, autoerr.Pre(autoerr.CodePreItemNotFound,
					fmt.Sprintf("item %s is not part of plan %s", id, req.PlanID))
			}
			if it.Evaluation.Decision != policy.AutoUpload {
				return nil, nil, autoerr.Pre(autoerr.CodePreGateRejected,
					fmt.Sprintf("item %s is %s, only AUTO_UPLOAD items can be applied", id, it.Evaluation.Decision))
			}
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, nil, autoerr.Pre(autoerr.CodePreGateRejected,
			"plan has no AUTO_UPLOAD items to apply")
	}
	if len(items) > req.MaxUploads {
		items = items[:req.MaxUploads]
	}
	return p, items, nil
}

// Execute runs the full apply pipeline. A repeated client_request_id inside
// the idempotency window returns the original summary without re-uploading.
func (s *Service) Execute(ctx context.Context, req Request) (*Summary, error) {
	if cached := s.lookupIdem(req.ClientRequestID); cached != nil {
		s.log.Infow("idempotent replay", "client_request_id", req.ClientRequestID)
		return cached, nil
	}

	p, items, err := s.Gate(req)
	if err != nil {
		return nil, err
	}

	platform, ok := s.Catalogs.PlatformByKey(p.Input.PlatformKey)
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", p.Input.PlatformKey)
	}
	cred, ok := s.Catalogs.CredentialFor(platform.Key)
	if !ok {
		return nil, autoerr.External(autoerr.CodeExternalLoginFailed,
			fmt.Sprintf("no credential configured for platform %q", platform.Key))
	}

	tenant := p.Input.CompanyKey
	if tenant == "" {
		tenant = "default"
	}
	r, err := s.Runs.Start(platform.Key, tenant, platform.AllowedDomains)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := s.Runs.Close(r.RunID); closeErr != nil {
			s.log.Warnw("run close failed", "run_id", r.RunID, "error", closeErr)
		}
	}()
	metrics.RunsStarted.WithLabelValues(platform.Key).Inc()

	rec, err := evidence.NewRecorder(s.Cfg.DataDir, r.RunID, true)
	if err != nil {
		return nil, err
	}
	_, _ = rec.Emit(evidence.TraceEvent{EventType: evidence.EvRunStarted,
		Metadata: map[string]any{"plan_id": p.PlanID, "platform": platform.Key}})

	conn, err := s.Connect(portal.Deps{
		Platform:         platform,
		Credential:       cred,
		Browser:          s.Cfg.Browser,
		StorageStatePath: r.StorageStatePath,
		Recorder:         rec,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			s.log.Warnw("connector close failed", "error", closeErr)
		}
	}()

	if err := r.Transition(run.StateBrowserStarted); err != nil {
		return nil, err
	}
	if err := conn.Login(ctx); err != nil {
		r.Append(run.TagError, "login failed", nil)
		_ = r.Transition(run.StateFailed)
		return nil, err
	}
	if err := r.Transition(run.StateAuthenticated); err != nil {
		return nil, err
	}
	if err := conn.NavigateToPending(ctx, p.Input.CoordLabel); err != nil {
		r.Append(run.TagError, "navigation to pending grid failed", nil)
		return nil, err
	}
	if err := r.Transition(run.StateReady); err != nil {
		return nil, err
	}

	summary := s.executeItems(ctx, req, p, items, r, conn, rec)

	_, _ = rec.Emit(evidence.TraceEvent{EventType: evidence.EvRunFinished,
		Metadata: map[string]any{
			"success": summary.Success,
			"failed":  summary.Failed,
			"skipped": summary.Skipped,
		}})
	if err := rec.WriteManifest(); err != nil {
		s.log.Warnw("evidence manifest write failed", "run_id", r.RunID, "error", err)
	}

	s.storeIdem(req.ClientRequestID, summary)
	return summary, nil
}

func (s *Service) executeItems(ctx context.Context, req Request, p *plan.Plan,
	items []*plan.Item, r *run.Run, conn portal.Connector, rec *evidence.Recorder) *Summary {

	summary := &Summary{RunID: r.RunID, PlanID: p.PlanID}
	rm := metrics.FromPlan(r.RunID, p)

	rateLimit := time.Duration(s.Cfg.Apply.RateLimitSeconds * float64(time.Second))
	if req.RateLimitSeconds > 0 {
		rateLimit = time.Duration(req.RateLimitSeconds * float64(time.Second))
	}

	for i, item := range items {
		if ctx.Err() != nil {
			s.record(summary, rm, item, "skipped", "apply canceled", "")
			continue
		}
		if i > 0 && rateLimit > 0 {
			select {
			case <-time.After(rateLimit):
			case <-ctx.Done():
				s.record(summary, rm, item, "skipped", "apply canceled", "")
				continue
			}
		}

		outcome := s.applyOne(ctx, p, item, r, conn, rec)
		summary.Items = append(summary.Items, outcome)
		switch outcome.Outcome {
		case "submitted":
			summary.Success++
			rm.CountOutcome("submitted")
		case "failed":
			summary.Failed++
			rm.CountOutcome("failed")
		case "skipped":
			summary.Skipped++
			rm.CountOutcome("skipped")
		}

		if outcome.Outcome == "failed" && req.stopOnFirstError() {
			s.log.Warnw("stopping on first error", "item_id", item.ItemID)
			for _, rest := range items[i+1:] {
				s.record(summary, rm, rest, "skipped", "stopped after earlier failure", "")
			}
			break
		}
	}

	if err := rm.Write(s.Cfg.DataDir); err != nil {
		s.log.Warnw("run metrics write failed", "run_id", r.RunID, "error", err)
	}
	return summary
}

// record appends a non-executed outcome for an item.
func (s *Service) record(summary *Summary, rm *metrics.RunMetrics, item *plan.Item, outcome, reason, recordID string) {
	summary.Items = append(summary.Items, ItemOutcome{
		ItemID: item.ItemID, Outcome: outcome, Reason: reason, RecordID: recordID,
	})
	if outcome == "skipped" {
		summary.Skipped++
	}
	rm.CountOutcome(outcome)
}

// applyOne revalidates and uploads a single plan item, keeping the history
// record in lockstep with the portal outcome.
func (s *Service) applyOne(ctx context.Context, p *plan.Plan, item *plan.Item,
	r *run.Run, conn portal.Connector, rec *evidence.Recorder) ItemOutcome {

	out := ItemOutcome{ItemID: item.ItemID}

	// Server-side revalidation against current repository and history state.
	if reason := s.revalidate(p, item); reason != "" {
		out.Outcome = "skipped"
		out.Reason = reason
		r.Append(run.TagWarning, "item skipped at revalidation",
			map[string]string{"item_id": item.ItemID, "reason": reason})
		return out
	}

	docRef := item.Evaluation.LocalDoc
	filePath, err := s.Repo.OpenPDF(docRef.DocID)
	if err != nil {
		out.Outcome = "skipped"
		out.Reason = "policy_rejected: missing_local_file"
		return out
	}

	rule := s.Rules.Select(p.Input.PlatformKey, docRef.TypeID, p.Input.CoordLabel)
	if rule == nil {
		out.Outcome = "skipped"
		out.Reason = "policy_rejected: no submission rule for type " + docRef.TypeID
		return out
	}

	fingerprint := item.Pending.Fingerprint(p.Input.PlatformKey, item.Match.PeriodKey)
	histRec, err := s.History.Append(&history.Record{
		PlatformKey:        p.Input.PlatformKey,
		CoordLabel:         p.Input.CoordLabel,
		CompanyKey:         p.Input.CompanyKey,
		PersonKey:          p.Input.PersonKey,
		PendingFingerprint: fingerprint,
		PendingSnapshot: history.PendingSnapshot{
			TipoDoc:   item.Pending.TipoDoc,
			Elemento:  item.Pending.Elemento,
			Empresa:   item.Pending.Empresa,
			PeriodKey: item.Match.PeriodKey,
		},
		DocID:        docRef.DocID,
		TypeID:       docRef.TypeID,
		FileSHA256:   docRef.FileSHA256,
		Action:       history.ActionPlanned,
		Decision:     string(item.Evaluation.Decision),
		RunID:        r.RunID,
		EvidencePath: rec.Dir(),
	})
	if err != nil {
		out.Outcome = "failed"
		out.Reason = "history write failed: " + err.Error()
		return out
	}
	out.RecordID = histRec.RecordID

	if err := r.BeginAction(); err != nil {
		out.Outcome = "skipped"
		out.Reason = err.Error()
		_, _ = s.History.UpdateAction(histRec.RecordID, history.ActionSkipped, out.Reason)
		return out
	}

	doc, _ := s.Repo.GetDocument(docRef.DocID)
	validFrom, validTo := doc.EffectiveValidity()
	uploadItem := portal.UploadItem{
		Pending:   item.Pending,
		Rule:      rule,
		FilePath:  filePath,
		ValidFrom: validFrom,
		ValidTo:   validTo,
		IssueDate: doc.IssuedAt,
	}

	_, _ = rec.Emit(evidence.TraceEvent{
		EventType:  evidence.EvActionStarted,
		ActionSpec: "upload",
		Metadata:   map[string]any{"item_id": item.ItemID, "doc_id": docRef.DocID},
	})
	uploadErr := conn.UploadOne(ctx, uploadItem)
	_ = r.EndAction(uploadErr)

	if uploadErr != nil {
		_, _ = rec.Emit(evidence.TraceEvent{EventType: evidence.EvErrorRaised,
			Error: uploadErr.Error(), Metadata: map[string]any{"item_id": item.ItemID}})
		_, _ = s.History.UpdateAction(histRec.RecordID, history.ActionFailed, uploadErr.Error())
		out.Outcome = "failed"
		out.Reason = uploadErr.Error()
		return out
	}

	_, _ = rec.Emit(evidence.TraceEvent{EventType: evidence.EvActionExecuted,
		Result: "submitted", Metadata: map[string]any{"item_id": item.ItemID}})
	_, _ = s.History.UpdateAction(histRec.RecordID, history.ActionSubmitted, "")
	out.Outcome = "submitted"
	return out
}

// revalidate re-checks an item just before upload; plans can be hours old.
// A non-empty return is the skip reason.
func (s *Service) revalidate(p *plan.Plan, item *plan.Item) string {
	docRef := item.Evaluation.LocalDoc
	if docRef == nil {
		return "policy_rejected: no local document bound"
	}
	doc, ok := s.Repo.GetDocument(docRef.DocID)
	if !ok {
		return "policy_rejected: document deleted since plan build"
	}
	if doc.SHA256 != docRef.FileSHA256 {
		return "policy_rejected: document changed since plan build"
	}

	fingerprint := item.Pending.Fingerprint(p.Input.PlatformKey, item.Match.PeriodKey)
	if s.History.HasSubmitted(fingerprint) {
		return "policy_rejected: already submitted"
	}

	var docType *repository.DocumentType
	if doc.TypeID != "" {
		docType, _ = s.Repo.GetType(doc.TypeID)
	}
	fresh := *item.Match
	fresh.Doc = doc
	ev := policy.Evaluate(&fresh, docType, s.Repo.Today())
	if ev.Decision != policy.AutoUpload {
		return fmt.Sprintf("policy_rejected: %s", ev.ReasonCode)
	}
	return ""
}

func (s *Service) lookupIdem(clientRequestID string) *Summary {
	if clientRequestID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.idem[clientRequestID]
	if !ok || time.Now().After(entry.expires) {
		delete(s.idem, clientRequestID)
		return nil
	}
	return entry.summary
}

func (s *Service) storeIdem(clientRequestID string, summary *Summary) {
	if clientRequestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.idem {
		if now.After(e.expires) {
			delete(s.idem, k)
		}
	}
	s.idem[clientRequestID] = idemEntry{
		summary: summary,
		expires: now.Add(s.Cfg.Apply.IdempotencyWindow()),
	}
}

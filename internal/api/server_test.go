package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caebridge/internal/apply"
	"caebridge/internal/config"
	"caebridge/internal/history"
	"caebridge/internal/jobs"
	"caebridge/internal/learning"
	"caebridge/internal/logging"
	"caebridge/internal/matching"
	"caebridge/internal/metrics"
	"caebridge/internal/plan"
	"caebridge/internal/portal"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
	"caebridge/internal/run"
)

var pdfBytes = []byte("%PDF-1.4\nfake body for tests\n%%EOF\n")

type apiFixture struct {
	srv    *Server
	router http.Handler
	fake   *portal.Fake
	plan   *plan.Plan
	doc    *repository.DocumentInstance
}

// newAPIFixture assembles the full server against temp-dir stores, with the
// portal routed to one observable fake session.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, logging.Initialize(dir, "error"))

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Environment = "development"
	cfg.Browser.Uploader = "fake"
	cfg.Apply.RateLimitSeconds = 0

	repo, err := repository.NewStore(filepath.Join(dir, "repo"))
	require.NoError(t, err)
	repo.SetClock(func() repository.Date {
		return repository.NewDate(2023, time.June, 15)
	})
	require.NoError(t, repo.CreateType(&repository.DocumentType{
		TypeID:          "T104_AUTONOMOS_RECEIPT",
		Name:            "Recibo cuota autónomos",
		Scope:           repository.ScopeWorker,
		PeriodKind:      repository.PeriodMonth,
		PlatformAliases: []string{"T205.0", "cuota autónomos"},
		Validity: repository.ValidityPolicy{
			Mode:    repository.ValidityMonthly,
			Basis:   repository.BasisIssueDate,
			NMonths: 2,
		},
		ValidityStartMode: repository.StartModeManual,
		Active:            true,
	}))
	doc, err := repo.Upload(repository.UploadRequest{
		FileName:   "recibo_2023-05.pdf",
		Content:    pdfBytes,
		TypeID:     "T104_AUTONOMOS_RECEIPT",
		CompanyKey: "acme",
		PersonKey:  "juan.garcia",
		IssueDate:  repository.NewDate(2023, time.May, 1),
		PeriodKey:  "2023-05",
	})
	require.NoError(t, err)
	status := repository.StatusReadyToSubmit
	doc, err = repo.UpdateDocument(doc.DocID, repository.DocumentUpdate{Status: &status})
	require.NoError(t, err)

	ruleStore, err := rules.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, ruleStore.Put(&rules.SubmissionRule{
		RuleID:         "rule_autonomos_global",
		PlatformKey:    "egestiona",
		Scope:          rules.ScopeGlobal,
		Enabled:        true,
		DocumentTypeID: "T104_AUTONOMOS_RECEIPT",
		Form: rules.FormSpec{
			UploadField:  `input[name="fichero"]`,
			SubmitButton: `input[name="aceptar"]`,
		},
	}))

	hintStore, err := learning.NewStore(dir)
	require.NoError(t, err)
	histStore, err := history.NewStore(dir)
	require.NoError(t, err)

	cats := &config.Catalogs{
		Companies: []config.Company{{Key: "acme", Name: "ACME S.L."}},
		People: []config.Person{
			{Key: "juan.garcia", GivenName: "Juan", Surname: "García López", DNI: "12345678Z", CompanyKey: "acme"},
		},
		Platforms: []config.Platform{{
			Key:            "egestiona",
			Name:           "e-gestiona",
			BaseURL:        "https://egestiona.example",
			AllowedDomains: []string{"egestiona.example"},
		}},
	}
	cats.SetCredential(config.Credential{PlatformKey: "egestiona", Username: "acme", Password: "s3cret"})

	engine := &matching.Engine{Repo: repo, Rules: ruleStore, Hints: hintStore, History: histStore, Catalogs: cats}
	builder := &plan.Builder{Engine: engine, Repo: repo}
	p := builder.Build(plan.BuildInput{PlatformKey: "egestiona", CompanyKey: "acme"},
		[]matching.PendingRequirement{{
			TipoDoc:   "T205.0 Último Recibo cuota Autónomos",
			Elemento:  "García López, Juan (12345678Z)",
			Empresa:   "ACME S.L.",
			PeriodKey: "2023-05",
		}})
	require.Equal(t, 1, p.Summary.AutoUpload)

	plans := plan.NewStore(dir)
	require.NoError(t, plans.Seal(p))

	runs := run.NewManager(dir, 3)
	applySvc := apply.NewService(cfg, cats, repo, ruleStore, histStore, plans, runs)
	fake := portal.NewFake("egestiona")
	fake.Seed(p.Items[0].Pending)
	applySvc.Connect = func(portal.Deps) (portal.Connector, error) { return fake, nil }

	queue, err := jobs.NewQueue(dir)
	require.NoError(t, err)
	RegisterApplyJobHandler(queue, applySvc)

	srv := NewServer(cfg, cats, repo, ruleStore, hintStore, histStore,
		plans, builder, runs, queue, applySvc)
	return &apiFixture{srv: srv, router: srv.Router(), fake: fake, plan: p, doc: doc}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTypeEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/repository/types", repository.DocumentType{
		TypeID:     "T300_RC_POLICY",
		Name:       "Póliza RC",
		Scope:      repository.ScopeCompany,
		PeriodKind: repository.PeriodNone,
		Validity:   repository.ValidityPolicy{Mode: repository.ValidityAnnual, Basis: repository.BasisIssueDate},
		Active:     true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Duplicate id conflicts.
	rec = f.do(t, http.MethodPost, "/api/repository/types", repository.DocumentType{
		TypeID:     "T300_RC_POLICY",
		Name:       "Póliza RC otra vez",
		Scope:      repository.ScopeCompany,
		PeriodKind: repository.PeriodNone,
		Validity:   repository.ValidityPolicy{Mode: repository.ValidityAnnual, Basis: repository.BasisIssueDate},
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/repository/types/T300_RC_POLICY", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/repository/types/T999_NOPE", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/repository/types/T300_RC_POLICY/toggle", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	toggled := decodeBody[repository.DocumentType](t, rec)
	assert.False(t, toggled.Active)

	rec = f.do(t, http.MethodGet, "/api/repository/types?active=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/repository/types?active=banana", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishedRouteAliases(t *testing.T) {
	f := newAPIFixture(t)

	// Repository surface under its published names.
	rec := f.do(t, http.MethodGet, "/api/repository/docs", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/repository/docs/pending", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/repository/docs/"+f.doc.DocID+"/pdf", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))

	rec = f.do(t, http.MethodPost, "/api/repository/types/T104_AUTONOMOS_RECEIPT/toggle_active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[repository.DocumentType](t, rec).Active)
	rec = f.do(t, http.MethodPost, "/api/repository/types/T104_AUTONOMOS_RECEIPT/toggle_active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Plan workflow: read-only build, then apply with plan_id in the body.
	rec = f.do(t, http.MethodPost, "/api/plan/build_readonly", map[string]any{
		"platform_key": "egestiona",
		"company_key":  "acme",
		"pending_items": []matching.PendingRequirement{{
			TipoDoc:   "T205.0 Último Recibo cuota Autónomos",
			Elemento:  "García López, Juan (12345678Z)",
			Empresa:   "ACME S.L.",
			PeriodKey: "2023-05",
		}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/plan/apply",
		map[string]any{"plan_id": f.plan.PlanID, "max_uploads": 1},
		map[string]string{"X-USE-REAL-UPLOADER": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, f.fake.Uploaded(), 1)

	// HeadfulRun control lives at the root, not under /api.
	rec = f.do(t, http.MethodPost, "/runs/start", startRunRequest{PlatformKey: "egestiona"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decodeBody[run.Status](t, rec)

	rec = f.do(t, http.MethodGet, "/runs/"+started.RunID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/runs/"+started.RunID+"/close", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// POST /api/jobs enqueues the same as /api/jobs/apply.
	rec = f.do(t, http.MethodPost, "/api/jobs",
		map[string]any{"plan_id": f.plan.PlanID, "max_uploads": 1},
		map[string]string{"X-USE-REAL-UPLOADER": "1"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestDocumentMultipartUpload(t *testing.T) {
	f := newAPIFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "recibo_2023-06.pdf")
	require.NoError(t, err)
	_, err = fw.Write(append(pdfBytes, '!'))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("type_id", "T104_AUTONOMOS_RECEIPT"))
	require.NoError(t, mw.WriteField("company_key", "acme"))
	require.NoError(t, mw.WriteField("person_key", "juan.garcia"))
	require.NoError(t, mw.WriteField("issue_date", "2023-06-01"))
	require.NoError(t, mw.WriteField("period_key", "2023-06"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/repository/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	doc := decodeBody[repository.DocumentInstance](t, rec)
	assert.Equal(t, "2023-06", doc.PeriodKey)
	assert.NotEmpty(t, doc.SHA256)

	rec = f.do(t, http.MethodGet, "/api/repository/documents/"+doc.DocID+"/file", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
}

func TestOverrideBodyShapes(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/repository/documents/" + f.doc.DocID + "/override"

	// Bare string sets valid_to.
	rec := f.do(t, http.MethodPut, path, "2026-06-30", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeBody[repository.DocumentInstance](t, rec)
	require.NotNil(t, doc.Override)
	assert.Equal(t, "2026-06-30", doc.Override.ValidTo.String())
	assert.Equal(t, "manual", doc.Override.Reason)

	// Object sets the full window.
	rec = f.do(t, http.MethodPut, path, map[string]any{
		"valid_from": "2026-01-01",
		"valid_to":   "2026-12-31",
		"reason":     "renewed early",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc = decodeBody[repository.DocumentInstance](t, rec)
	require.NotNil(t, doc.Override)
	assert.Equal(t, "renewed early", doc.Override.Reason)

	// Null clears.
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewBufferString("null"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc = decodeBody[repository.DocumentInstance](t, rec)
	assert.Nil(t, doc.Override)

	// Garbage rejected.
	rec = f.do(t, http.MethodPut, path, []string{"nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildPlanOffline(t *testing.T) {
	f := newAPIFixture(t)

	body := buildPlanRequest{
		BuildInput: plan.BuildInput{PlatformKey: "egestiona", CompanyKey: "acme"},
		PendingItems: []matching.PendingRequirement{{
			TipoDoc:   "T205.0 Último Recibo cuota Autónomos",
			Elemento:  "García López, Juan (12345678Z)",
			Empresa:   "ACME S.L.",
			PeriodKey: "2023-05",
		}},
	}
	rec := f.do(t, http.MethodPost, "/api/plans/build", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	built := decodeBody[plan.Plan](t, rec)
	assert.Equal(t, 1, built.Summary.AutoUpload)

	rec = f.do(t, http.MethodGet, "/api/plans/"+built.PlanID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/plans/plan_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/plans/build", buildPlanRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "platform_key required")
}

func TestApplyGateOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/plans/" + f.plan.PlanID + "/apply"
	body := apply.Request{PlanID: f.plan.PlanID, MaxUploads: 1}

	// Missing the explicit header.
	rec := f.do(t, http.MethodPost, path, body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "PRE_GATE_REJECTED")

	// Header present: the upload goes through the fake portal.
	rec = f.do(t, http.MethodPost, path, body, map[string]string{"X-USE-REAL-UPLOADER": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decodeBody[apply.Summary](t, rec)
	assert.Equal(t, 1, sum.Success)
	assert.Len(t, f.fake.Uploaded(), 1)
}

func TestJobEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	body := apply.Request{PlanID: f.plan.PlanID, MaxUploads: 1}

	// A doomed request fails at enqueue time, nothing queues.
	rec := f.do(t, http.MethodPost, "/api/jobs/apply", body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/jobs/apply", body, map[string]string{"X-USE-REAL-UPLOADER": "1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decodeBody[jobs.Job](t, rec)
	assert.Equal(t, jobs.StateQueued, job.State)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+job.JobID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]jobs.Job](t, rec)
	require.Len(t, list, 1)

	// The queue never started, so the job is still queued and cancels cleanly.
	rec = f.do(t, http.MethodPost, "/api/jobs/"+job.JobID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	canceled := decodeBody[jobs.Job](t, rec)
	assert.Equal(t, jobs.StateCanceled, canceled.State)

	rec = f.do(t, http.MethodGet, "/api/jobs/job_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/rules", rules.SubmissionRule{
		RuleID:         "rule_coord_norte",
		PlatformKey:    "egestiona",
		Scope:          rules.ScopeCoord,
		CoordLabel:     "norte",
		Enabled:        true,
		DocumentTypeID: "T104_AUTONOMOS_RECEIPT",
		Form: rules.FormSpec{
			UploadField:  `input[name="fichero"]`,
			SubmitButton: `input[name="enviar"]`,
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/rules", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]rules.SubmissionRule](t, rec)
	assert.Len(t, list, 2)
}

func TestRunEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	// An apply run shows up in the listing and can be re-read after close.
	rec := f.do(t, http.MethodPost, "/api/plans/"+f.plan.PlanID+"/apply",
		apply.Request{PlanID: f.plan.PlanID, MaxUploads: 1},
		map[string]string{"X-USE-REAL-UPLOADER": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decodeBody[apply.Summary](t, rec)

	rec = f.do(t, http.MethodGet, "/api/runs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	statuses := decodeBody[[]run.Status](t, rec)
	require.Len(t, statuses, 1)

	rec = f.do(t, http.MethodGet, "/api/runs/"+sum.RunID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[run.Status](t, rec)
	assert.NotEmpty(t, status.Timeline)

	rec = f.do(t, http.MethodGet, "/api/runs/"+sum.RunID+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rm := decodeBody[metrics.RunMetrics](t, rec)
	assert.Equal(t, 1, rm.Submitted)

	rec = f.do(t, http.MethodGet, "/api/runs/run_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/runs/run_missing/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/repository/settings", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decodeBody[repository.Settings](t, rec)
	assert.NotEmpty(t, settings.RepositoryRootDir)

	rec = f.do(t, http.MethodPut, "/api/repository/settings", repository.Settings{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty root rejected")

	newRoot := filepath.Join(t.TempDir(), "moved")
	rec = f.do(t, http.MethodPut, "/api/repository/settings", repository.Settings{RepositoryRootDir: newRoot}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settings = decodeBody[repository.Settings](t, rec)
	assert.Equal(t, newRoot, settings.RepositoryRootDir)
}

func TestInteractiveRunSession(t *testing.T) {
	f := newAPIFixture(t)
	sessFake := portal.NewFake("egestiona")
	sessFake.Seed(f.plan.Items[0].Pending)
	f.srv.Connect = func(portal.Deps) (portal.Connector, error) { return sessFake, nil }

	rec := f.do(t, http.MethodPost, "/api/runs/start",
		startRunRequest{PlatformKey: "egestiona", TenantID: "acme"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	status := decodeBody[run.Status](t, rec)
	assert.Equal(t, run.StateAuthenticated, status.State)

	// The storage-state lock is exclusive per (platform, tenant).
	rec = f.do(t, http.MethodPost, "/api/runs/start",
		startRunRequest{PlatformKey: "egestiona", TenantID: "acme"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	actionPath := "/api/runs/" + status.RunID + "/execute_action"
	rec = f.do(t, http.MethodPost, actionPath, executeActionRequest{Action: "navigate_pending"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[executeActionResponse](t, rec)
	assert.Equal(t, run.StateReady, resp.Run.State)

	rec = f.do(t, http.MethodPost, actionPath, executeActionRequest{Action: "extract_pending"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decodeBody[executeActionResponse](t, rec)
	require.Len(t, resp.PendingItems, 1)
	assert.Equal(t, run.StateReady, resp.Run.State)

	rec = f.do(t, http.MethodPost, actionPath, executeActionRequest{Action: "teleport"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/runs/"+status.RunID+"/close", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The session is gone; further actions are policy-rejected.
	rec = f.do(t, http.MethodPost, actionPath, executeActionRequest{Action: "extract_pending"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Lock released: a new run can start.
	rec = f.do(t, http.MethodPost, "/api/runs/start",
		startRunRequest{PlatformKey: "egestiona", TenantID: "acme"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestStartRunRejectsUnknownPlatform(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/runs/start",
		startRunRequest{PlatformKey: "nowhere"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingDocumentsAndExpected(t *testing.T) {
	f := newAPIFixture(t)

	// The fixture doc is ready_to_submit for 2023-05; clock is 2023-06-15, so
	// the document expires end of June and shows up as expiring soon.
	rec := f.do(t, http.MethodGet, "/api/repository/documents/pending", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decodeBody[[]repository.DocumentInstance](t, rec)
	require.NotEmpty(t, docs)

	rec = f.do(t, http.MethodGet,
		"/api/repository/types/T104_AUTONOMOS_RECEIPT/expected?company_key=acme&person_key=juan.garcia&months_back=3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	periods := decodeBody[[]repository.ExpectedPeriod](t, rec)
	assert.NotEmpty(t, periods)

	rec = f.do(t, http.MethodGet, "/api/repository/types/T999_NOPE/expected", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsSummary(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/plans/"+f.plan.PlanID+"/apply",
		apply.Request{PlanID: f.plan.PlanID, MaxUploads: 1},
		map[string]string{"X-USE-REAL-UPLOADER": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/metrics/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[map[string]int](t, rec)
	assert.Equal(t, 1, out["runs"])
	assert.Equal(t, 1, out["submitted"])
}

func TestHistoryArchiveEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/history/archive", map[string]string{"older_than": "2020-01-01"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[map[string]int](t, rec)
	assert.Zero(t, out["archived"])

	rec = f.do(t, http.MethodPost, "/api/history/archive", map[string]string{"older_than": "yesterday"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

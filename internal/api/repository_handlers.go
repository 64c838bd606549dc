package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"caebridge/internal/repository"
)

func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.TypeFilter{
		Query:      q.Get("q"),
		PeriodKind: repository.PeriodKind(q.Get("period_kind")),
		Scope:      repository.Scope(q.Get("scope")),
		Sort:       q.Get("sort"),
	}
	if v := q.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.badRequest(w, "active must be a boolean")
			return
		}
		f.Active = &b
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	s.respond(w, http.StatusOK, s.Repo.ListTypes(f))
}

func (s *Server) handleCreateType(w http.ResponseWriter, r *http.Request) {
	var t repository.DocumentType
	if err := decodeJSON(r, &t); err != nil {
		s.badRequest(w, "invalid document type: "+err.Error())
		return
	}
	if err := s.Repo.CreateType(&t); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, t)
}

func (s *Server) handleGetType(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Repo.GetType(mux.Vars(r)["type_id"])
	if !ok {
		s.fail(w, repository.ErrNotFound{ID: mux.Vars(r)["type_id"]})
		return
	}
	s.respond(w, http.StatusOK, t)
}

func (s *Server) handleUpdateType(w http.ResponseWriter, r *http.Request) {
	var t repository.DocumentType
	if err := decodeJSON(r, &t); err != nil {
		s.badRequest(w, "invalid document type: "+err.Error())
		return
	}
	updated, err := s.Repo.UpdateType(mux.Vars(r)["type_id"], &t)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

// handleExpectedPeriods plans the period horizon of a type for one subject.
func (s *Server) handleExpectedPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	monthsBack, _ := strconv.Atoi(q.Get("months_back"))
	periods, err := s.Repo.ExpectedPeriodsFor(mux.Vars(r)["type_id"],
		q.Get("company_key"), q.Get("person_key"), monthsBack)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, periods)
}

func (s *Server) handleDeleteType(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.DeleteType(mux.Vars(r)["type_id"]); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleToggleType(w http.ResponseWriter, r *http.Request) {
	t, err := s.Repo.ToggleActive(mux.Vars(r)["type_id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, t)
}

func (s *Server) handleDuplicateType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewID string `json:"new_id"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.badRequest(w, "invalid duplicate request: "+err.Error())
			return
		}
	}
	t, err := s.Repo.DuplicateType(mux.Vars(r)["type_id"], body.NewID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, t)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs := s.Repo.ListDocuments(repository.DocFilter{
		TypeID:         q.Get("type_id"),
		Scope:          repository.Scope(q.Get("scope")),
		Status:         repository.DocStatus(q.Get("status")),
		ValidityStatus: repository.ValidityStatus(q.Get("validity_status")),
		PeriodKey:      q.Get("period_key"),
		CompanyKey:     q.Get("company_key"),
		PersonKey:      q.Get("person_key"),
	})
	s.respond(w, http.StatusOK, docs)
}

// handlePendingDocuments lists instances still needing attention: drafts,
// period gaps, and anything expired or expiring soon.
func (s *Server) handlePendingDocuments(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Repo.PendingReview())
}

// handleUploadDocument accepts multipart form data: the PDF under "file",
// metadata in regular fields.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.badRequest(w, "multipart form required: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, "file field required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, err)
		return
	}

	req := repository.UploadRequest{
		FileName:   header.Filename,
		Content:    content,
		TypeID:     r.FormValue("type_id"),
		CompanyKey: r.FormValue("company_key"),
		PersonKey:  r.FormValue("person_key"),
		PeriodKey:  r.FormValue("period_key"),
	}
	for field, dst := range map[string]*repository.Date{
		"issue_date":          &req.IssueDate,
		"validity_start_date": &req.ValidityStartDate,
	} {
		if v := r.FormValue(field); v != "" {
			d, parseErr := repository.ParseDate(v)
			if parseErr != nil {
				s.badRequest(w, field+" must be YYYY-MM-DD")
				return
			}
			*dst = d
		}
	}

	doc, err := s.Repo.Upload(req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.Repo.GetDocument(mux.Vars(r)["doc_id"])
	if !ok {
		s.fail(w, repository.ErrNotFound{ID: mux.Vars(r)["doc_id"]})
		return
	}
	s.respond(w, http.StatusOK, doc)
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var upd repository.DocumentUpdate
	if err := decodeJSONUpdate(r, &upd); err != nil {
		s.badRequest(w, "invalid document update: "+err.Error())
		return
	}
	doc, err := s.Repo.UpdateDocument(mux.Vars(r)["doc_id"], upd)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// decodeJSONUpdate maps the wire patch body onto the typed update. Pointer
// fields distinguish "absent" from "set to empty".
func decodeJSONUpdate(r *http.Request, upd *repository.DocumentUpdate) error {
	var body struct {
		CompanyKey        *string               `json:"company_key"`
		PersonKey         *string               `json:"person_key"`
		IssueDate         *repository.Date      `json:"issue_date"`
		ValidityStartDate *repository.Date      `json:"validity_start_date"`
		NameDate          *repository.Date      `json:"name_date"`
		PeriodKey         *string               `json:"period_key"`
		Status            *repository.DocStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return err
	}
	upd.CompanyKey = body.CompanyKey
	upd.PersonKey = body.PersonKey
	upd.IssueDate = body.IssueDate
	upd.ValidityStartDate = body.ValidityStartDate
	upd.NameDate = body.NameDate
	upd.PeriodKey = body.PeriodKey
	upd.Status = body.Status
	return nil
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.DeleteDocument(mux.Vars(r)["doc_id"]); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleOpenDocument(w http.ResponseWriter, r *http.Request) {
	path, err := s.Repo.OpenPDF(mux.Vars(r)["doc_id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeFile(w, r, path)
}

// handleReplacePDF swaps the stored file of an instance, recomputing hash and
// extracted metadata. Multipart, same "file" field as upload.
func (s *Server) handleReplacePDF(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.badRequest(w, "multipart form required: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.badRequest(w, "file field required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, err)
		return
	}
	doc, err := s.Repo.ReplacePDF(mux.Vars(r)["doc_id"], header.Filename, content)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.Repo.GetSettings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings repository.Settings
	if err := decodeJSON(r, &settings); err != nil {
		s.badRequest(w, "invalid settings: "+err.Error())
		return
	}
	if settings.RepositoryRootDir == "" {
		s.badRequest(w, "repository_root_dir required")
		return
	}
	if err := s.Repo.PutSettings(settings); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, s.Repo.GetSettings())
}

// handleSetOverride normalizes the three accepted body shapes into a typed
// override: null clears it, a bare "YYYY-MM-DD" string sets valid_to, an
// object sets the full window.
func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, err)
		return
	}
	override, err := normalizeOverride(raw)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	doc, err := s.Repo.SetOverride(mux.Vars(r)["doc_id"], override)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

func normalizeOverride(raw []byte) (*repository.ValidityOverride, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errInvalidOverride
	}
	switch v := probe.(type) {
	case nil:
		return nil, nil
	case string:
		d, err := repository.ParseDate(v)
		if err != nil {
			return nil, errInvalidOverride
		}
		return &repository.ValidityOverride{ValidTo: d, Reason: "manual"}, nil
	case map[string]any:
		var o repository.ValidityOverride
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, errInvalidOverride
		}
		if o.Reason == "" {
			o.Reason = "manual"
		}
		return &o, nil
	default:
		return nil, errInvalidOverride
	}
}

var errInvalidOverride = overrideError{}

type overrideError struct{}

func (overrideError) Error() string {
	return "override must be null, a YYYY-MM-DD string, or an object with valid_from/valid_to"
}

package repository

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"caebridge/internal/logging"
	"caebridge/internal/persist"
	"caebridge/internal/textnorm"
)

// pdfMagic is the required file signature; the repository stores PDFs only.
var pdfMagic = []byte("%PDF-")

// UploadRequest carries everything the upload operation needs.
type UploadRequest struct {
	FileName          string
	Content           []byte
	TypeID            string
	CompanyKey        string
	PersonKey         string
	IssueDate         Date
	ValidityStartDate Date
	NameDate          Date
	PeriodKey         string
}

func (s *Store) docPath(docID, ext string) string {
	return filepath.Join(s.root, "docs", docID+ext)
}

func (s *Store) metaPath(docID string) string {
	return filepath.Join(s.root, "meta", docID+".json")
}

// Upload validates, stores the blob, infers the period when absent, computes
// validity and persists the instance.
func (s *Store) Upload(req UploadRequest) (*DocumentInstance, error) {
	if !bytes.HasPrefix(req.Content, pdfMagic) {
		return nil, fmt.Errorf("rejected upload %q: not a PDF", req.FileName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.types[req.TypeID]
	if !ok {
		return nil, ErrNotFound{ID: req.TypeID}
	}

	doc := &DocumentInstance{
		DocID:            uuid.NewString(),
		TypeID:           t.TypeID,
		Scope:            t.Scope,
		CompanyKey:       req.CompanyKey,
		PersonKey:        req.PersonKey,
		FileNameOriginal: req.FileName,
		SHA256:           textnorm.SHA256Hex(req.Content),
		IssuedAt:         req.IssueDate,
		Extracted: Extracted{
			ValidityStartDate: req.ValidityStartDate,
			NameDate:          req.NameDate,
		},
		PeriodKind: t.PeriodKind,
		PeriodKey:  req.PeriodKey,
		Status:     StatusDraft,
	}

	if t.ValidityStartMode == StartModeIssueDate {
		doc.Extracted.ValidityStartDate = req.IssueDate
	}

	if t.PeriodKind != PeriodNone && doc.PeriodKey == "" {
		doc.PeriodKey = InferPeriodKey(t.PeriodKind, PeriodSource{
			ValidityStartDate: doc.Extracted.ValidityStartDate,
			IssueDate:         doc.IssuedAt,
			NameDate:          doc.Extracted.NameDate,
			Filename:          doc.FileNameOriginal,
		})
		doc.NeedsPeriod = doc.PeriodKey == ""
	}

	if err := doc.ValidateSubject(); err != nil {
		return nil, err
	}
	if t.IssueDateRequired && doc.IssuedAt.IsZero() {
		return nil, fmt.Errorf("type %s requires an issue date", t.TypeID)
	}

	doc.Computed = ComputeValidity(t.Validity, ValidityInput{
		IssueDate:         doc.IssuedAt,
		NameDate:          doc.Extracted.NameDate,
		ValidityStartDate: doc.Extracted.ValidityStartDate,
	})

	ext := filepath.Ext(req.FileName)
	if ext == "" {
		ext = ".pdf"
	}
	storedPath := filepath.Join("docs", doc.DocID+ext)
	doc.StoredPath = storedPath

	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if err := persist.WriteFileAtomic(filepath.Join(s.root, storedPath), req.Content, 0o644); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	if err := persist.SaveJSON(s.metaPath(doc.DocID), doc); err != nil {
		return nil, fmt.Errorf("store meta: %w", err)
	}
	s.docs[doc.DocID] = doc

	logging.Get(logging.CategoryRepository).Infow("document uploaded",
		"doc_id", doc.DocID, "type_id", doc.TypeID, "period_key", doc.PeriodKey,
		"needs_period", doc.NeedsPeriod, "sha256", doc.SHA256)
	return doc, nil
}

// GetDocument returns an instance by id.
func (s *Store) GetDocument(docID string) (*DocumentInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	return d, ok
}

// OpenPDF returns the absolute blob path, verifying presence.
func (s *Store) OpenPDF(docID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return "", ErrNotFound{ID: docID}
	}
	abs := filepath.Join(s.root, d.StoredPath)
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("blob missing for %s: %w", docID, err)
	}
	return abs, nil
}

// FileExists reports whether the stored blob is present on disk.
func (s *Store) FileExists(docID string) bool {
	_, err := s.OpenPDF(docID)
	return err == nil
}

// DocFilter narrows ListDocuments. Empty fields mean "no filter".
type DocFilter struct {
	TypeID         string
	Scope          Scope
	Status         DocStatus
	ValidityStatus ValidityStatus
	PeriodKey      string
	CompanyKey     string
	PersonKey      string
}

// ListDocuments applies filters; validity_status is evaluated after
// computation, using the effective (override-aware) window.
func (s *Store) ListDocuments(f DocFilter) []*DocumentInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	today := s.now()

	var out []*DocumentInstance
	for _, d := range s.docs {
		if f.TypeID != "" && d.TypeID != f.TypeID {
			continue
		}
		if f.Scope != "" && d.Scope != f.Scope {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.PeriodKey != "" && d.PeriodKey != f.PeriodKey {
			continue
		}
		if f.CompanyKey != "" && d.CompanyKey != f.CompanyKey {
			continue
		}
		if f.PersonKey != "" && d.PersonKey != f.PersonKey {
			continue
		}
		if f.ValidityStatus != "" {
			st, _ := d.ValidityStatusOn(today)
			if st != f.ValidityStatus {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// DocumentUpdate is the mutable subset of an instance.
type DocumentUpdate struct {
	CompanyKey        *string
	PersonKey         *string
	IssueDate         *Date
	ValidityStartDate *Date
	NameDate          *Date
	PeriodKey         *string
	Status            *DocStatus
}

// UpdateDocument applies a partial update and recomputes validity.
func (s *Store) UpdateDocument(docID string, upd DocumentUpdate) (*DocumentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, ErrNotFound{ID: docID}
	}
	t, ok := s.types[d.TypeID]
	if !ok {
		return nil, ErrNotFound{ID: d.TypeID}
	}

	if upd.CompanyKey != nil {
		d.CompanyKey = *upd.CompanyKey
	}
	if upd.PersonKey != nil {
		d.PersonKey = *upd.PersonKey
	}
	if upd.IssueDate != nil {
		d.IssuedAt = *upd.IssueDate
		if t.ValidityStartMode == StartModeIssueDate {
			d.Extracted.ValidityStartDate = *upd.IssueDate
		}
	}
	if upd.ValidityStartDate != nil {
		d.Extracted.ValidityStartDate = *upd.ValidityStartDate
	}
	if upd.NameDate != nil {
		d.Extracted.NameDate = *upd.NameDate
	}
	if upd.PeriodKey != nil {
		d.PeriodKey = *upd.PeriodKey
		d.NeedsPeriod = t.PeriodKind != PeriodNone && d.PeriodKey == ""
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}

	if err := d.ValidateSubject(); err != nil {
		return nil, err
	}

	d.Computed = ComputeValidity(t.Validity, ValidityInput{
		IssueDate:         d.IssuedAt,
		NameDate:          d.Extracted.NameDate,
		ValidityStartDate: d.Extracted.ValidityStartDate,
	})
	d.UpdatedAt = time.Now().UTC()

	if err := persist.SaveJSON(s.metaPath(docID), d); err != nil {
		return nil, err
	}
	return d, nil
}

// ReplacePDF swaps the blob, recomputing the hash.
func (s *Store) ReplacePDF(docID, fileName string, content []byte) (*DocumentInstance, error) {
	if !bytes.HasPrefix(content, pdfMagic) {
		return nil, fmt.Errorf("rejected replacement %q: not a PDF", fileName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, ErrNotFound{ID: docID}
	}

	if err := persist.WriteFileAtomic(filepath.Join(s.root, d.StoredPath), content, 0o644); err != nil {
		return nil, fmt.Errorf("replace blob: %w", err)
	}
	d.FileNameOriginal = fileName
	d.SHA256 = textnorm.SHA256Hex(content)
	d.UpdatedAt = time.Now().UTC()
	if err := persist.SaveJSON(s.metaPath(docID), d); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteDocument removes meta and blob.
func (s *Store) DeleteDocument(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return ErrNotFound{ID: docID}
	}
	if err := os.Remove(s.metaPath(docID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, d.StoredPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.docs, docID)
	return nil
}

// SetOverride installs (or, with nil, clears) the validity override.
func (s *Store) SetOverride(docID string, o *ValidityOverride) (*DocumentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, ErrNotFound{ID: docID}
	}
	if o != nil && o.ValidFrom.IsZero() && o.ValidTo.IsZero() {
		// Empty object clears, same as null.
		o = nil
	}
	if o != nil && o.Reason == "" {
		return nil, fmt.Errorf("override requires a reason")
	}
	d.Override = o
	d.UpdatedAt = time.Now().UTC()
	if err := persist.SaveJSON(s.metaPath(docID), d); err != nil {
		return nil, err
	}
	return d, nil
}

// PendingReview lists instances still needing attention: drafts, period
// gaps, and anything expired or expiring within the window.
func (s *Store) PendingReview() []*DocumentInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	today := s.now()

	var out []*DocumentInstance
	for _, d := range s.docs {
		st, _ := d.ValidityStatusOn(today)
		if d.Status == StatusDraft || d.NeedsPeriod ||
			st == ValidityStatusExpired || st == ValidityStatusExpiringSoon {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// ExpectedPeriodsFor plans the period horizon of a type for one subject and
// classifies each period against held documents.
type ExpectedPeriod struct {
	Period Period       `json:"period"`
	Status PeriodStatus `json:"status"`
}

// ExpectedPeriodsFor delegates to the period planner.
func (s *Store) ExpectedPeriodsFor(typeID, companyKey, personKey string, monthsBack int) ([]ExpectedPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.types[typeID]
	if !ok {
		return nil, ErrNotFound{ID: typeID}
	}
	var subset []*DocumentInstance
	for _, d := range s.docs {
		if d.TypeID == typeID && d.CompanyKey == companyKey &&
			(personKey == "" || d.PersonKey == personKey) {
			subset = append(subset, d)
		}
	}

	today := s.now()
	periods := ExpectedPeriods(t.PeriodKind, today, monthsBack)
	out := make([]ExpectedPeriod, 0, len(periods))
	for _, p := range periods {
		out = append(out, ExpectedPeriod{
			Period: p,
			Status: StatusOfPeriod(p, subset, t.Validity.GraceDays, today),
		})
	}
	return out, nil
}

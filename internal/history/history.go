// Package history persists submission records and answers the dedupe
// question: has this pending fingerprint already been submitted or planned?
package history

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"caebridge/internal/logging"
	"caebridge/internal/persist"
)

// Action is the lifecycle of a record.
type Action string

const (
	ActionPlanned   Action = "planned"
	ActionSubmitted Action = "submitted"
	ActionSkipped   Action = "skipped"
	ActionFailed    Action = "failed"
)

// PendingSnapshot preserves the portal row a record refers to.
type PendingSnapshot struct {
	TipoDoc   string `json:"tipo_doc"`
	Elemento  string `json:"elemento"`
	Empresa   string `json:"empresa"`
	PeriodKey string `json:"period_key,omitempty"`
}

// Record is one submission history entry.
type Record struct {
	RecordID    string `json:"record_id"`
	PlatformKey string `json:"platform_key"`
	CoordLabel  string `json:"coord_label,omitempty"`
	CompanyKey  string `json:"company_key,omitempty"`
	PersonKey   string `json:"person_key,omitempty"`

	PendingFingerprint string          `json:"pending_fingerprint"`
	PendingSnapshot    PendingSnapshot `json:"pending_snapshot"`

	DocID      string `json:"doc_id,omitempty"`
	TypeID     string `json:"type_id,omitempty"`
	FileSHA256 string `json:"file_sha256,omitempty"`

	Action       Action `json:"action"`
	Decision     string `json:"decision,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	Seq          int64  `json:"seq"`
	EvidencePath string `json:"evidence_path,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// Store keeps records under history/<year>/<month>/<record_id>.json with an
// in-memory fingerprint index. Records within a run carry a monotonic seq.
type Store struct {
	mu      sync.RWMutex
	root    string
	byFP    map[string][]*Record
	byID    map[string]*Record
	runSeqs map[string]int64
}

// NewStore loads the full history tree under root.
func NewStore(root string) (*Store, error) {
	s := &Store{
		root:    filepath.Join(root, "history"),
		byFP:    make(map[string][]*Record),
		byID:    make(map[string]*Record),
		runSeqs: make(map[string]int64),
	}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == "archive" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".json") {
			return nil
		}
		var rec Record
		if err := persist.LoadJSON(path, &rec); err != nil {
			logging.Get(logging.CategoryHistory).Warnw("skipping unreadable record",
				"path", path, "error", err)
			return nil
		}
		s.index(&rec)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	return s, nil
}

func (s *Store) index(rec *Record) {
	s.byFP[rec.PendingFingerprint] = append(s.byFP[rec.PendingFingerprint], rec)
	s.byID[rec.RecordID] = rec
	if rec.RunID != "" && rec.Seq > s.runSeqs[rec.RunID] {
		s.runSeqs[rec.RunID] = rec.Seq
	}
}

func (s *Store) pathFor(rec *Record) string {
	return filepath.Join(s.root,
		rec.CreatedAt.Format("2006"), rec.CreatedAt.Format("01"),
		rec.RecordID+".json")
}

// Append writes a new record, assigning id, timestamp and run-scoped seq.
func (s *Store) Append(rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.RunID != "" {
		s.runSeqs[rec.RunID]++
		rec.Seq = s.runSeqs[rec.RunID]
	}
	if err := persist.SaveJSON(s.pathFor(rec), rec); err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}
	s.index(rec)
	return rec, nil
}

// UpdateAction transitions a record (planned -> submitted/failed).
func (s *Store) UpdateAction(recordID string, action Action, errMsg string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return nil, fmt.Errorf("record not found: %s", recordID)
	}
	rec.Action = action
	rec.ErrorMessage = errMsg
	if action == ActionSubmitted {
		now := time.Now().UTC()
		rec.SubmittedAt = &now
	}
	if err := persist.SaveJSON(s.pathFor(rec), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByFingerprint returns all records for a fingerprint, oldest first.
func (s *Store) FindByFingerprint(fp string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := append([]*Record(nil), s.byFP[fp]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs
}

// HasSubmitted reports whether a submitted record exists for fp.
func (s *Store) HasSubmitted(fp string) bool {
	for _, r := range s.FindByFingerprint(fp) {
		if r.Action == ActionSubmitted {
			return true
		}
	}
	return false
}

// HasPlannedInRun reports a live planned record for fp in a run other than
// runID (an active competing plan).
func (s *Store) HasPlannedInRun(fp, excludeRunID string) bool {
	for _, r := range s.FindByFingerprint(fp) {
		if r.Action == ActionPlanned && r.RunID != "" && r.RunID != excludeRunID {
			return true
		}
	}
	return false
}

// ListByRun returns the records of one run in seq order.
func (s *Store) ListByRun(runID string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.byID {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Archive moves records older than the cutoff into history/archive/,
// dropping them from the live index. Returns the number moved.
func (s *Store) Archive(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for id, rec := range s.byID {
		if !rec.CreatedAt.Before(olderThan) {
			continue
		}
		src := s.pathFor(rec)
		dst := filepath.Join(s.root, "archive", rec.CreatedAt.Format("2006"), rec.RecordID+".json")
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return moved, err
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return moved, fmt.Errorf("archive %s: %w", id, err)
		}
		delete(s.byID, id)
		fps := s.byFP[rec.PendingFingerprint]
		for i, r := range fps {
			if r.RecordID == id {
				s.byFP[rec.PendingFingerprint] = append(fps[:i], fps[i+1:]...)
				break
			}
		}
		moved++
	}
	return moved, nil
}

// Package learning stores human-confirmed match hints. Hints are generated
// from Decision Pack MARK_AS_MATCH actions and later consulted by the
// matching engine: a single applicable EXACT hint resolves a pending item
// outright, several applicable hints only boost candidates.
package learning

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"caebridge/internal/persist"
	"caebridge/internal/textnorm"
)

// Strength of a hint.
type Strength string

const (
	StrengthExact Strength = "EXACT"
	StrengthSoft  Strength = "SOFT"
)

// Effect values reported back in debug output.
const (
	EffectResolved = "resolved"
	EffectBoosted  = "boosted"
	EffectIgnored  = "ignored"
)

// LearnedMapping is the target a hint points at.
type LearnedMapping struct {
	TypeIDExpected      string `json:"type_id_expected"`
	LocalDocID          string `json:"local_doc_id,omitempty"`
	LocalDocFingerprint string `json:"local_doc_fingerprint,omitempty"`
}

// Conditions restrict when a hint applies. Empty fields are wildcards.
type Conditions struct {
	SubjectKey                string `json:"subject_key,omitempty"`
	PersonKey                 string `json:"person_key,omitempty"`
	PeriodKey                 string `json:"period_key,omitempty"`
	PortalTypeLabelNormalized string `json:"portal_type_label_normalized,omitempty"`
}

// Hint is one durable learned mapping.
type Hint struct {
	HintID          string         `json:"hint_id"`
	PlatformKey     string         `json:"platform_key"`
	ItemFingerprint string         `json:"item_fingerprint"`
	Mapping         LearnedMapping `json:"learned_mapping"`
	Conditions      Conditions     `json:"conditions"`
	Strength        Strength       `json:"strength"`
	Disabled        bool           `json:"disabled"`
	Source          string         `json:"source"`
	DecisionPackID  string         `json:"decision_pack_id,omitempty"`
	PlanID          string         `json:"plan_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ID derives the idempotent hint id from canonicalized content. The same
// mapping under the same conditions always produces the same id, so
// re-applying a Decision Pack never duplicates hints.
func (h *Hint) ID() string {
	return textnorm.Fingerprint(
		h.PlatformKey,
		h.ItemFingerprint,
		h.Mapping.TypeIDExpected,
		h.Mapping.LocalDocID,
		h.Mapping.LocalDocFingerprint,
		h.Conditions.SubjectKey,
		h.Conditions.PersonKey,
		h.Conditions.PeriodKey,
		h.Conditions.PortalTypeLabelNormalized,
		string(h.Strength),
	)
}

type tombstone struct {
	HintID     string    `json:"hint_id"`
	Reason     string    `json:"reason,omitempty"`
	DisabledAt time.Time `json:"disabled_at"`
}

// Store is the hint store: append-only hints.jsonl, an index rebuilt on
// write, and a tombstone file for soft disable.
type Store struct {
	mu         sync.RWMutex
	dir        string
	log        *persist.AppendLog
	hints      map[string]*Hint
	tombstones map[string]tombstone
}

// NewStore opens (or initializes) the learning store under root.
func NewStore(root string) (*Store, error) {
	dir := filepath.Join(root, "learning")
	hintLog, err := persist.NewAppendLog(filepath.Join(dir, "hints.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open hint log: %w", err)
	}
	s := &Store{
		dir:        dir,
		log:        hintLog,
		hints:      make(map[string]*Hint),
		tombstones: make(map[string]tombstone),
	}
	lines, err := persist.ReadLines[Hint](s.log.Path())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read hints: %w", err)
	}
	for i := range lines {
		h := lines[i]
		s.hints[h.HintID] = &h
	}
	tombs, err := persist.ReadLines[tombstone](filepath.Join(dir, "hints_tombstones.json"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read tombstones: %w", err)
	}
	for _, tb := range tombs {
		s.tombstones[tb.HintID] = tb
		if h, ok := s.hints[tb.HintID]; ok {
			h.Disabled = true
		}
	}
	return s, nil
}

// Add records a hint. Idempotent: a hint whose canonical id already exists
// is returned unchanged and not re-appended.
func (s *Store) Add(h *Hint) (*Hint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.HintID = h.ID()
	if existing, ok := s.hints[h.HintID]; ok {
		return existing, false, nil
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.Source == "" {
		h.Source = "decision_pack"
	}
	if err := s.log.Append(h); err != nil {
		return nil, false, fmt.Errorf("append hint: %w", err)
	}
	s.hints[h.HintID] = h
	if err := s.writeIndexLocked(); err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// Disable tombstones a hint. The JSONL log keeps the original entry.
func (s *Store) Disable(hintID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hints[hintID]
	if !ok {
		return fmt.Errorf("hint not found: %s", hintID)
	}
	if h.Disabled {
		return nil
	}
	h.Disabled = true
	tb := tombstone{HintID: hintID, Reason: reason, DisabledAt: time.Now().UTC()}
	s.tombstones[hintID] = tb
	tombLog, err := persist.NewAppendLog(filepath.Join(s.dir, "hints_tombstones.json"))
	if err != nil {
		return fmt.Errorf("open tombstone log: %w", err)
	}
	if err := tombLog.Append(tb); err != nil {
		return err
	}
	return s.writeIndexLocked()
}

func (s *Store) writeIndexLocked() error {
	index := make(map[string]*Hint, len(s.hints))
	for id, h := range s.hints {
		index[id] = h
	}
	return persist.SaveJSON(filepath.Join(s.dir, "hints_index.json"), index)
}

// Get returns a hint by id.
func (s *Store) Get(hintID string) (*Hint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hints[hintID]
	return h, ok
}

// List returns all hints, newest first.
func (s *Store) List() []*Hint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Hint, 0, len(s.hints))
	for _, h := range s.hints {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Query is the lookup context the matching engine presents.
type Query struct {
	PlatformKey           string
	ItemFingerprint       string
	SubjectKey            string
	PersonKey             string
	PeriodKey             string
	PortalLabelNormalized string
}

// AppliedHint is the per-hint outcome surfaced in the debug report.
type AppliedHint struct {
	HintID string `json:"hint_id"`
	Effect string `json:"effect"`
	Hint   *Hint  `json:"-"`
}

func (h *Hint) matches(q Query) bool {
	if h.PlatformKey != "" && h.PlatformKey != q.PlatformKey {
		return false
	}
	if h.ItemFingerprint != "" && h.ItemFingerprint != q.ItemFingerprint {
		return false
	}
	c := h.Conditions
	if c.SubjectKey != "" && c.SubjectKey != q.SubjectKey {
		return false
	}
	if c.PersonKey != "" && c.PersonKey != q.PersonKey {
		return false
	}
	if c.PeriodKey != "" && c.PeriodKey != q.PeriodKey {
		return false
	}
	if c.PortalTypeLabelNormalized != "" &&
		c.PortalTypeLabelNormalized != textnorm.Normalize(q.PortalLabelNormalized) {
		return false
	}
	return true
}

// Consult evaluates the store against a query. It returns the hint to
// resolve with (nil unless exactly one enabled EXACT hint applies) and the
// applied-hint report for every hint that was considered and matched,
// including disabled ones with effect "ignored".
func (s *Store) Consult(q Query) (resolved *Hint, applied []AppliedHint) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var live []*Hint
	for _, h := range s.hints {
		if !h.matches(q) {
			continue
		}
		if h.Disabled {
			applied = append(applied, AppliedHint{HintID: h.HintID, Effect: EffectIgnored, Hint: h})
			continue
		}
		live = append(live, h)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].HintID < live[j].HintID })

	if len(live) == 1 && live[0].Strength == StrengthExact {
		applied = append(applied, AppliedHint{HintID: live[0].HintID, Effect: EffectResolved, Hint: live[0]})
		return live[0], applied
	}
	for _, h := range live {
		applied = append(applied, AppliedHint{HintID: h.HintID, Effect: EffectBoosted, Hint: h})
	}
	return nil, applied
}

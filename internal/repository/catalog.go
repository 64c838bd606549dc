package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"caebridge/internal/logging"
	"caebridge/internal/persist"
	"caebridge/internal/textnorm"
)

// Store is the document repository: type catalog plus instances. A single
// Store owns the on-disk root; all mutations funnel through it.
type Store struct {
	mu    sync.RWMutex
	root  string
	now   func() Date
	types map[string]*DocumentType
	docs  map[string]*DocumentInstance
}

// NewStore opens (or initializes) a repository at root. settings.json may
// re-point the effective root; the pointed-to directory wins.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("repository root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}

	s := &Store{
		root: root,
		now:  func() Date { return DateOf(time.Now().UTC()) },
	}

	var settings Settings
	if err := persist.LoadJSON(filepath.Join(root, "settings.json"), &settings); err == nil {
		if settings.RepositoryRootDir != "" && settings.RepositoryRootDir != root {
			s.root = settings.RepositoryRootDir
			if err := os.MkdirAll(s.root, 0o755); err != nil {
				return nil, fmt.Errorf("create redirected root: %w", err)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryRepository).Infow("repository opened",
		"root", s.root, "types", len(s.types), "docs", len(s.docs))
	return s, nil
}

// SetClock injects the "today" source; tests use a fixed date.
func (s *Store) SetClock(now func() Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Today returns the injected current date.
func (s *Store) Today() Date {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Root returns the effective on-disk root.
func (s *Store) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

func (s *Store) typesPath() string { return filepath.Join(s.root, "types.json") }

// reloadLocked re-reads types.json and every meta/<doc_id>.json.
func (s *Store) reloadLocked() error {
	s.types = make(map[string]*DocumentType)
	s.docs = make(map[string]*DocumentInstance)

	var typeList []*DocumentType
	if err := persist.LoadJSON(s.typesPath(), &typeList); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, t := range typeList {
		s.types[t.TypeID] = t
	}

	metaDir := filepath.Join(s.root, "meta")
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read meta dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var doc DocumentInstance
		if err := persist.LoadJSON(filepath.Join(metaDir, e.Name()), &doc); err != nil {
			logging.Get(logging.CategoryRepository).Warnw("skipping unreadable doc meta",
				"file", e.Name(), "error", err)
			continue
		}
		s.docs[doc.DocID] = &doc
	}
	return nil
}

func (s *Store) saveTypesLocked() error {
	list := make([]*DocumentType, 0, len(s.types))
	for _, t := range s.types {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TypeID < list[j].TypeID })
	return persist.SaveJSON(s.typesPath(), list)
}

// TypeFilter narrows ListTypes. Zero values mean "no filter".
type TypeFilter struct {
	Query      string
	PeriodKind PeriodKind
	Scope      Scope
	Active     *bool
	Sort       string // name|type_id|period_kind|relevance
	Page       int    // 1-based; 0 disables pagination
	PageSize   int
}

// TypePage is the paginated envelope.
type TypePage struct {
	Items    []*DocumentType `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// ListTypes applies server-side filters and sorting. Without pagination the
// envelope carries the full list and Page/PageSize are zero.
func (s *Store) ListTypes(f TypeFilter) TypePage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := textnorm.Normalize(f.Query)
	var items []*DocumentType
	for _, t := range s.types {
		if f.PeriodKind != "" && t.PeriodKind != f.PeriodKind {
			continue
		}
		if f.Scope != "" && t.Scope != f.Scope {
			continue
		}
		if f.Active != nil && t.Active != *f.Active {
			continue
		}
		if q != "" && relevance(t, q) == 0 {
			continue
		}
		items = append(items, t)
	}

	switch f.Sort {
	case "", "name":
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	case "type_id":
		sort.Slice(items, func(i, j int) bool { return items[i].TypeID < items[j].TypeID })
	case "period_kind":
		sort.Slice(items, func(i, j int) bool {
			if items[i].PeriodKind != items[j].PeriodKind {
				return items[i].PeriodKind < items[j].PeriodKind
			}
			return items[i].Name < items[j].Name
		})
	case "relevance":
		sort.Slice(items, func(i, j int) bool {
			ri, rj := relevance(items[i], q), relevance(items[j], q)
			if ri != rj {
				return ri > rj
			}
			return items[i].Name < items[j].Name
		})
	}

	total := len(items)
	if f.Page <= 0 || f.PageSize <= 0 {
		return TypePage{Items: items, Total: total}
	}
	start := (f.Page - 1) * f.PageSize
	if start >= total {
		return TypePage{Items: []*DocumentType{}, Total: total, Page: f.Page, PageSize: f.PageSize}
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return TypePage{Items: items[start:end], Total: total, Page: f.Page, PageSize: f.PageSize}
}

// relevance scores a query against id, name and aliases.
func relevance(t *DocumentType, q string) int {
	if q == "" {
		return 1
	}
	score := 0
	if strings.Contains(textnorm.Normalize(t.TypeID), q) {
		score += 3
	}
	if strings.Contains(textnorm.Normalize(t.Name), q) {
		score += 2
	}
	for _, a := range t.PlatformAliases {
		if strings.Contains(textnorm.Normalize(a), q) {
			score++
			break
		}
	}
	return score
}

// GetType returns a catalog entry.
func (s *Store) GetType(typeID string) (*DocumentType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[typeID]
	return t, ok
}

// ErrConflict marks id collisions (HTTP 409 at the boundary).
type ErrConflict struct{ ID string }

func (e ErrConflict) Error() string { return fmt.Sprintf("id already exists: %s", e.ID) }

// ErrNotFound marks missing ids (HTTP 404 at the boundary).
type ErrNotFound struct{ ID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("not found: %s", e.ID) }

// CreateType adds a catalog entry.
func (s *Store) CreateType(t *DocumentType) error {
	if t.TypeID == "" {
		return fmt.Errorf("type_id required")
	}
	if t.Scope != ScopeCompany && t.Scope != ScopeWorker {
		return fmt.Errorf("invalid scope %q", t.Scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[t.TypeID]; exists {
		return ErrConflict{ID: t.TypeID}
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.types[t.TypeID] = t
	return s.saveTypesLocked()
}

// UpdateType mutates everything except the id.
func (s *Store) UpdateType(typeID string, update *DocumentType) (*DocumentType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.types[typeID]
	if !ok {
		return nil, ErrNotFound{ID: typeID}
	}
	update.TypeID = typeID
	update.CreatedAt = existing.CreatedAt
	update.UpdatedAt = time.Now().UTC()
	s.types[typeID] = update
	if err := s.saveTypesLocked(); err != nil {
		return nil, err
	}
	return update, nil
}

// DeleteType removes a catalog entry; blocked while instances reference it.
func (s *Store) DeleteType(typeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[typeID]; !ok {
		return ErrNotFound{ID: typeID}
	}
	for _, d := range s.docs {
		if d.TypeID == typeID {
			return fmt.Errorf("type %s has live documents: %w", typeID, ErrConflict{ID: typeID})
		}
	}
	delete(s.types, typeID)
	return s.saveTypesLocked()
}

// ToggleActive flips the active flag.
func (s *Store) ToggleActive(typeID string) (*DocumentType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[typeID]
	if !ok {
		return nil, ErrNotFound{ID: typeID}
	}
	t.Active = !t.Active
	t.UpdatedAt = time.Now().UTC()
	if err := s.saveTypesLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// DuplicateType deep-copies a type under a new id. With no id supplied the
// first free of <id>_COPY, <id>_COPY_2, ... is used. The copy gets a
// derived name so constructors do not collide.
func (s *Store) DuplicateType(typeID, newID string) (*DocumentType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.types[typeID]
	if !ok {
		return nil, ErrNotFound{ID: typeID}
	}

	if newID == "" {
		newID = typeID + "_COPY"
		for n := 2; ; n++ {
			if _, exists := s.types[newID]; !exists {
				break
			}
			newID = fmt.Sprintf("%s_COPY_%d", typeID, n)
		}
	} else if _, exists := s.types[newID]; exists {
		return nil, ErrConflict{ID: newID}
	}

	dup := *src // value copy; slices re-allocated below
	dup.PlatformAliases = append([]string(nil), src.PlatformAliases...)
	if src.LateSubmissionMaxDays != nil {
		v := *src.LateSubmissionMaxDays
		dup.LateSubmissionMaxDays = &v
	}
	dup.TypeID = newID
	dup.Name = src.Name + " (copy)"
	now := time.Now().UTC()
	dup.CreatedAt = now
	dup.UpdatedAt = now

	s.types[newID] = &dup
	if err := s.saveTypesLocked(); err != nil {
		return nil, err
	}
	return &dup, nil
}

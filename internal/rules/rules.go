// Package rules holds the declarative matching+form contracts per portal.
// A COORD-scoped rule overrides any GLOBAL rule with the same
// (platform_key, document_type_id, coord_label).
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"caebridge/internal/persist"
	"caebridge/internal/textnorm"
)

// RuleScope is GLOBAL or COORD.
type RuleScope string

const (
	ScopeGlobal RuleScope = "GLOBAL"
	ScopeCoord  RuleScope = "COORD"
)

// FormSpec is the declarative upload form contract of a rule.
type FormSpec struct {
	UploadField      string            `json:"upload_field"`
	DateFields       map[string]string `json:"date_fields,omitempty"` // field selector -> {valid_from|valid_to|issue_date}
	SubmitButton     string            `json:"submit_button"`
	ConfirmationText []string          `json:"confirmation_text,omitempty"`
}

// MatchSpec is the normalized-containment condition of a rule.
type MatchSpec struct {
	PendingTextContains []string `json:"pending_text_contains,omitempty"`
	EmpresaContains     []string `json:"empresa_contains,omitempty"`
}

// SubmissionRule binds pending text to a document type and a form recipe.
type SubmissionRule struct {
	RuleID         string    `json:"rule_id"`
	PlatformKey    string    `json:"platform_key"`
	CoordLabel     string    `json:"coord_label,omitempty"`
	Scope          RuleScope `json:"scope"`
	Enabled        bool      `json:"enabled"`
	Match          MatchSpec `json:"match"`
	DocumentTypeID string    `json:"document_type_id"`
	Form           FormSpec  `json:"form"`
}

// Matches checks the rule's normalized-containment conditions.
func (r *SubmissionRule) Matches(pendingText, empresa string) bool {
	for _, needle := range r.Match.PendingTextContains {
		if !textnorm.ContainsNormalized(pendingText, needle) {
			return false
		}
	}
	for _, needle := range r.Match.EmpresaContains {
		if !textnorm.ContainsNormalized(empresa, needle) {
			return false
		}
	}
	return true
}

// Store persists rules in rules/submission_rules.json.
type Store struct {
	mu    sync.RWMutex
	path  string
	rules []*SubmissionRule
}

// NewStore loads (or initializes) the rule file under root.
func NewStore(root string) (*Store, error) {
	s := &Store{path: filepath.Join(root, "rules", "submission_rules.json")}
	if err := persist.LoadJSON(s.path, &s.rules); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return s, nil
}

// List returns all rules.
func (s *Store) List() []*SubmissionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*SubmissionRule(nil), s.rules...)
}

// Put inserts or replaces a rule by id.
func (s *Store) Put(r *SubmissionRule) error {
	if r.RuleID == "" {
		return fmt.Errorf("rule_id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, existing := range s.rules {
		if existing.RuleID == r.RuleID {
			s.rules[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		s.rules = append(s.rules, r)
	}
	return persist.SaveJSON(s.path, s.rules)
}

// Select picks the applicable rule for (platform, type, coord): an enabled
// COORD rule for the coord label wins over an enabled GLOBAL rule.
func (s *Store) Select(platformKey, documentTypeID, coordLabel string) *SubmissionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var global *SubmissionRule
	for _, r := range s.rules {
		if !r.Enabled || r.PlatformKey != platformKey || r.DocumentTypeID != documentTypeID {
			continue
		}
		switch r.Scope {
		case ScopeCoord:
			if coordLabel != "" && textnorm.Normalize(r.CoordLabel) == textnorm.Normalize(coordLabel) {
				return r
			}
		case ScopeGlobal:
			if global == nil {
				global = r
			}
		}
	}
	return global
}

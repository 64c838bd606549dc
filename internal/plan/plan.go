// Package plan builds read-only execution plans from scraped pending items
// and layers human Decision Packs on top. A sealed plan file is immutable;
// every pack application produces a new derived artifact.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"caebridge/internal/logging"
	"caebridge/internal/matching"
	"caebridge/internal/persist"
	"caebridge/internal/policy"
	"caebridge/internal/repository"
	"caebridge/internal/textnorm"
)

// Source values for the run-metrics breakdown.
const (
	SourceAutoMatching  = "auto_matching"
	SourceHintResolved  = "learning_hint_resolved"
	SourcePresetApplied = "preset_applied"
	SourceManualSingle  = "manual_single"
	SourceManualBatch   = "manual_batch"
)

// BuildInput is the caller's plan request.
type BuildInput struct {
	PlatformKey string `json:"platform_key"`
	CoordLabel  string `json:"coord_label,omitempty"`
	CompanyKey  string `json:"company_key,omitempty"`
	PersonKey   string `json:"person_key,omitempty"`
	OnlyTarget  string `json:"only_target,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	MaxPages    int    `json:"max_pages,omitempty"`
}

// Item is one pending requirement with its matching trace and policy verdict.
type Item struct {
	ItemID         string                      `json:"item_id"`
	PendingItemKey string                      `json:"pending_item_key"`
	Pending        matching.PendingRequirement `json:"pending"`
	Match          *matching.Result            `json:"match"`
	Evaluation     policy.Evaluation           `json:"evaluation"`
	Source         string                      `json:"source"`
}

// Summary counts items per decision.
type Summary struct {
	Total          int `json:"total"`
	AutoUpload     int `json:"auto_upload"`
	ReviewRequired int `json:"review_required"`
	NoMatch        int `json:"no_match"`
	Skip           int `json:"skip"`
}

// Plan is the sealed artifact.
type Plan struct {
	PlanID         string     `json:"plan_id"`
	DecisionPackID string     `json:"decision_pack_id,omitempty"`
	Input          BuildInput `json:"input"`
	Items          []Item     `json:"items"`
	Summary        Summary    `json:"summary"`
	Diagnostics    []string   `json:"diagnostics,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Item looks up a plan item by id.
func (p *Plan) Item(itemID string) (*Item, bool) {
	for i := range p.Items {
		if p.Items[i].ItemID == itemID {
			return &p.Items[i], true
		}
	}
	return nil, false
}

// ItemByKey looks up a plan item by pending_item_key.
func (p *Plan) ItemByKey(key string) (*Item, bool) {
	for i := range p.Items {
		if p.Items[i].PendingItemKey == key {
			return &p.Items[i], true
		}
	}
	return nil, false
}

// Builder assembles plans; it owns no browser and mutates nothing outside
// the plan store.
type Builder struct {
	Engine *matching.Engine
	Repo   *repository.Store
}

// Build matches and evaluates every pending item. Read-only with respect to
// repository, rules, hints and history.
func (b *Builder) Build(in BuildInput, pendings []matching.PendingRequirement) *Plan {
	p := &Plan{
		PlanID:    "plan_" + uuid.NewString(),
		Input:     in,
		CreatedAt: time.Now().UTC(),
	}

	target := textnorm.Normalize(in.OnlyTarget)
	today := b.Repo.Today()
	for _, pending := range pendings {
		if target != "" && !textnorm.ContainsNormalized(
			pending.TipoDoc+" "+pending.Elemento+" "+pending.Empresa, target) {
			continue
		}
		if in.Limit > 0 && len(p.Items) >= in.Limit {
			p.Diagnostics = append(p.Diagnostics, fmt.Sprintf("limit %d reached, remaining items dropped", in.Limit))
			break
		}

		m := b.Engine.Match(matching.Input{
			PlatformKey: in.PlatformKey,
			CoordLabel:  in.CoordLabel,
			Pending:     pending,
			CompanyKey:  in.CompanyKey,
			PersonKey:   in.PersonKey,
		})
		var docType *repository.DocumentType
		if m.TypeID != "" {
			docType, _ = b.Repo.GetType(m.TypeID)
		}
		ev := policy.Evaluate(m, docType, today)

		p.Items = append(p.Items, Item{
			ItemID:         itemID(pending),
			PendingItemKey: pending.ItemKey(),
			Pending:        pending,
			Match:          m,
			Evaluation:     ev,
			Source:         m.Source,
		})
	}

	p.Summary = summarize(p.Items)
	logging.Get(logging.CategoryPlan).Infow("plan built",
		"plan_id", p.PlanID, "total", p.Summary.Total, "auto_upload", p.Summary.AutoUpload)
	return p
}

func itemID(p matching.PendingRequirement) string {
	return "item_" + p.ItemFingerprint()[:12]
}

func summarize(items []Item) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch it.Evaluation.Decision {
		case policy.AutoUpload:
			s.AutoUpload++
		case policy.ReviewRequired:
			s.ReviewRequired++
		case policy.NoMatch:
			s.NoMatch++
		case policy.Skip:
			s.Skip++
		}
	}
	return s
}

// Store persists sealed plans and their derived artifacts under plans/.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore roots the plan store under dir/plans.
func NewStore(dir string) *Store {
	return &Store{dir: filepath.Join(dir, "plans")}
}

func (s *Store) planPath(planID string) string {
	return filepath.Join(s.dir, planID+".json")
}

func (s *Store) derivedPath(planID, packID string) string {
	return filepath.Join(s.dir, planID+"__"+packID+".json")
}

// Seal writes the plan once. A second seal of the same id is an error;
// sealed plans are immutable.
func (s *Store) Seal(p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.planPath(p.PlanID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("plan %s already sealed", p.PlanID)
	}
	return persist.SaveJSON(path, p)
}

// SaveDerived writes a pack-derived plan artifact.
func (s *Store) SaveDerived(p *Plan) error {
	if p.DecisionPackID == "" {
		return fmt.Errorf("derived plan requires decision_pack_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return persist.SaveJSON(s.derivedPath(p.PlanID, p.DecisionPackID), p)
}

// Get loads a sealed plan; with packID set, the derived artifact.
func (s *Store) Get(planID, packID string) (*Plan, error) {
	path := s.planPath(planID)
	if packID != "" {
		path = s.derivedPath(planID, packID)
	}
	var p Plan
	if err := persist.LoadJSON(path, &p); err != nil {
		if os.IsNotExist(err) {
			return nil, repository.ErrNotFound{ID: planID}
		}
		return nil, err
	}
	return &p, nil
}

// clone deep-copies a plan through its JSON form.
func clone(p *Plan) (*Plan, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out Plan
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

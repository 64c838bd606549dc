package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"caebridge/internal/learning"
	"caebridge/internal/logging"
	"caebridge/internal/matching"
	"caebridge/internal/persist"
	"caebridge/internal/policy"
	"caebridge/internal/repository"
	"caebridge/internal/textnorm"
)

// PackAction is the closed set of Decision Pack actions.
type PackAction string

const (
	MarkAsMatch  PackAction = "MARK_AS_MATCH"
	ForceSkip    PackAction = "FORCE_SKIP"
	RequestHuman PackAction = "REQUEST_HUMAN"
	ApplyPreset  PackAction = "APPLY_PRESET"
)

// PackDecision is one human decision within a pack.
type PackDecision struct {
	ItemID           string     `json:"item_id,omitempty"`
	Action           PackAction `json:"action"`
	ChosenLocalDocID string     `json:"chosen_local_doc_id,omitempty"`
	Reason           string     `json:"reason"`
	PresetName       string     `json:"preset_name,omitempty"`
}

// DecisionPack is a human override sheet authored against one plan.
type DecisionPack struct {
	DecisionPackID string         `json:"decision_pack_id"`
	PlanID         string         `json:"plan_id"`
	Decisions      []PackDecision `json:"decisions"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Preset is a named bulk mapping: every item of one type gets one document.
type Preset struct {
	Name           string `json:"name"`
	DocumentTypeID string `json:"document_type_id"`
	LocalDocID     string `json:"local_doc_id"`
}

// SavePack persists a pack alongside its plan.
func (s *Store) SavePack(pack *DecisionPack) error {
	if pack.DecisionPackID == "" {
		pack.DecisionPackID = "pack_" + uuid.NewString()
	}
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return persist.SaveJSON(filepath.Join(s.dir, pack.PlanID+"_packs", pack.DecisionPackID+".json"), pack)
}

// LoadPresets reads the named preset mappings; a missing file is empty.
func (s *Store) LoadPresets() ([]Preset, error) {
	var presets []Preset
	if err := persist.LoadJSON(filepath.Join(s.dir, "presets.json"), &presets); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return presets, nil
}

// SavePresets replaces the preset file.
func (s *Store) SavePresets(presets []Preset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return persist.SaveJSON(filepath.Join(s.dir, "presets.json"), presets)
}

// Applier layers Decision Packs over sealed plans.
type Applier struct {
	Repo  *repository.Store
	Hints *learning.Store
	Store *Store
}

// Apply produces the derived plan for a pack. The sealed plan is never
// mutated; MARK_AS_MATCH decisions additionally generate learning hints,
// idempotent on the hint's content id.
func (a *Applier) Apply(sealed *Plan, pack *DecisionPack, presets []Preset) (*Plan, error) {
	if pack.PlanID != sealed.PlanID {
		return nil, fmt.Errorf("pack %s targets plan %s, not %s", pack.DecisionPackID, pack.PlanID, sealed.PlanID)
	}
	derived, err := clone(sealed)
	if err != nil {
		return nil, err
	}
	derived.DecisionPackID = pack.DecisionPackID

	// A pack with several manual matches counts as a batch for metrics.
	manualSource := SourceManualSingle
	if countMarks(pack) > 1 {
		manualSource = SourceManualBatch
	}

	for _, d := range pack.Decisions {
		switch d.Action {
		case MarkAsMatch:
			item, ok := derived.Item(d.ItemID)
			if !ok {
				return nil, fmt.Errorf("pack decision targets unknown item %s", d.ItemID)
			}
			if err := a.markAsMatch(item, d, manualSource, pack, sealed.Input.PlatformKey); err != nil {
				return nil, err
			}
		case ForceSkip:
			item, ok := derived.Item(d.ItemID)
			if !ok {
				return nil, fmt.Errorf("pack decision targets unknown item %s", d.ItemID)
			}
			item.Evaluation.Decision = policy.Skip
			item.Evaluation.Reason = "forced skip: " + d.Reason
			item.Evaluation.LocalDoc = nil
		case RequestHuman:
			item, ok := derived.Item(d.ItemID)
			if !ok {
				return nil, fmt.Errorf("pack decision targets unknown item %s", d.ItemID)
			}
			item.Evaluation.Decision = policy.ReviewRequired
			item.Evaluation.Reason = "human review requested: " + d.Reason
			item.Evaluation.LocalDoc = nil
		case ApplyPreset:
			if err := a.applyPreset(derived, d, presets); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown pack action %q", d.Action)
		}
	}

	derived.Summary = summarize(derived.Items)
	if err := a.Store.SaveDerived(derived); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryPlan).Infow("decision pack applied",
		"plan_id", sealed.PlanID, "decision_pack_id", pack.DecisionPackID,
		"decisions", len(pack.Decisions))
	return derived, nil
}

func countMarks(pack *DecisionPack) int {
	n := 0
	for _, d := range pack.Decisions {
		if d.Action == MarkAsMatch {
			n++
		}
	}
	return n
}

func (a *Applier) markAsMatch(item *Item, d PackDecision, source string, pack *DecisionPack, platformKey string) error {
	doc, ok := a.Repo.GetDocument(d.ChosenLocalDocID)
	if !ok {
		return fmt.Errorf("chosen document %s not found", d.ChosenLocalDocID)
	}
	item.Evaluation = policy.Evaluation{
		Decision:   policy.AutoUpload,
		ReasonCode: matching.ReasonMatchOK,
		Reason:     "marked as match: " + d.Reason,
		Confidence: 1.0,
		LocalDoc: &policy.LocalDocRef{
			DocID:      doc.DocID,
			TypeID:     doc.TypeID,
			FileSHA256: doc.SHA256,
			PeriodKey:  doc.PeriodKey,
		},
	}
	item.Source = source

	_, _, err := a.Hints.Add(&learning.Hint{
		PlatformKey:     platformKey,
		ItemFingerprint: item.Pending.ItemFingerprint(),
		Mapping: learning.LearnedMapping{
			TypeIDExpected:      doc.TypeID,
			LocalDocID:          doc.DocID,
			LocalDocFingerprint: doc.SHA256,
		},
		// Conditions mirror the pending item's own context; the item
		// fingerprint already pins the subject.
		Conditions: learning.Conditions{
			PeriodKey:                 item.Match.PeriodKey,
			PortalTypeLabelNormalized: textnorm.Normalize(item.Pending.TipoDoc),
		},
		Strength:       learning.StrengthExact,
		Source:         "decision_pack",
		DecisionPackID: pack.DecisionPackID,
		PlanID:         pack.PlanID,
	})
	return err
}

func (a *Applier) applyPreset(derived *Plan, d PackDecision, presets []Preset) error {
	var preset *Preset
	for i := range presets {
		if presets[i].Name == d.PresetName {
			preset = &presets[i]
			break
		}
	}
	if preset == nil {
		return fmt.Errorf("preset %q not found", d.PresetName)
	}
	doc, ok := a.Repo.GetDocument(preset.LocalDocID)
	if !ok {
		return fmt.Errorf("preset %q points at missing document %s", preset.Name, preset.LocalDocID)
	}

	applied := 0
	for i := range derived.Items {
		item := &derived.Items[i]
		if item.Match == nil || item.Match.TypeID != preset.DocumentTypeID {
			continue
		}
		item.Evaluation = policy.Evaluation{
			Decision:   policy.AutoUpload,
			ReasonCode: matching.ReasonMatchOK,
			Reason:     fmt.Sprintf("preset %q applied", preset.Name),
			Confidence: 1.0,
			LocalDoc: &policy.LocalDocRef{
				DocID:      doc.DocID,
				TypeID:     doc.TypeID,
				FileSHA256: doc.SHA256,
				PeriodKey:  doc.PeriodKey,
			},
		}
		item.Source = SourcePresetApplied
		applied++
	}
	if applied == 0 {
		return fmt.Errorf("preset %q matched no plan items", preset.Name)
	}
	return nil
}

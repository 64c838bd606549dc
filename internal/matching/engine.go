package matching

import (
	"fmt"
	"sort"
	"strings"

	"caebridge/internal/config"
	"caebridge/internal/history"
	"caebridge/internal/learning"
	"caebridge/internal/logging"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
	"caebridge/internal/textnorm"
)

// Alias seed groups. A type whose alias list touches any member of a group
// inherits the whole group, so well-known portal labels match out of the box.
var aliasSeeds = [][]string{
	{
		"t104.0", "t104", "t205", "t205.0",
		"cuota autonomos", "recibo autonomos", "recibo de autonomos",
		"ultimo recibo cuota autonomos", "justificante pago autonomos",
	},
	{
		"tc2", "rnt", "relacion nominal de trabajadores",
	},
	{
		"tc1", "rlc", "recibo de liquidacion de cotizaciones",
	},
}

const (
	scoreAliasAtStart  = 0.9
	scoreAliasNear     = 0.75
	scoreAliasAnywhere = 0.6

	// looseStartWindow bounds how far into the text an alias may sit and
	// still count as "at start with looser bounds".
	looseStartWindow = 12

	docScoreAlias       = 0.6
	docScoreStatusReady = 0.3
	docScorePeriodCover = 0.2
	docScoreDraft       = -0.2
	docScoreHintBoost   = 0.2

	ambiguityWindow = 0.1
)

// Engine binds the read-only stores the matcher consults.
type Engine struct {
	Repo     *repository.Store
	Rules    *rules.Store
	Hints    *learning.Store
	History  *history.Store
	Catalogs *config.Catalogs
}

// Input is one matching request.
type Input struct {
	PlatformKey string
	CoordLabel  string
	Pending     PendingRequirement

	// Scope filters requested by the caller; empty means unrestricted.
	CompanyKey string
	PersonKey  string

	// ActiveRunID excludes the caller's own run from planned-dedupe.
	ActiveRunID string
}

// Match resolves one pending item. Pure with respect to its inputs; the
// only clock involved is the repository's injected "today".
func (e *Engine) Match(in Input) *Result {
	p := in.Pending
	normTipo := textnorm.Normalize(p.TipoDoc)
	normElem := textnorm.Normalize(p.Elemento)
	normEmp := textnorm.Normalize(p.Empresa)

	report := &DebugReport{
		Inputs: InputsSnapshot{
			NormalizedTipo:     normTipo,
			NormalizedElemento: normElem,
			NormalizedEmpresa:  normEmp,
			DetectedCode:       DetectCode(normTipo),
			DetectedDNI:        DetectDNI(normElem),
		},
	}
	res := &Result{Source: "auto_matching", Debug: report}

	// Type candidates, inactive ones surfaced but not rankable.
	candidates, sawInactive := e.typeCandidates(normTipo, report.Inputs.DetectedCode)
	report.TypeCandidates = candidates

	var best *TypeCandidate
	for i := range candidates {
		if !candidates[i].Inactive {
			best = &candidates[i]
			break
		}
	}

	// The dedupe fingerprint needs the period, which needs the type's
	// period kind; without a type candidate fall back to the declared key.
	periodKey := p.PeriodKey
	var docType *repository.DocumentType
	if best != nil {
		docType, _ = e.Repo.GetType(best.TypeID)
		if docType != nil && periodKey == "" && docType.PeriodKind != repository.PeriodNone {
			periodKey = repository.InferPeriodKey(docType.PeriodKind, repository.PeriodSource{
				Filename: p.TipoDoc + " " + p.Elemento,
			})
		}
	}
	report.Inputs.DetectedPeriodKey = periodKey
	res.PeriodKey = periodKey
	res.Fingerprint = p.Fingerprint(in.PlatformKey, periodKey)

	// History dedupe wins over everything else.
	if dec, code := e.dedupe(res.Fingerprint, normTipo, in.ActiveRunID); dec != "" {
		msg := "submission history already covers this item"
		if code == ReasonFingerprintCollision {
			msg = "history records with this fingerprint describe a different pending item"
		}
		return e.finish(res, dec, code, msg)
	}

	// Learning hints may resolve outright.
	resolvedHint, applied := e.Hints.Consult(learning.Query{
		PlatformKey:           in.PlatformKey,
		ItemFingerprint:       p.ItemFingerprint(),
		SubjectKey:            in.CompanyKey,
		PersonKey:             in.PersonKey,
		PeriodKey:             periodKey,
		PortalLabelNormalized: normTipo,
	})
	report.AppliedHints = applied
	if resolvedHint != nil {
		if doc, ok := e.Repo.GetDocument(resolvedHint.Mapping.LocalDocID); ok && e.Repo.FileExists(doc.DocID) {
			res.TypeID = resolvedHint.Mapping.TypeIDExpected
			res.Doc = doc
			res.Confidence = 1.0
			res.Rule = e.Rules.Select(in.PlatformKey, res.TypeID, in.CoordLabel)
			res.Source = "learning_hint_resolved"
			return e.finish(res, DecisionAutoUpload, ReasonMatchOK,
				fmt.Sprintf("resolved by learned hint %s", resolvedHint.HintID))
		}
		// Hint points at a vanished document; demote it to ignored.
		for i := range report.AppliedHints {
			if report.AppliedHints[i].HintID == resolvedHint.HintID {
				report.AppliedHints[i].Effect = learning.EffectIgnored
			}
		}
	}

	if best == nil {
		if sawInactive {
			return e.finish(res, DecisionNoMatch, ReasonTypeInactive,
				"only inactive types match the pending text")
		}
		return e.finish(res, DecisionNoMatch, ReasonNoLocalMatch,
			"no local type alias matches the pending text")
	}
	res.TypeID = best.TypeID

	// Scope resolution for worker-level pendings.
	personKey := in.PersonKey
	if docType.Scope == repository.ScopeWorker {
		resolved, ok := e.resolvePerson(report.Inputs.DetectedDNI, normElem)
		if ok {
			if in.PersonKey != "" && in.PersonKey != resolved {
				return e.finish(res, DecisionNoMatch, ReasonScopeMismatch,
					fmt.Sprintf("pending subject %s does not match requested person %s", resolved, in.PersonKey))
			}
			personKey = resolved
		}
	}

	// Document search with worker-scope company fallback.
	filter := repository.DocFilter{
		TypeID:     best.TypeID,
		CompanyKey: in.CompanyKey,
		PersonKey:  personKey,
	}
	periodRequired := docType.PeriodKind != repository.PeriodNone && periodKey != ""
	if periodRequired {
		filter.PeriodKey = periodKey
	}
	docs := e.Repo.ListDocuments(filter)
	if len(docs) == 0 && docType.Scope == repository.ScopeWorker && filter.CompanyKey != "" {
		filter.CompanyKey = ""
		docs = e.Repo.ListDocuments(filter)
	}

	scored := e.scoreDocs(docs, periodKey, applied)
	report.DocCandidates = scored
	report.Outcome.LocalDocsConsidered = len(scored)

	if len(scored) == 0 {
		if periodRequired {
			return e.finish(res, DecisionReviewRequired, ReasonMissingDocForPeriod,
				fmt.Sprintf("no local document for type %s in period %s", best.TypeID, periodKey))
		}
		return e.finish(res, DecisionReviewRequired, ReasonMissingDocForPeriod,
			fmt.Sprintf("type %s matched but no eligible local document", best.TypeID))
	}

	if len(scored) > 1 && scored[0].Score-scored[1].Score < ambiguityWindow {
		res.Confidence = scored[0].Score
		return e.finish(res, DecisionReviewRequired, ReasonAmbiguousMatch,
			fmt.Sprintf("top candidates within %.2f of each other", ambiguityWindow))
	}

	top := scored[0]
	doc, _ := e.Repo.GetDocument(top.DocID)
	res.Doc = doc
	res.Confidence = top.Score
	res.Rule = e.Rules.Select(in.PlatformKey, best.TypeID, in.CoordLabel)

	if !e.Repo.FileExists(top.DocID) {
		return e.finish(res, DecisionReviewRequired, ReasonMissingLocalFile,
			fmt.Sprintf("document %s matched but its file is missing on disk", top.DocID))
	}
	return e.finish(res, DecisionAutoUpload, ReasonMatchOK,
		fmt.Sprintf("document %s matched with confidence %.2f", top.DocID, top.Score))
}

func (e *Engine) finish(res *Result, dec Decision, code ReasonCode, reason string) *Result {
	res.Decision = dec
	res.ReasonCode = code
	res.Reason = reason
	res.Debug.Outcome = Outcome{
		Decision:            dec,
		LocalDocsConsidered: res.Debug.Outcome.LocalDocsConsidered,
		PrimaryReasonCode:   code,
		HumanHint:           reason,
		AppliedHints:        res.Debug.AppliedHints,
	}
	logging.Get(logging.CategoryMatching).Debugw("match decided",
		"decision", dec, "reason_code", code, "type_id", res.TypeID, "confidence", res.Confidence)
	return res
}

func (e *Engine) dedupe(fingerprint, normTipo, activeRunID string) (Decision, ReasonCode) {
	recs := e.History.FindByFingerprint(fingerprint)
	for _, r := range recs {
		if textnorm.Normalize(r.PendingSnapshot.TipoDoc) != normTipo {
			return DecisionReviewRequired, ReasonFingerprintCollision
		}
	}
	if e.History.HasSubmitted(fingerprint) {
		return DecisionSkipSubmitted, ReasonSkipSubmitted
	}
	if e.History.HasPlannedInRun(fingerprint, activeRunID) {
		return DecisionSkipPlanned, ReasonSkipPlanned
	}
	return "", ""
}

// typeCandidates scores every catalog type against the normalized pending
// text, best alias per type, ordered by score then type id.
func (e *Engine) typeCandidates(normTipo, code string) ([]TypeCandidate, bool) {
	var out []TypeCandidate
	sawInactive := false
	for _, t := range e.Repo.ListTypes(repository.TypeFilter{}).Items {
		bestScore, bestAlias := 0.0, ""
		for _, alias := range expandAliases(t.PlatformAliases) {
			score := scoreAlias(normTipo, alias, code)
			if score > bestScore {
				bestScore, bestAlias = score, alias
			}
		}
		if bestScore == 0 {
			continue
		}
		if !t.Active {
			sawInactive = true
		}
		out = append(out, TypeCandidate{
			TypeID: t.TypeID, Alias: bestAlias, Score: bestScore, Inactive: !t.Active,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TypeID < out[j].TypeID
	})
	return out, sawInactive
}

func scoreAlias(normTipo, alias, code string) float64 {
	alias = textnorm.Normalize(alias)
	if alias == "" {
		return 0
	}
	if code != "" && alias == code {
		return scoreAliasAtStart
	}
	idx := strings.Index(normTipo, alias)
	switch {
	case idx == 0:
		return scoreAliasAtStart
	case idx > 0 && idx <= looseStartWindow:
		return scoreAliasNear
	case idx > looseStartWindow:
		return scoreAliasAnywhere
	}
	return 0
}

func expandAliases(aliases []string) []string {
	out := append([]string(nil), aliases...)
	seen := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		seen[textnorm.Normalize(a)] = true
	}
	for _, group := range aliasSeeds {
		hit := false
		for _, member := range group {
			if seen[member] {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, member := range group {
			if !seen[member] {
				seen[member] = true
				out = append(out, member)
			}
		}
	}
	return out
}

// resolvePerson maps the pending subject text to a person key: DNI first,
// then normalized "Surname, Given (DNI)" and "Given Surname" renderings.
func (e *Engine) resolvePerson(dni, normElem string) (string, bool) {
	if dni != "" {
		for _, p := range e.Catalogs.People {
			if textnorm.Normalize(p.DNI) == dni {
				return p.Key, true
			}
		}
	}
	for _, p := range e.Catalogs.People {
		full := textnorm.Normalize(p.FullName())
		plain := textnorm.Normalize(p.GivenName + " " + p.Surname)
		if strings.HasPrefix(normElem, full) || strings.HasPrefix(normElem, plain) {
			return p.Key, true
		}
	}
	return "", false
}

func (e *Engine) scoreDocs(docs []*repository.DocumentInstance, periodKey string, applied []learning.AppliedHint) []DocCandidate {
	var period repository.Period
	havePeriod := false
	if periodKey != "" {
		if p, err := repository.PeriodBounds(periodKey); err == nil {
			period, havePeriod = p, true
		}
	}

	boosts := make(map[string]bool)
	for _, a := range applied {
		if a.Effect == learning.EffectBoosted && a.Hint != nil {
			boosts[a.Hint.Mapping.LocalDocID] = true
		}
	}

	out := make([]DocCandidate, 0, len(docs))
	for _, d := range docs {
		c := DocCandidate{DocID: d.DocID, TypeID: d.TypeID, Score: docScoreAlias}
		c.FilterNote = append(c.FilterNote, "type alias matched")
		switch d.Status {
		case repository.StatusReviewed, repository.StatusReadyToSubmit:
			c.Score += docScoreStatusReady
			c.FilterNote = append(c.FilterNote, "status ready")
		case repository.StatusDraft:
			c.Score += docScoreDraft
			c.FilterNote = append(c.FilterNote, "status draft")
		}
		if havePeriod {
			from, to := d.EffectiveValidity()
			if !from.IsZero() && !to.IsZero() && !from.After(period.End) && !to.Before(period.End) {
				c.Score += docScorePeriodCover
				c.FilterNote = append(c.FilterNote, "validity covers pending period")
			}
		}
		if boosts[d.DocID] {
			c.Score += docScoreHintBoost
			c.FilterNote = append(c.FilterNote, "learned hint boost")
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

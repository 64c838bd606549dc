package matching

import (
	"caebridge/internal/learning"
	"caebridge/internal/repository"
	"caebridge/internal/rules"
)

// Decision is the outcome class of a match.
type Decision string

const (
	DecisionAutoUpload       Decision = "AUTO_UPLOAD"
	DecisionReviewRequired   Decision = "REVIEW_REQUIRED"
	DecisionNoMatch          Decision = "NO_MATCH"
	DecisionSkipSubmitted    Decision = "SKIP_ALREADY_SUBMITTED"
	DecisionSkipPlanned      Decision = "SKIP_ALREADY_PLANNED"
)

// ReasonCode is the closed reason taxonomy. Consumers switch on these;
// never emit a value outside the set.
type ReasonCode string

const (
	ReasonMatchOK              ReasonCode = "match_ok"
	ReasonNoLocalMatch         ReasonCode = "no_local_match"
	ReasonMissingDocForPeriod  ReasonCode = "missing_doc_for_period"
	ReasonMissingLocalFile     ReasonCode = "missing_local_file"
	ReasonAmbiguousMatch       ReasonCode = "ambiguous_match"
	ReasonScopeMismatch        ReasonCode = "scope_mismatch"
	ReasonTypeInactive         ReasonCode = "type_inactive"
	ReasonPolicyRejected       ReasonCode = "policy_rejected"
	ReasonSkipSubmitted        ReasonCode = "skip_already_submitted"
	ReasonSkipPlanned          ReasonCode = "skip_already_planned"
	ReasonFingerprintCollision ReasonCode = "fingerprint_collision"
	ReasonUnknown              ReasonCode = "unknown"
)

// TypeCandidate is one scored type in the debug report.
type TypeCandidate struct {
	TypeID   string  `json:"type_id"`
	Alias    string  `json:"alias"`
	Score    float64 `json:"score"`
	Inactive bool    `json:"inactive,omitempty"`
}

// DocCandidate is one scored document in the debug report.
type DocCandidate struct {
	DocID      string   `json:"doc_id"`
	TypeID     string   `json:"type_id"`
	Score      float64  `json:"score"`
	FilterNote []string `json:"filter_notes,omitempty"`
}

// InputsSnapshot freezes the normalized inputs and detections.
type InputsSnapshot struct {
	NormalizedTipo     string `json:"normalized_tipo"`
	NormalizedElemento string `json:"normalized_elemento"`
	NormalizedEmpresa  string `json:"normalized_empresa"`
	DetectedCode       string `json:"detected_code,omitempty"`
	DetectedPeriodKey  string `json:"detected_period_key,omitempty"`
	DetectedDNI        string `json:"detected_dni,omitempty"`
}

// Outcome is the final block of the debug report.
type Outcome struct {
	Decision            Decision               `json:"decision"`
	LocalDocsConsidered int                    `json:"local_docs_considered"`
	PrimaryReasonCode   ReasonCode             `json:"primary_reason_code"`
	HumanHint           string                 `json:"human_hint,omitempty"`
	AppliedHints        []learning.AppliedHint `json:"applied_hints,omitempty"`
}

// DebugReport is the full per-item matching trace.
type DebugReport struct {
	Inputs         InputsSnapshot         `json:"inputs"`
	TypeCandidates []TypeCandidate        `json:"type_candidates"`
	DocCandidates  []DocCandidate         `json:"doc_candidates"`
	AppliedHints   []learning.AppliedHint `json:"applied_hints,omitempty"`
	Outcome        Outcome                `json:"outcome"`
}

// Result is the engine's verdict for one pending item.
type Result struct {
	Decision    Decision                     `json:"decision"`
	ReasonCode  ReasonCode                   `json:"reason_code"`
	Reason      string                       `json:"reason"`
	TypeID      string                       `json:"type_id,omitempty"`
	Doc         *repository.DocumentInstance `json:"doc,omitempty"`
	Rule        *rules.SubmissionRule        `json:"rule,omitempty"`
	Confidence  float64                      `json:"confidence"`
	PeriodKey   string                       `json:"period_key,omitempty"`
	Fingerprint string                       `json:"fingerprint"`
	Source      string                       `json:"source"`
	Debug       *DebugReport                 `json:"debug"`
}

// Package policy turns a matching result into an upload decision. The
// evaluator is the single place that may veto an AUTO_UPLOAD the matcher
// proposed; it never upgrades a weaker decision.
package policy

import (
	"fmt"

	"caebridge/internal/matching"
	"caebridge/internal/repository"
)

// Decision is the closed upload-policy outcome. Skip subtypes collapse to
// SKIP here; the reason code preserves which one it was.
type Decision string

const (
	AutoUpload     Decision = "AUTO_UPLOAD"
	ReviewRequired Decision = "REVIEW_REQUIRED"
	NoMatch        Decision = "NO_MATCH"
	Skip           Decision = "SKIP"
)

// LocalDocRef points at the repository document backing an AUTO_UPLOAD.
type LocalDocRef struct {
	DocID      string `json:"doc_id"`
	TypeID     string `json:"type_id"`
	FileSHA256 string `json:"file_sha256"`
	PeriodKey  string `json:"period_key,omitempty"`
}

// Evaluation is the policy verdict for one pending item.
type Evaluation struct {
	Decision   Decision            `json:"decision"`
	ReasonCode matching.ReasonCode `json:"reason_code"`
	Reason     string              `json:"reason"`
	Confidence float64             `json:"confidence"`
	LocalDoc   *LocalDocRef        `json:"local_doc_ref,omitempty"`
}

// Evaluate maps a matching result to the policy decision, applying the
// upload vetoes: an expired document, or a late submission the type forbids,
// downgrades to REVIEW_REQUIRED with policy_rejected.
func Evaluate(m *matching.Result, docType *repository.DocumentType, today repository.Date) Evaluation {
	ev := Evaluation{
		ReasonCode: m.ReasonCode,
		Reason:     m.Reason,
		Confidence: m.Confidence,
	}

	switch m.Decision {
	case matching.DecisionSkipSubmitted, matching.DecisionSkipPlanned:
		ev.Decision = Skip
		return ev
	case matching.DecisionNoMatch:
		ev.Decision = NoMatch
		return ev
	case matching.DecisionReviewRequired:
		ev.Decision = ReviewRequired
		return ev
	}

	// AUTO_UPLOAD candidate: the document must still be usable today.
	doc := m.Doc
	status, _ := doc.ValidityStatusOn(today)
	if status == repository.ValidityStatusExpired {
		ev.Decision = ReviewRequired
		ev.ReasonCode = matching.ReasonPolicyRejected
		ev.Reason = fmt.Sprintf("document %s is expired", doc.DocID)
		return ev
	}

	if docType != nil && docType.LateSubmissionMaxDays != nil && doc.PeriodKey != "" {
		if late, days := lateBy(doc, *docType.LateSubmissionMaxDays, today); late {
			ev.Decision = ReviewRequired
			ev.ReasonCode = matching.ReasonPolicyRejected
			ev.Reason = fmt.Sprintf("period %s closed %d days ago, beyond the late-submission window", doc.PeriodKey, days)
			return ev
		}
	}

	ev.Decision = AutoUpload
	ev.LocalDoc = &LocalDocRef{
		DocID:      doc.DocID,
		TypeID:     doc.TypeID,
		FileSHA256: doc.SHA256,
		PeriodKey:  doc.PeriodKey,
	}
	return ev
}

// lateBy reports whether submitting doc today would exceed the declared
// late-submission window after the period closed.
func lateBy(doc *repository.DocumentInstance, maxDays int, today repository.Date) (bool, int) {
	period, err := repository.PeriodBounds(doc.PeriodKey)
	if err != nil {
		return false, 0
	}
	deadline := period.End.AddDays(maxDays)
	if !today.After(deadline) {
		return false, 0
	}
	days := int(today.Sub(period.End.Time).Hours() / 24)
	return true, days
}

// Package repository implements the authoritative document store: the typed
// catalog, document instances with computed validity, period planning, and
// period-keyed lookup. All state lives in flat JSON files under the
// repository root and every write goes through the atomic rename primitive.
package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scope distinguishes company-level from worker-level documents.
type Scope string

const (
	ScopeCompany Scope = "company"
	ScopeWorker  Scope = "worker"
)

// PeriodKind is the temporal bucketing of a document type.
type PeriodKind string

const (
	PeriodNone    PeriodKind = "none"
	PeriodMonth   PeriodKind = "month"
	PeriodQuarter PeriodKind = "quarter"
	PeriodYear    PeriodKind = "year"
)

// ValidityMode selects the validity calculation.
type ValidityMode string

const (
	ValidityMonthly      ValidityMode = "monthly"
	ValidityAnnual       ValidityMode = "annual"
	ValidityFixedEndDate ValidityMode = "fixed_end_date"
	ValidityNone         ValidityMode = "none"
)

// ValidityBasis selects the start-date source.
type ValidityBasis string

const (
	BasisIssueDate ValidityBasis = "issue_date"
	BasisNameDate  ValidityBasis = "name_date"
	BasisManual    ValidityBasis = "manual"
)

// DocStatus is the review lifecycle of an instance.
type DocStatus string

const (
	StatusDraft         DocStatus = "draft"
	StatusReviewed      DocStatus = "reviewed"
	StatusReadyToSubmit DocStatus = "ready_to_submit"
	StatusSubmitted     DocStatus = "submitted"
	StatusExpired       DocStatus = "expired"
)

// ValidityStatus is derived on read, never persisted.
type ValidityStatus string

const (
	ValidityStatusValid        ValidityStatus = "valid"
	ValidityStatusExpiringSoon ValidityStatus = "expiring_soon"
	ValidityStatusExpired      ValidityStatus = "expired"
	ValidityStatusUnknown      ValidityStatus = "unknown"
)

// ExpiringSoonWindowDays is the horizon for the expiring_soon status.
const ExpiringSoonWindowDays = 30

// Date is a calendar date (no time-of-day) serialized as "YYYY-MM-DD".
type Date struct {
	time.Time
}

// NewDate builds a Date at midnight UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time to its calendar date.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format("2006-01-02")
}

// MarshalJSON renders the date or null when zero.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "YYYY-MM-DD", null, or "".
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AddDays returns the date shifted by n days.
func (d Date) AddDays(n int) Date {
	return Date{d.Time.AddDate(0, 0, n)}
}

// Before reports calendar ordering.
func (d Date) Before(other Date) bool { return d.Time.Before(other.Time) }

// After reports calendar ordering.
func (d Date) After(other Date) bool { return d.Time.After(other.Time) }

// ValidityPolicy is the declarative validity contract of a type. It is a
// tagged variant over Mode; the mode-specific fields are ignored for the
// other modes.
type ValidityPolicy struct {
	Mode      ValidityMode  `json:"mode"`
	Basis     ValidityBasis `json:"basis"`
	GraceDays int           `json:"grace_days"`

	// monthly
	NMonths int `json:"n_months,omitempty"`
	// annual
	AnnualMonths int `json:"months,omitempty"`
	// fixed_end_date
	FixedEndDate Date `json:"date,omitempty"`
}

// ValidityStartMode selects where the validity start comes from on upload.
type ValidityStartMode string

const (
	StartModeIssueDate ValidityStartMode = "issue_date"
	StartModeManual    ValidityStartMode = "manual"
)

// DocumentType is a catalog entry defining a class of documents.
type DocumentType struct {
	TypeID      string `json:"type_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Scope       Scope  `json:"scope"`

	Validity   ValidityPolicy `json:"validity_policy"`
	PeriodKind PeriodKind     `json:"period_kind"`

	// PlatformAliases are matched (normalized) against pending text.
	PlatformAliases []string `json:"platform_aliases"`

	IssueDateRequired     bool              `json:"issue_date_required"`
	AllowLateSubmission   bool              `json:"allow_late_submission"`
	LateSubmissionMaxDays *int              `json:"late_submission_max_days,omitempty"`
	ValidityStartMode     ValidityStartMode `json:"validity_start_mode"`
	Active                bool              `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Extracted carries dates recovered from the file itself.
type Extracted struct {
	ValidityStartDate Date `json:"validity_start_date,omitempty"`
	NameDate          Date `json:"name_date,omitempty"`
}

// ComputedValidity is the deterministic output of the validity calculator.
type ComputedValidity struct {
	ValidFrom  Date     `json:"valid_from,omitempty"`
	ValidTo    Date     `json:"valid_to,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// ValidityOverride replaces ComputedValidity for consumers when present.
type ValidityOverride struct {
	ValidFrom Date   `json:"valid_from,omitempty"`
	ValidTo   Date   `json:"valid_to,omitempty"`
	Reason    string `json:"reason"`
}

// DocumentInstance is a concrete document held in the repository.
type DocumentInstance struct {
	DocID  string `json:"doc_id"`
	TypeID string `json:"type_id"`
	Scope  Scope  `json:"scope"`

	CompanyKey string `json:"company_key,omitempty"`
	PersonKey  string `json:"person_key,omitempty"`

	FileNameOriginal string `json:"file_name_original"`
	StoredPath       string `json:"stored_path"`
	SHA256           string `json:"sha256"`

	IssuedAt    Date       `json:"issued_at,omitempty"`
	Extracted   Extracted  `json:"extracted"`
	PeriodKind  PeriodKind `json:"period_kind"`
	PeriodKey   string     `json:"period_key,omitempty"`
	NeedsPeriod bool       `json:"needs_period"`

	Computed ComputedValidity  `json:"computed_validity"`
	Override *ValidityOverride `json:"validity_override,omitempty"`

	Status DocStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveValidity returns the override when set, otherwise the computed
// validity.
func (d *DocumentInstance) EffectiveValidity() (from, to Date) {
	if d.Override != nil {
		return d.Override.ValidFrom, d.Override.ValidTo
	}
	return d.Computed.ValidFrom, d.Computed.ValidTo
}

// ValidityStatusOn derives the read-time status relative to today.
func (d *DocumentInstance) ValidityStatusOn(today Date) (ValidityStatus, *int) {
	_, to := d.EffectiveValidity()
	if to.IsZero() {
		return ValidityStatusUnknown, nil
	}
	days := int(to.Sub(today.Time).Hours() / 24)
	if days < 0 {
		return ValidityStatusExpired, &days
	}
	if days <= ExpiringSoonWindowDays {
		return ValidityStatusExpiringSoon, &days
	}
	return ValidityStatusValid, &days
}

// ValidateSubject enforces the scope/subject invariants.
func (d *DocumentInstance) ValidateSubject() error {
	switch d.Scope {
	case ScopeCompany:
		if d.CompanyKey == "" {
			return fmt.Errorf("company-scoped document requires company_key")
		}
		if d.PersonKey != "" {
			return fmt.Errorf("company-scoped document must not carry person_key")
		}
	case ScopeWorker:
		if d.CompanyKey == "" || d.PersonKey == "" {
			return fmt.Errorf("worker-scoped document requires company_key and person_key")
		}
	default:
		return fmt.Errorf("unknown scope %q", d.Scope)
	}
	if d.PeriodKind == PeriodNone && d.PeriodKey != "" {
		return fmt.Errorf("period_key set on non-periodic document")
	}
	if d.PeriodKind != PeriodNone && d.PeriodKey == "" && !d.NeedsPeriod {
		return fmt.Errorf("periodic document missing period_key must be flagged needs_period")
	}
	return nil
}

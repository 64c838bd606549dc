package repository

import "time"

// The validity calculator is deterministic: for a fixed (policy, metadata)
// pair it always yields the same window, confidence and reasons. It never
// returns an error; missing inputs surface as confidence=0 with reasons.

// ValidityInput is the metadata the calculator reads.
type ValidityInput struct {
	IssueDate         Date
	NameDate          Date
	ValidityStartDate Date // manual / derived start
}

// ComputeValidity applies policy P to metadata M per the catalog contract.
func ComputeValidity(p ValidityPolicy, m ValidityInput) ComputedValidity {
	if p.Mode == ValidityNone {
		return ComputedValidity{Confidence: 1.0}
	}

	base, baseReason := pickBase(p.Basis, m)
	if base.IsZero() {
		return ComputedValidity{
			Confidence: 0,
			Reasons:    []string{baseReason},
		}
	}

	out := ComputedValidity{ValidFrom: base}
	reasons := []string{}
	policyApplicable := true

	switch p.Mode {
	case ValidityMonthly:
		n := p.NMonths
		if n <= 0 {
			n = 1
		}
		out.ValidTo = endOfMonth(base.Year(), base.Month(), n-1)
	case ValidityAnnual:
		months := p.AnnualMonths
		if months <= 0 {
			months = 12
		}
		out.ValidTo = addMonthsClamped(base, months)
	case ValidityFixedEndDate:
		if p.FixedEndDate.IsZero() {
			policyApplicable = false
			reasons = append(reasons, "fixed_end_date policy missing date")
		} else {
			out.ValidTo = p.FixedEndDate
		}
	default:
		policyApplicable = false
		reasons = append(reasons, "unknown validity mode")
	}

	if !out.ValidTo.IsZero() && p.GraceDays > 0 {
		out.ValidTo = out.ValidTo.AddDays(p.GraceDays)
	}

	// Confidence: 0.4 base parsed, +0.3 policy applicable, +0.3 all
	// required fields present. Capped at 1.0.
	conf := 0.4
	if policyApplicable {
		conf += 0.3
	}
	if requiredFieldsPresent(p, m) {
		conf += 0.3
	} else {
		reasons = append(reasons, "required fields incomplete")
	}
	if conf > 1.0 {
		conf = 1.0
	}
	out.Confidence = conf
	out.Reasons = reasons
	return out
}

func pickBase(basis ValidityBasis, m ValidityInput) (Date, string) {
	switch basis {
	case BasisIssueDate:
		if !m.IssueDate.IsZero() {
			return m.IssueDate, ""
		}
		return Date{}, "basis issue_date missing"
	case BasisNameDate:
		if !m.NameDate.IsZero() {
			return m.NameDate, ""
		}
		return Date{}, "basis name_date missing"
	case BasisManual:
		if !m.ValidityStartDate.IsZero() {
			return m.ValidityStartDate, ""
		}
		return Date{}, "basis manual missing validity_start_date"
	default:
		return Date{}, "unknown validity basis"
	}
}

func requiredFieldsPresent(p ValidityPolicy, m ValidityInput) bool {
	switch p.Basis {
	case BasisIssueDate:
		return !m.IssueDate.IsZero()
	case BasisNameDate:
		return !m.NameDate.IsZero()
	case BasisManual:
		return !m.ValidityStartDate.IsZero()
	}
	return false
}

// endOfMonth returns the last day of (year, month+offset).
func endOfMonth(year int, month time.Month, offset int) Date {
	// First day of the month after the target, minus one day.
	first := NewDate(year, month, 1)
	next := Date{first.AddDate(0, offset+1, 0)}
	return next.AddDays(-1)
}

// addMonthsClamped shifts by whole months, clamping day overflow to the last
// day of the target month (2024-01-31 + 1 month = 2024-02-29, not 03-02).
func addMonthsClamped(d Date, months int) Date {
	y, m, day := d.Date()
	firstOfTarget := NewDate(y, m, 1)
	target := Date{firstOfTarget.AddDate(0, months, 0)}
	last := endOfMonth(target.Year(), target.Month(), 0)
	if day > last.Day() {
		day = last.Day()
	}
	return NewDate(target.Year(), target.Month(), day)
}

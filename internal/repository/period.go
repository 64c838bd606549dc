package repository

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"caebridge/internal/textnorm"
)

// Period planning: expected period sequences per type, per-period status,
// and period-key inference from declared dates and filenames.

// Period is one temporal bucket of a periodic type.
type Period struct {
	Key   string `json:"period_key"`
	Start Date   `json:"period_start"`
	End   Date   `json:"period_end"`
}

// PeriodStatus is the coverage state of one expected period.
type PeriodStatus string

const (
	PeriodAvailable PeriodStatus = "AVAILABLE"
	PeriodLate      PeriodStatus = "LATE"
	PeriodMissing   PeriodStatus = "MISSING"
)

// PeriodKindForMode derives the bucketing from a validity mode.
func PeriodKindForMode(mode ValidityMode) PeriodKind {
	switch mode {
	case ValidityMonthly:
		return PeriodMonth
	case ValidityAnnual:
		return PeriodYear
	default:
		return PeriodNone
	}
}

// PeriodKeyFor formats the canonical key for a date under a kind.
func PeriodKeyFor(kind PeriodKind, d Date) string {
	switch kind {
	case PeriodMonth:
		return d.Format("2006-01")
	case PeriodQuarter:
		q := (int(d.Month())-1)/3 + 1
		return fmt.Sprintf("%d-Q%d", d.Year(), q)
	case PeriodYear:
		return d.Format("2006")
	default:
		return ""
	}
}

// PeriodBounds resolves a period key back to its calendar window.
func PeriodBounds(key string) (Period, error) {
	switch {
	case regexp.MustCompile(`^\d{4}-\d{2}$`).MatchString(key):
		t, err := time.Parse("2006-01", key)
		if err != nil {
			return Period{}, fmt.Errorf("parse period %q: %w", key, err)
		}
		start := DateOf(t)
		return Period{Key: key, Start: start, End: endOfMonth(start.Year(), start.Month(), 0)}, nil
	case regexp.MustCompile(`^\d{4}-Q[1-4]$`).MatchString(key):
		year, _ := strconv.Atoi(key[:4])
		q := int(key[6] - '0')
		start := NewDate(year, time.Month((q-1)*3+1), 1)
		return Period{Key: key, Start: start, End: endOfMonth(start.Year(), start.Month(), 2)}, nil
	case regexp.MustCompile(`^\d{4}$`).MatchString(key):
		year, _ := strconv.Atoi(key)
		return Period{Key: key, Start: NewDate(year, time.January, 1), End: NewDate(year, time.December, 31)}, nil
	default:
		return Period{}, fmt.Errorf("unrecognized period key %q", key)
	}
}

// ExpectedPeriods emits the sorted period sequence covering monthsBack
// months up to (and including) the period containing today.
func ExpectedPeriods(kind PeriodKind, today Date, monthsBack int) []Period {
	if kind == PeriodNone || monthsBack <= 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []Period
	for i := monthsBack - 1; i >= 0; i-- {
		d := Date{today.AddDate(0, -i, 0)}
		key := PeriodKeyFor(kind, d)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		p, err := PeriodBounds(key)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// StatusOfPeriod classifies one expected period given the docs of the same
// (type, subject). AVAILABLE when a non-expired instance covers the period,
// LATE when present but expired beyond grace, MISSING otherwise.
func StatusOfPeriod(p Period, docs []*DocumentInstance, graceDays int, today Date) PeriodStatus {
	found := false
	for _, doc := range docs {
		if doc.PeriodKey != p.Key {
			continue
		}
		found = true
		_, to := doc.EffectiveValidity()
		if to.IsZero() || !today.After(to.AddDays(graceDays)) {
			return PeriodAvailable
		}
	}
	if found {
		return PeriodLate
	}
	return PeriodMissing
}

// Spanish month names, full and 3-letter, accent-free (inputs are
// normalized before lookup). The locale set is deliberate product surface;
// extend here only.
var spanishMonths = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
	"ene": time.January, "feb": time.February, "mar": time.March,
	"abr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "ago": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November,
	"dic": time.December,
}

var (
	reISOMonth   = regexp.MustCompile(`(20\d{2})[-_.](0[1-9]|1[0-2])`)
	reDayMonYear = regexp.MustCompile(`\b(\d{1,2})[-_. ]([a-z]{3,10})[-_. ](\d{2,4})\b`)
	reMonthYear  = regexp.MustCompile(`\b([a-z]{3,10})[-_. ](20\d{2})\b`)
	reYearOnly   = regexp.MustCompile(`\b(20\d{2})\b`)
)

// PeriodSource bundles the candidate inputs for inference, in priority
// order: declared validity start, issue date, name date, filename.
type PeriodSource struct {
	ValidityStartDate Date
	IssueDate         Date
	NameDate          Date
	Filename          string
}

// InferPeriodKey resolves the period key for a type from the first usable
// source. Returns "" when no reliable period is found.
func InferPeriodKey(kind PeriodKind, src PeriodSource) string {
	if kind == PeriodNone {
		return ""
	}
	for _, d := range []Date{src.ValidityStartDate, src.IssueDate, src.NameDate} {
		if !d.IsZero() {
			return PeriodKeyFor(kind, d)
		}
	}
	if d, ok := dateFromFilename(src.Filename); ok {
		return PeriodKeyFor(kind, d)
	}
	// Year-kind documents can settle for a lone year token.
	if kind == PeriodYear {
		if m := reYearOnly.FindStringSubmatch(textnorm.Normalize(src.Filename)); m != nil {
			year, _ := strconv.Atoi(m[1])
			return PeriodKeyFor(kind, NewDate(year, time.June, 15))
		}
	}
	return ""
}

// dateFromFilename extracts a representative date from filename patterns:
// ISO "2023-05", Spanish "12-may-23" / "12-mayo-2023", "mayo 2023".
func dateFromFilename(name string) (Date, bool) {
	if name == "" {
		return Date{}, false
	}
	n := textnorm.Normalize(name)

	if m := reISOMonth.FindStringSubmatch(n); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		return NewDate(year, time.Month(month), 15), true
	}
	if m := reDayMonYear.FindStringSubmatch(n); m != nil {
		if month, ok := spanishMonths[m[2]]; ok {
			day, _ := strconv.Atoi(m[1])
			year := parseYear(m[3])
			if day >= 1 && day <= 31 && year > 0 {
				return NewDate(year, month, day), true
			}
		}
	}
	if m := reMonthYear.FindStringSubmatch(n); m != nil {
		if month, ok := spanishMonths[m[1]]; ok {
			year, _ := strconv.Atoi(m[2])
			return NewDate(year, month, 15), true
		}
	}
	return Date{}, false
}

func parseYear(s string) int {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	if y < 100 {
		y += 2000
	}
	if y < 2000 || y > 2099 {
		return 0
	}
	return y
}

package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodKeyFor(t *testing.T) {
	day := d(2023, time.May, 12)
	assert.Equal(t, "2023-05", PeriodKeyFor(PeriodMonth, day))
	assert.Equal(t, "2023-Q2", PeriodKeyFor(PeriodQuarter, day))
	assert.Equal(t, "2023", PeriodKeyFor(PeriodYear, day))
	assert.Equal(t, "", PeriodKeyFor(PeriodNone, day))
}

func TestPeriodBounds(t *testing.T) {
	p, err := PeriodBounds("2023-05")
	require.NoError(t, err)
	assert.Equal(t, "2023-05-01", p.Start.String())
	assert.Equal(t, "2023-05-31", p.End.String())

	p, err = PeriodBounds("2023-Q4")
	require.NoError(t, err)
	assert.Equal(t, "2023-10-01", p.Start.String())
	assert.Equal(t, "2023-12-31", p.End.String())

	p, err = PeriodBounds("2024")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", p.Start.String())
	assert.Equal(t, "2024-12-31", p.End.String())

	_, err = PeriodBounds("Q4-2023")
	assert.Error(t, err)
}

func TestExpectedPeriodsMonthly(t *testing.T) {
	ps := ExpectedPeriods(PeriodMonth, d(2023, time.May, 20), 3)
	require.Len(t, ps, 3)
	assert.Equal(t, "2023-03", ps[0].Key)
	assert.Equal(t, "2023-04", ps[1].Key)
	assert.Equal(t, "2023-05", ps[2].Key)
}

func TestExpectedPeriodsYearDedupes(t *testing.T) {
	ps := ExpectedPeriods(PeriodYear, d(2023, time.February, 1), 6)
	require.Len(t, ps, 2)
	assert.Equal(t, "2022", ps[0].Key)
	assert.Equal(t, "2023", ps[1].Key)
}

func TestStatusOfPeriod(t *testing.T) {
	period, err := PeriodBounds("2023-05")
	require.NoError(t, err)
	today := d(2023, time.July, 1)

	valid := &DocumentInstance{
		PeriodKey: "2023-05",
		Computed:  ComputedValidity{ValidFrom: d(2023, time.May, 1), ValidTo: d(2023, time.August, 31)},
	}
	expired := &DocumentInstance{
		PeriodKey: "2023-05",
		Computed:  ComputedValidity{ValidFrom: d(2023, time.May, 1), ValidTo: d(2023, time.May, 31)},
	}

	assert.Equal(t, PeriodAvailable, StatusOfPeriod(period, []*DocumentInstance{valid}, 0, today))
	assert.Equal(t, PeriodLate, StatusOfPeriod(period, []*DocumentInstance{expired}, 0, today))
	assert.Equal(t, PeriodMissing, StatusOfPeriod(period, nil, 0, today))

	// Grace keeps a just-expired doc AVAILABLE.
	justOver := d(2023, time.June, 2)
	assert.Equal(t, PeriodAvailable, StatusOfPeriod(period, []*DocumentInstance{expired}, 5, justOver))
}

func TestInferPeriodKeyPriority(t *testing.T) {
	// Declared dates win over the filename.
	key := InferPeriodKey(PeriodMonth, PeriodSource{
		IssueDate: d(2023, time.April, 3),
		Filename:  "recibo_2022-12.pdf",
	})
	assert.Equal(t, "2023-04", key)

	key = InferPeriodKey(PeriodMonth, PeriodSource{
		ValidityStartDate: d(2023, time.June, 1),
		IssueDate:         d(2023, time.April, 3),
	})
	assert.Equal(t, "2023-06", key)
}

func TestInferPeriodKeyFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{"ISO", "recibo_2023-05_acme.pdf", "2023-05"},
		{"ISOUnderscore", "nomina_2023_11.pdf", "2023-11"},
		{"SpanishShort", "recibo 12-may-23.pdf", "2023-05"},
		{"SpanishFull", "cuota 01-mayo-2023.pdf", "2023-05"},
		{"SpanishMonthYear", "Recibo Autónomos Mayo 2023.pdf", "2023-05"},
		{"Accented", "recibo SEPTIEMBRE 2023.pdf", "2023-09"},
		{"NoDate", "recibo_autonomos.pdf", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InferPeriodKey(PeriodMonth, PeriodSource{Filename: tt.filename})
			if got != tt.want {
				t.Errorf("InferPeriodKey(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}

func TestInferPeriodKeyInjective(t *testing.T) {
	// Distinct source dates must map to distinct keys.
	a := InferPeriodKey(PeriodMonth, PeriodSource{IssueDate: d(2023, time.May, 1)})
	b := InferPeriodKey(PeriodMonth, PeriodSource{IssueDate: d(2023, time.June, 1)})
	assert.NotEqual(t, a, b)

	// Null only when no candidate source exists.
	assert.Empty(t, InferPeriodKey(PeriodMonth, PeriodSource{}))
}

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule(id string, scope RuleScope, coord string) *SubmissionRule {
	return &SubmissionRule{
		RuleID:         id,
		PlatformKey:    "egestiona",
		CoordLabel:     coord,
		Scope:          scope,
		Enabled:        true,
		DocumentTypeID: "T104_AUTONOMOS_RECEIPT",
		Form:           FormSpec{UploadField: "input[type=file]", SubmitButton: "#enviar"},
	}
}

func TestCoordOverridesGlobal(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	global := testRule("r_global", ScopeGlobal, "")
	coord := testRule("r_coord", ScopeCoord, "Obra Norte")
	require.NoError(t, s.Put(global))
	require.NoError(t, s.Put(coord))

	got := s.Select("egestiona", "T104_AUTONOMOS_RECEIPT", "obra norte")
	require.NotNil(t, got)
	assert.Equal(t, "r_coord", got.RuleID)

	// Disabling the COORD rule falls back to GLOBAL.
	coord.Enabled = false
	require.NoError(t, s.Put(coord))
	got = s.Select("egestiona", "T104_AUTONOMOS_RECEIPT", "obra norte")
	require.NotNil(t, got)
	assert.Equal(t, "r_global", got.RuleID)

	// Different coord label ignores the COORD rule.
	coord.Enabled = true
	require.NoError(t, s.Put(coord))
	got = s.Select("egestiona", "T104_AUTONOMOS_RECEIPT", "obra sur")
	require.NotNil(t, got)
	assert.Equal(t, "r_global", got.RuleID)
}

func TestSelectNilWhenNothingApplies(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, s.Select("egestiona", "X", ""))
}

func TestMatchesNormalized(t *testing.T) {
	r := testRule("r", ScopeGlobal, "")
	r.Match = MatchSpec{
		PendingTextContains: []string{"cuota autonomos"},
		EmpresaContains:     []string{"acme"},
	}
	assert.True(t, r.Matches("T205.0 Último Recibo cuota AUTÓNOMOS", "ACME S.L."))
	assert.False(t, r.Matches("Seguro de convenio", "ACME S.L."))
	assert.False(t, r.Matches("cuota autónomos", "Otra Empresa"))
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(testRule("r1", ScopeGlobal, "")))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	assert.Len(t, s2.List(), 1)
}

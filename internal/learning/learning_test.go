package learning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHint(typeID, docID string) *Hint {
	return &Hint{
		PlatformKey:     "egestiona",
		ItemFingerprint: "fp-item-1",
		Mapping:         LearnedMapping{TypeIDExpected: typeID, LocalDocID: docID},
		Conditions:      Conditions{PersonKey: "juan.garcia", PeriodKey: "2023-05"},
		Strength:        StrengthExact,
		DecisionPackID:  "dp1",
	}
}

func query() Query {
	return Query{
		PlatformKey:     "egestiona",
		ItemFingerprint: "fp-item-1",
		PersonKey:       "juan.garcia",
		PeriodKey:       "2023-05",
	}
}

func TestAddIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	h1, created, err := s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)
	assert.True(t, created)

	h2, created, err := s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h1.HintID, h2.HintID)
	assert.Len(t, s.List(), 1)

	// Different content gets a different id.
	h3, created, err := s.Add(testHint("T104", "doc2"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, h1.HintID, h3.HintID)
}

func TestNewStoreReportsUnusableDir(t *testing.T) {
	// A plain file where the learning directory should be makes the hint
	// log unopenable; the constructor must surface that, not panic later.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "learning"), []byte("x"), 0o644))

	s, err := NewStore(root)
	assert.Nil(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hint log")
}

func TestSingleExactResolves(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	h, _, err := s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)

	resolved, applied := s.Consult(query())
	require.NotNil(t, resolved)
	assert.Equal(t, h.HintID, resolved.HintID)
	require.Len(t, applied, 1)
	assert.Equal(t, EffectResolved, applied[0].Effect)
}

func TestSecondExactDowngradesToBoost(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, _, err = s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)
	_, _, err = s.Add(testHint("T104", "doc2"))
	require.NoError(t, err)

	resolved, applied := s.Consult(query())
	assert.Nil(t, resolved)
	require.Len(t, applied, 2)
	for _, a := range applied {
		assert.Equal(t, EffectBoosted, a.Effect)
	}
}

func TestDisabledHintIgnored(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	h, _, err := s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)
	require.NoError(t, s.Disable(h.HintID, "wrong mapping"))

	resolved, applied := s.Consult(query())
	assert.Nil(t, resolved)
	require.Len(t, applied, 1)
	assert.Equal(t, EffectIgnored, applied[0].Effect)
}

func TestSoftHintBoostsOnly(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	h := testHint("T104", "doc1")
	h.Strength = StrengthSoft
	_, _, err = s.Add(h)
	require.NoError(t, err)

	resolved, applied := s.Consult(query())
	assert.Nil(t, resolved)
	require.Len(t, applied, 1)
	assert.Equal(t, EffectBoosted, applied[0].Effect)
}

func TestConditionsFilter(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, _, err = s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)

	q := query()
	q.PeriodKey = "2023-06"
	resolved, applied := s.Consult(q)
	assert.Nil(t, resolved)
	assert.Empty(t, applied)
}

func TestTombstoneSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	h, _, err := s.Add(testHint("T104", "doc1"))
	require.NoError(t, err)
	require.NoError(t, s.Disable(h.HintID, ""))

	s2, err := NewStore(dir)
	require.NoError(t, err)
	got, ok := s2.Get(h.HintID)
	require.True(t, ok)
	assert.True(t, got.Disabled)

	resolved, _ := s2.Consult(query())
	assert.Nil(t, resolved)
}

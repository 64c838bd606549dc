package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(data))

	// Overwrite replaces content wholesale.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"a":2}`, string(data))

	// No temp litter left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSaveLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, SaveJSON(path, payload{Name: "x", Count: 3}))

	var got payload
	require.NoError(t, LoadJSON(path, &got))
	require.Equal(t, payload{Name: "x", Count: 3}, got)

	err := LoadJSON(filepath.Join(dir, "missing.json"), &got)
	require.True(t, os.IsNotExist(err))
}

func TestAppendLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "learn", "hints.jsonl")

	log, err := NewAppendLog(path)
	require.NoError(t, err)

	type entry struct {
		ID string `json:"id"`
	}
	require.NoError(t, log.Append(entry{ID: "a"}))
	require.NoError(t, log.Append(entry{ID: "b"}))

	lines, err := ReadLines[entry](path)
	require.NoError(t, err)
	require.Equal(t, []entry{{ID: "a"}, {ID: "b"}}, lines)
}

func TestReadLinesMissingFile(t *testing.T) {
	lines, err := ReadLines[struct{}](filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	require.Empty(t, lines)
}

package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriterAppendsLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "lines.jsonl")

	w, err := NewJSONLWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteLine(map[string]interface{}{"b": 2, "a": 1}))
	require.NoError(t, w.WriteLine(map[string]interface{}{"c": 3}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1,\"b\":2}\n{\"c\":3}\n", string(data))
}

func TestJSONLWriterRejectsWritesAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.jsonl")
	w, err := NewJSONLWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.WriteLine(map[string]interface{}{"a": 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestJSONLWriterCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.jsonl")
	w, err := NewJSONLWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestWriteJSONAtomicLeavesNoTempFileBehind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]interface{}{"x": 1}))

	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteJSONAtomicOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]interface{}{"x": 1}))
	require.NoError(t, WriteJSONAtomic(path, map[string]interface{}{"x": 2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"x\": 2")
}

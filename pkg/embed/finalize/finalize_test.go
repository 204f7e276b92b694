package finalize

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/vecio"
)

func writeDebugJSONL(t *testing.T, dir string, records []bus.EmbeddingRecordedPayload) {
	t.Helper()
	path := filepath.Join(dir, "debug", "embeddings.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, r := range records {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}

func TestFinalizeWritesArrowFileWhenDebugEnabled(t *testing.T) {
	dir := t.TempDir()
	writeDebugJSONL(t, dir, []bus.EmbeddingRecordedPayload{
		{TrialID: 1, Status: "success", Dimensions: 2, VectorBase64: vecio.EncodeVector([]float32{1, 2}), GenerationID: "gen-1", ActualModel: "embed-actual"},
		{TrialID: 0, Status: "success", Dimensions: 2, VectorBase64: vecio.EncodeVector([]float32{3, 4}), GenerationID: "gen-0", ActualModel: "embed-actual"},
		{TrialID: 2, Status: "skipped", SkipReason: "empty_embed_text"},
	})

	payload := Finalize(dir, "embed-requested", true)
	assert.Equal(t, "arrow_generated", payload.Status)
	assert.Equal(t, "arrow", payload.PrimaryFormat)
	assert.Equal(t, "embed-requested", payload.RequestedModel)
	assert.Equal(t, "embed-actual", payload.ActualModel)
	assert.Equal(t, 2, payload.RecordCount)
	assert.Equal(t, 1, payload.SkippedCount)
	assert.Equal(t, []string{"gen-0", "gen-1"}, payload.GenerationIDs)
	assert.True(t, payload.DebugJSONLPresent)

	data, err := os.ReadFile(filepath.Join(dir, "embeddings.arrow"))
	require.NoError(t, err)
	records, dims, err := vecio.ReadColumnar(data)
	require.NoError(t, err)
	assert.Equal(t, 2, dims)
	require.Len(t, records, 2)
	assert.Equal(t, uint32(0), records[0].TrialID)
	assert.Equal(t, uint32(1), records[1].TrialID)

	_, err = os.Stat(filepath.Join(dir, "debug", "embeddings.jsonl"))
	assert.NoError(t, err)
}

func TestFinalizeCleansUpDebugJSONLWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	writeDebugJSONL(t, dir, []bus.EmbeddingRecordedPayload{
		{TrialID: 0, Status: "success", Dimensions: 2, VectorBase64: vecio.EncodeVector([]float32{1, 2})},
	})

	payload := Finalize(dir, "embed-requested", false)
	assert.Equal(t, "arrow_generated", payload.Status)
	assert.False(t, payload.DebugJSONLPresent)

	_, err := os.Stat(filepath.Join(dir, "debug", "embeddings.jsonl"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "debug"))
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeFallsBackToJSONLOnDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	writeDebugJSONL(t, dir, []bus.EmbeddingRecordedPayload{
		{TrialID: 0, Status: "success", Dimensions: 2, VectorBase64: vecio.EncodeVector([]float32{1, 2})},
		{TrialID: 1, Status: "success", Dimensions: 3, VectorBase64: vecio.EncodeVector([]float32{1, 2, 3})},
	})

	payload := Finalize(dir, "embed-requested", true)
	assert.Equal(t, "jsonl_fallback", payload.Status)
	assert.Equal(t, "jsonl", payload.PrimaryFormat)
	assert.NotEmpty(t, payload.Error)

	_, err := os.Stat(filepath.Join(dir, "embeddings.arrow"))
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeReportsNotGeneratedWhenDebugJSONLMissing(t *testing.T) {
	dir := t.TempDir()
	payload := Finalize(dir, "embed-requested", false)
	assert.Equal(t, "not_generated", payload.Status)
	assert.Equal(t, "embed-requested", payload.RequestedModel)
}

func TestFinalizeReportsNotGeneratedWhenAllRecordsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeDebugJSONL(t, dir, []bus.EmbeddingRecordedPayload{
		{TrialID: 0, Status: "skipped", SkipReason: "trial_not_success"},
	})

	payload := Finalize(dir, "embed-requested", true)
	assert.Equal(t, "not_generated", payload.Status)
	assert.Equal(t, 1, payload.SkippedCount)
}

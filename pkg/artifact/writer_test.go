package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/config"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func TestWriterJoinsTrialEventsIntoOneLine(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	w, err := New(dir, b, false, config.ContractFailureWarn)
	require.NoError(t, err)

	b.Publish(bus.KindRunStarted, bus.RunStartedPayload{
		RunID: "run-1", PlanSHA256: "abc", ConfigSHA256: "cfg-sha", CatalogSHA256: "cat-sha", PromptManifestSHA256: "prompt-sha",
		KPlanned: 1, ResolvedConfig: map[string]interface{}{"k": 1},
	})
	b.Publish(bus.KindTrialPlanned, bus.TrialPlannedPayload{TrialID: 0, Model: "model-a", PersonaID: "p1", ProtocolID: "proto-1"})
	b.Publish(bus.KindTrialCompleted, bus.TrialCompletedPayload{TrialID: 0, Status: "success", ElapsedMS: 12, RequestedModel: "model-a", ActualModel: "model-a-actual", TotalTokens: 10})
	b.Publish(bus.KindParsedOutput, bus.ParsedOutputPayload{TrialID: 0, ParseStatus: "success", Decision: map[string]interface{}{"decision": "x"}, RawContent: "raw"})
	b.Publish(bus.KindEmbeddingRecorded, bus.EmbeddingRecordedPayload{TrialID: 0, Status: "success", Dimensions: 4, VectorBase64: "AAAA"})
	b.Publish(bus.KindRunCompleted, bus.RunCompletedPayload{RunID: "run-1", StopReason: "completed", Incomplete: false})

	require.NoError(t, b.Flush(t.Context()))
	require.NoError(t, w.Close())

	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(manifestData, &manifest))
	assert.Equal(t, "abc", manifest.PlanSHA256)
	assert.Equal(t, "cfg-sha", manifest.ConfigSHA256)
	assert.Equal(t, "cat-sha", manifest.CatalogSHA256)
	assert.Equal(t, "prompt-sha", manifest.PromptManifestSHA256)

	lines := readLines(t, filepath.Join(dir, "trials.jsonl"))
	require.Len(t, lines, 1)

	var rec trialRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, uint32(0), rec.TrialID)
	assert.Equal(t, "success", rec.Status)
	require.NotNil(t, rec.Parsed)
	assert.Equal(t, "success", rec.Parsed.Status)
	require.NotNil(t, rec.Embedding)
	assert.Equal(t, 4, rec.Embedding.Dimensions)

	planLines := readLines(t, filepath.Join(dir, "trial_plan.jsonl"))
	assert.Len(t, planLines, 1)

	_, err = os.Stat(filepath.Join(dir, "config.resolved.json"))
	assert.NoError(t, err)
}

func TestWriterAccumulatesUsageByActualModel(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	w, err := New(dir, b, false, config.ContractFailureWarn)
	require.NoError(t, err)

	b.Publish(bus.KindTrialCompleted, bus.TrialCompletedPayload{TrialID: 0, Status: "success", RequestedModel: "model-a", ActualModel: "model-a-actual", TotalTokens: 10})
	b.Publish(bus.KindParsedOutput, bus.ParsedOutputPayload{TrialID: 0, ParseStatus: "success"})
	b.Publish(bus.KindEmbeddingRecorded, bus.EmbeddingRecordedPayload{TrialID: 0, Status: "skipped", SkipReason: "empty_embed_text"})

	b.Publish(bus.KindTrialCompleted, bus.TrialCompletedPayload{TrialID: 1, Status: "success", RequestedModel: "model-a", TotalTokens: 5})
	b.Publish(bus.KindParsedOutput, bus.ParsedOutputPayload{TrialID: 1, ParseStatus: "success"})
	b.Publish(bus.KindEmbeddingRecorded, bus.EmbeddingRecordedPayload{TrialID: 1, Status: "skipped", SkipReason: "empty_embed_text"})

	b.Publish(bus.KindRunCompleted, bus.RunCompletedPayload{RunID: "run-1", StopReason: "exhausted", Incomplete: false})
	require.NoError(t, b.Flush(t.Context()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))

	assert.Equal(t, 15, m.Usage.TotalTokens)
	assert.Equal(t, 10, m.UsageByModel["model-a-actual"].TotalTokens)
	assert.Equal(t, 5, m.UsageByModel["model-a"].TotalTokens)
	assert.Equal(t, 2, m.KCompleted)
	assert.Equal(t, "exhausted", m.StopReason)
	assert.False(t, m.Incomplete)
}

func TestWriterContractFailPolicyForcesErrorStop(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	w, err := New(dir, b, false, config.ContractFailureFail)
	require.NoError(t, err)

	b.Publish(bus.KindTrialCompleted, bus.TrialCompletedPayload{TrialID: 0, Status: "success", RequestedModel: "model-a"})
	b.Publish(bus.KindParsedOutput, bus.ParsedOutputPayload{TrialID: 0, ParseStatus: "failed"})
	b.Publish(bus.KindEmbeddingRecorded, bus.EmbeddingRecordedPayload{TrialID: 0, Status: "skipped", SkipReason: "contract_parse_excluded"})

	b.Publish(bus.KindRunCompleted, bus.RunCompletedPayload{RunID: "run-1", StopReason: "exhausted", Incomplete: false})
	require.NoError(t, b.Flush(t.Context()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))

	assert.Equal(t, "error", m.StopReason)
	assert.True(t, m.Incomplete)
	assert.NotEmpty(t, m.ContractFailureNote)
}

func TestWriterRunFailedRecordsFailureMessage(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	w, err := New(dir, b, false, config.ContractFailureWarn)
	require.NoError(t, err)

	b.Publish(bus.KindRunFailed, bus.RunFailedPayload{RunID: "run-1", Message: "boom", ErrorCode: "internal"})
	require.NoError(t, b.Flush(t.Context()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "error", m.StopReason)
	assert.True(t, m.Incomplete)
	assert.Equal(t, "boom", m.FailureMessage)
}

func TestWriterWritesClusteringArtifactsWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	w, err := New(dir, b, true, config.ContractFailureWarn)
	require.NoError(t, err)

	b.Publish(bus.KindClusterAssigned, bus.ClusterAssignedPayload{TrialID: 0, ClusterID: 0, Similarity: 1, IsExemplar: true, BatchNumber: 1})
	b.Publish(bus.KindClustersState, bus.ClustersStatePayload{ClusterCount: 1, TotalAssigned: 1})
	require.NoError(t, b.Flush(t.Context()))
	require.NoError(t, w.Close())

	assignLines := readLines(t, filepath.Join(dir, "groups", "assignments.jsonl"))
	assert.Len(t, assignLines, 1)

	_, err = os.Stat(filepath.Join(dir, "groups", "state.json"))
	assert.NoError(t, err)
}

func TestWriterHandlerErrorSurfacesAsWarning(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	w, err := New(dir, b, false, config.ContractFailureWarn)
	require.NoError(t, err)

	var warnings []bus.WarningRaisedPayload
	b.Subscribe(bus.KindWarningRaised, func(e bus.Event) {
		warnings = append(warnings, e.Payload.(bus.WarningRaisedPayload))
	})

	// Publishing the wrong payload type for run.started triggers the type
	// assertion failure inside onRunStarted, which subscribeSafe converts
	// into a warning instead of propagating.
	b.Publish(bus.KindRunStarted, "not a RunStartedPayload")
	require.NoError(t, b.Flush(t.Context()))
	require.NoError(t, w.Close())

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "run.started")
}

// Package finalize implements the embedding finalizer: it
// reads the writer's debug/embeddings.jsonl, retains only successfully
// embedded trials, and rewrites them into the run's columnar
// embeddings.arrow file via pkg/vecio. Any finalization error falls back to
// the JSONL form rather than failing the run — Finalize returns no error;
// every outcome, including failures, is reported through the returned
// payload's Status and Error fields.
package finalize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/vecio"
)

// normalization names the vector convention the writer stores: raw,
// unnormalized float32 vectors, with cosine similarity normalizing at
// compare time (pkg/cluster) rather than at write time.
const normalization = "none"

const (
	statusArrowGenerated = "arrow_generated"
	statusJSONLFallback  = "jsonl_fallback"
	statusNotGenerated   = "not_generated"
)

// Finalize reads dir/debug/embeddings.jsonl, writes dir/embeddings.arrow
// from the retained records, and returns the provenance payload to publish
// as embeddings.finalized. requestedModel is the run's configured embedding
// model slug. debugEnabled controls post-finalization cleanup: when false
// and finalization succeeds, the debug JSONL is removed and the empty
// debug/ directory pruned.
func Finalize(dir string, requestedModel string, debugEnabled bool) bus.EmbeddingsFinalizedPayload {
	debugPath := filepath.Join(dir, "debug", "embeddings.jsonl")

	records, actualModel, generationIDs, dimensions, skipped, err := readRetained(debugPath)
	if err != nil {
		if os.IsNotExist(err) {
			return bus.EmbeddingsFinalizedPayload{
				Status: statusNotGenerated, RequestedModel: requestedModel, Normalization: normalization,
			}
		}
		return bus.EmbeddingsFinalizedPayload{
			Status: statusJSONLFallback, PrimaryFormat: "jsonl", RequestedModel: requestedModel,
			Normalization: normalization, Error: err.Error(), DebugJSONLPresent: true,
		}
	}

	if len(records) == 0 {
		payload := bus.EmbeddingsFinalizedPayload{
			Status: statusNotGenerated, RequestedModel: requestedModel, ActualModel: actualModel,
			GenerationIDs: generationIDs, Normalization: normalization, SkippedCount: skipped,
			DebugJSONLPresent: true,
		}
		return applyCleanup(dir, debugPath, debugEnabled, payload)
	}

	arrowPath := filepath.Join(dir, "embeddings.arrow")
	if err := writeArrowAtomic(arrowPath, records, dimensions); err != nil {
		return bus.EmbeddingsFinalizedPayload{
			Status: statusJSONLFallback, PrimaryFormat: "jsonl", RequestedModel: requestedModel,
			ActualModel: actualModel, GenerationIDs: generationIDs, Normalization: normalization,
			Dimensions: dimensions, RecordCount: len(records), SkippedCount: skipped,
			DebugJSONLPresent: true, Error: err.Error(),
		}
	}

	payload := bus.EmbeddingsFinalizedPayload{
		Status: statusArrowGenerated, PrimaryFormat: "arrow", RequestedModel: requestedModel,
		ActualModel: actualModel, GenerationIDs: generationIDs, Normalization: normalization,
		Dimensions: dimensions, RecordCount: len(records), SkippedCount: skipped,
		DebugJSONLPresent: true,
	}
	return applyCleanup(dir, debugPath, debugEnabled, payload)
}

// applyCleanup removes the debug JSONL and prunes the now-empty debug/
// directory when debug is disabled and finalization succeeded.
func applyCleanup(dir, debugPath string, debugEnabled bool, payload bus.EmbeddingsFinalizedPayload) bus.EmbeddingsFinalizedPayload {
	if debugEnabled || payload.Status == statusJSONLFallback {
		return payload
	}
	if err := os.Remove(debugPath); err != nil {
		return payload
	}
	_ = os.Remove(filepath.Join(dir, "debug")) // only succeeds if now empty
	payload.DebugJSONLPresent = false
	return payload
}

// readRetained parses debug/embeddings.jsonl, keeping only success records,
// sorted by trial id, along with the run's actual embedding model (first
// non-empty seen), distinct non-empty generation ids, the validated vector
// dimension, and the count of skipped (non-success) records.
func readRetained(path string) (records []vecio.ColumnarRecord, actualModel string, generationIDs []string, dimensions int, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", nil, 0, 0, err
	}
	defer f.Close()

	seenGen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec bus.EmbeddingRecordedPayload
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, "", nil, 0, 0, fmt.Errorf("finalize: parse embeddings.jsonl line: %w", err)
		}
		if rec.Status != "success" {
			skipped++
			continue
		}

		vec, err := vecio.DecodeVector(rec.VectorBase64)
		if err != nil {
			return nil, "", nil, 0, 0, fmt.Errorf("finalize: trial %d: decode vector: %w", rec.TrialID, err)
		}

		if dimensions == 0 {
			dimensions = len(vec)
		} else if len(vec) != dimensions {
			return nil, "", nil, 0, 0, fmt.Errorf("finalize: trial %d has %d dimensions, want %d", rec.TrialID, len(vec), dimensions)
		}

		if actualModel == "" && rec.ActualModel != "" {
			actualModel = rec.ActualModel
		}
		if rec.GenerationID != "" && !seenGen[rec.GenerationID] {
			seenGen[rec.GenerationID] = true
			generationIDs = append(generationIDs, rec.GenerationID)
		}

		records = append(records, vecio.ColumnarRecord{TrialID: rec.TrialID, Vector: vec})
	}
	if err := scanner.Err(); err != nil {
		return nil, "", nil, 0, 0, fmt.Errorf("finalize: scan embeddings.jsonl: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].TrialID < records[j].TrialID })
	sort.Strings(generationIDs)
	return records, actualModel, generationIDs, dimensions, skipped, nil
}

// writeArrowAtomic serializes records into the columnar layout and writes
// path via temp-file-then-rename, the same atomicity idiom
// pkg/artifact.WriteJSONAtomic uses for JSON documents.
func writeArrowAtomic(path string, records []vecio.ColumnarRecord, dimensions int) error {
	data, err := vecio.WriteColumnar(records, dimensions)
	if err != nil {
		return fmt.Errorf("finalize: encode columnar file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("finalize: mkdir for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("finalize: open temp for %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("finalize: write temp for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("finalize: sync temp for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("finalize: close temp for %s: %w", path, err)
	}

	return os.Rename(tmp, path)
}

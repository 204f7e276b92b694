// Package artifact writes the run directory's append-only and atomic
// artifacts by subscribing to the bus event kinds it persists; other
// kinds are not recorded. The
// atomic-write helpers are adapted from
// marcohefti-zero-context-lab/internal/store/json.go's temp-file-then-
// rename pattern.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/darylkang/arbiter/pkg/canon"
)

// ErrClosed is returned by writes to a JSONLWriter after Close.
var ErrClosed = fmt.Errorf("artifact: writer is closed")

// JSONLWriter appends canonical-JSON lines to a file, one per call.
type JSONLWriter struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// NewJSONLWriter opens path for appending, creating parent directories and
// the file if needed.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("artifact: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	return &JSONLWriter{f: f}, nil
}

// WriteLine appends v as one canonical-JSON line with a trailing newline.
func (w *JSONLWriter) WriteLine(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	line, err := canon.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: marshal line: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("artifact: write line: %w", err)
	}
	return nil
}

// Close awaits the underlying file's sync and close, surfacing either
// error. Idempotent: a second Close is a no-op returning nil.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return fmt.Errorf("artifact: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("artifact: close: %w", err)
	}
	return nil
}

// WriteJSONAtomic writes v as indented JSON to path via temp-file-then-
// rename, so readers never observe a partial file.
func WriteJSONAtomic(path string, v interface{}) error {
	raw, err := canon.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: marshal %s: %w", path, err)
	}
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err == nil {
		if indented, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			raw = indented
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("artifact: open temp for %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("artifact: write temp for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("artifact: sync temp for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("artifact: close temp for %s: %w", path, err)
	}

	return os.Rename(tmp, path)
}

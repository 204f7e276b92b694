// Package vecio encodes and decodes the float32 embedding vectors carried
// through the JSONL artifacts (base64 of little-endian float32 bytes) and
// writes the columnar file the embedding finalizer produces.
//
// No Arrow or Parquet library appears anywhere in the retrieved corpus (see
// DESIGN.md), so the writer below uses a hand-rolled binary format: an
// "ARB1" header (magic, version, dimensions, row count) followed by one
// row per record, each a trial_id then its float32 vector. It is not
// Arrow IPC, and an Arrow reader cannot parse it; ReadColumnar is the
// reader for it.
package vecio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Dtype and Encoding name the element type and wire encoding every vector
// this package produces uses, carried verbatim into embedding records so a
// reader never has to infer them.
const (
	Dtype    = "float32"
	Encoding = "float32le_base64"
)

// EncodeVector encodes a float32 vector as base64 of its little-endian
// byte representation.
func EncodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector decodes a base64-encoded little-endian float32 vector.
func DecodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vecio: decode base64: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vecio: byte length %d is not a multiple of 4", len(buf))
	}
	n := len(buf) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// magic identifies the columnar file format; version allows a future
// incompatible layout change to be detected on read.
const (
	magic   = "ARB1"
	version = uint32(1)
)

// ColumnarRecord is one row in the columnar embeddings file.
type ColumnarRecord struct {
	TrialID uint32
	Vector  []float32
}

// WriteColumnar serializes records (already sorted by TrialID) into the
// fixed-size-list columnar layout: magic, version, dimensions, row count,
// then each row's trial_id (int32 LE) followed by its vector
// (dimensions float32 LE) — the on-disk layout of embeddings.arrow.
func WriteColumnar(records []ColumnarRecord, dimensions int) ([]byte, error) {
	for i, r := range records {
		if len(r.Vector) != dimensions {
			return nil, fmt.Errorf("vecio: record %d has %d dimensions, want %d", i, len(r.Vector), dimensions)
		}
	}

	buf := make([]byte, 0, len(magic)+4+4+4+len(records)*(4+4*dimensions))
	buf = append(buf, magic...)
	buf = appendUint32(buf, version)
	buf = appendUint32(buf, uint32(dimensions))
	buf = appendUint32(buf, uint32(len(records)))

	for _, r := range records {
		buf = appendUint32(buf, r.TrialID)
		for _, f := range r.Vector {
			buf = appendUint32(buf, math.Float32bits(f))
		}
	}

	return buf, nil
}

// ReadColumnar parses a file written by WriteColumnar.
func ReadColumnar(data []byte) ([]ColumnarRecord, int, error) {
	if len(data) < len(magic)+12 {
		return nil, 0, fmt.Errorf("vecio: file too short to contain a header")
	}
	if string(data[:len(magic)]) != magic {
		return nil, 0, fmt.Errorf("vecio: bad magic %q", data[:len(magic)])
	}
	off := len(magic)
	v := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if v != version {
		return nil, 0, fmt.Errorf("vecio: unsupported version %d", v)
	}
	dimensions := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	rowSize := 4 + 4*dimensions
	if len(data[off:]) < count*rowSize {
		return nil, 0, fmt.Errorf("vecio: truncated file: want %d rows of %d bytes", count, rowSize)
	}

	records := make([]ColumnarRecord, count)
	for i := 0; i < count; i++ {
		rowStart := off + i*rowSize
		trialID := binary.LittleEndian.Uint32(data[rowStart:])
		vec := make([]float32, dimensions)
		for d := 0; d < dimensions; d++ {
			vStart := rowStart + 4 + d*4
			vec[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[vStart:]))
		}
		records[i] = ColumnarRecord{TrialID: trialID, Vector: vec}
	}

	return records, dimensions, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

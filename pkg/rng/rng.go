// Package rng provides the deterministic, per-stream pseudo-random
// generator that backs trial planning, decode-parameter sampling, and the
// mock embedding generator. Every stream is keyed by (run seed, stream
// label, trial id); identical keys reproduce bit-identical sequences.
package rng

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Recognized stream labels.
const (
	StreamPlan      = "plan"
	StreamDecode    = "decode"
	StreamEmbedding = "embedding"
)

// Stream is a xoshiro256**-style generator seeded from a SHA-256 digest of
// (run_seed, stream_label, trial_id). It is not safe for concurrent use by
// multiple goroutines — each trial pipeline owns its own Stream instances.
type Stream struct {
	s [4]uint64
}

// NewStream derives a stream for (runSeed, label, trialID). Two invocations
// with identical arguments yield a Stream producing identical output.
func NewStream(runSeed, label string, trialID uint32) *Stream {
	seedInput := fmt.Sprintf("%s|%s|%d", runSeed, label, trialID)
	digest := sha256.Sum256([]byte(seedInput))

	var s [4]uint64
	for i := 0; i < 4; i++ {
		s[i] = binary.LittleEndian.Uint64(digest[i*8 : i*8+8])
	}
	// Avoid the all-zero state, which is a fixed point of xoshiro256**.
	if s[0]|s[1]|s[2]|s[3] == 0 {
		s[0] = 1
	}
	return &Stream{s: s}
}

func rotl(x uint64, k uint) uint64 {
	return (x << k) | (x >> (64 - k))
}

// next draws the next raw 64-bit xoshiro256** output and advances state.
func (r *Stream) next() uint64 {
	result := rotl(r.s[1]*5, 7) * 9

	t := r.s[1] << 17

	r.s[2] ^= r.s[0]
	r.s[3] ^= r.s[1]
	r.s[1] ^= r.s[2]
	r.s[0] ^= r.s[3]

	r.s[2] ^= t

	r.s[3] = rotl(r.s[3], 45)

	return result
}

// Float64 returns a uniform draw in [0, 1).
func (r *Stream) Float64() float64 {
	// Use the top 53 bits for full double precision, matching the common
	// xoshiro/splitmix float64 conversion.
	return float64(r.next()>>11) * (1.0 / (1 << 53))
}

// IntRange returns a uniform integer in [min, max] inclusive, derived by
// floor(min + Float64()*(max-min+1)). Deterministic for a fixed stream
// state; the caller is responsible for drawing in the documented order.
func (r *Stream) IntRange(min, max int) int {
	if max < min {
		min, max = max, min
	}
	span := float64(max-min) + 1
	offset := int(math.Floor(r.Float64() * span))
	if offset >= int(span) {
		offset = int(span) - 1
	}
	return min + offset
}

// FloatRange returns a uniform draw in [min, max).
func (r *Stream) FloatRange(min, max float64) float64 {
	return min + r.Float64()*(max-min)
}

// WeightedIndex draws an index into weights with probability proportional
// to each weight. Ties in cumulative weight resolve to the lower index
// (stable tie-breaking). weights must be non-empty and
// non-negative; a weights slice summing to zero falls back to uniform
// selection over all indices.
func (r *Stream) WeightedIndex(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return r.IntRange(0, len(weights)-1)
	}

	draw := r.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			return i
		}
	}
	// Floating point rounding: fall back to the last index.
	return len(weights) - 1
}

// Shuffle returns a Fisher-Yates permutation of [0, n) drawn from this
// stream.
func (r *Stream) Shuffle(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := r.IntRange(0, i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// WeightedSampleWithoutReplacement draws n distinct indices into weights,
// each successive pick proportional to the remaining candidates' weights —
// repeated WeightedIndex draws over a shrinking candidate pool, carrying
// weighted preference through every draw instead of only the first.
// Panics if n exceeds len(weights); callers validate that bound upstream.
func (r *Stream) WeightedSampleWithoutReplacement(weights []float64, n int) []int {
	if n > len(weights) {
		panic(fmt.Sprintf("rng: cannot draw %d distinct indices from %d weights", n, len(weights)))
	}

	remaining := make([]int, len(weights))
	remainingWeights := make([]float64, len(weights))
	for i := range weights {
		remaining[i] = i
		remainingWeights[i] = weights[i]
	}

	chosen := make([]int, 0, n)
	for i := 0; i < n; i++ {
		pick := r.WeightedIndex(remainingWeights)
		chosen = append(chosen, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		remainingWeights = append(remainingWeights[:pick], remainingWeights[pick+1:]...)
	}
	return chosen
}

package trial

import (
	"context"
	"fmt"
	"time"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/contract"
	"github.com/darylkang/arbiter/pkg/plan"
)

const mockEmbeddingDimensions = 4

// Mock synthesizes deterministic trial output without calling any network
// API, for dry runs and tests. Its content
// variants and embedding vectors are pure functions of the run seed and
// trial id, so two Mock runs over the same plan are byte-identical.
type Mock struct {
	cfg      *config.Resolved
	contract *contract.Contract
	bus      *bus.Bus
	state    *RunState
	registry Registry

	// Delay, if positive, is slept (respecting ctx) before returning, to
	// simulate network latency in tests that exercise timeouts.
	Delay time.Duration
	// ForceEmptyEmbedText short-circuits every trial to the
	// empty_embed_text skip reason, for exercising that path.
	ForceEmptyEmbedText bool
}

// NewMock creates a Mock executor.
func NewMock(cfg *config.Resolved, ct *contract.Contract, b *bus.Bus, state *RunState, registry Registry) *Mock {
	return &Mock{cfg: cfg, contract: ct, bus: b, state: state, registry: registry}
}

// Execute synthesizes one trial's output:
// the raw content cycles through three variants keyed by trial_id % 3 —
// fenced JSON, unfenced JSON, and plain prose with no JSON at all — so a
// run exercises the extractor's fenced, unfenced and no-JSON paths.
func (mk *Mock) Execute(ctx context.Context, entry plan.Entry) (Outcome, error) {
	start := time.Now()

	if mk.Delay > 0 {
		select {
		case <-time.After(mk.Delay):
		case <-ctx.Done():
			return Outcome{TrialID: entry.TrialID, Status: "timeout_exhausted", ElapsedMS: time.Since(start).Milliseconds()}, nil
		}
	}

	content := mk.synthesizeContent(entry)
	elapsed := time.Since(start).Milliseconds()

	out := Outcome{
		TrialID: entry.TrialID, Status: "success", ElapsedMS: elapsed, RawContent: content,
		RequestedModel: entry.AssignedConfig.Model, ActualModel: entry.AssignedConfig.Model,
	}

	result := mk.contract.Extract(content)
	decision := result.Decision
	out.Decision = decision
	out.ParseStatus = result.Status
	out.ExtractionMethod = result.Method
	out.ParseError = result.ParseError
	out.ParserVersion = contract.ParserVersion

	source := ""
	if mk.cfg.Protocol.Contract != nil {
		source = mk.cfg.Protocol.Contract.EmbedTextSource
	}
	out.EmbedTextSource = source

	rationale, rationaleTruncated, _ := truncateEmbedText(rationaleOf(decision), mk.rationaleMaxChars())
	out.Rationale = rationale
	out.RationaleTruncated = rationaleTruncated
	out.Confidence = confidenceOf(decision)

	var acc embedTextAccounting
	if !mk.ForceEmptyEmbedText {
		selected := selectEmbedText(mk.cfg.Measurement.EmbedTextStrategy, source, decision, out.Rationale, content)
		acc = prepareEmbedText(selected, mk.cfg.Measurement.EmbeddingMaxChars)
	}
	out.EmbedText = acc.Text

	skip, reason := decideEmbedding(out.ParseStatus, mk.contract != nil, mk.cfg.Measurement.ContractFailurePolicy, true, acc.Text)
	if skip {
		out.Embedding = EmbeddingOutcome{
			Status: "skipped", SkipReason: reason,
			EmbedTextSHA256: acc.SHA256, EmbedTextTruncated: acc.Truncated,
			EmbedTextOriginalChars: acc.OriginalChars, EmbedTextFinalChars: acc.FinalChars,
			TruncationReason: acc.TruncationReason,
		}
	} else {
		vector := deterministicEmbeddingVector(mk.cfg.Run.Seed, entry.TrialID, mockEmbeddingDimensions)
		if err := mk.state.CheckDimensions(len(vector)); err != nil {
			return out, err
		}
		effectiveModel, conflicting := mk.state.RecordActualModel(mk.cfg.Measurement.EmbeddingModelSlug)
		generationID := fmt.Sprintf("mock-gen-%d", entry.TrialID)
		out.Embedding = toEmbeddingOutcome(vector, acc, generationID, effectiveModel, conflicting)
	}

	publishTrialEvents(mk.bus, out)
	return out, nil
}

func (mk *Mock) rationaleMaxChars() int {
	if mk.cfg.Protocol.Contract != nil {
		return mk.cfg.Protocol.Contract.RationaleMaxChars
	}
	return 0
}

// synthesizeContent builds the trial's raw assistant text. The text depends
// only on trial_id % 3 and the persona; independent and debate_v1 trials
// get the same variants.
func (mk *Mock) synthesizeContent(entry plan.Entry) string {
	variant := entry.TrialID % 3
	rationale := fmt.Sprintf("mock rationale for trial %d under persona %s", entry.TrialID, entry.AssignedConfig.PersonaID)
	decision := fmt.Sprintf("answer-variant-%d", variant)

	switch variant {
	case 0:
		return fmt.Sprintf("```json\n{\"decision\": %q, \"rationale\": %q}\n```", decision, rationale)
	case 1:
		return fmt.Sprintf("Here is my answer: {\"decision\": %q, \"rationale\": %q}", decision, rationale)
	default:
		return fmt.Sprintf("I think the answer is %s, because %s.", decision, rationale)
	}
}

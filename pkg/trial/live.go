package trial

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/contract"
	"github.com/darylkang/arbiter/pkg/llmapi"
	"github.com/darylkang/arbiter/pkg/plan"
)

// Live executes a trial against the real completion and embedding APIs.
type Live struct {
	cfg      *config.Resolved
	client   *llmapi.Client
	contract *contract.Contract
	bus      *bus.Bus
	state    *RunState
	registry Registry
}

// NewLive creates a Live executor. contract may be nil when the run carries
// no decision contract.
func NewLive(cfg *config.Resolved, client *llmapi.Client, ct *contract.Contract, b *bus.Bus, state *RunState, registry Registry) *Live {
	return &Live{cfg: cfg, client: client, contract: ct, bus: b, state: state, registry: registry}
}

// Execute runs one trial to completion (or to its terminal failure status).
func (l *Live) Execute(ctx context.Context, entry plan.Entry) (Outcome, error) {
	start := time.Now()

	timeoutMS := l.cfg.Protocol.Timeouts.PerCallTimeoutMS
	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	content, generationID, actualModel, usage, err := l.runProtocol(callCtx, entry)
	elapsed := time.Since(start).Milliseconds()

	timedOut := errors.Is(err, context.DeadlineExceeded)
	status := deriveStatus(timedOut, err)

	out := Outcome{
		TrialID: entry.TrialID, Status: status, ElapsedMS: elapsed, RawContent: content,
		GenerationID: generationID, ActualModel: actualModel,
		RequestedModel: entry.AssignedConfig.Model, Usage: usage,
	}

	var decision map[string]interface{}
	parseStatus := contract.ParseFailed
	if status == "success" {
		result := l.contract.Extract(content)
		decision = result.Decision
		parseStatus = result.Status
		out.Decision = decision
		rationale, rationaleTruncated, _ := truncateEmbedText(rationaleOf(decision), l.rationaleMaxChars())
		out.Rationale = rationale
		out.RationaleTruncated = rationaleTruncated
		out.Confidence = confidenceOf(decision)
		out.ExtractionMethod = result.Method
		out.ParseError = result.ParseError
		out.ParserVersion = contract.ParserVersion
	}
	out.ParseStatus = parseStatus
	out.EmbedTextSource = l.embedTextSource()

	var acc embedTextAccounting
	if status == "success" {
		selected := selectEmbedText(l.cfg.Measurement.EmbedTextStrategy, out.EmbedTextSource, decision, out.Rationale, content)
		acc = prepareEmbedText(selected, l.cfg.Measurement.EmbeddingMaxChars)
	}
	out.EmbedText = acc.Text

	skip, reason := decideEmbedding(parseStatus, l.contract != nil, l.cfg.Measurement.ContractFailurePolicy, status == "success", acc.Text)
	if skip {
		out.Embedding = EmbeddingOutcome{
			Status: "skipped", SkipReason: reason,
			EmbedTextSHA256: acc.SHA256, EmbedTextTruncated: acc.Truncated,
			EmbedTextOriginalChars: acc.OriginalChars, EmbedTextFinalChars: acc.FinalChars,
			TruncationReason: acc.TruncationReason,
		}
	} else {
		embResp, embErr := l.client.Embed(ctx, llmapi.EmbeddingRequest{
			Model: l.cfg.Measurement.EmbeddingModelSlug,
			Input: acc.Text,
		}, l.cfg.Execution.RetryPolicy)
		if embErr != nil {
			out.Embedding = EmbeddingOutcome{
				Status: "skipped", SkipReason: "embedding_call_failed",
				EmbedTextSHA256: acc.SHA256, EmbedTextTruncated: acc.Truncated,
				EmbedTextOriginalChars: acc.OriginalChars, EmbedTextFinalChars: acc.FinalChars,
				TruncationReason: acc.TruncationReason,
			}
		} else {
			if dimErr := l.state.CheckDimensions(len(embResp.Vector)); dimErr != nil {
				return out, dimErr
			}
			effectiveModel, conflicting := l.state.RecordActualModel(embResp.ActualModel)
			out.Embedding = toEmbeddingOutcome(embResp.Vector, acc, embResp.GenerationID, effectiveModel, conflicting)
		}
	}

	publishTrialEvents(l.bus, out)
	return out, nil
}

func (l *Live) embedTextSource() string {
	if l.cfg.Protocol.Contract != nil {
		return l.cfg.Protocol.Contract.EmbedTextSource
	}
	return ""
}

func (l *Live) rationaleMaxChars() int {
	if l.cfg.Protocol.Contract != nil {
		return l.cfg.Protocol.Contract.RationaleMaxChars
	}
	return 0
}

// runProtocol drives one completion (independent) or three (debate_v1:
// proposer, critic, proposer-final), returning the final assistant content
// that becomes the trial's answer.
func (l *Live) runProtocol(ctx context.Context, entry plan.Entry) (content, generationID, actualModel string, usage llmapi.Usage, err error) {
	system := l.buildSystemMessage(entry, l.proposerPersonaID(entry))
	question := l.cfg.QuestionText

	if entry.Protocol != config.ProtocolDebateV1 {
		resp, err := l.complete(ctx, entry, []llmapi.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: question},
		})
		if err != nil {
			return "", "", "", llmapi.Usage{}, err
		}
		return resp.Content, resp.GenerationID, resp.ActualModel, resp.Usage, nil
	}

	criticSystem := l.buildSystemMessage(entry, l.criticPersonaID(entry))

	proposal, err := l.complete(ctx, entry, []llmapi.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: question},
	})
	if err != nil {
		return "", "", "", llmapi.Usage{}, err
	}

	critique, err := l.complete(ctx, entry, []llmapi.Message{
		{Role: "system", Content: criticSystem},
		{Role: "user", Content: question + "\n\nProposer's initial answer:\n" + proposal.Content},
	})
	if err != nil {
		return "", "", "", llmapi.Usage{}, err
	}

	final, err := l.complete(ctx, entry, []llmapi.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: question +
			"\n\nYour initial answer:\n" + proposal.Content +
			"\n\nCritic's feedback:\n" + critique.Content +
			"\n\nGive your final answer."},
	})
	if err != nil {
		return "", "", "", llmapi.Usage{}, err
	}

	total := llmapi.Usage{
		PromptTokens:     proposal.Usage.PromptTokens + critique.Usage.PromptTokens + final.Usage.PromptTokens,
		CompletionTokens: proposal.Usage.CompletionTokens + critique.Usage.CompletionTokens + final.Usage.CompletionTokens,
		TotalTokens:      proposal.Usage.TotalTokens + critique.Usage.TotalTokens + final.Usage.TotalTokens,
	}
	return final.Content, final.GenerationID, final.ActualModel, total, nil
}

func (l *Live) complete(ctx context.Context, entry plan.Entry, messages []llmapi.Message) (*llmapi.CompletionResponse, error) {
	req := llmapi.CompletionRequest{
		Model:     entry.AssignedConfig.Model,
		Messages:  messages,
		Temperature: entry.AssignedConfig.Decode.Temperature,
		TopP:      entry.AssignedConfig.Decode.TopP,
		MaxTokens: entry.AssignedConfig.Decode.MaxTokens,
	}
	return l.client.Complete(ctx, req, l.cfg.Execution.RetryPolicy)
}

func (l *Live) proposerPersonaID(entry plan.Entry) string {
	if entry.RoleAssignments != nil {
		return entry.RoleAssignments.Proposer
	}
	return entry.AssignedConfig.PersonaID
}

func (l *Live) criticPersonaID(entry plan.Entry) string {
	if entry.RoleAssignments != nil {
		return entry.RoleAssignments.Critic
	}
	return entry.AssignedConfig.PersonaID
}

func (l *Live) buildSystemMessage(entry plan.Entry, personaID string) string {
	var parts []string
	if p := l.registry.persona(personaID); p != "" {
		parts = append(parts, p)
	}
	if p := l.registry.protocol(entry.AssignedConfig.ProtocolID); p != "" {
		parts = append(parts, p)
	}
	if l.contract != nil && l.cfg.Protocol.Contract != nil {
		parts = append(parts, contract.Instruction(l.cfg.Protocol.Contract.Schema))
	}
	for _, name := range l.cfg.Sampling.Instruments {
		if t := l.registry.InstrumentText[name]; t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func rationaleOf(decision map[string]interface{}) string {
	if decision == nil {
		return ""
	}
	if v, ok := decision["rationale"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Package llmapi is the HTTP client for the completion and embedding APIs
// the trial executor calls. Retry/backoff scheduling is built on
// github.com/cenkalti/backoff/v4; error classification follows a
// ClassifyError/RecoveryAction pattern adapted from MCP transport failure
// handling to HTTP status codes.
package llmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/ratelimit"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is one completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// CompletionResponse is the parsed result of a successful completion call.
type CompletionResponse struct {
	Content      string
	GenerationID string
	ActualModel  string
	Usage        Usage
}

// Usage is token accounting for one call, optionally with cost.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          *float64
}

// EmbeddingRequest is one embedding call.
type EmbeddingRequest struct {
	Model string
	Input string
}

// EmbeddingResponse is the parsed result of a successful embedding call.
type EmbeddingResponse struct {
	Vector       []float32
	GenerationID string
	ActualModel  string
	Usage        Usage
}

// ErrModelUnavailable indicates the requested model is not servable right
// now (HTTP 404, or an error code of model_not_found / model_not_available /
// model_unavailable) — distinct from a generic failure.
var ErrModelUnavailable = errors.New("llmapi: model unavailable")

// RecoveryAction determines whether a failed call should be retried.
type RecoveryAction int

const (
	// NoRetry — the error is not recoverable (bad request, auth failure, 4xx other than 429/404).
	NoRetry RecoveryAction = iota
	// Retry — transient error (HTTP 429, HTTP 5xx, or a transport-level failure).
	Retry
)

// ClassifyError determines the recovery action for a completion or
// embedding call error, distinguishing transient failures (retry) from
// permanent ones, and tagging model-unavailable as a distinct, non-retried
// case the caller surfaces in the trial's status taxonomy.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, ErrModelUnavailable) {
		return NoRetry
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 429:
			return Retry
		case statusErr.Code >= 500 && statusErr.Code < 600:
			return Retry
		default:
			return NoRetry
		}
	}

	// Transport-level errors (connection reset, timeout dialing, etc.) are
	// retried; context cancellation/deadline is not.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return Retry
	}

	return Retry
}

// StatusError carries the HTTP status and upstream error code of a failed
// call so ClassifyError and model-unavailable detection can inspect them
// without re-parsing the response body.
type StatusError struct {
	Code      int
	ErrorCode string
	Message   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llmapi: status %d: %s", e.Code, e.Message)
}

var modelUnavailableCodes = map[string]bool{
	"model_not_found":     true,
	"model_not_available": true,
	"model_unavailable":   true,
}

// Client is the HTTP client for the completion and embedding APIs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *ratelimit.Limiter
}

// New constructs a client against baseURL, authenticating with apiKey as a
// Bearer token, and rate limiting every call through limiter.
func New(baseURL, apiKey string, limiter *ratelimit.Limiter) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 0}, // per-call timeout comes from ctx
		baseURL:    baseURL,
		apiKey:     apiKey,
		limiter:    limiter,
	}
}

// Complete performs a completion call, retrying transient failures per
// policy.
func (c *Client) Complete(ctx context.Context, req CompletionRequest, policy config.RetryPolicy) (*CompletionResponse, error) {
	var resp *CompletionResponse
	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		r, err := c.doComplete(ctx, req)
		if err != nil {
			if ClassifyError(err) == NoRetry {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	if err := runWithRetry(ctx, op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// Embed performs an embedding call, retrying transient failures per policy.
func (c *Client) Embed(ctx context.Context, req EmbeddingRequest, policy config.RetryPolicy) (*EmbeddingResponse, error) {
	var resp *EmbeddingResponse
	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		r, err := c.doEmbed(ctx, req)
		if err != nil {
			if ClassifyError(err) == NoRetry {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	if err := runWithRetry(ctx, op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func runWithRetry(ctx context.Context, op backoff.Operation, policy config.RetryPolicy) error {
	var bo backoff.BackOff
	interval := time.Duration(policy.BackoffMS) * time.Millisecond
	if policy.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		bo = eb
	} else {
		bo = backoff.NewConstantBackOff(interval)
	}
	bo = backoff.WithMaxRetries(bo, uint64(policy.MaxRetries))
	bo = backoff.WithContext(bo, ctx)

	return backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		slog.Warn("llmapi call failed, retrying", "error", err, "wait", wait)
	})
}

type chatRequestBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		TotalTokens      int      `json:"total_tokens"`
		CostUSD          *float64 `json:"cost_usd,omitempty"`
	} `json:"usage"`
}

func (c *Client) doComplete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body := chatRequestBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	var parsed chatResponseBody
	if err := c.doJSON(ctx, "/chat/completions", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llmapi: completion response had no choices")
	}

	return &CompletionResponse{
		Content:      parsed.Choices[0].Message.Content,
		GenerationID: parsed.ID,
		ActualModel:  parsed.Model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
			CostUSD:          parsed.Usage.CostUSD,
		},
	}, nil
}

type embeddingRequestBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponseBody struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int      `json:"prompt_tokens"`
		TotalTokens  int      `json:"total_tokens"`
		CostUSD      *float64 `json:"cost_usd,omitempty"`
	} `json:"usage"`
}

func (c *Client) doEmbed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	body := embeddingRequestBody{Model: req.Model, Input: req.Input}
	var parsed embeddingResponseBody
	if err := c.doJSON(ctx, "/embeddings", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("llmapi: embedding response had no data")
	}

	return &EmbeddingResponse{
		Vector:       parsed.Data[0].Embedding,
		GenerationID: parsed.ID,
		ActualModel:  parsed.Model,
		Usage: Usage{
			PromptTokens: parsed.Usage.PromptTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
			CostUSD:      parsed.Usage.CostUSD,
		},
	}, nil
}

type errorResponseBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("llmapi: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("llmapi: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llmapi: transport error: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("llmapi: read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("llmapi: decode response: %w", err)
		}
		return nil
	}

	var parsedErr errorResponseBody
	_ = json.Unmarshal(data, &parsedErr)

	if resp.StatusCode == http.StatusNotFound || modelUnavailableCodes[parsedErr.Error.Code] {
		return fmt.Errorf("%w: %s", ErrModelUnavailable, parsedErr.Error.Message)
	}

	return &StatusError{Code: resp.StatusCode, ErrorCode: parsedErr.Error.Code, Message: parsedErr.Error.Message}
}

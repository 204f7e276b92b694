package llmapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darylkang/arbiter/pkg/config"
)

func noRetryPolicy() config.RetryPolicy {
	return config.RetryPolicy{MaxRetries: 0, BackoffMS: 1, Exponential: false}
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "gen-1",
			"model": "model-a",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hello"}},
			},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", nil)
	resp, err := c.Complete(t.Context(), CompletionRequest{Model: "model-a", Messages: []Message{{Role: "user", Content: "hi"}}}, noRetryPolicy())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gen-1", resp.GenerationID)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestComplete404IsModelUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "no such model", "code": "model_not_found"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", nil)
	_, err := c.Complete(t.Context(), CompletionRequest{Model: "ghost"}, noRetryPolicy())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestCompleteRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "slow down"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "gen-2",
			"model": "model-a",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", nil)
	resp, err := c.Complete(t.Context(), CompletionRequest{Model: "model-a"}, config.RetryPolicy{MaxRetries: 2, BackoffMS: 1, Exponential: false})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestComplete400DoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "bad request"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", nil)
	_, err := c.Complete(t.Context(), CompletionRequest{Model: "model-a"}, config.RetryPolicy{MaxRetries: 3, BackoffMS: 1, Exponential: false})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "emb-1",
			"model": "embed-a",
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3, 0.4}},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", nil)
	resp, err := c.Embed(t.Context(), EmbeddingRequest{Model: "embed-a", Input: "text"}, noRetryPolicy())
	require.NoError(t, err)
	assert.Len(t, resp.Vector, 4)
	assert.Equal(t, "embed-a", resp.ActualModel)
}

package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

// -- Test Setup Helpers --

// setupGeminiClient rigs up a GeminiClient pointed at a mock HTTP server. It
// returns the client, the mock server and a log observer.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(loggerCore)

	cfg := getValidLLMConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err, "NewGeminiClient initialization failed")

	// Ensure tests fail fast on unexpected hangs.
	client.httpClient.Timeout = 5 * time.Second

	t.Cleanup(server.Close)
	return client, server, observedLogs
}

// createTestRequest provides a standard generation request structure.
func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		Role:         schemas.RoleChair,
		SystemPrompt: "System prompt instructions.",
		UserPrompt:   "User query.",
	}
}

// geminiReply builds a minimal successful response body.
func geminiReply(text string) []byte {
	payload := GeminiResponsePayload{}
	payload.Candidates = []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	}{
		{Content: GeminiContent{Parts: []GeminiPart{{Text: text}}}, FinishReason: "STOP"},
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// -- Test Cases: Initialization --

func TestNewGeminiClient_Success(t *testing.T) {
	logger := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.Endpoint = ""

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Contains(t, client.endpoint, "generativelanguage.googleapis.com")
	assert.Contains(t, client.endpoint, cfg.Model)
}

func TestNewGeminiClient_MissingAPIKey(t *testing.T) {
	logger := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(cfg, logger)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "API Key is required")
}

// -- Test Cases: Generation --

func TestGeminiGenerate_Success(t *testing.T) {
	var capturedPayload GeminiRequestPayload
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&capturedPayload))
		w.Header().Set("Content-Type", "application/json")
		w.Write(geminiReply("the council speaks"))
	}
	client, _, logs := setupGeminiClient(t, handler)

	reply, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "the council speaks", reply)

	// The request carries both prompts and the configured sampling knobs.
	require.NotNil(t, capturedPayload.SystemInstruction)
	assert.Equal(t, "System prompt instructions.", capturedPayload.SystemInstruction.Parts[0].Text)
	require.Len(t, capturedPayload.Contents, 1)
	assert.Equal(t, "User query.", capturedPayload.Contents[0].Parts[0].Text)
	assert.InDelta(t, 0.7, capturedPayload.GenerationConfig.Temperature, 0.001)

	assert.Equal(t, 1, logs.FilterMessage("LLM generation complete (Gemini)").Len())
}

func TestGeminiGenerate_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(geminiReply("eventually"))
	}
	client, _, _ := setupGeminiClient(t, handler)

	reply, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "eventually", reply)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiGenerate_PermanentErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}
	client, _, _ := setupGeminiClient(t, handler)

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "a 400 must not be retried")
}

func TestGeminiGenerate_SafetyBlockIsPermanent(t *testing.T) {
	var calls atomic.Int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		payload := GeminiResponsePayload{}
		payload.Candidates = []struct {
			Content      GeminiContent `json:"content"`
			FinishReason string        `json:"finishReason"`
		}{
			{FinishReason: "SAFETY"},
		}
		raw, _ := json.Marshal(payload)
		w.Write(raw)
	}
	client, _, _ := setupGeminiClient(t, handler)

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked the request")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiGenerate_NoCandidatesFails(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}
	client, _, _ := setupGeminiClient(t, handler)

	_, err := client.Generate(context.Background(), createTestRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}

func TestGeminiGenerate_ContextCancellation(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write(geminiReply("too late"))
	}
	client, _, _ := setupGeminiClient(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, createTestRequest())
	require.Error(t, err)
}

func TestGeminiSafetySettingsFromConfig(t *testing.T) {
	logger := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.SafetyFilters = map[string]string{
		"HARM_CATEGORY_DANGEROUS_CONTENT": "BLOCK_NONE",
	}

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err)

	settings := client.getSafetySettings()
	require.Len(t, settings, 1)
	assert.Equal(t, "HARM_CATEGORY_DANGEROUS_CONTENT", settings[0].Category)
	assert.Equal(t, "BLOCK_NONE", settings[0].Threshold)
}

func TestGeminiRateLimiterConfigured(t *testing.T) {
	logger := setupTestLogger(t)

	unlimited := getValidLLMConfig()
	client, err := NewGeminiClient(unlimited, logger)
	require.NoError(t, err)
	assert.Nil(t, client.limiter)

	limited := getValidLLMConfig()
	limited.RequestsPerMinute = 60
	client, err = NewGeminiClient(limited, logger)
	require.NoError(t, err)
	require.NotNil(t, client.limiter)
	assert.InDelta(t, 1.0, float64(client.limiter.Limit()), 0.001)
}

var _ schemas.LLMClient = (*GeminiClient)(nil)

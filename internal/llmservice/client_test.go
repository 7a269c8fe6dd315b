package llmservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/config"
	"finrag/internal/models"
)

func TestNewGenerator_Providers(t *testing.T) {
	cfg := config.Default()
	g, err := NewGenerator(cfg)
	require.NoError(t, err)
	assert.IsType(t, NoopGenerator{}, g)

	cfg.LLMProvider = "ollama"
	g, err = NewGenerator(cfg)
	require.NoError(t, err)
	assert.IsType(t, &LocalGenerator{}, g)

	cfg.LLMProvider = "cloud"
	cfg.OpenAIAPIKey = ""
	_, err = NewGenerator(cfg)
	assert.ErrorIs(t, err, config.ErrConfiguration)

	cfg.LLMProvider = "palm"
	_, err = NewGenerator(cfg)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestNoopGenerator(t *testing.T) {
	out, err := NoopGenerator{}.Generate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, models.NoLLMMessage, out)
}

func TestCloudGenerator_ChatCompletion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, string(req.Messages[0].Content), models.SystemPrompt)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Contains(t, string(req.Messages[1].Content), "What is the fee?")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"  The fee is 5 EUR. Sources: 1  "},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.LLMProvider = "openai"
	cfg.OpenAIAPIKey = "sk-test"
	cfg.OpenAIModel = "gpt-test"
	cfg.OpenAIBaseURL = srv.URL

	g, err := NewGenerator(cfg)
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), "What is the fee?")
	require.NoError(t, err)
	assert.Equal(t, "The fee is 5 EUR. Sources: 1", out)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCloudGenerator_HTTPErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.LLMProvider = "cloud"
	cfg.OpenAIAPIKey = "sk-test"
	cfg.OpenAIBaseURL = srv.URL

	g, err := NewGenerator(cfg)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "q")
	assert.Error(t, err)
}

package llmservice

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"finrag/internal/config"
	"finrag/internal/models"
)

const temperature = 0.2

// Generator produces an answer for a fully built prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// NewGenerator returns the backend selected by llm_provider. Missing credentials
// and unknown providers fail here with config.ErrConfiguration.
func NewGenerator(cfg *config.Config) (Generator, error) {
	provider, err := config.NormalizeProvider(cfg.LLMProvider)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.LLMTimeout()}

	switch provider {
	case config.ProviderLocal:
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.OllamaBaseURL),
			ollama.WithModel(cfg.OllamaModel),
			ollama.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama: %w", err)
		}
		log.Debug().Str("model", cfg.OllamaModel).Str("base_url", cfg.OllamaBaseURL).Msg("Using local generator")
		return &LocalGenerator{llm: llm}, nil

	case config.ProviderCloud:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("%w: openai_api_key is required when llm_provider is cloud", config.ErrConfiguration)
		}
		llm, err := openai.New(
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithToken(strings.TrimPrefix(cfg.OpenAIAPIKey, "Bearer ")),
			openai.WithModel(cfg.OpenAIModel),
			openai.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai: %w", err)
		}
		log.Debug().Str("model", cfg.OpenAIModel).Msg("Using cloud generator")
		return &CloudGenerator{llm: llm}, nil

	default:
		return NoopGenerator{}, nil
	}
}

// NoopGenerator is used when no language model is configured.
type NoopGenerator struct{}

func (NoopGenerator) Generate(context.Context, string) (string, error) {
	return models.NoLLMMessage, nil
}

// LocalGenerator sends the prompt as a single completion to an ollama server.
type LocalGenerator struct {
	llm llms.Model
}

func (g *LocalGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, llms.WithTemperature(temperature))
	if err != nil {
		return "", fmt.Errorf("local generation failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CloudGenerator calls a chat-completion API with a fixed system message.
type CloudGenerator struct {
	llm llms.Model
}

func (g *CloudGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	res, err := g.llm.GenerateContent(ctx, messages, llms.WithTemperature(temperature))
	if err != nil {
		return "", fmt.Errorf("cloud generation failed: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("cloud generation returned no choices")
	}
	return strings.TrimSpace(res.Choices[0].Content), nil
}

package embedding

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"finrag/internal/config"
	"finrag/internal/models"
	"finrag/internal/vectorstore"
)

const dimensionProbe = "dimension probe"

// Encoder turns texts into unit-length vectors of a fixed dimension.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Service adapts a langchaingo embedder to Encoder.
type Service struct {
	embedder embeddings.Embedder
	dim      int
}

// NewEmbedder builds the langchaingo embedder selected by embedding_provider.
func NewEmbedder(cfg *config.Config) (*embeddings.EmbedderImpl, error) {
	httpClient := &http.Client{Timeout: cfg.LLMTimeout()}

	var client embeddings.EmbedderClient
	switch cfg.EmbeddingProvider {
	case config.EmbeddingOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.OllamaBaseURL),
			ollama.WithModel(cfg.EmbeddingModel),
			ollama.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama embedder: %w", err)
		}
		client = llm
	case config.EmbeddingOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: openai_api_key is required for openai embeddings", config.ErrConfiguration)
		}
		llm, err := openai.New(
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithToken(strings.TrimPrefix(cfg.OpenAIAPIKey, "Bearer ")),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
			openai.WithHTTPClient(httpClient),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai embedder: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("%w: unknown embedding_provider %q", config.ErrConfiguration, cfg.EmbeddingProvider)
	}

	log.Debug().Str("provider", cfg.EmbeddingProvider).Str("model", cfg.EmbeddingModel).Msg("Creating embedder")
	return embeddings.NewEmbedder(client, embeddings.WithBatchSize(max(cfg.EmbeddingBatchSize, 1)))
}

// NewService wraps embedder. A dim of 0 is discovered by embedding a probe text.
func NewService(ctx context.Context, embedder embeddings.Embedder, dim int) (*Service, error) {
	if dim <= 0 {
		probe, err := embedder.EmbedQuery(ctx, dimensionProbe)
		if err != nil {
			return nil, fmt.Errorf("failed to probe embedding dimension: %w", err)
		}
		if len(probe) == 0 {
			return nil, fmt.Errorf("embedder returned an empty vector")
		}
		dim = len(probe)
		log.Info().Int("dim", dim).Msg("Probed embedding dimension")
	}
	return &Service{embedder: embedder, dim: dim}, nil
}

func (s *Service) Dim() int {
	return s.dim
}

// Encode embeds texts in one batch call and L2-normalises every vector.
func (s *Service) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d texts: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	if err := vectorstore.CheckDims(s.dim, vectors...); err != nil {
		return nil, err
	}
	for i := range vectors {
		vectors[i] = Normalize(vectors[i])
	}
	return vectors, nil
}

// EncodeQuery embeds a single query text.
func (s *Service) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if err := vectorstore.CheckDims(s.dim, v); err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

// GenerateEmbeddings embeds all chunk texts in one call and pairs every chunk
// with its own vector.
func GenerateEmbeddings(ctx context.Context, enc Encoder, chunks []models.Chunk) ([]models.EmbeddedChunk, error) {
	if len(chunks) == 0 {
		log.Info().Msg("No chunks generated from content")
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := enc.Encode(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("encoder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	embedded := make([]models.EmbeddedChunk, len(chunks))
	for i := range chunks {
		embedded[i] = models.EmbeddedChunk{Chunk: chunks[i], Vector: vectors[i]}
	}
	return embedded, nil
}

// Normalize scales v to unit length in place. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

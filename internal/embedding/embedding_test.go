package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/config"
	"finrag/internal/embedding/embeddingtest"
	"finrag/internal/models"
	"finrag/internal/vectorstore"
)

type brokenEmbedder struct {
	vectors [][]float32
	err     error
}

func (b *brokenEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return b.vectors, b.err
}

func (b *brokenEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if len(b.vectors) == 0 {
		return nil, b.err
	}
	return b.vectors[0], b.err
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestNewService_ProbesDimension(t *testing.T) {
	kw := embeddingtest.NewKeyword("fee", "loan", "card")
	svc, err := NewService(context.Background(), kw, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, svc.Dim())

	svc, err = NewService(context.Background(), kw, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, svc.Dim())
}

func TestService_EncodeNormalizes(t *testing.T) {
	svc, err := NewService(context.Background(), embeddingtest.NewKeyword("fee", "loan"), 0)
	require.NoError(t, err)

	vecs, err := svc.Encode(context.Background(), []string{"fee fee loan", "nothing relevant"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	for _, v := range vecs {
		assert.InDelta(t, 1.0, norm(v), 1e-5)
	}

	q, err := svc.EncodeQuery(context.Background(), "loan")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, norm(q), 1e-5)

	empty, err := svc.Encode(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestService_EncodeDimensionMismatch(t *testing.T) {
	svc, err := NewService(context.Background(), embeddingtest.NewKeyword("fee"), 8)
	require.NoError(t, err)

	_, err = svc.Encode(context.Background(), []string{"fee"})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)

	_, err = svc.EncodeQuery(context.Background(), "fee")
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestService_EncodeErrors(t *testing.T) {
	boom := errors.New("connection refused")
	svc := &Service{embedder: &brokenEmbedder{err: boom}, dim: 2}
	_, err := svc.Encode(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, boom)

	svc = &Service{embedder: &brokenEmbedder{vectors: [][]float32{{1, 0}}}, dim: 2}
	_, err = svc.Encode(context.Background(), []string{"a", "b"})
	assert.Error(t, err, "vector count mismatch")
}

func TestGenerateEmbeddings_PairsInOrder(t *testing.T) {
	svc, err := NewService(context.Background(), embeddingtest.NewKeyword("alpha", "beta"), 0)
	require.NoError(t, err)

	chunks := []models.Chunk{
		{ChunkIndex: 0, Text: "alpha"},
		{ChunkIndex: 1, Text: "beta"},
	}
	embedded, err := GenerateEmbeddings(context.Background(), svc, chunks)
	require.NoError(t, err)
	require.Len(t, embedded, 2)
	assert.Equal(t, 0, embedded[0].ChunkIndex)
	assert.Greater(t, embedded[0].Vector[0], embedded[0].Vector[1])
	assert.Greater(t, embedded[1].Vector[1], embedded[1].Vector[0])

	none, err := GenerateEmbeddings(context.Background(), svc, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []float32{0.6, 0.8}, Normalize([]float32{3, 4}))
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
}

func TestNewEmbedder_Config(t *testing.T) {
	cfg := config.Default()
	cfg.EmbeddingProvider = config.EmbeddingOpenAI
	_, err := NewEmbedder(cfg)
	assert.ErrorIs(t, err, config.ErrConfiguration)

	cfg.EmbeddingProvider = "word2vec"
	_, err = NewEmbedder(cfg)
	assert.ErrorIs(t, err, config.ErrConfiguration)

	_, err = NewEmbedder(config.Default())
	assert.NoError(t, err)
}

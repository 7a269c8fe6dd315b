package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/config"
	"finrag/internal/embedding/embeddingtest"
	"finrag/internal/ingest"
	"finrag/internal/models"
	"finrag/internal/vectorstore"
)

type echoGenerator struct{ calls int }

func (g *echoGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls++
	return "Grounded answer. Sources: 1", nil
}

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.DBURL = "sqlite:///" + filepath.Join(dir, "finrag.sqlite")
	cfg.FaissIndexPath = filepath.Join(dir, "index", "faiss.index")
	cfg.VectorBackend = backend
	cfg.ChunkSize = 200
	cfg.ChunkOverlap = 40
	return cfg
}

func seedDocs(t *testing.T, cfg *config.Config) {
	t.Helper()
	dir := cfg.DocumentDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fees.txt"),
		[]byte(strings.Repeat("The overdraft fee is 12 EUR per month. ", 8)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cards.md"),
		[]byte("# Cards\n\nCard replacement costs 10 EUR.\n"), 0o600))
}

func TestApp_EndToEnd(t *testing.T) {
	for _, backend := range []string{config.BackendFlat, config.BackendChromem} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)
			seedDocs(t, cfg)
			gen := &echoGenerator{}
			kw := embeddingtest.NewKeyword("overdraft", "card", "mortgage")

			a, err := Open(ctx, cfg, WithEmbedder(kw), WithGenerator(gen))
			require.NoError(t, err)
			defer a.Close()

			_, err = a.Engine(ctx)
			require.ErrorIs(t, err, vectorstore.ErrMissingIndex)

			p, err := a.Pipeline(ctx)
			require.NoError(t, err)
			sum, err := p.Run(ctx, cfg.DocumentDir())
			require.NoError(t, err)
			assert.Equal(t, 2, sum.Ingested)

			eng, err := a.Engine(ctx)
			require.NoError(t, err)
			assert.Equal(t, sum.Chunks, eng.Store.NTotal())

			resp, err := eng.Composer.Answer(ctx, "What is the overdraft fee?")
			require.NoError(t, err)
			assert.Equal(t, models.StateAnswered, resp.State)
			assert.False(t, resp.IDK)
			assert.Equal(t, 1, gen.calls)
			require.NotEmpty(t, resp.Citations)
			assert.Equal(t, "fees.txt", resp.Citations[0].Title)

			resp, err = eng.Composer.Answer(ctx, "mortgage")
			require.NoError(t, err)
			assert.Equal(t, models.StateLowConfidence, resp.State)
			assert.Equal(t, 1, gen.calls)

			again, err := a.Engine(ctx)
			require.NoError(t, err)
			assert.Same(t, eng, again, "loaded once")
		})
	}
}

func TestApp_ReopenContinuesIDs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFlat)
	seedDocs(t, cfg)
	kw := embeddingtest.NewKeyword("overdraft", "card")

	a, err := Open(ctx, cfg, WithEmbedder(kw), WithGenerator(&echoGenerator{}))
	require.NoError(t, err)
	p, err := a.Pipeline(ctx)
	require.NoError(t, err)
	first, err := p.Run(ctx, cfg.DocumentDir())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, os.WriteFile(filepath.Join(cfg.DocumentDir(), "loans.txt"), []byte("Loan overdraft terms."), 0o600))

	a, err = Open(ctx, cfg, WithEmbedder(kw), WithGenerator(&echoGenerator{}))
	require.NoError(t, err)
	defer a.Close()
	p, err = a.Pipeline(ctx)
	require.NoError(t, err)
	second, err := p.Run(ctx, cfg.DocumentDir())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Ingested)

	store, err := vectorstore.Load(cfg.FaissIndexPath)
	require.NoError(t, err)
	assert.Equal(t, first.Chunks+second.Chunks, store.NTotal())
}

func TestApp_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFlat)
	seedDocs(t, cfg)

	a, err := Open(ctx, cfg, WithEmbedder(embeddingtest.NewKeyword("overdraft", "card")), WithGenerator(&echoGenerator{}))
	require.NoError(t, err)
	p, err := a.Pipeline(ctx)
	require.NoError(t, err)
	_, err = p.Run(ctx, cfg.DocumentDir())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// A different embedding model at serve time must not be coerced.
	a, err = Open(ctx, cfg, WithEmbedder(embeddingtest.NewKeyword("overdraft", "card", "loan", "fee")), WithGenerator(&echoGenerator{}))
	require.NoError(t, err)
	defer a.Close()
	eng, err := a.Engine(ctx)
	require.NoError(t, err)
	_, err = eng.Composer.Answer(ctx, "overdraft")
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestApp_Reset(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFlat)
	seedDocs(t, cfg)

	a, err := Open(ctx, cfg, WithEmbedder(embeddingtest.NewKeyword("overdraft")), WithGenerator(&echoGenerator{}))
	require.NoError(t, err)
	defer a.Close()
	p, err := a.Pipeline(ctx)
	require.NoError(t, err)
	_, err = p.Run(ctx, cfg.DocumentDir())
	require.NoError(t, err)

	require.NoError(t, a.Reset(ctx))
	_, err = os.Stat(cfg.FaissIndexPath)
	assert.True(t, os.IsNotExist(err))
}

func TestApp_GeneratorConfigError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFlat)
	cfg.LLMProvider = config.ProviderCloud

	a, err := Open(ctx, cfg, WithEmbedder(embeddingtest.NewKeyword("x")))
	require.NoError(t, err)
	defer a.Close()
	_, err = a.Generator()
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestApp_PipelineRefusesIndexBehindMetadata(t *testing.T) {
	for _, backend := range []string{config.BackendFlat, config.BackendChromem} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)
			seedDocs(t, cfg)
			kw := embeddingtest.NewKeyword("overdraft", "card")

			// Rows are committed, the process dies before the index is saved.
			a, err := Open(ctx, cfg, WithEmbedder(kw), WithGenerator(&echoGenerator{}))
			require.NoError(t, err)
			p, err := a.Pipeline(ctx)
			require.NoError(t, err)
			_, err = p.Ingest(ctx, filepath.Join(cfg.DocumentDir(), "fees.txt"), "")
			require.NoError(t, err)
			require.NoError(t, a.Close())

			a, err = Open(ctx, cfg, WithEmbedder(kw), WithGenerator(&echoGenerator{}))
			require.NoError(t, err)
			defer a.Close()
			_, err = a.Pipeline(ctx)
			require.ErrorIs(t, err, ingest.ErrIndexBehind)

			require.NoError(t, a.Reset(ctx))
			p, err = a.Pipeline(ctx)
			require.NoError(t, err)
			sum, err := p.Run(ctx, cfg.DocumentDir())
			require.NoError(t, err)
			assert.Equal(t, 2, sum.Ingested)
		})
	}
}

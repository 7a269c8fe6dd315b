// Package app constructs the long-lived components once per process and hands
// them to the CLI commands and HTTP handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/uptrace/bun"

	"finrag/internal/blobsync"
	"finrag/internal/chromemdb"
	"finrag/internal/config"
	"finrag/internal/db"
	"finrag/internal/embedding"
	"finrag/internal/helper"
	"finrag/internal/ingest"
	"finrag/internal/llmservice"
	"finrag/internal/rag"
	"finrag/internal/vectorstore"
)

// Engine is the serving state: loaded once, then only read by requests.
type Engine struct {
	Store     vectorstore.Store
	Retriever *rag.Retriever
	Composer  *rag.Composer
}

type App struct {
	Config *config.Config
	DB     *bun.DB
	Blob   *blobsync.Syncer

	embedder  embeddings.Embedder
	generator llmservice.Generator
	dropHook  rag.DropFunc

	mu     sync.Mutex
	engine *Engine
}

type Option func(*App)

// WithEmbedder replaces the configured embedding backend.
func WithEmbedder(e embeddings.Embedder) Option {
	return func(a *App) {
		a.embedder = e
	}
}

// WithGenerator replaces the configured generator backend.
func WithGenerator(g llmservice.Generator) Option {
	return func(a *App) {
		a.generator = g
	}
}

func WithDropHook(fn rag.DropFunc) Option {
	return func(a *App) {
		a.dropHook = fn
	}
}

// Open connects the metadata store and builds the embedder. When blob sync is
// configured and the sqlite file is missing locally, it is fetched first.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if err := helper.CreateFolder(cfg.DataDir); err != nil {
		return nil, err
	}

	if blobsync.Enabled(cfg) {
		blob, err := blobsync.New(cfg)
		if err != nil {
			return nil, err
		}
		a.Blob = blob
		if p := db.SQLitePath(cfg.DBURL); p != "" && !exists(p) {
			if _, err := blob.Fetch(ctx, p); err != nil {
				return nil, err
			}
		}
	}

	bunDB, err := db.ConnectDB(cfg.DBURL, cfg.DBDebug)
	if err != nil {
		return nil, err
	}
	if err := db.InitDB(ctx, bunDB); err != nil {
		bunDB.Close()
		return nil, err
	}
	a.DB = bunDB

	if a.embedder == nil {
		e, err := embedding.NewEmbedder(cfg)
		if err != nil {
			bunDB.Close()
			return nil, err
		}
		a.embedder = e
	}
	return a, nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Generator builds the configured generator once. Configuration errors surface here.
func (a *App) Generator() (llmservice.Generator, error) {
	if a.generator != nil {
		return a.generator, nil
	}
	g, err := llmservice.NewGenerator(a.Config)
	if err != nil {
		return nil, err
	}
	a.generator = g
	return g, nil
}

// Engine loads the index on first use and caches the result. A missing index
// yields vectorstore.ErrMissingIndex and is retried on the next call.
func (a *App) Engine(ctx context.Context) (*Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.engine != nil {
		return a.engine, nil
	}

	gen, err := a.Generator()
	if err != nil {
		return nil, err
	}
	store, enc, err := a.openStore(ctx, false)
	if err != nil {
		return nil, err
	}

	retriever := rag.NewRetriever(store, a.DB, enc, rag.WithDropHook(a.dropHook))
	composer := rag.NewComposer(retriever, gen, rag.Policy{
		TopK:         a.Config.TopK,
		IDKThreshold: a.Config.IDKThreshold,
		MaxCitations: a.Config.MaxCitations,
	})
	a.engine = &Engine{Store: store, Retriever: retriever, Composer: composer}
	log.Info().Int("ntotal", store.NTotal()).Int("dim", store.Dim()).Str("backend", a.Config.VectorBackend).Msg("Loaded vector index")
	return a.engine, nil
}

// Pipeline opens the index for writing, creating an empty one if none exists.
// It refuses an index that is behind the metadata store.
func (a *App) Pipeline(ctx context.Context) (*ingest.Pipeline, error) {
	store, enc, err := a.openStore(ctx, true)
	if err != nil {
		return nil, err
	}

	opts := []ingest.Option{ingest.WithChunking(a.Config.ChunkSize, a.Config.ChunkOverlap)}
	if a.Blob != nil {
		var extra []string
		if p := db.SQLitePath(a.Config.DBURL); p != "" {
			extra = append(extra, p)
		}
		opts = append(opts, ingest.WithPublisher(a.Blob, extra...))
	}
	p := ingest.NewPipeline(a.DB, store, enc, a.Config.FaissIndexPath, opts...)
	if err := p.Check(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Reset deletes the index file and recreates empty tables.
func (a *App) Reset(ctx context.Context) error {
	if err := os.Remove(a.Config.FaissIndexPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove index: %w", err)
	}
	if err := db.DropAll(ctx, a.DB); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	log.Warn().Str("index", a.Config.FaissIndexPath).Msg("Removed index and metadata")
	return db.InitDB(ctx, a.DB)
}

func (a *App) openStore(ctx context.Context, create bool) (vectorstore.Store, *embedding.Service, error) {
	cfg := a.Config
	path := cfg.FaissIndexPath

	missing := !exists(path)
	if missing && a.Blob != nil {
		fetched, err := a.Blob.Fetch(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		missing = !fetched
	}
	if missing && !create {
		return nil, nil, fmt.Errorf("%w at %s, run ingest first", vectorstore.ErrMissingIndex, path)
	}

	if cfg.VectorBackend == config.BackendChromem {
		enc, err := embedding.NewService(ctx, a.embedder, cfg.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		if missing {
			store, err := chromemdb.NewVectorDBManager(enc.Dim(), cfg.ChromemEncryptionKey)
			return store, enc, err
		}
		store, err := chromemdb.Load(ctx, path, enc.Dim(), cfg.ChromemEncryptionKey)
		return store, enc, err
	}

	comp, err := vectorstore.ParseCompression(cfg.IndexCompression)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	if missing {
		enc, err := embedding.NewService(ctx, a.embedder, cfg.EmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		store, err := vectorstore.NewFlatIP(enc.Dim(), vectorstore.WithCompression(comp))
		return store, enc, err
	}

	store, err := vectorstore.Load(path, vectorstore.WithCompression(comp))
	if err != nil {
		return nil, nil, err
	}
	if cfg.EmbeddingDim > 0 && cfg.EmbeddingDim != store.Dim() {
		return nil, nil, &vectorstore.DimensionMismatchError{Expected: store.Dim(), Actual: cfg.EmbeddingDim}
	}
	enc, err := embedding.NewService(ctx, a.embedder, store.Dim())
	if err != nil {
		return nil, nil, err
	}
	return store, enc, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

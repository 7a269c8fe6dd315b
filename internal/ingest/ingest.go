// Package ingest fills the vector index and the metadata store in lockstep.
//
// Per document: read pages, chunk, embed all chunk texts in one batch, append
// the vectors to the index, then write the document and its chunk rows in one
// transaction using the returned ids. If the process dies between the append
// and the commit, the index holds orphan vectors which retrieval drops; the
// document is picked up again by the next run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"finrag/internal/db"
	"finrag/internal/embedding"
	"finrag/internal/models"
	"finrag/internal/parser"
	"finrag/internal/vectorstore"
)

// ErrIndexBehind means chunk rows reference vector ids the index does not
// hold, usually because a run stopped before saving. Appending would hand out
// those ids again.
var ErrIndexBehind = errors.New("index is behind the metadata store, run ingest --reset to rebuild")

// Publisher uploads persisted artifacts after a run.
type Publisher interface {
	Publish(ctx context.Context, files ...string) error
}

type Pipeline struct {
	db        *bun.DB
	store     vectorstore.Store
	enc       embedding.Encoder
	indexPath string

	chunkSize int
	overlap   int

	publisher Publisher
	extraFile []string
}

type Option func(*Pipeline)

func WithChunking(size, overlap int) Option {
	return func(p *Pipeline) {
		p.chunkSize = size
		p.overlap = overlap
	}
}

// WithPublisher uploads the index, plus files, after every successful save.
func WithPublisher(pub Publisher, files ...string) Option {
	return func(p *Pipeline) {
		p.publisher = pub
		p.extraFile = files
	}
}

func NewPipeline(bunDB *bun.DB, store vectorstore.Store, enc embedding.Encoder, indexPath string, opts ...Option) *Pipeline {
	p := &Pipeline{
		db:        bunDB,
		store:     store,
		enc:       enc,
		indexPath: indexPath,
		chunkSize: parser.DefaultChunkSize,
		overlap:   parser.DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check fails with ErrIndexBehind when a chunk row references an id at or
// past the index size.
func (p *Pipeline) Check(ctx context.Context) error {
	maxID, err := db.MaxVectorID(ctx, p.db)
	if err != nil {
		return err
	}
	if n := p.store.NTotal(); maxID >= int64(n) {
		return fmt.Errorf("%w: chunk rows reference vector id %d, index holds %d vectors", ErrIndexBehind, maxID, n)
	}
	return nil
}

// Result describes what happened to one document.
type Result struct {
	SourcePath string
	DocumentID int64
	Chunks     int
	Skipped    bool
	Reason     string
}

// Ingest adds one document. It is a no-op for a path that is already stored
// and for documents without extractable text. The index is not saved here.
func (p *Pipeline) Ingest(ctx context.Context, path, title string) (*Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	res := &Result{SourcePath: abs}

	exists, err := db.DocumentExists(ctx, p.db, abs)
	if err != nil {
		return nil, fmt.Errorf("failed to check document %s: %w", abs, err)
	}
	if exists {
		res.Skipped, res.Reason = true, "already ingested"
		return res, nil
	}

	pages, err := parser.ReadPages(abs)
	if err != nil {
		return nil, err
	}
	chunks := parser.ChunkPages(pages, p.chunkSize, p.overlap)
	if len(chunks) == 0 {
		res.Skipped, res.Reason = true, "no extractable text"
		return res, nil
	}

	if err := p.Check(ctx); err != nil {
		return nil, err
	}

	embedded, err := embedding.GenerateEmbeddings(ctx, p.enc, chunks)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(embedded))
	for i, ec := range embedded {
		vectors[i] = ec.Vector
	}
	ids, err := p.store.Add(ctx, vectors)
	if err != nil {
		return nil, fmt.Errorf("failed to add vectors of %s: %w", abs, err)
	}
	if len(ids) != len(embedded) {
		return nil, fmt.Errorf("index returned %d ids for %d vectors", len(ids), len(embedded))
	}

	if title == "" {
		title = filepath.Base(abs)
	}
	doc := &db.Document{SourcePath: abs, Title: title}
	if err := db.InsertDocumentWithChunks(ctx, p.db, doc, chunkRows(embedded, ids)); err != nil {
		return nil, err
	}

	res.DocumentID = doc.ID
	res.Chunks = len(embedded)
	return res, nil
}

func chunkRows(embedded []models.EmbeddedChunk, ids []int64) []*db.Chunk {
	rows := make([]*db.Chunk, len(embedded))
	for i, ec := range embedded {
		rows[i] = &db.Chunk{
			ChunkIndex: ec.ChunkIndex,
			PageStart:  ec.PageStart,
			PageEnd:    ec.PageEnd,
			Text:       ec.Text,
			VectorID:   ids[i],
		}
	}
	return rows
}

// Summary totals one ingestion run.
type Summary struct {
	Found    int
	Ingested int
	Skipped  int
	Failed   int
	Chunks   int
	Duration time.Duration
}

// Run ingests every supported file directly inside dir, in name order, and
// saves the index once at the end. A failing document does not stop the run;
// the failures are returned joined after the index is saved. Cancelling ctx
// stops the run between documents, and the index is still saved.
func (p *Pipeline) Run(ctx context.Context, dir string) (*Summary, error) {
	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	files, err := ScanDir(dir)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Found: len(files)}
	if len(files) == 0 {
		log.Warn().Str("dir", dir).Msg("No documents found, put banking documents into this folder and re-run")
		return sum, nil
	}

	var errs []error
	for i, f := range files {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := p.Ingest(ctx, f, "")
		if err != nil {
			sum.Failed++
			errs = append(errs, err)
			log.Error().Err(err).Str("source_path", f).Msg("Ingestion failed")
			continue
		}
		if res.Skipped {
			sum.Skipped++
			log.Info().Str("source_path", res.SourcePath).Str("reason", res.Reason).Msgf("Skipped %d/%d", i+1, len(files))
			continue
		}
		sum.Ingested++
		sum.Chunks += res.Chunks
		log.Info().Str("source_path", res.SourcePath).Int("chunks", res.Chunks).Msgf("Ingested %d/%d", i+1, len(files))
	}

	if err := p.Save(context.WithoutCancel(ctx)); err != nil {
		return sum, errors.Join(append(errs, err)...)
	}
	sum.Duration = time.Since(start)
	log.Info().
		Int("ingested", sum.Ingested).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("chunks", sum.Chunks).
		Int("ntotal", p.store.NTotal()).
		Dur("duration", sum.Duration).
		Str("index", p.indexPath).
		Msg("Ingestion done")
	return sum, errors.Join(errs...)
}

// Save persists the index and publishes it when a publisher is configured.
func (p *Pipeline) Save(ctx context.Context) error {
	if err := p.store.Save(p.indexPath); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	if p.publisher == nil {
		return nil
	}
	files := append([]string{p.indexPath}, p.extraFile...)
	if err := p.publisher.Publish(ctx, files...); err != nil {
		return fmt.Errorf("failed to publish artifacts: %w", err)
	}
	return nil
}

// ScanDir lists supported document files directly inside dir, sorted by name.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !parser.Supported(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

package rag

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"finrag/internal/db"
	"finrag/internal/models"
	"finrag/internal/vectorstore"
)

// QueryEncoder embeds a question into the vector space of the index.
type QueryEncoder interface {
	EncodeQuery(ctx context.Context, text string) ([]float32, error)
}

// DropFunc receives vector ids that had no chunk row.
type DropFunc func(vectorIDs []int64)

// Retriever resolves a query to ranked chunks with their document metadata.
type Retriever struct {
	store  vectorstore.Store
	db     bun.IDB
	enc    QueryEncoder
	onDrop DropFunc
}

type RetrieverOption func(*Retriever)

// WithDropHook registers fn to observe index/metadata drift.
func WithDropHook(fn DropFunc) RetrieverOption {
	return func(r *Retriever) {
		r.onDrop = fn
	}
}

func NewRetriever(store vectorstore.Store, db bun.IDB, enc QueryEncoder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{store: store, db: db, enc: enc}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to k results in descending score order. Vector ids
// without a chunk row are dropped with a warning.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.Retrieved, error) {
	if r.store.NTotal() == 0 {
		return nil, nil
	}

	q, err := r.enc.EncodeQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	scores, ids, err := r.store.Search(ctx, q, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	hits := make([]int64, 0, len(ids))
	hitScores := make([]float32, 0, len(ids))
	for i, id := range ids {
		if id < 0 {
			continue
		}
		hits = append(hits, id)
		hitScores = append(hitScores, scores[i])
	}
	if len(hits) == 0 {
		return nil, nil
	}

	rows, err := db.ChunksByVectorIDs(ctx, r.db, hits)
	if err != nil {
		return nil, err
	}
	byVector := make(map[int64]*db.Chunk, len(rows))
	for _, c := range rows {
		byVector[c.VectorID] = c
	}

	results := make([]models.Retrieved, 0, len(hits))
	var dropped []int64
	for i, vid := range hits {
		c, ok := byVector[vid]
		if !ok || c.Document == nil {
			dropped = append(dropped, vid)
			continue
		}
		results = append(results, models.Retrieved{
			Score:      float64(hitScores[i]),
			ChunkID:    c.ID,
			VectorID:   vid,
			SourcePath: c.Document.SourcePath,
			Title:      c.Document.Title,
			PageStart:  c.PageStart,
			PageEnd:    c.PageEnd,
			Text:       c.Text,
		})
	}

	if len(dropped) > 0 {
		log.Warn().Ints64("vector_ids", dropped).Msg("Index has vectors without chunk rows, dropping them")
		if r.onDrop != nil {
			r.onDrop(dropped)
		}
	}
	return results, nil
}

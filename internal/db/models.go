package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type Document struct {
	bun.BaseModel `bun:"table:documents,alias:d"`
	ID            int64     `bun:"id,pk,autoincrement"`
	SourcePath    string    `bun:"source_path,notnull,unique"`
	Title         string    `bun:"title,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	Chunks        []*Chunk  `bun:"rel:has-many,join:id=document_id"`
}

// Chunk rows are immutable. VectorID is the only link to the vector index.
type Chunk struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ID            int64     `bun:"id,pk,autoincrement"`
	DocumentID    int64     `bun:"document_id,notnull,unique:doc_chunk"`
	ChunkIndex    int       `bun:"chunk_index,notnull,unique:doc_chunk"`
	PageStart     int       `bun:"page_start,notnull"`
	PageEnd       int       `bun:"page_end,notnull"`
	Text          string    `bun:"text,notnull"`
	VectorID      int64     `bun:"vector_id,notnull"`
	Document      *Document `bun:"rel:belongs-to,join:document_id=id"`
}

// RetrievalGold is one held-out judgment: a query and the chunk ids relevant to it.
type RetrievalGold struct {
	bun.BaseModel       `bun:"table:retrieval_gold,alias:g"`
	ID                  int64  `bun:"id,pk,autoincrement"`
	Query               string `bun:"query,notnull"`
	RelevantChunkIDsCSV string `bun:"relevant_chunk_ids_csv,notnull"`
}

// RelevantIDs parses the comma separated chunk ids, ignoring blanks.
func (g *RetrievalGold) RelevantIDs() ([]int64, error) {
	return ParseIDs(g.RelevantChunkIDsCSV)
}

func ParseIDs(csv string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func FormatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

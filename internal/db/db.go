package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	_ "modernc.org/sqlite"
)

const sqlitePrefix = "sqlite:///"

// SQLitePath returns the file behind a sqlite:/// URL, or "" for other URLs.
// "sqlite:///./data/x.sqlite" is relative, "sqlite:////var/x.sqlite" absolute.
func SQLitePath(dbURL string) string {
	if !strings.HasPrefix(dbURL, sqlitePrefix) {
		return ""
	}
	return strings.TrimPrefix(dbURL, sqlitePrefix)
}

// ConnectDB opens a sqlite or postgres database. The sqlite directory is created if needed.
func ConnectDB(dbURL string, debug bool) (*bun.DB, error) {
	var bunDB *bun.DB

	switch {
	case strings.HasPrefix(dbURL, sqlitePrefix):
		path := SQLitePath(dbURL)
		if path == "" {
			return nil, fmt.Errorf("empty sqlite path in %q", dbURL)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
		}
		bunDB = bun.NewDB(sqldb, sqlitedialect.New())

	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dbURL)))
		bunDB = bun.NewDB(sqldb, pgdialect.New())

	default:
		return nil, fmt.Errorf("unsupported db_url scheme: %q", dbURL)
	}

	if debug {
		bunDB.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return bunDB, nil
}

// InitDB creates the schema if it is absent.
func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().Model((*Document)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	_, err := db.NewCreateTable().
		Model((*Chunk)(nil)).
		IfNotExists().
		ForeignKey(`("document_id") REFERENCES "documents" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}
	_, err = db.NewCreateIndex().
		Model((*Chunk)(nil)).
		Index("chunks_vector_id_idx").
		Unique().
		IfNotExists().
		Column("vector_id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create vector_id index: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*RetrievalGold)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create retrieval_gold table: %w", err)
	}
	return nil
}

func DocumentExists(ctx context.Context, db bun.IDB, sourcePath string) (bool, error) {
	return db.NewSelect().Model((*Document)(nil)).Where("source_path = ?", sourcePath).Exists(ctx)
}

// InsertDocumentWithChunks writes the document and all of its chunks in one
// transaction, so a document is never visible without its chunks.
func InsertDocumentWithChunks(ctx context.Context, db *bun.DB, doc *Document, chunks []*Chunk) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(doc).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert document %s: %w", doc.SourcePath, err)
		}
		if len(chunks) == 0 {
			return nil
		}
		for _, c := range chunks {
			c.DocumentID = doc.ID
		}
		if _, err := tx.NewInsert().Model(&chunks).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert chunks of %s: %w", doc.SourcePath, err)
		}
		return nil
	})
}

// ChunksByVectorIDs resolves vector ids to chunks with their documents in a
// single query. Ids without a row are simply absent from the result.
func ChunksByVectorIDs(ctx context.Context, db bun.IDB, vectorIDs []int64) ([]*Chunk, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	var chunks []*Chunk
	err := db.NewSelect().
		Model(&chunks).
		Relation("Document").
		Where("c.vector_id IN (?)", bun.In(vectorIDs)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks by vector id: %w", err)
	}
	return chunks, nil
}

// Counts returns the number of documents and chunks.
func Counts(ctx context.Context, db bun.IDB) (docs int, chunks int, err error) {
	if docs, err = db.NewSelect().Model((*Document)(nil)).Count(ctx); err != nil {
		return 0, 0, err
	}
	if chunks, err = db.NewSelect().Model((*Chunk)(nil)).Count(ctx); err != nil {
		return 0, 0, err
	}
	return docs, chunks, nil
}

// MaxVectorID returns the highest vector id referenced by a chunk row, or -1 when there are none.
func MaxVectorID(ctx context.Context, db bun.IDB) (int64, error) {
	var maxID sql.NullInt64
	if err := db.NewSelect().Model((*Chunk)(nil)).ColumnExpr("MAX(c.vector_id)").Scan(ctx, &maxID); err != nil {
		return 0, fmt.Errorf("failed to read max vector id: %w", err)
	}
	if !maxID.Valid {
		return -1, nil
	}
	return maxID.Int64, nil
}

func ListGold(ctx context.Context, db bun.IDB) ([]RetrievalGold, error) {
	var gold []RetrievalGold
	if err := db.NewSelect().Model(&gold).Order("g.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list gold set: %w", err)
	}
	return gold, nil
}

func AddGold(ctx context.Context, db bun.IDB, query string, chunkIDs []int64) (*RetrievalGold, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("gold query is empty")
	}
	g := &RetrievalGold{Query: query, RelevantChunkIDsCSV: FormatIDs(chunkIDs)}
	if _, err := db.NewInsert().Model(g).Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to insert gold query: %w", err)
	}
	log.Debug().Int64("id", g.ID).Str("query", query).Msg("Added gold query")
	return g, nil
}

// DropAll removes every table, chunks first.
func DropAll(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{(*RetrievalGold)(nil), (*Chunk)(nil), (*Document)(nil)} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"finrag/internal/vectorstore"
)

// CollectionName is the single collection holding chunk vectors.
const CollectionName = "finrag_chunks"

const compress = false

var _ vectorstore.Store = (*VectorDBManager)(nil)

// VectorDBManager encapsulates the chromem-go database operations behind the
// vectorstore contract. Document ids are the decimal vector ids.
type VectorDBManager struct {
	mu            sync.Mutex
	db            *chromem.DB
	collection    *chromem.Collection
	dim           int
	encryptionKey string
}

// NewVectorDBManager initializes an empty in-memory collection of the given dimension.
// A non-empty encryption key must be exactly 32 bytes.
func NewVectorDBManager(dim int, encryptionKey string) (*VectorDBManager, error) {
	if dim <= 0 {
		return nil, &vectorstore.DimensionMismatchError{Expected: 1, Actual: dim}
	}
	if err := checkKey(encryptionKey); err != nil {
		return nil, err
	}

	db := chromem.NewDB()
	c, err := db.GetOrCreateCollection(CollectionName, map[string]string{"dimension": strconv.Itoa(dim)}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %v", err)
	}
	return &VectorDBManager{db: db, collection: c, dim: dim, encryptionKey: encryptionKey}, nil
}

// Load imports a collection exported by Save and checks it against dim.
func Load(ctx context.Context, path string, dim int, encryptionKey string) (*VectorDBManager, error) {
	if err := checkKey(encryptionKey); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", vectorstore.ErrMissingIndex, path)
	}

	db := chromem.NewDB()
	if err := db.ImportFromFile(path, encryptionKey, CollectionName); err != nil {
		return nil, fmt.Errorf("%w: failed to import database: %v", vectorstore.ErrCorruptIndex, err)
	}
	c := db.GetCollection(CollectionName, nil)
	if c == nil {
		return nil, fmt.Errorf("%w: collection %s missing from %s", vectorstore.ErrCorruptIndex, CollectionName, path)
	}

	m := &VectorDBManager{db: db, collection: c, dim: dim, encryptionKey: encryptionKey}
	if c.Count() > 0 {
		first, err := c.GetByID(ctx, "0")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", vectorstore.ErrCorruptIndex, err)
		}
		if len(first.Embedding) != dim {
			return nil, &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(first.Embedding)}
		}
	}
	log.Debug().Str("path", path).Int("count", c.Count()).Msg("Imported chromem collection")
	return m, nil
}

func checkKey(key string) error {
	if key != "" && len(key) != 32 {
		return fmt.Errorf("chromem encryption key must be 32 bytes, got %d", len(key))
	}
	return nil
}

func (m *VectorDBManager) Dim() int {
	return m.dim
}

func (m *VectorDBManager) NTotal() int {
	return m.collection.Count()
}

// Add stores vectors under ids continuing from the current count.
func (m *VectorDBManager) Add(ctx context.Context, vectors [][]float32) ([]int64, error) {
	if err := vectorstore.CheckDims(m.dim, vectors...); err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return []int64{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := int64(m.collection.Count())
	ids := make([]int64, len(vectors))
	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		ids[i] = next + int64(i)
		id := strconv.FormatInt(ids[i], 10)
		docs[i] = chromem.Document{
			ID:        id,
			Content:   id,
			Metadata:  map[string]string{"vector_id": id},
			Embedding: slices.Clone(v),
		}
	}

	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("failed to add document: %v", err)
	}
	return ids, nil
}

// Search runs a similarity query. chromem normalizes vectors, so scores are
// cosine similarities. Ordering among exact ties is not defined.
func (m *VectorDBManager) Search(ctx context.Context, query []float32, k int) ([]float32, []int64, error) {
	if k <= 0 {
		return nil, nil, vectorstore.ErrInvalidK
	}
	if err := vectorstore.CheckDims(m.dim, query); err != nil {
		return nil, nil, err
	}

	scores := make([]float32, 0, k)
	ids := make([]int64, 0, k)

	n := min(k, m.collection.Count())
	if n > 0 {
		results, err := m.collection.QueryEmbedding(ctx, slices.Clone(query), n, nil, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to query by similarity: %v", err)
		}
		for _, r := range results {
			id, err := strconv.ParseInt(r.ID, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: non-numeric document id %q", vectorstore.ErrCorruptIndex, r.ID)
			}
			scores = append(scores, r.Similarity)
			ids = append(ids, id)
		}
	}

	scores, ids = vectorstore.PadResults(scores, ids, k)
	return scores, ids, nil
}

// Save exports the collection to a single gob file, encrypted when a key is set.
func (m *VectorDBManager) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	log.Debug().Str("collection", CollectionName).Str("path", path).Bool("compress", compress).Msg("Exporting chromem collection")
	if err := m.db.ExportToFile(path, compress, m.encryptionKey, CollectionName); err != nil {
		return fmt.Errorf("failed to export database: %v", err)
	}
	return nil
}

// Vector returns the stored embedding of id.
func (m *VectorDBManager) Vector(ctx context.Context, id int64) ([]float32, bool) {
	doc, err := m.collection.GetByID(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return nil, false
	}
	return doc.Embedding, true
}

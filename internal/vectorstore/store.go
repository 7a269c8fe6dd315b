// Package vectorstore holds the fixed-dimension nearest-neighbour index whose
// integer coordinates (vector ids) join back to chunk rows in the metadata store.
//
// Ids are assigned contiguously in insertion order starting at the current size
// of the store. There is no update or delete. Search scores are inner products,
// which equal cosine similarity for unit-length vectors.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// SentinelID pads search results when the store holds fewer than k vectors.
const SentinelID int64 = -1

var (
	// ErrDimensionMismatch matches every *DimensionMismatchError via errors.Is.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrMissingIndex indicates the persisted index file does not exist.
	// Ingestion has to run before serving.
	ErrMissingIndex = errors.New("vector index not found")

	// ErrCorruptIndex indicates a persisted index failed header or checksum validation.
	ErrCorruptIndex = errors.New("corrupt vector index")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// DimensionMismatchError reports a vector whose length differs from the store dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// Store is implemented by every vector backend.
type Store interface {
	// Dim is the vector dimension fixed at construction.
	Dim() int

	// NTotal is the number of stored vectors, which is also the next id.
	NTotal() int

	// Add appends vectors and returns their ids, a contiguous range starting at NTotal.
	// Nothing is appended if any vector has the wrong dimension.
	Add(ctx context.Context, vectors [][]float32) ([]int64, error)

	// Search returns exactly k (score, id) pairs in descending score order,
	// padded with SentinelID when fewer than k vectors are stored.
	Search(ctx context.Context, query []float32, k int) ([]float32, []int64, error)

	// Save persists the store so that loading it resumes id assignment at NTotal.
	Save(path string) error
}

// CheckDims returns a *DimensionMismatchError for the first vector whose length is not dim.
func CheckDims(dim int, vectors ...[]float32) error {
	for _, v := range vectors {
		if len(v) != dim {
			return &DimensionMismatchError{Expected: dim, Actual: len(v)}
		}
	}
	return nil
}

// PadResults extends scores and ids to length k with sentinel entries.
func PadResults(scores []float32, ids []int64, k int) ([]float32, []int64) {
	for len(ids) < k {
		scores = append(scores, float32(math.Inf(-1)))
		ids = append(ids, SentinelID)
	}
	return scores, ids
}

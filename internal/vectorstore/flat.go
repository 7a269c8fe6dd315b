package vectorstore

import (
	"context"
	"slices"
	"sync"
)

var _ Store = (*FlatIP)(nil)

// FlatIP is an exact inner-product index over a contiguous float32 slab.
// Exact score ties keep insertion order.
type FlatIP struct {
	mu          sync.RWMutex
	dim         int
	data        []float32
	compression Compression
}

// Option configures a FlatIP.
type Option func(*FlatIP)

// WithCompression sets the payload compression used by Save.
func WithCompression(c Compression) Option {
	return func(s *FlatIP) {
		s.compression = c
	}
}

// NewFlatIP creates an empty index of the given dimension.
func NewFlatIP(dim int, opts ...Option) (*FlatIP, error) {
	if dim <= 0 {
		return nil, &DimensionMismatchError{Expected: 1, Actual: dim}
	}
	s := &FlatIP{dim: dim, compression: CompressionZSTD}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FlatIP) Dim() int {
	return s.dim
}

func (s *FlatIP) NTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data) / s.dim
}

func (s *FlatIP) Add(_ context.Context, vectors [][]float32) ([]int64, error) {
	if err := CheckDims(s.dim, vectors...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := int64(len(s.data) / s.dim)
	ids := make([]int64, len(vectors))
	for i, v := range vectors {
		s.data = append(s.data, v...)
		ids[i] = next + int64(i)
	}
	return ids, nil
}

func (s *FlatIP) Search(_ context.Context, query []float32, k int) ([]float32, []int64, error) {
	if k <= 0 {
		return nil, nil, ErrInvalidK
	}
	if err := CheckDims(s.dim, query); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.data) / s.dim
	scores := make([]float32, n)
	order := make([]int64, n)
	for i := 0; i < n; i++ {
		scores[i] = dot(query, s.data[i*s.dim:(i+1)*s.dim])
		order[i] = int64(i)
	}
	slices.SortStableFunc(order, func(a, b int64) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})

	top := min(k, n)
	outScores := make([]float32, 0, k)
	outIDs := make([]int64, 0, k)
	for _, id := range order[:top] {
		outScores = append(outScores, scores[id])
		outIDs = append(outIDs, id)
	}
	outScores, outIDs = PadResults(outScores, outIDs, k)
	return outScores, outIDs, nil
}

// Vector returns a copy of the vector stored at id.
func (s *FlatIP) Vector(id int64) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id < 0 || int(id) >= len(s.data)/s.dim {
		return nil, false
	}
	start := int(id) * s.dim
	return slices.Clone(s.data[start : start+s.dim]), true
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

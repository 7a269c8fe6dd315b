// Package embeddingtest provides a deterministic in-process embedder for tests.
package embeddingtest

import (
	"context"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
)

var _ embeddings.Embedder = (*Keyword)(nil)

// Bias is the constant last component, so that no text embeds to the zero vector.
const Bias = 0.1

// Keyword embeds text as per-keyword occurrence counts plus a small bias
// component. Texts sharing keywords get a high cosine similarity, unrelated
// texts a score close to zero.
type Keyword struct {
	Words []string

	mu    sync.Mutex
	calls int
	texts int
}

func NewKeyword(words ...string) *Keyword {
	lowered := make([]string, len(words))
	for i, w := range words {
		lowered[i] = strings.ToLower(w)
	}
	return &Keyword{Words: lowered}
}

func (k *Keyword) Dim() int {
	return len(k.Words) + 1
}

func (k *Keyword) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	k.mu.Lock()
	k.calls++
	k.texts += len(texts)
	k.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = k.vector(t)
	}
	return out, nil
}

func (k *Keyword) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	k.mu.Lock()
	k.calls++
	k.texts++
	k.mu.Unlock()
	return k.vector(text), nil
}

// Calls returns the number of embed calls and the total number of texts embedded.
func (k *Keyword) Calls() (calls, texts int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls, k.texts
}

func (k *Keyword) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(k.Words)+1)
	for i, w := range k.Words {
		v[i] = float32(strings.Count(text, w))
	}
	v[len(k.Words)] = Bias
	return v
}

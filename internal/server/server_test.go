package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finrag/internal/models"
	"finrag/internal/rag"
	"finrag/internal/vectorstore"
)

type stubAnswerer struct {
	resp *models.PromptResponse
	err  error
	got  string
}

func (s *stubAnswerer) Answer(_ context.Context, q string) (*models.PromptResponse, error) {
	s.got = q
	if strings.TrimSpace(q) == "" {
		return nil, rag.ErrEmptyQuestion
	}
	return s.resp, s.err
}

func static(a Answerer) AnswererFunc {
	return func(context.Context) (Answerer, error) { return a, nil }
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := New(static(&stubAnswerer{}), nil).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestAsk_Answered(t *testing.T) {
	score := 0.91
	stub := &stubAnswerer{resp: &models.PromptResponse{
		Answer:   "The fee is 5 EUR.",
		TopScore: &score,
		Citations: []models.Citation{{
			ChunkID: 7, SourcePath: "/d/tariff.pdf", Title: "tariff.pdf", PageStart: 2, PageEnd: 3, Score: 0.91, Snippet: "fee",
		}},
		UsedContext: true,
		State:       models.StateAnswered,
	}}
	h := New(static(stub), nil).Handler()

	rec := post(t, h, `{"question":"What is the fee?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "What is the fee?", stub.got)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "The fee is 5 EUR.", body["answer"])
	assert.Equal(t, false, body["idk"])
	assert.InDelta(t, 0.91, body["top_score"], 1e-9)
	cites := body["citations"].([]any)
	require.Len(t, cites, 1)
	c := cites[0].(map[string]any)
	for _, key := range []string{"chunk_id", "source_path", "title", "page_start", "page_end", "score", "snippet"} {
		assert.Contains(t, c, key)
	}
}

func TestAsk_NoContextSerializesNulls(t *testing.T) {
	stub := &stubAnswerer{resp: &models.PromptResponse{
		Answer:    models.NotFoundMessage,
		IDK:       true,
		Citations: []models.Citation{},
		State:     models.StateNoContext,
	}}
	rec := post(t, New(static(stub), nil).Handler(), `{"question":"q"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"top_score":null`)
	assert.Contains(t, rec.Body.String(), `"citations":[]`)
	assert.Contains(t, rec.Body.String(), `"idk":true`)
}

func TestAsk_Errors(t *testing.T) {
	tests := []struct {
		name     string
		answerer AnswererFunc
		body     string
		want     int
	}{
		{"bad json", static(&stubAnswerer{}), `{"question":`, http.StatusBadRequest},
		{"empty question", static(&stubAnswerer{}), `{"question":"  "}`, http.StatusBadRequest},
		{"missing index", func(context.Context) (Answerer, error) {
			return nil, fmt.Errorf("%w at ./data/faiss.index", vectorstore.ErrMissingIndex)
		}, `{"question":"q"}`, http.StatusServiceUnavailable},
		{"generator failure", static(&stubAnswerer{err: errors.New("upstream 502")}), `{"question":"q"}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, New(tt.answerer, nil).Handler(), tt.body)
			assert.Equal(t, tt.want, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestAsk_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	New(static(&stubAnswerer{}), nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ask", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAsk_RateLimit(t *testing.T) {
	stub := &stubAnswerer{resp: &models.PromptResponse{Citations: []models.Citation{}, State: models.StateNoContext}}
	h := New(static(stub), nil, WithRateLimit(0.001, 1)).Handler()

	assert.Equal(t, http.StatusOK, post(t, h, `{"question":"q"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h, `{"question":"q"}`).Code)
}

func TestRequestIDEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	New(static(&stubAnswerer{}), nil).Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	stub := &stubAnswerer{resp: &models.PromptResponse{Citations: []models.Citation{}, State: models.StateLowConfidence}}
	h := New(static(stub), m).Handler()
	post(t, h, `{"question":"q"}`)
	m.ObserveDropped([]int64{4, 5})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `finrag_ask_total{state="low_confidence"} 1`)
	assert.Contains(t, string(body), `finrag_retrieval_dropped_ids_total 2`)
	assert.Contains(t, string(body), `finrag_ask_duration_seconds_count 1`)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(fmt.Errorf("wrap: %w", vectorstore.ErrMissingIndex)))
	assert.Equal(t, http.StatusBadRequest, StatusFor(rag.ErrEmptyQuestion))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(&vectorstore.DimensionMismatchError{Expected: 3, Actual: 4}))
}

func TestListenAndServe_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
	cancel()
	assert.NoError(t, <-done)
}

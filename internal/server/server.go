// Package server exposes the question answering service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"finrag/internal/models"
	"finrag/internal/rag"
	"finrag/internal/vectorstore"
)

const maxBodyBytes = 1 << 20

// Answerer answers one question.
type Answerer interface {
	Answer(ctx context.Context, question string) (*models.PromptResponse, error)
}

// AnswererFunc resolves the answerer per request, which lets serving start
// before the index exists.
type AnswererFunc func(ctx context.Context) (Answerer, error)

type Server struct {
	answerer AnswererFunc
	metrics  *Metrics
	limiter  *rate.Limiter
	mux      *http.ServeMux
}

type Option func(*Server)

// WithRateLimit limits /ask to rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

func New(answerer AnswererFunc, metrics *Metrics, opts ...Option) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{answerer: answerer, metrics: metrics, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /ask", s.handleAsk)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestLogging(s.mux)
}

type askRequest struct {
	Question string `json:"question"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := zerolog.Ctx(r.Context())

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.observeAsk("rate_limited", start)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		return
	}

	var req askRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.metrics.observeAsk("bad_request", start)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	answerer, err := s.answerer(r.Context())
	if err != nil {
		s.fail(w, logger, err, start)
		return
	}
	resp, err := answerer.Answer(r.Context(), req.Question)
	if err != nil {
		s.fail(w, logger, err, start)
		return
	}

	s.metrics.observeAsk(string(resp.State), start)
	logger.Debug().Str("state", string(resp.State)).Bool("idk", resp.IDK).Int("citations", len(resp.Citations)).Msg("Answered question")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, logger *zerolog.Logger, err error, start time.Time) {
	status := StatusFor(err)
	state := "error"
	if status == http.StatusBadRequest {
		state = "bad_request"
	}
	s.metrics.observeAsk(state, start)
	if status >= 500 {
		logger.Error().Err(err).Msg("Failed to answer question")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// StatusFor maps core errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, rag.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, vectorstore.ErrMissingIndex):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

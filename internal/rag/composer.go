package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"finrag/internal/llmservice"
	"finrag/internal/models"
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question is empty")

// Searcher is the retrieval dependency of the Composer.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int) ([]models.Retrieved, error)
}

// Policy holds the confidence gate settings.
type Policy struct {
	TopK         int
	IDKThreshold float64
	MaxCitations int
}

// Composer applies the confidence gate and, when it passes, asks the generator
// for an answer grounded in the retrieved fragments.
type Composer struct {
	searcher  Searcher
	generator llmservice.Generator
	policy    Policy
}

func NewComposer(searcher Searcher, generator llmservice.Generator, policy Policy) *Composer {
	if policy.MaxCitations <= 0 {
		policy.MaxCitations = 5
	}
	return &Composer{searcher: searcher, generator: generator, policy: policy}
}

// Answer runs one request through the gate: no context, low confidence or answered.
// The generator is called only in the answered state.
func (c *Composer) Answer(ctx context.Context, question string) (*models.PromptResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	results, err := c.searcher.Retrieve(ctx, question, c.policy.TopK)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		log.Debug().Str("state", string(models.StateNoContext)).Msg("Nothing retrieved")
		return &models.PromptResponse{
			Query:     question,
			Answer:    models.NotFoundMessage,
			IDK:       true,
			Citations: []models.Citation{},
			State:     models.StateNoContext,
		}, nil
	}

	top := results[0].Score
	citations := ToCitations(results, c.policy.MaxCitations)

	if top < c.policy.IDKThreshold {
		log.Debug().Float64("top_score", top).Str("state", string(models.StateLowConfidence)).Msg("Below confidence threshold")
		return &models.PromptResponse{
			Query:       question,
			Answer:      models.LowConfidenceMessage,
			IDK:         true,
			TopScore:    &top,
			Citations:   citations,
			UsedContext: true,
			State:       models.StateLowConfidence,
		}, nil
	}

	answer, err := c.generator.Generate(ctx, BuildPrompt(question, results))
	if err != nil {
		return nil, err
	}
	log.Debug().Float64("top_score", top).Str("state", string(models.StateAnswered)).Int("sources", len(results)).Msg("Generated answer")

	return &models.PromptResponse{
		Query:       question,
		Answer:      strings.TrimSpace(answer),
		TopScore:    &top,
		Citations:   citations,
		UsedContext: true,
		State:       models.StateAnswered,
	}, nil
}

// BuildPrompt is a pure function of the question and the ordered fragments.
func BuildPrompt(question string, results []models.Retrieved) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		header := fmt.Sprintf(models.SourceHeaderTemplate, i+1, r.SourcePath, r.PageStart, r.PageEnd, r.Score)
		blocks[i] = header + "\n" + r.Text
	}
	return strings.TrimSpace(fmt.Sprintf(models.GroundingPromptTemplate, question, strings.Join(blocks, "\n\n")))
}

// ToCitations keeps the first limit results and shortens their text to snippets.
func ToCitations(results []models.Retrieved, limit int) []models.Citation {
	limit = max(0, min(limit, len(results)))
	out := make([]models.Citation, 0, limit)
	for _, r := range results[:limit] {
		out = append(out, models.Citation{
			ChunkID:    r.ChunkID,
			SourcePath: r.SourcePath,
			Title:      r.Title,
			PageStart:  r.PageStart,
			PageEnd:    r.PageEnd,
			Score:      r.Score,
			Snippet:    Snippet(r.Text),
		})
	}
	return out
}

var newlineReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Snippet returns the first models.SnippetLength characters on a single line.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) > models.SnippetLength {
		runes = runes[:models.SnippetLength]
	}
	return strings.TrimSpace(newlineReplacer.Replace(string(runes)))
}

package models

// PageText is the extracted text of one source page. PageNumber starts at 1.
type PageText struct {
	PageNumber int
	Text       string
}

// Chunk represents a page-range-tagged slice of a document's cleaned text
type Chunk struct {
	ChunkIndex int
	PageStart  int
	PageEnd    int
	Text       string
}

// EmbeddedChunk pairs a chunk with the vector computed from its text.
type EmbeddedChunk struct {
	Chunk
	Vector []float32
}

// Retrieved is a search hit resolved against the metadata store.
type Retrieved struct {
	Score      float64 `json:"score"`
	ChunkID    int64   `json:"chunk_id"`
	VectorID   int64   `json:"vector_id"`
	SourcePath string  `json:"source_path"`
	Title      string  `json:"title"`
	PageStart  int     `json:"page_start"`
	PageEnd    int     `json:"page_end"`
	Text       string  `json:"text"`
}

type Citation struct {
	ChunkID    int64   `json:"chunk_id"`
	SourcePath string  `json:"source_path"`
	Title      string  `json:"title"`
	PageStart  int     `json:"page_start"`
	PageEnd    int     `json:"page_end"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// AnswerState is the terminal state of the confidence gate for one request.
type AnswerState string

const (
	StateNoContext     AnswerState = "no_context"
	StateLowConfidence AnswerState = "low_confidence"
	StateAnswered      AnswerState = "answered"
)

type PromptResponse struct {
	Query       string      `json:"-"`
	Answer      string      `json:"answer"`
	IDK         bool        `json:"idk"`
	TopScore    *float64    `json:"top_score"`
	Citations   []Citation  `json:"citations"`
	UsedContext bool        `json:"used_context"`
	State       AnswerState `json:"-"`
}

package models

import "time"

type SourceType string

const (
	SourceFiling SourceType = "filing"
	SourceNews   SourceType = "news"
	SourceUpload SourceType = "upload"
)

// Metadata carries the closed set of known optional fields shared by documents
// and chunks, plus an open extension map for anything source-specific.
type Metadata struct {
	Title       string            `json:"title,omitempty"`
	Ticker      string            `json:"ticker,omitempty"`
	FilingType  string            `json:"filing_type,omitempty"`
	Section     string            `json:"section,omitempty"`
	Page        int               `json:"page,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`
	PublishedAt time.Time         `json:"published_at,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Document is immutable once stored; re-ingesting the same source supersedes it
// under the same id rather than mutating it in place.
type Document struct {
	ID          string     `json:"id"`
	Ticker      string     `json:"ticker,omitempty"`
	SourceType  SourceType `json:"source_type"`
	FilingType  string     `json:"filing_type,omitempty"`
	Source      string     `json:"source"`
	PublishedAt time.Time  `json:"published_at"`
	RawText     string     `json:"raw_text"`
	Metadata    Metadata   `json:"metadata"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Chunk is the unit of embedding and retrieval. Offsets address the document's
// normalized text: [CharStart, CharEnd) spans are non-overlapping across a
// document and concatenate back to the source text; Text additionally carries
// the configured overlap prefix.
type Chunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	SequenceIndex int       `json:"sequence_index"`
	Text          string    `json:"text"`
	CharStart     int       `json:"char_start"`
	CharEnd       int       `json:"char_end"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
}

// RetrievalHit is ephemeral, produced per query and never persisted.
type RetrievalHit struct {
	ChunkID     string     `json:"chunk_id"`
	DocumentID  string     `json:"document_id"`
	Score       float32    `json:"score"`
	Text        string     `json:"text"`
	Ticker      string     `json:"ticker,omitempty"`
	SourceType  SourceType `json:"source_type,omitempty"`
	PublishedAt time.Time  `json:"published_at,omitempty"`
}

type AnswerStatus string

const (
	AnswerGrounded    AnswerStatus = "grounded"
	AnswerNoGrounding AnswerStatus = "no_grounding"
	AnswerDegraded    AnswerStatus = "degraded"
)

// Answer is the grounded result of a query. Citations reference chunk ids that
// were actually retrieved for the same query.
type Answer struct {
	Text       string       `json:"text"`
	Citations  []string     `json:"citations"`
	Confidence float64      `json:"confidence,omitempty"`
	Status     AnswerStatus `json:"status"`
}

type Entity struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SpanStart int    `json:"span_start"`
	SpanEnd   int    `json:"span_end"`
}

type MetricValue struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Period string  `json:"period,omitempty"`
}

// ExtractionResult is a derived artifact cached per (document/chunk id,
// extractor version). SentimentScore is always within [-1, 1].
type ExtractionResult struct {
	Entities       []Entity               `json:"entities"`
	Metrics        map[string]MetricValue `json:"metrics"`
	SentimentScore float64                `json:"sentiment_score"`
}

type ReportSection struct {
	Title  string `json:"title"`
	Answer Answer `json:"answer"`
}

type Report struct {
	ID          string          `json:"id"`
	Ticker      string          `json:"ticker"`
	Period      string          `json:"period,omitempty"`
	Sections    []ReportSection `json:"sections"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// IngestResult reports the outcome of a single document in a batch. Failures
// are contained per document; the batch always runs to completion.
type IngestResult struct {
	DocumentID string `json:"document_id,omitempty"`
	Source     string `json:"source"`
	Chunks     int    `json:"chunks"`
	Err        error  `json:"-"`
	ErrMessage string `json:"error,omitempty"`
}

package hotdb

import "time"

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
)

type Document struct {
	ID               string         `json:"id"`
	Filename         string         `json:"filename"`
	Size             int64          `json:"size"`
	UploadDate       time.Time      `json:"upload_date"`
	ProcessingStatus string         `json:"processing_status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastAccessed     time.Time      `json:"last_accessed"`
	AccessCount      int64          `json:"access_count"`
}

// SearchContent is the indexed body paired 1:1 with a Document.
type SearchContent struct {
	DocID    string         `json:"doc_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type StoredDocument struct {
	Document Document      `json:"document"`
	Content  SearchContent `json:"content"`
}

// Rank orders results with lower values more relevant, independent of
// how many results were requested.
type Result struct {
	Document Document `json:"document"`
	Rank     float64  `json:"rank"`
	Snippet  string   `json:"snippet,omitempty"`
}

const (
	SourceHot      = "hot"
	SourceFallback = "fallback"
)

type Response struct {
	Results   []Result `json:"results"`
	Query     string   `json:"query"`
	Total     uint64   `json:"total"`
	ElapsedMs int64    `json:"elapsed_ms"`
	Source    string   `json:"source"`
}

// Candidate is a read-only projection used to rank eviction order to
// the cold tier. It is never persisted.
type Candidate struct {
	Document     Document  `json:"document"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

type Stats struct {
	DocumentCount  uint64 `json:"document_count"`
	IndexedCount   uint64 `json:"indexed_count"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

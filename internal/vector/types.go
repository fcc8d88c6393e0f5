package vector

import (
	"time"
)

// Record is one stored text and its embedding
type Record struct {
	ID        int64     `db:"id" json:"id"`
	Text      string    `db:"text" json:"text"`
	TextHash  string    `db:"text_hash" json:"text_hash"`
	Model     string    `db:"model" json:"model"`
	Source    string    `db:"source" json:"source,omitempty"`
	Embedding []float32 `db:"-" json:"embedding"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Record     *Record `json:"record"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	Model         string  `json:"model,omitempty"`
	Source        string  `json:"source,omitempty"`
}

// Stats represents table statistics
type Stats struct {
	TotalRecords int64            `json:"total_records"`
	BySource     map[string]int64 `json:"by_source"`
	Dimension    int              `json:"dimension"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Failed     int64         `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Errors     []error       `json:"errors,omitempty"`
}

package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// DataRecord represents a single record from the input dataset
type DataRecord struct {
	Text   string `csv:"text" parquet:"text" json:"text"`
	Source string `csv:"source" parquet:"source" json:"source"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	Skipped         int64         `json:"skipped"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Duplicates      int64         `json:"duplicates"`
	Retries         int64         `json:"retries"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	CacheTime       time.Duration `json:"cache_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 256
	WorkerCount    int           `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`         // 3
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`         // 100ms
	MaxTextLength  int           `yaml:"max_text_length" mapstructure:"max_text_length"` // 10000
	DryRun         bool          `yaml:"dry_run" mapstructure:"dry_run"`
	CreateIndex    bool          `yaml:"create_index" mapstructure:"create_index"`
	UpdateCache    bool          `yaml:"update_cache" mapstructure:"update_cache"`
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	// Model is recorded with every stored embedding
	Model string `yaml:"model" mapstructure:"model"`
	// Source labels records that carry no source of their own
	Source string `yaml:"source" mapstructure:"source"`
	// Retryable reports whether a per-text failure may be retried; nil uses IsRetryable
	Retryable func(error) bool `yaml:"-" mapstructure:"-"`
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      256,
		WorkerCount:    4,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		MaxTextLength:  10000,
		ProgressReport: 1000,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsInvalid int64     `json:"records_invalid"`
	EmbeddingsGen  int64     `json:"embeddings_generated"`
	DatabaseWrites int64     `json:"database_writes"`
	CacheWrites    int64     `json:"cache_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL
	default:
		return FormatCSV
	}
}

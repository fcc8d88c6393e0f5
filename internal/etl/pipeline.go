// Package etl embeds whole datasets through the batching service and
// stores the vectors in pgvector.
package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
	"github.com/raaihank/batch-embedder/internal/vector"
)

// maxResultErrors bounds ProcessingResult.Errors
const maxResultErrors = 100

// Embedder embeds a group of texts; errs[i] is non-nil when texts[i] failed
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error)
}

// Sink persists embedded records
type Sink interface {
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
}

// Indexer is implemented by sinks that can build a similarity index
type Indexer interface {
	CreateIndex(ctx context.Context) error
}

// CacheWriter warms an embedding cache
type CacheWriter interface {
	SetBatch(ctx context.Context, texts []string, embeddings [][]float32) error
}

// Pipeline handles bulk embedding of datasets
type Pipeline struct {
	embedder Embedder
	sink     Sink
	cache    CacheWriter
	config   *Config
	logger   *zap.Logger

	mu     sync.RWMutex
	stats  *ProcessingStats
	result *ProcessingResult
}

// NewPipeline creates a new ETL pipeline. sink may be nil only in dry-run
// mode; cache may be nil.
func NewPipeline(embedder Embedder, sink Sink, cache CacheWriter, config *Config, logger *zap.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, errors.New("etl: embedder is required")
	}
	if sink == nil && !config.DryRun {
		return nil, errors.New("etl: a sink is required unless dry_run is set")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = DefaultConfig().ProgressReport
	}
	if config.Retryable == nil {
		config.Retryable = IsRetryable
	}

	return &Pipeline{
		embedder: embedder,
		sink:     sink,
		cache:    cache,
		config:   config,
		logger:   logger,
		stats:    &ProcessingStats{StartTime: time.Now()},
	}, nil
}

// ProcessFile processes a dataset file (CSV, Parquet, or JSONL)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	format := DetectFileFormat(filePath)
	source := p.config.Source
	if source == "" {
		source = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount),
		zap.Bool("dry_run", p.config.DryRun))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	var next func() (*DataRecord, error)
	switch format {
	case FormatCSV:
		next, err = csvRecords(file)
	case FormatParquet:
		next, err = parquetRecords(file)
	case FormatJSONL:
		next = jsonRecords(file)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	return p.run(ctx, next, source)
}

// ProcessReader processes a CSV or JSONL stream
func (p *Pipeline) ProcessReader(ctx context.Context, r io.Reader, format FileFormat, source string) (*ProcessingResult, error) {
	var next func() (*DataRecord, error)
	switch format {
	case FormatCSV:
		var err error
		if next, err = csvRecords(r); err != nil {
			return nil, err
		}
	case FormatJSONL:
		next = jsonRecords(r)
	default:
		return nil, fmt.Errorf("format %s needs a file, not a stream", format)
	}
	return p.run(ctx, next, source)
}

// csvRecords reads a CSV with a header containing a text column
func csvRecords(r io.Reader) (func() (*DataRecord, error), error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	textCol, sourceCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "text":
			textCol = i
		case "source":
			sourceCol = i
		}
	}
	if textCol < 0 {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}

	return func() (*DataRecord, error) {
		row, err := reader.Read()
		if err != nil {
			return nil, err
		}
		if textCol >= len(row) {
			return nil, fmt.Errorf("CSV row has %d fields, text is column %d", len(row), textCol+1)
		}
		record := &DataRecord{Text: row[textCol]}
		if sourceCol >= 0 && sourceCol < len(row) {
			record.Source = strings.TrimSpace(row[sourceCol])
		}
		return record, nil
	}, nil
}

// parquetRecords reads rows whose schema has a text column
func parquetRecords(file *os.File) (func() (*DataRecord, error), error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	// OpenFile validates the footer; NewReader panics on malformed input
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	if _, ok := pf.Schema().Lookup("text"); !ok {
		return nil, errors.New("parquet schema has no text column")
	}

	reader := parquet.NewReader(file)

	return func() (*DataRecord, error) {
		var record DataRecord
		if err := reader.Read(&record); err != nil {
			if errors.Is(err, io.EOF) {
				_ = reader.Close()
			}
			return nil, err
		}
		return &record, nil
	}, nil
}

// jsonRecords reads one JSON object per line
func jsonRecords(r io.Reader) func() (*DataRecord, error) {
	decoder := json.NewDecoder(r)
	return func() (*DataRecord, error) {
		var record DataRecord
		if err := decoder.Decode(&record); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// A syntax error leaves the decoder unusable
				return nil, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
			}
			return nil, err
		}
		return &record, nil
	}
}

// run reads batches on the calling goroutine and processes them on a worker pool
func (p *Pipeline) run(ctx context.Context, next func() (*DataRecord, error), source string) (*ProcessingResult, error) {
	start := time.Now()
	p.resetStats()

	batches := make(chan []*DataRecord, p.config.WorkerCount)
	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				p.processBatch(ctx, batch)
			}
		}()
	}

	readErr := p.readBatches(ctx, next, source, batches)
	close(batches)
	wg.Wait()

	p.mu.Lock()
	result := p.result
	result.Duration = time.Since(start)
	p.mu.Unlock()

	if readErr == nil && !p.config.DryRun && p.config.CreateIndex {
		if indexer, ok := p.sink.(Indexer); ok {
			if err := indexer.CreateIndex(ctx); err != nil {
				p.logger.Warn("Failed to create vector index", zap.Error(err))
			}
		}
	}

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, readErr
}

func (p *Pipeline) readBatches(ctx context.Context, next func() (*DataRecord, error), source string, out chan<- []*DataRecord) error {
	batch := make([]*DataRecord, 0, p.config.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = make([]*DataRecord, 0, p.config.BatchSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := next()
		if errors.Is(err, io.EOF) {
			return flush()
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				p.addError(err)
				_ = flush()
				return fmt.Errorf("failed to read dataset: %w", err)
			}
			p.logger.Warn("Failed to read record", zap.Error(err))
			p.countInvalid(err)
			continue
		}

		p.mu.Lock()
		p.stats.RecordsRead++
		p.result.TotalRecords++
		p.mu.Unlock()

		if err := p.validateRecord(record); err != nil {
			p.countInvalid(err)
			continue
		}
		if record.Source == "" {
			record.Source = source
		}

		batch = append(batch, record)
		if len(batch) >= p.config.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// processBatch embeds one batch, retrying transient per-text failures, then stores it
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord) {
	p.mu.Lock()
	p.stats.CurrentBatch++
	p.mu.Unlock()

	vectors := make([][]float32, len(batch))
	pending := make([]int, len(batch))
	for i := range batch {
		pending[i] = i
	}

	var lastErrs []error
	embeddingStart := time.Now()
attempts:
	for attempt := 0; len(pending) > 0; attempt++ {
		if attempt > 0 {
			p.mu.Lock()
			p.result.Retries += int64(len(pending))
			p.mu.Unlock()
			select {
			case <-time.After(p.config.RetryDelay):
			case <-ctx.Done():
				lastErrs = fill(len(pending), ctx.Err())
				break attempts
			}
		}

		texts := make([]string, len(pending))
		for j, idx := range pending {
			texts[j] = batch[idx].Text
		}
		got, errs := p.embedder.EmbedBatch(ctx, texts)

		var retry []int
		lastErrs = lastErrs[:0]
		for j, idx := range pending {
			if errs[j] == nil {
				vectors[idx] = got[j]
				continue
			}
			if attempt < p.config.MaxRetries && p.config.Retryable(errs[j]) {
				retry = append(retry, idx)
				lastErrs = append(lastErrs, errs[j])
				continue
			}
			p.recordFailure(errs[j])
		}
		pending = retry
	}
	for _, err := range lastErrs {
		p.recordFailure(err)
	}
	embeddingTime := time.Since(embeddingStart)

	records := make([]*vector.Record, 0, len(batch))
	texts := make([]string, 0, len(batch))
	embedded := make([][]float32, 0, len(batch))
	for i, record := range batch {
		if vectors[i] == nil {
			continue
		}
		records = append(records, &vector.Record{
			Text:      record.Text,
			TextHash:  vector.HashText(record.Text),
			Model:     p.config.Model,
			Source:    record.Source,
			Embedding: vectors[i],
		})
		texts = append(texts, record.Text)
		embedded = append(embedded, vectors[i])
	}

	p.mu.Lock()
	p.result.EmbeddingTime += embeddingTime
	p.stats.EmbeddingsGen += int64(len(records))
	p.mu.Unlock()

	if len(records) == 0 {
		return
	}

	if p.config.DryRun {
		p.mu.Lock()
		p.result.ProcessedOK += int64(len(records))
		p.mu.Unlock()
	} else {
		dbStart := time.Now()
		inserted, err := p.sink.BatchInsert(ctx, records)
		p.mu.Lock()
		p.result.DatabaseTime += time.Since(dbStart)
		if inserted != nil {
			p.result.ProcessedOK += inserted.Inserted + inserted.Duplicates
			p.result.Duplicates += inserted.Duplicates
			p.result.ProcessedFailed += inserted.Failed
			p.stats.DatabaseWrites += inserted.Inserted
		} else if err != nil {
			p.result.ProcessedFailed += int64(len(records))
		}
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("Database batch insert failed", zap.Error(err), zap.Int("records", len(records)))
			p.addError(err)
			return
		}
	}

	if p.config.UpdateCache && p.cache != nil {
		cacheStart := time.Now()
		if err := p.cache.SetBatch(ctx, texts, embedded); err != nil {
			p.logger.Warn("Failed to update cache", zap.Error(err))
		} else {
			p.mu.Lock()
			p.stats.CacheWrites += int64(len(texts))
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.result.CacheTime += time.Since(cacheStart)
		p.mu.Unlock()
	}

	p.reportProgress()
}

func fill(n int, err error) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	return errs
}

// IsRetryable reports whether an embedding failure is transient
func IsRetryable(err error) bool {
	return errors.Is(err, embeddings.ErrQueueFull) || errors.Is(err, embeddings.ErrTimeout)
}

// validateRecord validates a data record
func (p *Pipeline) validateRecord(record *DataRecord) error {
	if strings.TrimSpace(record.Text) == "" {
		return errors.New("empty text")
	}
	if p.config.MaxTextLength > 0 && len(record.Text) > p.config.MaxTextLength {
		return fmt.Errorf("text too long: %d bytes", len(record.Text))
	}
	return nil
}

func (p *Pipeline) countInvalid(err error) {
	p.logger.Debug("Skipping invalid record", zap.Error(err))
	p.mu.Lock()
	p.stats.RecordsInvalid++
	p.result.Skipped++
	p.mu.Unlock()
}

func (p *Pipeline) recordFailure(err error) {
	p.mu.Lock()
	p.result.ProcessedFailed++
	p.mu.Unlock()
	p.addError(err)
}

func (p *Pipeline) addError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.result.Errors) < maxResultErrors {
		p.result.Errors = append(p.result.Errors, err.Error())
	}
}

// reportProgress logs progress roughly every ProgressReport records
func (p *Pipeline) reportProgress() {
	p.mu.Lock()
	done := p.result.ProcessedOK + p.result.ProcessedFailed
	elapsed := time.Since(p.stats.StartTime)
	if elapsed > 0 {
		p.stats.ProcessingRate = float64(done) / elapsed.Seconds()
	}
	rate := p.stats.ProcessingRate
	report := done/int64(p.config.ProgressReport) != (done-int64(p.config.BatchSize))/int64(p.config.ProgressReport)
	p.mu.Unlock()

	if report {
		p.logger.Info("Processing progress",
			zap.Int64("records_done", done),
			zap.Float64("rate_per_sec", rate),
			zap.Duration("elapsed", elapsed))
	}
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{StartTime: time.Now()}
	p.result = &ProcessingResult{}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := *p.stats
	return &stats
}

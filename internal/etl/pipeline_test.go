package etl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
	"github.com/raaihank/batch-embedder/internal/tokenizer"
	"github.com/raaihank/batch-embedder/internal/vector"
)

type fakeEmbedder struct {
	mu        sync.Mutex
	fail      map[string]error
	busyCalls int
	calls     int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	for i, text := range texts {
		if f.busyCalls > 0 {
			errs[i] = embeddings.ErrQueueFull
			continue
		}
		if err := f.fail[text]; err != nil {
			errs[i] = err
			continue
		}
		vectors[i] = []float32{float32(len(text)), 1}
	}
	if f.busyCalls > 0 {
		f.busyCalls--
	}
	return vectors, errs
}

type memSink struct {
	mu      sync.Mutex
	records map[string]*vector.Record
	indexed bool
	err     error
}

func newMemSink() *memSink {
	return &memSink{records: make(map[string]*vector.Record)}
}

func (m *memSink) BatchInsert(_ context.Context, records []*vector.Record) (*vector.BatchInsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	result := &vector.BatchInsertResult{}
	for _, r := range records {
		if _, ok := m.records[r.TextHash]; ok {
			result.Duplicates++
			continue
		}
		m.records[r.TextHash] = r
		result.Inserted++
	}
	return result, nil
}

func (m *memSink) CreateIndex(context.Context) error {
	m.mu.Lock()
	m.indexed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) sources() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, r := range m.records {
		out[r.Source]++
	}
	return out
}

type memCache struct {
	mu    sync.Mutex
	texts []string
}

func (m *memCache) SetBatch(_ context.Context, texts []string, embeddings [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(texts) != len(embeddings) {
		return errors.New("length mismatch")
	}
	m.texts = append(m.texts, texts...)
	return nil
}

func newPipeline(t *testing.T, embedder Embedder, sink Sink, cache CacheWriter, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.WorkerCount = 3
	cfg.RetryDelay = time.Millisecond
	cfg.Model = "mock"
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewPipeline(embedder, sink, cache, cfg, zap.NewNop())
	require.NoError(t, err)
	return p
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProcessCSV(t *testing.T) {
	sink := newMemSink()
	cache := &memCache{}
	p := newPipeline(t, &fakeEmbedder{}, sink, cache, func(c *Config) { c.UpdateCache = true })

	path := writeFile(t, "docs.csv", "id,text,source\n1,hello world,faq\n2,\"quoted, text\",\n3,,faq\n4,hello world,faq\n5,last one,blog\n")
	result, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.TotalRecords)
	assert.Equal(t, int64(1), result.Skipped)
	assert.Equal(t, int64(4), result.ProcessedOK)
	assert.Equal(t, int64(0), result.ProcessedFailed)
	assert.Equal(t, int64(1), result.Duplicates)
	assert.Equal(t, map[string]int{"faq": 1, "docs": 1, "blog": 1}, sink.sources())
	assert.Len(t, cache.texts, 4)
}

func TestProcessCSVRequiresTextColumn(t *testing.T) {
	p := newPipeline(t, &fakeEmbedder{}, newMemSink(), nil, nil)
	_, err := p.ProcessReader(context.Background(), strings.NewReader("body,label\nx,1\n"), FormatCSV, "s")
	assert.ErrorContains(t, err, "no text column")
}

func TestProcessJSONL(t *testing.T) {
	sink := newMemSink()
	p := newPipeline(t, &fakeEmbedder{}, sink, nil, nil)

	input := `{"text":"first"}
{"text":"second","source":"web"}
{"text":"   "}
`
	result, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatJSONL, "stream")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalRecords)
	assert.Equal(t, int64(2), result.ProcessedOK)
	assert.Equal(t, int64(1), result.Skipped)
	assert.Equal(t, map[string]int{"stream": 1, "web": 1}, sink.sources())
}

func TestProcessJSONLStopsOnSyntaxError(t *testing.T) {
	sink := newMemSink()
	p := newPipeline(t, &fakeEmbedder{}, sink, nil, func(c *Config) { c.BatchSize = 10 })

	input := "{\"text\":\"ok\"}\n{not json\n{\"text\":\"never read\"}\n"
	result, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatJSONL, "s")
	require.Error(t, err)
	// Records read before the error are still stored
	assert.Equal(t, int64(1), result.ProcessedOK)
	assert.Len(t, result.Errors, 1)
}

func TestProcessParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewGenericWriter[DataRecord](f)
	_, err = w.Write([]DataRecord{
		{Text: "alpha", Source: "p"},
		{Text: "beta"},
		{Text: "gamma", Source: "p"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	sink := newMemSink()
	p := newPipeline(t, &fakeEmbedder{}, sink, nil, nil)
	result, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.ProcessedOK)
	assert.Equal(t, map[string]int{"p": 2, "rows": 1}, sink.sources())
}

func TestDryRunSkipsSink(t *testing.T) {
	p := newPipeline(t, &fakeEmbedder{}, nil, nil, func(c *Config) { c.DryRun = true })
	result, err := p.ProcessReader(context.Background(), strings.NewReader("text\na\nb\nc\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.ProcessedOK)
	assert.Equal(t, int64(3), p.GetStats().EmbeddingsGen)

	_, err = NewPipeline(&fakeEmbedder{}, nil, nil, DefaultConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestRetriesTransientFailures(t *testing.T) {
	embedder := &fakeEmbedder{busyCalls: 2}
	sink := newMemSink()
	p := newPipeline(t, embedder, sink, nil, func(c *Config) {
		c.BatchSize = 10
		c.WorkerCount = 1
	})

	result, err := p.ProcessReader(context.Background(), strings.NewReader("text\na\nb\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.ProcessedOK)
	assert.Equal(t, int64(4), result.Retries)
	assert.Equal(t, 3, embedder.calls)
}

func TestRetriesAreBounded(t *testing.T) {
	embedder := &fakeEmbedder{busyCalls: 100}
	p := newPipeline(t, embedder, newMemSink(), nil, func(c *Config) {
		c.BatchSize = 10
		c.WorkerCount = 1
		c.MaxRetries = 2
	})

	result, err := p.ProcessReader(context.Background(), strings.NewReader("text\na\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.ProcessedFailed)
	assert.Equal(t, 3, embedder.calls)
}

func TestPermanentFailuresAreCounted(t *testing.T) {
	embedder := &fakeEmbedder{fail: map[string]error{"bad": embeddings.ErrPoolingFailed}}
	sink := newMemSink()
	p := newPipeline(t, embedder, sink, nil, nil)

	result, err := p.ProcessReader(context.Background(), strings.NewReader("text\ngood\nbad\nfine\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.ProcessedOK)
	assert.Equal(t, int64(1), result.ProcessedFailed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "pooling failed")
}

func TestSinkFailure(t *testing.T) {
	sink := newMemSink()
	sink.err = errors.New("connection refused")
	p := newPipeline(t, &fakeEmbedder{}, sink, nil, nil)

	result, err := p.ProcessReader(context.Background(), strings.NewReader("text\na\nb\nc\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.ProcessedFailed)
	assert.Zero(t, result.ProcessedOK)
}

func TestCreateIndexAfterRun(t *testing.T) {
	sink := newMemSink()
	p := newPipeline(t, &fakeEmbedder{}, sink, nil, func(c *Config) { c.CreateIndex = true })
	_, err := p.ProcessReader(context.Background(), strings.NewReader("text\na\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.True(t, sink.indexed)
}

func TestDetectFileFormat(t *testing.T) {
	assert.Equal(t, FormatCSV, DetectFileFormat("a.csv"))
	assert.Equal(t, FormatParquet, DetectFileFormat("a.PARQUET"))
	assert.Equal(t, FormatJSONL, DetectFileFormat("a.jsonl"))
	assert.Equal(t, FormatJSONL, DetectFileFormat("a.ndjson"))
	assert.Equal(t, FormatCSV, DetectFileFormat("data"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(embeddings.ErrQueueFull))
	assert.True(t, IsRetryable(embeddings.ErrTimeout))
	assert.False(t, IsRetryable(embeddings.ErrQueueClosed))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestPipelineWithBatchingService(t *testing.T) {
	vocab := map[string]int64{"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "hello": 4, "world": 5}
	tok, err := tokenizer.New(vocab, tokenizer.Config{MaxLength: 8, LowerCase: true})
	require.NoError(t, err)

	d, err := embeddings.NewDispatcher(embeddings.DispatcherConfig{
		MaxBatchSize: 4,
		MaxWait:      2 * time.Millisecond,
		QueueSize:    64,
	}, tok, embeddings.NewModelHandle(embeddings.NewMockBackend(8)), embeddings.NopObserver{})
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	service := embeddings.NewService(d, nil, embeddings.ServiceConfig{RequestTimeout: 5 * time.Second}, zap.NewNop())

	sink := newMemSink()
	p := newPipeline(t, service, sink, nil, func(c *Config) { c.BatchSize = 3 })
	result, err := p.ProcessReader(context.Background(),
		strings.NewReader("text\nhello\nworld\nhello world\nworld hello\nunknown words\n"), FormatCSV, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.ProcessedOK)

	for _, r := range sink.records {
		assert.Len(t, r.Embedding, 8)
		assert.Equal(t, "mock", r.Model)
	}
	assert.Greater(t, d.Stats().Batches, int64(0))
}

package embeddings

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Cache stores embeddings by text. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, text string) ([]float32, bool, error)
	Set(ctx context.Context, text string, embedding []float32) error
}

// ServiceConfig contains facade settings
type ServiceConfig struct {
	// RequestTimeout bounds how long Embed waits for a result. Zero means
	// only the caller's context applies.
	RequestTimeout time.Duration
	// CacheTimeout bounds each cache round trip.
	CacheTimeout time.Duration
}

// Service submits texts to the dispatcher and awaits their results.
// It is what transports call.
type Service struct {
	dispatcher *Dispatcher
	cache      Cache
	config     ServiceConfig
	logger     *zap.Logger

	requests  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cacheHits atomic.Int64
}

// NewService creates a facade over dispatcher. cache may be nil.
func NewService(dispatcher *Dispatcher, cache Cache, config ServiceConfig, logger *zap.Logger) *Service {
	if config.CacheTimeout <= 0 {
		config.CacheTimeout = 500 * time.Millisecond
	}
	return &Service{
		dispatcher: dispatcher,
		cache:      cache,
		config:     config,
		logger:     logger,
	}
}

// Embed returns the embedding for text
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	s.requests.Add(1)

	if strings.TrimSpace(text) == "" {
		s.failed.Add(1)
		return nil, wrapErrorf(ErrInvalidInput, "text is empty")
	}

	if cached, ok := s.lookup(ctx, text); ok {
		s.succeeded.Add(1)
		return cached, nil
	}

	job := NewJob(text)
	if err := s.dispatcher.Submit(job); err != nil {
		s.failed.Add(1)
		return nil, err
	}

	embedding, err := s.await(ctx, job)
	if err != nil {
		s.failed.Add(1)
		return nil, err
	}

	s.succeeded.Add(1)
	s.store(ctx, text, embedding)
	return embedding, nil
}

// EmbedBatch submits every text before waiting on any, so the dispatcher
// can group them. errs[i] is non-nil when texts[i] failed.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) (vectors [][]float32, errs []error) {
	vectors = make([][]float32, len(texts))
	errs = make([]error, len(texts))
	jobs := make([]*Job, len(texts))

	for i, text := range texts {
		s.requests.Add(1)
		if strings.TrimSpace(text) == "" {
			errs[i] = wrapErrorf(ErrInvalidInput, "text %d is empty", i)
			continue
		}
		if cached, ok := s.lookup(ctx, text); ok {
			vectors[i] = cached
			continue
		}
		job := NewJob(text)
		if err := s.dispatcher.Submit(job); err != nil {
			errs[i] = err
			continue
		}
		jobs[i] = job
	}

	for i, job := range jobs {
		if job == nil {
			continue
		}
		vectors[i], errs[i] = s.await(ctx, job)
		if errs[i] == nil {
			s.store(ctx, texts[i], vectors[i])
		}
	}

	for _, err := range errs {
		if err != nil {
			s.failed.Add(1)
		} else {
			s.succeeded.Add(1)
		}
	}

	return vectors, errs
}

func (s *Service) await(ctx context.Context, job *Job) ([]float32, error) {
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	result, err := job.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, wrapError(ErrTimeout, err)
		}
		return nil, err
	}
	if result.Err != nil {
		return nil, result.Err
	}
	if !result.OK() {
		return nil, wrapErrorf(ErrExecutionFailed, "empty embedding")
	}
	return result.Embedding, nil
}

func (s *Service) lookup(ctx context.Context, text string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
	defer cancel()

	embedding, ok, err := s.cache.Get(ctx, text)
	if err != nil {
		s.logger.Debug("Cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !ok || len(embedding) != s.dispatcher.HiddenSize() {
		return nil, false
	}

	s.cacheHits.Add(1)
	return embedding, true
}

func (s *Service) store(ctx context.Context, text string, embedding []float32) {
	if s.cache == nil {
		return
	}

	// Cache writes outlive the caller's context
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CacheTimeout)
	defer cancel()

	if err := s.cache.Set(ctx, text, embedding); err != nil {
		s.logger.Debug("Cache store failed", zap.Error(err))
	}
}

// HiddenSize returns the dimensionality of every successful embedding
func (s *Service) HiddenSize() int {
	return s.dispatcher.HiddenSize()
}

// Stats returns facade and dispatcher counters
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Requests:   s.requests.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		CacheHits:  s.cacheHits.Load(),
		HiddenSize: s.dispatcher.HiddenSize(),
		Dispatcher: s.dispatcher.Stats(),
	}
}

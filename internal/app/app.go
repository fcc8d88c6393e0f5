// Package app assembles the embedding runtime shared by the server and
// bulk commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/cache"
	"github.com/raaihank/batch-embedder/internal/config"
	"github.com/raaihank/batch-embedder/internal/embeddings"
	"github.com/raaihank/batch-embedder/internal/logger"
	"github.com/raaihank/batch-embedder/internal/metrics"
	"github.com/raaihank/batch-embedder/internal/tokenizer"
)

// Runtime owns the model, dispatcher, cache and service for one process
type Runtime struct {
	Service    *embeddings.Service
	Dispatcher *embeddings.Dispatcher
	Model      *embeddings.ModelHandle
	// Cache is nil when caching is disabled
	Cache *cache.EmbeddingCache

	logger *zap.Logger
}

// Build loads the tokenizer and model and starts the dispatcher. collector may be nil.
func Build(cfg *config.Config, log *logger.Logger, collector *metrics.Collector) (*Runtime, error) {
	l := log.WithComponent("runtime").Logger

	tok, err := tokenizer.Load(cfg.Model.TokenizerPath, tokenizer.Config{
		MaxLength: cfg.Model.MaxLength,
		LowerCase: cfg.Model.LowerCase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	l.Info("Tokenizer loaded",
		zap.String("path", cfg.Model.TokenizerPath),
		zap.Int("vocab_size", tok.VocabSize()),
		zap.Int("max_length", tok.MaxLength()))

	backend, err := embeddings.NewFactory(l).CreateBackend(embeddings.BackendConfig{
		Type:           embeddings.BackendType(cfg.Model.Backend),
		ModelPath:      cfg.Model.ModelPath,
		OutputName:     cfg.Model.OutputName,
		HiddenSize:     cfg.Model.HiddenSize,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model backend: %w", err)
	}
	model := embeddings.NewModelHandle(backend)

	var observer embeddings.Observer = embeddings.NewLogObserver(log.WithComponent("dispatcher").Logger)
	if collector != nil {
		observer = embeddings.MultiObserver{observer, collector}
	}

	dispatcher, err := embeddings.NewDispatcher(embeddings.DispatcherConfig{
		MaxBatchSize:     cfg.Batching.MaxBatchSize,
		MaxWait:          cfg.Batching.MaxWait(),
		QueueSize:        cfg.Batching.QueueSize,
		AddSpecialTokens: true,
	}, tok, model, observer)
	if err != nil {
		_ = model.Close()
		return nil, err
	}

	rt := &Runtime{Dispatcher: dispatcher, Model: model, logger: l}

	var svcCache embeddings.Cache
	if cfg.Cache.Enabled {
		c, err := cache.NewEmbeddingCache(cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			PoolSize:   cfg.Cache.PoolSize,
			DefaultTTL: cfg.Cache.TTL,
			KeyPrefix:  cfg.Cache.Prefix,
			Model:      cfg.Model.Name,
		}, l)
		if err != nil {
			// The service runs uncached rather than refusing to start
			l.Warn("Embedding cache unavailable", zap.Error(err))
		} else {
			rt.Cache = c
			svcCache = c
			if collector != nil {
				svcCache = metrics.InstrumentCache(c, collector)
			}
		}
	}

	rt.Service = embeddings.NewService(dispatcher, svcCache, embeddings.ServiceConfig{
		RequestTimeout: cfg.Batching.RequestTimeout,
	}, l)

	dispatcher.Start()
	l.Info("Dispatcher started",
		zap.String("backend", model.Name()),
		zap.Int("hidden_size", model.HiddenSize()),
		zap.Int("max_batch_size", cfg.Batching.MaxBatchSize),
		zap.Int("max_wait_ms", cfg.Batching.MaxWaitMs),
		zap.Bool("cache", rt.Cache != nil))

	return rt, nil
}

// Close drains queued jobs, then releases the model and cache
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := r.Dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if err := r.Model.Close(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if r.Cache != nil {
		if err := r.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	r.logger.Info("Runtime closed", zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raaihank/batch-embedder/internal/app"
	"github.com/raaihank/batch-embedder/internal/cache"
	"github.com/raaihank/batch-embedder/internal/config"
	"github.com/raaihank/batch-embedder/internal/etl"
	"github.com/raaihank/batch-embedder/internal/logger"
	"github.com/raaihank/batch-embedder/internal/rpc"
	"github.com/raaihank/batch-embedder/internal/vector"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, Parquet, or JSONL)")
		source     = flag.String("source", "", "Source label for records without one (default: file name)")
		batchSize  = flag.Int("batch-size", 256, "Records per embedding batch")
		workers    = flag.Int("workers", 4, "Number of worker goroutines")
		remote     = flag.String("remote", "", "Embed through a running server's gRPC address instead of loading the model")
		skipCache  = flag.Bool("skip-cache", false, "Skip warming the Redis cache")
		skipIndex  = flag.Bool("skip-index", false, "Skip creating the vector index")
		dryRun     = flag.Bool("dry-run", false, "Embed but don't write to the database")
		clearCache = flag.Bool("clear-cache", false, "Delete cached embeddings and exit")
		showStats  = flag.Bool("stats", false, "Show database statistics and exit")
		search     = flag.String("search", "", "Print the stored texts most similar to this text and exit")
		limit      = flag.Int("limit", 5, "Number of results for -search")
	)
	flag.Parse()

	if *inputFile == "" && !*clearCache && !*showStats && *search == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input dataset.csv --batch-size 128\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input dataset.parquet --remote localhost:50051\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --search \"reset my password\"\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting batch-embedder ETL",
		zap.String("config", *configPath),
		zap.String("remote", *remote))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling operations...")
		cancel()
	}()

	needEmbedder := *inputFile != "" || *search != ""
	needStore := !*clearCache && !(*inputFile != "" && *dryRun)

	services, err := initializeServices(cfg, log, *remote, needEmbedder, needStore)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.cleanup()

	switch {
	case *clearCache:
		err = clearEmbeddingCache(ctx, services, log)
	case *showStats:
		err = showDatabaseStats(ctx, services)
	case *search != "":
		err = searchSimilar(ctx, services, *search, *limit)
	default:
		etlConfig := etl.DefaultConfig()
		etlConfig.BatchSize = *batchSize
		etlConfig.WorkerCount = *workers
		etlConfig.DryRun = *dryRun
		etlConfig.CreateIndex = !*skipIndex
		etlConfig.UpdateCache = !*skipCache
		etlConfig.Model = cfg.Model.Name
		etlConfig.Source = *source
		if services.remote != nil {
			etlConfig.Retryable = remoteRetryable
		}
		err = processDataset(ctx, services, etlConfig, *inputFile, log)
	}
	if err != nil {
		log.Fatal("ETL failed", zap.Error(err))
	}

	log.Info("ETL completed successfully")
}

// services holds all initialized services
type services struct {
	runtime  *app.Runtime
	remote   *rpc.Client
	embedder etl.Embedder
	store    *vector.Store
	cache    *cache.EmbeddingCache
	log      *logger.Logger
}

func (s *services) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.runtime != nil {
		if err := s.runtime.Close(ctx); err != nil {
			s.log.Warn("Failed to close runtime", zap.Error(err))
		}
	}
	if s.remote != nil {
		_ = s.remote.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// initializeServices initializes the embedder, the vector store and the cache
func initializeServices(cfg *config.Config, log *logger.Logger, remote string, needEmbedder, needStore bool) (*services, error) {
	s := &services{log: log}

	if needStore {
		log.Info("Initializing vector store...")
		store, err := vector.NewStore(&vector.Config{
			DatabaseURL:     cfg.Database.URL,
			Table:           cfg.Database.Table,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		s.store = store
	}

	if needEmbedder {
		if remote != "" {
			log.Info("Connecting to remote embedder", zap.String("addr", remote))
			client, err := rpc.Dial(remote)
			if err != nil {
				s.cleanup()
				return nil, err
			}
			s.remote = client
			s.embedder = &remoteEmbedder{client: client, concurrency: cfg.Batching.MaxBatchSize}
		} else {
			log.Info("Loading embedding model...")
			// Cache warming goes through the pipeline, not the service
			cacheEnabled := cfg.Cache.Enabled
			cfg.Cache.Enabled = false
			rt, err := app.Build(cfg, log, nil)
			cfg.Cache.Enabled = cacheEnabled
			if err != nil {
				s.cleanup()
				return nil, fmt.Errorf("failed to initialize embedding runtime: %w", err)
			}
			s.runtime = rt
			s.embedder = rt.Service
		}
	}

	if cfg.Cache.Enabled {
		c, err := cache.NewEmbeddingCache(cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			PoolSize:   cfg.Cache.PoolSize,
			DefaultTTL: cfg.Cache.TTL,
			KeyPrefix:  cfg.Cache.Prefix,
			Model:      cfg.Model.Name,
		}, log.Logger)
		if err != nil {
			log.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			s.cache = c
		}
	}

	return s, nil
}

// processDataset processes the input dataset file
func processDataset(ctx context.Context, services *services, etlConfig *etl.Config, inputFile string, log *logger.Logger) error {
	if _, err := os.Stat(inputFile); os.IsNotExist(err) {
		return fmt.Errorf("input file does not exist: %s", inputFile)
	}

	var sink etl.Sink
	if services.store != nil {
		dim, err := embeddingDimension(ctx, services)
		if err != nil {
			return err
		}
		if err := services.store.Migrate(ctx, dim); err != nil {
			return err
		}
		sink = services.store
	}

	var cacheWriter etl.CacheWriter
	if services.cache != nil {
		cacheWriter = services.cache
	}

	pipeline, err := etl.NewPipeline(services.embedder, sink, cacheWriter, etlConfig, log.Logger)
	if err != nil {
		return err
	}

	result, err := pipeline.ProcessFile(ctx, inputFile)
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}

	rate := 0.0
	if result.Duration > 0 {
		rate = float64(result.ProcessedOK) / result.Duration.Seconds()
	}
	log.Info("Dataset processing completed",
		zap.String("file", inputFile),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("duplicates", result.Duplicates),
		zap.Int64("retries", result.Retries),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Duration("cache_time", result.CacheTime),
		zap.Float64("records_per_second", rate))

	if len(result.Errors) > 0 {
		log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
	return nil
}

// embeddingDimension asks the embedder for one vector to size the table
func embeddingDimension(ctx context.Context, services *services) (int, error) {
	if services.runtime != nil {
		return services.runtime.Service.HiddenSize(), nil
	}
	vectors, errs := services.embedder.EmbedBatch(ctx, []string{"dimension probe"})
	if errs[0] != nil {
		return 0, fmt.Errorf("failed to probe embedding dimension: %w", errs[0])
	}
	return len(vectors[0]), nil
}

// showDatabaseStats displays current database and cache statistics
func showDatabaseStats(ctx context.Context, services *services) error {
	stats, err := services.store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get database stats: %w", err)
	}

	fmt.Printf("\n=== Embedding Store Statistics ===\n")
	fmt.Printf("Total Records:      %d\n", stats.TotalRecords)
	fmt.Printf("Dimension:          %d\n", stats.Dimension)
	for src, count := range stats.BySource {
		fmt.Printf("  %-18s%d\n", src+":", count)
	}

	if services.cache != nil {
		cacheStats, err := services.cache.GetStats(ctx)
		if err == nil {
			fmt.Printf("\n=== Cache Statistics ===\n")
			fmt.Printf("Total Keys:         %d\n", cacheStats.TotalKeys)
			fmt.Printf("Memory Usage:       %.2f MB\n", float64(cacheStats.MemoryUsage)/1024/1024)
		}
	}
	return nil
}

// searchSimilar embeds text and prints its nearest stored neighbours
func searchSimilar(ctx context.Context, services *services, text string, limit int) error {
	vectors, errs := services.embedder.EmbedBatch(ctx, []string{text})
	if errs[0] != nil {
		return fmt.Errorf("failed to embed query: %w", errs[0])
	}

	results, err := services.store.FindSimilar(ctx, vectors[0], &vector.SearchOptions{Limit: limit})
	if err != nil {
		return err
	}

	fmt.Printf("\n=== %d similar texts ===\n", len(results))
	for _, r := range results {
		fmt.Printf("%.4f  [%s] %s\n", r.Similarity, r.Record.Source, r.Record.Text)
	}
	return nil
}

// clearEmbeddingCache removes every cached embedding under the configured prefix
func clearEmbeddingCache(ctx context.Context, services *services, log *logger.Logger) error {
	if services.cache == nil {
		return errors.New("embedding cache is not enabled or unreachable")
	}
	removed, err := services.cache.Clear(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	log.Info("Cache cleared", zap.Int("keys_removed", removed))
	return nil
}

// remoteEmbedder embeds through a running server, keeping enough calls in
// flight for the server to form full batches
type remoteEmbedder struct {
	client      *rpc.Client
	concurrency int
}

func (r *remoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, []error) {
	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	limit := max(r.concurrency, 1)
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, text := range texts {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, text string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			vectors[i], errs[i] = r.client.GetEmbedding(ctx, text)
		}(i, text)
	}
	wg.Wait()
	return vectors, errs
}

// remoteRetryable treats an overloaded or restarting server as transient
func remoteRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return etl.IsRetryable(err)
}

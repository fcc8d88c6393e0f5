// Package metrics exposes dispatcher and transport activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
)

const (
	MetricsNamespace        = "embedder"
	MetricsSubsystemSystem  = "system"
	MetricsSubsystemBatch   = "batch"
	MetricsSubsystemHTTP    = "http"
	MetricsSubsystemGRPC    = "grpc"
	MetricsSubsystemCache   = "cache"
	MetricsVersionLabel     = "version"
	MetricsModelLabel       = "model"
	MetricsSubsystemStreams = "websocket"
)

// InstanceInfo labels the process-wide info gauge
type InstanceInfo struct {
	Version string
	Model   string
}

// Collector records batching and transport metrics. It implements
// embeddings.Observer so it can be handed straight to the dispatcher.
type Collector struct {
	registry *prometheus.Registry

	startTime prometheus.Gauge
	info      prometheus.Gauge

	batchSize     prometheus.Histogram
	batchWait     prometheus.Histogram
	batchDuration prometheus.Histogram
	phaseDuration *prometheus.HistogramVec
	jobsTotal     *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec
	grpcDuration *prometheus.HistogramVec
	cacheTotal   *prometheus.CounterVec
	streams      prometheus.Gauge
}

var _ embeddings.Observer = (*Collector)(nil)

// NewCollector creates a collector with its own registry
func NewCollector(info InstanceInfo) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: MetricsNamespace}))
	c.registry.MustRegister(collectors.NewGoCollector())

	c.startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSystem,
		Name:      "start_timestamp_seconds",
		Help:      "The time the server started.",
	})
	c.startTime.SetToCurrentTime()
	c.registry.MustRegister(c.startTime)

	c.info = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSystem,
		Name:      "info",
		Help:      "The server version and loaded model.",
		ConstLabels: map[string]string{
			MetricsVersionLabel: info.Version,
			MetricsModelLabel:   info.Model,
		},
	})
	c.info.Set(1)
	c.registry.MustRegister(c.info)

	c.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "size",
		Help:      "Number of jobs per executed batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
	})
	c.registry.MustRegister(c.batchSize)

	c.batchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "formation_seconds",
		Help:      "Time spent collecting jobs after the first one arrived.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	c.registry.MustRegister(c.batchWait)

	c.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "execution_seconds",
		Help:      "Time to tokenize, run, pool and deliver one batch.",
		Buckets:   prometheus.DefBuckets,
	})
	c.registry.MustRegister(c.batchDuration)

	c.phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "phase_seconds",
		Help:      "Time spent in each batch execution phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})
	c.registry.MustRegister(c.phaseDuration)

	c.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "jobs_total",
		Help:      "Jobs executed, by outcome.",
	}, []string{"outcome"})
	c.registry.MustRegister(c.jobsTotal)

	c.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemBatch,
		Name:      "rejected_total",
		Help:      "Submissions rejected by the dispatcher, by reason.",
	}, []string{"reason"})
	c.registry.MustRegister(c.rejectedTotal)

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemHTTP,
		Name:      "request_duration_seconds",
		Help:      "Time to serve HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method", "status_code"})
	c.registry.MustRegister(c.httpDuration)

	c.grpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemGRPC,
		Name:      "request_duration_seconds",
		Help:      "Time to serve gRPC calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "code"})
	c.registry.MustRegister(c.grpcDuration)

	c.cacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemCache,
		Name:      "lookups_total",
		Help:      "Embedding cache lookups, by result.",
	}, []string{"result"})
	c.registry.MustRegister(c.cacheTotal)

	c.streams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemStreams,
		Name:      "connections",
		Help:      "Open streaming connections.",
	})
	c.registry.MustRegister(c.streams)

	return c
}

// GetRegistry returns the underlying registry
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) BatchFormed(size int, waited time.Duration) {
	c.batchSize.Observe(float64(size))
	c.batchWait.Observe(waited.Seconds())
}

func (c *Collector) PhaseCompleted(phase embeddings.Phase, _ int, elapsed time.Duration) {
	c.phaseDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

func (c *Collector) BatchCompleted(size, failed int, elapsed time.Duration, err error) {
	c.batchDuration.Observe(elapsed.Seconds())
	if err != nil {
		c.jobsTotal.WithLabelValues(errorLabel(err)).Add(float64(size))
		return
	}
	c.jobsTotal.WithLabelValues("success").Add(float64(size - failed))
	if failed > 0 {
		c.jobsTotal.WithLabelValues(embeddings.ErrPoolingFailed.Type).Add(float64(failed))
	}
}

func (c *Collector) JobRejected(reason error) {
	c.rejectedTotal.WithLabelValues(errorLabel(reason)).Inc()
}

// ObserveHTTPRequest records one served HTTP request
func (c *Collector) ObserveHTTPRequest(handler, method, statusCode string, elapsed time.Duration) {
	c.httpDuration.With(prometheus.Labels{"handler": handler, "method": method, "status_code": statusCode}).Observe(elapsed.Seconds())
}

// ObserveGRPCCall records one served gRPC call
func (c *Collector) ObserveGRPCCall(method, code string, elapsed time.Duration) {
	c.grpcDuration.WithLabelValues(method, code).Observe(elapsed.Seconds())
}

// ObserveCacheLookup records a cache hit or miss
func (c *Collector) ObserveCacheLookup(hit bool) {
	if hit {
		c.cacheTotal.WithLabelValues("hit").Inc()
		return
	}
	c.cacheTotal.WithLabelValues("miss").Inc()
}

// StreamOpened and StreamClosed track open websocket connections
func (c *Collector) StreamOpened() { c.streams.Inc() }

func (c *Collector) StreamClosed() { c.streams.Dec() }

func errorLabel(err error) string {
	var embErr *embeddings.EmbeddingError
	if errors.As(err, &embErr) {
		return embErr.Type
	}
	return "unknown"
}

type errorLogger struct {
	logger *zap.Logger
}

func (l errorLogger) Println(v ...interface{}) {
	l.logger.Warn("Metrics handler error", zap.Any("details", v))
}

// NewHandler creates an HTTP handler exposing the collector's registry
func NewHandler(c *Collector, logger *zap.Logger) http.Handler {
	return promhttp.HandlerFor(c.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: errorLogger{logger: logger},
	})
}

type instrumentedCache struct {
	embeddings.Cache
	collector *Collector
}

// InstrumentCache counts hits and misses of cache lookups
func InstrumentCache(cache embeddings.Cache, c *Collector) embeddings.Cache {
	return &instrumentedCache{Cache: cache, collector: c}
}

func (i *instrumentedCache) Get(ctx context.Context, text string) ([]float32, bool, error) {
	embedding, ok, err := i.Cache.Get(ctx, text)
	if err == nil {
		i.collector.ObserveCacheLookup(ok)
	}
	return embedding, ok, err
}

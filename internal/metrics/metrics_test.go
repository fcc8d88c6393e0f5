package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
)

func TestCollectorRecordsBatchOutcomes(t *testing.T) {
	c := NewCollector(InstanceInfo{Version: "test", Model: "mock"})

	c.BatchFormed(3, 2*time.Millisecond)
	c.PhaseCompleted(embeddings.PhaseExecute, 3, 5*time.Millisecond)
	c.BatchCompleted(3, 1, 10*time.Millisecond, nil)
	c.BatchCompleted(2, 2, time.Millisecond, embeddings.ErrExecutionFailed)
	c.JobRejected(embeddings.ErrQueueFull)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("pooling_failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsTotal.WithLabelValues("execution_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejectedTotal.WithLabelValues("queue_full")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.phaseDuration))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector(InstanceInfo{Version: "test", Model: "mock"})
	c.ObserveHTTPRequest("embed", http.MethodPost, "200", time.Millisecond)
	c.StreamOpened()

	rec := httptest.NewRecorder()
	NewHandler(c, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "embedder_http_request_duration_seconds")
	assert.Contains(t, body, `embedder_system_info{model="mock",version="test"} 1`)
	assert.Contains(t, body, "embedder_websocket_connections 1")
}

type staticCache map[string][]float32

func (s staticCache) Get(_ context.Context, text string) ([]float32, bool, error) {
	v, ok := s[text]
	return v, ok, nil
}

func (s staticCache) Set(_ context.Context, text string, v []float32) error {
	s[text] = v
	return nil
}

func TestInstrumentCache(t *testing.T) {
	c := NewCollector(InstanceInfo{})
	cache := InstrumentCache(staticCache{"a": {1}}, c)

	_, ok, err := cache.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, _ = cache.Get(context.Background(), "b")
	assert.False(t, ok)
	require.NoError(t, cache.Set(context.Background(), "b", []float32{2}))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheTotal.WithLabelValues("miss")))
}

package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/config"
	"github.com/raaihank/batch-embedder/internal/metrics"
	stream "github.com/raaihank/batch-embedder/internal/websocket"
)

func TestStreamMountedBehindMiddleware(t *testing.T) {
	svc := &fakeEmbedder{embedding: []float32{0.25, 0.75}}
	collector := metrics.NewCollector(metrics.InstanceInfo{Version: "test", Model: "mock"})
	hub := stream.NewHub(stream.HubConfig{}, svc, collector, zap.NewNop())
	go hub.Run()
	t.Cleanup(hub.Stop)

	s := newTestServer(t, svc, func(c *config.Config) {
		c.Server.RateLimit.Enabled = true
	}, Options{Metrics: collector, Stream: hub})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/embed/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(stream.Request{ID: "q1", Text: "hello"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var resp stream.Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "q1", resp.ID)
	assert.Equal(t, []float32{0.25, 0.75}, resp.Embedding)
}

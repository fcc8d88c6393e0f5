package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
)

type echoEmbedder struct {
	delay time.Duration
	calls atomic.Int64
}

func (e *echoEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if text == "" {
		return nil, embeddings.ErrInvalidInput
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []float32{float32(len(text)), 1}, nil
}

type countingObserver struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (c *countingObserver) StreamOpened() {
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
}

func (c *countingObserver) StreamClosed() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *countingObserver) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}

func newTestHub(t *testing.T, cfg HubConfig, embedder Embedder, observer ConnectionObserver) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg, embedder, observer, zap.NewNop())
	go hub.Run()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestStreamEmbedsEachRequest(t *testing.T) {
	_, srv := newTestHub(t, HubConfig{}, &echoEmbedder{}, nil)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Request{ID: "a", Text: "hello"}))
	require.NoError(t, conn.WriteJSON(Request{ID: "b", Text: "hi"}))

	got := map[string][]float32{}
	for i := 0; i < 2; i++ {
		resp := readResponse(t, conn)
		assert.Empty(t, resp.Error)
		got[resp.ID] = resp.Embedding
	}
	assert.Equal(t, []float32{5, 1}, got["a"])
	assert.Equal(t, []float32{2, 1}, got["b"])
}

func TestStreamRequestsRunConcurrently(t *testing.T) {
	embedder := &echoEmbedder{delay: 200 * time.Millisecond}
	_, srv := newTestHub(t, HubConfig{}, embedder, nil)
	conn := dial(t, srv)

	start := time.Now()
	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, conn.WriteJSON(Request{ID: id, Text: "text"}))
	}
	for i := 0; i < 4; i++ {
		resp := readResponse(t, conn)
		assert.Len(t, resp.Embedding, 2)
	}
	assert.Less(t, time.Since(start), 700*time.Millisecond)
}

func TestStreamReportsErrors(t *testing.T) {
	_, srv := newTestHub(t, HubConfig{}, &echoEmbedder{}, nil)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Request{ID: "empty", Text: ""}))
	resp := readResponse(t, conn)
	assert.Equal(t, "empty", resp.ID)
	assert.Equal(t, "invalid_input", resp.Type)
	assert.NotEmpty(t, resp.Error)
	assert.Nil(t, resp.Embedding)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp = readResponse(t, conn)
	assert.Equal(t, "invalid_request", resp.Type)

	// The connection survives malformed input
	require.NoError(t, conn.WriteJSON(Request{ID: "ok", Text: "abc"}))
	resp = readResponse(t, conn)
	assert.Equal(t, "ok", resp.ID)
	assert.Equal(t, []float32{3, 1}, resp.Embedding)
}

func TestStreamConnectionLifecycle(t *testing.T) {
	observer := &countingObserver{}
	hub, srv := newTestHub(t, HubConfig{}, &echoEmbedder{}, observer)

	conn := dial(t, srv)
	assert.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)

	opened, closed := observer.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	assert.Equal(t, int64(1), hub.GetStats().TotalConnections)
}

func TestStreamDisconnectAbandonsInFlight(t *testing.T) {
	embedder := &echoEmbedder{delay: 5 * time.Second}
	hub, srv := newTestHub(t, HubConfig{}, embedder, nil)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Request{ID: "slow", Text: "slow"}))
	assert.Eventually(t, func() bool { return embedder.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, hub.GetStats().FailedRequests)
}

func TestStreamMaxConnections(t *testing.T) {
	hub, srv := newTestHub(t, HubConfig{MaxConnections: 1}, &echoEmbedder{}, nil)
	dial(t, srv)
	assert.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(1), hub.GetStats().RejectedUpgrades)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(HubConfig{AllowedOrigins: []string{"https://app.example.com"}}, &echoEmbedder{}, nil, zap.NewNop())

	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "api.local", true},
		{"https://app.example.com", "api.local", true},
		{"https://evil.example.com", "api.local", false},
		{"http://api.local", "api.local", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/embed/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, hub.checkOrigin(r), tt.origin)
	}
}

// Package websocket streams embedding requests over long-lived connections.
// Every inbound message is submitted on its own, so requests from one
// connection can share a batch with each other and with other transports.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
)

// Embedder is the submission facade used for every request
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client is one connected stream
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	conn     *websocket.Conn
	send     chan Response
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// Hub maintains the set of active clients
type Hub struct {
	config   HubConfig
	embedder Embedder
	observer ConnectionObserver
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	mu    sync.RWMutex
	stats HubStats
}

// NewHub creates a new streaming hub. observer may be nil.
func NewHub(config HubConfig, embedder Embedder, observer ConnectionObserver, logger *zap.Logger) *Hub {
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongTimeout {
		config.PingInterval = (config.PongTimeout * 9) / 10
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 64 * 1024
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 64
	}

	h := &Hub{
		config:     config,
		embedder:   embedder,
		observer:   observer,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles client registration until Stop is called
func (h *Hub) Run() {
	h.logger.Info("Starting streaming hub", zap.Int("max_connections", h.config.MaxConnections))
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.cancel()
				_ = client.conn.Close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every connection and ends Run
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections = int64(len(h.clients))
	h.stats.LastConnectionTime = time.Now()

	if h.observer != nil {
		h.observer.StreamOpened()
	}

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", h.stats.ActiveConnections),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.stats.ActiveConnections = int64(len(h.clients))
	h.stats.LastDisconnectTime = time.Now()

	if h.observer != nil {
		h.observer.StreamClosed()
	}

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Duration("connected_for", time.Since(client.ConnectedAt)),
		zap.Int64("active_connections", h.stats.ActiveConnections),
	)
}

// ServeHTTP upgrades the request and starts the client's pumps
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := h.config.MaxConnections > 0 && len(h.clients) >= h.config.MaxConnections
	if full {
		h.stats.RejectedUpgrades++
	}
	h.mu.Unlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:          uuid.NewString(),
		IP:          getClientIP(r),
		UserAgent:   r.UserAgent(),
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan Response, h.config.MaxInFlight),
		ctx:         ctx,
		cancel:      cancel,
	}

	select {
	case h.register <- client:
	case <-h.stop:
		cancel()
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// writePump serializes responses and pings onto the connection
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case resp, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteJSON(resp); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				client.cancel()
				return
			}

		case <-client.ctx.Done():
			return

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.cancel()
				return
			}
		}
	}
}

// readPump submits every inbound request and waits for outstanding ones on exit
func (h *Hub) readPump(client *Client) {
	slots := make(chan struct{}, h.config.MaxInFlight)

	defer func() {
		// Abandon outstanding requests; their jobs still complete in the dispatcher
		client.cancel()
		client.inflight.Wait()
		select {
		case h.unregister <- client:
		case <-h.stopped:
		}
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(client, Response{Error: "invalid request: " + err.Error(), Type: "invalid_request"})
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-client.ctx.Done():
			return
		}

		client.inflight.Add(1)
		go func(req Request) {
			defer func() {
				<-slots
				client.inflight.Done()
			}()
			h.handleRequest(client, req)
		}(req)
	}
}

func (h *Hub) handleRequest(client *Client, req Request) {
	h.mu.Lock()
	h.stats.TotalRequests++
	h.mu.Unlock()

	embedding, err := h.embedder.Embed(client.ctx, req.Text)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.mu.Lock()
		h.stats.FailedRequests++
		h.mu.Unlock()
		h.reply(client, Response{ID: req.ID, Error: err.Error(), Type: errorType(err)})
		return
	}

	h.reply(client, Response{ID: req.ID, Embedding: embedding})
}

// reply queues resp unless the client is going away
func (h *Hub) reply(client *Client, resp Response) {
	select {
	case client.send <- resp:
	case <-client.ctx.Done():
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	// Same-origin requests are always allowed
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func errorType(err error) string {
	var embErr *embeddings.EmbeddingError
	if errors.As(err, &embErr) {
		return embErr.Type
	}
	return "internal"
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

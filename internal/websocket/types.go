package websocket

import "time"

// Request is one inbound embedding request on a stream
type Request struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Response answers exactly one Request, carrying either Embedding or Error
type Response struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
	Type      string    `json:"type,omitempty"`
}

// HubConfig contains streaming endpoint configuration
type HubConfig struct {
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	AllowedOrigins  []string
	// MaxInFlight caps concurrent requests per connection; reading pauses at the cap
	MaxInFlight int
}

// HubStats tracks streaming statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	RejectedUpgrades   int64     `json:"rejected_upgrades"`
	TotalRequests      int64     `json:"total_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
}

// ConnectionObserver is notified when streams open and close
type ConnectionObserver interface {
	StreamOpened()
	StreamClosed()
}

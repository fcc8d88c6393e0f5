package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/embeddings"
)

// maxBodyBytes bounds /v1/embed request bodies
const maxBodyBytes = 1 << 20

// EmbedRequest is the body of POST /v1/embed
type EmbedRequest struct {
	Text string `json:"text"`
}

// EmbedResponse is the successful reply of POST /v1/embed
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// handleEmbed embeds a single text
func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	var req EmbedRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request", requestID)
		return
	}

	embedding, err := s.service.Embed(r.Context(), req.Text)
	if err != nil {
		status := StatusForError(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithRequestID(requestID).Warn("Embedding request failed",
				zap.Int("status_code", status),
				zap.Error(err),
			)
		}
		respondError(w, status, err.Error(), errorType(err), requestID)
		return
	}

	respondJSON(w, http.StatusOK, EmbedResponse{Embedding: embedding})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.service.Stats()
	status := "healthy"
	code := http.StatusOK
	if stats.Dispatcher.State == embeddings.StateTerminated.String() {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleInfo reports the model and batching configuration
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "batch-embedder",
		"version":     Version,
		"model":       s.options.ModelName,
		"hidden_size": s.service.HiddenSize(),
		"batching": map[string]interface{}{
			"max_batch_size": s.config.Batching.MaxBatchSize,
			"max_wait_ms":    s.config.Batching.MaxWaitMs,
			"queue_size":     s.config.Batching.QueueSize,
		},
	})
}

// handleStats reports facade and dispatcher counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Stats())
}

// StatusForError maps an embedding error to an HTTP status. Every failed
// Result becomes a server-side status, never an empty success.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, embeddings.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, embeddings.ErrQueueClosed), errors.Is(err, embeddings.ErrQueueFull),
		errors.Is(err, embeddings.ErrModelNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, embeddings.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nginx convention
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func errorType(err error) string {
	var embErr *embeddings.EmbeddingError
	if errors.As(err, &embErr) {
		return embErr.Type
	}
	return "internal"
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message, errType, requestID string) {
	respondJSON(w, status, ErrorResponse{Error: message, Type: errType, RequestID: requestID})
}

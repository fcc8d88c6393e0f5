package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EmbeddingError is a typed failure carried in a Result or returned from Submit
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Err     error  `json:"-"`
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// Is matches any EmbeddingError of the same type, so wrapped errors
// still satisfy errors.Is against the sentinel values below.
func (e *EmbeddingError) Is(target error) bool {
	t, ok := target.(*EmbeddingError)
	return ok && t.Type == e.Type
}

// Common error types
var (
	ErrInvalidInput       = &EmbeddingError{Type: "invalid_input", Message: "invalid input text", Code: 1001}
	ErrModelNotLoaded     = &EmbeddingError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002}
	ErrExecutionFailed    = &EmbeddingError{Type: "execution_failed", Message: "model execution failed", Code: 1003}
	ErrTimeout            = &EmbeddingError{Type: "timeout", Message: "operation timed out", Code: 1007}
	ErrTokenizationFailed = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008}
	ErrPoolingFailed      = &EmbeddingError{Type: "pooling_failed", Message: "pooling failed", Code: 1011}
	ErrQueueClosed        = &EmbeddingError{Type: "queue_closed", Message: "dispatcher is shut down", Code: 1012}
	ErrQueueFull          = &EmbeddingError{Type: "queue_full", Message: "dispatcher queue is full", Code: 1013}
)

// wrapError returns a copy of base carrying cause
func wrapError(base *EmbeddingError, cause error) *EmbeddingError {
	return &EmbeddingError{Type: base.Type, Message: base.Message, Code: base.Code, Err: cause}
}

// wrapErrorf is wrapError with a formatted cause
func wrapErrorf(base *EmbeddingError, format string, args ...any) *EmbeddingError {
	return wrapError(base, fmt.Errorf(format, args...))
}

// Result is the outcome of one Job. A successful Result always carries a
// vector of the model's hidden size; a failed one carries Err and no vector.
type Result struct {
	Embedding []float32
	Err       error
}

// OK reports whether the Result holds a usable embedding
func (r Result) OK() bool {
	return r.Err == nil && len(r.Embedding) > 0
}

// Job is one caller's request plus its single-use completion slot
type Job struct {
	Text string

	result chan Result
	once   sync.Once
}

// NewJob creates a job for text
func NewJob(text string) *Job {
	return &Job{
		Text:   text,
		result: make(chan Result, 1),
	}
}

// Done returns the channel that receives the job's Result exactly once
func (j *Job) Done() <-chan Result {
	return j.result
}

// Wait blocks until the Result is delivered or ctx ends. Returning on ctx
// abandons the job; the dispatcher still completes it without blocking.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-j.result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// complete delivers r. The slot is buffered so delivery never blocks, even
// when nobody is listening any more. Later calls are no-ops.
func (j *Job) complete(r Result) {
	j.once.Do(func() {
		j.result <- r
	})
}

// DispatcherStats is a snapshot of dispatcher counters
type DispatcherStats struct {
	State         string        `json:"state"`
	QueueDepth    int           `json:"queue_depth"`
	Batches       int64         `json:"batches"`
	Jobs          int64         `json:"jobs"`
	FailedJobs    int64         `json:"failed_jobs"`
	FailedBatches int64         `json:"failed_batches"`
	Rejected      int64         `json:"rejected"`
	LargestBatch  int64         `json:"largest_batch"`
	AvgBatchSize  float64       `json:"avg_batch_size"`
	AvgBatchTime  time.Duration `json:"avg_batch_time"`
}

// ServiceStats is a snapshot of facade counters
type ServiceStats struct {
	Requests   int64           `json:"requests"`
	Succeeded  int64           `json:"succeeded"`
	Failed     int64           `json:"failed"`
	CacheHits  int64           `json:"cache_hits"`
	HiddenSize int             `json:"hidden_size"`
	Dispatcher DispatcherStats `json:"dispatcher"`
}

package embeddings

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// MockBackend derives hidden states from token ids alone, so every row
// depends only on its own tokens. Useful for development and tests.
type MockBackend struct {
	hiddenSize int
	// Latency simulates model execution time
	Latency time.Duration

	calls atomic.Int64
}

// NewMockBackend creates a mock backend producing hiddenSize-dimensional states
func NewMockBackend(hiddenSize int) *MockBackend {
	return &MockBackend{hiddenSize: hiddenSize}
}

// Run returns a deterministic [batch, seq, hidden] tensor
func (m *MockBackend) Run(ctx context.Context, input *ModelInput) (*HiddenState, error) {
	m.calls.Add(1)

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	dim := m.hiddenSize
	data := make([]float32, input.BatchSize*input.SeqLen*dim)
	for pos, id := range input.InputIDs {
		offset := pos * dim
		seqPos := pos % input.SeqLen
		for d := 0; d < dim; d++ {
			data[offset+d] = float32(math.Sin(float64(id)*0.37 + float64(d)*1.3 + float64(seqPos)*0.01))
		}
	}

	return &HiddenState{
		BatchSize:  input.BatchSize,
		SeqLen:     input.SeqLen,
		HiddenSize: dim,
		Data:       data,
	}, nil
}

// Calls returns how many times Run has been invoked
func (m *MockBackend) Calls() int64 {
	return m.calls.Load()
}

// HiddenSize returns the embedding dimensionality
func (m *MockBackend) HiddenSize() int {
	return m.hiddenSize
}

// Name identifies the backend
func (m *MockBackend) Name() string {
	return "mock"
}

// Close is a no-op
func (m *MockBackend) Close() error {
	return nil
}

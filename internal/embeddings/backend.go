package embeddings

import (
	"context"
	"fmt"
	"sync"

	"github.com/raaihank/batch-embedder/internal/tokenizer"
)

// ModelInput holds row-major [batch, seq] int64 arrays for one model call
type ModelInput struct {
	BatchSize     int
	SeqLen        int
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// HiddenState holds a row-major [batch, seq, hidden] float32 tensor
type HiddenState struct {
	BatchSize  int
	SeqLen     int
	HiddenSize int
	Data       []float32
}

// Row returns the [seq, hidden] slice for batch row i
func (h *HiddenState) Row(i int) []float32 {
	stride := h.SeqLen * h.HiddenSize
	return h.Data[i*stride : (i+1)*stride]
}

// Backend executes an encoder model. Implementations need not be safe for
// concurrent use; ModelHandle serializes every call.
type Backend interface {
	// Run executes the model once for the whole batch and returns the
	// per-token hidden states.
	Run(ctx context.Context, input *ModelInput) (*HiddenState, error)
	// HiddenSize returns the embedding dimensionality.
	HiddenSize() int
	// Name identifies the backend in logs and /info.
	Name() string
	// Close releases any native resources.
	Close() error
}

// ModelHandle grants exclusive access to a Backend
type ModelHandle struct {
	mu      sync.Mutex
	backend Backend
	closed  bool
}

// NewModelHandle wraps backend
func NewModelHandle(backend Backend) *ModelHandle {
	return &ModelHandle{backend: backend}
}

// Run executes one batch while holding the handle. The lock covers only the
// model call; callers tokenize and pool outside it.
func (m *ModelHandle) Run(ctx context.Context, input *ModelInput) (*HiddenState, error) {
	hidden, err := m.run(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := checkOutputShape(input, hidden, m.backend.HiddenSize()); err != nil {
		return nil, err
	}
	return hidden, nil
}

// run holds the lock for the backend call only. The deferred unlock keeps the
// handle usable after a backend panic.
func (m *ModelHandle) run(ctx context.Context, input *ModelInput) (*HiddenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrModelNotLoaded
	}
	return m.backend.Run(ctx, input)
}

// HiddenSize returns the backend embedding dimensionality
func (m *ModelHandle) HiddenSize() int {
	return m.backend.HiddenSize()
}

// Name returns the backend name
func (m *ModelHandle) Name() string {
	return m.backend.Name()
}

// Close releases the backend. Subsequent runs fail with ErrModelNotLoaded.
func (m *ModelHandle) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.backend.Close()
}

func checkOutputShape(input *ModelInput, hidden *HiddenState, hiddenSize int) error {
	if hidden == nil {
		return fmt.Errorf("backend returned no output")
	}
	if hidden.BatchSize != input.BatchSize || hidden.SeqLen != input.SeqLen {
		return fmt.Errorf("output shape [%d, %d, %d] does not match input [%d, %d]",
			hidden.BatchSize, hidden.SeqLen, hidden.HiddenSize, input.BatchSize, input.SeqLen)
	}
	if hidden.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden size %d", hidden.HiddenSize)
	}
	if hiddenSize > 0 && hidden.HiddenSize != hiddenSize {
		return fmt.Errorf("output hidden size %d does not match configured %d", hidden.HiddenSize, hiddenSize)
	}
	if len(hidden.Data) != hidden.BatchSize*hidden.SeqLen*hidden.HiddenSize {
		return fmt.Errorf("output holds %d values, want %d", len(hidden.Data),
			hidden.BatchSize*hidden.SeqLen*hidden.HiddenSize)
	}
	return nil
}

// buildModelInput flattens encodings into batched arrays. Every encoding
// must share the first one's length.
func buildModelInput(encodings []tokenizer.Encoding) (*ModelInput, error) {
	if len(encodings) == 0 {
		return nil, fmt.Errorf("no encodings")
	}

	seqLen := encodings[0].Len()
	if seqLen == 0 {
		return nil, fmt.Errorf("empty encoding")
	}

	batch := len(encodings)
	input := &ModelInput{
		BatchSize:     batch,
		SeqLen:        seqLen,
		InputIDs:      make([]int64, 0, batch*seqLen),
		AttentionMask: make([]int64, 0, batch*seqLen),
		TokenTypeIDs:  make([]int64, 0, batch*seqLen),
	}

	for i, enc := range encodings {
		if enc.Len() != seqLen || len(enc.AttentionMask) != seqLen {
			return nil, fmt.Errorf("encoding %d has length %d, want %d", i, enc.Len(), seqLen)
		}
		input.InputIDs = append(input.InputIDs, enc.IDs...)
		input.AttentionMask = append(input.AttentionMask, enc.AttentionMask...)
		if len(enc.TypeIDs) == seqLen {
			input.TokenTypeIDs = append(input.TokenTypeIDs, enc.TypeIDs...)
		} else {
			input.TokenTypeIDs = append(input.TokenTypeIDs, make([]int64, seqLen)...)
		}
	}

	return input, nil
}

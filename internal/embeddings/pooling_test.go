package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/batch-embedder/internal/tokenizer"
)

func TestMeanPool(t *testing.T) {
	// batch 2, seq 3, hidden 2
	hidden := &HiddenState{
		BatchSize:  2,
		SeqLen:     3,
		HiddenSize: 2,
		Data: []float32{
			1, 2, 3, 4, 100, 100,
			-1, 1, 5, 5, 7, 9,
		},
	}
	mask := []int64{
		1, 1, 0,
		1, 1, 1,
	}

	vectors, rowErrs, err := MeanPool(hidden, mask)
	require.NoError(t, err)
	assert.Nil(t, rowErrs[0])
	assert.Nil(t, rowErrs[1])
	assert.InDeltaSlice(t, []float32{2, 3}, vectors[0], 1e-6)
	assert.InDeltaSlice(t, []float32{11.0 / 3, 5}, vectors[1], 1e-6)
}

func TestMeanPoolAllMaskedRow(t *testing.T) {
	hidden := &HiddenState{
		BatchSize:  2,
		SeqLen:     2,
		HiddenSize: 1,
		Data:       []float32{1, 2, 3, 4},
	}

	vectors, rowErrs, err := MeanPool(hidden, []int64{0, 0, 1, 0})
	require.NoError(t, err)

	assert.Nil(t, vectors[0])
	assert.ErrorIs(t, rowErrs[0], ErrPoolingFailed)
	assert.Nil(t, rowErrs[1])
	assert.Equal(t, []float32{3}, vectors[1])
}

func TestMeanPoolShapeMismatch(t *testing.T) {
	hidden := &HiddenState{BatchSize: 1, SeqLen: 2, HiddenSize: 1, Data: []float32{1, 2}}

	_, _, err := MeanPool(hidden, []int64{1})
	assert.Error(t, err)

	_, _, err = MeanPool(nil, nil)
	assert.Error(t, err)
}

type shapeBackend struct {
	*MockBackend
	out *HiddenState
}

func (s shapeBackend) Run(context.Context, *ModelInput) (*HiddenState, error) {
	return s.out, nil
}

func TestModelHandleValidatesOutputShape(t *testing.T) {
	input := &ModelInput{BatchSize: 2, SeqLen: 3, InputIDs: make([]int64, 6), AttentionMask: make([]int64, 6)}

	tests := []struct {
		name string
		out  *HiddenState
	}{
		{"nil output", nil},
		{"wrong batch", &HiddenState{BatchSize: 1, SeqLen: 3, HiddenSize: 2, Data: make([]float32, 6)}},
		{"wrong data length", &HiddenState{BatchSize: 2, SeqLen: 3, HiddenSize: 2, Data: make([]float32, 5)}},
		{"zero hidden", &HiddenState{BatchSize: 2, SeqLen: 3, HiddenSize: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle := NewModelHandle(shapeBackend{MockBackend: NewMockBackend(2), out: tt.out})
			_, err := handle.Run(context.Background(), input)
			assert.Error(t, err)
		})
	}
}

func TestModelHandleClose(t *testing.T) {
	handle := NewModelHandle(NewMockBackend(4))
	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())

	_, err := handle.Run(context.Background(), &ModelInput{BatchSize: 1, SeqLen: 1, InputIDs: []int64{1}, AttentionMask: []int64{1}})
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestBuildModelInputRequiresUniformLength(t *testing.T) {
	encodings := []tokenizer.Encoding{
		{IDs: []int64{1, 2, 3}, AttentionMask: []int64{1, 1, 1}},
		{IDs: []int64{1, 2}, AttentionMask: []int64{1, 1}},
	}
	_, err := buildModelInput(encodings)
	assert.Error(t, err)

	input, err := buildModelInput(encodings[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, input.BatchSize)
	assert.Equal(t, 3, input.SeqLen)
	assert.Equal(t, []int64{0, 0, 0}, input.TokenTypeIDs)
}

func TestMockBackendIsDeterministic(t *testing.T) {
	backend := NewMockBackend(4)
	input := &ModelInput{BatchSize: 1, SeqLen: 2, InputIDs: []int64{5, 6}, AttentionMask: []int64{1, 1}}

	first, err := backend.Run(context.Background(), input)
	require.NoError(t, err)
	second, err := backend.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int64(2), backend.Calls())
}

func TestEmbeddingErrorMatching(t *testing.T) {
	err := wrapErrorf(ErrExecutionFailed, "shape mismatch")
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.NotErrorIs(t, err, ErrTokenizationFailed)
	assert.Equal(t, "model execution failed: shape mismatch", err.Error())
	assert.Equal(t, "dispatcher is shut down", ErrQueueClosed.Error())
}

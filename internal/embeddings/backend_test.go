package embeddings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModelInput(batch, seq int) *ModelInput {
	ids := make([]int64, batch*seq)
	for i := range ids {
		ids[i] = int64(4 + i%8)
	}
	mask := make([]int64, batch*seq)
	for i := range mask {
		mask[i] = 1
	}
	return &ModelInput{
		BatchSize:     batch,
		SeqLen:        seq,
		InputIDs:      ids,
		AttentionMask: mask,
		TokenTypeIDs:  make([]int64, batch*seq),
	}
}

func TestModelHandleUsableAfterBackendPanic(t *testing.T) {
	backend := newRecordingBackend()
	handle := NewModelHandle(backend)
	backend.panicWith("tensor fault")

	assert.PanicsWithValue(t, "tensor fault", func() {
		_, _ = handle.Run(context.Background(), testModelInput(1, 3))
	})

	require.True(t, handle.mu.TryLock(), "handle lock still held after panic")
	handle.mu.Unlock()

	backend.reset()
	hidden, err := handle.Run(context.Background(), testModelInput(2, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, hidden.BatchSize)
}

// resizedBackend reports one hidden size and produces another
type resizedBackend struct {
	*MockBackend
	reported int
}

func (r resizedBackend) HiddenSize() int { return r.reported }

func TestModelHandleRejectsHiddenSizeMismatch(t *testing.T) {
	handle := NewModelHandle(resizedBackend{MockBackend: NewMockBackend(testHiddenSize), reported: testHiddenSize * 2})

	_, err := handle.Run(context.Background(), testModelInput(1, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match configured")
}

func TestDispatcherFailsBatchOnHiddenSizeMismatch(t *testing.T) {
	handle := NewModelHandle(resizedBackend{MockBackend: NewMockBackend(testHiddenSize), reported: testHiddenSize + 1})
	d, err := NewDispatcher(DispatcherConfig{MaxBatchSize: 2, MaxWait: 0, QueueSize: 4, AddSpecialTokens: true}, newTestTokenizer(t), handle, nil)
	require.NoError(t, err)

	job := submit(t, d, "a")
	d.Start()
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	assert.ErrorIs(t, await(t, job).Err, ErrExecutionFailed)
}

func TestModelHandleClosed(t *testing.T) {
	handle := NewModelHandle(NewMockBackend(testHiddenSize))
	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())

	_, err := handle.Run(context.Background(), testModelInput(1, 2))
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

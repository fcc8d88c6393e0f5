package embeddings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raaihank/batch-embedder/internal/tokenizer"
)

const testHiddenSize = 8

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"a", "b", "c", "hello", "world", "the", "quick", "fox",
}

func newTestTokenizer(t *testing.T) *tokenizer.WordPiece {
	t.Helper()
	vocab := make(map[string]int64, len(testVocab))
	for i, tok := range testVocab {
		vocab[tok] = int64(i)
	}
	tok, err := tokenizer.New(vocab, tokenizer.Config{MaxLength: 16, LowerCase: true})
	require.NoError(t, err)
	return tok
}

// recordingBackend wraps MockBackend, remembers batch sizes and detects
// overlapping calls.
type recordingBackend struct {
	*MockBackend

	mu       sync.Mutex
	sizes    []int
	inflight atomic.Int32
	overlap  atomic.Bool

	// fail, when set, is returned instead of running the model
	fail atomic.Pointer[error]
	// panicMsg, when non-empty, makes Run panic
	panicMsg atomic.Pointer[string]
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{MockBackend: NewMockBackend(testHiddenSize)}
}

func (r *recordingBackend) Run(ctx context.Context, input *ModelInput) (*HiddenState, error) {
	if r.inflight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inflight.Add(-1)

	r.mu.Lock()
	r.sizes = append(r.sizes, input.BatchSize)
	r.mu.Unlock()

	if msg := r.panicMsg.Load(); msg != nil {
		panic(*msg)
	}
	if err := r.fail.Load(); err != nil {
		return nil, *err
	}
	return r.MockBackend.Run(ctx, input)
}

func (r *recordingBackend) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

func (r *recordingBackend) failWith(err error) {
	r.fail.Store(&err)
}

func (r *recordingBackend) panicWith(msg string) {
	r.panicMsg.Store(&msg)
}

func (r *recordingBackend) reset() {
	r.fail.Store(nil)
	r.panicMsg.Store(nil)
}

// failingTokenizer always returns err
type failingTokenizer struct {
	err error
}

func (f failingTokenizer) EncodeBatch([]string, bool) ([]tokenizer.Encoding, error) {
	return nil, f.err
}

func (f failingTokenizer) TokenToID(string) (int64, bool) { return 0, true }

func (f failingTokenizer) MaxLength() int { return 16 }

var errBoom = errors.New("boom")

// recordingObserver counts hook invocations
type recordingObserver struct {
	mu       sync.Mutex
	formed   []int
	phases   map[Phase]int
	failed   int
	rejected int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{phases: make(map[Phase]int)}
}

func (o *recordingObserver) BatchFormed(size int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.formed = append(o.formed, size)
}

func (o *recordingObserver) PhaseCompleted(phase Phase, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases[phase]++
}

func (o *recordingObserver) BatchCompleted(_, failed int, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed += failed
}

func (o *recordingObserver) JobRejected(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	backend    *recordingBackend
	observer   *recordingObserver
}

func newDispatcherFixture(t *testing.T, config DispatcherConfig) *dispatcherFixture {
	t.Helper()
	if config.QueueSize == 0 {
		config.QueueSize = 1024
	}

	backend := newRecordingBackend()
	observer := newRecordingObserver()
	d, err := NewDispatcher(config, newTestTokenizer(t), NewModelHandle(backend), observer)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})

	return &dispatcherFixture{dispatcher: d, backend: backend, observer: observer}
}

// await waits for the job's result, failing the test after a generous bound
func await(t *testing.T, job *Job) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := job.Wait(ctx)
	require.NoError(t, err, "job %q never completed", job.Text)
	return r
}

func submit(t *testing.T, d *Dispatcher, text string) *Job {
	t.Helper()
	job, err := d.SubmitText(text)
	require.NoError(t, err)
	return job
}

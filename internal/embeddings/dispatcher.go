package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raaihank/batch-embedder/internal/tokenizer"
)

// State is the dispatcher's run loop state
type State int32

// Run loop states
const (
	StateIdle State = iota
	StateAwaitingFirst
	StateCollecting
	StateExecuting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirst:
		return "awaiting_first"
	case StateCollecting:
		return "collecting"
	case StateExecuting:
		return "executing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DispatcherConfig controls batch formation
type DispatcherConfig struct {
	// MaxBatchSize caps the number of jobs per batch.
	MaxBatchSize int
	// MaxWait is the idle timeout: how long a forming batch waits for the
	// next job, restarted after every arrival. Zero takes only jobs that
	// are already queued.
	MaxWait time.Duration
	// QueueSize bounds the submission queue. Submit rejects with
	// ErrQueueFull rather than blocking when it is full.
	QueueSize int
	// AddSpecialTokens is passed through to the tokenizer.
	AddSpecialTokens bool
}

// Dispatcher groups individually submitted jobs into batches, runs each
// batch against the shared model, and fans the results back out.
type Dispatcher struct {
	config    DispatcherConfig
	tokenizer tokenizer.Tokenizer
	model     *ModelHandle
	observer  Observer

	queue chan *Job

	// mu guards closed against concurrent Submit and Close
	mu     sync.RWMutex
	closed bool

	started atomic.Bool
	state   atomic.Int32
	done    chan struct{}

	batches       atomic.Int64
	jobs          atomic.Int64
	failedJobs    atomic.Int64
	failedBatches atomic.Int64
	rejected      atomic.Int64
	largestBatch  atomic.Int64
	batchNanos    atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start (or Run) before submitting.
func NewDispatcher(config DispatcherConfig, tok tokenizer.Tokenizer, model *ModelHandle, observer Observer) (*Dispatcher, error) {
	if config.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be positive, got %d", config.MaxBatchSize)
	}
	if config.MaxWait < 0 {
		return nil, fmt.Errorf("max wait must not be negative, got %s", config.MaxWait)
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", config.QueueSize)
	}
	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}
	if model == nil {
		return nil, ErrModelNotLoaded
	}
	if observer == nil {
		observer = NopObserver{}
	}

	return &Dispatcher{
		config:    config,
		tokenizer: tok,
		model:     model,
		observer:  observer,
		queue:     make(chan *Job, config.QueueSize),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the batch loop in a new goroutine. The loop is claimed before
// Start returns, so a following Close drains the queue instead of failing it.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.loop()
}

// Run drives batch formation and execution until Close is called and the
// queue has drained. Only the first call runs; later calls return at once.
func (d *Dispatcher) Run() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.loop()
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		d.state.Store(int32(StateAwaitingFirst))
		first, ok := <-d.queue
		if !ok {
			d.state.Store(int32(StateTerminated))
			return
		}

		d.state.Store(int32(StateCollecting))
		start := time.Now()
		batch := d.collect(first, timer)
		d.observer.BatchFormed(len(batch), time.Since(start))

		d.state.Store(int32(StateExecuting))
		d.executeBatch(batch)
	}
}

// collect pulls further jobs until the batch is full, the idle timeout
// fires, or the queue closes.
func (d *Dispatcher) collect(first *Job, timer *time.Timer) []*Job {
	batch := make([]*Job, 1, d.config.MaxBatchSize)
	batch[0] = first

	for len(batch) < d.config.MaxBatchSize {
		if d.config.MaxWait <= 0 {
			select {
			case job, ok := <-d.queue:
				if !ok {
					return batch
				}
				batch = append(batch, job)
				continue
			default:
				return batch
			}
		}

		timer.Reset(d.config.MaxWait)
		select {
		case job, ok := <-d.queue:
			timer.Stop()
			if !ok {
				return batch
			}
			batch = append(batch, job)
		case <-timer.C:
			return batch
		}
	}

	return batch
}

// Submit enqueues job without blocking. It returns ErrQueueClosed after
// Close and ErrQueueFull when the queue is at capacity; in both cases the
// job will never receive a Result.
func (d *Dispatcher) Submit(job *Job) error {
	if job == nil {
		return ErrInvalidInput
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.reject(ErrQueueClosed)
		return ErrQueueClosed
	}

	select {
	case d.queue <- job:
		return nil
	default:
		d.reject(ErrQueueFull)
		return ErrQueueFull
	}
}

// SubmitText creates and submits a job for text
func (d *Dispatcher) SubmitText(text string) (*Job, error) {
	job := NewJob(text)
	if err := d.Submit(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (d *Dispatcher) reject(reason error) {
	d.rejected.Add(1)
	d.observer.JobRejected(reason)
}

// Close stops accepting jobs and waits for queued ones to finish. If the
// run loop was never started, queued jobs fail with ErrQueueClosed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	if !d.started.Load() {
		if d.started.CompareAndSwap(false, true) {
			for job := range d.queue {
				job.complete(Result{Err: ErrQueueClosed})
			}
			d.state.Store(int32(StateTerminated))
			close(d.done)
		}
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}

// Done is closed once the run loop has terminated
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// State returns the current run loop state
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// HiddenSize returns the dimensionality of produced embeddings
func (d *Dispatcher) HiddenSize() int {
	return d.model.HiddenSize()
}

// Stats returns a snapshot of dispatcher counters
func (d *Dispatcher) Stats() DispatcherStats {
	stats := DispatcherStats{
		State:         d.State().String(),
		QueueDepth:    len(d.queue),
		Batches:       d.batches.Load(),
		Jobs:          d.jobs.Load(),
		FailedJobs:    d.failedJobs.Load(),
		FailedBatches: d.failedBatches.Load(),
		Rejected:      d.rejected.Load(),
		LargestBatch:  d.largestBatch.Load(),
	}
	if stats.Batches > 0 {
		stats.AvgBatchSize = float64(stats.Jobs) / float64(stats.Batches)
		stats.AvgBatchTime = time.Duration(d.batchNanos.Load() / stats.Batches)
	}
	return stats
}

// executeBatch runs one batch end to end and delivers one Result per job,
// row i to job i.
func (d *Dispatcher) executeBatch(batch []*Job) {
	start := time.Now()
	vectors, rowErrs, err := d.process(batch)

	failed := 0
	for i, job := range batch {
		var r Result
		switch {
		case err != nil:
			r.Err = err
		case rowErrs[i] != nil:
			r.Err = rowErrs[i]
		default:
			r.Embedding = vectors[i]
		}
		if r.Err != nil {
			failed++
		}
		job.complete(r)
	}

	elapsed := time.Since(start)
	size := int64(len(batch))
	d.batches.Add(1)
	d.jobs.Add(size)
	d.failedJobs.Add(int64(failed))
	d.batchNanos.Add(int64(elapsed))
	if err != nil {
		d.failedBatches.Add(1)
	}
	for {
		largest := d.largestBatch.Load()
		if size <= largest || d.largestBatch.CompareAndSwap(largest, size) {
			break
		}
	}

	d.observer.BatchCompleted(len(batch), failed, elapsed, err)
}

// process performs tokenize, tensor prep, execute and pool. A non-nil err
// applies to the whole batch; rowErrs holds row-scoped pooling failures.
// Adapter panics are converted to ExecutionFailure so the loop survives.
func (d *Dispatcher) process(batch []*Job) (vectors [][]float32, rowErrs []error, err error) {
	defer func() {
		if r := recover(); r != nil {
			vectors, rowErrs = nil, nil
			err = wrapErrorf(ErrExecutionFailed, "panic during batch execution: %v", r)
		}
	}()

	size := len(batch)
	texts := make([]string, size)
	for i, job := range batch {
		texts[i] = job.Text
	}

	phaseStart := time.Now()
	encodings, err := d.tokenizer.EncodeBatch(texts, d.config.AddSpecialTokens)
	if err != nil {
		return nil, nil, wrapError(ErrTokenizationFailed, err)
	}
	if len(encodings) != size {
		return nil, nil, wrapErrorf(ErrTokenizationFailed, "got %d encodings for %d texts", len(encodings), size)
	}
	d.observer.PhaseCompleted(PhaseTokenize, size, time.Since(phaseStart))

	phaseStart = time.Now()
	input, err := buildModelInput(encodings)
	if err != nil {
		return nil, nil, wrapError(ErrTokenizationFailed, err)
	}
	d.observer.PhaseCompleted(PhaseTensorPrep, size, time.Since(phaseStart))

	// In-flight batches are never cancelled
	phaseStart = time.Now()
	hidden, err := d.model.Run(context.Background(), input)
	if err != nil {
		if errors.Is(err, ErrModelNotLoaded) {
			return nil, nil, err
		}
		return nil, nil, wrapError(ErrExecutionFailed, err)
	}
	d.observer.PhaseCompleted(PhaseExecute, size, time.Since(phaseStart))

	phaseStart = time.Now()
	vectors, rowErrs, err = MeanPool(hidden, input.AttentionMask)
	if err != nil {
		return nil, nil, wrapError(ErrPoolingFailed, err)
	}
	d.observer.PhaseCompleted(PhasePool, size, time.Since(phaseStart))

	return vectors, rowErrs, nil
}

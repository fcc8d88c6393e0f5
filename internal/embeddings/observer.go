package embeddings

import (
	"time"

	"go.uber.org/zap"
)

// Phase names one step of batch execution
type Phase string

// Batch execution phases, in order
const (
	PhaseTokenize   Phase = "tokenize"
	PhaseTensorPrep Phase = "tensor_prep"
	PhaseExecute    Phase = "execute"
	PhasePool       Phase = "pool"
)

// Observer receives timing and outcome hooks from the dispatcher.
// Hooks run on the dispatcher goroutine and must return quickly.
type Observer interface {
	BatchFormed(size int, waited time.Duration)
	PhaseCompleted(phase Phase, size int, elapsed time.Duration)
	BatchCompleted(size, failed int, elapsed time.Duration, err error)
	JobRejected(reason error)
}

// NopObserver ignores every hook
type NopObserver struct{}

// BatchFormed implements Observer
func (NopObserver) BatchFormed(int, time.Duration) {}
// PhaseCompleted implements Observer
func (NopObserver) PhaseCompleted(Phase, int, time.Duration) {}
// BatchCompleted implements Observer
func (NopObserver) BatchCompleted(int, int, time.Duration, error) {}
// JobRejected implements Observer
func (NopObserver) JobRejected(error) {}

// LogObserver writes dispatcher activity to a zap logger
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates an observer logging batches at debug level and failures at warn
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// BatchFormed logs the batch size and formation time
func (o *LogObserver) BatchFormed(size int, waited time.Duration) {
	o.logger.Debug("Batch formed",
		zap.Int("batch_size", size),
		zap.Duration("formation_time", waited),
	)
}

// PhaseCompleted logs the duration of one execution phase
func (o *LogObserver) PhaseCompleted(phase Phase, size int, elapsed time.Duration) {
	o.logger.Debug("Batch phase completed",
		zap.String("phase", string(phase)),
		zap.Int("batch_size", size),
		zap.Duration("duration", elapsed),
	)
}

// BatchCompleted logs the outcome, at warn level when any job failed
func (o *LogObserver) BatchCompleted(size, failed int, elapsed time.Duration, err error) {
	if err != nil {
		o.logger.Warn("Batch failed",
			zap.Int("batch_size", size),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return
	}
	if failed > 0 {
		o.logger.Warn("Batch completed with failed rows",
			zap.Int("batch_size", size),
			zap.Int("failed_rows", failed),
			zap.Duration("duration", elapsed),
		)
		return
	}
	o.logger.Debug("Batch completed",
		zap.Int("batch_size", size),
		zap.Duration("duration", elapsed),
	)
}

// JobRejected logs a refused submission
func (o *LogObserver) JobRejected(reason error) {
	o.logger.Warn("Job rejected", zap.Error(reason))
}

// MultiObserver fans hooks out to several observers
type MultiObserver []Observer

// BatchFormed forwards to every observer
func (m MultiObserver) BatchFormed(size int, waited time.Duration) {
	for _, o := range m {
		o.BatchFormed(size, waited)
	}
}

// PhaseCompleted forwards to every observer
func (m MultiObserver) PhaseCompleted(phase Phase, size int, elapsed time.Duration) {
	for _, o := range m {
		o.PhaseCompleted(phase, size, elapsed)
	}
}

// BatchCompleted forwards to every observer
func (m MultiObserver) BatchCompleted(size, failed int, elapsed time.Duration, err error) {
	for _, o := range m {
		o.BatchCompleted(size, failed, elapsed, err)
	}
}

// JobRejected forwards to every observer
func (m MultiObserver) JobRejected(reason error) {
	for _, o := range m {
		o.JobRejected(reason)
	}
}

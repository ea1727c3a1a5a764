package dissemination

import (
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
)

// Option sets configuration options for the worker.
type Option func(*Worker)

// WithLogger sets the logger used by the worker.
func WithLogger(logger logging.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics sets the collectors updated by the worker.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithQueueCapacity sets the initial capacity of the send queue.
// The queue grows beyond it as needed.
// Default: 64
func WithQueueCapacity(capacity uint) Option {
	return func(w *Worker) {
		w.capacity = capacity
	}
}

package ordering

import (
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
)

// Option sets configuration options for the engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine.
// Default: a logger named "ordering".
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the collectors updated by the engine.
// Default: a set of unregistered collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithBTreeDegree sets the degree of the b-tree that holds the delivery set.
// Default: 16
func WithBTreeDegree(degree int) Option {
	return func(e *Engine) {
		e.degree = degree
	}
}

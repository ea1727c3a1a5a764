package member

import (
	"slices"

	"github.com/relab/tomcast"
	"github.com/relab/tomcast/logging"
	"github.com/relab/tomcast/metrics"
	"github.com/relab/tomcast/ordering"
)

// Option sets configuration options for a member.
type Option func(*Member)

// WithGroup sets the default destinations of multicasts.
func WithGroup(ids ...tomcast.ID) Option {
	return func(m *Member) {
		group := slices.Clone(ids)
		slices.Sort(group)
		m.group = slices.Compact(group)
	}
}

// WithLogger sets the logger used by the member and its components.
// Default: a logger named after the member's id.
func WithLogger(logger logging.Logger) Option {
	return func(m *Member) {
		m.logger = logger
	}
}

// WithMetrics sets the collectors updated by the member and its components.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Member) {
		m.metrics = mt
	}
}

// WithEngineOptions sets additional options for the ordering engine.
func WithEngineOptions(opts ...ordering.Option) Option {
	return func(m *Member) {
		m.engineOpts = append(m.engineOpts, opts...)
	}
}

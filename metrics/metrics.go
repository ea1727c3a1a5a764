// Package metrics defines the Prometheus collectors that a group member updates
// while disseminating, ordering and delivering messages.
//
// A Metrics value is created per member and registered on a prometheus.Registerer.
// Every series carries a "member" label, so that several members running in the
// same process can share one registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relab/tomcast"
	"go.uber.org/multierr"
)

const namespace = "tomcast"

// Metrics holds the collectors of one group member.
type Metrics struct {
	MulticastsSubmitted prometheus.Counter
	UnicastsSent        prometheus.Counter
	TransportFailures   prometheus.Counter
	ProposalsSent       prometheus.Counter
	ProposalsReceived   prometheus.Counter
	FinalsSent          prometheus.Counter
	FinalsReceived      prometheus.Counter
	MessagesDelivered   prometheus.Counter
	CallbackErrors      prometheus.Counter
	Discarded           prometheus.Counter

	Pending prometheus.Gauge
	Ready   prometheus.Gauge

	BatchSize       prometheus.Histogram
	OrderingLatency prometheus.Histogram
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New returns a new set of unregistered collectors.
func New() *Metrics {
	return &Metrics{
		MulticastsSubmitted: counter("dissemination", "multicasts_submitted_total", "Number of multicast messages submitted for dissemination"),
		UnicastsSent:        counter("dissemination", "unicasts_sent_total", "Number of unicasts handed to the transport"),
		TransportFailures:   counter("dissemination", "transport_failures_total", "Number of unicasts the transport failed to send"),
		ProposalsSent:       counter("ordering", "proposals_sent_total", "Number of sequence proposals sent to other destinations"),
		ProposalsReceived:   counter("ordering", "proposals_received_total", "Number of sequence proposals received from other destinations"),
		FinalsSent:          counter("ordering", "finals_sent_total", "Number of final sequence numbers sent"),
		FinalsReceived:      counter("ordering", "finals_received_total", "Number of final sequence numbers received"),
		MessagesDelivered:   counter("delivery", "messages_delivered_total", "Number of messages handed to the application"),
		CallbackErrors:      counter("delivery", "callback_errors_total", "Number of deliveries the application failed to process"),
		Discarded:           counter("ordering", "discarded_total", "Number of pending messages discarded because their sender was excluded"),

		Pending: gauge("ordering", "pending_messages", "Number of messages that are not yet delivered"),
		Ready:   gauge("ordering", "ready_messages", "Number of messages admitted for delivery but not yet pulled"),

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "batch_size",
			Help:      "Number of messages returned by each deliverable batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		OrderingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ordering",
			Name:      "latency_seconds",
			Help:      "Time from a message entering the ordering engine until it is admitted for delivery",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 8),
		}),
	}
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MulticastsSubmitted,
		m.UnicastsSent,
		m.TransportFailures,
		m.ProposalsSent,
		m.ProposalsReceived,
		m.FinalsSent,
		m.FinalsReceived,
		m.MessagesDelivered,
		m.CallbackErrors,
		m.Discarded,
		m.Pending,
		m.Ready,
		m.BatchSize,
		m.OrderingLatency,
	}
}

// Register registers all collectors on reg, labelled with the member's id.
func (m *Metrics) Register(reg prometheus.Registerer, id tomcast.ID) (err error) {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"member": id.String()}, reg)
	for _, c := range m.Collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

// ObserveSince records the time elapsed since start in h.
func ObserveSince(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

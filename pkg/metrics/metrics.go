// Package metrics exposes the Prometheus counters of a rollcall host.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "rollcall"

// Metrics holds the host's counters. A nil *Metrics records nothing.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	radioFailures *prometheus.CounterVec
	queueDrops    prometheus.Counter
	malformed     prometheus.Counter
	sessions      *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dedup",
			Name:      "outcomes_total",
			Help:      "Number of identity sightings by decision outcome.",
		}, []string{"outcome"}),
		radioFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "radio",
			Name:      "failures_total",
			Help:      "Number of broadcaster and listener failures.",
		}, []string{"radio"}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dedup",
			Name:      "queue_drops_total",
			Help:      "Number of sightings dropped because the work queue was full.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dedup",
			Name:      "malformed_total",
			Help:      "Number of received payloads that failed to decode.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Number of session state transitions by target state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.radioFailures, m.queueDrops, m.malformed, m.sessions)
	}
	return m
}

// ObserveOutcome counts one dedup decision.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// RadioFailure counts one failure of the named radio.
func (m *Metrics) RadioFailure(radio string) {
	if m == nil {
		return
	}
	m.radioFailures.WithLabelValues(radio).Inc()
}

// QueueDrop counts one dropped sighting.
func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

// Malformed counts one undecodable payload.
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// SessionState counts one session state transition.
func (m *Metrics) SessionState(state string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(state).Inc()
}

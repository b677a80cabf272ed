package gamma

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transaction outcomes per family. A nil *Metrics records
// nothing.
type Metrics struct {
	commits       *prometheus.CounterVec
	aborts        *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	retryWaits    *prometheus.CounterVec
	retryTimeouts *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	barrierEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "txn",
				Name:      "commits_total",
				Help:      "Counter of committed transactions.",
			}, []string{"family"}),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "txn",
				Name:      "aborts_total",
				Help:      "Counter of aborted transactions.",
			}, []string{"family"}),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "txn",
				Name:      "conflicts_total",
				Help:      "Counter of read write conflicts.",
			}, []string{"family"}),
		retryWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "txn",
				Name:      "retry_waits_total",
				Help:      "Counter of blocking retries.",
			}, []string{"family"}),
		retryTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "txn",
				Name:      "retry_timeouts_total",
				Help:      "Counter of blocking retries that timed out.",
			}, []string{"family"}),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "speculative",
				Name:      "escalations_total",
				Help:      "Counter of speculative configuration escalations.",
			}, []string{"family", "feature"}),
		barrierEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gamma",
				Subsystem: "barrier",
				Name:      "events_total",
				Help:      "Counter of commit barrier outcomes.",
			}, []string{"type"}),
	}

	for _, c := range []prometheus.Collector{
		m.commits, m.aborts, m.conflicts, m.retryWaits, m.retryTimeouts, m.escalations, m.barrierEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return m, nil
}

func (m *Metrics) incCommit(family string) {
	if m != nil {
		m.commits.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) incAbort(family string) {
	if m != nil {
		m.aborts.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) incConflict(family string) {
	if m != nil {
		m.conflicts.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) incRetryWait(family string) {
	if m != nil {
		m.retryWaits.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) incRetryTimeout(family string) {
	if m != nil {
		m.retryTimeouts.WithLabelValues(family).Inc()
	}
}

func (m *Metrics) incEscalation(family, feature string) {
	if m != nil {
		m.escalations.WithLabelValues(family, feature).Inc()
	}
}

// BarrierCommitted records a commit barrier that committed its parties.
func (m *Metrics) BarrierCommitted() {
	if m != nil {
		m.barrierEvents.WithLabelValues("committed").Inc()
	}
}

// BarrierAborted records a commit barrier that aborted its parties.
func (m *Metrics) BarrierAborted() {
	if m != nil {
		m.barrierEvents.WithLabelValues("aborted").Inc()
	}
}

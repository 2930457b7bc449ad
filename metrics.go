package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomeCreated = "created"
)

// Metrics holds the bridge counters. A nil *Metrics records nothing.
type Metrics struct {
	SyncOperations    *prometheus.CounterVec
	SessionOperations *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
}

// NewMetrics creates and registers the counters on reg. A nil registerer
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SyncOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "sync_operations_total",
			Help:      "Identity sync operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		SessionOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "session_operations_total",
			Help:      "Session lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "webhook_events_total",
			Help:      "Webhook events handled by type and outcome.",
		}, []string{"type", "outcome"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.SyncOperations, m.SessionOperations, m.WebhookEvents} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sync(operation, outcome string) {
	if m == nil {
		return
	}
	m.SyncOperations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) session(operation, outcome string) {
	if m == nil {
		return
	}
	m.SessionOperations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) webhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

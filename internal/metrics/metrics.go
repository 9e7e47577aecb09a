// Package metrics exposes Prometheus instruments for the relationship manager.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors registered by New.
type Metrics struct {
	sendOutcomes  *prometheus.CounterVec
	partialWrites *prometheus.CounterVec
	repairs       *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relationships",
			Name:      "send_outcomes_total",
			Help:      "Friend request send attempts by outcome.",
		}, []string{"outcome"}),
		partialWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relationships",
			Name:      "partial_writes_total",
			Help:      "Dual friend-set writes that left the pair asymmetric after retries.",
		}, []string{"operation"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relationships",
			Name:      "repairs_total",
			Help:      "Reconciliation actions by kind.",
		}, []string{"action"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relationships",
			Name:      "active_subscriptions",
			Help:      "Open subscription streams by feed.",
		}, []string{"feed"}),
	}

	if reg != nil {
		reg.MustRegister(m.sendOutcomes, m.partialWrites, m.repairs, m.subscriptions)
	}
	return m
}

// SendOutcome counts one send attempt.
func (m *Metrics) SendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sendOutcomes.WithLabelValues(outcome).Inc()
}

// PartialWrite counts a dual write that ended half applied.
func (m *Metrics) PartialWrite(operation string) {
	if m == nil {
		return
	}
	m.partialWrites.WithLabelValues(operation).Inc()
}

// Repair counts a reconciliation action.
func (m *Metrics) Repair(action string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(action).Inc()
}

// SubscriptionOpened increments the gauge for feed.
func (m *Metrics) SubscriptionOpened(feed string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(feed).Inc()
}

// SubscriptionClosed decrements the gauge for feed.
func (m *Metrics) SubscriptionClosed(feed string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(feed).Dec()
}

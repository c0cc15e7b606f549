// Package monitoring holds the prometheus collectors of the contract core.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Transitions *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Events      *prometheus.CounterVec
	RelayErrors *prometheus.CounterVec
}

// New builds the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freightline",
			Name:      "transitions_total",
			Help:      "Successful contract operations by operation.",
		}, []string{"op"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freightline",
			Name:      "rejections_total",
			Help:      "Rejected contract operations by operation and error code.",
		}, []string{"op", "code"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freightline",
			Name:      "relayed_events_total",
			Help:      "Events delivered by the relay per forwarder.",
		}, []string{"forwarder"}),
		RelayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "freightline",
			Name:      "relay_errors_total",
			Help:      "Failed relay delivery attempts per forwarder.",
		}, []string{"forwarder"}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Rejections, m.Events, m.RelayErrors)
	}
	return m
}

func (m *Metrics) Transition(op string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(op).Inc()
}

func (m *Metrics) Rejection(op, code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(op, code).Inc()
}

func (m *Metrics) Relayed(forwarder string, n int) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(forwarder).Add(float64(n))
}

func (m *Metrics) RelayError(forwarder string) {
	if m == nil {
		return
	}
	m.RelayErrors.WithLabelValues(forwarder).Inc()
}

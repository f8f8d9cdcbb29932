package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions         *prometheus.CounterVec
	notificationsFailed prometheus.Counter
	requests            *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tellbrandz",
			Subsystem: "resolution",
			Name:      "transitions_total",
			Help:      "Resolution workflow operations by outcome.",
		}, []string{"operation", "outcome"}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tellbrandz",
			Name:      "notifications_failed_total",
			Help:      "Best-effort notifications that could not be delivered.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tellbrandz",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.transitions, m.notificationsFailed, m.requests)
	return m
}

// ObserveTransition counts one workflow operation attempt.
func (m *Metrics) ObserveTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
}

// NotificationFailed counts a dropped notification.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationsFailed.Inc()
}

// ObserveRequest counts one HTTP response.
func (m *Metrics) ObserveRequest(route, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
}

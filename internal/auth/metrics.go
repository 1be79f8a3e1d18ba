// metrics.go -- Prometheus counters for authentication outcomes.
package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts flow outcomes. A nil *Metrics records nothing.
type Metrics struct {
	logins        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	links         *prometheus.CounterVec
	errors        *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupil",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupil",
			Subsystem: "auth",
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome.",
		}, []string{"outcome"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupil",
			Subsystem: "auth",
			Name:      "link_redemptions_total",
			Help:      "Emailed link redemptions by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pupil",
			Subsystem: "auth",
			Name:      "errors_total",
			Help:      "Classified errors returned to clients, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.logins, m.registrations, m.links, m.errors)
	return m
}

func (m *Metrics) login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) registration(outcome string) {
	if m != nil {
		m.registrations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) link(purpose, outcome string) {
	if m != nil {
		m.links.WithLabelValues(purpose, outcome).Inc()
	}
}

func (m *Metrics) classified(e *Error) {
	if m != nil && e != nil {
		m.errors.WithLabelValues(e.Code()).Inc()
	}
}

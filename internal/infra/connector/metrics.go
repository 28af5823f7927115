package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts connector activity. A nil *Metrics is a no-op so tests and
// embedded callers can skip registration.
type Metrics struct {
	sessionsEstablished *prometheus.CounterVec
	toolCalls           *prometheus.CounterVec
	installAttempts     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsEstablished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mika",
			Subsystem: "connector",
			Name:      "sessions_established_total",
			Help:      "Server sessions established, by server name.",
		}, []string{"server"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mika",
			Subsystem: "connector",
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by server name and outcome.",
		}, []string{"server", "outcome"}),
		installAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mika",
			Subsystem: "connector",
			Name:      "install_attempts_total",
			Help:      "Installation attempts, by server name and outcome.",
		}, []string{"server", "outcome"}),
	}
}

func (m *Metrics) observeSessionEstablished(server string) {
	if m == nil {
		return
	}
	m.sessionsEstablished.WithLabelValues(server).Inc()
}

func (m *Metrics) observeToolCall(server, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, outcome).Inc()
}

func (m *Metrics) observeInstall(server, outcome string) {
	if m == nil {
		return
	}
	m.installAttempts.WithLabelValues(server, outcome).Inc()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client's Prometheus counters. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	RelayHandshakes    *prometheus.CounterVec
	ForcedLogouts      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyls_session_transitions_total",
			Help: "Committed session state transitions by resulting state",
		}, []string{"state"}),
		RelayHandshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tinyls_relay_handshakes_total",
			Help: "Settled OAuth2 relay handshakes by outcome",
		}, []string{"outcome"}),
		ForcedLogouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinyls_forced_logouts_total",
			Help: "Sessions ended because an API call reported 401 or 403",
		}),
		gatherer: reg,
	}
}

// IncSessionTransition counts one committed transition into state
func (m *Metrics) IncSessionTransition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}

// IncRelayHandshake counts one settled handshake
func (m *Metrics) IncRelayHandshake(outcome string) {
	if m == nil {
		return
	}
	m.RelayHandshakes.WithLabelValues(outcome).Inc()
}

// IncForcedLogout counts one error-driven logout
func (m *Metrics) IncForcedLogout() {
	if m == nil {
		return
	}
	m.ForcedLogouts.Inc()
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

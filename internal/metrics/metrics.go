// Package metrics exposes the server's Prometheus instrumentation:
// package-level promauto collectors served over a plain net/http handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udpunch_registrations_total",
		Help: "Total number of register/refresh operations handled.",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udpunch_requests_total",
		Help: "Total number of punch requests handled, by outcome.",
	}, []string{"outcome"})

	PunchChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udpunch_punch_checks_total",
		Help: "Total number of completed punch-check probes, by result.",
	}, []string{"ok"})

	ProxySetupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "udpunch_proxy_setups_total",
		Help: "Total number of ProxyTo outcomes.",
	}, []string{"outcome"})

	RelaySessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "udpunch_relay_sessions_active",
		Help: "Current number of active relay sessions.",
	})

	DatagramsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udpunch_datagrams_processed_total",
		Help: "Total number of inbound datagrams dispatched by the event core.",
	})
)

// Handler serves the default Prometheus registry, the same collectors the
// promauto vars above register themselves into.
func Handler() http.Handler {
	return promhttp.Handler()
}

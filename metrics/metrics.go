// Package metrics holds the daemon's Prometheus collectors. Collectors are
// package-level so any component can update them; Registry exposes them on a
// dedicated registry instead of the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envsensed"

var (
	SessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "1 for the session's current state, 0 for every other state.",
	}, []string{"state"})

	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Session state transitions by target state.",
	}, []string{"state"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Telemetry notifications accepted, by kind.",
	}, []string{"kind"})

	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Notifications dropped because the payload could not be decoded.",
	}, []string{"kind"})

	StaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_events_total",
		Help:      "Transport events dropped because they belonged to an older connection.",
	})

	PersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_errors_total",
		Help:      "Failed appends to the record log.",
	})

	BacklogBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backlog_bytes_total",
		Help:      "Backlog bytes received and persisted.",
	})

	BacklogTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backlog_transfers_total",
		Help:      "Finished backlog transfers by outcome.",
	}, []string{"outcome"})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Automatic reconnect attempts.",
	})

	DevicesSeen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_seen",
		Help:      "Distinct devices observed in the current scan.",
	})

	SinkWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_writes_total",
		Help:      "Record mirror writes by sink and result.",
	}, []string{"sink", "result"})

	SinkBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sink_breaker_state",
		Help:      "Circuit breaker state per sink: 0 closed, 1 half-open, 2 open.",
	}, []string{"sink"})

	WebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients.",
	})

	UplinkRTT = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uplink_rtt_seconds",
		Help:      "Average ICMP round trip to the uplink host in the last probe.",
	})

	UplinkUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uplink_up",
		Help:      "1 when the last uplink probe received replies.",
	})
)

// Registry returns a registry carrying every collector above plus the Go and
// process collectors.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionState,
		SessionTransitions,
		Notifications,
		DecodeErrors,
		StaleEvents,
		PersistErrors,
		BacklogBytes,
		BacklogTransfers,
		Reconnects,
		DevicesSeen,
		SinkWrites,
		SinkBreakerState,
		WebSocketClients,
		UplinkRTT,
		UplinkUp,
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveState marks state as current among all known states.
func ObserveState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
	SessionTransitions.WithLabelValues(current).Inc()
}

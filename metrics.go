package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transportsSelected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echo",
			Subsystem: "api",
			Name:      "transports_selected_total",
			Help:      "Transports chosen by new requests",
		},
		[]string{"transport"},
	)

	requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "echo",
			Subsystem: "api",
			Name:      "request_errors_total",
			Help:      "Errors delivered to requests, by error code",
		},
		[]string{"code"},
	)

	openSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "echo",
			Subsystem: "api",
			Name:      "websocket_sockets",
			Help:      "Shared websocket connections currently registered",
		},
	)

	socketReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "echo",
			Subsystem: "api",
			Name:      "websocket_reconnects_total",
			Help:      "Forced reconnects after missed pongs",
		},
	)

	pongTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "echo",
			Subsystem: "api",
			Name:      "websocket_pong_timeouts_total",
			Help:      "Pings that got no pong within the ping interval",
		},
	)
)

// MetricsCollectors returns every collector this package updates.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		transportsSelected,
		requestErrors,
		openSockets,
		socketReconnects,
		pongTimeouts,
	}
}

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range MetricsCollectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

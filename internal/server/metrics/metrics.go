package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fan-out and relay counters. Registered on the default registry and served
// from /metrics.
var (
	UpdatesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "happy",
		Subsystem: "router",
		Name:      "updates_emitted_total",
		Help:      "Update events delivered to local connections.",
	}, []string{"type"})

	EphemeralsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happy",
		Subsystem: "router",
		Name:      "ephemerals_emitted_total",
		Help:      "Ephemeral events delivered to local connections.",
	})

	ActivityCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happy",
		Subsystem: "router",
		Name:      "activity_coalesced_total",
		Help:      "Session activity signals absorbed by the debounce buffer.",
	})

	RPCLocalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happy",
		Subsystem: "relay",
		Name:      "rpc_local_calls_total",
		Help:      "RPC calls served by a connection on this instance.",
	})

	RPCForwards = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happy",
		Subsystem: "relay",
		Name:      "rpc_forwards_total",
		Help:      "RPC calls forwarded to another instance over the bus.",
	})

	RPCTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "happy",
		Subsystem: "relay",
		Name:      "rpc_timeouts_total",
		Help:      "RPC calls that exceeded the end-to-end timeout.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "happy",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Currently registered websocket connections.",
	})
)

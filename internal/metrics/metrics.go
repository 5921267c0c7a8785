// Package metrics holds the Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle results recorded on SyncCycles.
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultError     = "error"
)

var (
	SyncCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natmap",
		Name:      "sync_cycles_total",
		Help:      "Completed sync cycles by result.",
	}, []string{"result"})

	BroadcastEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "natmap",
		Name:      "sync_broadcast_entries_total",
		Help:      "Mapping entries broadcast by the sync loop.",
	})

	RemoteCommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "natmap",
		Name:      "remote_command_duration_seconds",
		Help:      "Latency of remote listing commands.",
		Buckets:   prometheus.DefBuckets,
	})

	SessionConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "natmap",
		Name:      "session_connected",
		Help:      "1 while the SSH session to the router is connected.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "natmap",
		Name:      "subscribers",
		Help:      "Currently registered websocket subscribers.",
	})

	APIUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "natmap",
		Name:      "api_updates_total",
		Help:      "PUT /mappings requests by outcome.",
	}, []string{"outcome"})
)

// Registry holds every collector above plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		SyncCycles,
		BroadcastEntries,
		RemoteCommandDuration,
		SessionConnected,
		Subscribers,
		APIUpdates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

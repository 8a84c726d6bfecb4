package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dorch"
)

var (
	// CommandsTotal counts total commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordd",
			Name:      "commands_total",
			Help:      "Total number of commands processed",
		},
		[]string{"cmd", "status"}, // status: success/error
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordd",
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"cmd"},
	)

	// ConnectionsTotal tracks active connections
	ConnectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordd",
			Name:      "connections",
			Help:      "Number of open client connections",
		},
	)

	// KeyspaceKeys tracks keys, split by whether they carry a TTL
	KeyspaceKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordd",
			Name:      "keys",
			Help:      "Number of keys in the keyspace",
		},
		[]string{"kind"}, // all/volatile
	)

	// KeyspaceEvents mirrors the store's lifetime counters
	KeyspaceEvents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordd",
			Name:      "keyspace_events",
			Help:      "Lifetime keyspace counters reported by the store",
		},
		[]string{"event"}, // hits/misses/expired/evicted/transactions/pubsub_dropped
	)

	// StateUpdates counts live state writes by outcome
	StateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gamestate",
			Name:      "updates_total",
			Help:      "Live state updates by result",
		},
		[]string{"result"}, // changed/heartbeat/error
	)

	// PartyRemovals counts member removals by outcome
	PartyRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "party",
			Name:      "removals_total",
			Help:      "Party member removals by result",
		},
		[]string{"result"}, // remaining/disbanded/error
	)

	// AdmissionDecisions counts edge admission outcomes
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome",
		},
		[]string{"decision"}, // admit/reject/exempt/fail_open
	)

	// ArtifactEnsures counts Ensure calls by where the bytes came from
	ArtifactEnsures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "ensures_total",
			Help:      "Artifact ensure calls by source",
		},
		[]string{"source"}, // local/cache/origin/lost-race/error
	)

	// ArtifactBytes counts bytes transferred per source
	ArtifactBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "bytes_total",
			Help:      "Artifact bytes transferred by source",
		},
		[]string{"source"}, // cache/origin
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}

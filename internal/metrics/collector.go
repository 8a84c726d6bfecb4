package metrics

import (
	"runtime"
	"time"
)

// Keyspace is a point-in-time view of the coordination store's counters.
type Keyspace struct {
	Keys          int64
	VolatileKeys  int64
	Hits          int64
	Misses        int64
	Expired       int64
	Evicted       int64
	Transactions  int64
	PubSubDropped int64
}

// Collector collects custom metrics
type Collector struct {
	startTime time.Time
	keyspace  func() Keyspace
}

// NewCollector creates a collector. keyspace may be nil in processes that
// do not host a store.
func NewCollector(keyspace func() Keyspace) *Collector {
	return &Collector{
		startTime: time.Now(),
		keyspace:  keyspace,
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
	c.collectKeyspace()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

func (c *Collector) collectKeyspace() {
	if c.keyspace == nil {
		return
	}
	ks := c.keyspace()

	KeyspaceKeys.WithLabelValues("all").Set(float64(ks.Keys))
	KeyspaceKeys.WithLabelValues("volatile").Set(float64(ks.VolatileKeys))
	KeyspaceEvents.WithLabelValues("hits").Set(float64(ks.Hits))
	KeyspaceEvents.WithLabelValues("misses").Set(float64(ks.Misses))
	KeyspaceEvents.WithLabelValues("expired").Set(float64(ks.Expired))
	KeyspaceEvents.WithLabelValues("evicted").Set(float64(ks.Evicted))
	KeyspaceEvents.WithLabelValues("transactions").Set(float64(ks.Transactions))
	KeyspaceEvents.WithLabelValues("pubsub_dropped").Set(float64(ks.PubSubDropped))
}

// RecordCommand records command execution
func RecordCommand(cmd string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordConnection records connection count change
func RecordConnection(delta int) {
	ConnectionsTotal.Add(float64(delta))
}

// RecordStateUpdate records one live state write.
func RecordStateUpdate(changed int64, err error) {
	switch {
	case err != nil:
		StateUpdates.WithLabelValues("error").Inc()
	case changed == 0:
		StateUpdates.WithLabelValues("heartbeat").Inc()
	default:
		StateUpdates.WithLabelValues("changed").Inc()
	}
}

// RecordPartyRemoval records one member removal.
func RecordPartyRemoval(remaining int64, err error) {
	switch {
	case err != nil:
		PartyRemovals.WithLabelValues("error").Inc()
	case remaining == 0:
		PartyRemovals.WithLabelValues("disbanded").Inc()
	default:
		PartyRemovals.WithLabelValues("remaining").Inc()
	}
}

// RecordAdmission records one admission decision.
func RecordAdmission(decision string) {
	AdmissionDecisions.WithLabelValues(decision).Inc()
}

// RecordArtifact records one Ensure outcome and the bytes it moved.
func RecordArtifact(source string, bytes int64) {
	ArtifactEnsures.WithLabelValues(source).Inc()
	if bytes > 0 {
		ArtifactBytes.WithLabelValues(source).Add(float64(bytes))
	}
}

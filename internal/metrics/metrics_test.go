package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecording(t *testing.T) {
	// The registry is global, so assert on deltas.
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("hget", "success"))
	RecordCommand("hget", 10*time.Millisecond, true)
	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues("hget", "success")); got != before+1 {
		t.Errorf("commands_total = %v, want %v", got, before+1)
	}

	conns := testutil.ToFloat64(ConnectionsTotal)
	RecordConnection(1)
	RecordConnection(-1)
	if got := testutil.ToFloat64(ConnectionsTotal); got != conns {
		t.Errorf("connections = %v, want %v", got, conns)
	}
}

func TestRecordOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		metric func() float64
	}{
		{
			name:   "state heartbeat",
			record: func() { RecordStateUpdate(0, nil) },
			metric: func() float64 { return testutil.ToFloat64(StateUpdates.WithLabelValues("heartbeat")) },
		},
		{
			name:   "state error",
			record: func() { RecordStateUpdate(3, errors.New("boom")) },
			metric: func() float64 { return testutil.ToFloat64(StateUpdates.WithLabelValues("error")) },
		},
		{
			name:   "party disbanded",
			record: func() { RecordPartyRemoval(0, nil) },
			metric: func() float64 { return testutil.ToFloat64(PartyRemovals.WithLabelValues("disbanded")) },
		},
		{
			name:   "admission reject",
			record: func() { RecordAdmission("reject") },
			metric: func() float64 { return testutil.ToFloat64(AdmissionDecisions.WithLabelValues("reject")) },
		},
		{
			name:   "artifact origin",
			record: func() { RecordArtifact("origin", 1024) },
			metric: func() float64 { return testutil.ToFloat64(ArtifactEnsures.WithLabelValues("origin")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.metric()
			tt.record()
			if got := tt.metric(); got != before+1 {
				t.Errorf("got %v, want %v", got, before+1)
			}
		})
	}
}

func TestCollectorKeyspace(t *testing.T) {
	c := NewCollector(func() Keyspace {
		return Keyspace{Keys: 42, VolatileKeys: 7, PubSubDropped: 3}
	})
	c.Collect()

	if got := testutil.ToFloat64(KeyspaceKeys.WithLabelValues("all")); got != 42 {
		t.Errorf("keys{all} = %v, want 42", got)
	}
	if got := testutil.ToFloat64(KeyspaceKeys.WithLabelValues("volatile")); got != 7 {
		t.Errorf("keys{volatile} = %v, want 7", got)
	}
	if got := testutil.ToFloat64(KeyspaceEvents.WithLabelValues("pubsub_dropped")); got != 3 {
		t.Errorf("pubsub_dropped = %v, want 3", got)
	}

	// A collector without a store still reports process metrics.
	NewCollector(nil).Collect()
	if testutil.ToFloat64(Uptime) < 0 {
		t.Error("uptime must not be negative")
	}
}

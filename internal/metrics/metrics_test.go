package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished("completed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsFinished.WithLabelValues("completed")))
}

func TestCycleResetsStates(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Cycle(map[string]int{"behind": 2, "synced": 1})
	m.Cycle(map[string]int{"synced": 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileCycles))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SyncStatuses.WithLabelValues("synced")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SyncStatuses))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionFinished("failed")
		m.Command("ok")
		m.Step(1)
		m.Cycle(map[string]int{"synced": 1})
		m.FastForward()
		m.ConflictResolution("accept-ours")
	})
}

func TestRegistersOncePerRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

func TestBusDeliversAndDrops(t *testing.T) {
	bus := NewBus()
	fast, unsubFast := bus.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := bus.Subscribe(1)
	defer unsubSlow()

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Kind: EventStatus, Message: "tick"})
	}

	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1)
	assert.EqualValues(t, 2, bus.Dropped())
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(Event{Kind: EventStatus})
	assert.Zero(t, bus.Dropped())
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Kind: EventStatus})
	assert.Zero(t, bus.Dropped())
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.IncSweep()
	m.IncSweep()
	m.IncBusyCycle()
	m.ObserveOutcome(models.HistoryCompleted, 90*time.Minute)
	m.ObserveOutcome(models.HistoryPostponed, time.Second)
	m.AddRecovered(models.StateFailed, 2)
	m.AddRecovered(models.StateToDo, 0)
	m.ObserveDeviceRequest("/goto", "ok", 1)
	m.ObserveDeviceRequest("/goto", "failed", 3)

	assert.InDelta(t, 2, counterValue(t, m, "dwarf_scheduler_sweeps_total", nil), 0)
	assert.InDelta(t, 1, counterValue(t, m, "dwarf_scheduler_busy_cycles_total", nil), 0)
	assert.InDelta(t, 1, counterValue(t, m, "dwarf_session_outcomes_total", map[string]string{"status": "Completed"}), 0)
	assert.InDelta(t, 2, counterValue(t, m, "dwarf_scheduler_recovered_total", map[string]string{"to": "Failed"}), 0)
	assert.InDelta(t, 0, counterValue(t, m, "dwarf_scheduler_recovered_total", map[string]string{"to": "ToDo"}), 0)
	assert.InDelta(t, 1, counterValue(t, m, "dwarf_device_requests_total", map[string]string{"path": "/goto", "result": "failed"}), 0)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"dwarf_session_outcomes_total",
		"dwarf_session_duration_seconds",
		"dwarf_scheduler_sweeps_total",
		"dwarf_scheduler_busy_cycles_total",
		"dwarf_scheduler_recovered_total",
		"dwarf_device_requests_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.IncSweep()
	m.IncBusyCycle()
	m.ObserveOutcome(models.HistoryFailed, time.Second)
	m.AddRecovered(models.StateFailed, 1)
	m.ObserveDeviceRequest("/status", "ok", 1)
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

// counterValue reads a counter from the registry; missing series read as 0.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

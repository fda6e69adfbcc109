package querybridge

import (
	"sync/atomic"
	"time"
)

// engineMetrics holds dispatch counters. All fields are updated atomically so
// snapshots never require the lifecycle lock.
type engineMetrics struct {
	connects    atomic.Uint64
	disconnects atomic.Uint64

	queriesStarted   atomic.Uint64
	queriesSucceeded atomic.Uint64
	queriesFailed    atomic.Uint64
	queriesCancelled atomic.Uint64

	acquireTimeouts atomic.Uint64
	handlesReplaced atomic.Uint64

	latencySumUS   atomic.Uint64
	latencySamples atomic.Uint64

	inFlight atomic.Int64
}

func (m *engineMetrics) observeLatency(d time.Duration) {
	m.latencySumUS.Add(uint64(d.Microseconds()))
	m.latencySamples.Add(1)
}

// MetricsSnapshot is a point-in-time copy of engine metrics. It never
// references live engine state.
type MetricsSnapshot struct {
	State     string `json:"state"`
	Family    string `json:"family,omitempty"`
	Schema    string `json:"schema_version,omitempty"`
	Timestamp int64  `json:"timestamp"`

	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`

	QueriesStarted   uint64 `json:"queries_started"`
	QueriesSucceeded uint64 `json:"queries_succeeded"`
	QueriesFailed    uint64 `json:"queries_failed"`
	QueriesCancelled uint64 `json:"queries_cancelled"`
	InFlight         int64  `json:"in_flight"`

	AcquireTimeouts uint64 `json:"acquire_timeouts"`
	HandlesReplaced uint64 `json:"handles_replaced"`

	AvgLatencyUS uint64 `json:"avg_latency_us"`

	PoolCapacity int `json:"pool_capacity"`
	PoolOpen     int `json:"pool_open"`
	PoolInUse    int `json:"pool_in_use"`
}

// snapshot builds a copy of the current counters.
func (m *engineMetrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Timestamp:        time.Now().UnixNano(),
		Connects:         m.connects.Load(),
		Disconnects:      m.disconnects.Load(),
		QueriesStarted:   m.queriesStarted.Load(),
		QueriesSucceeded: m.queriesSucceeded.Load(),
		QueriesFailed:    m.queriesFailed.Load(),
		QueriesCancelled: m.queriesCancelled.Load(),
		InFlight:         m.inFlight.Load(),
		AcquireTimeouts:  m.acquireTimeouts.Load(),
		HandlesReplaced:  m.handlesReplaced.Load(),
	}
	if samples := m.latencySamples.Load(); samples > 0 {
		s.AvgLatencyUS = m.latencySumUS.Load() / samples
	}
	return s
}

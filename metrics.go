package loom

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across
// servers in one process (common in tests).
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a server. All counters are
// lock-free and published to expvar under the "loom." prefix for
// inspection via /debug/vars.
type Metrics struct {
	MessagesRouted    atomic.Int64
	MessagesDropped   atomic.Int64
	DeadServiceErrors atomic.Int64

	ServicesSpawned atomic.Int64
	ServicesRemoved atomic.Int64

	TimersFired atomic.Int64

	ConnectionsOpened  atomic.Int64
	ConnectionsClosed  atomic.Int64
	SendQueueOverflows atomic.Int64

	// serviceCountFn returns the number of live services. Set by the
	// server at init time.
	serviceCountFn func() int
}

func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "loom." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("messages_routed", atomicVar(&m.MessagesRouted))
	publish("messages_dropped", atomicVar(&m.MessagesDropped))
	publish("dead_service_errors", atomicVar(&m.DeadServiceErrors))
	publish("services_spawned", atomicVar(&m.ServicesSpawned))
	publish("services_removed", atomicVar(&m.ServicesRemoved))
	publish("timers_fired", atomicVar(&m.TimersFired))
	publish("connections_opened", atomicVar(&m.ConnectionsOpened))
	publish("connections_closed", atomicVar(&m.ConnectionsClosed))
	publish("send_queue_overflows", atomicVar(&m.SendQueueOverflows))
	publish("services_live", expvar.Func(func() any {
		if m.serviceCountFn != nil {
			return m.serviceCountFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"messages_routed":      m.MessagesRouted.Load(),
		"messages_dropped":     m.MessagesDropped.Load(),
		"dead_service_errors":  m.DeadServiceErrors.Load(),
		"services_spawned":     m.ServicesSpawned.Load(),
		"services_removed":     m.ServicesRemoved.Load(),
		"timers_fired":         m.TimersFired.Load(),
		"connections_opened":   m.ConnectionsOpened.Load(),
		"connections_closed":   m.ConnectionsClosed.Load(),
		"send_queue_overflows": m.SendQueueOverflows.Load(),
	}
	if m.serviceCountFn != nil {
		snap["services_live"] = int64(m.serviceCountFn())
	}
	return snap
}

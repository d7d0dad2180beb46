package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatsFunc reports total, idle and in-use connections.
type PoolStatsFunc func() (total, idle, inUse int32)

// RegisterDBPool exposes pool statistics read at scrape time. Only the first
// pool registered in a process is exported.
func RegisterDBPool(stats PoolStatsFunc) {
	gauge := func(name, help string, pick func(total, idle, inUse int32) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(pick(stats())) },
		)
	}
	for _, c := range []prometheus.Collector{
		gauge("db_pool_total_conns", "Total connections in the database pool.",
			func(t, _, _ int32) int32 { return t }),
		gauge("db_pool_idle_conns", "Idle connections in the database pool.",
			func(_, i, _ int32) int32 { return i }),
		gauge("db_pool_in_use_conns", "Acquired connections in the database pool.",
			func(_, _, u int32) int32 { return u }),
	} {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

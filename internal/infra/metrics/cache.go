package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal, cacheInvalidationsTotal) }

var (
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Tracks cache hits, misses and errors for various caches.",
		},
		[]string{"cache", "result"}, // e.g., cache="conversation", result="hit"
	)

	cacheInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Cache keys dropped after writes.",
		},
		[]string{"cache"},
	)
)

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func IncCacheInvalidation(cacheName string) {
	cacheInvalidationsTotal.WithLabelValues(norm(cacheName)).Inc()
}

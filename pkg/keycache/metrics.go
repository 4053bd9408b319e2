package keycache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_keycache_lookups_total",
		Help: "Key cache lookups by cache name and result (hit, miss)",
	}, []string{"cache", "result"})

	cacheLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_keycache_loads_total",
		Help: "Key cache loader invocations by cache name and outcome (success, failure)",
	}, []string{"cache", "outcome"})

	cacheLoadSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "idp_keycache_load_duration_seconds",
		Help:    "Key cache loader latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"cache"})

	cacheRemovals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_keycache_removals_total",
		Help: "Entries removed from the key cache by eviction, expiry or invalidation",
	}, []string{"cache"})
)

// RegisterMetrics registers the key cache metrics on the given registry (or default if nil).
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{cacheLookups, cacheLoads, cacheLoadSeconds, cacheRemovals} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

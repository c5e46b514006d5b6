package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	backendMemory  = "memory"
	backendRedis   = "redis"
	backendLevelDB = "leveldb"
)

var (
	// CacheOperations counts storage operations by backend, operation and outcome.
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vihaar_cache_operations_total",
			Help: "Total number of cache storage operations",
		},
		[]string{"backend", "operation", "outcome"}, // outcome: "ok", "miss", "error"
	)
)

func observe(backend, operation string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCacheMiss):
		outcome = "miss"
	default:
		outcome = "error"
	}
	CacheOperations.WithLabelValues(backend, operation, outcome).Inc()
}

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vihaar_worker_state",
		Help: "Lifecycle state per worker generation (0=parsed, 1=installing, 2=installed, 3=activating, 4=activated, 5=redundant)",
	}, []string{"version"})

	controlMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vihaar_control_messages_total",
		Help: "Control messages handled by type",
	}, []string{"type"})

	janitorEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vihaar_janitor_evictions_total",
		Help: "Entries removed by the cache janitor",
	}, []string{"pass"}) // "images", "api"
)

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tallysync",
			Name:      "tasks_total",
			Help:      "Sync task outcomes by terminal status.",
		},
		[]string{"status", "entity_type"},
	)

	connectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tallysync",
			Name:      "connected_agents",
			Help:      "Number of currently connected agent sessions.",
		},
	)

	triggerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tallysync",
			Name:      "trigger_backlog",
			Help:      "Pending entity-change triggers in Redis.",
		},
	)

	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tallysync",
			Name:      "dispatch_duration_seconds",
			Help:      "Round-trip time of a sync task through an agent.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(tasksTotal, connectedAgents, triggerBacklog, dispatchDuration)
	})
}

func IncTask(status, entityType string) {
	tasksTotal.WithLabelValues(status, entityType).Inc()
}

func SetConnectedAgents(n int) {
	connectedAgents.Set(float64(n))
}

func SetTriggerBacklog(n int64) {
	triggerBacklog.Set(float64(n))
}

func ObserveDispatch(seconds float64) {
	dispatchDuration.Observe(seconds)
}

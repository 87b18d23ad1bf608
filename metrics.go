package taskscheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's Prometheus collectors, grounded on the
// package-level promauto.NewCounter/NewGauge pattern used by buckley's
// pkg/orchestrator/metrics.go. Each Scheduler owns its own Metrics
// instance registered against its own registry, so that creating and
// destroying multiple schedulers in tests never double-registers.
type Metrics struct {
	registry *prometheus.Registry

	tasksDefined   prometheus.Counter
	tasksPublished prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksStolen    prometheus.Counter
	poolFullErrors prometheus.Counter
	workersParked  prometheus.Gauge
}

// NewMetrics creates a fresh, independently registered Metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		tasksDefined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskscheduler",
			Name:      "tasks_defined_total",
			Help:      "Number of tasks created via DefineTask or SpawnChildTask.",
		}),
		tasksPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskscheduler",
			Name:      "tasks_published_total",
			Help:      "Number of tasks pushed onto a pool's steal deque.",
		}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskscheduler",
			Name:      "tasks_completed_total",
			Help:      "Number of tasks whose work_count reached zero.",
		}),
		tasksStolen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskscheduler",
			Name:      "tasks_stolen_total",
			Help:      "Number of tasks dispatched via a cross-pool steal.",
		}),
		poolFullErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskscheduler",
			Name:      "pool_full_errors_total",
			Help:      "Number of DefineTask/SpawnChildTask calls that failed with POOL_FULL.",
		}),
		workersParked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskscheduler",
			Name:      "workers_parked",
			Help:      "Worker threads parked waiting for ready work. Registered but never set by the scheduler, so it reads 0.",
		}),
	}
}

// Registry exposes the underlying Prometheus registry for callers that
// want to serve /metrics themselves.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

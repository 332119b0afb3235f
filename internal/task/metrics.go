package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

// deliveryFailures counts webhook deliveries that exhausted their retry
// budget, labeled by the event's lifecycle status (running/completed/failed).
var deliveryFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_delivery_failures_total",
		Help: "Webhook deliveries that exhausted their retry budget, by task status.",
	},
	[]string{"status"},
)

// activeTasks tracks how many tasks are currently running the agent loop,
// from Execute's acceptance until onDone fires.
var activeTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "active_tasks",
		Help: "Number of tasks currently executing the agent loop.",
	},
)

// loopIterations records how many iterations a task's agent loop took to
// reach a terminal state (completed, failed, or iteration-cap exhaustion).
var loopIterations = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "agent_loop_iterations",
		Help:    "Agent loop iterations per task at termination.",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	},
)

func init() {
	prometheus.MustRegister(deliveryFailures, activeTasks, loopIterations)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	lisa = "lisa"

	tasksSubmittedTotal  = "tasks_submitted_total"
	tasksTotal           = "tasks_total"
	webhookDeliveries    = "webhook_deliveries_total"
	tasksByStatus        = "tasks_by_status"
	analysisDurationSecs = "analysis_duration_seconds"

	// Labels
	kindLabel   = "kind"
	statusLabel = "status"
	resultLabel = "result"
)

var tasksSubmittedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: lisa,
		Name:      tasksSubmittedTotal,
		Help:      "number of analysis tasks accepted by the api",
	},
	[]string{kindLabel},
)

var tasksTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: lisa,
		Name:      tasksTotal,
		Help:      "number of task state transitions recorded by the workers",
	},
	[]string{statusLabel},
)

var webhookDeliveriesMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: lisa,
		Name:      webhookDeliveries,
		Help:      "number of webhook notifications by delivery result",
	},
	[]string{resultLabel},
)

var tasksByStatusMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: lisa,
		Name:      tasksByStatus,
		Help:      "number of tasks in the metadata store in each status",
	},
	[]string{statusLabel},
)

var analysisDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: lisa,
		Name:      analysisDurationSecs,
		Help:      "wall time spent running the analyzer",
		Buckets:   []float64{5, 10, 20, 60, 120, 300, 600, 1200},
	},
	[]string{kindLabel, statusLabel},
)

func IncreaseTasksSubmittedMetric(kind string) {
	tasksSubmittedTotalMetric.With(prometheus.Labels{kindLabel: kind}).Inc()
}

func IncreaseTasksTotalMetric(status string) {
	tasksTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func IncreaseWebhookDeliveriesMetric(result string) {
	webhookDeliveriesMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func UpdateTasksByStatusMetric(status string, count int64) {
	tasksByStatusMetric.With(prometheus.Labels{statusLabel: status}).Set(float64(count))
}

func ObserveAnalysisDuration(kind, status string, seconds float64) {
	analysisDurationMetric.With(prometheus.Labels{kindLabel: kind, statusLabel: status}).Observe(seconds)
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(tasksSubmittedTotalMetric)
	prometheus.MustRegister(tasksTotalMetric)
	prometheus.MustRegister(webhookDeliveriesMetric)
	prometheus.MustRegister(tasksByStatusMetric)
	prometheus.MustRegister(analysisDurationMetric)
}

// Package metrics exposes worker and queue observations as Prometheus
// collectors.
package metrics

import (
	"context"
	"errors"

	"github.com/UniQw/searchsync"
	"github.com/prometheus/client_golang/prometheus"
)

var Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "worker",
	Name:      "batches",
}, []string{"worker", "result"})

var Tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "worker",
	Name:      "tasks",
}, []string{"worker", "result"})

var Entities = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "worker",
	Name:      "entities",
}, []string{"worker", "op"})

var BatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "searchsync",
	Subsystem: "worker",
	Name:      "batch_duration_seconds",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"worker"})

var QueueTasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "queue",
	Name:      "tasks",
}, []string{"status"})

var QueueTasksByType = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "queue",
	Name:      "tasks_by_type",
}, []string{"type"})

var QueueOldestAge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "queue",
	Name:      "oldest_task_age_seconds",
})

var QueueMaxProcessing = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "queue",
	Name:      "max_processing_seconds",
})

// QueueTier is 1 for the current tier and 0 for the others.
var QueueTier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "queue",
	Name:      "tier",
}, []string{"tier"})

var tiers = []searchsync.Tier{
	searchsync.TierHealthy, searchsync.TierNormal, searchsync.TierBusy, searchsync.TierDegraded, searchsync.TierCritical,
}

// Collectors lists every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Batches, Tasks, Entities, BatchDuration,
		QueueTasks, QueueTasksByType, QueueOldestAge, QueueMaxProcessing, QueueTier,
	}
}

// Register adds every collector to reg. Collectors already registered are
// skipped, so repeated calls are harmless.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Reporter feeds worker events into the collectors.
type Reporter struct{}

var _ searchsync.Reporter = Reporter{}

// ReportBatch records one batch outcome.
func (Reporter) ReportBatch(res *searchsync.BatchResult, err error) {
	if res == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	Batches.WithLabelValues(res.WorkerID, result).Inc()
	Tasks.WithLabelValues(res.WorkerID, "processed").Add(float64(res.TasksProcessed))
	Tasks.WithLabelValues(res.WorkerID, "failed").Add(float64(res.TasksFailed))
	Entities.WithLabelValues(res.WorkerID, "upsert").Add(float64(res.EntitiesUpserted))
	Entities.WithLabelValues(res.WorkerID, "delete").Add(float64(res.EntitiesDeleted))
	BatchDuration.WithLabelValues(res.WorkerID).Observe(res.Duration.Seconds())
}

// ReportHealth publishes a queue snapshot.
func (Reporter) ReportHealth(_ context.Context, h *searchsync.Health) {
	if h == nil {
		return
	}
	for s, n := range h.ByStatus {
		QueueTasks.WithLabelValues(string(s)).Set(float64(n))
	}
	QueueTasks.WithLabelValues("retried").Set(float64(h.RetriedTasks))
	for _, tt := range append([]searchsync.TaskType{searchsync.TypeEntityUpdate}, searchsync.AggregateTypes...) {
		QueueTasksByType.WithLabelValues(string(tt)).Set(float64(h.ByType[tt]))
	}
	age := 0.0
	if h.Oldest != nil {
		age = h.CheckedAt.Sub(*h.Oldest).Seconds()
	}
	QueueOldestAge.Set(age)
	QueueMaxProcessing.Set(h.MaxProcessingTimeMs / 1000)
	for _, t := range tiers {
		v := 0.0
		if t == h.Tier {
			v = 1
		}
		QueueTier.WithLabelValues(string(t)).Set(v)
	}
}

package searchsync

import (
	"context"
	"fmt"
	"time"
)

// Tier is a coarse classification of queue depth.
type Tier string

const (
	TierHealthy  Tier = "healthy"
	TierNormal   Tier = "normal"
	TierBusy     Tier = "busy"
	TierDegraded Tier = "degraded"
	TierCritical Tier = "critical"
)

// Tier thresholds on the total number of tasks.
const (
	normalBelow   = 100
	busyBelow     = 1000
	degradedBelow = 10000
)

// TierFor classifies a queue holding total tasks.
func TierFor(total int64) Tier {
	switch {
	case total <= 0:
		return TierHealthy
	case total < normalBelow:
		return TierNormal
	case total < busyBelow:
		return TierBusy
	case total < degradedBelow:
		return TierDegraded
	default:
		return TierCritical
	}
}

// Sources of Health processing times.
const (
	TimeFromClaims  = "claims"
	TimeFromBatches = "batches"
)

// Health is a point-in-time snapshot of the task queue.
type Health struct {
	TotalTasks           int64              `json:"totalTasks"`
	ByType               map[TaskType]int64 `json:"byType"`
	ByStatus             map[Status]int64   `json:"byStatus"`
	PendingSingle        int64              `json:"pendingSingle"`
	PendingAggregate     int64              `json:"pendingAggregate"`
	// Processing counts claims visible to the reading session. Postgres
	// claims live inside the batch transaction, so other sessions only see
	// claims left behind by a crashed or stuck worker.
	Processing           int64              `json:"processing"`
	RetriedTasks         int64              `json:"retriedTasks"`
	DeadTasks            int64              `json:"deadTasks"`
	Oldest               *time.Time         `json:"oldest,omitempty"`
	Newest               *time.Time         `json:"newest,omitempty"`
	// AvgProcessingTimeMs and MaxProcessingTimeMs measure visible claims, or
	// the reporting worker's recent batches when no claim is visible. Source
	// tells which.
	AvgProcessingTimeMs  float64            `json:"avgProcessingTimeMs"`
	MaxProcessingTimeMs  float64            `json:"maxProcessingTimeMs"`
	ProcessingTimeSource string             `json:"processingTimeSource,omitempty"`
	Tier                 Tier               `json:"tier"`
	CheckedAt            time.Time          `json:"checkedAt"`
}

// NewHealth derives a snapshot from raw store stats.
func NewHealth(st *QueueStats, now time.Time) *Health {
	h := &Health{
		TotalTasks:          st.Total,
		ByType:              st.ByType,
		ByStatus:            st.ByStatus,
		PendingSingle:       st.PendingSingle,
		PendingAggregate:    st.PendingAggregate,
		Processing:          st.ByStatus[StatusClaimed],
		RetriedTasks:        st.Retried,
		DeadTasks:           st.ByStatus[StatusDead],
		AvgProcessingTimeMs: float64(st.AvgProcessing) / float64(time.Millisecond),
		MaxProcessingTimeMs: float64(st.MaxProcessing) / float64(time.Millisecond),
		Tier:                TierFor(st.Total),
		CheckedAt:           now,
	}
	if h.Processing > 0 {
		h.ProcessingTimeSource = TimeFromClaims
	}
	if !st.Oldest.IsZero() {
		t := st.Oldest
		h.Oldest = &t
	}
	if !st.Newest.IsZero() {
		t := st.Newest
		h.Newest = &t
	}
	return h
}

// QueueHealth reads the current queue stats from store.
func QueueHealth(ctx context.Context, store Store, now time.Time) (*Health, error) {
	st, err := store.Stats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return NewHealth(st, now), nil
}

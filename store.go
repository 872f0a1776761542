package searchsync

import (
	"context"
	"time"
)

// Store is the durable home of the task queue and the projection table.
// Implementations must make ClaimTasks safe across concurrent transactions:
// two open transactions never claim the same task.
type Store interface {
	// Begin opens a transaction covering one batch.
	Begin(ctx context.Context) (Tx, error)

	// Enqueue inserts t or merges it into the pending task holding the same
	// dedup key, and returns the stored task.
	Enqueue(ctx context.Context, t *Task) (*Task, error)
	// GetTask returns one task by id or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks with the given status in claim order, at most limit when limit > 0.
	ListTasks(ctx context.Context, status Status, limit int) ([]*Task, error)
	// DeleteTask removes a non-claimed task.
	DeleteTask(ctx context.Context, id string) error
	// RetryDead gives a dead task a fresh retry budget.
	RetryDead(ctx context.Context, id string) error
	// EntityIDs lists the ids of every item in the source.
	EntityIDs(ctx context.Context) ([]string, error)

	// Stats aggregates the queue contents as of now.
	Stats(ctx context.Context, now time.Time) (*QueueStats, error)
	// PurgeDead deletes dead tasks whose last failure happened before deadBefore.
	PurgeDead(ctx context.Context, deadBefore time.Time) (int, error)
	// ResetStuck releases tasks claimed before startedBefore with retry_count+1.
	ResetStuck(ctx context.Context, startedBefore time.Time, note string) (int, error)
	// ResetAll releases every claimed task and zeroes its retry count.
	ResetAll(ctx context.Context) (int, error)
	// RecordBatchFailure notes a rolled-back batch on each non-claimed task in
	// ids. A retry is charged only while one is left to spare, so a batch
	// failure never makes a task dead; error_details[DetailBatchFailures]
	// counts the failures instead.
	RecordBatchFailure(ctx context.Context, ids []string, lastError string, details map[string]string) (int, error)
}

// Tx is one batch transaction. Nothing done through it is visible to other
// transactions until Commit.
type Tx interface {
	// ClaimTasks marks up to limit eligible tasks as processing by workerID,
	// skipping tasks locked by concurrent transactions, and returns them in claim order.
	ClaimTasks(ctx context.Context, limit int, workerID string) ([]*Task, error)
	// FailTask returns a claimed task to pending with retry_count+1 and the given diagnostics.
	FailTask(ctx context.Context, id, lastError string, details map[string]string) error
	// DeleteTasks removes processed tasks.
	DeleteTasks(ctx context.Context, ids []string) error

	// AffectedEntities returns the ids of items linked to a master record,
	// or ErrTargetNotFound when the record does not exist.
	AffectedEntities(ctx context.Context, kind MasterKind, targetID string) ([]string, error)
	// LoadSources returns the joined source of every existing item in ids.
	LoadSources(ctx context.Context, ids []string) ([]*Source, error)
	// LoadFiles returns the files rows for ids, keyed by id.
	LoadFiles(ctx context.Context, ids []string) (map[string]File, error)

	// UpsertRows writes projection rows, overwriting every column on conflict.
	UpsertRows(ctx context.Context, rows []*Row) error
	// DeleteRows removes projection rows and reports how many existed.
	DeleteRows(ctx context.Context, ids []string) (int, error)

	Commit() error
	Rollback() error
}

// QueueStats is the raw aggregation a Store reports for health snapshots.
type QueueStats struct {
	Total            int64
	ByType           map[TaskType]int64
	ByStatus         map[Status]int64
	PendingSingle    int64
	PendingAggregate int64
	Retried          int64
	Oldest           time.Time
	Newest           time.Time
	AvgProcessing    time.Duration
	MaxProcessing    time.Duration
}

// NewQueueStats returns empty stats with all maps allocated.
func NewQueueStats() *QueueStats {
	st := &QueueStats{ByType: make(map[TaskType]int64), ByStatus: make(map[Status]int64)}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	return st
}

// Observe accumulates count tasks sharing type, status and retried flag.
// processing is the summed elapsed processing time of claimed tasks in the group.
func (st *QueueStats) Observe(tt TaskType, status Status, retried bool, count int64, oldest, newest time.Time, processing, maxProcessing time.Duration) {
	if count == 0 {
		return
	}
	claimedBefore := st.ByStatus[StatusClaimed]
	st.Total += count
	st.ByType[tt] += count
	st.ByStatus[status] += count
	if status == StatusPending {
		if tt.IsAggregate() {
			st.PendingAggregate += count
		} else {
			st.PendingSingle += count
		}
		if retried {
			st.Retried += count
		}
	}
	if st.Oldest.IsZero() || (!oldest.IsZero() && oldest.Before(st.Oldest)) {
		st.Oldest = oldest
	}
	if newest.After(st.Newest) {
		st.Newest = newest
	}
	if status == StatusClaimed {
		total := st.AvgProcessing*time.Duration(claimedBefore) + processing
		st.AvgProcessing = total / time.Duration(st.ByStatus[StatusClaimed])
		if maxProcessing > st.MaxProcessing {
			st.MaxProcessing = maxProcessing
		}
	}
}

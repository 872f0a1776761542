package searchsync

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/searchsync/internal/hctx"
)

// DefaultBatchSize is the claim size used when a caller passes a non-positive size.
const DefaultBatchSize = 100

// BatchResult summarizes one ProcessBatch pass.
type BatchResult struct {
	WorkerID         string        `json:"workerId"`
	TasksClaimed     int           `json:"tasksClaimed"`
	TasksProcessed   int           `json:"tasksProcessed"`
	TasksFailed      int           `json:"tasksFailed"`
	EntitiesUpserted int           `json:"entitiesUpserted"`
	EntitiesDeleted  int           `json:"entitiesDeleted"`
	DurationMs       int64         `json:"durationMs"`
	Duration         time.Duration `json:"-"`
}

// Processor claims batches of tasks and applies them to the projection.
type Processor struct {
	store     Store
	resolvers *Resolvers
	builder   *Builder
	workerID  string
	log       Logger
	now       func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithResolvers replaces the default resolver router.
func WithResolvers(r *Resolvers) ProcessorOption {
	return func(p *Processor) { p.resolvers = r }
}

// WithBuilder replaces the default projection builder.
func WithBuilder(b *Builder) ProcessorOption {
	return func(p *Processor) { p.builder = b }
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l Logger) ProcessorOption {
	return func(p *Processor) { p.log = l }
}

// WithProcessorClock sets the clock used for durations and failure timestamps.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor claiming tasks as workerID.
func NewProcessor(store Store, workerID string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		workerID: workerID,
		log:      nopLogger{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.resolvers == nil {
		p.resolvers = NewResolvers()
	}
	if p.builder == nil {
		p.builder = NewBuilder(WithBuilderLogger(p.log), WithBuilderClock(p.now))
	}
	return p
}

// WorkerID returns the claimant id written on claimed tasks.
func (p *Processor) WorkerID() string { return p.workerID }

// ProcessBatch claims up to batchSize tasks, resolves them, applies deletes
// and rebuilds to the projection and removes the processed tasks, all in one
// transaction. A task that fails to resolve is released with retry_count+1
// without aborting the batch. If the apply step fails the transaction is
// rolled back, the failure is recorded on every claimed task and the error
// is returned to the caller, whose failure counter decides on backoff.
func (p *Processor) ProcessBatch(ctx context.Context, batchSize int) (*BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	start := p.now()
	res := &BatchResult{WorkerID: p.workerID}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.finish(res, start)
		return res, fmt.Errorf("begin batch: %w", err)
	}

	claimed, err := p.run(ctx, tx, batchSize, res)
	if err == nil {
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit batch: %w", err)
		}
	} else {
		_ = tx.Rollback()
	}
	if err != nil {
		p.chargeClaimed(ctx, claimed, err)
		res.TasksFailed = len(claimed)
		res.TasksProcessed, res.EntitiesUpserted, res.EntitiesDeleted = 0, 0, 0
		p.finish(res, start)
		return res, err
	}

	p.finish(res, start)
	if res.TasksClaimed > 0 {
		p.log.Debugf("batch done: worker=%s claimed=%d processed=%d failed=%d upserted=%d deleted=%d dur=%s",
			p.workerID, res.TasksClaimed, res.TasksProcessed, res.TasksFailed, res.EntitiesUpserted, res.EntitiesDeleted, res.Duration)
	}
	return res, nil
}

func (p *Processor) run(ctx context.Context, tx Tx, batchSize int, res *BatchResult) ([]*Task, error) {
	tasks, err := tx.ClaimTasks(ctx, batchSize, p.workerID)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	res.TasksClaimed = len(tasks)
	if len(tasks) == 0 {
		return nil, nil
	}

	var upserts, deletes, done []string
	for _, t := range tasks {
		rctx, st := hctx.NewContext(ctx, p.workerID)
		r, rerr := p.resolvers.Resolve(rctx, tx, t)
		if rerr != nil {
			details := p.details(t, "resolve")
			for k, v := range st.Details {
				if _, taken := details[k]; !taken {
					details[k] = v
				}
			}
			if ferr := tx.FailTask(ctx, t.ID, rerr.Error(), details); ferr != nil {
				return tasks, fmt.Errorf("release task %s: %w", t.ID, ferr)
			}
			res.TasksFailed++
			p.log.Warnf("resolve failed: id=%s type=%s key=%s retry=%d/%d err=%v",
				t.ID, t.Type, t.Key(), t.RetryCount+1, t.MaxRetries, rerr)
			continue
		}
		upserts = append(upserts, r.Upsert...)
		deletes = append(deletes, r.Delete...)
		done = append(done, t.ID)
	}

	deletes = dedupe(deletes)
	if len(deletes) > 0 {
		n, derr := tx.DeleteRows(ctx, deletes)
		if derr != nil {
			return tasks, fmt.Errorf("delete rows: %w", derr)
		}
		res.EntitiesDeleted = n
	}

	gone := make(map[string]struct{}, len(deletes))
	for _, id := range deletes {
		gone[id] = struct{}{}
	}
	rebuild := make([]string, 0, len(upserts))
	for _, id := range dedupe(upserts) {
		if _, ok := gone[id]; !ok {
			rebuild = append(rebuild, id)
		}
	}
	if len(rebuild) > 0 {
		r, berr := p.builder.Rebuild(ctx, tx, rebuild)
		if berr != nil {
			return tasks, fmt.Errorf("rebuild projection: %w", berr)
		}
		res.EntitiesUpserted = r.Upserted
		res.EntitiesDeleted += r.Removed
	}

	if len(done) > 0 {
		if err := tx.DeleteTasks(ctx, done); err != nil {
			return tasks, fmt.Errorf("delete processed tasks: %w", err)
		}
	}
	res.TasksProcessed = len(done)
	return tasks, nil
}

// chargeClaimed records a failed batch against every task it had claimed.
// It runs after rollback, so the tasks are pending again. The charge sinks
// them behind fresh work in claim order but keeps them alive.
func (p *Processor) chargeClaimed(ctx context.Context, claimed []*Task, cause error) {
	if len(claimed) == 0 {
		return
	}
	ids := make([]string, 0, len(claimed))
	for _, t := range claimed {
		ids = append(ids, t.ID)
	}
	details := map[string]string{
		"worker_id": p.workerID,
		"phase":     "apply",
		"failed_at": p.now().UTC().Format(time.RFC3339Nano),
	}
	n, err := p.store.RecordBatchFailure(ctx, ids, cause.Error(), details)
	if err != nil {
		p.log.Errorf("charge failed batch: worker=%s tasks=%d err=%v", p.workerID, len(ids), err)
		return
	}
	p.log.Warnf("batch failed: worker=%s tasks=%d charged=%d err=%v", p.workerID, len(ids), n, cause)
}

func (p *Processor) details(t *Task, phase string) map[string]string {
	return map[string]string{
		"worker_id": p.workerID,
		"task_type": string(t.Type),
		"phase":     phase,
		"failed_at": p.now().UTC().Format(time.RFC3339Nano),
	}
}

func (p *Processor) finish(res *BatchResult, start time.Time) {
	res.Duration = p.now().Sub(start)
	res.DurationMs = res.Duration.Milliseconds()
}

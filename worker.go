package searchsync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	rtm "github.com/UniQw/searchsync/internal/runtime"
	"github.com/UniQw/searchsync/internal/worker"
)

// Worker scheduling defaults.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultHealthInterval   = time.Minute
	DefaultCleanupInterval  = 30 * time.Minute
	DefaultStatsInterval    = 5 * time.Minute
	DefaultFailureThreshold = 5
)

const (
	minListenBackoff = time.Second
	maxListenBackoff = time.Minute

	// recentBatches is the window of batch durations used for health times.
	recentBatches = 64
)

// WorkerConfig defines the configuration for a sync worker.
type WorkerConfig struct {
	// ID is written on claimed tasks. It must be unique per running instance.
	ID string
	// BatchSize is the maximum number of tasks claimed per pass.
	BatchSize int
	// PollInterval is the fallback processing interval used regardless of
	// wake-up signals. A negative value disables polling.
	PollInterval    time.Duration
	HealthInterval  time.Duration
	CleanupInterval time.Duration
	StatsInterval   time.Duration
	// FailureThreshold is the number of consecutive failed passes after
	// which an emergency reset runs and the worker backs off.
	FailureThreshold int
	StuckTimeout     time.Duration
	DeadGrace        time.Duration
	// Signals feed wake-ups into the single-flight trigger.
	Signals   []SignalSource
	Reporters []Reporter
	Resolvers *Resolvers
	Builder   *Builder
	// Logger is the logger used for worker events.
	Logger Logger
}

// WorkerState is the scheduling state of a worker.
type WorkerState string

const (
	WorkerIdle       WorkerState = WorkerState(worker.StateIdle)
	WorkerProcessing WorkerState = WorkerState(worker.StateProcessing)
	WorkerBackingOff WorkerState = WorkerState(worker.StateBackingOff)
)

// Stats is a snapshot of worker throughput counters since start.
type Stats struct {
	WorkerID         string     `json:"workerId"`
	Batches          int64      `json:"batches"`
	FailedBatches    int64      `json:"failedBatches"`
	TasksProcessed   int64      `json:"tasksProcessed"`
	TasksFailed      int64      `json:"tasksFailed"`
	EntitiesUpserted int64      `json:"entitiesUpserted"`
	EntitiesDeleted  int64      `json:"entitiesDeleted"`
	Signals          int64      `json:"signals"`
	DroppedSignals   int64      `json:"droppedSignals"`
	LastBatchAt      *time.Time `json:"lastBatchAt,omitempty"`
}

type counters struct {
	batches        atomic.Int64
	failedBatches  atomic.Int64
	processed      atomic.Int64
	failed         atomic.Int64
	upserted       atomic.Int64
	deleted        atomic.Int64
	signals        atomic.Int64
	droppedSignals atomic.Int64
	lastBatchAt    atomic.Int64
}

// Worker drives the batch processor from wake-up signals and a poll
// interval through one single-flight guard, and runs health, cleanup and
// stats routines in the background.
type Worker struct {
	store     Store
	cfg       WorkerConfig
	proc      *Processor
	rec       *Recovery
	guard     *worker.Guard
	rt        *rtm.Runtime
	reporters Reporters
	stats     counters
	log       Logger

	mu         sync.Mutex
	started    bool
	lastHealth *Health
	recent     []time.Duration
}

// NewWorker creates a worker over store. Zero config values take defaults.
func NewWorker(store Store, cfg WorkerConfig) *Worker {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if cfg.ID == "" {
		cfg.ID = "searchsync-worker"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.PollInterval = withDefault(cfg.PollInterval, DefaultPollInterval)
	cfg.HealthInterval = withDefault(cfg.HealthInterval, DefaultHealthInterval)
	cfg.CleanupInterval = withDefault(cfg.CleanupInterval, DefaultCleanupInterval)
	cfg.StatsInterval = withDefault(cfg.StatsInterval, DefaultStatsInterval)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	popts := []ProcessorOption{WithProcessorLogger(l)}
	if cfg.Resolvers != nil {
		popts = append(popts, WithResolvers(cfg.Resolvers))
	}
	if cfg.Builder != nil {
		popts = append(popts, WithBuilder(cfg.Builder))
	}

	w := &Worker{
		store:     store,
		cfg:       cfg,
		proc:      NewProcessor(store, cfg.ID, popts...),
		rec:       NewRecovery(store, RecoveryConfig{StuckTimeout: cfg.StuckTimeout, DeadGrace: cfg.DeadGrace, Logger: l}),
		guard:     worker.NewGuard(cfg.FailureThreshold),
		reporters: Reporters(cfg.Reporters),
		log:       l,
	}

	rc := rtm.Config{Logger: l}
	for i, src := range cfg.Signals {
		rc.Loops = append(rc.Loops, rtm.Loop{
			Name: "signals-" + strconv.Itoa(i),
			Run:  func(ctx context.Context) { w.listen(ctx, src) },
		})
	}
	// a negative interval survives withDefault and disables the job
	rc.Jobs = []rtm.Job{
		{Name: "poll", Every: cfg.PollInterval, Run: func(ctx context.Context) { _, _ = w.trigger(ctx, worker.TriggerPoll) }},
		{Name: "health", Every: cfg.HealthInterval, Run: w.healthCheck},
		{Name: "cleanup", Every: cfg.CleanupInterval, Run: w.cleanup},
		{Name: "stats", Every: cfg.StatsInterval, Run: w.logStats},
	}
	w.rt = rtm.New(rc)
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.cfg.ID }

// Start runs the stuck and failed task cleanup once, then launches signal
// listeners and periodic routines. It is idempotent and non-blocking apart
// from the initial cleanup.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.log.Warnf("worker already started; ignoring Start()")
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.log.Infof("starting worker: id=%s batch=%d poll=%s signals=%d", w.cfg.ID, w.cfg.BatchSize, w.cfg.PollInterval, len(w.cfg.Signals))
	w.cleanup(ctx)
	w.rt.Start(ctx)
}

// Stop shuts down the background routines, waiting for an in-flight pass.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.log.Warnf("worker not started; ignoring Stop()")
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()
	w.log.Infof("stopping worker: id=%s", w.cfg.ID)
	w.rt.Stop()
}

// ForceProcess runs one pass immediately. It returns ErrBusy while another
// pass is in flight and ignores backing-off.
func (w *Worker) ForceProcess(ctx context.Context) (*BatchResult, error) {
	return w.trigger(ctx, worker.TriggerManual)
}

// ForceCleanup runs a cleanup pass immediately.
func (w *Worker) ForceCleanup(ctx context.Context) (CleanupResult, error) {
	return w.rec.CleanupFailedTasks(ctx)
}

// ForceReset runs an emergency reset and clears the consecutive failure
// counter, leaving backing-off.
func (w *Worker) ForceReset(ctx context.Context) (ResetResult, error) {
	res, err := w.rec.EmergencyReset(ctx)
	if err != nil {
		return res, err
	}
	w.guard.Reset()
	return res, nil
}

// State returns the scheduling state.
func (w *Worker) State() WorkerState { return WorkerState(w.guard.State()) }

// Failures returns the number of consecutive failed passes.
func (w *Worker) Failures() int { return w.guard.Failures() }

// Health reads a fresh queue health snapshot. When the store shows no
// claims in flight, processing times come from this worker's recent batches.
func (w *Worker) Health(ctx context.Context) (*Health, error) {
	h, err := w.rec.QueueHealth(ctx)
	if err != nil {
		return nil, err
	}
	w.withBatchTimes(h)
	return h, nil
}

func (w *Worker) withBatchTimes(h *Health) {
	if h.Processing > 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.recent) == 0 {
		return
	}
	var sum, max time.Duration
	for _, d := range w.recent {
		sum += d
		if d > max {
			max = d
		}
	}
	h.AvgProcessingTimeMs = float64(sum) / float64(len(w.recent)) / float64(time.Millisecond)
	h.MaxProcessingTimeMs = float64(max) / float64(time.Millisecond)
	h.ProcessingTimeSource = TimeFromBatches
}

// LastHealth returns the snapshot taken by the last health check, or nil.
func (w *Worker) LastHealth() *Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHealth
}

// Stats returns the throughput counters.
func (w *Worker) Stats() Stats {
	s := Stats{
		WorkerID:         w.cfg.ID,
		Batches:          w.stats.batches.Load(),
		FailedBatches:    w.stats.failedBatches.Load(),
		TasksProcessed:   w.stats.processed.Load(),
		TasksFailed:      w.stats.failed.Load(),
		EntitiesUpserted: w.stats.upserted.Load(),
		EntitiesDeleted:  w.stats.deleted.Load(),
		Signals:          w.stats.signals.Load(),
		DroppedSignals:   w.stats.droppedSignals.Load(),
	}
	if ns := w.stats.lastBatchAt.Load(); ns != 0 {
		t := time.Unix(0, ns)
		s.LastBatchAt = &t
	}
	return s
}

// trigger is the single scheduling function every trigger source goes through.
func (w *Worker) trigger(ctx context.Context, tr worker.Trigger) (*BatchResult, error) {
	if !w.guard.Acquire(tr) {
		if tr == worker.TriggerSignal {
			w.stats.droppedSignals.Add(1)
		}
		return nil, ErrBusy
	}
	res, err := w.proc.ProcessBatch(ctx, w.cfg.BatchSize)
	w.record(res, err)
	if w.guard.Release(err) {
		w.log.Errorf("worker %s: %d consecutive failed passes, running emergency reset and backing off", w.cfg.ID, w.guard.Failures())
		if _, rerr := w.rec.EmergencyReset(ctx); rerr != nil {
			w.log.Errorf("worker %s: %v", w.cfg.ID, rerr)
		}
	}
	if err != nil {
		w.log.Errorf("batch failed: worker=%s trigger=%s err=%v", w.cfg.ID, tr, err)
	}
	return res, err
}

func (w *Worker) record(res *BatchResult, err error) {
	w.stats.batches.Add(1)
	w.stats.lastBatchAt.Store(time.Now().UnixNano())
	if err != nil {
		w.stats.failedBatches.Add(1)
	}
	if err == nil && res != nil && res.TasksClaimed > 0 {
		w.mu.Lock()
		if len(w.recent) == recentBatches {
			w.recent = append(w.recent[:0], w.recent[1:]...)
		}
		w.recent = append(w.recent, res.Duration)
		w.mu.Unlock()
	}
	if res != nil {
		w.stats.processed.Add(int64(res.TasksProcessed))
		w.stats.failed.Add(int64(res.TasksFailed))
		w.stats.upserted.Add(int64(res.EntitiesUpserted))
		w.stats.deleted.Add(int64(res.EntitiesDeleted))
	}
	w.reporters.ReportBatch(res, err)
}

// listen keeps a subscription on src open until ctx is done, reconnecting
// with exponential backoff.
func (w *Worker) listen(ctx context.Context, src SignalSource) {
	backoff := minListenBackoff
	for {
		ch, err := src.Listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warnf("wake-up listen failed: worker=%s retry_in=%s err=%v", w.cfg.ID, backoff, err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxListenBackoff {
				backoff = maxListenBackoff
			}
			continue
		}
		backoff = minListenBackoff
		for sig := range ch {
			w.stats.signals.Add(1)
			w.log.Debugf("wake-up: worker=%s channel=%s payload=%q", w.cfg.ID, sig.Channel, sig.Payload)
			_, _ = w.trigger(ctx, worker.TriggerSignal)
		}
		if ctx.Err() != nil {
			return
		}
		w.log.Warnf("wake-up channel closed: worker=%s, resubscribing", w.cfg.ID)
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

func (w *Worker) healthCheck(ctx context.Context) {
	h, err := w.Health(ctx)
	if err != nil {
		w.log.Errorf("health check failed: worker=%s err=%v", w.cfg.ID, err)
		return
	}
	w.mu.Lock()
	w.lastHealth = h
	w.mu.Unlock()
	switch h.Tier {
	case TierDegraded, TierCritical:
		w.log.Warnf("queue health: tier=%s total=%d processing=%d dead=%d", h.Tier, h.TotalTasks, h.Processing, h.DeadTasks)
	default:
		w.log.Infof("queue health: tier=%s total=%d processing=%d dead=%d", h.Tier, h.TotalTasks, h.Processing, h.DeadTasks)
	}
	w.reporters.ReportHealth(ctx, h)
}

func (w *Worker) cleanup(ctx context.Context) {
	if _, err := w.rec.CleanupFailedTasks(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Errorf("cleanup failed: worker=%s err=%v", w.cfg.ID, err)
	}
}

func (w *Worker) logStats(context.Context) {
	s := w.Stats()
	w.log.Infof("worker stats: id=%s state=%s batches=%d failed_batches=%d processed=%d failed=%d upserted=%d deleted=%d signals=%d dropped=%d",
		s.WorkerID, w.State(), s.Batches, s.FailedBatches, s.TasksProcessed, s.TasksFailed, s.EntitiesUpserted, s.EntitiesDeleted, s.Signals, s.DroppedSignals)
}

func withDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

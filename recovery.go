package searchsync

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultStuckTimeout is how long a claim may last before it is considered wedged.
	DefaultStuckTimeout = 10 * time.Minute
	// DefaultDeadGrace keeps dead tasks around for inspection before purge.
	DefaultDeadGrace = time.Hour
)

// RecoveryConfig tunes stuck and dead task handling.
type RecoveryConfig struct {
	StuckTimeout time.Duration
	DeadGrace    time.Duration
	Logger       Logger
	Now          func() time.Time
}

// CleanupResult reports what a cleanup pass did.
type CleanupResult struct {
	Purged int `json:"purged"`
	Reset  int `json:"reset"`
}

// Handled is the total number of tasks touched by the pass.
func (r CleanupResult) Handled() int { return r.Purged + r.Reset }

// ResetResult reports an emergency reset.
type ResetResult struct {
	ResetCount int `json:"resetCount"`
}

// Recovery purges dead tasks and brings stuck claims back to pending.
type Recovery struct {
	store Store
	cfg   RecoveryConfig
	log   Logger
}

// NewRecovery creates a Recovery, filling zero config values with defaults.
func NewRecovery(store Store, cfg RecoveryConfig) *Recovery {
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = DefaultStuckTimeout
	}
	if cfg.DeadGrace <= 0 {
		cfg.DeadGrace = DefaultDeadGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := cfg.Logger
	if l == nil {
		l = nopLogger{}
	}
	return &Recovery{store: store, cfg: cfg, log: l}
}

// CleanupFailedTasks deletes dead tasks older than the grace window and
// releases claims older than the stuck timeout with retry_count+1.
func (r *Recovery) CleanupFailedTasks(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	now := r.cfg.Now()

	purged, err := r.store.PurgeDead(ctx, now.Add(-r.cfg.DeadGrace))
	if err != nil {
		return res, fmt.Errorf("purge dead tasks: %w", err)
	}
	res.Purged = purged

	note := fmt.Sprintf("reset after being claimed for more than %s", r.cfg.StuckTimeout)
	reset, err := r.store.ResetStuck(ctx, now.Add(-r.cfg.StuckTimeout), note)
	if err != nil {
		return res, fmt.Errorf("reset stuck tasks: %w", err)
	}
	res.Reset = reset

	if res.Handled() > 0 {
		r.log.Infof("cleanup complete: purged=%d dead tasks, reset=%d stuck tasks", res.Purged, res.Reset)
	}
	return res, nil
}

// EmergencyReset releases every claimed task and zeroes its retry count.
// It trades possible duplicate work for queue liveness.
func (r *Recovery) EmergencyReset(ctx context.Context) (ResetResult, error) {
	n, err := r.store.ResetAll(ctx)
	if err != nil {
		return ResetResult{}, fmt.Errorf("emergency reset: %w", err)
	}
	r.log.Warnf("emergency reset: released %d claimed tasks", n)
	return ResetResult{ResetCount: n}, nil
}

// QueueHealth returns a health snapshot using the recovery clock.
func (r *Recovery) QueueHealth(ctx context.Context) (*Health, error) {
	return QueueHealth(ctx, r.store, r.cfg.Now())
}

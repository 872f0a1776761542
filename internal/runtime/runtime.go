// Package runtime runs the background routines of a worker: periodic jobs
// on their own tickers and long-running loops, all bound to one context.
package runtime

import (
	"context"
	"sync"
	"time"
)

// Logger is the subset of the root package logger used here.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type discard struct{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Errorf(string, ...any) {}

// Job is a routine run on a fixed interval. The first run happens one
// interval after Start.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Loop is a long-running routine that must return once ctx is done.
type Loop struct {
	Name string
	Run  func(ctx context.Context)
}

type Config struct {
	Jobs   []Job
	Loops  []Loop
	Logger Logger
}

// Runtime owns the goroutines of one Start/Stop cycle. It can be restarted.
type Runtime struct {
	jobs  []Job
	loops []Loop
	log   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   sync.WaitGroup
}

// New creates a runtime. Jobs with a non-positive interval are disabled.
func New(cfg Config) *Runtime {
	rt := &Runtime{jobs: cfg.Jobs, loops: cfg.Loops, log: cfg.Logger}
	if rt.log == nil {
		rt.log = discard{}
	}
	return rt
}

// Start launches every loop and enabled job under a child of parent. It
// returns false when the runtime is already running.
func (rt *Runtime) Start(parent context.Context) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	rt.cancel = cancel

	enabled := 0
	for _, j := range rt.jobs {
		if j.Every <= 0 {
			rt.log.Debugf("job %s disabled", j.Name)
			continue
		}
		enabled++
		rt.spawn(func() { rt.tick(ctx, j) })
	}
	for _, l := range rt.loops {
		rt.spawn(func() {
			l.Run(ctx)
			rt.log.Debugf("loop %s exited", l.Name)
		})
	}
	rt.log.Infof("runtime up: jobs=%d loops=%d", enabled, len(rt.loops))
	return true
}

func (rt *Runtime) spawn(fn func()) {
	rt.done.Add(1)
	go func() {
		defer rt.done.Done()
		fn()
	}()
}

func (rt *Runtime) tick(ctx context.Context, j Job) {
	t := time.NewTicker(j.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rt.safely(ctx, j)
		}
	}
}

func (rt *Runtime) safely(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorf("job %s panicked: %v", j.Name, r)
		}
	}()
	j.Run(ctx)
}

// Stop cancels the routines and waits for them to return. It returns false
// when the runtime was not running.
func (rt *Runtime) Stop() bool {
	rt.mu.Lock()
	cancel := rt.cancel
	rt.cancel = nil
	rt.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	rt.done.Wait()
	return true
}

// Running reports whether Start was called without a matching Stop.
func (rt *Runtime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cancel != nil
}

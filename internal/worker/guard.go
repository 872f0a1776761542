package worker

import "sync"

// Trigger identifies what asked for a processing pass.
type Trigger string

const (
	TriggerSignal Trigger = "signal"
	TriggerPoll   Trigger = "poll"
	TriggerManual Trigger = "manual"
)

// State of a worker instance.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateBackingOff State = "backing-off"
)

// Guard is the single-flight gate every trigger goes through. At most one
// pass holds it at a time.
type Guard struct {
	mu         sync.Mutex
	processing bool
	backoff    bool
	failures   int
	threshold  int
}

// NewGuard returns a guard that enters backing-off after threshold
// consecutive failures.
func NewGuard(threshold int) *Guard {
	if threshold <= 0 {
		threshold = 5
	}
	return &Guard{threshold: threshold}
}

// Acquire reports whether a pass may start for tr. A true result must be
// paired with Release. Wake-up signals are dropped while backing off; poll
// and manual triggers still run trial passes.
func (g *Guard) Acquire(tr Trigger) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.processing {
		return false
	}
	if g.backoff && tr == TriggerSignal {
		return false
	}
	g.processing = true
	return true
}

// Release ends a pass. A nil err resets the failure counter and leaves
// backing-off. escalate is true exactly when this failure crossed the
// threshold, which is when the caller runs an emergency reset.
func (g *Guard) Release(err error) (escalate bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.processing = false
	if err == nil {
		g.failures = 0
		g.backoff = false
		return false
	}
	g.failures++
	if g.failures >= g.threshold && !g.backoff {
		g.backoff = true
		return true
	}
	return false
}

// Reset clears the failure counter and backing-off.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.failures = 0
	g.backoff = false
	g.mu.Unlock()
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.processing:
		return StateProcessing
	case g.backoff:
		return StateBackingOff
	default:
		return StateIdle
	}
}

// Failures returns the consecutive failure count.
func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

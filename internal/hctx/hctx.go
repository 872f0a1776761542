// Package hctx carries the resolution scope of one task through a context.
package hctx

import "context"

// State is attached by the processor before a task is resolved. Details end
// up in the task's error_details if resolution fails.
type State struct {
	WorkerID string
	Details  map[string]string
}

// Set records a detail; a later value for the same key replaces it.
func (s *State) Set(key, value string) {
	if s.Details == nil {
		s.Details = make(map[string]string, 1)
	}
	s.Details[key] = value
}

type scopeKey struct{}

// NewContext opens a fresh scope for workerID under parent.
func NewContext(parent context.Context, workerID string) (context.Context, *State) {
	st := &State{WorkerID: workerID}
	return context.WithValue(parent, scopeKey{}, st), st
}

// FromContext returns the scope opened by NewContext, or nil.
func FromContext(ctx context.Context) *State {
	st, _ := ctx.Value(scopeKey{}).(*State)
	return st
}

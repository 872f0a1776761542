package searchsync

import "time"

// Merge folds an incoming task into an existing task with the same dedup key.
//
// It returns false when existing is claimed: a claimed task is never modified
// and the caller must insert incoming as a fresh task, which will observe the
// latest source data when it runs.
//
// Otherwise delete dominates upsert, the higher priority wins, a known
// incoming estimate replaces the old one, the task is re-queued at now with a
// fresh retry budget, and metadata keys from incoming override existing ones.
func Merge(existing, incoming *Task, now time.Time) (*Task, bool) {
	if existing.Processing {
		return nil, false
	}
	out := existing.Clone()
	if existing.Operation == OpDelete || incoming.Operation == OpDelete {
		out.Operation = OpDelete
	} else {
		out.Operation = OpUpsert
	}
	if incoming.Priority > out.Priority {
		out.Priority = incoming.Priority
	}
	out.Priority = ClampPriority(out.Priority)
	if incoming.EstimatedAffected > 0 {
		out.EstimatedAffected = incoming.EstimatedAffected
	}
	out.QueuedAt = now
	out.RetryCount = 0
	if len(incoming.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, len(incoming.Metadata))
		}
		for k, v := range incoming.Metadata {
			out.Metadata[k] = v
		}
	}
	return out, true
}

// Absorb folds a released task (one returning from a claim) into a pending
// twin that took its dedup key while it was claimed. The twin keeps its own
// retry budget and queue position; only operation and priority precedence
// are carried over, since the twin already represents newer source changes.
func Absorb(twin, released *Task) *Task {
	out := twin.Clone()
	if released.Operation == OpDelete {
		out.Operation = OpDelete
	}
	if released.Priority > out.Priority {
		out.Priority = ClampPriority(released.Priority)
	}
	return out
}

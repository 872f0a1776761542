package searchsync

import (
	"time"
)

// TaskType names the kind of synchronization work a task carries.
// Triggers, the SQL schema and the resolvers all share this vocabulary.
type TaskType string

const (
	// TypeEntityUpdate rebuilds or removes the projection row of a single item.
	TypeEntityUpdate TaskType = "entity_update"
	// TypeResyncCategory rebuilds every item linked to one category.
	TypeResyncCategory TaskType = "resync_category"
	// TypeResyncTag rebuilds every item linked to one tag.
	TypeResyncTag TaskType = "resync_tag"
	// TypeResyncVariant rebuilds every item linked to one variant.
	TypeResyncVariant TaskType = "resync_variant"
	// TypeResyncOwner rebuilds every item owned by one user.
	TypeResyncOwner TaskType = "resync_owner"
	// TypeResyncFile rebuilds every item referencing one file, as cover or in the gallery.
	TypeResyncFile TaskType = "resync_file"
)

// AggregateTypes lists every aggregate task type in a stable order.
var AggregateTypes = []TaskType{TypeResyncCategory, TypeResyncTag, TypeResyncVariant, TypeResyncOwner, TypeResyncFile}

// String returns the raw string value of the task type.
func (t TaskType) String() string { return string(t) }

// IsAggregate reports whether tasks of this type fan out to many entities.
func (t TaskType) IsAggregate() bool {
	switch t {
	case TypeResyncCategory, TypeResyncTag, TypeResyncVariant, TypeResyncOwner, TypeResyncFile:
		return true
	}
	return false
}

// ParseTaskType converts a string into a TaskType, returning ErrUnknownTaskType for unknown values.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if t == TypeEntityUpdate || t.IsAggregate() {
		return t, nil
	}
	return "", ErrUnknownTaskType
}

// Operation is the requested effect of an entity_update task.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

const (
	// PriorityUpsert is used for direct item and link changes.
	PriorityUpsert = 0
	// PriorityDelete outranks updates so removed items leave the projection first.
	PriorityDelete = 1
	// PriorityAggregate is used for fan-out resyncs caused by master record edits.
	PriorityAggregate = 5

	MinPriority = 0
	MaxPriority = 10

	// DefaultMaxRetries is the retry budget given to new tasks.
	DefaultMaxRetries = 3
)

// Task is a unit of pending synchronization work stored in the task queue.
type Task struct {
	// ID is the opaque identifier of the task.
	ID string `json:"id"`
	// Type selects the resolver used to expand the task into entity IDs.
	Type TaskType `json:"task_type"`
	// EntityID is set for entity_update tasks.
	EntityID string `json:"entity_id,omitempty"`
	// TargetID is the master record of an aggregate task.
	TargetID string `json:"target_id,omitempty"`
	// Operation is only meaningful for entity_update tasks.
	Operation Operation `json:"operation"`
	// Priority ranges over [0,10]; higher is claimed first.
	Priority int `json:"priority"`
	// EstimatedAffected is a hint of the fan-out size; 0 means unknown.
	EstimatedAffected int `json:"estimated_affected_count,omitempty"`

	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the last failed attempt ended. Dead tasks are purged
	// relative to it.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Processing is true while a worker holds the task.
	Processing bool `json:"processing"`
	// WorkerID identifies the claimant of a processing task.
	WorkerID string `json:"worker_id,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	LastError    string            `json:"last_error,omitempty"`
	ErrorDetails map[string]string `json:"error_details,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Key returns the deduplication key of the task. At most one non-processing
// task exists per key.
func (t *Task) Key() string {
	if t.Type == TypeEntityUpdate {
		return string(TypeEntityUpdate) + ":" + t.EntityID
	}
	return string(t.Type) + ":" + t.TargetID
}

// Status derives the lifecycle status from the stored fields.
func (t *Task) Status() Status {
	return StatusOf(t.Processing, t.RetryCount, t.MaxRetries)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	c.ErrorDetails = cloneMap(t.ErrorDetails)
	c.Metadata = cloneMap(t.Metadata)
	return &c
}

// ClaimLess orders tasks the way the batch processor claims them: priority
// desc, retry_count asc, estimated_affected_count asc with unknown last,
// queued_at asc and finally id for a total order.
func ClaimLess(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RetryCount != b.RetryCount {
		return a.RetryCount < b.RetryCount
	}
	if a.EstimatedAffected != b.EstimatedAffected {
		if a.EstimatedAffected == 0 {
			return false
		}
		if b.EstimatedAffected == 0 {
			return true
		}
		return a.EstimatedAffected < b.EstimatedAffected
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.ID < b.ID
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

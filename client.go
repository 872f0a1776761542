package searchsync

import (
	"context"
	"fmt"
	"sort"
)

// Client provides operational APIs over the task queue: manual resyncs,
// inspection and dead task handling. It goes through the same merge path as
// the change-capture triggers.
type Client struct {
	store Store
}

// NewClient creates a new Client.
func NewClient(store Store) *Client {
	return &Client{store: store}
}

// Enqueue adds a task for key, which is the entity id of entity_update tasks
// and the target id of aggregate tasks. If a pending task holds the same
// dedup key the two are merged.
func (c *Client) Enqueue(ctx context.Context, taskType TaskType, key string, opts ...Option) (*Task, error) {
	if _, err := ParseTaskType(string(taskType)); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidTask)
	}
	cfg := &options{operation: OpUpsert, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &Task{
		ID:                cfg.id,
		Type:              taskType,
		Operation:         OpUpsert,
		EstimatedAffected: cfg.estimate,
		MaxRetries:        cfg.maxRetries,
		Metadata:          cfg.metadata,
	}
	if taskType == TypeEntityUpdate {
		t.EntityID = key
		t.Operation = cfg.operation
		t.Priority = PriorityUpsert
		if t.Operation == OpDelete {
			t.Priority = PriorityDelete
		}
	} else {
		t.TargetID = key
		t.Priority = PriorityAggregate
	}
	if cfg.prioritySet {
		t.Priority = cfg.priority
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	return c.store.Enqueue(ctx, t)
}

// ResyncEntity queues a rebuild of one item.
func (c *Client) ResyncEntity(ctx context.Context, entityID string, opts ...Option) (*Task, error) {
	return c.Enqueue(ctx, TypeEntityUpdate, entityID, append([]Option{Meta("cause", "manual")}, opts...)...)
}

// ResyncTarget queues a rebuild of every item linked to a master record.
func (c *Client) ResyncTarget(ctx context.Context, kind MasterKind, targetID string, opts ...Option) (*Task, error) {
	tt := kind.ResyncType()
	if tt == "" {
		return nil, fmt.Errorf("%w: master kind %q", ErrUnknownTaskType, kind)
	}
	return c.Enqueue(ctx, tt, targetID, append([]Option{Meta("cause", "manual")}, opts...)...)
}

// ResyncAll queues a rebuild of every item in the source and returns how
// many tasks were enqueued or merged.
func (c *Client) ResyncAll(ctx context.Context) (int, error) {
	ids, err := c.store.EntityIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entities: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := c.Enqueue(ctx, TypeEntityUpdate, id, Meta("cause", "resync-all")); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// TaskFilter is a function used to filter tasks during ListTasks.
type TaskFilter func(*Task) bool

// ListTasks returns the tasks in a status, in claim order, keeping those
// accepted by filter when it is not nil.
func (c *Client) ListTasks(ctx context.Context, status Status, filter TaskFilter) ([]*Task, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	ts, err := c.store.ListTasks(ctx, status, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ts))
	for _, t := range ts {
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return ClaimLess(out[i], out[j]) })
	return out, nil
}

// DeleteTask removes a pending or dead task. It returns ErrClaimedTask for
// tasks held by a worker and ErrTaskNotFound for unknown ids.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.store.DeleteTask(ctx, id)
}

// RetryDead gives a dead task a fresh retry budget so it becomes claimable
// again. It returns ErrNotDead for tasks that still have budget.
func (c *Client) RetryDead(ctx context.Context, id string) error {
	return c.store.RetryDead(ctx, id)
}

// GetTask returns one task by id or ErrTaskNotFound.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	return c.store.GetTask(ctx, id)
}

package searchsync_test

import (
	"context"
	"testing"

	"github.com/UniQw/searchsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Enqueue_Basics(t *testing.T) {
	s := newStore(t)
	c := searchsync.NewClient(s)
	ctx := context.Background()

	task, err := c.Enqueue(ctx, searchsync.TypeEntityUpdate, "a", searchsync.TaskID("fixed"), searchsync.Meta("cause", "test"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", task.ID)
	assert.Equal(t, searchsync.OpUpsert, task.Operation)
	assert.Equal(t, searchsync.PriorityUpsert, task.Priority)
	assert.Equal(t, searchsync.DefaultMaxRetries, task.MaxRetries)

	// same key merges instead of inserting
	merged, err := c.Enqueue(ctx, searchsync.TypeEntityUpdate, "a", searchsync.AsDelete())
	require.NoError(t, err)
	assert.Equal(t, "fixed", merged.ID)
	assert.Equal(t, searchsync.OpDelete, merged.Operation)
	assert.Equal(t, searchsync.PriorityDelete, merged.Priority)
	assert.Equal(t, "test", merged.Metadata["cause"])

	agg, err := c.Enqueue(ctx, searchsync.TypeResyncVariant, "v1", searchsync.Estimate(12), searchsync.MaxRetries(5))
	require.NoError(t, err)
	assert.Equal(t, "v1", agg.TargetID)
	assert.Equal(t, searchsync.PriorityAggregate, agg.Priority)
	assert.Equal(t, 12, agg.EstimatedAffected)
	assert.Equal(t, 5, agg.MaxRetries)
	assert.NotEmpty(t, agg.ID)

	_, err = c.Enqueue(ctx, searchsync.TypeEntityUpdate, "")
	require.ErrorIs(t, err, searchsync.ErrInvalidTask)
	_, err = c.Enqueue(ctx, "nope", "x")
	require.ErrorIs(t, err, searchsync.ErrUnknownTaskType)
}

func TestClient_Resync(t *testing.T) {
	s := newStore(t)
	c := searchsync.NewClient(s)
	ctx := context.Background()

	task, err := c.ResyncTarget(ctx, searchsync.MasterFile, "f1")
	require.NoError(t, err)
	assert.Equal(t, searchsync.TypeResyncFile, task.Type)
	assert.Equal(t, "manual", task.Metadata["cause"])

	_, err = c.ResyncTarget(ctx, "planets", "p")
	require.ErrorIs(t, err, searchsync.ErrUnknownTaskType)

	e, err := c.ResyncEntity(ctx, "a", searchsync.Priority(9))
	require.NoError(t, err)
	assert.Equal(t, 9, e.Priority)

	seedItems(t, s, 4)
	n, err := c.ResyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	// item tasks merged with the ones queued by the inserts
	ts, err := c.ListTasks(ctx, searchsync.StatusPending, func(t *searchsync.Task) bool {
		return t.Type == searchsync.TypeEntityUpdate && t.EntityID != "a"
	})
	require.NoError(t, err)
	require.Len(t, ts, 4)
	for _, task := range ts {
		assert.Equal(t, "resync-all", task.Metadata["cause"])
	}
}

func TestClient_ListTasks_ByStatus(t *testing.T) {
	s := newStore(t)
	c := searchsync.NewClient(s)
	ctx := context.Background()

	ts, err := c.ListTasks(ctx, searchsync.StatusDead, nil)
	require.NoError(t, err)
	require.Len(t, ts, 0)

	_, err = c.ListTasks(ctx, "weird", nil)
	require.ErrorIs(t, err, searchsync.ErrUnknownStatus)

	_, err = c.Enqueue(ctx, searchsync.TypeEntityUpdate, "a")
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, searchsync.TypeResyncTag, "t1")
	require.NoError(t, err)
	ts, err = c.ListTasks(ctx, searchsync.StatusPending, nil)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, searchsync.TypeResyncTag, ts[0].Type, "claim order puts aggregates first")
}

func TestClient_DeleteAndRetryDead(t *testing.T) {
	s := newStore(t)
	c := searchsync.NewClient(s)
	ctx := context.Background()

	task, err := c.ResyncTarget(ctx, searchsync.MasterCategory, "ghost", searchsync.MaxRetries(1))
	require.NoError(t, err)
	require.ErrorIs(t, c.RetryDead(ctx, task.ID), searchsync.ErrNotDead)

	res, err := searchsync.NewProcessor(s, "w1").ProcessBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.TasksFailed)

	dead, err := c.ListTasks(ctx, searchsync.StatusDead, nil)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, c.RetryDead(ctx, task.ID))
	ts, err := c.ListTasks(ctx, searchsync.StatusPending, nil)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, task.ID, ts[0].ID)

	require.NoError(t, c.DeleteTask(ctx, task.ID))
	require.ErrorIs(t, c.DeleteTask(ctx, task.ID), searchsync.ErrTaskNotFound)
	require.ErrorIs(t, c.RetryDead(ctx, task.ID), searchsync.ErrTaskNotFound)
}

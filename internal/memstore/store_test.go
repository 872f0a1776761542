package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/searchsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(c.now)), c
}

// failNext claims the head of the queue and fails it as a resolver would.
func failNext(t *testing.T, s *Store, lastError string) *searchsync.Task {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	got, err := tx.ClaimTasks(ctx, 1, "w-fail")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, tx.FailTask(ctx, got[0].ID, lastError, map[string]string{"phase": "resolve"}))
	require.NoError(t, tx.Commit())
	return got[0]
}

func pendingTasks(t *testing.T, s *Store) []*searchsync.Task {
	t.Helper()
	ts, err := s.ListTasks(context.Background(), searchsync.StatusPending, 0)
	require.NoError(t, err)
	return ts
}

func TestStore_ItemInsertCapturesEntityUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a", Name: "Alpha"}))
	ts := pendingTasks(t, s)
	require.Len(t, ts, 1)
	assert.Equal(t, searchsync.TypeEntityUpdate, ts[0].Type)
	assert.Equal(t, "a", ts[0].EntityID)
	assert.Equal(t, searchsync.OpUpsert, ts[0].Operation)
	assert.Equal(t, searchsync.PriorityUpsert, ts[0].Priority)
	assert.Equal(t, "items:insert", ts[0].Metadata["cause"])
}

func TestStore_UpsertThenDeleteMerges(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a", Name: "Alpha"}))
	c.advance(time.Second)
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a", Name: "Alpha 2"}))
	c.advance(time.Second)
	require.NoError(t, s.DeleteItem(ctx, "a"))

	ts := pendingTasks(t, s)
	require.Len(t, ts, 1, "dedup key must hold a single pending task")
	assert.Equal(t, searchsync.OpDelete, ts[0].Operation)
	assert.Equal(t, searchsync.PriorityDelete, ts[0].Priority)
	assert.True(t, ts[0].QueuedAt.Equal(c.now()))

	// link changes merge into the pending task of their item
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "b"}))
	require.NoError(t, s.PutLabel(ctx, searchsync.MasterTag, searchsync.Label{ID: "t1", Name: "Go"}))
	require.NoError(t, s.Link(ctx, searchsync.MasterTag, "b", "t1", 0))
	require.Len(t, pendingTasks(t, s), 2)
}

func TestStore_MasterUpdateQueuesAggregate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutLabel(ctx, searchsync.MasterCategory, searchsync.Label{ID: "c1", Name: "Books", Slug: "books"}))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: id}))
		require.NoError(t, s.Link(ctx, searchsync.MasterCategory, id, "c1", 0))
	}
	// drop entity tasks
	for _, task := range pendingTasks(t, s) {
		require.NoError(t, s.DeleteTask(ctx, task.ID))
	}

	// unchanged display fields queue nothing
	require.NoError(t, s.PutLabel(ctx, searchsync.MasterCategory, searchsync.Label{ID: "c1", Name: "Books", Slug: "books"}))
	require.Empty(t, pendingTasks(t, s))

	require.NoError(t, s.PutLabel(ctx, searchsync.MasterCategory, searchsync.Label{ID: "c1", Name: "Novels", Slug: "books"}))
	ts := pendingTasks(t, s)
	require.Len(t, ts, 1)
	assert.Equal(t, searchsync.TypeResyncCategory, ts[0].Type)
	assert.Equal(t, "c1", ts[0].TargetID)
	assert.Equal(t, searchsync.PriorityAggregate, ts[0].Priority)
	assert.Equal(t, 3, ts[0].EstimatedAffected)

	// unreferenced masters queue nothing
	require.NoError(t, s.PutLabel(ctx, searchsync.MasterTag, searchsync.Label{ID: "t1", Name: "x"}))
	require.NoError(t, s.PutLabel(ctx, searchsync.MasterTag, searchsync.Label{ID: "t1", Name: "y"}))
	require.Len(t, pendingTasks(t, s), 1)
}

func TestStore_ClaimIsOrderedAndSkipsDead(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, &searchsync.Task{Type: searchsync.TypeEntityUpdate, EntityID: "z", Priority: 10, MaxRetries: 1})
	require.NoError(t, err)
	dead := failNext(t, s, "boom")
	require.Equal(t, "z", dead.EntityID)

	for i, p := range []int{0, 5, 1} {
		c.advance(time.Second)
		_, err := s.Enqueue(ctx, &searchsync.Task{
			Type: searchsync.TypeEntityUpdate, EntityID: string(rune('a' + i)), Priority: p,
		})
		require.NoError(t, err)
	}
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	got, err := tx.ClaimTasks(ctx, 10, "w1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, got, 3)
	assert.Equal(t, []int{5, 1, 0}, []int{got[0].Priority, got[1].Priority, got[2].Priority})
	for _, task := range got {
		assert.True(t, task.Processing)
		assert.Equal(t, "w1", task.WorkerID)
		assert.NotNil(t, task.StartedAt)
	}
}

func TestStore_ChangeDuringClaimCreatesNewTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a"}))
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	claimed, err := tx.ClaimTasks(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, tx.Commit())

	require.NoError(t, s.DeleteItem(ctx, "a"))
	ts := pendingTasks(t, s)
	require.Len(t, ts, 1)
	assert.NotEqual(t, claimed[0].ID, ts[0].ID)
	assert.Equal(t, searchsync.OpDelete, ts[0].Operation)

	// the stuck claim is folded into its pending twin when reset
	reset, err := s.ResetStuck(ctx, time.Now().Add(time.Hour), "stuck")
	require.NoError(t, err)
	require.Equal(t, 1, reset)
	ts = pendingTasks(t, s)
	require.Len(t, ts, 1)
	assert.Equal(t, searchsync.OpDelete, ts[0].Operation)
	_, err = s.GetTask(ctx, claimed[0].ID)
	require.ErrorIs(t, err, searchsync.ErrTaskNotFound)
}

func TestStore_RollbackRestoresSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a"}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	claimed, err := tx.ClaimTasks(ctx, 10, "w1")
	require.NoError(t, err)
	require.NoError(t, tx.UpsertRows(ctx, []*searchsync.Row{{ID: "a"}}))
	require.NoError(t, tx.DeleteTasks(ctx, []string{claimed[0].ID}))
	require.NoError(t, tx.Rollback())
	require.ErrorIs(t, tx.Commit(), ErrTxDone)

	task, err := s.GetTask(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.False(t, task.Processing)
	_, ok := s.Row("a")
	assert.False(t, ok)
}

func TestStore_BeginHonoursContext(t *testing.T) {
	s, _ := newTestStore(t)
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Begin(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_ListenNotifiesOnInsertOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Listen(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PutItem(context.Background(), searchsync.Item{ID: "a"}))
	select {
	case sig := <-ch:
		assert.Equal(t, Channel, sig.Channel)
		assert.Equal(t, "entity_update:upsert", sig.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected wake-up signal")
	}

	// merged into the pending task, no new insert
	require.NoError(t, s.PutItem(context.Background(), searchsync.Item{ID: "a", Name: "x"}))
	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestStore_DeadTaskLifecycle(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()

	task, err := s.Enqueue(ctx, &searchsync.Task{Type: searchsync.TypeResyncTag, TargetID: "t1", MaxRetries: 1})
	require.NoError(t, err)
	require.ErrorIs(t, s.RetryDead(ctx, task.ID), searchsync.ErrNotDead)

	failNext(t, s, "target gone")
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, searchsync.StatusDead, got.Status())
	assert.Equal(t, "target gone", got.LastError)

	n, err := s.PurgeDead(ctx, c.now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "dead task inside grace window must stay")

	require.NoError(t, s.RetryDead(ctx, task.ID))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, searchsync.StatusPending, got.Status())

	failNext(t, s, "target gone")
	c.advance(2 * time.Hour)
	n, err = s.PurgeDead(ctx, c.now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_DeleteTaskRefusesClaimed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a"}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	claimed, err := tx.ClaimTasks(ctx, 1, "w1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, s.DeleteTask(ctx, claimed[0].ID), searchsync.ErrClaimedTask)
	require.ErrorIs(t, s.DeleteTask(ctx, "nope"), searchsync.ErrTaskNotFound)

	n, err := s.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.DeleteTask(ctx, claimed[0].ID))
}

func TestStore_AffectedEntities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutUser(ctx, searchsync.User{ID: "u1", Username: "ann"}))
	require.NoError(t, s.PutFile(ctx, searchsync.File{ID: "f1", URL: "https://cdn/f1"}))
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a", OwnerID: "u1", CoverFileID: "f1"}))
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "b", Gallery: []searchsync.MediaRef{{Kind: searchsync.MediaByFile, FileID: "f1"}}}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	ids, err := tx.AffectedEntities(ctx, searchsync.MasterFile, "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = tx.AffectedEntities(ctx, searchsync.MasterOwner, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	_, err = tx.AffectedEntities(ctx, searchsync.MasterTag, "missing")
	require.ErrorIs(t, err, searchsync.ErrTargetNotFound)
}

func TestStore_LabelsInLinkOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a"}))
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, s.PutLabel(ctx, searchsync.MasterTag, searchsync.Label{ID: id, Name: id}))
	}
	require.NoError(t, s.Link(ctx, searchsync.MasterTag, "a", "z", 0))
	require.NoError(t, s.Link(ctx, searchsync.MasterTag, "a", "x", 2))
	require.NoError(t, s.Link(ctx, searchsync.MasterTag, "a", "y", 0))

	src := s.Source("a")
	require.NotNil(t, src)
	names := []string{}
	for _, l := range src.Tags {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"y", "z", "x"}, names)

	require.ErrorIs(t, s.Link(ctx, searchsync.MasterOwner, "a", "u", 0), ErrUnknownKind)
	require.ErrorIs(t, s.Link(ctx, searchsync.MasterTag, "a", "missing", 0), ErrNotFound)
}

func TestStore_RecordBatchFailureNeverKills(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a"}))
	task := pendingTasks(t, s)[0]

	for i := 0; i < 5; i++ {
		n, err := s.RecordBatchFailure(ctx, []string{task.ID}, "commit batch: conn reset", map[string]string{"phase": "apply"})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, searchsync.StatusPending, got.Status())
	assert.Equal(t, searchsync.DefaultMaxRetries-1, got.RetryCount)
	assert.Equal(t, "5", got.ErrorDetails[searchsync.DetailBatchFailures])
	assert.Equal(t, "apply", got.ErrorDetails["phase"])
	assert.Equal(t, "commit batch: conn reset", got.LastError)
}

func TestStore_RecordBatchFailureSkipsClaimed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: "a"}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	claimed, err := tx.ClaimTasks(ctx, 1, "w1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	n, err := s.RecordBatchFailure(ctx, []string{claimed[0].ID, "missing"}, "boom", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

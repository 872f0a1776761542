package searchsync_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/searchsync"
	"github.com/UniQw/searchsync/internal/memstore"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps a memstore and can fail the apply step of a batch.
type faultyStore struct {
	*memstore.Store
	failUpsert atomic.Bool
	failBegin  atomic.Bool
}

func (f *faultyStore) Begin(ctx context.Context) (searchsync.Tx, error) {
	if f.failBegin.Load() {
		return nil, errInjected
	}
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, f: f}, nil
}

type faultyTx struct {
	searchsync.Tx
	f *faultyStore
}

func (t *faultyTx) UpsertRows(ctx context.Context, rows []*searchsync.Row) error {
	if t.f.failUpsert.Load() {
		return errInjected
	}
	return t.Tx.UpsertRows(ctx, rows)
}

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	return memstore.New()
}

// seedItems inserts n items named item-0..item-(n-1) and returns their ids.
func seedItems(t *testing.T, s *memstore.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("item-%02d", i)
		require.NoError(t, s.PutItem(ctx, searchsync.Item{ID: id, Name: "Item " + id, Status: "published"}))
		ids = append(ids, id)
	}
	return ids
}

// drain runs batches until the queue has no claimable task.
func drain(t *testing.T, p *searchsync.Processor) {
	t.Helper()
	for i := 0; i < 100; i++ {
		res, err := p.ProcessBatch(context.Background(), 0)
		require.NoError(t, err)
		if res.TasksClaimed == 0 {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func pending(t *testing.T, s searchsync.Store) []*searchsync.Task {
	t.Helper()
	ts, err := s.ListTasks(context.Background(), searchsync.StatusPending, 0)
	require.NoError(t, err)
	return ts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

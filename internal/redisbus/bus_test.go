package redisbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/searchsync"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T, opts ...Option) (*Bus, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test", opts...), s
}

func TestBus_PublishReachesListener(t *testing.T) {
	b, _ := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Listen(ctx)
	require.NoError(t, err)

	n, err := b.Publish(ctx, "manual")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	select {
	case sig := <-ch:
		assert.Equal(t, "searchsync:{test}:wakeup", sig.Channel)
		assert.Equal(t, "manual", sig.Payload)
		assert.False(t, sig.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBus_PublishWithoutListeners(t *testing.T) {
	b, _ := newBus(t)
	n, err := b.Publish(context.Background(), "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBus_HealthExpires(t *testing.T) {
	b, s := newBus(t, WithTTL(time.Minute))
	ctx := context.Background()

	_, err := b.LoadHealth(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	h := &searchsync.Health{TotalTasks: 7, DeadTasks: 2, Tier: searchsync.TierNormal, CheckedAt: time.Now().UTC()}
	require.NoError(t, b.StoreHealth(ctx, h))

	got, err := b.LoadHealth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.TotalTasks)
	assert.EqualValues(t, 2, got.DeadTasks)
	assert.Equal(t, searchsync.TierNormal, got.Tier)

	s.FastForward(2 * time.Minute)
	_, err = b.LoadHealth(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestBus_ReporterStoresWorkerOutcome(t *testing.T) {
	b, s := newBus(t)
	var r searchsync.Reporter = b

	r.ReportBatch(&searchsync.BatchResult{WorkerID: "w1", TasksProcessed: 3}, nil)
	rep, err := b.LoadWorker(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Batch.TasksProcessed)
	assert.Empty(t, rep.Error)
	assert.True(t, s.Exists("searchsync:{test}:worker:w1"))

	r.ReportBatch(&searchsync.BatchResult{WorkerID: "w1"}, errors.New("boom"))
	rep, err = b.LoadWorker(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "boom", rep.Error)

	r.ReportHealth(context.Background(), &searchsync.Health{TotalTasks: 1})
	h, err := b.LoadHealth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.TotalTasks)
}

type recLogger struct{ msgs []string }

func (l *recLogger) Warnf(format string, _ ...any) { l.msgs = append(l.msgs, format) }

func TestBus_ReporterLogsWriteFailures(t *testing.T) {
	lg := &recLogger{}
	b, s := newBus(t, WithLogger(lg))
	s.Close()

	b.ReportHealth(context.Background(), &searchsync.Health{})
	assert.NotEmpty(t, lg.msgs)
}

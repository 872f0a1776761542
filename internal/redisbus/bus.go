// Package redisbus carries wake-up signals over Redis pub/sub and caches
// health snapshots and per-worker batch reports for operational tooling.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/searchsync"
	ikeys "github.com/UniQw/searchsync/internal/keys"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a cached snapshot stays readable after its
// writer stopped reporting.
const DefaultTTL = 5 * time.Minute

// reportTimeout bounds a single cache write issued from a reporter callback.
const reportTimeout = 2 * time.Second

// ErrNoSnapshot is returned when no live snapshot is cached.
var ErrNoSnapshot = errors.New("redisbus: no snapshot")

// Logger is the logging surface used by Bus.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Option configures a Bus.
type Option func(*Bus)

// WithTTL sets the expiry of cached snapshots.
func WithTTL(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithLogger sets the logger for failed background writes.
func WithLogger(l Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithEncoder replaces the snapshot codec.
func WithEncoder(enc searchsync.Encoder) Option {
	return func(b *Bus) { b.enc = enc }
}

// Bus is bound to one deployment name. All workers of a deployment share
// its wake-up channel and health key.
type Bus struct {
	rdb  redis.UniversalClient
	keys ikeys.Deployment
	enc  searchsync.Encoder
	ttl  time.Duration
	log  Logger
}

var (
	_ searchsync.SignalSource = (*Bus)(nil)
	_ searchsync.Reporter     = (*Bus)(nil)
)

// New creates a Bus for deployment name.
func New(rdb redis.UniversalClient, name string, opts ...Option) *Bus {
	b := &Bus{
		rdb:  rdb,
		keys: ikeys.For(name),
		enc:  searchsync.DefaultEncoder,
		ttl:  DefaultTTL,
		log:  noopLogger{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Channel returns the pub/sub channel of the deployment.
func (b *Bus) Channel() string { return b.keys.Wakeup }

// Publish sends a wake-up to every subscribed worker and reports how many
// received it.
func (b *Bus) Publish(ctx context.Context, payload string) (int64, error) {
	n, err := b.rdb.Publish(ctx, b.keys.Wakeup, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish wake-up: %w", err)
	}
	return n, nil
}

// Listen subscribes to the wake-up channel. The subscription is confirmed
// before Listen returns; the channel is closed when ctx is done.
func (b *Bus) Listen(ctx context.Context) (<-chan searchsync.Signal, error) {
	sub := b.rdb.Subscribe(ctx, b.keys.Wakeup)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.keys.Wakeup, err)
	}

	out := make(chan searchsync.Signal, 1)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- searchsync.Signal{Channel: m.Channel, Payload: m.Payload, At: time.Now()}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// StoreHealth caches h as the deployment-wide snapshot.
func (b *Bus) StoreHealth(ctx context.Context, h *searchsync.Health) error {
	return b.set(ctx, b.keys.Health, h)
}

// LoadHealth returns the cached snapshot or ErrNoSnapshot.
func (b *Bus) LoadHealth(ctx context.Context) (*searchsync.Health, error) {
	var h searchsync.Health
	if err := b.get(ctx, b.keys.Health, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// WorkerReport is the last batch outcome of one worker.
type WorkerReport struct {
	Batch *searchsync.BatchResult `json:"batch,omitempty"`
	Error string                  `json:"error,omitempty"`
	At    time.Time               `json:"at"`
}

// StoreWorker caches the last batch outcome of the worker that produced res.
func (b *Bus) StoreWorker(ctx context.Context, res *searchsync.BatchResult, batchErr error) error {
	if res == nil {
		return nil
	}
	r := WorkerReport{Batch: res, At: time.Now()}
	if batchErr != nil {
		r.Error = batchErr.Error()
	}
	return b.set(ctx, b.keys.Worker(res.WorkerID), r)
}

// LoadWorker returns the cached report of workerID or ErrNoSnapshot.
func (b *Bus) LoadWorker(ctx context.Context, workerID string) (*WorkerReport, error) {
	var r WorkerReport
	if err := b.get(ctx, b.keys.Worker(workerID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReportBatch implements searchsync.Reporter.
func (b *Bus) ReportBatch(res *searchsync.BatchResult, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if serr := b.StoreWorker(ctx, res, err); serr != nil {
		b.log.Warnf("redisbus: store worker report: %v", serr)
	}
}

// ReportHealth implements searchsync.Reporter.
func (b *Bus) ReportHealth(ctx context.Context, h *searchsync.Health) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if err := b.StoreHealth(ctx, h); err != nil {
		b.log.Warnf("redisbus: store health: %v", err)
	}
}

func (b *Bus) set(ctx context.Context, key string, v any) error {
	raw, err := b.enc.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := b.rdb.Set(ctx, key, raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (b *Bus) get(ctx context.Context, key string, v any) error {
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNoSnapshot
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := b.enc.Decode(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

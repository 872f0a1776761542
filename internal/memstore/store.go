// Package memstore is an in-process implementation of searchsync.Store. It
// holds the catalog, the task queue and the projection, and runs the same
// change-capture rules as the Postgres triggers inside every catalog
// mutation.
//
// Transactions are serialized: Begin takes the store lock and holds it until
// Commit or Rollback. Rollback restores a snapshot taken at Begin.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/searchsync"
	"github.com/google/uuid"
)

// Channel is the wake-up channel name carried by signals of this store.
const Channel = "searchsync_wakeup"

var (
	// ErrNotFound is returned by catalog mutations that reference a missing row.
	ErrNotFound = errors.New("memstore: record not found")
	// ErrUnknownKind is returned for label operations on a non-label master kind.
	ErrUnknownKind = errors.New("memstore: unknown label kind")
	// ErrTxDone is returned when a finished transaction is used.
	ErrTxDone = errors.New("memstore: transaction already finished")
)

type linkKey struct {
	item   string
	target string
}

type state struct {
	users  map[string]searchsync.User
	files  map[string]searchsync.File
	labels map[searchsync.MasterKind]map[string]searchsync.Label
	items  map[string]searchsync.Item
	// links maps (item, target) to the link position per label kind.
	links map[searchsync.MasterKind]map[linkKey]int

	tasks map[string]*searchsync.Task
	// pending maps a dedup key to the id of the non-processing task holding it.
	pending map[string]string

	rows    map[string]*searchsync.Row
	upserts map[string]int
}

func newState() *state {
	st := &state{
		users:   make(map[string]searchsync.User),
		files:   make(map[string]searchsync.File),
		labels:  make(map[searchsync.MasterKind]map[string]searchsync.Label),
		items:   make(map[string]searchsync.Item),
		links:   make(map[searchsync.MasterKind]map[linkKey]int),
		tasks:   make(map[string]*searchsync.Task),
		pending: make(map[string]string),
		rows:    make(map[string]*searchsync.Row),
		upserts: make(map[string]int),
	}
	for _, k := range labelKinds {
		st.labels[k] = make(map[string]searchsync.Label)
		st.links[k] = make(map[linkKey]int)
	}
	return st
}

// clone copies every map. Stored values are replaced wholesale on write and
// never mutated in place, except tasks which are deep-copied.
func (st *state) clone() *state {
	c := &state{
		users:   copyMap(st.users),
		files:   copyMap(st.files),
		labels:  make(map[searchsync.MasterKind]map[string]searchsync.Label, len(st.labels)),
		items:   copyMap(st.items),
		links:   make(map[searchsync.MasterKind]map[linkKey]int, len(st.links)),
		tasks:   make(map[string]*searchsync.Task, len(st.tasks)),
		pending: copyMap(st.pending),
		rows:    copyMap(st.rows),
		upserts: copyMap(st.upserts),
	}
	for k, m := range st.labels {
		c.labels[k] = copyMap(m)
	}
	for k, m := range st.links {
		c.links[k] = copyMap(m)
	}
	for id, t := range st.tasks {
		c.tasks[id] = t.Clone()
	}
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for queue timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements searchsync.Store in memory.
type Store struct {
	sem chan struct{}
	st  *state
	now func() time.Time

	lmu       sync.Mutex
	listeners map[chan searchsync.Signal]struct{}
}

var _ searchsync.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		sem:       make(chan struct{}, 1),
		st:        newState(),
		now:       time.Now,
		listeners: make(map[chan searchsync.Signal]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.sem }

// do runs fn under the store lock and publishes the wake-ups it produced
// once the lock is released.
func (s *Store) do(ctx context.Context, fn func(st *state, w *wakeups) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	var w wakeups
	err := fn(s.st, &w)
	s.release()
	if err == nil {
		s.publish(w)
	}
	return err
}

// Begin opens a transaction holding the store lock.
func (s *Store) Begin(ctx context.Context) (searchsync.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return &tx{s: s, snapshot: s.st.clone()}, nil
}

// Enqueue inserts t or merges it into its pending twin.
func (s *Store) Enqueue(ctx context.Context, t *searchsync.Task) (*searchsync.Task, error) {
	var out *searchsync.Task
	err := s.do(ctx, func(st *state, w *wakeups) error {
		res, err := s.enqueue(st, w, t)
		out = res
		return err
	})
	return out, err
}

func (s *Store) enqueue(st *state, w *wakeups, in *searchsync.Task) (*searchsync.Task, error) {
	if (in.Type.IsAggregate() && in.TargetID == "") || (in.Type == searchsync.TypeEntityUpdate && in.EntityID == "") {
		return nil, fmt.Errorf("%w: missing key for %s", searchsync.ErrInvalidTask, in.Type)
	}
	now := s.now()
	if id, ok := st.pending[in.Key()]; ok {
		merged, ok := searchsync.Merge(st.tasks[id], in, now)
		if ok {
			st.tasks[id] = merged
			return merged.Clone(), nil
		}
	}

	t := in.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, dup := st.tasks[t.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate id %s", searchsync.ErrInvalidTask, t.ID)
	}
	if t.Operation == "" {
		t.Operation = searchsync.OpUpsert
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = searchsync.DefaultMaxRetries
	}
	t.Priority = searchsync.ClampPriority(t.Priority)
	t.QueuedAt = now
	t.Processing, t.WorkerID, t.StartedAt, t.CompletedAt = false, "", nil, nil
	t.RetryCount = 0
	st.tasks[t.ID] = t
	st.pending[t.Key()] = t.ID
	w.add(string(t.Type) + ":" + string(t.Operation))
	return t.Clone(), nil
}

// releaseTask returns a claimed task to pending, folding it into a pending twin
// that took its dedup key in the meantime.
func (s *Store) releaseTask(st *state, t *searchsync.Task) {
	t.Processing = false
	t.WorkerID = ""
	t.StartedAt = nil
	key := t.Key()
	if twinID, ok := st.pending[key]; ok && twinID != t.ID {
		st.tasks[twinID] = searchsync.Absorb(st.tasks[twinID], t)
		delete(st.tasks, t.ID)
		return
	}
	st.pending[key] = t.ID
}

func (st *state) removeTask(id string) {
	t, ok := st.tasks[id]
	if !ok {
		return
	}
	if st.pending[t.Key()] == id {
		delete(st.pending, t.Key())
	}
	delete(st.tasks, id)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*searchsync.Task, error) {
	var out *searchsync.Task
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		t, ok := st.tasks[id]
		if !ok {
			return searchsync.ErrTaskNotFound
		}
		out = t.Clone()
		return nil
	})
	return out, err
}

// ListTasks returns tasks with status in claim order.
func (s *Store) ListTasks(ctx context.Context, status searchsync.Status, limit int) ([]*searchsync.Task, error) {
	var out []*searchsync.Task
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		for _, t := range st.tasks {
			if t.Status() == status {
				out = append(out, t.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return searchsync.ClaimLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// DeleteTask removes a non-claimed task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.do(ctx, func(st *state, _ *wakeups) error {
		t, ok := st.tasks[id]
		if !ok {
			return searchsync.ErrTaskNotFound
		}
		if t.Processing {
			return searchsync.ErrClaimedTask
		}
		st.removeTask(id)
		return nil
	})
}

// RetryDead gives a dead task a fresh retry budget.
func (s *Store) RetryDead(ctx context.Context, id string) error {
	return s.do(ctx, func(st *state, w *wakeups) error {
		t, ok := st.tasks[id]
		if !ok {
			return searchsync.ErrTaskNotFound
		}
		if t.Status() != searchsync.StatusDead {
			return searchsync.ErrNotDead
		}
		t.RetryCount = 0
		t.QueuedAt = s.now()
		w.add("retry")
		return nil
	})
}

// EntityIDs lists every item id, sorted.
func (s *Store) EntityIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		for id := range st.items {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// Stats aggregates the queue.
func (s *Store) Stats(ctx context.Context, now time.Time) (*searchsync.QueueStats, error) {
	out := searchsync.NewQueueStats()
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		for _, t := range st.tasks {
			var elapsed time.Duration
			if t.Processing && t.StartedAt != nil {
				elapsed = now.Sub(*t.StartedAt)
			}
			out.Observe(t.Type, t.Status(), t.RetryCount > 0, 1, t.QueuedAt, t.QueuedAt, elapsed, elapsed)
		}
		return nil
	})
	return out, err
}

// PurgeDead deletes dead tasks whose last failure is older than deadBefore.
func (s *Store) PurgeDead(ctx context.Context, deadBefore time.Time) (int, error) {
	n := 0
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		for id, t := range st.tasks {
			if t.Status() != searchsync.StatusDead {
				continue
			}
			failedAt := t.QueuedAt
			if t.CompletedAt != nil {
				failedAt = *t.CompletedAt
			}
			if failedAt.Before(deadBefore) {
				st.removeTask(id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ResetStuck releases claims started before startedBefore with retry_count+1.
func (s *Store) ResetStuck(ctx context.Context, startedBefore time.Time, note string) (int, error) {
	n := 0
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		now := s.now()
		for _, t := range sortedTasks(st) {
			if !t.Processing || t.StartedAt == nil || !t.StartedAt.Before(startedBefore) {
				continue
			}
			t.RetryCount++
			t.LastError = note
			t.CompletedAt = &now
			s.releaseTask(st, t)
			n++
		}
		return nil
	})
	return n, err
}

// ResetAll releases every claimed task and zeroes its retry count.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	n := 0
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		for _, t := range sortedTasks(st) {
			if !t.Processing {
				continue
			}
			t.RetryCount = 0
			s.releaseTask(st, t)
			n++
		}
		return nil
	})
	return n, err
}

// RecordBatchFailure notes a rolled-back batch on each non-claimed task in ids.
func (s *Store) RecordBatchFailure(ctx context.Context, ids []string, lastError string, details map[string]string) (int, error) {
	n := 0
	err := s.do(ctx, func(st *state, _ *wakeups) error {
		now := s.now()
		for _, id := range ids {
			t, ok := st.tasks[id]
			if !ok || t.Processing {
				continue
			}
			prior, _ := strconv.Atoi(t.ErrorDetails[searchsync.DetailBatchFailures])
			t.RetryCount = searchsync.BatchFailureRetry(t.RetryCount, t.MaxRetries)
			t.LastError = lastError
			t.ErrorDetails = copyMap(details)
			t.ErrorDetails[searchsync.DetailBatchFailures] = strconv.Itoa(prior + 1)
			t.CompletedAt = &now
			n++
		}
		return nil
	})
	return n, err
}

// Row returns the projection row of id, if present.
func (s *Store) Row(id string) (*searchsync.Row, bool) {
	var r *searchsync.Row
	_ = s.do(context.Background(), func(st *state, _ *wakeups) error {
		r = st.rows[id]
		return nil
	})
	return r, r != nil
}

// Rows returns every projection row keyed by id.
func (s *Store) Rows() map[string]*searchsync.Row {
	var out map[string]*searchsync.Row
	_ = s.do(context.Background(), func(st *state, _ *wakeups) error {
		out = copyMap(st.rows)
		return nil
	})
	return out
}

// UpsertCount reports how many times the row of id was written.
func (s *Store) UpsertCount(id string) int {
	n := 0
	_ = s.do(context.Background(), func(st *state, _ *wakeups) error {
		n = st.upserts[id]
		return nil
	})
	return n
}

// sortedTasks returns the live tasks ordered by id so bulk releases fold
// twins deterministically.
func sortedTasks(st *state) []*searchsync.Task {
	out := make([]*searchsync.Task, 0, len(st.tasks))
	for _, t := range st.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/UniQw/searchsync"
)

type tx struct {
	s        *Store
	snapshot *state
	done     bool
}

func (t *tx) st() (*state, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return t.s.st, nil
}

// ClaimTasks marks up to limit pending tasks as processing in claim order.
func (t *tx) ClaimTasks(_ context.Context, limit int, workerID string) ([]*searchsync.Task, error) {
	st, err := t.st()
	if err != nil {
		return nil, err
	}
	var eligible []*searchsync.Task
	for _, task := range st.tasks {
		if task.Status() == searchsync.StatusPending {
			eligible = append(eligible, task)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return searchsync.ClaimLess(eligible[i], eligible[j]) })
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	now := t.s.now()
	out := make([]*searchsync.Task, 0, len(eligible))
	for _, task := range eligible {
		delete(st.pending, task.Key())
		task.Processing = true
		task.WorkerID = workerID
		started := now
		task.StartedAt = &started
		out = append(out, task.Clone())
	}
	return out, nil
}

// FailTask returns a claimed task to pending with retry_count+1.
func (t *tx) FailTask(_ context.Context, id, lastError string, details map[string]string) error {
	st, err := t.st()
	if err != nil {
		return err
	}
	task, ok := st.tasks[id]
	if !ok {
		return searchsync.ErrTaskNotFound
	}
	if !task.Processing {
		return fmt.Errorf("fail task %s: not claimed", id)
	}
	now := t.s.now()
	task.RetryCount++
	task.LastError = lastError
	task.ErrorDetails = copyMap(details)
	task.CompletedAt = &now
	t.s.releaseTask(st, task)
	return nil
}

// DeleteTasks removes processed tasks.
func (t *tx) DeleteTasks(_ context.Context, ids []string) error {
	st, err := t.st()
	if err != nil {
		return err
	}
	for _, id := range ids {
		st.removeTask(id)
	}
	return nil
}

// AffectedEntities returns the sorted ids of items linked to a master record.
func (t *tx) AffectedEntities(_ context.Context, kind searchsync.MasterKind, targetID string) ([]string, error) {
	st, err := t.st()
	if err != nil {
		return nil, err
	}
	if !st.masterExists(kind, targetID) {
		return nil, fmt.Errorf("%w: %s %s", searchsync.ErrTargetNotFound, kind, targetID)
	}
	return st.affected(kind, targetID), nil
}

// LoadSources joins every existing item in ids.
func (t *tx) LoadSources(_ context.Context, ids []string) ([]*searchsync.Source, error) {
	st, err := t.st()
	if err != nil {
		return nil, err
	}
	out := make([]*searchsync.Source, 0, len(ids))
	for _, id := range ids {
		if src := st.source(id); src != nil {
			out = append(out, src)
		}
	}
	return out, nil
}

// LoadFiles returns the files in ids.
func (t *tx) LoadFiles(_ context.Context, ids []string) (map[string]searchsync.File, error) {
	st, err := t.st()
	if err != nil {
		return nil, err
	}
	out := make(map[string]searchsync.File, len(ids))
	for _, id := range ids {
		if f, ok := st.files[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

// UpsertRows overwrites projection rows.
func (t *tx) UpsertRows(_ context.Context, rows []*searchsync.Row) error {
	st, err := t.st()
	if err != nil {
		return err
	}
	for _, r := range rows {
		c := *r
		st.rows[r.ID] = &c
		st.upserts[r.ID]++
	}
	return nil
}

// DeleteRows removes projection rows and reports how many existed.
func (t *tx) DeleteRows(_ context.Context, ids []string) (int, error) {
	st, err := t.st()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := st.rows[id]; ok {
			delete(st.rows, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.snapshot = nil
	t.s.release()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.s.st = t.snapshot
	t.snapshot = nil
	t.s.release()
	return nil
}

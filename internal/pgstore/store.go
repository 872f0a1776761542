// Package pgstore implements searchsync.Store on PostgreSQL through lib/pq.
//
// The queue, the change-capture triggers and the projection table live in
// the embedded schema applied by Migrate. Claims use FOR UPDATE SKIP LOCKED,
// so any number of workers may share one database.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/UniQw/searchsync"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Channel is the LISTEN/NOTIFY channel written by the wake-up trigger.
const Channel = "searchsync_wakeup"

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

// Pool settings applied by Open.
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the schema. It is idempotent and serialized across
// concurrent callers with an advisory lock.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('searchsync_migrate'))`); err != nil {
		return fmt.Errorf("lock migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// Option configures a Store.
type Option func(*Store)

// WithEncoder replaces the JSON codec used for jsonb columns.
func WithEncoder(enc searchsync.Encoder) Option {
	return func(s *Store) { s.enc = enc }
}

// Store implements searchsync.Store over a database handle.
type Store struct {
	db  *sql.DB
	enc searchsync.Encoder
}

var _ searchsync.Store = (*Store)(nil)

// New wraps db. The schema must already be migrated.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, enc: searchsync.DefaultEncoder}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Begin opens a batch transaction.
func (s *Store) Begin(ctx context.Context) (searchsync.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &tx{tx: sqlTx, enc: s.enc}, nil
}

// withTx runs fn in a transaction committed when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// taskColumns is the column list read by scanTask.
const taskColumns = `id, task_type, entity_id, target_id, operation, priority, estimated_affected_count,
	queued_at, started_at, completed_at, processing, worker_id, retry_count, max_retries,
	last_error, error_details, metadata`

// claimOrder mirrors searchsync.ClaimLess.
const claimOrder = `priority DESC, retry_count ASC, estimated_affected_count ASC NULLS LAST, queued_at ASC, id ASC`

var statusFilter = map[searchsync.Status]string{
	searchsync.StatusPending: `NOT processing AND retry_count < max_retries`,
	searchsync.StatusClaimed: `processing`,
	searchsync.StatusDead:    `NOT processing AND retry_count >= max_retries`,
}

// prefixed qualifies every column in cols with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row scanner) (*searchsync.Task, error) {
	return scanTask(row, s.enc)
}

func scanTask(row scanner, enc searchsync.Encoder) (*searchsync.Task, error) {
	var (
		t                                    searchsync.Task
		entityID, targetID, workerID, errMsg sql.NullString
		estimate                             sql.NullInt64
		startedAt, completedAt               sql.NullTime
		details, meta                        []byte
	)
	err := row.Scan(&t.ID, &t.Type, &entityID, &targetID, &t.Operation, &t.Priority, &estimate,
		&t.QueuedAt, &startedAt, &completedAt, &t.Processing, &workerID, &t.RetryCount, &t.MaxRetries,
		&errMsg, &details, &meta)
	if err != nil {
		return nil, err
	}
	t.EntityID = entityID.String
	t.TargetID = targetID.String
	t.WorkerID = workerID.String
	t.LastError = errMsg.String
	t.EstimatedAffected = int(estimate.Int64)
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if len(details) > 0 {
		if err := enc.Decode(details, &t.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error_details of %s: %w", t.ID, err)
		}
	}
	if len(meta) > 0 {
		if err := enc.Decode(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows, enc searchsync.Encoder) ([]*searchsync.Task, error) {
	defer rows.Close()
	var out []*searchsync.Task
	for rows.Next() {
		t, err := scanTask(rows, enc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// jsonb encodes m for a jsonb parameter; an empty map is stored as NULL.
func jsonb(enc searchsync.Encoder, m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := enc.Encode(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Enqueue inserts t or merges it into its pending twin through sync_enqueue,
// the same path the triggers use.
func (s *Store) Enqueue(ctx context.Context, t *searchsync.Task) (*searchsync.Task, error) {
	if (t.Type.IsAggregate() && t.TargetID == "") || (t.Type == searchsync.TypeEntityUpdate && t.EntityID == "") {
		return nil, fmt.Errorf("%w: missing key for %s", searchsync.ErrInvalidTask, t.Type)
	}
	meta, err := jsonb(s.enc, t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	op := t.Operation
	if op == "" {
		op = searchsync.OpUpsert
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_enqueue($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(t.Type), nullString(t.EntityID), nullString(t.TargetID), string(op),
		searchsync.ClampPriority(t.Priority), t.EstimatedAffected, meta, t.MaxRetries, id)
	out, err := s.scanTask(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: duplicate id %s", searchsync.ErrInvalidTask, id)
		}
		return nil, fmt.Errorf("enqueue %s: %w", t.Key(), err)
	}
	return out, nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*searchsync.Task, error) {
	t, err := s.scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, searchsync.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks with status in claim order.
func (s *Store) ListTasks(ctx context.Context, status searchsync.Status, limit int) ([]*searchsync.Task, error) {
	where, ok := statusFilter[status]
	if !ok {
		return nil, searchsync.ErrUnknownStatus
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE `+where+` ORDER BY `+claimOrder+` LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	return scanTasks(rows, s.enc)
}

// DeleteTask removes a non-claimed task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var processing bool
		err := tx.QueryRowContext(ctx, `SELECT processing FROM sync_tasks WHERE id = $1 FOR UPDATE`, id).Scan(&processing)
		if errors.Is(err, sql.ErrNoRows) {
			return searchsync.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("lock task %s: %w", id, err)
		}
		if processing {
			return searchsync.ErrClaimedTask
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

// RetryDead gives a dead task a fresh retry budget and wakes the workers.
func (s *Store) RetryDead(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var processing bool
		var retries, maxRetries int
		err := tx.QueryRowContext(ctx,
			`SELECT processing, retry_count, max_retries FROM sync_tasks WHERE id = $1 FOR UPDATE`, id).
			Scan(&processing, &retries, &maxRetries)
		if errors.Is(err, sql.ErrNoRows) {
			return searchsync.ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("lock task %s: %w", id, err)
		}
		if searchsync.StatusOf(processing, retries, maxRetries) != searchsync.StatusDead {
			return searchsync.ErrNotDead
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sync_tasks SET retry_count = 0, queued_at = now() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("retry task %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, 'retry')`, Channel); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
}

// EntityIDs lists every item id, sorted.
func (s *Store) EntityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats aggregates the queue grouped by type, claim state and retry counters.
func (s *Store) Stats(ctx context.Context, now time.Time) (*searchsync.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_type, processing, retry_count, max_retries, count(*),
		       min(queued_at), max(queued_at),
		       COALESCE(sum(extract(epoch FROM $1::timestamptz - started_at)) FILTER (WHERE processing), 0),
		       COALESCE(max(extract(epoch FROM $1::timestamptz - started_at)) FILTER (WHERE processing), 0)
		  FROM sync_tasks
		 GROUP BY task_type, processing, retry_count, max_retries`, now)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	out := searchsync.NewQueueStats()
	for rows.Next() {
		var (
			tt                     searchsync.TaskType
			processing             bool
			retries, maxRetries    int
			count                  int64
			oldest, newest         time.Time
			sumSeconds, maxSeconds float64
		)
		if err := rows.Scan(&tt, &processing, &retries, &maxRetries, &count, &oldest, &newest, &sumSeconds, &maxSeconds); err != nil {
			return nil, err
		}
		out.Observe(tt, searchsync.StatusOf(processing, retries, maxRetries), retries > 0, count,
			oldest, newest, seconds(sumSeconds), seconds(maxSeconds))
	}
	return out, rows.Err()
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// PurgeDead deletes dead tasks whose last failure is older than deadBefore.
func (s *Store) PurgeDead(ctx context.Context, deadBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_tasks
		 WHERE NOT processing AND retry_count >= max_retries
		   AND COALESCE(completed_at, queued_at) < $1`, deadBefore)
	if err != nil {
		return 0, fmt.Errorf("purge dead tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetStuck releases claims started before startedBefore with retry_count+1.
func (s *Store) ResetStuck(ctx context.Context, startedBefore time.Time, note string) (int, error) {
	return s.release(ctx, `
		UPDATE sync_tasks
		   SET retry_count = LEAST(retry_count + 1, max_retries), last_error = $2, completed_at = now()
		 WHERE processing AND started_at < $1
		RETURNING id`, startedBefore, note)
}

// ResetAll releases every claimed task and zeroes its retry count.
func (s *Store) ResetAll(ctx context.Context) (int, error) {
	return s.release(ctx, `UPDATE sync_tasks SET retry_count = 0 WHERE processing RETURNING id`)
}

// release runs an UPDATE … RETURNING id over claimed tasks and hands the ids
// to sync_release in the same transaction.
func (s *Store) release(ctx context.Context, query string, args ...any) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		sort.Strings(ids)
		return tx.QueryRowContext(ctx, `SELECT sync_release($1)`, pq.Array(ids)).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("release tasks: %w", err)
	}
	return n, nil
}

// RecordBatchFailure notes a rolled-back batch on each non-claimed task in
// ids. The retry charge stops at max_retries-1, mirroring
// searchsync.BatchFailureRetry.
func (s *Store) RecordBatchFailure(ctx context.Context, ids []string, lastError string, details map[string]string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	d, err := jsonb(s.enc, details)
	if err != nil {
		return 0, fmt.Errorf("encode details: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_tasks
		   SET retry_count = CASE WHEN retry_count + 1 < max_retries THEN retry_count + 1 ELSE retry_count END,
		       last_error = $2,
		       error_details = COALESCE($3::jsonb, '{}'::jsonb) || jsonb_build_object(
		           $4::text, (COALESCE((error_details ->> $4)::int, 0) + 1)::text),
		       completed_at = now()
		 WHERE id = ANY ($1) AND NOT processing`, pq.Array(ids), lastError, d, searchsync.DetailBatchFailures)
	if err != nil {
		return 0, fmt.Errorf("record batch failure: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Notify publishes a wake-up on Channel without touching the queue.
func (s *Store) Notify(ctx context.Context, payload string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, payload); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

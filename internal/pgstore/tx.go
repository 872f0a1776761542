package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/UniQw/searchsync"
	"github.com/lib/pq"
)

type tx struct {
	tx  *sql.Tx
	enc searchsync.Encoder
}

// ClaimTasks locks up to limit pending tasks, skipping rows locked by other
// claimants, and marks them processing by workerID.
func (t *tx) ClaimTasks(ctx context.Context, limit int, workerID string) ([]*searchsync.Task, error) {
	rows, err := t.tx.QueryContext(ctx, `
		WITH next AS (
			SELECT id FROM sync_tasks
			 WHERE NOT processing AND retry_count < max_retries
			 ORDER BY `+claimOrder+`
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_tasks s
		   SET processing = true, started_at = now(), worker_id = $2
		  FROM next
		 WHERE s.id = next.id
		RETURNING `+prefixed("s", taskColumns), limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	tasks, err := scanTasks(rows, t.enc)
	if err != nil {
		return nil, fmt.Errorf("scan claimed: %w", err)
	}
	sort.Slice(tasks, func(i, j int) bool { return searchsync.ClaimLess(tasks[i], tasks[j]) })
	return tasks, nil
}

// FailTask charges a retry to a claimed task and releases it.
func (t *tx) FailTask(ctx context.Context, id, lastError string, details map[string]string) error {
	d, err := jsonb(t.enc, details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sync_tasks
		   SET retry_count = LEAST(retry_count + 1, max_retries), last_error = $2,
		       error_details = $3, completed_at = now()
		 WHERE id = $1 AND processing`, id, lastError, d)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sync_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("fail task %s: %w", id, err)
		}
		if !exists {
			return searchsync.ErrTaskNotFound
		}
		return fmt.Errorf("fail task %s: not claimed", id)
	}
	var released int
	if err := t.tx.QueryRowContext(ctx, `SELECT sync_release($1)`, pq.Array([]string{id})).Scan(&released); err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	return nil
}

// DeleteTasks removes processed tasks.
func (t *tx) DeleteTasks(ctx context.Context, ids []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = ANY ($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

type masterQuery struct {
	exists   string
	affected string
}

var masterQueries = map[searchsync.MasterKind]masterQuery{
	searchsync.MasterCategory: {
		exists:   `SELECT EXISTS (SELECT 1 FROM categories WHERE id = $1)`,
		affected: `SELECT DISTINCT item_id FROM item_categories WHERE category_id = $1 ORDER BY item_id`,
	},
	searchsync.MasterTag: {
		exists:   `SELECT EXISTS (SELECT 1 FROM tags WHERE id = $1)`,
		affected: `SELECT DISTINCT item_id FROM item_tags WHERE tag_id = $1 ORDER BY item_id`,
	},
	searchsync.MasterVariant: {
		exists:   `SELECT EXISTS (SELECT 1 FROM variants WHERE id = $1)`,
		affected: `SELECT DISTINCT item_id FROM item_variants WHERE variant_id = $1 ORDER BY item_id`,
	},
	searchsync.MasterOwner: {
		exists:   `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		affected: `SELECT id FROM items WHERE owner_id = $1 ORDER BY id`,
	},
	searchsync.MasterFile: {
		exists:   `SELECT EXISTS (SELECT 1 FROM files WHERE id = $1)`,
		affected: `SELECT * FROM sync_file_refs($1)`,
	},
}

// AffectedEntities returns the ids of items linked to a master record. The
// lookup runs under a savepoint so a failing query leaves the batch
// transaction usable for the remaining tasks.
func (t *tx) AffectedEntities(ctx context.Context, kind searchsync.MasterKind, targetID string) (ids []string, err error) {
	q, ok := masterQueries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: master kind %q", searchsync.ErrUnknownTaskType, kind)
	}
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT resolve`); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	defer func() {
		stmt := `RELEASE SAVEPOINT resolve`
		if err != nil {
			stmt = `ROLLBACK TO SAVEPOINT resolve`
		}
		if _, serr := t.tx.ExecContext(ctx, stmt); serr != nil && err == nil {
			err = fmt.Errorf("savepoint: %w", serr)
		}
	}()

	var exists bool
	if err := t.tx.QueryRowContext(ctx, q.exists, targetID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", kind, targetID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s %s", searchsync.ErrTargetNotFound, kind, targetID)
	}
	ids, err = queryIDs(ctx, t.tx, q.affected, targetID)
	if err != nil {
		return nil, fmt.Errorf("affected by %s %s: %w", kind, targetID, err)
	}
	return ids, nil
}

const sourceQuery = `
	SELECT i.id, i.name, i.slug, COALESCE(i.description, ''), COALESCE(i.preview_text, ''), i.status,
	       i.authors, i.owner_id, i.cover_file_id, i.gallery, i.created_at, i.updated_at,
	       u.id, u.username, u.display_name, u.avatar_url,
	       f.id, f.url, f.mime_type
	  FROM items i
	  LEFT JOIN users u ON u.id = i.owner_id
	  LEFT JOIN files f ON f.id = i.cover_file_id
	 WHERE i.id = ANY ($1)`

var labelQueries = map[searchsync.MasterKind]string{
	searchsync.MasterCategory: `
		SELECT l.item_id, c.id, c.name, c.slug FROM item_categories l JOIN categories c ON c.id = l.category_id
		 WHERE l.item_id = ANY ($1) ORDER BY l.item_id, l.position, c.id`,
	searchsync.MasterTag: `
		SELECT l.item_id, c.id, c.name, c.slug FROM item_tags l JOIN tags c ON c.id = l.tag_id
		 WHERE l.item_id = ANY ($1) ORDER BY l.item_id, l.position, c.id`,
	searchsync.MasterVariant: `
		SELECT l.item_id, c.id, c.name, c.slug FROM item_variants l JOIN variants c ON c.id = l.variant_id
		 WHERE l.item_id = ANY ($1) ORDER BY l.item_id, l.position, c.id`,
}

// LoadSources joins every existing item in ids with its owner, cover and
// labels. Results follow the order of ids.
func (t *tx) LoadSources(ctx context.Context, ids []string) ([]*searchsync.Source, error) {
	rows, err := t.tx.QueryContext(ctx, sourceQuery, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	byID, err := t.scanSources(rows)
	if err != nil {
		return nil, err
	}

	for kind, q := range labelQueries {
		if err := t.loadLabels(ctx, kind, q, ids, byID); err != nil {
			return nil, err
		}
	}

	out := make([]*searchsync.Source, 0, len(byID))
	for _, id := range ids {
		if src, ok := byID[id]; ok {
			out = append(out, src)
			delete(byID, id)
		}
	}
	return out, nil
}

func (t *tx) scanSources(rows *sql.Rows) (map[string]*searchsync.Source, error) {
	defer rows.Close()
	out := make(map[string]*searchsync.Source)
	for rows.Next() {
		var (
			it                          searchsync.Item
			authors                     pq.StringArray
			ownerID, coverID            sql.NullString
			gallery                     []byte
			uID, uName, uDisplay, uAvat sql.NullString
			fID, fURL, fMime            sql.NullString
		)
		err := rows.Scan(&it.ID, &it.Name, &it.Slug, &it.Description, &it.PreviewText, &it.Status,
			&authors, &ownerID, &coverID, &gallery, &it.CreatedAt, &it.UpdatedAt,
			&uID, &uName, &uDisplay, &uAvat, &fID, &fURL, &fMime)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Authors = []string(authors)
		it.OwnerID = ownerID.String
		it.CoverFileID = coverID.String
		if len(gallery) > 0 {
			if err := t.enc.Decode(gallery, &it.Gallery); err != nil {
				return nil, fmt.Errorf("decode gallery of %s: %w", it.ID, err)
			}
		}
		src := &searchsync.Source{Item: it}
		if uID.Valid {
			src.Owner = &searchsync.User{ID: uID.String, Username: uName.String, DisplayName: uDisplay.String, AvatarURL: uAvat.String}
		}
		if fID.Valid {
			src.Cover = &searchsync.File{ID: fID.String, URL: fURL.String, MimeType: fMime.String}
		}
		out[it.ID] = src
	}
	return out, rows.Err()
}

func (t *tx) loadLabels(ctx context.Context, kind searchsync.MasterKind, query string, ids []string, byID map[string]*searchsync.Source) error {
	rows, err := t.tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load %s: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var itemID string
		var l searchsync.Label
		if err := rows.Scan(&itemID, &l.ID, &l.Name, &l.Slug); err != nil {
			return fmt.Errorf("scan %s: %w", kind, err)
		}
		src, ok := byID[itemID]
		if !ok {
			continue
		}
		switch kind {
		case searchsync.MasterCategory:
			src.Categories = append(src.Categories, l)
		case searchsync.MasterTag:
			src.Tags = append(src.Tags, l)
		case searchsync.MasterVariant:
			src.Variants = append(src.Variants, l)
		}
	}
	return rows.Err()
}

// LoadFiles returns the files in ids keyed by id.
func (t *tx) LoadFiles(ctx context.Context, ids []string) (map[string]searchsync.File, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, url, COALESCE(mime_type, '') FROM files WHERE id = ANY ($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()
	out := make(map[string]searchsync.File, len(ids))
	for rows.Next() {
		var f searchsync.File
		if err := rows.Scan(&f.ID, &f.URL, &f.MimeType); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out[f.ID] = f
	}
	return out, rows.Err()
}

const upsertRow = `
	INSERT INTO item_search (id, name, slug, description, preview_text, status, authors,
	                         owner, cover, gallery, categories, tags, variants,
	                         category_ids, tag_ids, variant_ids, search_text,
	                         created_at, updated_at, last_updated)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (id) DO UPDATE SET
	    name = EXCLUDED.name, slug = EXCLUDED.slug, description = EXCLUDED.description,
	    preview_text = EXCLUDED.preview_text, status = EXCLUDED.status, authors = EXCLUDED.authors,
	    owner = EXCLUDED.owner, cover = EXCLUDED.cover, gallery = EXCLUDED.gallery,
	    categories = EXCLUDED.categories, tags = EXCLUDED.tags, variants = EXCLUDED.variants,
	    category_ids = EXCLUDED.category_ids, tag_ids = EXCLUDED.tag_ids, variant_ids = EXCLUDED.variant_ids,
	    search_text = EXCLUDED.search_text, created_at = EXCLUDED.created_at,
	    updated_at = EXCLUDED.updated_at, last_updated = EXCLUDED.last_updated`

// UpsertRows writes projection rows, overwriting every column on conflict.
func (t *tx) UpsertRows(ctx context.Context, rows []*searchsync.Row) error {
	stmt, err := t.tx.PrepareContext(ctx, upsertRow)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		args, err := t.rowArgs(r)
		if err != nil {
			return fmt.Errorf("encode row %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert row %s: %w", r.ID, err)
		}
	}
	return nil
}

func (t *tx) rowArgs(r *searchsync.Row) ([]any, error) {
	docs := []any{r.Owner, r.Cover, r.Gallery, r.Categories, r.Tags, r.Variants}
	encoded := make([]any, len(docs))
	for i, d := range docs {
		b, err := t.enc.Encode(d)
		if err != nil {
			return nil, err
		}
		encoded[i] = string(b)
	}
	// A nil owner or cover encodes as JSON null; store SQL NULL instead.
	if r.Owner == nil {
		encoded[0] = nil
	}
	if r.Cover == nil {
		encoded[1] = nil
	}
	return []any{
		r.ID, r.Name, r.Slug, r.Description, r.PreviewText, r.Status, pq.Array(r.Authors),
		encoded[0], encoded[1], encoded[2], encoded[3], encoded[4], encoded[5],
		pq.Array(r.CategoryIDs), pq.Array(r.TagIDs), pq.Array(r.VariantIDs), r.SearchText,
		r.CreatedAt, r.UpdatedAt, r.LastUpdated,
	}, nil
}

// DeleteRows removes projection rows and reports how many existed.
func (t *tx) DeleteRows(ctx context.Context, ids []string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM item_search WHERE id = ANY ($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) Commit() error { return t.tx.Commit() }

func (t *tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

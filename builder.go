package searchsync

import (
	"context"
	"fmt"
	"time"
)

// DefaultSubBatchSize bounds how many items are rebuilt per statement group,
// keeping locks small on large aggregate fan-outs.
const DefaultSubBatchSize = 200

// Builder recomputes projection rows from source data.
type Builder struct {
	subBatch int
	now      func() time.Time
	log      Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithSubBatchSize overrides DefaultSubBatchSize.
func WithSubBatchSize(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.subBatch = n
		}
	}
}

// WithBuilderClock sets the clock used for LastUpdated.
func WithBuilderClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(l Logger) BuilderOption {
	return func(b *Builder) { b.log = l }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{subBatch: DefaultSubBatchSize, now: time.Now, log: nopLogger{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RebuildResult counts what a Rebuild wrote to the projection.
type RebuildResult struct {
	Upserted int
	// Removed is the number of existing rows dropped because their source
	// item is gone.
	Removed int
}

// Rebuild upserts the projection rows of ids inside tx. Ids without a source
// item are removed from the projection instead. ids must already be
// deduplicated.
func (b *Builder) Rebuild(ctx context.Context, tx Tx, ids []string) (RebuildResult, error) {
	var total RebuildResult
	for start := 0; start < len(ids); start += b.subBatch {
		end := start + b.subBatch
		if end > len(ids) {
			end = len(ids)
		}
		r, err := b.rebuildChunk(ctx, tx, ids[start:end])
		if err != nil {
			return total, err
		}
		total.Upserted += r.Upserted
		total.Removed += r.Removed
	}
	return total, nil
}

func (b *Builder) rebuildChunk(ctx context.Context, tx Tx, ids []string) (RebuildResult, error) {
	sources, err := tx.LoadSources(ctx, ids)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("load sources: %w", err)
	}

	var fileIDs []string
	found := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		found[s.Item.ID] = struct{}{}
		fileIDs = append(fileIDs, GalleryFileIDs(s)...)
	}
	files := map[string]File{}
	if len(fileIDs) > 0 {
		files, err = tx.LoadFiles(ctx, dedupe(fileIDs))
		if err != nil {
			return RebuildResult{}, fmt.Errorf("load gallery files: %w", err)
		}
	}

	now := b.now()
	rows := make([]*Row, 0, len(sources))
	for _, s := range sources {
		rows = append(rows, BuildRow(s, files, now))
	}
	if len(rows) > 0 {
		if err := tx.UpsertRows(ctx, rows); err != nil {
			return RebuildResult{}, fmt.Errorf("upsert rows: %w", err)
		}
	}

	res := RebuildResult{Upserted: len(rows)}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		n, err := tx.DeleteRows(ctx, missing)
		if err != nil {
			return RebuildResult{}, fmt.Errorf("drop missing rows: %w", err)
		}
		res.Removed = n
		b.log.Debugf("rebuild: %d ids have no source item, %d rows removed from projection", len(missing), n)
	}
	return res, nil
}

// dedupe returns ids without repetitions, keeping first occurrences in order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

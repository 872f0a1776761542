package searchsync

import (
	"context"

	"github.com/UniQw/searchsync/internal/hctx"
)

// SetDetail attaches a diagnostic entry to the task a resolver is expanding.
// The entry is kept in error_details if resolution fails. Outside a batch it
// does nothing.
func SetDetail(ctx context.Context, key, value string) {
	if st := hctx.FromContext(ctx); st != nil {
		st.Set(key, value)
	}
}

// ResolvingWorker returns the id of the worker running the current batch.
func ResolvingWorker(ctx context.Context) (string, bool) {
	st := hctx.FromContext(ctx)
	if st == nil {
		return "", false
	}
	return st.WorkerID, true
}

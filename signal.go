package searchsync

import (
	"context"
	"time"
)

// Signal is a best-effort wake-up notification. Payload is advisory only;
// nothing may depend on it for correctness.
type Signal struct {
	Channel string    `json:"channel"`
	Payload string    `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// SignalSource delivers wake-up signals until ctx is done, then closes the
// channel. Delivery is at most once and unordered.
type SignalSource interface {
	Listen(ctx context.Context) (<-chan Signal, error)
}

// Reporter receives observability events from a Worker.
type Reporter interface {
	ReportBatch(res *BatchResult, err error)
	ReportHealth(ctx context.Context, h *Health)
}

// Reporters fans events out to several reporters.
type Reporters []Reporter

func (rs Reporters) ReportBatch(res *BatchResult, err error) {
	for _, r := range rs {
		r.ReportBatch(res, err)
	}
}

func (rs Reporters) ReportHealth(ctx context.Context, h *Health) {
	for _, r := range rs {
		r.ReportHealth(ctx, h)
	}
}

package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/searchsync"
	"github.com/lib/pq"
)

const (
	minReconnect = time.Second
	maxReconnect = time.Minute
	// pingEvery checks an idle connection so a silent drop is noticed.
	pingEvery = 90 * time.Second
)

// Logger is the logging surface used by Listener.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...any) {}
func (noopLogger) Warnf(string, ...any) {}

// Listener delivers LISTEN/NOTIFY wake-ups as signals. The underlying
// pq.Listener reconnects with backoff on its own; every reconnect is
// reported as a wake-up because notifications sent while disconnected
// are lost.
type Listener struct {
	dsn     string
	channel string
	log     Logger
}

var _ searchsync.SignalSource = (*Listener)(nil)

// NewListener listens on Channel of the database at dsn. log may be nil.
func NewListener(dsn string, log Logger) *Listener {
	if log == nil {
		log = noopLogger{}
	}
	return &Listener{dsn: dsn, channel: Channel, log: log}
}

// Listen subscribes and forwards notifications until ctx is done.
func (l *Listener) Listen(ctx context.Context) (<-chan searchsync.Signal, error) {
	pl := pq.NewListener(l.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			l.log.Warnf("pg listener disconnected: %v", err)
		case pq.ListenerEventReconnected:
			l.log.Infof("pg listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			l.log.Warnf("pg listener connection attempt failed: %v", err)
		}
	})
	if err := pl.Listen(l.channel); err != nil {
		_ = pl.Close()
		return nil, fmt.Errorf("listen %s: %w", l.channel, err)
	}

	out := make(chan searchsync.Signal, 1)
	go func() {
		defer close(out)
		defer func() { _ = pl.Close() }()
		ping := time.NewTicker(pingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-pl.Notify:
				sig := searchsync.Signal{Channel: l.channel, Payload: "reconnect", At: time.Now()}
				if n != nil {
					sig.Channel, sig.Payload = n.Channel, n.Extra
				}
				select {
				case out <- sig:
				default:
				}
			case <-ping.C:
				if err := pl.Ping(); err != nil {
					l.log.Warnf("pg listener ping: %v", err)
				}
			}
		}
	}()
	return out, nil
}

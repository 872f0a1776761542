package memstore

import (
	"context"
	"time"

	"github.com/UniQw/searchsync"
)

// listenerBuffer bounds the signals queued per subscriber; further signals
// are dropped until the subscriber catches up.
const listenerBuffer = 16

// wakeups collects the payloads of tasks inserted by one mutation. They are
// published only after the mutation succeeded.
type wakeups struct {
	payloads []string
}

func (w *wakeups) add(payload string) { w.payloads = append(w.payloads, payload) }

// Listen subscribes to queue insert notifications. The channel is closed
// when ctx is done.
func (s *Store) Listen(ctx context.Context) (<-chan searchsync.Signal, error) {
	ch := make(chan searchsync.Signal, listenerBuffer)
	s.lmu.Lock()
	s.listeners[ch] = struct{}{}
	s.lmu.Unlock()

	go func() {
		<-ctx.Done()
		s.lmu.Lock()
		delete(s.listeners, ch)
		close(ch)
		s.lmu.Unlock()
	}()
	return ch, nil
}

// Notify publishes a wake-up without touching the queue.
func (s *Store) Notify(payload string) {
	s.publish(wakeups{payloads: []string{payload}})
}

func (s *Store) publish(w wakeups) {
	if len(w.payloads) == 0 {
		return
	}
	now := time.Now()
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for ch := range s.listeners {
		for _, p := range w.payloads {
			select {
			case ch <- searchsync.Signal{Channel: Channel, Payload: p, At: now}:
			default:
			}
		}
	}
}

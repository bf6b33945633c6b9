package relock

import (
	"context"
	"time"

	"github.com/llxisdsh/relock/internal/opt"
)

// wakeEvent is the parking primitive behind the wait path: a binary
// event with at most one wake token outstanding.
//
// Normal mode uses a 1-buffered channel so waits can race a timer or a
// context. Untimed mode parks directly on the runtime semaphore, which
// has no timed variant but a cheaper handoff; the Mutex API refuses
// timed and cancelable waits in that mode.
//
// A stale token (its waiter aborted before consuming it) only causes
// one spurious wakeup of a later waiter, which re-checks state and
// parks again.
type wakeEvent struct {
	ch   chan struct{}
	sema opt.Sema
}

func newWakeEvent(untimed bool) *wakeEvent {
	if untimed {
		return &wakeEvent{}
	}
	return &wakeEvent{ch: make(chan struct{}, 1)}
}

// signal posts the wake token. It reports false if a token was already
// pending (channel mode only; the semaphore counts).
func (e *wakeEvent) signal() bool {
	if e.ch == nil {
		e.sema.Release()
		return true
	}
	select {
	case e.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *wakeEvent) wait() {
	if e.ch == nil {
		e.sema.Acquire()
		return
	}
	<-e.ch
}

// waitTimeout reports false if d elapsed before a token arrived.
func (e *wakeEvent) waitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	select {
	case <-e.ch:
		t.Stop()
		return true
	case <-t.C:
		return false
	}
}

func (e *wakeEvent) waitContext(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package async

import (
	"sync"
	"time"
)

// Timer is a restartable, cancellable one-shot timer. Unlike time.Timer,
// cancellation races with firing resolve deterministically: the callback
// observes a generation token and a fire whose generation was cancelled is
// silently dropped, so a callback never runs after Cancel returns true.
type Timer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
}

// NewTimer returns an unarmed Timer.
func NewTimer() *Timer { return new(Timer) }

// Start arms the timer to invoke |fn| after |d|. If the timer is already
// armed, Start is a no-op and returns false.
func (tm *Timer) Start(d time.Duration, fn func()) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.armed {
		return false
	}
	tm.armed = true
	var gen = tm.gen

	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		if tm.gen != gen {
			tm.mu.Unlock()
			return // Cancelled after firing was scheduled.
		}
		tm.armed = false
		tm.mu.Unlock()
		fn()
	})
	return true
}

// Cancel disarms the timer. It returns true if a pending fire was
// prevented, and false if the timer was unarmed or its callback already
// began.
func (tm *Timer) Cancel() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.armed {
		return false
	}
	tm.armed = false
	tm.gen++
	tm.t.Stop()
	return true
}

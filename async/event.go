package async

import (
	"container/list"
	"sync"

	"go.keel.dev/core/replication"
)

// Event is a manual- or auto-reset signal whose waits are themselves
// cancellable Contexts. Waiters resume in FIFO order.
type Event struct {
	mu        sync.Mutex
	manual    bool
	signalled bool
	waiters   list.List // of *WaitContext
}

// NewEvent returns an Event. A manual-reset Event remains signalled until
// ResetEvent; an auto-reset Event releases at most one waiter per SetEvent.
func NewEvent(manualReset, initiallySignalled bool) *Event {
	return &Event{manual: manualReset, signalled: initiallySignalled}
}

// SetEvent signals the Event. For manual-reset, every current waiter
// completes with success and the Event stays signalled. For auto-reset, at
// most one waiter completes; if one was dequeued the Event remains
// unsignalled, and otherwise it latches signalled for the next waiter.
func (e *Event) SetEvent() {
	e.mu.Lock()
	if e.signalled {
		e.mu.Unlock()
		return
	}
	var release []*WaitContext

	if e.manual {
		e.signalled = true
		for e.waiters.Len() != 0 {
			release = append(release, e.popLocked())
		}
	} else if e.waiters.Len() != 0 {
		release = append(release, e.popLocked())
	} else {
		e.signalled = true
	}
	e.mu.Unlock()

	for _, w := range release {
		w.Complete(nil, nil)
	}
}

// ResetEvent clears the signalled flag.
func (e *Event) ResetEvent() {
	e.mu.Lock()
	e.signalled = false
	e.mu.Unlock()
}

// IsSignalled returns the current signal state.
func (e *Event) IsSignalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signalled
}

func (e *Event) popLocked() *WaitContext {
	var front = e.waiters.Front()
	e.waiters.Remove(front)
	var w = front.Value.(*WaitContext)
	w.elem = nil
	return w
}

// WaitContext is a Context which completes when its Event signals, or with
// ErrCanceled if cancelled first.
type WaitContext struct {
	*Context
	event *Event
	elem  *list.Element
}

// CreateWaitContext returns a WaitContext of the Event. Starting it
// enqueues the wait; if the Event is already signalled the wait completes
// synchronously (consuming the signal, for auto-reset).
func (e *Event) CreateWaitContext() *WaitContext {
	var w = &WaitContext{event: e}
	w.Context = NewContext(Hooks{
		OnStart:  w.onStart,
		OnCancel: w.onCancel,
	})
	return w
}

func (w *WaitContext) onStart() {
	var e = w.event

	e.mu.Lock()
	if e.signalled {
		if !e.manual {
			e.signalled = false
		}
		e.mu.Unlock()
		w.Complete(nil, nil)
		return
	}
	w.elem = e.waiters.PushBack(w)
	e.mu.Unlock()
}

func (w *WaitContext) onCancel() {
	var e = w.event

	e.mu.Lock()
	if w.elem != nil {
		e.waiters.Remove(w.elem)
		w.elem = nil
		e.mu.Unlock()
		w.Complete(replication.ErrCanceled, nil)
		return
	}
	e.mu.Unlock()
	// The wait already left the list: SetEvent won the race and its
	// completion stands (first-completer wins).
}

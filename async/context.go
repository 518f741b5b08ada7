// Package async implements the asynchronous execution kernel of the keel
// replication runtime: reference-style lifecycle contexts, open/close
// services, resumable events, a counted quota gate, cancellable timers and
// cancellation tokens.
//
// A Context models one asynchronous operation. It is created Initialized,
// moves to Operating on Start, and completes exactly once -- either because
// its activity count drained to zero, or because Complete was invoked and
// no further activities were held. Completion runs the context's completion
// callback within its parent's apartment: callbacks of all children of a
// parent are serialized with one another and with the parent's own
// completion, and a child's callback always finishes before the parent can
// itself complete. This is the basis for deterministic nested composition
// throughout the runtime.
package async

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
)

// State of a Context's lifecycle.
type State int32

const (
	// Initialized is the state of a newly created or Reuse()d Context.
	Initialized State = iota
	// Operating is entered by Start.
	Operating
	// CompletionPending is entered when the final activity is released;
	// the completion callback has not yet run.
	CompletionPending
	// Completed is entered after the completion callback returns.
	Completed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Operating:
		return "operating"
	case CompletionPending:
		return "completionPending"
	case Completed:
		return "completed"
	default:
		return "invalid"
	}
}

// CompletionFunc is invoked exactly once when a Context completes. It runs
// within the apartment of the Context's parent (if any), serialized with
// other completions dispatched through that parent.
type CompletionFunc func(c *Context)

// Hooks are the derivation points of a Context. All are optional.
type Hooks struct {
	// OnStart runs inline from Start, after the transition to Operating.
	OnStart func()
	// OnCancel runs inline from the first effective Cancel.
	OnCancel func()
	// OnReuse runs inline from Reuse, after the return to Initialized.
	OnReuse func()
}

// Context is the base asynchronous operation type.
type Context struct {
	hooks Hooks

	mu         sync.Mutex
	state      State
	activities int
	status     error
	statusSet  bool
	cancelled  bool
	parent     *Context
	callback   CompletionFunc

	// apartment serializes completion callbacks of children dispatched
	// through this Context.
	apartment sync.Mutex
	// doneCh is closed upon reaching Completed, re-armed by Reuse.
	doneCh chan struct{}
}

// NewContext returns a Context in the Initialized state.
func NewContext(hooks Hooks) *Context {
	return &Context{hooks: hooks, doneCh: make(chan struct{})}
}

// Start transitions Initialized -> Operating, acquiring the initial
// activity, and invokes the OnStart hook. |parent| and |callback| may be
// nil. A parent cannot complete until this Context's completion callback
// has returned.
func (c *Context) Start(parent *Context, callback CompletionFunc) error {
	c.mu.Lock()
	if c.state != Initialized {
		c.mu.Unlock()
		return replication.ErrInvalidState
	}
	c.state = Operating
	c.activities = 1
	c.parent = parent
	c.callback = callback
	c.mu.Unlock()

	if parent != nil {
		// The child holds its parent open until the child's completion
		// callback has run.
		parent.AcquireActivities(1)
	}
	if c.hooks.OnStart != nil {
		c.hooks.OnStart()
	}
	return nil
}

// AcquireActivities atomically adds |n| to the activity count. It must only
// be called while the count is known to be held above zero (eg, from within
// the operation itself, or after TryAcquireActivities).
func (c *Context) AcquireActivities(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activities <= 0 {
		log.WithFields(log.Fields{
			"state":      c.state,
			"activities": c.activities,
		}).Panic("activity acquired on drained context")
	}
	c.activities += n
}

// TryAcquireActivities acquires |n| activities iff the count is currently
// positive, and returns whether it did.
func (c *Context) TryAcquireActivities(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activities <= 0 {
		return false
	}
	c.activities += n
	return true
}

// ReleaseActivities subtracts |n| from the activity count. The release
// which drives the count to zero while Operating begins completion
// dispatch, inline on the releasing goroutine.
func (c *Context) ReleaseActivities(n int) {
	c.mu.Lock()
	c.activities -= n

	if c.activities < 0 {
		var count = c.activities
		c.mu.Unlock()
		log.WithField("activities", count).Panic("context activity count went negative")
	}
	if c.activities > 0 || c.state != Operating {
		c.mu.Unlock()
		return
	}
	c.state = CompletionPending
	c.mu.Unlock()

	c.dispatch()
}

// Complete records |status| as the completion status and releases the
// activity acquired at Start. The first caller wins: later calls return
// false and have no effect. |unsafe| (optional) runs under the internal
// lock before the status becomes observable, and must not re-enter the
// Context.
func (c *Context) Complete(status error, unsafe func()) bool {
	c.mu.Lock()
	if c.statusSet || c.state != Operating {
		c.mu.Unlock()
		return false
	}
	c.statusSet = true
	c.status = status
	if unsafe != nil {
		unsafe()
	}
	c.mu.Unlock()

	c.ReleaseActivities(1)
	return true
}

// Cancel requests cancellation. The request is idempotent, and sticky
// until Reuse. Cancel returns false without effect if the Context is
// already completing.
func (c *Context) Cancel() bool {
	c.mu.Lock()
	if c.state != Operating || c.statusSet {
		c.mu.Unlock()
		return false
	}
	var first = !c.cancelled
	c.cancelled = true
	c.mu.Unlock()

	if first && c.hooks.OnCancel != nil {
		c.hooks.OnCancel()
	}
	return true
}

// IsCancelRequested returns whether Cancel has been effectively called.
func (c *Context) IsCancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the completion status. It is meaningful only once the
// Context has reached CompletionPending or Completed.
func (c *Context) Status() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done returns a channel closed when the Context reaches Completed.
func (c *Context) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doneCh
}

// Reuse returns a Completed Context to Initialized, clearing its callback,
// status and cancellation flag, and invokes the OnReuse hook.
func (c *Context) Reuse() error {
	c.mu.Lock()
	if c.state != Completed {
		c.mu.Unlock()
		return replication.ErrInvalidState
	}
	c.state = Initialized
	c.activities = 0
	c.status = nil
	c.statusSet = false
	c.cancelled = false
	c.parent = nil
	c.callback = nil
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	if c.hooks.OnReuse != nil {
		c.hooks.OnReuse()
	}
	return nil
}

// dispatch runs the completion path: the callback executes within the
// parent's apartment, the state becomes Completed, and only then is the
// parent's held activity released.
func (c *Context) dispatch() {
	c.mu.Lock()
	var callback, parent, done = c.callback, c.parent, c.doneCh
	c.mu.Unlock()

	if parent != nil {
		parent.apartment.Lock()
	}
	if callback != nil {
		callback(c)
	}
	if parent != nil {
		parent.apartment.Unlock()
	}

	c.mu.Lock()
	c.state = Completed
	c.mu.Unlock()
	close(done)

	if parent != nil {
		parent.ReleaseActivities(1)
	}
}

package async

import (
	"container/list"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
)

// QuotaGate is a counted semaphore whose acquisitions are cancellable
// Contexts, granted in strict FIFO order. The gate itself is a Context:
// Activate starts it, and it completes only once Deactivate has run and
// every outstanding acquire has resolved.
//
// Each AcquireContext is stamped with the gate's version at creation.
// Deactivation bumps the version, so that acquire contexts created against
// a prior activation complete with ErrShutdownPending rather than draw
// quanta from a later one.
type QuotaGate struct {
	*Context

	mu         sync.Mutex
	freeQuanta uint64
	active     bool
	version    uint64
	// activity counts reasons the gate must remain incomplete: one for the
	// activation itself, plus one per suspended waiter.
	activity int
	waiters  list.List // of *AcquireContext
}

// NewQuotaGate returns an inactive QuotaGate.
func NewQuotaGate() *QuotaGate {
	var g = &QuotaGate{version: 1}
	g.Context = NewContext(Hooks{OnCancel: g.onCancel})
	return g
}

// Activate starts the gate with |initialFreeQuanta| available. It returns
// ErrInvalidState if the gate is already active.
func (g *QuotaGate) Activate(initialFreeQuanta uint64, parent *Context, callback CompletionFunc) error {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return replication.ErrInvalidState
	}
	g.active = true
	g.freeQuanta = initialFreeQuanta
	g.activity = 1
	g.mu.Unlock()

	return g.Context.Start(parent, callback)
}

// Deactivate locks out the API and cancels: every suspended acquire
// completes with ErrShutdownPending, and the gate's own Context completes
// once all have resolved.
func (g *QuotaGate) Deactivate() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		log.Panic("Deactivate of inactive QuotaGate")
	}
	g.active = false
	g.mu.Unlock()

	g.Cancel()
}

func (g *QuotaGate) onCancel() {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		log.Panic("QuotaGate cancelled while active")
	}
	var drained []*AcquireContext
	for g.waiters.Len() != 0 {
		drained = append(drained, g.popLocked())
	}
	g.mu.Unlock()

	for _, w := range drained {
		w.Complete(replication.ErrShutdownPending, nil)
	}
	g.releaseActivity(1 + len(drained))
}

// FreeQuanta returns the quanta currently available.
func (g *QuotaGate) FreeQuanta() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeQuanta
}

// ReleaseQuanta returns |n| quanta to the gate, then completes FIFO
// waiters whose desired quanta now fit, stopping at the first which does
// not.
func (g *QuotaGate) ReleaseQuanta(n uint64) {
	g.mu.Lock()
	g.freeQuanta += n

	var release []*AcquireContext
	for g.waiters.Len() != 0 {
		var head = g.waiters.Front().Value.(*AcquireContext)
		if head.desired > g.freeQuanta {
			break
		}
		g.freeQuanta -= head.desired
		release = append(release, g.popLocked())
	}
	g.mu.Unlock()

	for _, w := range release {
		w.Complete(nil, nil)
	}
	if len(release) != 0 {
		g.releaseActivity(len(release))
	}
}

// CreateAcquireContext returns an AcquireContext stamped with the current
// version, or ErrShutdownPending if the gate is not active.
func (g *QuotaGate) CreateAcquireContext() (*AcquireContext, error) {
	g.mu.Lock()
	var active, version = g.active, g.version
	g.mu.Unlock()

	if !active {
		return nil, replication.ErrShutdownPending
	}
	var a = &AcquireContext{gate: g, version: version}
	a.Context = NewContext(Hooks{
		OnStart:  a.onStart,
		OnCancel: a.onCancel,
	})
	return a, nil
}

func (g *QuotaGate) popLocked() *AcquireContext {
	var front = g.waiters.Front()
	g.waiters.Remove(front)
	var a = front.Value.(*AcquireContext)
	a.elem = nil
	return a
}

// releaseActivity drops |n| usage counts. Draining the count while
// deactivated bumps the version and completes the gate's Context, outside
// the gate lock so the completion callback may re-enter the gate.
func (g *QuotaGate) releaseActivity(n int) {
	g.mu.Lock()
	g.activity -= n
	if g.activity < 0 {
		g.mu.Unlock()
		log.Panic("QuotaGate activity count went negative")
	}
	var drained = g.activity == 0
	if drained {
		g.version++
	}
	g.mu.Unlock()

	if drained && !g.Context.Complete(nil, nil) {
		log.Panic("QuotaGate completion raced")
	}
}

// AcquireContext is a Context whose completion grants its desired quanta.
type AcquireContext struct {
	*Context
	gate    *QuotaGate
	version uint64
	desired uint64
	elem    *list.Element
}

// StartAcquire begins acquisition of |desiredQuanta|. Completion with a
// nil status grants the quanta; the holder returns them via ReleaseQuanta.
func (a *AcquireContext) StartAcquire(desiredQuanta uint64, parent *Context, callback CompletionFunc) error {
	a.desired = desiredQuanta
	return a.Context.Start(parent, callback)
}

func (a *AcquireContext) onStart() {
	var g = a.gate

	g.mu.Lock()
	if !g.active || a.version != g.version {
		g.mu.Unlock()
		a.Complete(replication.ErrShutdownPending, nil)
		return
	}
	if g.waiters.Len() == 0 && g.freeQuanta >= a.desired {
		g.freeQuanta -= a.desired
		g.mu.Unlock()

		if !a.Complete(nil, nil) {
			// Another completion raced ahead. Return the allocation.
			g.ReleaseQuanta(a.desired)
		}
		return
	}
	// Insufficient quota, or others already waiting: join the FIFO.
	a.elem = g.waiters.PushBack(a)
	g.activity++
	g.mu.Unlock()
}

func (a *AcquireContext) onCancel() {
	var g = a.gate

	g.mu.Lock()
	var wasHead = g.waiters.Len() != 0 && g.waiters.Front().Value.(*AcquireContext) == a
	if a.elem == nil {
		g.mu.Unlock()
		return // Already granted or drained; that completion stands.
	}
	g.waiters.Remove(a.elem)
	a.elem = nil
	g.mu.Unlock()

	if !a.Complete(replication.ErrCanceled, nil) {
		log.Panic("acquire cancellation completion raced")
	}
	g.releaseActivity(1)

	if wasHead {
		// The head waiter was removed; re-evaluate the new head.
		g.ReleaseQuanta(0)
	}
}

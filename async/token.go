package async

import (
	"sync"

	"go.keel.dev/core/replication"
)

// CancellationTokenSource fails all of its Tokens with a caller-supplied
// status. Unlike context.Context cancellation, the carried status is an
// arbitrary error rather than a fixed sentinel.
type CancellationTokenSource struct {
	mu     sync.Mutex
	status error
	done   chan struct{}
}

// NewCancellationTokenSource returns an un-cancelled source.
func NewCancellationTokenSource() *CancellationTokenSource {
	return &CancellationTokenSource{done: make(chan struct{})}
}

// Cancel fails all Tokens with |status| (ErrCanceled if nil). Only the
// first call has effect.
func (s *CancellationTokenSource) Cancel(status error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != nil {
		return
	}
	if status == nil {
		status = replication.ErrCanceled
	}
	s.status = status
	close(s.done)
}

// Token returns a CancellationToken of this source.
func (s *CancellationTokenSource) Token() CancellationToken {
	return CancellationToken{src: s}
}

// CancellationToken observes the cancellation state of its source. The
// zero Token is never cancelled.
type CancellationToken struct {
	src *CancellationTokenSource
}

// IsCancellationRequested returns whether the source has been cancelled.
func (t CancellationToken) IsCancellationRequested() bool {
	if t.src == nil {
		return false
	}
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	return t.src.status != nil
}

// Err returns the cancellation status, or nil.
func (t CancellationToken) Err() error {
	if t.src == nil {
		return nil
	}
	t.src.mu.Lock()
	defer t.src.mu.Unlock()
	return t.src.status
}

// Done returns a channel closed upon cancellation. A zero Token returns a
// channel which never closes.
func (t CancellationToken) Done() <-chan struct{} {
	if t.src == nil {
		return neverDone
	}
	return t.src.done
}

var neverDone = make(chan struct{})

// CompletionSource is a one-shot awaitable result: TrySetResult resolves
// it exactly once, and Done/Err observe the resolution.
type CompletionSource struct {
	mu     sync.Mutex
	set    bool
	status error
	done   chan struct{}
}

// NewCompletionSource returns an unresolved CompletionSource.
func NewCompletionSource() *CompletionSource {
	return &CompletionSource{done: make(chan struct{})}
}

// TrySetResult resolves the source with |status|. The first caller wins.
func (cs *CompletionSource) TrySetResult(status error) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.set {
		return false
	}
	cs.set = true
	cs.status = status
	close(cs.done)
	return true
}

// Done returns a channel closed upon resolution.
func (cs *CompletionSource) Done() <-chan struct{} { return cs.done }

// Err returns the resolution status. Meaningful only after Done.
func (cs *CompletionSource) Err() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.status
}

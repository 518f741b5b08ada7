package replication

import "github.com/pkg/errors"

// Sentinel errors of the replication runtime. Callers compare against these
// with errors.Cause, as intermediate layers may attach context via
// errors.WithMessage.
var (
	// ErrInvalidState is returned when an operation is issued in a state
	// which forbids it (eg, Start of an already-started context).
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrSharingViolation is returned on a second concurrent open.
	ErrSharingViolation = errors.New("sharing violation")
	// ErrQueueFull is returned when an enqueue is rejected by the queue's
	// count or memory limit.
	ErrQueueFull = errors.New("operation queue is full")
	// ErrShutdownPending is returned when a resource has begun deactivation
	// and cannot admit new work.
	ErrShutdownPending = errors.New("shutdown pending")
	// ErrObjectClosed is returned when a resource has fully closed.
	ErrObjectClosed = errors.New("object closed")
	// ErrCanceled is returned on explicit cancellation, or cancellation
	// inherited from a parent context.
	ErrCanceled = errors.New("operation canceled")
	// ErrTimeout is returned when a wait exceeded its configured bound.
	ErrTimeout = errors.New("timeout")
	// ErrInsufficientResources is returned on allocation failure.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrInvalidEpoch is returned when an epoch fails to advance
	// monotonically.
	ErrInvalidEpoch = errors.New("epoch did not advance")
	// ErrNotPrimary is returned for a primary-only action issued to a
	// replica in another role.
	ErrNotPrimary = errors.New("replica is not primary")
	// ErrNotSecondary is returned for a secondary-only action issued to a
	// replica in another role.
	ErrNotSecondary = errors.New("replica is not secondary")
)

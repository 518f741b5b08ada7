package replicator

import (
	"context"
	"sync"

	"go.keel.dev/core/replication"
)

// Stream is an ordered pull interface over a secondary's committed
// operations. GetOperation returns operations in strictly increasing LSN
// order; the service must Acknowledge each returned operation, and a nil
// operation (or an end-of-stream sentinel) terminates the stream.
//
// A GetOperation whose context ends returns the context's error and leaves
// the Stream usable; a later call resumes where it left off. Closure during
// drain-on-close delivers a nil sentinel to any outstanding and all future
// GetOperation calls.
type Stream struct {
	name string
	ack  func(lsn int64)

	mu     sync.Mutex
	buf    []*replication.Operation
	avail  chan struct{} // Signalled (capacity 1) when buf or closed change.
	closed bool
}

func newStream(name string, ack func(lsn int64)) *Stream {
	return &Stream{
		name:  name,
		ack:   ack,
		avail: make(chan struct{}, 1),
	}
}

// offer appends |op| for consumption. The Stream holds the caller's
// reference until the operation is returned by GetOperation.
func (s *Stream) offer(op *replication.Operation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		op.Release()
		return
	}
	s.buf = append(s.buf, op)
	s.mu.Unlock()
	s.signal()
}

// close terminates the stream: outstanding and future GetOperation calls
// observe a nil sentinel. Buffered, undelivered operations are released.
func (s *Stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped = s.buf
	s.buf = nil
	s.mu.Unlock()

	for _, op := range dropped {
		op.Release()
	}
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.avail <- struct{}{}:
	default:
	}
}

// GetOperation returns the next operation in LSN order, blocking until one
// is available. It returns (nil, nil) upon stream termination, and the
// context's error upon cancellation. The caller owns one reference of the
// returned operation.
func (s *Stream) GetOperation(ctx context.Context) (*replication.Operation, error) {
	for {
		s.mu.Lock()
		if len(s.buf) != 0 {
			var op = s.buf[0]
			s.buf = append(s.buf[:0], s.buf[1:]...)
			var more = len(s.buf) != 0
			s.mu.Unlock()

			if more {
				s.signal() // Wake the next waiter.
			}
			if op.IsEndOfStream() {
				op.Release()
				return nil, nil
			}
			return op, nil
		}
		var closed = s.closed
		s.mu.Unlock()

		if closed {
			return nil, nil
		}
		select {
		case <-s.avail:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Acknowledge informs the secondary that the service has applied the
// operation at |lsn|. Acknowledgements must be issued in the order
// operations were returned.
func (s *Stream) Acknowledge(lsn int64) {
	if s.ack != nil {
		s.ack(lsn)
	}
}

package queue

import (
	"testing"

	gc "github.com/go-check/check"

	"go.keel.dev/core/replication"
)

// QueueMemorySuite drives long enqueue/complete sequences against the
// memory-limited queue, asserting the exact accounting after each step.
type QueueMemorySuite struct{}

type queueWrapper struct {
	c *gc.C
	q *Queue
}

func newQueueWrapper(c *gc.C, startSeq int64, s Settings) *queueWrapper {
	return &queueWrapper{c: c, q: New("test", startSeq, s)}
}

// enqueue offers an operation of |size| bytes at each of |lsns|, and expects
// each to succeed, or to fail with ErrQueueFull if !|expectOk|.
func (w *queueWrapper) enqueue(lsns []int64, size int, expectOk bool) {
	for _, lsn := range lsns {
		var o = op(lsn, size)
		var err = w.q.TryEnqueue(o)
		o.Release()
		if expectOk {
			w.c.Assert(err, gc.IsNil)
		} else {
			w.c.Assert(err, gc.Equals, replication.ErrQueueFull)
		}
	}
}

func (w *queueWrapper) complete(upTo int64) {
	w.c.Assert(w.q.Complete(upTo), gc.Equals, true)
}

// check asserts the queue's accounting. A negative argument skips the
// assertion.
func (w *queueWrapper) check(head, last, totalMemory, completedMemory int64) {
	if head >= 0 {
		w.c.Check(w.q.FirstAvailableCompleted(), gc.Equals, head)
	}
	if last >= 0 {
		w.c.Check(w.q.Last(), gc.Equals, last)
	}
	if totalMemory >= 0 {
		w.c.Check(w.q.TotalMemory(), gc.Equals, totalMemory)
	}
	if completedMemory >= 0 {
		w.c.Check(w.q.CompletedMemory(), gc.Equals, completedMemory)
	}
}

func (s *QueueMemorySuite) TestEnqueueWithMemoryLimit(c *gc.C) {
	var w = newQueueWrapper(c, 10, Settings{
		Initial:      4,
		Max:          8,
		MaxMemory:    600,
		IgnoreCommit: true,
	})

	// Fill the initial capacity.
	w.enqueue([]int64{10, 11, 12, 13}, 100, true)
	w.check(9, 13, 400, 0)
	w.complete(10)
	w.check(9, 13, 400, 100)

	// Exceeding the memory limit, with insufficient completed memory to
	// reclaim, fails and leaves the queue unchanged -- including capacity.
	w.enqueue([]int64{14}, 301, false)
	w.check(9, 13, 400, 100)
	c.Check(w.q.Capacity(), gc.Equals, int64(4))

	// Exceeding the count limit instead grows capacity.
	w.enqueue([]int64{14}, 100, true)
	w.check(9, 14, 500, 100)
	c.Check(w.q.Capacity(), gc.Equals, int64(8))

	w.complete(11)
	w.check(9, 14, 500, 200)

	// Memory pressure reclaims completed operations, oldest first, only
	// as far as needed.
	w.enqueue([]int64{15}, 198, true)
	w.check(10, 15, 598, 100)

	w.enqueue([]int64{16, 17}, 1, true)
	w.check(10, 17, 600, 100)

	w.complete(14)
	w.check(10, 17, 600, 400)

	w.enqueue([]int64{18}, 1, true)
	w.check(11, 18, 501, 300)

	// A large out-of-order enqueue reclaims the full completed window.
	w.enqueue([]int64{20}, 399, true)
	w.check(14, 20, 600, 0)
	c.Check(w.q.LastCommitted(), gc.Equals, int64(18))

	w.complete(16)
	w.check(14, 20, 600, 199)

	w.enqueue([]int64{24}, 199, true)
	w.check(16, 24, 600, 0)

	// An out-of-order enqueue cannot displace other out-of-order
	// operations: it fails with the queue unchanged.
	w.enqueue([]int64{22}, 200, false)
	w.check(16, 24, 600, 0)

	// An in-order enqueue may drop out-of-order operations, newest first.
	w.enqueue([]int64{19}, 598, true)
	w.check(16, 19, 600, 0)
	c.Check(w.q.LastCommitted(), gc.Equals, int64(19))

	w.q.DiscardNonCompleted()
	w.q.Close()
}

func (s *QueueMemorySuite) TestEnqueueWithMemoryLimitNoSizeLimit(c *gc.C) {
	var w = newQueueWrapper(c, 10, Settings{
		Initial:      4,
		Max:          0, // Unbounded by count.
		MaxMemory:    600,
		IgnoreCommit: true,
	})

	w.enqueue([]int64{10, 11, 12, 13}, 100, true)
	w.complete(12)
	w.check(9, 13, 400, 300)

	// Even with completed memory available, an operation which cannot fit
	// fails unchanged.
	w.enqueue([]int64{14}, 501, false)
	w.check(9, 13, 400, 300)

	w.enqueue([]int64{14}, 400, true)
	w.check(11, 14, 600, 100)

	w.complete(13)
	w.check(11, 14, 600, 200)

	// With no count bound, a far out-of-order enqueue grows capacity by
	// whatever doubling is required.
	w.enqueue([]int64{9010}, 100, true)
	w.check(12, 9010, 600, 100)
	c.Check(w.q.Capacity(), gc.Equals, CeilingPowerOf2(9010-12))

	w.q.DiscardNonCompleted()
	w.q.Close()
}

var _ = gc.Suite(&QueueMemorySuite{})

func TestGoCheck(t *testing.T) { gc.TestingT(t) }

// Package queue implements the sequence-number-indexed operation queue at
// the heart of both the primary and secondary replicators.
//
// A Queue buffers operations indexed by contiguous LSN. Enqueues may arrive
// out of order, subject to a count capacity and an optional memory limit;
// Commit and Complete advance strictly in LSN order. Completed operations
// are either released immediately (cleanOnComplete) or retained in a
// bounded completed window, from which lagging remotes can still be served.
// Capacity is a power of two which doubles under enqueue pressure and
// halves when occupancy falls to a quarter, within [initial, max].
//
// The Queue performs no internal locking: the owning component serializes
// access, and operation release hooks never run under that caller's lock
// because the Queue merely drops references (release hooks of pooled
// buffers run only when the final holder releases).
package queue

import (
	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
)

// Settings parameterize a Queue.
type Settings struct {
	// Initial capacity. Must be a power of two.
	Initial int64
	// Max capacity. 0 means unbounded by count (memory-limited only).
	Max int64
	// MaxCompletedCount bounds the number of retained completed
	// operations. 0 disables the bound.
	MaxCompletedCount int64
	// MaxCompletedMemory bounds the payload bytes of retained completed
	// operations. 0 disables the bound.
	MaxCompletedMemory int64
	// MaxMemory bounds total payload bytes held by the queue.
	// 0 disables the bound.
	MaxMemory int64
	// CleanOnComplete releases operations immediately upon completion
	// rather than retaining a completed window.
	CleanOnComplete bool
	// IgnoreCommit treats enqueue as commit: the committed frontier
	// advances as contiguous operations arrive.
	IgnoreCommit bool
}

// Queue is a bounded, LSN-indexed operation buffer. See the package
// comment for its contract.
type Queue struct {
	desc     string
	settings Settings

	capacity int64
	ops      []*replication.Operation

	startSeq int64
	// head is the highest LSN which has been completed AND removed: the
	// retained completed window is (head, nextToComplete).
	head            int64
	nextToComplete  int64
	lastCommitted   int64
	last            int64
	totalMemory     int64
	completedMemory int64
	capacityChanges int64
}

// New returns a Queue whose first expected LSN is |startSeq|.
func New(desc string, startSeq int64, settings Settings) *Queue {
	if settings.Initial <= 0 || settings.Initial != CeilingPowerOf2(settings.Initial) {
		log.WithFields(log.Fields{
			"queue":   desc,
			"initial": settings.Initial,
		}).Panic("initial queue capacity must be a positive power of two")
	}
	if settings.Max != 0 && settings.Max < settings.Initial {
		log.WithFields(log.Fields{
			"queue":   desc,
			"initial": settings.Initial,
			"max":     settings.Max,
		}).Panic("max queue capacity is less than initial")
	}
	return &Queue{
		desc:           desc,
		settings:       settings,
		capacity:       settings.Initial,
		ops:            make([]*replication.Operation, settings.Initial),
		startSeq:       startSeq,
		head:           startSeq - 1,
		nextToComplete: startSeq,
		lastCommitted:  startSeq - 1,
		last:           startSeq - 1,
	}
}

// CeilingPowerOf2 returns the smallest power of two >= |n|.
func CeilingPowerOf2(n int64) int64 {
	var p int64 = 1
	for p < n {
		p <<= 1
	}
	return p
}

// Accessors of the queue frontiers and accounting.

func (q *Queue) StartSequenceNumber() int64 { return q.startSeq }

// FirstAvailableCompleted returns the LSN at the head of the completed
// window: every operation at or below it has been removed.
func (q *Queue) FirstAvailableCompleted() int64 { return q.head }

// NextToBeCompleted returns the first LSN not yet completed.
func (q *Queue) NextToBeCompleted() int64 { return q.nextToComplete }

// LastCommitted returns the highest committed LSN.
func (q *Queue) LastCommitted() int64 { return q.lastCommitted }

// Last returns the highest enqueued LSN.
func (q *Queue) Last() int64 { return q.last }

// TotalMemory returns the summed payload size of all held operations.
func (q *Queue) TotalMemory() int64 { return q.totalMemory }

// CompletedMemory returns the summed payload size of the completed window.
func (q *Queue) CompletedMemory() int64 { return q.completedMemory }

// Capacity returns the current slot capacity.
func (q *Queue) Capacity() int64 { return q.capacity }

// CapacityChangeCount returns the number of capacity changes to date.
func (q *Queue) CapacityChangeCount() int64 { return q.capacityChanges }

// ConvergentCapacity returns the capacity the growth and shrink heuristics
// are converging toward for the present occupancy.
func (q *Queue) ConvergentCapacity() int64 {
	var target = CeilingPowerOf2(q.last - q.head)
	if target < q.settings.Initial {
		target = q.settings.Initial
	}
	if q.settings.Max != 0 && target > q.settings.Max {
		target = q.settings.Max
	}
	return target
}

// UtilizationPercentage returns max(count%, memory%) of the configured
// limits, ignoring limits configured as 0.
func (q *Queue) UtilizationPercentage() int64 {
	var pct int64
	if q.settings.Max != 0 {
		if p := (q.last - q.head) * 100 / q.settings.Max; p > pct {
			pct = p
		}
	}
	if q.settings.MaxMemory != 0 {
		if p := q.totalMemory * 100 / q.settings.MaxMemory; p > pct {
			pct = p
		}
	}
	return pct
}

func (q *Queue) slot(lsn int64) *replication.Operation {
	return q.ops[lsn&(q.capacity-1)]
}

func (q *Queue) setSlot(lsn int64, op *replication.Operation) {
	q.ops[lsn&(q.capacity-1)] = op
}

// GetOperation returns the operation at |lsn|, or nil if the slot is empty
// or outside the held range. The reference remains owned by the Queue;
// callers which retain the operation must Ref it.
func (q *Queue) GetOperation(lsn int64) *replication.Operation {
	if lsn <= q.head || lsn > q.last {
		return nil
	}
	return q.slot(lsn)
}

// TryEnqueue inserts |op|, which may be out of order. On success the Queue
// acquires its own reference. A duplicate enqueue at an occupied LSN is
// accepted and deduplicated: senders retry and remotes may re-offer, so the
// first instance is kept and the call reports success without effect. An
// enqueue at or below the removal head is rejected as stale.
//
// Admission applies the memory limit and then the count limit. Under count
// pressure the capacity doubles toward max; once growth is exhausted,
// completed operations are reclaimed from the window head, and such
// reclamation persists even if the enqueue then fails. Under memory
// pressure completed operations are reclaimed only as far as needed; if
// still insufficient, out-of-order uncommitted operations are dropped
// newest-first, and if the operation cannot fit even then, the enqueue
// fails leaving memory state unchanged.
func (q *Queue) TryEnqueue(op *replication.Operation) error {
	var lsn = op.LSN()

	if lsn <= q.head {
		return replication.ErrInvalidState
	}
	if lsn <= q.last && q.slot(lsn) != nil {
		if q.slot(lsn).LSN() != lsn {
			log.WithFields(log.Fields{
				"queue": q.desc,
				"lsn":   lsn,
				"held":  q.slot(lsn).LSN(),
			}).Panic("queue slot aliasing")
		}
		return nil // Duplicate; deduplicated.
	}

	var newLast = q.last
	if lsn > newLast {
		newLast = lsn
	}

	// Memory limit first: a memory-rejected enqueue must leave the queue
	// unchanged, including its capacity. Reclaim completed operations only
	// as far as needed; then drop out-of-order operations newest-first;
	// else fail.
	if limit := q.settings.MaxMemory; limit != 0 && q.totalMemory+op.Size() > limit {
		var need = q.totalMemory + op.Size() - limit

		if q.completedMemory >= need {
			q.reclaimCompletedMemory(need)
		} else if lsn == q.contiguousFrontier()+1 &&
			q.completedMemory+q.droppableMemory(lsn) >= need {
			// Out-of-order operations yield their memory only to an
			// in-order arrival; they never displace one another.
			q.reclaimCompleted(q.nextToComplete - 1)
			q.dropOutOfOrder(lsn, q.totalMemory+op.Size()-limit)
			if lsn > q.last {
				newLast = lsn
			} else {
				newLast = q.last
			}
		} else {
			return replication.ErrQueueFull
		}
	}

	// Count limit: grow toward max, then reclaim completed slots. The
	// reclamation persists even if the enqueue then fails.
	if newLast-q.head > q.capacity {
		var target = CeilingPowerOf2(newLast - q.head)
		if q.settings.Max != 0 && target > q.settings.Max {
			q.reclaimCompleted(q.nextToComplete - 1)
			target = CeilingPowerOf2(newLast - q.head)
		}
		if q.settings.Max != 0 && target > q.settings.Max {
			return replication.ErrQueueFull
		}
		if target > q.capacity {
			q.resize(target)
		}
	}

	q.setSlot(lsn, op.Ref())
	if lsn > q.last {
		q.last = lsn
	}
	q.totalMemory += op.Size()

	if q.settings.IgnoreCommit {
		q.advanceCommitted(q.last)
	}
	return nil
}

// Commit advances the committed frontier to the highest contiguous
// enqueued LSN at or below |upTo|, and returns whether it advanced.
func (q *Queue) Commit(upTo int64) bool {
	return q.advanceCommitted(upTo)
}

// CommitAll advances the committed frontier over all contiguous enqueued
// operations.
func (q *Queue) CommitAll() bool {
	return q.advanceCommitted(q.last)
}

func (q *Queue) advanceCommitted(upTo int64) bool {
	var moved bool
	for q.lastCommitted < upTo && q.slot(q.lastCommitted+1) != nil &&
		q.slot(q.lastCommitted+1).LSN() == q.lastCommitted+1 {
		q.lastCommitted++
		moved = true
	}
	return moved
}

// Complete advances the completion frontier through committed operations
// at or below |upTo|, moving them into the completed window, and returns
// whether it advanced. The window is then trimmed: fully, under
// cleanOnComplete; else to the configured completed count and memory
// bounds. Capacity shrinks when occupancy falls to a quarter.
func (q *Queue) Complete(upTo int64) bool {
	var moved bool
	for q.nextToComplete <= q.lastCommitted && q.nextToComplete <= upTo {
		q.completedMemory += q.slot(q.nextToComplete).Size()
		q.nextToComplete++
		moved = true
	}
	if !moved {
		return false
	}

	if q.settings.CleanOnComplete {
		q.reclaimCompleted(q.nextToComplete - 1)
	} else {
		q.trimCompletedWindow()
	}
	q.maybeShrink()
	return true
}

// CompleteAll advances the completion frontier through every committed
// operation.
func (q *Queue) CompleteAll() bool {
	return q.Complete(q.lastCommitted)
}

// UpdateCompleteHead force-releases completed operations at or below |lsn|.
func (q *Queue) UpdateCompleteHead(lsn int64) {
	if lsn > q.nextToComplete-1 {
		lsn = q.nextToComplete - 1
	}
	q.reclaimCompleted(lsn)
	q.maybeShrink()
}

// DiscardNonCompleted drops every operation which has not completed,
// including committed ones, truncating the queue to its completed window,
// and shrinks capacity toward initial.
func (q *Queue) DiscardNonCompleted() {
	for lsn := q.nextToComplete; lsn <= q.last; lsn++ {
		if op := q.slot(lsn); op != nil && op.LSN() == lsn {
			q.totalMemory -= op.Size()
			q.setSlot(lsn, nil)
			op.Release()
		}
	}
	q.last = q.nextToComplete - 1
	q.lastCommitted = q.nextToComplete - 1

	if target := q.ConvergentCapacity(); target < q.capacity {
		q.resize(target)
	}
}

// DiscardUncommitted drops every enqueued-but-uncommitted operation,
// truncating the queue to its committed frontier. Committed operations,
// dispatched or not, are retained.
func (q *Queue) DiscardUncommitted() {
	for lsn := q.lastCommitted + 1; lsn <= q.last; lsn++ {
		if op := q.slot(lsn); op != nil && op.LSN() == lsn {
			q.totalMemory -= op.Size()
			q.setSlot(lsn, nil)
			op.Release()
		}
	}
	q.last = q.lastCommitted
	q.maybeShrink()
}

// Close releases every held operation.
func (q *Queue) Close() {
	q.reclaimCompleted(q.nextToComplete - 1)
	q.DiscardNonCompleted()
}

// reclaimCompleted removes completed operations with LSN <= |upTo|.
func (q *Queue) reclaimCompleted(upTo int64) {
	for q.head < upTo {
		q.head++
		var op = q.slot(q.head)
		if op == nil {
			continue
		}
		q.totalMemory -= op.Size()
		q.completedMemory -= op.Size()
		q.setSlot(q.head, nil)
		op.Release()
	}
}

// reclaimCompletedMemory removes completed operations from the window head
// until at least |need| bytes are freed.
func (q *Queue) reclaimCompletedMemory(need int64) {
	for need > 0 && q.head < q.nextToComplete-1 {
		q.head++
		var op = q.slot(q.head)
		if op == nil {
			continue
		}
		need -= op.Size()
		q.totalMemory -= op.Size()
		q.completedMemory -= op.Size()
		q.setSlot(q.head, nil)
		op.Release()
	}
}

// contiguousFrontier returns the highest LSN through which enqueued
// operations are contiguous from the committed frontier.
func (q *Queue) contiguousFrontier() int64 {
	var f = q.lastCommitted
	for f < q.last && q.slot(f+1) != nil && q.slot(f+1).LSN() == f+1 {
		f++
	}
	return f
}

// droppableMemory returns the payload bytes of out-of-order uncommitted
// operations, excluding the slot of the incoming |lsn|.
func (q *Queue) droppableMemory(lsn int64) int64 {
	var frontier, sum = q.contiguousFrontier(), int64(0)
	for l := frontier + 1; l <= q.last; l++ {
		if l == lsn {
			continue
		}
		if op := q.slot(l); op != nil && op.LSN() == l {
			sum += op.Size()
		}
	}
	return sum
}

// dropOutOfOrder drops out-of-order uncommitted operations newest-first
// until at least |need| bytes are freed, then recomputes the last frontier.
func (q *Queue) dropOutOfOrder(lsn, need int64) {
	var frontier = q.contiguousFrontier()
	for l := q.last; need > 0 && l > frontier; l-- {
		if l == lsn {
			continue
		}
		var op = q.slot(l)
		if op == nil || op.LSN() != l {
			continue
		}
		need -= op.Size()
		q.totalMemory -= op.Size()
		q.setSlot(l, nil)
		op.Release()
	}
	for q.last > frontier && (q.slot(q.last) == nil || q.slot(q.last).LSN() != q.last) {
		q.last--
	}
}

// trimCompletedWindow advances the window head until the retained
// completed count and memory are within their configured bounds.
func (q *Queue) trimCompletedWindow() {
	if m := q.settings.MaxCompletedCount; m != 0 {
		for q.nextToComplete-1-q.head > m {
			q.reclaimCompleted(q.head + 1)
		}
	}
	if m := q.settings.MaxCompletedMemory; m != 0 {
		for q.completedMemory > m && q.head < q.nextToComplete-1 {
			q.reclaimCompleted(q.head + 1)
		}
	}
}

// maybeShrink halves capacity while occupancy is at or below a quarter,
// never below initial.
func (q *Queue) maybeShrink() {
	var target = q.capacity
	for target > q.settings.Initial && q.last-q.head <= target/4 {
		target /= 2
	}
	if target != q.capacity {
		q.resize(target)
	}
}

// resize re-places held operations into a ring of |target| slots.
func (q *Queue) resize(target int64) {
	var next = make([]*replication.Operation, target)
	for lsn := q.head + 1; lsn <= q.last; lsn++ {
		if op := q.slot(lsn); op != nil && op.LSN() == lsn {
			next[lsn&(target-1)] = op
		}
	}
	q.ops = next
	q.capacity = target
	q.capacityChanges++
}

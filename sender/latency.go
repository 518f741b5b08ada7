package sender

import (
	"sync"
	"time"
)

// latencyEntry tracks one operation's acknowledgement stopwatches: the
// receive watch runs from Add until the remote acknowledges receipt, and
// the apply watch until the remote's service applies it.
type latencyEntry struct {
	lsn            int64
	startedAt      time.Time
	receiveElapsed time.Duration
	applyElapsed   time.Duration
	receiveRunning bool
	applyRunning   bool
}

// LatencyList maps pending LSNs to receive/apply stopwatches and maintains
// running averages of fully-acknowledged operation latencies.
type LatencyList struct {
	mu      sync.Mutex
	entries []latencyEntry

	avgReceive   time.Duration
	avgApply     time.Duration
	nReceive     int64
	nApply       int64
	retiredCount int64
}

// NewLatencyList returns an empty LatencyList.
func NewLatencyList() *LatencyList { return new(LatencyList) }

// Add starts both stopwatches of |lsn|. A duplicate Add is ignored.
func (l *LatencyList) Add(lsn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n != 0 && l.entries[n-1].lsn >= lsn {
		return
	}
	l.entries = append(l.entries, latencyEntry{
		lsn:            lsn,
		startedAt:      time.Now(),
		receiveRunning: true,
		applyRunning:   true,
	})
}

// OnAck stops the receive watches of LSNs at or below |receivedLsn| and the
// apply watches of LSNs at or below |quorumLsn|. Duplicate acknowledgements
// are idempotent.
func (l *LatencyList) OnAck(receivedLsn, quorumLsn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var now = time.Now()
	for i := range l.entries {
		var e = &l.entries[i]
		if e.receiveRunning && e.lsn <= receivedLsn {
			e.receiveRunning = false
			e.receiveElapsed = now.Sub(e.startedAt)
		}
		if e.applyRunning && e.lsn <= quorumLsn {
			e.applyRunning = false
			e.applyElapsed = now.Sub(e.startedAt)
		}
	}
}

// ComputeAverageAckDuration retires fully-acknowledged entries into the
// running averages and returns the current (receive, apply) averages.
func (l *LatencyList) ComputeAverageAckDuration() (avgReceive, avgApply time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept = l.entries[:0]
	for _, e := range l.entries {
		if e.receiveRunning || e.applyRunning {
			kept = append(kept, e)
			continue
		}
		l.avgReceive = updateAverage(l.avgReceive, l.nReceive, e.receiveElapsed)
		l.nReceive++
		l.avgApply = updateAverage(l.avgApply, l.nApply, e.applyElapsed)
		l.nApply++
		l.retiredCount++
	}
	l.entries = kept
	return l.avgReceive, l.avgApply
}

// RetiredCount returns the number of entries folded into the averages.
func (l *LatencyList) RetiredCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retiredCount
}

// PendingCount returns the number of entries not yet fully acknowledged.
func (l *LatencyList) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// updateAverage folds |sample| into the running mean |avg| of |n| samples.
func updateAverage(avg time.Duration, n int64, sample time.Duration) time.Duration {
	return time.Duration((int64(avg)*n + int64(sample)) / (n + 1))
}

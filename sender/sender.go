// Package sender implements the reliable operation sender: a sliding-window
// retrying delivery loop which pushes a monotonically advancing sequence of
// operations to one remote replica.
//
// Operations enter via Add and are sent immediately while they fall within
// the adaptive send window. A retry timer re-sends unacknowledged
// operations; acknowledgements received via ProcessOnAck retire pending
// operations and open the window, while consecutive retry ticks without
// ack motion shrink it and eventually elicit an explicit acknowledgement
// with a request-ack probe. Delivery is at-least-once and in LSN order;
// remotes deduplicate by LSN.
package sender

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
	"go.keel.dev/core/async"
)

// DefaultMaxSwsFactorWhen0 caps the send window at this multiple of the
// initial window when no explicit maximum is configured.
const DefaultMaxSwsFactorWhen0 = 4

// SendFunc delivers |op| toward the remote. |requestAck| asks the remote
// to acknowledge immediately; |completedLsn| advises the remote of the
// sender's completed frontier. SendFunc is invoked outside the Sender's
// lock and must not block indefinitely.
type SendFunc func(op *replication.Operation, requestAck bool, completedLsn int64)

// Config parameterizes a Sender.
type Config struct {
	// RetryInterval between re-sends of an unacknowledged operation.
	RetryInterval time.Duration
	// InitialWindowSize of the send window.
	InitialWindowSize int64
	// MaxWindowSize bounds window growth. 0 applies
	// DefaultMaxSwsFactorWhen0 x InitialWindowSize.
	MaxWindowSize int64
}

func (c Config) maxSws() int64 {
	if c.MaxWindowSize == 0 {
		return DefaultMaxSwsFactorWhen0 * c.InitialWindowSize
	}
	return c.MaxWindowSize
}

type pendingOp struct {
	op         *replication.Operation
	lastSentAt time.Time
	sent       bool
}

// Sender reliably delivers operations to one remote.
type Sender struct {
	desc string
	cfg  Config
	send SendFunc

	mu            sync.Mutex
	pending       []pendingOp
	sws           int64
	receivedLsn   int64
	quorumLsn     int64
	lastAckAt     time.Time
	completedLsn  int64
	noMotionTicks int
	timer         *async.Timer
	closed        bool
	latency       *LatencyList
}

// New returns a Sender which delivers through |send|.
func New(desc string, cfg Config, send SendFunc) *Sender {
	if cfg.InitialWindowSize <= 0 {
		log.WithField("sender", desc).Panic("initial send window must be positive")
	}
	return &Sender{
		desc:         desc,
		cfg:          cfg,
		send:         send,
		sws:          cfg.InitialWindowSize,
		receivedLsn:  -1,
		quorumLsn:    -1,
		completedLsn: -1,
		timer:        async.NewTimer(),
		latency:      NewLatencyList(),
	}
}

// SetCompletedLsn advises the Sender of the local completed frontier,
// forwarded to the remote on each send.
func (s *Sender) SetCompletedLsn(lsn int64) {
	s.mu.Lock()
	s.completedLsn = lsn
	s.mu.Unlock()
}

// Add enqueues |op| for delivery. |replicaLastReceivedLsn| is the remote's
// last known received LSN: operations at or below it are already held by
// the remote and are dropped. The Sender acquires its own reference to
// retained operations. The op is sent immediately iff it falls within the
// send window.
func (s *Sender) Add(op *replication.Operation, replicaLastReceivedLsn int64) {
	var lsn = op.LSN()

	s.mu.Lock()
	if s.closed || lsn <= replicaLastReceivedLsn || lsn <= s.receivedLsn {
		s.mu.Unlock()
		return
	}
	if n := len(s.pending); n != 0 && s.pending[n-1].op.LSN() >= lsn {
		var held = s.pending[n-1].op.LSN()
		s.mu.Unlock()
		log.WithFields(log.Fields{
			"sender": s.desc,
			"lsn":    lsn,
			"held":   held,
		}).Panic("pending operations must strictly increase in LSN")
	}
	s.pending = append(s.pending, pendingOp{op: op.Ref()})
	s.latency.Add(lsn)

	var sends = s.fillWindowLocked()
	s.armTimerLocked()
	var completed = s.completedLsn
	s.mu.Unlock()

	for _, p := range sends {
		s.send(p, false, completed)
	}
}

// ProcessOnAck applies an acknowledgement of |ackedReceived| and
// |ackedQuorum|, retiring pending operations and adapting the window. It
// returns whether the acknowledgement made progress.
func (s *Sender) ProcessOnAck(ackedReceived, ackedQuorum int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var progress = ackedReceived > s.receivedLsn || ackedQuorum > s.quorumLsn

	if ackedReceived > s.receivedLsn {
		s.receivedLsn = ackedReceived
	}
	if ackedQuorum > s.quorumLsn {
		s.quorumLsn = ackedQuorum
	}
	s.lastAckAt = time.Now()
	s.latency.OnAck(s.receivedLsn, s.quorumLsn)

	// Retire pending operations the remote has received.
	var retired []*replication.Operation
	var i = 0
	for ; i != len(s.pending) && s.pending[i].op.LSN() <= s.receivedLsn; i++ {
		retired = append(retired, s.pending[i].op)
	}
	s.pending = append(s.pending[:0], s.pending[i:]...)

	var sends []*replication.Operation
	if progress {
		if s.sws < s.cfg.maxSws() {
			s.sws++
		}
		s.noMotionTicks = 0
		sends = s.fillWindowLocked()
	}
	if len(s.pending) == 0 {
		s.timer.Cancel()
	}
	var completed = s.completedLsn
	s.mu.Unlock()

	for _, op := range retired {
		op.Release()
	}
	for _, op := range sends {
		s.send(op, false, completed)
	}
	return progress
}

// GetProgress returns the last acknowledged received and quorum LSNs, and
// the time of the last acknowledgement.
func (s *Sender) GetProgress() (receivedLsn, quorumLsn int64, lastAckAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivedLsn, s.quorumLsn, s.lastAckAt
}

// SendWindowSize returns the current adaptive window size.
func (s *Sender) SendWindowSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sws
}

// PendingCount returns the number of retained, unacknowledged operations.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Latency returns the sender's operation latency list.
func (s *Sender) Latency() *LatencyList { return s.latency }

// Close cancels the retry timer and drops all pending operations.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var dropped = s.pending
	s.pending = nil
	s.mu.Unlock()

	s.timer.Cancel()
	for _, p := range dropped {
		p.op.Release()
	}
}

// fillWindowLocked marks unsent operations within the window as sent and
// returns them for delivery outside the lock.
func (s *Sender) fillWindowLocked() []*replication.Operation {
	var now = time.Now()
	var sends []*replication.Operation

	for i := range s.pending {
		if int64(i) >= s.sws {
			break
		}
		if !s.pending[i].sent {
			s.pending[i].sent = true
			s.pending[i].lastSentAt = now
			sends = append(sends, s.pending[i].op)
		}
	}
	return sends
}

func (s *Sender) armTimerLocked() {
	if len(s.pending) != 0 {
		s.timer.Start(s.cfg.RetryInterval, s.onRetryTick)
	}
}

// onRetryTick re-sends overdue operations. A tick observing no ack motion
// halves the window (not below one); a second consecutive such tick sends
// the head operation with a request-ack probe to elicit an explicit
// acknowledgement.
func (s *Sender) onRetryTick() {
	s.mu.Lock()
	if s.closed || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	var sinceAck = time.Since(s.lastAckAt)
	var motion = !s.lastAckAt.IsZero() && sinceAck < s.cfg.RetryInterval

	var requestAck bool
	if !motion {
		s.noMotionTicks++
		if s.sws > 1 {
			s.sws /= 2
		}
		requestAck = s.noMotionTicks >= 2
	} else {
		s.noMotionTicks = 0
	}

	var now = time.Now()
	var resends []*replication.Operation
	for i := range s.pending {
		if int64(i) >= s.sws && !s.pending[i].sent {
			break
		}
		if !s.pending[i].sent || now.Sub(s.pending[i].lastSentAt) >= s.cfg.RetryInterval {
			s.pending[i].sent = true
			s.pending[i].lastSentAt = now
			resends = append(resends, s.pending[i].op)
		}
	}
	var head = s.pending[0].op
	var completed = s.completedLsn
	s.armTimerLocked()
	s.mu.Unlock()

	for _, op := range resends {
		s.send(op, false, completed)
	}
	if requestAck {
		s.send(head, true, completed)
	}
}

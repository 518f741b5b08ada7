package replicator

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
	"go.keel.dev/core/sender"
	"go.keel.dev/core/transport"
)

type sessionRole int

const (
	roleIdle sessionRole = iota
	roleActive
)

// session is the primary's per-remote replication state: a reliable sender
// of replication operations, a second sender for copy operations while a
// build is in flight, and the remote's acknowledged progress.
type session struct {
	info  replication.ReplicaInfo
	local transport.FromHeader
	tr    transport.Transport
	epoch func() replication.Epoch

	mu          sync.Mutex
	role        sessionRole
	mustCatchUp bool
	softClosed  bool
	repl        *sender.Sender
	copy        *sender.Sender
	copyFSM     *copyFSM
	// onProgress is invoked (outside the session lock) whenever an
	// acknowledgement advances this remote's progress.
	onProgress func()
}

func newSession(
	info replication.ReplicaInfo,
	local transport.FromHeader,
	tr transport.Transport,
	epoch func() replication.Epoch,
	cfg sender.Config,
	onProgress func(),
) *session {
	var s = &session{
		info:       info,
		local:      local,
		tr:         tr,
		epoch:      epoch,
		onProgress: onProgress,
	}
	s.repl = sender.New("repl:"+info.ID.String(), cfg, s.sendReplication)
	return s
}

func (s *session) setRole(role sessionRole, mustCatchUp bool) {
	s.mu.Lock()
	s.role = role
	s.mustCatchUp = s.mustCatchUp || mustCatchUp
	s.mu.Unlock()
}

func (s *session) getRole() sessionRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// caughtUp returns whether an idle remote has finished (or never needed)
// its build.
func (s *session) caughtUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyFSM == nil
}

// progress returns the remote's last acknowledged (received, applied) LSNs
// of the replication stream.
func (s *session) progress() (received, applied int64) {
	var r, q, _ = s.repl.GetProgress()
	return r, q
}

// add offers a replication operation to the remote.
func (s *session) add(op *replication.Operation) {
	s.mu.Lock()
	if s.softClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.repl.Add(op, s.info.CurrentProgress)
}

// setCompleted advises the remote of the primary's completed frontier.
func (s *session) setCompleted(lsn int64) {
	s.repl.SetCompletedLsn(lsn)
}

// onAck applies an acknowledgement message, feeding the replication sender
// and (when a build is in flight) the copy sender, and returns whether
// either made progress.
func (s *session) onAck(ack *transport.AckPayload) bool {
	var progress = s.repl.ProcessOnAck(ack.ReplicationReceived, ack.ReplicationQuorum)

	s.mu.Lock()
	var cp, fsm = s.copy, s.copyFSM
	s.mu.Unlock()

	if cp != nil {
		if cp.ProcessOnAck(ack.CopyReceived, ack.CopyQuorum) {
			progress = true
			if fsm != nil {
				fsm.onAckMotion()
			}
		}
	}
	if progress && s.onProgress != nil {
		s.onProgress()
	}
	return progress
}

// onCopyContext routes a copy-context operation into the in-flight build.
func (s *session) onCopyContext(env transport.OperationEnvelope) {
	s.mu.Lock()
	var fsm = s.copyFSM
	s.mu.Unlock()

	if fsm == nil {
		log.WithFields(log.Fields{
			"replica": s.info.ID,
			"lsn":     env.LSN,
		}).Debug("dropping copy context with no build in flight")
		return
	}
	fsm.onCopyContext(env)
}

// attachCopy installs the senders and state machine of a build.
func (s *session) attachCopy(cp *sender.Sender, fsm *copyFSM) {
	s.mu.Lock()
	s.copy, s.copyFSM = cp, fsm
	s.mu.Unlock()
}

// detachCopy tears down build state, retaining the session.
func (s *session) detachCopy() {
	s.mu.Lock()
	var cp = s.copy
	s.copy, s.copyFSM = nil, nil
	s.mu.Unlock()

	if cp != nil {
		cp.Close()
	}
}

// close drains and tears down the session. Pending sends are dropped; the
// remote's retry protection is the primary's completed window.
func (s *session) close() {
	s.mu.Lock()
	if s.softClosed {
		s.mu.Unlock()
		return
	}
	s.softClosed = true
	var fsm = s.copyFSM
	s.mu.Unlock()

	if fsm != nil {
		fsm.cancel()
	}
	s.detachCopy()
	s.repl.Close()
}

// sendReplication delivers one replication operation to the remote.
func (s *session) sendReplication(op *replication.Operation, requestAck bool, completedLsn int64) {
	var msg = &transport.Message{
		Action:       transport.ActionReplicationOperation,
		From:         s.local,
		Target:       s.info.ID,
		Epoch:        s.epoch(),
		CompletedLsn: completedLsn,
		Operations:   []transport.OperationEnvelope{transport.EnvelopeOf(op, false)},
	}
	if requestAck {
		msg.Action = transport.ActionRequestAck
		msg.Operations = nil
	}
	if err := s.tr.Send(s.info.Address, msg); err != nil {
		// Surfaced as no-progress; the retry timer re-offers.
		log.WithFields(log.Fields{
			"replica": s.info.ID,
			"lsn":     op.LSN(),
			"err":     err,
		}).Debug("replication send failed")
	}
}

// Package replicator implements the primary and secondary replication
// state machines over the async, queue, sender and transport packages: the
// replica manager which tracks per-remote sessions across configurations,
// the copy state machine which builds new replicas from provider state,
// ordered operation streams consumed by the replicated service, and the
// Primary and Secondary replicators themselves.
package replicator

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/replication"
)

// Progress is a snapshot of replication progress across the configuration.
type Progress struct {
	// Active, PreviousActive and Idle count sessions by membership.
	Active, PreviousActive, Idle int
	// Committed is the quorum-acknowledged receive LSN: under a sole
	// current configuration the CC write-quorum LSN, and during
	// reconfiguration the minimum of the CC and PC quorum LSNs.
	Committed int64
	// Completed is the minimum applied LSN across every replica of
	// CC union PC, excluding idles which have not yet caught up.
	Completed int64
	// ProcessingInProgress reports whether a configuration update is being
	// applied. TryGetProgress holds the lock that UpdateConfiguration holds
	// for the whole update, so a snapshot it returns always has this false.
	ProcessingInProgress bool
}

// Manager owns the replication sessions behind UpdateConfiguration and
// derives quorum progress. Session creation and removal serialize with
// configuration updates under the Manager's lock; per-session transitions
// take the session's own lock.
type Manager struct {
	localID replication.EndpointID
	// localProgress returns the primary's own (received, applied) LSNs,
	// which participate in quorum computation.
	localProgress func() (int64, int64)
	newSession    func(info replication.ReplicaInfo) *session

	mu        sync.Mutex
	sessions  map[sessionKey]*session
	cc        []*session
	pc        []*session
	idle      []*session
	ccQuorum  int
	pcQuorum  int
	hasPC     bool
	updating  bool
}

type sessionKey struct {
	replicaID   int64
	incarnation string
}

func keyOf(id replication.EndpointID) sessionKey {
	return sessionKey{replicaID: id.ReplicaID, incarnation: id.Incarnation.String()}
}

// NewManager returns a Manager of sessions created by |newSession|.
func NewManager(
	localID replication.EndpointID,
	localProgress func() (received, applied int64),
	newSession func(info replication.ReplicaInfo) *session,
) *Manager {
	return &Manager{
		localID:       localID,
		localProgress: localProgress,
		newSession:    newSession,
		sessions:      make(map[sessionKey]*session),
	}
}

// UpdateConfiguration diffs the previous- and current-configuration
// replica sets against held sessions: sessions newly present are opened,
// an idle replica appearing in the current set is promoted in place, and
// sessions in neither set are scheduled for close (drained, then removed).
// The update is atomic: on error no session is created or removed.
func (m *Manager) UpdateConfiguration(
	previousActive []replication.ReplicaInfo,
	previousQuorum int,
	currentActive []replication.ReplicaInfo,
	currentQuorum int,
	idleReplicas []replication.ReplicaInfo,
	hasPreviousConfig bool,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updating = true
	defer func() { m.updating = false }()

	for _, infos := range [][]replication.ReplicaInfo{previousActive, currentActive, idleReplicas} {
		for _, info := range infos {
			if info.ID.Partition != m.localID.Partition {
				return errors.WithMessagef(replication.ErrInvalidState,
					"replica %s is of a foreign partition", info.ID)
			}
		}
	}

	// Establish sessions of every named replica, before any removal, so a
	// failure leaves the prior configuration intact.
	var next = make(map[sessionKey]*session, len(m.sessions))
	var resolve = func(info replication.ReplicaInfo, role sessionRole) *session {
		var key = keyOf(info.ID)
		var s, ok = m.sessions[key]
		if !ok {
			s, ok = next[key], next[key] != nil
		}
		if !ok {
			s = m.newSession(info)
		}
		s.setRole(role, info.MustCatchUp)
		next[key] = s
		return s
	}

	var cc = make([]*session, 0, len(currentActive))
	var pc = make([]*session, 0, len(previousActive))
	var idle = make([]*session, 0, len(idleReplicas))

	for _, info := range currentActive {
		cc = append(cc, resolve(info, roleActive))
	}
	for _, info := range previousActive {
		// A replica in both PC and CC resolves once and stays active.
		pc = append(pc, resolve(info, roleActive))
	}
	for _, info := range idleReplicas {
		var key = keyOf(info.ID)
		if next[key] != nil {
			// An idle listed in CC was promoted to active in place.
			idle = append(idle, next[key])
			continue
		}
		idle = append(idle, resolve(info, roleIdle))
	}

	// Sessions absent from every set are drained and removed.
	for key, s := range m.sessions {
		if next[key] == nil {
			log.WithFields(log.Fields{
				"replica": s.info.ID,
			}).Info("closing replication session dropped from configuration")
			s.close()
		}
	}

	m.sessions = next
	m.cc, m.pc, m.idle = cc, pc, idle
	m.ccQuorum, m.pcQuorum = currentQuorum, previousQuorum
	m.hasPC = hasPreviousConfig
	return nil
}

// Session returns the session of |from|, or nil. The session's
// incarnation must match exactly: a message from a previous incarnation of
// a known ReplicaID resolves to no session.
func (m *Manager) Session(from replication.EndpointID) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[keyOf(from)]
}

// ForEachActive invokes |fn| over every active session.
func (m *Manager) ForEachActive(fn func(s *session)) {
	m.mu.Lock()
	var active = make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.getRole() == roleActive {
			active = append(active, s)
		}
	}
	m.mu.Unlock()

	for _, s := range active {
		fn(s)
	}
}

// EnsureIdle returns the session of |info|, creating and tracking it as an
// idle (build target) session if absent.
func (m *Manager) EnsureIdle(info replication.ReplicaInfo) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key = keyOf(info.ID)
	if s, ok := m.sessions[key]; ok {
		return s
	}
	var s = m.newSession(info)
	s.setRole(roleIdle, info.MustCatchUp)
	m.sessions[key] = s
	m.idle = append(m.idle, s)
	return s
}

// MinReceived returns the minimum received LSN across the primary and
// every configured active session -- the frontier through which ALL
// replicas have caught up.
func (m *Manager) MinReceived() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var localReceived, _ = m.localProgress()
	var min = localReceived
	for _, s := range dedupe(m.cc, m.pc) {
		var received, _ = s.progress()
		if received < min {
			min = received
		}
	}
	return min
}

// Close drains and removes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	var all = m.sessions
	m.sessions = make(map[sessionKey]*session)
	m.cc, m.pc, m.idle = nil, nil, nil
	m.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

// TryGetProgress derives the current Progress snapshot.
func (m *Manager) TryGetProgress() (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var localReceived, localApplied = m.localProgress()
	var p = Progress{
		Active:               len(m.cc),
		PreviousActive:       len(m.pc),
		Idle:                 len(m.idle),
		ProcessingInProgress: m.updating,
	}

	p.Committed = m.quorumLsnLocked(m.cc, m.ccQuorum, localReceived)
	if m.hasPC {
		if pcLsn := m.quorumLsnLocked(m.pc, m.pcQuorum, localReceived); pcLsn < p.Committed {
			p.Committed = pcLsn
		}
	} else if len(m.cc) == 0 && len(m.pc) != 0 {
		// A PC with no CC: committed is still computable from the PC.
		p.Committed = m.quorumLsnLocked(m.pc, m.pcQuorum, localReceived)
	}

	// Completed is the minimum applied LSN over the primary and every
	// counted session. When the configuration collapses to the primary
	// alone, this is simply the primary's own applied LSN.
	p.Completed = localApplied
	for _, s := range dedupe(m.cc, m.pc) {
		if s.getRole() == roleIdle && !s.caughtUp() {
			continue
		}
		var _, applied = s.progress()
		if applied < p.Completed {
			p.Completed = applied
		}
	}
	return p, true
}

// quorumLsnLocked returns the highest LSN held by at least |quorum| of the
// member LSNs -- the sessions' received LSNs plus the primary's own.
func (m *Manager) quorumLsnLocked(set []*session, quorum int, localReceived int64) int64 {
	var lsns = make([]int64, 0, len(set)+1)
	lsns = append(lsns, localReceived)
	for _, s := range set {
		var received, _ = s.progress()
		lsns = append(lsns, received)
	}
	if quorum <= 0 || quorum > len(lsns) {
		return localReceived
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns[len(lsns)-quorum]
}

// dedupe returns the union of the session sets, preserving order.
func dedupe(sets ...[]*session) []*session {
	var seen = make(map[*session]struct{})
	var out []*session
	for _, set := range sets {
		for _, s := range set {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

package replicator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"go.keel.dev/core/async"
	"go.keel.dev/core/queue"
	"go.keel.dev/core/replication"
	"go.keel.dev/core/sender"
	"go.keel.dev/core/transport"
)

// CatchupMode selects the quorum a catch-up wait requires.
type CatchupMode int

const (
	// CatchupWriteQuorum completes the wait when a write quorum of the
	// configuration has received all replicated operations.
	CatchupWriteQuorum CatchupMode = iota
	// CatchupAll completes the wait only when every configured replica
	// has received all replicated operations.
	CatchupAll
)

// Primary is the primary-role replicator: it sequences service operations
// into the primary operation queue, drives per-remote sessions through the
// replica manager, completes replications on quorum acknowledgement, and
// builds new replicas from provider state.
type Primary struct {
	svc      *async.Service
	opts     replication.Options
	id       replication.EndpointID
	local    transport.FromHeader
	provider replication.Provider
	tr       transport.Transport

	mu         sync.Mutex
	epoch      replication.Epoch
	q          *queue.Queue
	mgr        *Manager
	nextLsn    int64
	committed  int64
	pending    map[int64]*async.CompletionSource
	catchups   []*catchupWaiter
	unregister func()
	stopHealth chan struct{}
}

type catchupWaiter struct {
	mode   CatchupMode
	target int64
	cs     *async.CompletionSource
}

// NewPrimary returns an unopened Primary of |id|, publishing |address| to
// remotes.
func NewPrimary(
	opts replication.Options,
	id replication.EndpointID,
	address string,
	epoch replication.Epoch,
	provider replication.Provider,
	tr transport.Transport,
) (*Primary, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.WithMessage(err, "options")
	}
	var p = &Primary{
		opts:     opts,
		id:       id,
		local:    transport.FromHeader{Address: address, Endpoint: id},
		provider: provider,
		tr:       tr,
		epoch:    epoch,
		pending:  make(map[int64]*async.CompletionSource),
	}
	p.svc = async.NewService(async.ServiceHooks{OnServiceClose: p.onServiceClose})
	p.svc.SetDeferredCloseBehavior()

	var startSeq = provider.GetLastCommittedSequenceNumber() + 1
	p.q = queue.New("primary", startSeq, queue.Settings{
		Initial:            opts.InitialReplicationQueueSize,
		Max:                opts.MaxReplicationQueueSize,
		MaxCompletedCount:  opts.MaxPrimaryReplicationQueueSize,
		MaxCompletedMemory: opts.MaxPrimaryReplicationQueueMemorySize,
		MaxMemory:          opts.MaxReplicationQueueMemorySize,
	})
	p.nextLsn = startSeq
	p.committed = startSeq - 1

	p.mgr = NewManager(id, p.localProgress, func(info replication.ReplicaInfo) *session {
		return newSession(info, p.local, tr, p.currentEpoch, sender.Config{
			RetryInterval:     opts.RetryInterval,
			InitialWindowSize: opts.InitialReplicationQueueSize,
			MaxWindowSize:     opts.MaxReplicationQueueSize,
		}, p.onSessionProgress)
	})
	return p, nil
}

// Open registers the Primary's message processor and opens its service.
func (p *Primary) Open() error {
	if err := p.svc.StartOpen(nil, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.unregister = p.tr.RegisterProcessor(p.id, p.processMessage)
	p.stopHealth = make(chan struct{})
	var stop = p.stopHealth
	p.mu.Unlock()

	go queueHealthLoop(p.opts.QueueHealthMonitoringInterval, func() {
		p.mu.Lock()
		var pct = p.q.UtilizationPercentage()
		p.mu.Unlock()
		queueUtilization.WithLabelValues("primary").Set(float64(pct))
	}, stop)
	return nil
}

// Close drains sessions and closes the Primary. Pending replications which
// have not reached quorum complete with ErrObjectClosed.
func (p *Primary) Close() error {
	return p.svc.StartClose(nil)
}

func (p *Primary) onServiceClose() {
	p.mu.Lock()
	var unregister = p.unregister
	p.unregister = nil
	if p.stopHealth != nil {
		close(p.stopHealth)
		p.stopHealth = nil
	}
	var pending = p.pending
	p.pending = make(map[int64]*async.CompletionSource)
	var catchups = p.catchups
	p.catchups = nil
	p.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	p.mgr.Close()

	for _, cs := range pending {
		cs.TrySetResult(replication.ErrObjectClosed)
	}
	for _, w := range catchups {
		w.cs.TrySetResult(replication.ErrObjectClosed)
	}

	p.mu.Lock()
	p.q.Close()
	p.mu.Unlock()

	p.svc.CompleteClose(nil)
}

// Epoch returns the primary's current epoch.
func (p *Primary) Epoch() replication.Epoch { return p.currentEpoch() }

func (p *Primary) currentEpoch() replication.Epoch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// UpdateEpoch advances the primary's epoch, which must strictly dominate
// the current one, and records the transition with the state provider.
func (p *Primary) UpdateEpoch(ctx context.Context, epoch replication.Epoch) error {
	if !p.svc.TryAcquireServiceActivity() {
		return replication.ErrObjectClosed
	}
	defer p.svc.ReleaseServiceActivity()

	p.mu.Lock()
	if epoch.Compare(p.epoch) <= 0 {
		var cur = p.epoch
		p.mu.Unlock()
		return errors.WithMessagef(replication.ErrInvalidEpoch, "%s does not advance %s", epoch, cur)
	}
	var prior = p.epoch
	p.epoch = epoch
	var lastLsn = p.q.Last()
	p.mu.Unlock()

	if epoch.DataLoss > prior.DataLoss {
		var disarm = monitorSlowAPI("OnDataLoss", p.opts.SlowApiMonitoringInterval)
		var changed, err = p.provider.OnDataLoss(ctx)
		disarm()
		if err != nil {
			return errors.WithMessage(err, "OnDataLoss")
		}
		if changed {
			log.WithFields(log.Fields{
				"epoch": epoch,
			}).Info("provider state changed in response to data loss")
		}
	}

	defer monitorSlowAPI("UpdateEpoch", p.opts.SlowApiMonitoringInterval)()
	return p.provider.UpdateEpoch(ctx, epoch, lastLsn)
}

// Replicate sequences |data| at the next LSN, enqueues it on the primary
// queue, and offers it to every active session. The returned completion
// resolves when a quorum of the configuration acknowledges receipt.
func (p *Primary) Replicate(ctx context.Context, data replication.OperationData) (int64, *async.CompletionSource, error) {
	if !p.svc.TryAcquireServiceActivity() {
		return 0, nil, replication.ErrObjectClosed
	}
	defer p.svc.ReleaseServiceActivity()

	if max := p.opts.MaxReplicationMessageSize; max != 0 && data.Size() > max {
		replicateRejected.Inc()
		return 0, nil, errors.WithMessagef(replication.ErrInsufficientResources,
			"operation of %d bytes exceeds the %d byte message bound", data.Size(), max)
	}

	p.mu.Lock()
	var lsn = p.nextLsn
	var op = replication.NewOperation(
		replication.Metadata{Type: replication.TypeNormal, LSN: lsn}, data, nil)
	op.Epoch = p.epoch

	if err := p.q.TryEnqueue(op); err != nil {
		p.mu.Unlock()
		op.Release()
		replicateRejected.Inc()
		return 0, nil, err
	}
	p.nextLsn++
	var cs = async.NewCompletionSource()
	p.pending[lsn] = cs
	p.mu.Unlock()

	addTrace(ctx, "Replicate(%d) enqueued", lsn)
	replicateTotal.Inc()

	p.mgr.ForEachActive(func(s *session) { s.add(op) })
	op.Release() // The queue and senders hold their own references.

	p.evaluateProgress()
	return lsn, cs, nil
}

// WaitForCatchUpQuorum returns a completion which resolves when the
// selected quorum of the configuration has received every operation
// replicated so far.
func (p *Primary) WaitForCatchUpQuorum(mode CatchupMode) *async.CompletionSource {
	var cs = async.NewCompletionSource()

	p.mu.Lock()
	var w = &catchupWaiter{mode: mode, target: p.q.Last(), cs: cs}
	p.catchups = append(p.catchups, w)
	p.mu.Unlock()

	p.evaluateProgress()
	return cs
}

// UpdateCatchUpConfiguration applies a reconfiguration which carries both
// the previous and current active sets, entering the catch-up window.
func (p *Primary) UpdateCatchUpConfiguration(
	previousActive []replication.ReplicaInfo, previousQuorum int,
	currentActive []replication.ReplicaInfo, currentQuorum int,
	idle []replication.ReplicaInfo,
) error {
	if !p.svc.TryAcquireServiceActivity() {
		return replication.ErrObjectClosed
	}
	defer p.svc.ReleaseServiceActivity()

	var err = p.mgr.UpdateConfiguration(
		previousActive, previousQuorum, currentActive, currentQuorum, idle, true)
	if err == nil {
		p.evaluateProgress()
	}
	return err
}

// UpdateCurrentConfiguration applies a sole current configuration,
// leaving any catch-up window.
func (p *Primary) UpdateCurrentConfiguration(
	currentActive []replication.ReplicaInfo, currentQuorum int,
	idle []replication.ReplicaInfo,
) error {
	if !p.svc.TryAcquireServiceActivity() {
		return replication.ErrObjectClosed
	}
	defer p.svc.ReleaseServiceActivity()

	var err = p.mgr.UpdateConfiguration(nil, 0, currentActive, currentQuorum, idle, false)
	if err == nil {
		p.evaluateProgress()
	}
	return err
}

// BuildReplica copies provider state up to the current replication
// frontier onto the target replica, returning a completion which resolves
// when the target acknowledges the full copy. The target's session is
// created as idle if absent, and survives the build for later promotion.
func (p *Primary) BuildReplica(info replication.ReplicaInfo) (*async.CompletionSource, error) {
	if !p.svc.TryAcquireServiceActivity() {
		return nil, replication.ErrObjectClosed
	}
	defer p.svc.ReleaseServiceActivity()

	var s = p.mgr.EnsureIdle(info)

	p.mu.Lock()
	var uptoLsn = p.q.Last()
	var epoch = p.epoch
	p.mu.Unlock()

	var fsm = newCopyFSM(s, p.provider, p.tr, p.local, epoch, uptoLsn,
		p.opts.SlowApiMonitoringInterval, sender.Config{
		RetryInterval:     p.opts.RetryInterval,
		InitialWindowSize: p.opts.InitialCopyQueueSize,
		MaxWindowSize:     p.opts.MaxCopyQueueSize,
	})
	s.attachCopy(fsm.cp, fsm)

	go func() {
		fsm.run()
		s.detachCopy()
		copyBuilds.Inc()
	}()
	return fsm.done, nil
}

// CancelBuild aborts an in-flight build of |id|, if any.
func (p *Primary) CancelBuild(id replication.EndpointID) {
	if s := p.mgr.Session(id); s != nil {
		s.mu.Lock()
		var fsm = s.copyFSM
		s.mu.Unlock()
		if fsm != nil {
			fsm.cancel()
		}
	}
}

// GetCurrentProgress returns the quorum-committed LSN.
func (p *Primary) GetCurrentProgress() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}

// GetCatchUpCapability returns the count of replicated operations not yet
// quorum-committed.
func (p *Primary) GetCatchUpCapability() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Last() - p.committed
}

// TryGetProgress exposes the replica manager's derived Progress.
func (p *Primary) TryGetProgress() (Progress, bool) {
	return p.mgr.TryGetProgress()
}

// localProgress supplies the primary's own LSNs to quorum computation: the
// primary holds every operation it has sequenced.
func (p *Primary) localProgress() (received, applied int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Last(), p.q.Last()
}

func (p *Primary) onSessionProgress() {
	p.evaluateProgress()
}

// evaluateProgress recomputes quorum progress, advances the queue's commit
// and completion frontiers, resolves pending replications and catch-up
// waits, and advises sessions of the completed frontier.
func (p *Primary) evaluateProgress() {
	var progress, ok = p.mgr.TryGetProgress()
	if !ok {
		return
	}
	var minReceived = p.mgr.MinReceived()

	p.mu.Lock()
	if progress.Committed > p.committed {
		p.committed = progress.Committed
	}
	p.q.Commit(p.committed)

	var completed = progress.Completed
	if completed > p.committed {
		completed = p.committed
	}
	p.q.Complete(completed)
	queueUtilization.WithLabelValues("primary").Set(float64(p.q.UtilizationPercentage()))

	var resolved []*async.CompletionSource
	for lsn, cs := range p.pending {
		if lsn <= p.committed {
			resolved = append(resolved, cs)
			delete(p.pending, lsn)
		}
	}
	var stillWaiting = p.catchups[:0]
	for _, w := range p.catchups {
		var reached int64
		switch w.mode {
		case CatchupAll:
			reached = minReceived
		default:
			reached = p.committed
		}
		if reached >= w.target {
			resolved = append(resolved, w.cs)
		} else {
			stillWaiting = append(stillWaiting, w)
		}
	}
	p.catchups = stillWaiting
	p.mu.Unlock()

	for _, cs := range resolved {
		cs.TrySetResult(nil)
	}
	p.mgr.ForEachActive(func(s *session) { s.setCompleted(completed) })
}

// processMessage handles inbound transport messages: acknowledgements and
// copy-context operations. Messages from a foreign partition, or from an
// incarnation with no session, are dropped and counted.
func (p *Primary) processMessage(msg *transport.Message) {
	if msg.From.Endpoint.Partition != p.id.Partition {
		staleMessages.WithLabelValues("primary", "partition").Inc()
		return
	}
	var s = p.mgr.Session(msg.From.Endpoint)
	if s == nil {
		staleMessages.WithLabelValues("primary", "incarnation").Inc()
		return
	}

	switch msg.Action {
	case transport.ActionReplicationAck:
		if msg.Ack != nil {
			s.onAck(msg.Ack)
		}
	case transport.ActionCopyContextOperation:
		for _, env := range msg.Operations {
			s.onCopyContext(env)
		}
	default:
		log.WithFields(log.Fields{
			"action": msg.Action,
			"from":   msg.From.Endpoint,
		}).Debug("primary dropping unexpected message")
	}
}

func addTrace(ctx context.Context, format string, args ...interface{}) {
	if tr, ok := trace.FromContext(ctx); ok {
		tr.LazyPrintf(format, args...)
	}
}

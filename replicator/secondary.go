package replicator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/async"
	"go.keel.dev/core/queue"
	"go.keel.dev/core/replication"
	"go.keel.dev/core/transport"
)

// Secondary is the secondary-role replicator: it buffers inbound copy and
// replication operations in sequence-indexed queues, dispatches committed
// operations to the consuming service in strict LSN order through two
// streams, and acknowledges progress back to the primary in batched acks
// which never regress.
type Secondary struct {
	svc      *async.Service
	opts     replication.Options
	id       replication.EndpointID
	local    transport.FromHeader
	provider replication.Provider
	tr       transport.Transport
	// parallel permits the service to consume the copy and replication
	// streams concurrently. Otherwise the replication stream yields only
	// once the copy stream is fully consumed.
	parallel bool

	mu   sync.Mutex
	cond *sync.Cond

	epoch          replication.Epoch
	progressVector []replication.ProgressVectorEntry
	primary        transport.FromHeader
	havePrimary    bool

	replQ *queue.Queue
	copyQ *queue.Queue

	replStream *Stream
	copyStream *Stream

	nextReplDispatch int64
	nextCopyDispatch int64
	copyLastLsn      int64
	copyDone         bool
	copyCtxStarted   bool

	// Last transmitted ack fields. They never regress.
	ackReplReceived int64
	ackReplApplied  int64
	ackCopyReceived int64
	ackCopyApplied  int64

	pendingAcks int64
	ackTimer    *async.Timer

	closed     bool
	draining   bool
	unregister func()
	stopHealth chan struct{}
}

// NewSecondary returns an unopened Secondary of |id|, publishing
// |address| to the primary. |parallelStreams| declares whether the
// consuming service supports concurrent copy and replication streams.
func NewSecondary(
	opts replication.Options,
	id replication.EndpointID,
	address string,
	epoch replication.Epoch,
	provider replication.Provider,
	tr transport.Transport,
	parallelStreams bool,
) (*Secondary, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.WithMessage(err, "options")
	}
	var s = &Secondary{
		opts:     opts,
		id:       id,
		local:    transport.FromHeader{Address: address, Endpoint: id},
		provider: provider,
		tr:       tr,
		parallel: parallelStreams,
		epoch:    epoch,
		ackTimer: async.NewTimer(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.svc = async.NewService(async.ServiceHooks{OnServiceClose: s.onServiceClose})
	s.svc.SetDeferredCloseBehavior()

	var startSeq = provider.GetLastCommittedSequenceNumber() + 1
	s.replQ = s.newReplicationQueue(startSeq)
	s.nextReplDispatch = startSeq
	s.progressVector = []replication.ProgressVectorEntry{
		{Epoch: epoch, LastLsnInPreviousEpoch: startSeq - 1},
	}

	s.replStream = newStream("replication", s.acknowledgeReplication)
	s.copyStream = newStream("copy", s.acknowledgeCopy)

	s.ackReplReceived, s.ackReplApplied = startSeq-1, startSeq-1
	return s, nil
}

func (s *Secondary) newReplicationQueue(startSeq int64) *queue.Queue {
	return queue.New("secondary-repl", startSeq, queue.Settings{
		Initial:         s.opts.InitialSecondaryReplicationQueueSize,
		Max:             s.opts.MaxSecondaryReplicationQueueSize,
		MaxMemory:       s.opts.MaxSecondaryReplicationQueueMemorySize,
		CleanOnComplete: s.opts.SecondaryClearAcknowledgedOperations,
	})
}

// Open registers the Secondary's message processor and opens its service.
func (s *Secondary) Open() error {
	if err := s.svc.StartOpen(nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.unregister = s.tr.RegisterProcessor(s.id, s.ProcessMessage)
	s.stopHealth = make(chan struct{})
	var stop = s.stopHealth
	s.mu.Unlock()

	go queueHealthLoop(s.opts.QueueHealthMonitoringInterval, func() {
		s.mu.Lock()
		var repl = s.replQ.UtilizationPercentage()
		var cp = int64(0)
		if s.copyQ != nil {
			cp = s.copyQ.UtilizationPercentage()
		}
		s.mu.Unlock()
		queueUtilization.WithLabelValues("secondary-repl").Set(float64(repl))
		queueUtilization.WithLabelValues("secondary-copy").Set(float64(cp))
	}, stop)
	return nil
}

// ReplicationStream returns the ordered stream of replicated operations.
func (s *Secondary) ReplicationStream() *Stream { return s.replStream }

// CopyStream returns the ordered stream of copy operations.
func (s *Secondary) CopyStream() *Stream { return s.copyStream }

// Epoch returns the secondary's current epoch.
func (s *Secondary) Epoch() replication.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// GetProgressVector returns a copy of the recorded epoch transitions.
func (s *Secondary) GetProgressVector() []replication.ProgressVectorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replication.ProgressVectorEntry(nil), s.progressVector...)
}

// GetCurrentProgress returns the contiguously received replication LSN.
func (s *Secondary) GetCurrentProgress() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replQ.LastCommitted()
}

// ProcessMessage routes one inbound transport message. Messages of a
// foreign partition, or of a stale incarnation of the known primary, are
// dropped and counted.
func (s *Secondary) ProcessMessage(msg *transport.Message) {
	if !s.svc.TryAcquireServiceActivity() {
		return
	}
	defer s.svc.ReleaseServiceActivity()

	if msg.From.Endpoint.Partition != s.id.Partition {
		staleMessages.WithLabelValues("secondary", "partition").Inc()
		return
	}
	s.mu.Lock()
	if s.havePrimary &&
		msg.From.Endpoint.ReplicaID == s.primary.Endpoint.ReplicaID &&
		msg.From.Endpoint.Incarnation != s.primary.Endpoint.Incarnation {
		s.mu.Unlock()
		staleMessages.WithLabelValues("secondary", "incarnation").Inc()
		return
	}
	s.mu.Unlock()

	switch msg.Action {
	case transport.ActionStartCopy:
		if msg.StartCopy != nil {
			s.processStartCopy(msg)
		}
	case transport.ActionCopyOperation:
		s.processCopyOperation(msg)
	case transport.ActionReplicationOperation:
		s.processReplicationOperation(msg)
	case transport.ActionRequestAck:
		s.sendAck(true)
	case transport.ActionCopyContextAck:
		// Copy-context delivery is fire-and-forget from the secondary's
		// perspective; the ack is informational.
	default:
		log.WithFields(log.Fields{
			"action": msg.Action,
			"from":   msg.From.Endpoint,
		}).Debug("secondary dropping unexpected message")
	}
}

// processStartCopy initializes the copy queue and re-bases the replication
// queue at the primary's first replication LSN.
func (s *Secondary) processStartCopy(msg *transport.Message) {
	var sc = msg.StartCopy

	s.mu.Lock()
	if sc.Epoch.Compare(s.epoch) < 0 {
		s.mu.Unlock()
		staleMessages.WithLabelValues("secondary", "epoch").Inc()
		return
	}
	s.epoch = sc.Epoch
	s.primary = msg.From
	s.havePrimary = true

	if s.copyQ == nil {
		s.copyQ = queue.New("secondary-copy", 1, queue.Settings{
			Initial:         s.opts.InitialCopyQueueSize,
			Max:             s.opts.MaxCopyQueueSize,
			CleanOnComplete: s.opts.SecondaryClearAcknowledgedOperations,
		})
		s.nextCopyDispatch = 1
		s.ackCopyReceived, s.ackCopyApplied = 0, 0
	}
	if s.replQ.Last() < s.replQ.StartSequenceNumber() &&
		s.replQ.StartSequenceNumber() != sc.FirstReplicationLsn {
		// No replication operation has been buffered; adopt the frontier
		// the primary will replicate from.
		s.replQ = s.newReplicationQueue(sc.FirstReplicationLsn)
		s.nextReplDispatch = sc.FirstReplicationLsn
		s.ackReplReceived, s.ackReplApplied = sc.FirstReplicationLsn-1, sc.FirstReplicationLsn-1
	}
	var startPump = !s.copyCtxStarted
	s.copyCtxStarted = true
	s.mu.Unlock()

	s.dispatch()
	s.scheduleAck()

	if startPump {
		// The secondary pushes its copy context (persisted services) once
		// the copy begins.
		go s.pumpCopyContext()
	}
}

// pumpCopyContext streams the provider's copy context to the primary.
func (s *Secondary) pumpCopyContext() {
	var stream = s.provider.GetCopyContext()
	if stream == nil {
		return
	}
	s.mu.Lock()
	var primary = s.primary
	s.mu.Unlock()

	var ctx = context.Background()
	var lsn int64 = 1
	for {
		var data, err = stream.Next(ctx)
		if err != nil {
			log.WithField("err", err).Warn("copy context stream failed")
			return
		}
		var env transport.OperationEnvelope
		if data == nil {
			env = transport.OperationEnvelope{Type: replication.TypeEndOfStream, LSN: lsn, IsLast: true}
		} else {
			env = transport.OperationEnvelope{Type: replication.TypeNormal, LSN: lsn, Buffers: data.Buffers}
		}
		var msg = &transport.Message{
			Action:     transport.ActionCopyContextOperation,
			From:       s.local,
			Target:     primary.Endpoint,
			Operations: []transport.OperationEnvelope{env},
		}
		if err = s.tr.Send(primary.Address, msg); err != nil {
			log.WithFields(log.Fields{"lsn": lsn, "err": err}).Warn("copy context send failed")
			return
		}
		if data == nil {
			return
		}
		lsn++
	}
}

// processCopyOperation buffers one copy operation, which may arrive out of
// order, commits the contiguous frontier, and dispatches.
func (s *Secondary) processCopyOperation(msg *transport.Message) {
	s.mu.Lock()
	if msg.Epoch.Compare(s.epoch) < 0 {
		s.mu.Unlock()
		staleMessages.WithLabelValues("secondary", "epoch").Inc()
		return
	}
	if s.copyQ == nil {
		// StartCopy was lost; the sender's retry will re-offer after it
		// re-establishes the copy.
		s.mu.Unlock()
		staleMessages.WithLabelValues("secondary", "noCopy").Inc()
		return
	}
	for _, env := range msg.Operations {
		var op = env.ToOperation()
		if err := s.copyQ.TryEnqueue(op); err != nil {
			enqueueRejected.WithLabelValues("secondary-copy").Inc()
		}
		op.Release()

		if env.IsLast || env.Type == replication.TypeEndOfStream {
			s.copyLastLsn = env.LSN
		}
	}
	s.copyQ.CommitAll()
	queueUtilization.WithLabelValues("secondary-copy").Set(float64(s.copyQ.UtilizationPercentage()))
	s.mu.Unlock()

	s.dispatch()
	s.scheduleAck()
}

// processReplicationOperation buffers a batch of replication operations,
// commits the contiguous frontier, trims the completed window to the
// primary's advised frontier, and dispatches.
func (s *Secondary) processReplicationOperation(msg *transport.Message) {
	s.mu.Lock()
	if msg.Epoch.Compare(s.epoch) < 0 {
		s.mu.Unlock()
		staleMessages.WithLabelValues("secondary", "epoch").Inc()
		return
	}
	s.primary = msg.From
	s.havePrimary = true

	for _, env := range msg.Operations {
		var op = env.ToOperation()
		if err := s.replQ.TryEnqueue(op); err != nil {
			enqueueRejected.WithLabelValues("secondary-repl").Inc()
		}
		op.Release()
	}
	s.replQ.CommitAll()
	s.replQ.UpdateCompleteHead(msg.CompletedLsn)
	queueUtilization.WithLabelValues("secondary-repl").Set(float64(s.replQ.UtilizationPercentage()))
	s.mu.Unlock()

	s.dispatch()
	s.scheduleAck()
}

// dispatch offers newly committed operations to the streams in LSN order.
// The replication stream is gated behind full copy consumption unless the
// service supports parallel streams.
func (s *Secondary) dispatch() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	type offer struct {
		stream *Stream
		op     *replication.Operation
	}
	var offers []offer

	if s.copyQ != nil {
		for s.nextCopyDispatch <= s.copyQ.LastCommitted() {
			var op = s.copyQ.GetOperation(s.nextCopyDispatch)
			if op == nil {
				break
			}
			if op.IsEndOfStream() {
				s.copyDone = true
			}
			offers = append(offers, offer{s.copyStream, op.Ref()})
			s.nextCopyDispatch++
		}
		if s.copyLastLsn != 0 && s.nextCopyDispatch > s.copyLastLsn {
			s.copyDone = true
		}
		s.completeCopySentinelLocked()
	}

	var replGated = s.copyQ != nil && !s.copyDone && !s.parallel
	if !replGated {
		for s.nextReplDispatch <= s.replQ.LastCommitted() {
			var op = s.replQ.GetOperation(s.nextReplDispatch)
			if op == nil {
				break
			}
			offers = append(offers, offer{s.replStream, op.Ref()})
			s.nextReplDispatch++
		}
	}
	s.mu.Unlock()

	for _, o := range offers {
		o.stream.offer(o.op)
	}
}

// acknowledgeCopy records the service's application of a copy operation.
func (s *Secondary) acknowledgeCopy(lsn int64) {
	s.mu.Lock()
	if s.copyQ != nil {
		s.copyQ.Complete(lsn)
		s.completeCopySentinelLocked()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.dispatch()
	s.scheduleAck()
}

// completeCopySentinelLocked completes the copy end-of-stream sentinel
// once every prior copy operation has completed. The sentinel carries no
// payload and requires no service acknowledgement unless stream-fault
// acks are configured.
func (s *Secondary) completeCopySentinelLocked() {
	if s.opts.UseStreamFaultsAndEndOfStreamOperationAck || s.copyQ == nil {
		return
	}
	var next = s.copyQ.NextToBeCompleted()
	if next > s.copyQ.LastCommitted() {
		return
	}
	if op := s.copyQ.GetOperation(next); op != nil && op.IsEndOfStream() {
		s.copyQ.Complete(next)
	}
}

// acknowledgeReplication records the service's application of a
// replication operation.
func (s *Secondary) acknowledgeReplication(lsn int64) {
	s.mu.Lock()
	s.replQ.Complete(lsn)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.scheduleAck()
}

// UpdateEpoch records a new epoch, which must strictly dominate the
// current one. Any buffered operations beyond the contiguously received
// frontier were sequenced by a superseded primary and are discarded. The
// discard and the epoch change are made under the lock that dispatch takes
// to collect operations. UpdateEpoch does not wait for operations already
// handed to the replication stream to be acknowledged by the service before
// it records the transition with the provider.
func (s *Secondary) UpdateEpoch(ctx context.Context, epoch replication.Epoch) error {
	if !s.svc.TryAcquireServiceActivity() {
		return replication.ErrObjectClosed
	}
	defer s.svc.ReleaseServiceActivity()

	s.mu.Lock()
	if len(s.progressVector) != 0 {
		if last := s.progressVector[len(s.progressVector)-1].Epoch; epoch.Compare(last) <= 0 {
			s.mu.Unlock()
			return errors.WithMessagef(replication.ErrInvalidEpoch,
				"%s does not advance %s", epoch, last)
		}
	} else if epoch.Compare(s.epoch) <= 0 {
		s.mu.Unlock()
		return errors.WithMessagef(replication.ErrInvalidEpoch,
			"%s does not advance %s", epoch, s.epoch)
	}

	var lastLsn = s.replQ.LastCommitted()
	s.replQ.DiscardUncommitted()
	s.epoch = epoch
	s.progressVector = append(s.progressVector, replication.ProgressVectorEntry{
		Epoch:                  epoch,
		LastLsnInPreviousEpoch: lastLsn,
	})
	s.mu.Unlock()

	defer monitorSlowAPI("UpdateEpoch", s.opts.SlowApiMonitoringInterval)()
	return s.provider.UpdateEpoch(ctx, epoch, lastLsn)
}

// scheduleAck batches an acknowledgement: it is flushed once the pending
// count reaches the configured threshold, or when the batch interval
// elapses.
func (s *Secondary) scheduleAck() {
	s.mu.Lock()
	if !s.havePrimary || s.closed {
		s.mu.Unlock()
		return
	}
	s.pendingAcks++
	var flushNow = s.pendingAcks >= s.opts.MaxPendingAcknowledgements
	s.mu.Unlock()

	if flushNow {
		s.sendAck(false)
	} else {
		s.ackTimer.Start(s.opts.BatchAcknowledgementInterval, func() { s.sendAck(false) })
	}
}

// sendAck transmits the aggregated four-LSN acknowledgement. No field ever
// regresses across successive acks to the same primary. A request-ack
// probe response (|forced|) is sent even with nothing new to report; it
// follows the identical path, as the fields are recomputed either way.
func (s *Secondary) sendAck(forced bool) {
	s.mu.Lock()
	if !s.havePrimary || (s.closed && !s.draining) {
		s.mu.Unlock()
		return
	}
	s.pendingAcks = 0

	var replReceived = s.replQ.LastCommitted()
	var replApplied = s.serviceAppliedLocked(s.replQ)
	if replReceived > s.ackReplReceived {
		s.ackReplReceived = replReceived
	}
	if replApplied > s.ackReplApplied {
		s.ackReplApplied = replApplied
	}
	if s.copyQ != nil {
		var copyReceived = s.copyQ.LastCommitted()
		var copyApplied = s.serviceAppliedLocked(s.copyQ)
		if copyReceived > s.ackCopyReceived {
			s.ackCopyReceived = copyReceived
		}
		if copyApplied > s.ackCopyApplied {
			s.ackCopyApplied = copyApplied
		}
	}
	var msg = &transport.Message{
		Action: transport.ActionReplicationAck,
		From:   s.local,
		Target: s.primary.Endpoint,
		Ack: &transport.AckPayload{
			ReplicationReceived: s.ackReplReceived,
			ReplicationQuorum:   s.ackReplApplied,
			CopyReceived:        s.ackCopyReceived,
			CopyQuorum:          s.ackCopyApplied,
		},
	}
	var address = s.primary.Address
	s.mu.Unlock()

	_ = forced
	if err := s.tr.Send(address, msg); err != nil {
		log.WithField("err", err).Debug("acknowledgement send failed")
		return
	}
	acksSent.Inc()
}

// serviceAppliedLocked returns the applied frontier acknowledged upstream:
// the service-acknowledged completion frontier when service acks are
// required, and the optimistic committed frontier otherwise. An optimistic
// secondary still never acks past its committed LSN.
func (s *Secondary) serviceAppliedLocked(q *queue.Queue) int64 {
	if s.opts.RequireServiceAck {
		return q.NextToBeCompleted() - 1
	}
	return q.LastCommitted()
}

// Close closes the Secondary. With |waitForDrain|, it blocks until the
// service has acknowledged every committed operation before terminating
// the streams with sentinels; otherwise buffered undispatched operations
// are aborted immediately and any outstanding stream wait observes the
// sentinel at once. A final acknowledgement is sent either way.
func (s *Secondary) Close(waitForDrain bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return replication.ErrObjectClosed
	}
	if waitForDrain {
		s.draining = true
		for !s.drainedLocked() {
			s.cond.Wait()
		}
		s.draining = false
	}
	s.closed = true
	s.mu.Unlock()

	s.sendFinalAck()
	return s.svc.StartClose(nil)
}

func (s *Secondary) drainedLocked() bool {
	if s.replQ.NextToBeCompleted()-1 != s.replQ.LastCommitted() {
		return false
	}
	if s.copyQ != nil && s.copyQ.NextToBeCompleted()-1 != s.copyQ.LastCommitted() {
		return false
	}
	return true
}

func (s *Secondary) sendFinalAck() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.sendAck(true)
	s.mu.Lock()
	s.draining = false
	s.mu.Unlock()
}

func (s *Secondary) onServiceClose() {
	s.mu.Lock()
	var unregister = s.unregister
	s.unregister = nil
	if s.stopHealth != nil {
		close(s.stopHealth)
		s.stopHealth = nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ackTimer.Cancel()
	if unregister != nil {
		unregister()
	}
	s.replStream.close()
	s.copyStream.close()

	s.mu.Lock()
	s.replQ.DiscardNonCompleted()
	s.replQ.Close()
	if s.copyQ != nil {
		s.copyQ.Close()
	}
	s.mu.Unlock()

	s.svc.CompleteClose(nil)
}

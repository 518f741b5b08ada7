package replicator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/async"
	"go.keel.dev/core/replication"
	"go.keel.dev/core/sender"
	"go.keel.dev/core/transport"
)

// copyFSM is a state machine which models the steps and constraints of
// building a new replica from provider state. It resolves the provider's
// copy-state stream (feeding it the target's copy context, for persisted
// services), pumps copy operations to the target through a dedicated
// reliable sender whose window provides flow control, terminates the
// stream with an end-of-stream operation, and completes when the final
// operation is acknowledged -- or earlier, upon cancellation or error.
type copyFSM struct {
	session  *session
	provider replication.Provider
	tr       transport.Transport
	local    transport.FromHeader
	epoch    replication.Epoch
	uptoLsn         int64
	slowAPIInterval time.Duration
	cp              *sender.Sender
	done            *async.CompletionSource

	ctx       context.Context
	ctxCancel context.CancelFunc
	ctxStream *copyContextStream

	stream      replication.CopyStream
	nextCopyLsn int64
	lastCopyLsn int64
	state       copyState
	err         error

	// ackCh wakes the pump when the sender's window opens.
	ackCh chan struct{}
}

type copyState string

const (
	stateCopyResolve   copyState = ""          // Initial state.
	stateCopyStart     copyState = "startCopy" // Send the StartCopy message.
	stateCopyPump      copyState = "pump"
	stateCopyEndStream copyState = "endStream"
	stateCopyAwaitAcks copyState = "awaitAcks"
	stateCopyError     copyState = "termError" // Terminal state.
	stateCopyFinished  copyState = "finished"  // Terminal state.
)

func newCopyFSM(
	s *session,
	provider replication.Provider,
	tr transport.Transport,
	local transport.FromHeader,
	epoch replication.Epoch,
	uptoLsn int64,
	slowAPIInterval time.Duration,
	cfg sender.Config,
) *copyFSM {
	var fsm = &copyFSM{
		session:         s,
		provider:        provider,
		tr:              tr,
		local:           local,
		epoch:           epoch,
		uptoLsn:         uptoLsn,
		slowAPIInterval: slowAPIInterval,
		done:            async.NewCompletionSource(),
		nextCopyLsn:     1,
		ackCh:           make(chan struct{}, 1),
	}
	fsm.ctx, fsm.ctxCancel = context.WithCancel(context.Background())
	fsm.cp = sender.New("copy:"+s.info.ID.String(), cfg, fsm.sendCopy)
	return fsm
}

// run the copyFSM until a terminal state is reached.
func (b *copyFSM) run() {
	for {
		switch b.state {
		case stateCopyResolve:
			b.onResolve()
		case stateCopyStart:
			b.onStartCopy()
		case stateCopyPump:
			b.onPump()
		case stateCopyEndStream:
			b.onEndStream()
		case stateCopyAwaitAcks:
			b.onAwaitAcks()
		case stateCopyError:
			b.done.TrySetResult(b.err)
			return
		case stateCopyFinished:
			b.done.TrySetResult(nil)
			return
		default:
			log.WithField("state", b.state).Panic("invalid copyFSM state")
		}
	}
}

// cancel aborts the build. The outstanding send is released and the
// completion observes ErrCanceled.
func (b *copyFSM) cancel() {
	b.ctxCancel()
}

// onAckMotion wakes the pump after the copy sender's window advanced.
func (b *copyFSM) onAckMotion() {
	select {
	case b.ackCh <- struct{}{}:
	default:
	}
}

// onCopyContext accepts one copy-context operation from the target and
// acknowledges it.
func (b *copyFSM) onCopyContext(env transport.OperationEnvelope) {
	if b.ctxStream != nil {
		b.ctxStream.offer(env)
	}
	var msg = &transport.Message{
		Action:         transport.ActionCopyContextAck,
		From:           b.local,
		Target:         b.session.info.ID,
		CopyContextAck: &transport.CopyContextAckPayload{Lsn: env.LSN},
	}
	if err := b.tr.Send(b.session.info.Address, msg); err != nil {
		log.WithFields(log.Fields{
			"replica": b.session.info.ID,
			"lsn":     env.LSN,
			"err":     err,
		}).Debug("copy context ack send failed")
	}
}

// onResolve obtains the provider's copy-state stream. For persisted
// services the target's copy context is threaded through as a pull stream
// which fills as context operations arrive.
func (b *copyFSM) onResolve() {
	b.mustState(stateCopyResolve)

	if b.provider.GetCopyContext() != nil {
		// The service is persisted: the target will push its context.
		b.ctxStream = newCopyContextStream()
	}

	var disarm = monitorSlowAPI("GetCopyState", b.slowAPIInterval)
	var stream, err = b.provider.GetCopyState(b.uptoLsn, b.ctxStream.orNil())
	disarm()
	if err != nil {
		b.err = errors.WithMessage(err, "GetCopyState")
		b.state = stateCopyError
		return
	}
	b.stream = stream
	b.state = stateCopyStart
}

// onStartCopy announces the copy to the target, naming the first
// replication LSN it must expect after copy completes.
func (b *copyFSM) onStartCopy() {
	b.mustState(stateCopyStart)

	var msg = &transport.Message{
		Action: transport.ActionStartCopy,
		From:   b.local,
		Target: b.session.info.ID,
		StartCopy: &transport.StartCopyPayload{
			Epoch:               b.epoch,
			TargetReplicaID:     b.session.info.ID.ReplicaID,
			FirstReplicationLsn: b.uptoLsn + 1,
		},
	}
	if err := b.tr.Send(b.session.info.Address, msg); err != nil {
		// The target re-learns of the copy from the first copy operation's
		// retry; proceed.
		log.WithFields(log.Fields{
			"replica": b.session.info.ID,
			"err":     err,
		}).Debug("start copy send failed")
	}
	b.state = stateCopyPump
}

// onPump pulls the next copy-state item and offers it to the copy sender,
// blocking while the send window is full.
func (b *copyFSM) onPump() {
	b.mustState(stateCopyPump)

	if err := b.waitForWindow(); err != nil {
		b.err = err
		b.state = stateCopyError
		return
	}

	var data, err = b.stream.Next(b.ctx)
	if err != nil && b.ctx.Err() != nil {
		b.err = replication.ErrCanceled
		b.state = stateCopyError
		return
	} else if err != nil {
		b.err = errors.WithMessage(err, "copy stream")
		b.state = stateCopyError
		return
	}
	if data == nil {
		b.state = stateCopyEndStream
		return
	}

	var op = replication.NewOperation(
		replication.Metadata{Type: replication.TypeNormal, LSN: b.nextCopyLsn},
		*data, nil)
	op.Epoch = b.epoch
	b.nextCopyLsn++

	b.cp.Add(op, -1)
	op.Release() // The sender holds its own reference.
}

// onEndStream sends the terminating end-of-stream operation, always with
// an incremented LSN.
func (b *copyFSM) onEndStream() {
	b.mustState(stateCopyEndStream)

	b.lastCopyLsn = b.nextCopyLsn
	var op = replication.NewEndOfStream(b.lastCopyLsn)
	op.Epoch = b.epoch
	b.nextCopyLsn++

	b.cp.Add(op, -1)
	op.Release()
	b.state = stateCopyAwaitAcks
}

// onAwaitAcks blocks until the end-of-stream operation is acknowledged.
func (b *copyFSM) onAwaitAcks() {
	b.mustState(stateCopyAwaitAcks)

	for {
		if received, _, _ := b.cp.GetProgress(); received >= b.lastCopyLsn {
			b.state = stateCopyFinished
			return
		}
		select {
		case <-b.ackCh:
		case <-b.ctx.Done():
			b.err = replication.ErrCanceled
			b.state = stateCopyError
			return
		}
	}
}

// waitForWindow blocks until the copy sender can admit another operation.
func (b *copyFSM) waitForWindow() error {
	for int64(b.cp.PendingCount()) >= b.cp.SendWindowSize() {
		select {
		case <-b.ackCh:
		case <-b.ctx.Done():
			return replication.ErrCanceled
		}
	}
	if b.ctx.Err() != nil {
		return replication.ErrCanceled
	}
	return nil
}

func (b *copyFSM) sendCopy(op *replication.Operation, requestAck bool, completedLsn int64) {
	var msg = &transport.Message{
		Action:       transport.ActionCopyOperation,
		From:         b.local,
		Target:       b.session.info.ID,
		Epoch:        b.epoch,
		CompletedLsn: completedLsn,
		Operations: []transport.OperationEnvelope{
			transport.EnvelopeOf(op, op.LSN() == b.lastCopyLsn && b.lastCopyLsn != 0),
		},
	}
	if requestAck {
		msg.Action = transport.ActionRequestAck
		msg.Operations = nil
	}
	if err := b.tr.Send(b.session.info.Address, msg); err != nil {
		log.WithFields(log.Fields{
			"replica": b.session.info.ID,
			"lsn":     op.LSN(),
			"err":     err,
		}).Debug("copy send failed")
	}
}

func (b *copyFSM) mustState(s copyState) {
	if b.state != s {
		log.WithFields(log.Fields{
			"expect": s,
			"actual": b.state,
		}).Panic("unexpected copyFSM state")
	}
}

// copyContextStream adapts pushed copy-context envelopes into the pull
// contract of replication.CopyStream.
type copyContextStream struct {
	ch chan *replication.OperationData
}

func newCopyContextStream() *copyContextStream {
	return &copyContextStream{ch: make(chan *replication.OperationData, 16)}
}

func (cs *copyContextStream) orNil() replication.CopyStream {
	if cs == nil {
		return nil
	}
	return cs
}

func (cs *copyContextStream) offer(env transport.OperationEnvelope) {
	if env.Type == replication.TypeEndOfStream || env.IsLast {
		close(cs.ch)
		return
	}
	cs.ch <- &replication.OperationData{Buffers: env.Buffers}
}

// Next implements replication.CopyStream.
func (cs *copyContextStream) Next(ctx context.Context) (*replication.OperationData, error) {
	select {
	case data, ok := <-cs.ch:
		if !ok {
			return nil, nil
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

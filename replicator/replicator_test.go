package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.keel.dev/core/async"
	"go.keel.dev/core/replication"
	"go.keel.dev/core/transport"
)

// memProvider is an in-memory state provider of canned copy state.
type memProvider struct {
	mu            sync.Mutex
	lastCommitted int64
	copyState     []replication.OperationData
	copyContext   []replication.OperationData
	epochs        []replication.Epoch
}

func (p *memProvider) GetLastCommittedSequenceNumber() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommitted
}

func (p *memProvider) UpdateEpoch(_ context.Context, epoch replication.Epoch, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epochs = append(p.epochs, epoch)
	return nil
}

func (p *memProvider) OnDataLoss(context.Context) (bool, error) { return false, nil }

func (p *memProvider) GetCopyContext() replication.CopyStream {
	if p.copyContext == nil {
		return nil
	}
	return &sliceStream{items: p.copyContext}
}

func (p *memProvider) GetCopyState(uptoLsn int64, _ replication.CopyStream) (replication.CopyStream, error) {
	return &sliceStream{items: p.copyState}, nil
}

type sliceStream struct {
	mu    sync.Mutex
	items []replication.OperationData
}

func (s *sliceStream) Next(context.Context) (*replication.OperationData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, nil
	}
	var next = s.items[0]
	s.items = s.items[1:]
	return &next, nil
}

func testOptions() replication.Options {
	var opts = replication.DefaultOptions()
	opts.RetryInterval = 100 * time.Millisecond
	opts.BatchAcknowledgementInterval = 5 * time.Millisecond
	return opts
}

// drainStream consumes and acknowledges every operation of |s|, recording
// yielded LSNs and payloads.
type drainStream struct {
	mu       sync.Mutex
	lsns     []int64
	payloads [][]byte
}

func (d *drainStream) run(s *Stream) {
	for {
		var op, err = s.GetOperation(context.Background())
		if err != nil || op == nil {
			return
		}
		d.mu.Lock()
		d.lsns = append(d.lsns, op.LSN())
		if len(op.Data.Buffers) != 0 {
			d.payloads = append(d.payloads, op.Data.Buffers[0])
		}
		d.mu.Unlock()

		s.Acknowledge(op.LSN())
		op.Release()
	}
}

func (d *drainStream) yielded() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.lsns...)
}

func expectEventually(t *testing.T, cond func() bool, msg string) {
	var deadline = time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type pairFixture struct {
	partition uuid.UUID
	tr        *transport.Inproc
	epoch     replication.Epoch
	primary   *Primary
	nextID    int64
}

func newPairFixture(t *testing.T) *pairFixture {
	var f = &pairFixture{
		partition: uuid.New(),
		tr:        transport.NewInproc(),
		epoch:     replication.Epoch{Configuration: 1},
		nextID:    1,
	}
	var id = replication.NewEndpointID(f.partition, f.nextID)
	f.nextID++

	var p, err = NewPrimary(testOptions(), id, id.String(), f.epoch, new(memProvider), f.tr)
	require.NoError(t, err)
	require.NoError(t, p.Open())
	f.primary = p
	return f
}

// addSecondary opens a Secondary and a drain of its replication stream.
func (f *pairFixture) addSecondary(t *testing.T) (*Secondary, replication.ReplicaInfo, *drainStream) {
	var id = replication.NewEndpointID(f.partition, f.nextID)
	f.nextID++

	var sec, err = NewSecondary(testOptions(), id, id.String(), f.epoch, new(memProvider), f.tr, false)
	require.NoError(t, err)
	require.NoError(t, sec.Open())

	var drain = new(drainStream)
	go drain.run(sec.ReplicationStream())

	return sec, replication.ReplicaInfo{ID: id, Address: id.String(), CurrentProgress: -1}, drain
}

func TestInOrderReplicationRoundTrip(t *testing.T) {
	var f = newPairFixture(t)
	var sec, info, drain = f.addSecondary(t)

	require.NoError(t, f.primary.UpdateCurrentConfiguration(
		[]replication.ReplicaInfo{info}, 1, nil))

	var payloads = [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for i, body := range payloads {
		var lsn, cs, err = f.primary.Replicate(context.Background(),
			replication.OperationData{Buffers: [][]byte{body}})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), lsn)

		<-cs.Done()
		require.NoError(t, cs.Err())
	}

	assert.Equal(t, int64(3), f.primary.GetCurrentProgress())
	assert.Equal(t, int64(0), f.primary.GetCatchUpCapability())

	// The secondary's stream yielded the same LSNs and payload bytes, in
	// order.
	expectEventually(t, func() bool { return len(drain.yielded()) == 3 },
		"secondary did not yield all operations")
	assert.Equal(t, []int64{1, 2, 3}, drain.yielded())

	drain.mu.Lock()
	assert.Equal(t, payloads, drain.payloads)
	drain.mu.Unlock()

	expectEventually(t, func() bool { return sec.GetCurrentProgress() == 3 },
		"secondary progress did not reach 3")

	require.NoError(t, sec.Close(true))
	require.NoError(t, f.primary.Close())
}

func TestOutOfOrderCopyDispatch(t *testing.T) {
	var f = newPairFixture(t)
	var primaryID = f.primary.id
	var primaryFrom = transport.FromHeader{Address: primaryID.String(), Endpoint: primaryID}

	var id = replication.NewEndpointID(f.partition, 7)
	var sec, err = NewSecondary(testOptions(), id, id.String(), f.epoch, new(memProvider), f.tr, false)
	require.NoError(t, err)
	require.NoError(t, sec.Open())

	sec.ProcessMessage(&transport.Message{
		Action: transport.ActionStartCopy,
		From:   primaryFrom,
		Target: id,
		StartCopy: &transport.StartCopyPayload{
			Epoch:               f.epoch,
			TargetReplicaID:     id.ReplicaID,
			FirstReplicationLsn: 10,
		},
	})

	var copyOp = func(lsn int64, size int, isLast bool) *transport.Message {
		var env = transport.OperationEnvelope{
			Type:    replication.TypeNormal,
			LSN:     lsn,
			Epoch:   f.epoch,
			Buffers: [][]byte{make([]byte, size)},
		}
		if isLast {
			env = transport.OperationEnvelope{
				Type: replication.TypeEndOfStream, LSN: lsn, Epoch: f.epoch, IsLast: true}
		}
		return &transport.Message{
			Action:     transport.ActionCopyOperation,
			From:       primaryFrom,
			Target:     id,
			Epoch:      f.epoch,
			Operations: []transport.OperationEnvelope{env},
		}
	}

	// Copy operations arrive out of order, with 3 never arriving.
	sec.ProcessMessage(copyOp(2, 20, false))
	sec.ProcessMessage(copyOp(1, 10, false))
	sec.ProcessMessage(copyOp(4, 40, false))
	sec.ProcessMessage(copyOp(5, 0, true))

	// The stream yields exactly the contiguous prefix.
	var stream = sec.CopyStream()
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, expect := range []int64{1, 2} {
		var op, err = stream.GetOperation(ctx)
		require.NoError(t, err)
		require.NotNil(t, op)
		assert.Equal(t, expect, op.LSN())
		stream.Acknowledge(op.LSN())
		op.Release()
	}

	sec.mu.Lock()
	assert.Equal(t, int64(2), sec.copyQ.LastCommitted())
	assert.Equal(t, int64(70), sec.copyQ.TotalMemory()) // Ops 1, 2 and 4.
	assert.Equal(t, int64(9), sec.replQ.LastCommitted())
	assert.Equal(t, int64(9), sec.replQ.Last())
	sec.mu.Unlock()
}

func TestSecondaryUpdateEpochWithGap(t *testing.T) {
	var f = newPairFixture(t)
	var primaryID = f.primary.id
	var primaryFrom = transport.FromHeader{Address: primaryID.String(), Endpoint: primaryID}

	var oldEpoch = replication.Epoch{Configuration: 100}
	var newEpoch = replication.Epoch{Configuration: 105}

	var provider = &memProvider{lastCommitted: 9}
	var id = replication.NewEndpointID(f.partition, 8)
	var sec, err = NewSecondary(testOptions(), id, id.String(), oldEpoch, provider, f.tr, false)
	require.NoError(t, err)
	require.NoError(t, sec.Open())

	var drain = new(drainStream)
	go drain.run(sec.ReplicationStream())

	var replOp = func(epoch replication.Epoch, lsn int64) *transport.Message {
		return &transport.Message{
			Action: transport.ActionReplicationOperation,
			From:   primaryFrom,
			Target: id,
			Epoch:  epoch,
			Operations: []transport.OperationEnvelope{{
				Type: replication.TypeNormal, LSN: lsn, Epoch: epoch,
				Buffers: [][]byte{[]byte("x")},
			}},
		}
	}

	sec.ProcessMessage(replOp(oldEpoch, 10))
	sec.ProcessMessage(replOp(oldEpoch, 11))
	sec.ProcessMessage(replOp(oldEpoch, 13)) // Beyond the gap at 12.

	expectEventually(t, func() bool { return len(drain.yielded()) == 2 },
		"contiguous prefix was not dispatched")

	// The epoch advances: operation 13 was sequenced by the superseded
	// primary and is discarded.
	require.NoError(t, sec.UpdateEpoch(context.Background(), newEpoch))

	// The new primary fills the gap under the new epoch.
	sec.ProcessMessage(replOp(newEpoch, 12))

	expectEventually(t, func() bool { return len(drain.yielded()) == 3 },
		"gap fill was not dispatched")
	assert.Equal(t, []int64{10, 11, 12}, drain.yielded())

	// An old-epoch straggler is rejected.
	sec.ProcessMessage(replOp(oldEpoch, 14))
	assert.Equal(t, int64(12), sec.GetCurrentProgress())

	// The progress vector records the old and new epochs.
	var vector = sec.GetProgressVector()
	require.Len(t, vector, 2)
	assert.Equal(t, oldEpoch, vector[0].Epoch)
	assert.Equal(t, newEpoch, vector[1].Epoch)
	assert.Equal(t, int64(11), vector[1].LastLsnInPreviousEpoch)
}

func TestCatchupQuorumModes(t *testing.T) {
	var f = newPairFixture(t)
	var secA, infoA, _ = f.addSecondary(t)

	// Replica B is configured but not yet alive.
	var idB = replication.NewEndpointID(f.partition, f.nextID)
	f.nextID++
	var infoB = replication.ReplicaInfo{ID: idB, Address: idB.String(), CurrentProgress: -1}

	require.NoError(t, f.primary.UpdateCurrentConfiguration(
		[]replication.ReplicaInfo{infoA, infoB}, 2, nil))

	for i := 0; i != 2; i++ {
		var _, _, err = f.primary.Replicate(context.Background(),
			replication.OperationData{Buffers: [][]byte{[]byte("op")}})
		require.NoError(t, err)
	}

	// A write quorum (primary + A) suffices for WRITE_QUORUM...
	var wq = f.primary.WaitForCatchUpQuorum(CatchupWriteQuorum)
	select {
	case <-wq.Done():
		require.NoError(t, wq.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("write-quorum catchup did not complete")
	}

	// ... but ALL must wait for B.
	var all = f.primary.WaitForCatchUpQuorum(CatchupAll)
	select {
	case <-all.Done():
		t.Fatal("all-replica catchup completed with a replica down")
	case <-time.After(250 * time.Millisecond):
	}

	// B comes alive; sender retries deliver the backlog and B acks.
	var secB, err = NewSecondary(testOptions(), idB, idB.String(), f.epoch, new(memProvider), f.tr, false)
	require.NoError(t, err)
	require.NoError(t, secB.Open())
	var drainB = new(drainStream)
	go drainB.run(secB.ReplicationStream())

	select {
	case <-all.Done():
		require.NoError(t, all.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("all-replica catchup did not complete")
	}

	require.NoError(t, secA.Close(true))
	require.NoError(t, secB.Close(true))
	require.NoError(t, f.primary.Close())
}

func TestBuildReplicaCopiesState(t *testing.T) {
	var f = newPairFixture(t)

	var provider = &memProvider{
		copyState: []replication.OperationData{
			{Buffers: [][]byte{[]byte("alpha")}},
			{Buffers: [][]byte{[]byte("beta")}},
			{Buffers: [][]byte{[]byte("gamma")}},
		},
	}
	var primaryID = replication.NewEndpointID(f.partition, 20)
	var primary, err = NewPrimary(testOptions(), primaryID, primaryID.String(), f.epoch, provider, f.tr)
	require.NoError(t, err)
	require.NoError(t, primary.Open())

	var idB = replication.NewEndpointID(f.partition, 21)
	var sec *Secondary
	sec, err = NewSecondary(testOptions(), idB, idB.String(), f.epoch, new(memProvider), f.tr, false)
	require.NoError(t, err)
	require.NoError(t, sec.Open())

	var copyDrain = new(drainStream)
	go copyDrain.run(sec.CopyStream())

	var done *async.CompletionSource
	done, err = primary.BuildReplica(replication.ReplicaInfo{
		ID: idB, Address: idB.String(), CurrentProgress: -1})
	require.NoError(t, err)

	select {
	case <-done.Done():
		require.NoError(t, done.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("build did not complete")
	}

	expectEventually(t, func() bool { return len(copyDrain.yielded()) == 3 },
		"copy stream did not yield all state")
	assert.Equal(t, []int64{1, 2, 3}, copyDrain.yielded())

	copyDrain.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")},
		copyDrain.payloads)
	copyDrain.mu.Unlock()

	require.NoError(t, sec.Close(true))
	require.NoError(t, primary.Close())
}

func TestReplicateAfterCloseFails(t *testing.T) {
	var f = newPairFixture(t)
	require.NoError(t, f.primary.Close())

	var _, _, err = f.primary.Replicate(context.Background(), replication.OperationData{})
	assert.Equal(t, replication.ErrObjectClosed, err)
}

package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.keel.dev/core/replication"
	"go.keel.dev/core/transport"
)

// secondaryFixture drives a Secondary directly, capturing the acks it
// sends to a registered fake primary.
type secondaryFixture struct {
	sec     *Secondary
	primary transport.FromHeader
	epoch   replication.Epoch

	mu   sync.Mutex
	acks []transport.AckPayload
}

func newSecondaryFixture(t *testing.T, opts replication.Options, providerLsn int64) *secondaryFixture {
	var partition = uuid.New()
	var tr = transport.NewInproc()

	var f = &secondaryFixture{epoch: replication.Epoch{Configuration: 1}}
	var primaryID = replication.NewEndpointID(partition, 1)
	f.primary = transport.FromHeader{Address: primaryID.String(), Endpoint: primaryID}

	tr.RegisterProcessor(primaryID, func(m *transport.Message) {
		if m.Ack != nil {
			f.mu.Lock()
			f.acks = append(f.acks, *m.Ack)
			f.mu.Unlock()
		}
	})

	var id = replication.NewEndpointID(partition, 2)
	var sec, err = NewSecondary(opts, id, id.String(), f.epoch,
		&memProvider{lastCommitted: providerLsn}, tr, false)
	require.NoError(t, err)
	require.NoError(t, sec.Open())
	f.sec = sec
	return f
}

func (f *secondaryFixture) replicate(lsns ...int64) {
	for _, lsn := range lsns {
		f.sec.ProcessMessage(&transport.Message{
			Action: transport.ActionReplicationOperation,
			From:   f.primary,
			Target: f.sec.id,
			Epoch:  f.epoch,
			Operations: []transport.OperationEnvelope{{
				Type: replication.TypeNormal, LSN: lsn, Epoch: f.epoch,
				Buffers: [][]byte{[]byte("x")},
			}},
		})
	}
}

func (f *secondaryFixture) lastAck(t *testing.T) transport.AckPayload {
	var deadline = time.Now().Add(5 * time.Second)
	for {
		f.mu.Lock()
		var n = len(f.acks)
		var last transport.AckPayload
		if n != 0 {
			last = f.acks[n-1]
		}
		f.mu.Unlock()
		if n != 0 {
			return last
		}
		if time.Now().After(deadline) {
			t.Fatal("no acknowledgement was sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *secondaryFixture) forceAck() {
	f.sec.ProcessMessage(&transport.Message{
		Action: transport.ActionRequestAck,
		From:   f.primary,
		Target: f.sec.id,
	})
}

func (f *secondaryFixture) clearAcks() {
	f.mu.Lock()
	f.acks = nil
	f.mu.Unlock()
}

func TestSecondaryRequireServiceAckGatesApplied(t *testing.T) {
	var opts = testOptions()
	opts.RequireServiceAck = true
	var f = newSecondaryFixture(t, opts, 9)

	// Operations are buffered and committed, but the service has not
	// acknowledged them: the applied field lags.
	f.replicate(10, 11)
	f.forceAck()

	var ack = f.lastAck(t)
	assert.Equal(t, int64(11), ack.ReplicationReceived)
	assert.Equal(t, int64(9), ack.ReplicationQuorum)

	// The service consumes and acknowledges; applied advances.
	var stream = f.sec.ReplicationStream()
	for i := 0; i != 2; i++ {
		var op, err = stream.GetOperation(context.Background())
		require.NoError(t, err)
		require.NotNil(t, op)
		stream.Acknowledge(op.LSN())
		op.Release()
	}
	f.clearAcks()
	f.forceAck()

	ack = f.lastAck(t)
	assert.Equal(t, int64(11), ack.ReplicationReceived)
	assert.Equal(t, int64(11), ack.ReplicationQuorum)
}

func TestSecondaryOptimisticAckStopsAtCommitted(t *testing.T) {
	var f = newSecondaryFixture(t, testOptions(), 9)

	// Operation 12 sits beyond the gap at 11: even an optimistic
	// secondary acks only through its committed frontier.
	f.replicate(10, 12)
	f.forceAck()

	var ack = f.lastAck(t)
	assert.Equal(t, int64(10), ack.ReplicationReceived)
	assert.Equal(t, int64(10), ack.ReplicationQuorum)
}

func TestSecondaryAckFieldsNeverRegress(t *testing.T) {
	var f = newSecondaryFixture(t, testOptions(), 9)

	f.replicate(10, 11)
	f.forceAck()
	require.Equal(t, int64(11), f.lastAck(t).ReplicationReceived)

	// A forced ack after no new input must still report the same
	// frontiers.
	f.clearAcks()
	f.forceAck()
	var ack = f.lastAck(t)
	assert.Equal(t, int64(11), ack.ReplicationReceived)
	assert.Equal(t, int64(11), ack.ReplicationQuorum)
}

func TestSecondaryReplicationGatedBehindCopy(t *testing.T) {
	var f = newSecondaryFixture(t, testOptions(), 9)

	f.sec.ProcessMessage(&transport.Message{
		Action: transport.ActionStartCopy,
		From:   f.primary,
		Target: f.sec.id,
		StartCopy: &transport.StartCopyPayload{
			Epoch:               f.epoch,
			TargetReplicaID:     f.sec.id.ReplicaID,
			FirstReplicationLsn: 10,
		},
	})
	f.replicate(10)

	// The replication stream yields nothing while the copy is open.
	var ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	var op, err = f.sec.ReplicationStream().GetOperation(ctx)
	cancel()
	assert.Error(t, err)
	assert.Nil(t, op)

	// The copy terminates; replication flows.
	f.sec.ProcessMessage(&transport.Message{
		Action: transport.ActionCopyOperation,
		From:   f.primary,
		Target: f.sec.id,
		Epoch:  f.epoch,
		Operations: []transport.OperationEnvelope{{
			Type: replication.TypeEndOfStream, LSN: 1, Epoch: f.epoch, IsLast: true,
		}},
	})

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err = f.sec.ReplicationStream().GetOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, int64(10), op.LSN())
	f.sec.ReplicationStream().Acknowledge(op.LSN())
	op.Release()
}

func TestSecondaryAbortCloseDeliversSentinel(t *testing.T) {
	var f = newSecondaryFixture(t, testOptions(), 9)
	f.replicate(10)

	// An outstanding stream wait is pending beyond the buffered operation.
	var stream = f.sec.ReplicationStream()
	var got = make(chan *replication.Operation, 2)
	go func() {
		for {
			var op, err = stream.GetOperation(context.Background())
			got <- op
			if err != nil || op == nil {
				return
			}
		}
	}()

	var first = <-got
	require.NotNil(t, first)
	assert.Equal(t, int64(10), first.LSN())
	first.Release() // Deliberately not acknowledged: the close aborts.

	require.NoError(t, f.sec.Close(false))
	assert.Nil(t, <-got) // The wait observes the sentinel.

	// A closed secondary rejects a second close.
	assert.Error(t, f.sec.Close(false))
}

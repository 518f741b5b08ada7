package replication

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochOrdering(t *testing.T) {
	var a = Epoch{DataLoss: 1, Configuration: 5}

	assert.Equal(t, 0, a.Compare(Epoch{DataLoss: 1, Configuration: 5}))
	assert.Equal(t, -1, a.Compare(Epoch{DataLoss: 1, Configuration: 6}))
	assert.Equal(t, 1, a.Compare(Epoch{DataLoss: 1, Configuration: 4}))

	// DataLoss dominates Configuration.
	assert.Equal(t, -1, a.Compare(Epoch{DataLoss: 2, Configuration: 0}))
	assert.Equal(t, 1, a.Compare(Epoch{DataLoss: 0, Configuration: 100}))
}

func TestOperationReferenceCounting(t *testing.T) {
	var released int
	var op = NewOperation(
		Metadata{Type: TypeNormal, LSN: 7},
		OperationData{Buffers: [][]byte{[]byte("abc"), nil, []byte("de")}},
		func() { released++ },
	)
	assert.Equal(t, int64(5), op.Size())
	assert.Equal(t, int64(7), op.LSN())
	assert.False(t, op.IsEndOfStream())

	op.Ref()
	op.Release()
	assert.Zero(t, released)
	op.Release()
	assert.Equal(t, 1, released)
}

func TestEndOfStreamOperation(t *testing.T) {
	var op = NewEndOfStream(12)
	assert.True(t, op.IsEndOfStream())
	assert.Equal(t, int64(12), op.LSN())
	assert.Zero(t, op.Size())
	op.Release()
}

func TestOptionsValidation(t *testing.T) {
	var opts = DefaultOptions()
	require.NoError(t, opts.Validate())

	opts.MaxReplicationQueueSize = 2
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.MaxReplicationQueueSize = 0 // Unbounded by count is legal.
	assert.NoError(t, opts.Validate())

	opts = DefaultOptions()
	opts.RetryInterval = 0
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.MaxPendingAcknowledgements = 0
	assert.Error(t, opts.Validate())
}

func TestEndpointIDIncarnations(t *testing.T) {
	var a = NewEndpointID(uuid.UUID{1}, 42)
	var b = NewEndpointID(uuid.UUID{1}, 42)

	// Same partition and replica, distinct incarnations.
	assert.Equal(t, a.Partition, b.Partition)
	assert.Equal(t, a.ReplicaID, b.ReplicaID)
	assert.NotEqual(t, a.Incarnation, b.Incarnation)
}

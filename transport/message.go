package transport

import (
	"go.keel.dev/core/replication"
)

// FromHeader names the sending replica. Receivers drop messages whose
// Partition does not match their own, or whose Incarnation does not match
// the incarnation they expect of that ReplicaID.
type FromHeader struct {
	Address  string
	Endpoint replication.EndpointID
}

// AckPayload aggregates the four acknowledgement LSNs of a secondary,
// covering both its replication and copy streams, plus an error code for
// stream faults.
type AckPayload struct {
	ReplicationReceived int64
	ReplicationQuorum   int64
	CopyReceived        int64
	CopyQuorum          int64
	ErrorCode           int32
}

// StartCopyPayload opens a copy session on a target replica.
type StartCopyPayload struct {
	Epoch               replication.Epoch
	TargetReplicaID     int64
	FirstReplicationLsn int64
}

// CopyContextAckPayload acknowledges one copy-context operation.
type CopyContextAckPayload struct {
	Lsn       int64
	ErrorCode int32
}

// OperationEnvelope is one operation of a batched message: its metadata,
// sequencing epoch, and payload buffers in order.
type OperationEnvelope struct {
	Type    replication.OperationType
	LSN     int64
	Epoch   replication.Epoch
	Buffers [][]byte
	// IsLast marks the final operation of a copy stream.
	IsLast bool
}

// EnvelopeOf captures |op| as an OperationEnvelope.
func EnvelopeOf(op *replication.Operation, isLast bool) OperationEnvelope {
	return OperationEnvelope{
		Type:    op.Metadata.Type,
		LSN:     op.Metadata.LSN,
		Epoch:   op.Epoch,
		Buffers: op.Data.Buffers,
		IsLast:  isLast,
	}
}

// ToOperation materializes the envelope as a fresh Operation holding one
// reference.
func (e OperationEnvelope) ToOperation() *replication.Operation {
	var op = replication.NewOperation(
		replication.Metadata{Type: e.Type, LSN: e.LSN},
		replication.OperationData{Buffers: e.Buffers},
		nil,
	)
	op.Epoch = e.Epoch
	return op
}

// Message is one tagged transport message. Exactly the payload fields
// appropriate to its Action are set.
type Message struct {
	Action Action
	From   FromHeader
	Target replication.EndpointID

	// Epoch of the sending primary, on operation-bearing actions.
	Epoch replication.Epoch
	// CompletedLsn advises the receiver of the sender's completed
	// frontier, on operation-bearing actions.
	CompletedLsn int64

	// Operations batched into this message, on operation-bearing actions.
	// A single message may carry several replication operations; copy and
	// copy-context messages carry exactly one.
	Operations []OperationEnvelope

	Ack            *AckPayload            // ActionReplicationAck.
	StartCopy      *StartCopyPayload      // ActionStartCopy.
	CopyContextAck *CopyContextAckPayload // ActionCopyContextAck.
}

// Size returns the summed payload bytes of the message's operations.
func (m *Message) Size() int64 {
	var n int64
	for _, e := range m.Operations {
		for _, b := range e.Buffers {
			n += int64(len(b))
		}
	}
	return n
}

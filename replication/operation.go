package replication

import (
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// OperationType discriminates regular payload-bearing operations from
// stream sentinels.
type OperationType int

const (
	// TypeNormal is a payload-bearing operation.
	TypeNormal OperationType = iota
	// TypeEndOfStream is a zero-payload sentinel which terminates a copy
	// or replication stream.
	TypeEndOfStream
)

func (t OperationType) String() string {
	switch t {
	case TypeNormal:
		return "normal"
	case TypeEndOfStream:
		return "endOfStream"
	default:
		return fmt.Sprintf("OperationType(%d)", int(t))
	}
}

// Metadata describes an operation independent of its payload.
type Metadata struct {
	Type OperationType
	LSN  int64
}

// OperationData is the raw, un-sequenced payload a service hands to
// Replicate, or a state provider emits from a copy stream. A nil or empty
// Buffers is legal and indicates a payload-less operation; individual
// zero-length buffers are also legal.
type OperationData struct {
	Buffers [][]byte
}

// Size returns the total payload size in bytes.
func (d *OperationData) Size() int64 {
	if d == nil {
		return 0
	}
	var n int64
	for _, b := range d.Buffers {
		n += int64(len(b))
	}
	return n
}

// Operation is a sequenced, reference-counted operation. It is created
// with one reference owned by the caller. Components which retain the
// Operation beyond the call (queues, senders, streams) Ref it, and Release
// when done. The final Release invokes the release hook exactly once.
type Operation struct {
	Metadata Metadata
	Data     OperationData
	// Epoch of the primary which sequenced this operation, when known.
	Epoch Epoch

	refs    int32
	release func()
}

// NewOperation returns an Operation of |md| and |data| holding a single
// reference. |release| may be nil, and otherwise runs on the final Release.
func NewOperation(md Metadata, data OperationData, release func()) *Operation {
	return &Operation{
		Metadata: md,
		Data:     data,
		refs:     1,
		release:  release,
	}
}

// NewEndOfStream returns a payload-less end-of-stream Operation at |lsn|.
func NewEndOfStream(lsn int64) *Operation {
	return NewOperation(Metadata{Type: TypeEndOfStream, LSN: lsn}, OperationData{}, nil)
}

// LSN returns the operation's sequence number.
func (op *Operation) LSN() int64 { return op.Metadata.LSN }

// Size returns the operation's payload size in bytes.
func (op *Operation) Size() int64 { return op.Data.Size() }

// IsEndOfStream returns whether the operation is a stream sentinel.
func (op *Operation) IsEndOfStream() bool { return op.Metadata.Type == TypeEndOfStream }

// Ref acquires an additional reference.
func (op *Operation) Ref() *Operation {
	atomic.AddInt32(&op.refs, 1)
	return op
}

// Release drops a reference, running the release hook on the last. A
// negative count indicates a double-release and is fatal.
func (op *Operation) Release() {
	switch n := atomic.AddInt32(&op.refs, -1); {
	case n == 0:
		if op.release != nil {
			op.release()
		}
	case n < 0:
		log.WithFields(log.Fields{
			"lsn":  op.Metadata.LSN,
			"refs": n,
		}).Panic("operation over-released")
	}
}

package replication

import "context"

// CopyStream is a pull-based enumerator of copy operations. Next returns
// the next OperationData, or (nil, nil) when the stream is exhausted.
// Implementations may block; they must honor |ctx| cancellation.
type CopyStream interface {
	Next(ctx context.Context) (*OperationData, error)
}

// Provider is the state-provider contract a replicated service implements.
// The replicator drives the provider; the provider never calls back into
// the replicator.
type Provider interface {
	// GetLastCommittedSequenceNumber returns the highest LSN the service
	// has durably applied.
	GetLastCommittedSequenceNumber() int64

	// UpdateEpoch informs the provider of a new epoch, and of the last LSN
	// sequenced under the previous one.
	UpdateEpoch(ctx context.Context, epoch Epoch, previousEpochLastLsn int64) error

	// OnDataLoss notifies the provider that data loss may have occurred.
	// It returns true if the provider changed its state in response.
	OnDataLoss(ctx context.Context) (bool, error)

	// GetCopyContext returns the replica's copy-context stream, or nil for
	// a volatile service with no context to convey.
	GetCopyContext() CopyStream

	// GetCopyState returns a stream of copy operations which bring a
	// target replica up to |uptoLsn|. |copyContext| is the enumerated copy
	// context received from the target, or nil.
	GetCopyState(uptoLsn int64, copyContext CopyStream) (CopyStream, error)
}

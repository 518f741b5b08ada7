package replication

import (
	"time"

	"github.com/pkg/errors"
)

// Options parameterize a replicator instance. Fields carry go-flags tags so
// that embedding applications can expose them directly as command-line and
// environment configuration.
type Options struct {
	InitialReplicationQueueSize int64 `long:"initial-replication-queue-size" default:"64" description:"Initial capacity of the primary replication queue (power of two)."`
	MaxReplicationQueueSize     int64 `long:"max-replication-queue-size" default:"1024" description:"Maximum capacity of the primary replication queue. 0 means unbounded by count."`
	// MaxReplicationQueueMemorySize bounds the total payload bytes held by
	// the primary replication queue. 0 disables the memory bound.
	MaxReplicationQueueMemorySize int64 `long:"max-replication-queue-memory-size" default:"0" description:"Memory bound in bytes of the primary replication queue. 0 disables."`

	InitialCopyQueueSize int64 `long:"initial-copy-queue-size" default:"64" description:"Initial capacity of the secondary copy queue."`
	MaxCopyQueueSize     int64 `long:"max-copy-queue-size" default:"1024" description:"Maximum capacity of the secondary copy queue."`

	InitialSecondaryReplicationQueueSize   int64 `long:"initial-secondary-replication-queue-size" default:"64" description:"Initial capacity of the secondary replication queue."`
	MaxSecondaryReplicationQueueSize       int64 `long:"max-secondary-replication-queue-size" default:"2048" description:"Maximum capacity of the secondary replication queue."`
	MaxSecondaryReplicationQueueMemorySize int64 `long:"max-secondary-replication-queue-memory-size" default:"0" description:"Memory bound in bytes of the secondary replication queue. 0 disables."`

	// MaxPrimaryReplicationQueueSize and MaxPrimaryReplicationQueueMemorySize
	// bound the completed window retained by the primary queue for catch-up
	// of lagging secondaries.
	MaxPrimaryReplicationQueueSize       int64 `long:"max-primary-replication-queue-size" default:"1024" description:"Completed-window size of the primary queue."`
	MaxPrimaryReplicationQueueMemorySize int64 `long:"max-primary-replication-queue-memory-size" default:"0" description:"Completed-window memory bound of the primary queue. 0 disables."`

	RetryInterval                time.Duration `long:"retry-interval" default:"5s" description:"Interval between re-sends of unacknowledged operations."`
	BatchAcknowledgementInterval time.Duration `long:"batch-acknowledgement-interval" default:"15ms" description:"Interval on which the secondary flushes batched acknowledgements."`
	QueueHealthMonitoringInterval time.Duration `long:"queue-health-monitoring-interval" default:"30s" description:"Interval on which queue utilization is sampled. 0 disables."`
	SlowApiMonitoringInterval     time.Duration `long:"slow-api-monitoring-interval" default:"2m" description:"Interval after which a pending provider call is logged as slow. 0 disables."`

	// RequireServiceAck requires the service to acknowledge each operation
	// before the secondary acknowledges it back to the primary. When false
	// the secondary acks optimistically on commit.
	RequireServiceAck bool `long:"require-service-ack" description:"Acknowledge to the primary only after the service acknowledges."`
	// SecondaryClearAcknowledgedOperations releases secondary queue
	// operations as soon as they complete, rather than retaining a
	// completed window.
	SecondaryClearAcknowledgedOperations bool `long:"secondary-clear-acknowledged-operations" description:"Release secondary operations immediately upon completion."`

	MaxPendingAcknowledgements int64 `long:"max-pending-acknowledgements" default:"64" description:"Pending-ack count which forces an immediate acknowledgement flush."`
	MaxReplicationMessageSize  int64 `long:"max-replication-message-size" default:"52428800" description:"Maximum size in bytes of a single batched replication message."`

	ReplicatorListenAddress  string `long:"replicator-listen-address" default:"127.0.0.1:0" description:"Address the replicator transport listens on."`
	ReplicatorPublishAddress string `long:"replicator-publish-address" description:"Address advertised to peers. Defaults to the listen address."`

	UseStreamFaultsAndEndOfStreamOperationAck bool `long:"use-stream-faults-and-end-of-stream-operation-ack" description:"Surface stream faults and require acknowledgement of end-of-stream operations."`
}

// DefaultOptions returns Options with the same defaults go-flags would
// apply, for programmatic construction.
func DefaultOptions() Options {
	return Options{
		InitialReplicationQueueSize:          64,
		MaxReplicationQueueSize:              1024,
		InitialCopyQueueSize:                 64,
		MaxCopyQueueSize:                     1024,
		InitialSecondaryReplicationQueueSize: 64,
		MaxSecondaryReplicationQueueSize:     2048,
		MaxPrimaryReplicationQueueSize:       1024,
		RetryInterval:                        5 * time.Second,
		BatchAcknowledgementInterval:         15 * time.Millisecond,
		QueueHealthMonitoringInterval:        30 * time.Second,
		SlowApiMonitoringInterval:            2 * time.Minute,
		MaxPendingAcknowledgements:           64,
		MaxReplicationMessageSize:            50 << 20,
		ReplicatorListenAddress:              "127.0.0.1:0",
	}
}

// Validate returns an error if the Options are malformed.
func (o *Options) Validate() error {
	if o.InitialReplicationQueueSize <= 0 {
		return errors.New("InitialReplicationQueueSize must be positive")
	} else if o.MaxReplicationQueueSize != 0 && o.MaxReplicationQueueSize < o.InitialReplicationQueueSize {
		return errors.New("MaxReplicationQueueSize is less than InitialReplicationQueueSize")
	} else if o.InitialCopyQueueSize <= 0 {
		return errors.New("InitialCopyQueueSize must be positive")
	} else if o.MaxCopyQueueSize != 0 && o.MaxCopyQueueSize < o.InitialCopyQueueSize {
		return errors.New("MaxCopyQueueSize is less than InitialCopyQueueSize")
	} else if o.InitialSecondaryReplicationQueueSize <= 0 {
		return errors.New("InitialSecondaryReplicationQueueSize must be positive")
	} else if o.MaxSecondaryReplicationQueueSize != 0 &&
		o.MaxSecondaryReplicationQueueSize < o.InitialSecondaryReplicationQueueSize {
		return errors.New("MaxSecondaryReplicationQueueSize is less than InitialSecondaryReplicationQueueSize")
	} else if o.RetryInterval <= 0 {
		return errors.New("RetryInterval must be positive")
	} else if o.BatchAcknowledgementInterval <= 0 {
		return errors.New("BatchAcknowledgementInterval must be positive")
	} else if o.MaxPendingAcknowledgements <= 0 {
		return errors.New("MaxPendingAcknowledgements must be positive")
	} else if o.MaxReplicationMessageSize <= 0 {
		return errors.New("MaxReplicationMessageSize must be positive")
	}
	return nil
}

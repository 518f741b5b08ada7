package replication

import (
	"fmt"

	"github.com/google/uuid"
)

// EndpointID uniquely identifies one incarnation of one replica of a
// partition. ReplicaID alone is insufficient: a replica which is dropped
// and later rebuilt on the same node re-uses its ReplicaID but receives a
// fresh Incarnation. Receivers filter incoming messages on the full
// EndpointID to prevent a previous incarnation's in-flight messages from
// corrupting its successor.
type EndpointID struct {
	Partition   uuid.UUID
	ReplicaID   int64
	Incarnation uuid.UUID
}

// NewEndpointID returns an EndpointID of |partition| and |replicaID| with a
// freshly drawn Incarnation.
func NewEndpointID(partition uuid.UUID, replicaID int64) EndpointID {
	return EndpointID{
		Partition:   partition,
		ReplicaID:   replicaID,
		Incarnation: uuid.New(),
	}
}

func (id EndpointID) String() string {
	return fmt.Sprintf("%s/%d/%s", id.Partition, id.ReplicaID, id.Incarnation)
}

// ReplicaInfo describes one replica of a configuration, as supplied to
// UpdateConfiguration and BuildReplica.
type ReplicaInfo struct {
	ID EndpointID
	// Address at which the replica's transport processor is registered.
	Address string
	// CurrentProgress is the replica's last known received LSN, or -1 if
	// unknown.
	CurrentProgress int64
	// MustCatchUp is set for an idle replica being promoted to active,
	// which must reach quorum before catch-up completes.
	MustCatchUp bool
}

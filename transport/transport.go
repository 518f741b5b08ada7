// Package transport defines the tagged-message contract between replicas,
// and provides two implementations: an in-process loopback used by tests
// and single-process deployments, and a TCP transport with length-prefixed
// frames and xxhash digests.
//
// Messages are identified by an Action and carry a FromHeader naming the
// sending replica's full endpoint identity. Receivers are registered as
// processors of a target endpoint; the transport routes on the target and
// leaves sender filtering (partition and incarnation checks) to the
// processor, which knows the identity it expects.
package transport

import (
	"sync"

	"github.com/pkg/errors"

	"go.keel.dev/core/replication"
)

// Action identifies the kind of a message.
type Action string

// The complete set of message actions.
const (
	ActionReplicationOperation Action = "ReplicationOperation"
	ActionCopyOperation        Action = "CopyOperation"
	ActionCopyContextOperation Action = "CopyContextOperation"
	ActionStartCopy            Action = "StartCopy"
	ActionReplicationAck       Action = "ReplicationAck"
	ActionCopyContextAck       Action = "CopyContextAck"
	ActionRequestAck           Action = "RequestAck"
)

// Processor handles messages delivered to a registered endpoint. It is
// invoked on a transport-owned goroutine and must not block indefinitely.
type Processor func(msg *Message)

// Transport sends tagged messages to a target address and delivers
// incoming messages to registered processors.
type Transport interface {
	// Send delivers |msg| toward |address|. Delivery is best-effort:
	// transport failures surface as an error and the caller's retry layer
	// is responsible for eventual delivery.
	Send(address string, msg *Message) error
	// RegisterProcessor routes messages targeting |endpoint| to |p|, and
	// returns a function which removes the registration.
	RegisterProcessor(endpoint replication.EndpointID, p Processor) (unregister func())
}

// ErrNoProcessor is returned by Send when no processor is registered for
// the message's target.
var ErrNoProcessor = errors.New("no processor registered for target")

// Inproc is a loopback Transport: processors are addressed by their
// endpoint string and messages are delivered asynchronously on a fresh
// goroutine, preserving per-sender call order is NOT guaranteed -- exactly
// as with a real network, receivers must order by LSN.
type Inproc struct {
	mu    sync.Mutex
	procs map[string]Processor
}

// NewInproc returns an empty loopback transport.
func NewInproc() *Inproc {
	return &Inproc{procs: make(map[string]Processor)}
}

// RegisterProcessor implements Transport.
func (t *Inproc) RegisterProcessor(endpoint replication.EndpointID, p Processor) func() {
	var key = endpoint.String()

	t.mu.Lock()
	t.procs[key] = p
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.procs, key)
		t.mu.Unlock()
	}
}

// Send implements Transport. The address of an Inproc target is its
// endpoint string.
func (t *Inproc) Send(address string, msg *Message) error {
	t.mu.Lock()
	var p, ok = t.procs[address]
	t.mu.Unlock()

	if !ok {
		return errors.WithMessage(ErrNoProcessor, address)
	}
	go p(msg)
	return nil
}

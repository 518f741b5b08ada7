// Package replication defines the shared domain model of the keel
// replication runtime: reference-counted operations and their metadata,
// epochs identifying primary generations, replica endpoint identities,
// the state-provider contract which services implement, runtime options,
// and the error taxonomy shared by all components.
//
// Components layered atop this package (queue, sender, replicator) hold
// *Operation values and pass them by reference. An Operation is created
// with a single reference owned by the caller; every additional holder
// must Ref it, and every holder Releases when done. The last Release
// invokes the operation's release hook, allowing pooled buffers to be
// returned. Holding an Operation after releasing it is a bug.
package replication

// Package crdt defines the mergeable document capability the sync engine is
// built on. The engine never looks inside document content; it moves opaque
// byte buffers between replicas and trusts the underlying CRDT library to
// merge them deterministically.
package crdt

// Document is one replica of a mergeable document. Updates are opaque binary
// deltas. Applying the same update twice, or applying concurrent updates in
// any order, must converge to the same state; that guarantee belongs to the
// CRDT library, not to callers of this interface.
type Document interface {
	// ApplyUpdate merges an update produced by another replica.
	ApplyUpdate(update []byte) error

	// EncodeState returns the full serialized state of the document,
	// itself applicable as an update on any other replica.
	EncodeState() ([]byte, error)

	// EncodeStateVector returns a compact summary of the updates this
	// replica has already seen.
	EncodeStateVector() ([]byte, error)

	// DiffSince returns the updates missing from a replica that reported
	// the given state vector. An empty vector requests the full history.
	DiffSince(vector []byte) ([]byte, error)
}

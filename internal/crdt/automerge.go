package crdt

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

const changeHashSize = 32

// AutomergeDocument adapts an automerge doc to the Document interface.
//
// Automerge has no separate state-vector notion; the document heads are its
// summary of seen history, so the state vector is encoded as the
// concatenation of the head change hashes.
type AutomergeDocument struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// NewAutomergeDocument returns an empty automerge-backed document.
func NewAutomergeDocument() *AutomergeDocument {
	return &AutomergeDocument{doc: automerge.New()}
}

// ApplyUpdate merges an update into the document. The update may be an
// incremental change set or a full document save; automerge accepts both.
func (d *AutomergeDocument) ApplyUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// EncodeState returns the full document save.
func (d *AutomergeDocument) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save(), nil
}

// EncodeStateVector returns the document heads as concatenated change hashes.
func (d *AutomergeDocument) EncodeStateVector() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	vector := make([]byte, 0, len(heads)*changeHashSize)
	for _, h := range heads {
		vector = append(vector, h[:]...)
	}
	return vector, nil
}

// DiffSince returns the changes a peer at the given heads is missing. Heads
// this document does not know about degrade to a full-state diff, which
// still merges cleanly on the peer's side.
func (d *AutomergeDocument) DiffSince(vector []byte) ([]byte, error) {
	heads, err := decodeHeads(vector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return d.doc.Save(), nil
	}
	var diff []byte
	for _, c := range changes {
		diff = append(diff, c.Save()...)
	}
	return diff, nil
}

func decodeHeads(vector []byte) ([]automerge.ChangeHash, error) {
	if len(vector)%changeHashSize != 0 {
		return nil, fmt.Errorf("malformed state vector: length %d is not a multiple of %d", len(vector), changeHashSize)
	}
	heads := make([]automerge.ChangeHash, 0, len(vector)/changeHashSize)
	for i := 0; i < len(vector); i += changeHashSize {
		var h automerge.ChangeHash
		copy(h[:], vector[i:i+changeHashSize])
		heads = append(heads, h)
	}
	return heads, nil
}

// Package registry owns the lifetime of live document replicas.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/penflow/syncd/internal/crdt"
	"github.com/penflow/syncd/internal/updatelog"
)

// Factory builds an empty mergeable document for a new replica.
type Factory func() crdt.Document

// Replica is the live in-memory copy of one document. All mutation goes
// through ApplyUpdate; subscribers observe every applied update in
// application order.
type Replica struct {
	name string

	mu       sync.Mutex
	doc      crdt.Document
	onUpdate []func(update []byte)
}

// Name returns the document name the replica is bound to.
func (r *Replica) Name() string { return r.name }

// ApplyUpdate merges an update into the replica and notifies subscribers.
// Notification happens under the replica lock so subscribers see updates in
// exactly the order they were applied.
func (r *Replica) ApplyUpdate(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.ApplyUpdate(update); err != nil {
		return err
	}
	for _, fn := range r.onUpdate {
		fn(update)
	}
	return nil
}

// State returns the full serialized document state.
func (r *Replica) State() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeState()
}

// StateVector returns the replica's own state vector.
func (r *Replica) StateVector() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateVector()
}

// DiffSince returns the updates a peer with the given state vector is missing.
func (r *Replica) DiffSince(vector []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.DiffSince(vector)
}

// OnUpdate registers a subscriber for applied updates.
func (r *Replica) OnUpdate(fn func(update []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = append(r.onUpdate, fn)
}

// Registry maps document names to live replicas. Replicas are materialized
// from the update log on first access and kept warm until shutdown; the log
// already makes them durable, so idle replicas are never evicted.
type Registry struct {
	log     *updatelog.Log
	factory Factory
	logger  *slog.Logger

	mu   sync.Mutex
	docs map[string]*entry
}

// entry pairs a replica with its in-flight load so that concurrent callers
// for the same name await a single load instead of issuing duplicates.
type entry struct {
	ready   chan struct{}
	replica *Replica
}

// New builds a registry persisting through log and creating documents with
// factory.
func New(log *updatelog.Log, factory Factory, logger *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		factory: factory,
		logger:  logger,
		docs:    make(map[string]*entry),
	}
}

// GetOrCreate returns the live replica for a document, materializing it from
// the update log on first access. It never fails: a broken load degrades to
// an empty replica, which peers holding newer state will resync over the
// protocol.
func (r *Registry) GetOrCreate(ctx context.Context, name string) *Replica {
	r.mu.Lock()
	e, ok := r.docs[name]
	if ok {
		r.mu.Unlock()
		<-e.ready
		return e.replica
	}
	e = &entry{ready: make(chan struct{})}
	r.docs[name] = e
	r.mu.Unlock()

	e.replica = r.load(name)
	close(e.ready)
	return e.replica
}

func (r *Registry) load(name string) *Replica {
	rep := &Replica{name: name, doc: r.factory()}

	updates, err := r.log.Load(name)
	if err != nil {
		r.logger.Warn("failed to load persisted state, starting empty",
			"document", name, "error", err)
	}
	for _, update := range updates {
		if err := rep.doc.ApplyUpdate(update); err != nil {
			r.logger.Warn("skipping unreadable persisted update",
				"document", name, "error", err)
		}
	}

	// Every update applied from here on goes back into the log.
	rep.OnUpdate(func(update []byte) {
		if err := r.log.Enqueue(name, update); err != nil {
			r.logger.Error("failed to enqueue update for persistence",
				"document", name, "error", err)
		}
	})

	r.logger.Info("document replica materialized",
		"document", name, "persisted_updates", len(updates))
	return rep
}

// Len reports the number of live replicas.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Package updatelog persists document updates in an append-only log keyed by
// document name, backed by BoltDB.
package updatelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.etcd.io/bbolt"
)

// ErrClosed indicates the log has been shut down and accepts no more appends.
var ErrClosed = errors.New("update log closed")

var bucketUpdates = []byte("updates")

// queueSize bounds the number of in-flight appends per document.
const queueSize = 256

// Log is an append-only store of document updates. Appends for one document
// are funneled through a per-document FIFO queue with a single consumer, so
// records land in the log in the order the updates were applied to the
// in-memory replica, independent of write latency.
type Log struct {
	db     *bbolt.DB
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan []byte
	closed bool
	wg     sync.WaitGroup
}

// Open opens or creates the log database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open update log: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUpdates)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize update log: %w", err)
	}

	return &Log{
		db:     db,
		logger: logger,
		queues: make(map[string]chan []byte),
	}, nil
}

// Load returns every persisted update for a document in append order. A
// document with no history yields no updates and no error.
func (l *Log) Load(name string) ([][]byte, error) {
	var updates [][]byte
	err := l.db.View(func(tx *bbolt.Tx) error {
		doc := tx.Bucket(bucketUpdates).Bucket([]byte(name))
		if doc == nil {
			return nil
		}
		return doc.ForEach(func(_, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			updates = append(updates, cp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load updates for %q: %w", name, err)
	}
	return updates, nil
}

// Append writes one update synchronously. Most callers should go through
// Enqueue, which preserves ordering under concurrent producers.
func (l *Log) Append(name string, update []byte) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		doc, err := tx.Bucket(bucketUpdates).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		seq, err := doc.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return doc.Put(key, update)
	})
	if err != nil {
		return fmt.Errorf("failed to append update for %q: %w", name, err)
	}
	return nil
}

// Enqueue schedules an update for appending. The first enqueue for a
// document starts its consumer goroutine. A full queue blocks the caller;
// backpressure is preferred over reordering or dropping records.
func (l *Log) Enqueue(name string, update []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	q, ok := l.queues[name]
	if !ok {
		q = make(chan []byte, queueSize)
		l.queues[name] = q
		l.wg.Add(1)
		go l.consume(name, q)
	}
	q <- update
	return nil
}

func (l *Log) consume(name string, q chan []byte) {
	defer l.wg.Done()
	for update := range q {
		if err := l.Append(name, update); err != nil {
			// Durability is degraded, not correctness: the in-memory
			// replica already carries the update and keeps serving
			// its peers.
			l.logger.Error("failed to persist update", "document", name, "error", err)
		}
	}
}

// Close drains every queue, waits for in-flight appends, and closes the
// database. Enqueue returns ErrClosed afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()

	l.wg.Wait()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close update log: %w", err)
	}
	return nil
}

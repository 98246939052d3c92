// Package embedq provides the bounded work queue and background worker that
// attach embedding vectors to newly created learnings without ever blocking
// the turn that created them.
package embedq

import (
	"log/slog"
	"sync"
)

// DefaultCapacity is the default queue bound.
const DefaultCapacity = 256

// Queue is a bounded FIFO of learning IDs awaiting embedding, with an O(1)
// membership set mirroring the queue contents so duplicate puts are no-ops.
//
// All methods are safe for concurrent use: the queue sits between the
// synchronous append path and the background worker. A single lock around
// every mutation is enough at the contention levels involved.
type Queue struct {
	mu       sync.Mutex
	ids      []string
	pending  map[string]struct{}
	capacity int
	log      *slog.Logger
}

// QueueOption is a functional option for [NewQueue].
type QueueOption func(*Queue)

// WithQueueLogger sets the logger. Defaults to [slog.Default].
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// NewQueue returns a queue bounded at capacity entries. A non-positive
// capacity uses [DefaultCapacity].
func NewQueue(capacity int, opts ...QueueOption) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		pending:  make(map[string]struct{}, capacity),
		capacity: capacity,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Put enqueues id and reports whether it was accepted. Puts never block: a
// duplicate or a full queue is a logged no-op, because embeddings are an
// enrichment rather than a correctness requirement and the append path must
// not stall on them.
func (q *Queue) Put(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.pending[id]; queued {
		return false
	}
	if len(q.ids) >= q.capacity {
		q.log.Debug("embed queue full, dropping id", "id", id, "capacity", q.capacity)
		return false
	}
	q.ids = append(q.ids, id)
	q.pending[id] = struct{}{}
	return true
}

// GetBatch atomically removes and returns up to n ids in FIFO order.
func (q *Queue) GetBatch(n int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.ids) {
		n = len(q.ids)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]string, n)
	copy(batch, q.ids[:n])
	q.ids = q.ids[n:]
	for _, id := range batch {
		delete(q.pending, id)
	}
	return batch
}

// Len returns the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Contains reports whether id is currently queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}

package embedq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/provider/embeddings"
)

// Defaults for [NewWorker].
const (
	DefaultBatchSize    = 16
	DefaultPollInterval = 2 * time.Second
	DefaultRetryBackoff = 5 * time.Second
)

// Worker is the background loop that drains the queue, resolves ids to
// learnings, embeds them in provider batches, and writes the vectors back
// onto the graph.
//
// Provider failures are recovered locally: the whole batch is re-enqueued and
// the loop backs off before the next attempt. The provider reports only
// whole-batch failure, so there is nothing finer to retry. Failures are never
// surfaced to the appending caller; the agent just gets less-embedded context
// until the provider recovers.
type Worker struct {
	queue    *Queue
	graph    *memory.Graph
	provider embeddings.Provider

	batchSize    int
	pollInterval time.Duration
	retryBackoff time.Duration
	onEmbedded   func(count int)
	log          *slog.Logger
}

// WorkerOption is a functional option for [NewWorker].
type WorkerOption func(*Worker)

// WithBatchSize sets how many ids are pulled per provider call.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithPollInterval sets how long the loop sleeps when the queue is empty.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithRetryBackoff sets how long the loop sleeps after a provider failure.
func WithRetryBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retryBackoff = d
		}
	}
}

// WithWorkerLogger sets the logger. Defaults to [slog.Default].
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

// WithOnEmbedded registers a callback invoked with the number of learnings
// embedded after each successful batch. Used for metrics.
func WithOnEmbedded(fn func(count int)) WorkerOption {
	return func(w *Worker) { w.onEmbedded = fn }
}

// NewWorker builds a worker over the given queue, graph and provider.
func NewWorker(q *Queue, g *memory.Graph, p embeddings.Provider, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        q,
		graph:        g,
		provider:     p,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		retryBackoff: DefaultRetryBackoff,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run processes batches until ctx is cancelled. Cancellation is observed
// between batches and inside the provider call, so shutdown waits for at most
// one in-flight provider request. Always returns nil once stopped; the loop
// has no fatal errors by design.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		embedded, err := w.Tick(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			if !sleep(ctx, w.retryBackoff) {
				return nil
			}
		case embedded == 0:
			if !sleep(ctx, w.pollInterval) {
				return nil
			}
		}
	}
}

// Tick runs one worker iteration: pull a batch, embed it, write vectors
// back. Returns how many learnings got embeddings. A provider failure
// re-enqueues every attempted id and is returned so [Run] can back off;
// callers driving Tick directly (tests, manual flushes) see the same
// behavior.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	batch := w.queue.GetBatch(w.batchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	// Resolve ids, skipping learnings that vanished or were already embedded.
	ids := make([]string, 0, len(batch))
	texts := make([]string, 0, len(batch))
	for _, id := range batch {
		l, ok := w.graph.Learning(id)
		if !ok || l.HasEmbedding() {
			continue
		}
		ids = append(ids, id)
		texts = append(texts, l.Fact)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	vecs, err := w.provider.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(ids) {
		for _, id := range ids {
			w.queue.Put(id)
		}
		w.log.Warn("embed batch failed, re-enqueued",
			"batch", len(ids), "model", w.provider.ModelID(), "err", err)
		if err == nil {
			err = errShortBatch
		}
		return 0, err
	}

	embedded := 0
	for i, id := range ids {
		if w.graph.SetLearningEmbedding(id, vecs[i]) {
			embedded++
		}
	}
	if w.onEmbedded != nil && embedded > 0 {
		w.onEmbedded(embedded)
	}
	w.log.Debug("embedded learnings", "count", embedded)
	return embedded, nil
}

// errShortBatch covers a provider returning fewer vectors than texts without
// an error, which the worker treats the same as a failed batch.
var errShortBatch = errors.New("embedq: provider returned short batch")

// sleep waits for d or until ctx is done; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

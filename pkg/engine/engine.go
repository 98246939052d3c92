// Package engine wires the memory subsystems into one handle: the
// conversation graph, tier lifecycle, external event store, episode log,
// embedding enrichment, and retrieval. Collaborators (prompt construction,
// integrations, the maintenance scheduler) talk to an [Engine] rather than
// to the parts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/memkeep/memkeep/internal/observe"
	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/memory/codec"
	"github.com/memkeep/memkeep/pkg/memory/embedq"
	"github.com/memkeep/memkeep/pkg/memory/episodes"
	"github.com/memkeep/memkeep/pkg/memory/events"
	"github.com/memkeep/memkeep/pkg/memory/retrieval"
	"github.com/memkeep/memkeep/pkg/memory/tier"
	"github.com/memkeep/memkeep/pkg/provider/embeddings"
)

// Defaults for [Config] fields left zero.
const (
	DefaultHotMaxTurns = 50
	DefaultFlushEvery  = 10
)

// Config assembles an [Engine]. Root and Session are required; everything
// else has a sensible zero behaviour.
type Config struct {
	// Root is the storage root directory.
	Root string

	// Session names the conversation; the graph snapshot lives at
	// turns/recent/<Session>.json.
	Session string

	// HotMaxTurns bounds the hot tier. Defaults to [DefaultHotMaxTurns].
	HotMaxTurns int

	// FlushEvery snapshots the graph after this many appended turns.
	// Defaults to [DefaultFlushEvery].
	FlushEvery int

	// MaxContentLen truncates turn bodies at demotion time. 0 keeps the
	// codec default.
	MaxContentLen int

	// ArchiveScheme selects shard compression ("zstd" or "gzip"). Empty
	// prefers zstd.
	ArchiveScheme string

	// Embedder enables embedding enrichment and semantic retrieval. Nil
	// disables both; retrieval scores lexically.
	Embedder embeddings.Provider

	// EmbedQueueSize, EmbedBatchSize, EmbedPollInterval and
	// EmbedRetryBackoff tune the enrichment worker. Zeros keep the embedq
	// defaults.
	EmbedQueueSize    int
	EmbedBatchSize    int
	EmbedPollInterval time.Duration
	EmbedRetryBackoff time.Duration

	// RerankLoader lazily constructs the cross-encoder scorer. Nil leaves
	// reranking permanently disabled.
	RerankLoader retrieval.ScorerLoader

	// RerankMinCandidates, RerankCacheTTL and RerankCacheSize tune the
	// reranker. Zeros keep the retrieval defaults.
	RerankMinCandidates int
	RerankCacheTTL      time.Duration
	RerankCacheSize     int64

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine is the assembled memory engine for one session.
type Engine struct {
	log     *slog.Logger
	metrics *observe.Metrics

	graph     *memory.Graph
	tiers     *tier.Manager
	events    *events.Store
	episodes  *episodes.Log
	queue     *embedq.Queue
	retriever *retrieval.Retriever
	reranker  *retrieval.Reranker

	snapshotPath string
	flushEvery   int
	hotMax       int

	mu          sync.Mutex
	unflushed   int
	lastDepth   int64
	workerStop  context.CancelFunc
	workerDone  chan struct{}
	hasEmbedder bool
}

// Open loads (or starts) the session graph and wires every subsystem under
// cfg.Root. When cfg.Embedder is set the background enrichment worker starts
// immediately; [Engine.Close] stops it.
func Open(cfg Config) (*Engine, error) {
	if cfg.Root == "" {
		return nil, errors.New("engine: Root is required")
	}
	if cfg.Session == "" {
		return nil, errors.New("engine: Session is required")
	}
	if cfg.HotMaxTurns <= 0 {
		cfg.HotMaxTurns = DefaultHotMaxTurns
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}

	snapshotPath := filepath.Join(cfg.Root, "turns", "recent", cfg.Session+".json")
	graph, err := memory.Load(snapshotPath)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		graph = memory.NewGraph()
		log.Info("starting fresh session", "session", cfg.Session)
	case err != nil:
		return nil, fmt.Errorf("engine: load session %q: %w", cfg.Session, err)
	default:
		log.Info("restored session snapshot",
			"session", cfg.Session, "turns", graph.Len(), "hot", graph.HotCount())
	}

	var codecOpts []codec.Option
	if cfg.MaxContentLen > 0 {
		codecOpts = append(codecOpts, codec.WithMaxContent(cfg.MaxContentLen))
	}
	tierOpts := []tier.Option{
		tier.WithHotMax(cfg.HotMaxTurns),
		tier.WithCodec(codec.New(codecOpts...)),
		tier.WithLogger(log),
	}
	if cfg.ArchiveScheme != "" {
		tierOpts = append(tierOpts, tier.WithArchiveScheme(cfg.ArchiveScheme))
	}
	tiers, err := tier.NewManager(cfg.Root, graph, tierOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: tier manager: %w", err)
	}

	evStore, err := events.Open(cfg.Root,
		events.WithLogger(log),
		events.WithOnAppend(func(st events.Status) {
			met.RecordWALAppend(context.Background(), string(st))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: event store: %w", err)
	}
	epLog, err := episodes.Open(cfg.Root, episodes.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("engine: episode log: %w", err)
	}

	queue := embedq.NewQueue(cfg.EmbedQueueSize, embedq.WithQueueLogger(log))

	retrOpts := []retrieval.Option{
		retrieval.WithEpisodes(epLog),
		retrieval.WithTiers(tiers),
		retrieval.WithLogger(log),
	}
	if cfg.Embedder != nil {
		retrOpts = append(retrOpts, retrieval.WithEmbedder(cfg.Embedder))
	}

	rerankOpts := []retrieval.RerankerOption{retrieval.WithRerankerLogger(log)}
	if cfg.RerankMinCandidates > 0 {
		rerankOpts = append(rerankOpts, retrieval.WithMinCandidates(cfg.RerankMinCandidates))
	}
	if cfg.RerankCacheTTL > 0 {
		rerankOpts = append(rerankOpts, retrieval.WithCacheTTL(cfg.RerankCacheTTL))
	}
	if cfg.RerankCacheSize > 0 {
		rerankOpts = append(rerankOpts, retrieval.WithCacheSize(cfg.RerankCacheSize))
	}

	e := &Engine{
		log:          log,
		metrics:      met,
		graph:        graph,
		tiers:        tiers,
		events:       evStore,
		episodes:     epLog,
		queue:        queue,
		retriever:    retrieval.New(graph, retrOpts...),
		reranker:     retrieval.NewReranker(cfg.RerankLoader, rerankOpts...),
		snapshotPath: snapshotPath,
		flushEvery:   cfg.FlushEvery,
		hotMax:       cfg.HotMaxTurns,
		hasEmbedder:  cfg.Embedder != nil,
	}

	if cfg.Embedder != nil {
		workerOpts := []embedq.WorkerOption{
			embedq.WithWorkerLogger(log),
			embedq.WithOnEmbedded(func(n int) {
				met.LearningsEmbedded.Add(context.Background(), int64(n))
				e.syncQueueDepth()
			}),
		}
		if cfg.EmbedBatchSize > 0 {
			workerOpts = append(workerOpts, embedq.WithBatchSize(cfg.EmbedBatchSize))
		}
		if cfg.EmbedPollInterval > 0 {
			workerOpts = append(workerOpts, embedq.WithPollInterval(cfg.EmbedPollInterval))
		}
		if cfg.EmbedRetryBackoff > 0 {
			workerOpts = append(workerOpts, embedq.WithRetryBackoff(cfg.EmbedRetryBackoff))
		}
		worker := embedq.NewWorker(queue, graph, cfg.Embedder, workerOpts...)

		ctx, cancel := context.WithCancel(context.Background())
		e.workerStop = cancel
		e.workerDone = make(chan struct{})
		go func() {
			defer close(e.workerDone)
			_ = worker.Run(ctx)
		}()
	}

	return e, nil
}

// AppendTurn records a turn in the hot tier. Failures are hard errors: a
// silently dropped turn would corrupt the conversation record. Every
// FlushEvery appends the graph is snapshotted; a snapshot failure is returned
// alongside the id, since the turn is only in memory until some later flush
// succeeds and the caller must see the potential data-loss condition.
// Demotion runs whenever the hot tier exceeds its bound.
func (e *Engine) AppendTurn(t memory.Turn) (string, error) {
	id, err := e.graph.Append(t)
	if err != nil {
		return "", err
	}
	e.metrics.TurnsAppended.Add(context.Background(), 1)

	e.mu.Lock()
	e.unflushed++
	needFlush := e.unflushed >= e.flushEvery
	if needFlush {
		e.unflushed = 0
	}
	e.mu.Unlock()

	if needFlush {
		if err := e.Flush(); err != nil {
			e.log.Error("periodic snapshot failed", "err", err)
			return id, fmt.Errorf("engine: append turn: %w", err)
		}
	}
	if e.graph.HotCount() > e.hotMax {
		if n, err := e.tiers.MaybeDemote(); err != nil {
			e.log.Warn("demotion pass failed", "err", err)
		} else if n > 0 {
			e.metrics.TurnsDemoted.Add(context.Background(), int64(n))
		}
	}
	return id, nil
}

// AddLearning stores a learning and, when an embedder is configured, queues
// it for background enrichment. The enqueue is fire-and-forget: a full queue
// drops the job and is counted, never surfaced.
func (e *Engine) AddLearning(l memory.Learning) (string, error) {
	id, err := e.graph.AddLearning(l)
	if err != nil {
		return "", err
	}
	if e.hasEmbedder {
		stored, _ := e.graph.Learning(id)
		if !stored.HasEmbedding() {
			if e.queue.Put(id) {
				e.syncQueueDepth()
			} else {
				e.metrics.QueueDrops.Add(context.Background(), 1)
			}
		}
	}
	return id, nil
}

// Retrieve runs the parallel multi-source retrieval.
func (e *Engine) Retrieve(ctx context.Context, query string, opts retrieval.Options) retrieval.Result {
	start := time.Now()
	res := e.retriever.RetrieveParallel(ctx, query, opts)
	e.metrics.RecordRetrieval(ctx, time.Since(start))
	return res
}

// Rerank runs the optional second retrieval stage over candidates.
func (e *Engine) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, limit int) []retrieval.Candidate {
	start := time.Now()
	out := e.reranker.Rerank(ctx, query, candidates, limit)
	e.metrics.RecordRerank(ctx, time.Since(start))
	return out
}

// RecordEpisode appends a completed task to the episode log.
func (e *Engine) RecordEpisode(ep episodes.Episode) (string, error) {
	return e.episodes.Append(ep)
}

// Graph exposes the session's conversation graph.
func (e *Engine) Graph() *memory.Graph { return e.graph }

// Tiers exposes the tier manager for maintenance triggers.
func (e *Engine) Tiers() *tier.Manager { return e.tiers }

// Events exposes the external event store.
func (e *Engine) Events() *events.Store { return e.events }

// Episodes exposes the episode log.
func (e *Engine) Episodes() *episodes.Log { return e.episodes }

// Flush snapshots the graph to disk.
func (e *Engine) Flush() error {
	if err := e.graph.Save(e.snapshotPath); err != nil {
		return fmt.Errorf("engine: flush: %w", err)
	}
	return nil
}

// Close stops the enrichment worker, waits for it (bounded by ctx), and
// writes a final snapshot.
func (e *Engine) Close(ctx context.Context) error {
	if e.workerStop != nil {
		e.workerStop()
		select {
		case <-e.workerDone:
		case <-ctx.Done():
			e.log.Warn("embed worker did not stop before deadline")
		}
	}
	return e.Flush()
}

// syncQueueDepth reconciles the queue-depth gauge with the queue's actual
// length. Both the appending path and the worker move the depth, so the
// gauge is driven by observed deltas rather than paired inc/dec calls.
func (e *Engine) syncQueueDepth() {
	cur := int64(e.queue.Len())
	e.mu.Lock()
	delta := cur - e.lastDepth
	e.lastDepth = cur
	e.mu.Unlock()
	if delta != 0 {
		e.metrics.QueueDepth.Add(context.Background(), delta)
	}
}

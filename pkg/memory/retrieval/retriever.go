// Package retrieval answers "what is relevant to this turn" against the
// engine's memory sources: active learnings, past episodes, recent turns, and
// archived chunk summaries. The four sources are scored in parallel and
// returned per source; weighting across source types is a prompt-construction
// decision and deliberately not made here.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/memory/episodes"
	"github.com/memkeep/memkeep/pkg/memory/tier"
	"github.com/memkeep/memkeep/pkg/provider/embeddings"
)

// DefaultLimitPerType caps each source's result list when the caller does not
// say otherwise.
const DefaultLimitPerType = 5

// failedEpisodeBoost is added to the score of episodes that ended in failure,
// so known dead ends stay in consideration even when lexically dissimilar to
// the query.
const failedEpisodeBoost = 0.15

// recentTurnWindow is how many hot turns the turn branch considers.
const recentTurnWindow = 50

// Source tags identify which memory source produced a candidate.
const (
	SourceLearning = "learning"
	SourceEpisode  = "episode"
	SourceTurn     = "turn"
	SourceChunk    = "chunk"
)

// ScoredLearning is one learning with its relevance score.
type ScoredLearning struct {
	Learning memory.Learning
	Score    float64
}

// ScoredEpisode is one episode with its relevance score.
type ScoredEpisode struct {
	Episode episodes.Episode
	Score   float64
}

// ScoredTurn is one hot turn with its relevance score.
type ScoredTurn struct {
	Turn  memory.Turn
	Score float64
}

// ScoredChunk is one archived chunk summary with its relevance score.
type ScoredChunk struct {
	Chunk memory.ChunkSummary
	Score float64
}

// Result holds the per-source outcome of one retrieval, each list sorted by
// descending score.
type Result struct {
	Learnings []ScoredLearning
	Episodes  []ScoredEpisode
	Turns     []ScoredTurn
	Chunks    []ScoredChunk
}

// Candidates flattens the result into reranker candidates, source-grouped.
func (r Result) Candidates() []Candidate {
	out := make([]Candidate, 0, len(r.Learnings)+len(r.Episodes)+len(r.Turns)+len(r.Chunks))
	for _, s := range r.Learnings {
		out = append(out, Candidate{ID: s.Learning.ID, Text: s.Learning.Fact, Score: s.Score, Source: SourceLearning})
	}
	for _, s := range r.Episodes {
		out = append(out, Candidate{ID: s.Episode.ID, Text: s.Episode.Summary, Score: s.Score, Source: SourceEpisode})
	}
	for _, s := range r.Turns {
		out = append(out, Candidate{ID: s.Turn.ID, Text: s.Turn.Content, Score: s.Score, Source: SourceTurn})
	}
	for _, s := range r.Chunks {
		out = append(out, Candidate{ID: s.Chunk.ID, Text: s.Chunk.Text, Score: s.Score, Source: SourceChunk})
	}
	return out
}

// Options selects sources and caps result sizes for one retrieval call. The
// zero value enables every source with [DefaultLimitPerType].
type Options struct {
	SkipLearnings bool
	SkipEpisodes  bool
	SkipTurns     bool
	SkipChunks    bool
	LimitPerType  int
}

// Retriever fans one query out across the memory sources.
type Retriever struct {
	graph    *memory.Graph
	episodes *episodes.Log
	tiers    *tier.Manager
	embedder embeddings.Provider
	log      *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Retriever)

// WithEpisodes attaches the episode log as a retrieval source.
func WithEpisodes(l *episodes.Log) Option {
	return func(r *Retriever) { r.episodes = l }
}

// WithTiers attaches the tier manager so archived chunk summaries become a
// retrieval source.
func WithTiers(m *tier.Manager) Option {
	return func(r *Retriever) { r.tiers = m }
}

// WithEmbedder enables semantic scoring. Without it every branch scores
// lexically.
func WithEmbedder(p embeddings.Provider) Option {
	return func(r *Retriever) { r.embedder = p }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.log = l }
}

// New builds a retriever over the graph. Episode, chunk and embedding sources
// are optional; absent ones simply return empty lists.
func New(g *memory.Graph, opts ...Option) *Retriever {
	r := &Retriever{
		graph: g,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RetrieveParallel scores the enabled sources concurrently and returns their
// results per source. Branch failures degrade that branch to empty and are
// logged; retrieval never fails the turn that asked.
//
// The query is embedded once up front when an embedder is attached; if that
// call fails, every branch falls back to lexical scoring for this query.
func (r *Retriever) RetrieveParallel(ctx context.Context, query string, opts Options) Result {
	limit := opts.LimitPerType
	if limit <= 0 {
		limit = DefaultLimitPerType
	}

	var qvec []float32
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			r.log.Warn("query embedding failed, using lexical scoring",
				"model", r.embedder.ModelID(), "err", err)
		} else {
			qvec = vec
		}
	}

	// Branches write disjoint Result fields, so no lock is needed; each is
	// pure in-memory or read-only file work and degrades to empty on error.
	var res Result
	var g errgroup.Group

	if !opts.SkipLearnings {
		g.Go(func() error {
			res.Learnings = r.scoreLearnings(query, qvec, limit)
			return nil
		})
	}
	if !opts.SkipEpisodes && r.episodes != nil {
		g.Go(func() error {
			res.Episodes = r.scoreEpisodes(query, limit)
			return nil
		})
	}
	if !opts.SkipTurns {
		g.Go(func() error {
			res.Turns = r.scoreTurns(query, limit)
			return nil
		})
	}
	if !opts.SkipChunks && r.tiers != nil {
		g.Go(func() error {
			res.Chunks = r.scoreChunks(query, limit)
			return nil
		})
	}

	_ = g.Wait() // branches never return errors, they degrade and log
	return res
}

func (r *Retriever) scoreLearnings(query string, qvec []float32, limit int) []ScoredLearning {
	var out []ScoredLearning
	for _, l := range r.graph.ActiveLearnings() {
		var score float64
		if qvec != nil && l.HasEmbedding() {
			score = Cosine(qvec, l.Embedding)
		} else {
			score = LexicalScore(query, l.Fact)
		}
		if score > 0 {
			out = append(out, ScoredLearning{Learning: l, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return topN(out, limit)
}

func (r *Retriever) scoreEpisodes(query string, limit int) []ScoredEpisode {
	all, err := r.episodes.All()
	if err != nil {
		r.log.Warn("episode retrieval failed", "err", err)
		return nil
	}
	var out []ScoredEpisode
	for _, e := range all {
		score := LexicalScore(query, e.Summary)
		if e.Outcome == episodes.OutcomeFailed {
			score += failedEpisodeBoost
		}
		if score > 0 {
			out = append(out, ScoredEpisode{Episode: e, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return topN(out, limit)
}

func (r *Retriever) scoreTurns(query string, limit int) []ScoredTurn {
	var out []ScoredTurn
	for _, t := range r.graph.RecentTurns(recentTurnWindow) {
		score := LexicalScore(query, t.Content)
		if score > 0 {
			out = append(out, ScoredTurn{Turn: t, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return topN(out, limit)
}

func (r *Retriever) scoreChunks(query string, limit int) []ScoredChunk {
	sums, err := r.tiers.Summaries()
	if err != nil {
		r.log.Warn("chunk summary retrieval failed", "err", err)
		return nil
	}
	var out []ScoredChunk
	for _, s := range sums {
		score := LexicalScore(query, s.Text)
		if score > 0 {
			out = append(out, ScoredChunk{Chunk: s, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return topN(out, limit)
}

func topN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

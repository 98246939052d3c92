package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/memkeep/memkeep/pkg/provider/score"
)

// Reranker defaults.
const (
	DefaultMinCandidates = 3
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheSize     = 1 << 20 // bytes of cached orderings
)

// Candidate is one first-stage retrieval result handed to the reranker.
type Candidate struct {
	ID     string
	Text   string
	Score  float64
	Source string
}

// ScorerLoader lazily constructs the pairwise scoring model. Loading a local
// cross-encoder is expensive, so it is deferred until the first rerank that
// actually needs it.
type ScorerLoader func() (score.Provider, error)

// Reranker is the optional second retrieval stage: it re-scores the top
// first-stage candidates with a pairwise model and re-sorts by that score.
//
// Every guard rail falls back silently to first-stage order: reranking
// disabled, too few candidates to be worth the cost, scorer failed to load,
// or the scoring call itself failed. Reranking improves ordering when it
// works and must never make retrieval worse when it does not.
type Reranker struct {
	enabled       bool
	loader        ScorerLoader
	minCandidates int
	ttl           time.Duration
	cache         *ristretto.Cache
	log           *slog.Logger

	loadOnce sync.Once
	scorer   score.Provider
	loadErr  error
}

// RerankerOption is a functional option for [NewReranker].
type RerankerOption func(*Reranker)

// WithMinCandidates sets the candidate count below which reranking is
// skipped.
func WithMinCandidates(n int) RerankerOption {
	return func(r *Reranker) {
		if n > 0 {
			r.minCandidates = n
		}
	}
}

// WithCacheTTL sets how long a reranked ordering stays cached.
func WithCacheTTL(d time.Duration) RerankerOption {
	return func(r *Reranker) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithCacheSize sets the cache cost budget in bytes.
func WithCacheSize(n int64) RerankerOption {
	return func(r *Reranker) {
		if n > 0 {
			r.cache = newCache(n)
		}
	}
}

// WithRerankerLogger sets the logger. Defaults to [slog.Default].
func WithRerankerLogger(l *slog.Logger) RerankerOption {
	return func(r *Reranker) { r.log = l }
}

// NewReranker builds a reranker around a lazily loaded scorer. A nil loader
// produces a permanently disabled reranker, which is a valid configuration:
// Rerank then always returns first-stage order.
func NewReranker(loader ScorerLoader, opts ...RerankerOption) *Reranker {
	r := &Reranker{
		enabled:       loader != nil,
		loader:        loader,
		minCandidates: DefaultMinCandidates,
		ttl:           DefaultCacheTTL,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.cache == nil {
		r.cache = newCache(DefaultCacheSize)
	}
	return r
}

func newCache(maxCost int64) *ristretto.Cache {
	// NewCache only fails on nonsensical config; the constants here are not.
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		panic("retrieval: rerank cache config: " + err.Error())
	}
	return c
}

// Rerank re-sorts candidates by pairwise relevance to query and returns the
// top limit. Any guard rail or failure returns the first-stage order
// truncated to limit instead.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, limit int) []Candidate {
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	if !r.enabled || len(candidates) < r.minCandidates {
		return candidates[:limit]
	}

	key := cacheKey(query, candidates)
	if cached, ok := r.cache.Get(key); ok {
		if order, ok := cached.([]Candidate); ok {
			return topN(order, limit)
		}
	}

	scorer, err := r.load()
	if err != nil {
		return candidates[:limit]
	}

	pairs := make([]score.Pair, len(candidates))
	for i, c := range candidates {
		pairs[i] = score.Pair{Query: query, Text: c.Text}
	}
	scores, err := scorer.Score(ctx, pairs)
	if err != nil || len(scores) != len(candidates) {
		r.log.Warn("rerank scoring failed, keeping first-stage order",
			"model", scorer.ModelID(), "candidates", len(candidates), "err", err)
		return candidates[:limit]
	}

	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		ranked[i].Score = scores[i]
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	r.cache.SetWithTTL(key, ranked, costOf(ranked), r.ttl)
	return topN(ranked, limit)
}

// load resolves the scorer exactly once; a load failure disables reranking
// for the process lifetime rather than retrying on every call.
func (r *Reranker) load() (score.Provider, error) {
	r.loadOnce.Do(func() {
		r.scorer, r.loadErr = r.loader()
		if r.loadErr != nil {
			r.log.Warn("rerank scorer unavailable, falling back to first-stage order",
				"err", r.loadErr)
		} else {
			r.log.Info("rerank scorer loaded", "model", r.scorer.ModelID())
		}
	})
	return r.scorer, r.loadErr
}

// cacheKey identifies a rerank result by query and the ordered candidate id
// sequence. Order matters: the cached value is a permutation of its input,
// so a differently ordered input is a different computation.
func cacheKey(query string, candidates []Candidate) string {
	var b strings.Builder
	b.Grow(len(query) + len(candidates)*20)
	b.WriteString(query)
	for _, c := range candidates {
		b.WriteByte(0)
		b.WriteString(c.ID)
	}
	return b.String()
}

func costOf(candidates []Candidate) int64 {
	var n int64
	for _, c := range candidates {
		n += int64(len(c.ID) + len(c.Text) + 24)
	}
	return n
}

package resilience

import (
	"context"

	"github.com/memkeep/memkeep/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with automatic failover
// across embedding backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is
// tried. With a single backend the group still acts as a circuit breaker,
// stopping the enrichment worker from hammering a failing API.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback wraps primary as the preferred backend. cfg tunes the
// per-backend circuit breakers; a zero value uses the package defaults.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg CircuitBreakerConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embeddings provider as a fallback.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed embeds a single text via the first healthy backend.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch embeds texts via the first healthy backend. The whole batch
// goes to one backend; mixing vector spaces within a batch would make the
// results incomparable.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the vector width of the primary. Fallbacks are expected
// to be dimension-compatible; stored vectors are only comparable within one
// width.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.primary().Dimensions()
}

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.primary().ModelID()
}

// Package embeddings defines the Provider interface over text-embedding
// backends.
//
// The memory engine consumes embeddings in two places: the background worker
// that enriches stored learnings, and the retriever, which embeds the query
// before cosine scoring. Vectors from different providers (or different
// models of one provider) live in different spaces and must never be mixed in
// one similarity computation.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend. Every vector
// a single Provider instance returns has the same dimensionality, reported by
// Dimensions.
type Provider interface {
	// Embed computes the vector for one text. Text is passed to the model
	// verbatim; any model-specific prefixing is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in a single provider call; the
	// i-th vector corresponds to texts[i]. On error the result is nil;
	// partial batches are never returned, so callers retry whole batches.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed length of every vector this provider produces.
	Dimensions() int

	// ModelID names the underlying model, for logging and for verifying that
	// stored vectors were produced in the same space.
	ModelID() string
}

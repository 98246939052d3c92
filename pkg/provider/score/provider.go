// Package score defines the Provider interface over pairwise relevance
// models (cross-encoders).
//
// Unlike an embedding model, which maps each text to a vector independently,
// a cross-encoder scores a (query, document) pair jointly. It is markedly
// more accurate and markedly more expensive. The reranker uses it as an
// optional second stage over a first-stage retrieval's top candidates.
//
// Implementations must be safe for concurrent use.
package score

import "context"

// Pair is one (query, document) input to the scorer.
type Pair struct {
	Query string
	Text  string
}

// Provider is the abstraction over any pairwise relevance model.
type Provider interface {
	// Score returns one relevance score per pair, higher meaning more
	// relevant; scores[i] corresponds to pairs[i]. Scores are only comparable
	// within a single call. On error the result is nil.
	Score(ctx context.Context, pairs []Pair) ([]float64, error)

	// ModelID names the underlying model, for logging.
	ModelID() string
}

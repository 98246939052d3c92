package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/memkeep/memkeep/pkg/provider/embeddings"
	"github.com/memkeep/memkeep/pkg/provider/score"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]func(EmbeddingsConfig) (embeddings.Provider, error)
	scorers    map[string]func(RerankConfig) (score.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]func(EmbeddingsConfig) (embeddings.Provider, error)),
		scorers:    make(map[string]func(RerankConfig) (score.Provider, error)),
	}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterScorer registers a pairwise-scorer factory under name.
func (r *Registry) RegisterScorer(name string, factory func(RerankConfig) (score.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[name] = factory
}

// CreateEmbeddings instantiates the embeddings provider selected by
// cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateScorer instantiates the pairwise scorer registered under name.
func (r *Registry) CreateScorer(name string, cfg RerankConfig) (score.Provider, error) {
	r.mu.RLock()
	factory, ok := r.scorers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scorer/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

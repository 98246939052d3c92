// Package mock provides a test double for the embeddings.Provider interface.
//
// The Provider returns canned vectors and records every call, so tests can
// drive the embedding worker and retriever without a live model. A queue of
// per-call errors makes fail-then-succeed scenarios a one-liner:
//
//	p := &mock.Provider{
//	    BatchErrs:  []error{errors.New("transient")},
//	    BatchVecs:  [][]float32{{0.1, 0.2}},
//	    Dims:       2,
//	}
package mock

import (
	"context"
	"sync"

	"github.com/memkeep/memkeep/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a configurable mock embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vec is returned by Embed.
	Vec []float32

	// EmbedErr, when non-nil, is returned by every Embed call.
	EmbedErr error

	// BatchVecs is returned by EmbedBatch once the BatchErrs queue is
	// exhausted. When nil, EmbedBatch fabricates one distinct vector per text
	// (of length Dims) so callers get plausible output without setup.
	BatchVecs [][]float32

	// BatchErrs is a queue of errors: call i of EmbedBatch returns
	// BatchErrs[i] when it is non-nil. Calls beyond the queue succeed.
	BatchErrs []error

	// Dims is returned by Dimensions and sizes fabricated vectors.
	Dims int

	// Model is returned by ModelID.
	Model string

	// EmbedTexts and BatchCalls record the inputs of every call, in order.
	EmbedTexts []string
	BatchCalls [][]string
}

// Embed records text and returns Vec, EmbedErr.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedTexts = append(p.EmbedTexts, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.Vec, nil
}

// EmbedBatch records texts, pops the next queued error if any, and otherwise
// returns BatchVecs or fabricated vectors.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]string, len(texts))
	copy(cp, texts)
	call := len(p.BatchCalls)
	p.BatchCalls = append(p.BatchCalls, cp)

	if call < len(p.BatchErrs) && p.BatchErrs[call] != nil {
		return nil, p.BatchErrs[call]
	}
	if p.BatchVecs != nil {
		return p.BatchVecs, nil
	}

	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, max(p.Dims, 1))
		vec[0] = float32(i + 1)
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns Dims.
func (p *Provider) Dimensions() int { return p.Dims }

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// BatchCallCount returns how many times EmbedBatch was invoked.
func (p *Provider) BatchCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.BatchCalls)
}

// Package mock provides a test double for the score.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/memkeep/memkeep/pkg/provider/score"
)

var _ score.Provider = (*Provider)(nil)

// Provider is a configurable mock score.Provider.
type Provider struct {
	mu sync.Mutex

	// Scores is returned by Score. When nil, each pair scores by the length
	// of its document text, which gives tests a deterministic non-trivial
	// ordering without setup.
	Scores []float64

	// Err, when non-nil, is returned by every Score call.
	Err error

	// Model is returned by ModelID.
	Model string

	// Calls records the pairs of every Score invocation.
	Calls [][]score.Pair
}

// Score records the call and returns Scores or length-based defaults.
func (p *Provider) Score(_ context.Context, pairs []score.Pair) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]score.Pair, len(pairs))
	copy(cp, pairs)
	p.Calls = append(p.Calls, cp)

	if p.Err != nil {
		return nil, p.Err
	}
	if p.Scores != nil {
		return p.Scores, nil
	}
	out := make([]float64, len(pairs))
	for i, pr := range pairs {
		out[i] = float64(len(pr.Text))
	}
	return out, nil
}

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// CallCount returns how many times Score was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

//go:build !onnx

package onnx

import (
	"errors"

	"github.com/memkeep/memkeep/pkg/provider/score"
)

// ErrUnavailable is returned by [New] in builds without the onnx tag.
var ErrUnavailable = errors.New("onnx score: built without onnx support")

// Config configures [New]. Matches the onnx-tagged build so call sites
// compile either way.
type Config struct {
	ModelPath     string
	TokenizerPath string
	LibraryPath   string
	MaxSequence   int
}

// New reports the cross-encoder as unavailable. The reranker treats a failed
// model load as a silent fallback to first-stage ordering.
func New(Config) (score.Provider, error) {
	return nil, ErrUnavailable
}

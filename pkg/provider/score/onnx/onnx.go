//go:build onnx

// Package onnx implements the score provider over a local cross-encoder
// model executed with ONNX Runtime.
//
// The expected model is a BERT-family sequence classifier exported to ONNX
// (e.g. ms-marco-MiniLM-L-6-v2): inputs input_ids / attention_mask /
// token_type_ids, output a single relevance logit per pair. Query and
// document are packed into one sequence the BERT way, [CLS] query [SEP]
// document [SEP], with token_type_ids marking the document segment.
//
// Building with this package requires the onnx build tag and a local
// onnxruntime shared library; without the tag, [New] from onnx_stub.go
// reports the capability as unavailable and the reranker silently falls back
// to first-stage ordering.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/memkeep/memkeep/pkg/provider/score"
)

// DefaultMaxSequence is the token budget per packed (query, document) pair.
const DefaultMaxSequence = 256

// Standard BERT special-token ids.
const (
	clsToken = 101
	sepToken = 102
	unkToken = 100
)

var _ score.Provider = (*Provider)(nil)

// Provider runs a cross-encoder ONNX model locally.
type Provider struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	vocab   map[string]int
	maxSeq  int
	model   string
}

// Config configures [New].
type Config struct {
	// ModelPath is the ONNX model file.
	ModelPath string

	// TokenizerPath is the HuggingFace tokenizer.json exported with the
	// model; only the WordPiece vocab is read from it.
	TokenizerPath string

	// LibraryPath optionally points at libonnxruntime.so. Empty uses the
	// runtime's default lookup.
	LibraryPath string

	// MaxSequence caps the packed token length. Defaults to
	// [DefaultMaxSequence].
	MaxSequence int
}

// New loads the model and tokenizer and returns a ready provider.
func New(cfg Config) (*Provider, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx score: ModelPath is required")
	}
	if cfg.MaxSequence <= 0 {
		cfg.MaxSequence = DefaultMaxSequence
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("onnx score: initialize runtime: %w", err)
	}

	vocab, err := loadVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx score: load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx score: create session: %w", err)
	}

	return &Provider{
		session: session,
		vocab:   vocab,
		maxSeq:  cfg.MaxSequence,
		model:   cfg.ModelPath,
	}, nil
}

// Score implements score.Provider. Pairs are scored one at a time; the
// session is not batch-shaped and reranking candidate counts are small.
func (p *Provider) Score(ctx context.Context, pairs []score.Pair) ([]float64, error) {
	out := make([]float64, len(pairs))
	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := p.scorePair(pair)
		if err != nil {
			return nil, fmt.Errorf("onnx score: pair %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// ModelID implements score.Provider.
func (p *Provider) ModelID() string { return p.model }

// Close releases the ONNX session.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		err := p.session.Destroy()
		p.session = nil
		return err
	}
	return nil
}

func (p *Provider) scorePair(pair score.Pair) (float64, error) {
	inputIDs, attention, segments := p.pack(pair.Query, pair.Text)

	shape := ort.NewShape(1, int64(p.maxSeq))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return 0, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	attTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return 0, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attTensor.Destroy()
	segTensor, err := ort.NewTensor(shape, segments)
	if err != nil {
		return 0, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer segTensor.Destroy()

	outputs := []ort.Value{nil}
	p.mu.Lock()
	err = p.session.Run([]ort.Value{idsTensor, attTensor, segTensor}, outputs)
	p.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("run: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("unexpected output tensor type")
	}
	data := logits.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty logits")
	}
	return float64(data[0]), nil
}

// pack tokenizes query and document into one [CLS] q [SEP] d [SEP] sequence,
// truncating the document to fit the sequence budget.
func (p *Provider) pack(query, doc string) (ids, attention, segments []int64) {
	ids = make([]int64, p.maxSeq)
	attention = make([]int64, p.maxSeq)
	segments = make([]int64, p.maxSeq)

	qTokens := p.tokenize(query)
	dTokens := p.tokenize(doc)

	// Budget: [CLS] + query + [SEP] + doc + [SEP].
	qMax := (p.maxSeq - 3) / 3
	if len(qTokens) > qMax {
		qTokens = qTokens[:qMax]
	}
	dMax := p.maxSeq - 3 - len(qTokens)
	if len(dTokens) > dMax {
		dTokens = dTokens[:dMax]
	}

	pos := 0
	put := func(id int64, segment int64) {
		ids[pos] = id
		attention[pos] = 1
		segments[pos] = segment
		pos++
	}
	put(clsToken, 0)
	for _, t := range qTokens {
		put(t, 0)
	}
	put(sepToken, 0)
	for _, t := range dTokens {
		put(t, 1)
	}
	put(sepToken, 1)
	return ids, attention, segments
}

// tokenize performs WordPiece tokenization against the loaded vocab.
func (p *Provider) tokenize(text string) []int64 {
	var out []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := p.vocab[word]; ok {
			out = append(out, int64(id))
			continue
		}
		out = append(out, p.wordPiece(word)...)
	}
	return out
}

// wordPiece splits a word into the longest matching vocab prefixes, with the
// standard "##" continuation marker.
func (p *Provider) wordPiece(word string) []int64 {
	var out []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := p.vocab[piece]; ok {
				out = append(out, int64(id))
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			out = append(out, unkToken)
			start++
		}
	}
	return out
}

// loadVocab reads the WordPiece vocab out of a HuggingFace tokenizer.json.
func loadVocab(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %q has no vocab", path)
	}
	return parsed.Model.Vocab, nil
}

package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/memkeep/memkeep/pkg/provider/score"
	scoremock "github.com/memkeep/memkeep/pkg/provider/score/mock"
)

func testCandidates() []Candidate {
	return []Candidate{
		{ID: "a", Text: "short", Score: 0.9, Source: SourceLearning},
		{ID: "b", Text: "a much longer candidate text", Score: 0.5, Source: SourceTurn},
		{ID: "c", Text: "medium length one", Score: 0.3, Source: SourceEpisode},
	}
}

func TestRerankDisabledKeepsOrder(t *testing.T) {
	r := NewReranker(nil)
	got := r.Rerank(context.Background(), "q", testCandidates(), 2)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("disabled rerank changed order: %v", got)
	}
}

func TestRerankSkipsBelowMinCandidates(t *testing.T) {
	sc := &scoremock.Provider{}
	r := NewReranker(func() (score.Provider, error) { return sc, nil },
		WithMinCandidates(5))

	got := r.Rerank(context.Background(), "q", testCandidates(), 0)
	if len(got) != 3 || got[0].ID != "a" {
		t.Errorf("below-threshold rerank changed order: %v", got)
	}
	if sc.CallCount() != 0 {
		t.Error("scorer should not run below the candidate threshold")
	}
}

func TestRerankLoadFailureFallsBack(t *testing.T) {
	calls := 0
	r := NewReranker(func() (score.Provider, error) {
		calls++
		return nil, errors.New("model file missing")
	})

	for i := 0; i < 3; i++ {
		got := r.Rerank(context.Background(), "q", testCandidates(), 0)
		if got[0].ID != "a" {
			t.Fatalf("fallback order wrong: %v", got)
		}
	}
	if calls != 1 {
		t.Errorf("loader ran %d times, want 1 (failure is sticky)", calls)
	}
}

func TestRerankReordersByModelScore(t *testing.T) {
	// The mock scores by text length, so "b" should come out on top.
	sc := &scoremock.Provider{Model: "mock-xenc"}
	r := NewReranker(func() (score.Provider, error) { return sc, nil })

	got := r.Rerank(context.Background(), "q", testCandidates(), 2)
	if len(got) != 2 {
		t.Fatalf("Rerank returned %d, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("reranked order = [%s %s], want [b c]", got[0].ID, got[1].ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v", got)
	}
}

func TestRerankScoreFailureFallsBack(t *testing.T) {
	sc := &scoremock.Provider{Err: errors.New("inference failed")}
	r := NewReranker(func() (score.Provider, error) { return sc, nil })

	got := r.Rerank(context.Background(), "q", testCandidates(), 0)
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Errorf("failed scoring should keep first-stage order: %v", got)
	}
}

func TestRerankCacheHit(t *testing.T) {
	sc := &scoremock.Provider{}
	r := NewReranker(func() (score.Provider, error) { return sc, nil })

	cands := testCandidates()
	r.Rerank(context.Background(), "same query", cands, 0)
	r.cache.Wait()
	r.Rerank(context.Background(), "same query", cands, 0)

	if sc.CallCount() != 1 {
		t.Errorf("scorer ran %d times, want 1 (second call should hit cache)", sc.CallCount())
	}
}

func TestRerankCacheKeyIsOrderSensitive(t *testing.T) {
	sc := &scoremock.Provider{}
	r := NewReranker(func() (score.Provider, error) { return sc, nil })

	cands := testCandidates()
	r.Rerank(context.Background(), "same query", cands, 0)
	r.cache.Wait()

	reversed := []Candidate{cands[2], cands[1], cands[0]}
	r.Rerank(context.Background(), "same query", reversed, 0)

	if sc.CallCount() != 2 {
		t.Errorf("scorer ran %d times, want 2 (candidate order is part of the key)", sc.CallCount())
	}
}

func TestCacheKeyDistinguishesOrder(t *testing.T) {
	a := []Candidate{{ID: "x"}, {ID: "y"}}
	b := []Candidate{{ID: "y"}, {ID: "x"}}
	if cacheKey("q", a) == cacheKey("q", b) {
		t.Error("cache keys for different orderings must differ")
	}
	if cacheKey("q", a) != cacheKey("q", []Candidate{{ID: "x"}, {ID: "y"}}) {
		t.Error("cache keys for identical inputs must match")
	}
	if cacheKey("q1", a) == cacheKey("q2", a) {
		t.Error("query must be part of the key")
	}
}

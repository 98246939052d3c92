package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/memory/episodes"
	"github.com/memkeep/memkeep/pkg/provider/embeddings/mock"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"empty", nil, nil, 0},
		{"mismatched dims", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		if got := Cosine(tc.a, tc.b); !almostEqual(got, tc.want) {
			t.Errorf("%s: Cosine = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestLexicalScore(t *testing.T) {
	if got := LexicalScore("postgres replication", "setting up postgres streaming replication"); got < 0.99 {
		t.Errorf("full overlap score = %v, want ~1", got)
	}
	if got := LexicalScore("postgres replication", "baking sourdough bread"); got != 0 {
		t.Errorf("no overlap score = %v, want 0", got)
	}
	// Misspelled query token still earns fuzzy credit.
	if got := LexicalScore("postgress", "postgres tuning"); got < 0.8 {
		t.Errorf("fuzzy score = %v, want >= 0.8", got)
	}
	if got := LexicalScore("", "anything"); got != 0 {
		t.Errorf("empty query score = %v, want 0", got)
	}
}

func newTestSources(t *testing.T) (*memory.Graph, *episodes.Log) {
	t.Helper()
	g := memory.NewGraph()
	log, err := episodes.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return g, log
}

func TestRetrieveParallelLexical(t *testing.T) {
	g, epLog := newTestSources(t)

	g.AddLearning(memory.NewLearning("the deploy pipeline uses argo workflows", memory.CategoryFact, 0.9))
	g.AddLearning(memory.NewLearning("user dislikes yaml anchors", memory.CategoryPreference, 0.7))
	g.Append(memory.NewTurn("how do I retry a failed argo workflow step", memory.RoleUser))
	g.Append(memory.NewTurn("pasta recipes are out of scope", memory.RoleAssistant))
	epLog.Append(episodes.New("debugged argo workflow retries", episodes.OutcomeSucceeded))

	r := New(g, WithEpisodes(epLog))
	res := r.RetrieveParallel(context.Background(), "argo workflow", Options{})

	if len(res.Learnings) != 1 || res.Learnings[0].Learning.Fact != "the deploy pipeline uses argo workflows" {
		t.Errorf("learnings = %v", res.Learnings)
	}
	if len(res.Turns) != 1 {
		t.Errorf("turns = %v", res.Turns)
	}
	if len(res.Episodes) != 1 {
		t.Errorf("episodes = %v", res.Episodes)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("chunks without a tier source = %v", res.Chunks)
	}
}

func TestRetrieveParallelSemantic(t *testing.T) {
	g, _ := newTestSources(t)

	near, _ := g.AddLearning(memory.NewLearning("alpha", memory.CategoryFact, 0.9))
	far, _ := g.AddLearning(memory.NewLearning("beta", memory.CategoryFact, 0.9))
	g.SetLearningEmbedding(near, []float32{1, 0})
	g.SetLearningEmbedding(far, []float32{0, 1})

	emb := &mock.Provider{Vec: []float32{1, 0.1}, Dims: 2}
	r := New(g, WithEmbedder(emb))
	res := r.RetrieveParallel(context.Background(), "unrelated words", Options{SkipTurns: true})

	if len(res.Learnings) != 2 {
		t.Fatalf("learnings = %v, want both scored semantically", res.Learnings)
	}
	if res.Learnings[0].Learning.ID != near {
		t.Errorf("semantic ordering wrong: %v", res.Learnings)
	}
	if res.Learnings[0].Score <= res.Learnings[1].Score {
		t.Errorf("scores not descending: %v", res.Learnings)
	}
}

func TestRetrieveParallelEmbedFailureFallsBackToLexical(t *testing.T) {
	g, _ := newTestSources(t)
	id, _ := g.AddLearning(memory.NewLearning("kafka consumer lag alerts", memory.CategoryFact, 0.9))
	g.SetLearningEmbedding(id, []float32{1, 0})

	emb := &mock.Provider{EmbedErr: errors.New("provider down")}
	r := New(g, WithEmbedder(emb))
	res := r.RetrieveParallel(context.Background(), "kafka lag", Options{SkipTurns: true})

	if len(res.Learnings) != 1 {
		t.Fatalf("lexical fallback found %d learnings, want 1", len(res.Learnings))
	}
}

func TestFailedEpisodeBoost(t *testing.T) {
	g, epLog := newTestSources(t)
	epLog.Append(episodes.New("tried caching tokens in redis", episodes.OutcomeFailed))

	r := New(g, WithEpisodes(epLog))
	res := r.RetrieveParallel(context.Background(), "completely different topic entirely", Options{
		SkipLearnings: true, SkipTurns: true, SkipChunks: true,
	})

	// Lexically dissimilar, but the failure boost keeps it in play.
	if len(res.Episodes) != 1 {
		t.Fatalf("failed episode dropped: %v", res.Episodes)
	}
	if got := res.Episodes[0].Score; !almostEqual(got, failedEpisodeBoost) {
		t.Errorf("boost-only score = %v, want %v", got, failedEpisodeBoost)
	}
}

func TestLimitPerType(t *testing.T) {
	g, _ := newTestSources(t)
	for _, fact := range []string{
		"redis cluster mode", "redis sentinel", "redis persistence", "redis eviction",
	} {
		g.AddLearning(memory.NewLearning(fact, memory.CategoryFact, 0.9))
	}

	r := New(g)
	res := r.RetrieveParallel(context.Background(), "redis", Options{LimitPerType: 2, SkipTurns: true})
	if len(res.Learnings) != 2 {
		t.Errorf("LimitPerType not applied: %d results", len(res.Learnings))
	}
}

func TestCandidatesFlatten(t *testing.T) {
	g, epLog := newTestSources(t)
	g.AddLearning(memory.NewLearning("grafana dashboards live in git", memory.CategoryFact, 0.9))
	epLog.Append(episodes.New("set up grafana alerting", episodes.OutcomeSucceeded))

	r := New(g, WithEpisodes(epLog))
	res := r.RetrieveParallel(context.Background(), "grafana", Options{SkipTurns: true})

	cands := res.Candidates()
	if len(cands) != 2 {
		t.Fatalf("Candidates() = %v, want 2", cands)
	}
	sources := map[string]bool{}
	for _, c := range cands {
		sources[c.Source] = true
		if c.ID == "" || c.Text == "" {
			t.Errorf("candidate missing id or text: %+v", c)
		}
	}
	if !sources[SourceLearning] || !sources[SourceEpisode] {
		t.Errorf("source tags wrong: %v", sources)
	}
}

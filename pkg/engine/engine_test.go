package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/memory/episodes"
	"github.com/memkeep/memkeep/pkg/memory/retrieval"
	"github.com/memkeep/memkeep/pkg/provider/embeddings/mock"
)

func openEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	if cfg.Session == "" {
		cfg.Session = "test"
	}
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func TestOpenRequiresRootAndSession(t *testing.T) {
	if _, err := Open(Config{Session: "s"}); err == nil {
		t.Error("Open without Root should fail")
	}
	if _, err := Open(Config{Root: t.TempDir()}); err == nil {
		t.Error("Open without Session should fail")
	}
}

func TestAppendFlushAndReopen(t *testing.T) {
	root := t.TempDir()
	e := openEngine(t, Config{Root: root, Session: "support", FlushEvery: 3})

	var lastID string
	for _, c := range []string{"first question", "first answer", "followup"} {
		id, err := e.AppendTurn(memory.NewTurn(c, memory.RoleUser))
		if err != nil {
			t.Fatal(err)
		}
		lastID = id
	}

	// Third append crossed FlushEvery, so the snapshot is on disk already.
	snap := filepath.Join(root, "turns", "recent", "support.json")
	if _, err := os.Stat(snap); err != nil {
		t.Fatalf("snapshot missing after flush threshold: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}

	e2 := openEngine(t, Config{Root: root, Session: "support"})
	if e2.Graph().Len() != 3 {
		t.Fatalf("reopened graph has %d turns, want 3", e2.Graph().Len())
	}
	if _, ok := e2.Graph().Turn(lastID); !ok {
		t.Error("last turn missing after reopen")
	}
}

func TestAppendSurfacesFlushFailure(t *testing.T) {
	root := t.TempDir()
	e, err := Open(Config{Root: root, Session: "s", FlushEvery: 2})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.AppendTurn(memory.NewTurn("fits in memory", memory.RoleUser)); err != nil {
		t.Fatal(err)
	}

	// Break the snapshot path: a regular file where the turns directory
	// should be makes MkdirAll fail for any caller.
	if err := os.RemoveAll(filepath.Join(root, "turns")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "turns"), []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := e.AppendTurn(memory.NewTurn("crosses the flush threshold", memory.RoleUser))
	if err == nil {
		t.Fatal("AppendTurn should surface the snapshot failure")
	}
	if id == "" {
		t.Error("turn id should still be returned; the turn is recorded in memory")
	}
	if _, ok := e.Graph().Turn(id); !ok {
		t.Error("turn missing from graph after failed snapshot")
	}
}

func TestAppendTriggersDemotion(t *testing.T) {
	e := openEngine(t, Config{HotMaxTurns: 5, FlushEvery: 100})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		turn := memory.NewTurn("conversation turn number "+string(rune('a'+i)), memory.RoleUser)
		turn.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if _, err := e.AppendTurn(turn); err != nil {
			t.Fatal(err)
		}
	}

	if got := e.Graph().HotCount(); got > 5 {
		t.Errorf("hot count = %d, want <= 5 after demotion", got)
	}
	if e.Graph().Len() != 8 {
		t.Errorf("total turns = %d, want 8 (demotion must not lose turns)", e.Graph().Len())
	}

	// Demoted content is reachable through compressed search.
	found, err := e.Tiers().SearchCompressed("conversation turn", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) == 0 {
		t.Error("demoted turns not found in compressed storage")
	}
}

func TestAddLearningGetsEmbeddedInBackground(t *testing.T) {
	emb := &mock.Provider{Dims: 4, Model: "mock"}
	e := openEngine(t, Config{
		Embedder:          emb,
		EmbedPollInterval: 10 * time.Millisecond,
		EmbedRetryBackoff: 10 * time.Millisecond,
	})

	id, err := e.AddLearning(memory.NewLearning("ci runs on self-hosted runners", memory.CategoryFact, 0.9))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if l, ok := e.Graph().Learning(id); ok && l.HasEmbedding() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("learning never received an embedding")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAddLearningWithoutEmbedder(t *testing.T) {
	e := openEngine(t, Config{})
	id, err := e.AddLearning(memory.NewLearning("no embedder configured", memory.CategoryFact, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := e.Graph().Learning(id); !ok || l.HasEmbedding() {
		t.Errorf("learning state wrong without embedder: %+v", l)
	}
}

func TestRetrieveAndRerank(t *testing.T) {
	e := openEngine(t, Config{})

	e.AddLearning(memory.NewLearning("terraform state lives in the s3 bucket", memory.CategoryFact, 0.9))
	e.AppendTurn(memory.NewTurn("where is the terraform state stored", memory.RoleUser))
	e.RecordEpisode(episodes.New("migrated terraform state to s3", episodes.OutcomeSucceeded))

	res := e.Retrieve(context.Background(), "terraform state", retrieval.Options{})
	if len(res.Learnings) == 0 || len(res.Turns) == 0 || len(res.Episodes) == 0 {
		t.Fatalf("retrieval missed sources: %+v", res)
	}

	// No RerankLoader configured: Rerank keeps first-stage order.
	cands := res.Candidates()
	out := e.Rerank(context.Background(), "terraform state", cands, 2)
	if len(out) != 2 || out[0].ID != cands[0].ID {
		t.Errorf("disabled rerank changed order: %v", out)
	}
}

func TestCloseWritesFinalSnapshot(t *testing.T) {
	root := t.TempDir()
	e, err := Open(Config{Root: root, Session: "s", FlushEvery: 100})
	if err != nil {
		t.Fatal(err)
	}
	e.AppendTurn(memory.NewTurn("only one turn", memory.RoleUser))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}

	g, err := memory.Load(filepath.Join(root, "turns", "recent", "s.json"))
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 1 {
		t.Errorf("final snapshot has %d turns, want 1", g.Len())
	}
}

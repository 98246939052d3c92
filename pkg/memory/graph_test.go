package memory

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func appendTurn(t *testing.T, g *Graph, content string, role Role, parents ...string) string {
	t.Helper()
	id, err := g.Append(NewTurn(content, role, parents...))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestAppendPreservesOrder(t *testing.T) {
	g := NewGraph()
	a := appendTurn(t, g, "how do I mount an nfs volume", RoleUser)
	b := appendTurn(t, g, "use a persistent volume with nfs driver", RoleAssistant, a)
	c := appendTurn(t, g, "that worked, thanks", RoleUser, b)

	hot := g.HotTurns()
	if len(hot) != 3 {
		t.Fatalf("HotTurns returned %d turns, want 3", len(hot))
	}
	for i, want := range []string{a, b, c} {
		if hot[i].ID != want {
			t.Errorf("hot[%d].ID = %s, want %s", i, hot[i].ID, want)
		}
	}

	recent := g.RecentTurns(2)
	if len(recent) != 2 || recent[0].ID != c || recent[1].ID != b {
		t.Errorf("RecentTurns(2) order wrong: %v", recent)
	}
}

func TestAppendDuplicateFails(t *testing.T) {
	g := NewGraph()
	turn := NewTurn("same content", RoleUser)
	if _, err := g.Append(turn); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Append(turn); !errors.Is(err, ErrDuplicateTurn) {
		t.Fatalf("second Append err = %v, want ErrDuplicateTurn", err)
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d, want 1", g.Len())
	}
}

func TestChildrenTracksEdges(t *testing.T) {
	g := NewGraph()
	root := appendTurn(t, g, "root question", RoleUser)
	left := appendTurn(t, g, "first approach", RoleAssistant, root)
	right := appendTurn(t, g, "second approach", RoleAssistant, root)

	kids := g.Children(root)
	if len(kids) != 2 || kids[0] != left || kids[1] != right {
		t.Errorf("Children(root) = %v, want [%s %s]", kids, left, right)
	}
	if got := g.Children(right); len(got) != 0 {
		t.Errorf("Children(leaf) = %v, want empty", got)
	}
}

func TestMarkCompressedBlanksBodyKeepsStructure(t *testing.T) {
	g := NewGraph()
	a := appendTurn(t, g, "old context that gets demoted", RoleUser)
	b := appendTurn(t, g, "still hot", RoleAssistant, a)

	if err := g.MarkCompressed(a); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkCompressed("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkCompressed(missing) err = %v, want ErrNotFound", err)
	}

	stub, ok := g.Turn(a)
	if !ok {
		t.Fatal("demoted turn should stay in the index")
	}
	if stub.Content != "" {
		t.Errorf("demoted turn body = %q, want empty", stub.Content)
	}
	if !g.IsCompressed(a) {
		t.Error("IsCompressed(a) = false after demotion")
	}
	if kids := g.Children(a); len(kids) != 1 || kids[0] != b {
		t.Errorf("edges should survive demotion, Children(a) = %v", kids)
	}
	if g.HotCount() != 1 {
		t.Errorf("HotCount() = %d, want 1", g.HotCount())
	}
	if g.Len() != 2 {
		t.Errorf("Len() = %d, want 2", g.Len())
	}

	// Demoted turns drop out of the recency window.
	recent := g.RecentTurns(10)
	if len(recent) != 1 || recent[0].ID != b {
		t.Errorf("RecentTurns after demotion = %v", recent)
	}
}

func TestAddLearningIdempotent(t *testing.T) {
	g := NewGraph()
	l := NewLearning("user prefers rebase over merge", CategoryPreference, 0.8)
	id, err := g.AddLearning(l)
	if err != nil {
		t.Fatal(err)
	}
	if !g.SetLearningEmbedding(id, []float32{0.5, 0.5}) {
		t.Fatal("SetLearningEmbedding failed")
	}

	// Replaying the same fact must not reset the embedding.
	again, err := g.AddLearning(NewLearning("user prefers rebase over merge", CategoryPreference, 0.8))
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Fatalf("replay returned id %s, want %s", again, id)
	}
	got, _ := g.Learning(id)
	if !got.HasEmbedding() {
		t.Error("embedding was reset by a replayed AddLearning")
	}
}

func TestActiveLearningsExcludesSuperseded(t *testing.T) {
	g := NewGraph()
	oldID, _ := g.AddLearning(NewLearning("api rate limit is 100 rps", CategoryFact, 0.7))
	newID, _ := g.AddLearning(NewLearning("api rate limit is 500 rps", CategoryFact, 0.9))

	if err := g.Supersede(oldID, newID); err != nil {
		t.Fatal(err)
	}
	if err := g.Supersede("missing", newID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Supersede(missing) err = %v, want ErrNotFound", err)
	}

	active := g.ActiveLearnings()
	if len(active) != 1 || active[0].ID != newID {
		t.Fatalf("ActiveLearnings = %v, want only %s", active, newID)
	}
	old, _ := g.Learning(oldID)
	if old.SupersededBy != newID {
		t.Errorf("SupersededBy = %q, want %q", old.SupersededBy, newID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	g := NewGraph()
	a := appendTurn(t, g, "demoted body", RoleUser)
	b := appendTurn(t, g, "hot body", RoleAssistant, a)
	lid, _ := g.AddLearning(NewLearning("uses postgres 17 in staging", CategoryFact, 0.85))
	g.SetLearningEmbedding(lid, []float32{0.1, 0.2, 0.3})
	if err := g.MarkCompressed(a); err != nil {
		t.Fatal(err)
	}

	if err := g.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Len() != 2 || loaded.HotCount() != 1 {
		t.Fatalf("loaded Len=%d HotCount=%d, want 2/1", loaded.Len(), loaded.HotCount())
	}
	if !loaded.IsCompressed(a) {
		t.Error("compressed flag lost in round trip")
	}
	if kids := loaded.Children(a); len(kids) != 1 || kids[0] != b {
		t.Errorf("edges lost in round trip: %v", kids)
	}
	hot, ok := loaded.Turn(b)
	if !ok || hot.Content != "hot body" {
		t.Errorf("hot turn body lost: %+v", hot)
	}
	l, ok := loaded.Learning(lid)
	if !ok || !l.HasEmbedding() {
		t.Errorf("learning or embedding lost: %+v", l)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) err = %v, want ErrNotFound", err)
	}
}

func TestTurnIDIsStable(t *testing.T) {
	a := NewTurn("same", RoleUser)
	time.Sleep(time.Millisecond)
	b := NewTurn("same", RoleUser)
	if a.ID != b.ID {
		t.Errorf("IDs differ for identical content: %s vs %s", a.ID, b.ID)
	}
	if c := NewTurn("same", RoleAssistant); c.ID == a.ID {
		t.Error("role should contribute to the ID")
	}
	if d := NewTurn("same", RoleUser, "parent-1"); d.ID == a.ID {
		t.Error("parents should contribute to the ID")
	}
}

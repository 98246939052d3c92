package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Graph is the canonical in-memory state for one session's conversation: every
// turn, every learning, and the DAG edges between turns. It is the only writer
// of hot-tier state.
//
// Demoted turns stay structurally present (ID, edges, timestamp) so ordering
// and ancestry queries keep working, but their bodies are blanked once the
// tier manager has persisted them to compressed storage.
//
// A Graph is owned by one session. Mutations are serialised internally so the
// background embedding worker can attach vectors while the session appends,
// but the graph is not meant to be shared between sessions.
type Graph struct {
	mu sync.RWMutex

	turns      map[string]Turn
	turnOrder  []string
	learnings  map[string]Learning
	learnOrder []string
	compressed map[string]struct{}
	children   map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		turns:      make(map[string]Turn),
		learnings:  make(map[string]Learning),
		compressed: make(map[string]struct{}),
		children:   make(map[string][]string),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// Append adds t to the graph and returns its ID. It fails only with
// [ErrDuplicateTurn]; append order is preserved and never reordered.
func (g *Graph) Append(t Turn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.ID == "" {
		t.ID = TurnID(t.Content, t.Role, t.ParentIDs)
	}
	if _, ok := g.turns[t.ID]; ok {
		return "", fmt.Errorf("append turn %s: %w", t.ID, ErrDuplicateTurn)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	g.turns[t.ID] = t
	g.turnOrder = append(g.turnOrder, t.ID)
	for _, p := range t.ParentIDs {
		g.children[p] = append(g.children[p], t.ID)
	}
	return t.ID, nil
}

// Turn returns the turn with the given ID. For demoted turns the body is
// empty; use the tier manager to fetch it from compressed storage.
func (g *Graph) Turn(id string) (Turn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.turns[id]
	return t, ok
}

// RecentTurns returns up to n hot (non-demoted) turns, most recent first.
func (g *Graph) RecentTurns(n int) []Turn {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Turn, 0, n)
	for i := len(g.turnOrder) - 1; i >= 0 && len(out) < n; i-- {
		id := g.turnOrder[i]
		if _, demoted := g.compressed[id]; demoted {
			continue
		}
		out = append(out, g.turns[id])
	}
	return out
}

// HotTurns returns all non-demoted turns in append order.
func (g *Graph) HotTurns() []Turn {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Turn, 0, len(g.turnOrder)-len(g.compressed))
	for _, id := range g.turnOrder {
		if _, demoted := g.compressed[id]; demoted {
			continue
		}
		out = append(out, g.turns[id])
	}
	return out
}

// HotCount returns the number of non-demoted turns.
func (g *Graph) HotCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.turnOrder) - len(g.compressed)
}

// Len returns the total number of turns, demoted ones included.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.turnOrder)
}

// Children returns the IDs of turns whose parent set includes id.
func (g *Graph) Children(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	kids := g.children[id]
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// MarkCompressed flips the tier flag on a turn and blanks its body. The turn
// stays in the index so edge structure and ordering survive demotion. The
// caller must have persisted the body to tier storage first.
func (g *Graph) MarkCompressed(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.turns[id]
	if !ok {
		return fmt.Errorf("mark compressed %s: %w", id, ErrNotFound)
	}
	t.Content = ""
	g.turns[id] = t
	g.compressed[id] = struct{}{}
	return nil
}

// IsCompressed reports whether the turn has been demoted.
func (g *Graph) IsCompressed(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.compressed[id]
	return ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Learnings
// ─────────────────────────────────────────────────────────────────────────────

// AddLearning stores l and returns its ID. Re-adding an existing ID is a
// no-op returning the existing ID: learning IDs are content-addressed, so an
// extractor replaying the same fact must not reset an already-attached
// embedding.
func (g *Graph) AddLearning(l Learning) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l.ID == "" {
		l.ID = LearningID(l.Fact, l.Category)
	}
	if _, ok := g.learnings[l.ID]; ok {
		return l.ID, nil
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}

	g.learnings[l.ID] = l
	g.learnOrder = append(g.learnOrder, l.ID)
	return l.ID, nil
}

// Learning returns the learning with the given ID.
func (g *Graph) Learning(id string) (Learning, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.learnings[id]
	return l, ok
}

// ActiveLearnings returns all learnings that have not been superseded, in
// insertion order. Contradiction detection itself is a collaborator's job;
// the graph only honours the flag.
func (g *Graph) ActiveLearnings() []Learning {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Learning, 0, len(g.learnOrder))
	for _, id := range g.learnOrder {
		l := g.learnings[id]
		if l.SupersededBy != "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Supersede marks old as replaced by newID. Returns [ErrNotFound] if old does
// not exist.
func (g *Graph) Supersede(oldID, newID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.learnings[oldID]
	if !ok {
		return fmt.Errorf("supersede %s: %w", oldID, ErrNotFound)
	}
	l.SupersededBy = newID
	g.learnings[oldID] = l
	return nil
}

// SetLearningEmbedding attaches a vector to the learning with the given ID.
// Returns false if the learning no longer exists.
func (g *Graph) SetLearningEmbedding(id string, vec []float32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.learnings[id]
	if !ok {
		return false
	}
	l.Embedding = vec
	g.learnings[id] = l
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Persistence
// ─────────────────────────────────────────────────────────────────────────────

// snapshot is the on-disk form of a graph. Demoted turns are included as
// body-less stubs so edge structure survives a reload.
type snapshot struct {
	SavedAt    time.Time  `json:"saved_at"`
	Turns      []Turn     `json:"turns"`
	Compressed []string   `json:"compressed,omitempty"`
	Learnings  []Learning `json:"learnings,omitempty"`
}

// Save writes the graph to path atomically (temp file + rename). There is no
// implicit autosave; callers decide when a snapshot is worth the write.
func (g *Graph) Save(path string) error {
	g.mu.RLock()
	snap := snapshot{SavedAt: time.Now().UTC()}
	snap.Turns = make([]Turn, 0, len(g.turnOrder))
	for _, id := range g.turnOrder {
		snap.Turns = append(snap.Turns, g.turns[id])
	}
	snap.Compressed = make([]string, 0, len(g.compressed))
	for _, id := range g.turnOrder {
		if _, ok := g.compressed[id]; ok {
			snap.Compressed = append(snap.Compressed, id)
		}
	}
	snap.Learnings = make([]Learning, 0, len(g.learnOrder))
	for _, id := range g.learnOrder {
		snap.Learnings = append(snap.Learnings, g.learnings[id])
	}
	g.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("graph: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("graph: create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("graph: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("graph: commit snapshot: %w", err)
	}
	return nil
}

// Load reads a graph snapshot from path. A missing file returns
// [ErrNotFound]; callers typically treat that as a fresh session.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("graph: load %q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("graph: load %q: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("graph: decode %q: %w", path, err)
	}

	g := NewGraph()
	for _, t := range snap.Turns {
		if _, err := g.Append(t); err != nil {
			return nil, fmt.Errorf("graph: restore: %w", err)
		}
	}
	for _, id := range snap.Compressed {
		g.compressed[id] = struct{}{}
	}
	for _, l := range snap.Learnings {
		if _, err := g.AddLearning(l); err != nil {
			return nil, fmt.Errorf("graph: restore: %w", err)
		}
	}
	return g, nil
}

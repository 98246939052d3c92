// Package episodes keeps the append-only record of completed tasks.
//
// An episode is the durable residue of a whole unit of work: what was
// attempted, how it ended, and which learnings it produced. Episodes are the
// cross-session memory; graphs come and go per session, the episode log only
// grows. Failed episodes are first-class records, not noise: retrieval boosts
// them so the agent is reminded of approaches that already went wrong.
package episodes

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an episode ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePartial   Outcome = "partial"
	OutcomeAbandoned Outcome = "abandoned"
)

// IsValid reports whether o is a recognised outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomePartial, OutcomeAbandoned:
		return true
	}
	return false
}

// Episode is one completed task.
type Episode struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`

	// Learnings are the IDs of learnings extracted during this episode.
	Learnings []string `json:"learnings,omitempty"`

	// Models lists the model identifiers that contributed turns.
	Models []string `json:"models,omitempty"`

	// TurnCount is how many turns the episode spanned.
	TurnCount int `json:"turn_count"`
}

// New builds an episode with a fresh ID and current timestamp.
func New(summary string, outcome Outcome) Episode {
	return Episode{
		ID:        uuid.NewString(),
		Summary:   summary,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}

// Log is the append-only episode store, one JSON object per line at
// <root>/episodes/episodes.jsonl. Appends go straight to disk; reads scan the
// file. Episode volume is low (one per task, not per turn), so there is no
// index and no cache.
type Log struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// Option is a functional option for [Open].
type Option func(*Log)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.log = l }
}

// Open prepares the episode log under root, creating the directory if needed.
func Open(root string, opts ...Option) (*Log, error) {
	dir := filepath.Join(root, "episodes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("episodes: create dir: %w", err)
	}
	l := &Log{
		path: filepath.Join(dir, "episodes.jsonl"),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Append writes e to the log. A zero ID or timestamp is filled in; an invalid
// outcome is rejected before anything touches disk.
func (l *Log) Append(e Episode) (string, error) {
	if !e.Outcome.IsValid() {
		return "", fmt.Errorf("episodes: append: invalid outcome %q", e.Outcome)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("episodes: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("episodes: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("episodes: append: %w", err)
	}
	l.log.Debug("episode recorded", "id", e.ID, "outcome", e.Outcome, "turns", e.TurnCount)
	return e.ID, nil
}

// All returns every episode in log order.
func (l *Log) All() ([]Episode, error) {
	return l.read(func(Episode) bool { return true })
}

// Recent returns up to n episodes, most recent last-written first.
func (l *Log) Recent(n int) ([]Episode, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	if n > len(all) {
		n = len(all)
	}
	out := make([]Episode, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Failed returns every episode whose outcome is [OutcomeFailed], in log
// order. Retrieval treats these as standing warnings.
func (l *Log) Failed() ([]Episode, error) {
	return l.read(func(e Episode) bool { return e.Outcome == OutcomeFailed })
}

// read scans the log, keeping episodes that pass keep. A missing file is an
// empty log. Lines that fail to decode are logged and skipped rather than
// failing the whole read.
func (l *Log) read(keep func(Episode) bool) ([]Episode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("episodes: read log: %w", err)
	}
	defer f.Close()

	var out []Episode
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Episode
		if err := json.Unmarshal(line, &e); err != nil {
			l.log.Warn("skipping undecodable episode line", "err", err)
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("episodes: scan log: %w", err)
	}
	return out, nil
}

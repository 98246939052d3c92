// Package events implements the durable store for facts arriving from
// outside the agent loop: integrations, webhooks, timers.
//
// Two append-only logs live under <root>/external. events.jsonl is the
// historical record, one JSON object per event. wal.jsonl records one line
// per processing-status transition and is the durability boundary: a
// collaborator WAL-appends "received" before doing any side-effecting work on
// an event and the terminal status after, so a crash between the two is
// detectable on the next start by replaying the WAL.
//
// Both files are append-only and single-writer; the store serialises writes
// internally so multiple goroutines of the owning process may share it.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memkeep/memkeep/pkg/memory"
)

// Status is an event's processing state as recorded in the WAL.
type Status string

const (
	// StatusReceived marks an event whose side-effecting processing has begun
	// but not finished. The only non-terminal status: crash recovery is
	// defined as "ids whose latest status is received".
	StatusReceived Status = "received"

	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Event is a fact that arrived from outside the agent loop.
type Event struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Type        string         `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
	ExternalURL string         `json:"external_url,omitempty"`

	// ExternalRef is the upstream system's identifier for this event, used by
	// [Store.GetByRef] for reverse lookup.
	ExternalRef string `json:"external_ref,omitempty"`

	// StoredAt is when the event was appended to history.
	StoredAt time.Time `json:"stored_at"`
}

// New builds an event with a fresh ID and a UTC timestamp.
func New(source, eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Source:    source,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Store owns the event history and WAL files under one storage root.
type Store struct {
	mu          sync.Mutex
	historyPath string
	walPath     string
	onAppend    func(Status)
	log         *slog.Logger
}

// Option is a functional option for [Open].
type Option func(*Store)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithOnAppend registers a callback invoked with the status of every
// successful WAL append. Used for metrics.
func WithOnAppend(fn func(Status)) Option {
	return func(s *Store) { s.onAppend = fn }
}

// Open creates <root>/external if needed and returns a store over it.
func Open(root string, opts ...Option) (*Store, error) {
	dir := filepath.Join(root, "external")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("events: create %s: %w", dir, err)
	}
	s := &Store{
		historyPath: filepath.Join(dir, "events.jsonl"),
		walPath:     filepath.Join(dir, "wal.jsonl"),
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// History
// ─────────────────────────────────────────────────────────────────────────────

// Record appends e to the event history. StoredAt is stamped if unset.
// Append failures are surfaced, never swallowed: a lost event is a data-loss
// condition the caller must know about.
func (s *Store) Record(e Event) error {
	if e.ID == "" {
		return fmt.Errorf("events: record: event has no id")
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal event %s: %w", e.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(s.historyPath, line); err != nil {
		return fmt.Errorf("events: append history: %w", err)
	}
	return nil
}

// GetByRef returns the most recently stored event whose ExternalRef equals
// ref. The scan runs newest-first since most lookups target recent arrivals.
// Returns [memory.ErrNotFound] when no event carries the reference.
func (s *Store) GetByRef(ref string) (Event, error) {
	if ref == "" {
		return Event{}, fmt.Errorf("events: get by ref: %w", memory.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(s.historyPath)
	if err != nil {
		return Event{}, fmt.Errorf("events: read history: %w", err)
	}
	for i := len(lines) - 1; i >= 0; i-- {
		var e Event
		if err := json.Unmarshal(lines[i], &e); err != nil {
			s.log.Warn("malformed history record skipped", "line", i+1, "err", err)
			continue
		}
		if e.ExternalRef == ref {
			return e, nil
		}
	}
	return Event{}, fmt.Errorf("events: ref %q: %w", ref, memory.ErrNotFound)
}

// ─────────────────────────────────────────────────────────────────────────────
// WAL
// ─────────────────────────────────────────────────────────────────────────────

// walEntry is one status transition. Free-form metadata is flattened into the
// same JSON object alongside the fixed fields.
type walEntry struct {
	Timestamp time.Time
	EventID   string
	Source    string
	Type      string
	Status    Status
	Meta      map[string]any
}

// walReserved names the fixed WAL fields metadata keys may not shadow.
var walReserved = map[string]struct{}{
	"timestamp": {}, "event_id": {}, "source": {}, "event_type": {}, "status": {},
}

func (w walEntry) marshal() ([]byte, error) {
	obj := make(map[string]any, len(w.Meta)+5)
	for k, v := range w.Meta {
		if _, reserved := walReserved[k]; reserved {
			continue
		}
		obj[k] = v
	}
	obj["timestamp"] = w.Timestamp.UTC().Format(time.RFC3339Nano)
	obj["event_id"] = w.EventID
	obj["source"] = w.Source
	obj["event_type"] = w.Type
	obj["status"] = w.Status
	return json.Marshal(obj)
}

func parseWALEntry(line []byte) (walEntry, error) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return walEntry{}, err
	}
	tsRaw, _ := obj["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return walEntry{}, fmt.Errorf("bad timestamp %q: %w", tsRaw, err)
	}
	id, _ := obj["event_id"].(string)
	if id == "" {
		return walEntry{}, fmt.Errorf("missing event_id")
	}
	statusRaw, _ := obj["status"].(string)
	if statusRaw == "" {
		return walEntry{}, fmt.Errorf("missing status")
	}
	w := walEntry{
		Timestamp: ts,
		EventID:   id,
		Status:    Status(statusRaw),
	}
	w.Source, _ = obj["source"].(string)
	w.Type, _ = obj["event_type"].(string)
	for k, v := range obj {
		if _, reserved := walReserved[k]; reserved {
			continue
		}
		if w.Meta == nil {
			w.Meta = make(map[string]any)
		}
		w.Meta[k] = v
	}
	return w, nil
}

// WALAppend records a status transition for e, with optional free-form
// metadata merged into the entry. This is the durability boundary: callers
// append [StatusReceived] before side-effecting work and the terminal status
// after it.
func (s *Store) WALAppend(e Event, status Status, meta map[string]any) error {
	if e.ID == "" {
		return fmt.Errorf("events: wal append: event has no id")
	}
	entry := walEntry{
		Timestamp: time.Now().UTC(),
		EventID:   e.ID,
		Source:    e.Source,
		Type:      e.Type,
		Status:    status,
		Meta:      meta,
	}
	line, err := entry.marshal()
	if err != nil {
		return fmt.Errorf("events: marshal wal entry for %s: %w", e.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLine(s.walPath, line); err != nil {
		return fmt.Errorf("events: append wal: %w", err)
	}
	if s.onAppend != nil {
		s.onAppend(status)
	}
	return nil
}

// RecoverFromCrash replays the WAL and returns the ids of events whose latest
// status is still [StatusReceived], in first-seen order. These are exactly
// the events whose side effects have unknown completion; the caller decides
// how to re-process or reconcile them, and the store assumes nothing about
// the idempotence of that re-processing.
func (s *Store) RecoverFromCrash() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.replayWAL()
	if err != nil {
		return nil, err
	}

	latest := make(map[string]Status)
	var order []string
	for _, e := range entries {
		if _, seen := latest[e.EventID]; !seen {
			order = append(order, e.EventID)
		}
		latest[e.EventID] = e.Status
	}

	var unresolved []string
	for _, id := range order {
		if latest[id] == StatusReceived {
			unresolved = append(unresolved, id)
		}
	}
	return unresolved, nil
}

// CompactWAL rewrites the WAL keeping only entries newer than the retention
// window, except that entries for events whose latest status is still
// [StatusReceived] are kept regardless of age: unresolved work is never
// dropped. Lines the store cannot parse are preserved verbatim rather than
// destroyed. Returns the number of entries removed.
func (s *Store) CompactWAL(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := readLines(s.walPath)
	if err != nil {
		return 0, fmt.Errorf("events: read wal: %w", err)
	}
	if len(lines) == 0 {
		return 0, nil
	}

	type parsed struct {
		raw   []byte
		entry walEntry
		ok    bool
	}
	all := make([]parsed, 0, len(lines))
	latest := make(map[string]Status)
	for i, raw := range lines {
		e, err := parseWALEntry(raw)
		if err != nil {
			s.log.Warn("malformed wal entry kept through compaction", "line", i+1, "err", err)
			all = append(all, parsed{raw: raw})
			continue
		}
		latest[e.EventID] = e.Status
		all = append(all, parsed{raw: raw, entry: e, ok: true})
	}

	var kept [][]byte
	dropped := 0
	for _, p := range all {
		switch {
		case !p.ok:
			kept = append(kept, p.raw)
		case latest[p.entry.EventID] == StatusReceived:
			kept = append(kept, p.raw)
		case p.entry.Timestamp.After(cutoff):
			kept = append(kept, p.raw)
		default:
			dropped++
		}
	}
	if dropped == 0 {
		return 0, nil
	}

	if err := rewriteLines(s.walPath, kept); err != nil {
		return 0, fmt.Errorf("events: rewrite wal: %w", err)
	}
	s.log.Info("wal compacted", "dropped", dropped, "kept", len(kept), "retention_days", retentionDays)
	return dropped, nil
}

// replayWAL parses the whole WAL in append order, skipping malformed lines.
func (s *Store) replayWAL() ([]walEntry, error) {
	lines, err := readLines(s.walPath)
	if err != nil {
		return nil, fmt.Errorf("events: read wal: %w", err)
	}
	entries := make([]walEntry, 0, len(lines))
	for i, raw := range lines {
		e, err := parseWALEntry(raw)
		if err != nil {
			s.log.Warn("malformed wal entry skipped", "line", i+1, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// File helpers
// ─────────────────────────────────────────────────────────────────────────────

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readLines returns the non-empty lines of path. A missing file reads as
// empty.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// rewriteLines replaces path's contents atomically.
func rewriteLines(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

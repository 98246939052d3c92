// Package tier implements the storage lifecycle for turns: hot in the graph,
// compressed in date-sharded codec files, archived in compressed shards, and
// finally deleted when a turn is purged as a dead end.
//
// All demotion and archival operations are idempotent and safe to re-run
// after a crash: they key off file presence and in-graph tier flags, never
// off in-memory counters, so a half-completed pass simply continues on the
// next invocation.
package tier

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/memory/codec"
)

const (
	compressedDir = "compressed"
	archivedDir   = "archived"
	shardExt      = ".jsonl"
	summariesFile = "summaries.ctf"
	dateLayout    = "2006-01-02"
)

// DefaultHotMax is the default hot-tier turn budget.
const DefaultHotMax = 50

// Manager owns tier storage under <root>/turns and is the only writer of the
// shard files there. One Manager per storage root.
type Manager struct {
	root          string
	graph         *memory.Graph
	codec         *codec.Codec
	hotMax        int
	archive       compressor
	archiveScheme string
	log           *slog.Logger
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithHotMax sets the hot-tier turn budget that triggers demotion.
// Defaults to [DefaultHotMax].
func WithHotMax(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.hotMax = n
		}
	}
}

// WithCodec replaces the default codec, e.g. to change the truncation
// threshold.
func WithCodec(c *codec.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithArchiveScheme selects the archive compression scheme ("zstd" or
// "gzip"). An unavailable scheme falls back to gzip with a logged warning.
func WithArchiveScheme(scheme string) Option {
	return func(m *Manager) { m.archive = nil; m.archiveScheme = scheme }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates the tier directories under root and returns a manager
// bound to the given graph.
func NewManager(root string, g *memory.Graph, opts ...Option) (*Manager, error) {
	m := &Manager{
		root:   root,
		graph:  g,
		codec:  codec.New(),
		hotMax: DefaultHotMax,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.archive == nil {
		m.archive = newCompressor(m.archiveScheme, m.log)
	}

	for _, dir := range []string{m.dir(compressedDir), m.dir(archivedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tier: create %s: %w", dir, err)
		}
	}
	return m, nil
}

func (m *Manager) dir(tier string) string {
	return filepath.Join(m.root, "turns", tier)
}

// ─────────────────────────────────────────────────────────────────────────────
// Demotion: hot → compressed
// ─────────────────────────────────────────────────────────────────────────────

// MaybeDemote demotes the oldest excess turns to compressed shards when the
// hot tier exceeds its budget. Returns the number of turns demoted.
//
// A failed shard write leaves its turns hot; they are picked up again on the
// next pass rather than blocking this one.
func (m *Manager) MaybeDemote() (int, error) {
	hot := m.graph.HotTurns()
	if len(hot) <= m.hotMax {
		return 0, nil
	}

	sort.SliceStable(hot, func(i, j int) bool {
		return hot[i].Timestamp.Before(hot[j].Timestamp)
	})
	excess := hot[:len(hot)-m.hotMax]

	// Group by shard date so each shard file is appended once per pass.
	byDate := make(map[string][]memory.Turn)
	var dates []string
	for _, t := range excess {
		day := t.Timestamp.UTC().Format(dateLayout)
		if _, seen := byDate[day]; !seen {
			dates = append(dates, day)
		}
		byDate[day] = append(byDate[day], t)
	}
	sort.Strings(dates)

	demoted := 0
	for _, day := range dates {
		batch := byDate[day]
		shard := filepath.Join(m.dir(compressedDir), day+shardExt)
		if err := appendFile(shard, m.codec.EncodeTurns(batch)); err != nil {
			m.log.Warn("demotion write failed, turns stay hot",
				"shard", shard, "turns", len(batch), "err", err)
			continue
		}
		for _, t := range batch {
			if err := m.graph.MarkCompressed(t.ID); err != nil {
				m.log.Warn("mark compressed failed", "turn", t.ID, "err", err)
				continue
			}
			demoted++
		}
	}

	if demoted > 0 {
		m.log.Debug("demoted turns to compressed tier", "count", demoted, "hot_max", m.hotMax)
	}
	return demoted, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Archival: compressed → archived
// ─────────────────────────────────────────────────────────────────────────────

// MoveToArchived rewrites compressed shards older than the cutoff through the
// archive compressor and removes the uncompressed shard only after the
// archived copy is committed. A chunk summary is appended for every archived
// shard so the span stays searchable. Returns the number of shards moved.
//
// Re-running after a crash is safe: a shard whose archive already exists is
// not re-compressed, only the leftover source is removed.
func (m *Manager) MoveToArchived(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	entries, err := os.ReadDir(m.dir(compressedDir))
	if err != nil {
		return 0, fmt.Errorf("tier: scan compressed dir: %w", err)
	}

	moved := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, shardExt) {
			continue
		}
		day, err := time.Parse(dateLayout, strings.TrimSuffix(name, shardExt))
		if err != nil {
			m.log.Warn("unrecognised shard name, skipping", "shard", name)
			continue
		}
		// A shard is eligible once its whole day is past the cutoff.
		if !day.Add(24 * time.Hour).Before(cutoff) {
			continue
		}

		src := filepath.Join(m.dir(compressedDir), name)
		dst := filepath.Join(m.dir(archivedDir), name+m.archive.ext())

		if err := m.archiveShard(src, dst); err != nil {
			m.log.Warn("archive failed, shard stays compressed", "shard", name, "err", err)
			continue
		}
		if err := os.Remove(src); err != nil {
			return moved, fmt.Errorf("tier: remove archived source %s: %w", name, err)
		}
		moved++
	}
	return moved, nil
}

// archiveShard compresses src into dst atomically and appends a chunk
// summary for the shard's turns. An already-present dst means a previous
// pass crashed between commit and source removal; it is left as-is.
func (m *Manager) archiveShard(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read shard: %w", err)
	}

	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := m.archive.compress(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress shard: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit archive: %w", err)
	}

	if turns := m.codec.DecodeTurns(string(data)); len(turns) > 0 {
		if err := m.AppendSummary(summarize(turns)); err != nil {
			m.log.Warn("chunk summary write failed", "archive", dst, "err", err)
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// RetrieveFromCompressed returns the demoted turn with the given ID, scanning
// compressed shards newest-first and falling back to archived shards. Returns
// [memory.ErrNotFound] if no tier holds the turn.
func (m *Manager) RetrieveFromCompressed(id string) (memory.Turn, error) {
	var found memory.Turn
	ok := false
	err := m.scanShards(func(t memory.Turn) bool {
		if t.ID == id {
			found, ok = t, true
			return false
		}
		return true
	})
	if err != nil {
		return memory.Turn{}, err
	}
	if !ok {
		return memory.Turn{}, fmt.Errorf("tier: turn %s: %w", id, memory.ErrNotFound)
	}
	return found, nil
}

// SearchCompressed returns up to limit demoted turns matching the query,
// newest shards first. Matching is lexical: substring match on the content,
// with fuzzy token matching to absorb typos. Linear scans are acceptable
// here; compressed shards are read far less often than written.
func (m *Manager) SearchCompressed(query string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []memory.Turn
	err := m.scanShards(func(t memory.Turn) bool {
		if matchesQuery(query, t.Content) {
			out = append(out, t)
		}
		return len(out) < limit
	})
	return out, err
}

// scanShards feeds every demoted turn to fn, newest shards first, compressed
// tier before archived. fn returns false to stop early.
func (m *Manager) scanShards(fn func(memory.Turn) bool) error {
	for _, tierDir := range []string{m.dir(compressedDir), m.dir(archivedDir)} {
		entries, err := os.ReadDir(tierDir)
		if err != nil {
			return fmt.Errorf("tier: scan %s: %w", tierDir, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			// Date shards only; skips the summaries file and temp leftovers.
			if !e.IsDir() && strings.HasPrefix(e.Name(), "2") && !strings.HasSuffix(e.Name(), ".tmp") {
				names = append(names, e.Name())
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))

		for _, name := range names {
			data, err := m.readShard(filepath.Join(tierDir, name))
			if err != nil {
				m.log.Warn("unreadable shard skipped", "shard", name, "err", err)
				continue
			}
			turns := m.codec.DecodeTurns(data)
			for i := len(turns) - 1; i >= 0; i-- {
				if !fn(turns[i]) {
					return nil
				}
			}
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Dead-end cleanup: compressed/archived → deleted
// ─────────────────────────────────────────────────────────────────────────────

// CleanupDeadEnds rewrites compressed and archived shards excluding the
// given turn IDs, physically reclaiming the space. Shards left empty are
// removed. Returns the number of turns purged.
func (m *Manager) CleanupDeadEnds(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	dead := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		dead[id] = struct{}{}
	}

	removed := 0
	for _, tierDir := range []string{m.dir(compressedDir), m.dir(archivedDir)} {
		entries, err := os.ReadDir(tierDir)
		if err != nil {
			return removed, fmt.Errorf("tier: scan %s: %w", tierDir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, "2") || strings.HasSuffix(name, ".tmp") {
				continue
			}
			path := filepath.Join(tierDir, name)
			n, err := m.rewriteShardExcluding(path, dead)
			if err != nil {
				m.log.Warn("dead-end rewrite failed, shard untouched", "shard", name, "err", err)
				continue
			}
			removed += n
		}
	}
	return removed, nil
}

// rewriteShardExcluding rewrites one shard without the dead turns, preserving
// the shard's storage form (plain or archived). Returns how many turns were
// dropped. Shards containing none of the dead IDs are left untouched.
func (m *Manager) rewriteShardExcluding(path string, dead map[string]struct{}) (int, error) {
	data, err := m.readShard(path)
	if err != nil {
		return 0, err
	}
	turns := m.codec.DecodeTurns(data)

	kept := turns[:0]
	for _, t := range turns {
		if _, isDead := dead[t.ID]; !isDead {
			kept = append(kept, t)
		}
	}
	dropped := len(turns) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	if len(kept) == 0 {
		if err := os.Remove(path); err != nil {
			return 0, fmt.Errorf("remove emptied shard: %w", err)
		}
		return dropped, nil
	}

	encoded := m.codec.EncodeTurns(kept)
	tmp := path + ".tmp"
	if isArchivePath(path) {
		f, err := os.Create(tmp)
		if err != nil {
			return 0, fmt.Errorf("create rewrite: %w", err)
		}
		if err := compressorFor(path, m.archive).compress(f, []byte(encoded)); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("compress rewrite: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return 0, fmt.Errorf("close rewrite: %w", err)
		}
	} else {
		if err := os.WriteFile(tmp, []byte(encoded), 0o644); err != nil {
			os.Remove(tmp)
			return 0, fmt.Errorf("write rewrite: %w", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("commit rewrite: %w", err)
	}
	return dropped, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Chunk summaries
// ─────────────────────────────────────────────────────────────────────────────

// AppendSummary appends a chunk summary to the archived tier's summary file.
func (m *Manager) AppendSummary(s memory.ChunkSummary) error {
	path := filepath.Join(m.dir(archivedDir), summariesFile)
	if err := appendFile(path, m.codec.EncodeSummaries([]memory.ChunkSummary{s})); err != nil {
		return fmt.Errorf("tier: append summary: %w", err)
	}
	return nil
}

// Summaries returns all chunk summaries, oldest first. A missing summary
// file is an empty result, not an error.
func (m *Manager) Summaries() ([]memory.ChunkSummary, error) {
	data, err := os.ReadFile(filepath.Join(m.dir(archivedDir), summariesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tier: read summaries: %w", err)
	}
	return m.codec.DecodeSummaries(string(data)), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// matchesQuery reports whether content matches query: substring first, then
// fuzzy per-token comparison for near-misses.
func matchesQuery(query, content string) bool {
	q := strings.ToLower(query)
	c := strings.ToLower(content)
	if q == "" {
		return false
	}
	if strings.Contains(c, q) {
		return true
	}
	qTokens := strings.Fields(q)
	cTokens := strings.Fields(c)
	matched := 0
	for _, qt := range qTokens {
		for _, ct := range cTokens {
			if matchr.JaroWinkler(qt, ct, false) >= 0.92 {
				matched++
				break
			}
		}
	}
	return matched == len(qTokens)
}

// appendFile appends data to path, creating it if needed.
func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

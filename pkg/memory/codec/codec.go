// Package codec implements the compact text encoding used wherever turns or
// chunk summaries are written to tier storage.
//
// The format is header-described and field-separated rather than JSON: a batch
// starts with a header line declaring the schema version and an ordered field
// list, followed by one record per line with fields joined by the ASCII unit
// separator. Repeated structural keys are paid once per batch instead of once
// per record, which is what makes compressed shards markedly smaller than the
// equivalent JSONL.
//
// Shard files may contain several concatenated batches (one per append); a
// decoder treats every header line as a schema reset, so appending batches to
// an existing shard needs no rewrite.
//
// Content is defended against the separator characters by substituting
// reserved control-picture glyphs before encoding and restoring them on
// decode. Content longer than the configured maximum is truncated with an
// in-band marker; truncation is irreversible but never silent.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memkeep/memkeep/pkg/memory"
)

const (
	// fieldSep joins fields within a record. Records are newline-separated so
	// shards stay line-oriented and appendable.
	fieldSep = "\x1f"

	// Reserved glyphs substituted for separator characters inside field
	// values. Content containing these exact glyphs is not round-trippable;
	// they are control pictures, not text anyone types.
	glyphFieldSep = "␟" // ␟
	glyphNewline  = "␊" // ␊
	glyphCarriage = "␍" // ␍

	turnHeader    = "#t/1"
	summaryHeader = "#s/1"

	// TruncationMark is appended in-band when content exceeds the configured
	// maximum length, so readers can tell truncation from short content.
	TruncationMark = "…[truncated]"

	// DefaultMaxContent is the default content truncation threshold in runes.
	DefaultMaxContent = 4096
)

var (
	turnFields    = []string{"id", "role", "ts", "model", "parents", "content"}
	summaryFields = []string{"id", "start", "end", "turns", "text"}
)

// timeLayout is the timestamp encoding used in records.
const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Codec encodes and decodes turn and chunk-summary batches.
type Codec struct {
	maxContent int
}

// Option is a functional option for [New].
type Option func(*Codec)

// minContent is the smallest usable truncation threshold: a truncated value
// is exactly maxContent runes ending in the mark, so the threshold can never
// be below the mark itself.
var minContent = len([]rune(TruncationMark))

// WithMaxContent sets the content truncation threshold in runes.
// Defaults to [DefaultMaxContent]; values smaller than [TruncationMark]
// are raised to the mark's length.
func WithMaxContent(n int) Option {
	return func(c *Codec) {
		switch {
		case n >= minContent:
			c.maxContent = n
		case n > 0:
			c.maxContent = minContent
		}
	}
}

// New returns a codec with the given options applied.
func New(opts ...Option) *Codec {
	c := &Codec{maxContent: DefaultMaxContent}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// EncodeTurns encodes a batch of turns: one header line declaring the field
// order, then one record line per turn.
func (c *Codec) EncodeTurns(turns []memory.Turn) string {
	var b strings.Builder
	writeHeader(&b, turnHeader, len(turns), turnFields)
	for _, t := range turns {
		row := []string{
			defend(t.ID),
			defend(string(t.Role)),
			t.Timestamp.UTC().Format(timeLayout),
			defend(t.Model),
			defend(strings.Join(t.ParentIDs, ";")),
			defend(c.truncate(t.Content)),
		}
		b.WriteString(strings.Join(row, fieldSep))
		b.WriteByte('\n')
	}
	return b.String()
}

// DecodeTurns decodes every turn batch found in encoded. Malformed rows
// (fewer fields than the governing header declares) are skipped so one
// corrupted record never loses the rest of the shard; trailing fields beyond
// the declared list are ignored for forward compatibility.
func (c *Codec) DecodeTurns(encoded string) []memory.Turn {
	var (
		out    []memory.Turn
		fields []string
	)
	for _, line := range strings.Split(encoded, "\n") {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if kind, fl, ok := parseHeader(line); ok && kind == turnHeader {
				fields = fl
			} else {
				fields = nil
			}
			continue
		}
		if fields == nil {
			continue
		}
		row, ok := splitRow(line, fields)
		if !ok {
			continue
		}
		ts, err := parseTime(row["ts"])
		if err != nil {
			continue
		}
		t := memory.Turn{
			ID:        restore(row["id"]),
			Role:      memory.Role(restore(row["role"])),
			Timestamp: ts,
			Model:     restore(row["model"]),
			Content:   restore(row["content"]),
		}
		if parents := restore(row["parents"]); parents != "" {
			t.ParentIDs = strings.Split(parents, ";")
		}
		out = append(out, t)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Chunk summaries
// ─────────────────────────────────────────────────────────────────────────────

// EncodeSummaries encodes a batch of chunk summaries in the same shape as
// [Codec.EncodeTurns], under the summary schema header.
func (c *Codec) EncodeSummaries(sums []memory.ChunkSummary) string {
	var b strings.Builder
	writeHeader(&b, summaryHeader, len(sums), summaryFields)
	for _, s := range sums {
		row := []string{
			defend(s.ID),
			s.Start.UTC().Format(timeLayout),
			s.End.UTC().Format(timeLayout),
			strconv.Itoa(s.TurnCount),
			defend(c.truncate(s.Text)),
		}
		b.WriteString(strings.Join(row, fieldSep))
		b.WriteByte('\n')
	}
	return b.String()
}

// DecodeSummaries decodes every summary batch found in encoded, skipping
// malformed rows.
func (c *Codec) DecodeSummaries(encoded string) []memory.ChunkSummary {
	var (
		out    []memory.ChunkSummary
		fields []string
	)
	for _, line := range strings.Split(encoded, "\n") {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if kind, fl, ok := parseHeader(line); ok && kind == summaryHeader {
				fields = fl
			} else {
				fields = nil
			}
			continue
		}
		if fields == nil {
			continue
		}
		row, ok := splitRow(line, fields)
		if !ok {
			continue
		}
		start, err := parseTime(row["start"])
		if err != nil {
			continue
		}
		end, err := parseTime(row["end"])
		if err != nil {
			continue
		}
		turns, err := strconv.Atoi(row["turns"])
		if err != nil {
			continue
		}
		out = append(out, memory.ChunkSummary{
			ID:        restore(row["id"]),
			Start:     start,
			End:       end,
			TurnCount: turns,
			Text:      restore(row["text"]),
		})
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

// writeHeader emits e.g. "#t/1 n=3 f=id|role|ts|model|parents|content".
func writeHeader(b *strings.Builder, kind string, n int, fields []string) {
	fmt.Fprintf(b, "%s n=%d f=%s\n", kind, n, strings.Join(fields, "|"))
}

// parseHeader returns the schema kind and field list from a header line. The
// n= record count is advisory and not enforced: rows may have been dropped as
// malformed, and appended batches re-declare it anyway.
func parseHeader(line string) (kind string, fields []string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", nil, false
	}
	kind = parts[0]
	for _, p := range parts[1:] {
		if f, found := strings.CutPrefix(p, "f="); found {
			return kind, strings.Split(f, "|"), true
		}
	}
	return "", nil, false
}

// splitRow maps a record line onto the declared field names. Rows with fewer
// fields than declared are malformed; extra trailing fields are ignored.
func splitRow(line string, fields []string) (map[string]string, bool) {
	parts := strings.Split(line, fieldSep)
	if len(parts) < len(fields) {
		return nil, false
	}
	row := make(map[string]string, len(fields))
	for i, name := range fields {
		row[name] = parts[i]
	}
	return row, true
}

// defend substitutes separator characters with reserved glyphs so field
// values can never break record framing.
func defend(s string) string {
	s = strings.ReplaceAll(s, fieldSep, glyphFieldSep)
	s = strings.ReplaceAll(s, "\r", glyphCarriage)
	return strings.ReplaceAll(s, "\n", glyphNewline)
}

// restore is the inverse of defend.
func restore(s string) string {
	s = strings.ReplaceAll(s, glyphFieldSep, fieldSep)
	s = strings.ReplaceAll(s, glyphCarriage, "\r")
	return strings.ReplaceAll(s, glyphNewline, "\n")
}

// truncate caps s at the configured rune count, replacing the tail with
// [TruncationMark]. The result is exactly maxContent runes, so re-encoding a
// truncated value is a fixed point.
func (c *Codec) truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= c.maxContent {
		return s
	}
	mark := []rune(TruncationMark)
	return string(runes[:c.maxContent-len(mark)]) + TruncationMark
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

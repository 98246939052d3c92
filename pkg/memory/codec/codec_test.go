package codec_test

import (
	"strings"
	"testing"
	"time"

	"github.com/memkeep/memkeep/pkg/memory"
	"github.com/memkeep/memkeep/pkg/memory/codec"
)

func mkTurn(t *testing.T, content string, role memory.Role, parents ...string) memory.Turn {
	t.Helper()
	turn := memory.NewTurn(content, role, parents...)
	// Fixed timestamp so failures print stable diffs.
	turn.Timestamp = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	return turn
}

func assertTurnEqual(t *testing.T, got, want memory.Turn) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("ID = %q, want %q", got.ID, want.ID)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Role != want.Role {
		t.Errorf("Role = %q, want %q", got.Role, want.Role)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	if got.Model != want.Model {
		t.Errorf("Model = %q, want %q", got.Model, want.Model)
	}
	if strings.Join(got.ParentIDs, ";") != strings.Join(want.ParentIDs, ";") {
		t.Errorf("ParentIDs = %v, want %v", got.ParentIDs, want.ParentIDs)
	}
}

func TestTurnRoundTrip(t *testing.T) {
	c := codec.New()

	first := mkTurn(t, "how do I rotate the api key?", memory.RoleUser)
	second := mkTurn(t, "use the rotate-key subcommand", memory.RoleAssistant, first.ID)
	second.Model = "gpt-4o-mini"
	turns := []memory.Turn{first, second}

	decoded := c.DecodeTurns(c.EncodeTurns(turns))
	if len(decoded) != len(turns) {
		t.Fatalf("decoded %d turns, want %d", len(decoded), len(turns))
	}
	for i := range turns {
		assertTurnEqual(t, decoded[i], turns[i])
	}
}

func TestTurnRoundTripSeparatorContent(t *testing.T) {
	c := codec.New()

	hostile := "line one\nline two\x1fwith unit sep\r\nand crlf"
	turns := []memory.Turn{mkTurn(t, hostile, memory.RoleUser)}

	encoded := c.EncodeTurns(turns)
	// The shard must stay line-oriented: header plus exactly one record line.
	if got := strings.Count(encoded, "\n"); got != 2 {
		t.Fatalf("encoded batch has %d newlines, want 2:\n%q", got, encoded)
	}

	decoded := c.DecodeTurns(encoded)
	if len(decoded) != 1 {
		t.Fatalf("decoded %d turns, want 1", len(decoded))
	}
	assertTurnEqual(t, decoded[0], turns[0])
}

func TestTruncationIsIdempotent(t *testing.T) {
	c := codec.New(codec.WithMaxContent(50))

	long := strings.Repeat("x", 200)
	turns := []memory.Turn{mkTurn(t, long, memory.RoleAssistant)}

	once := c.DecodeTurns(c.EncodeTurns(turns))
	if len(once) != 1 {
		t.Fatalf("decoded %d turns, want 1", len(once))
	}
	got := once[0].Content
	if !strings.HasSuffix(got, codec.TruncationMark) {
		t.Fatalf("truncated content missing marker: %q", got)
	}
	if n := len([]rune(got)); n != 50 {
		t.Fatalf("truncated content is %d runes, want 50", n)
	}

	// Re-encoding the truncated result must be a fixed point.
	twice := c.DecodeTurns(c.EncodeTurns(once))
	if twice[0].Content != got {
		t.Fatalf("second pass changed content:\n first: %q\nsecond: %q", got, twice[0].Content)
	}
}

func TestMaxContentBelowMarkIsRaisedToMark(t *testing.T) {
	// A threshold smaller than the truncation mark cannot produce a valid
	// truncated value; the codec floors it at the mark's length instead of
	// slicing past the start of the content.
	c := codec.New(codec.WithMaxContent(5))

	long := strings.Repeat("y", 100)
	decoded := c.DecodeTurns(c.EncodeTurns([]memory.Turn{mkTurn(t, long, memory.RoleUser)}))
	if len(decoded) != 1 {
		t.Fatalf("decoded %d turns, want 1", len(decoded))
	}
	got := decoded[0].Content
	markLen := len([]rune(codec.TruncationMark))
	if n := len([]rune(got)); n != markLen {
		t.Fatalf("truncated content is %d runes, want %d", n, markLen)
	}
	if !strings.HasSuffix(got, codec.TruncationMark) {
		t.Fatalf("truncated content missing marker: %q", got)
	}

	// Short content is untouched regardless of the floor.
	short := c.DecodeTurns(c.EncodeTurns([]memory.Turn{mkTurn(t, "ok", memory.RoleUser)}))
	if short[0].Content != "ok" {
		t.Errorf("short content changed: %q", short[0].Content)
	}
}

func TestDecodeSkipsMalformedRows(t *testing.T) {
	c := codec.New()

	good := mkTurn(t, "kept", memory.RoleUser)
	encoded := c.EncodeTurns([]memory.Turn{good})

	// Splice a row with too few fields between header and record.
	lines := strings.SplitAfter(encoded, "\n")
	corrupted := lines[0] + "only\x1ftwo\n" + strings.Join(lines[1:], "")

	decoded := c.DecodeTurns(corrupted)
	if len(decoded) != 1 {
		t.Fatalf("decoded %d turns, want 1 (malformed row skipped)", len(decoded))
	}
	assertTurnEqual(t, decoded[0], good)
}

func TestDecodeConcatenatedBatches(t *testing.T) {
	c := codec.New()

	a := mkTurn(t, "first batch", memory.RoleUser)
	b := mkTurn(t, "second batch", memory.RoleAssistant)

	// Appending a second encoded batch to a shard must decode cleanly.
	shard := c.EncodeTurns([]memory.Turn{a}) + c.EncodeTurns([]memory.Turn{b})
	decoded := c.DecodeTurns(shard)
	if len(decoded) != 2 {
		t.Fatalf("decoded %d turns, want 2", len(decoded))
	}
	assertTurnEqual(t, decoded[0], a)
	assertTurnEqual(t, decoded[1], b)
}

func TestSummaryRoundTrip(t *testing.T) {
	c := codec.New()

	sum := memory.ChunkSummary{
		ID:        memory.HashID("chunk", "2026-03-01"),
		Start:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC),
		TurnCount: 42,
		Text:      "debugging the flaky uploader\nsettled on retry with jitter",
	}

	decoded := c.DecodeSummaries(c.EncodeSummaries([]memory.ChunkSummary{sum}))
	if len(decoded) != 1 {
		t.Fatalf("decoded %d summaries, want 1", len(decoded))
	}
	got := decoded[0]
	if got.ID != sum.ID || got.TurnCount != sum.TurnCount || got.Text != sum.Text {
		t.Errorf("summary mismatch: got %+v, want %+v", got, sum)
	}
	if !got.Start.Equal(sum.Start) || !got.End.Equal(sum.End) {
		t.Errorf("summary span mismatch: got [%v, %v]", got.Start, got.End)
	}
}

func TestDecodeTurnsIgnoresSummaryBatches(t *testing.T) {
	c := codec.New()

	turn := mkTurn(t, "a turn", memory.RoleUser)
	sum := memory.ChunkSummary{ID: "s1", Start: time.Now().UTC(), End: time.Now().UTC(), TurnCount: 1, Text: "t"}

	mixed := c.EncodeSummaries([]memory.ChunkSummary{sum}) + c.EncodeTurns([]memory.Turn{turn})
	if got := c.DecodeTurns(mixed); len(got) != 1 || got[0].ID != turn.ID {
		t.Fatalf("DecodeTurns over mixed input = %v, want just the turn", got)
	}
	if got := c.DecodeSummaries(mixed); len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("DecodeSummaries over mixed input = %v, want just the summary", got)
	}
}

package tier

import (
	"strings"
	"unicode"

	"github.com/memkeep/memkeep/pkg/memory"
)

// summaryMaxRunes caps the heuristic summary text.
const summaryMaxRunes = 240

// summarize builds a heuristic chunk summary for a span of turns: the span
// bounds, the turn count, and a representative snippet. A cheap stand-in for
// model-written summaries; retrieval only needs something lexically
// searchable per archived span.
func summarize(turns []memory.Turn) memory.ChunkSummary {
	s := memory.ChunkSummary{
		Start:     turns[0].Timestamp,
		End:       turns[0].Timestamp,
		TurnCount: len(turns),
	}
	for _, t := range turns {
		if t.Timestamp.Before(s.Start) {
			s.Start = t.Timestamp
		}
		if t.Timestamp.After(s.End) {
			s.End = t.Timestamp
		}
	}
	s.ID = memory.HashID("chunk", turns[0].ID, turns[len(turns)-1].ID)
	s.Text = snippet(turns)
	return s
}

// snippet picks the first user turn's opening sentence, falling back to the
// first turn with any content. User turns state the topic; assistant turns
// mostly elaborate on it.
func snippet(turns []memory.Turn) string {
	pick := ""
	for _, t := range turns {
		if t.Role == memory.RoleUser && strings.TrimSpace(t.Content) != "" {
			pick = t.Content
			break
		}
	}
	if pick == "" {
		for _, t := range turns {
			if strings.TrimSpace(t.Content) != "" {
				pick = t.Content
				break
			}
		}
	}

	pick = strings.Join(strings.Fields(pick), " ")
	if i := strings.IndexFunc(pick, func(r rune) bool { return r == '.' || r == '?' || r == '!' }); i > 20 {
		pick = pick[:i+1]
	}
	runes := []rune(pick)
	if len(runes) > summaryMaxRunes {
		pick = string(runes[:summaryMaxRunes])
		pick = strings.TrimRightFunc(pick, unicode.IsSpace) + "…"
	}
	return pick
}

// Package memory holds the record types and the conversation graph that form
// the hot tier of an agent's durable memory.
//
// A [Turn] is one exchange in a conversation; a [Learning] is a durable fact
// distilled from one or more turns. Both are content-addressed: their IDs are
// derived from their content, so replaying the same append is detectable as a
// duplicate rather than silently stored twice.
package memory

import (
	"encoding/hex"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Turn is one exchange recorded in a conversation. Turns are immutable once
// appended to a [Graph]; demotion to tier storage moves the body out of the
// graph but never rewrites it.
type Turn struct {
	// ID is the content-addressed identifier, derived from role, content and
	// parent IDs via [TurnID].
	ID string `json:"id"`

	// Content is the message body. Blanked in the graph once the turn has been
	// demoted; the full body then lives in tier storage.
	Content string `json:"content"`

	// Role identifies the producer of the turn.
	Role Role `json:"role"`

	// Timestamp is the creation time, UTC.
	Timestamp time.Time `json:"timestamp"`

	// ParentIDs are the IDs of the turns this one continues from. Multiple
	// parents occur when branches of the conversation are merged.
	ParentIDs []string `json:"parent_ids,omitempty"`

	// Model identifies the model that produced an assistant turn, if any.
	Model string `json:"model,omitempty"`
}

// NewTurn builds a turn with its content-addressed ID and a UTC timestamp.
func NewTurn(content string, role Role, parentIDs ...string) Turn {
	return Turn{
		ID:        TurnID(content, role, parentIDs),
		Content:   content,
		Role:      role,
		Timestamp: time.Now().UTC(),
		ParentIDs: parentIDs,
	}
}

// TurnID derives the content-addressed identifier for a turn from its role,
// content and parent IDs.
func TurnID(content string, role Role, parentIDs []string) string {
	parts := make([]string, 0, len(parentIDs)+2)
	parts = append(parts, string(role), content)
	parts = append(parts, parentIDs...)
	return HashID(parts...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Learnings
// ─────────────────────────────────────────────────────────────────────────────

// Category classifies what kind of fact a learning records.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryConstraint Category = "constraint"
	CategoryPattern    Category = "pattern"

	// CategoryDeadEnd marks an approach that was tried and found wrong.
	// Dead-end learnings stay active so the same mistake is not repeated.
	CategoryDeadEnd Category = "dead_end"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryFact, CategoryPreference, CategoryConstraint, CategoryPattern, CategoryDeadEnd:
		return true
	}
	return false
}

// Learning is a durable fact extracted from turns. The only permitted
// mutation after creation is attaching the embedding vector, which is filled
// in asynchronously by the embedding worker.
type Learning struct {
	// ID is the content-addressed identifier from [LearningID]. The same fact
	// in the same category always maps to the same ID.
	ID string `json:"id"`

	// Fact is the fact text.
	Fact string `json:"fact"`

	// Category classifies the fact.
	Category Category `json:"category"`

	// Confidence is the extractor's confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// SourceTurns lists the IDs of the turns the fact was extracted from.
	SourceTurns []string `json:"source_turns,omitempty"`

	// Timestamp is the extraction time, UTC.
	Timestamp time.Time `json:"timestamp"`

	// SupersededBy holds the ID of a newer learning that retracts or replaces
	// this one. Non-empty means the learning is no longer active.
	SupersededBy string `json:"superseded_by,omitempty"`

	// Embedding is the semantic vector, attached asynchronously. Nil until the
	// embedding worker has processed the learning.
	Embedding []float32 `json:"embedding,omitempty"`
}

// NewLearning builds a learning with its content-addressed ID and a UTC
// timestamp.
func NewLearning(fact string, category Category, confidence float64, sourceTurns ...string) Learning {
	return Learning{
		ID:          LearningID(fact, category),
		Fact:        fact,
		Category:    category,
		Confidence:  confidence,
		SourceTurns: sourceTurns,
		Timestamp:   time.Now().UTC(),
	}
}

// LearningID derives the content-addressed identifier for a learning.
func LearningID(fact string, category Category) string {
	return HashID(string(category), fact)
}

// HasEmbedding reports whether the embedding vector has been attached.
func (l Learning) HasEmbedding() bool {
	return len(l.Embedding) > 0
}

// ─────────────────────────────────────────────────────────────────────────────
// Chunk summaries
// ─────────────────────────────────────────────────────────────────────────────

// ChunkSummary condenses a span of archived turns into a single searchable
// record. Summaries are what retrieval sees of the archived tier.
type ChunkSummary struct {
	// ID identifies the summarised span.
	ID string `json:"id"`

	// Start and End bound the timestamps of the summarised turns.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// TurnCount is the number of turns in the span.
	TurnCount int `json:"turn_count"`

	// Text is the summary text.
	Text string `json:"text"`
}

// HashID derives a short hex identifier from the given parts. Parts are
// NUL-delimited before hashing so concatenation boundaries are unambiguous.
func HashID(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

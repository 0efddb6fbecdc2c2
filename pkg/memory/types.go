package memory

import (
	"fmt"
	"time"
)

// Role identifies the speaker of a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one atomic user/assistant exchange within a session. Turns are
// immutable once written; on session expiry they migrate to the archive.
type Turn struct {
	// SessionID is the session this turn belongs to.
	SessionID string

	// TurnID is the monotonic 0-based index of this turn within its session.
	// Assigned by the store on append.
	TurnID int

	// Role identifies the speaker.
	Role Role

	// Content is the sanitized UTF-8 text of the utterance.
	Content string

	// Timestamp is when the turn was recorded.
	Timestamp time.Time

	// Emotion is an optional emotion tag. Stores default it to "neutral"
	// when empty.
	Emotion string
}

// Session is a contiguous conversation. Lifecycle: OPEN (accepting turns) →
// CLOSED (EndedAt set) → SUMMARIZED (Summary filled, turns archived).
type Session struct {
	// ID uniquely identifies the session.
	ID string

	// Summary is the post-expiry LLM summary. Empty until summarization.
	Summary string

	// KeyTopics is an ordered multiset of topic strings.
	KeyTopics []string

	// EmotionalTone is the session-level emotional classification.
	EmotionalTone string

	// TurnCount is the number of turns recorded.
	TurnCount int

	StartedAt time.Time
	EndedAt   time.Time

	// ExpiresAt is when the session becomes eligible for summarization and
	// archival.
	ExpiresAt time.Time
}

// Memory is a unit of long-term storage.
//
// Invariants: Preserved memories are never deleted by decay, and
// 0 ≤ DecayedImportance ≤ Importance ≤ 1.
type Memory struct {
	// ID is the memory's uuid.
	ID string

	// Content is the sanitized memory text.
	Content string

	// Type classifies the memory: fact, preference, insight, or event.
	Type string

	// Importance is the stored importance in [0,1].
	Importance float64

	// Repetitions counts how many near-duplicates were merged into this
	// memory. Starts at 1.
	Repetitions int

	// AccessCount counts retrievals that surfaced this memory.
	AccessCount int

	CreatedAt    time.Time
	LastAccessed time.Time

	// Preserved exempts the memory from decay deletion.
	Preserved bool

	// DecayedImportance caches the last consolidation result. Zero when the
	// memory has not been through a consolidation pass yet.
	DecayedImportance float64

	// Embedding is the fixed-dimension vector for Content.
	Embedding []float32
}

// Entity is a node in the knowledge graph.
//
// Invariant: no two entities share a normalized-lowercase name. Duplicates
// are merged, preferring the non-concept type and summing mentions.
type Entity struct {
	// ID is the stable identifier, derived from the lowercased name with
	// spaces replaced by underscores.
	ID string

	// Name is the canonical display name.
	Name string

	// Type classifies the entity: person, project, tool, concept, or
	// preference.
	Type string

	// Properties holds arbitrary key/value metadata.
	Properties map[string]any

	// Mentions counts how many times the entity has been observed.
	Mentions int

	CreatedAt    time.Time
	LastAccessed time.Time
}

// Relation is a directed, typed edge between two entities.
//
// Identity is the (Source, Type, Target) triple; see [Relation.ID].
// Invariant: both endpoints exist in the entity set.
type Relation struct {
	// Source and Target are entity IDs.
	Source string
	Target string

	// Type is the semantic label of the edge (e.g. "uses", "knows").
	Type string

	// Weight is the edge strength in [0,1], recomputed from co-occurrence
	// statistics by the TF-IDF pass.
	Weight float64

	// Context is a snippet of the text the relation was extracted from.
	Context string

	CreatedAt time.Time
}

// ID returns the composite relation identifier.
func (r Relation) ID() string {
	return fmt.Sprintf("%s--%s-->%s", r.Source, r.Type, r.Target)
}

// InteractionLog is the per-turn observability record written for every
// assistant response.
type InteractionLog struct {
	ID             int64
	Timestamp      time.Time
	ConversationID string
	TurnID         int

	// EffectiveModel is the model that actually served the turn.
	EffectiveModel string

	// Tier and RouterReason describe the routing decision.
	Tier            string
	RouterReason    string
	RoutingFeatures map[string]any
	ManualOverride  bool

	LatencyMS int64
	TTFTMS    int64
	TokensIn  int
	TokensOut int

	ToolCalls       []string
	RefusalDetected bool

	// ResponseChars, HedgeRatio, and AvgSentenceLen are style features
	// computed from the response text.
	ResponseChars  int
	HedgeRatio     float64
	AvgSentenceLen float64
}

// SessionStats summarises the session store contents.
type SessionStats struct {
	TotalSessions    int
	TotalMessages    int
	ArchivedMessages int
	OldestSession    time.Time
	NewestSession    time.Time
}

// InteractionStats aggregates interaction logs over a trailing window.
type InteractionStats struct {
	TotalLogs       int
	TierCounts      map[string]int
	MeanHedgeRatio  float64
	MeanLatencyMS   float64
	RefusalCount    int
	WindowStartedAt time.Time
}

// SummarizeReport is returned by the expired-session summarizer.
type SummarizeReport struct {
	SessionsProcessed int
	MessagesArchived  int
}

// ConsolidationReport is returned by the long-term consolidation pass.
type ConsolidationReport struct {
	Checked          int
	Preserved        int
	Deleted          int
	SurvivingUpdated int
}

// Package memory defines the tiered memory model used by the assistant and
// the storage contracts its backends implement.
//
// The tiers, leaves first:
//
//   - Session archive ([SessionStore]): durable append of every dialog turn,
//     atomic session finalization, archival of expired sessions.
//   - Interaction log ([InteractionLogStore]): per-turn observability rows
//     with routing and style features.
//   - Long-term store ([VectorStore]): importance-weighted memories with
//     embeddings, consolidated and pruned in batch.
//   - Knowledge graph ([GraphPersistence]): flat entity/relation collections
//     persisted as a document or relational rows; indexes are always derived
//     in memory on load.
//
// All interfaces are public so that external packages can supply alternative
// backends (embedded SQLite, Postgres/pgvector, in-memory, …).
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session archive
// ─────────────────────────────────────────────────────────────────────────────

// SessionStore is the short-term session archive: a time-ordered log of
// [Turn] records grouped into [Session] rows, with summarization and
// archival support.
//
// Within one session, turn indices form a dense 0-based sequence; the store
// must serialize appends for the same session id. Implementations must be
// safe for concurrent use.
type SessionStore interface {
	// AppendTurn durably appends a turn to the given session, assigning the
	// next turn index atomically. The turn's SessionID and TurnID fields are
	// ignored; role must be valid and content should be pre-sanitized.
	AppendTurn(ctx context.Context, sessionID string, role Role, content string, ts time.Time, emotion string) error

	// SaveSession writes the session header and all turns in one
	// transaction. On failure no partial session remains.
	SaveSession(ctx context.Context, s Session, turns []Turn) error

	// SessionTurns returns the session's turns ordered by turn index.
	// Returns an empty (non-nil) slice when the session has no turns.
	SessionTurns(ctx context.Context, sessionID string) ([]Turn, error)

	// SessionDetail returns the session header and its turns. When the
	// header's serialized messages blob is absent the turns are reassembled
	// from the live messages table. Returns (nil, nil, nil) when the session
	// does not exist.
	SessionDetail(ctx context.Context, sessionID string) (*Session, []Turn, error)

	// SearchByTopic returns sessions whose key topics or summary match the
	// given topic, newest first, capped at limit.
	SearchByTopic(ctx context.Context, topic string, limit int) ([]Session, error)

	// SessionsByDate renders the sessions of one calendar day (YYYY-MM-DD)
	// as a bounded text block. maxTokens bounds the output length; the
	// budget is measured in characters scaled by a fixed factor.
	SessionsByDate(ctx context.Context, date string, limit, maxTokens int) (string, error)

	// RecentSummaries renders the most recent session summaries as a bounded
	// text block.
	RecentSummaries(ctx context.Context, limit, maxTokens int) (string, error)

	// TimeSinceLastSession returns the wall-clock delta since the most
	// recent session ended. ok is false when no session exists.
	TimeSinceLastSession(ctx context.Context) (delta time.Duration, ok bool, err error)

	// Stats returns aggregate counts over the session archive.
	Stats(ctx context.Context) (SessionStats, error)

	// ExpiredUnsummarized returns sessions whose ExpiresAt is before now and
	// whose summary has not been written yet.
	ExpiredUnsummarized(ctx context.Context, now time.Time) ([]Session, error)

	// ArchiveSession writes the summary into the session row, moves all of
	// the session's turns to the archive, and deletes them from the live
	// messages table, all in one transaction. Returns the number of turns
	// archived.
	ArchiveSession(ctx context.Context, sessionID, summary string) (int, error)

	// CleanupExpired deletes sessions (and their turns) whose ExpiresAt is
	// before now and that have already been summarized. Returns the number
	// of sessions removed.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Interaction log
// ─────────────────────────────────────────────────────────────────────────────

// InteractionLogStore records one observability row per assistant turn.
//
// Implementations must be safe for concurrent use.
type InteractionLogStore interface {
	// LogInteraction appends one log row. The row's ID field is ignored.
	LogInteraction(ctx context.Context, entry InteractionLog) error

	// RecentInteractionLogs returns the newest rows, most recent first.
	RecentInteractionLogs(ctx context.Context, limit int) ([]InteractionLog, error)

	// InteractionStats aggregates rows whose timestamp falls within the
	// trailing window.
	InteractionStats(ctx context.Context, window time.Duration) (InteractionStats, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector store
// ─────────────────────────────────────────────────────────────────────────────

// VectorRecord is one stored memory with its pre-computed embedding. The
// store must accept the embedding as given so content updates never trigger
// re-embedding.
type VectorRecord struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// VectorResult pairs a retrieved record with its similarity to the query
// embedding. Similarity is in [0,1], higher is more similar.
type VectorResult struct {
	Record     VectorRecord
	Similarity float64
}

// VectorStore is the embedding-indexed backend for long-term memories.
//
// Implementations must be safe for concurrent use.
type VectorStore interface {
	// Upsert inserts or replaces the record with rec.ID.
	Upsert(ctx context.Context, rec VectorRecord) error

	// Query returns the k records most similar to embedding, most similar
	// first. filter entries must all match the record metadata (AND).
	// Returns an empty (non-nil) slice when nothing matches.
	Query(ctx context.Context, embedding []float32, k int, filter map[string]any) ([]VectorResult, error)

	// GetAll streams every stored record with metadata. Embeddings may be
	// omitted when includeEmbeddings is false.
	GetAll(ctx context.Context, includeEmbeddings bool) ([]VectorRecord, error)

	// Delete removes the given ids. Missing ids are not errors.
	Delete(ctx context.Context, ids []string) error

	// UpdateMetadata merges each metadata map into the record with the
	// corresponding id and returns how many records were updated. ids and
	// metadatas must have equal length.
	UpdateMetadata(ctx context.Context, ids []string, metadatas []map[string]any) (int, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph persistence
// ─────────────────────────────────────────────────────────────────────────────

// GraphSnapshot is the flat persisted form of the knowledge graph: two
// collections plus the co-occurrence statistics. Adjacency and the other
// indexes are never persisted; they are derived on load.
type GraphSnapshot struct {
	Entities  []Entity
	Relations []Relation

	// Cooccurrence maps an unordered entity pair (ids joined by "|", sorted)
	// to its co-occurrence count.
	Cooccurrence map[string]int

	// EntityMentions maps entity id to its mention count.
	EntityMentions map[string]int
}

// GraphPersistence loads and saves the knowledge graph's flat state. The
// JSON-document implementation writes atomically (write-then-replace); the
// relational implementation stores the same collections as rows.
type GraphPersistence interface {
	// Load returns the persisted snapshot, or an empty snapshot when nothing
	// has been saved yet. A malformed document yields a load-failed error;
	// the caller decides whether to start from empty.
	Load(ctx context.Context) (*GraphSnapshot, error)

	// Save persists the snapshot, replacing any previous state.
	Save(ctx context.Context, snap *GraphSnapshot) error
}

// Package postgres provides the PostgreSQL-backed implementation of the
// memory subsystem's storage contracts: session archive, interaction log,
// pgvector long-term store, and relational knowledge-graph persistence.
//
// All layers share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.AppendTurn(ctx, sessionID, memory.RoleUser, "hello", time.Now(), "")
//	_ = store.Vectors().Upsert(ctx, rec)
//	snap, _ := store.Graph().Load(ctx)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session archive DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT         PRIMARY KEY,
    summary        TEXT,
    key_topics     JSONB        NOT NULL DEFAULT '[]',
    emotional_tone TEXT,
    turn_count     INTEGER      NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ,
    ended_at       TIMESTAMPTZ,
    expires_at     TIMESTAMPTZ,
    messages_json  JSONB
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires
    ON sessions (expires_at);

CREATE TABLE IF NOT EXISTS messages (
    id                BIGSERIAL    PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    turn_id           INTEGER      NOT NULL,
    role              TEXT         NOT NULL,
    content           TEXT         NOT NULL,
    timestamp         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    emotional_context TEXT         NOT NULL DEFAULT 'neutral'
);

CREATE INDEX IF NOT EXISTS idx_messages_session
    ON messages (session_id);

CREATE INDEX IF NOT EXISTS idx_messages_timestamp
    ON messages (timestamp);

CREATE TABLE IF NOT EXISTS archived_messages (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    turn_id    INTEGER,
    role       TEXT,
    content    TEXT,
    timestamp  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_archived_session
    ON archived_messages (session_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Interaction log DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlInteractionLogs = `
CREATE TABLE IF NOT EXISTS interaction_logs (
    id                    BIGSERIAL    PRIMARY KEY,
    ts                    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    conversation_id       TEXT         NOT NULL DEFAULT '',
    turn_id               INTEGER      NOT NULL DEFAULT 0,
    effective_model       TEXT         NOT NULL DEFAULT '',
    tier                  TEXT         NOT NULL DEFAULT '',
    router_reason         TEXT         NOT NULL DEFAULT '',
    routing_features_json JSONB,
    manual_override       BOOLEAN      NOT NULL DEFAULT FALSE,
    latency_ms            BIGINT       NOT NULL DEFAULT 0,
    ttft_ms               BIGINT       NOT NULL DEFAULT 0,
    tokens_in             INTEGER      NOT NULL DEFAULT 0,
    tokens_out            INTEGER      NOT NULL DEFAULT 0,
    tool_calls_json       JSONB,
    refusal_detected      BOOLEAN      NOT NULL DEFAULT FALSE,
    response_chars        INTEGER      NOT NULL DEFAULT 0,
    hedge_ratio           DOUBLE PRECISION NOT NULL DEFAULT 0,
    avg_sentence_len      DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interaction_logs_ts
    ON interaction_logs (ts);

CREATE INDEX IF NOT EXISTS idx_interaction_logs_tier
    ON interaction_logs (tier);

CREATE INDEX IF NOT EXISTS idx_interaction_logs_created
    ON interaction_logs (created_at);

CREATE INDEX IF NOT EXISTS idx_interaction_logs_router
    ON interaction_logs (router_reason);
`

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge graph DDL: flat snapshot rows
// ─────────────────────────────────────────────────────────────────────────────

const ddlGraph = `
CREATE TABLE IF NOT EXISTS graph_entities (
    id            TEXT         PRIMARY KEY,
    name          TEXT         NOT NULL,
    type          TEXT         NOT NULL,
    properties    JSONB        NOT NULL DEFAULT '{}',
    mentions      INTEGER      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_graph_entities_type ON graph_entities (type);

CREATE TABLE IF NOT EXISTS graph_relations (
    source_id  TEXT         NOT NULL,
    target_id  TEXT         NOT NULL,
    rel_type   TEXT         NOT NULL,
    weight     DOUBLE PRECISION NOT NULL DEFAULT 0,
    context    TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (source_id, target_id, rel_type)
);

CREATE INDEX IF NOT EXISTS idx_graph_rel_source ON graph_relations (source_id);
CREATE INDEX IF NOT EXISTS idx_graph_rel_target ON graph_relations (target_id);

CREATE TABLE IF NOT EXISTS graph_cooccurrence (
    pair_key TEXT    PRIMARY KEY,
    count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS graph_entity_mentions (
    entity_id TEXT    PRIMARY KEY,
    count     INTEGER NOT NULL DEFAULT 0
);
`

// ddlMemories returns the long-term store DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlMemories(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id        TEXT   PRIMARY KEY,
    content   TEXT   NOT NULL,
    metadata  JSONB  NOT NULL DEFAULT '{}',
    embedding vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_memories_metadata
    ON memories USING GIN (metadata);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the configured embedding model (e.g., 1536
// for OpenAI text-embedding-3-small). Changing it after the first migration
// requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSessions,
		ddlInteractionLogs,
		ddlMemories(embeddingDimensions),
		ddlGraph,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

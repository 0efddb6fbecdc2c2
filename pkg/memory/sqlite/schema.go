package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the schema version the code expects. It equals
// the highest migration version and is mirrored into PRAGMA user_version.
const CurrentSchemaVersion = 1

// Migration is one versioned schema step. Statements run in order inside a
// single transaction; user_version is bumped in the same transaction.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// Migrations returns the full ordered migration set.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "baseline session archive and interaction logs",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS sessions (
					session_id     TEXT PRIMARY KEY,
					summary        TEXT,
					key_topics     TEXT NOT NULL DEFAULT '[]',
					emotional_tone TEXT,
					turn_count     INTEGER NOT NULL DEFAULT 0,
					started_at     TEXT,
					ended_at       TEXT,
					expires_at     TEXT,
					messages_json  TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS messages (
					id                INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id        TEXT NOT NULL,
					turn_id           INTEGER NOT NULL,
					role              TEXT NOT NULL,
					content           TEXT NOT NULL,
					timestamp         TEXT NOT NULL,
					emotional_context TEXT NOT NULL DEFAULT 'neutral'
				)`,
				`CREATE TABLE IF NOT EXISTS archived_messages (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id TEXT NOT NULL,
					turn_id    INTEGER,
					role       TEXT,
					content    TEXT,
					timestamp  TEXT
				)`,
				`CREATE TABLE IF NOT EXISTS interaction_logs (
					id                    INTEGER PRIMARY KEY AUTOINCREMENT,
					ts                    TEXT NOT NULL,
					conversation_id       TEXT,
					turn_id               INTEGER,
					effective_model       TEXT,
					tier                  TEXT,
					router_reason         TEXT,
					routing_features_json TEXT,
					manual_override       INTEGER NOT NULL DEFAULT 0,
					latency_ms            REAL,
					ttft_ms               REAL,
					tokens_in             INTEGER,
					tokens_out            INTEGER,
					tool_calls_json       TEXT,
					refusal_detected      INTEGER NOT NULL DEFAULT 0,
					response_chars        INTEGER,
					hedge_ratio           REAL,
					avg_sentence_len      REAL,
					created_at            TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
				`CREATE INDEX IF NOT EXISTS idx_archived_session ON archived_messages(session_id)`,
				`CREATE INDEX IF NOT EXISTS idx_interaction_logs_ts ON interaction_logs(ts)`,
				`CREATE INDEX IF NOT EXISTS idx_interaction_logs_tier ON interaction_logs(tier)`,
				`CREATE INDEX IF NOT EXISTS idx_interaction_logs_created ON interaction_logs(created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_interaction_logs_router ON interaction_logs(router_reason)`,
			},
		},
	}
}

// SchemaVersion reads PRAGMA user_version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqlite: read user_version: %w", err)
	}
	return v, nil
}

// PendingMigrations returns the migrations not yet applied to db.
func PendingMigrations(ctx context.Context, db *sql.DB) ([]Migration, error) {
	v, err := SchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range Migrations() {
		if m.Version > v {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Migrate brings the database to [CurrentSchemaVersion]. It is idempotent
// and preserves existing data on re-run. When dryRun is set the pending
// migrations are returned without being applied.
func Migrate(ctx context.Context, mgr *Manager, dryRun bool) ([]Migration, error) {
	db, err := mgr.DB()
	if err != nil {
		return nil, err
	}

	pending, err := PendingMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	if dryRun || len(pending) == 0 {
		return pending, nil
	}

	for _, m := range pending {
		err := mgr.Tx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("sqlite: migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			// PRAGMA does not support placeholders.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version))
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return pending, nil
}

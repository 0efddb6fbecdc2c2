package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store bundles the SQLite-backed session archive and interaction log behind
// one handle. Construct with [New]; the schema is migrated on construction.
type Store struct {
	*SessionRepository
	*InteractionLogger

	mgr *Manager
}

// New opens (or creates) the database at path and migrates it to the current
// schema version.
func New(ctx context.Context, path string) (*Store, error) {
	mgr := NewManager(path)
	if _, err := Migrate(ctx, mgr, false); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return &Store{
		SessionRepository: NewSessionRepository(mgr),
		InteractionLogger: NewInteractionLogger(mgr),
		mgr:               mgr,
	}, nil
}

// Manager exposes the underlying connection manager, mainly for migration
// tooling.
func (s *Store) Manager() *Manager { return s.mgr }

// Close releases the database handle. Idempotent.
func (s *Store) Close() error { return s.mgr.Close() }

// ─────────────────────────────────────────────────────────────────────────────
// Maintenance hooks
// ─────────────────────────────────────────────────────────────────────────────

// SanitizeMessages rewrites live message contents through fn and returns how
// many rows changed. With dryRun set, rows are counted but not written.
func (s *Store) SanitizeMessages(ctx context.Context, fn func(string) string, dryRun bool) (int, error) {
	db, err := s.mgr.DB()
	if err != nil {
		return 0, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, content FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: scan messages: %w", err)
	}

	type change struct {
		id      int64
		content string
	}
	var changes []change
	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if cleaned := fn(content); cleaned != content {
			changes = append(changes, change{id: id, content: cleaned})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if dryRun || len(changes) == 0 {
		return len(changes), nil
	}

	err = s.mgr.Tx(ctx, func(tx *sql.Tx) error {
		for _, c := range changes {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, c.content, c.id); err != nil {
				return fmt.Errorf("sqlite: rewrite message %d: %w", c.id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

// LongTurnContents returns live messages whose content exceeds minChars,
// keyed by row id. Used by the long-turn summarization phase.
func (s *Store) LongTurnContents(ctx context.Context, minChars int) (map[int64]string, error) {
	db, err := s.mgr.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, content FROM messages WHERE LENGTH(content) > ?`, minChars)
	if err != nil {
		return nil, fmt.Errorf("sqlite: long turns: %w", err)
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("sqlite: scan long turn: %w", err)
		}
		out[id] = content
	}
	return out, rows.Err()
}

// ReplaceMessageContent overwrites one message's content by row id.
func (s *Store) ReplaceMessageContent(ctx context.Context, id int64, content string) error {
	db, err := s.mgr.DB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id); err != nil {
		return fmt.Errorf("sqlite: replace message %d: %w", id, err)
	}
	return nil
}

// PruneArchivedBefore deletes archived messages older than cutoff and
// returns the number removed.
func (s *Store) PruneArchivedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	db, err := s.mgr.DB()
	if err != nil {
		return 0, err
	}

	if dryRun {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM archived_messages WHERE timestamp < ?`, formatTime(cutoff)).Scan(&n)
		return n, err
	}

	res, err := db.ExecContext(ctx,
		`DELETE FROM archived_messages WHERE timestamp < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune archive: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PruneInteractionLogsBefore deletes interaction logs older than cutoff and
// returns the number removed.
func (s *Store) PruneInteractionLogsBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	db, err := s.mgr.DB()
	if err != nil {
		return 0, err
	}

	if dryRun {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM interaction_logs WHERE ts < ?`, formatTime(cutoff)).Scan(&n)
		return n, err
	}

	res, err := db.ExecContext(ctx,
		`DELETE FROM interaction_logs WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune interaction logs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CompactReport is the outcome of [Store.Compact].
type CompactReport struct {
	WALCheckpointed bool
	Vacuumed        bool
	Analyzed        bool
	IntegrityOK     bool
}

// Compact checkpoints the WAL, vacuums, refreshes planner statistics, and
// runs an integrity check.
func (s *Store) Compact(ctx context.Context) (CompactReport, error) {
	db, err := s.mgr.DB()
	if err != nil {
		return CompactReport{}, err
	}

	var report CompactReport
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return report, fmt.Errorf("sqlite: wal checkpoint: %w", err)
	}
	report.WALCheckpointed = true

	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return report, fmt.Errorf("sqlite: vacuum: %w", err)
	}
	report.Vacuumed = true

	if _, err := db.ExecContext(ctx, `ANALYZE`); err != nil {
		return report, fmt.Errorf("sqlite: analyze: %w", err)
	}
	report.Analyzed = true

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return report, fmt.Errorf("sqlite: integrity check: %w", err)
	}
	report.IntegrityOK = result == "ok"
	if !report.IntegrityOK {
		return report, fmt.Errorf("sqlite: integrity check failed: %s", result)
	}
	return report, nil
}

// TableCounts returns per-table row counts for the health check. Missing
// tables report -1 rather than failing the whole check.
func (s *Store) TableCounts(ctx context.Context) (map[string]int, error) {
	db, err := s.mgr.DB()
	if err != nil {
		return nil, err
	}

	out := map[string]int{}
	for _, table := range []string{"sessions", "messages", "archived_messages", "interaction_logs"} {
		var n int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
		if err != nil {
			out[table] = -1
			continue
		}
		out[table] = n
	}
	return out, nil
}

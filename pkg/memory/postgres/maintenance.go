package postgres

import (
	"context"
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Maintenance hooks
// ─────────────────────────────────────────────────────────────────────────────

// SanitizeMessages rewrites live message contents through fn and returns how
// many rows changed. With dryRun set, rows are counted but not written.
func (s *Store) SanitizeMessages(ctx context.Context, fn func(string) string, dryRun bool) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, content FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("postgres: scan messages: %w", err)
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
			return 0, fmt.Errorf("postgres: scan message: %w", err)
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

	for _, c := range changes {
		if _, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1 WHERE id = $2`, c.content, c.id); err != nil {
			return 0, fmt.Errorf("postgres: rewrite message %d: %w", c.id, err)
		}
	}
	return len(changes), nil
}

// LongTurnContents returns live messages whose content exceeds minChars,
// keyed by row id. Used by the long-turn summarization phase.
func (s *Store) LongTurnContents(ctx context.Context, minChars int) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content FROM messages WHERE LENGTH(content) > $1`, minChars)
	if err != nil {
		return nil, fmt.Errorf("postgres: long turns: %w", err)
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("postgres: scan long turn: %w", err)
		}
		out[id] = content
	}
	return out, rows.Err()
}

// ReplaceMessageContent overwrites one message's content by row id.
func (s *Store) ReplaceMessageContent(ctx context.Context, id int64, content string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE messages SET content = $1 WHERE id = $2`, content, id); err != nil {
		return fmt.Errorf("postgres: replace message %d: %w", id, err)
	}
	return nil
}

// PruneArchivedBefore deletes archived messages older than cutoff and
// returns the number removed.
func (s *Store) PruneArchivedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM archived_messages WHERE timestamp < $1`, cutoff).Scan(&n)
		return n, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM archived_messages WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune archive: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PruneInteractionLogsBefore deletes interaction logs older than cutoff and
// returns the number removed.
func (s *Store) PruneInteractionLogsBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM interaction_logs WHERE ts < $1`, cutoff).Scan(&n)
		return n, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM interaction_logs WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune interaction logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CompactReport is the outcome of [Store.Compact].
type CompactReport struct {
	Vacuumed bool
	Analyzed bool
}

// Compact reclaims dead tuples and refreshes planner statistics on every
// memory table. VACUUM cannot run inside a transaction block, so each table
// is processed on its own connection.
func (s *Store) Compact(ctx context.Context) (CompactReport, error) {
	var report CompactReport
	for _, table := range []string{
		"sessions", "messages", "archived_messages", "interaction_logs",
		"memories", "graph_entities", "graph_relations",
	} {
		if _, err := s.pool.Exec(ctx, "VACUUM ANALYZE "+table); err != nil {
			return report, fmt.Errorf("postgres: vacuum %s: %w", table, err)
		}
	}
	report.Vacuumed = true
	report.Analyzed = true
	return report, nil
}

// TableCounts returns per-table row counts for the health check. Missing
// tables report -1 rather than failing the whole check.
func (s *Store) TableCounts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, table := range []string{
		"sessions", "messages", "archived_messages", "interaction_logs",
		"memories", "graph_entities", "graph_relations",
	} {
		var n int
		if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			out[table] = -1
			continue
		}
		out[table] = n
	}
	return out, nil
}

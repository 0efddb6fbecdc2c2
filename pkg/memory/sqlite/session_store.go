package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// charsPerToken is the character budget granted per token when rendering
// bounded text blocks.
const charsPerToken = 4

// defaultSessionTTL is how long a finalized session stays live before it
// becomes eligible for summarization and archival.
const defaultSessionTTL = 7 * 24 * time.Hour

// SessionRepository implements [memory.SessionStore] on a [Manager].
type SessionRepository struct {
	mgr *Manager
}

var _ memory.SessionStore = (*SessionRepository)(nil)

// NewSessionRepository wires a repository over an already-migrated database.
func NewSessionRepository(mgr *Manager) *SessionRepository {
	return &SessionRepository{mgr: mgr}
}

// ─────────────────────────────────────────────────────────────────────────────
// Time and JSON column helpers
// ─────────────────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullStr maps "" to NULL so partial rows stay queryable with IS NULL.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Writes
// ─────────────────────────────────────────────────────────────────────────────

// AppendTurn implements [memory.SessionStore]. The next turn index is
// assigned inside the same write transaction, so concurrent appends to one
// session always produce a dense sequence.
func (r *SessionRepository) AppendTurn(ctx context.Context, sessionID string, role memory.Role, content string, ts time.Time, emotion string) error {
	if sessionID == "" {
		return fmt.Errorf("sqlite: append turn: session id must not be empty")
	}
	if !role.IsValid() {
		return fmt.Errorf("sqlite: append turn: invalid role %q", role)
	}
	if emotion == "" {
		emotion = "neutral"
	}

	return r.mgr.Tx(ctx, func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(turn_id)+1, 0) FROM messages WHERE session_id = ?`,
			sessionID,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("sqlite: next turn id: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, turn_id, role, content, timestamp, emotional_context)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, next, string(role), content, formatTime(ts), emotion,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert turn: %w", err)
		}
		return nil
	})
}

// SaveSession implements [memory.SessionStore]. The header and every turn
// land in a single transaction; a zero ExpiresAt defaults to EndedAt plus
// the session TTL.
func (r *SessionRepository) SaveSession(ctx context.Context, s memory.Session, turns []memory.Turn) error {
	if s.ID == "" {
		return fmt.Errorf("sqlite: save session: id must not be empty")
	}
	if s.ExpiresAt.IsZero() {
		end := s.EndedAt
		if end.IsZero() {
			end = time.Now()
		}
		s.ExpiresAt = end.Add(defaultSessionTTL)
	}
	if s.TurnCount == 0 {
		s.TurnCount = len(turns)
	}

	topicsJSON, err := json.Marshal(s.KeyTopics)
	if err != nil {
		return fmt.Errorf("sqlite: marshal key topics: %w", err)
	}
	messagesJSON, err := json.Marshal(turnBlobs(s.ID, turns))
	if err != nil {
		return fmt.Errorf("sqlite: marshal messages: %w", err)
	}

	return r.mgr.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions
			 (session_id, summary, key_topics, emotional_tone, turn_count, started_at, ended_at, expires_at, messages_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, nullStr(s.Summary), string(topicsJSON), nullStr(s.EmotionalTone), s.TurnCount,
			formatTime(s.StartedAt), formatTime(s.EndedAt), formatTime(s.ExpiresAt), string(messagesJSON),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, s.ID); err != nil {
			return fmt.Errorf("sqlite: clear session turns: %w", err)
		}
		for i, t := range turns {
			emotion := t.Emotion
			if emotion == "" {
				emotion = "neutral"
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, turn_id, role, content, timestamp, emotional_context)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				s.ID, i, string(t.Role), t.Content, formatTime(t.Timestamp), emotion,
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert session turn %d: %w", i, err)
			}
		}
		return nil
	})
}

// turnBlob is the serialized per-turn shape stored in sessions.messages_json.
type turnBlob struct {
	TurnID    int    `json:"turn_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Emotion   string `json:"emotion,omitempty"`
}

func turnBlobs(sessionID string, turns []memory.Turn) []turnBlob {
	out := make([]turnBlob, len(turns))
	for i, t := range turns {
		out[i] = turnBlob{
			TurnID:    i,
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: formatTime(t.Timestamp),
			Emotion:   t.Emotion,
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// SessionTurns implements [memory.SessionStore].
func (r *SessionRepository) SessionTurns(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT turn_id, role, content, timestamp, emotional_context
		 FROM messages WHERE session_id = ? ORDER BY turn_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query turns: %w", err)
	}
	defer rows.Close()

	turns := []memory.Turn{}
	for rows.Next() {
		var (
			t       memory.Turn
			role    string
			ts      string
			emotion sql.NullString
		)
		if err := rows.Scan(&t.TurnID, &role, &t.Content, &ts, &emotion); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		t.SessionID = sessionID
		t.Role = memory.Role(role)
		t.Timestamp = parseTime(ts)
		t.Emotion = strOrEmpty(emotion)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanSession(scan func(dest ...any) error) (memory.Session, error) {
	var (
		s                             memory.Session
		summary, tone                 sql.NullString
		topics                        string
		startedAt, endedAt, expiresAt sql.NullString
	)
	err := scan(&s.ID, &summary, &topics, &tone, &s.TurnCount, &startedAt, &endedAt, &expiresAt)
	if err != nil {
		return memory.Session{}, err
	}
	s.Summary = strOrEmpty(summary)
	s.EmotionalTone = strOrEmpty(tone)
	if topics != "" {
		if err := json.Unmarshal([]byte(topics), &s.KeyTopics); err != nil {
			s.KeyTopics = nil
		}
	}
	s.StartedAt = parseTime(strOrEmpty(startedAt))
	s.EndedAt = parseTime(strOrEmpty(endedAt))
	s.ExpiresAt = parseTime(strOrEmpty(expiresAt))
	return s, nil
}

const sessionCols = `session_id, summary, key_topics, emotional_tone, turn_count, started_at, ended_at, expires_at`

// SessionDetail implements [memory.SessionStore]. When the serialized
// messages blob is missing the turns come from the live messages table.
func (r *SessionRepository) SessionDetail(ctx context.Context, sessionID string) (*memory.Session, []memory.Turn, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return nil, nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT `+sessionCols+`, messages_json FROM sessions WHERE session_id = ?`, sessionID)

	var (
		s                             memory.Session
		summary, tone                 sql.NullString
		topics                        string
		startedAt, endedAt, expiresAt sql.NullString
		blob                          sql.NullString
	)
	err = row.Scan(&s.ID, &summary, &topics, &tone, &s.TurnCount, &startedAt, &endedAt, &expiresAt, &blob)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: scan session: %w", err)
	}
	s.Summary = strOrEmpty(summary)
	s.EmotionalTone = strOrEmpty(tone)
	if topics != "" {
		if err := json.Unmarshal([]byte(topics), &s.KeyTopics); err != nil {
			s.KeyTopics = nil
		}
	}
	s.StartedAt = parseTime(strOrEmpty(startedAt))
	s.EndedAt = parseTime(strOrEmpty(endedAt))
	s.ExpiresAt = parseTime(strOrEmpty(expiresAt))

	if blob.Valid && blob.String != "" && blob.String != "null" {
		var blobs []turnBlob
		if err := json.Unmarshal([]byte(blob.String), &blobs); err == nil {
			turns := make([]memory.Turn, len(blobs))
			for i, b := range blobs {
				turns[i] = memory.Turn{
					SessionID: sessionID,
					TurnID:    b.TurnID,
					Role:      memory.Role(b.Role),
					Content:   b.Content,
					Timestamp: parseTime(b.Timestamp),
					Emotion:   b.Emotion,
				}
			}
			return &s, turns, nil
		}
	}

	turns, err := r.SessionTurns(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return &s, turns, nil
}

// SearchByTopic implements [memory.SessionStore].
func (r *SessionRepository) SearchByTopic(ctx context.Context, topic string, limit int) ([]memory.Session, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	pattern := "%" + topic + "%"
	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE key_topics LIKE ? OR summary LIKE ?
		 ORDER BY started_at DESC LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search sessions: %w", err)
	}
	defer rows.Close()

	out := []memory.Session{}
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionsByDate implements [memory.SessionStore]. The rendered block lists
// each session's topics and turns, truncated to the character budget.
func (r *SessionRepository) SessionsByDate(ctx context.Context, date string, limit, maxTokens int) (string, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE date(started_at) = ? ORDER BY started_at LIMIT ?`,
		date, limit,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: sessions by date: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return "", fmt.Errorf("sqlite: scan session: %w", err)
		}
		turns, err := r.SessionTurns(ctx, s.ID)
		if err != nil {
			return "", err
		}
		writeSessionBlock(&b, s, turns)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return truncateToBudget(b.String(), maxTokens), nil
}

func writeSessionBlock(b *strings.Builder, s memory.Session, turns []memory.Turn) {
	fmt.Fprintf(b, "## Session %s", s.ID)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(b, " (%s)", s.StartedAt.Format("2006-01-02 15:04"))
	}
	b.WriteString("\n")
	if len(s.KeyTopics) > 0 {
		fmt.Fprintf(b, "Topics: %s\n", strings.Join(s.KeyTopics, ", "))
	}
	if s.Summary != "" {
		fmt.Fprintf(b, "Summary: %s\n", s.Summary)
	}
	for _, t := range turns {
		fmt.Fprintf(b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\n")
}

// truncateToBudget cuts s to maxTokens*charsPerToken runes. A non-positive
// budget means unbounded.
func truncateToBudget(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return strings.TrimRight(s, "\n")
	}
	budget := maxTokens * charsPerToken
	runes := []rune(s)
	if len(runes) > budget {
		runes = runes[:budget]
	}
	return strings.TrimRight(string(runes), "\n")
}

// RecentSummaries implements [memory.SessionStore].
func (r *SessionRepository) RecentSummaries(ctx context.Context, limit, maxTokens int) (string, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE summary IS NOT NULL ORDER BY ended_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: recent summaries: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return "", fmt.Errorf("sqlite: scan session: %w", err)
		}
		date := ""
		if !s.EndedAt.IsZero() {
			date = s.EndedAt.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "- [%s] %s\n", date, s.Summary)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return truncateToBudget(b.String(), maxTokens), nil
}

// TimeSinceLastSession implements [memory.SessionStore].
func (r *SessionRepository) TimeSinceLastSession(ctx context.Context) (time.Duration, bool, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return 0, false, err
	}

	var last sql.NullString
	err = db.QueryRowContext(ctx, `SELECT MAX(ended_at) FROM sessions`).Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: last session: %w", err)
	}
	if !last.Valid || last.String == "" {
		return 0, false, nil
	}
	t := parseTime(last.String)
	if t.IsZero() {
		return 0, false, nil
	}
	return time.Since(t), true, nil
}

// Stats implements [memory.SessionStore].
func (r *SessionRepository) Stats(ctx context.Context) (memory.SessionStats, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return memory.SessionStats{}, err
	}

	var (
		stats          memory.SessionStats
		oldest, newest sql.NullString
	)
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        (SELECT COUNT(*) FROM messages),
		        (SELECT COUNT(*) FROM archived_messages),
		        MIN(started_at), MAX(started_at)
		 FROM sessions`,
	).Scan(&stats.TotalSessions, &stats.TotalMessages, &stats.ArchivedMessages, &oldest, &newest)
	if err != nil {
		return memory.SessionStats{}, fmt.Errorf("sqlite: session stats: %w", err)
	}
	stats.OldestSession = parseTime(strOrEmpty(oldest))
	stats.NewestSession = parseTime(strOrEmpty(newest))
	return stats, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Expiry and archival
// ─────────────────────────────────────────────────────────────────────────────

// ExpiredUnsummarized implements [memory.SessionStore].
func (r *SessionRepository) ExpiredUnsummarized(ctx context.Context, now time.Time) ([]memory.Session, error) {
	db, err := r.mgr.DB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE expires_at < ? AND summary IS NULL
		 ORDER BY expires_at`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: expired sessions: %w", err)
	}
	defer rows.Close()

	out := []memory.Session{}
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ArchiveSession implements [memory.SessionStore].
func (r *SessionRepository) ArchiveSession(ctx context.Context, sessionID, summary string) (int, error) {
	var archived int
	err := r.mgr.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET summary = ? WHERE session_id = ?`, summary, sessionID)
		if err != nil {
			return fmt.Errorf("sqlite: write summary: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("sqlite: archive session: unknown session %q", sessionID)
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO archived_messages (session_id, turn_id, role, content, timestamp)
			 SELECT session_id, turn_id, role, content, timestamp FROM messages WHERE session_id = ?`,
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: move turns to archive: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		archived = int(n)

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("sqlite: delete live turns: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}

// CleanupExpired implements [memory.SessionStore].
func (r *SessionRepository) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := r.mgr.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id IN (
			   SELECT session_id FROM sessions WHERE expires_at < ? AND summary IS NOT NULL
			 )`,
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("sqlite: cleanup turns: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE expires_at < ? AND summary IS NOT NULL`,
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("sqlite: cleanup sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

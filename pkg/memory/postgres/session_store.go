package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// charsPerToken is the character budget granted per token when rendering
// bounded text blocks.
const charsPerToken = 4

// defaultSessionTTL is how long a finalized session stays live before it
// becomes eligible for summarization and archival.
const defaultSessionTTL = 7 * 24 * time.Hour

// SessionRepository is the session archive backed by the sessions, messages,
// and archived_messages tables.
//
// Obtain one via [NewStore] rather than constructing directly. All methods
// are safe for concurrent use.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// turnBlob is the serialized per-turn shape stored in sessions.messages_json.
type turnBlob struct {
	TurnID    int       `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Emotion   string    `json:"emotion,omitempty"`
}

// AppendTurn implements [memory.SessionStore]. A transaction-scoped advisory
// lock on the session id serializes concurrent appends to the same session;
// without it two READ COMMITTED transactions can read the same MAX(turn_id)
// and commit duplicate indices.
func (r *SessionRepository) AppendTurn(ctx context.Context, sessionID string, role memory.Role, content string, ts time.Time, emotion string) error {
	if sessionID == "" {
		return fmt.Errorf("session store: append turn: session id must not be empty")
	}
	if !role.IsValid() {
		return fmt.Errorf("session store: append turn: invalid role %q", role)
	}
	if emotion == "" {
		emotion = "neutral"
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return err
		}
		const q = `
			INSERT INTO messages (session_id, turn_id, role, content, timestamp, emotional_context)
			SELECT $1, COALESCE(MAX(turn_id)+1, 0), $2, $3, $4, $5
			FROM   messages WHERE session_id = $1`
		_, err := tx.Exec(ctx, q, sessionID, string(role), content, ts, emotion)
		return err
	})
	if err != nil {
		return fmt.Errorf("session store: append turn: %w", err)
	}
	return nil
}

// SaveSession implements [memory.SessionStore]. The header and every turn
// land in a single transaction; a zero ExpiresAt defaults to EndedAt plus
// the session TTL.
func (r *SessionRepository) SaveSession(ctx context.Context, s memory.Session, turns []memory.Turn) error {
	if s.ID == "" {
		return fmt.Errorf("session store: save session: id must not be empty")
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
	if s.KeyTopics == nil {
		s.KeyTopics = []string{}
	}

	blobs := make([]turnBlob, len(turns))
	for i, t := range turns {
		blobs[i] = turnBlob{
			TurnID:    i,
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: t.Timestamp,
			Emotion:   t.Emotion,
		}
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO sessions
			    (session_id, summary, key_topics, emotional_tone, turn_count, started_at, ended_at, expires_at, messages_json)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id) DO UPDATE SET
			    summary        = EXCLUDED.summary,
			    key_topics     = EXCLUDED.key_topics,
			    emotional_tone = EXCLUDED.emotional_tone,
			    turn_count     = EXCLUDED.turn_count,
			    started_at     = EXCLUDED.started_at,
			    ended_at       = EXCLUDED.ended_at,
			    expires_at     = EXCLUDED.expires_at,
			    messages_json  = EXCLUDED.messages_json`
		_, err := tx.Exec(ctx, q,
			s.ID, nullStr(s.Summary), s.KeyTopics, nullStr(s.EmotionalTone), s.TurnCount,
			nullTime(s.StartedAt), nullTime(s.EndedAt), nullTime(s.ExpiresAt), blobs,
		)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, s.ID); err != nil {
			return err
		}
		for i, t := range turns {
			emotion := t.Emotion
			if emotion == "" {
				emotion = "neutral"
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO messages (session_id, turn_id, role, content, timestamp, emotional_context)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				s.ID, i, string(t.Role), t.Content, t.Timestamp, emotion,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session store: save session: %w", err)
	}
	return nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// SessionTurns implements [memory.SessionStore].
func (r *SessionRepository) SessionTurns(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	const q = `
		SELECT turn_id, role, content, timestamp, emotional_context
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY turn_id`

	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session store: query turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			t    memory.Turn
			role string
		)
		if err := row.Scan(&t.TurnID, &role, &t.Content, &t.Timestamp, &t.Emotion); err != nil {
			return memory.Turn{}, err
		}
		t.SessionID = sessionID
		t.Role = memory.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}

const sessionCols = `session_id, summary, key_topics, emotional_tone, turn_count, started_at, ended_at, expires_at`

func scanSession(row pgx.CollectableRow) (memory.Session, error) {
	var (
		s                             memory.Session
		summary, tone                 *string
		startedAt, endedAt, expiresAt *time.Time
	)
	err := row.Scan(&s.ID, &summary, &s.KeyTopics, &tone, &s.TurnCount, &startedAt, &endedAt, &expiresAt)
	if err != nil {
		return memory.Session{}, err
	}
	s.Summary = deref(summary)
	s.EmotionalTone = deref(tone)
	s.StartedAt = deref(startedAt)
	s.EndedAt = deref(endedAt)
	s.ExpiresAt = deref(expiresAt)
	return s, nil
}

// SessionDetail implements [memory.SessionStore]. When the serialized
// messages blob is missing the turns come from the live messages table.
func (r *SessionRepository) SessionDetail(ctx context.Context, sessionID string) (*memory.Session, []memory.Turn, error) {
	const q = `SELECT ` + sessionCols + `, messages_json FROM sessions WHERE session_id = $1`

	var (
		s                             memory.Session
		summary, tone                 *string
		startedAt, endedAt, expiresAt *time.Time
		blobs                         []turnBlob
	)
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(
		&s.ID, &summary, &s.KeyTopics, &tone, &s.TurnCount, &startedAt, &endedAt, &expiresAt, &blobs)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session store: session detail: %w", err)
	}
	s.Summary = deref(summary)
	s.EmotionalTone = deref(tone)
	s.StartedAt = deref(startedAt)
	s.EndedAt = deref(endedAt)
	s.ExpiresAt = deref(expiresAt)

	if len(blobs) > 0 {
		turns := make([]memory.Turn, len(blobs))
		for i, b := range blobs {
			turns[i] = memory.Turn{
				SessionID: sessionID,
				TurnID:    b.TurnID,
				Role:      memory.Role(b.Role),
				Content:   b.Content,
				Timestamp: b.Timestamp,
				Emotion:   b.Emotion,
			}
		}
		return &s, turns, nil
	}

	turns, err := r.SessionTurns(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return &s, turns, nil
}

// SearchByTopic implements [memory.SessionStore].
func (r *SessionRepository) SearchByTopic(ctx context.Context, topic string, limit int) ([]memory.Session, error) {
	if limit <= 0 {
		limit = 10
	}

	const q = `
		SELECT ` + sessionCols + `
		FROM   sessions
		WHERE  key_topics::text ILIKE $1 OR summary ILIKE $1
		ORDER  BY started_at DESC NULLS LAST
		LIMIT  $2`

	rows, err := r.pool.Query(ctx, q, "%"+topic+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("session store: search by topic: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("session store: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []memory.Session{}
	}
	return sessions, nil
}

// SessionsByDate implements [memory.SessionStore].
func (r *SessionRepository) SessionsByDate(ctx context.Context, date string, limit, maxTokens int) (string, error) {
	if limit <= 0 {
		limit = 5
	}

	const q = `
		SELECT ` + sessionCols + `
		FROM   sessions
		WHERE  started_at::date = $1::date
		ORDER  BY started_at
		LIMIT  $2`

	rows, err := r.pool.Query(ctx, q, date, limit)
	if err != nil {
		return "", fmt.Errorf("session store: sessions by date: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return "", fmt.Errorf("session store: scan sessions: %w", err)
	}

	var b strings.Builder
	for _, s := range sessions {
		turns, err := r.SessionTurns(ctx, s.ID)
		if err != nil {
			return "", err
		}
		writeSessionBlock(&b, s, turns)
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
	if limit <= 0 {
		limit = 5
	}

	const q = `
		SELECT ` + sessionCols + `
		FROM   sessions
		WHERE  summary IS NOT NULL
		ORDER  BY ended_at DESC NULLS LAST
		LIMIT  $1`

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return "", fmt.Errorf("session store: recent summaries: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return "", fmt.Errorf("session store: scan sessions: %w", err)
	}

	var b strings.Builder
	for _, s := range sessions {
		date := ""
		if !s.EndedAt.IsZero() {
			date = s.EndedAt.Format("2006-01-02")
		}
		fmt.Fprintf(&b, "- [%s] %s\n", date, s.Summary)
	}
	return truncateToBudget(b.String(), maxTokens), nil
}

// TimeSinceLastSession implements [memory.SessionStore].
func (r *SessionRepository) TimeSinceLastSession(ctx context.Context) (time.Duration, bool, error) {
	var last *time.Time
	err := r.pool.QueryRow(ctx, `SELECT MAX(ended_at) FROM sessions`).Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("session store: last session: %w", err)
	}
	if last == nil {
		return 0, false, nil
	}
	return time.Since(*last), true, nil
}

// Stats implements [memory.SessionStore].
func (r *SessionRepository) Stats(ctx context.Context) (memory.SessionStats, error) {
	const q = `
		SELECT COUNT(*),
		       (SELECT COUNT(*) FROM messages),
		       (SELECT COUNT(*) FROM archived_messages),
		       MIN(started_at), MAX(started_at)
		FROM   sessions`

	var (
		stats          memory.SessionStats
		oldest, newest *time.Time
	)
	err := r.pool.QueryRow(ctx, q).Scan(
		&stats.TotalSessions, &stats.TotalMessages, &stats.ArchivedMessages, &oldest, &newest)
	if err != nil {
		return memory.SessionStats{}, fmt.Errorf("session store: stats: %w", err)
	}
	stats.OldestSession = deref(oldest)
	stats.NewestSession = deref(newest)
	return stats, nil
}

// ExpiredUnsummarized implements [memory.SessionStore].
func (r *SessionRepository) ExpiredUnsummarized(ctx context.Context, now time.Time) ([]memory.Session, error) {
	const q = `
		SELECT ` + sessionCols + `
		FROM   sessions
		WHERE  expires_at < $1 AND summary IS NULL
		ORDER  BY expires_at`

	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("session store: expired sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("session store: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []memory.Session{}
	}
	return sessions, nil
}

// ArchiveSession implements [memory.SessionStore].
func (r *SessionRepository) ArchiveSession(ctx context.Context, sessionID, summary string) (int, error) {
	var archived int
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET summary = $1 WHERE session_id = $2`, summary, sessionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("unknown session %q", sessionID)
		}

		tag, err = tx.Exec(ctx,
			`INSERT INTO archived_messages (session_id, turn_id, role, content, timestamp)
			 SELECT session_id, turn_id, role, content, timestamp FROM messages WHERE session_id = $1`,
			sessionID)
		if err != nil {
			return err
		}
		archived = int(tag.RowsAffected())

		_, err = tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("session store: archive session: %w", err)
	}
	return archived, nil
}

// CleanupExpired implements [memory.SessionStore].
func (r *SessionRepository) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM messages WHERE session_id IN (
			   SELECT session_id FROM sessions WHERE expires_at < $1 AND summary IS NOT NULL
			 )`, now)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`DELETE FROM sessions WHERE expires_at < $1 AND summary IS NOT NULL`, now)
		if err != nil {
			return err
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("session store: cleanup expired: %w", err)
	}
	return removed, nil
}

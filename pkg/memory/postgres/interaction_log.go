package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// InteractionLogger records per-turn observability rows in the
// interaction_logs table.
//
// Obtain one via [NewStore] rather than constructing directly. All methods
// are safe for concurrent use.
type InteractionLogger struct {
	pool *pgxpool.Pool
}

// LogInteraction implements [memory.InteractionLogStore].
func (l *InteractionLogger) LogInteraction(ctx context.Context, entry memory.InteractionLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.ToolCalls == nil {
		entry.ToolCalls = []string{}
	}

	const q = `
		INSERT INTO interaction_logs
		    (ts, conversation_id, turn_id, effective_model, tier, router_reason, routing_features_json,
		     manual_override, latency_ms, ttft_ms, tokens_in, tokens_out, tool_calls_json,
		     refusal_detected, response_chars, hedge_ratio, avg_sentence_len, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := l.pool.Exec(ctx, q,
		entry.Timestamp, entry.ConversationID, entry.TurnID,
		entry.EffectiveModel, entry.Tier, entry.RouterReason, entry.RoutingFeatures,
		entry.ManualOverride, entry.LatencyMS, entry.TTFTMS,
		entry.TokensIn, entry.TokensOut, entry.ToolCalls,
		entry.RefusalDetected, entry.ResponseChars, entry.HedgeRatio, entry.AvgSentenceLen,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("interaction log: insert: %w", err)
	}
	return nil
}

// RecentInteractionLogs implements [memory.InteractionLogStore].
func (l *InteractionLogger) RecentInteractionLogs(ctx context.Context, limit int) ([]memory.InteractionLog, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
		SELECT id, ts, conversation_id, turn_id, effective_model, tier, router_reason,
		       routing_features_json, manual_override, latency_ms, ttft_ms, tokens_in, tokens_out,
		       tool_calls_json, refusal_detected, response_chars, hedge_ratio, avg_sentence_len
		FROM   interaction_logs
		ORDER  BY ts DESC
		LIMIT  $1`

	rows, err := l.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("interaction log: query recent: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.InteractionLog, error) {
		var e memory.InteractionLog
		err := row.Scan(&e.ID, &e.Timestamp, &e.ConversationID, &e.TurnID, &e.EffectiveModel,
			&e.Tier, &e.RouterReason, &e.RoutingFeatures, &e.ManualOverride,
			&e.LatencyMS, &e.TTFTMS, &e.TokensIn, &e.TokensOut,
			&e.ToolCalls, &e.RefusalDetected, &e.ResponseChars, &e.HedgeRatio, &e.AvgSentenceLen)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("interaction log: scan rows: %w", err)
	}
	if logs == nil {
		logs = []memory.InteractionLog{}
	}
	return logs, nil
}

// InteractionStats implements [memory.InteractionLogStore].
func (l *InteractionLogger) InteractionStats(ctx context.Context, window time.Duration) (memory.InteractionStats, error) {
	since := time.Now().Add(-window)
	stats := memory.InteractionStats{
		TierCounts:      map[string]int{},
		WindowStartedAt: since,
	}

	const q = `
		SELECT COUNT(*),
		       COALESCE(AVG(hedge_ratio), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COUNT(*) FILTER (WHERE refusal_detected)
		FROM   interaction_logs
		WHERE  ts >= $1`

	err := l.pool.QueryRow(ctx, q, since).Scan(
		&stats.TotalLogs, &stats.MeanHedgeRatio, &stats.MeanLatencyMS, &stats.RefusalCount)
	if err != nil {
		return memory.InteractionStats{}, fmt.Errorf("interaction log: stats: %w", err)
	}

	rows, err := l.pool.Query(ctx,
		`SELECT tier, COUNT(*) FROM interaction_logs WHERE ts >= $1 GROUP BY tier`, since)
	if err != nil {
		return memory.InteractionStats{}, fmt.Errorf("interaction log: tier counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tier string
			n    int
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return memory.InteractionStats{}, fmt.Errorf("interaction log: scan tier count: %w", err)
		}
		stats.TierCounts[tier] = n
	}
	return stats, rows.Err()
}

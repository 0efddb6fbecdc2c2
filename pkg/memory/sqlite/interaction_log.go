package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// InteractionLogger implements [memory.InteractionLogStore] on a [Manager].
type InteractionLogger struct {
	mgr *Manager
}

var _ memory.InteractionLogStore = (*InteractionLogger)(nil)

// NewInteractionLogger wires a logger over an already-migrated database.
func NewInteractionLogger(mgr *Manager) *InteractionLogger {
	return &InteractionLogger{mgr: mgr}
}

// LogInteraction implements [memory.InteractionLogStore].
func (l *InteractionLogger) LogInteraction(ctx context.Context, entry memory.InteractionLog) error {
	db, err := l.mgr.DB()
	if err != nil {
		return err
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	featuresJSON, err := json.Marshal(entry.RoutingFeatures)
	if err != nil {
		return fmt.Errorf("sqlite: marshal routing features: %w", err)
	}
	toolsJSON, err := json.Marshal(entry.ToolCalls)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tool calls: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO interaction_logs
		 (ts, conversation_id, turn_id, effective_model, tier, router_reason, routing_features_json,
		  manual_override, latency_ms, ttft_ms, tokens_in, tokens_out, tool_calls_json,
		  refusal_detected, response_chars, hedge_ratio, avg_sentence_len, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(entry.Timestamp), entry.ConversationID, entry.TurnID,
		entry.EffectiveModel, entry.Tier, entry.RouterReason, string(featuresJSON),
		boolToInt(entry.ManualOverride), entry.LatencyMS, entry.TTFTMS,
		entry.TokensIn, entry.TokensOut, string(toolsJSON),
		boolToInt(entry.RefusalDetected), entry.ResponseChars, entry.HedgeRatio, entry.AvgSentenceLen,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert interaction log: %w", err)
	}
	return nil
}

// RecentInteractionLogs implements [memory.InteractionLogStore].
func (l *InteractionLogger) RecentInteractionLogs(ctx context.Context, limit int) ([]memory.InteractionLog, error) {
	db, err := l.mgr.DB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, ts, conversation_id, turn_id, effective_model, tier, router_reason,
		        routing_features_json, manual_override, latency_ms, ttft_ms, tokens_in, tokens_out,
		        tool_calls_json, refusal_detected, response_chars, hedge_ratio, avg_sentence_len
		 FROM interaction_logs ORDER BY ts DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query interaction logs: %w", err)
	}
	defer rows.Close()

	out := []memory.InteractionLog{}
	for rows.Next() {
		var (
			e                     memory.InteractionLog
			ts                    string
			features, tools       sql.NullString
			override, refusal     int
			latency, ttft         sql.NullInt64
			tokIn, tokOut, rchars sql.NullInt64
			hedge, avgLen         sql.NullFloat64
		)
		err := rows.Scan(&e.ID, &ts, &e.ConversationID, &e.TurnID, &e.EffectiveModel, &e.Tier,
			&e.RouterReason, &features, &override, &latency, &ttft, &tokIn, &tokOut,
			&tools, &refusal, &rchars, &hedge, &avgLen)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan interaction log: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.ManualOverride = override != 0
		e.RefusalDetected = refusal != 0
		e.LatencyMS = latency.Int64
		e.TTFTMS = ttft.Int64
		e.TokensIn = int(tokIn.Int64)
		e.TokensOut = int(tokOut.Int64)
		e.ResponseChars = int(rchars.Int64)
		e.HedgeRatio = hedge.Float64
		e.AvgSentenceLen = avgLen.Float64
		if features.Valid && features.String != "" && features.String != "null" {
			_ = json.Unmarshal([]byte(features.String), &e.RoutingFeatures)
		}
		if tools.Valid && tools.String != "" && tools.String != "null" {
			_ = json.Unmarshal([]byte(tools.String), &e.ToolCalls)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InteractionStats implements [memory.InteractionLogStore].
func (l *InteractionLogger) InteractionStats(ctx context.Context, window time.Duration) (memory.InteractionStats, error) {
	db, err := l.mgr.DB()
	if err != nil {
		return memory.InteractionStats{}, err
	}

	since := time.Now().Add(-window)
	stats := memory.InteractionStats{
		TierCounts:      map[string]int{},
		WindowStartedAt: since,
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(hedge_ratio), 0),
		        COALESCE(AVG(latency_ms), 0),
		        COALESCE(SUM(refusal_detected), 0)
		 FROM interaction_logs WHERE ts >= ?`,
		formatTime(since),
	).Scan(&stats.TotalLogs, &stats.MeanHedgeRatio, &stats.MeanLatencyMS, &stats.RefusalCount)
	if err != nil {
		return memory.InteractionStats{}, fmt.Errorf("sqlite: interaction stats: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT COALESCE(tier, ''), COUNT(*) FROM interaction_logs WHERE ts >= ? GROUP BY tier`,
		formatTime(since),
	)
	if err != nil {
		return memory.InteractionStats{}, fmt.Errorf("sqlite: tier counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tier string
			n    int
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return memory.InteractionStats{}, fmt.Errorf("sqlite: scan tier count: %w", err)
		}
		stats.TierCounts[tier] = n
	}
	return stats, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

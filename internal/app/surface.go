package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/longterm"
	"github.com/mnemohq/mnemo/internal/maintenance"
	"github.com/mnemohq/mnemo/internal/observe"
	"github.com/mnemohq/mnemo/internal/resilience"
	"github.com/mnemohq/mnemo/internal/sanitize"
	"github.com/mnemohq/mnemo/internal/session"
	"github.com/mnemohq/mnemo/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session archive
// ─────────────────────────────────────────────────────────────────────────────

// SaveMessageImmediate sanitizes and durably appends one turn to the given
// session. The turn is visible to readers as soon as this returns.
func (m *Memory) SaveMessageImmediate(ctx context.Context, sessionID string, role memory.Role, content, emotion string) error {
	if !role.IsValid() {
		return fmt.Errorf("app: save message: invalid role %q", role)
	}
	ctx, span := observe.StartSpan(ctx, "memory.append_turn")
	defer span.End()
	span.SetAttributes(observe.Attr("session_id", sessionID))

	start := m.now()
	content = sanitize.Text(content)
	if err := m.sessions.AppendTurn(ctx, sessionID, role, content, m.now(), emotion); err != nil {
		return err
	}
	m.metrics.RecordTurnIngested(ctx, string(role))
	m.metrics.IngestDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

// SaveSession writes a session header and all its turns atomically.
func (m *Memory) SaveSession(ctx context.Context, s memory.Session, turns []memory.Turn) error {
	return m.sessions.SaveSession(ctx, s, turns)
}

// SessionMessages returns the session's turns in order.
func (m *Memory) SessionMessages(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	return m.sessions.SessionTurns(ctx, sessionID)
}

// SessionDetail returns the session header and turns, reassembling the
// turns from the live table when the serialized blob is absent.
func (m *Memory) SessionDetail(ctx context.Context, sessionID string) (*memory.Session, []memory.Turn, error) {
	return m.sessions.SessionDetail(ctx, sessionID)
}

// SearchByTopic returns sessions matching the topic, newest first.
func (m *Memory) SearchByTopic(ctx context.Context, topic string, limit int) ([]memory.Session, error) {
	return m.sessions.SearchByTopic(ctx, topic, limit)
}

// SessionsByDate renders one calendar day's sessions as a text block bounded
// by the session token budget.
func (m *Memory) SessionsByDate(ctx context.Context, date string, limit int) (string, error) {
	return m.sessions.SessionsByDate(ctx, date, limit, m.cfg.Budgets.SessionTokens)
}

// RecentSummaries renders the most recent session summaries bounded by the
// session token budget.
func (m *Memory) RecentSummaries(ctx context.Context, limit int) (string, error) {
	return m.sessions.RecentSummaries(ctx, limit, m.cfg.Budgets.SessionTokens)
}

// TimeSinceLastSession returns the wall-clock delta since the most recent
// session ended. ok is false when no session exists.
func (m *Memory) TimeSinceLastSession(ctx context.Context) (time.Duration, bool, error) {
	return m.sessions.TimeSinceLastSession(ctx)
}

// Stats returns aggregate counts over the session archive.
func (m *Memory) Stats(ctx context.Context) (memory.SessionStats, error) {
	return m.sessions.Stats(ctx)
}

// SummarizeExpired summarizes and archives every expired, unsummarized
// session. Without an LLM provider this is a no-op.
func (m *Memory) SummarizeExpired(ctx context.Context) (memory.SummarizeReport, error) {
	if m.summarizer == nil {
		m.logger.Debug("summarize expired skipped: no llm provider")
		return memory.SummarizeReport{}, nil
	}
	return m.summarizer.SummarizeExpired(ctx, m.now())
}

// CleanupExpired deletes already-summarized sessions past their expiry.
func (m *Memory) CleanupExpired(ctx context.Context) (int, error) {
	return m.sessions.CleanupExpired(ctx, m.now())
}

// ─────────────────────────────────────────────────────────────────────────────
// Interaction log
// ─────────────────────────────────────────────────────────────────────────────

// LogInteraction records one observability row for an assistant response.
// Style features (hedge ratio, average sentence length, response length) are
// computed here from the response text; a zero timestamp is filled with now.
func (m *Memory) LogInteraction(ctx context.Context, entry memory.InteractionLog, response string) error {
	hedge, avgLen := session.StyleMetrics(response)
	entry.HedgeRatio = hedge
	entry.AvgSentenceLen = avgLen
	entry.ResponseChars = len([]rune(response))
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	return m.logs.LogInteraction(ctx, entry)
}

// RecentInteractionLogs returns the newest interaction rows, most recent
// first.
func (m *Memory) RecentInteractionLogs(ctx context.Context, limit int) ([]memory.InteractionLog, error) {
	return m.logs.RecentInteractionLogs(ctx, limit)
}

// InteractionStats aggregates interaction rows over the trailing window.
func (m *Memory) InteractionStats(ctx context.Context, window time.Duration) (memory.InteractionStats, error) {
	return m.logs.InteractionStats(ctx, window)
}

// ─────────────────────────────────────────────────────────────────────────────
// Long-term memory
// ─────────────────────────────────────────────────────────────────────────────

// Remember promotes content into long-term memory, returning the memory id.
// When force is false the promotion criteria apply and a rejected item
// returns ("", nil). Without a vector store and embeddings provider the call
// is a logged no-op.
func (m *Memory) Remember(ctx context.Context, content, memType string, importance float64, force bool) (string, error) {
	if m.longterm == nil {
		m.logger.Debug("remember skipped: long-term memory disabled")
		return "", nil
	}
	ctx, span := observe.StartSpan(ctx, "memory.remember")
	defer span.End()

	id, err := m.longterm.Add(ctx, content, memType, importance, force)
	switch {
	case err != nil:
		m.metrics.RecordMemoryStored(ctx, "error")
	case id == "":
		m.metrics.RecordMemoryStored(ctx, "rejected")
	default:
		m.metrics.RecordMemoryStored(ctx, "stored")
	}
	return id, err
}

// RecallMemories retrieves the k long-term memories most similar to query.
// Returns an empty slice when long-term memory is disabled.
func (m *Memory) RecallMemories(ctx context.Context, query string, k int, filter map[string]any) ([]longterm.Result, error) {
	if m.longterm == nil {
		return []longterm.Result{}, nil
	}
	ctx, span := observe.StartSpan(ctx, "memory.recall")
	defer span.End()

	start := m.now()
	results, err := m.longterm.Search(ctx, query, k, filter)
	if err == nil {
		m.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("source", "long_term")))
	}
	return results, err
}

// ForgetMemories removes the given long-term memories by id.
func (m *Memory) ForgetMemories(ctx context.Context, ids []string) error {
	if m.longterm == nil {
		return nil
	}
	if err := m.longterm.Delete(ctx, ids); err != nil {
		return err
	}
	m.metrics.MemoriesDeleted.Add(ctx, int64(len(ids)))
	return nil
}

// UpdateMemoryMetadata merges metadata maps into the given memories and
// returns how many rows changed.
func (m *Memory) UpdateMemoryMetadata(ctx context.Context, ids []string, metadatas []map[string]any) (int, error) {
	if m.longterm == nil {
		return 0, nil
	}
	return m.longterm.BatchUpdateMetadata(ctx, ids, metadatas)
}

// Consolidate runs one decay-and-prune pass over the long-term store.
func (m *Memory) Consolidate(ctx context.Context) (memory.ConsolidationReport, error) {
	if m.consolidator == nil {
		return memory.ConsolidationReport{}, nil
	}
	return m.consolidator.Consolidate(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge graph
// ─────────────────────────────────────────────────────────────────────────────

// ExtractAndStore runs hybrid entity extraction over text and stores the
// results in the knowledge graph.
func (m *Memory) ExtractAndStore(ctx context.Context, text string) (graph.ExtractReport, error) {
	ctx, span := observe.StartSpan(ctx, "graph.extract")
	defer span.End()
	return m.rag.ExtractAndStore(ctx, text)
}

// QueryGraph expands the query into graph context, using the LLM to resolve
// seed entities when available.
func (m *Memory) QueryGraph(ctx context.Context, query string) (graph.QueryResult, error) {
	ctx, span := observe.StartSpan(ctx, "graph.query")
	defer span.End()

	start := m.now()
	result, err := m.rag.Query(ctx, query)
	if err == nil {
		m.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("source", "graph")))
	}
	return result, err
}

// QueryGraphSync is the synchronous variant: keyword seeds only, no LLM
// round trip.
func (m *Memory) QueryGraphSync(query string) graph.QueryResult {
	return m.rag.QuerySync(query)
}

// Graph exposes the knowledge graph for direct manipulation (CLI tooling,
// tests).
func (m *Memory) Graph() *graph.KnowledgeGraph { return m.graph }

// ─────────────────────────────────────────────────────────────────────────────
// Operations
// ─────────────────────────────────────────────────────────────────────────────

// RunMaintenance executes the full garbage-collection pass. With dryRun set
// every phase reports what it would do without mutating anything.
func (m *Memory) RunMaintenance(ctx context.Context, dryRun bool) (maintenance.Report, error) {
	ctx, span := observe.StartSpan(ctx, "maintenance.run")
	defer span.End()
	if id := observe.CorrelationID(ctx); id != "" {
		m.logger.Info("maintenance pass starting", "dry_run", dryRun, "trace_id", id)
	}

	start := m.now()
	report, err := m.gc.Run(ctx, dryRun)
	if err == nil {
		m.metrics.MaintenancePhaseDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("phase", "full")))
	}
	return report, err
}

// CircuitStats returns a stats snapshot for every registered circuit
// breaker.
func (m *Memory) CircuitStats() map[string]resilience.CircuitStats {
	return m.registry.CircuitStats()
}


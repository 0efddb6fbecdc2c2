package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Schema
// ─────────────────────────────────────────────────────────────────────────────

func TestMigrate_SetsUserVersion(t *testing.T) {
	s := newTestStore(t)

	db, err := s.Manager().DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	v, err := SchemaVersion(context.Background(), db)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != CurrentSchemaVersion {
		t.Errorf("user_version = %d, want %d", v, CurrentSchemaVersion)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.AppendTurn(ctx, "s1", memory.RoleUser, "hello", time.Now(), "")
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	// Re-running the migration must be a no-op that preserves data.
	if _, err := Migrate(ctx, s.Manager(), false); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
	turns, err := s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Errorf("got %d turns after re-migrate, want 1", len(turns))
	}
}

func TestMigrate_CreatesIndexes(t *testing.T) {
	s := newTestStore(t)

	db, err := s.Manager().DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'index'`)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		have[name] = true
	}

	want := []string{
		"idx_messages_session",
		"idx_messages_timestamp",
		"idx_sessions_expires",
		"idx_archived_session",
		"idx_interaction_logs_ts",
		"idx_interaction_logs_tier",
		"idx_interaction_logs_created",
		"idx_interaction_logs_router",
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing index %s", name)
		}
	}
}

func TestMigrate_DryRunAppliesNothing(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(filepath.Join(t.TempDir(), "dry.db"))
	defer mgr.Close()

	pending, err := Migrate(ctx, mgr, true)
	if err != nil {
		t.Fatalf("Migrate dry-run: %v", err)
	}
	if len(pending) != len(Migrations()) {
		t.Errorf("pending = %d, want %d", len(pending), len(Migrations()))
	}

	db, err := mgr.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	v, err := SchemaVersion(ctx, db)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("user_version after dry-run = %d, want 0", v)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Session archive
// ─────────────────────────────────────────────────────────────────────────────

func TestAppendTurn_DenseTurnIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, content := range []string{"first", "second", "third"} {
		if err := s.AppendTurn(ctx, "s1", memory.RoleUser, content, time.Now(), ""); err != nil {
			t.Fatalf("AppendTurn(%q): %v", content, err)
		}
	}
	// Another session starts back at 0.
	if err := s.AppendTurn(ctx, "s2", memory.RoleAssistant, "other", time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnID != i {
			t.Errorf("turn %d has id %d", i, turn.TurnID)
		}
	}

	other, err := s.SessionTurns(ctx, "s2")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(other) != 1 || other[0].TurnID != 0 {
		t.Errorf("s2 turns = %+v, want single turn with id 0", other)
	}
}

func TestAppendTurn_DefaultsEmotion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendTurn(ctx, "s1", memory.RoleUser, "hi", time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	turns, err := s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if turns[0].Emotion != "neutral" {
		t.Errorf("emotion = %q, want neutral", turns[0].Emotion)
	}
}

func TestAppendTurn_RejectsInvalidRole(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendTurn(context.Background(), "s1", "narrator", "x", time.Now(), ""); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func sampleSession(id string, started time.Time) (memory.Session, []memory.Turn) {
	s := memory.Session{
		ID:            id,
		KeyTopics:     []string{"golang", "testing"},
		EmotionalTone: "curious",
		StartedAt:     started,
		EndedAt:       started.Add(10 * time.Minute),
	}
	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: "how do table tests work", Timestamp: started},
		{Role: memory.RoleAssistant, Content: "loop over cases with got and want", Timestamp: started.Add(time.Minute)},
	}
	return s, turns
}

func TestSaveSession_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, turns := sampleSession("s1", time.Now().Add(-time.Hour))
	if err := s.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, gotTurns, err := s.SessionDetail(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", got.TurnCount)
	}
	if len(got.KeyTopics) != 2 || got.KeyTopics[0] != "golang" {
		t.Errorf("KeyTopics = %v", got.KeyTopics)
	}
	if got.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not defaulted")
	}
	if len(gotTurns) != 2 || gotTurns[1].Content != turns[1].Content {
		t.Errorf("turns = %+v", gotTurns)
	}
}

func TestSessionDetail_MissingSession(t *testing.T) {
	s := newTestStore(t)
	sess, turns, err := s.SessionDetail(context.Background(), "nope")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if sess != nil || turns != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", sess, turns)
	}
}

func TestSessionDetail_FallsBackToMessagesTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, turns := sampleSession("s1", time.Now().Add(-time.Hour))
	if err := s.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// Simulate a header written before the serialized blob existed.
	db, err := s.Manager().DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	if _, err := db.Exec(`UPDATE sessions SET messages_json = NULL WHERE session_id = 's1'`); err != nil {
		t.Fatalf("null blob: %v", err)
	}

	_, gotTurns, err := s.SessionDetail(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if len(gotTurns) != 2 {
		t.Fatalf("got %d turns from fallback, want 2", len(gotTurns))
	}
	if gotTurns[0].Content != turns[0].Content {
		t.Errorf("fallback content = %q, want %q", gotTurns[0].Content, turns[0].Content)
	}
}

func TestSearchByTopic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	older, turns := sampleSession("old", time.Now().Add(-48*time.Hour))
	if err := s.SaveSession(ctx, older, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	newer, turns := sampleSession("new", time.Now().Add(-time.Hour))
	if err := s.SaveSession(ctx, newer, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	unrelated := memory.Session{ID: "other", KeyTopics: []string{"cooking"}, StartedAt: time.Now()}
	if err := s.SaveSession(ctx, unrelated, nil); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.SearchByTopic(ctx, "golang", 10)
	if err != nil {
		t.Fatalf("SearchByTopic: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("order = [%s %s], want [new old]", got[0].ID, got[1].ID)
	}
}

func TestSessionsByDate_BoundedByTokenBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	sess, turns := sampleSession("s1", started)
	if err := s.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	full, err := s.SessionsByDate(ctx, "2025-03-01", 5, 0)
	if err != nil {
		t.Fatalf("SessionsByDate: %v", err)
	}
	if !strings.Contains(full, "golang") || !strings.Contains(full, "table tests") {
		t.Errorf("unexpected block:\n%s", full)
	}

	bounded, err := s.SessionsByDate(ctx, "2025-03-01", 5, 5)
	if err != nil {
		t.Fatalf("SessionsByDate bounded: %v", err)
	}
	if len([]rune(bounded)) > 5*charsPerToken {
		t.Errorf("bounded block has %d runes, budget is %d", len([]rune(bounded)), 5*charsPerToken)
	}

	empty, err := s.SessionsByDate(ctx, "1999-01-01", 5, 0)
	if err != nil {
		t.Fatalf("SessionsByDate empty: %v", err)
	}
	if empty != "" {
		t.Errorf("empty day produced %q", empty)
	}
}

func TestRecentSummaries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, summary := range []string{"talked about go", "talked about jazz"} {
		sess := memory.Session{
			ID:      "s" + string(rune('1'+i)),
			Summary: summary,
			EndedAt: time.Now().Add(-time.Duration(2-i) * time.Hour),
		}
		if err := s.SaveSession(ctx, sess, nil); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	unsummarized := memory.Session{ID: "s3", EndedAt: time.Now()}
	if err := s.SaveSession(ctx, unsummarized, nil); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.RecentSummaries(ctx, 5, 0)
	if err != nil {
		t.Fatalf("RecentSummaries: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), got)
	}
	// Newest first.
	if !strings.Contains(lines[0], "jazz") {
		t.Errorf("first line = %q, want the jazz session", lines[0])
	}
}

func TestTimeSinceLastSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.TimeSinceLastSession(ctx)
	if err != nil {
		t.Fatalf("TimeSinceLastSession: %v", err)
	}
	if ok {
		t.Error("ok = true on empty store")
	}

	sess := memory.Session{ID: "s1", EndedAt: time.Now().Add(-2 * time.Hour)}
	if err := s.SaveSession(ctx, sess, nil); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	delta, ok, err := s.TimeSinceLastSession(ctx)
	if err != nil {
		t.Fatalf("TimeSinceLastSession: %v", err)
	}
	if !ok {
		t.Fatal("ok = false after save")
	}
	if delta < time.Hour || delta > 3*time.Hour {
		t.Errorf("delta = %v, want about 2h", delta)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Expiry and archival
// ─────────────────────────────────────────────────────────────────────────────

func TestArchiveSession_MovesTurns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	started := time.Now().Add(-10 * 24 * time.Hour)
	sess, turns := sampleSession("s1", started)
	sess.ExpiresAt = started.Add(7 * 24 * time.Hour)
	if err := s.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	expired, err := s.ExpiredUnsummarized(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredUnsummarized: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "s1" {
		t.Fatalf("expired = %+v, want [s1]", expired)
	}

	archived, err := s.ArchiveSession(ctx, "s1", "short recap")
	if err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if archived != 2 {
		t.Errorf("archived = %d, want 2", archived)
	}

	live, err := s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("live turns remain: %+v", live)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ArchivedMessages != 2 {
		t.Errorf("ArchivedMessages = %d, want 2", stats.ArchivedMessages)
	}

	// Summarized now, so no longer pending.
	expired, err = s.ExpiredUnsummarized(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredUnsummarized: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("still pending after archive: %+v", expired)
	}
}

func TestArchiveSession_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ArchiveSession(context.Background(), "ghost", "x"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestCleanupExpired_OnlySummarized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().Add(-10 * 24 * time.Hour)
	done := memory.Session{ID: "done", Summary: "recap", EndedAt: past, ExpiresAt: past.Add(7 * 24 * time.Hour)}
	pending := memory.Session{ID: "pending", EndedAt: past, ExpiresAt: past.Add(7 * 24 * time.Hour)}
	for _, sess := range []memory.Session{done, pending} {
		if err := s.SaveSession(ctx, sess, nil); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	removed, err := s.CleanupExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	still, _, err := s.SessionDetail(ctx, "pending")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if still == nil {
		t.Error("unsummarized session was deleted")
	}
	gone, _, err := s.SessionDetail(ctx, "done")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if gone != nil {
		t.Error("summarized expired session survived cleanup")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Interaction logs
// ─────────────────────────────────────────────────────────────────────────────

func TestInteractionLogs_RoundTripAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		entry := memory.InteractionLog{
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			ConversationID:  "c1",
			TurnID:          i,
			EffectiveModel:  "gpt-test",
			Tier:            "fast",
			RouterReason:    "short prompt",
			RoutingFeatures: map[string]any{"chars": float64(12)},
			LatencyMS:       100,
			ToolCalls:       []string{"search"},
			ResponseChars:   40,
			HedgeRatio:      0.5,
			AvgSentenceLen:  20,
		}
		if err := s.LogInteraction(ctx, entry); err != nil {
			t.Fatalf("LogInteraction: %v", err)
		}
	}

	got, err := s.RecentInteractionLogs(ctx, 2)
	if err != nil {
		t.Fatalf("RecentInteractionLogs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d logs, want 2", len(got))
	}
	if got[0].TurnID != 2 || got[1].TurnID != 1 {
		t.Errorf("order = [%d %d], want [2 1]", got[0].TurnID, got[1].TurnID)
	}
	if got[0].RoutingFeatures["chars"] != float64(12) {
		t.Errorf("routing features = %v", got[0].RoutingFeatures)
	}
	if len(got[0].ToolCalls) != 1 || got[0].ToolCalls[0] != "search" {
		t.Errorf("tool calls = %v", got[0].ToolCalls)
	}
}

func TestInteractionStats_Window(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inWindow := memory.InteractionLog{
		Timestamp: time.Now().Add(-time.Hour), Tier: "fast",
		HedgeRatio: 0.2, LatencyMS: 100, RefusalDetected: true,
	}
	alsoIn := memory.InteractionLog{
		Timestamp: time.Now().Add(-2 * time.Hour), Tier: "deep",
		HedgeRatio: 0.4, LatencyMS: 300,
	}
	outOfWindow := memory.InteractionLog{
		Timestamp: time.Now().Add(-48 * time.Hour), Tier: "fast",
		HedgeRatio: 1.0, LatencyMS: 9999,
	}
	for _, e := range []memory.InteractionLog{inWindow, alsoIn, outOfWindow} {
		if err := s.LogInteraction(ctx, e); err != nil {
			t.Fatalf("LogInteraction: %v", err)
		}
	}

	stats, err := s.InteractionStats(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("InteractionStats: %v", err)
	}
	if stats.TotalLogs != 2 {
		t.Errorf("TotalLogs = %d, want 2", stats.TotalLogs)
	}
	if stats.RefusalCount != 1 {
		t.Errorf("RefusalCount = %d, want 1", stats.RefusalCount)
	}
	if diff := stats.MeanHedgeRatio - 0.3; diff > 0.001 || diff < -0.001 {
		t.Errorf("MeanHedgeRatio = %v, want 0.3", stats.MeanHedgeRatio)
	}
	if stats.TierCounts["fast"] != 1 || stats.TierCounts["deep"] != 1 {
		t.Errorf("TierCounts = %v", stats.TierCounts)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Maintenance hooks
// ─────────────────────────────────────────────────────────────────────────────

func TestSanitizeMessages_DryRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendTurn(ctx, "s1", memory.RoleUser, "  spaced  ", time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := s.AppendTurn(ctx, "s1", memory.RoleUser, "clean", time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	trim := strings.TrimSpace
	n, err := s.SanitizeMessages(ctx, trim, true)
	if err != nil {
		t.Fatalf("SanitizeMessages dry-run: %v", err)
	}
	if n != 1 {
		t.Errorf("dry-run changed = %d, want 1", n)
	}
	turns, err := s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if turns[0].Content != "  spaced  " {
		t.Errorf("dry-run rewrote content to %q", turns[0].Content)
	}

	if _, err := s.SanitizeMessages(ctx, trim, false); err != nil {
		t.Fatalf("SanitizeMessages: %v", err)
	}
	turns, err = s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if turns[0].Content != "spaced" {
		t.Errorf("content = %q, want %q", turns[0].Content, "spaced")
	}
}

func TestLongTurnContents_AndReplace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	long := strings.Repeat("x", 50)
	if err := s.AppendTurn(ctx, "s1", memory.RoleAssistant, long, time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := s.AppendTurn(ctx, "s1", memory.RoleUser, "short", time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	found, err := s.LongTurnContents(ctx, 40)
	if err != nil {
		t.Fatalf("LongTurnContents: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("got %d long turns, want 1", len(found))
	}
	for id := range found {
		if err := s.ReplaceMessageContent(ctx, id, "condensed"); err != nil {
			t.Fatalf("ReplaceMessageContent: %v", err)
		}
	}
	turns, err := s.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if turns[0].Content != "condensed" {
		t.Errorf("content = %q, want condensed", turns[0].Content)
	}
}

func TestPruneArchivedAndLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-100 * 24 * time.Hour)
	sess, turns := sampleSession("s1", old)
	for i := range turns {
		turns[i].Timestamp = old
	}
	if err := s.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if _, err := s.ArchiveSession(ctx, "s1", "recap"); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if err := s.LogInteraction(ctx, memory.InteractionLog{Timestamp: old}); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	n, err := s.PruneArchivedBefore(ctx, cutoff, true)
	if err != nil {
		t.Fatalf("PruneArchivedBefore dry-run: %v", err)
	}
	if n != 2 {
		t.Errorf("dry-run count = %d, want 2", n)
	}

	n, err = s.PruneArchivedBefore(ctx, cutoff, false)
	if err != nil {
		t.Fatalf("PruneArchivedBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}

	n, err = s.PruneInteractionLogsBefore(ctx, time.Now().Add(-30*24*time.Hour), false)
	if err != nil {
		t.Fatalf("PruneInteractionLogsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned logs = %d, want 1", n)
	}
}

func TestCompactAndTableCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendTurn(ctx, "s1", memory.RoleUser, "hello", time.Now(), ""); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	report, err := s.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !report.WALCheckpointed || !report.Vacuumed || !report.Analyzed || !report.IntegrityOK {
		t.Errorf("report = %+v", report)
	}

	counts, err := s.TableCounts(ctx)
	if err != nil {
		t.Fatalf("TableCounts: %v", err)
	}
	if counts["messages"] != 1 {
		t.Errorf("messages count = %d, want 1", counts["messages"])
	}
	if counts["sessions"] != 0 {
		t.Errorf("sessions count = %d, want 0", counts["sessions"])
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

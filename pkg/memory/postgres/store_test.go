package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if MNEMO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MNEMO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MNEMO_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop any leftover schema first.
	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS graph_entity_mentions CASCADE",
		"DROP TABLE IF EXISTS graph_cooccurrence CASCADE",
		"DROP TABLE IF EXISTS graph_relations CASCADE",
		"DROP TABLE IF EXISTS graph_entities CASCADE",
		"DROP TABLE IF EXISTS memories CASCADE",
		"DROP TABLE IF EXISTS interaction_logs CASCADE",
		"DROP TABLE IF EXISTS archived_messages CASCADE",
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := cleanPool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	sess := memory.Session{
		ID:        "s1",
		KeyTopics: []string{"golang"},
		StartedAt: started,
		EndedAt:   started.Add(10 * time.Minute),
	}
	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: "hello", Timestamp: started},
		{Role: memory.RoleAssistant, Content: "hi there", Timestamp: started.Add(time.Minute)},
	}
	if err := store.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, gotTurns, err := store.SessionDetail(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if got == nil || got.TurnCount != 2 {
		t.Fatalf("session = %+v", got)
	}
	if len(gotTurns) != 2 || gotTurns[1].Content != "hi there" {
		t.Errorf("turns = %+v", gotTurns)
	}
}

func TestAppendTurn_DenseIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, content := range []string{"a", "b", "c"} {
		if err := store.AppendTurn(ctx, "s1", memory.RoleUser, content, time.Now(), ""); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	turns, err := store.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	for i, turn := range turns {
		if turn.TurnID != i {
			t.Errorf("turn %d has id %d", i, turn.TurnID)
		}
	}
}

func TestAppendTurn_ConcurrentSameSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := store.AppendTurn(ctx, "s1", memory.RoleUser, "turn", time.Now(), ""); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := store.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != writers*perWriter {
		t.Fatalf("turns = %d, want %d", len(turns), writers*perWriter)
	}
	seen := make(map[int]bool, len(turns))
	for i, turn := range turns {
		if seen[turn.TurnID] {
			t.Fatalf("duplicate turn id %d", turn.TurnID)
		}
		seen[turn.TurnID] = true
		if turn.TurnID != i {
			t.Errorf("turn %d has id %d, sequence not dense", i, turn.TurnID)
		}
	}
}

func TestArchiveAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	past := time.Now().Add(-10 * 24 * time.Hour)
	sess := memory.Session{ID: "s1", EndedAt: past, ExpiresAt: past.Add(7 * 24 * time.Hour)}
	turns := []memory.Turn{{Role: memory.RoleUser, Content: "old talk", Timestamp: past}}
	if err := store.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	expired, err := store.ExpiredUnsummarized(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredUnsummarized: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %+v, want one session", expired)
	}

	archived, err := store.ArchiveSession(ctx, "s1", "recap")
	if err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if archived != 1 {
		t.Errorf("archived = %d, want 1", archived)
	}

	removed, err := store.CleanupExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestVectorIndex_QueryAndMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	vectors := store.Vectors()

	recs := []memory.VectorRecord{
		{ID: "m1", Content: "likes coffee", Metadata: map[string]any{"type": "preference"}, Embedding: []float32{1, 0, 0, 0}},
		{ID: "m2", Content: "works on compilers", Metadata: map[string]any{"type": "fact"}, Embedding: []float32{0, 1, 0, 0}},
	}
	for _, rec := range recs {
		if err := vectors.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := vectors.Query(ctx, []float32{1, 0, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != "m1" {
		t.Fatalf("results = %+v, want m1", got)
	}
	if got[0].Similarity < 0.99 {
		t.Errorf("similarity = %v, want ~1", got[0].Similarity)
	}

	filtered, err := vectors.Query(ctx, []float32{1, 0, 0, 0}, 5, map[string]any{"type": "fact"})
	if err != nil {
		t.Fatalf("Query filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Record.ID != "m2" {
		t.Errorf("filtered = %+v, want m2", filtered)
	}

	updated, err := vectors.UpdateMetadata(ctx,
		[]string{"m1", "missing"},
		[]map[string]any{{"access_count": 3}, {"access_count": 1}})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	all, err := vectors.GetAll(ctx, false)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for _, rec := range all {
		if rec.ID == "m1" {
			if rec.Metadata["type"] != "preference" || rec.Metadata["access_count"] != float64(3) {
				t.Errorf("m1 metadata = %v", rec.Metadata)
			}
		}
	}
}

func TestGraphStore_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	graph := store.Graph()

	empty, err := graph.Load(ctx)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if len(empty.Entities) != 0 || len(empty.Relations) != 0 {
		t.Fatalf("empty snapshot = %+v", empty)
	}

	now := time.Now().Truncate(time.Millisecond)
	snap := &memory.GraphSnapshot{
		Entities: []memory.Entity{
			{ID: "go", Name: "Go", Type: "tool", Mentions: 2, CreatedAt: now, LastAccessed: now},
			{ID: "ada", Name: "Ada", Type: "person", Mentions: 1, CreatedAt: now, LastAccessed: now},
		},
		Relations: []memory.Relation{
			{Source: "ada", Target: "go", Type: "uses", Weight: 0.5, CreatedAt: now},
		},
		Cooccurrence:   map[string]int{"ada|go": 1},
		EntityMentions: map[string]int{"go": 2, "ada": 1},
	}
	if err := graph.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := graph.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Entities) != 2 || len(got.Relations) != 1 {
		t.Fatalf("snapshot = %+v", got)
	}
	if got.Cooccurrence["ada|go"] != 1 || got.EntityMentions["go"] != 2 {
		t.Errorf("counts = %v / %v", got.Cooccurrence, got.EntityMentions)
	}

	// A second save replaces, not appends.
	snap.Relations = nil
	if err := graph.Save(ctx, snap); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	got, err = graph.Load(ctx)
	if err != nil {
		t.Fatalf("Load again: %v", err)
	}
	if len(got.Relations) != 0 {
		t.Errorf("relations survived replace: %+v", got.Relations)
	}
}

func TestInteractionLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entry := memory.InteractionLog{
		ConversationID:  "c1",
		Tier:            "fast",
		RoutingFeatures: map[string]any{"chars": float64(10)},
		ToolCalls:       []string{"search"},
		HedgeRatio:      0.25,
		LatencyMS:       120,
	}
	if err := store.LogInteraction(ctx, entry); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	logs, err := store.RecentInteractionLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentInteractionLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Tier != "fast" {
		t.Fatalf("logs = %+v", logs)
	}

	stats, err := store.InteractionStats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("InteractionStats: %v", err)
	}
	if stats.TotalLogs != 1 || stats.TierCounts["fast"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/pkg/memory"
	memmock "github.com/mnemohq/mnemo/pkg/memory/mock"
	"github.com/mnemohq/mnemo/pkg/memory/sqlite"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
	llmmock "github.com/mnemohq/mnemo/pkg/provider/llm/mock"
)

// sqliteBackend adapts the embedded store's compact report to the engine
// surface, the same way the facade does.
type sqliteBackend struct {
	*sqlite.Store
}

func (b sqliteBackend) Compact(ctx context.Context) error {
	_, err := b.Store.Compact(ctx)
	return err
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "mem.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seedMessages saves one session with a dirty short turn and one oversized
// turn.
func seedMessages(t *testing.T, store *sqlite.Store) {
	t.Helper()
	now := time.Now()
	sess := memory.Session{
		ID:        "s1",
		StartedAt: now.Add(-time.Hour),
		EndedAt:   now,
	}
	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: "hello \U0001F600 **world**", Timestamp: now.Add(-time.Hour)},
		{Role: memory.RoleAssistant, Content: strings.Repeat("a long reply ", 200) + "end", Timestamp: now.Add(-30 * time.Minute)},
	}
	if err := store.SaveSession(context.Background(), sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
}

func seedDuplicates(t *testing.T, vectors *memmock.VectorStore) {
	t.Helper()
	ctx := context.Background()
	seed := []memory.VectorRecord{
		{ID: "dup-low", Content: "The User Prefers Dark Roast.",
			Metadata:  map[string]any{"importance": 0.5},
			Embedding: []float32{1, 0, 0, 0}},
		{ID: "dup-high", Content: "  the user prefers dark roast.  ",
			Metadata:  map[string]any{"importance": 0.9},
			Embedding: []float32{0.9, 0.1, 0, 0}},
		{ID: "unique", Content: "deploys happen on fridays",
			Metadata:  map[string]any{"importance": 0.4},
			Embedding: []float32{0, 0, 1, 0}},
	}
	for _, rec := range seed {
		if err := vectors.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
}

func seedGraph(t *testing.T) *graph.KnowledgeGraph {
	t.Helper()
	g := graph.New(nil, nil)
	a, _ := g.AddEntity("keeper-a", "tool", nil)
	b, _ := g.AddEntity("keeper-b", "tool", nil)
	if err := g.AddRelation(a, b, "uses", 0.05, ""); err != nil {
		t.Fatalf("AddRelation: %v", err)
	}

	// An old, rarely mentioned entity that the stale sweep should remove.
	snap := g.Snapshot()
	snap.Entities = append(snap.Entities, memory.Entity{
		ID:           "forgotten_tool",
		Name:         "forgotten tool",
		Type:         "tool",
		Mentions:     1,
		CreatedAt:    time.Now().Add(-90 * 24 * time.Hour),
		LastAccessed: time.Now().Add(-90 * 24 * time.Hour),
	})
	g.Restore(snap)
	return g
}

func phaseByName(t *testing.T, report Report, name string) PhaseResult {
	t.Helper()
	for _, p := range report.Phases {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("phase %q missing from report", name)
	return PhaseResult{}
}

func TestRun_FullPass(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store)
	vectors := memmock.NewVectorStore()
	seedDuplicates(t, vectors)
	g := seedGraph(t)

	client := &llmmock.Client{Response: "condensed reply"}
	consolidateCalls := 0
	e := NewEngine(Deps{
		Backend: sqliteBackend{store},
		Vectors: vectors,
		Consolidate: func(ctx context.Context) (memory.ConsolidationReport, error) {
			consolidateCalls++
			return memory.ConsolidationReport{Checked: 3, Deleted: 2}, nil
		},
		Graph: g,
		LLM:   client,
	})
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	report, err := e.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() {
		t.Fatalf("report has failures: %+v", report.Phases)
	}
	if len(report.Phases) != 8 {
		t.Fatalf("phases = %d, want 8", len(report.Phases))
	}

	if got := phaseByName(t, report, "sanitize").Affected; got != 1 {
		t.Errorf("sanitize affected = %d, want 1", got)
	}
	if got := phaseByName(t, report, "summarize_long_turns").Affected; got != 1 {
		t.Errorf("summarize affected = %d, want 1", got)
	}
	if got := phaseByName(t, report, "hash_dedup").Affected; got != 1 {
		t.Errorf("dedup affected = %d, want 1", got)
	}
	if got := phaseByName(t, report, "decay_sweep").Affected; got != 2 {
		t.Errorf("decay sweep affected = %d, want 2", got)
	}
	if got := phaseByName(t, report, "graph_cleanup").Affected; got != 2 {
		t.Errorf("graph cleanup affected = %d, want 2", got)
	}
	if consolidateCalls != 1 {
		t.Errorf("consolidate calls = %d, want 1", consolidateCalls)
	}

	// The oversized turn was replaced with the model's summary.
	turns, err := store.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	var sawSummary bool
	for _, turn := range turns {
		if turn.Content == "condensed reply" {
			sawSummary = true
		}
		if strings.Contains(turn.Content, "\U0001F600") {
			t.Errorf("emoji survived sanitize: %q", turn.Content)
		}
	}
	if !sawSummary {
		t.Error("long turn not replaced")
	}

	// The lower-importance duplicate went, the rest stayed.
	all, err := vectors.GetAll(ctx, false)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	ids := map[string]bool{}
	for _, rec := range all {
		ids[rec.ID] = true
	}
	if ids["dup-low"] || !ids["dup-high"] || !ids["unique"] {
		t.Errorf("surviving ids = %v", ids)
	}

	// The stale entity and weak relation went; fresh entities survive even
	// without relations.
	if g.EntityCount() != 2 {
		t.Errorf("graph entities = %d, want 2", g.EntityCount())
	}
}

func TestRun_DryRunMutatesNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store)
	vectors := memmock.NewVectorStore()
	seedDuplicates(t, vectors)
	g := seedGraph(t)

	client := &llmmock.Client{Response: "unused"}
	e := NewEngine(Deps{
		Backend: sqliteBackend{store},
		Vectors: vectors,
		Graph:   g,
		LLM:     client,
	})

	report, err := e.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() {
		t.Fatalf("report has failures: %+v", report.Phases)
	}
	if !report.DryRun {
		t.Error("DryRun not recorded")
	}

	// Counts are reported but nothing changed.
	if got := phaseByName(t, report, "hash_dedup").Affected; got != 1 {
		t.Errorf("dedup affected = %d, want 1", got)
	}
	if got := phaseByName(t, report, "graph_cleanup").Affected; got != 2 {
		t.Errorf("graph cleanup affected = %d, want 2", got)
	}
	if vectors.Len() != 3 {
		t.Errorf("vector records = %d, want 3", vectors.Len())
	}
	if g.EntityCount() != 3 {
		t.Errorf("graph entities = %d, want 3", g.EntityCount())
	}
	if client.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0 in dry run", client.CallCount())
	}
	turns, err := store.SessionTurns(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if !strings.Contains(turns[0].Content, "\U0001F600") {
		t.Error("dry run sanitized content")
	}
}

func TestRun_SkipsUnwiredPhases(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(Deps{Backend: sqliteBackend{store}})

	report, err := e.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"summarize_long_turns", "hash_dedup", "decay_sweep", "graph_cleanup"} {
		if !phaseByName(t, report, name).Skipped {
			t.Errorf("phase %s not skipped without deps", name)
		}
	}
	if report.Failed() {
		t.Errorf("report has failures: %+v", report.Phases)
	}
}

func TestRun_JobLockPreventsOverlap(t *testing.T) {
	store := newTestStore(t)
	locks := NewJobLocks()
	e := NewEngine(Deps{Backend: sqliteBackend{store}, Locks: locks})

	if !locks.TryAcquire("db_maintenance") {
		t.Fatal("pre-acquire failed")
	}
	if _, err := e.Run(context.Background(), false); err == nil {
		t.Fatal("expected lock error")
	}
	locks.Release("db_maintenance")

	if _, err := e.Run(context.Background(), false); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
	if locks.Held("db_maintenance") {
		t.Error("lock still held after run")
	}
}

func TestRun_PhaseErrorDoesNotAbort(t *testing.T) {
	store := newTestStore(t)
	e := NewEngine(Deps{
		Backend: sqliteBackend{store},
		Consolidate: func(ctx context.Context) (memory.ConsolidationReport, error) {
			return memory.ConsolidationReport{}, errors.New("vector store down")
		},
	})

	report, err := e.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Failed() {
		t.Fatal("failure not recorded")
	}
	if got := phaseByName(t, report, "decay_sweep").Err; !strings.Contains(got, "vector store down") {
		t.Errorf("decay sweep err = %q", got)
	}
	// Later phases still ran.
	if phaseByName(t, report, "compact").Err != "" {
		t.Errorf("compact failed: %s", phaseByName(t, report, "compact").Err)
	}
}

func TestSummarizeWithRetry_Backoff(t *testing.T) {
	var calls int
	client := &llmmock.Client{
		GenerateFunc: func(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("rate limited")
			}
			return "finally", nil
		},
	}

	e := NewEngine(Deps{Backend: sqliteBackend{newTestStore(t)}, LLM: client, Config: Config{
		RetryBaseDelay: time.Second,
	}})
	var waits []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	summary, err := e.summarizeWithRetry(context.Background(), "very long content")
	if err != nil {
		t.Fatalf("summarizeWithRetry: %v", err)
	}
	if summary != "finally" {
		t.Errorf("summary = %q", summary)
	}
	// Linear backoff: second attempt waits 2x base, third waits 3x.
	want := []time.Duration{2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) || waits[0] != want[0] || waits[1] != want[1] {
		t.Errorf("waits = %v, want %v", waits, want)
	}
}

func TestSummarizeWithRetry_ExhaustsAttempts(t *testing.T) {
	client := &llmmock.Client{Err: errors.New("provider down")}
	e := NewEngine(Deps{Backend: sqliteBackend{newTestStore(t)}, LLM: client})
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := e.summarizeWithRetry(context.Background(), "content"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if client.CallCount() != 3 {
		t.Errorf("llm calls = %d, want 3", client.CallCount())
	}
}

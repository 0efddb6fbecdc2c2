package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/resilience"
	"github.com/mnemohq/mnemo/pkg/memory"
	memmock "github.com/mnemohq/mnemo/pkg/memory/mock"
	embmock "github.com/mnemohq/mnemo/pkg/provider/embeddings/mock"
	llmmock "github.com/mnemohq/mnemo/pkg/provider/llm/mock"
)

// newTestMemory builds a facade on the embedded backend in a temp dir, with
// mock providers and an injected in-memory vector store so long-term memory
// is live.
func newTestMemory(t *testing.T, providers *Providers) *Memory {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataRoot = dir
	cfg.Paths.DBPath = filepath.Join(dir, "memory.db")
	cfg.Paths.GraphPath = filepath.Join(dir, "knowledge_graph.json")

	m, err := New(context.Background(), cfg, providers,
		WithRegistry(resilience.NewRegistry()),
		WithVectorStore(memmock.NewVectorStore()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestSaveMessageImmediate_Roundtrip(t *testing.T) {
	m := newTestMemory(t, &Providers{})
	ctx := context.Background()

	err := m.SaveMessageImmediate(ctx, "s1", memory.RoleUser, "hello **world** \U0001F600", "")
	if err != nil {
		t.Fatalf("SaveMessageImmediate: %v", err)
	}

	turns, err := m.SessionMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionMessages: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	if got := turns[0].Content; got != "hello world" {
		t.Errorf("content = %q, want sanitized %q", got, "hello world")
	}
	if turns[0].Emotion != "neutral" {
		t.Errorf("emotion = %q, want default neutral", turns[0].Emotion)
	}
}

func TestSaveMessageImmediate_RejectsInvalidRole(t *testing.T) {
	m := newTestMemory(t, &Providers{})

	err := m.SaveMessageImmediate(context.Background(), "s1", "narrator", "text", "")
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestLogInteraction_ComputesStyleFeatures(t *testing.T) {
	m := newTestMemory(t, &Providers{})
	ctx := context.Background()

	response := "I think the migration is done. The tests pass. Probably nothing is left."
	err := m.LogInteraction(ctx, memory.InteractionLog{
		ConversationID: "s1",
		Tier:           "fast",
		LatencyMS:      120,
	}, response)
	if err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}

	logs, err := m.RecentInteractionLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentInteractionLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	row := logs[0]
	if row.HedgeRatio != 0.667 {
		t.Errorf("HedgeRatio = %v, want 0.667 (2 of 3 sentences hedged)", row.HedgeRatio)
	}
	if row.ResponseChars != len([]rune(response)) {
		t.Errorf("ResponseChars = %d, want %d", row.ResponseChars, len([]rune(response)))
	}
	if row.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestRemember_RecallRoundtrip(t *testing.T) {
	m := newTestMemory(t, &Providers{Embeddings: &embmock.Client{}})
	ctx := context.Background()

	id, err := m.Remember(ctx, "the user prefers dark roast coffee", "preference", 0.8, false)
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if id == "" {
		t.Fatal("memory rejected, want stored")
	}

	results, err := m.RecallMemories(ctx, "the user prefers dark roast coffee", 3, nil)
	if err != nil {
		t.Fatalf("RecallMemories: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Memory.ID != id {
		t.Errorf("recalled id = %q, want %q", results[0].Memory.ID, id)
	}
}

func TestForgetMemories_RemovesFromRecall(t *testing.T) {
	m := newTestMemory(t, &Providers{Embeddings: &embmock.Client{}})
	ctx := context.Background()

	id, err := m.Remember(ctx, "the user's staging cluster runs on spot instances", "fact", 0.9, true)
	if err != nil || id == "" {
		t.Fatalf("Remember: id=%q err=%v", id, err)
	}
	if err := m.ForgetMemories(ctx, []string{id}); err != nil {
		t.Fatalf("ForgetMemories: %v", err)
	}

	results, err := m.RecallMemories(ctx, "the user's staging cluster runs on spot instances", 3, nil)
	if err != nil {
		t.Fatalf("RecallMemories: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 after delete", len(results))
	}
}

func TestRemember_DisabledWithoutEmbeddings(t *testing.T) {
	m := newTestMemory(t, &Providers{})
	ctx := context.Background()

	id, err := m.Remember(ctx, "content that would otherwise qualify", "fact", 0.9, true)
	if err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty no-op", id)
	}

	results, err := m.RecallMemories(ctx, "anything", 3, nil)
	if err != nil {
		t.Fatalf("RecallMemories: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}

func TestExtractAndStore_PopulatesGraph(t *testing.T) {
	llm := &llmmock.Client{
		Response: `{"entities":[{"name":"Redis","type":"tool","importance":0.9}],"relations":[]}`,
	}
	m := newTestMemory(t, &Providers{LLM: llm})
	ctx := context.Background()

	report, err := m.ExtractAndStore(ctx, "We moved the cache to Redis last week.")
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	if report.EntitiesStored == 0 {
		t.Fatal("no entities stored")
	}

	result := m.QueryGraphSync("what do we know about redis?")
	if len(result.Entities) == 0 {
		t.Fatal("QueryGraphSync found nothing")
	}
	if result.Entities[0].Name != "Redis" {
		t.Errorf("entity = %q, want Redis", result.Entities[0].Name)
	}
}

func TestClose_PersistsGraph(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataRoot = dir
	cfg.Paths.DBPath = filepath.Join(dir, "memory.db")
	cfg.Paths.GraphPath = filepath.Join(dir, "knowledge_graph.json")

	m, err := New(context.Background(), cfg, &Providers{},
		WithRegistry(resilience.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Graph().AddEntity("Postgres", "tool", nil)

	m.Close()
	m.Close() // idempotent

	if _, err := os.Stat(cfg.Paths.GraphPath); err != nil {
		t.Fatalf("graph document not written: %v", err)
	}

	// A fresh facade sees the persisted entity.
	m2, err := New(context.Background(), cfg, &Providers{},
		WithRegistry(resilience.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer m2.Close()
	if m2.Graph().EntityCount() != 1 {
		t.Errorf("reloaded entity count = %d, want 1", m2.Graph().EntityCount())
	}
}

func TestAssembleContext_PartialTiers(t *testing.T) {
	m := newTestMemory(t, &Providers{Embeddings: &embmock.Client{}})
	ctx := context.Background()

	if _, err := m.Remember(ctx, "the user is rebuilding the billing service in Go", "fact", 0.9, true); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	m.Graph().AddEntity("Billing Service", "project", nil)

	assembled := m.AssembleContext(ctx, "the user is rebuilding the billing service in Go")
	if len(assembled.Memories) != 1 {
		t.Fatalf("memories = %d, want 1", len(assembled.Memories))
	}
	if !strings.Contains(assembled.GraphContext, "Billing Service") {
		t.Errorf("graph context missing entity: %q", assembled.GraphContext)
	}

	rendered := assembled.Render()
	if !strings.Contains(rendered, "billing service") {
		t.Errorf("rendered context missing memory: %q", rendered)
	}
	if !strings.Contains(rendered, "Known entities:") {
		t.Errorf("rendered context missing graph block: %q", rendered)
	}
}

func TestAssembleContext_EmptyWhenNothingStored(t *testing.T) {
	m := newTestMemory(t, &Providers{})

	assembled := m.AssembleContext(context.Background(), "anything at all")
	if got := assembled.Render(); got != "" {
		t.Errorf("Render() = %q, want empty", got)
	}
}

func TestFacadeOperations_EmitSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	m := newTestMemory(t, &Providers{Embeddings: &embmock.Client{}})
	ctx := context.Background()

	if err := m.SaveMessageImmediate(ctx, "s1", memory.RoleUser, "hello", ""); err != nil {
		t.Fatalf("SaveMessageImmediate: %v", err)
	}
	if _, err := m.Remember(ctx, "spans should cover the long-term path too", "fact", 0.9, true); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	m.AssembleContext(ctx, "hello")

	names := map[string]bool{}
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	for _, want := range []string{"memory.append_turn", "memory.remember", "memory.assemble_context"} {
		if !names[want] {
			t.Errorf("span %q not recorded; got %v", want, names)
		}
	}
}

func TestRunMaintenance_DryRun(t *testing.T) {
	m := newTestMemory(t, &Providers{
		LLM:        &llmmock.Client{Response: "condensed"},
		Embeddings: &embmock.Client{},
	})
	ctx := context.Background()

	if err := m.SaveMessageImmediate(ctx, "s1", memory.RoleUser, "hello there", ""); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	report, err := m.RunMaintenance(ctx, true)
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if !report.DryRun {
		t.Error("report not marked dry-run")
	}
	if report.Failed() {
		t.Errorf("phases failed: %+v", report.Phases)
	}
	if len(report.Phases) != 8 {
		t.Errorf("phases = %d, want 8", len(report.Phases))
	}
}

func TestCircuitStats_PreconfiguredCircuits(t *testing.T) {
	m := newTestMemory(t, &Providers{})

	stats := m.CircuitStats()
	for _, name := range []string{resilience.CircuitLLM, resilience.CircuitResearch, resilience.CircuitEmbedding} {
		if _, ok := stats[name]; !ok {
			t.Errorf("missing circuit %q", name)
		}
	}
}

func TestTimeSinceLastSession_NoSessions(t *testing.T) {
	m := newTestMemory(t, &Providers{})

	_, ok, err := m.TimeSinceLastSession(context.Background())
	if err != nil {
		t.Fatalf("TimeSinceLastSession: %v", err)
	}
	if ok {
		t.Error("ok = true, want false with no sessions")
	}
}

func TestSaveSession_Detail(t *testing.T) {
	m := newTestMemory(t, &Providers{})
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := memory.Session{
		ID:        "s42",
		Summary:   "talked about go generics",
		KeyTopics: []string{"go", "generics"},
		TurnCount: 2,
		StartedAt: now.Add(-time.Hour),
		EndedAt:   now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	turns := []memory.Turn{
		{Role: memory.RoleUser, Content: "how do generics work", Timestamp: now.Add(-time.Hour)},
		{Role: memory.RoleAssistant, Content: "type parameters with constraints", Timestamp: now},
	}
	if err := m.SaveSession(ctx, sess, turns); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, gotTurns, err := m.SessionDetail(ctx, "s42")
	if err != nil {
		t.Fatalf("SessionDetail: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.Summary != sess.Summary {
		t.Errorf("summary = %q, want %q", got.Summary, sess.Summary)
	}
	if len(gotTurns) != 2 {
		t.Errorf("turns = %d, want 2", len(gotTurns))
	}
}

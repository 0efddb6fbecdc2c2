package graph

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mnemohq/mnemo/pkg/fault"
	llmmock "github.com/mnemohq/mnemo/pkg/provider/llm/mock"
)

// longText pads a sentence past the length gate so the LLM pass always runs.
func longText(core string) string {
	return core + " " + strings.Repeat("and the conversation went on about unrelated details ", 5)
}

func TestExtractAndStore_LLMPath(t *testing.T) {
	ctx := context.Background()
	g := newGraph()
	client := &llmmock.Client{Response: `{
		"entities": [
			{"name": "Ada", "type": "person", "importance": 0.9},
			{"name": "Compiler", "type": "project", "importance": 0.8}
		],
		"relations": [
			{"source": "Ada", "target": "Compiler", "relation": "works_on"}
		]
	}`}
	rag := NewRAG(RAGDeps{Graph: g, LLM: client})

	report, err := rag.ExtractAndStore(ctx, longText("today Ada said she finally merged the Compiler changes"))
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	if !report.UsedLLM {
		t.Error("UsedLLM = false, want true")
	}
	if report.EntitiesStored != 2 {
		t.Errorf("EntitiesStored = %d, want 2", report.EntitiesStored)
	}
	if report.RelationsAdded != 1 {
		t.Errorf("RelationsAdded = %d, want 1", report.RelationsAdded)
	}

	ada := g.EntityByName("Ada")
	if ada == nil || ada.Type != "person" {
		t.Fatalf("ada = %+v", ada)
	}
	rels := g.Relations(ada.ID)
	if len(rels) != 1 || rels[0].Type != "works_on" {
		t.Errorf("relations = %+v", rels)
	}
}

func TestExtractAndStore_ImportanceFilter(t *testing.T) {
	ctx := context.Background()
	g := newGraph()
	client := &llmmock.Client{Response: `{
		"entities": [
			{"name": "Ada", "type": "person", "importance": 0.9},
			{"name": "lunch", "type": "concept", "importance": 0.2}
		],
		"relations": []
	}`}
	rag := NewRAG(RAGDeps{Graph: g, LLM: client})

	report, err := rag.ExtractAndStore(ctx, longText("we also spoke with Ada about lunch plans"))
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	if report.EntitiesStored != 1 {
		t.Errorf("EntitiesStored = %d, want 1", report.EntitiesStored)
	}
	if g.EntityByName("lunch") != nil {
		t.Error("low-importance entity stored")
	}
}

func TestExtractAndStore_FallsBackToBaseline(t *testing.T) {
	ctx := context.Background()
	g := newGraph()
	// Baseline confidence sits below the gate, so the LLM pass is attempted
	// and its failure degrades to baseline-only ingestion.
	client := &llmmock.Client{Err: errors.New("provider down")}
	rag := NewRAG(RAGDeps{Graph: g, LLM: client})

	report, err := rag.ExtractAndStore(ctx, "we moved the dashboards to Grafana")
	if err != nil {
		t.Fatalf("ExtractAndStore: %v", err)
	}
	if report.UsedLLM {
		t.Error("UsedLLM = true after failure")
	}
	if g.EntityByName("Grafana") == nil {
		t.Error("baseline entity not stored")
	}
}

func TestExtractAndStore_MalformedJSONWithoutBaseline(t *testing.T) {
	ctx := context.Background()
	g := newGraph()
	client := &llmmock.Client{Response: "sorry, I cannot help with that"}
	rag := NewRAG(RAGDeps{Graph: g, LLM: client})

	// All-lowercase text yields no heuristic candidates, so the malformed
	// LLM response has nothing to fall back on.
	_, err := rag.ExtractAndStore(ctx, "nothing capitalized in here at all")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := fault.CodeOf(err); got != fault.CodeProviderError {
		t.Errorf("code = %s, want %s", got, fault.CodeProviderError)
	}
}

// seedQueryGraph builds redis <-> cache-service <-> postgres.
func seedQueryGraph(t *testing.T) *KnowledgeGraph {
	t.Helper()
	g := newGraph()
	redis, _ := g.AddEntity("Redis", "tool", nil)
	svc, _ := g.AddEntity("Cache Service", "project", nil)
	pg, _ := g.AddEntity("Postgres", "tool", nil)
	if err := g.AddRelation(svc, redis, "uses", 0.8, ""); err != nil {
		t.Fatalf("AddRelation: %v", err)
	}
	if err := g.AddRelation(svc, pg, "uses", 0.6, ""); err != nil {
		t.Fatalf("AddRelation: %v", err)
	}
	return g
}

func TestQuery_LLMSeeds(t *testing.T) {
	ctx := context.Background()
	g := seedQueryGraph(t)
	client := &llmmock.Client{Response: `["Redis", "Postgres"]`}
	rag := NewRAG(RAGDeps{Graph: g, LLM: client})

	result, err := rag.Query(ctx, "how does our caching relate to the database?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(result.Entities) != 3 {
		t.Errorf("entities = %d, want 3", len(result.Entities))
	}
	if len(result.Relations) != 2 {
		t.Errorf("relations = %d, want 2", len(result.Relations))
	}
	// Both seeds resolve, so the pairwise path runs through the service.
	if len(result.Paths) != 1 || len(result.Paths[0]) != 3 {
		t.Fatalf("paths = %v", result.Paths)
	}
	if want := math.Min(0.2*3, 1.0); result.Relevance != want {
		t.Errorf("relevance = %v, want %v", result.Relevance, want)
	}
	if !strings.Contains(result.Context, "--[uses]-->") {
		t.Errorf("context missing relation arrow:\n%s", result.Context)
	}
	if !strings.Contains(result.Context, "Redis -> Cache Service -> Postgres") &&
		!strings.Contains(result.Context, "Postgres -> Cache Service -> Redis") {
		t.Errorf("context missing path:\n%s", result.Context)
	}
}

func TestQuery_FallsBackToKeywordsOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	g := seedQueryGraph(t)
	client := &llmmock.Client{Err: errors.New("provider down")}
	rag := NewRAG(RAGDeps{Graph: g, LLM: client})

	result, err := rag.Query(ctx, "tell me about redis")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Entities) == 0 {
		t.Fatal("keyword fallback found nothing")
	}
	if result.Entities[0].Name != "Redis" {
		t.Errorf("first entity = %q, want Redis", result.Entities[0].Name)
	}
}

func TestQuerySync_KeywordSeeds(t *testing.T) {
	g := seedQueryGraph(t)
	rag := NewRAG(RAGDeps{Graph: g})

	result := rag.QuerySync("what does the cache service depend on?")
	if len(result.Entities) != 3 {
		t.Errorf("entities = %d, want 3", len(result.Entities))
	}
	if math.Abs(result.Relevance-0.6) > 1e-9 {
		t.Errorf("relevance = %v, want 0.6", result.Relevance)
	}
}

func TestQuerySync_NoSeeds(t *testing.T) {
	g := seedQueryGraph(t)
	rag := NewRAG(RAGDeps{Graph: g})

	result := rag.QuerySync("completely unrelated question")
	if len(result.Entities) != 0 {
		t.Errorf("entities = %v, want none", result.Entities)
	}
	if result.Relevance != 0 || result.Context != "" {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestQuerySync_RelationCap(t *testing.T) {
	g := seedQueryGraph(t)
	rag := NewRAG(RAGDeps{Graph: g, Config: RAGConfig{MaxRelations: 1}})

	result := rag.QuerySync("cache service status")
	if len(result.Relations) != 1 {
		t.Errorf("relations = %d, want capped at 1", len(result.Relations))
	}
}

// Package graph implements the knowledge graph: an entity/relation store
// with in-memory indexes, bilingual dedup rules, TF-IDF edge weighting, and
// multi-hop traversal. GraphRAG ingestion and querying live in this package
// too; persistence is delegated to a [memory.GraphPersistence].
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// entityStopwords blocks noise words from entering the graph as concept
// entities. Covers English and Korean articles, pronouns, and auxiliaries.
var entityStopwords = map[string]bool{
	// English
	"the": true, "a": true, "an": true, "it": true, "this": true,
	"that": true, "these": true, "those": true, "i": true, "you": true,
	"he": true, "she": true, "we": true, "they": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true,
	"do": true, "does": true, "did": true, "have": true, "has": true,
	"had": true, "will": true, "would": true, "can": true, "could": true,
	"should": true, "may": true, "might": true,
	// Korean
	"그": true, "그녀": true, "그것": true, "이것": true, "저것": true,
	"나": true, "너": true, "우리": true, "그들": true, "것": true,
	"수": true, "때": true, "곳": true, "등": true, "및": true,
	"또는": true, "그리고": true, "하지만": true, "그래서": true,
	"입니다": true, "있다": true, "없다": true, "한다": true, "된다": true,
}

// TypeConcept is the weakest entity type; specific types replace it on
// merge.
const TypeConcept = "concept"

// weightBump is the naive weight increase applied when an existing relation
// is observed again, pending the next TF-IDF recompute.
const weightBump = 0.1

// KnowledgeGraph is the in-memory graph with derived indexes. All state is
// rebuilt from a [memory.GraphSnapshot] on load; [KnowledgeGraph.Snapshot]
// produces the flat form for persistence.
//
// Safe for concurrent use.
type KnowledgeGraph struct {
	mu sync.RWMutex

	entities  map[string]*memory.Entity
	relations map[string]*memory.Relation

	// nameIndex maps normalized lowercase names to entity ids for O(1)
	// dedup.
	nameIndex map[string]string

	// adjacency is the undirected view over directed edges.
	adjacency map[string]map[string]bool

	// relIndex maps entity id to the ids of incident relations.
	relIndex map[string][]string

	// cooccurrence maps an unordered pair key (sorted ids joined by "|") to
	// its observation count.
	cooccurrence map[string]int

	// mentions counts observations per entity id.
	mentions map[string]int

	persist memory.GraphPersistence
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty graph bound to the given persistence. Pass nil to
// keep the graph purely in memory.
func New(persist memory.GraphPersistence, logger *slog.Logger) *KnowledgeGraph {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeGraph{
		entities:     map[string]*memory.Entity{},
		relations:    map[string]*memory.Relation{},
		nameIndex:    map[string]string{},
		adjacency:    map[string]map[string]bool{},
		relIndex:     map[string][]string{},
		cooccurrence: map[string]int{},
		mentions:     map[string]int{},
		persist:      persist,
		logger:       logger,
		now:          time.Now,
	}
}

// Load replaces the graph state with the persisted snapshot, rebuilding
// every index. A nil persistence leaves the graph empty.
func (g *KnowledgeGraph) Load(ctx context.Context) error {
	if g.persist == nil {
		return nil
	}
	snap, err := g.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("graph: load: %w", err)
	}
	g.Restore(snap)
	return nil
}

// Restore replaces the graph state with the given snapshot, rebuilding
// every index. Relations with a missing endpoint are dropped.
func (g *KnowledgeGraph) Restore(snap *memory.GraphSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entities = map[string]*memory.Entity{}
	g.relations = map[string]*memory.Relation{}
	g.nameIndex = map[string]string{}
	g.adjacency = map[string]map[string]bool{}
	g.relIndex = map[string][]string{}
	g.cooccurrence = map[string]int{}
	g.mentions = map[string]int{}

	for i := range snap.Entities {
		e := snap.Entities[i]
		g.entities[e.ID] = &e
		g.nameIndex[normalizeName(e.Name)] = e.ID
	}
	for i := range snap.Relations {
		r := snap.Relations[i]
		if g.entities[r.Source] == nil || g.entities[r.Target] == nil {
			continue
		}
		g.indexRelationLocked(&r)
	}
	for k, v := range snap.Cooccurrence {
		g.cooccurrence[k] = v
	}
	for k, v := range snap.EntityMentions {
		g.mentions[k] = v
	}
}

// Save persists the current snapshot. A nil persistence is a no-op.
func (g *KnowledgeGraph) Save(ctx context.Context) error {
	if g.persist == nil {
		return nil
	}
	snap := g.Snapshot()
	if err := g.persist.Save(ctx, snap); err != nil {
		return fmt.Errorf("graph: save: %w", err)
	}
	return nil
}

// Snapshot returns the flat persisted form of the graph. Entities and
// relations are ordered by id for deterministic output.
func (g *KnowledgeGraph) Snapshot() *memory.GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &memory.GraphSnapshot{
		Entities:       make([]memory.Entity, 0, len(g.entities)),
		Relations:      make([]memory.Relation, 0, len(g.relations)),
		Cooccurrence:   make(map[string]int, len(g.cooccurrence)),
		EntityMentions: make(map[string]int, len(g.mentions)),
	}
	for _, e := range g.entities {
		snap.Entities = append(snap.Entities, *e)
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	for _, r := range g.relations {
		snap.Relations = append(snap.Relations, *r)
	}
	sort.Slice(snap.Relations, func(i, j int) bool { return snap.Relations[i].ID() < snap.Relations[j].ID() })
	for k, v := range g.cooccurrence {
		snap.Cooccurrence[k] = v
	}
	for k, v := range g.mentions {
		snap.EntityMentions[k] = v
	}
	return snap
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutation
// ─────────────────────────────────────────────────────────────────────────────

// normalizeName lowercases and trims a display name.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EntityID derives the stable id for a display name: lowercased, spaces
// replaced by underscores.
func EntityID(name string) string {
	return strings.ReplaceAll(normalizeName(name), " ", "_")
}

// AddEntity inserts or merges an entity and returns the effective id.
// Concept-typed entities with stopword names are rejected with ok=false.
// A name collision merges: mentions accumulate, a specific type replaces
// concept, properties update, last_accessed refreshes.
func (g *KnowledgeGraph) AddEntity(name, entityType string, properties map[string]any) (string, bool) {
	norm := normalizeName(name)
	if norm == "" {
		return "", false
	}
	if entityType == TypeConcept && entityStopwords[norm] {
		return "", false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if id, ok := g.nameIndex[norm]; ok {
		e := g.entities[id]
		e.Mentions++
		if e.Type == TypeConcept && entityType != TypeConcept {
			e.Type = entityType
		}
		for k, v := range properties {
			if e.Properties == nil {
				e.Properties = map[string]any{}
			}
			e.Properties[k] = v
		}
		e.LastAccessed = now
		g.mentions[id]++
		return id, true
	}

	id := EntityID(name)
	g.entities[id] = &memory.Entity{
		ID:           id,
		Name:         strings.TrimSpace(name),
		Type:         entityType,
		Properties:   properties,
		Mentions:     1,
		CreatedAt:    now,
		LastAccessed: now,
	}
	g.nameIndex[norm] = id
	g.mentions[id] = 1
	return id, true
}

// pairKey builds the unordered co-occurrence key for two entity ids.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// AddRelation inserts or reinforces a directed edge. Both endpoints must
// exist. Re-observing an existing edge increments the pair co-occurrence,
// bumps both endpoint mention counts, and applies a provisional weight bump
// until the next TF-IDF recompute.
func (g *KnowledgeGraph) AddRelation(source, target, relType string, weight float64, context string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.entities[source] == nil {
		return fmt.Errorf("graph: add relation: unknown source %q", source)
	}
	if g.entities[target] == nil {
		return fmt.Errorf("graph: add relation: unknown target %q", target)
	}

	rel := memory.Relation{Source: source, Target: target, Type: relType}
	if existing, ok := g.relations[rel.ID()]; ok {
		g.cooccurrence[pairKey(source, target)]++
		g.mentions[source]++
		g.mentions[target]++
		existing.Weight = math.Min(existing.Weight+weightBump, 1.0)
		if context != "" {
			existing.Context = context
		}
		return nil
	}

	rel.Weight = weight
	rel.Context = context
	rel.CreatedAt = g.now()
	g.indexRelationLocked(&rel)
	g.cooccurrence[pairKey(source, target)]++
	return nil
}

// indexRelationLocked stores a relation and updates adjacency and the
// incidence index. Caller holds g.mu.
func (g *KnowledgeGraph) indexRelationLocked(r *memory.Relation) {
	id := r.ID()
	g.relations[id] = r

	if g.adjacency[r.Source] == nil {
		g.adjacency[r.Source] = map[string]bool{}
	}
	if g.adjacency[r.Target] == nil {
		g.adjacency[r.Target] = map[string]bool{}
	}
	g.adjacency[r.Source][r.Target] = true
	g.adjacency[r.Target][r.Source] = true

	g.relIndex[r.Source] = append(g.relIndex[r.Source], id)
	g.relIndex[r.Target] = append(g.relIndex[r.Target], id)
}

// RemoveEntity deletes an entity with its incident relations and statistics.
// Removing an unknown id is a no-op.
func (g *KnowledgeGraph) RemoveEntity(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeEntityLocked(id)
}

func (g *KnowledgeGraph) removeEntityLocked(id string) {
	e, ok := g.entities[id]
	if !ok {
		return
	}

	for _, relID := range g.relIndex[id] {
		r, ok := g.relations[relID]
		if !ok {
			continue
		}
		delete(g.relations, relID)
		other := r.Source
		if other == id {
			other = r.Target
		}
		delete(g.adjacency[other], id)
		g.relIndex[other] = withoutString(g.relIndex[other], relID)
		delete(g.cooccurrence, pairKey(r.Source, r.Target))
	}

	delete(g.relIndex, id)
	delete(g.adjacency, id)
	delete(g.entities, id)
	delete(g.nameIndex, normalizeName(e.Name))
	delete(g.mentions, id)
}

func withoutString(s []string, drop string) []string {
	out := s[:0]
	for _, v := range s {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

// RemoveRelation deletes one edge. Statistics for the pair are kept; only
// the edge and its index entries go.
func (g *KnowledgeGraph) RemoveRelation(relID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.relations[relID]
	if !ok {
		return
	}
	delete(g.relations, relID)
	g.relIndex[r.Source] = withoutString(g.relIndex[r.Source], relID)
	g.relIndex[r.Target] = withoutString(g.relIndex[r.Target], relID)

	// Drop adjacency only when no other edge connects the pair.
	if !g.connectedLocked(r.Source, r.Target) {
		delete(g.adjacency[r.Source], r.Target)
		delete(g.adjacency[r.Target], r.Source)
	}
}

func (g *KnowledgeGraph) connectedLocked(a, b string) bool {
	for _, relID := range g.relIndex[a] {
		r := g.relations[relID]
		if r == nil {
			continue
		}
		if (r.Source == a && r.Target == b) || (r.Source == b && r.Target == a) {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Lookup and traversal
// ─────────────────────────────────────────────────────────────────────────────

// Entity returns a copy of the entity, or nil when unknown.
func (g *KnowledgeGraph) Entity(id string) *memory.Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

// EntityByName resolves a display name through the dedup index.
func (g *KnowledgeGraph) EntityByName(name string) *memory.Entity {
	g.mu.RLock()
	id, ok := g.nameIndex[normalizeName(name)]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return g.Entity(id)
}

// EntityCount returns the number of entities.
func (g *KnowledgeGraph) EntityCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// RelationCount returns the number of relations.
func (g *KnowledgeGraph) RelationCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relations)
}

// ConnectionCount returns the number of distinct neighbors of an entity.
// Used as the decay connection boost input for memories tied to entities.
func (g *KnowledgeGraph) ConnectionCount(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency[id])
}

// Relations returns copies of the relations incident to an entity.
func (g *KnowledgeGraph) Relations(id string) []memory.Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]memory.Relation, 0, len(g.relIndex[id]))
	for _, relID := range g.relIndex[id] {
		if r, ok := g.relations[relID]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// MatchNames returns ids of entities whose normalized name contains the
// given fragment (case-insensitive), in sorted name order.
func (g *KnowledgeGraph) MatchNames(fragment string) []string {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	if fragment == "" {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.nameIndex))
	for name := range g.nameIndex {
		if strings.Contains(name, fragment) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]string, len(names))
	for i, name := range names {
		out[i] = g.nameIndex[name]
	}
	return out
}

// Neighbors returns the entity ids reachable within depth hops over the
// undirected adjacency, excluding the start node. Order is breadth-first,
// ties sorted for determinism.
func (g *KnowledgeGraph) Neighbors(id string, depth int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if depth <= 0 || g.entities[id] == nil {
		return []string{}
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	out := []string{}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			adj := make([]string, 0, len(g.adjacency[cur]))
			for n := range g.adjacency[cur] {
				adj = append(adj, n)
			}
			sort.Strings(adj)
			for _, n := range adj {
				if visited[n] {
					continue
				}
				visited[n] = true
				out = append(out, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out
}

// FindPath returns the shortest undirected path between two entities,
// inclusive of both endpoints, or an empty slice when disconnected or
// beyond maxDepth hops.
func (g *KnowledgeGraph) FindPath(source, target string, maxDepth int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entities[source] == nil || g.entities[target] == nil {
		return []string{}
	}
	if source == target {
		return []string{source}
	}

	parent := map[string]string{source: ""}
	frontier := []string{source}

	for hop := 0; hop < maxDepth && len(frontier) > 0; hop++ {
		var next []string
		for _, cur := range frontier {
			adj := make([]string, 0, len(g.adjacency[cur]))
			for n := range g.adjacency[cur] {
				adj = append(adj, n)
			}
			sort.Strings(adj)
			for _, n := range adj {
				if _, seen := parent[n]; seen {
					continue
				}
				parent[n] = cur
				if n == target {
					return buildPath(parent, source, target)
				}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return []string{}
}

func buildPath(parent map[string]string, source, target string) []string {
	path := []string{target}
	for cur := target; cur != source; {
		cur = parent[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// ─────────────────────────────────────────────────────────────────────────────
// TF-IDF weighting
// ─────────────────────────────────────────────────────────────────────────────

// WeightReport is returned by [KnowledgeGraph.RecalculateWeights].
type WeightReport struct {
	Total   int
	Changed int
}

// RecalculateWeights recomputes every edge weight from co-occurrence
// statistics: TF is the pair count over the source's mentions, IDF penalizes
// promiscuous sources, and the result blends with the current weight as a
// baseline. Changed counts edges that moved by more than 0.001.
func (g *KnowledgeGraph) RecalculateWeights() WeightReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	report := WeightReport{Total: len(g.relations)}
	if len(g.entities) == 0 {
		return report
	}

	// One pass over the pair map builds per-entity co-occurrence totals.
	perEntity := map[string]int{}
	for key, count := range g.cooccurrence {
		a, b, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		perEntity[a] += count
		perEntity[b] += count
	}

	total := float64(len(g.entities))
	for _, r := range g.relations {
		pairCount := float64(g.cooccurrence[pairKey(r.Source, r.Target)])
		sourceMentions := float64(g.mentions[r.Source])

		tf := pairCount / math.Max(sourceMentions, 1)
		idf := math.Log(total / (1 + float64(perEntity[r.Source])))
		weight := clamp01(0.7*tf*idf + 0.3*r.Weight)

		if math.Abs(weight-r.Weight) > 0.001 {
			report.Changed++
		}
		r.Weight = weight
	}
	return report
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ─────────────────────────────────────────────────────────────────────────────
// Maintenance
// ─────────────────────────────────────────────────────────────────────────────

// CleanupReport is returned by [KnowledgeGraph.Cleanup].
type CleanupReport struct {
	StaleEntities   int
	WeakRelations   int
	OrphanRelations int
}

// Cleanup prunes the graph: entities rarely mentioned and older than maxAge
// (with their incident relations), relations below minWeight, and relations
// whose endpoints no longer exist. Relation-less entities are kept; a fresh
// extraction may legitimately have no edges yet.
func (g *KnowledgeGraph) Cleanup(minMentions int, maxAge time.Duration, minWeight float64) CleanupReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	var report CleanupReport
	cutoff := g.now().Add(-maxAge)

	var stale []string
	for id, e := range g.entities {
		if e.Mentions < minMentions && e.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		g.removeEntityLocked(id)
	}
	report.StaleEntities = len(stale)

	var weak []string
	for relID, r := range g.relations {
		if r.Weight < minWeight {
			weak = append(weak, relID)
		}
	}
	for _, relID := range weak {
		g.removeRelationLocked(relID)
	}
	report.WeakRelations = len(weak)

	// Entity removal detaches incident relations and Restore drops edges
	// with missing endpoints, so this sweep normally finds nothing. It is
	// the backstop for state mutated outside those paths.
	var orphaned []string
	for relID, r := range g.relations {
		if _, ok := g.entities[r.Source]; !ok {
			orphaned = append(orphaned, relID)
			continue
		}
		if _, ok := g.entities[r.Target]; !ok {
			orphaned = append(orphaned, relID)
		}
	}
	for _, relID := range orphaned {
		g.removeRelationLocked(relID)
	}
	report.OrphanRelations = len(orphaned)

	return report
}

// removeRelationLocked deletes one relation and repairs the indexes.
// Callers hold g.mu.
func (g *KnowledgeGraph) removeRelationLocked(relID string) {
	r, ok := g.relations[relID]
	if !ok {
		return
	}
	delete(g.relations, relID)
	g.relIndex[r.Source] = withoutString(g.relIndex[r.Source], relID)
	g.relIndex[r.Target] = withoutString(g.relIndex[r.Target], relID)
	if !g.connectedLocked(r.Source, r.Target) {
		delete(g.adjacency[r.Source], r.Target)
		delete(g.adjacency[r.Target], r.Source)
	}
}

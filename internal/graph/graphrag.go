package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mnemohq/mnemo/internal/resilience"
	"github.com/mnemohq/mnemo/pkg/fault"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/extract"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// RAGConfig tunes hybrid ingestion and graph-augmented retrieval. Zero
// values select the defaults noted per field.
type RAGConfig struct {
	// MinTextForLLM is the text length at which the LLM extraction pass
	// always runs, regardless of the heuristic baseline. Defaults to 200.
	MinTextForLLM int

	// ConfidenceGate triggers the LLM pass when any baseline candidate falls
	// below it. Defaults to 0.8.
	ConfidenceGate float64

	// MinImportance filters extracted entities before upsert. Defaults to
	// 0.6.
	MinImportance float64

	// MaxEntities caps the entities gathered per query. Defaults to 20.
	MaxEntities int

	// MaxRelations caps the relations returned per query. Defaults to 10.
	MaxRelations int

	// MaxDepth bounds neighborhood expansion from each seed. Defaults to 2.
	MaxDepth int

	// MaxPathDepth bounds pairwise path search between seeds. Defaults to 5.
	MaxPathDepth int

	// MaxSeedPaths is how many seeds participate in pairwise path finding.
	// Defaults to 3.
	MaxSeedPaths int

	// InitialWeight is the weight assigned to newly extracted relations,
	// refined later by the TF-IDF pass. Defaults to 0.5.
	InitialWeight float64
}

func (c RAGConfig) withDefaults() RAGConfig {
	if c.MinTextForLLM == 0 {
		c.MinTextForLLM = 200
	}
	if c.ConfidenceGate == 0 {
		c.ConfidenceGate = 0.8
	}
	if c.MinImportance == 0 {
		c.MinImportance = 0.6
	}
	if c.MaxEntities == 0 {
		c.MaxEntities = 20
	}
	if c.MaxRelations == 0 {
		c.MaxRelations = 10
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
	if c.MaxPathDepth == 0 {
		c.MaxPathDepth = 5
	}
	if c.MaxSeedPaths == 0 {
		c.MaxSeedPaths = 3
	}
	if c.InitialWeight == 0 {
		c.InitialWeight = 0.5
	}
	return c
}

// RAG layers extraction and retrieval over a [KnowledgeGraph]. Ingestion is
// hybrid: a heuristic extractor provides a fast baseline and an LLM pass
// refines it when the text is long or the baseline is weak. Queries expand
// seed entities through the graph and render the neighborhood as a context
// block for prompt assembly.
type RAG struct {
	graph     *KnowledgeGraph
	llm       llm.Client
	extractor extract.Extractor
	breaker   *resilience.CircuitBreaker
	opts      llm.GenerateOptions
	cfg       RAGConfig
	logger    *slog.Logger
}

// RAGDeps wires a [RAG].
type RAGDeps struct {
	Graph *KnowledgeGraph

	// LLM refines extraction and resolves query seeds. Optional; without it
	// ingestion uses the heuristic baseline only and queries fall back to
	// keyword matching.
	LLM llm.Client

	// Extractor is the heuristic baseline. Nil defaults to [extract.Native].
	Extractor extract.Extractor

	// Breaker guards LLM calls. Optional.
	Breaker *resilience.CircuitBreaker

	Options llm.GenerateOptions
	Config  RAGConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewRAG creates a [RAG].
func NewRAG(deps RAGDeps) *RAG {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = extract.Native{}
	}
	return &RAG{
		graph:     deps.Graph,
		llm:       deps.LLM,
		extractor: extractor,
		breaker:   deps.Breaker,
		opts:      deps.Options,
		cfg:       deps.Config.withDefaults(),
		logger:    logger,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion
// ─────────────────────────────────────────────────────────────────────────────

const ingestPrompt = `Analyze the text below and extract entities and their relations.
Respond with JSON only, exactly this shape, no prose:
{"entities": [{"name": string, "type": "person"|"project"|"tool"|"concept"|"preference", "importance": number in [0,1]}],
 "relations": [{"source": string, "target": string, "relation": string}]}

Text:
`

// relationClaim is one extracted relation, by entity name.
type relationClaim struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// extraction is the parsed LLM response shape.
type extraction struct {
	Entities []struct {
		Name       string  `json:"name"`
		Type       string  `json:"type"`
		Importance float64 `json:"importance"`
	} `json:"entities"`
	Relations []relationClaim `json:"relations"`
}

// candidate is a merged extraction result ready for upsert.
type candidate struct {
	name       string
	entityType string
	importance float64
}

// ExtractReport summarizes one ingestion pass.
type ExtractReport struct {
	EntitiesStored int
	RelationsAdded int
	UsedLLM        bool
}

// ExtractAndStore runs hybrid extraction over text and upserts the results
// into the graph, then persists the snapshot. An LLM failure with a usable
// baseline degrades to baseline-only ingestion; without a baseline the
// typed error propagates.
func (r *RAG) ExtractAndStore(ctx context.Context, text string) (ExtractReport, error) {
	var report ExtractReport

	baseline, err := r.extractor.Extract(ctx, text)
	if err != nil {
		r.logger.Warn("graphrag: baseline extraction failed", "error", err)
		baseline = nil
	}

	cands := baselineCandidates(baseline)
	var rels []relationClaim
	if r.llm != nil && r.needsLLM(text, baseline) {
		llmCands, llmRels, llmErr := r.llmExtract(ctx, text)
		switch {
		case llmErr != nil && len(baseline) == 0:
			return report, llmErr
		case llmErr != nil:
			r.logger.Warn("graphrag: llm extraction failed, using baseline only", "error", llmErr)
		default:
			report.UsedLLM = true
			cands = mergeCandidates(llmCands, baseline)
			rels = llmRels
		}
	}

	r.upsert(cands, rels, &report)
	if err := r.graph.Save(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// needsLLM decides whether the LLM pass runs: long text, a weak baseline
// candidate, or no baseline at all.
func (r *RAG) needsLLM(text string, baseline []extract.Candidate) bool {
	if len([]rune(text)) >= r.cfg.MinTextForLLM {
		return true
	}
	if len(baseline) == 0 {
		return true
	}
	for _, c := range baseline {
		if c.Confidence < r.cfg.ConfidenceGate {
			return true
		}
	}
	return false
}

func (r *RAG) llmExtract(ctx context.Context, text string) ([]candidate, []relationClaim, error) {
	raw, err := r.generate(ctx, ingestPrompt+text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fault.New(fault.CodeTimeout, "")) {
			return nil, nil, fault.Wrap(fault.CodeTimeout, "entity extraction timed out", err)
		}
		return nil, nil, fault.Wrap(fault.CodeServiceFailed, "entity extraction failed", err)
	}

	var parsed extraction
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return nil, nil, fault.Wrap(fault.CodeProviderError, "extraction returned malformed JSON", err)
	}

	cands := make([]candidate, 0, len(parsed.Entities))
	for _, e := range parsed.Entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		entityType := e.Type
		if entityType == "" {
			entityType = TypeConcept
		}
		cands = append(cands, candidate{name: e.Name, entityType: entityType, importance: e.Importance})
	}
	return cands, parsed.Relations, nil
}

// mergeCandidates combines the two extraction passes. On a name match the
// LLM result wins; unmatched baseline candidates are appended with their
// confidence standing in for importance.
func mergeCandidates(llmCands []candidate, baseline []extract.Candidate) []candidate {
	byName := make(map[string]bool, len(llmCands))
	for _, c := range llmCands {
		byName[normalizeName(c.name)] = true
	}
	out := llmCands
	for _, b := range baseline {
		if byName[normalizeName(b.Name)] {
			continue
		}
		out = append(out, candidate{
			name:       b.Name,
			entityType: mapExtractorLabel(b.TypeLabel),
			importance: b.Confidence,
		})
	}
	return out
}

func baselineCandidates(baseline []extract.Candidate) []candidate {
	out := make([]candidate, 0, len(baseline))
	for _, b := range baseline {
		out = append(out, candidate{
			name:       b.Name,
			entityType: mapExtractorLabel(b.TypeLabel),
			importance: b.Confidence,
		})
	}
	return out
}

// mapExtractorLabel maps extractor labels onto graph entity types.
func mapExtractorLabel(label string) string {
	switch strings.ToUpper(label) {
	case "PERSON":
		return "person"
	case "ORG":
		return "project"
	case "PRODUCT", "LANGUAGE":
		return "tool"
	default:
		return TypeConcept
	}
}

// upsert filters candidates by importance, stores them, then wires the
// relations whose endpoints survived the filter.
func (r *RAG) upsert(cands []candidate, rels []relationClaim, report *ExtractReport) {
	ids := map[string]string{}
	for _, c := range cands {
		if c.importance < r.cfg.MinImportance {
			continue
		}
		id, ok := r.graph.AddEntity(c.name, c.entityType, nil)
		if !ok {
			continue
		}
		ids[normalizeName(c.name)] = id
		report.EntitiesStored++
	}

	for _, rel := range rels {
		source, ok := ids[normalizeName(rel.Source)]
		if !ok {
			if e := r.graph.EntityByName(rel.Source); e != nil {
				source = e.ID
			} else {
				continue
			}
		}
		target, ok := ids[normalizeName(rel.Target)]
		if !ok {
			if e := r.graph.EntityByName(rel.Target); e != nil {
				target = e.ID
			} else {
				continue
			}
		}
		if err := r.graph.AddRelation(source, target, rel.Relation, r.cfg.InitialWeight, ""); err != nil {
			r.logger.Warn("graphrag: relation skipped", "error", err)
			continue
		}
		report.RelationsAdded++
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Query
// ─────────────────────────────────────────────────────────────────────────────

const seedPrompt = `List the key entity names mentioned in the question below.
Respond with a JSON array of strings only, no prose.

Question:
`

// QueryResult is the graph neighborhood retrieved for a query.
type QueryResult struct {
	Entities  []memory.Entity
	Relations []memory.Relation
	Paths     [][]string

	// Context is the rendered block for prompt assembly.
	Context string

	// Relevance grows with the number of entities found, capped at 1.
	Relevance float64
}

// Query retrieves the graph neighborhood for a question. Seeds come from
// the LLM when available; any failure there degrades to keyword matching
// against the name index.
func (r *RAG) Query(ctx context.Context, query string) (QueryResult, error) {
	seeds := r.llmSeeds(ctx, query)
	if len(seeds) == 0 {
		seeds = r.keywordSeeds(query)
	}
	return r.expand(seeds), nil
}

// QuerySync is the non-LLM variant: seeds come from keyword matching only.
// Used on the synchronous request path where an LLM round trip is too slow.
func (r *RAG) QuerySync(query string) QueryResult {
	return r.expand(r.keywordSeeds(query))
}

// llmSeeds asks the model for entity names and resolves them through the
// dedup index. Returns nil on any failure.
func (r *RAG) llmSeeds(ctx context.Context, query string) []string {
	if r.llm == nil {
		return nil
	}
	raw, err := r.generate(ctx, seedPrompt+query)
	if err != nil {
		r.logger.Debug("graphrag: seed extraction failed, falling back to keywords", "error", err)
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &names); err != nil {
		r.logger.Debug("graphrag: seed response malformed, falling back to keywords", "error", err)
		return nil
	}

	var seeds []string
	seen := map[string]bool{}
	for _, name := range names {
		e := r.graph.EntityByName(name)
		if e == nil || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		seeds = append(seeds, e.ID)
	}
	return seeds
}

// keywordSeeds matches query words longer than two characters against the
// name index and keeps the first two distinct hits.
func (r *RAG) keywordSeeds(query string) []string {
	var seeds []string
	seen := map[string]bool{}
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,!?\"'()[]{}:;")
		if len([]rune(word)) <= 2 {
			continue
		}
		for _, id := range r.graph.MatchNames(word) {
			if seen[id] {
				continue
			}
			seen[id] = true
			seeds = append(seeds, id)
			if len(seeds) >= 2 {
				return seeds
			}
		}
	}
	return seeds
}

// expand grows the seed set through the graph and renders the result.
func (r *RAG) expand(seeds []string) QueryResult {
	result := QueryResult{Paths: [][]string{}}
	if len(seeds) == 0 {
		return result
	}

	ids := []string{}
	seen := map[string]bool{}
	for _, seed := range seeds {
		if !seen[seed] {
			seen[seed] = true
			ids = append(ids, seed)
		}
		for _, n := range r.graph.Neighbors(seed, r.cfg.MaxDepth) {
			if seen[n] {
				continue
			}
			seen[n] = true
			ids = append(ids, n)
		}
	}
	if len(ids) > r.cfg.MaxEntities {
		ids = ids[:r.cfg.MaxEntities]
	}

	for _, id := range ids {
		if e := r.graph.Entity(id); e != nil {
			result.Entities = append(result.Entities, *e)
		}
	}

	relSeen := map[string]bool{}
	for _, id := range ids {
		for _, rel := range r.graph.Relations(id) {
			if relSeen[rel.ID()] {
				continue
			}
			relSeen[rel.ID()] = true
			result.Relations = append(result.Relations, rel)
			if len(result.Relations) >= r.cfg.MaxRelations {
				break
			}
		}
		if len(result.Relations) >= r.cfg.MaxRelations {
			break
		}
	}
	sort.Slice(result.Relations, func(i, j int) bool {
		return result.Relations[i].Weight > result.Relations[j].Weight
	})

	pathSeeds := seeds
	if len(pathSeeds) > r.cfg.MaxSeedPaths {
		pathSeeds = pathSeeds[:r.cfg.MaxSeedPaths]
	}
	for i := 0; i < len(pathSeeds); i++ {
		for j := i + 1; j < len(pathSeeds); j++ {
			if path := r.graph.FindPath(pathSeeds[i], pathSeeds[j], r.cfg.MaxPathDepth); len(path) > 0 {
				result.Paths = append(result.Paths, path)
			}
		}
	}

	result.Relevance = minFloat(0.2*float64(len(result.Entities)), 1.0)
	result.Context = r.renderContext(result)
	return result
}

// renderContext formats the neighborhood as a prompt-ready block.
func (r *RAG) renderContext(q QueryResult) string {
	if len(q.Entities) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known entities:\n")
	for _, e := range q.Entities {
		fmt.Fprintf(&b, "- %s (%s)\n", e.Name, e.Type)
	}
	if len(q.Relations) > 0 {
		b.WriteString("Relations:\n")
		for _, rel := range q.Relations {
			fmt.Fprintf(&b, "- %s --[%s]--> %s\n", r.displayName(rel.Source), rel.Type, r.displayName(rel.Target))
		}
	}
	if len(q.Paths) > 0 {
		b.WriteString("Paths:\n")
		for _, path := range q.Paths {
			names := make([]string, len(path))
			for i, id := range path {
				names[i] = r.displayName(id)
			}
			fmt.Fprintf(&b, "- %s\n", strings.Join(names, " -> "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *RAG) displayName(id string) string {
	if e := r.graph.Entity(id); e != nil {
		return e.Name
	}
	return id
}

func (r *RAG) generate(ctx context.Context, prompt string) (string, error) {
	if r.breaker == nil {
		return r.llm.Generate(ctx, prompt, r.opts)
	}
	var out string
	err := r.breaker.Execute(func() error {
		var genErr error
		out, genErr = r.llm.Generate(ctx, prompt, r.opts)
		return genErr
	})
	return out, err
}

// extractJSONObject strips prose or code fences around the first JSON
// object in s.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// extractJSONArray strips prose or code fences around the first JSON array
// in s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

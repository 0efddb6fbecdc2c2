// Package extract defines the optional named-entity extractor consumed by
// the knowledge-graph ingestion path, plus two implementations: a fast
// heuristic baseline ([Native]) and an LLM-backed extractor ([LLM]).
//
// The hybrid ingestion gate treats extractor output as a baseline that the
// LLM pass can override; see the graph package for the merge rules.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/mnemohq/mnemo/pkg/fault"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// Candidate is one extracted named entity.
type Candidate struct {
	// Name is the surface form as found in the text.
	Name string

	// TypeLabel is the extractor's native label (e.g. "PERSON", "ORG").
	// Consumers map labels onto graph entity types.
	TypeLabel string

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64
}

// Extractor produces named-entity candidates from text.
//
// Implementations must be safe for concurrent use. A provider timeout is a
// recoverable condition: implementations return an empty candidate list
// rather than an error so ingestion can continue on the LLM path.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Candidate, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Native heuristic extractor
// ─────────────────────────────────────────────────────────────────────────────

// capitalizedRunRE matches runs of capitalized Latin words ("Ada Lovelace",
// "Grafana"). Hangul has no case, so Korean entities come from the LLM pass.
var capitalizedRunRE = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]*(?: [A-Z][a-zA-Z0-9]*)*\b`)

// nativeConfidence is the fixed confidence of heuristic candidates. Kept
// below the hybrid gate's 0.8 threshold so the LLM pass always confirms.
const nativeConfidence = 0.6

// Native is a dependency-free heuristic [Extractor] that proposes runs of
// capitalized words as entity candidates. It is the CPU-bound fallback used
// when no external NER service is configured.
type Native struct{}

var _ Extractor = Native{}

// Extract implements [Extractor]. It never fails.
func (Native) Extract(_ context.Context, text string) ([]Candidate, error) {
	seen := make(map[string]bool)
	out := []Candidate{}
	for _, run := range capitalizedRunRE.FindAllString(text, -1) {
		key := strings.ToLower(run)
		if seen[key] || len(run) < 3 {
			continue
		}
		seen[key] = true
		out = append(out, Candidate{
			Name:       run,
			TypeLabel:  "MISC",
			Confidence: nativeConfidence,
		})
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// LLM-backed extractor
// ─────────────────────────────────────────────────────────────────────────────

const llmExtractPrompt = `Extract named entities from the text below.
Respond with a JSON array only, no prose. Each element:
{"name": string, "type_label": one of PERSON|ORG|PRODUCT|LANGUAGE|MISC, "confidence": number in [0,1]}

Text:
`

// LLM is an [Extractor] that asks a language model for entities. A timeout
// yields an empty candidate list (recoverable); malformed output yields a
// provider error.
type LLM struct {
	Client llm.Client

	// Options tunes the generation call. A zero value uses client defaults.
	Options llm.GenerateOptions
}

var _ Extractor = (*LLM)(nil)

// Extract implements [Extractor].
func (e *LLM) Extract(ctx context.Context, text string) ([]Candidate, error) {
	raw, err := e.Client.Generate(ctx, llmExtractPrompt+text, e.Options)
	if err != nil {
		// Timeout is recoverable: the caller proceeds without a baseline.
		if errors.Is(err, fault.New(fault.CodeTimeout, "")) || errors.Is(err, context.DeadlineExceeded) {
			return []Candidate{}, nil
		}
		return nil, err
	}

	var parsed []struct {
		Name       string  `json:"name"`
		TypeLabel  string  `json:"type_label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &parsed); err != nil {
		return nil, fault.Wrap(fault.CodeProviderError, "extractor returned malformed JSON", err)
	}

	out := make([]Candidate, 0, len(parsed))
	for _, p := range parsed {
		if p.Name == "" {
			continue
		}
		out = append(out, Candidate{Name: p.Name, TypeLabel: p.TypeLabel, Confidence: p.Confidence})
	}
	return out, nil
}

// extractJSONArray strips any prose or code fences around the first JSON
// array in s. Models frequently wrap JSON in markdown despite instructions.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

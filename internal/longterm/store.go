// Package longterm implements the importance-weighted long-term memory
// store and its consolidation pass.
//
// Memories live in a [memory.VectorStore] with their scoring state carried
// in record metadata: type, importance, repetitions, access_count,
// created_at, last_accessed, preserved. The store promotes new content,
// merges near-duplicates, and bumps access statistics on retrieval; the
// [Consolidator] re-scores and prunes the whole set in batch.
package longterm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/internal/resilience"
	"github.com/mnemohq/mnemo/internal/sanitize"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
)

// Config tunes promotion, dedup, and pruning. Zero values select the
// defaults noted per field.
type Config struct {
	// MinImportance is the promotion floor applied when force is false.
	// Defaults to 0.3.
	MinImportance float64

	// MinContentChars is the minimum content length for promotion.
	// Defaults to 10.
	MinContentChars int

	// SimilarityThreshold is the cosine similarity at or above which a new
	// memory merges into an existing one. Defaults to 0.85.
	SimilarityThreshold float64

	// ScoreFloor drops search results below this similarity. Defaults to
	// 0.35.
	ScoreFloor float64

	// PreserveRepetitions marks memories merged at least this many times as
	// preserved. Defaults to 5.
	PreserveRepetitions int

	// DeleteThreshold is the decayed importance below which an unpreserved,
	// rarely-seen memory is deleted. Defaults to 0.1.
	DeleteThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MinImportance == 0 {
		c.MinImportance = 0.3
	}
	if c.MinContentChars == 0 {
		c.MinContentChars = 10
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.ScoreFloor == 0 {
		c.ScoreFloor = 0.35
	}
	if c.PreserveRepetitions == 0 {
		c.PreserveRepetitions = 5
	}
	if c.DeleteThreshold == 0 {
		c.DeleteThreshold = 0.1
	}
	return c
}

// Store is the long-term memory store.
//
// Safe for concurrent use when the underlying vector store is.
type Store struct {
	vectors memory.VectorStore
	embed   embeddings.Client
	breaker *resilience.CircuitBreaker
	cfg     Config
	logger  *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// StoreConfig wires a [Store].
type StoreConfig struct {
	Vectors memory.VectorStore
	Embed   embeddings.Client

	// Breaker guards embedding calls. Optional; nil disables circuit
	// breaking.
	Breaker *resilience.CircuitBreaker

	Config Config

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewStore creates a [Store].
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		vectors: cfg.Vectors,
		embed:   cfg.Embed,
		breaker: cfg.Breaker,
		cfg:     cfg.Config.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Result pairs a reconstructed memory with its query similarity.
type Result struct {
	Memory     memory.Memory
	Similarity float64
}

// Add stores new content, returning the memory id. When force is false the
// promotion criteria apply and a rejected item returns ("", nil). Content
// similar to an existing memory (cosine ≥ threshold) merges into it:
// repetitions increment, importance takes the max, last_accessed refreshes,
// and the existing id is returned.
func (s *Store) Add(ctx context.Context, content, memType string, importance float64, force bool) (string, error) {
	content = sanitize.Text(content)

	if !force {
		if len([]rune(content)) < s.cfg.MinContentChars || importance < s.cfg.MinImportance {
			return "", nil
		}
	}

	embedding, err := s.embedText(ctx, content)
	if err != nil {
		return "", fmt.Errorf("longterm: embed content: %w", err)
	}

	nearest, err := s.vectors.Query(ctx, embedding, 1, nil)
	if err != nil {
		return "", fmt.Errorf("longterm: dedup query: %w", err)
	}
	if len(nearest) > 0 && nearest[0].Similarity >= s.cfg.SimilarityThreshold {
		existing := nearest[0].Record
		merged := map[string]any{
			"repetitions":   metaInt(existing.Metadata, "repetitions", 1) + 1,
			"importance":    max(metaFloat(existing.Metadata, "importance", 0), importance),
			"last_accessed": s.now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := s.vectors.UpdateMetadata(ctx, []string{existing.ID}, []map[string]any{merged}); err != nil {
			return "", fmt.Errorf("longterm: merge duplicate: %w", err)
		}
		s.logger.Debug("memory merged into near-duplicate",
			"id", existing.ID, "similarity", nearest[0].Similarity)
		return existing.ID, nil
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)
	rec := memory.VectorRecord{
		ID:      id,
		Content: content,
		Metadata: map[string]any{
			"type":          memType,
			"importance":    importance,
			"repetitions":   1,
			"access_count":  0,
			"created_at":    now,
			"last_accessed": now,
			"preserved":     false,
		},
		Embedding: embedding,
	}
	if err := s.vectors.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("longterm: upsert: %w", err)
	}
	return id, nil
}

// Search retrieves the k memories most similar to query, dropping results
// below the score floor. Every hit gets its access_count incremented and
// last_accessed refreshed.
func (s *Store) Search(ctx context.Context, query string, k int, filter map[string]any) ([]Result, error) {
	embedding, err := s.embedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("longterm: embed query: %w", err)
	}

	raw, err := s.vectors.Query(ctx, embedding, k, filter)
	if err != nil {
		return nil, fmt.Errorf("longterm: query: %w", err)
	}

	results := []Result{}
	var (
		hitIDs   []string
		hitMetas []map[string]any
	)
	for _, r := range raw {
		if r.Similarity < s.cfg.ScoreFloor {
			continue
		}
		results = append(results, Result{
			Memory:     recordToMemory(r.Record),
			Similarity: r.Similarity,
		})
		hitIDs = append(hitIDs, r.Record.ID)
		hitMetas = append(hitMetas, map[string]any{
			"access_count":  metaInt(r.Record.Metadata, "access_count", 0) + 1,
			"last_accessed": s.now().UTC().Format(time.RFC3339Nano),
		})
	}

	if len(hitIDs) > 0 {
		if _, err := s.vectors.UpdateMetadata(ctx, hitIDs, hitMetas); err != nil {
			// Retrieval already succeeded; a failed stats bump is not fatal.
			s.logger.Warn("longterm: access bump failed", "error", err)
		}
	}
	return results, nil
}

// Delete removes the given memory ids.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := s.vectors.Delete(ctx, ids); err != nil {
		return fmt.Errorf("longterm: delete: %w", err)
	}
	return nil
}

// BatchUpdateMetadata merges metadata maps into the given memories and
// returns how many records were updated.
func (s *Store) BatchUpdateMetadata(ctx context.Context, ids []string, metadatas []map[string]any) (int, error) {
	n, err := s.vectors.UpdateMetadata(ctx, ids, metadatas)
	if err != nil {
		return 0, fmt.Errorf("longterm: batch update metadata: %w", err)
	}
	return n, nil
}

func (s *Store) embedText(ctx context.Context, text string) ([]float32, error) {
	if s.breaker == nil {
		return s.embed.Embed(ctx, text)
	}
	var embedding []float32
	err := s.breaker.Execute(func() error {
		var embErr error
		embedding, embErr = s.embed.Embed(ctx, text)
		return embErr
	})
	return embedding, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Metadata codec
// ─────────────────────────────────────────────────────────────────────────────

// recordToMemory reconstructs a [memory.Memory] from a stored record.
func recordToMemory(rec memory.VectorRecord) memory.Memory {
	return memory.Memory{
		ID:                rec.ID,
		Content:           rec.Content,
		Type:              metaString(rec.Metadata, "type"),
		Importance:        metaFloat(rec.Metadata, "importance", 0),
		Repetitions:       metaInt(rec.Metadata, "repetitions", 1),
		AccessCount:       metaInt(rec.Metadata, "access_count", 0),
		CreatedAt:         metaTime(rec.Metadata, "created_at"),
		LastAccessed:      metaTime(rec.Metadata, "last_accessed"),
		Preserved:         metaBool(rec.Metadata, "preserved"),
		DecayedImportance: metaFloat(rec.Metadata, "decayed_importance", 0),
		Embedding:         rec.Embedding,
	}
}

// Metadata travels through JSON, so numbers may arrive as float64.

func metaString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func metaFloat(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func metaInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func metaBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func metaTime(m map[string]any, key string) time.Time {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

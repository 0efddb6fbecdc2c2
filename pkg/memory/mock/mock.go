// Package mock provides in-memory implementations of the memory storage
// contracts for tests.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// VectorStore is an in-memory [memory.VectorStore] using brute-force cosine
// similarity. Safe for concurrent use.
type VectorStore struct {
	mu      sync.Mutex
	records map[string]memory.VectorRecord

	// FailUpsert, when set, makes Upsert return this error. Used to test
	// partial-failure handling.
	FailUpsert error
}

// NewVectorStore creates an empty in-memory vector store.
func NewVectorStore() *VectorStore {
	return &VectorStore{records: make(map[string]memory.VectorRecord)}
}

var _ memory.VectorStore = (*VectorStore)(nil)

func (s *VectorStore) Upsert(_ context.Context, rec memory.VectorRecord) error {
	if s.FailUpsert != nil {
		return s.FailUpsert
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *VectorStore) Query(_ context.Context, embedding []float32, k int, filter map[string]any) ([]memory.VectorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := []memory.VectorResult{}
	for _, rec := range s.records {
		if !matches(rec.Metadata, filter) {
			continue
		}
		results = append(results, memory.VectorResult{
			Record:     cloneRecord(rec),
			Similarity: cosine(embedding, rec.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *VectorStore) GetAll(_ context.Context, includeEmbeddings bool) ([]memory.VectorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []memory.VectorRecord{}
	for _, rec := range s.records {
		c := cloneRecord(rec)
		if !includeEmbeddings {
			c.Embedding = nil
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *VectorStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *VectorStore) UpdateMetadata(_ context.Context, ids []string, metadatas []map[string]any) (int, error) {
	if len(ids) != len(metadatas) {
		return 0, fmt.Errorf("mock: ids and metadatas length mismatch: %d vs %d", len(ids), len(metadatas))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for i, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any)
		}
		for k, v := range metadatas[i] {
			rec.Metadata[k] = v
		}
		s.records[id] = rec
		updated++
	}
	return updated, nil
}

// Len returns the number of stored records.
func (s *VectorStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func matches(metadata, filter map[string]any) bool {
	for k, want := range filter {
		if got, ok := metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}

func cloneRecord(rec memory.VectorRecord) memory.VectorRecord {
	c := rec
	if rec.Metadata != nil {
		c.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}
	if rec.Embedding != nil {
		c.Embedding = append([]float32(nil), rec.Embedding...)
	}
	return c
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// GraphPersistence is an in-memory [memory.GraphPersistence] that keeps the
// last saved snapshot. Safe for concurrent use.
type GraphPersistence struct {
	mu   sync.Mutex
	snap *memory.GraphSnapshot

	// FailLoad and FailSave, when set, are returned by the corresponding
	// method.
	FailLoad error
	FailSave error

	// SaveCount counts successful Save calls.
	SaveCount int
}

// NewGraphPersistence creates an empty in-memory graph persistence.
func NewGraphPersistence() *GraphPersistence { return &GraphPersistence{} }

var _ memory.GraphPersistence = (*GraphPersistence)(nil)

func (p *GraphPersistence) Load(_ context.Context) (*memory.GraphSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailLoad != nil {
		return nil, p.FailLoad
	}
	if p.snap == nil {
		return &memory.GraphSnapshot{
			Cooccurrence:   map[string]int{},
			EntityMentions: map[string]int{},
		}, nil
	}
	return p.snap, nil
}

func (p *GraphPersistence) Save(_ context.Context, snap *memory.GraphSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSave != nil {
		return p.FailSave
	}
	p.snap = snap
	p.SaveCount++
	return nil
}

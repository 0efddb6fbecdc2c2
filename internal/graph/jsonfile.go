package graph

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mnemohq/mnemo/pkg/fault"
	"github.com/mnemohq/mnemo/pkg/memory"
)

// JSONFile persists graph snapshots as a single JSON document on disk. It is
// the embedded-mode backend; remote mode uses the relational store in
// pkg/memory/postgres instead.
//
// Saves are atomic: the document is written to a sibling temp file and
// renamed over the target, so a crash mid-write never corrupts the graph.
type JSONFile struct {
	path string
}

var _ memory.GraphPersistence = (*JSONFile)(nil)

// NewJSONFile creates a JSONFile persistence at path. The parent directory
// is created on first save.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the document location.
func (j *JSONFile) Path() string { return j.path }

// graphDoc is the on-disk shape. Every field is optional on load so older
// documents (or hand-edited ones) still parse.
type graphDoc struct {
	Entities       []entityDoc    `json:"entities,omitempty"`
	Relations      []relationDoc  `json:"relations,omitempty"`
	Cooccurrence   map[string]int `json:"cooccurrence,omitempty"`
	EntityMentions map[string]int `json:"entity_mentions,omitempty"`
	SavedAt        string         `json:"saved_at,omitempty"`
}

type entityDoc struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type,omitempty"`
	Properties   map[string]any `json:"properties,omitempty"`
	Mentions     int            `json:"mentions,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	LastAccessed string         `json:"last_accessed,omitempty"`
}

type relationDoc struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Type      string  `json:"type"`
	Weight    float64 `json:"weight,omitempty"`
	Context   string  `json:"context,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// Load implements [memory.GraphPersistence]. A missing file yields an empty
// snapshot; a malformed document yields a typed retrieval error.
func (j *JSONFile) Load(_ context.Context) (*memory.GraphSnapshot, error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeRetrieveFailed, "read graph document", err)
	}

	var doc graphDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fault.Wrap(fault.CodeRetrieveFailed, "malformed graph document", err).
			WithDetail("path", j.path)
	}

	snap := emptySnapshot()
	for _, e := range doc.Entities {
		if e.ID == "" {
			continue
		}
		snap.Entities = append(snap.Entities, memory.Entity{
			ID:           e.ID,
			Name:         e.Name,
			Type:         e.Type,
			Properties:   e.Properties,
			Mentions:     e.Mentions,
			CreatedAt:    parseDocTime(e.CreatedAt),
			LastAccessed: parseDocTime(e.LastAccessed),
		})
	}
	for _, r := range doc.Relations {
		if r.Source == "" || r.Target == "" {
			continue
		}
		snap.Relations = append(snap.Relations, memory.Relation{
			Source:    r.Source,
			Target:    r.Target,
			Type:      r.Type,
			Weight:    r.Weight,
			Context:   r.Context,
			CreatedAt: parseDocTime(r.CreatedAt),
		})
	}
	for k, v := range doc.Cooccurrence {
		snap.Cooccurrence[k] = v
	}
	for k, v := range doc.EntityMentions {
		snap.EntityMentions[k] = v
	}
	return snap, nil
}

// Save implements [memory.GraphPersistence].
func (j *JSONFile) Save(_ context.Context, snap *memory.GraphSnapshot) error {
	doc := graphDoc{
		Cooccurrence:   snap.Cooccurrence,
		EntityMentions: snap.EntityMentions,
		SavedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, e := range snap.Entities {
		doc.Entities = append(doc.Entities, entityDoc{
			ID:           e.ID,
			Name:         e.Name,
			Type:         e.Type,
			Properties:   e.Properties,
			Mentions:     e.Mentions,
			CreatedAt:    formatDocTime(e.CreatedAt),
			LastAccessed: formatDocTime(e.LastAccessed),
		})
	}
	for _, r := range snap.Relations {
		doc.Relations = append(doc.Relations, relationDoc{
			Source:    r.Source,
			Target:    r.Target,
			Type:      r.Type,
			Weight:    r.Weight,
			Context:   r.Context,
			CreatedAt: formatDocTime(r.CreatedAt),
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fault.Wrap(fault.CodeStoreFailed, "encode graph document", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fault.Wrap(fault.CodeStoreFailed, "create graph directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), filepath.Base(j.path)+".tmp-*")
	if err != nil {
		return fault.Wrap(fault.CodeStoreFailed, "create temp graph document", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeStoreFailed, "write graph document", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeStoreFailed, "close graph document", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeStoreFailed, "replace graph document", err)
	}
	return nil
}

func emptySnapshot() *memory.GraphSnapshot {
	return &memory.GraphSnapshot{
		Entities:       []memory.Entity{},
		Relations:      []memory.Relation{},
		Cooccurrence:   map[string]int{},
		EntityMentions: map[string]int{},
	}
}

func parseDocTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatDocTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

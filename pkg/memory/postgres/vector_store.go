package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// VectorIndex is the long-term store backed by a memories table with a
// pgvector HNSW index for fast approximate nearest-neighbour search.
//
// Obtain one via [Store.Vectors] rather than constructing directly. All
// methods are safe for concurrent use.
type VectorIndex struct {
	pool *pgxpool.Pool
}

// Upsert implements [memory.VectorStore]. An existing record with the same
// ID is completely replaced.
func (v *VectorIndex) Upsert(ctx context.Context, rec memory.VectorRecord) error {
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	const q = `
		INSERT INTO memories (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    metadata  = EXCLUDED.metadata,
		    embedding = EXCLUDED.embedding`

	_, err := v.pool.Exec(ctx, q, rec.ID, rec.Content, rec.Metadata, pgvector.NewVector(rec.Embedding))
	if err != nil {
		return fmt.Errorf("vector index: upsert: %w", err)
	}
	return nil
}

// Query implements [memory.VectorStore]. Cosine distance is converted to
// similarity as 1 - distance, so results arrive most similar first.
func (v *VectorIndex) Query(ctx context.Context, embedding []float32, k int, filter map[string]any) ([]memory.VectorResult, error) {
	if k <= 0 {
		k = 10
	}

	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	next := func(val any) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	whereClause := ""
	if len(filter) > 0 {
		// JSONB containment applies every filter entry as an AND condition.
		whereClause = "WHERE metadata @> " + next(filter)
	}

	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, content, metadata, embedding,
		       embedding <=> $1 AS distance
		FROM   memories
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := v.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector index: query: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.VectorResult, error) {
		var (
			res      memory.VectorResult
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(&res.Record.ID, &res.Record.Content, &res.Record.Metadata, &vec, &distance); err != nil {
			return memory.VectorResult{}, err
		}
		res.Record.Embedding = vec.Slice()
		res.Similarity = 1 - distance
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.VectorResult{}
	}
	return results, nil
}

// GetAll implements [memory.VectorStore].
func (v *VectorIndex) GetAll(ctx context.Context, includeEmbeddings bool) ([]memory.VectorRecord, error) {
	cols := "id, content, metadata"
	if includeEmbeddings {
		cols += ", embedding"
	}

	rows, err := v.pool.Query(ctx, "SELECT "+cols+" FROM memories ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("vector index: get all: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.VectorRecord, error) {
		var rec memory.VectorRecord
		if includeEmbeddings {
			var vec pgvector.Vector
			if err := row.Scan(&rec.ID, &rec.Content, &rec.Metadata, &vec); err != nil {
				return memory.VectorRecord{}, err
			}
			rec.Embedding = vec.Slice()
			return rec, nil
		}
		err := row.Scan(&rec.ID, &rec.Content, &rec.Metadata)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("vector index: scan rows: %w", err)
	}
	if records == nil {
		records = []memory.VectorRecord{}
	}
	return records, nil
}

// Delete implements [memory.VectorStore]. Missing ids are not errors.
func (v *VectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := v.pool.Exec(ctx, `DELETE FROM memories WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("vector index: delete: %w", err)
	}
	return nil
}

// UpdateMetadata implements [memory.VectorStore]. Each metadata map is
// merged into the stored JSONB with the || operator.
func (v *VectorIndex) UpdateMetadata(ctx context.Context, ids []string, metadatas []map[string]any) (int, error) {
	if len(ids) != len(metadatas) {
		return 0, fmt.Errorf("vector index: update metadata: %d ids but %d metadatas", len(ids), len(metadatas))
	}

	updated := 0
	err := pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		for i, id := range ids {
			tag, err := tx.Exec(ctx,
				`UPDATE memories SET metadata = metadata || $2::jsonb WHERE id = $1`,
				id, metadatas[i])
			if err != nil {
				return err
			}
			updated += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("vector index: update metadata: %w", err)
	}
	return updated, nil
}

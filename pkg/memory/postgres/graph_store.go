package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// GraphStore persists the knowledge graph's flat state as relational rows:
// graph_entities, graph_relations, graph_cooccurrence, and
// graph_entity_mentions. Adjacency is never stored; the graph derives its
// indexes on load.
//
// Obtain one via [Store.Graph] rather than constructing directly. All
// methods are safe for concurrent use.
type GraphStore struct {
	pool *pgxpool.Pool
}

// Load implements [memory.GraphPersistence]. An empty database yields an
// empty snapshot.
func (g *GraphStore) Load(ctx context.Context) (*memory.GraphSnapshot, error) {
	snap := &memory.GraphSnapshot{
		Entities:       []memory.Entity{},
		Relations:      []memory.Relation{},
		Cooccurrence:   map[string]int{},
		EntityMentions: map[string]int{},
	}

	rows, err := g.pool.Query(ctx,
		`SELECT id, name, type, properties, mentions, created_at, last_accessed FROM graph_entities`)
	if err != nil {
		return nil, fmt.Errorf("graph store: load entities: %w", err)
	}
	snap.Entities, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entity, error) {
		var e memory.Entity
		err := row.Scan(&e.ID, &e.Name, &e.Type, &e.Properties, &e.Mentions, &e.CreatedAt, &e.LastAccessed)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: scan entities: %w", err)
	}

	rows, err = g.pool.Query(ctx,
		`SELECT source_id, target_id, rel_type, weight, context, created_at FROM graph_relations`)
	if err != nil {
		return nil, fmt.Errorf("graph store: load relations: %w", err)
	}
	snap.Relations, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Relation, error) {
		var r memory.Relation
		err := row.Scan(&r.Source, &r.Target, &r.Type, &r.Weight, &r.Context, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("graph store: scan relations: %w", err)
	}

	if err := g.loadCounts(ctx, `SELECT pair_key, count FROM graph_cooccurrence`, snap.Cooccurrence); err != nil {
		return nil, fmt.Errorf("graph store: load cooccurrence: %w", err)
	}
	if err := g.loadCounts(ctx, `SELECT entity_id, count FROM graph_entity_mentions`, snap.EntityMentions); err != nil {
		return nil, fmt.Errorf("graph store: load entity mentions: %w", err)
	}

	if snap.Entities == nil {
		snap.Entities = []memory.Entity{}
	}
	if snap.Relations == nil {
		snap.Relations = []memory.Relation{}
	}
	return snap, nil
}

func (g *GraphStore) loadCounts(ctx context.Context, query string, into map[string]int) error {
	rows, err := g.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// Save implements [memory.GraphPersistence]. The previous state is replaced
// wholesale in one transaction.
func (g *GraphStore) Save(ctx context.Context, snap *memory.GraphSnapshot) error {
	err := pgx.BeginFunc(ctx, g.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"graph_relations", "graph_entities", "graph_cooccurrence", "graph_entity_mentions"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}

		for _, e := range snap.Entities {
			props := e.Properties
			if props == nil {
				props = map[string]any{}
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO graph_entities (id, name, type, properties, mentions, created_at, last_accessed)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				e.ID, e.Name, e.Type, props, e.Mentions, e.CreatedAt, e.LastAccessed)
			if err != nil {
				return err
			}
		}

		for _, r := range snap.Relations {
			_, err := tx.Exec(ctx,
				`INSERT INTO graph_relations (source_id, target_id, rel_type, weight, context, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				r.Source, r.Target, r.Type, r.Weight, r.Context, r.CreatedAt)
			if err != nil {
				return err
			}
		}

		for key, n := range snap.Cooccurrence {
			if _, err := tx.Exec(ctx,
				`INSERT INTO graph_cooccurrence (pair_key, count) VALUES ($1, $2)`, key, n); err != nil {
				return err
			}
		}
		for id, n := range snap.EntityMentions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO graph_entity_mentions (entity_id, count) VALUES ($1, $2)`, id, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("graph store: save: %w", err)
	}
	return nil
}

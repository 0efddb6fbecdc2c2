package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.SessionStore        = (*SessionRepository)(nil)
	_ memory.InteractionLogStore = (*InteractionLogger)(nil)
	_ memory.VectorStore         = (*VectorIndex)(nil)
	_ memory.GraphPersistence    = (*GraphStore)(nil)
)

// Store is the central PostgreSQL-backed memory store. It holds a single
// [pgxpool.Pool] and exposes every storage tier:
//
//   - Store itself implements [memory.SessionStore] and
//     [memory.InteractionLogStore] via embedded sub-stores
//   - [Store.Vectors] returns a [VectorIndex] implementing [memory.VectorStore]
//   - [Store.Graph] returns a [GraphStore] implementing [memory.GraphPersistence]
//
// All operations are safe for concurrent use.
type Store struct {
	*SessionRepository
	*InteractionLogger

	pool    *pgxpool.Pool
	vectors *VectorIndex
	graph   *GraphStore
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] so all
// required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		SessionRepository: &SessionRepository{pool: pool},
		InteractionLogger: &InteractionLogger{pool: pool},
		pool:              pool,
		vectors:           &VectorIndex{pool: pool},
		graph:             &GraphStore{pool: pool},
	}, nil
}

// Vectors returns the long-term store implementation which satisfies
// [memory.VectorStore].
func (s *Store) Vectors() *VectorIndex { return s.vectors }

// Graph returns the knowledge-graph persistence implementation which
// satisfies [memory.GraphPersistence].
func (s *Store) Graph() *GraphStore { return s.graph }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

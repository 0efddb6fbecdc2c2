// Package app wires the memory tiers into one facade.
//
// The Memory struct owns the full lifecycle: New selects the storage
// backend from the config (embedded SQLite + JSON graph document, or
// PostgreSQL with pgvector), connects every tier, and Close tears them
// down in order.
//
// For testing, inject fakes via functional options (WithSessionStore,
// WithVectorStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/decay"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/longterm"
	"github.com/mnemohq/mnemo/internal/maintenance"
	"github.com/mnemohq/mnemo/internal/observe"
	"github.com/mnemohq/mnemo/internal/resilience"
	"github.com/mnemohq/mnemo/internal/session"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/memory/postgres"
	"github.com/mnemohq/mnemo/pkg/memory/sqlite"
	"github.com/mnemohq/mnemo/pkg/provider/embeddings"
	"github.com/mnemohq/mnemo/pkg/provider/extract"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// Providers holds one client per provider slot. Nil means the provider is
// not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Client
	Embeddings embeddings.Client

	// Extractor is the heuristic entity extractor. Nil defaults to the
	// built-in capitalization lexicon.
	Extractor extract.Extractor
}

// Memory is the facade over all memory tiers. All methods are safe for
// concurrent use.
type Memory struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	registry  *resilience.Registry
	metrics   *observe.Metrics

	// Tiers, initialised in New and torn down in Close.
	sessions     memory.SessionStore
	logs         memory.InteractionLogStore
	vectors      memory.VectorStore
	graph        *graph.KnowledgeGraph
	rag          *graph.RAG
	longterm     *longterm.Store
	consolidator *longterm.Consolidator
	summarizer   *session.Summarizer
	gc           *maintenance.Engine
	gcBackend    maintenance.Backend

	// closers are called in order during Close.
	closers []func() error

	// closeOnce guards the Close path.
	closeOnce sync.Once

	// now is swapped in tests.
	now func() time.Time
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Memory)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(m *Memory) { m.sessions = s }
}

// WithInteractionLogStore injects an interaction log store.
func WithInteractionLogStore(s memory.InteractionLogStore) Option {
	return func(m *Memory) { m.logs = s }
}

// WithVectorStore injects a vector store instead of creating one from config.
func WithVectorStore(s memory.VectorStore) Option {
	return func(m *Memory) { m.vectors = s }
}

// WithGraph injects a knowledge graph instead of creating one from config.
func WithGraph(g *graph.KnowledgeGraph) Option {
	return func(m *Memory) { m.graph = g }
}

// WithRegistry injects a resilience registry. Tests use this to get a fresh
// set of circuits per case.
func WithRegistry(r *resilience.Registry) Option {
	return func(m *Memory) { m.registry = r }
}

// WithMetrics injects a metrics instance instead of using the process-wide
// default.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Memory) { m.metrics = met }
}

// WithClock overrides the facade clock.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates a Memory facade by wiring all tiers together. The providers
// struct comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any tier.
//
// New performs all initialisation synchronously: backend connection, graph
// load, and component construction. On error every already-opened resource
// is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*Memory, error) {
	if providers == nil {
		providers = &Providers{}
	}
	m := &Memory{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default().With("component", "memory"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.registry == nil {
		m.registry = resilience.NewRegistry()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}

	// ── 1. Storage backend ───────────────────────────────────────────────
	if err := m.initBackend(ctx); err != nil {
		m.runClosers()
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Knowledge graph + GraphRAG ────────────────────────────────────
	if err := m.initGraph(ctx); err != nil {
		m.runClosers()
		return nil, fmt.Errorf("app: init graph: %w", err)
	}

	// ── 3. Long-term store + consolidator ────────────────────────────────
	m.initLongTerm()

	// ── 4. Summarizer + maintenance engine ───────────────────────────────
	m.initLifecycle()

	return m, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackend opens the configured storage backend, unless every affected
// tier was injected.
func (m *Memory) initBackend(ctx context.Context) error {
	switch m.cfg.Backend {
	case config.BackendRemote:
		return m.initPostgres(ctx)
	default:
		return m.initSQLite(ctx)
	}
}

// initSQLite opens the embedded backend. The embedded backend carries no
// vector index; long-term memory stays disabled unless a store was
// injected.
func (m *Memory) initSQLite(ctx context.Context) error {
	if m.sessions != nil && m.logs != nil {
		return nil
	}

	store, err := sqlite.New(ctx, m.cfg.Paths.DBPath)
	if err != nil {
		return err
	}
	if m.sessions == nil {
		m.sessions = store
	}
	if m.logs == nil {
		m.logs = store
	}
	m.gcBackend = sqliteMaintenance{store}
	m.closers = append(m.closers, store.Close)

	if m.vectors == nil {
		m.logger.Info("embedded backend has no vector index; long-term memory disabled")
	}
	return nil
}

// initPostgres opens the remote backend and wires every tier it serves.
func (m *Memory) initPostgres(ctx context.Context) error {
	if m.sessions != nil && m.logs != nil && m.vectors != nil && m.graph != nil {
		return nil
	}

	dims := m.cfg.Postgres.EmbeddingDimensions
	store, err := postgres.NewStore(ctx, m.cfg.Postgres.DSN, dims)
	if err != nil {
		return err
	}
	if m.sessions == nil {
		m.sessions = store
	}
	if m.logs == nil {
		m.logs = store
	}
	if m.vectors == nil {
		m.vectors = store.Vectors()
	}
	if m.graph == nil {
		m.graph = graph.New(store.Graph(), m.logger)
	}
	m.gcBackend = postgresMaintenance{store}
	m.closers = append(m.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initGraph loads the persisted graph and builds the RAG layer on top.
func (m *Memory) initGraph(ctx context.Context) error {
	if m.graph == nil {
		m.graph = graph.New(graph.NewJSONFile(m.cfg.Paths.GraphPath), m.logger)
	}
	if err := m.graph.Load(ctx); err != nil {
		// A malformed document is not fatal: start empty, keep the error
		// visible.
		m.logger.Warn("knowledge graph load failed, starting empty", "error", err)
	}

	m.rag = graph.NewRAG(graph.RAGDeps{
		Graph:     m.graph,
		LLM:       m.providers.LLM,
		Extractor: m.providers.Extractor,
		Breaker:   m.registry.Circuit(resilience.CircuitLLM, resilience.CircuitBreakerConfig{}),
		Options:   llm.GenerateOptions{},
		Logger:    m.logger,
	})
	return nil
}

// initLongTerm builds the long-term store and its consolidation pass. Both
// stay nil without a vector store.
func (m *Memory) initLongTerm() {
	if m.vectors == nil {
		return
	}

	ltCfg := longterm.Config{}
	if m.providers.Embeddings != nil {
		m.longterm = longterm.NewStore(longterm.StoreConfig{
			Vectors: m.vectors,
			Embed:   m.providers.Embeddings,
			Breaker: m.registry.Circuit(resilience.CircuitEmbedding, resilience.CircuitBreakerConfig{}),
			Config:  ltCfg,
			Logger:  m.logger,
		})
	} else {
		m.logger.Info("no embeddings provider; long-term writes and search disabled")
	}

	m.consolidator = longterm.NewConsolidator(longterm.ConsolidatorConfig{
		Vectors:     m.vectors,
		Decay:       decay.NewCalculator(decayConfig(m.cfg.Decay)),
		Connections: m.graph.ConnectionCount,
		Config:      ltCfg,
		Logger:      m.logger,
	})
}

// initLifecycle builds the expired-session summarizer and the maintenance
// engine.
func (m *Memory) initLifecycle() {
	if m.providers.LLM != nil {
		m.summarizer = session.NewSummarizer(session.SummarizerConfig{
			Store:   m.sessions,
			LLM:     m.providers.LLM,
			Breaker: m.registry.Circuit(resilience.CircuitLLM, resilience.CircuitBreakerConfig{}),
			Logger:  m.logger,
		})
	}

	var consolidate func(context.Context) (memory.ConsolidationReport, error)
	if m.consolidator != nil {
		consolidate = m.consolidator.Consolidate
	}
	m.gc = maintenance.NewEngine(maintenance.Deps{
		Backend:     m.gcBackend,
		Vectors:     m.vectors,
		Consolidate: consolidate,
		Graph:       m.graph,
		LLM:         m.providers.LLM,
		Config: maintenance.Config{
			RetryAttempts:  m.cfg.Retry.MaxAttempts,
			RetryBaseDelay: m.cfg.Retry.BaseDelay,
		},
		Logger: m.logger,
	})
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close persists the knowledge graph and releases the storage backend.
// Idempotent; per-resource failures are logged and swallowed so shutdown
// always completes.
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeouts.API)
		defer cancel()

		if m.graph != nil {
			if err := m.graph.Save(ctx); err != nil {
				m.logger.Warn("close: graph save failed", "error", err)
			}
		}
		m.runClosers()
	})
}

func (m *Memory) runClosers() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			m.logger.Warn("close: resource release failed", "index", i, "error", err)
		}
	}
	m.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// decayConfig translates the YAML decay section into calculator constants.
// Zero-valued fields keep the calculator defaults.
func decayConfig(dc config.DecayConfig) decay.Config {
	cfg := decay.Config{
		MinRetention:       dc.MinRetention,
		AccessBoostK:       dc.AccessBoostK,
		AccessBoostMax:     dc.AccessBoostMax,
		ConnectionBoostK:   dc.ConnectionBoostK,
		ConnectionBoostMax: dc.ConnectionBoostMax,
	}

	overrides := map[string]float64{
		decay.TypeFact:       dc.HalfLifeFactDays,
		decay.TypePreference: dc.HalfLifePreferenceDays,
		decay.TypeInsight:    dc.HalfLifeInsightDays,
		decay.TypeEvent:      dc.HalfLifeEventDays,
	}
	overridden := false
	for _, v := range overrides {
		if v > 0 {
			overridden = true
		}
	}
	if overridden {
		// Partial override: unspecified types keep the calculator defaults.
		hl := map[string]time.Duration{
			decay.TypeFact:       90 * 24 * time.Hour,
			decay.TypePreference: 60 * 24 * time.Hour,
			decay.TypeInsight:    45 * 24 * time.Hour,
			decay.TypeEvent:      14 * 24 * time.Hour,
		}
		for typ, days := range overrides {
			if days > 0 {
				hl[typ] = time.Duration(days * 24 * float64(time.Hour))
			}
		}
		cfg.HalfLives = hl
	}
	if dc.HalfLifeDefaultDays > 0 {
		cfg.DefaultHalfLife = time.Duration(dc.HalfLifeDefaultDays * 24 * float64(time.Hour))
	}
	return cfg
}

// sqliteMaintenance adapts the embedded store to the maintenance backend
// contract (the compact report is logged by the store itself).
type sqliteMaintenance struct{ *sqlite.Store }

func (b sqliteMaintenance) Compact(ctx context.Context) error {
	_, err := b.Store.Compact(ctx)
	return err
}

// postgresMaintenance adapts the remote store the same way.
type postgresMaintenance struct{ *postgres.Store }

func (b postgresMaintenance) Compact(ctx context.Context) error {
	_, err := b.Store.Compact(ctx)
	return err
}

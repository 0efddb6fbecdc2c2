// Package maintenance implements the periodic GC engine: an ordered set of
// idempotent phases over the session archive, the long-term store, and the
// knowledge graph, each independently runnable with a dry-run flag.
//
// Phases never abort the run. A failing phase is recorded in the report and
// the engine proceeds, so a degraded backend still gets as much cleanup as
// it can take.
package maintenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/sanitize"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// Backend is the storage surface the engine cleans. Both relational
// backends implement it (the embedded one directly, the remote one through
// a thin compact adapter).
type Backend interface {
	SanitizeMessages(ctx context.Context, fn func(string) string, dryRun bool) (int, error)
	LongTurnContents(ctx context.Context, minChars int) (map[int64]string, error)
	ReplaceMessageContent(ctx context.Context, id int64, content string) error
	PruneArchivedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error)
	PruneInteractionLogsBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error)
	Compact(ctx context.Context) error
}

// Config tunes the engine. Zero values select the defaults noted per field.
type Config struct {
	// LongTurnChars is the content length above which a turn is summarized.
	// Defaults to 2000.
	LongTurnChars int

	// SummarizeWorkers caps phase 2 concurrency. Defaults to 10.
	SummarizeWorkers int

	// RetryAttempts bounds per-item LLM retries in phase 2. Defaults to 3.
	RetryAttempts int

	// RetryBaseDelay scales the linear backoff between retries: attempt n
	// waits (n+1) times this. Defaults to 3s.
	RetryBaseDelay time.Duration

	// DedupPrefixChars is how much normalized content feeds the dedup hash.
	// Defaults to 500.
	DedupPrefixChars int

	// ArchiveRetention is how long archived turns are kept. Defaults to 90
	// days.
	ArchiveRetention time.Duration

	// LogRetention is how long interaction logs are kept. Defaults to 30
	// days.
	LogRetention time.Duration

	// GraphMinMentions, GraphMaxAge, and GraphMinWeight drive phase 7.
	// Defaults: 3, 30 days, 0.1.
	GraphMinMentions int
	GraphMaxAge      time.Duration
	GraphMinWeight   float64
}

func (c Config) withDefaults() Config {
	if c.LongTurnChars == 0 {
		c.LongTurnChars = 2000
	}
	if c.SummarizeWorkers == 0 {
		c.SummarizeWorkers = 10
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 3 * time.Second
	}
	if c.DedupPrefixChars == 0 {
		c.DedupPrefixChars = 500
	}
	if c.ArchiveRetention == 0 {
		c.ArchiveRetention = 90 * 24 * time.Hour
	}
	if c.LogRetention == 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	if c.GraphMinMentions == 0 {
		c.GraphMinMentions = 3
	}
	if c.GraphMaxAge == 0 {
		c.GraphMaxAge = 30 * 24 * time.Hour
	}
	if c.GraphMinWeight == 0 {
		c.GraphMinWeight = 0.1
	}
	return c
}

// Engine runs the maintenance phases. Construct with [NewEngine].
type Engine struct {
	backend     Backend
	vectors     memory.VectorStore
	consolidate func(ctx context.Context) (memory.ConsolidationReport, error)
	graph       *graph.KnowledgeGraph
	llm         llm.Client
	opts        llm.GenerateOptions
	cfg         Config
	locks       *JobLocks
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Deps wires an [Engine]. Optional dependencies disable their phase: a nil
// Vectors skips dedup and the decay sweep, a nil Graph skips graph cleanup,
// a nil LLM skips long-turn summarization.
type Deps struct {
	Backend Backend
	Vectors memory.VectorStore

	// Consolidate runs the decay sweep (phase 4). Usually
	// longterm.Consolidator.Consolidate.
	Consolidate func(ctx context.Context) (memory.ConsolidationReport, error)

	Graph *graph.KnowledgeGraph

	// LLM summarizes long turns. A pool rotates credentials per call.
	LLM     llm.Client
	Options llm.GenerateOptions

	Config Config

	// Locks serializes named jobs across the process. Nil creates a
	// private registry.
	Locks *JobLocks

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewEngine creates an [Engine].
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewJobLocks()
	}
	return &Engine{
		backend:     deps.Backend,
		vectors:     deps.Vectors,
		consolidate: deps.Consolidate,
		graph:       deps.Graph,
		llm:         deps.LLM,
		opts:        deps.Options,
		cfg:         deps.Config.withDefaults(),
		locks:       locks,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PhaseResult is one phase's outcome. Err is the rendered error, empty on
// success; Skipped phases had no dependency wired.
type PhaseResult struct {
	Name     string
	Affected int
	Err      string
	Skipped  bool
}

// Report summarizes a full run.
type Report struct {
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Phases     []PhaseResult
}

// Failed reports whether any phase recorded an error.
func (r Report) Failed() bool {
	for _, p := range r.Phases {
		if p.Err != "" {
			return true
		}
	}
	return false
}

// jobFullMaintenance is the lock name serializing full runs.
const jobFullMaintenance = "db_maintenance"

// Run executes all phases in order. It returns an error only when another
// run holds the job lock; per-phase failures land in the report.
func (e *Engine) Run(ctx context.Context, dryRun bool) (Report, error) {
	if !e.locks.TryAcquire(jobFullMaintenance) {
		return Report{}, fmt.Errorf("maintenance: job %q already running", jobFullMaintenance)
	}
	defer e.locks.Release(jobFullMaintenance)

	report := Report{DryRun: dryRun, StartedAt: e.now()}
	phases := []struct {
		name string
		run  func(context.Context, bool) (int, bool, error)
	}{
		{"sanitize", e.phaseSanitize},
		{"summarize_long_turns", e.phaseSummarizeLongTurns},
		{"hash_dedup", e.phaseHashDedup},
		{"decay_sweep", e.phaseDecaySweep},
		{"archive_cleanup", e.phaseArchiveCleanup},
		{"access_pattern_cleanup", e.phaseAccessPatternCleanup},
		{"graph_cleanup", e.phaseGraphCleanup},
		{"compact", e.phaseCompact},
	}

	for _, p := range phases {
		affected, skipped, err := p.run(ctx, dryRun)
		result := PhaseResult{Name: p.name, Affected: affected, Skipped: skipped}
		if err != nil {
			result.Err = err.Error()
			e.logger.Warn("maintenance phase failed", "phase", p.name, "error", err)
		} else if !skipped {
			e.logger.Info("maintenance phase done",
				"phase", p.name, "affected", affected, "dry_run", dryRun)
		}
		report.Phases = append(report.Phases, result)
	}

	report.FinishedAt = e.now()
	return report, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Phases
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) phaseSanitize(ctx context.Context, dryRun bool) (int, bool, error) {
	n, err := e.backend.SanitizeMessages(ctx, sanitize.Text, dryRun)
	return n, false, err
}

const longTurnPrompt = `Summarize the following message in at most 300 characters.
Keep concrete facts, names, and decisions. Respond with the summary only.

Message:
`

func (e *Engine) phaseSummarizeLongTurns(ctx context.Context, dryRun bool) (int, bool, error) {
	if e.llm == nil {
		return 0, true, nil
	}
	long, err := e.backend.LongTurnContents(ctx, e.cfg.LongTurnChars)
	if err != nil {
		return 0, false, err
	}
	if dryRun || len(long) == 0 {
		return len(long), false, nil
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SummarizeWorkers)
	for id, content := range long {
		g.Go(func() error {
			summary, err := e.summarizeWithRetry(gctx, content)
			if err != nil {
				e.logger.Warn("long turn summarization failed", "message_id", id, "error", err)
				return nil
			}
			if err := e.backend.ReplaceMessageContent(gctx, id, summary); err != nil {
				e.logger.Warn("long turn replace failed", "message_id", id, "error", err)
				return nil
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), false, err
	}
	return int(done.Load()), false, nil
}

// summarizeWithRetry calls the model with linear backoff between attempts.
func (e *Engine) summarizeWithRetry(ctx context.Context, content string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, time.Duration(attempt+1)*e.cfg.RetryBaseDelay); err != nil {
				return "", err
			}
		}
		summary, err := e.llm.Generate(ctx, longTurnPrompt+content, e.opts)
		if err != nil {
			lastErr = err
			continue
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			lastErr = fmt.Errorf("empty summary")
			continue
		}
		return summary, nil
	}
	return "", lastErr
}

func (e *Engine) phaseHashDedup(ctx context.Context, dryRun bool) (int, bool, error) {
	if e.vectors == nil {
		return 0, true, nil
	}
	records, err := e.vectors.GetAll(ctx, false)
	if err != nil {
		return 0, false, err
	}

	groups := map[string][]memory.VectorRecord{}
	for _, rec := range records {
		groups[e.dedupKey(rec.Content)] = append(groups[e.dedupKey(rec.Content)], rec)
	}

	var deleteIDs []string
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		keep := 0
		for i := 1; i < len(group); i++ {
			if metaFloat(group[i].Metadata, "importance") > metaFloat(group[keep].Metadata, "importance") {
				keep = i
			}
		}
		for i, rec := range group {
			if i != keep {
				deleteIDs = append(deleteIDs, rec.ID)
			}
		}
	}

	if dryRun || len(deleteIDs) == 0 {
		return len(deleteIDs), false, nil
	}
	if err := e.vectors.Delete(ctx, deleteIDs); err != nil {
		return 0, false, err
	}
	return len(deleteIDs), false, nil
}

// dedupKey hashes the normalized content prefix.
func (e *Engine) dedupKey(content string) string {
	norm := strings.ToLower(strings.TrimSpace(content))
	if runes := []rune(norm); len(runes) > e.cfg.DedupPrefixChars {
		norm = string(runes[:e.cfg.DedupPrefixChars])
	}
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) phaseDecaySweep(ctx context.Context, dryRun bool) (int, bool, error) {
	if e.consolidate == nil {
		return 0, true, nil
	}
	if dryRun {
		return 0, false, nil
	}
	report, err := e.consolidate(ctx)
	if err != nil {
		return 0, false, err
	}
	return report.Deleted, false, nil
}

func (e *Engine) phaseArchiveCleanup(ctx context.Context, dryRun bool) (int, bool, error) {
	n, err := e.backend.PruneArchivedBefore(ctx, e.now().Add(-e.cfg.ArchiveRetention), dryRun)
	return n, false, err
}

func (e *Engine) phaseAccessPatternCleanup(ctx context.Context, dryRun bool) (int, bool, error) {
	n, err := e.backend.PruneInteractionLogsBefore(ctx, e.now().Add(-e.cfg.LogRetention), dryRun)
	return n, false, err
}

func (e *Engine) phaseGraphCleanup(ctx context.Context, dryRun bool) (int, bool, error) {
	if e.graph == nil {
		return 0, true, nil
	}

	target := e.graph
	if dryRun {
		// Run against a throwaway clone so the live graph stays intact.
		target = graph.New(nil, e.logger)
		target.Restore(e.graph.Snapshot())
	}
	report := target.Cleanup(e.cfg.GraphMinMentions, e.cfg.GraphMaxAge, e.cfg.GraphMinWeight)
	affected := report.StaleEntities + report.WeakRelations + report.OrphanRelations

	if !dryRun && affected > 0 {
		if err := e.graph.Save(ctx); err != nil {
			return affected, false, err
		}
	}
	return affected, false, nil
}

func (e *Engine) phaseCompact(ctx context.Context, dryRun bool) (int, bool, error) {
	if dryRun {
		return 0, false, nil
	}
	return 0, false, e.backend.Compact(ctx)
}

// metaFloat reads a numeric metadata value. Metadata travels through JSON,
// so numbers may arrive as float64.
func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

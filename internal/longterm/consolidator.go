package longterm

import (
	"context"
	"log/slog"

	"github.com/mnemohq/mnemo/internal/decay"
	"github.com/mnemohq/mnemo/pkg/memory"
)

// ConnectionCounter reports how many knowledge-graph connections a memory
// has. Used as the decay connection boost input; a nil counter means zero
// connections for every memory.
type ConnectionCounter func(id string) int

// Consolidator re-scores and prunes the long-term store in batch.
//
// The pass runs in independent stages. A failure in one stage is logged and
// later stages still run, so a partially degraded backend still gets as much
// cleanup as possible.
type Consolidator struct {
	vectors     memory.VectorStore
	calc        *decay.Calculator
	connections ConnectionCounter
	cfg         Config
	logger      *slog.Logger
}

// ConsolidatorConfig wires a [Consolidator].
type ConsolidatorConfig struct {
	Vectors memory.VectorStore

	// Decay overrides the decay calculator. Nil uses default constants.
	Decay *decay.Calculator

	// Connections supplies per-memory graph connection counts. Optional.
	Connections ConnectionCounter

	Config Config

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewConsolidator creates a [Consolidator].
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	calc := cfg.Decay
	if calc == nil {
		calc = decay.NewCalculator(decay.Config{})
	}
	return &Consolidator{
		vectors:     cfg.Vectors,
		calc:        calc,
		connections: cfg.Connections,
		cfg:         cfg.Config.withDefaults(),
		logger:      logger,
	}
}

// Consolidate runs one full pass:
//
//  1. Stream all memories with metadata.
//  2. Partition into preserve candidates (repetitions ≥ threshold),
//     evaluation batch, and already-preserved (skipped).
//  3. Batch-mark preserve candidates.
//  4. Batch-decay the evaluation set; delete where decayed importance fell
//     below the threshold and the memory is rarely repeated and accessed.
//  5. Batch-write decayed importance into the survivors.
func (c *Consolidator) Consolidate(ctx context.Context) (memory.ConsolidationReport, error) {
	var report memory.ConsolidationReport

	records, err := c.vectors.GetAll(ctx, false)
	if err != nil {
		return report, err
	}

	var (
		preserveIDs   []string
		preserveMetas []map[string]any
		evaluate      []memory.VectorRecord
	)
	for _, rec := range records {
		if rec.Metadata == nil {
			continue
		}
		report.Checked++

		if metaBool(rec.Metadata, "preserved") {
			continue
		}
		if metaInt(rec.Metadata, "repetitions", 1) >= c.cfg.PreserveRepetitions {
			preserveIDs = append(preserveIDs, rec.ID)
			preserveMetas = append(preserveMetas, map[string]any{"preserved": true})
			continue
		}
		evaluate = append(evaluate, rec)
	}

	if len(preserveIDs) > 0 {
		n, err := c.vectors.UpdateMetadata(ctx, preserveIDs, preserveMetas)
		if err != nil {
			c.logger.Warn("consolidate: preserve stage failed", "error", err)
		} else {
			report.Preserved = n
			if n < len(preserveIDs) {
				c.logger.Warn("consolidate: some preservation updates failed",
					"failed", len(preserveIDs)-n)
			}
		}
	}

	decayed := c.decayBatch(evaluate)

	var (
		deleteIDs     []string
		deleteSet     = map[string]bool{}
		survivorIDs   []string
		survivorMetas []map[string]any
	)
	for i, rec := range evaluate {
		if decayed[i] < c.cfg.DeleteThreshold &&
			metaInt(rec.Metadata, "repetitions", 1) < 2 &&
			metaInt(rec.Metadata, "access_count", 0) < 3 {
			deleteIDs = append(deleteIDs, rec.ID)
			deleteSet[rec.ID] = true
		}
	}
	for i, rec := range evaluate {
		if !deleteSet[rec.ID] {
			survivorIDs = append(survivorIDs, rec.ID)
			survivorMetas = append(survivorMetas, map[string]any{"importance": decayed[i]})
		}
	}

	if len(deleteIDs) > 0 {
		if err := c.vectors.Delete(ctx, deleteIDs); err != nil {
			c.logger.Warn("consolidate: delete stage failed", "error", err)
		} else {
			report.Deleted = len(deleteIDs)
			c.logger.Info("deleted faded memories", "count", len(deleteIDs))
		}
	}

	if len(survivorIDs) > 0 {
		n, err := c.vectors.UpdateMetadata(ctx, survivorIDs, survivorMetas)
		if err != nil {
			c.logger.Warn("consolidate: survivor stage failed", "error", err)
		} else {
			report.SurvivingUpdated = n
			if n < len(survivorIDs) {
				c.logger.Warn("consolidate: some surviving updates failed",
					"failed", len(survivorIDs)-n)
			}
		}
	}

	c.logger.Info("memory consolidation finished",
		"checked", report.Checked,
		"preserved", report.Preserved,
		"deleted", report.Deleted,
		"surviving_updated", report.SurvivingUpdated,
	)
	return report, nil
}

// decayBatch maps the evaluation records onto decay inputs and scores them
// in one batch.
func (c *Consolidator) decayBatch(records []memory.VectorRecord) []float64 {
	if len(records) == 0 {
		return nil
	}

	inputs := make([]decay.Input, len(records))
	for i, rec := range records {
		connectionCount := 0
		if c.connections != nil {
			connectionCount = c.connections(rec.ID)
		}
		inputs[i] = decay.Input{
			Importance:      metaFloat(rec.Metadata, "importance", 0.5),
			CreatedAt:       metaTime(rec.Metadata, "created_at"),
			LastAccessed:    metaTime(rec.Metadata, "last_accessed"),
			AccessCount:     metaInt(rec.Metadata, "access_count", 0),
			ConnectionCount: connectionCount,
			MemoryType:      metaString(rec.Metadata, "type"),
		}
	}
	return c.calc.CalculateBatch(inputs)
}

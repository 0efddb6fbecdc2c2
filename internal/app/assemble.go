package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemohq/mnemo/internal/longterm"
	"github.com/mnemohq/mnemo/internal/observe"
)

// charsPerToken is the character-to-token scale used for budget caps. The
// same factor bounds the session store's rendered blocks.
const charsPerToken = 4

// recallLimit is how many long-term memories an assembled context may carry
// before the token cap applies.
const recallLimit = 5

// AssembledContext is the combined memory context for one incoming query:
// one budget-capped block per tier. All fields are optional; a tier that
// failed or is disabled leaves its block empty.
type AssembledContext struct {
	// SessionRecap is the recent session summaries block.
	SessionRecap string

	// Memories are the long-term recalls, most similar first.
	Memories []longterm.Result

	// GraphContext is the rendered knowledge-graph block.
	GraphContext string

	// AssemblyDuration records how long Assemble took.
	AssemblyDuration time.Duration
}

// Render formats the assembled context as one prompt block. Empty tiers are
// omitted; an entirely empty context renders as "".
func (c AssembledContext) Render() string {
	var b strings.Builder
	if c.SessionRecap != "" {
		b.WriteString("Recent sessions:\n")
		b.WriteString(c.SessionRecap)
		b.WriteString("\n")
	}
	if len(c.Memories) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, r := range c.Memories {
			fmt.Fprintf(&b, "- %s\n", r.Memory.Content)
		}
	}
	if c.GraphContext != "" {
		b.WriteString(c.GraphContext)
	}
	return b.String()
}

// AssembleContext fetches all three memory tiers concurrently and combines
// them under the configured token budgets. A failed tier is logged and left
// empty; the other tiers still contribute, so a degraded backend yields a
// partial context instead of none.
func (m *Memory) AssembleContext(ctx context.Context, query string) AssembledContext {
	ctx, span := observe.StartSpan(ctx, "memory.assemble_context")
	defer span.End()

	start := m.now()
	budgets := m.cfg.Budgets

	var out AssembledContext
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		recap, err := m.sessions.RecentSummaries(egCtx, recallLimit, budgets.SessionTokens)
		if err != nil {
			m.logger.Warn("assemble: session recap failed", "error", err)
			return nil
		}
		out.SessionRecap = recap
		return nil
	})

	eg.Go(func() error {
		if m.longterm == nil {
			return nil
		}
		results, err := m.longterm.Search(egCtx, query, recallLimit, nil)
		if err != nil {
			m.logger.Warn("assemble: long-term recall failed", "error", err)
			return nil
		}
		out.Memories = capMemories(results, budgets.LongTermTokens*charsPerToken)
		return nil
	})

	eg.Go(func() error {
		result := m.rag.QuerySync(query)
		out.GraphContext = truncateRunes(result.Context, budgets.GraphTokens*charsPerToken)
		return nil
	})

	// All goroutines return nil; Wait only propagates context cancellation.
	_ = eg.Wait()

	out.AssemblyDuration = time.Since(start)
	return out
}

// capMemories keeps leading results until their cumulative content length
// exceeds maxChars. The first result is always kept.
func capMemories(results []longterm.Result, maxChars int) []longterm.Result {
	if maxChars <= 0 {
		return results
	}
	total := 0
	for i, r := range results {
		total += len([]rune(r.Memory.Content))
		if total > maxChars && i > 0 {
			return results[:i]
		}
	}
	return results
}

// truncateRunes bounds s to maxChars runes.
func truncateRunes(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

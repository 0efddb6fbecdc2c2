package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/internal/resilience"
	"github.com/mnemohq/mnemo/pkg/memory"
	"github.com/mnemohq/mnemo/pkg/provider/llm"
)

// maxSummaryChars caps the stored session summary.
const maxSummaryChars = 500

// summarizePrompt asks the model for a compact third-person recap.
const summarizePrompt = `Summarize the following conversation in at most three sentences.
Preserve: decisions made, facts stated about the user, emotional tone, and any open follow-ups.
Write in the third person, plain prose, no lists.

Conversation:
`

// Summarizer condenses expired sessions and moves their turns to the
// archive. One LLM call per session; a failed or empty summary skips that
// session so a later run can retry it.
type Summarizer struct {
	store   memory.SessionStore
	llm     llm.Client
	breaker *resilience.CircuitBreaker
	opts    llm.GenerateOptions
	logger  *slog.Logger
}

// SummarizerConfig configures a [Summarizer].
type SummarizerConfig struct {
	// Store is the session archive to drain.
	Store memory.SessionStore

	// LLM produces the summaries.
	LLM llm.Client

	// Breaker guards the LLM calls. Optional; nil disables circuit breaking.
	Breaker *resilience.CircuitBreaker

	// Options tunes the generation calls. A zero value uses client defaults.
	Options llm.GenerateOptions

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewSummarizer creates a [Summarizer].
func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:   cfg.Store,
		llm:     cfg.LLM,
		breaker: cfg.Breaker,
		opts:    cfg.Options,
		logger:  logger,
	}
}

// SummarizeExpired finds sessions past their expiry that have no summary
// yet, summarizes each, and archives its turns. Per-session failures are
// logged and skipped; the report covers what actually completed.
func (s *Summarizer) SummarizeExpired(ctx context.Context, now time.Time) (memory.SummarizeReport, error) {
	var report memory.SummarizeReport

	expired, err := s.store.ExpiredUnsummarized(ctx, now)
	if err != nil {
		return report, fmt.Errorf("summarizer: list expired: %w", err)
	}

	for _, sess := range expired {
		turns, err := s.store.SessionTurns(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("summarizer: read turns failed", "session_id", sess.ID, "error", err)
			continue
		}

		summary, err := s.summarize(ctx, turns)
		if err != nil {
			s.logger.Warn("summarizer: llm summary failed", "session_id", sess.ID, "error", err)
			continue
		}
		if summary == "" {
			s.logger.Warn("summarizer: empty summary, skipping", "session_id", sess.ID)
			continue
		}

		archived, err := s.store.ArchiveSession(ctx, sess.ID, summary)
		if err != nil {
			s.logger.Warn("summarizer: archive failed", "session_id", sess.ID, "error", err)
			continue
		}

		report.SessionsProcessed++
		report.MessagesArchived += archived
		s.logger.Info("session summarized",
			"session_id", sess.ID,
			"turns_archived", archived,
			"summary_chars", len(summary),
		)
	}
	return report, nil
}

// summarize formats the transcript and asks the model for a recap.
func (s *Summarizer) summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Role, t.Content)
	}

	generate := func() (string, error) {
		return s.llm.Generate(ctx, summarizePrompt+sb.String(), s.opts)
	}

	var (
		raw string
		err error
	)
	if s.breaker != nil {
		err = s.breaker.Execute(func() error {
			var genErr error
			raw, genErr = generate()
			return genErr
		})
	} else {
		raw, err = generate()
	}
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(raw)
	if runes := []rune(summary); len(runes) > maxSummaryChars {
		summary = string(runes[:maxSummaryChars])
	}
	return summary, nil
}

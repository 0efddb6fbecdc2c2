package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path, merges it over the
// compile-time defaults, applies environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	fillDerived(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDerived resolves path defaults that depend on other fields.
func fillDerived(cfg *Config) {
	if cfg.Paths.DataRoot == "" {
		cfg.Paths.DataRoot = "./data"
	}
	if cfg.Paths.DBPath == "" {
		cfg.Paths.DBPath = filepath.Join(cfg.Paths.DataRoot, "memory.db")
	}
	if cfg.Paths.GraphPath == "" {
		cfg.Paths.GraphPath = filepath.Join(cfg.Paths.DataRoot, "knowledge_graph.json")
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Backend != "" && !cfg.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("backend %q is invalid; valid values: embedded, remote", cfg.Backend))
	}
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Backend == BackendRemote && cfg.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required when backend is remote"))
	}
	if cfg.Postgres.PoolMin < 0 || cfg.Postgres.PoolMax < 0 {
		errs = append(errs, errors.New("postgres pool sizes must be non-negative"))
	}
	if cfg.Postgres.PoolMax > 0 && cfg.Postgres.PoolMin > cfg.Postgres.PoolMax {
		errs = append(errs, fmt.Errorf("postgres.pool_min %d exceeds pool_max %d", cfg.Postgres.PoolMin, cfg.Postgres.PoolMax))
	}
	if cfg.Postgres.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("postgres.embedding_dimensions %d must be positive", cfg.Postgres.EmbeddingDimensions))
	}

	if cfg.Providers.Embeddings.Name == "" && cfg.Backend == BackendRemote {
		slog.Warn("providers.embeddings is not configured; long-term memory search will be unavailable")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; summarization and graph extraction will degrade to heuristics")
	}

	for name, tokens := range map[string]int{
		"budgets.session_tokens":   cfg.Budgets.SessionTokens,
		"budgets.long_term_tokens": cfg.Budgets.LongTermTokens,
		"budgets.graph_tokens":     cfg.Budgets.GraphTokens,
	} {
		if tokens < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative", name))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

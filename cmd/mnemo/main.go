// Command mnemo is the maintenance and inspection CLI for the memory
// subsystem: database health checks, the full garbage-collection pass, and
// schema migrations.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mnemohq/mnemo/internal/app"
	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/observe"
	"github.com/mnemohq/mnemo/pkg/memory/postgres"
	"github.com/mnemohq/mnemo/pkg/memory/sqlite"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mnemo: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	var otelShutdown func(context.Context) error

	root := &cobra.Command{
		Use:           "mnemo",
		Short:         "Memory subsystem maintenance and inspection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			shutdown, err := observe.InitProvider(cmd.Context(), observe.ProviderConfig{
				ServiceName:    "mnemo",
				ServiceVersion: version,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			otelShutdown = shutdown
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if otelShutdown == nil {
				return
			}
			if err := otelShutdown(context.Background()); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newCheckCmd(&configPath),
		newFullCmd(&configPath),
		newMigrationsCmd(&configPath),
	)
	return root
}

// loadConfig reads the config file when present; a missing file falls back
// to defaults plus environment overrides so the CLI works out of the box.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config file not found, using defaults", "path", path)
		cfg = config.Default()
		config.ApplyEnv(cfg)
		return cfg, nil
	}
	return cfg, err
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ─── check ───────────────────────────────────────────────────────────────────

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report per-table row counts for the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			counts, err := tableCounts(ctx, cfg)
			if err != nil {
				return err
			}

			tables := make([]string, 0, len(counts))
			for t := range counts {
				tables = append(tables, t)
			}
			sort.Strings(tables)

			fmt.Printf("backend: %s\n", cfg.Backend)
			for _, t := range tables {
				if counts[t] < 0 {
					fmt.Printf("  %-20s (not found)\n", t)
					continue
				}
				fmt.Printf("  %-20s %d\n", t, counts[t])
			}
			return nil
		},
	}
}

func tableCounts(ctx context.Context, cfg *config.Config) (map[string]int, error) {
	if cfg.Backend == config.BackendRemote {
		store, err := postgres.NewStore(ctx, cfg.Postgres.DSN, cfg.Postgres.EmbeddingDimensions)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.TableCounts(ctx)
	}

	store, err := sqlite.New(ctx, cfg.Paths.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.TableCounts(ctx)
}

// ─── full ────────────────────────────────────────────────────────────────────

func newFullCmd(configPath *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "full",
		Short: "Run the full maintenance pass (sanitize, summarize, dedup, decay, prune, compact)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			providers, err := buildProviders(cfg)
			if err != nil {
				return err
			}

			mem, err := app.New(ctx, cfg, providers)
			if err != nil {
				return err
			}
			defer mem.Close()

			report, err := mem.RunMaintenance(ctx, dryRun)
			if err != nil {
				return err
			}

			for _, phase := range report.Phases {
				status := fmt.Sprintf("%d affected", phase.Affected)
				switch {
				case phase.Err != "":
					status = "FAILED: " + phase.Err
				case phase.Skipped:
					status = "skipped"
				}
				fmt.Printf("  %-25s %s\n", phase.Name, status)
			}
			fmt.Printf("finished in %s (dry-run: %v)\n",
				report.FinishedAt.Sub(report.StartedAt).Round(1e6), report.DryRun)

			if report.Failed() {
				return errors.New("one or more maintenance phases failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what each phase would do without mutating anything")
	return cmd
}

// buildProviders instantiates the configured LLM and embeddings clients via
// the provider registry. Unconfigured slots stay nil; the facade degrades
// those features.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	reg := config.DefaultRegistry()
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		c, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider, continuing without", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = c
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		c, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown embeddings provider, continuing without", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = c
		}
	}

	return ps, nil
}

// ─── migrations ──────────────────────────────────────────────────────────────

func newMigrationsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrations",
		Short: "Inspect and apply schema migrations (embedded backend)",
	}
	cmd.AddCommand(
		newMigrationsStatusCmd(configPath),
		newMigrationsListCmd(configPath),
		newMigrationsApplyCmd(configPath),
	)
	return cmd
}

// openManager opens the embedded database without migrating it, so status
// and list reflect the on-disk state.
func openManager(cfg *config.Config) (*sqlite.Manager, error) {
	if cfg.Backend == config.BackendRemote {
		return nil, errors.New("migrations are managed automatically on the remote backend")
	}
	return sqlite.NewManager(cfg.Paths.DBPath), nil
}

func newMigrationsStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current and expected schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			db, err := mgr.DB()
			if err != nil {
				return err
			}
			version, err := sqlite.SchemaVersion(ctx, db)
			if err != nil {
				return err
			}
			pending, err := sqlite.PendingMigrations(ctx, db)
			if err != nil {
				return err
			}

			fmt.Printf("schema version: %d (expected %d)\n", version, sqlite.CurrentSchemaVersion)
			fmt.Printf("pending migrations: %d\n", len(pending))
			return nil
		},
	}
}

func newMigrationsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known migrations and whether each is applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			db, err := mgr.DB()
			if err != nil {
				return err
			}
			version, err := sqlite.SchemaVersion(ctx, db)
			if err != nil {
				return err
			}

			for _, m := range sqlite.Migrations() {
				state := "pending"
				if m.Version <= version {
					state = "applied"
				}
				fmt.Printf("  %3d  %-8s %s\n", m.Version, state, m.Name)
			}
			return nil
		},
	}
}

func newMigrationsApplyCmd(configPath *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()

			applied, err := sqlite.Migrate(ctx, mgr, dryRun)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("schema is up to date")
				return nil
			}
			verb := "applied"
			if dryRun {
				verb = "would apply"
			}
			for _, m := range applied {
				fmt.Printf("  %s migration %d: %s\n", verb, m.Version, m.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying them")
	return cmd
}

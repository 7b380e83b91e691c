package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ldtgate/internal/config"
	"github.com/ehr/ldtgate/internal/platform/db"
	"github.com/ehr/ldtgate/internal/platform/ldt"
	"github.com/ehr/ldtgate/internal/platform/phi"
	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
	"github.com/ehr/ldtgate/migrations"
)

var stdout io.Writer = os.Stdout

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ldt-server",
		Short:        "LDT lab result ingestion gateway",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(parseCmd())
	root.AddCommand(encodeCmd())
	root.AddCommand(directoryCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion API and the quarantine sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Env)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()
	e := a.router()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the configured store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var count int
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				count, err = db.NewMigrator(pool, migrations.Postgres()).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			case config.DriverSQLite:
				d, err := sqlitedb.Open(ctx, cfg.SQLitePath, nil)
				if err != nil {
					return err
				}
				defer d.Close()
				count, err = d.Migrate(ctx, migrations.SQLite())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			default:
				return fmt.Errorf("store driver %q has no schema", cfg.StoreDriver)
			}
			fmt.Fprintf(stdout, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var statuses []db.MigrationStatus
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				statuses, err = db.NewMigrator(pool, migrations.Postgres()).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			case config.DriverSQLite:
				d, err := sqlitedb.Open(ctx, cfg.SQLitePath, nil)
				if err != nil {
					return err
				}
				defer d.Close()
				statuses, err = d.Status(ctx, migrations.SQLite())
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			default:
				return fmt.Errorf("store driver %q has no schema", cfg.StoreDriver)
			}
			printStatus(stdout, statuses)
			return nil
		},
	})
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

type parseReport struct {
	Format      ldt.Format       `json:"format"`
	Lines       int              `json:"lines"`
	Records     int              `json:"records"`
	Sequence    string           `json:"sequence,omitempty"`
	Result      *ldt.Result      `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Diagnostics []ldt.Diagnostic `json:"diagnostics"`
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file>",
		Short: "Decode an LDT file and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			parser, err := newParser(cfg)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runParse(stdout, parser, raw)
		},
	}
}

// runParse prints the report even for structural failures, then returns the
// failure so the exit status is non-zero.
func runParse(w io.Writer, parser *ldt.Parser, raw []byte) error {
	parsed, perr := parser.Parse(raw)
	if parsed == nil {
		return perr
	}
	rep := parseReport{
		Format:      parsed.Canonical.Format,
		Result:      parsed.Result,
		Diagnostics: parsed.Diagnostics,
	}
	if rep.Diagnostics == nil {
		rep.Diagnostics = []ldt.Diagnostic{}
	}
	if v := parsed.Validation; v != nil {
		rep.Lines = v.Lines
		rep.Records = len(v.Records)
		rep.Sequence = v.Sequence
	}
	if perr != nil {
		rep.Error = perr.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return perr
}

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <file.json>",
		Short: "Encode a result JSON file as LDT text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			charset, _ := cmd.Flags().GetString("charset")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			table, err := ldt.LoadTable(cfg.LDTFieldTable)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runEncode(stdout, table, raw, charset)
		},
	}
	cmd.Flags().String("charset", "", "Output charset (default UTF-8)")
	return cmd
}

func runEncode(w io.Writer, table *ldt.Table, raw []byte, charset string) error {
	var res ldt.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("invalid result JSON: %w", err)
	}
	if charset == "" {
		text, err := table.EncodeText(&res)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, text)
		return err
	}
	data, err := table.EncodeBytes(&res, charset)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func directoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Manage the identity directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Upsert directory entities from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver == config.DriverMemory {
				return fmt.Errorf("the memory store does not persist; set DIRECTORY_FILE for serve instead")
			}
			ctx := cmd.Context()
			st, err := openStores(ctx, cfg, phi.Plain())
			if err != nil {
				return err
			}
			defer st.close()

			n, err := seedDirectory(ctx, st.directory, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Seeded %d directory entities.\n", n)
			return nil
		},
	})
	return cmd
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/m-martinez/occams/internal/cli"
	"github.com/m-martinez/occams/internal/config"
	"github.com/m-martinez/occams/internal/datastore"
	"github.com/m-martinez/occams/internal/export"
	"github.com/m-martinez/occams/internal/progress"
	"github.com/m-martinez/occams/internal/reporting"
	"github.com/m-martinez/occams/migrations"
	"github.com/m-martinez/occams/shared/database"
	"github.com/m-martinez/occams/shared/logger"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "export-cli",
		Short:         "Operate the clinical export pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(codebookCmd())
	rootCmd.AddCommand(watchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: configuration, a logger and a
// database handle.
type env struct {
	cfg    *config.Config
	logger *logger.Logger
	db     *database.Client
}

func (e *env) Close() {
	e.db.Close()
	e.logger.Close()
}

func setup(cmd *cobra.Command) (*env, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       "stderr",
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.Kitchen,
		NoColor:      cfg.Logging.NoColor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := database.NewClient(&database.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		appLogger.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &env{cfg: cfg, logger: appLogger, db: dbClient}, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := database.NewMigrator(e.db.GetDB(), migrations.FS, e.logger.Logger).Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <export-id>",
		Short: "Run one pending export in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			db := e.db.GetDB()
			broker := progress.NewMemoryBroker(progress.DefaultBuffer)
			sub, err := broker.Subscribe(cmd.Context(), progress.Topic)
			if err != nil {
				return err
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			done := make(chan struct{})
			go func() {
				defer close(done)
				for payload := range sub.Messages() {
					rec, err := progress.Decode(payload)
					if err != nil {
						continue
					}
					fmt.Fprintf(out, "%s %d/%d %s\n", rec.ExportID, rec.Count, rec.Total, rec.Status)
				}
			}()

			store := datastore.NewStore(db, e.logger.Logger)
			runner := export.NewRunner(export.RunnerDeps{
				Jobs:      export.NewJobStore(db, e.logger.Logger),
				Builder:   reporting.NewBuilder(store, e.cfg.Export.BatchSize, e.logger.Logger),
				Progress:  progress.NewSQLStore(db),
				Publisher: progress.NewPublisher(broker, progress.Topic),
				OutputDir: e.cfg.Export.OutputDir,
				Logger:    e.logger.Logger,
			})

			runErr := runner.Run(cmd.Context(), args[0])
			sub.Close()
			<-done

			if runErr != nil {
				return runErr
			}
			fmt.Fprintln(out, filepath.Join(e.cfg.Export.OutputDir, export.ArchiveName(args[0])))
			return nil
		},
	}
}

func codebookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codebook <schema>",
		Short: "Print the codebook of a schema as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			raw, _ := cmd.Flags().GetString("versions")
			var ids []int64
			for _, part := range strings.Split(raw, ",") {
				if part = strings.TrimSpace(part); part == "" {
					continue
				}
				id, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q", part)
				}
				ids = append(ids, id)
			}

			store := datastore.NewStore(e.db.GetDB(), e.logger.Logger)
			fields, err := reporting.NewBuilder(store, e.cfg.Export.BatchSize, e.logger.Logger).
				BuildCodebook(cmd.Context(), args[0], ids)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString("out"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return reporting.WriteCodebook(w, fields)
		},
	}
	cmd.Flags().String("versions", "", "Comma separated schema version ids (default all published)")
	cmd.Flags().String("out", "", "Write to this file instead of stdout")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <export-id>",
		Short: "Follow the progress of an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			interval, _ := cmd.Flags().GetDuration("interval")
			rec, err := cli.Watch(cmd.Context(), progress.NewSQLStore(e.db.GetDB()), args[0], interval)
			if err != nil {
				return err
			}
			e.logger.Info("Watch finished",
				slog.String("export_id", rec.ExportID),
				slog.String("status", rec.Status),
			)
			if rec.Status == progress.StatusFailed {
				return fmt.Errorf("export %s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().Duration("interval", time.Second, "Polling interval")
	return cmd
}

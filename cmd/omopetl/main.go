package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zorgdata/omopetl/internal/cdm"
	"github.com/zorgdata/omopetl/internal/config"
	"github.com/zorgdata/omopetl/internal/db"
	"github.com/zorgdata/omopetl/internal/db/bigquery"
	"github.com/zorgdata/omopetl/internal/db/postgres"
	"github.com/zorgdata/omopetl/internal/etl"
	"github.com/zorgdata/omopetl/internal/platform/logger"
	"github.com/zorgdata/omopetl/internal/project"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "omopetl",
		Short:         "Load clinical source data into an OMOP CDM warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newCreateDBCmd(&configPath, &verbose))
	root.AddCommand(newRunCmd(&configPath, &verbose))
	root.AddCommand(newCleanupCmd(&configPath, &verbose))
	return root
}

// bootstrap wires config, logger, backend, catalog, and project in the
// startup order every subcommand shares.
func bootstrap(configPath string, verbose bool) (*etl.Engine, *config.Config, *logger.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	log, err := logger.New(cfg.Env, verbose)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	ctx := context.Background()
	var backend db.Backend
	switch cfg.Engine {
	case "bigquery":
		backend, err = bigquery.New(ctx, log, cfg.BigQuery)
	case "postgres":
		backend, err = postgres.New(ctx, log, cfg.Postgres)
	default:
		err = fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if err != nil {
		log.Sync()
		return nil, nil, nil, nil, err
	}

	catalog, err := cdm.Load()
	if err != nil {
		_ = backend.Close()
		log.Sync()
		return nil, nil, nil, nil, err
	}
	proj, err := project.Scan(cfg.CDMFolder)
	if err != nil {
		_ = backend.Close()
		log.Sync()
		return nil, nil, nil, nil, err
	}

	engine := etl.New(log, backend, catalog, proj, cfg.Run)
	cleanup := func() {
		_ = backend.Close()
		log.Sync()
	}
	return engine, cfg, log, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newCreateDBCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "create-db",
		Short: "Create the destination schema and audit tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, _, done, err := bootstrap(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := signalContext()
			defer cancel()
			return engine.CreateDatabase(ctx)
		},
	}
}

func newRunCmd(configPath *string, verbose *bool) *cobra.Command {
	var opts etl.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ETL over the project folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, log, done, err := bootstrap(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := signalContext()
			defer cancel()

			if opts.MaxParallelTables == 0 {
				opts.MaxParallelTables = cfg.Run.MaxParallelTables
			}
			if opts.MaxWorkerThreadsPerTable == 0 {
				opts.MaxWorkerThreadsPerTable = cfg.Run.MaxWorkerThreadsPerTable
			}
			if !opts.ProcessSemiApprovedMappings {
				opts.ProcessSemiApprovedMappings = cfg.Run.ProcessSemiApprovedMappings
			}
			if !opts.FailFast {
				opts.FailFast = cfg.Run.FailFast
			}

			report, err := engine.Run(ctx, opts)
			if report != nil {
				fmt.Println(report.Summary())
			}
			if err != nil {
				return err
			}
			if !report.OK() {
				log.Warn("run finished with failures or skips")
				return fmt.Errorf("%d failed units, %d skipped tables",
					len(report.Failures), len(report.Skipped))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.TableFilter, "table", "t", "", "run a single destination table")
	cmd.Flags().StringVarP(&opts.QueryFilter, "query", "q", "", "run a single extraction query (requires --table)")
	cmd.Flags().BoolVar(&opts.SkipUsagiAndCustomConceptUpload, "skip-usagi-and-custom-concept-upload", false,
		"reuse the mappings already in the warehouse instead of re-reading the CSVs")
	cmd.Flags().BoolVar(&opts.ProcessSemiApprovedMappings, "process-semi-approved-mappings", false,
		"also trust mappings reviewed to SEMI-APPROVED")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "cancel the current level on the first failure")
	cmd.Flags().IntVar(&opts.MaxParallelTables, "max-parallel-tables", 0, "tables processed concurrently per level")
	cmd.Flags().IntVar(&opts.MaxWorkerThreadsPerTable, "max-worker-threads", 0, "concurrent sub-operations per table")
	return cmd
}

func newCleanupCmd(configPath *string, verbose *bool) *cobra.Command {
	var preserveCustomIDs bool
	cmd := &cobra.Command{
		Use:   "cleanup [table|all]",
		Short: "Tear down staging artifacts and truncate destination tables",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}
			engine, _, _, done, err := bootstrap(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := signalContext()
			defer cancel()
			return engine.Cleanup(ctx, target, preserveCustomIDs)
		},
	}
	cmd.Flags().BoolVar(&preserveCustomIDs, "preserve-custom-ids", false,
		"keep previously assigned custom concept ids so cohort definitions stay stable")
	return cmd
}

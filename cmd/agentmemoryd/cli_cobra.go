package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/config"
	"github.com/dotsetgreg/agentmemory/pkg/daemon"
	"github.com/dotsetgreg/agentmemory/pkg/lifecycle"
	"github.com/dotsetgreg/agentmemory/pkg/logger"
	"github.com/dotsetgreg/agentmemory/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	workspace  string
	logLevel   string
}

func (g *globalFlags) load() (*config.Config, error) {
	path := g.configPath
	if strings.TrimSpace(path) == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if g.workspace != "" {
		cfg.Workspace = g.workspace
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func (g *globalFlags) runtime() (*config.Config, *zap.Logger, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "agentmemoryd",
		Short: "Local append-only conversational memory store with background indexing",
		Long: strings.TrimSpace(`agentmemoryd keeps an append-only log of conversation events, feeds a
vector index and a BM25 keyword index through a transactional outbox, and
runs rollup, compaction and pruning jobs on cron schedules.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (.json, .yaml); defaults to ~/.agentmemory/config.json")
	root.PersistentFlags().StringVarP(&flags.workspace, "workspace", "w", "", "Override the workspace directory")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	root.AddCommand(newInitCommand(flags))
	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newDrainCommand(flags))
	root.AddCommand(newCompactCommand(flags))
	root.AddCommand(newJobsCommand(flags))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newInitCommand(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Long:    "Write the default configuration to --config (or ~/.agentmemory/config.json) so it can be edited.",
		Example: "  agentmemoryd init\n  agentmemoryd init --config ./agentmemory.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			cfg := config.DefaultConfig()
			if flags.workspace != "" {
				cfg.Workspace = flags.workspace
			}
			if err := config.SaveConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the scheduler and the metrics/status server",
		Long:    "Open the store and indexes, run every enabled job on its schedule and serve /metrics, /healthz, /jobs and /teleport until SIGINT or SIGTERM.",
		Example: "  agentmemoryd serve\n  agentmemoryd serve --listen 127.0.0.1:9464",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.runtime()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if listen != "" {
				cfg.Metrics.Listen = listen
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override metrics.listen")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc, err := daemon.New(cfg, log, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		_ = svc.Close(context.Background())
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           svc.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("status server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server failed", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.Grace.Std()+5*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return svc.Close(shutdownCtx)
}

func newDrainCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "drain",
		Short:   "Apply every pending outbox entry to the indexes and exit",
		Example: "  agentmemoryd drain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.runtime()
			if err != nil {
				return err
			}
			svc, err := daemon.New(cfg, log, nil)
			if err != nil {
				return err
			}
			stats, drainErr := svc.Pipeline().Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d skipped=%d failed=%d\n", stats.Processed, stats.Skipped, stats.Failed)
			return errors.Join(drainErr, svc.Close(cmd.Context()))
		},
	}
}

func newCompactCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "compact",
		Short:   "Compact the store and exit",
		Example: "  agentmemoryd compact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.runtime()
			if err != nil {
				return err
			}
			svc, err := daemon.New(cfg, log, nil)
			if err != nil {
				return err
			}
			runErr := lifecycle.NewCompactionJob(svc.Storage(), log).Run(cmd.Context())
			return errors.Join(runErr, svc.Close(cmd.Context()))
		},
	}
}

func newJobsCommand(flags *globalFlags) *cobra.Command {
	jobsRoot := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run maintenance jobs",
	}

	jobsRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "Print the configured schedule",
		Example: "  agentmemoryd jobs list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return printSchedule(cmd, cfg, time.Now())
		},
	})

	jobsRoot.AddCommand(&cobra.Command{
		Use:     "run <id>",
		Short:   "Run one job now and wait for it",
		Args:    cobra.ExactArgs(1),
		Example: "  agentmemoryd jobs run rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.runtime()
			if err != nil {
				return err
			}
			svc, err := daemon.New(cfg, log, nil)
			if err != nil {
				return err
			}
			if _, err := svc.RunJob(args[0]); err != nil {
				_ = svc.Close(cmd.Context())
				return err
			}
			// Close waits for the run within the scheduler grace period.
			closeErr := svc.Close(cmd.Context())
			for _, st := range svc.JobStatuses() {
				if st.ID == args[0] {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", st.ID, st.LastResult)
					if st.State == scheduler.StateFailed {
						return errors.Join(fmt.Errorf("job %s failed: %s", st.ID, st.LastError), closeErr)
					}
				}
			}
			return closeErr
		},
	})

	return jobsRoot
}

type scheduleRow struct {
	id  string
	job config.JobConfig
}

func printSchedule(cmd *cobra.Command, cfg *config.Config, now time.Time) error {
	rows := []scheduleRow{
		{daemon.JobIndexSync, cfg.Jobs.IndexSync},
		{daemon.JobRollup, cfg.Jobs.Rollup},
		{daemon.JobCompaction, cfg.Jobs.Compaction},
		{daemon.JobVectorPrune, cfg.Jobs.VectorPrune},
		{daemon.JobSearchPrune, cfg.Jobs.SearchPrune},
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tENABLED\tCRON\tOVERLAP\tJITTER\tNEXT")
	for _, r := range rows {
		next := "-"
		if r.job.Enabled {
			tz := r.job.Timezone
			if tz == "" {
				tz = cfg.Scheduler.Timezone
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			sched, err := scheduler.NewCronSchedule(r.job.Cron, loc)
			if err != nil {
				return fmt.Errorf("job %s: %w", r.id, err)
			}
			t, err := sched.Next(now)
			if err != nil {
				return fmt.Errorf("job %s: %w", r.id, err)
			}
			next = t.Format(time.RFC3339)
		}
		overlap := r.job.Overlap
		if overlap == "" {
			overlap = "skip"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n", r.id, r.job.Enabled, r.job.Cron, overlap, r.job.Jitter.Std(), next)
	}
	return w.Flush()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  agentmemoryd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

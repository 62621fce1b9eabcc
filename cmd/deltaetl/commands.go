package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/buildinfo"
	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/metrics"
	"github.com/nomis52/deltaetl/server"
	"github.com/nomis52/deltaetl/statemachine"
)

// errExecutionFailed makes the process exit non-zero after the result has
// been printed.
var errExecutionFailed = errors.New("execution did not succeed")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "deltaetl",
		Short:         "Batch ETL orchestration for partitioned log data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to config file")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newResumeCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, "", err
	}
	if path == "" {
		return config.Config{}, "", fmt.Errorf("config flag (-c or --config) is required")
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.Config{}, "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, queue workers and pipeline schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				return fmt.Errorf("config flag (-c or --config) is required")
			}
			var opts []server.Option
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				opts = append(opts, server.WithListenAddr(listen))
			}
			srv, err := server.New(cmd.Context(), path, opts...)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("listen", "", "Listen address, overrides server.listen")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline execution to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _ := cmd.Flags().GetString("pipeline")
			execution, _ := cmd.Flags().GetString("execution")
			timestamp, _ := cmd.Flags().GetString("timestamp")
			req := app.StartRequest{PipelineID: pipeline, ExecutionName: execution, Timestamp: timestamp}

			return withApp(cmd, func(ctx context.Context, a *app.App, etl *metrics.ETL, logger *slog.Logger) error {
				def, input, err := a.Prepare(req, time.Now())
				if err != nil {
					return err
				}
				name := input.Metadata.ExecutionName
				logger.Info("starting execution", "execution", name, "pipeline", pipeline, "definition", def.Name)

				etl.ExecutionStarted()
				res, err := a.Execute(ctx, def, input)
				return report(cmd, etl, name, pipeline, res, err)
			})
		},
	}
	cmd.Flags().String("pipeline", "", "Id of the configured pipeline to run")
	cmd.Flags().String("execution", "", "Execution name, generated when empty")
	cmd.Flags().String("timestamp", "", "Scheduled time in RFC 3339, defaults to now")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a checkpointed execution from its last state",
		RunE: func(cmd *cobra.Command, args []string) error {
			execution, _ := cmd.Flags().GetString("execution")

			return withApp(cmd, func(ctx context.Context, a *app.App, etl *metrics.ETL, logger *slog.Logger) error {
				cp, err := a.Checkpoint(ctx, execution)
				if err != nil {
					return err
				}
				pipeline := cp.Context.Metadata.PipelineID
				logger.Info("resuming execution", "execution", execution, "state", cp.State, "status", cp.Status)

				etl.ExecutionStarted()
				res, err := a.Resume(ctx, execution)
				return report(cmd, etl, execution, pipeline, res, err)
			})
		},
	}
	cmd.Flags().String("execution", "", "Name of the execution to resume")
	_ = cmd.MarkFlagRequired("execution")
	return cmd
}

// withApp opens the app described by the config flag, runs the queue
// workers while fn runs, and pushes metrics once fn returns.
func withApp(cmd *cobra.Command, fn func(context.Context, *app.App, *metrics.ETL, *slog.Logger) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	props := buildinfo.Get()
	logger.Info("deltaetl started", "version", props.Version, "git_commit", props.GitCommit)

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	registry := metrics.NewPushRegistry(metrics.PushConfig{
		URL:      cfg.Monitoring.RemoteWriteURL,
		Prefix:   cfg.Monitoring.MetricsPrefix,
		Job:      cfg.Monitoring.JobName,
		Instance: hostname,
	})
	etl, err := metrics.NewETL(registry)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.Open(ctx, cfg, app.WithLogger(logger), app.WithMetrics(etl))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("closing components", "error", err)
		}
	}()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan error, 1)
	go func() { workersDone <- a.RunWorkers(workerCtx) }()

	runErr := fn(ctx, a, etl, logger)
	stopWorkers()
	if err := <-workersDone; err != nil {
		logger.Error("queue workers stopped", "error", err)
	}

	if cfg.Monitoring.RemoteWriteURL != "" {
		if err := registry.Push(context.Background()); err != nil {
			logger.Warn("failed to push metrics", "url", cfg.Monitoring.RemoteWriteURL, "error", err)
		}
	}
	return runErr
}

// report prints the outcome of an execution and records it.
func report(cmd *cobra.Command, etl *metrics.ETL, name, pipeline string, res statemachine.Result, err error) error {
	status := string(res.Status)
	if !res.Status.IsTerminal() {
		status = "Interrupted"
	}
	etl.ExecutionFinished(pipeline, status)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\t%s\t%s\n", name, status, res.State)
	if res.Status == statemachine.StatusSucceeded {
		return nil
	}
	if res.Cause != "" {
		fmt.Fprintf(out, "cause: %s\n", res.Cause)
	}
	if err != nil {
		return err
	}
	return errExecutionFailed
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration validation successful: %s (%d pipelines)\n", path, len(cfg.Pipelines))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Get())
		},
	}
}

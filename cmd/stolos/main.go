// Command stolos is one worker invocation over a DAG of applications (spec
// §6's CLI surface), plus a "serve" mode that keeps a cron-driven scheduler
// running instead of exiting after one iteration. Grounded on the teacher's
// main.go bootstrap shape (logging.Init, otelinit.InitTracer/InitMetrics,
// signal-driven shutdown), adapted from an HTTP service entrypoint to a
// one-shot/daemon CLI entrypoint since stolos has no inbound API surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/stolos/internal/dagview"
	"github.com/swarmguard/stolos/internal/depengine"
	"github.com/swarmguard/stolos/internal/logging"
	"github.com/swarmguard/stolos/internal/pluginrunner"
	"github.com/swarmguard/stolos/internal/runner"
	"github.com/swarmguard/stolos/internal/scheduler"
	"github.com/swarmguard/stolos/internal/statestore"
	"github.com/swarmguard/stolos/internal/store"
	"github.com/swarmguard/stolos/internal/telemetry"
	"go.etcd.io/bbolt"
)

var (
	flagConfig           string
	flagStorePath        string
	flagApp              string
	flagJobID            string
	flagBypassScheduler  bool
	flagMaxRetry         int
	flagTimeoutSec       int
	flagBash             string
	flagRedirectToStderr bool
	flagSessionTTLSec    int

	flagServeAppsConfig string
)

func main() {
	root := &cobra.Command{
		Use:   "stolos",
		Short: "A dependency-aware distributed job scheduler over a shared coordination store.",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "stolos.yaml", "path to the DAG configuration document (YAML or JSON)")
	root.PersistentFlags().StringVar(&flagStorePath, "store", "stolos.db", "path to the boltdb coordination store file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one worker iteration against an app's queue",
		RunE:  runOnce,
	}
	runCmd.Flags().StringVarP(&flagApp, "app_name", "a", "", "which app queue to service (required)")
	runCmd.Flags().StringVar(&flagJobID, "job_id", "", "manual mode: act only on this job id")
	runCmd.Flags().BoolVar(&flagBypassScheduler, "bypass_scheduler", false, "run the plugin inline; do not touch the store")
	runCmd.Flags().IntVar(&flagMaxRetry, "max_retry", -1, "override the app's configured max_retry (-1: use configured value)")
	runCmd.Flags().IntVar(&flagTimeoutSec, "timeout", 0, "plugin execution timeout in seconds (0: no timeout)")
	runCmd.Flags().StringVar(&flagBash, "bash", "", "for job_type=bash, the command to exec")
	runCmd.Flags().BoolVar(&flagRedirectToStderr, "redirect_to_stderr", false, "route plugin stdout to stderr")
	runCmd.Flags().IntVar(&flagSessionTTLSec, "session_ttl", 30, "coordination-store session lease in seconds")
	_ = runCmd.MarkFlagRequired("app_name")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the always-on cron scheduler (additive to one-shot 'run')",
		RunE:  serve,
	}
	serveCmd.Flags().StringVar(&flagServeAppsConfig, "schedules", "schedules.yaml", "path to the schedule list (app, cron_expr, rate_limit_per_sec)")
	serveCmd.Flags().IntVar(&flagSessionTTLSec, "session_ttl", 30, "coordination-store session lease in seconds")

	root.AddCommand(runCmd, serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap wires the coordination client, DagView, engine, plugin registry,
// and runner shared by both run and serve.
func bootstrap(service string) (store.Client, *runner.Runner, func(context.Context) error, func(context.Context) error, error) {
	logging.Init(service)

	ctx := context.Background()
	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, _ := telemetry.InitMetrics(ctx, service)

	client, err := store.NewBoltClient(flagStorePath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	source := dagview.NewFileConfigSource(flagConfig)
	registry := dagview.NewFuncRegistry()
	grammar := dagview.NewGrammar()
	view := dagview.NewView(source, registry, grammar)

	states := statestore.New(client, view, grammar)
	engine := depengine.New(client, states, view)

	plugins := pluginrunner.NewRegistry()
	plugins.Register("bash", pluginrunner.NewBashRunner())
	plugins.Register("noop", pluginrunner.NoopRunner{})

	sessTTL := time.Duration(flagSessionTTLSec) * time.Second
	r := runner.New(client, view, states, engine, plugins, sessTTL)

	return client, r, shutdownTrace, shutdownMetrics, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	client, r, shutdownTrace, shutdownMetrics, err := bootstrap("stolos-run")
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := runner.Options{
		ManualJobID:      flagJobID,
		BypassScheduler:  flagBypassScheduler,
		BashCmd:          flagBash,
		RedirectToStderr: flagRedirectToStderr,
	}
	if flagTimeoutSec > 0 {
		opts.Timeout = time.Duration(flagTimeoutSec) * time.Second
	}
	if flagMaxRetry >= 0 {
		opts.MaxRetryOverride = &flagMaxRetry
	}

	outcome, iterErr := r.Iteration(ctx, flagApp, opts)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	if iterErr != nil {
		fmt.Fprintln(os.Stderr, iterErr)
		if flagJobID != "" {
			os.Exit(1)
		}
		return nil
	}
	if outcome.Warning != "" {
		fmt.Fprintln(os.Stderr, outcome.Warning)
	}
	if outcome.NoWork {
		fmt.Println("no work available")
		return nil
	}
	fmt.Printf("app=%s job_id=%s state=%s\n", outcome.App, outcome.JobID, outcome.State)
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	client, r, shutdownTrace, shutdownMetrics, err := bootstrap("stolos-serve")
	if err != nil {
		return err
	}
	defer client.Close()

	boltClient, ok := client.(interface{ DB() *bbolt.DB })
	if !ok {
		return fmt.Errorf("serve: scheduler requires a boltdb-backed store")
	}

	sched := scheduler.New(boltClient.DB(), r)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := loadSchedules(ctx, sched, flagServeAppsConfig); err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = sched.Stop(stopCtx)

	telemetry.Flush(stopCtx, shutdownTrace)
	_ = shutdownMetrics(stopCtx)
	return nil
}

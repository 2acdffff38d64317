package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wedgelab/fusewedge/internal/config"
	"github.com/wedgelab/fusewedge/internal/detect"
	"github.com/wedgelab/fusewedge/internal/diag"
	"github.com/wedgelab/fusewedge/internal/proc"
	"github.com/wedgelab/fusewedge/internal/recovery"
	"github.com/wedgelab/fusewedge/internal/report"
	"github.com/wedgelab/fusewedge/internal/result"
	"github.com/wedgelab/fusewedge/internal/runner"
)

var (
	flagMountpoint string
	flagResultsDir string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [trials] [triggers]",
		Short: "Execute a batch of deadlock reproduction trials",
		Long: "Run the reproduction loop: for each trial, mount the faulty daemon, fan out\n" +
			"concurrent trigger clients, observe the process table for uninterruptible\n" +
			"waits, classify the outcome, and restore the baseline. Positional arguments\n" +
			"override the configured trial count and trigger concurrency.",
		Args: cobra.MaximumNArgs(2),
		RunE: runTrials,
	}
	cmd.Flags().StringVar(&flagMountpoint, "mountpoint", "", "override scenario mountpoint")
	cmd.Flags().StringVar(&flagResultsDir, "results", "", "override results directory")
	return cmd
}

// applyArgs folds the two optional positional integers (trial count, trigger
// concurrency) into the loaded config.
func applyArgs(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("trial count must be a positive integer, got %q", args[0])
		}
		cfg.Trials = n
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("trigger concurrency must be a positive integer, got %q", args[1])
		}
		cfg.Triggers = n
	}
	return nil
}

func runTrials(cmd *cobra.Command, args []string) error {
	// Overrides go in before Finalize: the default daemon and trigger
	// arguments derive from the effective mountpoint.
	cfg, err := config.Read(cfgFile)
	if err != nil {
		return err
	}
	if err := applyArgs(cfg, args); err != nil {
		return err
	}
	if flagMountpoint != "" {
		cfg.Scenario.Mountpoint = flagMountpoint
	}
	if flagResultsDir != "" {
		cfg.Results.Dir = flagResultsDir
	}
	if err := config.Finalize(cfg); err != nil {
		return err
	}

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("Run directory: %s\n", runDir)

	metrics, err := result.CreateMetricsLog(runDir)
	if err != nil {
		return err
	}
	diagLog, err := diag.Create(filepath.Join(runDir, result.DiagFile))
	if err != nil {
		return err
	}
	daemonLog := filepath.Join(runDir, result.DaemonLogFile)

	rc := &recovery.Controller{
		Mountpoint:  cfg.Scenario.Mountpoint,
		TriggerName: cfg.Scenario.TriggerMatch,
		DaemonLog:   daemonLog,
	}

	// From here on the run always completes and exits 0: trial-level
	// failures are verdicts, not errors. An interrupt stops the loop
	// between trials, never mid-trial, so recovery always runs.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	completed := 0
	for run := 1; run <= cfg.Trials; run++ {
		if ctx.Err() != nil {
			log.Printf("warning: interrupted after %d of %d trials", completed, cfg.Trials)
			break
		}
		runner.RunTrial(context.Background(), &runner.Opts{
			Scenario:      &cfg.Scenario,
			Run:           run,
			Triggers:      cfg.Triggers,
			DaemonLog:     daemonLog,
			DaemonSettle:  cfg.Timing.DaemonSettle(),
			TriggerSettle: cfg.Timing.TriggerSettle(),
			Launch:        launchChild,
			Det:           detect.Detector{},
			Diag:          diagLog,
			Reset:         func(ctx context.Context, daemon runner.Handle) { rc.Reset(ctx, daemon) },
			Metrics:       metrics,
			Out:           os.Stdout,
		})
		completed++
	}

	fmt.Printf("\nCompleted %d trials\n", completed)
	fmt.Printf("Metrics:     %s\n", metrics.Path())
	fmt.Printf("Diagnostics: %s\n", diagLog.Path())

	fmt.Println("\n--- Results ---")
	if err := report.Generate(metrics.Path(), "table", os.Stdout); err != nil {
		log.Printf("warning: generating summary: %v", err)
	}
	return nil
}

// launchChild adapts the supervisor to the orchestrator's handle interface,
// keeping a failed launch from surfacing as a non-nil interface around a
// nil pointer.
func launchChild(spec *proc.LaunchSpec) (runner.Handle, error) {
	h, err := proc.Launch(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/store"
)

var (
	runScene   string
	runOut     string
	runDataDir string
	runFlags   driverFlags
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run single-shot optimization",
	Long: `Optimizes the active parameters of a scene against its target radiance.
The run checkpoint, improvement trace and history.csv are written under the
data directory; --out writes the optimized scene.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&runScene, "scene", "", "Scene YAML path (required)")
	runCmd.Flags().StringVar(&runOut, "out", "", "Write the optimized scene to this path")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Run storage directory (default from config)")
	runFlags.register(runCmd)

	runCmd.MarkFlagRequired("scene")
	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runFlags.apply(cfg)
	if runDataDir != "" {
		cfg.Store.DataDir = runDataDir
	}

	o, opts, err := newOptimizer(cfg, runScene)
	if err != nil {
		return err
	}
	st, err := store.NewFSStore(cfg.Store.DataDir)
	if err != nil {
		return err
	}

	runID := newRunID()
	rec, err := newRecorder(st, runID, false)
	if err != nil {
		return err
	}
	o.OnImprove = rec.improve

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting optimization", "run_id", runID, "method", opts.Method.String(), "step_size", opts.Driver.StepSize)
	res, runErr := o.Optimize(ctx)
	cancelled := ctx.Err() != nil
	if err := rec.finish(st, runConfigFor(cfg, runScene, opts), res, runErr, cancelled); err != nil {
		slog.Error("Failed to persist run", "run_id", runID, "error", err)
	}
	if runErr != nil {
		return runErr
	}

	if runOut != "" {
		o.ExportSettings()
		if err := o.Scene().Save(runOut); err != nil {
			return fmt.Errorf("failed to write scene: %w", err)
		}
	}
	printResult(runID, rec.first, res, cancelled)
	if runOut != "" {
		fmt.Printf("Wrote %s\n", runOut)
	}
	return nil
}

func printResult(runID string, initial float64, res lighttrace.Result, cancelled bool) {
	state := "completed"
	if cancelled {
		state = "cancelled"
	}
	fmt.Printf("Run %s %s: %s, objective %.6g -> %.6g in %d iterations (%d evaluations, %s)\n",
		runID, state, res.Method, initial, res.BestObjective, res.Iterations, res.Evaluations, res.Duration.Round(time.Millisecond))
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lightfit/internal/store"
)

var (
	resumeScene   string
	resumeOut     string
	resumeDataDir string
	resumeFlags   driverFlags
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume a run from its checkpoint",
	Long: `Loads the best parameters of a stored run into its scene and continues
optimizing with a fresh driver. The method of the stored run is reused unless
--method is given. The checkpoint and history of the run are replaced and the
trace is extended.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeScene, "scene", "", "Scene YAML path (default: the scene of the run)")
	resumeCmd.Flags().StringVar(&resumeOut, "out", "", "Write the optimized scene to this path")
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "", "Run storage directory (default from config)")
	resumeFlags.register(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if resumeDataDir != "" {
		cfg.Store.DataDir = resumeDataDir
	}
	st, err := store.NewFSStore(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	cp, err := st.LoadCheckpoint(runID)
	if err != nil {
		return err
	}

	scenePath := cp.Config.ScenePath
	if resumeScene != "" {
		scenePath = resumeScene
	}
	cfg.Optimizer.Method = cp.Config.Method
	resumeFlags.apply(cfg)

	o, opts, err := newOptimizer(cfg, scenePath)
	if err != nil {
		return err
	}
	if err := cp.IsCompatible(cp.Config.ScenePath, o.Labels()); err != nil {
		return fmt.Errorf("cannot resume %s: %w", runID, err)
	}
	if _, err := o.ApplyParameters(cp.BestParams); err != nil {
		return err
	}
	slog.Info("Resuming run", "run_id", runID, "method", opts.Method.String(), "best_objective", cp.BestObjective, "iterations", cp.Iterations)

	rec, err := newRecorder(st, runID, true)
	if err != nil {
		return err
	}
	o.OnImprove = rec.improve

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, runErr := o.Optimize(ctx)
	cancelled := ctx.Err() != nil

	rec.first = cp.InitialObjective
	res.Iterations += cp.Iterations
	res.Evaluations += cp.Evaluations
	if err := rec.finish(st, runConfigFor(cfg, cp.Config.ScenePath, opts), res, runErr, cancelled); err != nil {
		slog.Error("Failed to persist run", "run_id", runID, "error", err)
	}
	if runErr != nil {
		return runErr
	}

	if resumeOut != "" {
		o.ExportSettings()
		if err := o.Scene().Save(resumeOut); err != nil {
			return fmt.Errorf("failed to write scene: %w", err)
		}
	}
	printResult(runID, cp.InitialObjective, res, cancelled)
	return nil
}

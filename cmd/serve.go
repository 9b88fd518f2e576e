package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lightfit/internal/lighttrace"
	"github.com/cwbudde/lightfit/internal/server"
	"github.com/cwbudde/lightfit/internal/store"
)

var (
	serveScene string
	serveAddr  string
	serveFlags driverFlags
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server",
	Long: `Serves the run API for one scene. Runs are started with POST /api/v1/runs,
observed with GET /api/v1/runs/{id} and its /stream endpoint, and persisted
under the configured data directory.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveScene, "scene", "", "Scene YAML path (required)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveFlags.register(serveCmd)

	serveCmd.MarkFlagRequired("scene")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	serveFlags.apply(cfg)
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	interval, err := cfg.Server.Interval()
	if err != nil {
		return err
	}

	o, opts, err := newOptimizer(cfg, serveScene)
	if err != nil {
		return err
	}
	st, err := store.NewFSStore(cfg.Store.DataDir)
	if err != nil {
		return err
	}

	srv := server.NewServer(lighttrace.NewRunner(o), opts, server.Options{
		Addr:               cfg.Server.Addr,
		ScenePath:          serveScene,
		Tracer:             cfg.Simulator.Tracer,
		Store:              st,
		CheckpointInterval: interval,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case s := <-sig:
		slog.Info("Received signal", "signal", s.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

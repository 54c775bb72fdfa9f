package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/scheduler"
	"github.com/jonathan/contrib-evaluator/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server and the sync scheduler",
	Long: `Start an HTTP server that exposes endpoints for triggering sync evaluations,
inspecting runs and closing challenges. Configured scheduler jobs run alongside it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{withAgents: true})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	// Runs left active by a crashed process are expired once they are well
	// past the in-process timeout.
	staleAfter := 2 * a.cfg.Runs.Timeout
	sched, err := scheduler.New(a.cfg.Scheduler.Jobs, a.orch, a.tracker, staleAfter, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if staleAfter > 0 {
		sched.ExpireTick(ctx, staleAfter)
	}
	sched.Start()
	defer sched.Stop()
	a.logger.Info("scheduler started", zap.Int("jobs", sched.Len()))

	srv := server.New(server.Config{Addr: addr, RunTimeout: a.cfg.Runs.Timeout}, a.orch, a.tracker, a.metrics, a.logger)
	return srv.Start(ctx)
}

// commandContext returns the command's context, defaulting to Background
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
